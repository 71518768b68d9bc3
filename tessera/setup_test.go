package tessera

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
)

func TestRoleMentionID(t *testing.T) {
	assert.Equal(t, "", roleMentionID(nil))

	// gateway-resolved mentions win over raw content
	assert.Equal(
		t,
		"111",
		roleMentionID(
			&discordgo.Message{
				Content:      "use <@&222> please",
				MentionRoles: []string{"111"},
			},
		),
	)

	// otherwise the first role mention is parsed out of the content
	assert.Equal(
		t,
		"222",
		roleMentionID(&discordgo.Message{Content: "use <@&222> please"}),
	)
	assert.Equal(
		t,
		"",
		roleMentionID(&discordgo.Message{Content: "no mentions here"}),
	)
	assert.Equal(
		t,
		"",
		roleMentionID(&discordgo.Message{Content: "user ping <@333> is not a role"}),
	)
}
