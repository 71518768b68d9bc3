package tessera

import (
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// InteractionLog records an incoming Discord interaction for auditing.
// One row is written per interaction, whether or not handling succeeded.
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null"`
	Username      string `json:"username" gorm:"type:string"`
	AppID         string `json:"application_id" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`

	// CommandName is the slash command name for application commands,
	// or the component/modal custom ID otherwise
	CommandName string `json:"command_name" gorm:"type:string"`

	// Outcome is the user-facing result message, when one was sent
	Outcome string `json:"outcome" gorm:"type:string"`

	// Error is a string representation of any error encountered while
	// handling the interaction
	Error string `json:"error" gorm:"type:string"`

	// Payload is the full interaction object as JSON
	Payload string `json:"payload" gorm:"type:string"`

	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		CommandName:   interactionIdentifier(i),
		Payload:       string(p),
	}
	if u != nil {
		interactionLog.UserID = u.ID
		interactionLog.Username = u.String()
	}
	return interactionLog, nil
}

// interactionIdentifier returns the name identifying what an interaction
// targeted: the command name for slash commands, otherwise the component
// or modal custom ID.
func interactionIdentifier(i *discordgo.InteractionCreate) string {
	switch i.Type {
	case discordgo.InteractionApplicationCommand,
		discordgo.InteractionApplicationCommandAutocomplete:
		return i.ApplicationCommandData().Name
	case discordgo.InteractionMessageComponent:
		return i.MessageComponentData().CustomID
	case discordgo.InteractionModalSubmit:
		return i.ModalSubmitData().CustomID
	default:
		return ""
	}
}
