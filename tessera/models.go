package tessera

import (
	"log/slog"
	"strconv"
	"strings"
)

const (
	columnGuildConfigGuildID             = "guild_id"
	columnGuildConfigEnabled             = "enabled"
	columnGuildConfigDefaultCategoryName = "default_category_name"
	columnGuildConfigTranscriptChannelID = "transcript_channel_id"

	columnTicketCategoryName              = "name"
	columnTicketCategoryTicketCount       = "ticket_count"
	columnTicketCategoryDiscordCategoryID = "discord_category_id"
	columnTicketCategoryPosition          = "position"
	columnTicketCategoryEnabled           = "enabled"
	columnTicketCategorySupportRoleID     = "support_role_id"
)

// Default ticket message templates, used when a category has no
// TicketMessage row or leaves a field empty.
const (
	defaultWelcomeTitle      = "Ticket #{number}"
	defaultWelcomeBody       = "Hi {user}! Describe your issue in as much detail as you can, and someone will be with you shortly."
	defaultCloseConfirmation = "This ticket has been closed."
)

// GuildConfig holds per-guild ticket settings. One row per Discord guild,
// created on first use.
type GuildConfig struct {
	ModelUintID
	ModelUnixTime

	GuildID string `gorm:"uniqueIndex" json:"guild_id" binding:"required"`

	// DefaultCategoryName is the name given to the ticket category seeded
	// when the guild config is first created
	DefaultCategoryName string `gorm:"default:Support" json:"default_category_name"`

	// Enabled toggles ticket creation for the guild
	Enabled bool `gorm:"default:true" json:"enabled"`

	// TranscriptChannelID, if set, receives closing transcripts. When
	// empty, transcripts are only sent to the ticket creator via DM.
	TranscriptChannelID NullableString `json:"transcript_channel_id"`
}

func (g GuildConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(g.ID)),
		slog.String(columnGuildConfigGuildID, g.GuildID),
		slog.Bool(columnGuildConfigEnabled, g.Enabled),
	)
}

// TicketCategory is a kind of ticket a guild offers ("Support",
// "Billing", ...). Ticket numbers are scoped to the category, assigned
// from TicketCount, which is only ever incremented inside the
// ticket-creating transaction.
type TicketCategory struct {
	ModelUintID
	ModelUnixTime

	GuildConfigID uint   `gorm:"index" json:"guild_config_id"`
	Name          string `json:"name" binding:"required"`
	Description   string `json:"description"`
	Emoji         string `json:"emoji"`

	// SupportRoleID is the role treated as support staff for tickets in
	// this category, pinged on creation and granted channel access
	SupportRoleID NullableString `json:"support_role_id"`

	// Position orders categories in select menus and /ticket open choices
	Position int `json:"position"`

	Enabled bool `gorm:"default:true" json:"enabled"`

	// TicketCount is the number of tickets ever created in this category.
	// The next ticket created gets TicketNumber = TicketCount + 1.
	TicketCount int64 `json:"ticket_count"`

	// DiscordCategoryID is the Discord channel category ticket channels
	// are created under, created on demand
	DiscordCategoryID NullableString `json:"discord_category_id"`
}

func (tc TicketCategory) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(tc.ID)),
		slog.String("name", tc.Name),
		slog.Uint64("guild_config_id", uint64(tc.GuildConfigID)),
		slog.Int64(columnTicketCategoryTicketCount, tc.TicketCount),
		slog.Bool(columnTicketCategoryEnabled, tc.Enabled),
	)
}

// TicketMessage holds per-category message template overrides. Fields
// support the placeholders {user}, {category} and {number}. Empty fields
// fall back to the package defaults.
type TicketMessage struct {
	ModelUintID
	ModelUnixTime

	TicketCategoryID  uint   `gorm:"uniqueIndex" json:"ticket_category_id"`
	WelcomeTitle      string `json:"welcome_title"`
	WelcomeBody       string `json:"welcome_body"`
	CloseConfirmation string `json:"close_confirmation"`
}

// renderTicketTemplate fills the {user}, {category} and {number}
// placeholders supported by [TicketMessage] fields.
func renderTicketTemplate(
	tmpl string,
	userMention string,
	categoryName string,
	ticketNumber int64,
) string {
	tmpl = strings.ReplaceAll(tmpl, "{user}", userMention)
	tmpl = strings.ReplaceAll(tmpl, "{category}", categoryName)
	tmpl = strings.ReplaceAll(tmpl, "{number}", strconv.FormatInt(ticketNumber, 10))
	return tmpl
}

// TicketButton records the guild's published single-button ticket panel,
// so it can be edited or re-published later.
type TicketButton struct {
	ModelUintID
	ModelUnixTime

	GuildConfigID uint   `gorm:"uniqueIndex" json:"guild_config_id"`
	ChannelID     string `json:"channel_id"`
	MessageID     string `json:"message_id"`
	Label         string `json:"label"`
	Emoji         string `json:"emoji"`
	Style         int    `json:"style"`
}

// SelectMenuConfig records the guild's published category select-menu
// ticket panel.
type SelectMenuConfig struct {
	ModelUintID
	ModelUnixTime

	GuildConfigID uint   `gorm:"uniqueIndex" json:"guild_config_id"`
	ChannelID     string `json:"channel_id"`
	MessageID     string `json:"message_id"`
	Placeholder   string `json:"placeholder"`
	MinValues     int    `json:"min_values"`
	MaxValues     int    `json:"max_values"`
}

// ChatMessage is one turn of an assistant conversation, scoped to
// (guild, channel, user). Tool interactions are stored as plain-text
// narration rather than raw tool call payloads, so history replays
// cleanly into later completion requests.
type ChatMessage struct {
	ModelUintID
	ModelUnixTime

	GuildID   string `gorm:"index:idx_chat_message_scope" json:"guild_id"`
	ChannelID string `gorm:"index:idx_chat_message_scope" json:"channel_id"`
	UserID    string `gorm:"index:idx_chat_message_scope" json:"user_id"`

	// Role is an OpenAI chat role (user/assistant/system)
	Role    string `json:"role"`
	Content string `json:"content"`

	ToolCallID       NullableString `json:"tool_call_id"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
}
