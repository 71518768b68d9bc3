package tessera

import (
	"reflect"
	"time"

	"github.com/bwmarrin/discordgo"
)

var (
	columnRuntimeConfigPaused                       = "paused"
	columnRuntimeConfigChatEnabled                  = "chat_enabled"
	columnRuntimeConfigRAGEnabled                   = "rag_enabled"
	columnRuntimeConfigRAGChunkLimit                = "rag_chunk_limit"
	columnRuntimeConfigDiscordGatewayEnabled        = "discord_gateway_enabled"
	columnRuntimeConfigDiscordCustomStatus          = "discord_custom_status"
	columnRuntimeConfigDiscordNotificationChannelID = "discord_notification_channel_id"
	columnRuntimeConfigChatSystemPrompt             = "chat_system_prompt"
	columnRuntimeConfigOpenAIModel                  = "openai_model"
	columnRuntimeConfigOpenAITemperature            = "openai_temperature"
	columnRuntimeConfigCooldownCreate               = "cooldown_create"
	columnRuntimeConfigCooldownClose                = "cooldown_close"
	columnRuntimeConfigCooldownReopen               = "cooldown_reopen"
	columnRuntimeConfigCooldownClaim                = "cooldown_claim"
	columnRuntimeConfigCooldownArchive              = "cooldown_archive"
	columnRuntimeConfigCooldownDelete               = "cooldown_delete"
	columnRuntimeConfigTicketDeleteGracePeriod      = "ticket_delete_grace_period"
	columnRuntimeConfigAdminUsername                = "admin_username"
	columnRuntimeConfigAdminPassword                = "admin_password"
	columnRuntimeConfigLogLevel                     = "log_level"
	columnRuntimeConfigOpenAILogLevel               = "openai_log_level"
	columnRuntimeConfigDiscordLogLevel              = "discord_log_level"
	columnRuntimeConfigDiscordGoLogLevel            = "discordgo_log_level"
	columnRuntimeConfigDatabaseLogLevel             = "database_log_level"
	columnRuntimeConfigAPILogLevel                  = "api_log_level"
)

// defaultChatSystemPrompt is the assistant's base system prompt when no
// override is configured.
const defaultChatSystemPrompt = "You are a helpful support assistant for a " +
	"Discord community. Answer questions concisely, using the provided " +
	"support notes when they are relevant. When a problem needs staff " +
	"attention, or the user explicitly asks for staff, call the " +
	"create_ticket function instead of answering."

// RuntimeConfig stores settings that can be modified at runtime and
// persist across restarts (e.g. being paused). It's cached on the app
// struct and refreshed on a TTL, or immediately when another instance
// broadcasts an update.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused stops assistant request processing and new ticket creation.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// ChatEnabled toggles the mention-triggered assistant.
	ChatEnabled bool `json:"chat_enabled" gorm:"not null;default:true"`

	// RAGEnabled toggles knowledge base context injection into
	// assistant completions.
	RAGEnabled bool `json:"rag_enabled" gorm:"not null;default:true"`

	// RAGChunkLimit is the number of knowledge base chunks included per
	// completion.
	RAGChunkLimit int `json:"rag_chunk_limit" gorm:"default:4" binding:"omitempty,min=1,max=20"`

	// Opens a discord gateway websocket connection on startup.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// DiscordNotificationChannelID receives bot startup notifications.
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// ChatSystemPrompt overrides the assistant's base system prompt.
	ChatSystemPrompt string `json:"chat_system_prompt" gorm:"type:string"`

	// OpenAIModel used for chat completions.
	OpenAIModel string `json:"openai_model" gorm:"type:string"`

	OpenAITemperature float64 `json:"openai_temperature" gorm:"default:1" binding:"omitempty,min=0,max=2"`

	// Per-action cooldown window overrides. Zero values fall back to
	// the static config.
	CooldownCreate  Duration `json:"cooldown_create"`
	CooldownClose   Duration `json:"cooldown_close"`
	CooldownReopen  Duration `json:"cooldown_reopen"`
	CooldownClaim   Duration `json:"cooldown_claim"`
	CooldownArchive Duration `json:"cooldown_archive"`
	CooldownDelete  Duration `json:"cooldown_delete"`

	// TicketDeleteGracePeriod overrides the delay between a ticket
	// deletion and its channel's removal.
	TicketDeleteGracePeriod Duration `json:"ticket_delete_grace_period"`

	// AdminUsername for the web UI
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// OpenAILogLevel is the logging level for OpenAI-related operations.
	OpenAILogLevel DBLogLevel `gorm:"default:INFO;column:openai_log_level;type:string;check:openai_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"openai_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		ChatEnabled:           true,
		RAGEnabled:            true,
		RAGChunkLimit:         ragSearchLimit,
		DiscordGatewayEnabled: true,
		DiscordCustomStatus:   DefaultDiscordCustomStatus,
		ChatSystemPrompt:      defaultChatSystemPrompt,
		OpenAIModel:           DefaultOpenAIModel,
		OpenAITemperature:     1,
		LogLevel:              DBLogLevelInfo,
		OpenAILogLevel:        DBLogLevelInfo,
		DiscordLogLevel:       DBLogLevelInfo,
		DiscordGoLogLevel:     DBLogLevelInfo,
		DatabaseLogLevel:      DBLogLevelInfo,
		APILogLevel:           DBLogLevelInfo,
	}
}

// cooldownWindows merges the runtime overrides over the static config,
// keeping defaults for zero-valued overrides.
func (c RuntimeConfig) cooldownWindows(defaults CooldownConfig) CooldownConfig {
	windows := defaults
	if c.CooldownCreate.Duration > 0 {
		windows.Create = c.CooldownCreate.Duration
	}
	if c.CooldownClose.Duration > 0 {
		windows.Close = c.CooldownClose.Duration
	}
	if c.CooldownReopen.Duration > 0 {
		windows.Reopen = c.CooldownReopen.Duration
	}
	if c.CooldownClaim.Duration > 0 {
		windows.Claim = c.CooldownClaim.Duration
	}
	if c.CooldownArchive.Duration > 0 {
		windows.Archive = c.CooldownArchive.Duration
	}
	if c.CooldownDelete.Duration > 0 {
		windows.Delete = c.CooldownDelete.Duration
	}
	return windows
}

// RuntimeConfigUpdate is the PATCH payload for runtime settings. Nil
// fields are left unchanged.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused                       *bool    `json:"paused,omitempty"`
	ChatEnabled                  *bool    `json:"chat_enabled,omitempty"`
	RAGEnabled                   *bool    `json:"rag_enabled,omitempty"`
	RAGChunkLimit                *int     `json:"rag_chunk_limit,omitempty" binding:"omitnil,min=1,max=20"`
	DiscordGatewayEnabled        *bool    `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus          *string  `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	DiscordNotificationChannelID *string  `json:"discord_notification_channel_id,omitempty"`
	ChatSystemPrompt             *string  `json:"chat_system_prompt,omitempty" binding:"omitnil,max=4000"`
	OpenAIModel                  *string  `json:"openai_model,omitempty" binding:"omitnil,min=1"`
	OpenAITemperature            *float64 `json:"openai_temperature,omitempty" binding:"omitnil,min=0,max=2"`

	CooldownCreate  *Duration `json:"cooldown_create,omitempty"`
	CooldownClose   *Duration `json:"cooldown_close,omitempty"`
	CooldownReopen  *Duration `json:"cooldown_reopen,omitempty"`
	CooldownClaim   *Duration `json:"cooldown_claim,omitempty"`
	CooldownArchive *Duration `json:"cooldown_archive,omitempty"`
	CooldownDelete  *Duration `json:"cooldown_delete,omitempty"`

	TicketDeleteGracePeriod *Duration `json:"ticket_delete_grace_period,omitempty"`

	AdminUsername *string `json:"admin_username,omitempty" binding:"omitnil,min=1"`
	AdminPassword *string `json:"admin_password,omitempty" binding:"omitnil,min=8"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	OpenAILogLevel    *DBLogLevel `json:"openai_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (u RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(u)
}

// columnUpdates maps the update's non-nil fields to their database
// columns, for a single Updates call.
func (u RuntimeConfigUpdate) columnUpdates() map[string]any {
	updates := map[string]any{}
	if u.Paused != nil {
		updates[columnRuntimeConfigPaused] = *u.Paused
	}
	if u.ChatEnabled != nil {
		updates[columnRuntimeConfigChatEnabled] = *u.ChatEnabled
	}
	if u.RAGEnabled != nil {
		updates[columnRuntimeConfigRAGEnabled] = *u.RAGEnabled
	}
	if u.RAGChunkLimit != nil {
		updates[columnRuntimeConfigRAGChunkLimit] = *u.RAGChunkLimit
	}
	if u.DiscordGatewayEnabled != nil {
		updates[columnRuntimeConfigDiscordGatewayEnabled] = *u.DiscordGatewayEnabled
	}
	if u.DiscordCustomStatus != nil {
		updates[columnRuntimeConfigDiscordCustomStatus] = *u.DiscordCustomStatus
	}
	if u.DiscordNotificationChannelID != nil {
		updates[columnRuntimeConfigDiscordNotificationChannelID] = *u.DiscordNotificationChannelID
	}
	if u.ChatSystemPrompt != nil {
		updates[columnRuntimeConfigChatSystemPrompt] = *u.ChatSystemPrompt
	}
	if u.OpenAIModel != nil {
		updates[columnRuntimeConfigOpenAIModel] = *u.OpenAIModel
	}
	if u.OpenAITemperature != nil {
		updates[columnRuntimeConfigOpenAITemperature] = *u.OpenAITemperature
	}
	if u.CooldownCreate != nil {
		updates[columnRuntimeConfigCooldownCreate] = *u.CooldownCreate
	}
	if u.CooldownClose != nil {
		updates[columnRuntimeConfigCooldownClose] = *u.CooldownClose
	}
	if u.CooldownReopen != nil {
		updates[columnRuntimeConfigCooldownReopen] = *u.CooldownReopen
	}
	if u.CooldownClaim != nil {
		updates[columnRuntimeConfigCooldownClaim] = *u.CooldownClaim
	}
	if u.CooldownArchive != nil {
		updates[columnRuntimeConfigCooldownArchive] = *u.CooldownArchive
	}
	if u.CooldownDelete != nil {
		updates[columnRuntimeConfigCooldownDelete] = *u.CooldownDelete
	}
	if u.TicketDeleteGracePeriod != nil {
		updates[columnRuntimeConfigTicketDeleteGracePeriod] = *u.TicketDeleteGracePeriod
	}
	if u.AdminUsername != nil {
		updates[columnRuntimeConfigAdminUsername] = *u.AdminUsername
	}
	if u.AdminPassword != nil {
		updates[columnRuntimeConfigAdminPassword] = *u.AdminPassword
	}
	if u.LogLevel != nil {
		updates[columnRuntimeConfigLogLevel] = *u.LogLevel
	}
	if u.OpenAILogLevel != nil {
		updates[columnRuntimeConfigOpenAILogLevel] = *u.OpenAILogLevel
	}
	if u.DiscordLogLevel != nil {
		updates[columnRuntimeConfigDiscordLogLevel] = *u.DiscordLogLevel
	}
	if u.DiscordGoLogLevel != nil {
		updates[columnRuntimeConfigDiscordGoLogLevel] = *u.DiscordGoLogLevel
	}
	if u.DatabaseLogLevel != nil {
		updates[columnRuntimeConfigDatabaseLogLevel] = *u.DatabaseLogLevel
	}
	if u.APILogLevel != nil {
		updates[columnRuntimeConfigAPILogLevel] = *u.APILogLevel
	}
	return updates
}

// validateRuntimeUpdateLimits applies bounds that binding tags can't
// express on the Duration override fields.
func validateRuntimeUpdateLimits(field reflect.Value) any {
	value, ok := field.Interface().(RuntimeConfigUpdate)
	if !ok {
		return nil
	}

	cooldowns := map[string]*Duration{
		"cooldown_create":  value.CooldownCreate,
		"cooldown_close":   value.CooldownClose,
		"cooldown_reopen":  value.CooldownReopen,
		"cooldown_claim":   value.CooldownClaim,
		"cooldown_archive": value.CooldownArchive,
		"cooldown_delete":  value.CooldownDelete,
	}
	for name, d := range cooldowns {
		if d == nil {
			continue
		}
		if d.Duration < 0 {
			return name + " must be >= 0"
		}
		if d.Duration > time.Hour {
			return name + " must be at most 1h"
		}
	}

	if value.TicketDeleteGracePeriod != nil {
		grace := value.TicketDeleteGracePeriod.Duration
		if grace < 0 {
			return "ticket_delete_grace_period must be >= 0"
		}
		if grace > 10*time.Minute {
			return "ticket_delete_grace_period must be at most 10m"
		}
	}
	return nil
}

// getDiscordPresenceStatusUpdate returns the gateway presence matching
// the runtime state: do-not-disturb while paused, the custom status
// otherwise.
func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}
