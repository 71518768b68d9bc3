//nolint:lll // struct tags can't be split
package tessera

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"reflect"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/sashabaranov/go-openai"
)

const (
	EnvvarSetEnvPrefix             = "TESSERA_ENV_PREFIX"
	DefaultEnvPrefix               = "TESSERA"
	DefaultDatabaseType            = "sqlite"
	DefaultDatabase                = "tessera.sqlite3"
	DefaultLogLevel                = slog.LevelInfo
	DefaultStartupTimeout          = 30 * time.Second
	DefaultShutdownTimeout         = 60 * time.Second
	DefaultOpenAIModel             = openai.GPT4o
	DefaultOpenAIEmbeddingModel    = string(openai.SmallEmbedding3)
	DefaultOpenAIRequestsPerSecond = 1
	DefaultOpenAIRequestBurst      = 5

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DiscordSlashCommandTicket    = "ticket"
	DiscordSlashCommandTickets   = "tickets"
	DiscordSlashCommandSetup     = "setup"
	DiscordSlashCommandPanel     = "panel"
	DiscordSlashCommandKnowledge = "knowledge"
	DiscordSlashCommandReset     = "reset"

	// DefaultDiscordGatewayIntent includes the privileged message content
	// intent, which the bot needs to see messages sent in ticket channels.
	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentMessageContent

	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordErrorMessage   = "sorry, something went wrong!"
	DefaultDiscordCustomStatus   = "/ticket | mention me for help"
	DefaultDiscordStartupMessage = "I'm here!"
	discordMaxMessageLength      = 2000
	DefaultAPIListen             = "127.0.0.1:5000"
	DefaultUITLSMinVersion       = tls.VersionTLS12
	DefaultQueueSleepEmpty       = 1 * time.Second
	DefaultQueueSleepPaused      = 5 * time.Second
	DefaultQueueSize             = 100
	DefaultQueueMaxAge           = 3 * time.Minute
	DefaultAPISessionMaxAge      = 6 * time.Hour

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultOpenAILogLevel          = slog.LevelInfo
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultRuntimeConfigTTL = 5 * time.Minute
	DefaultUserCacheTTL     = time.Hour

	DefaultTicketCooldownCreate  = 2 * time.Minute
	DefaultTicketCooldownClose   = 30 * time.Second
	DefaultTicketCooldownReopen  = 30 * time.Second
	DefaultTicketCooldownClaim   = 15 * time.Second
	DefaultTicketCooldownArchive = 30 * time.Second
	DefaultTicketCooldownDelete  = 30 * time.Second
	DefaultCooldownSweepInterval = 5 * time.Minute

	DefaultTicketDeleteGracePeriod = 5 * time.Second
	DefaultConfirmationTTL         = 5 * time.Minute
	DefaultSetupTimeout            = 5 * time.Minute
	DefaultTranscriptMessageLimit  = 100
	DefaultChatHistoryLimit        = 20
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Authorization",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Queue holds the configuration for the assistant request queue
	Queue *QueueConfig `yaml:"queue" mapstructure:"queue" json:"queue"`

	// OpenAI holds the configuration for OpenAI integration
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai"`

	// API configures the backend API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Ticket configures ticket lifecycle behavior (cooldowns, grace
	// periods, transcript limits)
	Ticket *TicketConfig `yaml:"ticket" mapstructure:"ticket" json:"ticket"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize/enqueue running. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL sets the time-to-live for the RuntimeConfig cache.
	// By default, RuntimeConfig is loaded on start, and refreshed with each
	// update. When running multiple instances, though, the config may become
	// 'stale' if updated from another instance. If this TTL is set above 0,
	// the config will be refreshed from the database at least every TTL duration.
	// If using PostgreSQL, LISTEN/NOTIFY will be used to announce updates in
	// addition to this.
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	// UserCacheTTL sets the time-to-live for the User cache. By default, all
	// [User] entries are loaded on startup, and new/updated entries are
	// added/updated as needed. If this TTL is set above 0, the cache will
	// be refreshed from the database at least every TTL duration. This is
	// primarily useful when running multiple instances.
	UserCacheTTL time.Duration `yaml:"user_cache_ttl" mapstructure:"user_cache_ttl" json:"user_cache_ttl"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// QueueConfig configures the capacity and behavior of the assistant
// request queue.
type QueueConfig struct {
	// Maximum queue size. 0=unlimited
	Size int `yaml:"size" mapstructure:"size" json:"size"`

	// Maximum age of a request that will be returned from the queue. Requests
	// older than this will be discarded. 0=unlimited
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`

	// Sleep for this duration when the queue is empty, before checking again
	SleepEmpty time.Duration `yaml:"sleep_empty" mapstructure:"sleep_empty" json:"sleep_empty"`

	// Sleep for this duration when the bot is paused, before checking again
	SleepPaused time.Duration `yaml:"sleep_paused" mapstructure:"sleep_paused" json:"sleep_paused"`
}

func validateQueueConfig(field reflect.Value) any {
	if value, ok := field.Interface().(QueueConfig); ok {
		if value.Size < 0 {
			return "size must be >= 0"
		}
		if value.MaxAge < 0 {
			return "max_age must be >= 0"
		}
		if value.SleepEmpty < 0 {
			return "sleep_empty must be >= 0"
		}
		if value.SleepPaused < 0 {
			return "sleep_paused must be >= 0"
		}
	}
	return nil
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If specified, _and_ [RuntimeConfig.DiscordGatewayEnabled] is true,
	// _and_ [RuntimeConfig.DiscordNotificationChannelID] is set, the bot will
	// send the specified message to that channel ID whenever it connects to the
	// discord gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message" binding:"required"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// OpenAIConfig configures OpenAI API integration
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Model used for chat completions (can be overridden via [RuntimeConfig])
	Model string `yaml:"model" mapstructure:"model" json:"model"`

	// EmbeddingModel is used to generate embeddings for knowledge base content
	EmbeddingModel string `yaml:"embedding_model" mapstructure:"embedding_model" json:"embedding_model"`

	// RequestsPerSecond limits the rate of outgoing OpenAI API requests
	RequestsPerSecond int `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second"`

	// RequestBurst sets the burst size for the OpenAI request limiter
	RequestBurst int `yaml:"request_burst" mapstructure:"request_burst" json:"request_burst"`
}

// TicketConfig configures ticket lifecycle behavior.
type TicketConfig struct {
	// Cooldowns specifies the per-action cooldown windows
	Cooldowns CooldownConfig `yaml:"cooldowns" mapstructure:"cooldowns" json:"cooldowns"`

	// DeleteGracePeriod is how long to wait, after announcing a ticket
	// deletion, before the channel is actually deleted
	DeleteGracePeriod time.Duration `yaml:"delete_grace_period" mapstructure:"delete_grace_period" json:"delete_grace_period"`

	// ConfirmationTTL is how long a pending AI ticket confirmation prompt
	// remains valid
	ConfirmationTTL time.Duration `yaml:"confirmation_ttl" mapstructure:"confirmation_ttl" json:"confirmation_ttl"`

	// SetupTimeout is how long the /setup wizard waits for a reply to
	// each prompt
	SetupTimeout time.Duration `yaml:"setup_timeout" mapstructure:"setup_timeout" json:"setup_timeout"`

	// TranscriptMessageLimit caps the number of messages fetched per page
	// when generating a ticket transcript
	TranscriptMessageLimit int `yaml:"transcript_message_limit" mapstructure:"transcript_message_limit" json:"transcript_message_limit"`

	// ChatHistoryLimit caps the number of prior messages included as
	// context in assistant completions
	ChatHistoryLimit int `yaml:"chat_history_limit" mapstructure:"chat_history_limit" json:"chat_history_limit"`
}

// CooldownConfig sets the minimum interval between repeated ticket
// actions by the same user. Zero disables the cooldown for that action.
type CooldownConfig struct {
	Create  time.Duration `yaml:"create" mapstructure:"create" json:"create"`
	Close   time.Duration `yaml:"close" mapstructure:"close" json:"close"`
	Reopen  time.Duration `yaml:"reopen" mapstructure:"reopen" json:"reopen"`
	Claim   time.Duration `yaml:"claim" mapstructure:"claim" json:"claim"`
	Archive time.Duration `yaml:"archive" mapstructure:"archive" json:"archive"`
	Delete  time.Duration `yaml:"delete" mapstructure:"delete" json:"delete"`

	// SweepInterval is how often expired cooldown entries are purged
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval"`
}

func validateCooldownConfig(field reflect.Value) any {
	if value, ok := field.Interface().(CooldownConfig); ok {
		if value.Create < 0 {
			return "create must be >= 0"
		}
		if value.Close < 0 {
			return "close must be >= 0"
		}
		if value.Reopen < 0 {
			return "reopen must be >= 0"
		}
		if value.Claim < 0 {
			return "claim must be >= 0"
		}
		if value.Archive < 0 {
			return "archive must be >= 0"
		}
		if value.Delete < 0 {
			return "delete must be >= 0"
		}
		if value.SweepInterval < 0 {
			return "sweep_interval must be >= 0"
		}
	}
	return nil
}

// APIConfig configures the backend API server
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"  binding:"required_if=Enabled true,min=1s"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age"  binding:"required_if=Enabled true,min=10m,max=24h"`

	// If true, the SameSite attribute of the session cookie will be set to 'None'
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultCooldownConfig returns the stock per-action cooldown windows
func DefaultCooldownConfig() CooldownConfig {
	return CooldownConfig{
		Create:        DefaultTicketCooldownCreate,
		Close:         DefaultTicketCooldownClose,
		Reopen:        DefaultTicketCooldownReopen,
		Claim:         DefaultTicketCooldownClaim,
		Archive:       DefaultTicketCooldownArchive,
		Delete:        DefaultTicketCooldownDelete,
		SweepInterval: DefaultCooldownSweepInterval,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		UserCacheTTL:          DefaultUserCacheTTL,
		Queue: &QueueConfig{
			Size:        DefaultQueueSize,
			MaxAge:      DefaultQueueMaxAge,
			SleepEmpty:  DefaultQueueSleepEmpty,
			SleepPaused: DefaultQueueSleepPaused,
		},
		OpenAI: &OpenAIConfig{
			LogLevel:          openaiLogLevel,
			Model:             DefaultOpenAIModel,
			EmbeddingModel:    DefaultOpenAIEmbeddingModel,
			RequestsPerSecond: DefaultOpenAIRequestsPerSecond,
			RequestBurst:      DefaultOpenAIRequestBurst,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
		},
		Ticket: &TicketConfig{
			Cooldowns:              DefaultCooldownConfig(),
			DeleteGracePeriod:      DefaultTicketDeleteGracePeriod,
			ConfirmationTTL:        DefaultConfirmationTTL,
			SetupTimeout:           DefaultSetupTimeout,
			TranscriptMessageLimit: DefaultTranscriptMessageLimit,
			ChatHistoryLimit:       DefaultChatHistoryLimit,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultUITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}
