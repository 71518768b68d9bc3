package tessera

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaultRuntimeConfig(t *testing.T) {
	cfg := DefaultRuntimeConfig()
	require.NoError(t, structValidator.Struct(cfg))

	cfg.RAGChunkLimit = 50
	require.Error(t, structValidator.Struct(cfg))
}

func TestValidateRuntimeConfigLogLevel(t *testing.T) {
	cfg := DefaultRuntimeConfig()
	cfg.LogLevel = DBLogLevel("TRACE")
	require.Error(t, structValidator.Struct(cfg))
}

func DefaultTestConfig(t testing.TB) *Config {
	tmpdir := t.TempDir()
	cfg := DefaultConfig()
	ids := newCommandData(t)

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))
	cfg.StartupTimeout = 5 * time.Second
	cfg.API.CORS.AllowOrigins = []string{"*"}
	cfg.API.Development = true
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.OpenAI.Token = ids.OpenAIToken
	cfg.Discord.Token = ids.DiscordToken
	cfg.RuntimeConfigTTL = 0
	cfg.UserCacheTTL = 0

	cfg.Discord.ApplicationID = ids.DiscordApplicationID

	certfile := filepath.Join(tmpdir, "cert.pem")
	keyfile := filepath.Join(tmpdir, "key.pem")
	_, err := generateSelfSignedCert(certfile, keyfile)
	require.NoError(t, err)

	cfg.API.SSL.Cert = certfile
	cfg.API.SSL.Key = keyfile

	cfg.API.Secret = "aksdfjakjsfdajfefIJHShi sfEISHSIDF HSIHDF"

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.OpenAI.LogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)

	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, DefaultStartupTimeout, cfg.StartupTimeout)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
	assert.Equal(t, DefaultRuntimeConfigTTL, cfg.RuntimeConfigTTL)
	assert.Equal(t, DefaultUserCacheTTL, cfg.UserCacheTTL)

	require.NotNil(t, cfg.Queue)
	assert.Equal(t, DefaultQueueSize, cfg.Queue.Size)
	assert.Equal(t, DefaultQueueMaxAge, cfg.Queue.MaxAge)
	assert.Equal(t, DefaultQueueSleepEmpty, cfg.Queue.SleepEmpty)
	assert.Equal(t, DefaultQueueSleepPaused, cfg.Queue.SleepPaused)

	require.NotNil(t, cfg.OpenAI)
	assert.Equal(t, DefaultOpenAIModel, cfg.OpenAI.Model)
	assert.Equal(t, DefaultOpenAIEmbeddingModel, cfg.OpenAI.EmbeddingModel)
	assert.Equal(t, DefaultOpenAIRequestsPerSecond, cfg.OpenAI.RequestsPerSecond)
	assert.Equal(t, DefaultOpenAIRequestBurst, cfg.OpenAI.RequestBurst)

	require.NotNil(t, cfg.Discord)
	assert.Equal(t, DefaultDiscordGatewayIntent, cfg.Discord.GatewayIntents)
	assert.Equal(t, DefaultDiscordStartupMessage, cfg.Discord.StartupMessage)

	require.NotNil(t, cfg.Ticket)
	assert.Equal(t, DefaultTicketCooldownCreate, cfg.Ticket.Cooldowns.Create)
	assert.Equal(t, DefaultTicketCooldownClose, cfg.Ticket.Cooldowns.Close)
	assert.Equal(t, DefaultTicketCooldownReopen, cfg.Ticket.Cooldowns.Reopen)
	assert.Equal(t, DefaultTicketCooldownClaim, cfg.Ticket.Cooldowns.Claim)
	assert.Equal(t, DefaultTicketCooldownArchive, cfg.Ticket.Cooldowns.Archive)
	assert.Equal(t, DefaultTicketCooldownDelete, cfg.Ticket.Cooldowns.Delete)
	assert.Equal(t, DefaultCooldownSweepInterval, cfg.Ticket.Cooldowns.SweepInterval)
	assert.Equal(t, DefaultTicketDeleteGracePeriod, cfg.Ticket.DeleteGracePeriod)
	assert.Equal(t, DefaultConfirmationTTL, cfg.Ticket.ConfirmationTTL)
	assert.Equal(t, DefaultSetupTimeout, cfg.Ticket.SetupTimeout)
	assert.Equal(t, DefaultTranscriptMessageLimit, cfg.Ticket.TranscriptMessageLimit)
	assert.Equal(t, DefaultChatHistoryLimit, cfg.Ticket.ChatHistoryLimit)

	require.NotNil(t, cfg.API)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.Equal(t, defaultListenNetwork, cfg.API.ListenNetwork)
	assert.Equal(t, DefaultAPISessionMaxAge, cfg.API.SessionMaxAge)
	assert.Equal(t, uint16(DefaultUITLSMinVersion), cfg.API.SSL.TLSMinVersion)
}

func TestValidateConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	require.NoError(t, structValidator.Struct(cfg))
}

func TestValidateConfig_MissingDiscordToken(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = ""
	require.Error(t, structValidator.Struct(cfg))
}

func TestValidateConfig_MissingStartupMessage(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.StartupMessage = ""
	require.Error(t, structValidator.Struct(cfg))
}

func TestValidateConfig_BadDatabaseType(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"
	require.Error(t, structValidator.Struct(cfg))
}

func TestCooldownWindows(t *testing.T) {
	defaults := DefaultCooldownConfig()

	cfg := DefaultRuntimeConfig()
	windows := cfg.cooldownWindows(defaults)
	assert.Equal(t, defaults, windows)

	cfg.CooldownCreate = Duration{10 * time.Minute}
	cfg.CooldownClaim = Duration{time.Second}
	windows = cfg.cooldownWindows(defaults)
	assert.Equal(t, 10*time.Minute, windows.Create)
	assert.Equal(t, time.Second, windows.Claim)
	assert.Equal(t, defaults.Close, windows.Close)
	assert.Equal(t, defaults.Reopen, windows.Reopen)
	assert.Equal(t, defaults.Archive, windows.Archive)
	assert.Equal(t, defaults.Delete, windows.Delete)
}
