package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"testing"

	"github.com/arcward/tessera/tessera"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	cfg        = tessera.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "tessera [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	fmt.Println(err)
	if err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", tessera.DefaultDatabase)
	viper.SetDefault("database_type", tessera.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		tessera.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		tessera.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("runtime_config_ttl", tessera.DefaultRuntimeConfigTTL)
	viper.SetDefault("user_cache_ttl", tessera.DefaultUserCacheTTL)

	viper.SetDefault("log_level", tessera.DefaultLogLevel.String())
	viper.SetDefault("api.log_level", tessera.DefaultAPILogLevel.String())

	viper.SetDefault("startup_timeout", tessera.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", tessera.DefaultShutdownTimeout)

	viper.SetDefault("queue.max_age", tessera.DefaultQueueMaxAge)
	viper.SetDefault("queue.size", tessera.DefaultQueueSize)
	viper.SetDefault(
		"queue.sleep_paused",
		tessera.DefaultQueueSleepPaused,
	)
	viper.SetDefault(
		"queue.sleep_empty",
		tessera.DefaultQueueSleepEmpty,
	)

	// OpenAI config
	viper.SetDefault("openai.log_level", tessera.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.model", tessera.DefaultOpenAIModel)
	viper.SetDefault("openai.embedding_model", tessera.DefaultOpenAIEmbeddingModel)
	viper.SetDefault(
		"openai.requests_per_second",
		tessera.DefaultOpenAIRequestsPerSecond,
	)
	viper.SetDefault("openai.request_burst", tessera.DefaultOpenAIRequestBurst)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		tessera.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		tessera.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		tessera.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", tessera.DefaultDiscordStartupMessage)

	// Ticket lifecycle config
	viper.SetDefault(
		"ticket.delete_grace_period",
		tessera.DefaultTicketDeleteGracePeriod,
	)
	viper.SetDefault("ticket.confirmation_ttl", tessera.DefaultConfirmationTTL)
	viper.SetDefault("ticket.setup_timeout", tessera.DefaultSetupTimeout)
	viper.SetDefault(
		"ticket.transcript_message_limit",
		tessera.DefaultTranscriptMessageLimit,
	)
	viper.SetDefault("ticket.chat_history_limit", tessera.DefaultChatHistoryLimit)
	viper.SetDefault(
		"ticket.cooldowns.create",
		tessera.DefaultTicketCooldownCreate,
	)
	viper.SetDefault("ticket.cooldowns.close", tessera.DefaultTicketCooldownClose)
	viper.SetDefault(
		"ticket.cooldowns.reopen",
		tessera.DefaultTicketCooldownReopen,
	)
	viper.SetDefault("ticket.cooldowns.claim", tessera.DefaultTicketCooldownClaim)
	viper.SetDefault(
		"ticket.cooldowns.archive",
		tessera.DefaultTicketCooldownArchive,
	)
	viper.SetDefault(
		"ticket.cooldowns.delete",
		tessera.DefaultTicketCooldownDelete,
	)
	viper.SetDefault(
		"ticket.cooldowns.sweep_interval",
		tessera.DefaultCooldownSweepInterval,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", tessera.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)

	viper.SetDefault(
		"api.session_max_age",
		tessera.DefaultAPISessionMaxAge,
	)
	viper.SetDefault("api.read_timeout", tessera.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		tessera.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", tessera.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", tessera.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		tessera.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		tessera.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		tessera.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", tessera.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		tessera.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(tessera.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = tessera.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	// Top-level settings only; the nested sections hold credentials
	for k, v := range viper.AllSettings() {
		if _, nested := v.(map[string]any); nested {
			continue
		}
		log.Printf("config: %s: %v", k, v)
	}
	logLevelVar, err := levelStringToLevelVar(viper.GetString("log_level"))
	if err != nil {
		log.Fatalf("error parsing log_level: %v", err)
	}
	viper.Set("log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.log_level"))
	if err != nil {
		log.Fatalf("error parsing discord log level: %v", err)
	}
	viper.Set("discord.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("openai.log_level"))
	if err != nil {
		log.Fatalf("error parsing openai log level: %v", err)
	}
	viper.Set("openai.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.discordgo_log_level"))
	if err != nil {
		log.Fatalf("error parsing discordgo log level: %v", err)
	}
	viper.Set("discord.discordgo_log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("database_log_level"))
	if err != nil {
		log.Fatalf("error parsing database log level: %v", err)
	}
	viper.Set("database_log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("api.log_level"))
	if err != nil {
		log.Fatalf("error parsing api log level: %v", err)
	}
	viper.Set("api.log_level", logLevelVar)
}

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
