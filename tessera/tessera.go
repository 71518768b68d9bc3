package tessera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/tessera/tessera.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// Tessera is the main application struct for the Tessera bot. It owns
// the core components and wires them together: Discord integration, the
// OpenAI-backed assistant, ticket lifecycle management, persistence and
// the admin API.
//
// A Tessera is created with [New] and started with [Tessera.Run], which
// blocks until the provided context is canceled or a stop signal is
// received.
type Tessera struct {
	dbNotifier DBNotifier
	config     *Config

	// Pointer to a read-only GORM connection. This is from an
	// overabundance of caution for using SQLite.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations.
	// The only difference between this and [Tessera.db]
	// is that, when using sqlite, a mutex is used. Otherwise,
	// just use [Tessera.db].
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Handles OpenAI API integration
	llm *LLM

	// Knowledge base storage for assistant context (postgres/pgvector
	// only; unavailable on sqlite)
	rag RAGStore

	// Ticket persistence
	store TicketStore

	// Ticket lifecycle operations (create/close/claim/...)
	tickets *TicketManager

	// Per-ticket action cooldowns
	cooldowns *CooldownTracker

	// Pending AI ticket proposals awaiting user confirmation
	broker *ConfirmationBroker

	// Provides the back-end admin API
	api *API

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it when Run is called. This happens
	// after:
	// - initializing database connections
	// - loading runtime state from the DB
	// - starting the API
	// - opening a discord session
	// - registering any discord commands
	// - adding the discord handlers
	signalReady chan struct{}

	// A signal is sent on this channel when the
	// [Tessera.shutdown] function finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// Queues and manages priority for assistant requests
	chatQueue *ChatQueue

	// If true, the bot stops servicing assistant requests and refuses
	// new tickets from non-priority users.
	paused atomic.Bool

	// The time Run was called
	startedAt time.Time

	// Indicates whether admin credentials have been set.
	// If they haven't, Run will hold just after the init
	// process is done and the API has started, prior to starting
	// any other processes - this ensures the bot doesn't start
	// responding to commands before it can be configured/stopped
	// via the API.
	pendingSetup atomic.Bool

	// getInteractionHandlerFunc should be a callable to be used
	// when an interaction is received, which returns an appropriate
	// InteractionHandler. Tests replace this to capture responses.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// Runtime-configurable settings - things you may want to
	// change without restarting the bot.
	runtimeConfig *RuntimeConfig

	// protecc the runtime config
	cfgMu sync.RWMutex

	// chatRequestsInProgress is the number of assistant requests
	// currently being serviced
	chatRequestsInProgress atomic.Int64

	// setupSessions tracks in-flight /setup wizard runs by guild ID
	setupSessions sync.Map

	triggerRuntimeConfigRefreshCh chan bool
	triggerGuildConfigRefreshCh   chan string
	triggerShutdownCh             chan struct{}
}

// New creates and initializes a new Tessera instance from the given
// configuration: logging, the OpenAI client, the Discord integration,
// the confirmation broker, cooldown tracking, the assistant queue and
// the API server. Database connections are deferred to [Tessera.Run].
func New(config *Config) (*Tessera, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	t := &Tessera{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerGuildConfigRefreshCh:   make(chan string, 1),
		triggerShutdownCh:             make(chan struct{}, 1),
	}

	t.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     t.config.LogLevel,
			AddSource: true,
		},
	)

	t.logger = slog.New(t.logHandler)
	slog.SetDefault(t.logger)

	t.llm = newLLM(t, t.config.HTTPClient)

	t.config.Discord.httpClient = t.config.HTTPClient

	disc, err := newDiscord(t.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     t.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     t.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	t.discord = disc
	disc.t = t

	confirmationTTL := DefaultConfirmationTTL
	cooldownWindows := DefaultCooldownConfig()
	if t.config.Ticket != nil {
		if t.config.Ticket.ConfirmationTTL > 0 {
			confirmationTTL = t.config.Ticket.ConfirmationTTL
		}
		cooldownWindows = t.config.Ticket.Cooldowns
	}
	t.broker = newConfirmationBroker(confirmationTTL, t.logger)
	t.cooldowns = newCooldownTracker(cooldownWindows, t.logger)

	t.chatQueue = newChatQueue(
		t.config.Queue,
		t.logger.With(loggerNameKey, "queue"),
	)

	api, err := newAPI(t, config.API)
	errs = append(errs, err)
	t.api = api

	return t, errors.Join(errs...)
}

func (t *Tessera) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = t.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// RuntimeConfig returns a copy of the current runtime configuration
func (t *Tessera) RuntimeConfig() RuntimeConfig {
	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()
	if t.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *t.runtimeConfig
}

func (t *Tessera) ValidateConfig() error {
	return structValidator.Struct(t.config)
}

// RegisterSlashCommands registers the bot's slash commands via the
// Discord bulk overwrite endpoint.
func (t *Tessera) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return t.discord.registerCommands(options...)
}

// GetOrCreateUser will retrieve an existing (cached) User to return,
// or will create a new User record if one doesn't already exist for
// the given user's ID.
func (t *Tessera) GetOrCreateUser(
	ctx context.Context, u discordgo.User,
) (user *User, isNew bool, err error) {
	return t.writeDB.GetOrCreateUser(ctx, u)
}

func newDBNotifier(t *Tessera) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	switch t.config.DatabaseType {
	case dbTypeSQLite:
		return newSqliteNotifier(t, notifyID), nil
	case dbTypePostgres:
		pool, poolErr := pgxpool.New(context.Background(), t.config.Database)
		if poolErr != nil {
			return nil, fmt.Errorf("error creating postgres pool: %w", poolErr)
		}
		return newPostgresNotifier(pool, t, notifyID), nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// Run starts the main loop of the Tessera bot.
//
// It validates the configuration, initializes the database, loads the
// runtime state, starts the API server, connects to Discord and starts
// the assistant request dispatcher. It blocks until the given context is
// canceled or a stop signal is received, then shuts down gracefully.
func (t *Tessera) Run(ctx context.Context) error {
	// prevents concurrent runs
	t.runMu.Lock()
	defer t.runMu.Unlock()

	t.signalStop = make(chan struct{}, 1)

	t.startedAt = time.Now()
	logger := t.logger

	if err := t.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(t)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	t.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)

	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", t.config))
	if t.signalReady == nil {
		t.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-t.signalStop:
			t.logger.Warn("got stop signal, canceling")
			cancel()
		case <-t.triggerShutdownCh:
			t.logger.Warn("got shutdown notification, canceling")
			cancel()
		case <-ctx.Done():
			t.logger.Warn("context canceled, sending stop signal")
			t.signalStop <- struct{}{}
			return
		}
	}()

	go func() {
		httpErr := t.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			t.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, t.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- t.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if t.api != nil && t.api.listener != nil {
				go func() {
					if e := t.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if setupErr := t.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}

	t.cooldowns.Start(ctx)

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		logger.InfoContext(ctx, "starting chat queue watcher")
		t.watchChatQueue(ctx)
		logger.InfoContext(ctx, "chat queue watcher done")
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		t.watchTicketMetrics(ctx)
	}()

	runtimeCfg := t.RuntimeConfig()

	if discErr := t.initDiscordSession(ctx, runtimeWG); discErr != nil {
		t.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err := t.discordInit(ctx, runtimeCfg, logger); err != nil {
		return err
	}

	t.startRuntimeConfigRefresher(ctx, runtimeWG, logger)
	t.startGuildConfigListener(ctx, runtimeWG)

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		t.dbNotifier.Listen(ctx)
	}()

	t.signalReady <- struct{}{}
	t.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	stopCh := make(chan struct{}, 1)
	go func() {
		<-ctx.Done()
		stopCh <- struct{}{}
	}()
	<-stopCh

	// Commence shutdown
	return t.shutdown(ctx, runtimeWG)
}

// initRun initializes the database, loads (or creates) the persisted
// runtime state, and constructs the storage-backed components.
func (t *Tessera) initRun(startCtx context.Context) error {
	t.logger.Debug("initializing DB...")
	if err := t.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	t.logger.Debug("finished initializing DB")

	// load or create the DB state config - this tells the bot whether
	// it should start in a 'paused' state (to avoid a potential scenario
	// where we want to keep it paused, but it crashes and restarts in
	// an active state)
	var botState RuntimeConfig

	getStateErr := t.db.Last(&botState).Error
	if getStateErr != nil {
		if errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			t.pendingSetup.Store(true)
			botState = DefaultRuntimeConfig()

			if _, err := t.writeDB.Create(startCtx, &botState); err != nil {
				return fmt.Errorf("error creating config: %w", err)
			}
		} else {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		t.pendingSetup.Store(true)
	}
	t.paused.Store(botState.Paused)
	t.setRuntimeLevels(botState)
	t.runtimeConfig = &botState

	if t.store == nil {
		t.store = newTicketStore(t.db, t.writeDB, t.logger)
	}
	if t.rag == nil {
		t.rag = newRAGStore(t.db, t.writeDB, t.config.DatabaseType, t.logger)
	}

	return nil
}

// initDB opens the GORM connection, runs migrations, and wraps the
// handle in [DBI] for writes.
func (t *Tessera) initDB(ctx context.Context) error {
	if t.db != nil {
		if t.writeDB == nil {
			t.writeDB = NewDatabase(
				t.db,
				t.logger,
				t.config.DatabaseType == dbTypePostgres,
			)
		}
		return nil
	}

	db, err := CreateDB(ctx, t.config.DatabaseType, t.config.Database)
	if err != nil {
		return err
	}

	t.db = db
	t.writeDB = NewDatabase(
		t.db,
		t.logger,
		t.config.DatabaseType == dbTypePostgres,
	)
	return nil
}

// waitOnSetup blocks until admin credentials exist, when the bot starts
// without any. The API is already serving at this point, so the
// credentials can be created via the setup endpoint.
func (t *Tessera) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !t.pendingSetup.Load() {
		return nil
	}

	listenAddr := ""
	if t.api != nil && t.api.listener != nil {
		listenAddr = t.api.listener.Addr().String()
	}
	logger.WarnContext(
		ctx,
		fmt.Sprintf("pending initial setup at: %s%s", listenAddr, apiAdminSetup),
	)
	pendingStateCh := make(chan struct{}, 1)
	go func() {
		for ctx.Err() == nil {
			var runtimeState RuntimeConfig
			logger.InfoContext(ctx, "checking if admin credentials exist yet")
			getRuntimeStateErr := t.db.Last(&runtimeState).Error
			if getRuntimeStateErr != nil {
				logger.ErrorContext(
					ctx,
					"error getting runtime state",
					tint.Err(getRuntimeStateErr),
				)
			}
			if runtimeState.AdminUsername != "" && runtimeState.AdminPassword != "" {
				pendingStateCh <- struct{}{}
				return
			}
			time.Sleep(5 * time.Second)
		}
	}()

	select {
	case <-ctx.Done():
		logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
		return t.shutdown(ctx, runtimeWG)
	case <-pendingStateCh:
		t.pendingSetup.Store(false)
	}

	return nil
}

// initDiscordSession creates the gateway session (when one wasn't
// injected), adds the event handlers, and constructs the session-backed
// ticket components.
func (t *Tessera) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := t.logger.With(loggerNameKey, "discord_session")

	if t.discord.session == nil {
		disc, discErr := t.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		t.discord.session = disc
	}

	if t.tickets == nil {
		pageLimit := DefaultTranscriptMessageLimit
		if t.config.Ticket != nil && t.config.Ticket.TranscriptMessageLimit > 0 {
			pageLimit = t.config.Ticket.TranscriptMessageLimit
		}
		t.tickets = newTicketManager(
			t.store,
			t.discord.session,
			t.discord.resolveActorCapabilities,
			t.cooldowns,
			t.config.Ticket,
			t.logger,
		)
		t.tickets.botUserID = t.discord.BotUserID
		t.tickets.gracePeriod = t.ticketDeleteGracePeriod
		t.tickets.transcripts = newTranscriber(
			t.store,
			t.discord.session,
			pageLimit,
			t.logger,
		)
	}

	ctx = WithLogger(ctx, logger)

	if len(t.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range t.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	identify := discordgo.Identify{Intents: t.config.Discord.GatewayIntents}
	if t.paused.Load() {
		identify.Presence = discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	} else {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Status: t.RuntimeConfig().DiscordCustomStatus,
		}
	}
	t.discord.session.SetIdentify(identify)

	t.discord.discordgoRemoveHandlerFuncs = []func(){
		t.discord.session.AddHandler(t.discord.handlerConnect()),
		t.discord.session.AddHandler(t.discord.handlerDisconnect()),
		t.discord.session.AddHandler(t.discord.handlerReady()),
		t.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := t.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					t.handleInteraction(ctx, handler)
				}()
			},
		),
		t.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					t.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}

	if t.getInteractionHandlerFunc == nil {
		t.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     t.discord.session,
				interaction: i,
				mu:          &sync.RWMutex{},
				logger: t.logger.With(
					slog.Group(
						"interaction",
						interactionLogAttrs(*i)...,
					),
				),
			}
		}
	}
	return nil
}

// ticketDeleteGracePeriod resolves the delay between announcing a ticket
// deletion and removing its channel, preferring the runtime override.
func (t *Tessera) ticketDeleteGracePeriod() time.Duration {
	config := t.RuntimeConfig()
	if config.TicketDeleteGracePeriod.Duration > 0 {
		return config.TicketDeleteGracePeriod.Duration
	}
	if t.config.Ticket != nil && t.config.Ticket.DeleteGracePeriod > 0 {
		return t.config.Ticket.DeleteGracePeriod
	}
	return DefaultTicketDeleteGracePeriod
}

// discordInit opens the discord websocket connection and registers
// commands, if the gateway is enabled
func (t *Tessera) discordInit(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	if !runtimeCfg.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway disabled")
		return nil
	}
	t.logger.InfoContext(ctx, "connecting to discord")
	if err := t.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if _, err := t.RegisterSlashCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	if runtimeCfg.DiscordCustomStatus != "" && !t.paused.Load() {
		go func() {
			if statusErr := t.discord.session.UpdateCustomStatus(
				runtimeCfg.DiscordCustomStatus,
			); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

// startRuntimeConfigRefresher starts the cache refresher goroutine,
// which periodically refreshes [RuntimeConfig] from the database.
func (t *Tessera) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeConfigTTL := t.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case t.triggerRuntimeConfigRefreshCh <- false:
						logger.Info("sent config refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case forceRefresh := <-t.triggerRuntimeConfigRefreshCh:
				refreshCh := make(chan struct{}, 1)
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				go func() {
					t.refreshRuntimeConfig(refreshCtx, forceRefresh)
					refreshCh <- struct{}{}
				}()
				select {
				case <-refreshCh:
				//
				case <-refreshCtx.Done():
					t.logger.Warn("refresh runtime config timed out or interrupted")
				}
				refreshCancel()
			}
		}
	}()
}

func (t *Tessera) refreshRuntimeConfig(ctx context.Context, force bool) {
	t.cfgMu.Lock()
	defer t.cfgMu.Unlock()

	runtimeConfigTTL := t.config.RuntimeConfigTTL
	rollbackConfig := t.runtimeConfig

	var refreshConfig RuntimeConfig
	if err := t.db.WithContext(ctx).Last(&refreshConfig).Error; err != nil {
		t.logger.Error("error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshConfig.UpdatedAt))
	if force || lastUpdated > runtimeConfigTTL {
		t.logger.Info(
			fmt.Sprintf(
				"runtime config last updated: %s ago, refreshing",
				lastUpdated.String(),
			),
		)
		t.unsafeRefreshRuntimeConfig(rollbackConfig, &refreshConfig)
	} else {
		t.logger.Info("runtime config is up to date, skipping refresh")
	}
}

// unsafeRefreshRuntimeConfig refreshes the runtime configuration without
// locking the config mutex.
func (t *Tessera) unsafeRefreshRuntimeConfig(
	rollbackConfig *RuntimeConfig,
	refreshedConfig *RuntimeConfig,
) {
	t.logger.Info("refreshing runtime configuration")
	updateDiscordBotStatus(t, t.logger, *rollbackConfig, refreshedConfig)

	t.paused.Store(refreshedConfig.Paused)
	t.runtimeConfig = refreshedConfig
	t.setRuntimeLevels(*refreshedConfig)

	t.logger.Info("refreshed runtime config")
}

// startGuildConfigListener consumes guild config update notifications,
// re-rendering the guild's published ticket panels so select menu options
// stay in sync with the current category list.
func (t *Tessera) startGuildConfigListener(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				t.logger.Info("context canceled, stopping guild config listener")
				return
			case guildID := <-t.triggerGuildConfigRefreshCh:
				if guildID == "" {
					t.logger.Warn("empty guild ID received, skipping refresh")
					continue
				}
				t.refreshGuildPanels(ctx, guildID)
			}
		}
	}()
}

// refreshGuildPanels re-renders a guild's published select-menu panel
// after its configuration changed.
func (t *Tessera) refreshGuildPanels(ctx context.Context, guildID string) {
	logger := t.logger.With("guild_id", guildID)

	if t.store == nil || t.discord == nil || t.discord.session == nil {
		return
	}

	guildConfig, err := t.store.GetOrCreateGuildConfig(ctx, guildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading guild config", tint.Err(err))
		return
	}

	menu, err := t.store.GetSelectMenu(ctx, guildConfig.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading select menu config", tint.Err(err))
		return
	}
	if menu == nil || menu.MessageID == "" {
		logger.DebugContext(ctx, "no published select menu panel, nothing to refresh")
		return
	}

	categories, err := t.store.GetTicketCategories(ctx, guildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading ticket categories", tint.Err(err))
		return
	}

	components := categorySelectMenu(categories, menu.Placeholder)
	if _, err = t.discord.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:         menu.MessageID,
			Channel:    menu.ChannelID,
			Components: &components,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error refreshing select menu panel", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "refreshed select menu panel", "message_id", menu.MessageID)
}

// setRuntimeLevels sets the logging levels and cooldown windows for
// various components based on the provided runtime configuration.
func (t *Tessera) setRuntimeLevels(state RuntimeConfig) {
	t.config.LogLevel.Set(state.LogLevel.Level())
	t.config.OpenAI.LogLevel.Set(state.OpenAILogLevel.Level())
	t.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	t.config.API.LogLevel.Set(state.APILogLevel.Level())
	t.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	t.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())

	if t.cooldowns != nil {
		defaults := DefaultCooldownConfig()
		if t.config.Ticket != nil {
			defaults = t.config.Ticket.Cooldowns
		}
		t.cooldowns.SetWindows(state.cooldownWindows(defaults))
	}
}

// Pause 'pauses' the bot. While paused, assistant requests are not
// serviced and new tickets are refused - unless [User.Priority] is set.
func (t *Tessera) Pause(ctx context.Context) bool {
	prev := t.paused.Swap(true)
	if prev {
		return false
	}

	if err := t.discord.session.UpdateStatusComplex(
		discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		},
	); err != nil {
		t.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
	}

	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()
	if t.runtimeConfig != nil && !t.runtimeConfig.Paused {
		if _, err := t.writeDB.Update(
			ctx,
			t.runtimeConfig,
			columnRuntimeConfigPaused,
			true,
		); err != nil {
			t.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		}
	}
	return true
}

// Resume resumes command processing. It returns a bool indicating whether
// the bot was paused at the time the function was called.
func (t *Tessera) Resume(ctx context.Context) bool {
	prev := t.paused.Swap(false)
	if !prev {
		t.logger.Warn("bot not paused")
		return false
	}
	t.logger.InfoContext(ctx, "bot resumed")

	if err := t.discord.updateCustomStatus(
		t.RuntimeConfig().DiscordCustomStatus,
	); err != nil {
		t.logger.ErrorContext(ctx, "unable to update online status", tint.Err(err))
	}

	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()
	if t.runtimeConfig != nil && t.runtimeConfig.Paused {
		if _, err := t.writeDB.Update(
			ctx,
			t.runtimeConfig,
			columnRuntimeConfigPaused,
			false,
		); err != nil {
			t.logger.ErrorContext(ctx, "unable to set resumed in db", tint.Err(err))
		}
	}

	return true
}

// watchChatQueue is the main loop servicing assistant requests. Requests
// are popped and handled one at a time, so a single slow completion
// can't pile up concurrent OpenAI calls.
func (t *Tessera) watchChatQueue(ctx context.Context) {
	defer func() {
		t.logger.InfoContext(
			ctx,
			"chat queue watcher stopped",
			"queue_size", t.chatQueue.Len(),
		)
	}()

	for ctx.Err() == nil {
		if t.paused.Load() {
			t.logger.DebugContext(ctx, "currently paused, sleeping")
			time.Sleep(t.config.Queue.SleepPaused)
			continue
		}

		req := t.chatQueue.Pop(ctx)
		if req == nil {
			time.Sleep(t.config.Queue.SleepEmpty)
			continue
		}

		t.chatRequestsInProgress.Add(1)
		func() {
			defer t.chatRequestsInProgress.Add(-1)
			defer func() {
				if rc := recover(); rc != nil {
					t.handleRecover(ctx, rc)
				}
			}()
			t.handleChatRequest(ctx, req)
		}()
	}
}

// handleDiscordMessage processes incoming Discord messages, turning
// guild messages that mention only the bot into queued assistant
// requests.
//
// This method is typically called as a goroutine for each new message
// received through the Discord gateway.
func (t *Tessera) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	ctx, logger := t.getLogger(ctx)

	logger.DebugContext(ctx, "saw message", "message", structToSlogValue(m))

	if m.MentionEveryone {
		logger.DebugContext(ctx, "ignoring message mentioning everyone")
		return
	}

	if len(m.Mentions) == 0 {
		return
	}

	if m.GuildID == "" {
		logger.DebugContext(ctx, "ignoring direct message")
		return
	}

	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user == nil {
		logger.WarnContext(ctx, "couldn't find user in discord message")
		return
	}

	botID := t.discord.BotUserID()
	if botID == "" {
		botID = t.config.Discord.ApplicationID
	}

	if user.Bot || user.ID == botID {
		logger.DebugContext(ctx, "ignoring message from bot", "user", user)
		return
	}

	if !messageMentionsUser(m.Message, botID) {
		logger.DebugContext(ctx, "bot not mentioned, ignoring")
		return
	}

	if len(m.Mentions) != 1 {
		logger.InfoContext(ctx, "multiple mentions, will not respond to message")
		return
	}

	u, _, err := t.GetOrCreateUser(ctx, *user)
	if err != nil {
		logger.ErrorContext(ctx, "error getting or creating user", tint.Err(err))
		return
	}
	if u.Ignored {
		logger.WarnContext(ctx, "ignoring message from ignored user", "user", u)
		return
	}

	content := strings.TrimSpace(stripUserMention(m.Content, botID))
	if content == "" {
		if _, sendErr := t.discord.session.ChannelMessageSendReply(
			m.ChannelID,
			"Hi! Mention me with a question, or use `/ticket open` to reach staff directly.",
			m.Reference(),
			discordgo.WithContext(ctx),
		); sendErr != nil {
			logger.ErrorContext(ctx, "error sending greeting", tint.Err(sendErr))
		}
		return
	}

	req := &ChatRequest{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		User:      u,
		Content:   content,
		CreatedAt: time.Now(),
		Priority:  u.Priority,
	}
	if pushErr := t.chatQueue.Push(ctx, req); pushErr != nil {
		logger.ErrorContext(ctx, "error queueing assistant request", tint.Err(pushErr))
	}
}

// stripUserMention removes mention tokens for the given user ID from
// message content.
func stripUserMention(content string, userID string) string {
	content = strings.ReplaceAll(content, fmt.Sprintf("<@%s>", userID), "")
	content = strings.ReplaceAll(content, fmt.Sprintf("<@!%s>", userID), "")
	return content
}

// handleRecover handles the recovery from a panic in a goroutine.
func (*Tessera) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}

func (t *Tessera) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	t.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if t.eventShutdown != nil {
			go func() {
				t.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := t.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		t.logger.Warn("immediate shutdown")
		go func() {
			_ = t.api.httpServer.Close()
		}()
		return fmt.Errorf("shutdown timeout not set, forced immediate close")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	t.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", t.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	// Graceful shutdown - at least until closeCtx is closed
	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait() // wait for anything spawned by the main processes
		runtimeStopEnd := time.Now()
		t.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"shutdown_started", shutdownStart,
			"runtime_stopped", runtimeStopEnd,
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		// flush the assistant queue
		if t.chatQueue != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				queueSize := t.chatQueue.Len()
				_ = t.chatQueue.Clear(context.Background())
				t.logger.InfoContext(
					ctx,
					"purged assistant request queue",
					"count", queueSize,
				)
			}()
		}

		// wait out any pending deferred channel deletions
		if t.tickets != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				t.logger.InfoContext(ctx, "waiting on pending ticket deletions")
				t.tickets.WaitForDeletions(closeCtx)
				t.logger.InfoContext(ctx, "pending ticket deletions done")
			}()
		}

		if t.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				t.logger.InfoContext(ctx, "stopping http server")
				_ = t.api.httpServer.Shutdown(closeCtx)
				t.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if t.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				t.logger.InfoContext(ctx, "closing discord session")
				_ = t.discord.session.Close()
				t.logger.InfoContext(ctx, "discord session closed")
				if len(t.discord.discordgoRemoveHandlerFuncs) > 0 {
					for _, h := range t.discord.discordgoRemoveHandlerFuncs {
						h()
					}
					t.logger.InfoContext(ctx, "finished removing handlers")
				}
			}()
		}

		// wait on the above, then send a signal that we're done
		go func() {
			t.logger.InfoContext(ctx, "waiting graceful shutdown")
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
			t.logger.InfoContext(ctx, "stopped http/discord")
		}()
	}()

	// if we get a signal on gracefulShutdownCh, everything stopped and
	// cleaned up normally.
	// otherwise, burn it all down!
	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			t.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			remaining := time.Until(shutdownDeadline)
			t.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					remaining.String(),
				),
			)
		case <-closeCtx.Done(): // timed out, start closing stuff
			t.logger.Warn("graceful shutdown did not finish in time, forcing close")

			go func() {
				_ = t.api.httpServer.Close()
			}()

			return fmt.Errorf("graceful shutdown did not finish in time")
		}
	}
}
