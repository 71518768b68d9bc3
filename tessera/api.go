package tessera

import (
	"context"
	cryprand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/alexliesenfeld/health"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	apiPrefix               = "/api"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathLoggedIn         = "/logged_in"
	apiPathPause            = "/pause"
	apiPathResume           = "/resume"
	apiPathQuit             = "/quit"
	apiPathTickets          = "/tickets"
	apiPathTicketDetail     = "/tickets/:channel_id"
	apiPathGuilds           = "/guilds"
	apiPathUsers            = "/users"
	apiPathUpdateUser       = "/users/:id"
	apiPathRuntimeConfig    = "/runtime-config"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathSetup            = "/setup"
	apiPathSetupStatus      = "/setup/status"
	apiHealthCheck          = "/healthz"
	apiMetrics              = "/metrics"

	// apiAdminSetup is the full path for the initial admin credential
	// setup endpoint, used in startup logging while setup is pending.
	apiAdminSetup = apiPrefix + apiPathSetup

	pprofPrefix = "debug/pprof"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	structValidator = validator.New()
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the admin API server for Tessera.
//
// It serves the session-authenticated management endpoints (tickets,
// guilds, users, runtime config, lifecycle controls), plus the
// unauthenticated health and metrics endpoints.
//
// The API should be initialized with newAPI and started with Serve.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	health              health.Checker
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes the admin API: session store, TLS, middleware and
// routes. The HTTP server isn't started until [API.Serve].
func newAPI(t *Tessera, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := NewAPIHandlers(t)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	tlsCfg, e := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if e != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", e)
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(),
		cors.New(corsConfig),
	)

	api.health = newHealthChecker(t)

	r.POST(apiPrefix+apiPathLogin, apiHandlers.loginHandler)
	r.POST(apiPrefix+apiPathLogout, apiHandlers.logoutHandler)
	r.GET(apiPrefix+apiHealthCheck, gin.WrapH(health.NewHandler(api.health)))
	r.GET(apiMetrics, gin.WrapH(promhttp.Handler()))

	r.POST(apiAdminSetup, apiHandlers.adminSetup)
	r.GET(apiPrefix+apiPathSetupStatus, apiHandlers.setupStatus)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(t))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathTickets, apiHandlers.getTickets)
	protected.GET(apiPathTicketDetail, apiHandlers.getTicketDetail)
	protected.GET(apiPathGuilds, apiHandlers.getGuilds)
	protected.GET(apiPathUsers, apiHandlers.getUsers)
	protected.PATCH(apiPathUpdateUser, apiHandlers.updateUser)
	protected.GET(apiPathRuntimeConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathRuntimeConfig, apiHandlers.updateRuntimeConfig)
	protected.POST(apiPathPause, apiHandlers.botPause)
	protected.POST(apiPathResume, apiHandlers.botResume)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.POST(
		apiPathRegisterCommands,
		apiHandlers.discordRegisterCommands,
	)

	ginPprof.RouteRegister(protected, pprofPrefix)

	runtime.SetMutexProfileFraction(1)
	runtime.SetBlockProfileRate(1)
	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)

	if e != nil {
		panic(e)
	}
	ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	store := a.store
	session, err := store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, e := username.(string)
	if !e {
		return "", errors.New("username not a string")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// newHealthChecker builds the /api/healthz checker: a cached database
// ping, and a periodic Discord gateway connectivity check. The gateway
// check passes while the gateway is intentionally disabled.
func newHealthChecker(t *Tessera) health.Checker {
	return health.NewChecker(
		health.WithCacheDuration(1*time.Second),
		health.WithTimeout(5*time.Second),
		health.WithCheck(
			health.Check{
				Name: "database",
				Check: func(ctx context.Context) error {
					if t.db == nil {
						return errors.New("database not initialized")
					}
					sqlDB, err := t.db.DB()
					if err != nil {
						return fmt.Errorf("error getting database handle: %w", err)
					}
					return sqlDB.PingContext(ctx)
				},
				Timeout: 2 * time.Second,
			},
		),
		health.WithPeriodicCheck(
			15*time.Second, 5*time.Second, health.Check{
				Name: "discord_gateway",
				Check: func(_ context.Context) error {
					if !t.RuntimeConfig().DiscordGatewayEnabled {
						return nil
					}
					if t.discord == nil || !t.discord.connected.Load() {
						return errors.New("discord gateway not connected")
					}
					return nil
				},
				Timeout: 3 * time.Second,
			},
		),
	)
}

// APIHandlers contains the handlers for the various API endpoints.
type APIHandlers struct {
	t      *Tessera
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers initializes and returns a new instance of APIHandlers.
//
// This function sets up the logger, generates a secret key for session
// management, and configures the session store with appropriate options.
func NewAPIHandlers(t *Tessera) *APIHandlers {
	logger := t.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := t.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if t.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(t.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{t: t, logger: logger, store: store}
}

// setupStatus reports whether the initial admin setup is still pending.
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.t.pendingSetup.Load()})
}

// adminSetup handles the initial admin credential creation. It is only
// available while setup is pending; afterwards it always returns 403.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.t.cfgMu.Lock()
	defer h.t.cfgMu.Unlock()

	if !h.t.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")
	var adminSetup adminSetupPayload

	if e := c.ShouldBindJSON(&adminSetup); e != nil {
		logger.Error("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, gin.H{"error": e.Error()})
		return
	}

	currentState := h.t.runtimeConfig

	username := adminSetup.Username

	password, err := HashPassword(adminSetup.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error setting admin credentials"},
		)
		return
	}

	if _, err = h.t.writeDB.Updates(
		c, currentState, map[string]any{
			columnRuntimeConfigAdminUsername: username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error updating admin credentials"},
		)
		return
	}
	h.t.runtimeConfig = currentState
	h.t.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, gin.H{"message": "admin credentials set"})
}

// loginHandler validates the login payload against the stored admin
// credentials and creates a new session on success. Login attempts are
// rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := h.t.logger
	if logger == nil {
		logger = slog.Default()
	}
	if !h.t.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")

		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runtimeConfig := h.t.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Internal Server Error"},
		)
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	session, err := h.t.api.store.New(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error creating session", tint.Err(err))

		sess, _ := h.store.Get(c.Request, sessionVarName)
		if sess != nil {
			sess.Values[sessionVarField] = ""
			_ = sess.Save(c.Request, c.Writer)
		}
		ginReplyError(c, "internal server error")
		return
	}
	if session == nil {
		logger.Error("didn't get session!?")
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if h.t.api.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.t.api.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

// logoutHandler clears the username from the session.
func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

// loggedIn returns the session username, or 401 when there's no valid
// session.
func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.t.api.getSessionUsername(c)

	if err != nil {
		ginContextLogger(c).Warn(
			"error getting session username",
			tint.Err(err),
		)
		c.JSON(
			http.StatusUnauthorized,
			httpError{Error: "unauthorized"},
		)
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// discordRegisterCommands re-registers the bot's slash commands via the
// Discord bulk overwrite endpoint.
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	commands, err := h.t.RegisterSlashCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	log.Info("registered commands", "commands", commands)
	c.JSON(http.StatusCreated, commands)
}

// getTickets returns tickets, optionally filtered by guild and status.
func (h *APIHandlers) getTickets(c *gin.Context) {
	var query getTicketsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if query.Limit == 0 {
		query.Limit = 50
	}

	log := ginContextLogger(c)
	tickets, err := h.t.store.ListTickets(
		c,
		query.GuildID,
		TicketStatus(query.Status),
		query.Limit,
	)
	if err != nil {
		log.Error("error listing tickets", tint.Err(err))
		ginReplyError(c, "error listing tickets")
		return
	}
	c.JSON(http.StatusOK, tickets)
}

// getTicketDetail returns a single ticket by its Discord channel ID.
func (h *APIHandlers) getTicketDetail(c *gin.Context) {
	channelID := c.Param("channel_id")
	log := ginContextLogger(c)

	ticket, err := h.t.store.GetTicketByChannelID(c, channelID)
	if err != nil {
		log.Error("error getting ticket", tint.Err(err))
		ginReplyError(c, "error getting ticket")
		return
	}
	if ticket == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "ticket not found"})
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// getGuilds returns all guild configurations.
func (h *APIHandlers) getGuilds(c *gin.Context) {
	log := ginContextLogger(c)
	guilds, err := h.t.store.ListGuildConfigs(c)
	if err != nil {
		log.Error("error listing guilds", tint.Err(err))
		ginReplyError(c, "error listing guilds")
		return
	}
	c.JSON(http.StatusOK, guilds)
}

// getUsers returns known users with pagination. With include_stats set,
// each user carries their usage statistics.
func (h *APIHandlers) getUsers(c *gin.Context) {
	var query GetUsersQuery
	if c.ShouldBindQuery(&query) != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}

	if query.Order == "" {
		query.Order = Ascending
	}
	if query.Limit == 0 {
		query.Limit = 25
	}

	log := ginContextLogger(c)

	var users []User

	var err error
	switch query.Order {
	case Descending:
		err = h.t.db.Limit(query.Limit).Offset(query.Offset).Order("id desc").Find(&users).Error
	default:
		err = h.t.db.Limit(query.Limit).Offset(query.Offset).Order("id asc").Find(&users).Error
	}
	if err != nil {
		log.Error("error getting users", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error getting users"})
		return
	}

	if !query.IncludeStats {
		c.JSON(http.StatusOK, users)
		return
	}

	usersWithStats := make([]userWithStats, len(users))

	g, _ := errgroup.WithContext(context.Background())
	for ind, u := range users {
		ind, u := ind, u
		g.Go(
			func() error {
				withStats := userWithStats{User: u}
				stats, e := u.getStats(context.Background(), h.t.db)
				withStats.UserStats = &stats
				if e == nil {
					usersWithStats[ind] = withStats
				}
				return e
			},
		)
	}
	if e := g.Wait(); e != nil {
		log.Error("error getting user stats", tint.Err(e))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting user stats"},
		)
		return
	}

	c.JSON(http.StatusOK, usersWithStats)
}

// getConfig returns the current runtime configuration, with the admin
// credential hash scrubbed.
func (h *APIHandlers) getConfig(c *gin.Context) {
	botState := h.t.RuntimeConfig()
	botState.AdminPassword = ""
	c.JSON(http.StatusOK, botState)
}

// updateRuntimeConfig applies a partial update to the runtime
// configuration, persists it, adjusts the bot state (pause, presence,
// gateway), and notifies other instances.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	t := h.t
	t.cfgMu.Lock()
	defer t.cfgMu.Unlock()

	ctx := context.Background()

	var updateRequest RuntimeConfigUpdate
	logger := ginContextLogger(c)
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := updateRequest.validate(); err != nil {
		logger.Error("invalid update", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existingConfig := t.runtimeConfig
	rollbackConfig := *existingConfig

	updates := updateRequest.columnUpdates()
	if len(updates) == 0 {
		c.JSON(http.StatusAccepted, existingConfig)
		return
	}

	// passwords are stored hashed, never verbatim
	if updateRequest.AdminPassword != nil {
		hashed, err := HashPassword(*updateRequest.AdminPassword)
		if err != nil {
			logger.Error("error hashing password", tint.Err(err))
			c.JSON(
				http.StatusInternalServerError,
				gin.H{"error": "error updating config"},
			)
			return
		}
		updates[columnRuntimeConfigAdminPassword] = hashed
	}

	logger.InfoContext(c, "applying updates", "updates", updateRequest)

	var updateError error

	var statusCode int
	var ginResponse gin.H

	_ = t.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			updateError = tx.Model(existingConfig).Updates(updates).Error
			if updateError != nil {
				statusCode = http.StatusInternalServerError
				ginResponse = gin.H{"error": "Error updating config"}
				return updateError
			}

			updateError = structValidator.Struct(existingConfig)
			if updateError != nil {
				statusCode = http.StatusBadRequest
				ginResponse = gin.H{"error": "Error validating config"}
				return updateError
			}
			return nil
		},
	)

	if updateError != nil {
		t.runtimeConfig = &rollbackConfig
		logger.ErrorContext(c, "Error updating config", tint.Err(updateError))
		c.JSON(statusCode, ginResponse)
		return
	}

	t.setRuntimeLevels(*existingConfig)

	wasPaused := t.paused.Swap(existingConfig.Paused)
	switch {
	case wasPaused && !existingConfig.Paused:
		logger.Info("unpaused bot")
	case existingConfig.Paused && !wasPaused:
		logger.Warn("paused bot")
	}

	g := new(errgroup.Group)

	g.Go(
		func() error {
			updateDiscordBotStatus(t, logger, rollbackConfig, existingConfig)
			return nil
		},
	)

	if existingConfig.DiscordNotificationChannelID != rollbackConfig.DiscordNotificationChannelID {
		g.Go(
			func() error {
				sendStartupMessage(t.discord, logger, *existingConfig)
				return nil
			},
		)
	}

	if updErr := g.Wait(); updErr != nil {
		logger.Error("error processing update(s)", tint.Err(updErr))
	}

	scrubbed := *existingConfig
	scrubbed.AdminPassword = ""
	c.JSON(http.StatusAccepted, scrubbed)

	sent := t.dbNotifier.ReloadRuntimeConfig(ctx)
	if !sent {
		logger.Error("error sending config update notification")
	}
}

// updateUser applies a partial update (priority/ignored flags) to a
// user record.
func (h *APIHandlers) updateUser(c *gin.Context) {
	log := ginContextLogger(c)

	var update apiPatchUser
	if err := c.ShouldBindJSON(&update); err != nil {
		log.Warn("bad request", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	userID := c.Param("id")
	user := h.t.writeDB.GetUser(userID)
	if user == nil {
		log.Warn("user not found", "user_id", userID)
		c.JSON(http.StatusNotFound, httpError{Error: "User not found"})
		return
	}

	updateData := map[string]any{}
	if update.Priority != nil {
		updateData[columnUserPriority] = *update.Priority
	}
	if update.Ignored != nil {
		updateData[columnUserIgnored] = *update.Ignored
	}

	if len(updateData) == 0 {
		c.JSON(http.StatusAccepted, user)
		return
	}

	log.Info("updating user", "user", user, "updates", updateData)

	if _, err := h.t.writeDB.Updates(c, user, updateData); err != nil {
		log.Error("error updating user", "user_id", userID, tint.Err(err))
		_ = h.t.writeDB.ReloadUser(userID)
		c.JSON(http.StatusInternalServerError, httpError{Error: "error updating User"})
		return
	}
	c.JSON(http.StatusAccepted, h.t.writeDB.ReloadUser(userID))
}

// botPause pauses assistant request processing and new ticket creation.
func (h *APIHandlers) botPause(c *gin.Context) {
	if h.t.Pause(c) {
		ginReplyMessage(c, "paused")
		return
	}
	ginReplyMessage(c, "already paused")
}

// botResume resumes command processing.
func (h *APIHandlers) botResume(c *gin.Context) {
	if h.t.Resume(c) {
		ginReplyMessage(c, "resumed")
		return
	}
	ginReplyMessage(c, "not paused")
}

// botQuit sends a stop signal to the bot, initiating the shutdown
// process. Responds immediately.
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doneCh := make(chan struct{}, 1)
	go func() {
		h.t.dbNotifier.Stop(ctx)
		doneCh <- struct{}{}
		close(doneCh)
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// getTicketsQuery represents the query parameters for GET /api/tickets.
type getTicketsQuery struct {
	GuildID string `form:"guild_id"`
	Status  string `form:"status" binding:"omitempty,oneof=OPEN CLOSED ARCHIVED"`
	Limit   int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// GetUsersQuery is the query string for the user listing.
type GetUsersQuery struct {
	Pagination
	IncludeStats bool `form:"include_stats" json:"include_stats"`
}

// userWithStats is a User along with their usage statistics.
type userWithStats struct {
	User

	// UserStats may be nil if stats couldn't be collected
	UserStats *UserStats `json:"stats,omitempty"`
}

// Sort represents the sorting order for queries.
type Sort string

// apiPatchUser accepts payload to update specific fields of a User
// record. Any non-nil value will be updated.
type apiPatchUser struct {
	Priority *bool `json:"priority,omitempty" binding:"omitnil"`
	Ignored  *bool `json:"ignored,omitempty" binding:"omitnil"`
}

// loggedInResponse is returned when a user is successfully logged in.
type loggedInResponse struct {
	Username string `json:"username"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client.
type httpError struct {
	Error string `json:"error"`
}

// userLogin represents the payload for user login requests.
type userLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// adminSetupPayload represents the payload for the initial admin setup.
type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse is the response struct for the 'setup status'
// endpoint. If an admin username/password haven't been set yet,
// Required will be true, indicating setup is needed.
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware returns a Gin middleware function for authentication.
//
// It retrieves the session from the request and checks if the user is
// authenticated. If the user is not authenticated, it aborts the request
// with a 401 Unauthorized status.
//
// If the bot is pending setup (no admin credentials have been set),
// it also returns HTTP 401.
func authMiddleware(t *Tessera) gin.HandlerFunc {
	return func(c *gin.Context) {
		store := t.api.store
		logger := t.logger
		if logger == nil {
			logger = slog.Default()
		}
		if t.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil {
			logger.Error("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		if session == nil {
			logger.Error("session is nil")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		username, ok := session.Values[sessionVarField]

		if !ok || username == "" {
			logger.Warn(
				"username not found in session",
				"headers",
				c.Request.Header,
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		logger.Debug("got session", sessionVarField, username)

		c.Next()
	}
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging
// HTTP requests.
//
// It logs the request method, path, remote address, user agent, referer,
// and the duration of the request. If there are any errors, it logs them
// as well.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function that records
// request counts and durations in the prometheus collectors.
func metricMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metricHTTPRequests.WithLabelValues(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
		metricHTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
		).Observe(time.Since(start).Seconds())
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(validateQueueConfig, QueueConfig{})
	structValidator.RegisterCustomTypeFunc(
		validateCooldownConfig,
		CooldownConfig{},
	)
	structValidator.RegisterCustomTypeFunc(
		validateRuntimeUpdateLimits,
		RuntimeConfigUpdate{},
	)
}

// sendStartupMessage announces the bot in the configured notification
// channel, if one is set and the gateway is enabled.
func sendStartupMessage(d *Discord, logger *slog.Logger, config RuntimeConfig) {
	if !config.DiscordGatewayEnabled {
		return
	}
	if config.DiscordNotificationChannelID == "" {
		return
	}

	if sendErr := d.channelMessageSend(
		config.DiscordNotificationChannelID,
		d.config.StartupMessage,
	); sendErr != nil {
		logger.Error("error sending startup message", tint.Err(sendErr))
	}
}

// generateSelfSignedCert generates a self-signed TLS certificate and
// private key, valid from the current time for 1 year.
func generateSelfSignedCert(
	certFile string,
	keyFile string,
) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(cryprand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Tessera"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		cryprand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = certOut.Close()
	}()

	if err = pem.Encode(
		certOut,
		&pem.Block{Type: "CERTIFICATE", Bytes: derBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	keyOut, err := os.Create(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = keyOut.Close()
	}()

	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	if err = pem.Encode(
		keyOut,
		&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	return cert, nil
}

// updateDiscordBotStatus reconciles the gateway connection and presence
// with a runtime config change: closes or opens the gateway when the
// enabled flag flipped, and updates the presence when the paused state
// or custom status changed.
func updateDiscordBotStatus(
	t *Tessera,
	logger *slog.Logger,
	rollbackConfig RuntimeConfig,
	existingConfig *RuntimeConfig,
) {
	switch {
	case rollbackConfig.DiscordGatewayEnabled && !existingConfig.DiscordGatewayEnabled:
		if discErr := t.discord.session.Close(); discErr != nil {
			logger.Error("error closing discord connection", tint.Err(discErr))
		}
	case rollbackConfig.DiscordGatewayEnabled && existingConfig.DiscordGatewayEnabled:
		switch {
		case existingConfig.Paused:
			if !rollbackConfig.Paused {
				if discErr := t.discord.session.UpdateStatusComplex(
					discordgo.UpdateStatusData{
						AFK:    true,
						Status: string(discordgo.StatusDoNotDisturb),
					},
				); discErr != nil {
					logger.Error("error updating discord status", tint.Err(discErr))
				}
			}
		case existingConfig.DiscordCustomStatus != rollbackConfig.DiscordCustomStatus:
			if discErr := t.discord.session.UpdateCustomStatus(
				existingConfig.DiscordCustomStatus,
			); discErr != nil {
				logger.Error("error updating discord status", tint.Err(discErr))
			}
		}
	case existingConfig.DiscordGatewayEnabled:
		t.discord.session.SetIdentify(
			discordgo.Identify{
				Intents:  t.config.Discord.GatewayIntents,
				Presence: getDiscordPresenceStatusUpdate(*existingConfig),
			},
		)
		if discErr := t.discord.session.Open(); discErr != nil {
			logger.Error("error opening discord connection", tint.Err(discErr))
		}
	}
}
