package tessera

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
)

// DBNotifier propagates record-change notifications between processes
// sharing the same database, so a config change made via the API on one
// instance is picked up by the others.
//
// The 'postgres' implementation uses PostgreSQL LISTEN/NOTIFY. The
// 'sqlite' implementation only signals the current process, as SQLite
// has no cross-connection notification mechanism.
type DBNotifier interface {
	ID() string
	Listen(ctx context.Context)

	// RuntimeConfigChannelName returns the name of the channel used to
	// signal that [RuntimeConfig] should be reloaded from the database
	RuntimeConfigChannelName() string

	// GuildConfigChannelName returns the name of the channel used to
	// signal that a [GuildConfig] record was updated
	GuildConfigChannelName() string

	// StopChannelName returns the name of the channel used to signal
	// the bot should shut down
	StopChannelName() string

	// ReloadRuntimeConfig signals listeners to refresh [RuntimeConfig]
	// from the database
	ReloadRuntimeConfig(ctx context.Context) bool

	// GuildConfigUpdated signals listeners that the [GuildConfig] for
	// the given guild ID was updated and cached copies are stale
	GuildConfigUpdated(ctx context.Context, guildID string) bool

	// Stop signals listeners to shut down
	Stop(ctx context.Context) bool
}

// sqliteNotifier sends notifications to the current process only, via
// channels on [Tessera].
type sqliteNotifier struct {
	t  *Tessera
	id string
}

func newSqliteNotifier(t *Tessera, id string) *sqliteNotifier {
	if id == "" {
		id = fmt.Sprintf("tessera-%s", uuid.NewString())
	}
	return &sqliteNotifier{t: t, id: id}
}

func (s *sqliteNotifier) ID() string {
	return s.id
}

// Listen is a no-op for SQLite. Notifications are delivered directly to
// the process-local channels by the send methods.
func (*sqliteNotifier) Listen(_ context.Context) {}

func (*sqliteNotifier) RuntimeConfigChannelName() string {
	return postgresNotifyChannelRuntimeConfigUpdated
}

func (*sqliteNotifier) GuildConfigChannelName() string {
	return postgresNotifyChannelGuildConfigUpdated
}

func (*sqliteNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (s *sqliteNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbNotifierSendTimeout)
		defer cancel()
	}
	select {
	case s.t.triggerRuntimeConfigRefreshCh <- true:
		return true
	case <-ctx.Done():
		s.t.logger.Warn("timed out sending runtime config refresh signal")
		return false
	}
}

func (s *sqliteNotifier) GuildConfigUpdated(ctx context.Context, guildID string) bool {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbNotifierSendTimeout)
		defer cancel()
	}
	select {
	case s.t.triggerGuildConfigRefreshCh <- guildID:
		return true
	case <-ctx.Done():
		s.t.logger.Warn(
			"timed out sending guild config refresh signal",
			"guild_id", guildID,
		)
		return false
	}
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbNotifierSendTimeout)
		defer cancel()
	}
	select {
	case s.t.triggerShutdownCh <- struct{}{}:
		return true
	case <-ctx.Done():
		s.t.logger.Warn("timed out sending shutdown signal")
		return false
	}
}

// postgresNotifier sends and receives notifications via PostgreSQL
// NOTIFY/LISTEN. Notification payloads are prefixed with the sender's
// notifier ID so instances can ignore their own notifications.
type postgresNotifier struct {
	pool   *pgxpool.Pool
	t      *Tessera
	id     string
	logger *slog.Logger
}

func newPostgresNotifier(pool *pgxpool.Pool, t *Tessera, id string) *postgresNotifier {
	if id == "" {
		id = fmt.Sprintf("tessera-%s", uuid.NewString())
	}
	return &postgresNotifier{
		pool:   pool,
		t:      t,
		id:     id,
		logger: slog.Default().With(loggerNameKey, "postgres_notifier"),
	}
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (*postgresNotifier) RuntimeConfigChannelName() string {
	return postgresNotifyChannelRuntimeConfigUpdated
}

func (*postgresNotifier) GuildConfigChannelName() string {
	return postgresNotifyChannelGuildConfigUpdated
}

func (*postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) notify(ctx context.Context, channel string, payload string) bool {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbNotifierSendTimeout)
		defer cancel()
	}
	message := strings.Join([]string{p.id, payload}, recordSeparator)
	_, err := p.pool.Exec(
		ctx,
		"SELECT pg_notify($1, $2)",
		channel,
		message,
	)
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending notification",
			"channel", channel,
			tint.Err(err),
		)
		return false
	}
	return true
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	return p.notify(ctx, p.RuntimeConfigChannelName(), "")
}

func (p *postgresNotifier) GuildConfigUpdated(ctx context.Context, guildID string) bool {
	return p.notify(ctx, p.GuildConfigChannelName(), guildID)
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	return p.notify(ctx, p.StopChannelName(), "")
}

// Listen acquires a connection from the pool, subscribes to all
// notification channels, and dispatches incoming notifications to the
// process-local channels on [Tessera]. On connection errors, it retries
// after a short delay until the context is canceled.
func (p *postgresNotifier) Listen(ctx context.Context) {
	log := p.logger
	channels := []string{
		p.RuntimeConfigChannelName(),
		p.GuildConfigChannelName(),
		p.StopChannelName(),
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("context canceled, stopping listener")
			return
		default:
		}

		err := p.listenOnce(ctx, channels)
		if err != nil && ctx.Err() == nil {
			log.Error("notification listener error, retrying", tint.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (p *postgresNotifier) listenOnce(ctx context.Context, channels []string) error {
	log := p.logger
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	for _, channel := range channels {
		if _, e := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); e != nil {
			return fmt.Errorf("error listening on %s: %w", channel, e)
		}
	}
	log.InfoContext(ctx, "listening for notifications", "channels", channels)

	for {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			return fmt.Errorf("error waiting for notification: %w", e)
		}

		notifierID, payload, found := strings.Cut(notification.Payload, recordSeparator)
		if !found {
			payload = notification.Payload
			notifierID = ""
		}
		if notifierID == p.id {
			log.DebugContext(
				ctx,
				"ignoring own notification",
				"channel", notification.Channel,
			)
			continue
		}
		log.InfoContext(
			ctx,
			"received notification",
			"channel", notification.Channel,
			"notifier_id", notifierID,
		)

		switch notification.Channel {
		case p.RuntimeConfigChannelName():
			select {
			case p.t.triggerRuntimeConfigRefreshCh <- true:
			case <-ctx.Done():
				return ctx.Err()
			}
		case p.GuildConfigChannelName():
			select {
			case p.t.triggerGuildConfigRefreshCh <- payload:
			case <-ctx.Done():
				return ctx.Err()
			}
		case p.StopChannelName():
			select {
			case p.t.triggerShutdownCh <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			log.WarnContext(
				ctx,
				"unknown notification channel",
				"channel", notification.Channel,
			)
		}
	}
}
