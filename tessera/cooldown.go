package tessera

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CooldownStatus reports whether an action is currently rate-limited for
// a ticket, and how long until the window clears.
type CooldownStatus struct {
	Active    bool
	Remaining time.Duration
}

// CooldownTracker enforces a minimum interval between repeated actions
// on the same ticket. Stamps are process-local; there is no cross-process
// sharing. A CREATE stamp inside its window suppresses every action on
// that ticket, so freshly created tickets can't be immediately
// closed/claimed/deleted in a loop.
//
// A background sweeper drops stamps older than the longest configured
// window, so the ledger doesn't grow monotonically with ticket volume.
type CooldownTracker struct {
	mu            sync.Mutex
	stamps        map[uint]map[TicketAction]time.Time
	windows       CooldownConfig
	sweepInterval time.Duration
	logger        *slog.Logger

	// now is replaceable in tests
	now func() time.Time
}

func newCooldownTracker(windows CooldownConfig, logger *slog.Logger) *CooldownTracker {
	if logger == nil {
		logger = slog.Default()
	}
	sweepInterval := windows.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultCooldownSweepInterval
	}
	return &CooldownTracker{
		stamps:        map[uint]map[TicketAction]time.Time{},
		windows:       windows,
		sweepInterval: sweepInterval,
		logger:        logger.With(loggerNameKey, "cooldowns"),
		now:           time.Now,
	}
}

// SetWindows replaces the active cooldown windows. Existing stamps are
// kept and evaluated against the new windows.
func (c *CooldownTracker) SetWindows(windows CooldownConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if windows.SweepInterval <= 0 {
		windows.SweepInterval = c.windows.SweepInterval
	}
	c.windows = windows
}

// window returns the configured window for an action. Claim and unclaim
// share a window. Zero means the action has no cooldown.
func (c *CooldownTracker) window(action TicketAction) time.Duration {
	switch action {
	case TicketActionCreate:
		return c.windows.Create
	case TicketActionClose:
		return c.windows.Close
	case TicketActionReopen:
		return c.windows.Reopen
	case TicketActionClaim, TicketActionUnclaim:
		return c.windows.Claim
	case TicketActionArchive:
		return c.windows.Archive
	case TicketActionDelete:
		return c.windows.Delete
	}
	return 0
}

// longestWindow returns the largest configured window, used as the
// retention horizon for the sweeper.
func (c *CooldownTracker) longestWindow() time.Duration {
	longest := c.windows.Create
	for _, w := range []time.Duration{
		c.windows.Close,
		c.windows.Reopen,
		c.windows.Claim,
		c.windows.Archive,
		c.windows.Delete,
	} {
		if w > longest {
			longest = w
		}
	}
	return longest
}

// Check reports whether the given action on the given ticket is inside a
// cooldown window. An unexpired CREATE stamp takes precedence over the
// action's own stamp, with the remaining time measured against the
// CREATE window.
func (c *CooldownTracker) Check(ticketID uint, action TicketAction) CooldownStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	ledger := c.stamps[ticketID]
	if ledger == nil {
		return CooldownStatus{}
	}
	now := c.now()

	if c.windows.Create > 0 {
		if createdAt, ok := ledger[TicketActionCreate]; ok {
			if remaining := c.windows.Create - now.Sub(createdAt); remaining > 0 {
				return CooldownStatus{Active: true, Remaining: remaining}
			}
		}
	}

	window := c.window(action)
	if window <= 0 {
		return CooldownStatus{}
	}
	stamp, ok := ledger[action]
	if !ok {
		return CooldownStatus{}
	}
	if remaining := window - now.Sub(stamp); remaining > 0 {
		return CooldownStatus{Active: true, Remaining: remaining}
	}
	return CooldownStatus{}
}

// Set records the action as having just happened for the given ticket.
func (c *CooldownTracker) Set(ticketID uint, action TicketAction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ledger := c.stamps[ticketID]
	if ledger == nil {
		ledger = map[TicketAction]time.Time{}
		c.stamps[ticketID] = ledger
	}
	ledger[action] = c.now()
}

// Clear drops a ticket's entire cooldown ledger. Used when a ticket's
// channel is deleted.
func (c *CooldownTracker) Clear(ticketID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stamps, ticketID)
}

// Start launches the background sweeper, which runs until ctx is
// canceled.
func (c *CooldownTracker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := c.sweep(); removed > 0 {
					c.logger.Debug(
						"swept expired cooldown stamps",
						"removed", removed,
					)
				}
			}
		}
	}()
}

// sweep removes stamps older than the longest configured window and
// drops ticket ledgers that become empty, returning the number of stamps
// removed.
func (c *CooldownTracker) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	horizon := c.longestWindow()
	now := c.now()
	var removed int
	for ticketID, ledger := range c.stamps {
		for action, stamp := range ledger {
			if now.Sub(stamp) > horizon {
				delete(ledger, action)
				removed++
			}
		}
		if len(ledger) == 0 {
			delete(c.stamps, ticketID)
		}
	}
	return removed
}
