package tessera

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingTicket is a ticket creation proposed by the assistant, awaiting
// confirmation from the user who asked for it. Nothing is persisted
// until the user confirms: no ticket row, no channel, no chat history.
type PendingTicket struct {
	Token      string
	GuildID    string
	ChannelID  string
	UserID     string
	CategoryID uint

	// UserMessage is the message that prompted the proposal, used as the
	// ticket intro when confirmed
	UserMessage string

	// ToolMessage is a plain-text narration of the assistant's tool
	// call, replayed into chat history when the proposal is resolved
	ToolMessage string

	ExpiresAt time.Time
}

// ConfirmationBroker holds pending assistant-proposed ticket creations,
// keyed by single-use token. Entries expire after a TTL and are swept
// lazily; Take removes the entry whether or not it expired, so a token
// can never resolve twice.
type ConfirmationBroker struct {
	mu      sync.Mutex
	pending map[string]PendingTicket
	ttl     time.Duration
	logger  *slog.Logger

	// now is replaceable in tests
	now func() time.Time
}

func newConfirmationBroker(ttl time.Duration, logger *slog.Logger) *ConfirmationBroker {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultConfirmationTTL
	}
	return &ConfirmationBroker{
		pending: map[string]PendingTicket{},
		ttl:     ttl,
		logger:  logger.With(loggerNameKey, "confirmations"),
		now:     time.Now,
	}
}

// Put stores a pending ticket and returns its minted token. Expired
// entries are swept opportunistically on each call.
func (b *ConfirmationBroker) Put(p PendingTicket) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sweepLocked()

	token := uuid.NewString()
	p.Token = token
	p.ExpiresAt = b.now().Add(b.ttl)
	b.pending[token] = p

	b.logger.Debug(
		"stored pending ticket",
		"token", token,
		"guild_id", p.GuildID,
		"user_id", p.UserID,
		"category_id", p.CategoryID,
	)
	return token
}

// Take removes and returns the pending ticket for the given token.
// Unknown or expired tokens return false. Taking the same token twice
// always fails the second time.
func (b *ConfirmationBroker) Take(token string) (*PendingTicket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[token]
	if !ok {
		return nil, false
	}
	delete(b.pending, token)

	if b.now().After(p.ExpiresAt) {
		b.logger.Debug("pending ticket expired", "token", token)
		return nil, false
	}
	return &p, true
}

// PendingCount returns the number of unexpired pending tickets.
func (b *ConfirmationBroker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked()
	return len(b.pending)
}

func (b *ConfirmationBroker) sweepLocked() {
	now := b.now()
	for token, p := range b.pending {
		if now.After(p.ExpiresAt) {
			delete(b.pending, token)
		}
	}
}
