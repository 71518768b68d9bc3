package tessera

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmationBroker_PutAndTake(t *testing.T) {
	broker := newConfirmationBroker(time.Minute, nil)

	token := broker.Put(
		PendingTicket{
			GuildID:     "guild1",
			ChannelID:   "channel1",
			UserID:      "user1",
			CategoryID:  7,
			UserMessage: "my bot is on fire",
			ToolMessage: "proposing a ticket",
		},
	)
	require.NotEmpty(t, token)
	assert.Equal(t, 1, broker.PendingCount())

	pending, ok := broker.Take(token)
	require.True(t, ok)
	require.NotNil(t, pending)
	assert.Equal(t, token, pending.Token)
	assert.Equal(t, "guild1", pending.GuildID)
	assert.Equal(t, "channel1", pending.ChannelID)
	assert.Equal(t, "user1", pending.UserID)
	assert.Equal(t, uint(7), pending.CategoryID)
	assert.Equal(t, "my bot is on fire", pending.UserMessage)
	assert.Equal(t, "proposing a ticket", pending.ToolMessage)
	assert.False(t, pending.ExpiresAt.IsZero())

	assert.Equal(t, 0, broker.PendingCount())
}

func TestConfirmationBroker_TakeTwiceFails(t *testing.T) {
	broker := newConfirmationBroker(time.Minute, nil)
	token := broker.Put(PendingTicket{UserID: "user1"})

	_, ok := broker.Take(token)
	require.True(t, ok)

	pending, ok := broker.Take(token)
	assert.False(t, ok)
	assert.Nil(t, pending)
}

func TestConfirmationBroker_UnknownToken(t *testing.T) {
	broker := newConfirmationBroker(time.Minute, nil)
	pending, ok := broker.Take("no-such-token")
	assert.False(t, ok)
	assert.Nil(t, pending)
}

func TestConfirmationBroker_Expiry(t *testing.T) {
	broker := newConfirmationBroker(time.Minute, nil)
	current := time.Now()
	broker.now = func() time.Time { return current }

	token := broker.Put(PendingTicket{UserID: "user1"})
	require.Equal(t, 1, broker.PendingCount())

	current = current.Add(time.Minute + time.Second)

	pending, ok := broker.Take(token)
	assert.False(t, ok)
	assert.Nil(t, pending)
}

func TestConfirmationBroker_ExpiredTokenConsumed(t *testing.T) {
	broker := newConfirmationBroker(time.Minute, nil)
	current := time.Now()
	broker.now = func() time.Time { return current }

	token := broker.Put(PendingTicket{UserID: "user1"})
	current = current.Add(2 * time.Minute)

	// the expired Take still removes the entry
	_, ok := broker.Take(token)
	require.False(t, ok)
	broker.mu.Lock()
	remaining := len(broker.pending)
	broker.mu.Unlock()
	assert.Equal(t, 0, remaining)
}

func TestConfirmationBroker_PendingCountSweeps(t *testing.T) {
	broker := newConfirmationBroker(time.Minute, nil)
	current := time.Now()
	broker.now = func() time.Time { return current }

	broker.Put(PendingTicket{UserID: "user1"})
	broker.Put(PendingTicket{UserID: "user2"})
	require.Equal(t, 2, broker.PendingCount())

	current = current.Add(time.Minute + time.Second)
	assert.Equal(t, 0, broker.PendingCount())
}

func TestConfirmationBroker_UniqueTokens(t *testing.T) {
	broker := newConfirmationBroker(time.Minute, nil)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		token := broker.Put(PendingTicket{UserID: "user1"})
		assert.False(t, seen[token])
		seen[token] = true
	}
	assert.Equal(t, 50, broker.PendingCount())
}

func TestNewConfirmationBroker_DefaultTTL(t *testing.T) {
	broker := newConfirmationBroker(0, nil)
	assert.Equal(t, DefaultConfirmationTTL, broker.ttl)
}
