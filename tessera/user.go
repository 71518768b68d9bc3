package tessera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

var (
	columnUserID         = "id"
	columnUserIgnored    = "ignored"
	columnUserPriority   = "priority"
	columnUserUsername   = "username"
	columnUserGlobalName = "global_name"
	columnUserLastSeen   = "last_seen"
)

// User is a record of a Discord user, and their current state.
// See: https://discord.com/developers/docs/resources/user
//
//nolint:lll // struct tags can't be split
type User struct {
	//
	// The first set of fields are set from the Discord user object
	//

	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name - for bots, the application name
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Indicates this user is a Discord bot user. Bots will be ignored
	// by default.
	Bot bool `json:"bot" gorm:"type:bool"`

	// JSON content of the discord user object
	Content string `json:"content" gorm:"type:string"`

	//
	// The fields below are Tessera-specific
	//

	// If true, assistant requests from this user are queued ahead of
	// non-priority requests, and still run while the bot is paused
	Priority bool `json:"priority" gorm:"type:bool;default:false"`

	// If true, assistant mentions and /reset requests from this user
	// will be ignored
	Ignored bool `json:"ignored" gorm:"type:bool;default:false"`

	// LastSeen is the last time this user was seen in a Discord interaction
	// (whether it was from a slash command, clicking a button, etc.)
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	ModelUnixTime
}

func NewUser(u discordgo.User) *User {
	content, _ := json.Marshal(u)
	user := User{
		ID:         u.ID,
		Username:   u.Username,
		Ignored:    false,
		Content:    string(content),
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		LastSeen:   time.Now().UTC().UnixMilli(),
	}
	if u.Bot {
		user.Ignored = true
	}

	return &user
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

// TokenUsageSince returns the sum of LLMCall.TotalTokens attributed to
// this user since the given time
func (u *User) TokenUsageSince(db *gorm.DB, since time.Time) (int64, error) {
	ts := since.UnixMilli()
	var total int64
	err := db.Model(&LLMCall{}).Select("sum(total_tokens) as total").Where(
		"user_id = ? AND created_at >= ?",
		u.ID,
		ts,
	).First(&total).Error
	return total, err
}

func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String(columnUserID, u.ID),
		slog.String(columnUserUsername, u.Username),
		slog.String(columnUserGlobalName, u.GlobalName),
		slog.Bool(columnUserIgnored, u.Ignored),
		slog.Bool(columnUserPriority, u.Priority),
	}
	return slog.GroupValue(attrs...)
}

// userChangedDiscordUsername compares [User.Username] and [User.GlobalName] with
// the given discordgo.User, and returns a bool indicating whether either
// field has changed (true) or not (false). This helps avoid 'drift'
// if the user updates their Discord profile.
func (u *User) userChangedDiscordUsername(d discordgo.User) bool {
	return (d.Username != u.Username) || (d.GlobalName != u.GlobalName)
}

// getStats collects usage statistics for the user: tickets created,
// tickets currently open, assistant turns, and token usage over the
// trailing 24 hours.
func (u *User) getStats(ctx context.Context, db *gorm.DB) (UserStats, error) {
	var s UserStats

	var errs []error

	var ticketCount int64
	err := db.WithContext(ctx).Model(&Ticket{}).Where(
		"creator_id = ?",
		u.ID,
	).Count(&ticketCount).Error
	if err != nil {
		errs = append(errs, fmt.Errorf("error counting tickets: %w", err))
	}
	s.TicketsCreated = int(ticketCount)

	var openCount int64
	err = db.WithContext(ctx).Model(&Ticket{}).Where(
		"creator_id = ? AND status = ?",
		u.ID,
		TicketStatusOpen,
	).Count(&openCount).Error
	if err != nil {
		errs = append(errs, fmt.Errorf("error counting open tickets: %w", err))
	}
	s.TicketsOpen = int(openCount)

	var messageCount int64
	err = db.WithContext(ctx).Model(&ChatMessage{}).Where(
		"user_id = ? AND role = ?",
		u.ID,
		chatRoleUser,
	).Count(&messageCount).Error
	if err != nil {
		errs = append(errs, fmt.Errorf("error counting chat messages: %w", err))
	}
	s.AssistantRequests = int(messageCount)

	tokens, err := u.TokenUsageSince(
		db.WithContext(ctx),
		time.Now().Add(-24*time.Hour),
	)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		errs = append(errs, fmt.Errorf("error getting token usage: %w", err))
	}
	s.TokenUsage24h = tokens

	return s, errors.Join(errs...)
}

type UserStats struct {
	TicketsCreated    int   `json:"tickets_created"`
	TicketsOpen       int   `json:"tickets_open"`
	AssistantRequests int   `json:"assistant_requests"`
	TokenUsage24h     int64 `json:"token_usage_24h"`
}
