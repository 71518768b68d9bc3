package tessera

import (
	"fmt"
	"log/slog"
)

const (
	columnTicketCategoryID  = "ticket_category_id"
	columnTicketNumber      = "ticket_number"
	columnTicketGuildID     = "guild_id"
	columnTicketChannelID   = "channel_id"
	columnTicketCreatorID   = "creator_id"
	columnTicketStatus      = "status"
	columnTicketClaimedByID = "claimed_by_id"
	columnTicketClaimedAt   = "claimed_at"
	columnTicketClosedByID  = "closed_by_id"
	columnTicketClosedAt    = "closed_at"
	columnTicketCloseReason = "close_reason"
)

// TicketStatus is the lifecycle state of a [Ticket].
//
// Valid transitions: OPEN to CLOSED (close), CLOSED to OPEN (reopen),
// OPEN or CLOSED to ARCHIVED (archive). Deleting a ticket marks it
// CLOSED and removes the channel; the row is kept.
type TicketStatus string

const (
	TicketStatusOpen     TicketStatus = "OPEN"
	TicketStatusClosed   TicketStatus = "CLOSED"
	TicketStatusArchived TicketStatus = "ARCHIVED"
)

func (t TicketStatus) String() string {
	return string(t)
}

func (t TicketStatus) IsOpen() bool {
	return t == TicketStatusOpen
}

func (t TicketStatus) IsClosed() bool {
	return t == TicketStatusClosed
}

func (t TicketStatus) IsArchived() bool {
	return t == TicketStatusArchived
}

// Ticket is a single support ticket, backed by a dedicated guild text
// channel. Rows are never hard-deleted.
type Ticket struct {
	ModelUintID
	ModelUnixTime

	TicketCategoryID uint `gorm:"index" json:"ticket_category_id"`

	// GuildID is denormalized from the category's guild config, for
	// per-guild queries
	GuildID string `gorm:"index" json:"guild_id"`

	// TicketNumber is scoped to the category and assigned from
	// [TicketCategory.TicketCount] in the creating transaction. It never
	// changes afterward.
	TicketNumber int64 `json:"ticket_number"`

	// ChannelID is the backing Discord text channel
	ChannelID string `gorm:"uniqueIndex" json:"channel_id"`

	// CreatorID is the current ticket owner. Updated by ownership
	// transfer.
	CreatorID string `gorm:"index" json:"creator_id"`

	Status TicketStatus `gorm:"index;default:OPEN" json:"status"`

	// ClaimedByID is the staff member currently handling the ticket,
	// empty when unclaimed
	ClaimedByID NullableString `json:"claimed_by_id"`
	ClaimedAt   int64          `json:"claimed_at,omitempty"`

	ClosedByID  NullableString `json:"closed_by_id"`
	ClosedAt    int64          `json:"closed_at,omitempty"`
	CloseReason NullableString `json:"close_reason"`
}

func (t Ticket) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(t.ID)),
		slog.Int64(columnTicketNumber, t.TicketNumber),
		slog.String(columnTicketGuildID, t.GuildID),
		slog.String(columnTicketChannelID, t.ChannelID),
		slog.String(columnTicketCreatorID, t.CreatorID),
		slog.String(columnTicketStatus, t.Status.String()),
	)
}

// ticketChannelName returns the channel name for an open ticket
// (ex: 'ticket-0001')
func ticketChannelName(ticketNumber int64) string {
	return fmt.Sprintf("ticket-%04d", ticketNumber)
}

// closedTicketChannelName returns the channel name for a closed ticket
// (ex: 'closed-ticket-0001')
func closedTicketChannelName(ticketNumber int64) string {
	return fmt.Sprintf("closed-ticket-%04d", ticketNumber)
}

// archivedTicketChannelName returns the channel name for an archived
// ticket (ex: 'archived-ticket-0001')
func archivedTicketChannelName(ticketNumber int64) string {
	return fmt.Sprintf("archived-ticket-%04d", ticketNumber)
}
