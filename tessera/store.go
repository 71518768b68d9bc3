package tessera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

const defaultTicketCategoryName = "Support"

// TicketCategoryParams are the caller-settable fields of a new
// TicketCategory.
type TicketCategoryParams struct {
	Name          string `json:"name" binding:"required"`
	Description   string `json:"description"`
	Emoji         string `json:"emoji"`
	SupportRoleID string `json:"support_role_id"`
	Position      int    `json:"position"`
}

type TicketButtonParams struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Label     string `json:"label"`
	Emoji     string `json:"emoji"`
	Style     int    `json:"style"`
}

type SelectMenuParams struct {
	ChannelID   string `json:"channel_id"`
	MessageID   string `json:"message_id"`
	Placeholder string `json:"placeholder"`
	MinValues   int    `json:"min_values"`
	MaxValues   int    `json:"max_values"`
}

type TicketMessageParams struct {
	WelcomeTitle      string `json:"welcome_title"`
	WelcomeBody       string `json:"welcome_body"`
	CloseConfirmation string `json:"close_confirmation"`
}

// TicketStore is the persistence boundary for guild/ticket state.
// [gormTicketStore] implements it over GORM; tests can substitute a
// stub.
//
// Methods returning a single record return (nil, nil) when no record
// exists, so callers can distinguish absence from query failure.
type TicketStore interface {
	GetOrCreateGuildConfig(ctx context.Context, guildID string) (*GuildConfig, error)
	UpdateGuildConfig(ctx context.Context, g *GuildConfig, updates map[string]any) error
	ListGuildConfigs(ctx context.Context) ([]GuildConfig, error)

	CreateTicketCategory(
		ctx context.Context,
		guildConfigID uint,
		params TicketCategoryParams,
	) (*TicketCategory, error)
	GetTicketCategory(ctx context.Context, id uint) (*TicketCategory, error)
	GetTicketCategories(ctx context.Context, guildID string) ([]TicketCategory, error)
	UpdateTicketCategory(
		ctx context.Context,
		category *TicketCategory,
		updates map[string]any,
	) error

	// CreateTicket assigns the next category-scoped ticket number and
	// inserts the ticket row, both inside a single transaction
	CreateTicket(
		ctx context.Context,
		category *TicketCategory,
		guildID string,
		creatorID string,
		channelID string,
	) (*Ticket, error)
	GetTicketByChannelID(ctx context.Context, channelID string) (*Ticket, error)
	GetOpenTicketForUser(ctx context.Context, guildID string, userID string) (*Ticket, error)
	GetTicketsForUser(ctx context.Context, guildID string, userID string) ([]Ticket, error)
	ListTickets(
		ctx context.Context,
		guildID string,
		status TicketStatus,
		limit int,
	) ([]Ticket, error)
	CountOpenTickets(ctx context.Context) (int64, error)

	UpdateTicketStatus(
		ctx context.Context,
		t *Ticket,
		status TicketStatus,
		byID string,
		reason string,
	) error
	ClaimTicket(ctx context.Context, t *Ticket, userID string) error
	UnclaimTicket(ctx context.Context, t *Ticket) error
	UpdateTicketOwner(ctx context.Context, t *Ticket, newOwnerID string) error

	ConfigureTicketButton(
		ctx context.Context,
		guildConfigID uint,
		params TicketButtonParams,
	) (*TicketButton, error)
	ConfigureSelectMenu(
		ctx context.Context,
		guildConfigID uint,
		params SelectMenuParams,
	) (*SelectMenuConfig, error)
	ConfigureTicketMessages(
		ctx context.Context,
		categoryID uint,
		params TicketMessageParams,
	) (*TicketMessage, error)
	GetTicketMessages(ctx context.Context, categoryID uint) (*TicketMessage, error)
	GetTicketButton(ctx context.Context, guildConfigID uint) (*TicketButton, error)
	GetSelectMenu(ctx context.Context, guildConfigID uint) (*SelectMenuConfig, error)

	AppendChatMessage(ctx context.Context, m *ChatMessage) error
	RecentChatMessages(
		ctx context.Context,
		guildID string,
		channelID string,
		userID string,
		limit int,
	) ([]ChatMessage, error)
	ClearChatHistory(
		ctx context.Context,
		guildID string,
		channelID string,
		userID string,
	) (int64, error)
}

// gormTicketStore implements [TicketStore]. Reads go straight to the
// gorm handle; writes go through [DBI] so SQLite write serialization and
// operation timeouts apply.
type gormTicketStore struct {
	db      *gorm.DB
	writeDB DBI
	logger  *slog.Logger
}

func newTicketStore(db *gorm.DB, writeDB DBI, logger *slog.Logger) *gormTicketStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &gormTicketStore{
		db:      db,
		writeDB: writeDB,
		logger:  logger.With(loggerNameKey, "ticket_store"),
	}
}

// GetOrCreateGuildConfig returns the guild's config row, creating it,
// along with one default ticket category, on first use.
func (s *gormTicketStore) GetOrCreateGuildConfig(
	ctx context.Context,
	guildID string,
) (*GuildConfig, error) {
	var existing GuildConfig
	err := s.db.WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("error loading guild config: %w", err)
	}

	created := GuildConfig{
		GuildID:             guildID,
		DefaultCategoryName: defaultTicketCategoryName,
		Enabled:             true,
	}
	txErr := s.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := tx.Create(&created).Error; e != nil {
				return e
			}
			category := TicketCategory{
				GuildConfigID: created.ID,
				Name:          created.DefaultCategoryName,
				Enabled:       true,
			}
			return tx.Create(&category).Error
		},
	)
	if txErr != nil {
		return nil, fmt.Errorf("error creating guild config: %w", txErr)
	}
	s.logger.InfoContext(
		ctx,
		"created guild config",
		"guild_config", created,
	)
	return &created, nil
}

func (s *gormTicketStore) UpdateGuildConfig(
	ctx context.Context,
	g *GuildConfig,
	updates map[string]any,
) error {
	_, err := s.writeDB.Updates(ctx, g, updates)
	return err
}

func (s *gormTicketStore) ListGuildConfigs(ctx context.Context) ([]GuildConfig, error) {
	var configs []GuildConfig
	err := s.db.WithContext(ctx).Order("id").Find(&configs).Error
	return configs, err
}

func (s *gormTicketStore) CreateTicketCategory(
	ctx context.Context,
	guildConfigID uint,
	params TicketCategoryParams,
) (*TicketCategory, error) {
	category := TicketCategory{
		GuildConfigID: guildConfigID,
		Name:          params.Name,
		Description:   params.Description,
		Emoji:         params.Emoji,
		SupportRoleID: NullableString(params.SupportRoleID),
		Position:      params.Position,
		Enabled:       true,
	}
	if _, err := s.writeDB.Create(ctx, &category); err != nil {
		return nil, fmt.Errorf("error creating ticket category: %w", err)
	}
	return &category, nil
}

func (s *gormTicketStore) GetTicketCategory(
	ctx context.Context,
	id uint,
) (*TicketCategory, error) {
	var category TicketCategory
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&category).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &category, nil
}

// GetTicketCategories returns the guild's categories ordered by
// Position, then ID.
func (s *gormTicketStore) GetTicketCategories(
	ctx context.Context,
	guildID string,
) ([]TicketCategory, error) {
	var config GuildConfig
	err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&config).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var categories []TicketCategory
	err = s.db.WithContext(ctx).Where(
		"guild_config_id = ?", config.ID,
	).Order("position, id").Find(&categories).Error
	return categories, err
}

func (s *gormTicketStore) UpdateTicketCategory(
	ctx context.Context,
	category *TicketCategory,
	updates map[string]any,
) error {
	_, err := s.writeDB.Updates(ctx, category, updates)
	return err
}

// CreateTicket increments the category's ticket counter and inserts the
// ticket row in one transaction. The counter UPDATE takes a row lock, so
// concurrent creates in the same category serialize and numbers stay
// dense. Rolls back entirely on any failure.
func (s *gormTicketStore) CreateTicket(
	ctx context.Context,
	category *TicketCategory,
	guildID string,
	creatorID string,
	channelID string,
) (*Ticket, error) {
	var ticket Ticket
	err := s.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Model(&TicketCategory{}).Where("id = ?", category.ID).Update(
				columnTicketCategoryTicketCount,
				gorm.Expr("ticket_count + 1"),
			)
			if rv.Error != nil {
				return fmt.Errorf("error incrementing ticket count: %w", rv.Error)
			}
			if rv.RowsAffected == 0 {
				return fmt.Errorf("ticket category %d not found", category.ID)
			}

			var fresh TicketCategory
			if e := tx.Where("id = ?", category.ID).First(&fresh).Error; e != nil {
				return fmt.Errorf("error reloading ticket category: %w", e)
			}

			ticket = Ticket{
				TicketCategoryID: category.ID,
				GuildID:          guildID,
				TicketNumber:     fresh.TicketCount,
				ChannelID:        channelID,
				CreatorID:        creatorID,
				Status:           TicketStatusOpen,
			}
			if e := tx.Create(&ticket).Error; e != nil {
				return fmt.Errorf("error creating ticket: %w", e)
			}
			category.TicketCount = fresh.TicketCount
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (s *gormTicketStore) GetTicketByChannelID(
	ctx context.Context,
	channelID string,
) (*Ticket, error) {
	var ticket Ticket
	err := s.db.WithContext(ctx).Where(
		"channel_id = ?", channelID,
	).First(&ticket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ticket, nil
}

func (s *gormTicketStore) GetOpenTicketForUser(
	ctx context.Context,
	guildID string,
	userID string,
) (*Ticket, error) {
	var ticket Ticket
	err := s.db.WithContext(ctx).Where(
		"guild_id = ? AND creator_id = ? AND status = ?",
		guildID,
		userID,
		TicketStatusOpen,
	).First(&ticket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ticket, nil
}

func (s *gormTicketStore) GetTicketsForUser(
	ctx context.Context,
	guildID string,
	userID string,
) ([]Ticket, error) {
	var tickets []Ticket
	err := s.db.WithContext(ctx).Where(
		"guild_id = ? AND creator_id = ?",
		guildID,
		userID,
	).Order("id desc").Find(&tickets).Error
	return tickets, err
}

// ListTickets returns tickets newest-first, optionally filtered by guild
// and/or status. limit <= 0 means no limit.
func (s *gormTicketStore) ListTickets(
	ctx context.Context,
	guildID string,
	status TicketStatus,
	limit int,
) ([]Ticket, error) {
	q := s.db.WithContext(ctx).Model(&Ticket{})
	if guildID != "" {
		q = q.Where("guild_id = ?", guildID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var tickets []Ticket
	err := q.Order("id desc").Find(&tickets).Error
	return tickets, err
}

func (s *gormTicketStore) CountOpenTickets(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Ticket{}).Where(
		"status = ?", TicketStatusOpen,
	).Count(&count).Error
	return count, err
}

// UpdateTicketStatus sets the ticket's status. Closing stamps
// closed-by/closed-at/close-reason; reopening clears them. Archiving
// leaves the close fields as they were. The in-memory ticket is updated
// to match on success.
func (s *gormTicketStore) UpdateTicketStatus(
	ctx context.Context,
	t *Ticket,
	status TicketStatus,
	byID string,
	reason string,
) error {
	updates := map[string]any{columnTicketStatus: status}
	var closedAt int64

	switch status {
	case TicketStatusClosed:
		closedAt = time.Now().UTC().UnixMilli()
		updates[columnTicketClosedByID] = NullableString(byID)
		updates[columnTicketClosedAt] = closedAt
		updates[columnTicketCloseReason] = NullableString(reason)
	case TicketStatusOpen:
		updates[columnTicketClosedByID] = NullableString("")
		updates[columnTicketClosedAt] = 0
		updates[columnTicketCloseReason] = NullableString("")
	case TicketStatusArchived:
		// keep close fields
	}

	if _, err := s.writeDB.Updates(ctx, t, updates); err != nil {
		return err
	}

	t.Status = status
	switch status {
	case TicketStatusClosed:
		t.ClosedByID = NullableString(byID)
		t.ClosedAt = closedAt
		t.CloseReason = NullableString(reason)
	case TicketStatusOpen:
		t.ClosedByID = ""
		t.ClosedAt = 0
		t.CloseReason = ""
	case TicketStatusArchived:
	}
	return nil
}

func (s *gormTicketStore) ClaimTicket(
	ctx context.Context,
	t *Ticket,
	userID string,
) error {
	claimedAt := time.Now().UTC().UnixMilli()
	_, err := s.writeDB.Updates(
		ctx, t, map[string]any{
			columnTicketClaimedByID: NullableString(userID),
			columnTicketClaimedAt:   claimedAt,
		},
	)
	if err != nil {
		return err
	}
	t.ClaimedByID = NullableString(userID)
	t.ClaimedAt = claimedAt
	return nil
}

func (s *gormTicketStore) UnclaimTicket(ctx context.Context, t *Ticket) error {
	_, err := s.writeDB.Updates(
		ctx, t, map[string]any{
			columnTicketClaimedByID: NullableString(""),
			columnTicketClaimedAt:   0,
		},
	)
	if err != nil {
		return err
	}
	t.ClaimedByID = ""
	t.ClaimedAt = 0
	return nil
}

func (s *gormTicketStore) UpdateTicketOwner(
	ctx context.Context,
	t *Ticket,
	newOwnerID string,
) error {
	_, err := s.writeDB.Updates(
		ctx, t, map[string]any{columnTicketCreatorID: newOwnerID},
	)
	if err != nil {
		return err
	}
	t.CreatorID = newOwnerID
	return nil
}

// ConfigureTicketButton upserts the guild's single ticket-panel button
// row.
func (s *gormTicketStore) ConfigureTicketButton(
	ctx context.Context,
	guildConfigID uint,
	params TicketButtonParams,
) (*TicketButton, error) {
	var existing TicketButton
	err := s.db.WithContext(ctx).Where(
		"guild_config_id = ?", guildConfigID,
	).First(&existing).Error
	switch {
	case err == nil:
		updates := map[string]any{
			"channel_id": params.ChannelID,
			"message_id": params.MessageID,
			"label":      params.Label,
			"emoji":      params.Emoji,
			"style":      params.Style,
		}
		if _, e := s.writeDB.Updates(ctx, &existing, updates); e != nil {
			return nil, e
		}
		existing.ChannelID = params.ChannelID
		existing.MessageID = params.MessageID
		existing.Label = params.Label
		existing.Emoji = params.Emoji
		existing.Style = params.Style
		return &existing, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		created := TicketButton{
			GuildConfigID: guildConfigID,
			ChannelID:     params.ChannelID,
			MessageID:     params.MessageID,
			Label:         params.Label,
			Emoji:         params.Emoji,
			Style:         params.Style,
		}
		if _, e := s.writeDB.Create(ctx, &created); e != nil {
			return nil, e
		}
		return &created, nil
	default:
		return nil, err
	}
}

// ConfigureSelectMenu upserts the guild's select-menu panel row.
func (s *gormTicketStore) ConfigureSelectMenu(
	ctx context.Context,
	guildConfigID uint,
	params SelectMenuParams,
) (*SelectMenuConfig, error) {
	var existing SelectMenuConfig
	err := s.db.WithContext(ctx).Where(
		"guild_config_id = ?", guildConfigID,
	).First(&existing).Error
	switch {
	case err == nil:
		updates := map[string]any{
			"channel_id":  params.ChannelID,
			"message_id":  params.MessageID,
			"placeholder": params.Placeholder,
			"min_values":  params.MinValues,
			"max_values":  params.MaxValues,
		}
		if _, e := s.writeDB.Updates(ctx, &existing, updates); e != nil {
			return nil, e
		}
		existing.ChannelID = params.ChannelID
		existing.MessageID = params.MessageID
		existing.Placeholder = params.Placeholder
		existing.MinValues = params.MinValues
		existing.MaxValues = params.MaxValues
		return &existing, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		created := SelectMenuConfig{
			GuildConfigID: guildConfigID,
			ChannelID:     params.ChannelID,
			MessageID:     params.MessageID,
			Placeholder:   params.Placeholder,
			MinValues:     params.MinValues,
			MaxValues:     params.MaxValues,
		}
		if _, e := s.writeDB.Create(ctx, &created); e != nil {
			return nil, e
		}
		return &created, nil
	default:
		return nil, err
	}
}

// ConfigureTicketMessages upserts a category's message template
// overrides.
func (s *gormTicketStore) ConfigureTicketMessages(
	ctx context.Context,
	categoryID uint,
	params TicketMessageParams,
) (*TicketMessage, error) {
	var existing TicketMessage
	err := s.db.WithContext(ctx).Where(
		"ticket_category_id = ?", categoryID,
	).First(&existing).Error
	switch {
	case err == nil:
		updates := map[string]any{
			"welcome_title":      params.WelcomeTitle,
			"welcome_body":       params.WelcomeBody,
			"close_confirmation": params.CloseConfirmation,
		}
		if _, e := s.writeDB.Updates(ctx, &existing, updates); e != nil {
			return nil, e
		}
		existing.WelcomeTitle = params.WelcomeTitle
		existing.WelcomeBody = params.WelcomeBody
		existing.CloseConfirmation = params.CloseConfirmation
		return &existing, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		created := TicketMessage{
			TicketCategoryID:  categoryID,
			WelcomeTitle:      params.WelcomeTitle,
			WelcomeBody:       params.WelcomeBody,
			CloseConfirmation: params.CloseConfirmation,
		}
		if _, e := s.writeDB.Create(ctx, &created); e != nil {
			return nil, e
		}
		return &created, nil
	default:
		return nil, err
	}
}

func (s *gormTicketStore) GetTicketMessages(
	ctx context.Context,
	categoryID uint,
) (*TicketMessage, error) {
	var messages TicketMessage
	err := s.db.WithContext(ctx).Where(
		"ticket_category_id = ?", categoryID,
	).First(&messages).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &messages, nil
}

func (s *gormTicketStore) GetTicketButton(
	ctx context.Context,
	guildConfigID uint,
) (*TicketButton, error) {
	var button TicketButton
	err := s.db.WithContext(ctx).Where(
		"guild_config_id = ?", guildConfigID,
	).First(&button).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &button, nil
}

func (s *gormTicketStore) GetSelectMenu(
	ctx context.Context,
	guildConfigID uint,
) (*SelectMenuConfig, error) {
	var menu SelectMenuConfig
	err := s.db.WithContext(ctx).Where(
		"guild_config_id = ?", guildConfigID,
	).First(&menu).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &menu, nil
}

func (s *gormTicketStore) AppendChatMessage(ctx context.Context, m *ChatMessage) error {
	_, err := s.writeDB.Create(ctx, m)
	return err
}

// RecentChatMessages returns the newest `limit` turns for the
// (guild, channel, user) conversation, in chronological order.
func (s *gormTicketStore) RecentChatMessages(
	ctx context.Context,
	guildID string,
	channelID string,
	userID string,
	limit int,
) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultChatHistoryLimit
	}
	var messages []ChatMessage
	err := s.db.WithContext(ctx).Where(
		"guild_id = ? AND channel_id = ? AND user_id = ?",
		guildID,
		channelID,
		userID,
	).Order("id desc").Limit(limit).Find(&messages).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *gormTicketStore) ClearChatHistory(
	ctx context.Context,
	guildID string,
	channelID string,
	userID string,
) (int64, error) {
	s.writeDB.Lock()
	defer s.writeDB.Unlock()
	rv := s.db.WithContext(ctx).Unscoped().Where(
		"guild_id = ? AND channel_id = ? AND user_id = ?",
		guildID,
		channelID,
		userID,
	).Delete(&ChatMessage{})
	return rv.RowsAffected, rv.Error
}
