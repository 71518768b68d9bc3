package tessera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// ticketDeletedByStaffReason is recorded as the close reason when a
// ticket channel is deleted. The row itself is kept forever.
const ticketDeletedByStaffReason = "Ticket deleted by staff"

// ticketGenericErrorMessage is shown to users when an operation fails
// for reasons they can't do anything about.
const ticketGenericErrorMessage = "Something went wrong on our end. Please try again in a moment."

// Embed accent colors for lifecycle announcements.
const (
	ticketEmbedColorOpen     = 0x5865f2
	ticketEmbedColorClosed   = 0xed4245
	ticketEmbedColorArchived = 0x99aab5
)

// Channel permission bits used for ticket channel overwrites.
const (
	ticketParticipantAllow int64 = discordgo.PermissionViewChannel |
		discordgo.PermissionSendMessages |
		discordgo.PermissionReadMessageHistory |
		discordgo.PermissionAttachFiles |
		discordgo.PermissionEmbedLinks
	ticketReadOnlyAllow int64 = discordgo.PermissionViewChannel |
		discordgo.PermissionReadMessageHistory
	ticketSupportAllow int64 = ticketParticipantAllow |
		discordgo.PermissionManageMessages
	ticketBotAllow int64 = ticketParticipantAllow |
		discordgo.PermissionManageChannels |
		discordgo.PermissionManageMessages
	ticketEveryoneDeny int64 = discordgo.PermissionViewChannel |
		discordgo.PermissionMentionEveryone
)

// capabilityResolver resolves a guild member's capabilities for
// permission evaluation. [Discord.resolveActorCapabilities] is the
// production implementation; tests substitute a stub.
type capabilityResolver func(
	ctx context.Context,
	guildID string,
	userID string,
	supportRoleID string,
) ActorCapabilities

// TicketResult is the outcome of a ticket lifecycle operation. Message
// is always safe to show to the acting user. Infrastructure errors are
// logged and surfaced as a generic message, never as raw error text.
type TicketResult struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Ticket  *Ticket `json:"ticket,omitempty"`
}

// TicketManager owns the ticket lifecycle. Every operation follows the
// same order: load state, validate the transition, evaluate
// permissions, check cooldowns, mutate the store, stamp the cooldown,
// then apply Discord side effects best-effort.
type TicketManager struct {
	store       TicketStore
	session     DiscordSessionHandler
	resolver    capabilityResolver
	cooldowns   *CooldownTracker
	transcripts *Transcriber
	config      *TicketConfig
	logger      *slog.Logger

	// botUserID supplies the bot's own user ID for channel overwrites.
	// Empty return is tolerated (the overwrite is skipped).
	botUserID func() string

	// gracePeriod supplies the delay before a deleted ticket's channel
	// is removed. Defaults to the static config value.
	gracePeriod func() time.Duration

	// deleteWG tracks scheduled channel deletions so shutdown can
	// drain them
	deleteWG sync.WaitGroup
}

func newTicketManager(
	store TicketStore,
	session DiscordSessionHandler,
	resolver capabilityResolver,
	cooldowns *CooldownTracker,
	config *TicketConfig,
	logger *slog.Logger,
) *TicketManager {
	if logger == nil {
		logger = slog.Default()
	}
	tm := &TicketManager{
		store:     store,
		session:   session,
		resolver:  resolver,
		cooldowns: cooldowns,
		config:    config,
		logger:    logger.With(loggerNameKey, "ticket_manager"),
	}
	tm.botUserID = func() string { return "" }
	tm.gracePeriod = func() time.Duration {
		if config != nil && config.DeleteGracePeriod > 0 {
			return config.DeleteGracePeriod
		}
		return DefaultTicketDeleteGracePeriod
	}
	return tm
}

func (tm *TicketManager) log(ctx context.Context) *slog.Logger {
	if log, ok := ContextLogger(ctx); ok && log != nil {
		return log
	}
	return tm.logger
}

// loadTicket resolves the ticket backing the given channel, along with
// its category. A nil failure means both are non-nil.
func (tm *TicketManager) loadTicket(
	ctx context.Context,
	channelID string,
) (*Ticket, *TicketCategory, *TicketResult) {
	log := tm.log(ctx)

	t, err := tm.store.GetTicketByChannelID(ctx, channelID)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error loading ticket",
			tint.Err(err),
			"channel_id", channelID,
		)
		return nil, nil, &TicketResult{Message: ticketGenericErrorMessage}
	}
	if t == nil {
		return nil, nil, &TicketResult{Message: "This channel isn't a ticket."}
	}

	category, err := tm.store.GetTicketCategory(ctx, t.TicketCategoryID)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error loading ticket category",
			tint.Err(err),
			"ticket", t,
		)
		return nil, nil, &TicketResult{Message: ticketGenericErrorMessage}
	}
	if category == nil {
		log.ErrorContext(ctx, "ticket references a missing category", "ticket", t)
		return nil, nil, &TicketResult{Message: ticketGenericErrorMessage}
	}
	return t, category, nil
}

// authorize runs the permission evaluator for the given action,
// resolving the actor's capabilities first. Returns a denial result, or
// nil when the action is allowed.
func (tm *TicketManager) authorize(
	ctx context.Context,
	t *Ticket,
	category *TicketCategory,
	actorID string,
	action TicketAction,
) *TicketResult {
	var supportRoleID string
	if category != nil {
		supportRoleID = string(category.SupportRoleID)
	}
	caps := tm.resolver(ctx, t.GuildID, actorID, supportRoleID)
	decision := EvaluateTicketAction(caps, actorID, t, action)
	if decision.Allowed {
		return nil
	}
	tm.log(ctx).InfoContext(
		ctx,
		"ticket action denied",
		"action", action,
		"actor_id", actorID,
		"reason", decision.Reason,
		"ticket", t,
	)
	return &TicketResult{Message: decision.Reason}
}

// cooldownGate returns a denial result while the action is rate-limited
// for the ticket, nil otherwise.
func (tm *TicketManager) cooldownGate(t *Ticket, action TicketAction) *TicketResult {
	status := tm.cooldowns.Check(t.ID, action)
	if !status.Active {
		return nil
	}
	return &TicketResult{
		Message: fmt.Sprintf(
			"You're doing that too fast. Try again in %s.",
			humanDuration(status.Remaining),
		),
	}
}

// Create opens a new ticket for the given user: a fresh text channel
// under the category's Discord parent, a numbered row in the store, and
// a templated welcome message. categoryID 0 selects the guild's first
// enabled category. intro, when set, is included in the welcome embed.
//
// A user can hold one OPEN ticket per guild. If their existing open
// ticket's channel has been deleted out from under the bot, the stale
// row is closed and creation continues.
func (tm *TicketManager) Create(
	ctx context.Context,
	guildID string,
	creator *discordgo.User,
	categoryID uint,
	intro string,
) TicketResult {
	log := tm.log(ctx)
	if creator == nil {
		return TicketResult{Message: ticketGenericErrorMessage}
	}

	guildConfig, err := tm.store.GetOrCreateGuildConfig(ctx, guildID)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error loading guild config",
			tint.Err(err),
			"guild_id", guildID,
		)
		return TicketResult{Message: ticketGenericErrorMessage}
	}
	if !guildConfig.Enabled {
		return TicketResult{Message: "Ticketing is currently disabled in this server."}
	}

	category, failure := tm.resolveCategory(ctx, guildConfig, categoryID)
	if failure != nil {
		return *failure
	}

	existing, err := tm.store.GetOpenTicketForUser(ctx, guildID, creator.ID)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error checking for existing open ticket",
			tint.Err(err),
			"guild_id", guildID,
			"user_id", creator.ID,
		)
		return TicketResult{Message: ticketGenericErrorMessage}
	}
	if existing != nil {
		if _, chErr := tm.session.Channel(existing.ChannelID); chErr == nil {
			return TicketResult{
				Message: fmt.Sprintf(
					"You already have an open ticket: <#%s>",
					existing.ChannelID,
				),
			}
		}
		log.WarnContext(
			ctx,
			"open ticket channel no longer exists, closing stale ticket",
			"ticket", existing,
		)
		if closeErr := tm.store.UpdateTicketStatus(
			ctx,
			existing,
			TicketStatusClosed,
			"",
			"ticket channel no longer exists",
		); closeErr != nil {
			log.ErrorContext(
				ctx,
				"error closing stale ticket",
				tint.Err(closeErr),
				"ticket", existing,
			)
			return TicketResult{Message: ticketGenericErrorMessage}
		}
	}

	parentID := tm.ensureDiscordCategory(ctx, guildID, category)

	channel, err := tm.session.GuildChannelCreateComplex(
		guildID,
		discordgo.GuildChannelCreateData{
			Name:     sanitizeChannelName(fmt.Sprintf("ticket-%s", creator.Username)),
			Type:     discordgo.ChannelTypeGuildText,
			Topic:    fmt.Sprintf("Support ticket for %s", creator.Username),
			ParentID: parentID,
			PermissionOverwrites: ticketChannelOverwrites(
				guildID,
				tm.botUserID(),
				creator.ID,
				string(category.SupportRoleID),
			),
		},
	)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error creating ticket channel",
			tint.Err(err),
			"guild_id", guildID,
			"user_id", creator.ID,
		)
		return TicketResult{Message: "I couldn't create a ticket channel. Please try again later."}
	}

	t, err := tm.store.CreateTicket(ctx, category, guildID, creator.ID, channel.ID)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error creating ticket, removing orphaned channel",
			tint.Err(err),
			"channel_id", channel.ID,
		)
		if _, delErr := tm.session.ChannelDelete(channel.ID); delErr != nil {
			log.ErrorContext(
				ctx,
				"error removing orphaned ticket channel",
				tint.Err(delErr),
				"channel_id", channel.ID,
			)
		}
		return TicketResult{Message: ticketGenericErrorMessage}
	}
	tm.cooldowns.Set(t.ID, TicketActionCreate)

	tm.renameChannel(ctx, t, ticketChannelName(t.TicketNumber))
	tm.sendWelcomeMessage(ctx, t, category, creator, intro)

	log.InfoContext(ctx, "ticket created", "ticket", t)
	return TicketResult{
		Success: true,
		Message: fmt.Sprintf("Your ticket is ready: <#%s>", channel.ID),
		Ticket:  t,
	}
}

// resolveCategory picks the ticket category for a new ticket. The zero
// ID selects the guild's first enabled category by position.
func (tm *TicketManager) resolveCategory(
	ctx context.Context,
	guildConfig *GuildConfig,
	categoryID uint,
) (*TicketCategory, *TicketResult) {
	categories, err := tm.store.GetTicketCategories(ctx, guildConfig.GuildID)
	if err != nil {
		tm.log(ctx).ErrorContext(
			ctx,
			"error loading ticket categories",
			tint.Err(err),
			"guild_id", guildConfig.GuildID,
		)
		return nil, &TicketResult{Message: ticketGenericErrorMessage}
	}

	if categoryID != 0 {
		for i := range categories {
			if categories[i].ID == categoryID && categories[i].Enabled {
				return &categories[i], nil
			}
		}
		return nil, &TicketResult{Message: "That ticket category isn't available."}
	}

	for i := range categories {
		if categories[i].Enabled {
			return &categories[i], nil
		}
	}
	return nil, &TicketResult{
		Message: "No ticket categories are set up yet. Ask an admin to run /setup.",
	}
}

// ensureDiscordCategory returns the Discord parent category ID for new
// ticket channels, creating the parent on demand and persisting its ID.
// Returns "" when no parent can be used, leaving tickets uncategorized.
func (tm *TicketManager) ensureDiscordCategory(
	ctx context.Context,
	guildID string,
	category *TicketCategory,
) string {
	log := tm.log(ctx)

	parentID := string(category.DiscordCategoryID)
	if parentID != "" {
		if _, err := tm.session.Channel(parentID); err == nil {
			return parentID
		}
		log.WarnContext(
			ctx,
			"configured discord category no longer exists, recreating",
			"discord_category_id", parentID,
			"guild_id", guildID,
		)
	}

	parent, err := tm.session.GuildChannelCreateComplex(
		guildID,
		discordgo.GuildChannelCreateData{
			Name: category.Name,
			Type: discordgo.ChannelTypeGuildCategory,
		},
	)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error creating discord category, tickets will be uncategorized",
			tint.Err(err),
			"guild_id", guildID,
		)
		return ""
	}

	if updErr := tm.store.UpdateTicketCategory(
		ctx,
		category,
		map[string]any{columnTicketCategoryDiscordCategoryID: parent.ID},
	); updErr != nil {
		log.ErrorContext(
			ctx,
			"error persisting discord category id",
			tint.Err(updErr),
			"discord_category_id", parent.ID,
		)
	}
	return parent.ID
}

func (tm *TicketManager) sendWelcomeMessage(
	ctx context.Context,
	t *Ticket,
	category *TicketCategory,
	creator *discordgo.User,
	intro string,
) {
	log := tm.log(ctx)

	templates, err := tm.store.GetTicketMessages(ctx, category.ID)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error loading ticket message templates",
			tint.Err(err),
			"ticket", t,
		)
	}
	title := defaultWelcomeTitle
	body := defaultWelcomeBody
	if templates != nil {
		if templates.WelcomeTitle != "" {
			title = templates.WelcomeTitle
		}
		if templates.WelcomeBody != "" {
			body = templates.WelcomeBody
		}
	}

	mention := creator.Mention()
	embed := &discordgo.MessageEmbed{
		Title:       renderTicketTemplate(title, mention, category.Name, t.TicketNumber),
		Description: renderTicketTemplate(body, mention, category.Name, t.TicketNumber),
		Color:       ticketEmbedColorOpen,
	}
	if intro != "" {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:  "Issue",
				Value: truncate(intro, 1024),
			},
		)
	}

	content := mention
	if supportRoleID := string(category.SupportRoleID); supportRoleID != "" {
		content = fmt.Sprintf("%s <@&%s>", mention, supportRoleID)
	}

	msg, err := tm.session.ChannelMessageSendComplex(
		t.ChannelID,
		&discordgo.MessageSend{
			Content:    content,
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: ticketActionButtons(),
		},
	)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error sending ticket welcome message",
			tint.Err(err),
			"ticket", t,
		)
		return
	}
	if pinErr := tm.session.ChannelMessagePin(t.ChannelID, msg.ID); pinErr != nil {
		log.WarnContext(
			ctx,
			"error pinning welcome message",
			tint.Err(pinErr),
			"ticket", t,
		)
	}
}

// Close moves an OPEN ticket to CLOSED, revokes the creator's send
// permission, renames the channel and posts the close announcement with
// reopen/delete buttons. A transcript is delivered best-effort.
func (tm *TicketManager) Close(
	ctx context.Context,
	channelID string,
	actorID string,
	reason string,
) TicketResult {
	log := tm.log(ctx)

	t, category, failure := tm.loadTicket(ctx, channelID)
	if failure != nil {
		return *failure
	}
	switch {
	case t.Status.IsArchived():
		return TicketResult{Message: "Archived tickets can't be closed."}
	case t.Status.IsClosed():
		return TicketResult{Message: "This ticket is already closed."}
	}
	if failure = tm.authorize(ctx, t, category, actorID, TicketActionClose); failure != nil {
		return *failure
	}
	if failure = tm.cooldownGate(t, TicketActionClose); failure != nil {
		return *failure
	}

	if err := tm.store.UpdateTicketStatus(
		ctx, t, TicketStatusClosed, actorID, reason,
	); err != nil {
		log.ErrorContext(ctx, "error closing ticket", tint.Err(err), "ticket", t)
		return TicketResult{Message: ticketGenericErrorMessage}
	}
	tm.cooldowns.Set(t.ID, TicketActionClose)

	tm.setChannelOverwrite(
		ctx,
		t,
		t.CreatorID,
		discordgo.PermissionOverwriteTypeMember,
		ticketReadOnlyAllow,
		discordgo.PermissionSendMessages,
	)
	tm.renameChannel(ctx, t, closedTicketChannelName(t.TicketNumber))
	tm.announceClose(ctx, t, category, actorID, reason)
	tm.deliverTranscript(ctx, t)

	log.InfoContext(ctx, "ticket closed", "ticket", t, "closed_by", actorID)
	return TicketResult{Success: true, Message: "Ticket closed.", Ticket: t}
}

func (tm *TicketManager) announceClose(
	ctx context.Context,
	t *Ticket,
	category *TicketCategory,
	actorID string,
	reason string,
) {
	confirmation := defaultCloseConfirmation
	templates, err := tm.store.GetTicketMessages(ctx, category.ID)
	if err == nil && templates != nil && templates.CloseConfirmation != "" {
		confirmation = templates.CloseConfirmation
	}

	embed := &discordgo.MessageEmbed{
		Title: "Ticket closed",
		Description: renderTicketTemplate(
			confirmation,
			fmt.Sprintf("<@%s>", t.CreatorID),
			category.Name,
			t.TicketNumber,
		),
		Color: ticketEmbedColorClosed,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Closed by", Value: fmt.Sprintf("<@%s>", actorID), Inline: true},
		},
	}
	if reason != "" {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:  "Reason",
				Value: truncate(reason, 1024),
			},
		)
	}

	if _, err = tm.session.ChannelMessageSendComplex(
		t.ChannelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: closedTicketButtons(),
		},
	); err != nil {
		tm.log(ctx).ErrorContext(
			ctx,
			"error sending close announcement",
			tint.Err(err),
			"ticket", t,
		)
	}
}

func (tm *TicketManager) deliverTranscript(ctx context.Context, t *Ticket) {
	if tm.transcripts == nil {
		return
	}
	if err := tm.transcripts.Deliver(ctx, t); err != nil {
		tm.log(ctx).ErrorContext(
			ctx,
			"error delivering ticket transcript",
			tint.Err(err),
			"ticket", t,
		)
	}
}

// Reopen moves a CLOSED ticket back to OPEN, clears the close fields,
// restores the creator's send permission and renames the channel back.
func (tm *TicketManager) Reopen(
	ctx context.Context,
	channelID string,
	actorID string,
) TicketResult {
	log := tm.log(ctx)

	t, category, failure := tm.loadTicket(ctx, channelID)
	if failure != nil {
		return *failure
	}
	switch {
	case t.Status.IsArchived():
		return TicketResult{Message: "Archived tickets can't be reopened."}
	case t.Status.IsOpen():
		return TicketResult{Message: "This ticket is already open."}
	}
	if failure = tm.authorize(ctx, t, category, actorID, TicketActionReopen); failure != nil {
		return *failure
	}
	if failure = tm.cooldownGate(t, TicketActionReopen); failure != nil {
		return *failure
	}

	if err := tm.store.UpdateTicketStatus(ctx, t, TicketStatusOpen, "", ""); err != nil {
		log.ErrorContext(ctx, "error reopening ticket", tint.Err(err), "ticket", t)
		return TicketResult{Message: ticketGenericErrorMessage}
	}
	tm.cooldowns.Set(t.ID, TicketActionReopen)

	tm.setChannelOverwrite(
		ctx,
		t,
		t.CreatorID,
		discordgo.PermissionOverwriteTypeMember,
		ticketParticipantAllow,
		0,
	)
	tm.renameChannel(ctx, t, ticketChannelName(t.TicketNumber))
	tm.announce(
		ctx,
		t,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				{
					Title:       "Ticket reopened",
					Description: fmt.Sprintf("Reopened by <@%s>.", actorID),
					Color:       ticketEmbedColorOpen,
				},
			},
			Components: ticketActionButtons(),
		},
	)

	log.InfoContext(ctx, "ticket reopened", "ticket", t, "reopened_by", actorID)
	return TicketResult{Success: true, Message: "Ticket reopened.", Ticket: t}
}

// Claim toggles the claim on an OPEN ticket: unclaimed tickets are
// claimed by the actor, tickets claimed by the actor are released, and
// tickets claimed by someone else are refused with a message naming the
// current claimer. Concurrent claims are last-write-wins.
func (tm *TicketManager) Claim(
	ctx context.Context,
	channelID string,
	actorID string,
) TicketResult {
	log := tm.log(ctx)

	t, category, failure := tm.loadTicket(ctx, channelID)
	if failure != nil {
		return *failure
	}
	if !t.Status.IsOpen() {
		return TicketResult{Message: "Only open tickets can be claimed."}
	}

	claimedBy := string(t.ClaimedByID)
	action := TicketActionClaim
	switch {
	case claimedBy == actorID:
		action = TicketActionUnclaim
	case claimedBy != "":
		return TicketResult{
			Message: fmt.Sprintf(
				"This ticket is already claimed by <@%s>.",
				claimedBy,
			),
		}
	}

	if failure = tm.authorize(ctx, t, category, actorID, action); failure != nil {
		return *failure
	}
	if failure = tm.cooldownGate(t, action); failure != nil {
		return *failure
	}

	if action == TicketActionUnclaim {
		if err := tm.store.UnclaimTicket(ctx, t); err != nil {
			log.ErrorContext(ctx, "error releasing claim", tint.Err(err), "ticket", t)
			return TicketResult{Message: ticketGenericErrorMessage}
		}
		tm.cooldowns.Set(t.ID, action)
		tm.announceText(ctx, t, fmt.Sprintf("<@%s> released this ticket.", actorID))
		log.InfoContext(ctx, "ticket claim released", "ticket", t, "user_id", actorID)
		return TicketResult{Success: true, Message: "You released your claim.", Ticket: t}
	}

	if err := tm.store.ClaimTicket(ctx, t, actorID); err != nil {
		log.ErrorContext(ctx, "error claiming ticket", tint.Err(err), "ticket", t)
		return TicketResult{Message: ticketGenericErrorMessage}
	}
	tm.cooldowns.Set(t.ID, action)
	tm.announceText(ctx, t, fmt.Sprintf("🙋 <@%s> is handling this ticket.", actorID))
	log.InfoContext(ctx, "ticket claimed", "ticket", t, "user_id", actorID)
	return TicketResult{Success: true, Message: "You claimed this ticket.", Ticket: t}
}

// Archive moves an OPEN or CLOSED ticket to ARCHIVED: the channel is
// renamed and locked read-only for the creator and the support role.
func (tm *TicketManager) Archive(
	ctx context.Context,
	channelID string,
	actorID string,
) TicketResult {
	log := tm.log(ctx)

	t, category, failure := tm.loadTicket(ctx, channelID)
	if failure != nil {
		return *failure
	}
	if t.Status.IsArchived() {
		return TicketResult{Message: "This ticket is already archived."}
	}
	if failure = tm.authorize(ctx, t, category, actorID, TicketActionArchive); failure != nil {
		return *failure
	}
	if failure = tm.cooldownGate(t, TicketActionArchive); failure != nil {
		return *failure
	}

	if err := tm.store.UpdateTicketStatus(
		ctx, t, TicketStatusArchived, actorID, "",
	); err != nil {
		log.ErrorContext(ctx, "error archiving ticket", tint.Err(err), "ticket", t)
		return TicketResult{Message: ticketGenericErrorMessage}
	}
	tm.cooldowns.Set(t.ID, TicketActionArchive)

	tm.renameChannel(ctx, t, archivedTicketChannelName(t.TicketNumber))
	tm.setChannelOverwrite(
		ctx,
		t,
		t.CreatorID,
		discordgo.PermissionOverwriteTypeMember,
		ticketReadOnlyAllow,
		discordgo.PermissionSendMessages,
	)
	if supportRoleID := string(category.SupportRoleID); supportRoleID != "" {
		tm.setChannelOverwrite(
			ctx,
			t,
			supportRoleID,
			discordgo.PermissionOverwriteTypeRole,
			ticketReadOnlyAllow,
			discordgo.PermissionSendMessages,
		)
	}
	tm.announce(
		ctx,
		t,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				{
					Title:       "Ticket archived",
					Description: fmt.Sprintf("Archived by <@%s>.", actorID),
					Color:       ticketEmbedColorArchived,
				},
			},
		},
	)

	log.InfoContext(ctx, "ticket archived", "ticket", t, "archived_by", actorID)
	return TicketResult{Success: true, Message: "Ticket archived.", Ticket: t}
}

// Delete marks a ticket CLOSED with reason "Ticket deleted by staff",
// DMs the creator, and schedules the channel for deletion after a grace
// delay. The deletion is not cancellable, and the ticket row is kept.
func (tm *TicketManager) Delete(
	ctx context.Context,
	channelID string,
	actorID string,
) TicketResult {
	log := tm.log(ctx)

	t, category, failure := tm.loadTicket(ctx, channelID)
	if failure != nil {
		return *failure
	}
	if failure = tm.authorize(ctx, t, category, actorID, TicketActionDelete); failure != nil {
		return *failure
	}
	if failure = tm.cooldownGate(t, TicketActionDelete); failure != nil {
		return *failure
	}

	if err := tm.store.UpdateTicketStatus(
		ctx, t, TicketStatusClosed, actorID, ticketDeletedByStaffReason,
	); err != nil {
		log.ErrorContext(ctx, "error marking ticket deleted", tint.Err(err), "ticket", t)
		return TicketResult{Message: ticketGenericErrorMessage}
	}
	tm.cooldowns.Set(t.ID, TicketActionDelete)

	tm.dmCreator(
		ctx,
		t,
		fmt.Sprintf(
			"Your ticket #%04d (%s) was deleted by staff. A record of it is kept for reference.",
			t.TicketNumber,
			category.Name,
		),
	)

	grace := tm.gracePeriod()
	tm.announceText(
		ctx,
		t,
		fmt.Sprintf("This channel will be deleted in %s.", humanDuration(grace)),
	)

	ticketID := t.ID
	tm.deleteWG.Add(1)
	go func() {
		defer tm.deleteWG.Done()
		time.Sleep(grace)
		if _, err := tm.session.ChannelDelete(channelID); err != nil {
			tm.logger.Error(
				"error deleting ticket channel",
				tint.Err(err),
				"channel_id", channelID,
			)
		}
		tm.cooldowns.Clear(ticketID)
	}()

	log.InfoContext(ctx, "ticket deleted", "ticket", t, "deleted_by", actorID)
	return TicketResult{
		Success: true,
		Message: fmt.Sprintf(
			"Ticket deleted. The channel will be removed in %s.",
			humanDuration(grace),
		),
		Ticket: t,
	}
}

// WaitForDeletions blocks until all scheduled channel deletions have
// run, or the context expires.
func (tm *TicketManager) WaitForDeletions(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		tm.deleteWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		tm.logger.Warn("shutting down with channel deletions still pending")
	}
}

// AddUser grants a user view/send access to an open ticket's channel.
func (tm *TicketManager) AddUser(
	ctx context.Context,
	channelID string,
	actorID string,
	targetID string,
) TicketResult {
	log := tm.log(ctx)

	t, category, failure := tm.loadTicket(ctx, channelID)
	if failure != nil {
		return *failure
	}
	if !t.Status.IsOpen() {
		return TicketResult{Message: "Users can only be added to open tickets."}
	}
	if targetID == t.CreatorID {
		return TicketResult{Message: "That user already has access to this ticket."}
	}
	if failure = tm.authorize(ctx, t, category, actorID, TicketActionAddUser); failure != nil {
		return *failure
	}

	if err := tm.session.ChannelPermissionSet(
		t.ChannelID,
		targetID,
		discordgo.PermissionOverwriteTypeMember,
		ticketParticipantAllow,
		0,
	); err != nil {
		log.ErrorContext(
			ctx,
			"error granting channel access",
			tint.Err(err),
			"ticket", t,
			"target_id", targetID,
		)
		return TicketResult{Message: ticketGenericErrorMessage}
	}

	tm.announceText(
		ctx,
		t,
		fmt.Sprintf("<@%s> was added to the ticket by <@%s>.", targetID, actorID),
	)
	log.InfoContext(
		ctx,
		"user added to ticket",
		"ticket", t,
		"target_id", targetID,
		"added_by", actorID,
	)
	return TicketResult{
		Success: true,
		Message: fmt.Sprintf("Added <@%s> to the ticket.", targetID),
		Ticket:  t,
	}
}

// RemoveUser revokes a user's access to a ticket channel. The ticket
// creator can never be removed, regardless of who asks.
func (tm *TicketManager) RemoveUser(
	ctx context.Context,
	channelID string,
	actorID string,
	targetID string,
) TicketResult {
	log := tm.log(ctx)

	t, category, failure := tm.loadTicket(ctx, channelID)
	if failure != nil {
		return *failure
	}
	if targetID == t.CreatorID {
		return TicketResult{Message: "cannot remove the ticket creator"}
	}
	if failure = tm.authorize(ctx, t, category, actorID, TicketActionRemoveUser); failure != nil {
		return *failure
	}

	if err := tm.session.ChannelPermissionDelete(t.ChannelID, targetID); err != nil {
		log.ErrorContext(
			ctx,
			"error revoking channel access",
			tint.Err(err),
			"ticket", t,
			"target_id", targetID,
		)
		return TicketResult{Message: ticketGenericErrorMessage}
	}

	tm.announceText(
		ctx,
		t,
		fmt.Sprintf("<@%s> was removed from the ticket by <@%s>.", targetID, actorID),
	)
	log.InfoContext(
		ctx,
		"user removed from ticket",
		"ticket", t,
		"target_id", targetID,
		"removed_by", actorID,
	)
	return TicketResult{
		Success: true,
		Message: fmt.Sprintf("Removed <@%s> from the ticket.", targetID),
		Ticket:  t,
	}
}

// TransferOwnership reassigns an open ticket to a new owner, granting
// them the creator permission set. The channel is renamed to include
// the new owner's username, best-effort.
func (tm *TicketManager) TransferOwnership(
	ctx context.Context,
	channelID string,
	actorID string,
	newOwner *discordgo.User,
) TicketResult {
	log := tm.log(ctx)
	if newOwner == nil {
		return TicketResult{Message: ticketGenericErrorMessage}
	}

	t, category, failure := tm.loadTicket(ctx, channelID)
	if failure != nil {
		return *failure
	}
	if !t.Status.IsOpen() {
		return TicketResult{Message: "Only open tickets can be transferred."}
	}
	if newOwner.ID == t.CreatorID {
		return TicketResult{Message: "That user already owns this ticket."}
	}
	if failure = tm.authorize(
		ctx, t, category, actorID, TicketActionTransferOwnership,
	); failure != nil {
		return *failure
	}

	if err := tm.store.UpdateTicketOwner(ctx, t, newOwner.ID); err != nil {
		log.ErrorContext(ctx, "error transferring ticket", tint.Err(err), "ticket", t)
		return TicketResult{Message: ticketGenericErrorMessage}
	}

	tm.setChannelOverwrite(
		ctx,
		t,
		newOwner.ID,
		discordgo.PermissionOverwriteTypeMember,
		ticketParticipantAllow,
		discordgo.PermissionMentionEveryone,
	)
	tm.renameChannel(
		ctx,
		t,
		sanitizeChannelName(
			fmt.Sprintf(
				"%s-%s",
				ticketChannelName(t.TicketNumber),
				newOwner.Username,
			),
		),
	)
	tm.announceText(
		ctx,
		t,
		fmt.Sprintf(
			"Ticket ownership transferred to <@%s> by <@%s>.",
			newOwner.ID,
			actorID,
		),
	)
	log.InfoContext(
		ctx,
		"ticket ownership transferred",
		"ticket", t,
		"new_owner_id", newOwner.ID,
		"transferred_by", actorID,
	)
	return TicketResult{
		Success: true,
		Message: fmt.Sprintf("Ticket transferred to %s.", newOwner.Username),
		Ticket:  t,
	}
}

func (tm *TicketManager) renameChannel(ctx context.Context, t *Ticket, name string) {
	if _, err := tm.session.ChannelEditComplex(
		t.ChannelID,
		&discordgo.ChannelEdit{Name: name},
	); err != nil {
		tm.log(ctx).WarnContext(
			ctx,
			"error renaming ticket channel",
			tint.Err(err),
			"ticket", t,
			"name", name,
		)
	}
}

func (tm *TicketManager) setChannelOverwrite(
	ctx context.Context,
	t *Ticket,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
) {
	if err := tm.session.ChannelPermissionSet(
		t.ChannelID, targetID, targetType, allow, deny,
	); err != nil {
		tm.log(ctx).WarnContext(
			ctx,
			"error updating channel overwrite",
			tint.Err(err),
			"ticket", t,
			"target_id", targetID,
		)
	}
}

func (tm *TicketManager) announce(
	ctx context.Context,
	t *Ticket,
	message *discordgo.MessageSend,
) {
	if _, err := tm.session.ChannelMessageSendComplex(t.ChannelID, message); err != nil {
		tm.log(ctx).WarnContext(
			ctx,
			"error sending ticket announcement",
			tint.Err(err),
			"ticket", t,
		)
	}
}

func (tm *TicketManager) announceText(ctx context.Context, t *Ticket, content string) {
	if _, err := tm.session.ChannelMessageSend(t.ChannelID, content); err != nil {
		tm.log(ctx).WarnContext(
			ctx,
			"error sending ticket announcement",
			tint.Err(err),
			"ticket", t,
		)
	}
}

func (tm *TicketManager) dmCreator(ctx context.Context, t *Ticket, content string) {
	log := tm.log(ctx)
	dm, err := tm.session.UserChannelCreate(t.CreatorID)
	if err != nil {
		log.WarnContext(
			ctx,
			"error opening dm channel",
			tint.Err(err),
			"user_id", t.CreatorID,
		)
		return
	}
	if _, err = tm.session.ChannelMessageSend(dm.ID, content); err != nil {
		log.WarnContext(
			ctx,
			"error sending dm",
			tint.Err(err),
			"user_id", t.CreatorID,
		)
	}
}

// ticketChannelOverwrites builds the permission overwrites for a new
// ticket channel: hidden from @everyone, visible to the creator, the
// bot and the category's support role.
func ticketChannelOverwrites(
	guildID string,
	botID string,
	creatorID string,
	supportRoleID string,
) []*discordgo.PermissionOverwrite {
	// the @everyone role shares the guild's ID
	overwrites := []*discordgo.PermissionOverwrite{
		{
			ID:   guildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: ticketEveryoneDeny,
		},
		{
			ID:    creatorID,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: ticketParticipantAllow,
			Deny:  discordgo.PermissionMentionEveryone,
		},
	}
	if botID != "" {
		overwrites = append(
			overwrites,
			&discordgo.PermissionOverwrite{
				ID:    botID,
				Type:  discordgo.PermissionOverwriteTypeMember,
				Allow: ticketBotAllow,
			},
		)
	}
	if supportRoleID != "" {
		overwrites = append(
			overwrites,
			&discordgo.PermissionOverwrite{
				ID:    supportRoleID,
				Type:  discordgo.PermissionOverwriteTypeRole,
				Allow: ticketSupportAllow,
			},
		)
	}
	return overwrites
}
