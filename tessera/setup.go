package tessera

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	setupSkipWord   = "skip"
	setupCancelWord = "cancel"
	setupHereWord   = "here"
)

// setupSession marks an in-flight /setup wizard for a guild. Only one
// wizard can run per guild at a time.
type setupSession struct {
	UserID    string
	ChannelID string
	StartedAt time.Time
}

// handleSetupCommand runs the guided setup wizard. The wizard walks an
// administrator through naming the default ticket category, choosing a
// support role and publishing a ticket panel, one step per message.
// Each step waits [TicketConfig.SetupTimeout] for the admin's reply;
// a timeout or a `cancel` reply ends the wizard.
//
// The wizard runs synchronously in the interaction's goroutine, so the
// returned outcome reflects how it ended.
func (t *Tessera) handleSetupCommand(
	ctx context.Context,
	handler InteractionHandler,
	discordUser *discordgo.User,
) (string, error) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	if i.GuildID == "" {
		msg := "Run /setup in the server you want to set up."
		return msg, respondEphemeral(ctx, handler, msg)
	}

	caps := t.discord.resolveActorCapabilities(ctx, i.GuildID, discordUser.ID, "")
	if !caps.IsAdmin {
		msg := "You need the Administrator permission to run setup."
		return msg, respondEphemeral(ctx, handler, msg)
	}

	session := &setupSession{
		UserID:    discordUser.ID,
		ChannelID: i.ChannelID,
		StartedAt: time.Now(),
	}
	if _, running := t.setupSessions.LoadOrStore(i.GuildID, session); running {
		msg := "A setup wizard is already running in this server."
		return msg, respondEphemeral(ctx, handler, msg)
	}
	defer t.setupSessions.Delete(i.GuildID)

	guildConfig, err := t.store.GetOrCreateGuildConfig(ctx, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading guild config", tint.Err(err))
		_ = respondEphemeral(ctx, handler, ticketGenericErrorMessage)
		return "", err
	}

	timeout := DefaultSetupTimeout
	if t.config.Ticket != nil && t.config.Ticket.SetupTimeout > 0 {
		timeout = t.config.Ticket.SetupTimeout
	}

	welcome := fmt.Sprintf(
		"Let's set up tickets for this server! I'll ask a few questions. "+
			"Reply `%s` to keep a default, or `%s` to stop.\n\n"+
			"**1.** What should the default ticket category be called? "+
			"(currently %q)",
		setupSkipWord,
		setupCancelWord,
		guildConfig.DefaultCategoryName,
	)
	if err = handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: welcome},
		},
	); err != nil {
		return "", err
	}

	logger.InfoContext(
		ctx,
		"setup wizard started",
		"guild_id", i.GuildID,
		"timeout", timeout,
	)

	// Step 2: default category name.
	categoryName := ""
	reply, outcome := t.collectSetupReply(ctx, session, timeout)
	switch outcome {
	case setupReplyCancelled, setupReplyTimedOut:
		return t.endSetupEarly(ctx, session, outcome)
	case setupReplySkipped:
	default:
		categoryName = truncate(strings.TrimSpace(reply.Content), 100)
	}

	// Step 3: support role.
	supportRoleID := ""
	t.sendSetupPrompt(
		ctx,
		session,
		"**2.** Mention the role your support staff hold (like @Support), or reply `skip`.",
	)
	for {
		reply, outcome = t.collectSetupReply(ctx, session, timeout)
		if outcome == setupReplyCancelled || outcome == setupReplyTimedOut {
			return t.endSetupEarly(ctx, session, outcome)
		}
		if outcome == setupReplySkipped {
			break
		}
		supportRoleID = roleMentionID(reply)
		if supportRoleID != "" {
			break
		}
		t.sendSetupPrompt(
			ctx,
			session,
			"I couldn't find a role mention in that. Mention a role (like @Support), or reply `skip`.",
		)
	}

	// Step 4: panel channel.
	panelChannelID := session.ChannelID
	t.sendSetupPrompt(
		ctx,
		session,
		"**3.** Mention the channel where members should open tickets (like #support), or reply `here` for this one.",
	)
	for {
		reply, outcome = t.collectSetupReply(ctx, session, timeout)
		if outcome == setupReplyCancelled || outcome == setupReplyTimedOut {
			return t.endSetupEarly(ctx, session, outcome)
		}
		if outcome == setupReplySkipped ||
			strings.EqualFold(strings.TrimSpace(reply.Content), setupHereWord) {
			break
		}
		if id := firstChannelMention(reply.Content); id != "" {
			panelChannelID = id
			break
		}
		t.sendSetupPrompt(
			ctx,
			session,
			"I couldn't find a channel mention in that. Mention a channel (like #support), reply `here`, or `skip`.",
		)
	}

	// Step 5: apply and publish.
	if applyErr := t.applySetup(
		ctx,
		guildConfig,
		categoryName,
		supportRoleID,
		panelChannelID,
	); applyErr != nil {
		logger.ErrorContext(ctx, "error applying setup", tint.Err(applyErr))
		t.sendSetupPrompt(
			ctx,
			session,
			"Something went wrong finishing setup. Run /setup to try again.",
		)
		return "", applyErr
	}

	summary := t.setupSummary(ctx, guildConfig, supportRoleID, panelChannelID)
	t.sendSetupPrompt(ctx, session, summary)
	t.dbNotifier.GuildConfigUpdated(ctx, i.GuildID)
	logger.InfoContext(ctx, "setup wizard completed", "guild_id", i.GuildID)
	return "setup completed", nil
}

// setupReplyOutcome classifies a wizard step's reply.
type setupReplyOutcome int

const (
	setupReplyAnswered setupReplyOutcome = iota
	setupReplySkipped
	setupReplyCancelled
	setupReplyTimedOut
)

// collectSetupReply waits for the wizard user's next message in the
// wizard channel, via a temporary gateway handler. It classifies the
// `skip` and `cancel` keywords, and gives up after the timeout or when
// ctx is cancelled.
func (t *Tessera) collectSetupReply(
	ctx context.Context,
	session *setupSession,
	timeout time.Duration,
) (*discordgo.Message, setupReplyOutcome) {
	msgCh := make(chan *discordgo.Message, 1)
	remove := t.discord.session.AddHandler(
		func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			if m.ChannelID != session.ChannelID {
				return
			}
			if m.Author == nil || m.Author.ID != session.UserID || m.Author.Bot {
				return
			}
			select {
			case msgCh <- m.Message:
			default:
			}
		},
	)
	defer remove()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, setupReplyCancelled
	case <-timer.C:
		return nil, setupReplyTimedOut
	case m := <-msgCh:
		switch strings.ToLower(strings.TrimSpace(m.Content)) {
		case setupCancelWord:
			return m, setupReplyCancelled
		case setupSkipWord, "":
			return m, setupReplySkipped
		default:
			return m, setupReplyAnswered
		}
	}
}

// endSetupEarly notifies the channel that the wizard stopped, and
// returns the audit outcome.
func (t *Tessera) endSetupEarly(
	ctx context.Context,
	session *setupSession,
	outcome setupReplyOutcome,
) (string, error) {
	if outcome == setupReplyTimedOut {
		t.sendSetupPrompt(
			ctx,
			session,
			"Setup timed out waiting for a reply. Run /setup to start again.",
		)
		return "setup timed out", nil
	}
	if ctx.Err() == nil {
		t.sendSetupPrompt(ctx, session, "Setup cancelled. Run /setup to start again.")
	}
	return "setup cancelled", nil
}

// sendSetupPrompt sends a wizard message to the setup channel. Send
// failures are logged, not surfaced; the collector timeout covers a
// wizard stalled by a missing prompt.
func (t *Tessera) sendSetupPrompt(
	ctx context.Context,
	session *setupSession,
	content string,
) {
	if err := t.discord.channelMessageSend(
		session.ChannelID,
		content,
		discordgo.WithContext(ctx),
	); err != nil {
		t.logger.ErrorContext(ctx, "error sending setup prompt", tint.Err(err))
	}
}

// applySetup persists the wizard's answers: renames the default
// category, sets its support role, and publishes a ticket panel in the
// chosen channel.
func (t *Tessera) applySetup(
	ctx context.Context,
	guildConfig *GuildConfig,
	categoryName string,
	supportRoleID string,
	panelChannelID string,
) error {
	category, err := t.defaultTicketCategory(ctx, guildConfig)
	if err != nil {
		return err
	}

	categoryUpdates := map[string]any{}
	if categoryName != "" && categoryName != category.Name {
		categoryUpdates[columnTicketCategoryName] = categoryName
	}
	if supportRoleID != "" {
		categoryUpdates[columnTicketCategorySupportRoleID] = NullableString(supportRoleID)
	}
	if len(categoryUpdates) > 0 {
		if err = t.store.UpdateTicketCategory(ctx, category, categoryUpdates); err != nil {
			return fmt.Errorf("error updating ticket category: %w", err)
		}
	}

	if categoryName != "" && categoryName != guildConfig.DefaultCategoryName {
		if err = t.store.UpdateGuildConfig(
			ctx,
			guildConfig,
			map[string]any{columnGuildConfigDefaultCategoryName: categoryName},
		); err != nil {
			return fmt.Errorf("error updating guild config: %w", err)
		}
	}

	msg, err := t.discord.session.ChannelMessageSendComplex(
		panelChannelID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				{
					Title:       "Need help?",
					Description: "Press the button below to open a support ticket.",
					Color:       ticketEmbedColorOpen,
				},
			},
			Components: ticketOpenButton("", "", 0),
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error publishing ticket panel: %w", err)
	}
	if _, err = t.store.ConfigureTicketButton(
		ctx,
		guildConfig.ID,
		TicketButtonParams{ChannelID: panelChannelID, MessageID: msg.ID},
	); err != nil {
		return fmt.Errorf("error saving panel config: %w", err)
	}
	return nil
}

// defaultTicketCategory returns the guild's first (lowest-position)
// ticket category, creating one when the guild somehow has none.
func (t *Tessera) defaultTicketCategory(
	ctx context.Context,
	guildConfig *GuildConfig,
) (*TicketCategory, error) {
	categories, err := t.store.GetTicketCategories(ctx, guildConfig.GuildID)
	if err != nil {
		return nil, err
	}
	if len(categories) > 0 {
		return &categories[0], nil
	}
	return t.store.CreateTicketCategory(
		ctx,
		guildConfig.ID,
		TicketCategoryParams{Name: guildConfig.DefaultCategoryName},
	)
}

// setupSummary renders the wizard's closing message.
func (t *Tessera) setupSummary(
	ctx context.Context,
	guildConfig *GuildConfig,
	supportRoleID string,
	panelChannelID string,
) string {
	var b strings.Builder
	b.WriteString("All set! Here's what I configured:\n")

	category, err := t.defaultTicketCategory(ctx, guildConfig)
	if err == nil && category != nil {
		b.WriteString(fmt.Sprintf("- Default ticket category: **%s**\n", category.Name))
	}
	if supportRoleID != "" {
		b.WriteString(fmt.Sprintf("- Support role: <@&%s>\n", supportRoleID))
	} else {
		b.WriteString("- Support role: none yet (set one later by re-running /setup)\n")
	}
	b.WriteString(fmt.Sprintf("- Ticket panel published in <#%s>\n", panelChannelID))
	b.WriteString(
		"\nMembers can open tickets with the panel button or `/ticket open`. " +
			"Use `/panel` to publish more panels.",
	)
	return b.String()
}

// roleMentionID extracts the first role mention from a message,
// preferring the gateway-resolved mentions over raw content.
func roleMentionID(m *discordgo.Message) string {
	if m == nil {
		return ""
	}
	if len(m.MentionRoles) > 0 {
		return m.MentionRoles[0]
	}
	return firstRoleMention(m.Content)
}
