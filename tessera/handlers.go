package tessera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// pausedNotice is shown when a non-priority user tries to open a ticket
// while the bot is paused.
const pausedNotice = "Ticket creation is paused right now. Please try again in a little while."

// knowledgeMaxDocumentBytes caps the size of documents accepted by
// `/knowledge add`.
const knowledgeMaxDocumentBytes = 1 << 20

// InteractionHandler defines the interface for responding to Discord
// interactions. [GatewayHandler] is the production implementation;
// tests substitute a stub that records responses instead of calling
// Discord.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// GetResponse retrieves the current response for an interaction.
	GetResponse(ctx context.Context) (*discordgo.Message, error)

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes an interaction response.
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] for interactions
// received over the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
	mu          *sync.RWMutex
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetResponse(ctx context.Context) (
	*discordgo.Message,
	error,
) {
	msg, err := w.session.InteractionResponse(w.interaction.Interaction)
	if err != nil {
		w.logger.ErrorContext(ctx, "error getting interaction response", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	err := w.session.InteractionResponseDelete(
		w.interaction.Interaction,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// respondEphemeral sends an immediate ephemeral message response.
func respondEphemeral(
	ctx context.Context,
	handler InteractionHandler,
	content string,
) error {
	return handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: truncate(content, discordMaxMessageLength),
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
}

// editResponse replaces a deferred (or prior) interaction response with
// the given content.
func editResponse(ctx context.Context, handler InteractionHandler, content string) {
	content = truncate(content, discordMaxMessageLength)
	_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
}

// commandOptionMap indexes subcommand options by name.
func commandOptionMap(
	options []*discordgo.ApplicationCommandInteractionDataOption,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	m := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(options),
	)
	for _, opt := range options {
		if opt != nil {
			m[opt.Name] = opt
		}
	}
	return m
}

// resolvedUserOption returns the user referenced by a user-type command
// option, preferring the interaction's resolved data (which carries the
// username) over a bare ID.
func resolvedUserOption(
	data discordgo.ApplicationCommandInteractionData,
	opt *discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.User {
	if opt == nil {
		return nil
	}
	id, _ := opt.Value.(string)
	if id == "" {
		return nil
	}
	if data.Resolved != nil && data.Resolved.Users != nil {
		if u, ok := data.Resolved.Users[id]; ok && u != nil {
			return u
		}
	}
	return &discordgo.User{ID: id}
}

// createPaused reports whether ticket creation is paused for this user.
// Priority users are exempt.
func (t *Tessera) createPaused(u *User) bool {
	return t.paused.Load() && (u == nil || !u.Priority)
}

// handleInteraction processes a single incoming Discord interaction:
// slash commands, component clicks and modal submissions. Every
// interaction is audited to [InteractionLog], including the user-facing
// outcome and any error. Panics are recovered and recorded.
func (t *Tessera) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(
		ctx,
		"received new interaction",
		"user", structToSlogValue(discordUser),
	)

	interactionLog, logErr := newInteractionLog(i, discordUser)
	if logErr != nil {
		logger.ErrorContext(ctx, "error building interaction log", tint.Err(logErr))
	}

	var outcome string
	var handleErr error

	if interactionLog != nil {
		defer func() {
			interactionLog.Outcome = outcome
			if handleErr != nil {
				interactionLog.Error = handleErr.Error()
			}
			if _, createErr := t.writeDB.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}
	defer func() {
		if rc := recover(); rc != nil {
			handleErr = fmt.Errorf("panic: %v", rc)
			t.handleRecover(ctx, rc)
		}
	}()

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser)
		outcome = "ignored bot user"
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		handleErr = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionApplicationCommand:
		outcome, handleErr = t.handleApplicationCommand(ctx, handler, discordUser)
	case discordgo.InteractionMessageComponent:
		outcome, handleErr = t.handleMessageComponent(ctx, handler, discordUser)
	case discordgo.InteractionModalSubmit:
		outcome, handleErr = t.handleModalSubmit(ctx, handler, discordUser)
	default:
		logger.WarnContext(
			ctx,
			"unhandled interaction type",
			"type", i.Type.String(),
		)
	}
}

// handleApplicationCommand dispatches a slash command by name.
func (t *Tessera) handleApplicationCommand(
	ctx context.Context,
	handler InteractionHandler,
	discordUser *discordgo.User,
) (string, error) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	data := i.ApplicationCommandData()

	u, _, err := t.writeDB.GetOrCreateUser(ctx, *discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error getting user", tint.Err(err))
		_ = respondEphemeral(ctx, handler, ticketGenericErrorMessage)
		return "", err
	}
	logger = logger.With(slog.Group("user", userLogAttrs(*u)...))
	ctx = WithLogger(ctx, logger)

	if u.Ignored {
		logger.WarnContext(ctx, "ignoring command from ignored user")
		return "ignored user", nil
	}

	switch data.Name {
	case DiscordSlashCommandTicket:
		return t.handleTicketCommand(ctx, handler, u, discordUser)
	case DiscordSlashCommandTickets:
		return t.handleTicketsCommand(ctx, handler, discordUser)
	case DiscordSlashCommandSetup:
		return t.handleSetupCommand(ctx, handler, discordUser)
	case DiscordSlashCommandPanel:
		return t.handlePanelCommand(ctx, handler, discordUser)
	case DiscordSlashCommandKnowledge:
		return t.handleKnowledgeCommand(ctx, handler, discordUser)
	case DiscordSlashCommandReset:
		return t.handleResetCommand(ctx, handler, discordUser)
	default:
		logger.WarnContext(ctx, "unknown command", "command_name", data.Name)
		msg := "I don't know that command."
		return msg, respondEphemeral(ctx, handler, msg)
	}
}

// handleTicketCommand runs a /ticket lifecycle subcommand. All
// subcommands acknowledge with a deferred ephemeral response, run the
// ticket operation, then edit the result message in.
func (t *Tessera) handleTicketCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
	discordUser *discordgo.User,
) (string, error) {
	i := handler.GetInteraction()
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		msg := "Pick a /ticket subcommand."
		return msg, respondEphemeral(ctx, handler, msg)
	}
	sub := data.Options[0]
	opts := commandOptionMap(sub.Options)

	if sub.Name == "open" && t.createPaused(u) {
		return pausedNotice, respondEphemeral(ctx, handler, pausedNotice)
	}

	if err := handler.Respond(ctx, t.discord.ackResponse()); err != nil {
		return "", err
	}

	actorID := discordUser.ID
	var action TicketAction
	var result TicketResult

	switch sub.Name {
	case "open":
		action = TicketActionCreate
		var categoryID uint
		if opt, ok := opts["category"]; ok {
			id, msg := t.categoryIDByName(ctx, i.GuildID, opt.StringValue())
			if msg != "" {
				editResponse(ctx, handler, msg)
				return msg, nil
			}
			categoryID = id
		}
		var intro string
		if opt, ok := opts["message"]; ok {
			intro = opt.StringValue()
		}
		result = t.tickets.Create(ctx, i.GuildID, discordUser, categoryID, intro)
	case "close":
		action = TicketActionClose
		var reason string
		if opt, ok := opts["reason"]; ok {
			reason = opt.StringValue()
		}
		result = t.tickets.Close(ctx, i.ChannelID, actorID, reason)
	case "claim":
		action = TicketActionClaim
		result = t.tickets.Claim(ctx, i.ChannelID, actorID)
	case "archive":
		action = TicketActionArchive
		result = t.tickets.Archive(ctx, i.ChannelID, actorID)
	case "delete":
		action = TicketActionDelete
		result = t.tickets.Delete(ctx, i.ChannelID, actorID)
	case "add":
		action = TicketActionAddUser
		target := resolvedUserOption(data, opts["user"])
		if target == nil {
			msg := "Pick a user to add."
			editResponse(ctx, handler, msg)
			return msg, nil
		}
		result = t.tickets.AddUser(ctx, i.ChannelID, actorID, target.ID)
	case "remove":
		action = TicketActionRemoveUser
		target := resolvedUserOption(data, opts["user"])
		if target == nil {
			msg := "Pick a user to remove."
			editResponse(ctx, handler, msg)
			return msg, nil
		}
		result = t.tickets.RemoveUser(ctx, i.ChannelID, actorID, target.ID)
	case "transfer":
		action = TicketActionTransferOwnership
		target := resolvedUserOption(data, opts["user"])
		if target == nil {
			msg := "Pick a user to transfer the ticket to."
			editResponse(ctx, handler, msg)
			return msg, nil
		}
		result = t.tickets.TransferOwnership(ctx, i.ChannelID, actorID, target)
	default:
		msg := fmt.Sprintf("Unknown subcommand: %s", sub.Name)
		editResponse(ctx, handler, msg)
		return msg, nil
	}

	observeTicketOperation(action, result.Success)
	editResponse(ctx, handler, result.Message)
	return result.Message, nil
}

// categoryIDByName resolves a ticket category by case-insensitive name
// among the guild's enabled categories. The second return value is a
// user-facing error message, empty on success.
func (t *Tessera) categoryIDByName(
	ctx context.Context,
	guildID string,
	name string,
) (uint, string) {
	categories, err := t.store.GetTicketCategories(ctx, guildID)
	if err != nil {
		log, ok := ContextLogger(ctx)
		if log == nil || !ok {
			log = t.logger
		}
		log.ErrorContext(ctx, "error loading ticket categories", tint.Err(err))
		return 0, ticketGenericErrorMessage
	}
	for i := range categories {
		if categories[i].Enabled && strings.EqualFold(categories[i].Name, name) {
			return categories[i].ID, ""
		}
	}
	return 0, "That ticket category isn't available."
}

// handleTicketsCommand replies with an ephemeral list of the caller's
// tickets in the guild.
func (t *Tessera) handleTicketsCommand(
	ctx context.Context,
	handler InteractionHandler,
	discordUser *discordgo.User,
) (string, error) {
	i := handler.GetInteraction()

	tickets, err := t.store.GetTicketsForUser(ctx, i.GuildID, discordUser.ID)
	if err != nil {
		handler.Logger().ErrorContext(ctx, "error listing tickets", tint.Err(err))
		_ = respondEphemeral(ctx, handler, ticketGenericErrorMessage)
		return "", err
	}
	if len(tickets) == 0 {
		msg := "You don't have any tickets in this server."
		return msg, respondEphemeral(ctx, handler, msg)
	}

	var b strings.Builder
	b.WriteString("Your tickets:\n")
	for _, ticket := range tickets {
		var marker string
		switch {
		case ticket.Status.IsOpen():
			marker = "🟢"
		case ticket.Status.IsClosed():
			marker = "🔴"
		default:
			marker = "📦"
		}
		b.WriteString(
			fmt.Sprintf(
				"%s #%04d <#%s> (%s)\n",
				marker,
				ticket.TicketNumber,
				ticket.ChannelID,
				ticket.Status,
			),
		)
	}
	msg := b.String()
	return msg, respondEphemeral(ctx, handler, msg)
}

// handlePanelCommand publishes a ticket panel (button or category select
// menu) in the current channel and persists the panel configuration so
// it can be re-rendered when categories change.
func (t *Tessera) handlePanelCommand(
	ctx context.Context,
	handler InteractionHandler,
	discordUser *discordgo.User,
) (string, error) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		msg := "Pick a /panel subcommand."
		return msg, respondEphemeral(ctx, handler, msg)
	}
	sub := data.Options[0]
	opts := commandOptionMap(sub.Options)

	caps := t.discord.resolveActorCapabilities(ctx, i.GuildID, discordUser.ID, "")
	if !caps.IsAdmin && !caps.CanManageChannels {
		msg := "You need the Manage Channels permission to publish panels."
		return msg, respondEphemeral(ctx, handler, msg)
	}

	if err := handler.Respond(ctx, t.discord.ackResponse()); err != nil {
		return "", err
	}

	guildConfig, err := t.store.GetOrCreateGuildConfig(ctx, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading guild config", tint.Err(err))
		editResponse(ctx, handler, ticketGenericErrorMessage)
		return "", err
	}

	switch sub.Name {
	case "button":
		var label, emoji string
		if opt, ok := opts["label"]; ok {
			label = opt.StringValue()
		}
		if opt, ok := opts["emoji"]; ok {
			emoji = opt.StringValue()
		}
		msg, sendErr := t.discord.session.ChannelMessageSendComplex(
			i.ChannelID,
			&discordgo.MessageSend{
				Embeds: []*discordgo.MessageEmbed{
					{
						Title:       "Need help?",
						Description: "Press the button below to open a support ticket.",
						Color:       ticketEmbedColorOpen,
					},
				},
				Components: ticketOpenButton(label, emoji, 0),
			},
		)
		if sendErr != nil {
			logger.ErrorContext(ctx, "error publishing ticket panel", tint.Err(sendErr))
			editResponse(ctx, handler, ticketGenericErrorMessage)
			return "", sendErr
		}
		if _, cfgErr := t.store.ConfigureTicketButton(
			ctx,
			guildConfig.ID,
			TicketButtonParams{
				ChannelID: i.ChannelID,
				MessageID: msg.ID,
				Label:     label,
				Emoji:     emoji,
			},
		); cfgErr != nil {
			logger.ErrorContext(ctx, "error saving panel config", tint.Err(cfgErr))
		}
		reply := "Ticket panel published."
		editResponse(ctx, handler, reply)
		return reply, nil
	case "menu":
		var placeholder string
		if opt, ok := opts["placeholder"]; ok {
			placeholder = opt.StringValue()
		}
		categories, catErr := t.store.GetTicketCategories(ctx, i.GuildID)
		if catErr != nil {
			logger.ErrorContext(ctx, "error loading ticket categories", tint.Err(catErr))
			editResponse(ctx, handler, ticketGenericErrorMessage)
			return "", catErr
		}
		enabled := 0
		for _, c := range categories {
			if c.Enabled {
				enabled++
			}
		}
		if enabled == 0 {
			reply := "No ticket categories are set up yet. Run /setup first."
			editResponse(ctx, handler, reply)
			return reply, nil
		}
		components := categorySelectMenu(categories, placeholder)
		msg, sendErr := t.discord.session.ChannelMessageSendComplex(
			i.ChannelID,
			&discordgo.MessageSend{
				Embeds: []*discordgo.MessageEmbed{
					{
						Title:       "Need help?",
						Description: "Pick a category below to open a support ticket.",
						Color:       ticketEmbedColorOpen,
					},
				},
				Components: components,
			},
		)
		if sendErr != nil {
			logger.ErrorContext(ctx, "error publishing ticket panel", tint.Err(sendErr))
			editResponse(ctx, handler, ticketGenericErrorMessage)
			return "", sendErr
		}
		if _, cfgErr := t.store.ConfigureSelectMenu(
			ctx,
			guildConfig.ID,
			SelectMenuParams{
				ChannelID:   i.ChannelID,
				MessageID:   msg.ID,
				Placeholder: placeholder,
				MinValues:   1,
				MaxValues:   1,
			},
		); cfgErr != nil {
			logger.ErrorContext(ctx, "error saving panel config", tint.Err(cfgErr))
		}
		reply := "Ticket panel published."
		editResponse(ctx, handler, reply)
		return reply, nil
	default:
		reply := fmt.Sprintf("Unknown subcommand: %s", sub.Name)
		editResponse(ctx, handler, reply)
		return reply, nil
	}
}

// handleKnowledgeCommand manages the guild's assistant knowledge base:
// `/knowledge add` ingests a plain-text attachment, `/knowledge wipe`
// removes the guild's corpus. Admin only.
func (t *Tessera) handleKnowledgeCommand(
	ctx context.Context,
	handler InteractionHandler,
	discordUser *discordgo.User,
) (string, error) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		msg := "Pick a /knowledge subcommand."
		return msg, respondEphemeral(ctx, handler, msg)
	}
	sub := data.Options[0]

	caps := t.discord.resolveActorCapabilities(ctx, i.GuildID, discordUser.ID, "")
	if !caps.IsAdmin {
		msg := "You need the Administrator permission to manage the knowledge base."
		return msg, respondEphemeral(ctx, handler, msg)
	}

	if t.rag == nil || !t.rag.Available() {
		msg := "The knowledge base isn't available (it requires a postgres database)."
		return msg, respondEphemeral(ctx, handler, msg)
	}

	switch sub.Name {
	case "add":
		attachment := resolvedAttachmentOption(data, commandOptionMap(sub.Options)["document"])
		if attachment == nil {
			msg := "Attach a plain-text document to add."
			return msg, respondEphemeral(ctx, handler, msg)
		}
		if attachment.ContentType != "" &&
			!strings.HasPrefix(attachment.ContentType, "text/") {
			msg := "Only plain-text documents can be added to the knowledge base."
			return msg, respondEphemeral(ctx, handler, msg)
		}
		if err := handler.Respond(ctx, t.discord.ackResponse()); err != nil {
			return "", err
		}

		content, err := t.fetchAttachment(ctx, attachment.URL)
		if err != nil {
			logger.ErrorContext(ctx, "error fetching attachment", tint.Err(err))
			editResponse(ctx, handler, "I couldn't download that document. Please try again.")
			return "", err
		}
		count, err := t.ingestDocument(
			ctx,
			i.GuildID,
			discordUser.ID,
			attachment.Filename,
			content,
		)
		if err != nil {
			logger.ErrorContext(ctx, "error ingesting document", tint.Err(err))
			editResponse(ctx, handler, "I couldn't add that document. Please try again.")
			return "", err
		}
		msg := fmt.Sprintf(
			"Added %q to the knowledge base (%d chunks).",
			attachment.Filename,
			count,
		)
		editResponse(ctx, handler, msg)
		return msg, nil
	case "wipe":
		if err := handler.Respond(ctx, t.discord.ackResponse()); err != nil {
			return "", err
		}
		removed, err := t.rag.Wipe(ctx, i.GuildID)
		if err != nil {
			logger.ErrorContext(ctx, "error wiping knowledge base", tint.Err(err))
			editResponse(ctx, handler, ticketGenericErrorMessage)
			return "", err
		}
		msg := fmt.Sprintf("Removed %d knowledge base chunks.", removed)
		editResponse(ctx, handler, msg)
		return msg, nil
	default:
		msg := fmt.Sprintf("Unknown subcommand: %s", sub.Name)
		return msg, respondEphemeral(ctx, handler, msg)
	}
}

// resolvedAttachmentOption returns the attachment referenced by an
// attachment-type command option, via the interaction's resolved data.
func resolvedAttachmentOption(
	data discordgo.ApplicationCommandInteractionData,
	opt *discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.MessageAttachment {
	if opt == nil || data.Resolved == nil || data.Resolved.Attachments == nil {
		return nil
	}
	id, _ := opt.Value.(string)
	if id == "" {
		return nil
	}
	return data.Resolved.Attachments[id]
}

// fetchAttachment downloads an attachment's content, capped at
// [knowledgeMaxDocumentBytes].
func (t *Tessera) fetchAttachment(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	client := t.config.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status fetching attachment: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, knowledgeMaxDocumentBytes+1))
	if err != nil {
		return "", err
	}
	if len(body) > knowledgeMaxDocumentBytes {
		return "", errors.New("document too large")
	}
	return string(body), nil
}

// handleResetCommand clears the caller's assistant conversation history
// in the current channel.
func (t *Tessera) handleResetCommand(
	ctx context.Context,
	handler InteractionHandler,
	discordUser *discordgo.User,
) (string, error) {
	i := handler.GetInteraction()

	if err := handler.Respond(ctx, t.discord.ackResponse()); err != nil {
		return "", err
	}
	cleared, err := t.store.ClearChatHistory(
		ctx,
		i.GuildID,
		i.ChannelID,
		discordUser.ID,
	)
	if err != nil {
		handler.Logger().ErrorContext(ctx, "error clearing chat history", tint.Err(err))
		editResponse(ctx, handler, ticketGenericErrorMessage)
		return "", err
	}
	msg := "You don't have any conversation history in this channel."
	if cleared > 0 {
		msg = "Started a fresh conversation. Your previous messages here are forgotten."
	}
	editResponse(ctx, handler, msg)
	return msg, nil
}

// handleMessageComponent dispatches a component interaction (panel
// buttons, ticket action buttons, the category select menu, and the
// AI confirmation buttons) by custom ID.
func (t *Tessera) handleMessageComponent(
	ctx context.Context,
	handler InteractionHandler,
	discordUser *discordgo.User,
) (string, error) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	data := i.MessageComponentData()

	u, _, err := t.writeDB.GetOrCreateUser(ctx, *discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error getting user", tint.Err(err))
		_ = respondEphemeral(ctx, handler, ticketGenericErrorMessage)
		return "", err
	}
	if u.Ignored {
		logger.WarnContext(ctx, "ignoring component click from ignored user")
		return "ignored user", nil
	}

	logger = logger.With("custom_id", data.CustomID)
	ctx = WithLogger(ctx, logger)

	var action TicketAction
	var result TicketResult

	switch data.CustomID {
	case customIDTicketOpen:
		if t.createPaused(u) {
			return pausedNotice, respondEphemeral(ctx, handler, pausedNotice)
		}
		if err = handler.Respond(ctx, t.discord.ackResponse()); err != nil {
			return "", err
		}
		action = TicketActionCreate
		result = t.tickets.Create(ctx, i.GuildID, discordUser, 0, "")
	case customIDTicketMenu:
		if t.createPaused(u) {
			return pausedNotice, respondEphemeral(ctx, handler, pausedNotice)
		}
		if len(data.Values) == 0 {
			msg := "Pick a ticket category."
			return msg, respondEphemeral(ctx, handler, msg)
		}
		categoryID, parseErr := strconv.ParseUint(data.Values[0], 10, 64)
		if parseErr != nil {
			logger.WarnContext(
				ctx,
				"invalid category value",
				tint.Err(parseErr),
				"value", data.Values[0],
			)
			msg := "That ticket category isn't available."
			return msg, respondEphemeral(ctx, handler, msg)
		}
		if err = handler.Respond(ctx, t.discord.ackResponse()); err != nil {
			return "", err
		}
		action = TicketActionCreate
		result = t.tickets.Create(ctx, i.GuildID, discordUser, uint(categoryID), "")
	case customIDTicketClaim:
		if err = handler.Respond(ctx, t.discord.ackResponse()); err != nil {
			return "", err
		}
		action = TicketActionClaim
		result = t.tickets.Claim(ctx, i.ChannelID, discordUser.ID)
	case customIDTicketClose:
		// the close reason is collected via modal; the actual close
		// happens on submission
		return "close reason modal shown", handler.Respond(ctx, closeReasonModal())
	case customIDTicketReopen:
		if err = handler.Respond(ctx, t.discord.ackResponse()); err != nil {
			return "", err
		}
		action = TicketActionReopen
		result = t.tickets.Reopen(ctx, i.ChannelID, discordUser.ID)
	case customIDTicketDelete:
		if err = handler.Respond(ctx, t.discord.ackResponse()); err != nil {
			return "", err
		}
		action = TicketActionDelete
		result = t.tickets.Delete(ctx, i.ChannelID, discordUser.ID)
	default:
		return t.handleConfirmComponent(ctx, handler, u, discordUser)
	}

	observeTicketOperation(action, result.Success)
	editResponse(ctx, handler, result.Message)
	return result.Message, nil
}

// handleConfirmComponent resolves the confirm/cancel buttons attached to
// an assistant ticket proposal. Only the user the proposal was made for
// can press them; anyone else is rejected without consuming the token.
func (t *Tessera) handleConfirmComponent(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
	discordUser *discordgo.User,
) (string, error) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	data := i.MessageComponentData()

	prefix, token, userID, ok := parseConfirmCustomID(data.CustomID)
	if !ok ||
		(prefix != customIDTicketConfirmPrefix && prefix != customIDTicketCancelPrefix) {
		logger.WarnContext(ctx, "unknown component custom ID")
		msg := "This button isn't active anymore."
		return msg, respondEphemeral(ctx, handler, msg)
	}
	confirmed := prefix == customIDTicketConfirmPrefix

	if discordUser.ID != userID {
		msg := "These buttons aren't for you."
		return msg, respondEphemeral(ctx, handler, msg)
	}
	if confirmed && t.createPaused(u) {
		return pausedNotice, respondEphemeral(ctx, handler, pausedNotice)
	}

	if err := handler.Respond(ctx, t.discord.ackResponse()); err != nil {
		return "", err
	}

	result := t.ResolveTicketProposal(ctx, token, confirmed, discordUser)
	if confirmed {
		observeTicketOperation(TicketActionCreate, result.Success)
	}

	// strip the buttons from the proposal message so they can't be
	// pressed again
	if i.Message != nil {
		components := []discordgo.MessageComponent{}
		if _, editErr := t.discord.session.ChannelMessageEditComplex(
			&discordgo.MessageEdit{
				ID:         i.Message.ID,
				Channel:    i.ChannelID,
				Components: &components,
			},
		); editErr != nil {
			logger.WarnContext(
				ctx,
				"error removing proposal buttons",
				tint.Err(editErr),
			)
		}
	}

	editResponse(ctx, handler, result.Message)
	return result.Message, nil
}

// handleModalSubmit handles the close-reason modal, closing the ticket
// with the submitted reason.
func (t *Tessera) handleModalSubmit(
	ctx context.Context,
	handler InteractionHandler,
	discordUser *discordgo.User,
) (string, error) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	data := i.ModalSubmitData()

	if data.CustomID != closeReasonModalCustomID {
		logger.WarnContext(ctx, "unknown modal custom ID", "custom_id", data.CustomID)
		return "", nil
	}

	if err := handler.Respond(ctx, t.discord.ackResponse()); err != nil {
		return "", err
	}

	reason := modalTextInput(data, closeReasonInputCustomID)
	result := t.tickets.Close(ctx, i.ChannelID, discordUser.ID, reason)
	observeTicketOperation(TicketActionClose, result.Success)
	editResponse(ctx, handler, result.Message)
	return result.Message, nil
}

// modalTextInput extracts the value of a text input from submitted
// modal data.
func modalTextInput(data discordgo.ModalSubmitInteractionData, customID string) string {
	for _, row := range data.Components {
		actionsRow, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, component := range actionsRow.Components {
			input, inputOK := component.(*discordgo.TextInput)
			if inputOK && input.CustomID == customID {
				return strings.TrimSpace(input.Value)
			}
		}
	}
	return ""
}
