package tessera

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// Component custom IDs. The confirm/cancel IDs carry the pending
	// ticket token and the requesting user's ID, so clicks from other
	// users can be rejected without consuming the token.
	customIDTicketOpen          = "ticket_open"
	customIDTicketMenu          = "ticket_menu"
	customIDTicketClaim         = "ticket_claim"
	customIDTicketClose         = "ticket_close"
	customIDTicketReopen        = "ticket_reopen"
	customIDTicketDelete        = "ticket_delete"
	customIDTicketConfirmPrefix = "ticket_confirm"
	customIDTicketCancelPrefix  = "ticket_cancel"

	// closeReasonModalCustomID is the custom ID of the modal shown
	// before a ticket is closed via the close button.
	closeReasonModalCustomID = "close_reason_modal"
	closeReasonInputCustomID = "close_reason"

	confirmCustomIDFormat = "%s:%s:%s"

	// discordMaxButtonsPerActionRow defines the maximum number of buttons
	// allowed per action row in Discord interactions.
	discordMaxButtonsPerActionRow = 5

	// discordMaxSelectMenuOptions is the Discord limit on options in a
	// single select menu.
	discordMaxSelectMenuOptions = 25
)

// Discord represents the Discord integration for Tessera.
//
// It manages the gateway session, registers slash commands, resolves
// actor capabilities from guild data, and provides the component and
// modal builders used across the ticket flows.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	botUser                     atomic.Pointer[discordgo.User]
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	t                           *Tessera
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
	return d, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	if err != nil {
		return session, err
	}

	return session, nil
}

// BotUserID returns the bot's own user ID, captured from the Ready
// event. Empty until the gateway connects.
func (d *Discord) BotUserID() string {
	u := d.botUser.Load()
	if u == nil {
		return ""
	}
	return u.ID
}

// ackResponse returns a deferred ephemeral response, used to acknowledge
// interactions that may need more than the 3-second response window.
func (*Discord) ackResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		},
	}
}

// appCommandTicket creates the `/ticket` command with its lifecycle
// subcommands. Guild-only.
func (*Discord) appCommandTicket() *discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}

	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandTicket,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Manage support tickets",
		Contexts:    &contexts,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "open",
				Description: "Open a new support ticket",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "category",
						Description: "Ticket category name",
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "message",
						Description: "Describe your issue",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "close",
				Description: "Close this ticket",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "reason",
						Description: "Why the ticket is being closed",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "claim",
				Description: "Claim this ticket, or release your claim",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "archive",
				Description: "Archive this ticket",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "delete",
				Description: "Delete this ticket's channel (staff only)",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "add",
				Description: "Add a user to this ticket",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "user",
						Description: "User to add",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "remove",
				Description: "Remove a user from this ticket",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "user",
						Description: "User to remove",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "transfer",
				Description: "Transfer ticket ownership to another user",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "user",
						Description: "New ticket owner",
						Required:    true,
					},
				},
			},
		},
	}
}

// appCommandTickets creates the `/tickets` command, which lists the
// caller's tickets in the guild.
func (*Discord) appCommandTickets() *discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandTickets,
		Type:        discordgo.ChatApplicationCommand,
		Description: "List your tickets in this server",
		Contexts:    &contexts,
	}
}

// appCommandSetup creates the admin-only `/setup` command, which starts
// the guided setup wizard.
func (*Discord) appCommandSetup() *discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	adminPermission := int64(discordgo.PermissionAdministrator)
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandSetup,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "Set up the ticket system for this server",
		Contexts:                 &contexts,
		DefaultMemberPermissions: &adminPermission,
	}
}

// appCommandPanel creates the `/panel` command for publishing the
// ticket-open button or category select menu.
func (*Discord) appCommandPanel() *discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	managePermission := int64(discordgo.PermissionManageChannels)
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandPanel,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "Publish a ticket panel",
		Contexts:                 &contexts,
		DefaultMemberPermissions: &managePermission,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "button",
				Description: "Publish a single-button ticket panel in this channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "label",
						Description: "Button label",
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "emoji",
						Description: "Button emoji",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "menu",
				Description: "Publish a category select-menu panel in this channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "placeholder",
						Description: "Select menu placeholder text",
					},
				},
			},
		},
	}
}

// appCommandKnowledge creates the admin-only `/knowledge` command for
// managing the guild's assistant knowledge base.
func (*Discord) appCommandKnowledge() *discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	adminPermission := int64(discordgo.PermissionAdministrator)
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandKnowledge,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "Manage the assistant knowledge base",
		Contexts:                 &contexts,
		DefaultMemberPermissions: &adminPermission,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "add",
				Description: "Add a text document to the knowledge base",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionAttachment,
						Name:        "document",
						Description: "Plain-text document to ingest",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "wipe",
				Description: "Remove all knowledge base content for this server",
			},
		},
	}
}

// appCommandReset creates the `/reset` command, which clears the
// caller's assistant conversation history in the current channel.
func (*Discord) appCommandReset() *discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandReset,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Start a fresh conversation with the assistant",
		Contexts:    &contexts,
	}
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUser.Store(r.User)
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"bot_user_id", d.BotUserID(),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("Connected", "session_id", sessionID)

		config := d.t.RuntimeConfig()
		if config.DiscordNotificationChannelID != "" && d.config.StartupMessage != "" {
			if sendErr := d.channelMessageSend(
				config.DiscordNotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandTicket(),
		d.appCommandTickets(),
		d.appCommandSetup(),
		d.appCommandPanel(),
		d.appCommandKnowledge(),
		d.appCommandReset(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands to create")
		panic("no commands to create")
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c)
	}

	return created, nil
}

// resolveActorCapabilities fetches the guild and member via REST and
// distills them into a flat capability snapshot. Lookup failures return
// zero capabilities, so permission checks fail closed.
func (d *Discord) resolveActorCapabilities(
	ctx context.Context,
	guildID string,
	userID string,
	supportRoleID string,
) ActorCapabilities {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = d.logger
	}

	guild, err := d.session.Guild(guildID)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error fetching guild, denying capabilities",
			"guild_id", guildID,
			tint.Err(err),
		)
		return ActorCapabilities{}
	}
	member, err := d.session.GuildMember(guildID, userID)
	if err != nil {
		log.ErrorContext(
			ctx,
			"error fetching member, denying capabilities",
			"guild_id", guildID,
			"user_id", userID,
			tint.Err(err),
		)
		return ActorCapabilities{}
	}
	return memberCapabilities(guild, member, userID, supportRoleID)
}

// memberCapabilities distills a guild and member into
// [ActorCapabilities]: guild owner or an Administrator role grants
// IsAdmin, a Manage Channels role grants CanManageChannels, and holding
// supportRoleID grants HasSupportRole.
func memberCapabilities(
	guild *discordgo.Guild,
	member *discordgo.Member,
	userID string,
	supportRoleID string,
) ActorCapabilities {
	var caps ActorCapabilities
	if guild == nil || member == nil {
		return caps
	}
	if guild.OwnerID != "" && guild.OwnerID == userID {
		caps.IsAdmin = true
	}

	rolePermissions := make(map[string]int64, len(guild.Roles))
	for _, role := range guild.Roles {
		if role != nil {
			rolePermissions[role.ID] = role.Permissions
		}
	}

	for _, roleID := range member.Roles {
		permissions := rolePermissions[roleID]
		if permissions&discordgo.PermissionAdministrator != 0 {
			caps.IsAdmin = true
		}
		if permissions&discordgo.PermissionManageChannels != 0 {
			caps.CanManageChannels = true
		}
		if supportRoleID != "" && roleID == supportRoleID {
			caps.HasSupportRole = true
		}
	}
	return caps
}

// ticketActionButtons returns the claim/close row attached to ticket
// welcome messages.
func ticketActionButtons() []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Claim",
					Style:    discordgo.PrimaryButton,
					CustomID: customIDTicketClaim,
					Emoji:    &discordgo.ComponentEmoji{Name: "🙋"},
				},
				discordgo.Button{
					Label:    "Close",
					Style:    discordgo.DangerButton,
					CustomID: customIDTicketClose,
					Emoji:    &discordgo.ComponentEmoji{Name: "🔒"},
				},
			},
		},
	}
}

// closedTicketButtons returns the reopen/delete row attached to close
// announcements.
func closedTicketButtons() []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Reopen",
					Style:    discordgo.SecondaryButton,
					CustomID: customIDTicketReopen,
					Emoji:    &discordgo.ComponentEmoji{Name: "🔓"},
				},
				discordgo.Button{
					Label:    "Delete",
					Style:    discordgo.DangerButton,
					CustomID: customIDTicketDelete,
					Emoji:    &discordgo.ComponentEmoji{Name: "⛔"},
				},
			},
		},
	}
}

// confirmTicketButtons returns the confirm/cancel row attached to
// assistant ticket proposals. The custom IDs embed the pending token and
// the requesting user's ID.
func confirmTicketButtons(token string, userID string) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label: "Create ticket",
					Style: discordgo.SuccessButton,
					CustomID: fmt.Sprintf(
						confirmCustomIDFormat,
						customIDTicketConfirmPrefix, token, userID,
					),
				},
				discordgo.Button{
					Label: "No thanks",
					Style: discordgo.SecondaryButton,
					CustomID: fmt.Sprintf(
						confirmCustomIDFormat,
						customIDTicketCancelPrefix, token, userID,
					),
				},
			},
		},
	}
}

// parseConfirmCustomID splits a confirm/cancel custom ID into its
// prefix, token and user ID parts.
func parseConfirmCustomID(customID string) (prefix, token, userID string, ok bool) {
	parts := strings.SplitN(customID, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// ticketOpenButton returns the single-button panel component.
func ticketOpenButton(label string, emoji string, style int) []discordgo.MessageComponent {
	if label == "" {
		label = "Open a ticket"
	}
	buttonStyle := discordgo.PrimaryButton
	if style > 0 && style <= int(discordgo.DangerButton) {
		buttonStyle = discordgo.ButtonStyle(style)
	}
	button := discordgo.Button{
		Label:    label,
		Style:    buttonStyle,
		CustomID: customIDTicketOpen,
	}
	if emoji != "" {
		button.Emoji = &discordgo.ComponentEmoji{Name: emoji}
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{button},
		},
	}
}

// categorySelectMenu returns the category select-menu panel component.
// Option values are TicketCategory IDs. Disabled categories are
// excluded, and the option count is capped at the Discord limit.
func categorySelectMenu(
	categories []TicketCategory,
	placeholder string,
) []discordgo.MessageComponent {
	if placeholder == "" {
		placeholder = "Select a ticket category"
	}
	options := make([]discordgo.SelectMenuOption, 0, len(categories))
	for _, c := range categories {
		if !c.Enabled {
			continue
		}
		if len(options) == discordMaxSelectMenuOptions {
			break
		}
		opt := discordgo.SelectMenuOption{
			Label:       truncate(c.Name, 100),
			Value:       strconv.FormatUint(uint64(c.ID), 10),
			Description: truncate(c.Description, 100),
		}
		if c.Emoji != "" {
			opt.Emoji = &discordgo.ComponentEmoji{Name: c.Emoji}
		}
		options = append(options, opt)
	}

	minValues := 1
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					CustomID:    customIDTicketMenu,
					Placeholder: placeholder,
					MinValues:   &minValues,
					MaxValues:   1,
					Options:     options,
				},
			},
		},
	}
}

// closeReasonModal returns the modal shown when closing a ticket via the
// close button, asking for an optional reason.
func closeReasonModal() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: closeReasonModalCustomID,
			Title:    "Close ticket",
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    closeReasonInputCustomID,
							Label:       "Reason (optional)",
							Style:       discordgo.TextInputParagraph,
							Placeholder: "Why is this ticket being closed?",
							Required:    false,
							MaxLength:   500,
						},
					},
				},
			},
		},
	}
}

// messageMentionsUser checks if a given discord message mentions the
// given user ID (does not indicate if the message content itself contains
// the user, just if the message mentions the user via @).
// Returns true if the message mentions the user, otherwise false.
func messageMentionsUser(m *discordgo.Message, userID string) bool {
	if m == nil {
		return false
	}
	if len(m.Mentions) == 0 {
		return false
	}
	for _, mention := range m.Mentions {
		if mention.ID == userID {
			return true
		}
	}
	return false
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a full MessageSend payload
	// (embeds, components, files) to a channel
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessagePin pins a message in a channel
	ChannelMessagePin(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// ChannelMessages retrieves messages from a channel, newest first
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	// GuildChannelCreateComplex creates a guild channel from a full
	// creation payload, including permission overwrites and parent
	GuildChannelCreateComplex(
		guildID string,
		data discordgo.GuildChannelCreateData,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelEditComplex edits an existing channel (rename, reparent,
	// replace overwrites)
	ChannelEditComplex(
		channelID string,
		data *discordgo.ChannelEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelDelete deletes a channel
	ChannelDelete(
		channelID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelPermissionSet creates or updates a single permission
	// overwrite on a channel
	ChannelPermissionSet(
		channelID string,
		targetID string,
		targetType discordgo.PermissionOverwriteType,
		allow int64,
		deny int64,
		options ...discordgo.RequestOption,
	) error

	// ChannelPermissionDelete removes a permission overwrite from a
	// channel
	ChannelPermissionDelete(
		channelID string,
		targetID string,
		options ...discordgo.RequestOption,
	) error

	// Channel fetches a channel by ID
	Channel(
		channelID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// Guild fetches a guild by ID, including its roles
	Guild(
		guildID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Guild, error)

	// GuildMember fetches a guild member, including their role IDs
	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// UserChannelCreate opens (or returns) a DM channel with a user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application
	// commands in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// UpdateStatusComplex updates the bot's status with a full
	// [discordgo.UpdateStatusData] payload
	UpdateStatusComplex(usd discordgo.UpdateStatusData) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponse fetches the original response to an interaction
	InteractionResponse(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseDelete removes the original response to an
	// interaction
	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	// ChannelMessageEditComplex edits an existing message from a full
	// edit payload (content, embeds, components)
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	GatewayBot(options ...discordgo.RequestOption) (st *discordgo.GatewayBotResponse, err error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) GatewayBot(options ...discordgo.RequestOption) (
	st *discordgo.GatewayBotResponse,
	err error,
) {
	d.logger.Info("retrieving gateway bot")
	gb, err := d.session.GatewayBot(options...)
	if err != nil {
		d.logger.Error("error retrieving gateway bot", tint.Err(err))
	} else {
		d.logger.Info("retrieved gateway bot", "gateway_bot", structToSlogValue(gb))
	}
	return gb, err
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, options...)
}

func (d DiscordSession) ChannelMessagePin(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessagePin(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(
		channelID, limit, beforeID, afterID, aroundID, options...,
	)
}

func (d DiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.GuildChannelCreateComplex(guildID, data, options...)
	if err != nil {
		d.logger.Error(
			"error creating guild channel",
			tint.Err(err),
			"guild_id", guildID,
			"name", data.Name,
		)
	} else {
		d.logger.Info(
			"created guild channel",
			"guild_id", guildID,
			"channel_id", ch.ID,
			"name", ch.Name,
		)
	}
	return ch, err
}

func (d DiscordSession) ChannelEditComplex(
	channelID string,
	data *discordgo.ChannelEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.ChannelEditComplex(channelID, data, options...)
}

func (d DiscordSession) ChannelDelete(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.ChannelDelete(channelID, options...)
	if err != nil {
		d.logger.Error(
			"error deleting channel",
			tint.Err(err),
			"channel_id", channelID,
		)
	} else {
		d.logger.Info("deleted channel", "channel_id", channelID)
	}
	return ch, err
}

func (d DiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelPermissionSet(
		channelID, targetID, targetType, allow, deny, options...,
	)
}

func (d DiscordSession) ChannelPermissionDelete(
	channelID string,
	targetID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelPermissionDelete(channelID, targetID, options...)
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	return d.session.Guild(guildID, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c)
	}

	return created, nil
}

func (d DiscordSession) InteractionResponse(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponse(interaction, options...)
}

func (d DiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionResponseDelete(interaction, options...)
}

func (d DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditComplex(m, options...)
}

func (d DiscordSession) UpdateCustomStatus(
	status string,
) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) UpdateStatusComplex(
	usd discordgo.UpdateStatusData,
) error {
	return d.session.UpdateStatusComplex(usd)
}
