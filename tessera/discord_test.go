package tessera

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfirmCustomID(t *testing.T) {
	testCases := []struct {
		name       string
		customID   string
		prefix     string
		token      string
		userID     string
		expectedOK bool
	}{
		{
			name:       "confirm button",
			customID:   "ticket_confirm:tok123:user456",
			prefix:     customIDTicketConfirmPrefix,
			token:      "tok123",
			userID:     "user456",
			expectedOK: true,
		},
		{
			name:       "cancel button",
			customID:   "ticket_cancel:tok123:user456",
			prefix:     customIDTicketCancelPrefix,
			token:      "tok123",
			userID:     "user456",
			expectedOK: true,
		},
		{
			name:       "missing part",
			customID:   "ticket_confirm:tok123",
			expectedOK: false,
		},
		{
			name:       "empty segment",
			customID:   "ticket_confirm::user456",
			expectedOK: false,
		},
		{
			name:       "unrelated custom id",
			customID:   "ticket_close",
			expectedOK: false,
		},
		{
			name:       "extra colons stay in user id",
			customID:   "a:b:c:d",
			prefix:     "a",
			token:      "b",
			userID:     "c:d",
			expectedOK: true,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				prefix, token, userID, ok := parseConfirmCustomID(tc.customID)
				assert.Equal(t, tc.expectedOK, ok)
				assert.Equal(t, tc.prefix, prefix)
				assert.Equal(t, tc.token, token)
				assert.Equal(t, tc.userID, userID)
			},
		)
	}
}

func TestConfirmTicketButtons(t *testing.T) {
	components := confirmTicketButtons("tok123", "user456")
	require.Len(t, components, 1)
	row, ok := components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, row.Components, 2)

	confirm, ok := row.Components[0].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(t, "Create ticket", confirm.Label)
	assert.Equal(t, discordgo.SuccessButton, confirm.Style)
	assert.Equal(t, "ticket_confirm:tok123:user456", confirm.CustomID)

	cancel, ok := row.Components[1].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(t, "No thanks", cancel.Label)
	assert.Equal(t, discordgo.SecondaryButton, cancel.Style)
	assert.Equal(t, "ticket_cancel:tok123:user456", cancel.CustomID)
}

func TestTicketActionButtons(t *testing.T) {
	components := ticketActionButtons()
	require.Len(t, components, 1)
	row, ok := components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, row.Components, 2)

	claim := row.Components[0].(discordgo.Button)
	assert.Equal(t, customIDTicketClaim, claim.CustomID)
	assert.Equal(t, discordgo.PrimaryButton, claim.Style)

	closeButton := row.Components[1].(discordgo.Button)
	assert.Equal(t, customIDTicketClose, closeButton.CustomID)
	assert.Equal(t, discordgo.DangerButton, closeButton.Style)
}

func TestClosedTicketButtons(t *testing.T) {
	components := closedTicketButtons()
	require.Len(t, components, 1)
	row, ok := components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, row.Components, 2)

	reopen := row.Components[0].(discordgo.Button)
	assert.Equal(t, customIDTicketReopen, reopen.CustomID)

	deleteButton := row.Components[1].(discordgo.Button)
	assert.Equal(t, customIDTicketDelete, deleteButton.CustomID)
}

func TestTicketOpenButton(t *testing.T) {
	testCases := []struct {
		name          string
		label         string
		emoji         string
		style         int
		expectedLabel string
		expectedStyle discordgo.ButtonStyle
		expectEmoji   bool
	}{
		{
			name:          "defaults",
			expectedLabel: "Open a ticket",
			expectedStyle: discordgo.PrimaryButton,
		},
		{
			name:          "custom label and emoji",
			label:         "Help!",
			emoji:         "🎫",
			expectedLabel: "Help!",
			expectedStyle: discordgo.PrimaryButton,
			expectEmoji:   true,
		},
		{
			name:          "danger style",
			style:         int(discordgo.DangerButton),
			expectedLabel: "Open a ticket",
			expectedStyle: discordgo.DangerButton,
		},
		{
			name:          "out of range style falls back",
			style:         99,
			expectedLabel: "Open a ticket",
			expectedStyle: discordgo.PrimaryButton,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				components := ticketOpenButton(tc.label, tc.emoji, tc.style)
				require.Len(t, components, 1)
				row, ok := components[0].(discordgo.ActionsRow)
				require.True(t, ok)
				require.Len(t, row.Components, 1)

				button, ok := row.Components[0].(discordgo.Button)
				require.True(t, ok)
				assert.Equal(t, tc.expectedLabel, button.Label)
				assert.Equal(t, tc.expectedStyle, button.Style)
				assert.Equal(t, customIDTicketOpen, button.CustomID)
				if tc.expectEmoji {
					require.NotNil(t, button.Emoji)
					assert.Equal(t, tc.emoji, button.Emoji.Name)
				} else {
					assert.Nil(t, button.Emoji)
				}
			},
		)
	}
}

func TestCategorySelectMenu(t *testing.T) {
	categories := []TicketCategory{
		{Name: "Support", Description: "General help", Enabled: true, Emoji: "❓"},
		{Name: "Billing", Enabled: true},
		{Name: "Hidden", Enabled: false},
	}
	categories[0].ID = 1
	categories[1].ID = 2
	categories[2].ID = 3

	components := categorySelectMenu(categories, "")
	require.Len(t, components, 1)
	row, ok := components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, row.Components, 1)

	menu, ok := row.Components[0].(discordgo.SelectMenu)
	require.True(t, ok)
	assert.Equal(t, customIDTicketMenu, menu.CustomID)
	assert.Equal(t, "Select a ticket category", menu.Placeholder)
	require.NotNil(t, menu.MinValues)
	assert.Equal(t, 1, *menu.MinValues)
	assert.Equal(t, 1, menu.MaxValues)

	require.Len(t, menu.Options, 2, "disabled categories should be excluded")
	assert.Equal(t, "Support", menu.Options[0].Label)
	assert.Equal(t, "1", menu.Options[0].Value)
	assert.Equal(t, "General help", menu.Options[0].Description)
	require.NotNil(t, menu.Options[0].Emoji)
	assert.Equal(t, "❓", menu.Options[0].Emoji.Name)
	assert.Equal(t, "2", menu.Options[1].Value)
	assert.Nil(t, menu.Options[1].Emoji)
}

func TestCategorySelectMenu_OptionCap(t *testing.T) {
	categories := make([]TicketCategory, 0, 30)
	for i := 0; i < 30; i++ {
		c := TicketCategory{Name: fmt.Sprintf("Category %d", i), Enabled: true}
		c.ID = uint(i + 1)
		categories = append(categories, c)
	}

	components := categorySelectMenu(categories, "Pick one")
	row := components[0].(discordgo.ActionsRow)
	menu := row.Components[0].(discordgo.SelectMenu)
	assert.Equal(t, "Pick one", menu.Placeholder)
	assert.Len(t, menu.Options, discordMaxSelectMenuOptions)
	assert.Equal(
		t,
		strconv.Itoa(discordMaxSelectMenuOptions),
		menu.Options[len(menu.Options)-1].Value,
	)
}

func TestCloseReasonModal(t *testing.T) {
	response := closeReasonModal()
	assert.Equal(t, discordgo.InteractionResponseModal, response.Type)
	require.NotNil(t, response.Data)
	assert.Equal(t, closeReasonModalCustomID, response.Data.CustomID)
	assert.Equal(t, "Close ticket", response.Data.Title)

	require.Len(t, response.Data.Components, 1)
	row, ok := response.Data.Components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, row.Components, 1)

	input, ok := row.Components[0].(discordgo.TextInput)
	require.True(t, ok)
	assert.Equal(t, closeReasonInputCustomID, input.CustomID)
	assert.Equal(t, discordgo.TextInputParagraph, input.Style)
	assert.False(t, input.Required)
	assert.Equal(t, 500, input.MaxLength)
}

func TestMessageMentionsUser(t *testing.T) {
	assert.False(t, messageMentionsUser(nil, "123"))
	assert.False(t, messageMentionsUser(&discordgo.Message{}, "123"))
	assert.False(
		t,
		messageMentionsUser(
			&discordgo.Message{
				Mentions: []*discordgo.User{{ID: "456"}},
			},
			"123",
		),
	)
	assert.True(
		t,
		messageMentionsUser(
			&discordgo.Message{
				Mentions: []*discordgo.User{{ID: "456"}, {ID: "123"}},
			},
			"123",
		),
	)
}

func TestGetDiscordUser(t *testing.T) {
	u := newDiscordUser(t)

	direct := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{User: u},
	}
	assert.Equal(t, u, getDiscordUser(direct))

	viaMember := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{User: u},
		},
	}
	assert.Equal(t, u, getDiscordUser(viaMember))

	neither := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{},
	}
	assert.Nil(t, getDiscordUser(neither))
}

func TestMemberCapabilities(t *testing.T) {
	guild := &discordgo.Guild{
		ID:      "guild1",
		OwnerID: "owner1",
		Roles: []*discordgo.Role{
			{ID: "admin_role", Permissions: discordgo.PermissionAdministrator},
			{ID: "mod_role", Permissions: discordgo.PermissionManageChannels},
			{ID: "support_role", Permissions: 0},
		},
	}

	testCases := []struct {
		name          string
		guild         *discordgo.Guild
		member        *discordgo.Member
		userID        string
		supportRoleID string
		expected      ActorCapabilities
	}{
		{
			name:     "nil guild",
			member:   &discordgo.Member{},
			expected: ActorCapabilities{},
		},
		{
			name:     "nil member",
			guild:    guild,
			expected: ActorCapabilities{},
		},
		{
			name:     "guild owner",
			guild:    guild,
			member:   &discordgo.Member{},
			userID:   "owner1",
			expected: ActorCapabilities{IsAdmin: true},
		},
		{
			name:     "administrator role",
			guild:    guild,
			member:   &discordgo.Member{Roles: []string{"admin_role"}},
			userID:   "user1",
			expected: ActorCapabilities{IsAdmin: true},
		},
		{
			name:     "manage channels role",
			guild:    guild,
			member:   &discordgo.Member{Roles: []string{"mod_role"}},
			userID:   "user1",
			expected: ActorCapabilities{CanManageChannels: true},
		},
		{
			name:          "support role",
			guild:         guild,
			member:        &discordgo.Member{Roles: []string{"support_role"}},
			userID:        "user1",
			supportRoleID: "support_role",
			expected:      ActorCapabilities{HasSupportRole: true},
		},
		{
			name:          "support role not configured",
			guild:         guild,
			member:        &discordgo.Member{Roles: []string{"support_role"}},
			userID:        "user1",
			supportRoleID: "",
			expected:      ActorCapabilities{},
		},
		{
			name:  "stacked roles",
			guild: guild,
			member: &discordgo.Member{
				Roles: []string{"mod_role", "support_role"},
			},
			userID:        "user1",
			supportRoleID: "support_role",
			expected: ActorCapabilities{
				CanManageChannels: true,
				HasSupportRole:    true,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				caps := memberCapabilities(
					tc.guild,
					tc.member,
					tc.userID,
					tc.supportRoleID,
				)
				assert.Equal(t, tc.expected, caps)
			},
		)
	}
}

func TestRegisterCommands(t *testing.T) {
	cfg := DefaultTestConfig(t)
	d := &Discord{
		logger:  slog.Default(),
		config:  cfg.Discord,
		session: newMockDiscordSession(),
	}

	created, err := d.registerCommands()
	require.NoError(t, err)
	require.Len(t, created, 6)

	names := make([]string, 0, len(created))
	for _, c := range created {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, DiscordSlashCommandTicket)
	assert.Contains(t, names, DiscordSlashCommandTickets)
	assert.Contains(t, names, DiscordSlashCommandSetup)
	assert.Contains(t, names, DiscordSlashCommandPanel)
	assert.Contains(t, names, DiscordSlashCommandKnowledge)
	assert.Contains(t, names, DiscordSlashCommandReset)
}

func TestDiscord_HandlersConnectDisconnect(t *testing.T) {
	session := newRecordingDiscordSession()
	channelID := fmt.Sprintf("c_%s", t.Name())
	bot := &Tessera{
		runtimeConfig: &RuntimeConfig{
			DiscordNotificationChannelID: channelID,
		},
	}
	cfg := DiscordConfig{
		StartupMessage: t.Name(),
	}
	d := &Discord{
		logger:  slog.Default(),
		config:  &cfg,
		session: session,
		t:       bot,
	}
	require.False(t, d.connected.Load())
	require.Equal(t, int64(0), d.metricConnects.Load())
	require.Equal(t, int64(0), d.metricDisconnects.Load())
	handler := d.handlerConnect()

	sess := &discordgo.Session{
		State: &discordgo.State{
			Ready: discordgo.Ready{
				SessionID: t.Name(),
				User: &discordgo.User{
					ID:       t.Name(),
					Username: t.Name(),
				},
			},
		},
	}
	handler(sess, nil)
	assert.True(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricConnects.Load())
	require.Equal(t, int64(0), d.metricDisconnects.Load())

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, channelID, sent[0].ChannelID)
	assert.Equal(t, cfg.StartupMessage, sent[0].Content)

	disconnectHandler := d.handlerDisconnect()
	disconnectHandler(sess, nil)
	assert.False(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())
	assert.Equal(t, int64(1), d.metricConnects.Load())

	// verify the error handling path on sending channel messages executes
	session.errorOnSend = fmt.Errorf("error-%s", t.Name())
	handler(sess, nil)
	assert.True(t, d.connected.Load())
	assert.Equal(t, int64(2), d.metricConnects.Load())
	assert.Len(t, session.sentMessages(), 2)
}

func TestDiscord_HandlerReady(t *testing.T) {
	d := &Discord{logger: slog.Default()}
	assert.Empty(t, d.BotUserID())

	handler := d.handlerReady()
	handler(
		nil, &discordgo.Ready{
			SessionID: t.Name(),
			User:      &discordgo.User{ID: "bot123"},
		},
	)
	assert.Equal(t, "bot123", d.BotUserID())
}

type stubEdits struct {
	WebhookEdit *discordgo.WebhookEdit
	Opts        []discordgo.RequestOption
}

type stubChannelMessageSend struct {
	ChannelID string
	Content   string
}

type stubComplexMessageSend struct {
	ChannelID string
	Data      *discordgo.MessageSend
}

type stubChannelEdit struct {
	ChannelID string
	Data      *discordgo.ChannelEdit
}

type stubPermissionSet struct {
	ChannelID  string
	TargetID   string
	TargetType discordgo.PermissionOverwriteType
	Allow      int64
	Deny       int64
}

type stubPermissionDelete struct {
	ChannelID string
	TargetID  string
}

type stubChannelMessagePin struct {
	ChannelID string
	MessageID string
}

type stubChannelReply struct {
	ChannelID string
	Content   string
	Reference *discordgo.MessageReference
}

func newStubInteractionHandler(t testing.TB) stubInteractionHandler {
	t.Helper()
	return stubInteractionHandler{
		callRespond:        make(chan *discordgo.InteractionResponse, 100),
		callGetResponse:    make(chan struct{}, 100),
		callEdit:           make(chan *stubEdits, 100),
		callDelete:         make(chan struct{}, 100),
		callGetInteraction: make(chan struct{}, 100),
		GatewayHandler: GatewayHandler{
			session: newMockDiscordSession(),
			logger:  slog.Default().With("test_name", t.Name()),
			mu:      &sync.RWMutex{},
		},
	}
}

// stubInteractionHandler records interaction responses on channels,
// standing in for [GatewayHandler] in tests.
type stubInteractionHandler struct {
	GatewayHandler GatewayHandler

	callRespond        chan *discordgo.InteractionResponse
	callGetResponse    chan struct{}
	callEdit           chan *stubEdits
	callDelete         chan struct{}
	callGetInteraction chan struct{}
}

func (s stubInteractionHandler) Respond(
	_ context.Context,
	i *discordgo.InteractionResponse,
) error {
	s.callRespond <- i
	return nil
}

func (s stubInteractionHandler) GetResponse(context.Context) (
	*discordgo.Message,
	error,
) {
	s.Logger().Info("GetResponse called")
	s.callGetResponse <- struct{}{}
	return &discordgo.Message{}, nil
}

func (s stubInteractionHandler) Edit(
	ctx context.Context,
	e *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.Logger().WarnContext(ctx, "edit called")
	s.callEdit <- &stubEdits{WebhookEdit: e, Opts: opts}
	return nil, nil
}

func (s stubInteractionHandler) Delete(
	ctx context.Context,
	_ ...discordgo.RequestOption,
) {
	s.Logger().WarnContext(ctx, "delete called")
	s.callDelete <- struct{}{}
}

func (s stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.GatewayHandler.interaction
}

func (s stubInteractionHandler) Logger() *slog.Logger {
	return s.GatewayHandler.logger
}

// newDiscordUser creates a new discordgo.User with the test name as
// the user ID, with the user ID also included in the username and global name
func newDiscordUser(t testing.TB) *discordgo.User {
	t.Helper()
	return &discordgo.User{
		ID:         t.Name(),
		Username:   fmt.Sprintf("u_%s", t.Name()),
		GlobalName: fmt.Sprintf("g_%s", t.Name()),
	}
}

// newTicketCommandInteraction creates a guild `/ticket` interaction with
// the given subcommand and subcommand options.
func newTicketCommandInteraction(
	t testing.TB,
	u *discordgo.User,
	guildID string,
	channelID string,
	subcommand string,
	options []*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionApplicationCommand,
			ID:        fmt.Sprintf("interaction_%s", t.Name()),
			GuildID:   guildID,
			ChannelID: channelID,
			Member:    &discordgo.Member{User: u},
			Data: discordgo.ApplicationCommandInteractionData{
				CommandType: discordgo.ChatApplicationCommand,
				Name:        DiscordSlashCommandTicket,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:    subcommand,
						Type:    discordgo.ApplicationCommandOptionSubCommand,
						Options: options,
					},
				},
			},
		},
	}
}

// newSlashCommandInteraction creates a guild interaction for a slash
// command with no subcommands.
func newSlashCommandInteraction(
	t testing.TB,
	u *discordgo.User,
	guildID string,
	channelID string,
	name string,
	options []*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionApplicationCommand,
			ID:        fmt.Sprintf("interaction_%s", t.Name()),
			GuildID:   guildID,
			ChannelID: channelID,
			Member:    &discordgo.Member{User: u},
			Data: discordgo.ApplicationCommandInteractionData{
				CommandType: discordgo.ChatApplicationCommand,
				Name:        name,
				Options:     options,
			},
		},
	}
}

// newComponentInteraction creates a message-component interaction (button
// press or select-menu choice) in a guild channel.
func newComponentInteraction(
	t testing.TB,
	u *discordgo.User,
	guildID string,
	channelID string,
	customID string,
	values []string,
) *discordgo.InteractionCreate {
	t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionMessageComponent,
			ID:        fmt.Sprintf("interaction_%s", t.Name()),
			GuildID:   guildID,
			ChannelID: channelID,
			Member:    &discordgo.Member{User: u},
			Message:   &discordgo.Message{ID: fmt.Sprintf("msg_%s", t.Name())},
			Data: discordgo.MessageComponentInteractionData{
				CustomID: customID,
				Values:   values,
			},
		},
	}
}

// newCloseReasonModalInteraction creates a close-reason modal submission.
func newCloseReasonModalInteraction(
	t testing.TB,
	u *discordgo.User,
	guildID string,
	channelID string,
	reason string,
) *discordgo.InteractionCreate {
	t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionModalSubmit,
			ID:        fmt.Sprintf("interaction_%s", t.Name()),
			GuildID:   guildID,
			ChannelID: channelID,
			Member:    &discordgo.Member{User: u},
			Data: discordgo.ModalSubmitInteractionData{
				CustomID: closeReasonModalCustomID,
				Components: []discordgo.MessageComponent{
					&discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							&discordgo.TextInput{
								CustomID: closeReasonInputCustomID,
								Value:    reason,
							},
						},
					},
				},
			},
		},
	}
}

// mockDiscordSession is a mock implementation of the DiscordSessionHandler interface.
//
// This is used for testing to simulate the behavior of a real Discord session.
// It logs actions instead of performing actual operations.
type mockDiscordSession struct {
	logger   *slog.Logger
	logLevel *slog.LevelVar
}

func newMockDiscordSession() mockDiscordSession {
	m := mockDiscordSession{
		logLevel: &slog.LevelVar{},
	}
	m.logLevel.Set(slog.LevelDebug)
	m.logger = slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     m.logLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord_session_handler")
	return m
}

func (d mockDiscordSession) GatewayBot(opts ...discordgo.RequestOption) (
	*discordgo.GatewayBotResponse,
	error,
) {
	d.logger.Info("gateway bot called", "options", opts)
	return &discordgo.GatewayBotResponse{}, nil
}

func (d mockDiscordSession) Open() error {
	d.logger.Info("opened session")
	return nil
}

func (d mockDiscordSession) Close() error {
	d.logger.Info("closed session")
	return nil
}

func (d mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info(
		"saw message send",
		"channel_id", channelID,
		"content", message,
	)
	return &discordgo.Message{}, nil
}

func (d mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info(
		"saw complex message send",
		"channel_id", channelID,
		"data", data,
	)
	return &discordgo.Message{ChannelID: channelID}, nil
}

func (d mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info(
		"channel reply send",
		"channel_id", channelID,
		"message_reference", reference,
		"content", content,
	)
	return &discordgo.Message{
		Content:   content,
		ChannelID: channelID,
		GuildID:   reference.GuildID,
	}, nil
}

func (d mockDiscordSession) ChannelMessagePin(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	d.logger.Info(
		"pinned message",
		"channel_id", channelID,
		"message_id", messageID,
	)
	return nil
}

func (d mockDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	d.logger.Info(
		"fetching channel messages",
		"channel_id", channelID,
		"limit", limit,
		"before_id", beforeID,
		"after_id", afterID,
		"around_id", aroundID,
	)
	return nil, nil
}

func (d mockDiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.logger.Info(
		"creating guild channel",
		"guild_id", guildID,
		"name", data.Name,
	)
	return &discordgo.Channel{
		ID:      fmt.Sprintf("channel_%s", data.Name),
		Name:    data.Name,
		GuildID: guildID,
	}, nil
}

func (d mockDiscordSession) ChannelEditComplex(
	channelID string,
	data *discordgo.ChannelEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.logger.Info(
		"editing channel",
		"channel_id", channelID,
		"data", data,
	)
	return &discordgo.Channel{ID: channelID}, nil
}

func (d mockDiscordSession) ChannelDelete(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.logger.Info("deleting channel", "channel_id", channelID)
	return &discordgo.Channel{ID: channelID}, nil
}

func (d mockDiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	_ ...discordgo.RequestOption,
) error {
	d.logger.Info(
		"setting channel permission",
		"channel_id", channelID,
		"target_id", targetID,
		"target_type", targetType,
		"allow", allow,
		"deny", deny,
	)
	return nil
}

func (d mockDiscordSession) ChannelPermissionDelete(
	channelID string,
	targetID string,
	_ ...discordgo.RequestOption,
) error {
	d.logger.Info(
		"deleting channel permission",
		"channel_id", channelID,
		"target_id", targetID,
	)
	return nil
}

func (d mockDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.logger.Info("fetching channel", "channel_id", channelID)
	return &discordgo.Channel{ID: channelID}, nil
}

func (d mockDiscordSession) Guild(
	guildID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	d.logger.Info("fetching guild", "guild_id", guildID)
	return &discordgo.Guild{ID: guildID}, nil
}

func (d mockDiscordSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	d.logger.Info(
		"fetching guild member",
		"guild_id", guildID,
		"user_id", userID,
	)
	return &discordgo.Member{User: &discordgo.User{ID: userID}}, nil
}

func (d mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.logger.Info("creating user channel", "recipient_id", recipientID)
	return &discordgo.Channel{
		ID:   fmt.Sprintf("dm_%s", recipientID),
		Type: discordgo.ChannelTypeDM,
	}, nil
}

func (d mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.logger.Info(
		"overwrite application commands",
		"app_id",
		appID,
		"guild_id",
		guildID,
		"commands",
		commands,
	)
	cmds := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		cmds[i] = &discordgo.ApplicationCommand{
			Name:        c.Name,
			Description: c.Description,
		}
	}
	return cmds, nil
}

func (d mockDiscordSession) UpdateCustomStatus(status string) error {
	d.logger.Info("updating custom status", "status", status)
	return nil
}

func (d mockDiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	d.logger.Info("updating complex status", "data", data)
	return nil
}

func (d mockDiscordSession) AddHandler(_ any) func() {
	d.logger.Info("added handler")
	return func() {
		d.logger.Info("mock-removed handler function")
	}
}

func (d mockDiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.logger.Info(
		"mock responding to interaction",
		"interaction", interaction,
		"response", resp,
	)
	return nil
}

func (d mockDiscordSession) InteractionResponse(
	interaction *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info("mock getting interaction", "interaction", interaction)
	return &discordgo.Message{}, nil
}

func (d mockDiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info(
		"mock editing interaction",
		"interaction",
		interaction,
		"webhook_edit",
		newresp,
	)
	return &discordgo.Message{}, nil
}

func (d mockDiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	_ ...discordgo.RequestOption,
) error {
	d.logger.Info("mock deleting interaction", "interaction", interaction)
	return nil
}

func (d mockDiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info("mock editing channel message", "edit", m)
	return &discordgo.Message{}, nil
}

func (d mockDiscordSession) SetHTTPClient(_ *http.Client) {
	d.logger.Info("mock setting http client")
}

func (d mockDiscordSession) SetIdentify(_ discordgo.Identify) {
	d.logger.Info("mock setting identify")
}

func (d mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	d.logLevel.Set(lvl)
	return nil
}

// recordingDiscordSession wraps mockDiscordSession, recording outgoing
// calls so tests can assert against them, and serving canned lookups for
// channels, guilds and members.
type recordingDiscordSession struct {
	mockDiscordSession
	mu sync.Mutex

	guilds   map[string]*discordgo.Guild
	members  map[string]*discordgo.Member
	channels map[string]*discordgo.Channel

	// messages returned by ChannelMessages, keyed by channel ID
	channelHistory map[string][]*discordgo.Message

	channelCounter int

	createdChannels []discordgo.GuildChannelCreateData
	channelEdits    []stubChannelEdit
	deletedChannels []string
	permissionSets  []stubPermissionSet
	permissionDels  []stubPermissionDelete
	messages        []stubChannelMessageSend
	replies         []stubChannelReply
	complexMessages []stubComplexMessageSend
	pins            []stubChannelMessagePin
	messageEdits    []*discordgo.MessageEdit
	dmChannels      []string
	handlers        []any

	errorOnSend          error
	errorOnChannelCreate error
	errorOnChannelDelete error
}

func newRecordingDiscordSession() *recordingDiscordSession {
	return &recordingDiscordSession{
		mockDiscordSession: newMockDiscordSession(),
		guilds:             map[string]*discordgo.Guild{},
		members:            map[string]*discordgo.Member{},
		channels:           map[string]*discordgo.Channel{},
		channelHistory:     map[string][]*discordgo.Message{},
	}
}

func (r *recordingDiscordSession) memberKey(guildID string, userID string) string {
	return fmt.Sprintf("%s:%s", guildID, userID)
}

func (r *recordingDiscordSession) setGuild(g *discordgo.Guild) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guilds[g.ID] = g
}

func (r *recordingDiscordSession) setMember(
	guildID string,
	userID string,
	m *discordgo.Member,
) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[r.memberKey(guildID, userID)] = m
}

func (r *recordingDiscordSession) setChannel(c *discordgo.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.ID] = c
}

func (r *recordingDiscordSession) removeChannel(channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, channelID)
}

func (r *recordingDiscordSession) setChannelHistory(
	channelID string,
	messages []*discordgo.Message,
) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channelHistory[channelID] = messages
}

func (r *recordingDiscordSession) sentMessages() []stubChannelMessageSend {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stubChannelMessageSend, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *recordingDiscordSession) sentReplies() []stubChannelReply {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stubChannelReply, len(r.replies))
	copy(out, r.replies)
	return out
}

func (r *recordingDiscordSession) sentComplexMessages() []stubComplexMessageSend {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stubComplexMessageSend, len(r.complexMessages))
	copy(out, r.complexMessages)
	return out
}

func (r *recordingDiscordSession) createdChannelData() []discordgo.GuildChannelCreateData {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]discordgo.GuildChannelCreateData, len(r.createdChannels))
	copy(out, r.createdChannels)
	return out
}

func (r *recordingDiscordSession) editedChannels() []stubChannelEdit {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stubChannelEdit, len(r.channelEdits))
	copy(out, r.channelEdits)
	return out
}

func (r *recordingDiscordSession) deletedChannelIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.deletedChannels))
	copy(out, r.deletedChannels)
	return out
}

func (r *recordingDiscordSession) permissionSetCalls() []stubPermissionSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stubPermissionSet, len(r.permissionSets))
	copy(out, r.permissionSets)
	return out
}

func (r *recordingDiscordSession) permissionDeleteCalls() []stubPermissionDelete {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stubPermissionDelete, len(r.permissionDels))
	copy(out, r.permissionDels)
	return out
}

func (r *recordingDiscordSession) pinnedMessages() []stubChannelMessagePin {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stubChannelMessagePin, len(r.pins))
	copy(out, r.pins)
	return out
}

func (r *recordingDiscordSession) editedMessages() []*discordgo.MessageEdit {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*discordgo.MessageEdit, len(r.messageEdits))
	copy(out, r.messageEdits)
	return out
}

func (r *recordingDiscordSession) dmChannelRecipients() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.dmChannels))
	copy(out, r.dmChannels)
	return out
}

// messageCreateHandlers returns the registered MessageCreate gateway
// handlers, so tests can feed messages to reply collectors.
func (r *recordingDiscordSession) messageCreateHandlers() []func(
	*discordgo.Session,
	*discordgo.MessageCreate,
) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []func(*discordgo.Session, *discordgo.MessageCreate)
	for _, h := range r.handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			out = append(out, fn)
		}
	}
	return out
}

func (r *recordingDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	r.mu.Lock()
	r.messages = append(
		r.messages,
		stubChannelMessageSend{ChannelID: channelID, Content: message},
	)
	sendErr := r.errorOnSend
	r.mu.Unlock()
	if sendErr != nil {
		return nil, sendErr
	}
	return r.mockDiscordSession.ChannelMessageSend(channelID, message, opts...)
}

func (r *recordingDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	r.mu.Lock()
	r.replies = append(
		r.replies,
		stubChannelReply{
			ChannelID: channelID,
			Content:   content,
			Reference: reference,
		},
	)
	sendErr := r.errorOnSend
	r.mu.Unlock()
	if sendErr != nil {
		return nil, sendErr
	}
	return r.mockDiscordSession.ChannelMessageSendReply(
		channelID, content, reference, opts...,
	)
}

func (r *recordingDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complexMessages = append(
		r.complexMessages,
		stubComplexMessageSend{ChannelID: channelID, Data: data},
	)
	if r.errorOnSend != nil {
		return nil, r.errorOnSend
	}
	return &discordgo.Message{
		ID:        fmt.Sprintf("sent_%d", len(r.complexMessages)),
		ChannelID: channelID,
	}, nil
}

func (r *recordingDiscordSession) ChannelMessagePin(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pins = append(
		r.pins,
		stubChannelMessagePin{ChannelID: channelID, MessageID: messageID},
	)
	return nil
}

func (r *recordingDiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	history := r.channelHistory[channelID]
	if beforeID != "" {
		// pagination: everything in history is returned on the first
		// page, so subsequent pages are empty
		return nil, nil
	}
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

func (r *recordingDiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errorOnChannelCreate != nil {
		return nil, r.errorOnChannelCreate
	}
	r.channelCounter++
	channel := &discordgo.Channel{
		ID:      fmt.Sprintf("channel_%d", r.channelCounter),
		Name:    data.Name,
		GuildID: guildID,
	}
	r.createdChannels = append(r.createdChannels, data)
	r.channels[channel.ID] = channel
	return channel, nil
}

func (r *recordingDiscordSession) ChannelEditComplex(
	channelID string,
	data *discordgo.ChannelEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channelEdits = append(
		r.channelEdits,
		stubChannelEdit{ChannelID: channelID, Data: data},
	)
	return &discordgo.Channel{ID: channelID, Name: data.Name}, nil
}

func (r *recordingDiscordSession) ChannelDelete(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errorOnChannelDelete != nil {
		return nil, r.errorOnChannelDelete
	}
	r.deletedChannels = append(r.deletedChannels, channelID)
	delete(r.channels, channelID)
	return &discordgo.Channel{ID: channelID}, nil
}

func (r *recordingDiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	_ ...discordgo.RequestOption,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permissionSets = append(
		r.permissionSets, stubPermissionSet{
			ChannelID:  channelID,
			TargetID:   targetID,
			TargetType: targetType,
			Allow:      allow,
			Deny:       deny,
		},
	)
	return nil
}

func (r *recordingDiscordSession) ChannelPermissionDelete(
	channelID string,
	targetID string,
	_ ...discordgo.RequestOption,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permissionDels = append(
		r.permissionDels,
		stubPermissionDelete{ChannelID: channelID, TargetID: targetID},
	)
	return nil
}

func (r *recordingDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channel, ok := r.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("unknown channel: %s", channelID)
	}
	return channel, nil
}

func (r *recordingDiscordSession) Guild(
	guildID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	guild, ok := r.guilds[guildID]
	if !ok {
		return nil, fmt.Errorf("unknown guild: %s", guildID)
	}
	return guild, nil
}

func (r *recordingDiscordSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	member, ok := r.members[r.memberKey(guildID, userID)]
	if !ok {
		return nil, fmt.Errorf("unknown member: %s", userID)
	}
	return member, nil
}

func (r *recordingDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dmChannels = append(r.dmChannels, recipientID)
	return &discordgo.Channel{
		ID:   fmt.Sprintf("dm_%s", recipientID),
		Type: discordgo.ChannelTypeDM,
	}, nil
}

func (r *recordingDiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messageEdits = append(r.messageEdits, m)
	return &discordgo.Message{ID: m.ID, ChannelID: m.Channel}, nil
}

func (r *recordingDiscordSession) AddHandler(handler any) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
	return func() {}
}
