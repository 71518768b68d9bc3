package tessera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestTicketManager builds a TicketManager over a fresh sqlite store
// and a recording session. Capabilities are looked up per user ID from
// the returned map, so tests can hand out roles directly.
func newTestTicketManager(
	t testing.TB,
	cooldowns CooldownConfig,
) (*TicketManager, *recordingDiscordSession, map[string]ActorCapabilities) {
	t.Helper()
	store := newTestTicketStore(t)
	session := newRecordingDiscordSession()
	capsByUser := map[string]ActorCapabilities{}
	resolver := func(
		_ context.Context,
		_ string,
		userID string,
		_ string,
	) ActorCapabilities {
		return capsByUser[userID]
	}
	tm := newTicketManager(
		store,
		session,
		resolver,
		newCooldownTracker(cooldowns, nil),
		DefaultConfig().Ticket,
		slog.Default().With("test", t.Name()),
	)
	return tm, session, capsByUser
}

func createTestTicket(
	t testing.TB,
	tm *TicketManager,
	guildID string,
	creator *discordgo.User,
) *Ticket {
	t.Helper()
	result := tm.Create(context.Background(), guildID, creator, 0, "")
	require.True(t, result.Success, result.Message)
	require.NotNil(t, result.Ticket)
	return result.Ticket
}

func TestTicketManager_Create(t *testing.T) {
	tm, session, _ := newTestTicketManager(t, CooldownConfig{})
	tm.botUserID = func() string { return "bot1" }
	ctx := context.Background()
	creator := newDiscordUser(t)

	result := tm.Create(ctx, "guild1", creator, 0, "My bot keeps crashing")
	require.True(t, result.Success, result.Message)
	require.NotNil(t, result.Ticket)
	assert.Equal(t, int64(1), result.Ticket.TicketNumber)
	assert.Equal(t, TicketStatusOpen, result.Ticket.Status)
	assert.Equal(t, creator.ID, result.Ticket.CreatorID)

	created := session.createdChannelData()
	require.Len(t, created, 2)

	// the Discord parent category is created on demand
	assert.Equal(t, defaultTicketCategoryName, created[0].Name)
	assert.Equal(t, discordgo.ChannelTypeGuildCategory, created[0].Type)

	ticketChannel := created[1]
	assert.Equal(t, discordgo.ChannelTypeGuildText, ticketChannel.Type)
	assert.Equal(t, "channel_1", ticketChannel.ParentID)
	assert.Equal(
		t,
		fmt.Sprintf("Support ticket for %s", creator.Username),
		ticketChannel.Topic,
	)

	// hidden from @everyone, visible to creator and bot; no support role
	// is configured on the default category
	require.Len(t, ticketChannel.PermissionOverwrites, 3)
	assert.Equal(t, "guild1", ticketChannel.PermissionOverwrites[0].ID)
	assert.Equal(t, ticketEveryoneDeny, ticketChannel.PermissionOverwrites[0].Deny)
	assert.Equal(t, creator.ID, ticketChannel.PermissionOverwrites[1].ID)
	assert.Equal(t, ticketParticipantAllow, ticketChannel.PermissionOverwrites[1].Allow)
	assert.Equal(t, "bot1", ticketChannel.PermissionOverwrites[2].ID)
	assert.Equal(t, ticketBotAllow, ticketChannel.PermissionOverwrites[2].Allow)

	assert.Equal(t, "channel_2", result.Ticket.ChannelID)
	assert.Equal(
		t,
		fmt.Sprintf("Your ticket is ready: <#%s>", result.Ticket.ChannelID),
		result.Message,
	)

	// the channel is renamed to the assigned ticket number
	edits := session.editedChannels()
	require.Len(t, edits, 1)
	assert.Equal(t, "channel_2", edits[0].ChannelID)
	assert.Equal(t, "ticket-0001", edits[0].Data.Name)

	// welcome message: templated embed, intro field, action buttons,
	// pinned
	welcome := session.sentComplexMessages()
	require.Len(t, welcome, 1)
	assert.Equal(t, "channel_2", welcome[0].ChannelID)
	assert.Equal(t, creator.Mention(), welcome[0].Data.Content)
	require.Len(t, welcome[0].Data.Embeds, 1)
	assert.Equal(t, "Ticket #1", welcome[0].Data.Embeds[0].Title)
	require.Len(t, welcome[0].Data.Embeds[0].Fields, 1)
	assert.Equal(t, "Issue", welcome[0].Data.Embeds[0].Fields[0].Name)
	assert.Equal(t, "My bot keeps crashing", welcome[0].Data.Embeds[0].Fields[0].Value)
	require.Len(t, welcome[0].Data.Components, 1)

	pins := session.pinnedMessages()
	require.Len(t, pins, 1)
	assert.Equal(t, "channel_2", pins[0].ChannelID)
	assert.Equal(t, "sent_1", pins[0].MessageID)
}

func TestTicketManager_Create_OneOpenTicketPerUser(t *testing.T) {
	tm, session, _ := newTestTicketManager(t, CooldownConfig{})
	ctx := context.Background()
	creator := newDiscordUser(t)

	first := tm.Create(ctx, "guild1", creator, 0, "")
	require.True(t, first.Success)

	second := tm.Create(ctx, "guild1", creator, 0, "")
	assert.False(t, second.Success)
	assert.Equal(
		t,
		fmt.Sprintf("You already have an open ticket: <#%s>", first.Ticket.ChannelID),
		second.Message,
	)

	// a different user is unaffected
	other := tm.Create(
		ctx,
		"guild1",
		&discordgo.User{ID: "other1", Username: "other"},
		0,
		"",
	)
	assert.True(t, other.Success, other.Message)

	// if the open ticket's channel has been deleted out from under the
	// bot, the stale row is closed and creation proceeds
	session.removeChannel(first.Ticket.ChannelID)
	replacement := tm.Create(ctx, "guild1", creator, 0, "")
	require.True(t, replacement.Success, replacement.Message)
	assert.NotEqual(t, first.Ticket.ID, replacement.Ticket.ID)

	stale, err := tm.store.GetTicketByChannelID(ctx, first.Ticket.ChannelID)
	require.NoError(t, err)
	require.NotNil(t, stale)
	assert.Equal(t, TicketStatusClosed, stale.Status)
	assert.Equal(
		t,
		NullableString("ticket channel no longer exists"),
		stale.CloseReason,
	)
}

func TestTicketManager_Create_CategorySelection(t *testing.T) {
	tm, _, _ := newTestTicketManager(t, CooldownConfig{})
	ctx := context.Background()

	config, err := tm.store.GetOrCreateGuildConfig(ctx, "guild1")
	require.NoError(t, err)
	billing, err := tm.store.CreateTicketCategory(
		ctx, config.ID, TicketCategoryParams{Name: "Billing", Position: 1},
	)
	require.NoError(t, err)
	disabled, err := tm.store.CreateTicketCategory(
		ctx, config.ID, TicketCategoryParams{Name: "Hidden", Position: 2},
	)
	require.NoError(t, err)
	require.NoError(
		t, tm.store.UpdateTicketCategory(
			ctx, disabled, map[string]any{columnTicketCategoryEnabled: false},
		),
	)

	result := tm.Create(ctx, "guild1", newDiscordUser(t), billing.ID, "")
	require.True(t, result.Success, result.Message)
	assert.Equal(t, billing.ID, result.Ticket.TicketCategoryID)
	assert.Equal(t, int64(1), result.Ticket.TicketNumber)

	refused := tm.Create(
		ctx,
		"guild1",
		&discordgo.User{ID: "other1", Username: "other"},
		disabled.ID,
		"",
	)
	assert.False(t, refused.Success)
	assert.Equal(t, "That ticket category isn't available.", refused.Message)
}

func TestTicketManager_Create_Refusals(t *testing.T) {
	tm, session, _ := newTestTicketManager(t, CooldownConfig{})
	ctx := context.Background()

	// nil creator
	result := tm.Create(ctx, "guild1", nil, 0, "")
	assert.False(t, result.Success)
	assert.Equal(t, ticketGenericErrorMessage, result.Message)

	// ticketing disabled for the guild
	config, err := tm.store.GetOrCreateGuildConfig(ctx, "guild1")
	require.NoError(t, err)
	require.NoError(
		t, tm.store.UpdateGuildConfig(
			ctx, config, map[string]any{columnGuildConfigEnabled: false},
		),
	)
	result = tm.Create(ctx, "guild1", newDiscordUser(t), 0, "")
	assert.False(t, result.Success)
	assert.Equal(t, "Ticketing is currently disabled in this server.", result.Message)

	// no enabled categories
	_, err = tm.store.GetOrCreateGuildConfig(ctx, "guild2")
	require.NoError(t, err)
	categories, err := tm.store.GetTicketCategories(ctx, "guild2")
	require.NoError(t, err)
	require.Len(t, categories, 1)
	require.NoError(
		t, tm.store.UpdateTicketCategory(
			ctx, &categories[0], map[string]any{columnTicketCategoryEnabled: false},
		),
	)
	result = tm.Create(ctx, "guild2", newDiscordUser(t), 0, "")
	assert.False(t, result.Success)
	assert.Equal(
		t,
		"No ticket categories are set up yet. Ask an admin to run /setup.",
		result.Message,
	)

	// channel creation failure
	session.errorOnChannelCreate = errors.New("discord is down")
	result = tm.Create(ctx, "guild3", newDiscordUser(t), 0, "")
	assert.False(t, result.Success)
	assert.Equal(
		t,
		"I couldn't create a ticket channel. Please try again later.",
		result.Message,
	)
}

func TestTicketManager_Close(t *testing.T) {
	tm, session, _ := newTestTicketManager(t, CooldownConfig{})
	ctx := context.Background()
	creator := newDiscordUser(t)
	ticket := createTestTicket(t, tm, "guild1", creator)

	result := tm.Close(ctx, ticket.ChannelID, creator.ID, "figured it out")
	require.True(t, result.Success, result.Message)
	assert.Equal(t, "Ticket closed.", result.Message)
	assert.Equal(t, TicketStatusClosed, result.Ticket.Status)
	assert.Equal(t, NullableString(creator.ID), result.Ticket.ClosedByID)
	assert.Equal(t, NullableString("figured it out"), result.Ticket.CloseReason)

	// creator loses send access but keeps read access
	overwrites := session.permissionSetCalls()
	require.Len(t, overwrites, 1)
	assert.Equal(t, ticket.ChannelID, overwrites[0].ChannelID)
	assert.Equal(t, creator.ID, overwrites[0].TargetID)
	assert.Equal(t, ticketReadOnlyAllow, overwrites[0].Allow)
	assert.Equal(t, int64(discordgo.PermissionSendMessages), overwrites[0].Deny)

	edits := session.editedChannels()
	require.Len(t, edits, 2)
	assert.Equal(t, "closed-ticket-0001", edits[1].Data.Name)

	// close announcement with reopen/delete buttons
	sent := session.sentComplexMessages()
	require.Len(t, sent, 2)
	announcement := sent[1]
	require.Len(t, announcement.Data.Embeds, 1)
	assert.Equal(t, "Ticket closed", announcement.Data.Embeds[0].Title)
	require.NotEmpty(t, announcement.Data.Embeds[0].Fields)
	assert.Equal(t, "Closed by", announcement.Data.Embeds[0].Fields[0].Name)
	assert.Equal(
		t,
		fmt.Sprintf("<@%s>", creator.ID),
		announcement.Data.Embeds[0].Fields[0].Value,
	)
	require.Len(t, announcement.Data.Embeds[0].Fields, 2)
	assert.Equal(t, "Reason", announcement.Data.Embeds[0].Fields[1].Name)
	assert.Equal(t, "figured it out", announcement.Data.Embeds[0].Fields[1].Value)
	require.Len(t, announcement.Data.Components, 1)

	// closing again is refused
	again := tm.Close(ctx, ticket.ChannelID, creator.ID, "")
	assert.False(t, again.Success)
	assert.Equal(t, "This ticket is already closed.", again.Message)
}

func TestTicketManager_Close_Refusals(t *testing.T) {
	tm, _, caps := newTestTicketManager(t, CooldownConfig{})
	ctx := context.Background()
	creator := newDiscordUser(t)
	ticket := createTestTicket(t, tm, "guild1", creator)

	// bystanders can't close other people's tickets
	refused := tm.Close(ctx, ticket.ChannelID, "bystander1", "")
	assert.False(t, refused.Success)
	assert.Equal(
		t,
		"only the ticket creator or support staff can do that",
		refused.Message,
	)

	// non-ticket channels are refused
	notTicket := tm.Close(ctx, "not_a_ticket_channel", creator.ID, "")
	assert.False(t, notTicket.Success)
	assert.Equal(t, "This channel isn't a ticket.", notTicket.Message)

	// archived tickets can't be closed
	caps["archiver1"] = ActorCapabilities{IsAdmin: true}
	archived := tm.Archive(ctx, ticket.ChannelID, "archiver1")
	require.True(t, archived.Success, archived.Message)
	result := tm.Close(ctx, ticket.ChannelID, creator.ID, "")
	assert.False(t, result.Success)
	assert.Equal(t, "Archived tickets can't be closed.", result.Message)
}

func TestTicketManager_Reopen(t *testing.T) {
	tm, session, _ := newTestTicketManager(t, CooldownConfig{})
	ctx := context.Background()
	creator := newDiscordUser(t)
	ticket := createTestTicket(t, tm, "guild1", creator)

	// reopening an open ticket is refused
	result := tm.Reopen(ctx, ticket.ChannelID, creator.ID)
	assert.False(t, result.Success)
	assert.Equal(t, "This ticket is already open.", result.Message)

	closed := tm.Close(ctx, ticket.ChannelID, creator.ID, "oops")
	require.True(t, closed.Success)

	result = tm.Reopen(ctx, ticket.ChannelID, creator.ID)
	require.True(t, result.Success, result.Message)
	assert.Equal(t, "Ticket reopened.", result.Message)
	assert.Equal(t, TicketStatusOpen, result.Ticket.Status)
	assert.Empty(t, result.Ticket.ClosedByID)
	assert.Empty(t, result.Ticket.CloseReason)
	assert.Zero(t, result.Ticket.ClosedAt)

	// creator gets send access back
	overwrites := session.permissionSetCalls()
	require.Len(t, overwrites, 2)
	assert.Equal(t, ticketParticipantAllow, overwrites[1].Allow)
	assert.Zero(t, overwrites[1].Deny)

	// renamed back from closed-ticket-NNNN
	edits := session.editedChannels()
	require.Len(t, edits, 3)
	assert.Equal(t, "ticket-0001", edits[2].Data.Name)

	sent := session.sentComplexMessages()
	reopened := sent[len(sent)-1]
	require.Len(t, reopened.Data.Embeds, 1)
	assert.Equal(t, "Ticket reopened", reopened.Data.Embeds[0].Title)
}

func TestTicketManager_ClaimToggle(t *testing.T) {
	tm, session, caps := newTestTicketManager(t, CooldownConfig{})
	ctx := context.Background()
	creator := newDiscordUser(t)
	ticket := createTestTicket(t, tm, "guild1", creator)

	caps["staff1"] = ActorCapabilities{HasSupportRole: true}
	caps["staff2"] = ActorCapabilities{HasSupportRole: true}

	claimed := tm.Claim(ctx, ticket.ChannelID, "staff1")
	require.True(t, claimed.Success, claimed.Message)
	assert.Equal(t, "You claimed this ticket.", claimed.Message)
	assert.Equal(t, NullableString("staff1"), claimed.Ticket.ClaimedByID)

	messages := session.sentMessages()
	require.NotEmpty(t, messages)
	assert.Equal(
		t,
		"🙋 <@staff1> is handling this ticket.",
		messages[len(messages)-1].Content,
	)

	// someone else can't steal the claim
	stolen := tm.Claim(ctx, ticket.ChannelID, "staff2")
	assert.False(t, stolen.Success)
	assert.Equal(t, "This ticket is already claimed by <@staff1>.", stolen.Message)

	// claiming again releases it
	released := tm.Claim(ctx, ticket.ChannelID, "staff1")
	require.True(t, released.Success, released.Message)
	assert.Equal(t, "You released your claim.", released.Message)
	assert.Empty(t, released.Ticket.ClaimedByID)

	messages = session.sentMessages()
	assert.Equal(
		t,
		"<@staff1> released this ticket.",
		messages[len(messages)-1].Content,
	)

	// the creator isn't support staff
	refused := tm.Claim(ctx, ticket.ChannelID, creator.ID)
	assert.False(t, refused.Success)
	assert.Equal(t, "you need the support role to do that", refused.Message)

	// closed tickets can't be claimed
	require.True(t, tm.Close(ctx, ticket.ChannelID, creator.ID, "").Success)
	result := tm.Claim(ctx, ticket.ChannelID, "staff1")
	assert.False(t, result.Success)
	assert.Equal(t, "Only open tickets can be claimed.", result.Message)
}

func TestTicketManager_Archive(t *testing.T) {
	tm, session, caps := newTestTicketManager(t, CooldownConfig{})
	ctx := context.Background()
	creator := newDiscordUser(t)
	ticket := createTestTicket(t, tm, "guild1", creator)

	caps["staff1"] = ActorCapabilities{HasSupportRole: true}

	result := tm.Archive(ctx, ticket.ChannelID, "staff1")
	require.True(t, result.Success, result.Message)
	assert.Equal(t, "Ticket archived.", result.Message)
	assert.Equal(t, TicketStatusArchived, result.Ticket.Status)

	edits := session.editedChannels()
	require.Len(t, edits, 2)
	assert.Equal(t, "archived-ticket-0001", edits[1].Data.Name)

	// locked read-only for the creator
	overwrites := session.permissionSetCalls()
	require.Len(t, overwrites, 1)
	assert.Equal(t, creator.ID, overwrites[0].TargetID)
	assert.Equal(t, ticketReadOnlyAllow, overwrites[0].Allow)
	assert.Equal(t, int64(discordgo.PermissionSendMessages), overwrites[0].Deny)

	sent := session.sentComplexMessages()
	announcement := sent[len(sent)-1]
	require.Len(t, announcement.Data.Embeds, 1)
	assert.Equal(t, "Ticket archived", announcement.Data.Embeds[0].Title)

	again := tm.Archive(ctx, ticket.ChannelID, "staff1")
	assert.False(t, again.Success)
	assert.Equal(t, "This ticket is already archived.", again.Message)

	// archived tickets can't be reopened
	reopened := tm.Reopen(ctx, ticket.ChannelID, creator.ID)
	assert.False(t, reopened.Success)
	assert.Equal(t, "Archived tickets can't be reopened.", reopened.Message)
}

func TestTicketManager_Delete(t *testing.T) {
	tm, session, caps := newTestTicketManager(t, CooldownConfig{})
	tm.gracePeriod = func() time.Duration { return time.Millisecond }
	ctx := context.Background()
	creator := newDiscordUser(t)
	ticket := createTestTicket(t, tm, "guild1", creator)

	// only admins or channel managers may delete
	caps["staff1"] = ActorCapabilities{HasSupportRole: true}
	refused := tm.Delete(ctx, ticket.ChannelID, "staff1")
	assert.False(t, refused.Success)
	assert.Equal(
		t,
		"only staff with admin or manage-channels permissions can delete tickets",
		refused.Message,
	)

	caps["admin1"] = ActorCapabilities{IsAdmin: true}
	result := tm.Delete(ctx, ticket.ChannelID, "admin1")
	require.True(t, result.Success, result.Message)
	assert.Contains(t, result.Message, "Ticket deleted.")
	assert.Equal(t, TicketStatusClosed, result.Ticket.Status)
	assert.Equal(t, NullableString(ticketDeletedByStaffReason), result.Ticket.CloseReason)

	// the creator is notified by DM
	assert.Equal(t, []string{creator.ID}, session.dmChannelRecipients())
	messages := session.sentMessages()
	require.Len(t, messages, 2)
	assert.Equal(t, fmt.Sprintf("dm_%s", creator.ID), messages[0].ChannelID)
	assert.Contains(t, messages[0].Content, "was deleted by staff")
	assert.Equal(t, ticket.ChannelID, messages[1].ChannelID)
	assert.Contains(t, messages[1].Content, "This channel will be deleted in")

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tm.WaitForDeletions(waitCtx)
	assert.Equal(t, []string{ticket.ChannelID}, session.deletedChannelIDs())

	// the row is kept
	kept, err := tm.store.GetTicketByChannelID(ctx, ticket.ChannelID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, TicketStatusClosed, kept.Status)
}

func TestTicketManager_AddAndRemoveUser(t *testing.T) {
	tm, session, _ := newTestTicketManager(t, CooldownConfig{})
	ctx := context.Background()
	creator := newDiscordUser(t)
	ticket := createTestTicket(t, tm, "guild1", creator)

	added := tm.AddUser(ctx, ticket.ChannelID, creator.ID, "friend1")
	require.True(t, added.Success, added.Message)
	assert.Equal(t, "Added <@friend1> to the ticket.", added.Message)

	overwrites := session.permissionSetCalls()
	require.Len(t, overwrites, 1)
	assert.Equal(t, "friend1", overwrites[0].TargetID)
	assert.Equal(t, ticketParticipantAllow, overwrites[0].Allow)

	// the creator already has access
	dup := tm.AddUser(ctx, ticket.ChannelID, creator.ID, creator.ID)
	assert.False(t, dup.Success)
	assert.Equal(t, "That user already has access to this ticket.", dup.Message)

	removed := tm.RemoveUser(ctx, ticket.ChannelID, creator.ID, "friend1")
	require.True(t, removed.Success, removed.Message)
	assert.Equal(t, "Removed <@friend1> from the ticket.", removed.Message)

	deletes := session.permissionDeleteCalls()
	require.Len(t, deletes, 1)
	assert.Equal(t, "friend1", deletes[0].TargetID)

	// the creator can never be removed
	refused := tm.RemoveUser(ctx, ticket.ChannelID, creator.ID, creator.ID)
	assert.False(t, refused.Success)
	assert.Equal(t, "cannot remove the ticket creator", refused.Message)

	// users can only be added to open tickets
	require.True(t, tm.Close(ctx, ticket.ChannelID, creator.ID, "").Success)
	closed := tm.AddUser(ctx, ticket.ChannelID, creator.ID, "friend2")
	assert.False(t, closed.Success)
	assert.Equal(t, "Users can only be added to open tickets.", closed.Message)
}

func TestTicketManager_TransferOwnership(t *testing.T) {
	tm, session, _ := newTestTicketManager(t, CooldownConfig{})
	ctx := context.Background()
	creator := newDiscordUser(t)
	ticket := createTestTicket(t, tm, "guild1", creator)
	newOwner := &discordgo.User{ID: "newowner1", Username: "helper"}

	// transferring to the current owner is refused
	self := tm.TransferOwnership(ctx, ticket.ChannelID, creator.ID, creator)
	assert.False(t, self.Success)
	assert.Equal(t, "That user already owns this ticket.", self.Message)

	result := tm.TransferOwnership(ctx, ticket.ChannelID, creator.ID, newOwner)
	require.True(t, result.Success, result.Message)
	assert.Equal(t, "Ticket transferred to helper.", result.Message)
	assert.Equal(t, "newowner1", result.Ticket.CreatorID)

	reloaded, err := tm.store.GetTicketByChannelID(ctx, ticket.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, "newowner1", reloaded.CreatorID)

	// the new owner gains the creator permission set
	overwrites := session.permissionSetCalls()
	require.Len(t, overwrites, 1)
	assert.Equal(t, "newowner1", overwrites[0].TargetID)
	assert.Equal(t, ticketParticipantAllow, overwrites[0].Allow)

	// channel renamed with the new owner's username
	edits := session.editedChannels()
	assert.Equal(t, "ticket-0001-helper", edits[len(edits)-1].Data.Name)

	// the old creator no longer passes the creator rule
	refused := tm.TransferOwnership(ctx, ticket.ChannelID, creator.ID, creator)
	assert.False(t, refused.Success)
	assert.Equal(
		t,
		"only the ticket creator or support staff can transfer a ticket",
		refused.Message,
	)

	// nil target
	missing := tm.TransferOwnership(ctx, ticket.ChannelID, "newowner1", nil)
	assert.False(t, missing.Success)
	assert.Equal(t, ticketGenericErrorMessage, missing.Message)
}

func TestTicketManager_CooldownGate(t *testing.T) {
	tm, _, _ := newTestTicketManager(
		t,
		CooldownConfig{Create: time.Hour},
	)
	ctx := context.Background()
	creator := newDiscordUser(t)
	ticket := createTestTicket(t, tm, "guild1", creator)

	// the CREATE stamp suppresses immediate follow-up actions
	result := tm.Close(ctx, ticket.ChannelID, creator.ID, "")
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "You're doing that too fast.")

	// clearing the stamps lifts the gate
	tm.cooldowns.Clear(ticket.ID)
	result = tm.Close(ctx, ticket.ChannelID, creator.ID, "")
	assert.True(t, result.Success, result.Message)
}

func TestTicketChannelOverwrites(t *testing.T) {
	overwrites := ticketChannelOverwrites("guild1", "", "creator1", "")
	require.Len(t, overwrites, 2)
	assert.Equal(t, "guild1", overwrites[0].ID)
	assert.Equal(t, discordgo.PermissionOverwriteTypeRole, overwrites[0].Type)
	assert.Equal(t, ticketEveryoneDeny, overwrites[0].Deny)
	assert.Equal(t, "creator1", overwrites[1].ID)
	assert.Equal(t, discordgo.PermissionOverwriteTypeMember, overwrites[1].Type)
	assert.Equal(t, int64(discordgo.PermissionMentionEveryone), overwrites[1].Deny)

	withRoles := ticketChannelOverwrites("guild1", "bot1", "creator1", "role1")
	require.Len(t, withRoles, 4)
	assert.Equal(t, "bot1", withRoles[2].ID)
	assert.Equal(t, ticketBotAllow, withRoles[2].Allow)
	assert.Equal(t, "role1", withRoles[3].ID)
	assert.Equal(t, discordgo.PermissionOverwriteTypeRole, withRoles[3].Type)
	assert.Equal(t, ticketSupportAllow, withRoles[3].Allow)
}
