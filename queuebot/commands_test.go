package queuebot

import (
	"context"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminID = "300000000000000099"

func stringOpt(name string, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func intOpt(name string, value int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(value),
	}
}

func channelOpt(name string, channelID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionChannel,
		Value: channelID,
	}
}

// runCommand runs a slash command as a guild admin in the general channel
// and returns the final response content
func runCommand(
	t testing.TB,
	bot *QueueBot,
	session *mockDiscordSession,
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) string {
	t.Helper()
	handler := sendCommand(t, bot, session, testAdminID, adminPermissions, name, options...)
	requireDeferred(t, handler)
	return handler.editedContent(t)
}

func sendCommand(
	t testing.TB,
	bot *QueueBot,
	session *mockDiscordSession,
	userID string,
	permissions int64,
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) stubInteractionHandler {
	t.Helper()
	i := newTestInteraction(
		t,
		discordgo.InteractionApplicationCommand,
		userID,
		discordgo.ApplicationCommandInteractionData{
			Name:        name,
			CommandType: discordgo.ChatApplicationCommand,
			Options:     options,
		},
	)
	i.Member.Permissions = permissions
	i.ChannelID = session.channelByName(mockGuildID, "general").ID
	handler := bot.getInteractionHandlerFunc(context.Background(), i).(stubInteractionHandler)
	bot.handleInteraction(context.Background(), handler)
	return handler
}

func addMembers(t testing.TB, store *QueueStore, key string, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		_, err := store.Add(context.Background(), key, id)
		require.NoError(t, err)
	}
}

func TestCommand_RequiresAdmin(t *testing.T) {
	bot, session := newTestBot(t)

	handler := sendCommand(t, bot, session, testUserID, 0, DiscordSlashCommandReset, stringOpt(commandOptionKey, "boss"))
	assert.Equal(t, "You need the Manage Server permission to do that.", requireImmediate(t, handler))
	assert.False(t, bot.stores.Store(mockGuildID).Initialized())

	handler = sendCommand(
		t, bot, session, testUserID,
		discordgo.PermissionManageServer,
		DiscordSlashCommandList,
		stringOpt(commandOptionKey, "boss"),
	)
	requireDeferred(t, handler)
	assert.Equal(t, "Queue `boss` is empty.", handler.editedContent(t))

	handler = sendCommand(
		t, bot, session, testUserID,
		discordgo.PermissionAdministrator,
		DiscordSlashCommandList,
		stringOpt(commandOptionKey, "boss"),
	)
	requireDeferred(t, handler)
	assert.Equal(t, "Queue `boss` is empty.", handler.editedContent(t))
}

func TestCommand_Unknown(t *testing.T) {
	bot, session := newTestBot(t)
	handler := sendCommand(t, bot, session, testAdminID, adminPermissions, "queue_nope")
	assert.Empty(t, handler.callRespond)
	assert.Empty(t, handler.callEdit)
}

func TestCommand_SetupStorage(t *testing.T) {
	bot, session := newTestBot(t)

	assert.Equal(t, "Queue storage is ready.", runCommand(t, bot, session, DiscordSlashCommandSetupStorage))
	storage := session.channelByName(mockGuildID, DefaultStorageChannelName)
	require.NotNil(t, storage)
	assert.Len(t, session.channelMessages(storage.ID), 2)

	// running it again reloads the existing channel
	assert.Equal(t, "Queue storage is ready.", runCommand(t, bot, session, DiscordSlashCommandSetupStorage))
	assert.Len(t, session.channelMessages(storage.ID), 2)
}

func TestCommand_SetupStorageFailure(t *testing.T) {
	bot, session := newTestBot(t)
	session.fail("GuildChannelCreateComplex", mockGuildID, newRESTError(403))

	assert.Equal(
		t,
		"Queue storage isn't available right now. An admin may need to run /queue_setup_storage.",
		runCommand(t, bot, session, DiscordSlashCommandSetupStorage),
	)
}

func TestCommand_StorageUnavailable(t *testing.T) {
	bot, session := newTestBot(t)
	session.fail("GuildChannels", mockGuildID, newRESTError(500))

	assert.Equal(
		t,
		"Queue storage isn't available right now. An admin may need to run /queue_setup_storage.",
		runCommand(t, bot, session, DiscordSlashCommandList, stringOpt(commandOptionKey, "boss")),
	)
}

func TestCommand_Create(t *testing.T) {
	bot, session := newTestBot(t)
	general := session.channelByName(mockGuildID, "general")

	assert.Equal(
		t,
		"Panel for `boss-a` posted.",
		runCommand(t, bot, session, DiscordSlashCommandCreate, stringOpt(commandOptionKey, "boss-a")),
	)
	msgs := session.channelMessages(general.ID)
	require.Len(t, msgs, 1)
	key, ok := PanelKey(msgs[0])
	require.True(t, ok)
	assert.Equal(t, "boss-a", key)
	assert.Equal(t, "Queue: boss-a", msgs[0].Embeds[0].Title)
	assert.Equal(t, "Signed up: 0", footerText(t, msgs[0]))

	store := readyStore(t, bot)
	addMembers(t, store, "boss-a", 1001)
	runCommand(
		t, bot, session, DiscordSlashCommandCreate,
		stringOpt(commandOptionKey, "boss-a"),
		stringOpt(commandOptionTitle, "Onyxia 20:00"),
	)
	msgs = session.channelMessages(general.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Onyxia 20:00", msgs[1].Embeds[0].Title)
	assert.Equal(t, "Signed up: 1", footerText(t, msgs[1]))
}

func TestCommand_CreateInvalidKey(t *testing.T) {
	bot, session := newTestBot(t)
	content := runCommand(t, bot, session, DiscordSlashCommandCreate, stringOpt(commandOptionKey, "   "))
	assert.Contains(t, content, ErrInvalidKey.Error())
}

func TestCommand_SetTitle(t *testing.T) {
	bot, session := newTestBot(t)
	panel := postBotPanel(t, bot, session, "boss", "")

	assert.Equal(
		t,
		"Updated the title of 1 panel(s) for `boss`.",
		runCommand(
			t, bot, session, DiscordSlashCommandSetTitle,
			stringOpt(commandOptionKey, "boss"),
			stringOpt(commandOptionTitle, "Onyxia"),
		),
	)
	assert.Equal(t, "Onyxia", session.message(panel.ChannelID, panel.ID).Embeds[0].Title)
}

func TestCommand_List(t *testing.T) {
	bot, session := newTestBot(t)
	store := readyStore(t, bot)
	session.addMember(mockGuildID, testUserID, "Ana")
	addMembers(t, store, "boss", 300000000000000001, 300000000000000002)

	assert.Equal(
		t,
		"Queue `boss` (2):\n"+
			"**#1** Ana (<@300000000000000001>)\n"+
			"**#2** <@300000000000000002> (<@300000000000000002>)",
		runCommand(t, bot, session, DiscordSlashCommandList, stringOpt(commandOptionKey, "boss")),
	)
}

func TestCommand_ListN(t *testing.T) {
	bot, session := newTestBot(t)
	store := readyStore(t, bot)
	session.addMember(mockGuildID, testUserID, "Ana")
	addMembers(t, store, "boss", 300000000000000001, 300000000000000002)

	assert.Equal(
		t,
		"First 1 of 2 in `boss`:\n**#1** Ana (<@300000000000000001>)",
		runCommand(
			t, bot, session, DiscordSlashCommandListN,
			stringOpt(commandOptionKey, "boss"),
			intOpt(commandOptionCount, 1),
		),
	)

	// the default count covers both members
	content := runCommand(t, bot, session, DiscordSlashCommandListN, stringOpt(commandOptionKey, "boss"))
	assert.True(t, strings.HasPrefix(content, "First 2 of 2 in `boss`:"), content)

	// counts below 1 are clamped
	content = runCommand(
		t, bot, session, DiscordSlashCommandListN,
		stringOpt(commandOptionKey, "boss"),
		intOpt(commandOptionCount, -3),
	)
	assert.True(t, strings.HasPrefix(content, "First 1 of 2 in `boss`:"), content)
}

func TestCommand_Remove(t *testing.T) {
	bot, session := newTestBot(t)
	panel := postBotPanel(t, bot, session, "boss", "")
	store := readyStore(t, bot)
	addMembers(t, store, "boss", 300000000000000001, 300000000000000002)

	assert.Equal(
		t,
		"Queue `boss`: removed 1, not found 1.\n"+
			"Removed: <@300000000000000001>\n"+
			"Not found: <@399999999999999999>",
		runCommand(
			t, bot, session, DiscordSlashCommandRemove,
			stringOpt(commandOptionKey, "boss"),
			stringOpt(commandOptionUsers, "<@300000000000000001>, 399999999999999999"),
		),
	)
	members, err := store.List("boss")
	require.NoError(t, err)
	assert.Equal(t, []int64{300000000000000002}, members)
	assert.Equal(t, "Signed up: 1", footerText(t, session.message(panel.ChannelID, panel.ID)))

	assert.Equal(
		t,
		"No members were given. Mention them or paste their IDs.",
		runCommand(
			t, bot, session, DiscordSlashCommandRemove,
			stringOpt(commandOptionKey, "boss"),
			stringOpt(commandOptionUsers, "nobody"),
		),
	)
}

func TestCommand_RemoveN(t *testing.T) {
	bot, session := newTestBot(t)
	panel := postBotPanel(t, bot, session, "boss", "")
	store := readyStore(t, bot)
	session.addMember(mockGuildID, testUserID, "Ana")
	addMembers(t, store, "boss", 300000000000000001, 300000000000000002, 300000000000000003)

	assert.Equal(
		t,
		"Removed 2 from `boss`: Ana, <@300000000000000002>",
		runCommand(
			t, bot, session, DiscordSlashCommandRemoveN,
			stringOpt(commandOptionKey, "boss"),
			intOpt(commandOptionCount, 2),
		),
	)
	assert.Equal(t, "Signed up: 1", footerText(t, session.message(panel.ChannelID, panel.ID)))

	assert.Equal(
		t,
		"Removed 1 from `boss`: <@300000000000000003>",
		runCommand(
			t, bot, session, DiscordSlashCommandRemoveN,
			stringOpt(commandOptionKey, "boss"),
			intOpt(commandOptionCount, 10),
		),
	)
	assert.Equal(
		t,
		"Removed 0 from `boss`: (none)",
		runCommand(
			t, bot, session, DiscordSlashCommandRemoveN,
			stringOpt(commandOptionKey, "boss"),
			intOpt(commandOptionCount, 10),
		),
	)
}

func TestCommand_Reset(t *testing.T) {
	bot, session := newTestBot(t)
	general := session.channelByName(mockGuildID, "general")
	raid := session.addTextChannel(mockGuildID, "raid")
	first := postBotPanel(t, bot, session, "boss", "")
	embed, components := bot.panels.NewPanel("en", "boss", "", 0)
	second := session.postAs(
		mockBotUserID,
		raid.ID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}, Components: components},
	)
	other := postBotPanel(t, bot, session, "boss-a", "")

	store := readyStore(t, bot)
	addMembers(t, store, "boss", 1001, 1002)
	addMembers(t, store, "boss-a", 2001)
	_, err := bot.panels.RefreshPanelsForKey(context.Background(), store, "boss")
	require.NoError(t, err)
	require.Equal(t, "Signed up: 2", footerText(t, session.message(general.ID, first.ID)))

	assert.Equal(
		t,
		"Queue `boss` has been reset.",
		runCommand(t, bot, session, DiscordSlashCommandReset, stringOpt(commandOptionKey, "boss")),
	)
	count, err := store.Count("boss")
	require.NoError(t, err)
	assert.Zero(t, count)
	count, err = store.Count("boss-a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Equal(t, "Signed up: 0", footerText(t, session.message(general.ID, first.ID)))
	assert.Equal(t, "Signed up: 0", footerText(t, session.message(raid.ID, second.ID)))
	assert.Zero(t, session.edits(other.ID))
}

func TestCommand_Notify(t *testing.T) {
	bot, session := newTestBot(t)
	postBotPanel(t, bot, session, "boss", "Onyxia")
	raid := session.addTextChannel(mockGuildID, "raid")
	store := readyStore(t, bot)
	session.addMember(mockGuildID, testUserID, "Ana")
	addMembers(t, store, "boss", 300000000000000001, 300000000000000002, 300000000000000003)

	assert.Equal(
		t,
		"Notified `boss`: sent 1, failed 1.\n"+
			"Sent: <@300000000000000001>\n"+
			"Failed: <@300000000000000002> (not_member)",
		runCommand(
			t, bot, session, DiscordSlashCommandNotify,
			stringOpt(commandOptionKey, "boss"),
			intOpt(commandOptionCount, 2),
			channelOpt(commandOptionChannel, raid.ID),
		),
	)

	dms := session.dmMessages(testUserID)
	require.Len(t, dms, 1)
	assert.Equal(t, "Onyxia", dms[0].Embeds[0].Title)
	buttons := messageButtons(dms[0])
	require.Len(t, buttons, 2)
	assert.Equal(t, channelURL(mockGuildID, raid.ID), buttons[0].URL)

	// notifying doesn't change the queue
	count, err := store.Count("boss")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestCommand_NotifyEmpty(t *testing.T) {
	bot, session := newTestBot(t)
	assert.Equal(
		t,
		"Queue `boss` is empty, nobody to notify.",
		runCommand(
			t, bot, session, DiscordSlashCommandNotify,
			stringOpt(commandOptionKey, "boss"),
			intOpt(commandOptionCount, 2),
		),
	)
}

func TestCommand_Language(t *testing.T) {
	bot, session := newTestBot(t)

	assert.Equal(t, "Current language: English", runCommand(t, bot, session, DiscordSlashCommandLanguage))
	assert.Equal(
		t,
		"Đã đổi ngôn ngữ sang Tiếng Việt.",
		runCommand(t, bot, session, DiscordSlashCommandLanguage, stringOpt(commandOptionLang, "vi")),
	)
	lang, err := readyStore(t, bot).Lang()
	require.NoError(t, err)
	assert.Equal(t, "vi", lang)

	// later replies use the guild language
	assert.Equal(
		t,
		"Ngôn ngữ hiện tại: Tiếng Việt",
		runCommand(t, bot, session, DiscordSlashCommandLanguage),
	)

	assert.Equal(
		t,
		"Language set to English.",
		runCommand(t, bot, session, DiscordSlashCommandLanguage, stringOpt(commandOptionLang, "xx")),
	)
}

func TestCommand_Sync(t *testing.T) {
	bot, session := newTestBot(t)

	assert.Equal(t, "Commands synced (11).", runCommand(t, bot, session, DiscordSlashCommandSync))
	cmds := session.registeredCommands(mockGuildID)
	require.Len(t, cmds, 11)
	assert.Equal(t, mockApplicationID, cmds[0].ApplicationID)
}

func TestAppCommands(t *testing.T) {
	bot, _ := newTestBot(t)
	cmds := bot.appCommands()
	require.Len(t, cmds, len(bot.commandHandlers()))

	for _, cmd := range cmds {
		_, ok := bot.commands[cmd.Name]
		assert.True(t, ok, cmd.Name)
		require.NotNil(t, cmd.DefaultMemberPermissions)
		assert.Equal(t, adminPermissions, *cmd.DefaultMemberPermissions)
		require.NotNil(t, cmd.DMPermission)
		assert.False(t, *cmd.DMPermission)
	}

	var language *discordgo.ApplicationCommand
	for _, cmd := range cmds {
		if cmd.Name == DiscordSlashCommandLanguage {
			language = cmd
		}
	}
	require.NotNil(t, language)
	require.Len(t, language.Options, 1)
	choices := language.Options[0].Choices
	require.Len(t, choices, 2)
	assert.Equal(t, "en", choices[0].Value)
	assert.Equal(t, "English", choices[0].Name)
	assert.Equal(t, "vi", choices[1].Value)
	assert.Equal(t, "Tiếng Việt", choices[1].Name)
}
