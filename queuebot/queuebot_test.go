package queuebot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const otherGuildID = "200000000000000002"

func waitForReady(t testing.TB, bot *QueueBot) {
	t.Helper()
	select {
	case <-bot.signalReady:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for ready signal")
	}
}

func TestQueueBot_Run(t *testing.T) {
	bot, session := newTestBot(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runErr := make(chan error, 1)
	go func() {
		runErr <- bot.Run(ctx)
	}()
	waitForReady(t, bot)

	assert.True(t, session.isOpen())
	// connect, disconnect, ready, guild create, guild delete, interactions
	assert.Equal(t, 6, session.handlerCount())

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
	assert.False(t, session.isOpen())
	assert.False(t, bot.discord.connected.Load())
}

func TestQueueBot_RunStopSignal(t *testing.T) {
	bot, session := newTestBot(t)

	runErr := make(chan error, 1)
	go func() {
		runErr <- bot.Run(context.Background())
	}()
	waitForReady(t, bot)

	bot.signalStop <- struct{}{}
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
	assert.False(t, session.isOpen())
}

func TestQueueBot_RunOpenFailure(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		authFail bool
	}{
		{
			name:     "gateway rejects token",
			err:      &websocket.CloseError{Code: discordCloseAuthenticationFailed, Text: "Authentication failed."},
			authFail: true,
		},
		{
			name:     "rest unauthorized",
			err:      fmt.Errorf("fetching gateway: %w", newRESTError(http.StatusUnauthorized)),
			authFail: true,
		},
		{
			name: "gateway closed for another reason",
			err:  &websocket.CloseError{Code: 4000, Text: "Unknown error"},
		},
		{
			name: "network",
			err:  errors.New("dial tcp: connection refused"),
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				bot, session := newTestBot(t)
				session.fail("Open", "*", tc.err)

				err := bot.Run(context.Background())
				require.Error(t, err)
				assert.Equal(t, tc.authFail, errors.Is(err, ErrAuthentication))
				assert.ErrorIs(t, err, tc.err)
			},
		)
	}
}

func TestQueueBot_RunInvalidConfig(t *testing.T) {
	bot, session := newTestBot(t)
	bot.config.Storage.ChannelName = ""

	err := bot.Run(context.Background())
	require.Error(t, err)
	assert.False(t, session.isOpen())
}

func TestQueueBot_OnReady(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := context.Background()
	session.addTextChannel(otherGuildID, "general")

	bot.onReady(
		ctx, &discordgo.Ready{
			SessionID: "s1",
			User:      &discordgo.User{ID: mockBotUserID, Username: "queuebot"},
			Guilds: []*discordgo.Guild{
				{ID: mockGuildID, Unavailable: true},
				{ID: otherGuildID, Unavailable: true},
				{ID: ""},
				nil,
			},
		},
	)

	assert.True(t, bot.commandsRegistered.Load())
	assert.Len(t, session.registeredCommands(""), len(bot.appCommands()))

	for _, guildID := range []string{mockGuildID, otherGuildID} {
		assert.True(t, bot.stores.Store(guildID).Initialized(), guildID)
		assert.NotNil(t, session.channelByName(guildID, DefaultStorageChannelName), guildID)
	}

	// a later Ready (after a reconnect) neither re-registers nor reloads
	session.fail("ApplicationCommandBulkOverwrite", "*", newRESTError(http.StatusInternalServerError))
	session.fail("GuildChannels", "*", newRESTError(http.StatusInternalServerError))
	bot.onReady(ctx, &discordgo.Ready{Guilds: []*discordgo.Guild{{ID: mockGuildID}}})
	assert.True(t, bot.commandsRegistered.Load())
	assert.True(t, bot.stores.Store(mockGuildID).Initialized())
}

func TestQueueBot_OnReadyRegistrationFailure(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := context.Background()
	session.fail("ApplicationCommandBulkOverwrite", "*", newRESTError(http.StatusInternalServerError))

	bot.onReady(ctx, &discordgo.Ready{Guilds: []*discordgo.Guild{{ID: mockGuildID}}})
	assert.False(t, bot.commandsRegistered.Load())
	// storage still loads
	assert.True(t, bot.stores.Store(mockGuildID).Initialized())

	session.clearFailures()
	bot.onReady(ctx, &discordgo.Ready{})
	assert.True(t, bot.commandsRegistered.Load())
}

func TestQueueBot_OnReadyGuildScoped(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Discord.GuildID = mockGuildID
	bot, session := newTestBotWithConfig(t, cfg)

	bot.onReady(context.Background(), &discordgo.Ready{})
	assert.Len(t, session.registeredCommands(mockGuildID), len(bot.appCommands()))
	assert.Empty(t, session.registeredCommands(""))
}

func TestQueueBot_OnGuildCreate(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := context.Background()
	bot.startedAt = time.Now().Add(-time.Hour)

	// sent for an existing guild after Ready
	bot.onGuildCreate(
		ctx, &discordgo.GuildCreate{
			Guild: &discordgo.Guild{ID: mockGuildID, JoinedAt: time.Now().Add(-48 * time.Hour)},
		},
	)
	assert.Empty(t, session.registeredCommands(mockGuildID))
	assert.False(t, bot.stores.Store(mockGuildID).Initialized())

	// a guild the bot was just added to
	bot.onGuildCreate(
		ctx, &discordgo.GuildCreate{
			Guild: &discordgo.Guild{ID: otherGuildID, Name: "raiders", JoinedAt: time.Now()},
		},
	)
	assert.Len(t, session.registeredCommands(otherGuildID), len(bot.appCommands()))
	assert.True(t, bot.stores.Store(otherGuildID).Initialized())
}

func TestQueueBot_OnGuildDelete(t *testing.T) {
	bot, _ := newTestBot(t)
	ctx := context.Background()
	readyStore(t, bot)

	bot.onGuildDelete(ctx, &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: mockGuildID, Unavailable: true}})
	assert.Contains(t, bot.stores.Guilds(), mockGuildID)

	bot.onGuildDelete(ctx, &discordgo.GuildDelete{Guild: &discordgo.Guild{ID: mockGuildID}})
	assert.NotContains(t, bot.stores.Guilds(), mockGuildID)
}

func TestNew_CollectsErrors(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Discord.WebhookServer.PublicKey = "not-hex"
	cfg.Lang.Default = "zz"

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public key")
	assert.Contains(t, err.Error(), "zz")
}

func TestNew_NormalizesToken(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Discord.Token = ` "Bot MTAw.test.token" `
	bot, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "MTAw.test.token", bot.config.Discord.Token)
}

func TestStoreRegistry_Bootstrap(t *testing.T) {
	bot, session := newTestBot(t)
	session.addTextChannel(otherGuildID, "general")
	const brokenGuildID = "200000000000000003"
	session.fail("GuildChannels", brokenGuildID, newRESTError(http.StatusForbidden))

	failed := bot.stores.Bootstrap(
		context.Background(),
		[]string{mockGuildID, otherGuildID, brokenGuildID},
		2,
	)
	require.Len(t, failed, 1)
	assert.Error(t, failed[brokenGuildID])
	assert.True(t, bot.stores.Store(mockGuildID).Initialized())
	assert.True(t, bot.stores.Store(otherGuildID).Initialized())
	assert.False(t, bot.stores.Store(brokenGuildID).Initialized())
	assert.ElementsMatch(t, []string{mockGuildID, otherGuildID, brokenGuildID}, bot.stores.Guilds())
}

func TestStoreRegistry_ReadyOnce(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := context.Background()

	first, err := bot.stores.Ready(ctx, mockGuildID)
	require.NoError(t, err)
	session.fail("GuildChannels", mockGuildID, newRESTError(http.StatusInternalServerError))
	second, err := bot.stores.Ready(ctx, mockGuildID)
	require.NoError(t, err)
	assert.Same(t, first, second)

	bot.stores.Forget(mockGuildID)
	_, err = bot.stores.Ready(ctx, mockGuildID)
	assert.Error(t, err)
}

// gatedChannel holds the first storage history scan until release is
// closed, and counts every scan
type gatedChannel struct {
	MessageChannel
	scans   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedChannel) History(
	ctx context.Context,
	channelID string,
	limit int,
	order HistoryOrder,
) ([]*discordgo.Message, error) {
	if g.scans.Add(1) == 1 {
		close(g.entered)
		<-g.release
	}
	return g.MessageChannel.History(ctx, channelID, limit, order)
}

// TestStoreRegistry_ConcurrentReady checks that callers racing the first
// initialization don't reload storage over a join made after it finished
func TestStoreRegistry_ConcurrentReady(t *testing.T) {
	cfg := newTestConfig(t)
	session := newMockDiscordSession()
	session.addTextChannel(mockGuildID, "general")
	locale, err := NewLocalizer(cfg.Lang)
	require.NoError(t, err)

	gated := &gatedChannel{
		MessageChannel: newDiscordChannel(session, func() string { return mockBotUserID }, nil),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	registry := NewStoreRegistry(gated, locale, cfg.Storage, nil)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, readyErr := registry.Ready(ctx, mockGuildID)
		first <- readyErr
	}()
	<-gated.entered

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, readyErr := registry.Ready(ctx, mockGuildID)
			errs <- readyErr
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- registry.Bootstrap(ctx, []string{mockGuildID}, 1)[mockGuildID]
	}()

	// let the waiting callers get past their first Initialized check
	time.Sleep(50 * time.Millisecond)
	close(gated.release)
	require.NoError(t, <-first)

	store := registry.Store(mockGuildID)
	pos, err := store.Add(ctx, "boss-a", 1001)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	wg.Wait()
	close(errs)
	for readyErr := range errs {
		assert.NoError(t, readyErr)
	}

	assert.Equal(t, int32(1), gated.scans.Load())
	members, err := store.List("boss-a")
	require.NoError(t, err)
	assert.Equal(t, []int64{1001}, members)
	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"boss-a"}, keys)

	storage := session.channelByName(mockGuildID, DefaultStorageChannelName)
	var dataRecords int
	for _, m := range session.channelMessages(storage.ID) {
		if RecordKindOf(m.Content) == RecordData {
			dataRecords++
		}
	}
	assert.Equal(t, 1, dataRecords)

	// an explicit InitStorage still reloads
	require.NoError(t, store.InitStorage(ctx))
	assert.Equal(t, int32(2), gated.scans.Load())
	members, err = store.List("boss-a")
	require.NoError(t, err)
	assert.Equal(t, []int64{1001}, members)
}
