package queuebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/queuebot/queuebot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// ErrAuthentication is returned by Run when Discord rejects the bot token.
// Restarting won't help, so the supervisor exits on it.
var ErrAuthentication = errors.New("discord authentication failed")

// discordCloseAuthenticationFailed is the gateway close code sent for an
// invalid token
const discordCloseAuthenticationFailed = 4004

// bootstrapConcurrency is how many guilds load their storage at once on
// Ready
const bootstrapConcurrency = 4

// QueueBot runs signup queues for every guild the bot is in. Each guild's
// queues live in a hidden storage channel, and are joined and left with
// buttons on panel messages.
//
// Fields:
//
//   - stores: one QueueStore per guild, initialized on Ready or first use
//
//   - panels: finds and re-renders panels after a queue changes
//
//   - notifier: DMs the head of a queue
//
//   - health: the liveness server, which also receives webhook
//     interactions when that mode is enabled
type QueueBot struct {
	config  *Config
	logger  *slog.Logger
	discord *Discord
	locale  *Localizer

	channel  MessageChannel
	members  MemberDirectory
	stores   *StoreRegistry
	panels   *PanelSynchronizer
	notifier *Notifier

	health    *HealthServer
	heartbeat *Heartbeat

	commands map[string]commandFunc

	// getInteractionHandlerFunc returns the InteractionHandler for a
	// gateway or webhook interaction. Tests replace it to capture
	// responses.
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
	webhookInteractionHandler func(c *gin.Context)

	metricInteractions atomic.Int64
	commandsRegistered atomic.Bool
	startedAt          time.Time

	runMu       sync.Mutex
	signalReady chan struct{}
	signalStop  chan struct{}
}

// New creates a new QueueBot from the given config. The Discord session
// is created but not opened until Run.
//
// Errors from each component are collected, so a misconfigured bot
// reports everything wrong with it at once.
func New(config *Config) (*QueueBot, error) {
	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	config.Discord.Token = NormalizeToken(config.Discord.Token)

	q := &QueueBot{
		config:      config,
		signalReady: make(chan struct{}, 1),
		signalStop:  make(chan struct{}, 1),
	}

	q.logger = slog.New(newLogHandler(defaultLogWriter, config.LogLevel))
	slog.SetDefault(q.logger)

	q.config.Discord.httpClient = q.config.HTTPClient

	disc, err := newDiscord(q.config.Discord)
	if err != nil {
		errs = append(errs, err)
		disc = &Discord{config: q.config.Discord}
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel).
			WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)
	disc.logger = newComponentLogger("discord", config.Discord.LogLevel)
	q.discord = disc

	locale, err := NewLocalizer(config.Lang)
	if err != nil {
		errs = append(errs, err)
	}
	q.locale = locale

	session, err := disc.newSession()
	if err != nil {
		errs = append(errs, err)
	}
	if locale != nil {
		q.wireSession(session)
	}

	q.commands = q.commandHandlers()
	q.getInteractionHandlerFunc = q.newGatewayHandler

	if config.Health.Enabled || config.Discord.WebhookServer.Enabled {
		q.health = newHealthServer(q, config.Health)
	}
	if config.Heartbeat.Enabled && (config.Health.Enabled || config.Heartbeat.URL != "") {
		q.heartbeat = newHeartbeat(
			config.healthURL(),
			config.Heartbeat,
			config.HTTPClient,
			newComponentLogger("heartbeat", config.LogLevel),
		)
	}

	return q, errors.Join(errs...)
}

// wireSession builds the channel adapter and everything layered on it
// over the given session
func (q *QueueBot) wireSession(session DiscordSessionHandler) {
	q.discord.session = session
	ch := newDiscordChannel(session, q.discord.BotUserID, q.discord.logger)
	q.channel = ch
	q.members = ch
	q.stores = NewStoreRegistry(
		ch,
		q.locale,
		q.config.Storage,
		newComponentLogger("store", q.config.Storage.LogLevel),
	)
	q.panels = NewPanelSynchronizer(
		ch,
		q.locale,
		q.config.Panels,
		newComponentLogger("panels", q.config.Panels.LogLevel),
	)
	q.notifier = NewNotifier(
		ch,
		q.locale,
		q.config.Commands.NotifyConcurrency,
		newComponentLogger("notify", q.config.LogLevel),
	)
}

func (q *QueueBot) ValidateConfig() error {
	err := structValidator.Struct(q.config)
	if err != nil {
		return err
	}
	return nil
}

// RegisterSlashCommands overwrites the bot's slash commands in guildID,
// or globally when guildID is empty
func (q *QueueBot) RegisterSlashCommands(
	ctx context.Context,
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	options = append(options, discordgo.WithContext(ctx))
	return q.discord.registerCommands(guildID, q.appCommands(), options...)
}

// Run connects to Discord and serves interactions until ctx is canceled
// or a stop signal is received, then shuts down gracefully.
//
// Storage for every guild in the Ready event is loaded in the background,
// and slash commands are registered once per process: in
// [DiscordConfig.GuildID] when set, globally otherwise.
func (q *QueueBot) Run(ctx context.Context) error {
	// prevents concurrent runs
	q.runMu.Lock()
	defer q.runMu.Unlock()

	q.signalStop = make(chan struct{}, 1)
	q.startedAt = time.Now()
	logger := q.logger

	if err := q.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	q.webhookInteractionHandler = webhookReceiveHandler(ctx, q)

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", q.config))
	if q.signalReady == nil {
		q.signalReady = make(chan struct{}, 1)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-q.signalStop:
			q.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			q.logger.Warn("context canceled, sending stop signal")
			q.signalStop <- struct{}{}
			return
		}
	}()

	if q.health != nil {
		go func() {
			if httpErr := q.health.Serve(ctx); httpErr != nil {
				q.logger.ErrorContext(ctx, "error serving health HTTP", tint.Err(httpErr))
			}
		}()
	}

	if err := q.initDiscordSession(ctx, runtimeWG); err != nil {
		q.logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	startCtx, startCancel := context.WithTimeout(ctx, q.config.StartupTimeout)
	defer startCancel()

	openErr := make(chan error, 1)
	go func() {
		q.logger.InfoContext(ctx, "connecting to discord")
		openErr <- q.discord.session.Open()
	}()

	select {
	case <-startCtx.Done():
		q.closeHealthListener(ctx)
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-openErr:
		if err != nil {
			logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
			q.closeHealthListener(ctx)
			if isAuthenticationError(err) {
				return fmt.Errorf("%w: %w", ErrAuthentication, err)
			}
			return fmt.Errorf("error connecting to discord: %w", err)
		}
	}

	if q.heartbeat != nil {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			q.heartbeat.Run(ctx)
		}()
	}

	q.signalReady <- struct{}{}
	q.logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()
	return q.shutdown(ctx, runtimeWG)
}

// closeHealthListener stops the health server after a failed startup
func (q *QueueBot) closeHealthListener(ctx context.Context) {
	if q.health == nil {
		return
	}
	go func() {
		if e := q.health.httpServer.Close(); e != nil {
			q.logger.ErrorContext(ctx, "error closing health server", tint.Err(e))
		}
	}()
}

// initDiscordSession sets the session's identify payload and adds the
// gateway event handlers, replacing any added by a previous Run
func (q *QueueBot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if q.discord.session == nil {
		session, err := q.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		q.wireSession(session)
	}

	ctx = WithLogger(ctx, q.discord.logger)

	for _, h := range q.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	q.discord.session.SetIdentify(discordgo.Identify{Intents: q.config.Discord.GatewayIntents})

	// each handler runs in its own goroutine unless discordgo's
	// SyncEvents is set, so slow work is tracked on runtimeWG rather than
	// blocking the event loop
	q.discord.discordgoRemoveHandlerFuncs = []func(){
		q.discord.session.AddHandler(q.discord.handlerConnect()),
		q.discord.session.AddHandler(q.discord.handlerDisconnect()),
		q.discord.session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.Ready) {
				runtimeWG.Add(1)
				defer runtimeWG.Done()
				q.onReady(ctx, r)
			},
		),
		q.discord.session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildCreate) {
				runtimeWG.Add(1)
				defer runtimeWG.Done()
				q.onGuildCreate(ctx, g)
			},
		),
		q.discord.session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildDelete) {
				q.onGuildDelete(ctx, g)
			},
		),
		q.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := q.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					q.handleInteraction(ctx, handler)
				}()
			},
		),
	}
	return nil
}

// onReady records the bot's user ID, registers slash commands on the
// first Ready of the process and loads storage for guilds that haven't
// been loaded yet
func (q *QueueBot) onReady(ctx context.Context, r *discordgo.Ready) {
	logger := q.discord.logger
	if r.User != nil {
		q.discord.botUserID.Store(r.User.ID)
		logger.InfoContext(
			ctx,
			"Ready",
			"session_id", r.SessionID,
			"user_id", r.User.ID,
			"username", r.User.Username,
			"guilds", len(r.Guilds),
		)
	}

	if q.commandsRegistered.CompareAndSwap(false, true) {
		if _, err := q.RegisterSlashCommands(ctx, q.config.Discord.GuildID); err != nil {
			q.commandsRegistered.Store(false)
			logger.ErrorContext(ctx, "unable to register commands", tint.Err(err))
		}
	}

	pending := make([]string, 0, len(r.Guilds))
	for _, g := range r.Guilds {
		if g == nil || g.ID == "" {
			continue
		}
		if !q.stores.Store(g.ID).Initialized() {
			pending = append(pending, g.ID)
		}
	}
	if len(pending) == 0 {
		return
	}
	q.stores.Bootstrap(ctx, pending, bootstrapConcurrency)
}

// onGuildCreate registers commands in a guild the bot was just added to.
// GuildCreate is also sent for every existing guild after Ready; those
// are told apart by their join time.
func (q *QueueBot) onGuildCreate(ctx context.Context, g *discordgo.GuildCreate) {
	if g.Guild == nil || g.JoinedAt.IsZero() || g.JoinedAt.Before(q.startedAt) {
		return
	}
	logger := q.discord.logger.With("guild_id", g.ID, "guild_name", g.Name)
	logger.InfoContext(ctx, "joined guild")

	if q.config.Discord.GuildID == "" || q.config.Discord.GuildID == g.ID {
		if _, err := q.RegisterSlashCommands(ctx, g.ID); err != nil {
			logger.ErrorContext(ctx, "unable to register commands", tint.Err(err))
		}
	}
	if _, err := q.stores.Ready(ctx, g.ID); err != nil {
		logger.ErrorContext(ctx, "storage bootstrap failed", tint.Err(err))
	}
}

// onGuildDelete drops the store of a guild the bot was removed from.
// Outages are also sent as GuildDelete, with Unavailable set, and keep
// their store.
func (q *QueueBot) onGuildDelete(ctx context.Context, g *discordgo.GuildDelete) {
	if g.Guild == nil || g.Unavailable {
		return
	}
	q.discord.logger.InfoContext(ctx, "removed from guild", "guild_id", g.ID)
	q.stores.Forget(g.ID)
}

// isAuthenticationError reports whether err means the token was rejected,
// either by the gateway or the REST API
func isAuthenticationError(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == discordCloseAuthenticationFailed {
		return true
	}
	return restStatus(err) == http.StatusUnauthorized
}

// shutdown waits for in-flight interactions, then stops the health server
// and closes the Discord session. If that takes longer than
// [Config.ShutdownTimeout], the health server is closed immediately and
// an error is returned.
func (q *QueueBot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	q.logger.WarnContext(ctx, "shutting down")
	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(q.config.ShutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	q.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", q.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		q.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"runtime_stop_duration", time.Since(shutdownStart),
		)

		stopWG := &sync.WaitGroup{}
		if q.health != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				q.logger.InfoContext(ctx, "stopping health server")
				_ = q.health.Shutdown(closeCtx)
				q.logger.InfoContext(ctx, "health server stopped")
			}()
		}

		if q.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				q.logger.InfoContext(ctx, "closing discord session")
				_ = q.discord.session.Close()
				for _, h := range q.discord.discordgoRemoveHandlerFuncs {
					h()
				}
				q.discord.discordgoRemoveHandlerFuncs = nil
				q.discord.connected.Store(false)
				q.logger.InfoContext(ctx, "discord session closed")
			}()
		}

		stopWG.Wait()
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			q.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			q.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).String(),
				),
			)
		case <-closeCtx.Done():
			q.logger.Warn("in-flight requests did not finish in time, forcing close")
			if q.health != nil {
				go func() {
					_ = q.health.httpServer.Close()
				}()
			}
			return fmt.Errorf("shutdown timed out")
		}
	}
}
