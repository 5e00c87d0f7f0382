package queuebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// InteractionHandler defines the interface for handling Discord interactions.
// It provides methods for responding to interactions and editing the
// response afterward.
//
// Implementations differ in how the initial response is delivered: over
// the REST API for gateway interactions, or as the HTTP response body for
// webhook interactions.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction (webhook or gateway).
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(
		w.interaction.Interaction,
		response,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
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
	} else {
		w.logger.DebugContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// handleInteraction dispatches a received interaction. Pings are answered
// with a pong, button presses go to handleComponent and slash commands to
// handleCommand. Interactions from bots are ignored.
func (q *QueueBot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	q.metricInteractions.Add(1)

	if q.config.RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				q.handleRecover(WithLogger(ctx, logger), rc)
			}
		}()
	}

	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
		return
	}

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
		"user_id", discordUser.ID,
		"username", discordUser.Username,
	)

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user_id", discordUser.ID)
		return
	}

	switch i.Type {
	case discordgo.InteractionMessageComponent:
		q.handleComponent(ctx, handler)
	case discordgo.InteractionApplicationCommand:
		q.handleCommand(ctx, handler)
	default:
		logger.WarnContext(ctx, "unhandled interaction type", "type", i.Type.String())
	}
}

// handleRecover logs a recovered panic from an interaction handler, with
// the stack trace. It's only used when [Config.RecoverPanic] is enabled.
func (*QueueBot) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			"panic_arg", fmt.Sprint(rc),
			"stack_trace", stackTrace,
		)
	}
}

// respondEphemeral sends content as a private reply, visible only to the
// invoker
func respondEphemeral(ctx context.Context, handler InteractionHandler, content string) error {
	return handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: shortenString(content, discordMaxMessageLength),
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
}

// deferEphemeral acknowledges the interaction with a private "thinking"
// state. The answer is delivered later with editResponse.
func deferEphemeral(ctx context.Context, handler InteractionHandler) error {
	return handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags: discordgo.MessageFlagsEphemeral,
			},
		},
	)
}

// editResponse replaces the deferred response with content
func editResponse(ctx context.Context, handler InteractionHandler, content string) {
	content = shortenString(content, discordMaxMessageLength)
	if _, err := handler.Edit(
		ctx,
		&discordgo.WebhookEdit{Content: &content},
		discordgo.WithContext(ctx),
	); err != nil {
		handler.Logger().ErrorContext(ctx, "unable to deliver response", tint.Err(err))
	}
}

// interactionLogger returns the logger for a new interaction, tagged with
// the interaction's identifying fields
func (q *QueueBot) interactionLogger(i *discordgo.InteractionCreate) *slog.Logger {
	return q.logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
}

// newGatewayHandler is the default for QueueBot.getInteractionHandlerFunc
func (q *QueueBot) newGatewayHandler(
	_ context.Context,
	i *discordgo.InteractionCreate,
) InteractionHandler {
	return GatewayHandler{
		session:     q.discord.session,
		interaction: i,
		logger:      q.interactionLogger(i),
	}
}
