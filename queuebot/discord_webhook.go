package queuebot

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// WebhookHandler is a handler for Discord interactions received via webhook.
// The initial response is written as the HTTP response body; edits made
// afterward go through the REST API.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll  // can't split link
type WebhookHandler struct {
	ginContext *gin.Context
	InteractionHandler
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

// Respond writes the response and flushes it, so Discord has seen the
// acknowledgement before any follow-up edit is sent
func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.ginContext.JSON(http.StatusOK, response)
	w.ginContext.Writer.Flush()
	return nil
}

// webhookReceiveHandler returns a [gin.Handler] for handling Discord webhook
// interactions
func webhookReceiveHandler(ctx context.Context, q *QueueBot) func(c *gin.Context) {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			slog.Group(
				"webhook_request",
				"remote_ip", c.RemoteIP(),
				xRequestIDHeader, requestID,
			),
		)
		runCtx := WithLogger(ctx, logger)

		defer func() {
			_ = c.Request.Body.Close()
		}()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(runCtx, "error getting raw data", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error getting raw data"})
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(runCtx, "error unmarshalling body", tint.Err(e))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}
		i := &interaction
		handler := WebhookHandler{
			ginContext:         c,
			InteractionHandler: q.getInteractionHandlerFunc(ctx, i),
		}
		q.handleInteraction(runCtx, handler)
	}
}

// webhookMaxClockSkew is how far a request's X-Signature-Timestamp may be
// from the local clock. Older requests are rejected as replays.
const webhookMaxClockSkew = 5 * time.Minute

// discordRequestAuthenticationMiddleware rejects interaction requests that
// aren't signed with the application's public key
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if len(publicKey) != ed25519.PublicKeySize {
			logger.ErrorContext(c, "webhook public key not configured")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		if !verifyRequest(c.Request, publicKey, time.Now()) {
			logger.WarnContext(
				c,
				"invalid signature",
				"timestamp", c.GetHeader("X-Signature-Timestamp"),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the request's ed25519 signature, and that its
// timestamp is within webhookMaxClockSkew of now. The body is restored
// afterward, so later handlers can read it again.
func verifyRequest(r *http.Request, key ed25519.PublicKey, now time.Time) bool {
	ts, err := strconv.ParseInt(r.Header.Get("X-Signature-Timestamp"), 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew > webhookMaxClockSkew || skew < -webhookMaxClockSkew {
		return false
	}
	return discordgo.VerifyInteraction(r, key)
}
