package queuebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	healthPathRoot         = "/"
	healthPathCheck        = "/healthz"
	pprofPrefix            = "/debug"
	apiDiscordInteractions = "/discord/interactions"

	xRequestIDHeader = "X-Request-ID"
)

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

type healthCheckResponse struct {
	Status                  string `json:"status"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	Guilds                  int    `json:"guilds"`
	Interactions            int64  `json:"interactions"`
	Uptime                  string `json:"uptime"`
	Version                 string `json:"version"`
}

// HealthServer answers liveness checks from uptime pingers. When the
// webhook receive method is enabled, it also receives Discord
// interactions.
type HealthServer struct {
	config     *HealthConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
}

func newHealthServer(q *QueueBot, config *HealthConfig) *HealthServer {
	logger := newComponentLogger("health", config.LogLevel)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	h := &HealthServer{
		config: config,
		engine: r,
		logger: logger,
		httpServer: &http.Server{
			Addr:              config.Listen,
			Handler:           r,
			ReadTimeout:       config.ReadTimeout,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
			WriteTimeout:      config.WriteTimeout,
			IdleTimeout:       config.IdleTimeout,
		},
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
	)
	if len(config.CORSAllowOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = config.CORSAllowOrigins
		corsConfig.AllowMethods = []string{http.MethodGet, http.MethodHead}
		r.Use(cors.New(corsConfig))
	}
	if config.Pprof {
		ginPprof.Register(r, pprofPrefix)
	}

	root := func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	}
	r.GET(healthPathRoot, root)
	r.HEAD(healthPathRoot, root)
	r.GET(
		healthPathCheck, func(c *gin.Context) {
			c.JSON(http.StatusOK, q.healthStatus())
		},
	)

	if q.config.Discord.WebhookServer.Enabled {
		r.POST(
			apiDiscordInteractions,
			discordRequestAuthenticationMiddleware(q.discord.publicKey),
			func(c *gin.Context) {
				q.webhookInteractionHandler(c)
			},
		)
	}
	return h
}

// Serve listens on the configured address and serves until Shutdown
func (h *HealthServer) Serve(ctx context.Context) error {
	if h.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, "tcp", h.config.Listen)
		if err != nil {
			return fmt.Errorf("health server listen: %w", err)
		}
		h.listener = ln
	}
	h.logger.InfoContext(ctx, "health server listening", "addr", h.listener.Addr().String())
	err := h.httpServer.Serve(h.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (h *HealthServer) Shutdown(ctx context.Context) error {
	return h.httpServer.Shutdown(ctx)
}

func (q *QueueBot) healthStatus() healthCheckResponse {
	return healthCheckResponse{
		Status:                  "ok",
		DiscordGatewayConnected: q.discord.connected.Load(),
		Guilds:                  len(q.stores.Guilds()),
		Interactions:            q.metricInteractions.Load(),
		Uptime:                  time.Since(q.startedAt).Truncate(time.Second).String(),
		Version:                 Version,
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming request,
// set in the gin context and in the response headers
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := v.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its status and duration.
// Health checks are logged at debug level, since pingers hit them often.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := setGinContextLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		level := slog.LevelInfo
		switch {
		case len(c.Errors) > 0, c.Writer.Status() >= http.StatusInternalServerError:
			level = slog.LevelError
		case c.Request.URL.Path == healthPathRoot, c.Request.URL.Path == healthPathCheck:
			level = slog.LevelDebug
		}
		requestLogger.Log(
			c.Request.Context(),
			level,
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			"errors", c.Errors.Errors(),
			slog.Group(
				"response",
				"status_code", c.Writer.Status(),
				"body_size", c.Writer.Size(),
			),
		)
	}
}
