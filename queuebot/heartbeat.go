package queuebot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lmittmann/tint"
)

// maxHeartbeatBody caps how much of a ping response is read
const maxHeartbeatBody = 64 << 10

// Heartbeat periodically requests a URL, usually this process's own
// /healthz, so hosts that idle inactive web services keep it awake
type Heartbeat struct {
	url      string
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger
}

func newHeartbeat(url string, config *HeartbeatConfig, client *http.Client, logger *slog.Logger) *Heartbeat {
	if client == nil {
		client = &http.Client{}
	}
	return &Heartbeat{
		url:      url,
		interval: config.Interval,
		timeout:  config.Timeout,
		client:   client,
		logger:   logger,
	}
}

// Run pings every interval until ctx is done
func (h *Heartbeat) Run(ctx context.Context) {
	h.logger.InfoContext(ctx, "heartbeat started", "interval", h.interval, "url", h.url)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		h.logger.DebugContext(ctx, "next ping", "in", h.interval, "url", h.url)
		select {
		case <-ctx.Done():
			h.logger.InfoContext(ctx, "heartbeat stopped")
			return
		case <-ticker.C:
			status, err := h.Ping(ctx)
			if err != nil {
				h.logger.WarnContext(ctx, "ping failed", tint.Err(err), "url", h.url)
				continue
			}
			h.logger.InfoContext(ctx, "pong", "status", status)
		}
	}
}

// Ping requests the URL once and returns the response status code
func (h *Heartbeat) Ping(ctx context.Context) (int, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxHeartbeatBody))

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return resp.StatusCode, nil
}
