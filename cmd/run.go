package cmd

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"time"

	"github.com/arcward/queuebot/queuebot"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

type runner interface {
	Run(ctx context.Context) error
	ValidateConfig() error
}

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot and its health server",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			newBot := func() (runner, error) {
				return queuebot.New(cfg)
			}
			if !cfg.Supervise.Enabled {
				bot, err := newBot()
				if err != nil {
					log.Fatalf("error creating queuebot: %s", err.Error())
				}
				if err = bot.Run(ctx); err != nil {
					log.Fatalf("error running queuebot: %s", err.Error())
				}
				return
			}
			if err := supervise(ctx, cfg.Supervise, newBot); err != nil {
				log.Fatalf("error running queuebot: %s", err.Error())
			}
		},
	}
)

// supervise runs a new bot until ctx is canceled, restarting it after a
// failure. The delay before each restart doubles from InitialBackoff up
// to MaxBackoff. Configuration and authentication errors are returned
// instead, since a restart would fail the same way.
func supervise(
	ctx context.Context,
	config *queuebot.SuperviseConfig,
	newBot func() (runner, error),
) error {
	logger := slog.Default().With("logger", "supervisor")
	delay := config.InitialBackoff

	for attempt := 1; ; attempt++ {
		bot, err := newBot()
		if err != nil {
			return err
		}
		if err = bot.ValidateConfig(); err != nil {
			return err
		}

		logger.InfoContext(ctx, "starting bot run loop", "attempt", attempt)
		err = bot.Run(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, queuebot.ErrAuthentication):
			logger.ErrorContext(
				ctx,
				"login failed: invalid discord token, reset it in the "+
					"developer portal (Bot > Reset Token) and update your config",
				tint.Err(err),
			)
			return err
		case err == nil:
			logger.WarnContext(ctx, "bot exited, restarting", "delay", config.InitialBackoff)
			delay = config.InitialBackoff
		default:
			logger.ErrorContext(ctx, "bot crashed, restarting", tint.Err(err), "delay", delay)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		if err != nil {
			delay = min(delay*2, config.MaxBackoff)
		}
	}
}

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
