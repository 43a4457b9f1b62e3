package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/healthwatch/internal/logger"
	"codeberg.org/mutker/healthwatch/internal/pid"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run monitoring cycles until interrupted",
	RunE: func(cmd *cobra.Command, _ []string) error {
		pidFile := pid.New(cfg.StateDir)
		if err := pidFile.Write(); err != nil {
			return err
		}
		defer func() {
			if err := pidFile.Remove(); err != nil {
				logger.Warn().Err(err).Msg("Failed to remove PID file")
			}
		}()

		a, err := newApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.runner()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go handleSignals(cancel)

		logger.Info().
			Dur("interval", cfg.Interval).
			Int("monitors", len(cfg.Monitors)).
			Str("state_dir", cfg.StateDir).
			Msg("Watching host health")

		if err := r.Watch(ctx, cfg.Interval); err != nil && ctx.Err() == nil {
			return err
		}
		logger.Info().Msg("Stopped watching")

		return nil
	},
}

func init() {
	watchCmd.Flags().Duration("interval", 0, "time between cycles (default from config)")
	rootCmd.AddCommand(watchCmd)
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
