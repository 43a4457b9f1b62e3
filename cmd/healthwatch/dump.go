package main

import (
	"fmt"
	"time"

	"codeberg.org/mutker/healthwatch/internal/dump"
	"codeberg.org/mutker/healthwatch/internal/history"
	"github.com/spf13/cobra"
)

var dumpCmd = &cobra.Command{
	Use:   "dump [reason]",
	Short: "Capture a diagnostic dump now",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		reason := "manual capture"
		if len(args) == 1 {
			reason = args[0]
		}
		now := time.Now()
		path, err := a.dumper.Capture(cmd.Context(), dump.Trigger{Module: "manual", Reason: reason}, now)
		if err != nil {
			return err
		}

		if err := a.history.Record(cmd.Context(), history.Event{
			Time:   now,
			Kind:   history.KindDump,
			Module: "manual",
			Detail: path,
		}); err != nil {
			a.log.Warn().Err(err).Msg("Failed to record history")
		}
		fmt.Println(path)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(dumpCmd)
}
