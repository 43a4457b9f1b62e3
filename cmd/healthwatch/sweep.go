package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove abandoned grace windows",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if ttl <= 0 {
			ttl = cfg.GraceTTL
		}

		a, err := newApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		removed, err := a.tracker.Sweep(cmd.Context(), ttl, time.Now())
		for _, w := range removed {
			fmt.Printf("removed %s (opened %s, requesters: %s)\n",
				w.ActionKey, w.StartedAt.Local().Format(time.DateTime), strings.Join(w.Callers(), ", "))
		}

		return err
	},
}

func init() {
	sweepCmd.Flags().Duration("ttl", 0, "age after which an open window is abandoned (default from config)")
	rootCmd.AddCommand(sweepCmd)
}
