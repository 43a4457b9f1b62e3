package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show open grace windows, action cooldowns and recent events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		now := time.Now()
		heading := color.New(color.FgCyan, color.Bold).SprintFunc()

		fmt.Println(heading("Grace windows"))
		windows, err := a.tracker.Windows(ctx)
		if err != nil {
			return err
		}
		if len(windows) == 0 {
			fmt.Println("  none open")
		}
		for _, w := range windows {
			left := max(w.ExpiresAt().Sub(now), 0)
			fmt.Printf("  %-22s opened %s ago, %s left, requesters: %s\n",
				w.ActionKey,
				now.Sub(w.StartedAt).Round(time.Second),
				color.YellowString(left.Round(time.Second).String()),
				strings.Join(w.Callers(), ", "))
		}

		fmt.Println(heading("Action cooldowns"))
		records, err := a.cooldowns.List(ctx)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("  no action has run")
		}
		for _, r := range records {
			fmt.Printf("  %-22s last run %s (%s ago) %s\n",
				r.ActionID,
				r.LastRunAt.Local().Format(time.DateTime),
				now.Sub(r.LastRunAt).Round(time.Second),
				r.LastOutcome)
		}

		limit, _ := cmd.Flags().GetInt("events")
		if !cfg.History.Enabled || limit <= 0 {
			return nil
		}
		fmt.Println(heading("Recent events"))
		events, err := a.history.Recent(ctx, limit)
		if err != nil {
			return err
		}
		for _, ev := range events {
			line := fmt.Sprintf("  %s %-9s %-10s", ev.Time.Local().Format(time.DateTime), ev.Kind, ev.Module)
			if ev.Signal != "" {
				line += fmt.Sprintf(" %s=%g", ev.Signal, ev.Value)
			}
			if ev.Tier != "" {
				line += " " + ev.Tier
			}
			if ev.ActionID != "" {
				line += fmt.Sprintf(" %s %s", ev.ActionID, ev.Status)
			}
			fmt.Println(line)
		}

		return nil
	},
}

func init() {
	statusCmd.Flags().Int("events", 10, "number of recent history events to show")
	rootCmd.AddCommand(statusCmd)
}
