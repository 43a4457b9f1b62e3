package main

import (
	"fmt"

	"codeberg.org/mutker/healthwatch/internal/monitor"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one monitoring cycle and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.runner()
		if err != nil {
			return err
		}

		rep, cycleErr := r.Cycle(cmd.Context())
		printReport(rep)
		if code := rep.ExitCode(); code != 0 || cycleErr != nil {
			return &exitError{code: max(code, 1), err: cycleErr}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func printReport(rep monitor.Report) {
	bold := color.New(color.Bold).SprintFunc()
	for _, res := range rep.Results {
		if !res.Available {
			fmt.Printf("%-14s %s\n", res.Monitor, color.HiBlackString("unavailable"))
			continue
		}
		line := fmt.Sprintf("%-14s %-9s %s", res.Monitor, tierColor(res.Tier)(res.Tier.String()), res.Signal)
		if res.Alerted {
			line += " " + bold("alerted")
		}
		if out := res.Outcome; out != nil {
			line += fmt.Sprintf(" -> %s %s", out.ActionID, statusColor(out.Status)(out.Status.String()))
		}
		fmt.Println(line)
	}
	for _, w := range rep.Swept {
		fmt.Printf("swept abandoned grace window %s (requesters: %v)\n", w.ActionKey, w.Callers())
	}
}
