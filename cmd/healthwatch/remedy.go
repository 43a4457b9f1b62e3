package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/healthwatch/internal/autofix"
	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/health"
	"codeberg.org/mutker/healthwatch/internal/monitor"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var remedyCmd = &cobra.Command{
	Use:   "remedy <module> <grace_seconds> <issue> <warning|critical|emergency>",
	Short: "Request a remediation action",
	Long: `Requests the action mapped to <issue> at the given severity. With a
grace period the first request opens a window and only a request at or
after its expiry runs the action. Exits 0 when the action ran, 2 when a
grace window or cooldown held it back and 1 on failure.`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := parseRemedyArgs(args)
		if err != nil {
			return err
		}
		flagDryRun, _ := cmd.Flags().GetBool("dry-run")
		req.DryRun = dryRun || flagDryRun
		req.Wait, _ = cmd.Flags().GetBool("wait")
		req.Reason, _ = cmd.Flags().GetString("reason")
		sigName, _ := cmd.Flags().GetString("signal")

		a, err := newApp(cfg, req.DryRun)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if spec, ok := remedySpec(cfg.Monitors, req.IssueType, sigName); ok {
			req.Threshold = spec.Threshold()
			req.Rank = spec.Ranking()
			if sig, ok := health.Sample(ctx, a.source, spec.Signal, spec.Unit, time.Now()); ok {
				req.Signal = sig
			}
		}

		out := a.dispatcher.Dispatch(ctx, req)
		if !req.DryRun {
			a.recordOutcome(ctx, req, out)
		}
		if err := printOutcome(out); err != nil {
			return err
		}

		switch code := out.ExitCode(); code {
		case autofix.ExitOK:
		case autofix.ExitSkipped:
			return &exitError{code: code}
		default:
			return &exitError{code: code, err: out.Err}
		}

		return nil
	},
}

func init() {
	f := remedyCmd.Flags()
	f.Bool("dry-run", false, "print the plan without changing anything")
	f.Bool("wait", false, "when opening a grace window, wait for it to expire and run the action")
	f.String("signal", "", "signal to re-check (default: the signal of the monitor for this issue)")
	f.String("reason", "", "free-form reason recorded in the grace window")
	rootCmd.AddCommand(remedyCmd)
}

func parseRemedyArgs(args []string) (autofix.Request, error) {
	errFactory := errors.New()

	if len(args) != 4 {
		return autofix.Request{}, errFactory.WithMessage(errors.ErrInvalidArgument,
			"usage: remedy <module> <grace_seconds> <issue> <severity>")
	}

	module := strings.TrimSpace(args[0])
	if module == "" {
		return autofix.Request{}, errFactory.WithMessage(errors.ErrInvalidArgument, "module must not be empty")
	}
	graceSeconds, err := strconv.Atoi(args[1])
	if err != nil || graceSeconds < 0 {
		return autofix.Request{}, errFactory.WithMessage(errors.ErrInvalidArgument,
			fmt.Sprintf("grace_seconds must be a non-negative integer, got %q", args[1]))
	}
	issue := strings.ToLower(strings.TrimSpace(args[2]))
	if issue == "" {
		return autofix.Request{}, errFactory.WithMessage(errors.ErrInvalidArgument, "issue must not be empty")
	}
	severity, err := health.ParseSeverity(args[3])
	if err != nil {
		return autofix.Request{}, err
	}

	return autofix.Request{
		CallingModule: module,
		GraceSeconds:  graceSeconds,
		IssueType:     issue,
		Severity:      severity,
	}, nil
}

// remedySpec finds the monitor whose reading a handler should re-check:
// the one watching sigName if given, else the first one for issue.
func remedySpec(specs []monitor.Spec, issue, sigName string) (monitor.Spec, bool) {
	for _, s := range specs {
		if sigName != "" && s.Signal == sigName {
			return s, true
		}
		if sigName == "" && s.IssueType() == issue {
			return s, true
		}
	}

	return monitor.Spec{}, false
}

func printOutcome(out autofix.Outcome) error {
	if out.Plan != nil {
		doc, err := out.Plan.YAML()
		if err != nil {
			return err
		}
		fmt.Print(doc)
		return nil
	}

	label := out.ActionID
	if label == "" {
		label = "(unmapped)"
	}
	fmt.Printf("%s %s", color.New(color.FgCyan, color.Bold).Sprint(label), statusColor(out.Status)(out.Status.String()))
	switch out.Status {
	case autofix.SkippedGrace:
		fmt.Printf(": %s left, requesters %s", out.Remaining.Round(time.Second), strings.Join(out.Window.Callers(), ", "))
	case autofix.SkippedCooldown:
		fmt.Printf(": cooldown, %s left", out.Remaining.Round(time.Second))
	default:
		if out.Detail != "" {
			fmt.Printf(": %s", out.Detail)
		}
	}
	fmt.Println()

	if esc := out.Escalated; esc != nil {
		fmt.Printf("  escalated to %s %s", color.YellowString(esc.ActionID), statusColor(esc.Status)(esc.Status.String()))
		if esc.Detail != "" {
			fmt.Printf(": %s", esc.Detail)
		}
		fmt.Println()
	}

	return nil
}
