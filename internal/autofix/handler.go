package autofix

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/healthwatch/internal/command"
	"codeberg.org/mutker/healthwatch/internal/dump"
	"codeberg.org/mutker/healthwatch/internal/emergency"
	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/grace"
	"codeberg.org/mutker/healthwatch/internal/notify"
)

// NoEffectExitCode is returned by remediation scripts that ran correctly
// but could not change anything, e.g. a driver that is already reloaded.
const NoEffectExitCode = 3

// Invocation is everything a handler gets to act on.
type Invocation struct {
	Action  Action
	Request Request
	Window  grace.Window
	Now     time.Time
}

// Handler performs one kind of action. Handlers must be idempotent: running
// one again after it already fixed the issue is a harmless no-op.
type Handler interface {
	// Plan lists the operations Run would perform. It must not change anything.
	Plan(ctx context.Context, inv Invocation) []string
	// Run performs the action and returns a short description of the result.
	Run(ctx context.Context, inv Invocation) (string, error)
}

// CommandHandler runs an external remediation script.
type CommandHandler struct {
	Runner command.Runner
}

func (h CommandHandler) cmd(inv Invocation) command.Cmd {
	req := inv.Request
	return command.Cmd{
		Name: inv.Action.Command[0],
		Args: inv.Action.Command[1:],
		Env: []string{
			"HEALTHWATCH_ACTION=" + inv.Action.ID,
			"HEALTHWATCH_MODULE=" + req.CallingModule,
			"HEALTHWATCH_ISSUE=" + req.IssueType,
			"HEALTHWATCH_SEVERITY=" + req.Severity.String(),
			"HEALTHWATCH_GRACE_SECONDS=" + strconv.Itoa(req.GraceSeconds),
			"HEALTHWATCH_REQUESTERS=" + strings.Join(inv.Window.Callers(), ","),
		},
		Timeout: inv.Action.Timeout,
	}
}

func (h CommandHandler) Plan(_ context.Context, inv Invocation) []string {
	return []string{fmt.Sprintf("run %s (timeout %s)", h.cmd(inv), inv.Action.Timeout)}
}

func (h CommandHandler) Run(ctx context.Context, inv Invocation) (string, error) {
	runner := h.Runner
	if runner == nil {
		runner = command.Exec{}
	}

	res, err := runner.Run(ctx, h.cmd(inv))
	if err != nil {
		if res.ExitCode == NoEffectExitCode {
			return res.Output, errors.New().Wrap(errors.ErrNoEffect, err)
		}
		return res.Output, err
	}

	return res.Output, nil
}

type Notifier interface {
	Notify(ctx context.Context, note notify.Notification)
}

// NotifyHandler only alerts.
type NotifyHandler struct {
	Notifier Notifier
}

func (h NotifyHandler) Plan(_ context.Context, inv Invocation) []string {
	return []string{fmt.Sprintf("send %s notification for %s", inv.Request.Severity, inv.Request.CallingModule)}
}

func (h NotifyHandler) Run(ctx context.Context, inv Invocation) (string, error) {
	req := inv.Request
	msg := inv.Action.Description
	if msg == "" {
		msg = fmt.Sprintf("%s issue reported by %s", req.IssueType, req.CallingModule)
	}
	if req.Signal.Name != "" {
		msg += " (" + req.Signal.String() + ")"
	}
	h.Notifier.Notify(ctx, notify.Notification{
		Severity: req.Severity,
		Module:   req.CallingModule,
		Message:  msg,
		Time:     inv.Now,
		Fields:   map[string]string{"action": inv.Action.ID, "issue": req.IssueType},
	})

	return "notified", nil
}

type Capturer interface {
	Capture(ctx context.Context, trig dump.Trigger, now time.Time) (string, error)
}

// DumpHandler captures diagnostics without changing anything else.
type DumpHandler struct {
	Capturer Capturer
}

func (h DumpHandler) Plan(context.Context, Invocation) []string {
	return []string{"capture diagnostic dump"}
}

func (h DumpHandler) Run(ctx context.Context, inv Invocation) (string, error) {
	path, err := h.Capturer.Capture(ctx, dumpTrigger(inv.Request), inv.Now)
	if err != nil {
		return "", err
	}

	return path, nil
}

type EmergencyRunner interface {
	Run(ctx context.Context, trig emergency.Trigger) (emergency.Report, error)
	Preview(ctx context.Context, trig emergency.Trigger) ([]emergency.Candidate, []string, error)
}

// EmergencyHandler hands the request to the emergency controller.
type EmergencyHandler struct {
	Controller EmergencyRunner
}

func (h EmergencyHandler) Plan(ctx context.Context, inv Invocation) []string {
	candidates, mechanisms, err := h.Controller.Preview(ctx, emergencyTrigger(inv.Request))
	if err != nil {
		return []string{"scan processes: unavailable: " + err.Error()}
	}

	var ops []string
	for _, c := range candidates {
		if c.Protected {
			ops = append(ops, fmt.Sprintf("skip pid %d %s (%s)", c.Process.PID, c.Process.Name, c.Reason))
			continue
		}
		ops = append(ops, fmt.Sprintf("terminate pid %d %s (cpu %.1f%%, mem %.1f%%)",
			c.Process.PID, c.Process.Name, c.Process.CPUPercent, c.Process.MemPercent))
	}
	ops = append(ops,
		"re-sample "+signalName(inv.Request)+" and stop if below emergency",
		"otherwise capture diagnostic dump, broadcast warning and shut down via "+strings.Join(mechanisms, " > "),
	)

	return ops
}

func (h EmergencyHandler) Run(ctx context.Context, inv Invocation) (string, error) {
	rep, err := h.Controller.Run(ctx, emergencyTrigger(inv.Request))
	if err != nil {
		return string(rep.FinalState), err
	}

	switch rep.FinalState {
	case emergency.Resolved:
		return fmt.Sprintf("resolved after terminating %d process(es)", rep.Killed()), nil
	default:
		return fmt.Sprintf("shutdown issued via %s", rep.Mechanism), nil
	}
}

func emergencyTrigger(req Request) emergency.Trigger {
	return emergency.Trigger{
		Module:    req.CallingModule,
		Reason:    fmt.Sprintf("%s %s", req.IssueType, req.Severity),
		Signal:    req.Signal,
		Threshold: req.Threshold,
		Rank:      req.Rank,
	}
}

func dumpTrigger(req Request) dump.Trigger {
	return dump.Trigger{
		Reason: fmt.Sprintf("%s %s", req.IssueType, req.Severity),
		Value:  req.Signal.Value,
		Unit:   req.Signal.Unit,
		Module: req.CallingModule,
	}
}

func signalName(req Request) string {
	if req.Signal.Name == "" {
		return "trigger signal"
	}

	return req.Signal.Name
}
