package autofix

import (
	"context"
	"fmt"
	"os"
	"time"

	"codeberg.org/mutker/healthwatch/internal/cooldown"
	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/grace"
	"codeberg.org/mutker/healthwatch/internal/health"
	"codeberg.org/mutker/healthwatch/internal/logger"
	"codeberg.org/mutker/healthwatch/internal/process"
)

// Request is one remediation request, as passed on the command line or
// produced by a monitor.
type Request struct {
	CallingModule string
	GraceSeconds  int
	IssueType     string
	Severity      health.Tier
	DryRun        bool
	// Wait makes the request that opens a grace window block until the
	// window expires and then run the action itself.
	Wait   bool
	Reason string

	// Optional trigger reading, used by handlers that re-check the signal.
	Signal    health.Signal
	Threshold health.Threshold
	Rank      *process.Ranking
}

func (r Request) grace() time.Duration {
	return time.Duration(r.GraceSeconds) * time.Second
}

type Status int

const (
	Executed Status = iota
	SkippedCooldown
	SkippedGrace
	Failed
)

var statusNames = [...]string{"executed", "skipped_cooldown", "skipped_grace", "failed"}

func (s Status) String() string {
	if s < Executed || s > Failed {
		return fmt.Sprintf("status(%d)", int(s))
	}

	return statusNames[s]
}

// Outcome reports what Dispatch did.
type Outcome struct {
	Status   Status
	ActionID string
	Kind     Kind
	Detail   string
	Err      error
	// Plan is set for dry runs only.
	Plan   *Plan
	Window grace.Window
	// Remaining is the time left in the grace window or cooldown when skipped.
	Remaining time.Duration
	Escalated *Outcome
}

// Exit codes of the remedy command.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitSkipped = 2
)

func (o Outcome) ExitCode() int {
	switch o.Status {
	case Executed:
		return ExitOK
	case SkippedCooldown, SkippedGrace:
		return ExitSkipped
	default:
		return ExitFailure
	}
}

// Dispatcher routes requests through the grace window and cooldown gates
// to the handler of the resolved action.
type Dispatcher struct {
	table     *Table
	handlers  map[Kind]Handler
	grace     *grace.Tracker
	cooldowns *cooldown.Store
	logger    logger.Logger
	clock     func() time.Time
}

type Option func(*Dispatcher)

func WithHandler(kind Kind, h Handler) Option {
	return func(d *Dispatcher) { d.handlers[kind] = h }
}

func WithLogger(l logger.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithClock(f func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = f }
}

// NewDispatcher fails if an action in the table has no handler.
func NewDispatcher(table *Table, tracker *grace.Tracker, cooldowns *cooldown.Store, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		table:     table,
		handlers:  map[Kind]Handler{},
		grace:     tracker,
		cooldowns: cooldowns,
		logger:    logger.Default(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	for _, k := range table.Kinds() {
		if d.handlers[k] == nil {
			return nil, errors.New().WithMessage(errors.ErrInvalidConfig, "no handler for action kind "+string(k))
		}
	}

	return d, nil
}

func (d *Dispatcher) Table() *Table {
	return d.table
}

// Dispatch resolves the action for req and runs it unless a grace window
// or cooldown holds it back. A dry run only reads state.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Outcome {
	errFactory := errors.New()
	now := d.clock()

	action, ok := d.table.Resolve(req.IssueType, req.Severity)
	if !ok {
		err := errFactory.WithData(errors.ErrUnmappedAction, unmapped{Issue: req.IssueType, Severity: req.Severity.String()})
		d.logger.Warn().
			Str("module", req.CallingModule).
			Str("issue", req.IssueType).
			Str("severity", req.Severity.String()).
			Msg("No action mapped, doing nothing")
		return Outcome{Status: Failed, Err: err}
	}

	if req.DryRun {
		plan, err := d.plan(ctx, action, req, now)
		if err != nil {
			return Outcome{Status: Failed, ActionID: action.ID, Kind: action.Kind, Err: err}
		}
		return Outcome{Status: Executed, ActionID: action.ID, Kind: action.Kind, Plan: plan, Detail: "dry run"}
	}

	var window grace.Window
	if req.GraceSeconds > 0 {
		res, err := d.grace.RequestAction(ctx, action.ID, req.CallingModule, d.reason(req), req.grace(), now)
		if err != nil {
			return Outcome{Status: Failed, ActionID: action.ID, Kind: action.Kind, Err: err}
		}
		if res.Status == grace.Pending && req.Wait && res.Opened {
			d.logger.Info().
				Str("action", action.ID).
				Dur("remaining", res.Remaining(now)).
				Msg("Waiting for grace window")
			res, err = d.grace.Await(ctx, res.Window, d.clock)
			if err != nil {
				return Outcome{Status: Failed, ActionID: action.ID, Kind: action.Kind, Err: err}
			}
			now = d.clock()
		}
		if res.Status == grace.Pending {
			return Outcome{
				Status:    SkippedGrace,
				ActionID:  action.ID,
				Kind:      action.Kind,
				Window:    res.Window,
				Remaining: res.Remaining(now),
				Err:       errFactory.New(errors.ErrGracePending),
			}
		}
		window = res.Window
	}

	out := d.execute(ctx, action, req, window, now)
	if out.Status == Failed && req.Severity == health.Emergency && ranHandler(out.Err) {
		if esc, ok := d.table.Escalation(req.IssueType, action); ok {
			d.logger.Warn().
				Str("action", action.ID).
				Str("escalation", esc.ID).
				Msg("Remediation failed at emergency severity, escalating")
			escOut := d.execute(ctx, esc, req, window, d.clock())
			out.Escalated = &escOut
		}
	}

	return out
}

func (d *Dispatcher) execute(ctx context.Context, action Action, req Request, window grace.Window, now time.Time) Outcome {
	errFactory := errors.New()
	out := Outcome{ActionID: action.ID, Kind: action.Kind, Window: window}

	dec, err := d.cooldowns.Claim(ctx, action.ID, claimOwner(req), action.MinInterval, action.Timeout+claimSlack, now)
	if err != nil {
		out.Status, out.Err = Failed, err
		return out
	}
	if dec.Running {
		d.logger.Info().
			Str("action", action.ID).
			Str("module", req.CallingModule).
			Str("owner", dec.Owner).
			Dur("remaining", dec.Remaining).
			Msg("Action already running, skipping")
		out.Status, out.Remaining = SkippedCooldown, dec.Remaining
		out.Err = errFactory.New(errors.ErrCooldownActive)
		return out
	}
	if !dec.Allowed {
		d.logger.Info().
			Str("action", action.ID).
			Str("module", req.CallingModule).
			Time("last_run_at", dec.Last.LastRunAt).
			Dur("remaining", dec.Remaining).
			Msg("Action in cooldown, skipping")
		out.Status, out.Remaining = SkippedCooldown, dec.Remaining
		out.Err = errFactory.New(errors.ErrCooldownActive)
		return out
	}

	inv := Invocation{Action: action, Request: req, Window: window, Now: now}
	hctx, cancel := context.WithTimeout(ctx, action.Timeout)
	detail, runErr := d.handlers[action.Kind].Run(hctx, inv)
	cancel()

	result := "executed"
	switch {
	case runErr == nil:
		out.Status = Executed
	case errors.HasCode(runErr, errors.ErrNoEffect):
		result = "no_effect"
		out.Status, out.Err = Failed, runErr
	default:
		result = "failed"
		out.Status, out.Err = Failed, errFactory.Wrap(errors.ErrHandlerFailed, runErr)
	}
	out.Detail = detail

	// The cooldown is consumed whatever the result, so a broken fix is not
	// hammered every cycle.
	if err := d.cooldowns.Record(context.WithoutCancel(ctx), action.ID, result, d.clock()); err != nil {
		d.logger.Error().Err(err).Str("action", action.ID).Msg("Failed to record cooldown")
		if out.Err == nil {
			out.Status, out.Err = Failed, err
		}
	}

	var ev *logger.LogEvent
	if out.Status == Failed {
		ev = d.logger.Error()
		ev.Err(out.Err)
	} else {
		ev = d.logger.Info()
	}
	ev.Str("action", action.ID).
		Str("kind", string(action.Kind)).
		Str("module", req.CallingModule).
		Str("issue", req.IssueType).
		Str("severity", req.Severity.String()).
		Strs("requesters", window.Callers()).
		Str("result", result).
		Str("detail", detail).
		Msg("Remediation finished")

	return out
}

// claimSlack covers the time between a handler's timeout and the cooldown
// record being written.
const claimSlack = 30 * time.Second

func claimOwner(req Request) string {
	return fmt.Sprintf("%s/%d", req.CallingModule, os.Getpid())
}

func (d *Dispatcher) reason(req Request) string {
	if req.Reason != "" {
		return req.Reason
	}
	if req.Signal.Name != "" {
		return req.Signal.String()
	}

	return req.IssueType + " " + req.Severity.String()
}

func ranHandler(err error) bool {
	return errors.HasCode(err, errors.ErrHandlerFailed) || errors.HasCode(err, errors.ErrNoEffect)
}

type unmapped struct {
	Issue    string
	Severity string
}
