package autofix

import (
	"context"
	"time"

	"codeberg.org/mutker/healthwatch/internal/health"
	"gopkg.in/yaml.v3"
)

// Plan describes what a request would do, built from read-only state.
type Plan struct {
	ActionID      string       `yaml:"action_id"`
	Kind          Kind         `yaml:"kind"`
	Issue         string       `yaml:"issue"`
	Severity      string       `yaml:"severity"`
	CallingModule string       `yaml:"calling_module"`
	Subsystem     string       `yaml:"subsystem,omitempty"`
	Description   string       `yaml:"description,omitempty"`
	Operations    []string     `yaml:"operations"`
	SafetyChecks  []string     `yaml:"safety_checks,omitempty"`
	Timeout       string       `yaml:"timeout"`
	Grace         GracePlan    `yaml:"grace"`
	Cooldown      CooldownPlan `yaml:"cooldown"`
	WouldRun      bool         `yaml:"would_run"`
	Escalation    string       `yaml:"escalation,omitempty"`
}

type GracePlan struct {
	Seconds     int      `yaml:"seconds"`
	Open        bool     `yaml:"open"`
	StartedAt   string   `yaml:"started_at,omitempty"`
	Requesters  []string `yaml:"requesters,omitempty"`
	WouldExpire bool     `yaml:"would_expire"`
}

type CooldownPlan struct {
	MinInterval string `yaml:"min_interval"`
	LastRunAt   string `yaml:"last_run_at,omitempty"`
	LastOutcome string `yaml:"last_outcome,omitempty"`
	// RunningOwner is set while another caller is running the action.
	RunningOwner string `yaml:"running_owner,omitempty"`
	Active       bool   `yaml:"active"`
	Remaining    string `yaml:"remaining,omitempty"`
}

func (p *Plan) YAML() (string, error) {
	b, err := yaml.Marshal(p)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

func (d *Dispatcher) plan(ctx context.Context, action Action, req Request, now time.Time) (*Plan, error) {
	p := &Plan{
		ActionID:      action.ID,
		Kind:          action.Kind,
		Issue:         req.IssueType,
		Severity:      req.Severity.String(),
		CallingModule: req.CallingModule,
		Subsystem:     action.Subsystem,
		Description:   action.Description,
		SafetyChecks:  action.SafetyChecks,
		Timeout:       action.Timeout.String(),
		Grace:         GracePlan{Seconds: req.GraceSeconds, WouldExpire: req.GraceSeconds <= 0},
		Cooldown:      CooldownPlan{MinInterval: action.MinInterval.String()},
	}

	inv := Invocation{Action: action, Request: req, Now: now}
	if req.GraceSeconds > 0 {
		w, open, err := d.grace.Peek(ctx, action.ID)
		if err != nil {
			return nil, err
		}
		if open {
			inv.Window = w
			p.Grace.Open = true
			p.Grace.StartedAt = w.StartedAt.Format(time.RFC3339)
			p.Grace.Requesters = w.Callers()
			p.Grace.WouldExpire = now.Sub(w.StartedAt) >= min(w.Duration, req.grace())
		}
	}

	dec, err := d.cooldowns.Check(ctx, action.ID, action.MinInterval, now)
	if err != nil {
		return nil, err
	}
	if !dec.Last.LastRunAt.IsZero() {
		p.Cooldown.LastRunAt = dec.Last.LastRunAt.Format(time.RFC3339)
		p.Cooldown.LastOutcome = dec.Last.LastOutcome
	}
	if dec.Running {
		p.Cooldown.RunningOwner = dec.Owner
	}
	if !dec.Allowed {
		p.Cooldown.Active = true
		p.Cooldown.Remaining = dec.Remaining.Round(time.Second).String()
	}

	p.Operations = d.handlers[action.Kind].Plan(ctx, inv)
	p.WouldRun = p.Grace.WouldExpire && !p.Cooldown.Active
	if req.Severity == health.Emergency {
		if esc, ok := d.table.Escalation(req.IssueType, action); ok {
			p.Escalation = esc.ID
		}
	}

	return p, nil
}
