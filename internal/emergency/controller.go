package emergency

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"codeberg.org/mutker/healthwatch/internal/dump"
	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/health"
	"codeberg.org/mutker/healthwatch/internal/logger"
	"codeberg.org/mutker/healthwatch/internal/notify"
	"codeberg.org/mutker/healthwatch/internal/process"
)

type State string

const (
	Scanning       State = "scanning"
	Terminating    State = "terminating"
	Verifying      State = "verifying"
	Resolved       State = "resolved"
	Escalating     State = "escalating"
	ShuttingDown   State = "shutting_down"
	ShutdownFailed State = "shutdown_failed"
)

type Config struct {
	TopN             int           `mapstructure:"top_n"`
	Rank             string        `mapstructure:"rank"`
	KillWait         time.Duration `mapstructure:"kill_wait"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	Settle           time.Duration `mapstructure:"settle"`
	ShutdownDelay    time.Duration `mapstructure:"shutdown_delay"`
	MechanismTimeout time.Duration `mapstructure:"mechanism_timeout"`
	DumpTimeout      time.Duration `mapstructure:"dump_timeout"`
}

func DefaultConfig() Config {
	return Config{
		TopN:             5,
		Rank:             "cpu",
		KillWait:         5 * time.Second,
		PollInterval:     200 * time.Millisecond,
		Settle:           10 * time.Second,
		ShutdownDelay:    10 * time.Second,
		MechanismTimeout: defaultMechanismTimeout,
		DumpTimeout:      time.Minute,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.TopN <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "emergency.top_n must be positive")
	}
	if _, err := process.ParseRanking(c.Rank); err != nil {
		return err
	}
	if c.KillWait <= 0 || c.PollInterval <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "emergency.kill_wait and emergency.poll_interval must be positive")
	}
	if c.Settle < 0 || c.ShutdownDelay < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "emergency delays must not be negative")
	}
	if c.ShutdownDelay > 5*time.Minute {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "emergency.shutdown_delay must be seconds, not minutes")
	}

	return nil
}

// Trigger is the emergency reading that started the controller.
type Trigger struct {
	Module    string
	Reason    string
	Signal    health.Signal
	Threshold health.Threshold
	// Rank overrides the configured ranking, e.g. memory for memory pressure.
	Rank *process.Ranking
}

type Termination struct {
	Process process.Info
	Signal  string
	Forced  bool
	Err     error
}

type Skip struct {
	Process process.Info
	Reason  string
}

type Report struct {
	FinalState     State
	Path           []State
	Terminated     []Termination
	Skipped        []Skip
	Resampled      bool
	ResampledValue float64
	DumpPath       string
	Mechanism      string
}

// Killed counts processes confirmed gone.
func (r Report) Killed() int {
	n := 0
	for _, t := range r.Terminated {
		if t.Err == nil {
			n++
		}
	}

	return n
}

func (r *Report) enter(s State) {
	r.FinalState = s
	r.Path = append(r.Path, s)
}

type Dumper interface {
	Capture(ctx context.Context, trig dump.Trigger, now time.Time) (string, error)
}

type Alerter interface {
	Notify(ctx context.Context, note notify.Notification)
	Broadcast(ctx context.Context, msg string) error
}

// Controller relieves an emergency by terminating the heaviest unprotected
// processes and, if that is not enough, shuts the host down.
type Controller struct {
	cfg        Config
	policy     Policy
	procs      process.Table
	source     health.Source
	dumper     Dumper
	alerter    Alerter
	mechanisms []Mechanism
	logger     logger.Logger
	clock      func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Controller)

func WithDumper(d Dumper) Option           { return func(c *Controller) { c.dumper = d } }
func WithAlerter(a Alerter) Option         { return func(c *Controller) { c.alerter = a } }
func WithMechanisms(m ...Mechanism) Option { return func(c *Controller) { c.mechanisms = m } }
func WithLogger(l logger.Logger) Option    { return func(c *Controller) { c.logger = l } }
func WithClock(f func() time.Time) Option  { return func(c *Controller) { c.clock = f } }

// WithSleep replaces every wait, letting tests run the state machine
// without real delays.
func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = f }
}

func NewController(cfg Config, policy Policy, procs process.Table, source health.Source, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg,
		policy: policy.withCurrentProcess(),
		procs:  procs,
		source: source,
		logger: logger.Default(),
		clock:  time.Now,
		sleep:  sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.mechanisms == nil {
		c.mechanisms = DefaultMechanisms(nil, cfg.MechanismTimeout)
	}

	return c
}

// Run drives the state machine to a terminal state. The returned error is
// non-nil only when every shutdown mechanism failed.
func (c *Controller) Run(ctx context.Context, trig Trigger) (Report, error) {
	var rep Report

	rep.enter(Scanning)
	candidates, err := c.procs.Top(ctx, c.rank(trig), c.cfg.TopN)
	if err != nil {
		c.logger.Warn().Err(err).Str("module", trig.Module).Msg("Process scan failed")
	}

	rep.enter(Terminating)
	for _, p := range candidates {
		if protected, why := c.policy.Protected(p); protected {
			rep.Skipped = append(rep.Skipped, Skip{Process: p, Reason: why})
			c.logger.Info().Int32("pid", p.PID).Str("name", p.Name).Str("reason", why).Msg("Skipping protected process")
			continue
		}
		rep.Terminated = append(rep.Terminated, c.terminate(ctx, p))
	}

	if rep.Killed() > 0 {
		rep.enter(Verifying)
		if err := c.sleep(ctx, c.cfg.Settle); err != nil {
			c.logger.Warn().Err(err).Msg("Settle wait interrupted")
		}
		rep.ResampledValue = trig.Signal.Value
		if sig, ok := health.Sample(ctx, c.source, trig.Signal.Name, trig.Signal.Unit, c.clock()); ok {
			rep.Resampled = true
			rep.ResampledValue = sig.Value
		} else {
			c.logger.Warn().Str("signal", trig.Signal.Name).Msg("Re-sample unavailable, assuming no improvement")
		}

		if rep.ResampledValue < trig.Threshold.Emergency {
			rep.enter(Resolved)
			c.logger.Info().
				Str("module", trig.Module).
				Str("signal", trig.Signal.Name).
				Float64("value", rep.ResampledValue).
				Int("terminated", rep.Killed()).
				Msg("Emergency resolved by terminating processes")

			return rep, nil
		}
	}

	rep.enter(Escalating)
	c.logger.Warn().
		Str("module", trig.Module).
		Int("terminated", rep.Killed()).
		Int("skipped", len(rep.Skipped)).
		Msg("Emergency not relieved, shutting down")

	return c.shutdown(ctx, trig, rep)
}

func (c *Controller) shutdown(ctx context.Context, trig Trigger, rep Report) (Report, error) {
	errFactory := errors.New()
	rep.enter(ShuttingDown)

	if c.dumper != nil {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.DumpTimeout)
		path, err := c.dumper.Capture(dctx, dump.Trigger{
			Reason: trig.Reason,
			Value:  trig.Signal.Value,
			Unit:   trig.Signal.Unit,
			Module: trig.Module,
		}, c.clock())
		cancel()
		if err != nil {
			c.logger.Error().Err(err).Msg("Diagnostic dump failed, continuing shutdown")
		}
		rep.DumpPath = path
	}

	if c.alerter != nil {
		msg := fmt.Sprintf("healthwatch: emergency in %s (%s). System shutting down in %s.",
			trig.Module, trig.Signal, c.cfg.ShutdownDelay)
		_ = c.alerter.Broadcast(ctx, msg)
	}

	if err := c.sleep(ctx, c.cfg.ShutdownDelay); err != nil {
		c.logger.Warn().Err(err).Msg("Shutdown delay interrupted")
	}

	var failures []error
	for _, m := range c.mechanisms {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.mechanismTimeout())
		err := m.Shutdown(mctx)
		cancel()
		if err == nil {
			rep.Mechanism = m.Name()
			c.logger.Warn().Str("mechanism", m.Name()).Msg("Shutdown issued")
			return rep, nil
		}
		c.logger.Error().Err(err).Str("mechanism", m.Name()).Msg("Shutdown mechanism failed")
		failures = append(failures, err)
	}

	rep.enter(ShutdownFailed)
	fatal := errFactory.Wrap(errors.ErrShutdownExhausted, errors.Join(failures...))
	c.logger.ErrorWithContext(fatal, "emergency", "shutdown").
		Str("module", trig.Module).
		Msg("All shutdown mechanisms failed, manual intervention required")
	if c.alerter != nil {
		c.alerter.Notify(ctx, notify.Notification{
			Severity: health.Emergency,
			Module:   trig.Module,
			Message:  "Emergency shutdown failed, manual intervention required",
			Time:     c.clock(),
		})
	}

	return rep, fatal
}

func (c *Controller) terminate(ctx context.Context, p process.Info) Termination {
	t := Termination{Process: p, Signal: syscall.SIGTERM.String()}

	if err := c.procs.Signal(p.PID, syscall.SIGTERM); err != nil {
		t.Err = err
		c.logger.Warn().Err(err).Int32("pid", p.PID).Msg("Failed to terminate process")
		return t
	}
	if c.waitGone(ctx, p.PID) {
		c.logger.Info().Int32("pid", p.PID).Str("name", p.Name).Float64("cpu", p.CPUPercent).Msg("Process terminated")
		return t
	}

	t.Signal, t.Forced = syscall.SIGKILL.String(), true
	if err := c.procs.Signal(p.PID, syscall.SIGKILL); err != nil {
		t.Err = err
		c.logger.Warn().Err(err).Int32("pid", p.PID).Msg("Failed to kill process")
		return t
	}
	if !c.waitGone(ctx, p.PID) {
		t.Err = errors.New().WithData(errors.ErrProcessSignalFailed, stillAlive{PID: p.PID, Name: p.Name})
		c.logger.Warn().Int32("pid", p.PID).Msg("Process survived SIGKILL")
		return t
	}
	c.logger.Info().Int32("pid", p.PID).Str("name", p.Name).Float64("cpu", p.CPUPercent).Msg("Process killed")

	return t
}

type stillAlive struct {
	PID  int32
	Name string
}

// waitGone polls liveness for at most KillWait.
func (c *Controller) waitGone(ctx context.Context, pid int32) bool {
	poll := c.cfg.PollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	attempts := max(int(c.cfg.KillWait/poll), 1)
	for i := 0; i < attempts; i++ {
		if !c.procs.Alive(ctx, pid) {
			return true
		}
		if err := c.sleep(ctx, poll); err != nil {
			break
		}
	}

	return !c.procs.Alive(ctx, pid)
}

func (c *Controller) rank(trig Trigger) process.Ranking {
	if trig.Rank != nil {
		return *trig.Rank
	}
	r, _ := process.ParseRanking(c.cfg.Rank)

	return r
}

func (c *Controller) mechanismTimeout() time.Duration {
	if c.cfg.MechanismTimeout > 0 {
		return c.cfg.MechanismTimeout
	}

	return defaultMechanismTimeout
}

// Candidate is a scanned process and whether policy would spare it.
type Candidate struct {
	Process   process.Info
	Protected bool
	Reason    string
}

// Preview scans like Run but changes nothing.
func (c *Controller) Preview(ctx context.Context, trig Trigger) ([]Candidate, []string, error) {
	infos, err := c.procs.Top(ctx, c.rank(trig), c.cfg.TopN)
	if err != nil {
		return nil, nil, err
	}

	out := make([]Candidate, 0, len(infos))
	for _, p := range infos {
		prot, why := c.policy.Protected(p)
		out = append(out, Candidate{Process: p, Protected: prot, Reason: why})
	}
	mechs := make([]string, 0, len(c.mechanisms))
	for _, m := range c.mechanisms {
		mechs = append(mechs, m.Name())
	}

	return out, mechs, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
