package monitor

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/healthwatch/internal/autofix"
	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/evaluator"
	"codeberg.org/mutker/healthwatch/internal/grace"
	"codeberg.org/mutker/healthwatch/internal/health"
	"codeberg.org/mutker/healthwatch/internal/history"
	"codeberg.org/mutker/healthwatch/internal/logger"
	"codeberg.org/mutker/healthwatch/internal/metrics"
	"codeberg.org/mutker/healthwatch/internal/notify"
)

// Alerter receives alerts that passed the tier cooldown.
type Alerter interface {
	Notify(ctx context.Context, note notify.Notification)
}

// Result is what one monitor did during a cycle.
type Result struct {
	Monitor   string
	Signal    health.Signal
	Available bool
	Tier      health.Tier
	Alerted   bool
	Outcome   *autofix.Outcome
}

type Report struct {
	Started  time.Time
	Finished time.Time
	Results  []Result
	Swept    []grace.Window
}

// ExitCode is 1 when a remediation failed, otherwise 0.
func (r Report) ExitCode() int {
	for _, res := range r.Results {
		if res.Outcome != nil && res.Outcome.Status == autofix.Failed {
			return autofix.ExitFailure
		}
	}

	return autofix.ExitOK
}

// Runner executes monitoring cycles: sample, evaluate, alert, remediate.
type Runner struct {
	specs      []Spec
	source     health.Source
	evaluator  *evaluator.Evaluator
	dispatcher *autofix.Dispatcher
	alerter    Alerter
	tracker    *grace.Tracker
	graceTTL   time.Duration
	history    history.Recorder
	metrics    *metrics.Metrics
	logger     logger.Logger
	clock      func() time.Time
}

type Option func(*Runner)

// WithSweep removes grace windows older than ttl at the end of each cycle.
func WithSweep(tracker *grace.Tracker, ttl time.Duration) Option {
	return func(r *Runner) { r.tracker, r.graceTTL = tracker, ttl }
}

func WithHistory(h history.Recorder) Option { return func(r *Runner) { r.history = h } }
func WithMetrics(m *metrics.Metrics) Option { return func(r *Runner) { r.metrics = m } }
func WithLogger(l logger.Logger) Option     { return func(r *Runner) { r.logger = l } }
func WithClock(f func() time.Time) Option   { return func(r *Runner) { r.clock = f } }
func WithAlerter(a Alerter) Option          { return func(r *Runner) { r.alerter = a } }
func WithDispatcher(d *autofix.Dispatcher) Option {
	return func(r *Runner) { r.dispatcher = d }
}

func New(specs []Spec, source health.Source, ev *evaluator.Evaluator, opts ...Option) (*Runner, error) {
	if err := ValidateAll(specs); err != nil {
		return nil, err
	}

	r := &Runner{
		specs:     specs,
		source:    source,
		evaluator: ev,
		logger:    logger.Default(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Cycle runs every monitor once. Tiers are computed from the current
// readings only. State errors are collected and returned after all
// monitors ran.
func (r *Runner) Cycle(ctx context.Context) (Report, error) {
	rep := Report{Started: r.clock()}
	var errs []error

	unavailable := 0
	for _, spec := range r.specs {
		res, err := r.runOne(ctx, spec)
		if err != nil {
			errs = append(errs, err)
		}
		if !res.Available {
			unavailable++
		}
		rep.Results = append(rep.Results, res)
	}

	if r.tracker != nil {
		if r.graceTTL > 0 {
			swept, err := r.tracker.Sweep(ctx, r.graceTTL, r.clock())
			if err != nil {
				errs = append(errs, err)
			}
			rep.Swept = swept
		}
		if r.metrics != nil {
			if windows, err := r.tracker.Windows(ctx); err == nil {
				r.metrics.OpenGrace.Set(float64(len(windows)))
			}
		}
	}

	rep.Finished = r.clock()
	if r.metrics != nil {
		r.metrics.UnavailableSigs.Set(float64(unavailable))
		if err := r.metrics.FinishCycle(rep.Started, rep.Finished); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to write metrics")
		}
	}

	r.logger.Debug().
		Int("monitors", len(r.specs)).
		Int("unavailable", unavailable).
		Dur("took", rep.Finished.Sub(rep.Started)).
		Msg("Cycle finished")

	if len(errs) > 0 {
		return rep, errors.New().Wrap(errors.ErrRunCycle, errors.Join(errs...))
	}

	return rep, nil
}

func (r *Runner) runOne(ctx context.Context, spec Spec) (Result, error) {
	now := r.clock()
	res := Result{Monitor: spec.Name}

	sig, ok := health.Sample(ctx, r.source, spec.Signal, spec.Unit, now)
	if !ok {
		r.logger.Debug().
			Str("monitor", spec.Name).
			Str("signal", spec.Signal).
			Str("reason", string(errors.ErrSignalUnavailable)).
			Msg("Signal skipped")
		return res, nil
	}

	th := spec.Threshold()
	tier := evaluator.Evaluate(sig, th)
	res.Signal, res.Available, res.Tier = sig, true, tier

	if r.metrics != nil {
		r.metrics.ObserveSignal(spec.Name, sig, tier)
	}
	if tier == health.Normal {
		return res, nil
	}

	// Alert bookkeeping failures are reported but never hold back remediation.
	fire, alertErr := r.evaluator.ShouldAlert(ctx, sig.Name, tier, now)
	if alertErr != nil {
		r.logger.Warn().Err(alertErr).Str("monitor", spec.Name).Msg("Alert state unavailable")
	}
	if fire {
		res.Alerted = true
		r.alert(ctx, spec, sig, th, tier)
	}

	if !spec.Remediate || r.dispatcher == nil {
		return res, alertErr
	}
	if _, mapped := r.dispatcher.Table().Resolve(spec.IssueType(), tier); !mapped {
		r.logger.Debug().
			Str("monitor", spec.Name).
			Str("issue", spec.IssueType()).
			Str("tier", tier.String()).
			Msg("No remediation configured")
		return res, alertErr
	}

	out := r.dispatcher.Dispatch(ctx, autofix.Request{
		CallingModule: spec.Name,
		GraceSeconds:  int(spec.Grace / time.Second),
		IssueType:     spec.IssueType(),
		Severity:      tier,
		Reason:        fmt.Sprintf("%s at %s", sig, tier),
		Signal:        sig,
		Threshold:     th,
		Rank:          spec.Ranking(),
	})
	res.Outcome = &out
	r.recordOutcome(ctx, spec, sig, tier, out)

	return res, alertErr
}

func (r *Runner) alert(ctx context.Context, spec Spec, sig health.Signal, th health.Threshold, tier health.Tier) {
	if r.alerter != nil {
		r.alerter.Notify(ctx, notify.Notification{
			Severity: tier,
			Module:   spec.Name,
			Message:  fmt.Sprintf("%s reached %s (threshold %g)", sig, tier, th.Boundary(tier)),
			Time:     sig.Timestamp,
			Fields: map[string]string{
				"signal": sig.Name,
				"value":  fmt.Sprintf("%g", sig.Value),
			},
		})
	}
	if r.metrics != nil {
		r.metrics.AlertsTotal.WithLabelValues(spec.Name, tier.String()).Inc()
	}
	r.record(ctx, history.Event{
		Time:   sig.Timestamp,
		Kind:   history.KindAlert,
		Module: spec.Name,
		Signal: sig.Name,
		Value:  sig.Value,
		Tier:   tier.String(),
	})
}

func (r *Runner) recordOutcome(ctx context.Context, spec Spec, sig health.Signal, tier health.Tier, out autofix.Outcome) {
	for o := &out; o != nil; o = o.Escalated {
		if r.metrics != nil {
			r.metrics.DispatchTotal.WithLabelValues(o.ActionID, o.Status.String()).Inc()
		}

		kind := history.KindDispatch
		if o.Kind == autofix.KindEmergency {
			kind = history.KindEmergency
		}
		detail := o.Detail
		if o.Err != nil && detail == "" {
			detail = o.Err.Error()
		}
		r.record(ctx, history.Event{
			Time:     r.clock(),
			Kind:     kind,
			Module:   spec.Name,
			Signal:   sig.Name,
			Value:    sig.Value,
			Tier:     tier.String(),
			ActionID: o.ActionID,
			Status:   o.Status.String(),
			Detail:   detail,
		})
	}
}

func (r *Runner) record(ctx context.Context, ev history.Event) {
	if r.history == nil {
		return
	}
	if err := r.history.Record(ctx, ev); err != nil {
		r.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("Failed to record history")
	}
}

// Watch runs a cycle immediately and then every interval until ctx is
// done. A failed cycle is logged and the loop continues.
func (r *Runner) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New().WithMessage(errors.ErrInvalidInterval, fmt.Sprintf("invalid interval: %s", interval))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Cycle(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Monitoring cycle failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
