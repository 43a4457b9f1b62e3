package evaluator

import (
	"context"
	"math"
	"time"

	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/health"
	"codeberg.org/mutker/healthwatch/internal/logger"
	"codeberg.org/mutker/healthwatch/internal/state"
)

const alertPrefix = "alert"

// Default alert cooldowns. Urgent tiers re-alert sooner.
const (
	DefaultWarningCooldown   = 10 * time.Minute
	DefaultCriticalCooldown  = 5 * time.Minute
	DefaultEmergencyCooldown = 1 * time.Minute
)

// Cooldowns maps a tier to the minimum time between two alerts for the
// same signal at that tier.
type Cooldowns struct {
	Warning   time.Duration `mapstructure:"warning"`
	Critical  time.Duration `mapstructure:"critical"`
	Emergency time.Duration `mapstructure:"emergency"`
}

func DefaultCooldowns() Cooldowns {
	return Cooldowns{
		Warning:   DefaultWarningCooldown,
		Critical:  DefaultCriticalCooldown,
		Emergency: DefaultEmergencyCooldown,
	}
}

func (c Cooldowns) For(tier health.Tier) time.Duration {
	switch tier {
	case health.Warning:
		return c.Warning
	case health.Critical:
		return c.Critical
	case health.Emergency:
		return c.Emergency
	default:
		return 0
	}
}

func (c Cooldowns) Validate() error {
	if c.Warning < 0 || c.Critical < 0 || c.Emergency < 0 {
		return errors.New().WithMessage(errors.ErrInvalidConfig, "alert cooldowns must not be negative")
	}

	return nil
}

// Evaluate maps a reading onto the threshold's tiers. It is a pure
// function of the current value; ties round up to the higher tier.
func Evaluate(sig health.Signal, th health.Threshold) health.Tier {
	v := sig.Value
	switch {
	case math.IsNaN(v):
		return health.Normal
	case v >= th.Emergency:
		return health.Emergency
	case v >= th.Critical:
		return health.Critical
	case v >= th.Warning:
		return health.Warning
	default:
		return health.Normal
	}
}

// Evaluator decides whether an alert should fire, keeping per
// (alert key, tier) bookkeeping in the state store.
type Evaluator struct {
	store     state.Store
	cooldowns Cooldowns
	logger    logger.Logger
}

func New(store state.Store, cooldowns Cooldowns, log logger.Logger) *Evaluator {
	if log == nil {
		log = logger.Default()
	}

	return &Evaluator{
		store:     store,
		cooldowns: cooldowns,
		logger:    log,
	}
}

// AlertStateName is the state record holding the cooldown of alertKey at tier.
func AlertStateName(alertKey string, tier health.Tier) string {
	return state.Key(alertPrefix, alertKey, tier.String())
}

// ShouldAlert reports whether an alert for alertKey at tier may fire now.
// When it returns true, now has already been persisted as the last firing
// time, so a crash before the alert is delivered cannot cause a repeat.
func (e *Evaluator) ShouldAlert(ctx context.Context, alertKey string, tier health.Tier, now time.Time) (bool, error) {
	if tier <= health.Normal {
		return false, nil
	}

	cooldown := e.cooldowns.For(tier)
	fire := false

	err := e.store.Update(ctx, AlertStateName(alertKey, tier), func(r state.Record) (state.Record, error) {
		if last, ok := r.Time("last_fired_at"); ok && !last.After(now) && now.Sub(last) < cooldown {
			return r, nil
		}

		fire = true
		r["alert_key"] = alertKey
		r["tier"] = tier.String()
		r.SetTime("last_fired_at", now)
		r.SetDuration("cooldown", cooldown)

		return r, nil
	})
	if err != nil {
		return false, err
	}

	if !fire {
		e.logger.Debug().
			Str("alert_key", alertKey).
			Str("tier", tier.String()).
			Dur("cooldown", cooldown).
			Str("reason", string(errors.ErrAlertSuppressed)).
			Msg("Alert suppressed")
	}

	return fire, nil
}
