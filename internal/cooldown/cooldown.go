package cooldown

import (
	"context"
	"time"

	"codeberg.org/mutker/healthwatch/internal/logger"
	"codeberg.org/mutker/healthwatch/internal/state"
)

const recordPrefix = "cooldown"

// Record is the last run of one remediation action.
type Record struct {
	ActionID    string
	LastRunAt   time.Time
	LastOutcome string
}

// Decision is the result of checking an action against its minimum interval.
type Decision struct {
	Allowed bool
	Last    Record
	// Remaining is zero when Allowed.
	Remaining time.Duration
	// Running is set when another caller holds an unexpired claim on the
	// action; Owner names that caller.
	Running bool
	Owner   string
}

// Store tracks when each action last ran. It is shared by every monitor, so
// an action triggered by two different modules still honours one interval.
type Store struct {
	store  state.Store
	logger logger.Logger
}

func New(store state.Store, log logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}

	return &Store{store: store, logger: log}
}

func StateName(actionID string) string {
	return state.Key(recordPrefix, actionID)
}

// Check reports whether actionID may run at now. It never writes.
func (s *Store) Check(ctx context.Context, actionID string, minInterval time.Duration, now time.Time) (Decision, error) {
	r, err := s.store.Load(ctx, StateName(actionID))
	if err != nil {
		return Decision{}, err
	}

	return s.decide(actionID, r, minInterval, now), nil
}

// Claim checks and reserves actionID in one locked update. A granted claim
// keeps every other caller out until Record is called or lease has passed,
// so two processes can never both run the action.
func (s *Store) Claim(
	ctx context.Context, actionID, owner string, minInterval, lease time.Duration, now time.Time,
) (Decision, error) {
	var dec Decision
	err := s.store.Update(ctx, StateName(actionID), func(r state.Record) (state.Record, error) {
		dec = s.decide(actionID, r, minInterval, now)
		if !dec.Allowed {
			return r, nil
		}

		if r == nil {
			r = state.Record{}
		}
		r["action_id"] = actionID
		r["running_owner"] = owner
		r.SetTime("running_since", now)
		r.SetTime("running_until", now.Add(lease))

		return r, nil
	})
	if err != nil {
		return Decision{}, err
	}

	if dec.Allowed {
		s.logger.Debug().
			Str("action", actionID).
			Str("owner", owner).
			Dur("lease", lease).
			Msg("Claimed action")
	}

	return dec, nil
}

func (s *Store) decide(actionID string, r state.Record, minInterval time.Duration, now time.Time) Decision {
	var dec Decision
	if at, ok := r.Time("last_run_at"); ok {
		dec.Last = Record{ActionID: actionID, LastRunAt: at, LastOutcome: r["last_outcome"]}
	} else if len(r) > 0 && r["running_owner"] == "" {
		s.logger.Warn().Str("action", actionID).Msg("Ignoring cooldown record without last_run_at")
	}

	if until, ok := r.Time("running_until"); ok && now.Before(until) {
		dec.Running, dec.Owner = true, r["running_owner"]
		dec.Remaining = until.Sub(now)
		return dec
	}

	if dec.Last.LastRunAt.IsZero() {
		dec.Allowed = true
		return dec
	}

	elapsed := now.Sub(dec.Last.LastRunAt)
	// A last run in the future means the clock moved backwards; allow.
	if elapsed < 0 || elapsed >= minInterval {
		dec.Allowed = true
		return dec
	}
	dec.Remaining = minInterval - elapsed

	return dec
}

// Last returns the stored record for actionID, if any.
func (s *Store) Last(ctx context.Context, actionID string) (Record, bool, error) {
	r, err := s.store.Load(ctx, StateName(actionID))
	if err != nil {
		return Record{}, false, err
	}
	at, ok := r.Time("last_run_at")
	if !ok {
		if len(r) > 0 {
			s.logger.Warn().Str("action", actionID).Msg("Ignoring cooldown record without last_run_at")
		}

		return Record{}, false, nil
	}

	return Record{ActionID: actionID, LastRunAt: at, LastOutcome: r["last_outcome"]}, true, nil
}

// Record stores now as the last run of actionID, whatever the outcome,
// and releases any claim.
func (s *Store) Record(ctx context.Context, actionID, outcome string, now time.Time) error {
	err := s.store.Update(ctx, StateName(actionID), func(state.Record) (state.Record, error) {
		r := state.Record{"action_id": actionID, "last_outcome": outcome}
		r.SetTime("last_run_at", now)

		return r, nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug().
		Str("action", actionID).
		Str("outcome", outcome).
		Time("last_run_at", now).
		Msg("Recorded action run")

	return nil
}

// List returns every stored cooldown record.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	names, err := s.store.List(ctx, recordPrefix+"-")
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(names))
	for _, name := range names {
		r, err := s.store.Load(ctx, name)
		if err != nil {
			return nil, err
		}
		at, ok := r.Time("last_run_at")
		if !ok {
			continue
		}
		out = append(out, Record{ActionID: r["action_id"], LastRunAt: at, LastOutcome: r["last_outcome"]})
	}

	return out, nil
}
