package grace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/logger"
	"codeberg.org/mutker/healthwatch/internal/state"
)

const windowPrefix = "grace"

type Status int

const (
	Pending Status = iota
	Expired
)

func (s Status) String() string {
	if s == Expired {
		return "expired"
	}

	return "pending"
}

// Request is one entry of a window's requester log.
type Request struct {
	Caller string
	Reason string
	At     time.Time
}

// Window deduplicates requests for one action. StartedAt is fixed by the
// first request and never moves while the window is open.
type Window struct {
	ActionKey string
	StartedAt time.Time
	Duration  time.Duration
	Requests  []Request
}

func (w Window) ExpiresAt() time.Time {
	return w.StartedAt.Add(w.Duration)
}

func (w Window) Callers() []string {
	out := make([]string, 0, len(w.Requests))
	for _, r := range w.Requests {
		out = append(out, r.Caller)
	}

	return out
}

type Result struct {
	Status Status
	Window Window
	// Opened is true when this request created the window.
	Opened bool
}

// Remaining is how long the window stays open after now.
func (r Result) Remaining(now time.Time) time.Duration {
	if r.Status == Expired {
		return 0
	}
	if d := r.Window.ExpiresAt().Sub(now); d > 0 {
		return d
	}

	return 0
}

// Tracker persists grace windows in a state store. Every transition is a
// single locked read-modify-write, so two processes can never both open a
// window or both observe its expiry.
type Tracker struct {
	store  state.Store
	logger logger.Logger
}

func NewTracker(store state.Store, log logger.Logger) *Tracker {
	if log == nil {
		log = logger.Default()
	}

	return &Tracker{store: store, logger: log}
}

func StateName(actionKey string) string {
	return state.Key(windowPrefix, actionKey)
}

// RequestAction records a request for actionKey. The first request opens
// a window; requests inside the window are appended and return Pending;
// the first request at or after expiry returns Expired together with the
// full requester log and removes the window. A shorter grace from a later
// caller can shorten the window but never extend it.
func (t *Tracker) RequestAction(
	ctx context.Context, actionKey, caller, reason string, grace time.Duration, now time.Time,
) (Result, error) {
	if actionKey == "" {
		return Result{}, errors.New().WithMessage(errors.ErrInvalidArgument, "empty action key")
	}

	var res Result
	err := t.store.Update(ctx, StateName(actionKey), func(r state.Record) (state.Record, error) {
		req := Request{Caller: caller, Reason: reason, At: now}

		w, err := decodeWindow(actionKey, r)
		if len(r) > 0 && err != nil {
			t.logger.Warn().Err(err).Str("action", actionKey).Msg("Replacing unreadable grace window")
		}

		if len(r) == 0 || err != nil {
			w := Window{ActionKey: actionKey, StartedAt: now, Duration: max(grace, 0), Requests: []Request{req}}
			res = Result{Status: Pending, Window: w, Opened: true}
			if grace <= 0 {
				res.Status = Expired
				return nil, nil
			}

			return encodeWindow(w), nil
		}

		if grace >= 0 && grace < w.Duration {
			w.Duration = grace
		}

		if now.Sub(w.StartedAt) >= w.Duration {
			res = Result{Status: Expired, Window: w}
			return nil, nil
		}

		w.Requests = append(w.Requests, req)
		res = Result{Status: Pending, Window: w}

		return encodeWindow(w), nil
	})
	if err != nil {
		return Result{}, err
	}

	ev := t.logger.Debug()
	if res.Status == Expired {
		ev = t.logger.Info()
	}
	ev.Str("action", actionKey).
		Str("caller", caller).
		Str("status", res.Status.String()).
		Bool("opened", res.Opened).
		Time("started_at", res.Window.StartedAt).
		Strs("requesters", res.Window.Callers()).
		Msg("Grace window request")

	return res, nil
}

// Await blocks until the window for actionKey reaches its expiry and then
// claims it. Only an existing window is claimed: if another process
// expired it first, Await returns Pending with the window it waited on.
// The wait is bounded by the window's remaining duration and ctx.
func (t *Tracker) Await(ctx context.Context, w Window, clock func() time.Time) (Result, error) {
	wait := w.ExpiresAt().Sub(clock())
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{}, errors.New().Wrap(errors.ErrTimeout, ctx.Err())
		case <-timer.C:
		}
	}

	return t.claim(ctx, w, clock())
}

func (t *Tracker) claim(ctx context.Context, waited Window, now time.Time) (Result, error) {
	res := Result{Status: Pending, Window: waited}
	err := t.store.Update(ctx, StateName(waited.ActionKey), func(r state.Record) (state.Record, error) {
		if len(r) == 0 {
			return nil, nil
		}
		w, err := decodeWindow(waited.ActionKey, r)
		if err != nil {
			return nil, err
		}
		if !w.StartedAt.Equal(waited.StartedAt) || now.Sub(w.StartedAt) < w.Duration {
			return r, nil
		}
		res = Result{Status: Expired, Window: w}

		return nil, nil
	})
	if err != nil {
		return Result{}, err
	}

	return res, nil
}

// Peek returns the open window for actionKey without modifying it.
func (t *Tracker) Peek(ctx context.Context, actionKey string) (Window, bool, error) {
	r, err := t.store.Load(ctx, StateName(actionKey))
	if err != nil || len(r) == 0 {
		return Window{}, false, err
	}
	w, err := decodeWindow(actionKey, r)
	if err != nil {
		return Window{}, false, err
	}

	return w, true, nil
}

// Windows lists every open window.
func (t *Tracker) Windows(ctx context.Context) ([]Window, error) {
	names, err := t.store.List(ctx, windowPrefix+"-")
	if err != nil {
		return nil, err
	}

	var out []Window
	for _, name := range names {
		r, err := t.store.Load(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(r) == 0 {
			continue
		}
		w, err := decodeWindow(r["action_key"], r)
		if err != nil {
			t.logger.Warn().Err(err).Str("state", name).Msg("Skipping unreadable grace window")
			continue
		}
		out = append(out, w)
	}

	return out, nil
}

// Sweep removes windows opened more than ttl ago that nobody came back to
// expire, and returns them.
func (t *Tracker) Sweep(ctx context.Context, ttl time.Duration, now time.Time) ([]Window, error) {
	open, err := t.Windows(ctx)
	if err != nil {
		return nil, err
	}

	var removed []Window
	for _, w := range open {
		stale := false
		err := t.store.Update(ctx, StateName(w.ActionKey), func(r state.Record) (state.Record, error) {
			if len(r) == 0 {
				return nil, nil
			}
			cur, err := decodeWindow(w.ActionKey, r)
			if err == nil && now.Sub(cur.StartedAt) < ttl {
				return r, nil
			}
			stale = true

			return nil, nil
		})
		if err != nil {
			return removed, err
		}
		if stale {
			t.logger.Info().
				Str("action", w.ActionKey).
				Time("started_at", w.StartedAt).
				Strs("requesters", w.Callers()).
				Msg("Removed abandoned grace window")
			removed = append(removed, w)
		}
	}

	return removed, nil
}

func encodeWindow(w Window) state.Record {
	r := state.Record{"action_key": w.ActionKey}
	r.SetTime("started_at", w.StartedAt)
	r.SetDuration("duration", w.Duration)
	r.SetInt("requests", len(w.Requests))
	for i, req := range w.Requests {
		prefix := fmt.Sprintf("request.%d.", i)
		r[prefix+"caller"] = req.Caller
		r[prefix+"reason"] = req.Reason
		r.SetTime(prefix+"at", req.At)
	}

	return r
}

func decodeWindow(actionKey string, r state.Record) (Window, error) {
	errFactory := errors.New()

	started, ok := r.Time("started_at")
	if !ok {
		return Window{}, errFactory.WithData(errors.ErrStateCorrupt, "grace window without started_at")
	}
	duration, ok := r.Duration("duration")
	if !ok {
		return Window{}, errFactory.WithData(errors.ErrStateCorrupt, "grace window without duration")
	}
	if key := strings.TrimSpace(r["action_key"]); key != "" {
		actionKey = key
	}

	n, _ := r.Int("requests")
	w := Window{ActionKey: actionKey, StartedAt: started, Duration: duration, Requests: make([]Request, 0, n)}
	for i := 0; i < n; i++ {
		prefix := fmt.Sprintf("request.%d.", i)
		at, _ := r.Time(prefix + "at")
		w.Requests = append(w.Requests, Request{
			Caller: r[prefix+"caller"],
			Reason: r[prefix+"reason"],
			At:     at,
		})
	}

	return w, nil
}
