package monitor_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/healthwatch/internal/autofix"
	"codeberg.org/mutker/healthwatch/internal/cooldown"
	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/evaluator"
	"codeberg.org/mutker/healthwatch/internal/grace"
	"codeberg.org/mutker/healthwatch/internal/health"
	"codeberg.org/mutker/healthwatch/internal/history"
	"codeberg.org/mutker/healthwatch/internal/metrics"
	"codeberg.org/mutker/healthwatch/internal/monitor"
	"codeberg.org/mutker/healthwatch/internal/notify"
	"codeberg.org/mutker/healthwatch/internal/state"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 8, 2, 14, 0, 0, 0, time.UTC)

type recordingHandler struct {
	mu   sync.Mutex
	runs []autofix.Invocation
	err  error
}

func (h *recordingHandler) Plan(context.Context, autofix.Invocation) []string { return nil }

func (h *recordingHandler) Run(_ context.Context, inv autofix.Invocation) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, inv)

	return "ok", h.err
}

type recordingAlerter struct {
	notes []notify.Notification
}

func (a *recordingAlerter) Notify(_ context.Context, n notify.Notification) {
	a.notes = append(a.notes, n)
}

type memoryHistory struct {
	events []history.Event
}

func (m *memoryHistory) Record(_ context.Context, ev history.Event) error {
	m.events = append(m.events, ev)
	return nil
}

func (m *memoryHistory) Recent(context.Context, int) ([]history.Event, error) { return m.events, nil }
func (m *memoryHistory) Close() error                                         { return nil }

type fixture struct {
	now       time.Time
	store     *state.MemoryStore
	source    health.StaticSource
	emergency *recordingHandler
	notifyH   *recordingHandler
	alerter   *recordingAlerter
	history   *memoryHistory
	metrics   *metrics.Metrics
	runner    *monitor.Runner
}

func newFixture(t *testing.T, specs []monitor.Spec) *fixture {
	t.Helper()
	f := &fixture{
		now:       t0,
		store:     state.NewMemoryStore(),
		source:    health.StaticSource{},
		emergency: &recordingHandler{},
		notifyH:   &recordingHandler{},
		alerter:   &recordingAlerter{},
		history:   &memoryHistory{},
		metrics:   metrics.New(metrics.DefaultConfig()),
	}
	clock := func() time.Time { return f.now }

	table, err := autofix.NewTable([]autofix.Action{
		{ID: "warn-user", Kind: autofix.KindNotify, Triggers: []string{"*:warning"}, MinInterval: time.Minute},
		{ID: "emergency-shutdown", Kind: autofix.KindEmergency, Triggers: []string{"*:emergency"}, MinInterval: 15 * time.Minute},
	})
	require.NoError(t, err)

	tracker := grace.NewTracker(f.store, nil)
	dispatcher, err := autofix.NewDispatcher(table, tracker, cooldown.New(f.store, nil),
		autofix.WithHandler(autofix.KindEmergency, f.emergency),
		autofix.WithHandler(autofix.KindNotify, f.notifyH),
		autofix.WithClock(clock),
	)
	require.NoError(t, err)

	f.runner, err = monitor.New(specs, f.source, evaluator.New(f.store, evaluator.DefaultCooldowns(), nil),
		monitor.WithDispatcher(dispatcher),
		monitor.WithAlerter(f.alerter),
		monitor.WithHistory(f.history),
		monitor.WithMetrics(f.metrics),
		monitor.WithSweep(tracker, time.Hour),
		monitor.WithClock(clock),
	)
	require.NoError(t, err)

	return f
}

func (f *fixture) cycle(t *testing.T, at time.Duration) monitor.Report {
	t.Helper()
	f.now = t0.Add(at)
	rep, err := f.runner.Cycle(context.Background())
	require.NoError(t, err)

	return rep
}

func emergencySpecs() []monitor.Spec {
	return []monitor.Spec{
		{Name: "thermal", Signal: "cpu_temp_c", Unit: "C", Warning: 80, Critical: 90, Emergency: 95, Grace: 2 * time.Minute, Remediate: true},
		{Name: "usb", Signal: "usb_resets", Warning: 3, Critical: 10, Emergency: 25, Grace: 2 * time.Minute, Remediate: true},
		{Name: "memory", Signal: "memory_used_pct", Unit: "%", Warning: 85, Critical: 93, Emergency: 98, Grace: 2 * time.Minute, Remediate: true, Rank: "memory"},
	}
}

func TestThreeMonitorsShareOneEmergencyShutdown(t *testing.T) {
	f := newFixture(t, emergencySpecs())
	f.source["cpu_temp_c"] = 97
	f.source["usb_resets"] = 30
	f.source["memory_used_pct"] = 99

	rep := f.cycle(t, 0)
	for _, res := range rep.Results {
		require.NotNil(t, res.Outcome, res.Monitor)
		assert.Equal(t, autofix.SkippedGrace, res.Outcome.Status, res.Monitor)
		assert.Equal(t, health.Emergency, res.Tier)
	}
	assert.Equal(t, autofix.ExitOK, rep.ExitCode())

	f.cycle(t, time.Minute)
	assert.Empty(t, f.emergency.runs)

	rep = f.cycle(t, 2*time.Minute)
	require.Len(t, f.emergency.runs, 1)
	inv := f.emergency.runs[0]
	assert.Equal(t, "thermal", inv.Request.CallingModule)
	assert.Equal(t, "cpu_temp_c", inv.Request.Signal.Name)
	assert.Equal(t, 95.0, inv.Request.Threshold.Emergency)
	assert.ElementsMatch(t, []string{"thermal", "usb", "memory"}, unique(inv.Window.Callers()))
	assert.Equal(t, autofix.Executed, rep.Results[0].Outcome.Status)

	rep = f.cycle(t, 4*time.Minute)
	assert.Len(t, f.emergency.runs, 1, "cooldown holds back a second shutdown")
	assert.Equal(t, autofix.SkippedCooldown, rep.Results[0].Outcome.Status)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DispatchTotal.WithLabelValues("emergency-shutdown", "executed")))
}

func TestWarningAlertsOncePerCooldown(t *testing.T) {
	f := newFixture(t, emergencySpecs()[:1])
	f.source["cpu_temp_c"] = 82

	f.cycle(t, 0)
	f.cycle(t, 3*time.Minute)
	f.cycle(t, 9*time.Minute)
	require.Len(t, f.alerter.notes, 1)
	assert.Equal(t, health.Warning, f.alerter.notes[0].Severity)
	assert.Equal(t, "thermal", f.alerter.notes[0].Module)

	f.cycle(t, 10*time.Minute)
	assert.Len(t, f.alerter.notes, 2)

	// The notify action waits out its grace window first.
	assert.Len(t, f.notifyH.runs, 1)
}

func TestNormalReadingHasNoSideEffects(t *testing.T) {
	f := newFixture(t, emergencySpecs())
	f.source["cpu_temp_c"] = 45
	f.source["usb_resets"] = 0
	f.source["memory_used_pct"] = 30

	rep := f.cycle(t, 0)
	for _, res := range rep.Results {
		assert.True(t, res.Available)
		assert.Equal(t, health.Normal, res.Tier)
		assert.Nil(t, res.Outcome)
	}
	assert.Empty(t, f.alerter.notes)
	assert.Empty(t, f.history.events)
	assert.Equal(t, 0, f.store.Writes())
	assert.Equal(t, 45.0, testutil.ToFloat64(f.metrics.SignalValue.WithLabelValues("thermal", "cpu_temp_c")))
}

func TestUnavailableSignalIsSkipped(t *testing.T) {
	f := newFixture(t, emergencySpecs())
	f.source["cpu_temp_c"] = 97

	rep := f.cycle(t, 0)
	require.Len(t, rep.Results, 3)
	assert.True(t, rep.Results[0].Available)
	assert.False(t, rep.Results[1].Available)
	assert.False(t, rep.Results[2].Available)
	assert.Nil(t, rep.Results[1].Outcome)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.UnavailableSigs))
}

func TestHistoryRecordsAlertsAndOutcomes(t *testing.T) {
	f := newFixture(t, emergencySpecs()[:1])
	f.source["cpu_temp_c"] = 97

	f.cycle(t, 0)
	require.Len(t, f.history.events, 2)
	assert.Equal(t, history.KindAlert, f.history.events[0].Kind)
	assert.Equal(t, "emergency", f.history.events[0].Tier)
	assert.Equal(t, history.KindEmergency, f.history.events[1].Kind)
	assert.Equal(t, "skipped_grace", f.history.events[1].Status)
	assert.Equal(t, "emergency-shutdown", f.history.events[1].ActionID)
}

func TestFailedRemediationSetsExitCode(t *testing.T) {
	f := newFixture(t, []monitor.Spec{
		{Name: "thermal", Signal: "cpu_temp_c", Warning: 80, Critical: 90, Emergency: 95, Remediate: true},
	})
	f.emergency.err = errors.New().New(errors.ErrHandlerFailed)
	f.source["cpu_temp_c"] = 99

	rep := f.cycle(t, 0)
	require.NotNil(t, rep.Results[0].Outcome)
	assert.Equal(t, autofix.Failed, rep.Results[0].Outcome.Status)
	assert.Equal(t, autofix.ExitFailure, rep.ExitCode())
}

func TestSweepRemovesAbandonedWindows(t *testing.T) {
	f := newFixture(t, emergencySpecs()[:1])
	f.source["cpu_temp_c"] = 97
	f.cycle(t, 0)

	f.source["cpu_temp_c"] = 40
	rep := f.cycle(t, 61*time.Minute)
	require.Len(t, rep.Swept, 1)
	assert.Equal(t, "emergency-shutdown", rep.Swept[0].ActionKey)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.OpenGrace))
}

func TestWatchStopsWithContext(t *testing.T) {
	f := newFixture(t, emergencySpecs()[:1])
	f.source["cpu_temp_c"] = 40

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, f.runner.Watch(ctx, time.Second))

	err := f.runner.Watch(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidInterval))
}

func TestSpecValidation(t *testing.T) {
	good := emergencySpecs()
	assert.NoError(t, monitor.ValidateAll(good))
	assert.NoError(t, monitor.ValidateAll(monitor.DefaultSpecs()))

	bad := map[string]monitor.Spec{
		"no name":     {Signal: "x", Warning: 1, Critical: 2, Emergency: 3},
		"no signal":   {Name: "x", Warning: 1, Critical: 2, Emergency: 3},
		"unordered":   {Name: "x", Signal: "x", Warning: 3, Critical: 2, Emergency: 1},
		"negative":    {Name: "x", Signal: "x", Grace: -time.Second},
		"bad ranking": {Name: "x", Signal: "x", Rank: "io"},
	}
	for name, s := range bad {
		err := monitor.ValidateAll([]monitor.Spec{s})
		assert.Error(t, err, name)
		assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig), name)
	}

	assert.Error(t, monitor.ValidateAll([]monitor.Spec{good[0], good[0]}))
}

func TestIssueTypeDefaultsToName(t *testing.T) {
	assert.Equal(t, "thermal", monitor.Spec{Name: "Thermal"}.IssueType())
	assert.Equal(t, "thermal", monitor.Spec{Name: "gpu", Issue: "thermal"}.IssueType())
}

func unique(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	return out
}

// brokenAlertStore fails every write to alert records.
type brokenAlertStore struct {
	*state.MemoryStore
}

func (s brokenAlertStore) Update(ctx context.Context, name string, fn state.UpdateFunc) error {
	if strings.HasPrefix(name, "alert-") {
		return errors.New().WithMessage(state.ErrAccess, "read-only filesystem")
	}

	return s.MemoryStore.Update(ctx, name, fn)
}

func TestAlertStateFailureStillDispatches(t *testing.T) {
	store := brokenAlertStore{MemoryStore: state.NewMemoryStore()}
	clock := func() time.Time { return t0 }
	emergency := &recordingHandler{}
	alerter := &recordingAlerter{}

	table, err := autofix.NewTable([]autofix.Action{
		{ID: "emergency-shutdown", Kind: autofix.KindEmergency, Triggers: []string{"*:emergency"}, MinInterval: 15 * time.Minute},
	})
	require.NoError(t, err)
	dispatcher, err := autofix.NewDispatcher(table, grace.NewTracker(store, nil), cooldown.New(store, nil),
		autofix.WithHandler(autofix.KindEmergency, emergency),
		autofix.WithClock(clock),
	)
	require.NoError(t, err)

	specs := []monitor.Spec{
		{Name: "thermal", Signal: "cpu_temp_c", Warning: 80, Critical: 90, Emergency: 95, Remediate: true},
	}
	runner, err := monitor.New(specs, health.StaticSource{"cpu_temp_c": 99},
		evaluator.New(store, evaluator.DefaultCooldowns(), nil),
		monitor.WithDispatcher(dispatcher),
		monitor.WithAlerter(alerter),
		monitor.WithClock(clock),
	)
	require.NoError(t, err)

	rep, err := runner.Cycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrRunCycle))
	assert.ErrorContains(t, err, "read-only filesystem")

	require.Len(t, rep.Results, 1)
	assert.False(t, rep.Results[0].Alerted)
	require.NotNil(t, rep.Results[0].Outcome)
	assert.Equal(t, autofix.Executed, rep.Results[0].Outcome.Status)
	assert.Len(t, emergency.runs, 1)
	assert.Empty(t, alerter.notes)
}
