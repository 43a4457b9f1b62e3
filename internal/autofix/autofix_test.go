package autofix_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/healthwatch/internal/autofix"
	"codeberg.org/mutker/healthwatch/internal/command"
	"codeberg.org/mutker/healthwatch/internal/cooldown"
	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/grace"
	"codeberg.org/mutker/healthwatch/internal/health"
	"codeberg.org/mutker/healthwatch/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 8, 2, 14, 0, 0, 0, time.UTC)

type fakeHandler struct {
	mu    sync.Mutex
	runs  []autofix.Invocation
	plans int
	err   error
}

func (h *fakeHandler) Plan(context.Context, autofix.Invocation) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.plans++

	return []string{"would do the thing"}
}

func (h *fakeHandler) Run(_ context.Context, inv autofix.Invocation) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, inv)

	return "done", h.err
}

func (h *fakeHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.runs)
}

func testActions() []autofix.Action {
	return []autofix.Action{
		{
			ID:           "reset-usb",
			Kind:         autofix.KindCommand,
			Triggers:     []string{"usb:critical", "usb:emergency"},
			Command:      []string{"/usr/lib/healthwatch/reset-usb"},
			MinInterval:  10 * time.Minute,
			Subsystem:    "usb",
			SafetyChecks: []string{"skip input devices"},
		},
		{
			ID:          "alert",
			Kind:        autofix.KindNotify,
			Triggers:    []string{"*:warning", "thermal:critical"},
			MinInterval: time.Minute,
		},
		{
			ID:          "emergency-shutdown",
			Kind:        autofix.KindEmergency,
			Triggers:    []string{"thermal:emergency", "memory:emergency", "driver:emergency"},
			MinInterval: 15 * time.Minute,
		},
	}
}

type harness struct {
	store      *state.MemoryStore
	dispatcher *autofix.Dispatcher
	command    *fakeHandler
	notify     *fakeHandler
	emergency  *fakeHandler
	now        time.Time
}

func newHarness(t *testing.T, actions []autofix.Action) *harness {
	t.Helper()
	h := &harness{
		store:     state.NewMemoryStore(),
		command:   &fakeHandler{},
		notify:    &fakeHandler{},
		emergency: &fakeHandler{},
		now:       t0,
	}
	table, err := autofix.NewTable(actions)
	require.NoError(t, err)

	h.dispatcher, err = autofix.NewDispatcher(table,
		grace.NewTracker(h.store, nil),
		cooldown.New(h.store, nil),
		autofix.WithHandler(autofix.KindCommand, h.command),
		autofix.WithHandler(autofix.KindNotify, h.notify),
		autofix.WithHandler(autofix.KindEmergency, h.emergency),
		autofix.WithClock(func() time.Time { return h.now }),
	)
	require.NoError(t, err)

	return h
}

func TestTableRejectsBadConfiguration(t *testing.T) {
	base := testActions()

	cases := map[string]func([]autofix.Action) []autofix.Action{
		"duplicate trigger": func(a []autofix.Action) []autofix.Action {
			a[1].Triggers = append(a[1].Triggers, "usb:critical")
			return a
		},
		"unknown kind": func(a []autofix.Action) []autofix.Action {
			a[0].Kind = "reboot"
			return a
		},
		"zero interval": func(a []autofix.Action) []autofix.Action {
			a[0].MinInterval = 0
			return a
		},
		"command without argv": func(a []autofix.Action) []autofix.Action {
			a[0].Command = nil
			return a
		},
		"normal severity": func(a []autofix.Action) []autofix.Action {
			a[1].Triggers = []string{"thermal:normal"}
			return a
		},
		"malformed trigger": func(a []autofix.Action) []autofix.Action {
			a[1].Triggers = []string{"thermal"}
			return a
		},
		"duplicate id": func(a []autofix.Action) []autofix.Action {
			return append(a, a[0])
		},
		"emergency below emergency": func(a []autofix.Action) []autofix.Action {
			a[2].Triggers = append(a[2].Triggers, "disk:critical")
			return a
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			actions := append([]autofix.Action(nil), base...)
			for i := range actions {
				actions[i].Triggers = append([]string(nil), actions[i].Triggers...)
			}
			_, err := autofix.NewTable(mutate(actions))
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig) || errors.HasCode(err, errors.ErrInvalidArgument))
		})
	}
}

func TestTableResolvePrefersExactIssue(t *testing.T) {
	table, err := autofix.NewTable(testActions())
	require.NoError(t, err)

	a, ok := table.Resolve("thermal", health.Critical)
	require.True(t, ok)
	assert.Equal(t, "alert", a.ID)

	a, ok = table.Resolve("USB", health.Warning)
	require.True(t, ok)
	assert.Equal(t, "alert", a.ID, "wildcard")

	a, ok = table.Resolve("usb", health.Critical)
	require.True(t, ok)
	assert.Equal(t, "reset-usb", a.ID)
	assert.Equal(t, autofix.DefaultTimeout, a.Timeout)

	_, ok = table.Resolve("usb", health.Normal)
	assert.False(t, ok)
	_, ok = table.Resolve("disk", health.Critical)
	assert.False(t, ok)
}

func TestNewDispatcherNeedsEveryHandler(t *testing.T) {
	table, err := autofix.NewTable(testActions())
	require.NoError(t, err)
	store := state.NewMemoryStore()

	_, err = autofix.NewDispatcher(table, grace.NewTracker(store, nil), cooldown.New(store, nil),
		autofix.WithHandler(autofix.KindCommand, &fakeHandler{}))
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
}

func TestDispatchExecutesAndRecordsCooldown(t *testing.T) {
	h := newHarness(t, testActions())

	out := h.dispatcher.Dispatch(context.Background(), autofix.Request{
		CallingModule: "usb-monitor", IssueType: "usb", Severity: health.Critical,
	})
	require.NoError(t, out.Err)
	assert.Equal(t, autofix.Executed, out.Status)
	assert.Equal(t, "reset-usb", out.ActionID)
	assert.Equal(t, autofix.ExitOK, out.ExitCode())
	assert.Equal(t, 1, h.command.count())

	r, err := h.store.Load(context.Background(), cooldown.StateName("reset-usb"))
	require.NoError(t, err)
	assert.Equal(t, "executed", r["last_outcome"])
}

func TestDispatchDryRunHasNoSideEffects(t *testing.T) {
	h := newHarness(t, testActions())

	for _, req := range []autofix.Request{
		{CallingModule: "usb", IssueType: "usb", Severity: health.Critical, DryRun: true},
		{CallingModule: "thermal", IssueType: "thermal", Severity: health.Emergency, GraceSeconds: 120, DryRun: true},
		{CallingModule: "thermal", IssueType: "thermal", Severity: health.Warning, DryRun: true},
	} {
		out := h.dispatcher.Dispatch(context.Background(), req)
		require.NoError(t, out.Err)
		assert.Equal(t, autofix.Executed, out.Status)
		require.NotNil(t, out.Plan)
		assert.Equal(t, []string{"would do the thing"}, out.Plan.Operations)
	}

	assert.Equal(t, 0, h.store.Writes())
	assert.Zero(t, h.command.count())
	assert.Zero(t, h.notify.count())
	assert.Zero(t, h.emergency.count())
}

func TestDryRunPlanReportsState(t *testing.T) {
	h := newHarness(t, testActions())
	ctx := context.Background()

	h.command.err = errors.New().New(errors.ErrOperationFailed)
	h.dispatcher.Dispatch(ctx, autofix.Request{CallingModule: "usb", IssueType: "usb", Severity: health.Critical})
	writes := h.store.Writes()

	h.now = t0.Add(time.Minute)
	out := h.dispatcher.Dispatch(ctx, autofix.Request{CallingModule: "usb", IssueType: "usb", Severity: health.Emergency, DryRun: true})
	require.NotNil(t, out.Plan)
	assert.True(t, out.Plan.Cooldown.Active)
	assert.Equal(t, "failed", out.Plan.Cooldown.LastOutcome)
	assert.False(t, out.Plan.WouldRun)
	assert.Equal(t, []string{"skip input devices"}, out.Plan.SafetyChecks)

	doc, err := out.Plan.YAML()
	require.NoError(t, err)
	assert.Contains(t, doc, "action_id: reset-usb")
	assert.Contains(t, doc, "active: true")
	assert.Equal(t, writes, h.store.Writes())
}

func TestFailedRunStillConsumesCooldown(t *testing.T) {
	h := newHarness(t, testActions())
	ctx := context.Background()
	h.command.err = errors.New().New(errors.ErrOperationFailed)

	req := autofix.Request{CallingModule: "usb", IssueType: "usb", Severity: health.Critical}
	out := h.dispatcher.Dispatch(ctx, req)
	assert.Equal(t, autofix.Failed, out.Status)
	assert.True(t, errors.HasCode(out.Err, errors.ErrHandlerFailed))
	assert.Equal(t, autofix.ExitFailure, out.ExitCode())

	h.now = t0.Add(9 * time.Minute)
	out = h.dispatcher.Dispatch(ctx, req)
	assert.Equal(t, autofix.SkippedCooldown, out.Status)
	assert.Equal(t, time.Minute, out.Remaining)
	assert.Equal(t, autofix.ExitSkipped, out.ExitCode())
	assert.Equal(t, 1, h.command.count())

	h.now = t0.Add(10 * time.Minute)
	out = h.dispatcher.Dispatch(ctx, req)
	assert.Equal(t, autofix.Failed, out.Status)
	assert.Equal(t, 2, h.command.count())
}

func TestUnmappedRequestFailsClosed(t *testing.T) {
	h := newHarness(t, testActions())

	out := h.dispatcher.Dispatch(context.Background(), autofix.Request{CallingModule: "disk", IssueType: "disk", Severity: health.Critical})
	assert.Equal(t, autofix.Failed, out.Status)
	assert.True(t, errors.HasCode(out.Err, errors.ErrUnmappedAction))
	assert.Equal(t, autofix.ExitFailure, out.ExitCode())
	assert.Equal(t, 0, h.store.Writes())
}

func TestGraceWindowDeduplicatesMonitors(t *testing.T) {
	h := newHarness(t, testActions())
	ctx := context.Background()

	for i, module := range []string{"thermal", "memory", "driver"} {
		h.now = t0.Add(time.Duration(i*5) * time.Second)
		out := h.dispatcher.Dispatch(ctx, autofix.Request{
			CallingModule: module, IssueType: module, Severity: health.Emergency, GraceSeconds: 120,
		})
		assert.Equal(t, autofix.SkippedGrace, out.Status, module)
		assert.Equal(t, autofix.ExitSkipped, out.ExitCode())
		assert.Equal(t, "emergency-shutdown", out.ActionID)
	}
	assert.Zero(t, h.emergency.count())

	h.now = t0.Add(120 * time.Second)
	out := h.dispatcher.Dispatch(ctx, autofix.Request{CallingModule: "thermal", IssueType: "thermal", Severity: health.Emergency, GraceSeconds: 120})
	require.NoError(t, out.Err)
	assert.Equal(t, autofix.Executed, out.Status)
	assert.Equal(t, []string{"thermal", "memory", "driver"}, out.Window.Callers())
	require.Equal(t, 1, h.emergency.count())
	assert.Equal(t, []string{"thermal", "memory", "driver"}, h.emergency.runs[0].Window.Callers())

	h.now = t0.Add(125 * time.Second)
	out = h.dispatcher.Dispatch(ctx, autofix.Request{CallingModule: "memory", IssueType: "memory", Severity: health.Emergency, GraceSeconds: 1})
	assert.Equal(t, autofix.SkippedGrace, out.Status, "a new window opens after expiry")
}

func TestEscalationNeedsEmergencyAction(t *testing.T) {
	h := newHarness(t, testActions())
	h.command.err = errors.New().New(errors.ErrNoEffect)

	out := h.dispatcher.Dispatch(context.Background(), autofix.Request{CallingModule: "usb", IssueType: "usb", Severity: health.Emergency})
	assert.Equal(t, autofix.Failed, out.Status)
	assert.Nil(t, out.Escalated)
	assert.Zero(t, h.emergency.count())
}

func TestEscalationRunsEmergencyAction(t *testing.T) {
	actions := testActions()
	actions = append(actions, autofix.Action{
		ID: "reload-driver", Kind: autofix.KindCommand, Triggers: []string{"gpu:emergency"},
		Command: []string{"modprobe", "-r", "nvidia"}, MinInterval: time.Hour,
	})
	actions[2].Triggers = append(actions[2].Triggers, "*:emergency")
	h := newHarness(t, actions)
	h.command.err = errors.New().New(errors.ErrNoEffect)

	out := h.dispatcher.Dispatch(context.Background(), autofix.Request{CallingModule: "gpu", IssueType: "gpu", Severity: health.Emergency})
	assert.Equal(t, autofix.Failed, out.Status)
	assert.True(t, errors.HasCode(out.Err, errors.ErrNoEffect))
	require.NotNil(t, out.Escalated)
	assert.Equal(t, "emergency-shutdown", out.Escalated.ActionID)
	assert.Equal(t, autofix.Executed, out.Escalated.Status)
	assert.Equal(t, 1, h.emergency.count())
}

func TestNoEscalationBelowEmergency(t *testing.T) {
	h := newHarness(t, testActions())
	h.command.err = errors.New().New(errors.ErrOperationFailed)

	out := h.dispatcher.Dispatch(context.Background(), autofix.Request{CallingModule: "usb", IssueType: "usb", Severity: health.Critical})
	assert.Nil(t, out.Escalated)
	assert.Zero(t, h.emergency.count())
}

func TestWaitRunsAfterGraceExpires(t *testing.T) {
	store := state.NewMemoryStore()
	table, err := autofix.NewTable(testActions())
	require.NoError(t, err)
	handler := &fakeHandler{}
	d, err := autofix.NewDispatcher(table, grace.NewTracker(store, nil), cooldown.New(store, nil),
		autofix.WithHandler(autofix.KindCommand, &fakeHandler{}),
		autofix.WithHandler(autofix.KindNotify, &fakeHandler{}),
		autofix.WithHandler(autofix.KindEmergency, handler))
	require.NoError(t, err)

	out := d.Dispatch(context.Background(), autofix.Request{
		CallingModule: "thermal", IssueType: "thermal", Severity: health.Emergency, GraceSeconds: 1, Wait: true,
	})
	require.NoError(t, out.Err)
	assert.Equal(t, autofix.Executed, out.Status)
	assert.Equal(t, 1, handler.count())
}

func TestCommandHandlerMapsNoEffect(t *testing.T) {
	var got command.Cmd
	runner := command.Func(func(_ context.Context, c command.Cmd) (command.Result, error) {
		got = c
		return command.Result{ExitCode: autofix.NoEffectExitCode}, errors.New().New(errors.ErrOperationFailed)
	})
	action := testActions()[0]
	action.Timeout = time.Second

	_, err := autofix.CommandHandler{Runner: runner}.Run(context.Background(), autofix.Invocation{
		Action:  action,
		Request: autofix.Request{CallingModule: "usb", IssueType: "usb", Severity: health.Critical, GraceSeconds: 30},
	})
	assert.True(t, errors.HasCode(err, errors.ErrNoEffect))
	assert.Equal(t, "/usr/lib/healthwatch/reset-usb", got.Name)
	assert.Contains(t, got.Env, "HEALTHWATCH_SEVERITY=critical")
	assert.Contains(t, got.Env, "HEALTHWATCH_GRACE_SECONDS=30")
	assert.Equal(t, time.Second, got.Timeout)

	ops := autofix.CommandHandler{Runner: runner}.Plan(context.Background(), autofix.Invocation{Action: action})
	require.Len(t, ops, 1)
	assert.True(t, strings.HasPrefix(ops[0], "run /usr/lib/healthwatch/reset-usb"))
}

func TestDefaultActionsFormValidTable(t *testing.T) {
	table, err := autofix.NewTable(autofix.DefaultActions())
	require.NoError(t, err)

	a, ok := table.Resolve("usb", health.Emergency)
	require.True(t, ok)
	assert.Equal(t, "reset-usb", a.ID)

	esc, ok := table.Escalation("usb", a)
	require.True(t, ok)
	assert.Equal(t, "emergency-shutdown", esc.ID)

	a, ok = table.Resolve("thermal", health.Critical)
	require.True(t, ok)
	assert.Equal(t, autofix.KindDump, a.Kind)

	_, ok = table.Escalation("thermal", esc)
	assert.False(t, ok, "the emergency action never escalates to itself")
}

func TestEmergencyActionAllowedAtEmergency(t *testing.T) {
	actions := testActions()
	actions[2].Triggers = []string{"*:emergency"}

	_, err := autofix.NewTable(actions)
	assert.NoError(t, err)
}

type slowHandler struct {
	runs atomic.Int32
}

func (h *slowHandler) Plan(context.Context, autofix.Invocation) []string { return nil }

func (h *slowHandler) Run(ctx context.Context, _ autofix.Invocation) (string, error) {
	h.runs.Add(1)
	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
	}

	return "reset", nil
}

func TestConcurrentDispatchRunsActionOnce(t *testing.T) {
	dir := t.TempDir()
	actions := testActions()[:1]
	handler := &slowHandler{}

	newDispatcher := func() *autofix.Dispatcher {
		store, err := state.NewFileStore(dir)
		require.NoError(t, err)
		table, err := autofix.NewTable(actions)
		require.NoError(t, err)
		d, err := autofix.NewDispatcher(table,
			grace.NewTracker(store, nil),
			cooldown.New(store, nil),
			autofix.WithHandler(autofix.KindCommand, handler),
		)
		require.NoError(t, err)
		return d
	}
	dispatchers := []*autofix.Dispatcher{newDispatcher(), newDispatcher()}

	var wg sync.WaitGroup
	outcomes := make([]autofix.Outcome, len(dispatchers))
	for i, d := range dispatchers {
		wg.Add(1)
		go func(i int, d *autofix.Dispatcher) {
			defer wg.Done()
			outcomes[i] = d.Dispatch(context.Background(), autofix.Request{
				CallingModule: "usb", IssueType: "usb", Severity: health.Critical,
			})
		}(i, d)
	}
	wg.Wait()

	assert.Equal(t, int32(1), handler.runs.Load())
	statuses := []autofix.Status{outcomes[0].Status, outcomes[1].Status}
	assert.ElementsMatch(t, []autofix.Status{autofix.Executed, autofix.SkippedCooldown}, statuses)
}

func TestRunningActionSkipsLaterWindowExpiry(t *testing.T) {
	h := newHarness(t, testActions())
	ctx := context.Background()

	// Another process claimed the action and is still running it.
	_, err := cooldown.New(h.store, nil).Claim(ctx, "reset-usb", "usb/4242", 10*time.Minute, time.Minute, t0)
	require.NoError(t, err)

	out := h.dispatcher.Dispatch(ctx, autofix.Request{CallingModule: "usb", IssueType: "usb", Severity: health.Critical})
	assert.Equal(t, autofix.SkippedCooldown, out.Status)
	assert.Equal(t, time.Minute, out.Remaining)
	assert.Zero(t, h.command.count())

	plan := h.dispatcher.Dispatch(ctx, autofix.Request{CallingModule: "usb", IssueType: "usb", Severity: health.Critical, DryRun: true})
	require.NotNil(t, plan.Plan)
	assert.Equal(t, "usb/4242", plan.Plan.Cooldown.RunningOwner)
	assert.False(t, plan.Plan.WouldRun)
}
