package grace_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/healthwatch/internal/grace"
	"codeberg.org/mutker/healthwatch/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const action = "emergency-shutdown"

var t0 = time.Date(2024, 8, 2, 14, 0, 0, 0, time.UTC)

func TestThreeMonitorsOneExpiry(t *testing.T) {
	ctx := context.Background()
	tr := grace.NewTracker(state.NewMemoryStore(), nil)
	window := 120 * time.Second

	for i, caller := range []string{"thermal", "usb", "memory"} {
		res, err := tr.RequestAction(ctx, action, caller, "emergency tier", window, t0.Add(time.Duration(i*5)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, grace.Pending, res.Status, caller)
		assert.Equal(t, i == 0, res.Opened, caller)
		assert.True(t, t0.Equal(res.Window.StartedAt), "started_at must stay anchored to the first request")
	}

	res, err := tr.RequestAction(ctx, action, "thermal", "still hot", window, t0.Add(119*time.Second))
	require.NoError(t, err)
	assert.Equal(t, grace.Pending, res.Status)

	res, err = tr.RequestAction(ctx, action, "usb", "still resetting", window, t0.Add(120*time.Second))
	require.NoError(t, err)
	require.Equal(t, grace.Expired, res.Status)
	assert.Equal(t, []string{"thermal", "usb", "memory", "thermal"}, res.Window.Callers())
	assert.True(t, t0.Equal(res.Window.StartedAt))

	_, open, err := tr.Peek(ctx, action)
	require.NoError(t, err)
	assert.False(t, open, "expired window must be removed")

	res, err = tr.RequestAction(ctx, action, "memory", "again", window, t0.Add(125*time.Second))
	require.NoError(t, err)
	assert.Equal(t, grace.Pending, res.Status)
	assert.True(t, res.Opened, "a request after expiry opens a fresh window")
}

func TestManyRequestsInsideWindowStayPending(t *testing.T) {
	ctx := context.Background()
	tr := grace.NewTracker(state.NewMemoryStore(), nil)
	window := time.Minute

	const n = 50
	for i := 0; i < n; i++ {
		res, err := tr.RequestAction(ctx, action, "thermal", "tick", window, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, grace.Pending, res.Status, "request %d", i)
	}

	w, open, err := tr.Peek(ctx, action)
	require.NoError(t, err)
	require.True(t, open)
	assert.Len(t, w.Requests, n)
	assert.True(t, t0.Equal(w.StartedAt))
}

func TestShorterGraceShortensButNeverExtends(t *testing.T) {
	ctx := context.Background()
	tr := grace.NewTracker(state.NewMemoryStore(), nil)

	_, err := tr.RequestAction(ctx, action, "thermal", "", 120*time.Second, t0)
	require.NoError(t, err)

	res, err := tr.RequestAction(ctx, action, "memory", "", 600*time.Second, t0.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, res.Window.Duration)

	res, err = tr.RequestAction(ctx, action, "usb", "", 30*time.Second, t0.Add(20*time.Second))
	require.NoError(t, err)
	assert.Equal(t, grace.Pending, res.Status)
	assert.Equal(t, 30*time.Second, res.Window.Duration)

	res, err = tr.RequestAction(ctx, action, "thermal", "", 120*time.Second, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, grace.Expired, res.Status)
}

func TestZeroGraceExpiresImmediately(t *testing.T) {
	tr := grace.NewTracker(state.NewMemoryStore(), nil)

	res, err := tr.RequestAction(context.Background(), action, "manual", "operator", 0, t0)
	require.NoError(t, err)
	assert.Equal(t, grace.Expired, res.Status)
	assert.Equal(t, []string{"manual"}, res.Window.Callers())
}

func TestConcurrentExpiryHasSingleWinner(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	window := 2 * time.Minute

	store, err := state.NewFileStore(dir)
	require.NoError(t, err)
	_, err = grace.NewTracker(store, nil).RequestAction(ctx, action, "thermal", "", window, t0)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		expired int
		wg      sync.WaitGroup
	)
	for _, caller := range []string{"thermal", "usb", "memory", "gpu", "disk", "driver"} {
		wg.Add(1)
		go func(caller string) {
			defer wg.Done()
			s, err := state.NewFileStore(dir)
			if !assert.NoError(t, err) {
				return
			}
			res, err := grace.NewTracker(s, nil).RequestAction(ctx, action, caller, "", window, t0.Add(window))
			if !assert.NoError(t, err) {
				return
			}
			if res.Status == grace.Expired {
				mu.Lock()
				expired++
				mu.Unlock()
			}
		}(caller)
	}
	wg.Wait()

	assert.Equal(t, 1, expired)
}

func TestAwaitClaimsOnlyTheWaitedWindow(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	tr := grace.NewTracker(store, nil)

	now := t0
	clock := func() time.Time { return now }

	opened, err := tr.RequestAction(ctx, action, "thermal", "", time.Second, now)
	require.NoError(t, err)

	now = t0.Add(time.Second)
	res, err := tr.Await(ctx, opened.Window, clock)
	require.NoError(t, err)
	assert.Equal(t, grace.Expired, res.Status)

	// Someone else already expired the window: Await must not open a new one.
	now = t0.Add(2 * time.Second)
	res, err = tr.Await(ctx, opened.Window, clock)
	require.NoError(t, err)
	assert.Equal(t, grace.Pending, res.Status)
	_, open, err := tr.Peek(ctx, action)
	require.NoError(t, err)
	assert.False(t, open)
}

func TestAwaitHonoursContext(t *testing.T) {
	tr := grace.NewTracker(state.NewMemoryStore(), nil)
	res, err := tr.RequestAction(context.Background(), action, "thermal", "", time.Hour, time.Now())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = tr.Await(ctx, res.Window, time.Now)
	assert.Error(t, err)
}

func TestSweepRemovesAbandonedWindows(t *testing.T) {
	ctx := context.Background()
	tr := grace.NewTracker(state.NewMemoryStore(), nil)

	_, err := tr.RequestAction(ctx, "old-action", "usb", "", time.Minute, t0)
	require.NoError(t, err)
	_, err = tr.RequestAction(ctx, "fresh-action", "thermal", "", time.Minute, t0.Add(50*time.Minute))
	require.NoError(t, err)

	removed, err := tr.Sweep(ctx, time.Hour, t0.Add(61*time.Minute))
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "old-action", removed[0].ActionKey)

	windows, err := tr.Windows(ctx)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, "fresh-action", windows[0].ActionKey)
}
