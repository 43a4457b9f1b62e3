package state_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/healthwatch/internal/errors"
	"codeberg.org/mutker/healthwatch/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]state.Store {
	t.Helper()

	fs, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)

	return map[string]state.Store{
		"file":   fs,
		"memory": state.NewMemoryStore(),
	}
}

func TestDecodeFormat(t *testing.T) {
	r, err := state.Decode([]byte("# comment\n\nstarted_at=2024-01-01T00:00:00Z\nreason=temp=96\\nC\n"))
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00Z", r["started_at"])
	assert.Equal(t, "temp=96\nC", r["reason"])

	_, err = state.Decode([]byte("a=1\na=2\n"))
	assert.Error(t, err)

	_, err = state.Decode([]byte("no separator\n"))
	assert.Error(t, err)
}

func TestEncodeEscapesAndSorts(t *testing.T) {
	out := state.Encode(state.Record{"b": "x\ny", "a": `c:\d`})
	assert.Equal(t, "a=c:\\\\d\nb=x\\ny\n", string(out))

	back, err := state.Decode(out)
	require.NoError(t, err)
	assert.Equal(t, `c:\d`, back["a"])
	assert.Equal(t, "x\ny", back["b"])
}

func TestKey(t *testing.T) {
	assert.Equal(t, "grace-emergency-shutdown", state.Key("grace", "emergency-shutdown"))
	assert.Equal(t, "alert-cpu_temp_c-critical", state.Key("alert", "cpu_temp_c", "Critical"))
	assert.Equal(t, "cooldown-a_b_c", state.Key("cooldown", "a/b c"))
}

func TestStoreMissingRecord(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			r, err := s.Load(context.Background(), "missing")
			require.NoError(t, err)
			assert.Empty(t, r)
			require.NoError(t, s.Delete(context.Background(), "missing"))
		})
	}
}

func TestStoreUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			require.NoError(t, s.Update(ctx, "cooldown-fix", func(r state.Record) (state.Record, error) {
				r.SetTime("last_run_at", now)
				r["action_id"] = "fix"
				return r, nil
			}))

			r, err := s.Load(ctx, "cooldown-fix")
			require.NoError(t, err)
			got, ok := r.Time("last_run_at")
			require.True(t, ok)
			assert.True(t, now.Equal(got))

			names, err := s.List(ctx, "cooldown-")
			require.NoError(t, err)
			assert.Equal(t, []string{"cooldown-fix"}, names)

			require.NoError(t, s.Delete(ctx, "cooldown-fix"))
			names, err = s.List(ctx, "cooldown-")
			require.NoError(t, err)
			assert.Empty(t, names)
		})
	}
}

func TestStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.CompareAndSwap(ctx, "grace-x", nil, state.Record{"owner": "thermal"})
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.CompareAndSwap(ctx, "grace-x", nil, state.Record{"owner": "usb"})
			require.NoError(t, err)
			assert.False(t, ok)

			r, err := s.Load(ctx, "grace-x")
			require.NoError(t, err)
			assert.Equal(t, "thermal", r["owner"])

			ok, err = s.CompareAndSwap(ctx, "grace-x", state.Record{"owner": "thermal"}, nil)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStoreRejectsUnsafeNames(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(context.Background(), "../etc/passwd")
			assert.Error(t, err)
		})
	}
}

func TestFileStoreConcurrentUpdates(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Separate stores open separate lock descriptors, like separate processes.
			s, err := state.NewFileStore(dir)
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, s.Update(ctx, "counter", func(r state.Record) (state.Record, error) {
				n, _ := r.Int("n")
				r.SetInt("n", n+1)
				return r, nil
			}))
		}()
	}
	wg.Wait()

	s, err := state.NewFileStore(dir)
	require.NoError(t, err)
	r, err := s.Load(ctx, "counter")
	require.NoError(t, err)
	n, ok := r.Int("n")
	require.True(t, ok)
	assert.Equal(t, workers, n)
}

func TestFileStoreIgnoresCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.state"), []byte("garbage\n"), 0o644))

	s, err := state.NewFileStore(dir)
	require.NoError(t, err)
	r, err := s.Load(context.Background(), "broken")
	require.NoError(t, err)
	assert.Empty(t, r)
}

func TestMemoryStoreWrites(t *testing.T) {
	s := state.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, "a", func(r state.Record) (state.Record, error) { return r, nil }))
	assert.Equal(t, 0, s.Writes())

	require.NoError(t, s.Update(ctx, "a", func(r state.Record) (state.Record, error) {
		r["k"] = "v"
		return r, nil
	}))
	assert.Equal(t, 1, s.Writes())
}

func TestRecordKeepsTrailingBlanks(t *testing.T) {
	in := state.Record{"reason": "thermal ", "cmd": "reset\t", "crlf": "x"}

	back, err := state.Decode(state.Encode(in))
	require.NoError(t, err)
	assert.Equal(t, in, back)

	crlf, err := state.Decode([]byte("a=1\r\n   \r\nb=two \r\n"))
	require.NoError(t, err)
	assert.Equal(t, state.Record{"a": "1", "b": "two "}, crlf)

	s, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, "trailing", func(state.Record) (state.Record, error) {
		return in, nil
	}))
	got, err := s.Load(ctx, "trailing")
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestReadOnlyFileStoreLeavesDiskUntouched(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	s, err := state.NewFileStore(dir, state.ReadOnly())
	require.NoError(t, err)
	ctx := context.Background()

	r, err := s.Load(ctx, "cooldown-reset-usb")
	require.NoError(t, err)
	assert.Empty(t, r)

	names, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)

	err = s.Update(ctx, "cooldown-reset-usb", func(r state.Record) (state.Record, error) {
		r["last_run_at"] = "now"
		return r, nil
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, state.ErrReadOnly))
	require.Error(t, s.Delete(ctx, "cooldown-reset-usb"))

	assert.NoDirExists(t, dir)
}

func TestReadOnlyFileStoreReadsExistingRecords(t *testing.T) {
	dir := t.TempDir()
	rw, err := state.NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, rw.Update(ctx, "alert-gpu", func(r state.Record) (state.Record, error) {
		r["level"] = "critical"
		return r, nil
	}))

	ro, err := state.NewFileStore(dir, state.ReadOnly())
	require.NoError(t, err)
	r, err := ro.Load(ctx, "alert-gpu")
	require.NoError(t, err)
	assert.Equal(t, "critical", r["level"])
}
