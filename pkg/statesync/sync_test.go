package statesync

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type flushRecorder struct {
	mu      sync.Mutex
	flushes [][]string
}

func (f *flushRecorder) flush(ctx context.Context, schemas []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.flushes = append(f.flushes, schemas)

	return nil
}

func (f *flushRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.flushes)
}

func openTestSync(t *testing.T, dir string, debounce time.Duration, recorder *flushRecorder) *Sync {
	t.Helper()

	opts := Options{Dir: dir, Debounce: debounce}

	var syncOpts []Option
	if recorder != nil {
		syncOpts = append(syncOpts, WithFlushFunc(recorder.flush))
	}

	s, err := Open(context.Background(), opts, testLogger(), syncOpts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close(context.Background())
	})

	return s
}

type doc struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestApplyAndReplay(t *testing.T) {
	ctx := context.Background()
	s := openTestSync(t, t.TempDir(), time.Hour, nil)

	require.NoError(t, s.Apply(ctx, Mutation{
		Schema:   "docs",
		Kind:     KindUpsert,
		EntityID: "a",
		Record:   doc{Name: "a", Value: 1},
	}))
	require.NoError(t, s.Apply(ctx, Mutation{
		Schema:   "docs",
		Kind:     KindUpsert,
		EntityID: "a",
		Record:   doc{Name: "a", Value: 2},
	}))
	require.NoError(t, s.Apply(ctx, Mutation{
		Schema:   "docs",
		Kind:     KindDelete,
		EntityID: "b",
	}))

	var records []Record

	require.NoError(t, s.Replay("docs", func(rec Record) error {
		records = append(records, rec)

		return nil
	}))

	require.Len(t, records, 3)
	assert.Equal(t, KindUpsert, records[0].Kind)
	assert.Equal(t, KindDelete, records[2].Kind)

	var latest doc
	require.NoError(t, json.Unmarshal(records[1].Data, &latest))
	assert.Equal(t, 2, latest.Value)
}

func TestApplyMirrorsCache(t *testing.T) {
	ctx := context.Background()
	s := openTestSync(t, t.TempDir(), time.Hour, nil)

	require.NoError(t, s.Apply(ctx, Mutation{
		Schema:   "docs",
		Kind:     KindUpsert,
		EntityID: "a",
		Record:   doc{Name: "a", Value: 1},
	}))

	raw, ok := s.Cache().Get("docs", "a")
	require.True(t, ok)

	var cached doc
	require.NoError(t, json.Unmarshal(raw, &cached))
	assert.Equal(t, 1, cached.Value)

	require.NoError(t, s.Apply(ctx, Mutation{Schema: "docs", Kind: KindDelete, EntityID: "a"}))

	_, ok = s.Cache().Get("docs", "a")
	assert.False(t, ok)
}

func TestDebounceCoalescesBurst(t *testing.T) {
	ctx := context.Background()
	recorder := &flushRecorder{}
	s := openTestSync(t, t.TempDir(), 50*time.Millisecond, recorder)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Apply(ctx, Mutation{
			Schema:   "docs",
			Kind:     KindUpsert,
			EntityID: "a",
			Record:   doc{Name: "a", Value: i},
		}))
	}

	assert.Equal(t, 0, recorder.count(), "flush must not fire inside the window")

	assert.Eventually(t, func() bool {
		return recorder.count() == 1
	}, time.Second, 10*time.Millisecond)

	// No further activity, no further flushes.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, recorder.count())
}

func TestDebounceSpacedMutationsFlushSeparately(t *testing.T) {
	ctx := context.Background()
	recorder := &flushRecorder{}
	s := openTestSync(t, t.TempDir(), 30*time.Millisecond, recorder)

	require.NoError(t, s.Apply(ctx, Mutation{
		Schema: "docs", Kind: KindUpsert, EntityID: "a", Record: doc{Name: "a"},
	}))

	assert.Eventually(t, func() bool { return recorder.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Apply(ctx, Mutation{
		Schema: "docs", Kind: KindUpsert, EntityID: "b", Record: doc{Name: "b"},
	}))

	assert.Eventually(t, func() bool { return recorder.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestFlushReportsDirtySchemas(t *testing.T) {
	ctx := context.Background()
	recorder := &flushRecorder{}
	s := openTestSync(t, t.TempDir(), time.Hour, recorder)

	require.NoError(t, s.Apply(ctx, Mutation{Schema: "tasks", Kind: KindUpsert, EntityID: "t", Record: doc{}}))
	require.NoError(t, s.Apply(ctx, Mutation{Schema: "workflows", Kind: KindUpsert, EntityID: "w", Record: doc{}}))

	require.NoError(t, s.Flush(ctx))

	require.Equal(t, 1, recorder.count())
	assert.Equal(t, []string{"tasks", "workflows"}, recorder.flushes[0])
}

func TestCacheRebuildOnCorruption(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openTestSync(t, dir, time.Hour, nil)
	require.NoError(t, s.Apply(ctx, Mutation{
		Schema: "docs", Kind: KindUpsert, EntityID: "a", Record: doc{Name: "a", Value: 42},
	}))
	require.NoError(t, s.Close(ctx))

	// Corrupt the snapshot; the journals stay intact.
	cachePath := filepath.Join(dir, "cache.json")
	require.NoError(t, os.WriteFile(cachePath, []byte("{garbage"), 0o644))

	reopened := openTestSync(t, dir, time.Hour, nil)

	raw, ok := reopened.Cache().Get("docs", "a")
	require.True(t, ok, "cache must be rebuilt from the journal")

	var restored doc
	require.NoError(t, json.Unmarshal(raw, &restored))
	assert.Equal(t, 42, restored.Value)
}

func TestSecondOpenFailsWhileLocked(t *testing.T) {
	dir := t.TempDir()

	_ = openTestSync(t, dir, time.Hour, nil)

	_, err := Open(context.Background(), Options{Dir: dir, Debounce: time.Hour}, testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestApplyAfterCloseFails(t *testing.T) {
	ctx := context.Background()
	s := openTestSync(t, t.TempDir(), time.Hour, nil)

	require.NoError(t, s.Close(ctx))

	err := s.Apply(ctx, Mutation{Schema: "docs", Kind: KindUpsert, EntityID: "a", Record: doc{}})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNoFlushAfterCloseReturns(t *testing.T) {
	ctx := context.Background()

	// Tight debounce so the timer races Close; repeat to exercise both
	// interleavings.
	for i := 0; i < 50; i++ {
		var (
			mu     sync.Mutex
			closed bool
		)

		s, err := Open(ctx, Options{Dir: t.TempDir(), Debounce: time.Millisecond}, testLogger(),
			WithFlushFunc(func(ctx context.Context, schemas []string) error {
				mu.Lock()
				defer mu.Unlock()

				assert.False(t, closed, "flush fired after Close returned")

				return nil
			}))
		require.NoError(t, err)

		require.NoError(t, s.Apply(ctx, Mutation{
			Schema:   "docs",
			Kind:     KindUpsert,
			EntityID: "a",
			Record:   doc{Name: "a", Value: i},
		}))

		time.Sleep(time.Millisecond)
		require.NoError(t, s.Close(ctx))

		mu.Lock()
		closed = true
		mu.Unlock()
	}

	// A straggling timer firing now must be a no-op.
	time.Sleep(20 * time.Millisecond)
}
