package taskstore

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/colonyhq/colony/pkg/eventbus"
	"github.com/colonyhq/colony/pkg/events"
	"github.com/colonyhq/colony/pkg/models"
	"github.com/colonyhq/colony/pkg/statesync"
	"github.com/colonyhq/colony/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sync, err := statesync.Open(context.Background(), statesync.Options{
		Dir:      dir,
		Debounce: 10 * time.Millisecond,
	}, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = sync.Close(context.Background())
	})

	store, err := NewStore(sync, logger)
	require.NoError(t, err)

	return store
}

func TestCreateReadyAndBlocked(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, t.TempDir())

	free, err := store.Create(ctx, "free", CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReady, free.Status)

	blocked, err := store.Create(ctx, "blocked", CreateOptions{Blockers: []string{free.ID}})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusBlocked, blocked.Status)
}

func TestCreateRequiresTitle(t *testing.T) {
	store := newTestStore(t, t.TempDir())

	_, err := store.Create(context.Background(), "", CreateOptions{})
	require.Error(t, err)
}

func TestBlockerCompletionUnblocksDependent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, t.TempDir())

	a, err := store.Create(ctx, "a", CreateOptions{})
	require.NoError(t, err)

	b, err := store.Create(ctx, "b", CreateOptions{Blockers: []string{a.ID}})
	require.NoError(t, err)

	claimable, err := store.ListClaimable(ctx)
	require.NoError(t, err)
	require.Len(t, claimable, 1)
	assert.Equal(t, a.ID, claimable[0].ID)

	_, err = store.Claim(ctx, a.ID, "agent-1")
	require.NoError(t, err)

	_, err = store.Transition(ctx, a.ID, models.TaskStatusCompleted, TransitionOptions{})
	require.NoError(t, err)

	// Readiness is recomputed synchronously: b is ready before this returns.
	got, err := store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReady, got.Status)

	claimable, err = store.ListClaimable(ctx)
	require.NoError(t, err)
	require.Len(t, claimable, 1)
	assert.Equal(t, b.ID, claimable[0].ID)
}

func TestClaimConflictAndIdempotency(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, t.TempDir())

	task, err := store.Create(ctx, "contested", CreateOptions{})
	require.NoError(t, err)

	first, err := store.Claim(ctx, task.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, first.Status)
	assert.Equal(t, "agent-1", first.Assigned)

	// Same agent re-claiming is a no-op.
	again, err := store.Claim(ctx, task.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, first.Status, again.Status)

	// Any other agent conflicts.
	_, err = store.Claim(ctx, task.ID, "agent-2")
	require.Error(t, err)
	assert.True(t, IsClaimConflict(err))
}

func TestClaimBlockedTaskConflicts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, t.TempDir())

	a, err := store.Create(ctx, "a", CreateOptions{})
	require.NoError(t, err)

	b, err := store.Create(ctx, "b", CreateOptions{Blockers: []string{a.ID}})
	require.NoError(t, err)

	_, err = store.Claim(ctx, b.ID, "agent-1")
	require.Error(t, err)
	assert.True(t, IsClaimConflict(err))
}

func TestClaimUnknownTask(t *testing.T) {
	store := newTestStore(t, t.TempDir())

	_, err := store.Claim(context.Background(), "task-missing", "agent-1")
	assert.True(t, IsTaskNotFound(err))
}

func TestTransitionLegality(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, t.TempDir())

	task, err := store.Create(ctx, "t", CreateOptions{})
	require.NoError(t, err)

	// Ready -> Completed skips InProgress and is illegal.
	_, err = store.Transition(ctx, task.ID, models.TaskStatusCompleted, TransitionOptions{})
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))

	_, err = store.Claim(ctx, task.ID, "agent-1")
	require.NoError(t, err)

	done, err := store.Transition(ctx, task.ID, models.TaskStatusCompleted, TransitionOptions{})
	require.NoError(t, err)
	require.NotNil(t, done.Completed)

	// Terminal states are immutable.
	_, err = store.Transition(ctx, task.ID, models.TaskStatusReady, TransitionOptions{})
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))
}

func TestBlockRecordsReason(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, t.TempDir())

	task, err := store.Create(ctx, "t", CreateOptions{})
	require.NoError(t, err)

	blocked, err := store.Transition(ctx, task.ID, models.TaskStatusBlocked, TransitionOptions{
		Reason: "waiting on credentials",
	})
	require.NoError(t, err)
	assert.Equal(t, "waiting on credentials", blocked.Metadata["blocked_reason"])
}

func TestDeleteScrubsBlockers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, t.TempDir())

	a, err := store.Create(ctx, "a", CreateOptions{})
	require.NoError(t, err)

	b, err := store.Create(ctx, "b", CreateOptions{Blockers: []string{a.ID}})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, a.ID))

	got, err := store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Blockers)
	assert.Equal(t, models.TaskStatusReady, got.Status)

	_, err = store.Get(ctx, a.ID)
	assert.True(t, IsTaskNotFound(err))
}

func TestRehydrateFromJournal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sync, err := statesync.Open(ctx, statesync.Options{Dir: dir, Debounce: 10 * time.Millisecond}, logger)
	require.NoError(t, err)

	store, err := NewStore(sync, logger)
	require.NoError(t, err)

	a, err := store.Create(ctx, "a", CreateOptions{})
	require.NoError(t, err)

	b, err := store.Create(ctx, "b", CreateOptions{Blockers: []string{a.ID}})
	require.NoError(t, err)

	require.NoError(t, sync.Close(ctx))

	sync2, err := statesync.Open(ctx, statesync.Options{Dir: dir, Debounce: 10 * time.Millisecond}, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = sync2.Close(context.Background())
	})

	restored, err := NewStore(sync2, logger)
	require.NoError(t, err)

	tasks, err := restored.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, a.ID, tasks[0].ID)
	assert.Equal(t, b.ID, tasks[1].ID)
	assert.Equal(t, models.TaskStatusBlocked, tasks[1].Status)
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *capturingPublisher) Publish(ctx context.Context, key string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func (p *capturingPublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]events.EventType, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.GetType())
	}

	return out
}

func TestLifecycleEventsPublished(t *testing.T) {
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sync, err := statesync.Open(ctx, statesync.Options{
		Dir:      t.TempDir(),
		Debounce: 10 * time.Millisecond,
	}, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = sync.Close(context.Background())
	})

	publisher := &capturingPublisher{}

	store, err := NewStore(sync, logger, WithPublisher(publisher))
	require.NoError(t, err)

	task, err := store.Create(ctx, "ship release", CreateOptions{})
	require.NoError(t, err)

	_, err = store.Claim(ctx, task.ID, "agent-1")
	require.NoError(t, err)

	_, err = store.Transition(ctx, task.ID, models.TaskStatusCompleted, TransitionOptions{})
	require.NoError(t, err)

	other, err := store.Create(ctx, "abandoned", CreateOptions{})
	require.NoError(t, err)

	_, err = store.Transition(ctx, other.ID, models.TaskStatusCancelled, TransitionOptions{})
	require.NoError(t, err)

	assert.Equal(t, []events.EventType{
		events.TaskCreatedEvent,
		events.TaskClaimedEvent,
		events.TaskCompletedEvent,
		events.TaskCreatedEvent,
		events.TaskCancelledEvent,
	}, publisher.types())
}

func TestCompletionRecordsMetric(t *testing.T) {
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stateSync, err := statesync.Open(ctx, statesync.Options{
		Dir:      t.TempDir(),
		Debounce: 10 * time.Millisecond,
	}, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = stateSync.Close(context.Background())
	})

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	metrics, err := telemetry.NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	store, err := NewStore(stateSync, logger, WithMetrics(metrics))
	require.NoError(t, err)

	task, err := store.Create(ctx, "ship release", CreateOptions{})
	require.NoError(t, err)

	_, err = store.Claim(ctx, task.ID, "agent-1")
	require.NoError(t, err)

	_, err = store.Transition(ctx, task.ID, models.TaskStatusCompleted, TransitionOptions{})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	var completed *metricdata.Sum[int64]

	for _, m := range rm.ScopeMetrics[0].Metrics {
		if m.Name == "colony.tasks.completed" {
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			completed = &sum
		}
	}

	require.NotNil(t, completed, "completion counter not collected")
	require.Len(t, completed.DataPoints, 1)
	assert.Equal(t, int64(1), completed.DataPoints[0].Value)
}
