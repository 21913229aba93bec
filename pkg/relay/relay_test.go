package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/colonyhq/colony/pkg/events"
	"github.com/colonyhq/colony/pkg/models"
	"github.com/colonyhq/colony/pkg/statesync"
	"github.com/colonyhq/colony/pkg/taskstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSupervisor struct {
	started   []string
	stopped   []string
	restarted []string
	fail      bool
}

func (f *fakeSupervisor) StartAgent(ctx context.Context, agentID string) error {
	if f.fail {
		return errors.New("tmux unavailable")
	}

	f.started = append(f.started, agentID)

	return nil
}

func (f *fakeSupervisor) StopAgent(ctx context.Context, agentID string) error {
	f.stopped = append(f.stopped, agentID)

	return nil
}

func (f *fakeSupervisor) RestartAgent(ctx context.Context, agentID string) error {
	f.restarted = append(f.restarted, agentID)

	return nil
}

func (f *fakeSupervisor) Agents() []events.AgentInfo {
	out := make([]events.AgentInfo, 0, len(f.started))
	for _, id := range f.started {
		out = append(out, events.AgentInfo{ID: id, Status: "running"})
	}

	return out
}

func newTestRelay(t *testing.T, supervisor Supervisor) (*Relay, *taskstore.Store) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sync, err := statesync.Open(context.Background(), statesync.Options{
		Dir:      t.TempDir(),
		Debounce: 10 * time.Millisecond,
	}, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = sync.Close(context.Background())
	})

	tasks, err := taskstore.NewStore(sync, logger)
	require.NoError(t, err)

	rel, err := New(tasks, sync, supervisor, logger)
	require.NoError(t, err)

	return rel, tasks
}

func TestApplyIsIdempotentByRequestID(t *testing.T) {
	ctx := context.Background()
	rel, tasks := newTestRelay(t, nil)

	cmd := Command{
		RequestID: "req-1",
		Type:      CommandCreateTask,
		Title:     "triage incident",
	}

	first := rel.Apply(ctx, cmd)
	require.True(t, first.Success)

	// Re-delivery returns the recorded result without creating another task.
	second := rel.Apply(ctx, cmd)
	assert.Equal(t, first, second)

	all, err := tasks.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestApplyRequiresRequestID(t *testing.T) {
	rel, _ := newTestRelay(t, nil)

	result := rel.Apply(context.Background(), Command{Type: CommandCreateTask, Title: "x"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "request_id")
}

func TestFailedCommandResultIsAlsoRecorded(t *testing.T) {
	ctx := context.Background()
	rel, _ := newTestRelay(t, &fakeSupervisor{fail: true})

	cmd := Command{RequestID: "req-2", Type: CommandStartAgent, AgentID: "agent-1"}

	first := rel.Apply(ctx, cmd)
	assert.False(t, first.Success)
	assert.Contains(t, first.Error, "tmux unavailable")

	second := rel.Apply(ctx, cmd)
	assert.Equal(t, first, second)
}

func TestSendAndBroadcastMessages(t *testing.T) {
	ctx := context.Background()
	rel, _ := newTestRelay(t, nil)

	direct := rel.Apply(ctx, Command{
		RequestID: "req-3",
		Type:      CommandSendMessage,
		From:      "agent-1",
		To:        "agent-2",
		Body:      "task-abc is yours",
	})
	require.True(t, direct.Success)

	broadcast := rel.Apply(ctx, Command{
		RequestID: "req-4",
		Type:      CommandBroadcastMessage,
		From:      "agent-1",
		Body:      "standup in 5",
	})
	require.True(t, broadcast.Success)

	messages := rel.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "agent-2", messages[0].To)
	assert.Empty(t, messages[1].To, "broadcast has no recipient")
}

func TestMessageRequiresFromAndBody(t *testing.T) {
	rel, _ := newTestRelay(t, nil)

	result := rel.Apply(context.Background(), Command{
		RequestID: "req-5",
		Type:      CommandSendMessage,
		To:        "agent-2",
	})
	assert.False(t, result.Success)
}

func TestAgentLifecycleCommands(t *testing.T) {
	ctx := context.Background()
	supervisor := &fakeSupervisor{}
	rel, _ := newTestRelay(t, supervisor)

	require.True(t, rel.Apply(ctx, Command{RequestID: "a", Type: CommandStartAgent, AgentID: "agent-1"}).Success)
	require.True(t, rel.Apply(ctx, Command{RequestID: "b", Type: CommandStopAgent, AgentID: "agent-1"}).Success)
	require.True(t, rel.Apply(ctx, Command{RequestID: "c", Type: CommandRestartAgent, AgentID: "agent-1"}).Success)

	assert.Equal(t, []string{"agent-1"}, supervisor.started)
	assert.Equal(t, []string{"agent-1"}, supervisor.stopped)
	assert.Equal(t, []string{"agent-1"}, supervisor.restarted)
}

func TestAgentCommandsWithoutSupervisor(t *testing.T) {
	rel, _ := newTestRelay(t, nil)

	result := rel.Apply(context.Background(), Command{RequestID: "x", Type: CommandStartAgent, AgentID: "agent-1"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "supervisor")
}

func TestUnknownCommandType(t *testing.T) {
	rel, _ := newTestRelay(t, nil)

	result := rel.Apply(context.Background(), Command{RequestID: "y", Type: "teleport"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unknown command type")
}

func TestSnapshotReflectsLedger(t *testing.T) {
	ctx := context.Background()
	supervisor := &fakeSupervisor{}
	rel, tasks := newTestRelay(t, supervisor)

	_, err := tasks.Create(ctx, "task one", taskstore.CreateOptions{})
	require.NoError(t, err)

	require.True(t, rel.Apply(ctx, Command{RequestID: "m", Type: CommandBroadcastMessage, From: "agent-1", Body: "hi"}).Success)
	require.True(t, rel.Apply(ctx, Command{RequestID: "s", Type: CommandStartAgent, AgentID: "agent-1"}).Success)

	snapshot, err := rel.Snapshot(ctx)
	require.NoError(t, err)

	require.Len(t, snapshot.Tasks, 1)
	assert.Equal(t, models.TaskStatusReady, snapshot.Tasks[0].Status)
	assert.Len(t, snapshot.Messages, 1)
	require.Len(t, snapshot.Agents, 1)
	assert.Equal(t, "agent-1", snapshot.Agents[0].ID)
	assert.False(t, snapshot.Timestamp.IsZero())
}
