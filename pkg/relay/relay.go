// Package relay is the boundary between the core and remote clients: it
// applies inbound commands idempotently and pushes outbound state snapshots
// whenever the ledger changes.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/colonyhq/colony/pkg/eventbus"
	"github.com/colonyhq/colony/pkg/events"
	"github.com/colonyhq/colony/pkg/models"
	"github.com/colonyhq/colony/pkg/statesync"
	"github.com/colonyhq/colony/pkg/taskstore"
	"github.com/google/uuid"
)

// Schema is the journal schema relay messages are persisted under.
const Schema = "messages"

// CommandType identifies an inbound relay command.
type CommandType string

const (
	CommandSendMessage      CommandType = "send_message"
	CommandBroadcastMessage CommandType = "broadcast_message"
	CommandCreateTask       CommandType = "create_task"
	CommandStartAgent       CommandType = "start_agent"
	CommandStopAgent        CommandType = "stop_agent"
	CommandRestartAgent     CommandType = "restart_agent"
)

// Command is one inbound request from a relay client. RequestID is the
// caller-supplied idempotency key: re-delivering a command with an already
// seen id returns the recorded result without re-applying it.
type Command struct {
	RequestID string      `json:"request_id"`
	Type      CommandType `json:"type"`

	// Message payload.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	Body string `json:"body,omitempty"`

	// Task payload.
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Blockers    []string `json:"blockers,omitempty"`

	// Agent lifecycle payload.
	AgentID string `json:"agent_id,omitempty"`
}

// Result is the outcome returned to the relay client.
type Result struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Supervisor manages agent process lifecycles on behalf of relay commands.
// How an agent is actually launched is outside the core's concern.
type Supervisor interface {
	StartAgent(ctx context.Context, agentID string) error
	StopAgent(ctx context.Context, agentID string) error
	RestartAgent(ctx context.Context, agentID string) error
	Agents() []events.AgentInfo
}

// Relay applies commands against the task ledger and message journal, and
// publishes StateUpdated snapshots. The idempotency window lives for the
// process lifetime; a single active writer per repository makes that
// sufficient.
type Relay struct {
	tasks      *taskstore.Store
	sync       *statesync.Sync
	supervisor Supervisor
	publisher  eventbus.EventPublisher
	logger     *slog.Logger
	clock      func() time.Time

	mu       sync.Mutex
	seen     map[string]Result
	messages []events.Message
}

// Option customizes a Relay instance.
type Option func(*Relay)

// WithClock replaces the wall clock, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Relay) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithPublisher emits StateUpdated events on the given publisher.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(r *Relay) {
		r.publisher = publisher
	}
}

// New creates a relay and rehydrates retained messages from the journal.
func New(tasks *taskstore.Store, sync *statesync.Sync, supervisor Supervisor, logger *slog.Logger, opts ...Option) (*Relay, error) {
	r := &Relay{
		tasks:      tasks,
		sync:       sync,
		supervisor: supervisor,
		logger:     logger.With("module", "relay"),
		clock:      time.Now,
		seen:       make(map[string]Result),
	}

	for _, opt := range opts {
		opt(r)
	}

	err := sync.Replay(Schema, func(rec statesync.Record) error {
		if rec.Kind == statesync.KindDelete {
			return nil
		}

		var msg events.Message
		if err := json.Unmarshal(rec.Data, &msg); err != nil {
			return fmt.Errorf("failed to decode message %s: %w", rec.EntityID, err)
		}

		r.messages = append(r.messages, msg)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rehydrate messages: %w", err)
	}

	return r, nil
}

// Apply executes one command and records its result under the request id.
// A replayed request id returns the original result without side effects.
func (r *Relay) Apply(ctx context.Context, cmd Command) Result {
	if cmd.RequestID == "" {
		return Result{Success: false, Error: "request_id is required"}
	}

	r.mu.Lock()
	if recorded, ok := r.seen[cmd.RequestID]; ok {
		r.mu.Unlock()
		r.logger.Debug("Replayed command, returning recorded result", "request_id", cmd.RequestID)

		return recorded
	}
	r.mu.Unlock()

	result := r.dispatch(ctx, cmd)

	r.mu.Lock()
	r.seen[cmd.RequestID] = result
	r.mu.Unlock()

	if result.Success {
		r.PublishState(ctx)
	}

	return result
}

func (r *Relay) dispatch(ctx context.Context, cmd Command) Result {
	switch cmd.Type {
	case CommandSendMessage:
		return r.applyMessage(ctx, cmd, cmd.To)
	case CommandBroadcastMessage:
		return r.applyMessage(ctx, cmd, "")
	case CommandCreateTask:
		return r.applyCreateTask(ctx, cmd)
	case CommandStartAgent:
		return r.applyAgent(ctx, cmd, r.startAgent)
	case CommandStopAgent:
		return r.applyAgent(ctx, cmd, r.stopAgent)
	case CommandRestartAgent:
		return r.applyAgent(ctx, cmd, r.restartAgent)
	default:
		return Result{Success: false, Error: fmt.Sprintf("unknown command type %q", cmd.Type)}
	}
}

func (r *Relay) applyMessage(ctx context.Context, cmd Command, to string) Result {
	if cmd.From == "" || cmd.Body == "" {
		return Result{Success: false, Error: "message requires from and body"}
	}

	msg := events.Message{
		ID:        uuid.New().String(),
		From:      cmd.From,
		To:        to,
		Body:      cmd.Body,
		Timestamp: r.clock().UTC(),
	}

	err := r.sync.Apply(ctx, statesync.Mutation{
		Schema:   Schema,
		Kind:     statesync.KindUpsert,
		EntityID: msg.ID,
		Record:   msg,
	})
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()

	r.logger.Info("Relayed message", "from", msg.From, "to", msg.To, "message_id", msg.ID)

	return Result{Success: true, Output: msg}
}

func (r *Relay) applyCreateTask(ctx context.Context, cmd Command) Result {
	task, err := r.tasks.Create(ctx, cmd.Title, taskstore.CreateOptions{
		Description: cmd.Description,
		Blockers:    cmd.Blockers,
	})
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	return Result{Success: true, Output: task}
}

func (r *Relay) applyAgent(ctx context.Context, cmd Command, op func(context.Context, string) error) Result {
	if r.supervisor == nil {
		return Result{Success: false, Error: "no agent supervisor configured"}
	}

	if cmd.AgentID == "" {
		return Result{Success: false, Error: "agent_id is required"}
	}

	if err := op(ctx, cmd.AgentID); err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	return Result{Success: true, Output: cmd.AgentID}
}

func (r *Relay) startAgent(ctx context.Context, agentID string) error {
	return r.supervisor.StartAgent(ctx, agentID)
}

func (r *Relay) stopAgent(ctx context.Context, agentID string) error {
	return r.supervisor.StopAgent(ctx, agentID)
}

func (r *Relay) restartAgent(ctx context.Context, agentID string) error {
	return r.supervisor.RestartAgent(ctx, agentID)
}

// Snapshot builds the relay-facing view of the ledger.
func (r *Relay) Snapshot(ctx context.Context) (events.StateSnapshot, error) {
	tasks, err := r.tasks.List(ctx, models.TaskStatus(""))
	if err != nil {
		return events.StateSnapshot{}, err
	}

	var agents []events.AgentInfo
	if r.supervisor != nil {
		agents = r.supervisor.Agents()
	}

	r.mu.Lock()
	messages := append([]events.Message(nil), r.messages...)
	r.mu.Unlock()

	return events.StateSnapshot{
		Timestamp: r.clock().UTC(),
		Agents:    agents,
		Tasks:     tasks,
		Messages:  messages,
	}, nil
}

// PublishState pushes a StateUpdated snapshot to relay clients. Publishing
// failures are logged, never propagated.
func (r *Relay) PublishState(ctx context.Context) {
	if r.publisher == nil {
		return
	}

	snapshot, err := r.Snapshot(ctx)
	if err != nil {
		r.logger.Warn("Failed to build state snapshot", "error", err)

		return
	}

	event := events.StateUpdated{
		BaseEvent: events.NewBaseEvent(events.StateUpdatedEvent),
		Snapshot:  snapshot,
	}

	if err := r.publisher.Publish(ctx, event.ID, event); err != nil {
		r.logger.Warn("Failed to publish state update", "error", err)
	}
}

// Messages returns the retained messages in arrival order.
func (r *Relay) Messages() []events.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]events.Message(nil), r.messages...)
}
