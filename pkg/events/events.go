// Package events defines the lifecycle notifications the core emits for
// relay and telemetry consumers.
package events

import (
	"time"

	"github.com/colonyhq/colony/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every colony event.
const Topic = "colony.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Task lifecycle events.
	TaskCreatedEvent   EventType = "task.created"
	TaskClaimedEvent   EventType = "task.claimed"
	TaskCompletedEvent EventType = "task.completed"
	TaskCancelledEvent EventType = "task.cancelled"

	// Workflow run lifecycle events.
	RunStartedEvent   EventType = "run.started"
	RunCompletedEvent EventType = "run.completed"
	RunFailedEvent    EventType = "run.failed"
	RunCancelledEvent EventType = "run.cancelled"

	// Step execution events.
	StepFinishedEvent EventType = "step.finished"
	StepFailedEvent   EventType = "step.failed"

	// Ledger snapshot pushed to relay clients.
	StateUpdatedEvent EventType = "state.updated"
)

type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

type TaskCreated struct {
	BaseEvent

	Task *models.Task `json:"task"`
}

func (e TaskCreated) GetType() EventType { return TaskCreatedEvent }

type TaskClaimed struct {
	BaseEvent

	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

func (e TaskClaimed) GetType() EventType { return TaskClaimedEvent }

type TaskCompleted struct {
	BaseEvent

	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id,omitempty"`
}

func (e TaskCompleted) GetType() EventType { return TaskCompletedEvent }

type TaskCancelled struct {
	BaseEvent

	TaskID string `json:"task_id"`
}

func (e TaskCancelled) GetType() EventType { return TaskCancelledEvent }

type RunStarted struct {
	BaseEvent

	RunID        string         `json:"run_id"`
	WorkflowName string         `json:"workflow_name"`
	Input        map[string]any `json:"input,omitempty"`
}

func (e RunStarted) GetType() EventType { return RunStartedEvent }

type RunCompleted struct {
	BaseEvent

	RunID        string        `json:"run_id"`
	WorkflowName string        `json:"workflow_name"`
	Duration     time.Duration `json:"duration"`
}

func (e RunCompleted) GetType() EventType { return RunCompletedEvent }

type RunFailed struct {
	BaseEvent

	RunID        string        `json:"run_id"`
	WorkflowName string        `json:"workflow_name"`
	Error        string        `json:"error"`
	Duration     time.Duration `json:"duration"`
}

func (e RunFailed) GetType() EventType { return RunFailedEvent }

type RunCancelled struct {
	BaseEvent

	RunID        string `json:"run_id"`
	WorkflowName string `json:"workflow_name"`
}

func (e RunCancelled) GetType() EventType { return RunCancelledEvent }

type StepFinished struct {
	BaseEvent

	RunID    string        `json:"run_id"`
	StepName string        `json:"step_name"`
	Agent    string        `json:"agent"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
}

func (e StepFinished) GetType() EventType { return StepFinishedEvent }

type StepFailed struct {
	BaseEvent

	RunID    string `json:"run_id"`
	StepName string `json:"step_name"`
	Agent    string `json:"agent"`
	Attempt  int    `json:"attempt"`
	Error    string `json:"error"`
}

func (e StepFailed) GetType() EventType { return StepFailedEvent }

// AgentInfo describes one known agent in a StateUpdate snapshot.
type AgentInfo struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// Message is a relay chat message retained in the ledger.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"` // empty means broadcast
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// StateSnapshot is the relay-facing view of the ledger.
type StateSnapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	Agents    []AgentInfo    `json:"agents"`
	Tasks     []*models.Task `json:"tasks"`
	Messages  []Message      `json:"messages"`
}

// StateUpdated carries the full snapshot pushed to relay clients whenever
// state changes.
type StateUpdated struct {
	BaseEvent

	Snapshot StateSnapshot `json:"snapshot"`
}

func (e StateUpdated) GetType() EventType { return StateUpdatedEvent }
