package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/colonyhq/colony/pkg/eventbus"
	"github.com/colonyhq/colony/pkg/events"
	"github.com/colonyhq/colony/pkg/models"
	"github.com/colonyhq/colony/pkg/statesync"
	"github.com/colonyhq/colony/pkg/telemetry"
)

// Schema is the journal schema tasks are persisted under.
const Schema = "tasks"

// Store keeps the task ledger in memory, mirrors every mutation through
// StateSync, and recomputes readiness whenever a blocker completes.
// In-memory state is provisional until the durable append is acknowledged.
type Store struct {
	sync      *statesync.Sync
	logger    *slog.Logger
	clock     func() time.Time
	publisher eventbus.EventPublisher
	metrics   *telemetry.Metrics

	mu        sync.RWMutex
	tasks     map[string]*models.Task
	order     []string
	completed map[string]struct{}
}

// Option customizes the store.
type Option func(*Store)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithPublisher emits task lifecycle events on the given publisher.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(s *Store) {
		s.publisher = publisher
	}
}

// WithMetrics records task instruments.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(s *Store) {
		s.metrics = metrics
	}
}

// NewStore creates a store and rehydrates it from the tasks journal.
func NewStore(sync *statesync.Sync, logger *slog.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		sync:      sync,
		logger:    logger.With("module", "taskstore"),
		clock:     time.Now,
		tasks:     make(map[string]*models.Task),
		completed: make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.hydrate(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) hydrate() error {
	err := s.sync.Replay(Schema, func(rec statesync.Record) error {
		if rec.Kind == statesync.KindDelete {
			s.removeLocked(rec.EntityID)

			return nil
		}

		var task models.Task
		if err := json.Unmarshal(rec.Data, &task); err != nil {
			return fmt.Errorf("failed to decode task %s: %w", rec.EntityID, err)
		}

		if _, seen := s.tasks[task.ID]; !seen {
			s.order = append(s.order, task.ID)
		}

		s.tasks[task.ID] = &task

		if task.Status == models.TaskStatusCompleted {
			s.completed[task.ID] = struct{}{}
		} else {
			delete(s.completed, task.ID)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to rehydrate tasks: %w", err)
	}

	sort.SliceStable(s.order, func(i, j int) bool {
		return s.tasks[s.order[i]].Created.Before(s.tasks[s.order[j]].Created)
	})

	return nil
}

func (s *Store) removeLocked(id string) {
	delete(s.tasks, id)
	delete(s.completed, id)

	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)

			break
		}
	}
}

// persist hands a task snapshot to StateSync; the caller commits the
// in-memory change only after this succeeds.
func (s *Store) persist(ctx context.Context, op string, task *models.Task) error {
	err := s.sync.Apply(ctx, statesync.Mutation{
		Schema:   Schema,
		Kind:     statesync.KindUpsert,
		EntityID: task.ID,
		Record:   task,
	})
	if err != nil {
		return NewTaskError(op, task.ID, err)
	}

	return nil
}

func (s *Store) publish(ctx context.Context, key string, event eventbus.Event) {
	if s.publisher == nil {
		return
	}

	if err := s.publisher.Publish(ctx, key, event); err != nil {
		s.logger.Warn("Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

// CreateOptions carries the optional fields of a new task.
type CreateOptions struct {
	Description string
	Blockers    []string
	Metadata    map[string]any
}

// Create adds a task; status is Ready when no blockers are declared, else
// Blocked.
func (s *Store) Create(ctx context.Context, title string, opts CreateOptions) (*models.Task, error) {
	if title == "" {
		return nil, NewTaskError("Create", "", fmt.Errorf("task title is required"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	status := models.TaskStatusReady
	if len(opts.Blockers) > 0 {
		status = models.TaskStatusBlocked
	}

	task := &models.Task{
		ID: models.NewID(models.TaskIDPrefix, func(id string) bool {
			_, taken := s.tasks[id]

			return taken
		}),
		Title:       title,
		Description: opts.Description,
		Status:      status,
		Created:     s.clock().UTC(),
		Blockers:    append([]string(nil), opts.Blockers...),
		Metadata:    opts.Metadata,
	}

	if err := s.persist(ctx, "Create", task); err != nil {
		return nil, err
	}

	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)

	s.logger.Info("Created task", "task_id", task.ID, "status", task.Status)
	s.publish(ctx, task.ID, events.TaskCreated{
		BaseEvent: events.NewBaseEvent(events.TaskCreatedEvent),
		Task:      snapshot(task),
	})

	return snapshot(task), nil
}

// Get returns a copy of a task by id.
func (s *Store) Get(ctx context.Context, taskID string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, NewTaskError("Get", taskID, ErrTaskNotFound)
	}

	return snapshot(task), nil
}

// List returns tasks in creation order, optionally filtered by status.
func (s *Store) List(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Task, 0, len(s.order))

	for _, id := range s.order {
		task := s.tasks[id]
		if status != "" && task.Status != status {
			continue
		}

		out = append(out, snapshot(task))
	}

	return out, nil
}

// ListClaimable returns every task currently ready and unassigned, in
// creation order.
func (s *Store) ListClaimable(ctx context.Context) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Task, 0)

	for _, id := range s.order {
		task := s.tasks[id]
		if task.Assigned == "" && task.IsReady(s.completed) {
			out = append(out, snapshot(task))
		}
	}

	return out, nil
}

// Claim assigns a ready task to an agent and moves it to InProgress.
// Re-claiming by the same agent is idempotent; any other contention is a
// ClaimConflict.
func (s *Store) Claim(ctx context.Context, taskID, agentID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, NewTaskError("Claim", taskID, ErrTaskNotFound)
	}

	if task.Assigned == agentID && task.Status == models.TaskStatusInProgress {
		return snapshot(task), nil
	}

	if task.Assigned != "" && task.Assigned != agentID {
		return nil, NewTaskError("Claim", taskID,
			fmt.Errorf("%w: already assigned to %s", ErrClaimConflict, task.Assigned))
	}

	if !task.IsReady(s.completed) {
		return nil, NewTaskError("Claim", taskID,
			fmt.Errorf("%w: task is not ready (status %s)", ErrClaimConflict, task.Status))
	}

	updated := snapshot(task)
	updated.Assigned = agentID
	updated.Status = models.TaskStatusInProgress

	if err := s.persist(ctx, "Claim", updated); err != nil {
		return nil, err
	}

	*task = *updated

	s.logger.Info("Claimed task", "task_id", taskID, "agent_id", agentID)
	s.publish(ctx, taskID, events.TaskClaimed{
		BaseEvent: events.NewBaseEvent(events.TaskClaimedEvent),
		TaskID:    taskID,
		AgentID:   agentID,
	})

	return snapshot(task), nil
}

// TransitionOptions carries optional context for a status change.
type TransitionOptions struct {
	Reason string
}

// Transition enforces the legal lifecycle transitions. Completing a task
// synchronously recomputes readiness for every task blocked on it.
func (s *Store) Transition(ctx context.Context, taskID string, status models.TaskStatus, opts TransitionOptions) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, NewTaskError("Transition", taskID, ErrTaskNotFound)
	}

	if !legalTransition(task.Status, status) {
		return nil, NewTaskError("Transition", taskID,
			fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, status))
	}

	updated := snapshot(task)
	updated.Status = status

	switch status {
	case models.TaskStatusBlocked:
		if opts.Reason != "" {
			if updated.Metadata == nil {
				updated.Metadata = make(map[string]any)
			}

			updated.Metadata["blocked_reason"] = opts.Reason
		}
	case models.TaskStatusCompleted:
		now := s.clock().UTC()
		updated.Completed = &now
	case models.TaskStatusCancelled, models.TaskStatusReady, models.TaskStatusInProgress:
	}

	if err := s.persist(ctx, "Transition", updated); err != nil {
		return nil, err
	}

	*task = *updated

	if status == models.TaskStatusCompleted {
		s.completed[taskID] = struct{}{}

		if err := s.recomputeReadinessLocked(ctx); err != nil {
			return nil, err
		}
	}

	s.logger.Info("Transitioned task", "task_id", taskID, "status", status)

	switch status {
	case models.TaskStatusCompleted:
		s.publish(ctx, taskID, events.TaskCompleted{
			BaseEvent: events.NewBaseEvent(events.TaskCompletedEvent),
			TaskID:    taskID,
			AgentID:   task.Assigned,
		})
		s.metrics.TaskCompleted(ctx)
	case models.TaskStatusCancelled:
		s.publish(ctx, taskID, events.TaskCancelled{
			BaseEvent: events.NewBaseEvent(events.TaskCancelledEvent),
			TaskID:    taskID,
		})
	case models.TaskStatusReady, models.TaskStatusBlocked, models.TaskStatusInProgress:
	}

	return snapshot(task), nil
}

// recomputeReadinessLocked promotes every blocked task whose blockers are
// all completed.
func (s *Store) recomputeReadinessLocked(ctx context.Context) error {
	for _, id := range s.order {
		task := s.tasks[id]
		if task.Status != models.TaskStatusBlocked {
			continue
		}

		if !task.IsReady(s.completed) {
			continue
		}

		updated := snapshot(task)
		updated.Status = models.TaskStatusReady

		if err := s.persist(ctx, "Transition", updated); err != nil {
			return err
		}

		*task = *updated

		s.logger.Info("Task unblocked", "task_id", id)
	}

	return nil
}

// Delete removes a task administratively and scrubs it from every other
// task's blocker list.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return NewTaskError("Delete", taskID, ErrTaskNotFound)
	}

	err := s.sync.Apply(ctx, statesync.Mutation{
		Schema:   Schema,
		Kind:     statesync.KindDelete,
		EntityID: taskID,
	})
	if err != nil {
		return NewTaskError("Delete", taskID, err)
	}

	s.removeLocked(taskID)

	for _, id := range s.order {
		task := s.tasks[id]

		scrubbed := scrubBlocker(task.Blockers, taskID)
		if len(scrubbed) == len(task.Blockers) {
			continue
		}

		updated := snapshot(task)
		updated.Blockers = scrubbed

		if updated.Status == models.TaskStatusBlocked && updated.IsReady(s.completed) {
			updated.Status = models.TaskStatusReady
		}

		if err := s.persist(ctx, "Delete", updated); err != nil {
			return err
		}

		*task = *updated
	}

	s.logger.Info("Deleted task", "task_id", taskID)

	return nil
}

// CompletedIDs returns the set of completed task ids.
func (s *Store) CompletedIDs() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]struct{}, len(s.completed))
	for id := range s.completed {
		out[id] = struct{}{}
	}

	return out
}

func legalTransition(from, to models.TaskStatus) bool {
	switch from {
	case models.TaskStatusReady:
		return to == models.TaskStatusInProgress || to == models.TaskStatusBlocked || to == models.TaskStatusCancelled
	case models.TaskStatusBlocked:
		return to == models.TaskStatusInProgress || to == models.TaskStatusReady || to == models.TaskStatusCancelled
	case models.TaskStatusInProgress:
		return to == models.TaskStatusBlocked || to == models.TaskStatusCompleted || to == models.TaskStatusCancelled
	case models.TaskStatusCompleted, models.TaskStatusCancelled:
		return false
	}

	return false
}

func scrubBlocker(blockers []string, taskID string) []string {
	out := make([]string, 0, len(blockers))

	for _, blocker := range blockers {
		if blocker != taskID {
			out = append(out, blocker)
		}
	}

	return out
}

func snapshot(task *models.Task) *models.Task {
	copied := *task
	copied.Blockers = append([]string(nil), task.Blockers...)

	if task.Metadata != nil {
		copied.Metadata = make(map[string]any, len(task.Metadata))
		for k, v := range task.Metadata {
			copied.Metadata[k] = v
		}
	}

	return &copied
}
