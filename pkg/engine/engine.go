package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/colonyhq/colony/pkg/agent"
	"github.com/colonyhq/colony/pkg/catalog"
	"github.com/colonyhq/colony/pkg/eventbus"
	"github.com/colonyhq/colony/pkg/events"
	"github.com/colonyhq/colony/pkg/models"
	"github.com/colonyhq/colony/pkg/statesync"
	"github.com/colonyhq/colony/pkg/telemetry"
)

// Schema is the journal schema workflow runs are persisted under.
const Schema = "runs"

// Option customizes an Engine instance.
type Option func(*Engine)

// WithClock replaces the wall clock, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithSleep replaces the retry delay sleeper, primarily for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithPublisher emits run and step lifecycle events on the given publisher.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(e *Engine) {
		e.publisher = publisher
	}
}

// WithMetrics records run and step instruments.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// Engine executes workflow runs: it gates steps on their dependencies,
// fans parallel steps out across goroutines, retries failing attempts with
// backoff, and routes exhausted failures to error handlers. Run state is
// persisted through StateSync after every step transition.
type Engine struct {
	catalog   *catalog.Catalog
	agents    *agent.Registry
	sync      *statesync.Sync
	logger    *slog.Logger
	publisher eventbus.EventPublisher
	metrics   *telemetry.Metrics
	clock     func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	runs    map[string]*models.WorkflowRun
	order   []string
	cancels map[string]context.CancelFunc
}

// New creates an engine and rehydrates past runs from the journal. Runs
// left non-terminal by a previous process are marked failed; the engine
// never resumes a half-executed run.
func New(cat *catalog.Catalog, agents *agent.Registry, sync *statesync.Sync, logger *slog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		catalog: cat,
		agents:  agents,
		sync:    sync,
		logger:  logger.With("module", "engine"),
		clock:   time.Now,
		runs:    make(map[string]*models.WorkflowRun),
		cancels: make(map[string]context.CancelFunc),
	}
	e.sleep = func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return ctx.Err()
		}

		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	for _, opt := range opts {
		opt(e)
	}

	err := sync.Replay(Schema, func(rec statesync.Record) error {
		if rec.Kind == statesync.KindDelete {
			delete(e.runs, rec.EntityID)

			return nil
		}

		var run models.WorkflowRun
		if err := json.Unmarshal(rec.Data, &run); err != nil {
			return fmt.Errorf("failed to decode run %s: %w", rec.EntityID, err)
		}

		if _, seen := e.runs[run.ID]; !seen {
			e.order = append(e.order, run.ID)
		}

		e.runs[run.ID] = &run

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rehydrate runs: %w", err)
	}

	for _, run := range e.runs {
		if run.Status.Terminal() {
			continue
		}

		now := e.clock()
		run.Status = models.RunStatusFailed
		run.Error = "interrupted by shutdown"
		run.CompletedAt = &now

		for i := range run.Steps {
			if run.Steps[i].Status == models.StepStatusPending ||
				run.Steps[i].Status == models.StepStatusRunning ||
				run.Steps[i].Status == models.StepStatusRetrying {
				run.Steps[i].Status = models.StepStatusCancelled
			}
		}

		if err := e.persistLocked(context.Background(), run); err != nil {
			return nil, err
		}

		e.logger.Warn("Marked interrupted run as failed", "run_id", run.ID)
	}

	return e, nil
}

// StartRun validates the input, creates a run for the named workflow, and
// executes it to a terminal state. It blocks until the run finishes; use
// Cancel from another goroutine to stop it early.
func (e *Engine) StartRun(ctx context.Context, workflowName string, input map[string]any) (*models.WorkflowRun, error) {
	def, err := e.catalog.Get(workflowName)
	if err != nil {
		return nil, err
	}

	if def.Input != nil {
		violations, err := def.Input.ValidateInput(input)
		if err != nil {
			return nil, fmt.Errorf("failed to validate input for %s: %w", workflowName, err)
		}

		if len(violations) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(violations, "; "))
		}
	}

	e.mu.Lock()

	id := models.NewID(models.RunIDPrefix, func(candidate string) bool {
		_, taken := e.runs[candidate]

		return taken
	})

	run := &models.WorkflowRun{
		ID:           id,
		WorkflowName: def.Name,
		Status:       models.RunStatusRunning,
		Input:        input,
		StartedAt:    e.clock(),
		Steps:        make([]models.StepExecution, 0, len(def.Steps)),
	}

	for _, step := range def.Steps {
		run.Steps = append(run.Steps, models.StepExecution{
			StepName: step.Name,
			Status:   models.StepStatusPending,
			Agent:    step.Agent,
		})
	}

	runCtx, cancel := context.WithCancel(ctx)

	e.runs[id] = run
	e.order = append(e.order, id)
	e.cancels[id] = cancel

	if err := e.persistLocked(ctx, run); err != nil {
		delete(e.runs, id)
		delete(e.cancels, id)
		e.order = e.order[:len(e.order)-1]
		e.mu.Unlock()
		cancel()

		return nil, err
	}

	e.mu.Unlock()

	e.logger.Info("Starting workflow run", "run_id", id, "workflow", def.Name)
	e.publish(ctx, id, events.RunStarted{
		BaseEvent:    events.NewBaseEvent(events.RunStartedEvent),
		RunID:        id,
		WorkflowName: def.Name,
		Input:        input,
	})
	e.metrics.RunStarted(ctx, def.Name)

	e.execute(runCtx, def, run)
	cancel()

	return snapshotRun(run), nil
}

// Cancel stops an active run. Steps already running observe the cancelled
// context; steps not yet dispatched never start.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ok := e.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	cancel, active := e.cancels[runID]
	if !active || run.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}

	cancel()

	return nil
}

// Get returns the run with the given identifier.
func (e *Engine) Get(runID string) (*models.WorkflowRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ok := e.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	return snapshotRun(run), nil
}

// List returns every known run in start order.
func (e *Engine) List() []*models.WorkflowRun {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*models.WorkflowRun, 0, len(e.order))
	for _, id := range e.order {
		if run, ok := e.runs[id]; ok {
			out = append(out, snapshotRun(run))
		}
	}

	return out
}

// snapshotRun copies a run so callers never share the record that step
// goroutines mutate.
func snapshotRun(run *models.WorkflowRun) *models.WorkflowRun {
	copied := *run
	copied.Steps = append([]models.StepExecution(nil), run.Steps...)

	if run.Input != nil {
		copied.Input = make(map[string]any, len(run.Input))
		for k, v := range run.Input {
			copied.Input[k] = v
		}
	}

	return &copied
}

// execute walks the topological levels of the definition, dispatching each
// level's eligible steps concurrently and waiting for the level to settle
// before moving on.
func (e *Engine) execute(ctx context.Context, def *models.WorkflowDefinition, run *models.WorkflowRun) {
	wctx := models.NewWorkflowContext(run.ID, run.Input)

	levels, err := catalog.TopologicalOrder(def)
	if err != nil {
		// Registered definitions are validated; this only fires for
		// definitions injected around the catalog.
		e.updateRun(ctx, run, func() {
			run.Error = err.Error()
		})
		e.finalize(ctx, def, run)

		return
	}

	halted := false

	for _, level := range levels {
		if ctx.Err() != nil {
			break
		}

		runnable := make([]*models.WorkflowStep, 0, len(level))

		for _, name := range level {
			step, _ := def.Step(name)
			exec, _ := run.StepExecutionFor(name)

			if halted || !e.depsSatisfied(run, step) {
				e.updateRun(ctx, run, func() {
					exec.Status = models.StepStatusSkipped
				})

				continue
			}

			runnable = append(runnable, step)
		}

		var wg sync.WaitGroup

		for _, step := range runnable {
			wg.Add(1)

			go func(step *models.WorkflowStep) {
				defer wg.Done()

				e.runStep(ctx, def, run, step, wctx)
			}(step)
		}

		wg.Wait()

		for _, step := range runnable {
			exec, _ := run.StepExecutionFor(step.Name)
			if exec.Status == models.StepStatusFailed {
				halted = true
			}
		}
	}

	e.finalize(ctx, def, run)
}

// depsSatisfied reports whether every dependency of the step completed.
// Handler-resolved steps count as completed, so dependents still run.
func (e *Engine) depsSatisfied(run *models.WorkflowRun, step *models.WorkflowStep) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, dep := range step.DependsOn {
		exec, ok := run.StepExecutionFor(dep)
		if !ok || exec.Status != models.StepStatusCompleted {
			return false
		}
	}

	return true
}

// runStep drives one step to a terminal status: the attempt loop with
// backoff, then error handler substitution when the retry budget runs out.
func (e *Engine) runStep(ctx context.Context, def *models.WorkflowDefinition, run *models.WorkflowRun, step *models.WorkflowStep, wctx *models.WorkflowContext) {
	exec, _ := run.StepExecutionFor(step.Name)

	start := e.clock()
	e.updateRun(ctx, run, func() {
		exec.Status = models.StepStatusRunning
		exec.StartedAt = &start
	})

	impl, err := e.agents.Resolve(step.Agent)
	if err != nil {
		e.failStep(ctx, def, run, step, exec, wctx, err)

		return
	}

	maxAttempts := 1
	if step.Retry != nil {
		maxAttempts = step.Retry.MaxAttempts
	}

	var (
		output  any
		lastErr error
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		e.updateRun(ctx, run, func() {
			exec.Attempt = attempt
			exec.Status = models.StepStatusRunning
		})

		output, lastErr = e.invoke(ctx, run, step, impl, attempt, wctx)
		if lastErr == nil {
			break
		}

		lastErr = NewStepExecutionError(run.ID, step.Name, attempt, lastErr)

		e.logger.Warn("Step attempt failed",
			"run_id", run.ID, "step", step.Name, "attempt", attempt, "error", lastErr)
		e.publish(ctx, run.ID, events.StepFailed{
			BaseEvent: events.NewBaseEvent(events.StepFailedEvent),
			RunID:     run.ID,
			StepName:  step.Name,
			Agent:     step.Agent,
			Attempt:   attempt,
			Error:     lastErr.Error(),
		})

		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}

		e.updateRun(ctx, run, func() {
			exec.Status = models.StepStatusRetrying
			exec.Error = lastErr.Error()
		})

		if err := e.sleep(ctx, BackoffDelay(step.Retry, attempt)); err != nil {
			break
		}
	}

	if lastErr == nil {
		e.completeStep(ctx, run, step, exec, wctx, output, start, "")

		return
	}

	if ctx.Err() != nil {
		now := e.clock()
		e.updateRun(context.WithoutCancel(ctx), run, func() {
			exec.Status = models.StepStatusCancelled
			exec.Error = lastErr.Error()
			exec.CompletedAt = &now
		})

		return
	}

	e.failStep(ctx, def, run, step, exec, wctx, lastErr)
}

// failStep routes an exhausted failure to its error handler. A handler that
// succeeds substitutes for the step: the step is recorded completed with the
// handler's output, keeping the original failure in the error field.
func (e *Engine) failStep(ctx context.Context, def *models.WorkflowDefinition, run *models.WorkflowRun, step *models.WorkflowStep, exec *models.StepExecution, wctx *models.WorkflowContext, cause error) {
	handlerFor := step.Name
	if step.OnFailure != "" {
		handlerFor = step.OnFailure
	}

	if handler, ok := def.ErrorHandlerFor(handlerFor); ok {
		e.logger.Info("Routing step failure to error handler",
			"run_id", run.ID, "step", step.Name, "handler_agent", handler.Agent)

		output, err := e.invokeHandler(ctx, run, step, handler, exec.Attempt, wctx, cause)
		if err == nil {
			e.completeStep(ctx, run, step, exec, wctx, output, *exec.StartedAt, cause.Error())

			return
		}

		cause = fmt.Errorf("%w (handler %s: %v)", cause, handler.Agent, err)
	}

	now := e.clock()
	e.updateRun(ctx, run, func() {
		exec.Status = models.StepStatusFailed
		exec.Error = cause.Error()
		exec.CompletedAt = &now
	})
}

// completeStep records a successful step and exposes its output to
// downstream steps under the step's output key.
func (e *Engine) completeStep(ctx context.Context, run *models.WorkflowRun, step *models.WorkflowStep, exec *models.StepExecution, wctx *models.WorkflowContext, output any, start time.Time, resolvedError string) {
	wctx.SetOutput(outputKey(step), output)

	now := e.clock()
	e.updateRun(ctx, run, func() {
		exec.Status = models.StepStatusCompleted
		exec.Output = output
		exec.Error = resolvedError
		exec.CompletedAt = &now
	})

	e.publish(ctx, run.ID, events.StepFinished{
		BaseEvent: events.NewBaseEvent(events.StepFinishedEvent),
		RunID:     run.ID,
		StepName:  step.Name,
		Agent:     step.Agent,
		Attempt:   exec.Attempt,
		Duration:  now.Sub(start),
	})
	e.metrics.StepDuration(ctx, run.WorkflowName, step.Name, now.Sub(start).Seconds())
}

// invoke performs one attempt of a step. A step declaring parallel N fans
// out N sub-invocations and succeeds only when all of them do; the combined
// output is a slice indexed by instance.
func (e *Engine) invoke(ctx context.Context, run *models.WorkflowRun, step *models.WorkflowStep, impl agent.Agent, attempt int, wctx *models.WorkflowContext) (any, error) {
	req := agent.Request{
		RunID:        run.ID,
		InvocationID: run.ID,
		Step:         step.Name,
		Attempt:      attempt,
		Instructions: step.Instructions,
		Input:        run.Input,
		Outputs:      wctx.Outputs(),
	}

	if step.Parallel <= 1 {
		return e.callAgent(ctx, impl, step, req)
	}

	outputs := make([]any, step.Parallel)
	errs := make([]error, step.Parallel)

	var wg sync.WaitGroup

	for i := 0; i < step.Parallel; i++ {
		wg.Add(1)

		go func(instance int) {
			defer wg.Done()

			instanceReq := req
			instanceReq.Instance = instance
			instanceReq.InvocationID = models.ChildID(run.ID, instance)
			outputs[instance], errs[instance] = e.callAgent(ctx, impl, step, instanceReq)
		}(i)
	}

	wg.Wait()

	for instance, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("instance %d: %w", instance, err)
		}
	}

	return outputs, nil
}

// invokeHandler runs the error handler agent with the failure attached to
// the request outputs.
func (e *Engine) invokeHandler(ctx context.Context, run *models.WorkflowRun, step *models.WorkflowStep, handler *models.ErrorHandler, attempt int, wctx *models.WorkflowContext, cause error) (any, error) {
	outputs := wctx.Outputs()
	outputs["error"] = cause.Error()
	outputs["failed_step"] = step.Name

	req := agent.Request{
		RunID:        run.ID,
		InvocationID: run.ID,
		Step:         step.Name,
		Attempt:      attempt,
		Instructions: handler.Instructions,
		Input:        run.Input,
		Outputs:      outputs,
	}

	impl, err := e.agents.Resolve(handler.Agent)
	if err != nil {
		return nil, err
	}

	return e.callAgent(ctx, impl, step, req)
}

func (e *Engine) callAgent(ctx context.Context, impl agent.Agent, step *models.WorkflowStep, req agent.Request) (any, error) {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout.Std())
		defer cancel()
	}

	return impl.Execute(ctx, req)
}

// finalize settles the run status from its step statuses and persists the
// terminal record, even when the run context was cancelled.
func (e *Engine) finalize(ctx context.Context, def *models.WorkflowDefinition, run *models.WorkflowRun) {
	persistCtx := context.WithoutCancel(ctx)
	cancelled := ctx.Err() != nil
	now := e.clock()

	var failed *models.StepExecution

	e.updateRun(persistCtx, run, func() {
		for i := range run.Steps {
			switch run.Steps[i].Status {
			case models.StepStatusPending, models.StepStatusRunning, models.StepStatusRetrying:
				if cancelled {
					run.Steps[i].Status = models.StepStatusCancelled
				} else {
					run.Steps[i].Status = models.StepStatusSkipped
				}
			case models.StepStatusFailed:
				if failed == nil {
					failed = &run.Steps[i]
				}
			}
		}

		switch {
		case cancelled:
			run.Status = models.RunStatusCancelled
		case failed != nil:
			run.Status = models.RunStatusFailed
			run.Error = failed.Error
		case run.Error != "":
			run.Status = models.RunStatusFailed
		default:
			run.Status = models.RunStatusCompleted
		}

		run.CompletedAt = &now
	})

	e.mu.Lock()
	delete(e.cancels, run.ID)
	e.mu.Unlock()

	duration := now.Sub(run.StartedAt)

	switch run.Status {
	case models.RunStatusCompleted:
		e.logger.Info("Workflow run completed", "run_id", run.ID, "workflow", run.WorkflowName, "duration", duration)
		e.publish(persistCtx, run.ID, events.RunCompleted{
			BaseEvent:    events.NewBaseEvent(events.RunCompletedEvent),
			RunID:        run.ID,
			WorkflowName: run.WorkflowName,
			Duration:     duration,
		})
		e.metrics.RunCompleted(persistCtx, run.WorkflowName)
	case models.RunStatusCancelled:
		e.logger.Info("Workflow run cancelled", "run_id", run.ID, "workflow", run.WorkflowName)
		e.publish(persistCtx, run.ID, events.RunCancelled{
			BaseEvent:    events.NewBaseEvent(events.RunCancelledEvent),
			RunID:        run.ID,
			WorkflowName: run.WorkflowName,
		})
	default:
		e.logger.Error("Workflow run failed", "run_id", run.ID, "workflow", run.WorkflowName, "error", run.Error)
		e.publish(persistCtx, run.ID, events.RunFailed{
			BaseEvent:    events.NewBaseEvent(events.RunFailedEvent),
			RunID:        run.ID,
			WorkflowName: run.WorkflowName,
			Error:        run.Error,
			Duration:     duration,
		})
		e.metrics.RunFailed(persistCtx, run.WorkflowName)
	}
}

// updateRun applies a mutation to the run and persists the whole record.
// Holding the engine lock across mutate and persist keeps concurrent step
// goroutines from interleaving partial run states into the journal.
func (e *Engine) updateRun(ctx context.Context, run *models.WorkflowRun, mutate func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	mutate()

	if err := e.persistLocked(ctx, run); err != nil {
		e.logger.Error("Failed to persist run state", "run_id", run.ID, "error", err)
	}
}

func (e *Engine) persistLocked(ctx context.Context, run *models.WorkflowRun) error {
	return e.sync.Apply(ctx, statesync.Mutation{
		Schema:   Schema,
		Kind:     statesync.KindUpsert,
		EntityID: run.ID,
		Record:   run,
	})
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	if err := e.publisher.Publish(ctx, key, event); err != nil {
		e.logger.Warn("Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

func outputKey(step *models.WorkflowStep) string {
	if step.Output != "" {
		return step.Output
	}

	return step.Name
}
