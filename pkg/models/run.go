package models

import (
	"sync"
	"time"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run reached a final state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StepStatus represents the execution state of a single step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusRetrying  StepStatus = "retrying"
	StepStatusCancelled StepStatus = "cancelled"
)

// StepExecution records the progress of one workflow step within a run.
type StepExecution struct {
	StepName    string     `json:"step_name"`
	Status      StepStatus `json:"status"`
	Agent       string     `json:"agent"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempt     int        `json:"attempt"`
}

// WorkflowRun is one execution instance of a workflow definition.
type WorkflowRun struct {
	ID           string          `json:"id"           validate:"required"`
	WorkflowName string          `json:"workflow_name" validate:"required"`
	Status       RunStatus       `json:"status"`
	Input        map[string]any  `json:"input,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Steps        []StepExecution `json:"steps"`
	Error        string          `json:"error,omitempty"`
}

// StepExecutionFor returns the execution record for the named step.
func (r *WorkflowRun) StepExecutionFor(name string) (*StepExecution, bool) {
	for i := range r.Steps {
		if r.Steps[i].StepName == name {
			return &r.Steps[i], true
		}
	}

	return nil, false
}

// WorkflowContext is the transient, run-scoped mapping from step name to the
// output it produced. It is owned exclusively by the run that created it and
// discarded when the run terminates. Steps dispatched in the same level
// write concurrently, so access is guarded.
type WorkflowContext struct {
	RunID string
	Input map[string]any

	mu      sync.RWMutex
	outputs map[string]any
}

// NewWorkflowContext creates the context for a single run.
func NewWorkflowContext(runID string, input map[string]any) *WorkflowContext {
	return &WorkflowContext{
		RunID:   runID,
		Input:   input,
		outputs: make(map[string]any),
	}
}

// SetOutput records the output produced for a step name.
func (c *WorkflowContext) SetOutput(step string, output any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outputs[step] = output
}

// Output returns the output recorded for a step name.
func (c *WorkflowContext) Output(step string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out, ok := c.outputs[step]

	return out, ok
}

// Outputs returns a copy of all recorded step outputs.
func (c *WorkflowContext) Outputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		out[k] = v
	}

	return out
}
