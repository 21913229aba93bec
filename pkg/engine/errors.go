// Package engine drives the workflow run state machine: dependency gating,
// bounded parallel fan-out, retry with backoff, and per-step error routing.
package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrRunNotFound indicates no run exists with the given identifier.
	ErrRunNotFound = errors.New("workflow run not found")

	// ErrRunNotActive indicates the run already reached a terminal state.
	ErrRunNotActive = errors.New("workflow run is not active")

	// ErrInvalidInput indicates the run input failed schema validation.
	ErrInvalidInput = errors.New("workflow input is invalid")
)

// StepExecutionError wraps a failed step attempt with identifying context.
type StepExecutionError struct {
	RunID   string
	Step    string
	Attempt int
	Err     error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s failed in run %s (attempt %d): %v", e.Step, e.RunID, e.Attempt, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// NewStepExecutionError creates a step execution error with context.
func NewStepExecutionError(runID, step string, attempt int, err error) *StepExecutionError {
	return &StepExecutionError{RunID: runID, Step: step, Attempt: attempt, Err: err}
}
