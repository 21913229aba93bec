// Package taskstore owns task entities and their blocker graph, computing
// readiness and enforcing the task lifecycle.
package taskstore

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound indicates no task exists with the given identifier.
	ErrTaskNotFound = errors.New("task not found")

	// ErrClaimConflict indicates the task is not claimable or already
	// assigned to a different agent. Callers decide whether to retry.
	ErrClaimConflict = errors.New("task claim conflict")

	// ErrInvalidTransition indicates the requested status change violates
	// the task lifecycle.
	ErrInvalidTransition = errors.New("invalid task transition")
)

// TaskError wraps task operations with identifying context.
type TaskError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s failed for task %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func (e *TaskError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewTaskError creates a task error with context.
func NewTaskError(op, taskID string, err error) *TaskError {
	return &TaskError{Op: op, TaskID: taskID, Err: err}
}

// IsClaimConflict checks whether an error is a claim conflict.
func IsClaimConflict(err error) bool {
	return errors.Is(err, ErrClaimConflict)
}

// IsInvalidTransition checks whether an error is a lifecycle violation.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsTaskNotFound checks whether an error indicates a missing task.
func IsTaskNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}
