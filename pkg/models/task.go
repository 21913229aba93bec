// Package models defines the core domain models for the colony ledger:
// tasks, workflow definitions, and workflow runs.
package models

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are legal from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// Task is a unit of work with a blocker list and lifecycle status.
type Task struct {
	ID          string         `json:"id"          validate:"required"`
	Title       string         `json:"title"       validate:"required"`
	Description string         `json:"description,omitempty"`
	Status      TaskStatus     `json:"status"      validate:"required"`
	Created     time.Time      `json:"created"`
	Assigned    string         `json:"assigned,omitempty"`
	Blockers    []string       `json:"blockers,omitempty"`
	Completed   *time.Time     `json:"completed,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IsReady reports whether the task is claimable given the set of completed
// task ids: the status must still permit progress and every blocker must be
// completed.
func (t *Task) IsReady(completed map[string]struct{}) bool {
	if t.Status != TaskStatusReady && t.Status != TaskStatusBlocked {
		return false
	}

	for _, blocker := range t.Blockers {
		if _, ok := completed[blocker]; !ok {
			return false
		}
	}

	return true
}
