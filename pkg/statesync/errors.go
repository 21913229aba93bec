// Package statesync persists ledger mutations: append-only journals, a
// mirrored query cache, and git-backed durability with debounced flushes.
package statesync

import (
	"errors"
	"fmt"
)

var (
	// ErrCacheCorrupt indicates the query cache failed its integrity check.
	ErrCacheCorrupt = errors.New("query cache is corrupt")

	// ErrMergeConflict indicates git produced a textual conflict while
	// pulling remote state. Resolution is external; the sync layer never
	// guesses.
	ErrMergeConflict = errors.New("git merge conflict in state files")

	// ErrLockHeld indicates another process holds the state directory lock.
	ErrLockHeld = errors.New("state directory is locked by another process")

	// ErrClosed indicates the sync layer was already shut down.
	ErrClosed = errors.New("state sync is closed")
)

// PersistenceError wraps a failed durability operation with its context.
type PersistenceError struct {
	Op     string // Operation being performed (e.g., "Append", "Commit", "Push")
	Schema string // Schema involved, if any
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.Schema != "" {
		return fmt.Sprintf("%s failed for schema %s: %v", e.Op, e.Schema, e.Err)
	}

	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewPersistenceError creates a persistence error with context.
func NewPersistenceError(op, schema string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Schema: schema, Err: err}
}

// IsMergeConflict checks whether an error stems from a git merge conflict.
func IsMergeConflict(err error) bool {
	return errors.Is(err, ErrMergeConflict)
}

// IsCacheCorrupt checks whether an error indicates cache corruption.
func IsCacheCorrupt(err error) bool {
	return errors.Is(err, ErrCacheCorrupt)
}
