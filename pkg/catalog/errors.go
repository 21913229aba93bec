// Package catalog loads, validates, and persists workflow definitions and
// computes their deterministic execution order.
package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrWorkflowNotFound indicates no definition is registered under a name.
var ErrWorkflowNotFound = errors.New("workflow definition not found")

// ValidationError describes one structural violation in a definition.
// Validation reports every violation, not just the first.
type ValidationError struct {
	Workflow string
	Step     string // step involved, if any
	Message  string
}

func (e *ValidationError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("workflow %s, step %s: %s", e.Workflow, e.Step, e.Message)
	}

	return fmt.Sprintf("workflow %s: %s", e.Workflow, e.Message)
}

// CycleError reports a dependency cycle; Steps names the smallest cyclic
// set found.
type CycleError struct {
	Workflow string
	Steps    []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("workflow %s: dependency cycle: %s", e.Workflow, strings.Join(e.Steps, " -> "))
}

// IsCycleError checks whether an error reports a dependency cycle.
func IsCycleError(err error) bool {
	var cycleErr *CycleError

	return errors.As(err, &cycleErr)
}
