// Package triggers activates workflow runs from sources other than the CLI:
// cron schedules and inbound webhooks.
package triggers

import (
	"context"

	"github.com/colonyhq/colony/pkg/models"
)

// RunStarter starts a workflow run; satisfied by the engine.
type RunStarter interface {
	StartRun(ctx context.Context, workflowName string, input map[string]any) (*models.WorkflowRun, error)
}
