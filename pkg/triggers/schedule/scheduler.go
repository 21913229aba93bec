// Package schedule starts workflow runs on cron expressions declared by
// schedule triggers.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/colonyhq/colony/pkg/catalog"
	"github.com/colonyhq/colony/pkg/models"
	"github.com/colonyhq/colony/pkg/triggers"
	"github.com/robfig/cron/v3"
)

// Scheduler registers one cron entry per schedule-triggered workflow in the
// catalog. Runs fire in their own goroutine so a long run never blocks the
// scheduler.
type Scheduler struct {
	catalog *catalog.Catalog
	starter triggers.RunStarter
	logger  *slog.Logger
	cron    *cron.Cron
}

// NewScheduler creates a scheduler over the catalog.
func NewScheduler(cat *catalog.Catalog, starter triggers.RunStarter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		catalog: cat,
		starter: starter,
		logger:  logger.With("module", "schedule"),
		cron:    cron.New(),
	}
}

// Start registers every schedule-triggered workflow and starts the cron
// loop. Workflows registered after Start are not picked up until restart.
func (s *Scheduler) Start(ctx context.Context) error {
	registered := 0

	for _, def := range s.catalog.List() {
		if def.Trigger == nil || def.Trigger.Type != models.TriggerTypeSchedule {
			continue
		}

		name := def.Name

		_, err := s.cron.AddFunc(def.Trigger.Cron, func() {
			s.fire(ctx, name)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule workflow %s: %w", name, err)
		}

		s.logger.Info("Scheduled workflow", "workflow", name, "cron", def.Trigger.Cron)

		registered++
	}

	s.cron.Start()

	s.logger.Info("Scheduler started", "workflows", registered)

	return nil
}

func (s *Scheduler) fire(ctx context.Context, workflow string) {
	input := map[string]any{
		"trigger_type": "schedule",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}

	go func() {
		run, err := s.starter.StartRun(ctx, workflow, input)
		if err != nil {
			s.logger.Error("Scheduled run failed to start", "workflow", workflow, "error", err)

			return
		}

		s.logger.Info("Scheduled run finished", "workflow", workflow, "run_id", run.ID, "status", run.Status)
	}()
}

// Stop halts the cron loop and waits for in-flight cron callbacks.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
