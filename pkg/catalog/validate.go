package catalog

import (
	"fmt"

	"github.com/colonyhq/colony/pkg/models"
	"github.com/robfig/cron/v3"
)

// Validate reports every structural violation in the definition. An empty
// result means the definition is executable.
func Validate(def *models.WorkflowDefinition) []error {
	violations := make([]error, 0)

	if len(def.Steps) == 0 {
		violations = append(violations, &ValidationError{
			Workflow: def.Name,
			Message:  "workflow has no steps",
		})
	}

	names := make(map[string]struct{}, len(def.Steps))

	for _, step := range def.Steps {
		if _, dup := names[step.Name]; dup {
			violations = append(violations, &ValidationError{
				Workflow: def.Name,
				Step:     step.Name,
				Message:  "duplicate step name",
			})
		}

		names[step.Name] = struct{}{}
	}

	handlers := make(map[string]struct{}, len(def.ErrorHandlers))

	for _, handler := range def.ErrorHandlers {
		handlers[handler.Step] = struct{}{}

		if _, ok := names[handler.Step]; !ok {
			violations = append(violations, &ValidationError{
				Workflow: def.Name,
				Step:     handler.Step,
				Message:  "error handler references unknown step",
			})
		}
	}

	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if dep == step.Name {
				violations = append(violations, &ValidationError{
					Workflow: def.Name,
					Step:     step.Name,
					Message:  "step depends on itself",
				})

				continue
			}

			if _, ok := names[dep]; !ok {
				violations = append(violations, &ValidationError{
					Workflow: def.Name,
					Step:     step.Name,
					Message:  fmt.Sprintf("depends_on references unknown step %q", dep),
				})
			}
		}

		if step.OnFailure != "" {
			if _, ok := handlers[step.OnFailure]; !ok {
				violations = append(violations, &ValidationError{
					Workflow: def.Name,
					Step:     step.Name,
					Message:  fmt.Sprintf("on_failure references step %q with no error handler", step.OnFailure),
				})
			}
		}

		if step.Retry != nil && step.Retry.MaxAttempts < 1 {
			violations = append(violations, &ValidationError{
				Workflow: def.Name,
				Step:     step.Name,
				Message:  "retry max_attempts must be at least 1",
			})
		}
	}

	violations = append(violations, validateTrigger(def)...)

	if len(def.Steps) > 0 {
		if _, err := TopologicalOrder(def); err != nil {
			violations = append(violations, err)
		}
	}

	return violations
}

func validateTrigger(def *models.WorkflowDefinition) []error {
	if def.Trigger == nil {
		return nil
	}

	violations := make([]error, 0)

	switch def.Trigger.Type {
	case models.TriggerTypeManual:
		if def.Trigger.Cron != "" || def.Trigger.Path != "" {
			violations = append(violations, &ValidationError{
				Workflow: def.Name,
				Message:  "manual trigger takes no cron or path",
			})
		}
	case models.TriggerTypeSchedule:
		if def.Trigger.Cron == "" {
			violations = append(violations, &ValidationError{
				Workflow: def.Name,
				Message:  "schedule trigger requires a cron expression",
			})
		} else if _, err := cron.ParseStandard(def.Trigger.Cron); err != nil {
			violations = append(violations, &ValidationError{
				Workflow: def.Name,
				Message:  fmt.Sprintf("invalid cron expression: %v", err),
			})
		}
	case models.TriggerTypeWebhook:
		if def.Trigger.Path == "" || def.Trigger.Path[0] != '/' {
			violations = append(violations, &ValidationError{
				Workflow: def.Name,
				Message:  "webhook trigger requires a path starting with /",
			})
		}
	default:
		violations = append(violations, &ValidationError{
			Workflow: def.Name,
			Message:  fmt.Sprintf("unknown trigger type %q", def.Trigger.Type),
		})
	}

	return violations
}
