package models

// TriggerType identifies how a workflow run is initiated.
type TriggerType string

const (
	TriggerTypeManual   TriggerType = "manual"
	TriggerTypeSchedule TriggerType = "schedule"
	TriggerTypeWebhook  TriggerType = "webhook"
)

// Trigger describes the activation source of a workflow definition.
type Trigger struct {
	Type TriggerType `json:"type"           yaml:"type"           validate:"required,oneof=manual schedule webhook"`
	Cron string      `json:"cron,omitempty" yaml:"cron,omitempty"`
	Path string      `json:"path,omitempty" yaml:"path,omitempty"`
}

// BackoffStrategy selects how retry delays grow between attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryConfig bounds how often a failing step is re-attempted. MaxAttempts
// counts total tries including the first.
type RetryConfig struct {
	MaxAttempts int             `json:"max_attempts"         yaml:"max_attempts"         validate:"required,min=1"`
	Backoff     BackoffStrategy `json:"backoff"              yaml:"backoff"              validate:"required,oneof=fixed linear exponential"`
	BaseDelay   Duration        `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
}

// WorkflowStep is one node of a workflow DAG, delegated to an agent.
type WorkflowStep struct {
	Name         string         `json:"name"                 yaml:"name"                 validate:"required"`
	Agent        string         `json:"agent"                yaml:"agent"                validate:"required"`
	DependsOn    []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Parallel     int            `json:"parallel,omitempty"   yaml:"parallel,omitempty"   validate:"omitempty,min=1"`
	Instructions string         `json:"instructions"         yaml:"instructions"         validate:"required"`
	Output       string         `json:"output,omitempty"     yaml:"output,omitempty"`
	Timeout      Duration       `json:"timeout,omitempty"    yaml:"timeout,omitempty"`
	Retry        *RetryConfig   `json:"retry,omitempty"      yaml:"retry,omitempty"`
	OnFailure    string         `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"   yaml:"metadata,omitempty"`
}

// ErrorHandler substitutes for a failed step once its retry budget is
// exhausted. Step names the step whose failure it resolves.
type ErrorHandler struct {
	Step         string `json:"step"         yaml:"step"         validate:"required"`
	Agent        string `json:"agent"        yaml:"agent"        validate:"required"`
	Instructions string `json:"instructions" yaml:"instructions" validate:"required"`
}

// WorkflowDefinition is a named DAG of steps. Step declaration order is
// significant: it breaks ties within a topological level.
type WorkflowDefinition struct {
	Name          string         `json:"name"                     yaml:"name"                     validate:"required,min=1"`
	Description   string         `json:"description,omitempty"    yaml:"description,omitempty"`
	Trigger       *Trigger       `json:"trigger,omitempty"        yaml:"trigger,omitempty"`
	Input         *JSONSchema    `json:"input,omitempty"          yaml:"input,omitempty"`
	Steps         []WorkflowStep `json:"steps"                    yaml:"steps"                    validate:"required,min=1,dive"`
	ErrorHandlers []ErrorHandler `json:"error_handlers,omitempty" yaml:"error_handlers,omitempty" validate:"omitempty,dive"`
}

// Step returns the step with the given name and whether it exists.
func (d *WorkflowDefinition) Step(name string) (*WorkflowStep, bool) {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i], true
		}
	}

	return nil, false
}

// ErrorHandlerFor returns the handler registered for the named step.
func (d *WorkflowDefinition) ErrorHandlerFor(step string) (*ErrorHandler, bool) {
	for i := range d.ErrorHandlers {
		if d.ErrorHandlers[i].Step == step {
			return &d.ErrorHandlers[i], true
		}
	}

	return nil, false
}
