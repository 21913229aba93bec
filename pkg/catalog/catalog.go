package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/colonyhq/colony/pkg/models"
	"github.com/colonyhq/colony/pkg/statesync"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Schema is the journal schema workflow definitions are persisted under.
const Schema = "workflows"

// Catalog holds validated workflow definitions, keyed by name, persisted
// through StateSync and rehydrated from the workflows journal on startup.
type Catalog struct {
	sync     *statesync.Sync
	logger   *slog.Logger
	validate *validator.Validate

	mu    sync.RWMutex
	defs  map[string]*models.WorkflowDefinition
	order []string
}

// NewCatalog creates a catalog and rehydrates it from the journal.
func NewCatalog(sync *statesync.Sync, logger *slog.Logger) (*Catalog, error) {
	c := &Catalog{
		sync:     sync,
		logger:   logger.With("module", "catalog"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		defs:     make(map[string]*models.WorkflowDefinition),
	}

	err := sync.Replay(Schema, func(rec statesync.Record) error {
		if rec.Kind == statesync.KindDelete {
			c.removeLocked(rec.EntityID)

			return nil
		}

		var def models.WorkflowDefinition
		if err := json.Unmarshal(rec.Data, &def); err != nil {
			return fmt.Errorf("failed to decode workflow %s: %w", rec.EntityID, err)
		}

		if _, seen := c.defs[def.Name]; !seen {
			c.order = append(c.order, def.Name)
		}

		c.defs[def.Name] = &def

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rehydrate workflows: %w", err)
	}

	return c, nil
}

func (c *Catalog) removeLocked(name string) {
	delete(c.defs, name)

	for i, existing := range c.order {
		if existing == name {
			c.order = append(c.order[:i], c.order[i+1:]...)

			break
		}
	}
}

// Load parses a YAML (or JSON) document into a validated definition. The
// definition is not registered; call Register to persist it.
func (c *Catalog) Load(doc []byte) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	if err := yaml.Unmarshal(doc, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}

	if err := c.validate.Struct(&def); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			violations := make([]error, 0, len(fieldErrs))
			for _, fieldErr := range fieldErrs {
				violations = append(violations, &ValidationError{
					Workflow: def.Name,
					Message:  fmt.Sprintf("field %s failed %q validation", fieldErr.Namespace(), fieldErr.Tag()),
				})
			}

			return nil, errors.Join(violations...)
		}

		return nil, err
	}

	if violations := Validate(&def); len(violations) > 0 {
		return nil, errors.Join(violations...)
	}

	return &def, nil
}

// LoadFile reads and parses a definition document from disk.
func (c *Catalog) LoadFile(path string) (*models.WorkflowDefinition, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	return c.Load(doc)
}

// SaveFile writes a definition as YAML; Load of the output yields a
// semantically identical definition.
func (c *Catalog) SaveFile(def *models.WorkflowDefinition, path string) error {
	doc, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode workflow %s: %w", def.Name, err)
	}

	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return fmt.Errorf("failed to write workflow file: %w", err)
	}

	return nil
}

// Register validates a definition and persists it in the catalog,
// replacing any previous version of the same name.
func (c *Catalog) Register(ctx context.Context, def *models.WorkflowDefinition) error {
	if violations := Validate(def); len(violations) > 0 {
		return errors.Join(violations...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.sync.Apply(ctx, statesync.Mutation{
		Schema:   Schema,
		Kind:     statesync.KindUpsert,
		EntityID: def.Name,
		Record:   def,
	})
	if err != nil {
		return err
	}

	if _, seen := c.defs[def.Name]; !seen {
		c.order = append(c.order, def.Name)
	}

	c.defs[def.Name] = def

	c.logger.Info("Registered workflow", "workflow", def.Name, "steps", len(def.Steps))

	return nil
}

// Delete removes a definition from the catalog.
func (c *Catalog) Delete(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.defs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}

	err := c.sync.Apply(ctx, statesync.Mutation{
		Schema:   Schema,
		Kind:     statesync.KindDelete,
		EntityID: name,
	})
	if err != nil {
		return err
	}

	c.removeLocked(name)

	return nil
}

// Get returns a registered definition by name.
func (c *Catalog) Get(name string) (*models.WorkflowDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}

	return def, nil
}

// List returns every registered definition in registration order.
func (c *Catalog) List() []*models.WorkflowDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*models.WorkflowDefinition, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.defs[name])
	}

	return out
}
