// Package webhook exposes webhook-triggered workflows over HTTP. A POST to
// a declared path starts a run with the request body as input.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/colonyhq/colony/pkg/catalog"
	"github.com/colonyhq/colony/pkg/models"
	"github.com/colonyhq/colony/pkg/triggers"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// Server routes webhook paths declared in the catalog to workflow runs.
type Server struct {
	catalog *catalog.Catalog
	starter triggers.RunStarter
	logger  *slog.Logger
	app     *fiber.App
}

// NewServer creates the webhook server over the catalog.
func NewServer(cat *catalog.Catalog, starter triggers.RunStarter, logger *slog.Logger) *Server {
	s := &Server{
		catalog: cat,
		starter: starter,
		logger:  logger.With("module", "webhook"),
		app:     fiber.New(),
	}

	for _, def := range cat.List() {
		if def.Trigger == nil || def.Trigger.Type != models.TriggerTypeWebhook {
			continue
		}

		name := def.Name

		s.app.Post(def.Trigger.Path, func(c fiber.Ctx) error {
			return s.handle(c, name)
		})

		s.logger.Info("Registered webhook", "workflow", name, "path", def.Trigger.Path)
	}

	return s
}

// handle accepts the request immediately; the run executes in the
// background and its outcome lands in the runs journal.
func (s *Server) handle(c fiber.Ctx, workflow string) error {
	input := make(map[string]any)

	if body := c.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &input); err != nil {
			return badRequest(c, "request body must be a JSON object")
		}
	}

	go func() {
		run, err := s.starter.StartRun(context.Background(), workflow, input)
		if err != nil {
			s.logger.Error("Webhook run failed to start", "workflow", workflow, "error", err)

			return
		}

		s.logger.Info("Webhook run finished", "workflow", workflow, "run_id", run.ID, "status", run.Status)
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"workflow": workflow,
		"accepted": true,
	})
}

// Listen serves webhooks on the given address until Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}
