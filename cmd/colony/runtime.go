package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"log/slog"

	"github.com/colonyhq/colony/pkg/agent"
	"github.com/colonyhq/colony/pkg/catalog"
	"github.com/colonyhq/colony/pkg/config"
	"github.com/colonyhq/colony/pkg/engine"
	"github.com/colonyhq/colony/pkg/log"
	"github.com/colonyhq/colony/pkg/statesync"
	"github.com/colonyhq/colony/pkg/taskstore"
	cli "github.com/urfave/cli/v3"
)

// app wires the core components for one CLI invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	sync   *statesync.Sync
	tasks  *taskstore.Store
	cat    *catalog.Catalog
	agents *agent.Registry
}

func newApp(ctx context.Context, command *cli.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if v := command.String("state-dir"); v != "" {
		cfg.StateDir = v
	}

	if v := command.String("log-level"); v != "" {
		cfg.LogLevel = v
	}

	log.Setup(cfg.LogLevel)
	logger := log.WithModule("colony")

	sync, err := statesync.Open(ctx, cfg.SyncOptions(), logger)
	if err != nil {
		return nil, err
	}

	tasks, err := taskstore.NewStore(sync, logger)
	if err != nil {
		_ = sync.Close(ctx)

		return nil, err
	}

	cat, err := catalog.NewCatalog(sync, logger)
	if err != nil {
		_ = sync.Close(ctx)

		return nil, err
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		sync:   sync,
		tasks:  tasks,
		cat:    cat,
		agents: agent.NewRegistry(),
	}
	a.registerCatalogAgents()

	return a, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.sync.Close(ctx); err != nil {
		a.logger.Error("Failed to close state sync", "error", err)
	}
}

func (a *app) newEngine(opts ...engine.Option) (*engine.Engine, error) {
	return engine.New(a.cat, a.agents, a.sync, a.logger, opts...)
}

// registerCatalogAgents binds every agent name referenced by the catalog to
// a subprocess agent. COLONY_AGENT_<NAME> overrides the executable; the
// agent name itself is the default.
func (a *app) registerCatalogAgents() {
	registered := make(map[string]struct{})

	for _, def := range a.cat.List() {
		names := make([]string, 0, len(def.Steps)+len(def.ErrorHandlers))

		for _, step := range def.Steps {
			names = append(names, step.Agent)
		}

		for _, handler := range def.ErrorHandlers {
			names = append(names, handler.Agent)
		}

		for _, name := range names {
			if _, done := registered[name]; done {
				continue
			}

			registered[name] = struct{}{}

			command := os.Getenv("COLONY_AGENT_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")))
			if command == "" {
				command = name
			}

			a.agents.Register(name, agent.NewLocal(command))
		}
	}
}

func printJSON(value any) error {
	out, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(out))

	return nil
}
