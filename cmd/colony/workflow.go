package main

import (
	"context"
	"encoding/json"
	"fmt"

	cli "github.com/urfave/cli/v3"
)

func workflowCommand() *cli.Command {
	return &cli.Command{
		Name:    "workflow",
		Aliases: []string{"w"},
		Usage:   "Manage and run workflow definitions",
		Commands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "Validate a workflow definition file without registering it",
				ArgsUsage: "<file>",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withApp(ctx, command, func(a *app) error {
						path, err := firstArg(command, "file")
						if err != nil {
							return err
						}

						def, err := a.cat.LoadFile(path)
						if err != nil {
							return err
						}

						fmt.Printf("Workflow %q is valid (%d steps)\n", def.Name, len(def.Steps))

						return nil
					})
				},
			},
			{
				Name:      "register",
				Usage:     "Validate and register a workflow definition file",
				ArgsUsage: "<file>",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withApp(ctx, command, func(a *app) error {
						path, err := firstArg(command, "file")
						if err != nil {
							return err
						}

						def, err := a.cat.LoadFile(path)
						if err != nil {
							return err
						}

						if err := a.cat.Register(ctx, def); err != nil {
							return err
						}

						return printJSON(def)
					})
				},
			},
			{
				Name:  "list",
				Usage: "List registered workflows and past runs",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "runs", Usage: "List runs instead of definitions"},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					return withApp(ctx, command, func(a *app) error {
						if command.Bool("runs") {
							eng, err := a.newEngine()
							if err != nil {
								return err
							}

							return printJSON(eng.List())
						}

						return printJSON(a.cat.List())
					})
				},
			},
			{
				Name:      "run",
				Usage:     "Execute a registered workflow and wait for it to finish",
				ArgsUsage: "<workflow-name>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "input", Usage: "Run input as a JSON object"},
					&cli.StringFlag{Name: "file", Usage: "Register this definition file before running"},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					return withApp(ctx, command, func(a *app) error {
						name := command.Args().First()

						if path := command.String("file"); path != "" {
							def, err := a.cat.LoadFile(path)
							if err != nil {
								return err
							}

							if err := a.cat.Register(ctx, def); err != nil {
								return err
							}

							if name == "" {
								name = def.Name
							}

							a.registerCatalogAgents()
						}

						if name == "" {
							return fmt.Errorf("missing required argument <workflow-name>")
						}

						input := make(map[string]any)

						if raw := command.String("input"); raw != "" {
							if err := json.Unmarshal([]byte(raw), &input); err != nil {
								return fmt.Errorf("invalid --input: %w", err)
							}
						}

						eng, err := a.newEngine()
						if err != nil {
							return err
						}

						run, err := eng.StartRun(ctx, name, input)
						if err != nil {
							return err
						}

						return printJSON(run)
					})
				},
			},
		},
	}
}
