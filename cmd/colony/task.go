package main

import (
	"context"
	"fmt"

	"github.com/colonyhq/colony/pkg/models"
	"github.com/colonyhq/colony/pkg/taskstore"
	cli "github.com/urfave/cli/v3"
)

func taskCommand() *cli.Command {
	return &cli.Command{
		Name:    "task",
		Aliases: []string{"t"},
		Usage:   "Manage the task ledger",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create a task, optionally blocked on other tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Required: true, Usage: "Task title"},
					&cli.StringFlag{Name: "description", Usage: "Task description"},
					&cli.StringSliceFlag{Name: "blocker", Usage: "Task id this task is blocked on (repeatable)"},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					return withApp(ctx, command, func(a *app) error {
						task, err := a.tasks.Create(ctx, command.String("title"), taskstore.CreateOptions{
							Description: command.String("description"),
							Blockers:    command.StringSlice("blocker"),
						})
						if err != nil {
							return err
						}

						return printJSON(task)
					})
				},
			},
			{
				Name:  "list",
				Usage: "List tasks in creation order",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "Filter by status (ready, blocked, in_progress, completed, cancelled)"},
					&cli.BoolFlag{Name: "claimable", Usage: "Only tasks that are ready and unassigned"},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					return withApp(ctx, command, func(a *app) error {
						if command.Bool("claimable") {
							tasks, err := a.tasks.ListClaimable(ctx)
							if err != nil {
								return err
							}

							return printJSON(tasks)
						}

						tasks, err := a.tasks.List(ctx, models.TaskStatus(command.String("status")))
						if err != nil {
							return err
						}

						return printJSON(tasks)
					})
				},
			},
			{
				Name:      "show",
				Usage:     "Show one task",
				ArgsUsage: "<task-id>",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withApp(ctx, command, func(a *app) error {
						taskID, err := firstArg(command, "task-id")
						if err != nil {
							return err
						}

						task, err := a.tasks.Get(ctx, taskID)
						if err != nil {
							return err
						}

						return printJSON(task)
					})
				},
			},
			{
				Name:      "claim",
				Usage:     "Claim a ready task for an agent",
				ArgsUsage: "<task-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "agent", Required: true, Usage: "Claiming agent id", Sources: cli.EnvVars("COLONY_AGENT_ID")},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					return withApp(ctx, command, func(a *app) error {
						taskID, err := firstArg(command, "task-id")
						if err != nil {
							return err
						}

						task, err := a.tasks.Claim(ctx, taskID, command.String("agent"))
						if err != nil {
							return err
						}

						return printJSON(task)
					})
				},
			},
			transitionCommand("complete", "Mark a task completed, unblocking its dependents", models.TaskStatusCompleted),
			transitionCommand("block", "Move a task back to blocked", models.TaskStatusBlocked),
			transitionCommand("unblock", "Move a blocked task to ready", models.TaskStatusReady),
			transitionCommand("cancel", "Cancel a task", models.TaskStatusCancelled),
			{
				Name:      "delete",
				Usage:     "Delete a task and scrub it from blocker lists",
				ArgsUsage: "<task-id>",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withApp(ctx, command, func(a *app) error {
						taskID, err := firstArg(command, "task-id")
						if err != nil {
							return err
						}

						return a.tasks.Delete(ctx, taskID)
					})
				},
			},
		},
	}
}

func transitionCommand(name, usage string, status models.TaskStatus) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<task-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reason", Usage: "Reason recorded in task metadata"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			return withApp(ctx, command, func(a *app) error {
				taskID, err := firstArg(command, "task-id")
				if err != nil {
					return err
				}

				task, err := a.tasks.Transition(ctx, taskID, status, taskstore.TransitionOptions{
					Reason: command.String("reason"),
				})
				if err != nil {
					return err
				}

				return printJSON(task)
			})
		},
	}
}

func withApp(ctx context.Context, command *cli.Command, fn func(a *app) error) error {
	a, err := newApp(ctx, command)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	return fn(a)
}

func firstArg(command *cli.Command, name string) (string, error) {
	value := command.Args().First()
	if value == "" {
		return "", fmt.Errorf("missing required argument <%s>", name)
	}

	return value, nil
}
