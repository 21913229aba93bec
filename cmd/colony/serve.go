package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/colonyhq/colony/pkg/channels/gochannel"
	"github.com/colonyhq/colony/pkg/channels/kafka"
	"github.com/colonyhq/colony/pkg/engine"
	"github.com/colonyhq/colony/pkg/eventbus"
	"github.com/colonyhq/colony/pkg/events"
	"github.com/colonyhq/colony/pkg/relay"
	"github.com/colonyhq/colony/pkg/taskstore"
	"github.com/colonyhq/colony/pkg/telemetry"
	"github.com/colonyhq/colony/pkg/triggers/schedule"
	"github.com/colonyhq/colony/pkg/triggers/webhook"
	cli "github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the trigger activator, relay, and event bus until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event channel (gochannel, kafka)",
				Sources: cli.EnvVars("COLONY_EVENT_CHANNEL"),
			},
			&cli.StringFlag{
				Name:    "webhook-addr",
				Usage:   "Listen address for webhook triggers",
				Sources: cli.EnvVars("COLONY_WEBHOOK_ADDR"),
			},
			&cli.BoolFlag{
				Name:    "otel",
				Usage:   "Export metrics over OTLP",
				Sources: cli.EnvVars("COLONY_OTEL_ENABLED"),
			},
		},
		Action: serve,
	}
}

func serve(ctx context.Context, command *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, command)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	channel := command.String("event-bus")
	if channel == "" {
		channel = a.cfg.EventChannel
	}

	publisher, subscriber, err := createChannel(channel, a.logger)
	if err != nil {
		return err
	}

	bus := eventbus.NewWatermillEventBus(publisher, subscriber)
	defer func() {
		if err := bus.Close(); err != nil {
			a.logger.Error("Failed to close event bus", "error", err)
		}
	}()

	var metrics *telemetry.Metrics

	if command.Bool("otel") {
		provider, err := telemetry.NewMeterProvider(ctx, "colony")
		if err != nil {
			return err
		}
		defer func() {
			if err := provider.Shutdown(context.WithoutCancel(ctx)); err != nil {
				a.logger.Error("Failed to shut down meter provider", "error", err)
			}
		}()

		metrics, err = telemetry.NewMetrics(provider.Meter("colony"))
		if err != nil {
			return err
		}
	}

	// Rebuild the task store with the bus and instruments attached so task
	// lifecycle activity reaches relay clients and the collector.
	tasks, err := taskstore.NewStore(a.sync, a.logger,
		taskstore.WithPublisher(bus), taskstore.WithMetrics(metrics))
	if err != nil {
		return err
	}

	a.tasks = tasks

	engineOpts := []engine.Option{engine.WithPublisher(bus), engine.WithMetrics(metrics)}

	eng, err := a.newEngine(engineOpts...)
	if err != nil {
		return err
	}

	rel, err := relay.New(a.tasks, a.sync, nil, a.logger, relay.WithPublisher(bus))
	if err != nil {
		return err
	}

	// Every ledger change pushes a fresh snapshot to relay clients.
	for _, eventType := range []events.EventType{
		events.TaskCreatedEvent,
		events.TaskClaimedEvent,
		events.TaskCompletedEvent,
		events.TaskCancelledEvent,
		events.RunCompletedEvent,
		events.RunFailedEvent,
	} {
		if err := bus.Handle(eventType, func(ctx context.Context, _ any) error {
			rel.PublishState(ctx)

			return nil
		}); err != nil {
			return err
		}
	}

	if err := bus.Subscribe(ctx); err != nil {
		return err
	}

	scheduler := schedule.NewScheduler(a.cat, eng, a.logger)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	webhookAddr := command.String("webhook-addr")
	if webhookAddr == "" {
		webhookAddr = a.cfg.WebhookAddr
	}

	server := webhook.NewServer(a.cat, eng, a.logger)

	serveErr := make(chan error, 1)

	go func() {
		serveErr <- server.Listen(webhookAddr)
	}()

	a.logger.Info("Colony serving", "webhook_addr", webhookAddr, "event_channel", channel)

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx := context.WithoutCancel(ctx)

	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Failed to shut down webhook server", "error", err)
	}

	if err := scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Error("Failed to stop scheduler", "error", err)
	}

	return nil
}

func createChannel(channel string, logger *slog.Logger) (message.Publisher, message.Subscriber, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch channel {
	case "gochannel":
		publisher, subscriber, err := gochannel.CreateChannel(wmLogger)

		return publisher, subscriber, err
	case "kafka":
		publisher, subscriber, err := kafka.CreateChannel(wmLogger, "colony")

		return publisher, subscriber, err
	default:
		return nil, nil, fmt.Errorf("unknown event channel %q", channel)
	}
}
