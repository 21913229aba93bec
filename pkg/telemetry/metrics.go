// Package telemetry emits side-channel counters and durations for ledger
// activity. Collector availability never blocks or fails a core operation;
// every method is safe on a nil receiver.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Common attribute keys.
const (
	WorkflowNameKey = "colony.workflow.name"
	StepNameKey     = "colony.step.name"
	AgentIDKey      = "colony.agent.id"
)

// NewMeterProvider wires an OTLP/HTTP metric exporter. Callers own shutdown.
func NewMeterProvider(ctx context.Context, serviceName string) (*sdkmetric.MeterProvider, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlpmetrichttp.New(ctx)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(r),
	)

	otel.SetMeterProvider(mp)

	return mp, nil
}

// Metrics bundles the core instruments.
type Metrics struct {
	tasksCompleted metric.Int64Counter
	runsStarted    metric.Int64Counter
	runsCompleted  metric.Int64Counter
	runsFailed     metric.Int64Counter
	stepDuration   metric.Float64Histogram
}

// NewMetrics creates the colony instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	tasksCompleted, err := meter.Int64Counter("colony.tasks.completed")
	if err != nil {
		return nil, err
	}

	runsStarted, err := meter.Int64Counter("colony.runs.started")
	if err != nil {
		return nil, err
	}

	runsCompleted, err := meter.Int64Counter("colony.runs.completed")
	if err != nil {
		return nil, err
	}

	runsFailed, err := meter.Int64Counter("colony.runs.failed")
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram("colony.step.duration",
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		tasksCompleted: tasksCompleted,
		runsStarted:    runsStarted,
		runsCompleted:  runsCompleted,
		runsFailed:     runsFailed,
		stepDuration:   stepDuration,
	}, nil
}

func (m *Metrics) TaskCompleted(ctx context.Context) {
	if m == nil {
		return
	}

	m.tasksCompleted.Add(ctx, 1)
}

func (m *Metrics) RunStarted(ctx context.Context, workflow string) {
	if m == nil {
		return
	}

	m.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String(WorkflowNameKey, workflow)))
}

func (m *Metrics) RunCompleted(ctx context.Context, workflow string) {
	if m == nil {
		return
	}

	m.runsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String(WorkflowNameKey, workflow)))
}

func (m *Metrics) RunFailed(ctx context.Context, workflow string) {
	if m == nil {
		return
	}

	m.runsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String(WorkflowNameKey, workflow)))
}

func (m *Metrics) StepDuration(ctx context.Context, workflow, step string, seconds float64) {
	if m == nil {
		return
	}

	m.stepDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String(WorkflowNameKey, workflow),
		attribute.String(StepNameKey, step),
	))
}
