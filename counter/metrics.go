package counter

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("denorm.counter")
	meter  = otel.Meter("denorm.counter")
)

const (
	opAdd       = "add"
	opSubtract  = "subtract"
	resultError = "error"
)

var (
	adjustmentsTotal metric.Int64Counter
	eventsTotal      metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		adjustmentsTotal, err = meter.Int64Counter(
			"denorm_counter_adjustments_total",
			metric.WithDescription("Counter adjustments by counter, operation and result"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		eventsTotal, err = meter.Int64Counter(
			"denorm_counter_events_total",
			metric.WithDescription("Lifecycle events handled by kind and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordAdjustment(ctx context.Context, counter, op, result string) {
	if err := initMetrics(); err != nil {
		return
	}

	adjustmentsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("counter", counter),
		attribute.String("op", op),
		attribute.String("result", result),
	))
}

func recordEvent(ctx context.Context, kind EventKind, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	eventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_kind", kind.String()),
		attribute.Bool("success", success),
	))
}

// startHandleSpan creates a span for one handled event.
func startHandleSpan(ctx context.Context, ev Event) (context.Context, trace.Span) {
	return tracer.Start(ctx, "counter.Engine.Handle",
		trace.WithAttributes(
			attribute.String("denorm.event_kind", ev.Kind.String()),
			attribute.String("denorm.subject_id", ev.SubjectID),
		),
	)
}
