package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes must stay low cardinality: command names, operation names,
// status values. Item keys and base paths belong in logs, not attributes.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation instruments a generic operation with a span.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := statusOf(err)
	if err != nil {
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentStoreOperation instruments retry queue storage operations.
func (t *Telemetry) InstrumentStoreOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "store_"+operation, "retry_queue", fn)

	t.RecordQueueOperation(ctx, operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentCommand instruments a single request/response exchange with the
// caching worker.
func (t *Telemetry) InstrumentCommand(ctx context.Context, command string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "worker_command", "transport", func(ctx context.Context) error {
		ctx, span := t.Tracer().Start(ctx, "worker_"+command)
		defer span.End()

		span.SetAttributes(attribute.String("worker.command", command))

		return fn(ctx)
	})

	t.RecordWorkerCommand(ctx, command, statusOf(err), time.Since(start))

	return err
}

// statusOf maps an error to the bounded status attribute.
func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
