package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Business Metrics
	downloadsTotal         metric.Int64Counter
	downloadsActive        metric.Int64UpDownCounter
	downloadDuration       metric.Float64Histogram
	workerCommandsTotal    metric.Int64Counter
	workerCommandDuration  metric.Float64Histogram
	queueOperationsTotal   metric.Int64Counter
	queueOperationDuration metric.Float64Histogram
	retryQueueSize         metric.Int64Gauge
	eventsPublished        metric.Int64Counter
	subscriberPanics       metric.Int64Counter

	// System health
	systemErrors metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint enables a periodic OTLP gRPC metric exporter when set.
	OTLPEndpoint string
}

// New creates a new telemetry instance. A disabled config yields a no-op
// Telemetry whose recording methods are safe to call.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	// Memory, goroutine and GC metrics.
	if err := runtime.Start(
		runtime.WithMeterProvider(meterProvider),
		runtime.WithMinimumReadMemStatsInterval(15*time.Second),
	); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("offline_sync")
	}

	return t.tracer
}

// MeterProvider returns the provider used for instrumented libraries, or nil
// when telemetry is disabled.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return t.meterProvider
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(ctx context.Context, method, route, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(ctx, 1, attrs)
	t.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight(ctx context.Context) {
	if t == nil || t.httpRequestsInFlight == nil {
		return
	}

	t.httpRequestsInFlight.Add(ctx, 1)
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight(ctx context.Context) {
	if t == nil || t.httpRequestsInFlight == nil {
		return
	}

	t.httpRequestsInFlight.Add(ctx, -1)
}

// RecordDownload records the terminal outcome of a download.
func (t *Telemetry) RecordDownload(ctx context.Context, status string, duration time.Duration) {
	if t == nil || t.downloadsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.downloadsTotal.Add(ctx, 1, attrs)
	t.downloadDuration.Record(ctx, duration.Seconds(), attrs)
}

// IncrementActiveDownloads increments active downloads counter.
func (t *Telemetry) IncrementActiveDownloads(ctx context.Context) {
	if t == nil || t.downloadsActive == nil {
		return
	}

	t.downloadsActive.Add(ctx, 1)
}

// DecrementActiveDownloads decrements active downloads counter.
func (t *Telemetry) DecrementActiveDownloads(ctx context.Context) {
	if t == nil || t.downloadsActive == nil {
		return
	}

	t.downloadsActive.Add(ctx, -1)
}

// RecordWorkerCommand records a request/response exchange with the worker.
func (t *Telemetry) RecordWorkerCommand(ctx context.Context, command, status string, duration time.Duration) {
	if t == nil || t.workerCommandsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("status", status),
	)

	t.workerCommandsTotal.Add(ctx, 1, attrs)
	t.workerCommandDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordQueueOperation records retry queue storage metrics.
func (t *Telemetry) RecordQueueOperation(ctx context.Context, operation, status string, duration time.Duration) {
	if t == nil || t.queueOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.queueOperationsTotal.Add(ctx, 1, attrs)
	t.queueOperationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRetryQueueSize records the number of pending retry entries.
func (t *Telemetry) RecordRetryQueueSize(ctx context.Context, size int) {
	if t == nil || t.retryQueueSize == nil {
		return
	}

	t.retryQueueSize.Record(ctx, int64(size))
}

// RecordEvent records a published bus event.
func (t *Telemetry) RecordEvent(ctx context.Context, kind string) {
	if t == nil || t.eventsPublished == nil {
		return
	}

	t.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSubscriberPanic records a subscriber that panicked during delivery.
func (t *Telemetry) RecordSubscriberPanic(ctx context.Context, kind string) {
	if t == nil || t.subscriberPanics == nil {
		return
	}

	t.subscriberPanics.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(ctx context.Context, component, errorType string) {
	if t == nil || t.systemErrors == nil {
		return
	}

	t.systemErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("error_type", errorType),
		),
	)
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error

	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}

	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	if err := t.initializeBusinessMetrics(); err != nil {
		return err
	}

	return t.initializeSystemMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeBusinessMetrics() error {
	var err error

	t.downloadsTotal, err = t.meter.Int64Counter(
		"downloads_total",
		metric.WithDescription("Total number of finished item downloads by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloads_total counter: %w", err)
	}

	t.downloadsActive, err = t.meter.Int64UpDownCounter(
		"downloads_active",
		metric.WithDescription("Number of item downloads in flight"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create downloads_active counter: %w", err)
	}

	t.downloadDuration, err = t.meter.Float64Histogram(
		"download_duration_seconds",
		metric.WithDescription("Item download duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create download_duration histogram: %w", err)
	}

	t.workerCommandsTotal, err = t.meter.Int64Counter(
		"worker_commands_total",
		metric.WithDescription("Total number of commands sent to the caching worker"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create worker_commands_total counter: %w", err)
	}

	t.workerCommandDuration, err = t.meter.Float64Histogram(
		"worker_command_duration_seconds",
		metric.WithDescription("Worker command round-trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create worker_command_duration histogram: %w", err)
	}

	t.queueOperationsTotal, err = t.meter.Int64Counter(
		"queue_operations_total",
		metric.WithDescription("Total number of retry queue storage operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue_operations_total counter: %w", err)
	}

	t.queueOperationDuration, err = t.meter.Float64Histogram(
		"queue_operation_duration_seconds",
		metric.WithDescription("Retry queue storage operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue_operation_duration histogram: %w", err)
	}

	t.retryQueueSize, err = t.meter.Int64Gauge(
		"retry_queue_size",
		metric.WithDescription("Number of downloads waiting for a background retry"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create retry_queue_size gauge: %w", err)
	}

	t.eventsPublished, err = t.meter.Int64Counter(
		"events_published_total",
		metric.WithDescription("Total number of events published on the bus"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create events_published_total counter: %w", err)
	}

	t.subscriberPanics, err = t.meter.Int64Counter(
		"event_subscriber_panics_total",
		metric.WithDescription("Total number of event subscribers that panicked"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create event_subscriber_panics_total counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSystemMetrics() error {
	var err error

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	return nil
}
