package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"dsdreports/internal/config"
)

const (
	ServiceVersion = "1.4.0"
	MeterName      = "dsdreports"
)

// OTelProviders holds the OpenTelemetry providers
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	Registry       *prometheus.Registry
	Logger         *slog.Logger
}

// InitializeOTel initializes tracing and metrics according to cfg.
// Disabled signals fall back to the global no-op providers.
func InitializeOTel(cfg config.TelemetryConfig, logger *slog.Logger) (*OTelProviders, error) {
	ctx := context.Background()

	logger.InfoContext(ctx, "Initializing OpenTelemetry",
		slog.String("service", cfg.ServiceName),
		slog.String("environment", cfg.Environment),
		slog.String("tracing", cfg.Tracing),
		slog.Bool("metrics_enabled", cfg.MetricsEnabled))

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("service.instance.id", generateInstanceID()),
	)

	providers := &OTelProviders{
		Logger: logger,
		Tracer: otel.Tracer(MeterName),
		Meter:  otel.Meter(MeterName),
	}

	if err := initializeTracing(ctx, cfg, res, providers); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if cfg.MetricsEnabled {
		if err := initializeMetrics(ctx, res, providers); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	return providers, nil
}

// initializeTracing sets up OpenTelemetry tracing
func initializeTracing(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, providers *OTelProviders) error {
	switch cfg.Tracing {
	case "none", "":
		return nil
	case "stdout":
	default:
		return fmt.Errorf("unsupported trace exporter: %s", cfg.Tracing)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	providers.TracerProvider = tp
	providers.Tracer = tp.Tracer(MeterName, trace.WithInstrumentationVersion(ServiceVersion))
	otel.SetTracerProvider(tp)

	providers.Logger.InfoContext(ctx, "Tracing initialized", slog.String("exporter", cfg.Tracing))
	return nil
}

// initializeMetrics wires the OTel meter to a private Prometheus registry
func initializeMetrics(ctx context.Context, res *resource.Resource, providers *OTelProviders) error {
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	providers.Registry = reg
	providers.PrometheusHTTP = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	providers.MeterProvider = mp
	providers.Meter = mp.Meter(MeterName, metric.WithInstrumentationVersion(ServiceVersion))
	otel.SetMeterProvider(mp)

	providers.Logger.InfoContext(ctx, "Metrics initialized", slog.String("exporter", "prometheus"))
	return nil
}

// WriteTextfile dumps the metrics registry in text exposition format, for
// pickup by a node_exporter textfile collector.
func (p *OTelProviders) WriteTextfile(path string) error {
	if p.Registry == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, p.Registry)
}

// Shutdown flushes and stops the providers
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var errs []error

	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	return errors.Join(errs...)
}

// BusinessMetrics holds the run's domain metrics
type BusinessMetrics struct {
	JobsTotal            metric.Int64Counter
	JobDuration          metric.Float64Histogram
	InteractionAttempts  metric.Int64Counter
	DownloadBytes        metric.Int64Counter
	DownloadWait         metric.Float64Histogram
	ReconciliationsTotal metric.Int64Counter
	ReconciledKeys       metric.Int64Gauge
	DocumentsRendered    metric.Int64Counter
	DispatchesTotal      metric.Int64Counter
}

// CreateBusinessMetrics creates the run's domain instruments on meter
func CreateBusinessMetrics(meter metric.Meter) (*BusinessMetrics, error) {
	var (
		m   BusinessMetrics
		err error
	)

	if m.JobsTotal, err = meter.Int64Counter("report_jobs_total",
		metric.WithDescription("Report jobs executed, by status and error kind")); err != nil {
		return nil, err
	}
	if m.JobDuration, err = meter.Float64Histogram("report_job_duration_seconds",
		metric.WithDescription("Report job duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.InteractionAttempts, err = meter.Int64Counter("ui_interaction_attempts_total",
		metric.WithDescription("UI interaction attempts made by the retry policy")); err != nil {
		return nil, err
	}
	if m.DownloadBytes, err = meter.Int64Counter("download_bytes_total",
		metric.WithDescription("Bytes of completed downloads"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.DownloadWait, err = meter.Float64Histogram("download_wait_seconds",
		metric.WithDescription("Time from export request to a stable artifact"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.ReconciliationsTotal, err = meter.Int64Counter("storecount_reconciliations_total",
		metric.WithDescription("Store-count reconciliations, by outcome")); err != nil {
		return nil, err
	}
	if m.ReconciledKeys, err = meter.Int64Gauge("storecount_reconciled_keys",
		metric.WithDescription("Keys in the last merged store-count table")); err != nil {
		return nil, err
	}
	if m.DocumentsRendered, err = meter.Int64Counter("documents_rendered_total",
		metric.WithDescription("Rendered documents, by format and status")); err != nil {
		return nil, err
	}
	if m.DispatchesTotal, err = meter.Int64Counter("notification_dispatches_total",
		metric.WithDescription("Notification dispatches, by status")); err != nil {
		return nil, err
	}

	return &m, nil
}

// RecordJob records the outcome of one report job
func (m *BusinessMetrics) RecordJob(ctx context.Context, sequence int, status, errorKind string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Int("report.sequence", sequence),
		attribute.String("status", status),
		attribute.String("error.kind", errorKind),
	)
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDownload records a completed download
func (m *BusinessMetrics) RecordDownload(ctx context.Context, sizeBytes int64, wait time.Duration) {
	if m == nil {
		return
	}
	m.DownloadBytes.Add(ctx, sizeBytes)
	m.DownloadWait.Record(ctx, wait.Seconds())
}

// RecordAttempts records interaction attempts for one logical step
func (m *BusinessMetrics) RecordAttempts(ctx context.Context, step string, attempts int, ok bool) {
	if m == nil {
		return
	}
	m.InteractionAttempts.Add(ctx, int64(attempts), metric.WithAttributes(
		attribute.String("step", step),
		attribute.Bool("ok", ok),
	))
}

// RecordReconciliation records one reconciliation outcome
func (m *BusinessMetrics) RecordReconciliation(ctx context.Context, outcome string, keys int) {
	if m == nil {
		return
	}
	m.ReconciliationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "merged" {
		m.ReconciledKeys.Record(ctx, int64(keys))
	}
}

// RecordDocument records one rendered document
func (m *BusinessMetrics) RecordDocument(ctx context.Context, format string, ok bool) {
	if m == nil {
		return
	}
	m.DocumentsRendered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("format", format),
		attribute.Bool("ok", ok),
	))
}

// RecordDispatch records one notification dispatch
func (m *BusinessMetrics) RecordDispatch(ctx context.Context, mode string, ok bool) {
	if m == nil {
		return
	}
	m.DispatchesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.Bool("ok", ok),
	))
}

// generateInstanceID generates a unique instance identifier
func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, time.Now().Unix())
}

// RecordError records an error on the current span
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
