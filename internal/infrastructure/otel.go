package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
)

const (
	ServiceName    = "fathomos-trustd"
	ServiceVersion = "v1.0.0"
	MeterName      = "fathomos"
)

// OTelProviders holds the OpenTelemetry metric pipeline. Tracing is
// intentionally absent: there is no second process to trace into for an
// offline product, so only the metric pipeline is carried.
type OTelProviders struct {
	MeterProvider  *sdkmetric.MeterProvider
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	Logger         *slog.Logger
}

// InitializeOTel initializes the OpenTelemetry meter provider with a
// Prometheus exporter and returns the HTTP scrape handler.
func InitializeOTel(logger *slog.Logger) (*OTelProviders, error) {
	ctx := context.Background()

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	providers := &OTelProviders{
		MeterProvider:  mp,
		Meter:          mp.Meter(MeterName, metric.WithInstrumentationVersion(ServiceVersion)),
		PrometheusHTTP: promhttp.Handler(),
		Logger:         logger,
	}

	logger.InfoContext(ctx, "Metrics initialized",
		slog.String("service", ServiceName),
		slog.String("exporter", "prometheus"))

	return providers, nil
}

// Shutdown flushes and stops the metric pipeline.
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	if p.MeterProvider == nil {
		return nil
	}
	return p.MeterProvider.Shutdown(ctx)
}

// TrustMetrics holds the trust-core counters recorded across packages.
type TrustMetrics struct {
	ValidationsTotal    metric.Int64Counter
	AuditAppendsTotal   metric.Int64Counter
	AuditFallbacksTotal metric.Int64Counter
	RateLimitRejections metric.Int64Counter
	CertificatesIssued  metric.Int64Counter
	CertificatesSynced  metric.Int64Counter
	AuthFailuresTotal   metric.Int64Counter
	BackupsCreatedTotal metric.Int64Counter
}

// CreateTrustMetrics registers the trust-core instruments on the meter.
func CreateTrustMetrics(meter metric.Meter) (*TrustMetrics, error) {
	m := &TrustMetrics{}
	var err error

	if m.ValidationsTotal, err = meter.Int64Counter(
		"license_validations_total",
		metric.WithDescription("License validation outcomes by state"),
	); err != nil {
		return nil, err
	}

	if m.AuditAppendsTotal, err = meter.Int64Counter(
		"audit_appends_total",
		metric.WithDescription("Audit log entries appended"),
	); err != nil {
		return nil, err
	}

	if m.AuditFallbacksTotal, err = meter.Int64Counter(
		"audit_fallbacks_total",
		metric.WithDescription("Audit writes diverted to the fallback channel"),
	); err != nil {
		return nil, err
	}

	if m.RateLimitRejections, err = meter.Int64Counter(
		"rate_limit_rejections_total",
		metric.WithDescription("Requests rejected by the per-credential limiter"),
	); err != nil {
		return nil, err
	}

	if m.CertificatesIssued, err = meter.Int64Counter(
		"certificates_issued_total",
		metric.WithDescription("Work certificates issued"),
	); err != nil {
		return nil, err
	}

	if m.CertificatesSynced, err = meter.Int64Counter(
		"certificates_synced_total",
		metric.WithDescription("Work certificates acknowledged by the server"),
	); err != nil {
		return nil, err
	}

	if m.AuthFailuresTotal, err = meter.Int64Counter(
		"auth_failures_total",
		metric.WithDescription("Rejected admin authentication attempts"),
	); err != nil {
		return nil, err
	}

	if m.BackupsCreatedTotal, err = meter.Int64Counter(
		"backups_created_total",
		metric.WithDescription("Backups created"),
	); err != nil {
		return nil, err
	}

	return m, nil
}
