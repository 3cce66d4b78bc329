// Package telemetry wires OpenTelemetry metrics behind a Prometheus
// exporter. All recording methods are nil-safe so telemetry can be disabled
// without sprinkling guards through the call sites.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// Telemetry holds the meter provider and every instrument the service
// records. The zero value is a no-op.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter

	// RED metrics for the admin API
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Transfer metrics
	downloadsTotal   metric.Int64Counter
	downloadsActive  metric.Int64UpDownCounter
	downloadDuration metric.Float64Histogram
	downloadedBytes  metric.Int64Counter
	rateLimitWait    metric.Float64Histogram

	// Cache metrics
	cacheBytesFreed metric.Int64Counter
}

// New builds a telemetry instance backed by a Prometheus exporter and starts
// Go runtime instrumentation. A disabled config yields a no-op instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(15 * time.Second)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
	}

	if err := t.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to initialize instruments: %w", err)
	}

	return t, nil
}

func (t *Telemetry) initInstruments() error {
	var err error

	if t.httpRequestsTotal, err = t.meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total HTTP requests handled by the admin API")); err != nil {
		return err
	}

	if t.httpRequestDuration, err = t.meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds")); err != nil {
		return err
	}

	if t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter("http_requests_in_flight",
		metric.WithDescription("HTTP requests currently being served")); err != nil {
		return err
	}

	if t.downloadsTotal, err = t.meter.Int64Counter("downloads_total",
		metric.WithDescription("Completed file transfers by status")); err != nil {
		return err
	}

	if t.downloadsActive, err = t.meter.Int64UpDownCounter("downloads_active",
		metric.WithDescription("File transfers currently in flight")); err != nil {
		return err
	}

	if t.downloadDuration, err = t.meter.Float64Histogram("download_duration_seconds",
		metric.WithDescription("End-to-end transfer duration in seconds")); err != nil {
		return err
	}

	if t.downloadedBytes, err = t.meter.Int64Counter("downloaded_bytes_total",
		metric.WithDescription("Bytes written to staging files"),
		metric.WithUnit("By")); err != nil {
		return err
	}

	if t.rateLimitWait, err = t.meter.Float64Histogram("rate_limit_wait_seconds",
		metric.WithDescription("Time spent waiting on the request rate limiter")); err != nil {
		return err
	}

	if t.cacheBytesFreed, err = t.meter.Int64Counter("cache_bytes_freed_total",
		metric.WithDescription("Bytes removed by cache cleanup operations"),
		metric.WithUnit("By")); err != nil {
		return err
	}

	return nil
}

// Tracer returns the OpenTelemetry tracer; nil on a disabled instance.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil {
		return nil
	}

	return t.tracer
}

// Handler serves the Prometheus scrape endpoint.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records RED metrics for one admin API request.
func (t *Telemetry) RecordHTTPRequest(method, path, statusClass string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", statusClass),
	)

	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementHTTPInFlight increments in-flight admin API requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight admin API requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordDownload records one finished transfer with its terminal status.
func (t *Telemetry) RecordDownload(status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	if t.downloadsTotal != nil {
		t.downloadsTotal.Add(context.Background(), 1, attrs)
	}

	if t.downloadDuration != nil {
		t.downloadDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementActiveDownloads increments the in-flight transfer gauge.
func (t *Telemetry) IncrementActiveDownloads() {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), 1)
	}
}

// DecrementActiveDownloads decrements the in-flight transfer gauge.
func (t *Telemetry) DecrementActiveDownloads() {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), -1)
	}
}

// AddDownloadedBytes counts bytes written to staging files.
func (t *Telemetry) AddDownloadedBytes(n int64) {
	if t != nil && t.downloadedBytes != nil && n > 0 {
		t.downloadedBytes.Add(context.Background(), n)
	}
}

// RecordRateLimitWait records time spent blocked on the token bucket.
func (t *Telemetry) RecordRateLimitWait(wait time.Duration) {
	if t != nil && t.rateLimitWait != nil && wait > 0 {
		t.rateLimitWait.Record(context.Background(), wait.Seconds())
	}
}

// AddCacheBytesFreed counts bytes removed by a cleanup operation.
func (t *Telemetry) AddCacheBytesFreed(operation string, n int64) {
	if t != nil && t.cacheBytesFreed != nil && n > 0 {
		t.cacheBytesFreed.Add(context.Background(), n,
			metric.WithAttributes(attribute.String("operation", operation)))
	}
}
