package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MetricsProvider manages OpenTelemetry metrics and Prometheus integration
// for the hub: downstream HTTP traffic plus the aggregation pipeline's own
// instruments (adapter connections, cache mutations, subscriber fan-out,
// REST polling, rate-limit backoff).
type MetricsProvider struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	registry      *prometheus.Registry

	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	adaptersConnected   metric.Int64UpDownCounter
	adapterReconnects   metric.Int64Counter
	cacheMutations      metric.Int64Counter
	subscriberNotifies  metric.Int64Counter
	droppedFrames       metric.Int64Counter
	pollDuration        metric.Float64Histogram
	rateLimitBackoffs   metric.Int64Counter
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string
	Namespace      string
	Port           int
	Enabled        bool
}

// NewMetricsProvider creates a new metrics provider
func NewMetricsProvider(cfg MetricsConfig) (*MetricsProvider, error) {
	if !cfg.Enabled {
		return &MetricsProvider{}, nil
	}

	// Create Prometheus registry
	registry := prometheus.NewRegistry()

	// Create Prometheus exporter
	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(cfg.Namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	// Create resource
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create meter provider
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	// Set global meter provider
	otel.SetMeterProvider(meterProvider)

	// Create meter
	meter := meterProvider.Meter(cfg.ServiceName)

	// Initialize metrics
	mp := &MetricsProvider{
		meterProvider: meterProvider,
		meter:         meter,
		registry:      registry,
	}

	if err := mp.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return mp, nil
}

// initializeMetrics creates all application metrics
func (mp *MetricsProvider) initializeMetrics() error {
	var err error

	// HTTP metrics
	mp.httpRequestsTotal, err = mp.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	mp.httpRequestDuration, err = mp.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	// Adapter lifecycle metrics
	mp.adaptersConnected, err = mp.meter.Int64UpDownCounter(
		"hub_adapters_connected",
		metric.WithDescription("Number of exchange adapters currently connected"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create hub_adapters_connected gauge: %w", err)
	}

	mp.adapterReconnects, err = mp.meter.Int64Counter(
		"hub_adapter_reconnects_total",
		metric.WithDescription("Total adapter reconnect attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create hub_adapter_reconnects_total counter: %w", err)
	}

	// Cache metrics
	mp.cacheMutations, err = mp.meter.Int64Counter(
		"hub_cache_mutations_total",
		metric.WithDescription("Total state-cache mutations, by collection"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create hub_cache_mutations_total counter: %w", err)
	}

	mp.subscriberNotifies, err = mp.meter.Int64Counter(
		"hub_subscriber_notifies_total",
		metric.WithDescription("Total subscriber notifications dispatched from the cache"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create hub_subscriber_notifies_total counter: %w", err)
	}

	mp.droppedFrames, err = mp.meter.Int64Counter(
		"hub_dropped_frames_total",
		metric.WithDescription("Total downstream frames dropped on a full per-client outbound buffer"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create hub_dropped_frames_total counter: %w", err)
	}

	// Poller metrics
	mp.pollDuration, err = mp.meter.Float64Histogram(
		"hub_rest_poll_duration_seconds",
		metric.WithDescription("Duration of a per-exchange REST poll"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20),
	)
	if err != nil {
		return fmt.Errorf("failed to create hub_rest_poll_duration_seconds histogram: %w", err)
	}

	mp.rateLimitBackoffs, err = mp.meter.Int64Counter(
		"hub_rate_limit_backoffs_total",
		metric.WithDescription("Total times the rate-limit coordinator entered backoff for an exchange"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create hub_rate_limit_backoffs_total counter: %w", err)
	}

	return nil
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request metric
func (mp *MetricsProvider) RecordHTTPRequest(ctx context.Context, method, path, status string, duration time.Duration) {
	if mp.httpRequestsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	}

	mp.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mp.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// Adapter Metrics Methods

// SetAdaptersConnected records the current number of connected adapters,
// relative to the last recorded value (the instrument is an up-down
// counter, so callers pass the delta, not the absolute count).
func (mp *MetricsProvider) SetAdaptersConnected(ctx context.Context, delta int64) {
	if mp.adaptersConnected == nil {
		return
	}
	mp.adaptersConnected.Add(ctx, delta)
}

// RecordAdapterReconnect records one reconnect attempt for exchange.
func (mp *MetricsProvider) RecordAdapterReconnect(ctx context.Context, exchange string) {
	if mp.adapterReconnects == nil {
		return
	}
	mp.adapterReconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("exchange", exchange)))
}

// Cache Metrics Methods

// RecordCacheMutation records one mutation against a cache collection.
func (mp *MetricsProvider) RecordCacheMutation(ctx context.Context, collection string) {
	if mp.cacheMutations == nil {
		return
	}
	mp.cacheMutations.Add(ctx, 1, metric.WithAttributes(attribute.String("collection", collection)))
}

// RecordSubscriberNotify records one subscriber delivery for channel.
func (mp *MetricsProvider) RecordSubscriberNotify(ctx context.Context, channel string) {
	if mp.subscriberNotifies == nil {
		return
	}
	mp.subscriberNotifies.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordDroppedFrame records one downstream frame dropped on backpressure.
func (mp *MetricsProvider) RecordDroppedFrame(ctx context.Context) {
	if mp.droppedFrames == nil {
		return
	}
	mp.droppedFrames.Add(ctx, 1)
}

// Poller Metrics Methods

// RecordPoll records the duration of one per-exchange REST poll.
func (mp *MetricsProvider) RecordPoll(ctx context.Context, exchange string, duration time.Duration, success bool) {
	if mp.pollDuration == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	mp.pollDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("exchange", exchange),
		attribute.String("status", status),
	))
}

// RecordRateLimitBackoff records one entry into backoff for exchange.
func (mp *MetricsProvider) RecordRateLimitBackoff(ctx context.Context, exchange string) {
	if mp.rateLimitBackoffs == nil {
		return
	}
	mp.rateLimitBackoffs.Add(ctx, 1, metric.WithAttributes(attribute.String("exchange", exchange)))
}

// StartMetricsServer starts the Prometheus metrics HTTP server
func (mp *MetricsProvider) StartMetricsServer(port int) error {
	if mp.registry == nil {
		return fmt.Errorf("metrics not enabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mp.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	return server.ListenAndServe()
}

// Shutdown gracefully shuts down the metrics provider
func (mp *MetricsProvider) Shutdown(ctx context.Context) error {
	if mp.meterProvider == nil {
		return nil
	}
	return mp.meterProvider.Shutdown(ctx)
}
