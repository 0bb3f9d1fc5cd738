// Package telemetry records cache metrics through OpenTelemetry and exposes
// them to Prometheus or an OTLP collector.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/blob-cache"
)

var (
	durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60}
	sizeBuckets     = []float64{1024, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824}
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	originFetchDuration   metric.Float64Histogram
	originFetchTotal      metric.Int64Counter
	originFetchBytesTotal metric.Int64Counter

	usageChangesTotal metric.Int64Counter

	fetchesTotal   metric.Int64Counter
	fetchDuration  metric.Float64Histogram
	fetchSize      metric.Float64Histogram
	fetchJoins     metric.Int64Counter
	copiesTotal    metric.Int64Counter
	copyDuration   metric.Float64Histogram
	cacheFullTotal metric.Int64Counter

	evictionsTotal     metric.Int64Counter
	evictionBytesTotal metric.Int64Counter
	zombiesTotal       metric.Int64Counter
	strayFilesTotal    metric.Int64Counter
	duplicatesTotal    metric.Int64Counter

	folderBytes    metric.Int64Gauge
	folderMaxBytes metric.Int64Gauge

	checkpointsTotal   metric.Int64Counter
	checkpointDuration metric.Float64Histogram

	payloadAcquisitionsTotal metric.Int64Counter
	payloadRollbacksTotal    metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "blob-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// instruments collects the first error while creating instruments so
// newMetrics reads as a flat list.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) counter(name, desc, unit string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && in.err == nil {
		in.err = err
	}
	return c
}

func (in *instruments) histogram(name, desc, unit string, buckets []float64) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	if err != nil && in.err == nil {
		in.err = err
	}
	return h
}

func (in *instruments) gauge(name, desc, unit string) metric.Int64Gauge {
	g, err := in.meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && in.err == nil {
		in.err = err
	}
	return g
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	in := &instruments{meter: meter}

	m := &Metrics{
		backendRequestDuration: in.histogram("blob_cache_backend_request_duration_seconds", "Duration of storage backend operations", "s", durationBuckets),
		backendRequestsTotal:   in.counter("blob_cache_backend_requests_total", "Total storage backend operations", "{request}"),
		backendBytesTotal:      in.counter("blob_cache_backend_bytes_total", "Bytes moved by storage backend operations", "By"),

		originFetchDuration:   in.histogram("blob_cache_origin_fetch_duration_seconds", "Duration of origin HTTP requests", "s", durationBuckets),
		originFetchTotal:      in.counter("blob_cache_origin_fetch_total", "Total origin HTTP requests", "{request}"),
		originFetchBytesTotal: in.counter("blob_cache_origin_fetch_bytes_total", "Bytes read from the origin", "By"),

		usageChangesTotal: in.counter("blob_cache_usage_changes_total", "Usage count increments and decrements", "{change}"),

		fetchesTotal:   in.counter("blob_cache_fetches_total", "Blob fetches started by the cache", "{fetch}"),
		fetchDuration:  in.histogram("blob_cache_fetch_duration_seconds", "Duration of blob fetches", "s", durationBuckets),
		fetchSize:      in.histogram("blob_cache_fetch_size_bytes", "Compressed size of fetched blobs", "By", sizeBuckets),
		fetchJoins:     in.counter("blob_cache_fetch_joins_total", "Copies that joined a fetch already in flight", "{join}"),
		copiesTotal:    in.counter("blob_cache_copies_total", "Copies from the cache to caller destinations", "{copy}"),
		copyDuration:   in.histogram("blob_cache_copy_duration_seconds", "Duration of copies to caller destinations", "s", durationBuckets),
		cacheFullTotal: in.counter("blob_cache_full_total", "Placements rejected because no folder could make room", "{placement}"),

		evictionsTotal:     in.counter("blob_cache_evictions_total", "Unreferenced blobs evicted", "{blob}"),
		evictionBytesTotal: in.counter("blob_cache_eviction_bytes_total", "Bytes freed by eviction", "By"),
		zombiesTotal:       in.counter("blob_cache_zombies_total", "Blobs that could not be deleted and became zombies", "{blob}"),
		strayFilesTotal:    in.counter("blob_cache_stray_files_removed_total", "Files removed while loading a folder", "{file}"),
		duplicatesTotal:    in.counter("blob_cache_duplicate_blobs_total", "Blobs found in more than one folder", "{blob}"),

		folderBytes:    in.gauge("blob_cache_folder_bytes", "Bytes held by a storage folder", "By"),
		folderMaxBytes: in.gauge("blob_cache_folder_max_bytes", "Configured maximum size of a storage folder", "By"),

		checkpointsTotal:   in.counter("blob_cache_checkpoints_total", "Folder state persistence runs", "{run}"),
		checkpointDuration: in.histogram("blob_cache_checkpoint_duration_seconds", "Duration of folder state persistence", "s", durationBuckets),

		payloadAcquisitionsTotal: in.counter("blob_cache_payload_acquisitions_total", "Payload acquisitions", "{payload}"),
		payloadRollbacksTotal:    in.counter("blob_cache_payload_rollback_entries_total", "Usage increments undone after a failed acquisition", "{entry}"),
	}
	if in.err != nil {
		return nil, in.err
	}
	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordOriginFetch records one HTTP request against the origin. kind is
// "blob", "manifest" or "other".
func RecordOriginFetch(ctx context.Context, kind string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	globalMetrics.originFetchDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.originFetchTotal.Add(ctx, 1, attrs)
	if bytesRead > 0 {
		globalMetrics.originFetchBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordUsageChange records an IncreaseUsageCount or DecreaseUsageCount call.
// op is "increase" or "decrease"; outcome is "ok", "deferred", "invalid" or "ignored".
func RecordUsageChange(ctx context.Context, op, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.usageChangesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// RecordFetch records a completed blob fetch.
func RecordFetch(ctx context.Context, outcome string, duration time.Duration, size int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.fetchesTotal.Add(ctx, 1, attrs)
	globalMetrics.fetchDuration.Record(ctx, duration.Seconds(), attrs)
	if outcome == "success" {
		globalMetrics.fetchSize.Record(ctx, float64(size))
	}
}

// RecordFetchJoin records a copy that waited on another caller's fetch.
func RecordFetchJoin(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.fetchJoins.Add(ctx, 1)
}

// RecordCopy records a copy to a caller destination.
func RecordCopy(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.copiesTotal.Add(ctx, 1, attrs)
	globalMetrics.copyDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCacheFull records a placement that no folder could satisfy.
func RecordCacheFull(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheFullTotal.Add(ctx, 1)
}

// RecordEviction records an evicted blob.
func RecordEviction(ctx context.Context, folder string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("folder", folder))
	globalMetrics.evictionsTotal.Add(ctx, 1, attrs)
	globalMetrics.evictionBytesTotal.Add(ctx, bytes, attrs)
}

// RecordZombie records a blob whose file could not be deleted.
func RecordZombie(ctx context.Context, folder string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.zombiesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("folder", folder)))
}

// RecordStrayFile records a file removed during folder load.
// reason is "unindexed", "modified" or "size_mismatch".
func RecordStrayFile(ctx context.Context, folder, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.strayFilesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("folder", folder),
		attribute.String("reason", reason),
	))
}

// RecordDuplicate records a blob found in two folders.
func RecordDuplicate(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.duplicatesTotal.Add(ctx, 1)
}

// UpdateFolderState records the occupancy gauges of one storage folder.
func UpdateFolderState(ctx context.Context, folder string, current, unreferenced, zombie, maximum int64) {
	if globalMetrics == nil {
		return
	}
	kind := func(k string) metric.RecordOption {
		return metric.WithAttributes(attribute.String("folder", folder), attribute.String("kind", k))
	}
	referenced := current - unreferenced - zombie
	globalMetrics.folderBytes.Record(ctx, referenced, kind("referenced"))
	globalMetrics.folderBytes.Record(ctx, unreferenced, kind("unreferenced"))
	globalMetrics.folderBytes.Record(ctx, zombie, kind("zombie"))
	globalMetrics.folderMaxBytes.Record(ctx, maximum, metric.WithAttributes(attribute.String("folder", folder)))
}

// RecordCheckpoint records one persistence run over all folders.
func RecordCheckpoint(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.checkpointsTotal.Add(ctx, 1, attrs)
	globalMetrics.checkpointDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordPayloadAcquire records a payload acquisition and, on failure, the
// number of increments that were rolled back.
func RecordPayloadAcquire(ctx context.Context, outcome string, rolledBack int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.payloadAcquisitionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if rolledBack > 0 {
		globalMetrics.payloadRollbacksTotal.Add(ctx, int64(rolledBack))
	}
}

// Outcome maps an error to the outcome attribute used across instruments.
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
