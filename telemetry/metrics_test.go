package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findGauge finds an int64 gauge metric by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordFetch(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordFetch(ctx, "success", 20*time.Millisecond, 4096)
	RecordFetch(ctx, "error", 5*time.Millisecond, 4096)
	RecordFetchJoin(ctx)
	RecordFetchJoin(ctx)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "blob_cache_fetches_total")
	require.Len(t, dps, 2)

	sizes := findHistogram(rm, "blob_cache_fetch_size_bytes")
	require.Len(t, sizes, 1)
	require.Equal(t, uint64(1), sizes[0].Count, "only successful fetches record a size")

	joins := findCounter(rm, "blob_cache_fetch_joins_total")
	require.Len(t, joins, 1)
	require.EqualValues(t, 2, joins[0].Value)
}

func TestRecordEvictionAndZombie(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordEviction(ctx, "/cache/a", 100)
	RecordEviction(ctx, "/cache/a", 50)
	RecordZombie(ctx, "/cache/a")

	rm := collectMetrics(t, reader)

	bytes := findCounter(rm, "blob_cache_eviction_bytes_total")
	require.Len(t, bytes, 1)
	require.EqualValues(t, 150, bytes[0].Value)
	require.True(t, hasAttr(bytes[0].Attributes, "folder", "/cache/a"))

	zombies := findCounter(rm, "blob_cache_zombies_total")
	require.Len(t, zombies, 1)
	require.EqualValues(t, 1, zombies[0].Value)
}

func TestUpdateFolderState(t *testing.T) {
	reader := setupTestMetrics(t)

	UpdateFolderState(context.Background(), "/cache/a", 1000, 300, 100, 2000)

	rm := collectMetrics(t, reader)

	dps := findGauge(rm, "blob_cache_folder_bytes")
	require.Len(t, dps, 3)
	byKind := map[string]int64{}
	for _, dp := range dps {
		v, _ := dp.Attributes.Value("kind")
		byKind[v.AsString()] = dp.Value
	}
	require.Equal(t, map[string]int64{"referenced": 600, "unreferenced": 300, "zombie": 100}, byKind)

	maxDps := findGauge(rm, "blob_cache_folder_max_bytes")
	require.Len(t, maxDps, 1)
	require.EqualValues(t, 2000, maxDps[0].Value)
}

func TestRecordPayloadAcquire(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordPayloadAcquire(ctx, "success", 0)
	RecordPayloadAcquire(ctx, "error", 3)

	rm := collectMetrics(t, reader)
	require.Len(t, findCounter(rm, "blob_cache_payload_acquisitions_total"), 2)

	rb := findCounter(rm, "blob_cache_payload_rollback_entries_total")
	require.Len(t, rb, 1)
	require.EqualValues(t, 3, rb[0].Value)
}

func TestRecordWithNilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	// None of these should panic
	RecordBackendOp(ctx, "filesystem", "write", "success", time.Millisecond, 10)
	RecordFetch(ctx, "success", time.Millisecond, 10)
	RecordCopy(ctx, "success", time.Millisecond)
	RecordEviction(ctx, "/x", 1)
	UpdateFolderState(ctx, "/x", 1, 0, 0, 1)
	RecordCheckpoint(ctx, "success", time.Millisecond)
}

func TestPrometheusHandlerNotEnabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOutcome(t *testing.T) {
	require.Equal(t, "success", Outcome(nil))
	require.Equal(t, "error", Outcome(errors.New("boom")))
}
