package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// resetMetricCache drops the shared metric instances so a test can observe
// a clean registration pass.
func resetMetricCache() {
	metricsMu.Lock()
	hotReloadCounter = nil
	fetchAttemptCount = nil
	fetchLatencyHist = nil
	pollFireCounter = nil
	rejectionCounter = nil
	pressureLevelGauge = nil
	batchSizeGauge = nil
	cacheItemsGauge = nil
	metricsMu.Unlock()
}

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncHotReload("pipeline.yaml")
	collector.IncFetchAttempt("ws-main", "quote", "success")
	collector.ObserveFetchLatency("ws-main", "quote", 0.02)
	collector.IncPollFire("quote")
	collector.IncBackpressureRejection("queue_full")
	collector.SetPressureLevel(0.4)
	collector.SetBatchSize(32)
	collector.SetCacheItems(128)
}

func TestPrometheusCollectorRegistersAndReusesMetrics(t *testing.T) {
	resetMetricCache()

	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.IncHotReload("pipeline.yaml")
	collector.IncFetchAttempt("ws-main", "quote", "success")
	collector.ObserveFetchLatency("ws-main", "quote", 0.02)
	collector.IncPollFire("quote")
	collector.IncBackpressureRejection("queue_full")
	collector.SetPressureLevel(0.4)
	collector.SetBatchSize(32)
	collector.SetCacheItems(128)

	families := gatherByName(t, reg)
	require.Len(t, families, 8)

	reloads, ok := families["market_pipeline_config_hot_reload_total"]
	require.True(t, ok)
	requireCounterValue(t, reloads, 1)

	attempts, ok := families["market_pipeline_fetch_attempts_total"]
	require.True(t, ok)
	requireCounterValue(t, attempts, 1)

	pressure, ok := families["market_pipeline_pressure_level"]
	require.True(t, ok)
	require.Len(t, pressure.Metric, 1)
	require.NotNil(t, pressure.Metric[0].Gauge)
	require.Equal(t, 0.4, pressure.Metric[0].Gauge.GetValue())

	// A second collector over the same registry must reuse the vectors
	// instead of failing with duplicate registrations.
	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.hotReloads, again.hotReloads)
	require.Same(t, collector.fetchAttempts, again.fetchAttempts)

	again.IncHotReload("pipeline.yaml")

	families = gatherByName(t, reg)
	requireCounterValue(t, families["market_pipeline_config_hot_reload_total"], 2)
}

func TestPrometheusCollectorSurvivesFreshRegistry(t *testing.T) {
	resetMetricCache()

	first, err := NewPrometheusCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	// The cached vectors short-circuit the second registration, so a new
	// registry simply shares them.
	second, err := NewPrometheusCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	require.Same(t, first.hotReloads, second.hotReloads)
}

func TestNilPrometheusCollectorIsSafe(t *testing.T) {
	var collector *PrometheusCollector
	collector.IncHotReload("pipeline.yaml")
	collector.IncFetchAttempt("a", "b", "c")
	collector.ObserveFetchLatency("a", "b", 1)
	collector.IncPollFire("a")
	collector.IncBackpressureRejection("a")
	collector.SetPressureLevel(1)
	collector.SetBatchSize(1)
	collector.SetCacheItems(1)
}

func gatherByName(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	metrics, err := reg.Gather()
	require.NoError(t, err)
	families := make(map[string]*dto.MetricFamily, len(metrics))
	for _, mf := range metrics {
		families[mf.GetName()] = mf
	}
	return families
}

func requireCounterValue(t *testing.T, mf *dto.MetricFamily, value float64) {
	t.Helper()
	require.NotNil(t, mf)
	require.Len(t, mf.Metric, 1)
	require.NotNil(t, mf.Metric[0].Counter)
	require.Equal(t, value, mf.Metric[0].Counter.GetValue())
}
