package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the pipeline.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with critical paths such as fetch dispatch and admission
// control.
type Collector interface {
	IncHotReload(file string)
	IncFetchAttempt(strategy, dataType, outcome string)
	ObserveFetchLatency(strategy, dataType string, seconds float64)
	IncPollFire(dataType string)
	IncBackpressureRejection(reason string)
	SetPressureLevel(level float64)
	SetBatchSize(size int)
	SetCacheItems(count int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                         {}
func (noopCollector) IncFetchAttempt(string, string, string)      {}
func (noopCollector) ObserveFetchLatency(string, string, float64) {}
func (noopCollector) IncPollFire(string)                          {}
func (noopCollector) IncBackpressureRejection(string)             {}
func (noopCollector) SetPressureLevel(float64)                    {}
func (noopCollector) SetBatchSize(int)                            {}
func (noopCollector) SetCacheItems(int)                           {}

// PrometheusCollector exposes pipeline counters via Prometheus.
type PrometheusCollector struct {
	hotReloads    *prometheus.CounterVec
	fetchAttempts *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	pollFires     *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	pressureLevel prometheus.Gauge
	batchSize     prometheus.Gauge
	cacheItems    prometheus.Gauge
}

// Metric instances are shared across collectors so repeated construction
// (for example after a hot reload) reuses the registered vectors.
var (
	metricsMu          sync.Mutex
	hotReloadCounter   *prometheus.CounterVec
	fetchAttemptCount  *prometheus.CounterVec
	fetchLatencyHist   *prometheus.HistogramVec
	pollFireCounter    *prometheus.CounterVec
	rejectionCounter   *prometheus.CounterVec
	pressureLevelGauge prometheus.Gauge
	batchSizeGauge     prometheus.Gauge
	cacheItemsGauge    prometheus.Gauge
)

func registerCounterVec(reg prometheus.Registerer, cached **prometheus.CounterVec, opts prometheus.CounterOpts, labels []string) error {
	if *cached != nil {
		return nil
	}
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return err
		}
		*cached = existing
		return nil
	}
	*cached = counter
	return nil
}

func registerHistogramVec(reg prometheus.Registerer, cached **prometheus.HistogramVec, opts prometheus.HistogramOpts, labels []string) error {
	if *cached != nil {
		return nil
	}
	histogram := prometheus.NewHistogramVec(opts, labels)
	if err := reg.Register(histogram); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return err
		}
		*cached = existing
		return nil
	}
	*cached = histogram
	return nil
}

func registerGauge(reg prometheus.Registerer, cached *prometheus.Gauge, opts prometheus.GaugeOpts) error {
	if *cached != nil {
		return nil
	}
	gauge := prometheus.NewGauge(opts)
	if err := reg.Register(gauge); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return err
		}
		existing, ok := already.ExistingCollector.(prometheus.Gauge)
		if !ok {
			return err
		}
		*cached = existing
		return nil
	}
	*cached = gauge
	return nil
}

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	metricsMu.Lock()
	defer metricsMu.Unlock()

	if err := registerCounterVec(reg, &hotReloadCounter, prometheus.CounterOpts{
		Name: "market_pipeline_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration source file.",
	}, []string{"file"}); err != nil {
		return nil, err
	}
	if err := registerCounterVec(reg, &fetchAttemptCount, prometheus.CounterOpts{
		Name: "market_pipeline_fetch_attempts_total",
		Help: "Number of fetch attempts per strategy, data type and outcome.",
	}, []string{"strategy", "data_type", "outcome"}); err != nil {
		return nil, err
	}
	if err := registerHistogramVec(reg, &fetchLatencyHist, prometheus.HistogramOpts{
		Name:    "market_pipeline_fetch_latency_seconds",
		Help:    "Latency of fetch operations per strategy and data type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"strategy", "data_type"}); err != nil {
		return nil, err
	}
	if err := registerCounterVec(reg, &pollFireCounter, prometheus.CounterOpts{
		Name: "market_pipeline_poll_fires_total",
		Help: "Number of scheduled polling task executions per data type.",
	}, []string{"data_type"}); err != nil {
		return nil, err
	}
	if err := registerCounterVec(reg, &rejectionCounter, prometheus.CounterOpts{
		Name: "market_pipeline_backpressure_rejections_total",
		Help: "Number of operations rejected or delayed by admission control.",
	}, []string{"reason"}); err != nil {
		return nil, err
	}
	if err := registerGauge(reg, &pressureLevelGauge, prometheus.GaugeOpts{
		Name: "market_pipeline_pressure_level",
		Help: "Composite system pressure in the range 0 to 1.",
	}); err != nil {
		return nil, err
	}
	if err := registerGauge(reg, &batchSizeGauge, prometheus.GaugeOpts{
		Name: "market_pipeline_batch_size",
		Help: "Current adaptive batch size.",
	}); err != nil {
		return nil, err
	}
	if err := registerGauge(reg, &cacheItemsGauge, prometheus.GaugeOpts{
		Name: "market_pipeline_cache_items",
		Help: "Number of entries currently held by the fallback cache.",
	}); err != nil {
		return nil, err
	}

	return &PrometheusCollector{
		hotReloads:    hotReloadCounter,
		fetchAttempts: fetchAttemptCount,
		fetchLatency:  fetchLatencyHist,
		pollFires:     pollFireCounter,
		rejections:    rejectionCounter,
		pressureLevel: pressureLevelGauge,
		batchSize:     batchSizeGauge,
		cacheItems:    cacheItemsGauge,
	}, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// IncFetchAttempt records one fetch attempt and its outcome.
func (p *PrometheusCollector) IncFetchAttempt(strategy, dataType, outcome string) {
	if p == nil || p.fetchAttempts == nil {
		return
	}
	p.fetchAttempts.WithLabelValues(strategy, dataType, outcome).Inc()
}

// ObserveFetchLatency records the duration of one fetch in seconds.
func (p *PrometheusCollector) ObserveFetchLatency(strategy, dataType string, seconds float64) {
	if p == nil || p.fetchLatency == nil {
		return
	}
	p.fetchLatency.WithLabelValues(strategy, dataType).Observe(seconds)
}

// IncPollFire records one scheduled polling execution.
func (p *PrometheusCollector) IncPollFire(dataType string) {
	if p == nil || p.pollFires == nil {
		return
	}
	p.pollFires.WithLabelValues(dataType).Inc()
}

// IncBackpressureRejection records one rejected or delayed admission.
func (p *PrometheusCollector) IncBackpressureRejection(reason string) {
	if p == nil || p.rejections == nil {
		return
	}
	p.rejections.WithLabelValues(reason).Inc()
}

// SetPressureLevel updates the composite pressure gauge.
func (p *PrometheusCollector) SetPressureLevel(level float64) {
	if p == nil || p.pressureLevel == nil {
		return
	}
	p.pressureLevel.Set(level)
}

// SetBatchSize updates the adaptive batch size gauge.
func (p *PrometheusCollector) SetBatchSize(size int) {
	if p == nil || p.batchSize == nil {
		return
	}
	p.batchSize.Set(float64(size))
}

// SetCacheItems updates the cache occupancy gauge.
func (p *PrometheusCollector) SetCacheItems(count int) {
	if p == nil || p.cacheItems == nil {
		return
	}
	p.cacheItems.Set(float64(count))
}
