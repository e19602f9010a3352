package pipeline

import (
	"sync"
	"time"

	"github.com/139QQ/Baostock-sub004/feed"
)

// TypeMetrics aggregates fetch attempts for one data type.
type TypeMetrics struct {
	RequestCount   uint64        `json:"request_count"`
	ErrorCount     uint64        `json:"error_count"`
	ErrorRate      float64       `json:"error_rate"`
	AverageLatency time.Duration `json:"average_latency"`
}

// Keeps the moving average responsive on long-running services; without a
// window cap late samples stop moving the figure at all.
const latencyWindow = 100

type typeRecord struct {
	requests   uint64
	errors     uint64
	avgLatency time.Duration
}

// metricsTable accumulates per-data-type attempt metrics in O(1) per
// record. Snapshot returns value copies; Reset starts the accumulation
// over.
type metricsTable struct {
	mu     sync.Mutex
	byType map[feed.DataType]*typeRecord
}

func newMetricsTable() *metricsTable {
	return &metricsTable{byType: make(map[feed.DataType]*typeRecord)}
}

func (m *metricsTable) Record(dataType feed.DataType, succeeded bool, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.byType[dataType]
	if !ok {
		record = &typeRecord{}
		m.byType[dataType] = record
	}
	record.requests++
	if !succeeded {
		record.errors++
	}

	n := record.requests
	if n > latencyWindow {
		n = latencyWindow
	}
	record.avgLatency += (latency - record.avgLatency) / time.Duration(n)
}

func (m *metricsTable) Snapshot() map[feed.DataType]TypeMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[feed.DataType]TypeMetrics, len(m.byType))
	for dataType, record := range m.byType {
		metrics := TypeMetrics{
			RequestCount:   record.requests,
			ErrorCount:     record.errors,
			AverageLatency: record.avgLatency,
		}
		if record.requests > 0 {
			metrics.ErrorRate = float64(record.errors) / float64(record.requests)
		}
		out[dataType] = metrics
	}
	return out
}

func (m *metricsTable) Reset() {
	m.mu.Lock()
	m.byType = make(map[feed.DataType]*typeRecord)
	m.mu.Unlock()
}
