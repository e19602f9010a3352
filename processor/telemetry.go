package processor

import (
	"fmt"
	"strings"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/telemetry"
)

// newTelemetryCollector picks the metrics backend named in the telemetry
// block. Unknown providers report an error together with a Noop collector
// so the caller can keep running without metrics.
func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "none", "noop":
		return telemetry.Noop(), nil
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}
