package processor

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/feed"
	"github.com/139QQ/Baostock-sub004/pipeline"
	"github.com/139QQ/Baostock-sub004/telemetry"
)

// WithLogger provides a custom logger instance for the processor. The
// processor then skips its own logging setup on every rebuild, so the
// logging section of the configuration has no effect.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.logger = logger
		cfg.customLogger = true
		return nil
	}
}

// WithDriver registers a strategy factory for a driver, together with any
// configuration schema overlays the driver contributes. Overlays are
// registered before the configuration is loaded so validation sees them.
func WithDriver(def DriverDefinition, overlays ...config.OverlayDescriptor) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if len(overlays) > 0 {
			def.Overlays = append(def.Overlays, overlays...)
		}
		cfg.drivers = append(cfg.drivers, def)
		return nil
	}
}

// WithPipelineOptions forwards options to every pipeline service the
// processor builds, including the ones built after configuration reloads.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.pipelineOptions = append(cfg.pipelineOptions, opts...)
		return nil
	}
}

// WithConfigPath configures the processor to load configuration data from
// the provided path.
func WithConfigPath(path string, register func(ReloadFunc)) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.configPath = strings.TrimSpace(path)
		cfg.registerReload = register
		return nil
	}
}

// WithConfig supplies an already loaded configuration instance.
func WithConfig(cfgData *config.Config) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		cfg.config = cfgData
		return nil
	}
}

// WithLiveView enables the embedded live view server on the specified host
// and port, overriding the live_view configuration block.
func WithLiveView(host string, port int) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if port < 0 {
			return fmt.Errorf("live view port must be non-negative")
		}
		cfg.enableLiveView = true
		cfg.liveViewHost = host
		cfg.liveViewPort = port
		return nil
	}
}

// WithTelemetry injects a collector instance overriding the default
// configuration-based behaviour.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if cfg == nil {
			return nil
		}
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		cfg.telemetryProvided = true
		return nil
	}
}

// NewDriverDefinition creates a driver definition from identifier and factory.
func NewDriverDefinition(driver string, factory feed.StrategyFactory) DriverDefinition {
	return DriverDefinition{Driver: driver, Factory: factory}
}
