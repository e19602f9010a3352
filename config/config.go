// Package config loads and validates the pipeline configuration from YAML,
// with a CUE schema guarding the document shape and per-driver settings
// left to the driver factories.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// LokiConfig describes the optional Loki log sink.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

// LoggingConfig controls the zerolog setup.
type LoggingConfig struct {
	Level  string     `yaml:"level,omitempty"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki,omitempty"`
}

// TelemetryConfig selects the metrics collector implementation.
type TelemetryConfig struct {
	Provider string `yaml:"provider,omitempty"`
}

// LiveViewConfig controls the embedded status HTTP server.
type LiveViewConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// HotReloadConfig controls configuration file watching.
type HotReloadConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval,omitempty"`
}

// StrategyConfig declares one fetch strategy instance. Settings carries the
// driver-specific block; each driver decodes and validates its own.
type StrategyConfig struct {
	ID        string     `yaml:"id"`
	Driver    string     `yaml:"driver"`
	Priority  int        `yaml:"priority"`
	Family    string     `yaml:"family,omitempty"`
	DataTypes []string   `yaml:"data_types"`
	Disabled  bool       `yaml:"disabled,omitempty"`
	Settings  *yaml.Node `yaml:"settings,omitempty"`
}

// PollingTaskConfig declares one periodic fetch per data type.
type PollingTaskConfig struct {
	DataType string   `yaml:"data_type"`
	Interval Duration `yaml:"interval,omitempty"`
	Disabled bool     `yaml:"disabled,omitempty"`
}

// PollingConfig drives the scheduler.
type PollingConfig struct {
	Tick  Duration            `yaml:"tick,omitempty"`
	Tasks []PollingTaskConfig `yaml:"tasks,omitempty"`
}

// RouterConfig tunes strategy selection. The score expression may be
// overridden; the default combines priority, latency, and success rate with
// the configured weights.
type RouterConfig struct {
	WeightPriority  float64  `yaml:"weight_priority,omitempty"`
	WeightLatency   float64  `yaml:"weight_latency,omitempty"`
	WeightSuccess   float64  `yaml:"weight_success,omitempty"`
	LatencyHorizon  Duration `yaml:"latency_horizon,omitempty"`
	ScoreExpression string   `yaml:"score_expression,omitempty"`
}

// NetworkConfig drives the connectivity monitor.
type NetworkConfig struct {
	ProbeInterval    Duration `yaml:"probe_interval,omitempty"`
	ProbeTimeout     Duration `yaml:"probe_timeout,omitempty"`
	Endpoints        []string `yaml:"endpoints,omitempty"`
	QualityThreshold float64  `yaml:"quality_threshold,omitempty"`
	StabilityWindow  int      `yaml:"stability_window,omitempty"`
	UpdateBuffer     int      `yaml:"update_buffer,omitempty"`
}

// CacheConfig tunes the fallback store.
type CacheConfig struct {
	DefaultTTL    Duration `yaml:"default_ttl,omitempty"`
	SweepInterval Duration `yaml:"sweep_interval,omitempty"`
}

// BackpressureConfig tunes pressure detection and admission control.
type BackpressureConfig struct {
	MemoryThreshold float64 `yaml:"memory_threshold,omitempty"`
	CPUThreshold    float64 `yaml:"cpu_threshold,omitempty"`
	IOThreshold     float64 `yaml:"io_threshold,omitempty"`
	MemoryWeight    float64 `yaml:"memory_weight,omitempty"`
	CPUWeight       float64 `yaml:"cpu_weight,omitempty"`
	IOWeight        float64 `yaml:"io_weight,omitempty"`
	ModerateBand    float64 `yaml:"moderate_band,omitempty"`
	ApplyThreshold  float64 `yaml:"apply_threshold,omitempty"`
	HighBand        float64 `yaml:"high_band,omitempty"`
	BaseRate        float64 `yaml:"base_rate,omitempty"`
	MaxQueueSize    int     `yaml:"max_queue_size,omitempty"`
	PriorityLevels  int     `yaml:"priority_levels,omitempty"`
	HistorySize     int     `yaml:"history_size,omitempty"`
}

// BatchConfig tunes adaptive batch sizing and execution. Zero size bounds
// mean device-derived defaults.
type BatchConfig struct {
	MinSize          int      `yaml:"min_size,omitempty"`
	MaxSize          int      `yaml:"max_size,omitempty"`
	InitialSize      int      `yaml:"initial_size,omitempty"`
	TargetThroughput float64  `yaml:"target_throughput,omitempty"`
	TargetErrorRate  float64  `yaml:"target_error_rate,omitempty"`
	DeadBand         float64  `yaml:"dead_band,omitempty"`
	HistorySize      int      `yaml:"history_size,omitempty"`
	MaxRetries       int      `yaml:"max_retries,omitempty"`
	RetryDelay       Duration `yaml:"retry_delay,omitempty"`
	ChunkTimeout     Duration `yaml:"chunk_timeout,omitempty"`
}

// Config is the root document handed to the pipeline at construction.
type Config struct {
	Name                string             `yaml:"name,omitempty"`
	Logging             LoggingConfig      `yaml:"logging,omitempty"`
	Telemetry           TelemetryConfig    `yaml:"telemetry,omitempty"`
	LiveView            LiveViewConfig     `yaml:"live_view,omitempty"`
	HotReload           HotReloadConfig    `yaml:"hot_reload,omitempty"`
	Workers             int                `yaml:"workers,omitempty"`
	TransportPreference string             `yaml:"transport_preference,omitempty"`
	FetchTimeout        Duration           `yaml:"fetch_timeout,omitempty"`
	Strategies          []StrategyConfig   `yaml:"strategies,omitempty"`
	Polling             PollingConfig      `yaml:"polling,omitempty"`
	Router              RouterConfig       `yaml:"router,omitempty"`
	Network             NetworkConfig      `yaml:"network,omitempty"`
	Cache               CacheConfig        `yaml:"cache,omitempty"`
	Backpressure        BackpressureConfig `yaml:"backpressure,omitempty"`
	Batch               BatchConfig        `yaml:"batch,omitempty"`

	source string
}

// Documented defaults. Every field is independently overridable in YAML.
const (
	DefaultWorkers          = 4
	DefaultTick             = 250 * time.Millisecond
	DefaultWeightPriority   = 0.5
	DefaultWeightLatency    = 0.2
	DefaultWeightSuccess    = 0.3
	DefaultLatencyHorizon   = 800 * time.Millisecond
	DefaultProbeInterval    = 10 * time.Second
	DefaultProbeTimeout     = 3 * time.Second
	DefaultQualityThreshold = 0.6
	DefaultStabilityWindow  = 5
	DefaultUpdateBuffer     = 16
	DefaultCacheTTL         = 15 * time.Minute
	DefaultSweepInterval    = 5 * time.Minute
	DefaultMemoryThreshold  = 0.8
	DefaultCPUThreshold     = 0.8
	DefaultIOThreshold      = 0.8
	DefaultMemoryWeight     = 0.5
	DefaultCPUWeight        = 0.3
	DefaultIOWeight         = 0.2
	DefaultModerateBand     = 0.5
	DefaultApplyThreshold   = 0.7
	DefaultHighBand         = 0.85
	DefaultBaseRate         = 100.0
	DefaultMaxQueueSize     = 200
	DefaultPriorityLevels   = 5
	DefaultHistorySize      = 64
	DefaultTargetThroughput = 50.0
	DefaultTargetErrorRate  = 0.05
	DefaultDeadBand         = 0.1
	DefaultMaxRetries       = 2
	DefaultRetryDelay       = 200 * time.Millisecond
	DefaultChunkTimeout     = 30 * time.Second
	DefaultHotReloadTick    = time.Second
	DefaultFetchTimeout     = 10 * time.Second
)

// DefaultPollingInterval returns the documented per-data-type polling
// cadence used when a task omits its interval.
func DefaultPollingInterval(dataType string) time.Duration {
	switch dataType {
	case "quote":
		return 15 * time.Second
	case "index":
		return 30 * time.Second
	case "fund_nav":
		return 5 * time.Minute
	case "history":
		return time.Hour
	default:
		return time.Minute
	}
}

// Load reads, schema-checks, defaults, and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var document map[string]interface{}
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := validateDocument(document); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.source = path
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// SourceFiles lists the files this configuration was assembled from, for
// the hot-reload watcher.
func (c *Config) SourceFiles() []string {
	if c == nil || c.source == "" {
		return nil
	}
	return []string{c.source}
}

// ApplyDefaults fills absent fields with the documented defaults and clamps
// numeric tuning values into their valid ranges. Out-of-range numbers are
// corrected, not rejected.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "market-pipeline"
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.HotReload.Interval.Duration <= 0 {
		c.HotReload.Interval.Duration = DefaultHotReloadTick
	}
	if c.FetchTimeout.Duration <= 0 {
		c.FetchTimeout.Duration = DefaultFetchTimeout
	}

	if c.Polling.Tick.Duration <= 0 {
		c.Polling.Tick.Duration = DefaultTick
	}
	for i := range c.Polling.Tasks {
		if c.Polling.Tasks[i].Interval.Duration <= 0 {
			c.Polling.Tasks[i].Interval.Duration = DefaultPollingInterval(c.Polling.Tasks[i].DataType)
		}
	}

	r := &c.Router
	if r.WeightPriority <= 0 {
		r.WeightPriority = DefaultWeightPriority
	}
	if r.WeightLatency <= 0 {
		r.WeightLatency = DefaultWeightLatency
	}
	if r.WeightSuccess <= 0 {
		r.WeightSuccess = DefaultWeightSuccess
	}
	if r.LatencyHorizon.Duration <= 0 {
		r.LatencyHorizon.Duration = DefaultLatencyHorizon
	}

	n := &c.Network
	if n.ProbeInterval.Duration <= 0 {
		n.ProbeInterval.Duration = DefaultProbeInterval
	}
	if n.ProbeTimeout.Duration <= 0 {
		n.ProbeTimeout.Duration = DefaultProbeTimeout
	}
	n.QualityThreshold = clampFraction(n.QualityThreshold, DefaultQualityThreshold)
	if n.StabilityWindow <= 0 {
		n.StabilityWindow = DefaultStabilityWindow
	}
	if n.UpdateBuffer <= 0 {
		n.UpdateBuffer = DefaultUpdateBuffer
	}

	if c.Cache.DefaultTTL.Duration <= 0 {
		c.Cache.DefaultTTL.Duration = DefaultCacheTTL
	}
	if c.Cache.SweepInterval.Duration <= 0 {
		c.Cache.SweepInterval.Duration = DefaultSweepInterval
	}

	b := &c.Backpressure
	b.MemoryThreshold = clampFraction(b.MemoryThreshold, DefaultMemoryThreshold)
	b.CPUThreshold = clampFraction(b.CPUThreshold, DefaultCPUThreshold)
	b.IOThreshold = clampFraction(b.IOThreshold, DefaultIOThreshold)
	if b.MemoryWeight <= 0 {
		b.MemoryWeight = DefaultMemoryWeight
	}
	if b.CPUWeight <= 0 {
		b.CPUWeight = DefaultCPUWeight
	}
	if b.IOWeight <= 0 {
		b.IOWeight = DefaultIOWeight
	}
	b.ModerateBand = clampFraction(b.ModerateBand, DefaultModerateBand)
	b.ApplyThreshold = clampFraction(b.ApplyThreshold, DefaultApplyThreshold)
	b.HighBand = clampFraction(b.HighBand, DefaultHighBand)
	if b.ModerateBand > b.ApplyThreshold {
		b.ModerateBand = b.ApplyThreshold
	}
	if b.HighBand < b.ApplyThreshold {
		b.HighBand = b.ApplyThreshold
	}
	if b.BaseRate <= 0 {
		b.BaseRate = DefaultBaseRate
	}
	if b.MaxQueueSize <= 0 {
		b.MaxQueueSize = DefaultMaxQueueSize
	}
	if b.PriorityLevels <= 0 {
		b.PriorityLevels = DefaultPriorityLevels
	}
	if b.HistorySize <= 0 {
		b.HistorySize = DefaultHistorySize
	}

	bt := &c.Batch
	if bt.TargetThroughput <= 0 {
		bt.TargetThroughput = DefaultTargetThroughput
	}
	if bt.TargetErrorRate <= 0 {
		bt.TargetErrorRate = DefaultTargetErrorRate
	}
	bt.DeadBand = clampFraction(bt.DeadBand, DefaultDeadBand)
	if bt.HistorySize <= 0 {
		bt.HistorySize = DefaultHistorySize
	}
	if bt.MaxRetries < 0 {
		bt.MaxRetries = 0
	} else if bt.MaxRetries == 0 {
		bt.MaxRetries = DefaultMaxRetries
	}
	if bt.RetryDelay.Duration <= 0 {
		bt.RetryDelay.Duration = DefaultRetryDelay
	}
	if bt.ChunkTimeout.Duration <= 0 {
		bt.ChunkTimeout.Duration = DefaultChunkTimeout
	}
	if bt.MinSize < 0 {
		bt.MinSize = 0
	}
	if bt.MaxSize < 0 {
		bt.MaxSize = 0
	}
	if bt.MinSize > 0 && bt.MaxSize > 0 && bt.MinSize > bt.MaxSize {
		bt.MinSize, bt.MaxSize = bt.MaxSize, bt.MinSize
	}
	if bt.InitialSize != 0 {
		if bt.MinSize > 0 && bt.InitialSize < bt.MinSize {
			bt.InitialSize = bt.MinSize
		}
		if bt.MaxSize > 0 && bt.InitialSize > bt.MaxSize {
			bt.InitialSize = bt.MaxSize
		}
	}
}

// clampFraction forces value into (0,1], substituting fallback for unset or
// senseless inputs.
func clampFraction(value, fallback float64) float64 {
	if value <= 0 {
		return fallback
	}
	if value > 1 {
		return 1
	}
	return value
}

var knownFamilies = map[string]struct{}{
	"":          {},
	"push":      {},
	"poll":      {},
	"on_demand": {},
}

// Validate rejects structural problems that clamping cannot repair.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Strategies))
	for i, strategy := range c.Strategies {
		if strings.TrimSpace(strategy.ID) == "" {
			return fmt.Errorf("strategy %d: id must not be empty", i)
		}
		if _, dup := seen[strategy.ID]; dup {
			return fmt.Errorf("duplicate strategy id %q", strategy.ID)
		}
		seen[strategy.ID] = struct{}{}
		if strings.TrimSpace(strategy.Driver) == "" {
			return fmt.Errorf("strategy %s: driver must not be empty", strategy.ID)
		}
		if len(strategy.DataTypes) == 0 {
			return fmt.Errorf("strategy %s: data_types must not be empty", strategy.ID)
		}
		if _, ok := knownFamilies[strategy.Family]; !ok {
			return fmt.Errorf("strategy %s: unknown transport family %q", strategy.ID, strategy.Family)
		}
	}
	if _, ok := knownFamilies[c.TransportPreference]; !ok {
		return fmt.Errorf("unknown transport_preference %q", c.TransportPreference)
	}

	taskTypes := make(map[string]struct{}, len(c.Polling.Tasks))
	for i, task := range c.Polling.Tasks {
		if strings.TrimSpace(task.DataType) == "" {
			return fmt.Errorf("polling task %d: data_type must not be empty", i)
		}
		if _, dup := taskTypes[task.DataType]; dup {
			return fmt.Errorf("duplicate polling task for %q", task.DataType)
		}
		taskTypes[task.DataType] = struct{}{}
	}

	switch c.Telemetry.Provider {
	case "", "none", "noop", "prometheus":
	default:
		return fmt.Errorf("unknown telemetry provider %q", c.Telemetry.Provider)
	}
	if c.LiveView.Enabled && strings.TrimSpace(c.LiveView.Listen) == "" {
		return fmt.Errorf("live_view.listen must be set when live view is enabled")
	}
	if c.Logging.Loki.Enabled && strings.TrimSpace(c.Logging.Loki.URL) == "" {
		return fmt.Errorf("logging.loki.url must be set when loki is enabled")
	}
	return nil
}
