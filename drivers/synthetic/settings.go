package synthetic

import (
	"fmt"
	"math"

	"gopkg.in/yaml.v3"

	"github.com/139QQ/Baostock-sub004/feed"
)

const (
	defaultStart      = 100.0
	defaultDrift      = 0.0002
	defaultVolatility = 0.01
	defaultKey        = "demo"
	defaultQuality    = feed.QualityGood
)

// Settings describes the configuration accepted via the strategy settings
// block.
type Settings struct {
	Source   string                    `yaml:"source,omitempty"`
	Seed     *int64                    `yaml:"seed,omitempty"`
	Keys     []string                  `yaml:"keys,omitempty"`
	Defaults SeriesSettings            `yaml:"defaults,omitempty"`
	Series   map[string]SeriesSettings `yaml:"series,omitempty"`
}

// SeriesSettings customises the walk behind a single instrument key. Absent
// fields inherit the driver defaults.
type SeriesSettings struct {
	Start      *float64 `yaml:"start,omitempty"`
	Drift      *float64 `yaml:"drift,omitempty"`
	Volatility *float64 `yaml:"volatility,omitempty"`
	Quality    *string  `yaml:"quality,omitempty"`
}

// seriesSpec is a fully resolved walk parameterisation for one key.
type seriesSpec struct {
	start      float64
	drift      float64
	volatility float64
	quality    feed.QualityLevel
}

type resolvedSettings struct {
	keys     []string
	defaults seriesSpec
	series   map[string]seriesSpec
}

func parseSettings(node *yaml.Node) (Settings, error) {
	var settings Settings
	if node == nil {
		return settings, nil
	}
	if err := node.Decode(&settings); err != nil {
		return Settings{}, fmt.Errorf("decode synthetic settings: %w", err)
	}
	return settings, nil
}

func (s Settings) resolve() (resolvedSettings, error) {
	resolved := resolvedSettings{
		keys:   append([]string(nil), s.Keys...),
		series: make(map[string]seriesSpec, len(s.Series)),
	}
	base := seriesSpec{
		start:      defaultStart,
		drift:      defaultDrift,
		volatility: defaultVolatility,
		quality:    defaultQuality,
	}
	if err := base.apply(s.Defaults, "defaults"); err != nil {
		return resolvedSettings{}, err
	}
	resolved.defaults = base
	for key, override := range s.Series {
		spec := base
		if err := spec.apply(override, key); err != nil {
			return resolvedSettings{}, err
		}
		resolved.series[key] = spec
	}
	if len(resolved.keys) == 0 {
		resolved.keys = []string{defaultKey}
	}
	for _, key := range resolved.keys {
		if key == "" {
			return resolvedSettings{}, fmt.Errorf("keys must not contain empty entries")
		}
	}
	return resolved, nil
}

// specFor returns the walk parameters for a key, falling back to the
// resolved defaults for keys without an explicit series block.
func (r resolvedSettings) specFor(key string) seriesSpec {
	if spec, ok := r.series[key]; ok {
		return spec
	}
	return r.defaults
}

func (s *seriesSpec) apply(spec SeriesSettings, context string) error {
	if spec.Start != nil {
		if *spec.Start <= 0 || math.IsNaN(*spec.Start) {
			return fmt.Errorf("series %s: start must be positive", context)
		}
		s.start = *spec.Start
	}
	if spec.Drift != nil {
		if math.IsNaN(*spec.Drift) {
			return fmt.Errorf("series %s: drift must not be NaN", context)
		}
		s.drift = *spec.Drift
	}
	if spec.Volatility != nil {
		if *spec.Volatility < 0 || math.IsNaN(*spec.Volatility) {
			return fmt.Errorf("series %s: volatility must not be negative", context)
		}
		s.volatility = *spec.Volatility
	}
	if spec.Quality != nil {
		quality, err := feed.ParseQualityLevel(*spec.Quality)
		if err != nil {
			return fmt.Errorf("series %s: %w", context, err)
		}
		s.quality = quality
	}
	return nil
}
