// Package synthetic serves market data from seeded random walks. It exists
// for demos, load tests, and pipeline tests that need plausible quotes
// without touching a real upstream.
package synthetic

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/feed"
)

// DriverName is the identifier strategy configs use to select this driver.
const DriverName = "synthetic"

const (
	volumeMin int64 = 1_000
	volumeMax int64 = 250_000
)

// NewFactory returns the constructor registered under DriverName.
func NewFactory() feed.StrategyFactory {
	return func(cfg config.StrategyConfig, deps feed.Dependencies, logger zerolog.Logger) (feed.Strategy, error) {
		return newStrategy(cfg, deps, logger)
	}
}

// Strategy generates one independent walk per (data type, key) pair. All
// walk state is guarded by mu because fetches and health checks run from
// different goroutines.
type Strategy struct {
	desc     feed.Descriptor
	deps     feed.Dependencies
	logger   zerolog.Logger
	settings resolvedSettings
	source   sampler

	mu        sync.Mutex
	available bool
	walks     map[string]*walk
	produced  uint64
}

func newStrategy(cfg config.StrategyConfig, deps feed.Dependencies, logger zerolog.Logger) (*Strategy, error) {
	family, err := feed.ParseFamily(cfg.Family)
	if err != nil {
		return nil, fmt.Errorf("synthetic: %w", err)
	}
	if family == feed.FamilyPush {
		return nil, fmt.Errorf("synthetic: family %q not supported, the driver has no live feed", family)
	}
	settings, err := parseSettings(cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("synthetic: %w", err)
	}
	resolved, err := settings.resolve()
	if err != nil {
		return nil, fmt.Errorf("synthetic: %w", err)
	}
	source, err := newSampler(settings.Source, settings.Seed)
	if err != nil {
		return nil, fmt.Errorf("synthetic: %w", err)
	}
	types := make([]feed.DataType, 0, len(cfg.DataTypes))
	for _, dt := range cfg.DataTypes {
		types = append(types, feed.DataType(dt))
	}
	return &Strategy{
		desc: feed.Descriptor{
			Name:      cfg.ID,
			Priority:  cfg.Priority,
			Family:    family,
			DataTypes: types,
		},
		deps:     deps,
		logger:   logger.With().Str("component", "synthetic").Str("strategy", cfg.ID).Logger(),
		settings: resolved,
		source:   source,
		walks:    make(map[string]*walk),
	}, nil
}

// Descriptor implements feed.Strategy.
func (s *Strategy) Descriptor() feed.Descriptor { return s.desc }

// IsAvailable implements feed.Strategy.
func (s *Strategy) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// SupportsDataType implements feed.Strategy.
func (s *Strategy) SupportsDataType(dt feed.DataType) bool {
	return s.desc.Supports(dt)
}

// Fetch advances the walk behind the requested series and returns its next
// tick. An empty key asks for the first configured key.
func (s *Strategy) Fetch(ctx context.Context, req feed.Request) (*feed.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.desc.Supports(req.DataType) {
		return nil, feed.ErrUnsupportedType
	}
	key := req.Key
	if key == "" {
		key = s.settings.keys[0]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return nil, feed.ErrUnavailable
	}
	route := string(req.DataType) + "/" + key
	w, ok := s.walks[route]
	if !ok {
		w = newWalk(s.settings.specFor(key))
		s.walks[route] = w
	}
	prev, next, err := w.step(s.source)
	if err != nil {
		return nil, feed.Transient("synthetic.entropy", err)
	}
	item := feed.New(req.DataType, key, s.desc.Name, s.deps.Now())
	item.Quality = w.spec.quality
	if err := s.fillFields(item, req.DataType, prev, next); err != nil {
		return nil, err
	}
	s.produced++
	return item, nil
}

// fillFields shapes the walk step into the payload the data type expects.
func (s *Strategy) fillFields(item *feed.Item, dt feed.DataType, prev, next float64) error {
	switch dt {
	case feed.DataTypeQuote:
		item.Fields["price"] = decimal.NewFromFloat(next).Round(4)
		volume, err := volumeInRange(s.source, volumeMin, volumeMax)
		if err != nil {
			return feed.Transient("synthetic.entropy", err)
		}
		item.Fields["volume"] = decimal.NewFromInt(volume)
	case feed.DataTypeIndex:
		item.Fields["value"] = decimal.NewFromFloat(next).Round(2)
	case feed.DataTypeFundNAV:
		item.Fields["nav"] = decimal.NewFromFloat(next).Round(4)
	case feed.DataTypeHistory:
		high := math.Max(prev, next)
		low := math.Min(prev, next)
		item.Fields["open"] = decimal.NewFromFloat(prev).Round(4)
		item.Fields["close"] = decimal.NewFromFloat(next).Round(4)
		item.Fields["high"] = decimal.NewFromFloat(high).Round(4)
		item.Fields["low"] = decimal.NewFromFloat(low).Round(4)
	default:
		item.Fields["value"] = decimal.NewFromFloat(next).Round(4)
	}
	return nil
}

// Stream implements feed.Strategy. The driver has no live feed.
func (s *Strategy) Stream(ctx context.Context, req feed.Request) (*feed.Stream, error) {
	return nil, feed.ErrStreamingUnsupported
}

// Start implements feed.Strategy.
func (s *Strategy) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available {
		return nil
	}
	s.available = true
	s.logger.Info().Int("keys", len(s.settings.keys)).Msg("synthetic feed started")
	return nil
}

// Stop implements feed.Strategy.
func (s *Strategy) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return nil
	}
	s.available = false
	s.logger.Info().Uint64("produced", s.produced).Msg("synthetic feed stopped")
	return nil
}

// Health implements feed.Strategy.
func (s *Strategy) Health() feed.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := "stopped"
	if s.available {
		state = "running"
	}
	return feed.HealthStatus{
		Strategy:  s.desc.Name,
		Available: s.available,
		Healthy:   s.available,
		State:     state,
		CheckedAt: s.deps.Now(),
		Details: map[string]string{
			"default_key": s.settings.keys[0],
			"produced":    strconv.FormatUint(s.produced, 10),
		},
	}
}
