package flow

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/internal/ring"
	"github.com/139QQ/Baostock-sub004/telemetry"
)

// Profile is the device-derived sizing class picked at construction time
// from the capability performance score.
type Profile string

const (
	ProfileConservative Profile = "conservative"
	ProfileBalanced     Profile = "balanced"
	ProfileAggressive   Profile = "aggressive"
)

type profileBounds struct {
	min, max, initial, step int
}

var profiles = map[Profile]profileBounds{
	ProfileConservative: {min: 5, max: 50, initial: 10, step: 5},
	ProfileBalanced:     {min: 10, max: 100, initial: 20, step: 10},
	ProfileAggressive:   {min: 20, max: 200, initial: 50, step: 20},
}

func profileFor(score int) Profile {
	switch {
	case score < 40:
		return ProfileConservative
	case score < 75:
		return ProfileBalanced
	default:
		return ProfileAggressive
	}
}

// Adjustment is one sizing decision. Manual adjustments are recorded in the
// same history as automatic ones.
type Adjustment struct {
	From   int       `json:"from"`
	To     int       `json:"to"`
	Reason string    `json:"reason"`
	Manual bool      `json:"manual"`
	At     time.Time `json:"at"`
}

// SizingState is a snapshot of the sizer for diagnostics.
type SizingState struct {
	CurrentSize int          `json:"current_size"`
	MinSize     int          `json:"min_size"`
	MaxSize     int          `json:"max_size"`
	Profile     Profile      `json:"profile"`
	Throughput  float64      `json:"throughput"`
	ErrorRate   float64      `json:"error_rate"`
	History     []Adjustment `json:"history,omitempty"`
}

// batchOutcome is one recorded chunk execution.
type batchOutcome struct {
	processed int
	failed    int
	duration  time.Duration
	at        time.Time
}

// Sizer adapts the batch size to recent throughput and error rate: additive
// growth while the pipeline beats its target cleanly, multiplicative
// shrinking under errors or pressure, and a dead band around the target
// where the size holds. The size never leaves [MinSize, MaxSize].
type Sizer struct {
	logger    zerolog.Logger
	collector telemetry.Collector

	mu       sync.Mutex
	size     int
	min      int
	max      int
	step     int
	profile  Profile
	target   float64
	errLimit float64
	deadBand float64
	history  *ring.Buffer[Adjustment]
	window   *ring.Buffer[batchOutcome]
	now      func() time.Time
}

// NewSizer derives bounds from the device profile, letting explicit config
// values override each one.
func NewSizer(cfg config.BatchConfig, caps DeviceCapabilities, collector telemetry.Collector, logger zerolog.Logger) *Sizer {
	if caps == nil {
		caps = RuntimeCapabilities{}
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	profile := profileFor(caps.PerformanceScore())
	bounds := profiles[profile]
	if cfg.MinSize > 0 {
		bounds.min = cfg.MinSize
	}
	if cfg.MaxSize > 0 {
		bounds.max = cfg.MaxSize
	}
	if bounds.max < bounds.min {
		bounds.max = bounds.min
	}
	if cfg.InitialSize > 0 {
		bounds.initial = cfg.InitialSize
	}
	bounds.initial = clampInt(bounds.initial, bounds.min, bounds.max)
	if bounds.step < 1 {
		bounds.step = 1
	}

	s := &Sizer{
		logger:    logger.With().Str("component", "batch_sizer").Logger(),
		collector: collector,
		size:      bounds.initial,
		min:       bounds.min,
		max:       bounds.max,
		step:      bounds.step,
		profile:   profile,
		target:    cfg.TargetThroughput,
		errLimit:  cfg.TargetErrorRate,
		deadBand:  cfg.DeadBand,
		history:   ring.New[Adjustment](cfg.HistorySize),
		window:    ring.New[batchOutcome](cfg.HistorySize),
		now:       time.Now,
	}
	collector.SetBatchSize(s.size)
	return s
}

// CurrentSize returns the size the next batch should use.
func (s *Sizer) CurrentSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// RecordOutcome feeds one chunk execution into the rolling window.
func (s *Sizer) RecordOutcome(processed, failed int, duration time.Duration) {
	if processed < 0 {
		processed = 0
	}
	if failed < 0 {
		failed = 0
	}
	s.mu.Lock()
	s.window.Push(batchOutcome{processed: processed, failed: failed, duration: duration, at: s.now()})
	s.mu.Unlock()
}

// PerformAdjustment re-evaluates the size against the rolling window and
// the given pressure reading. Holds return From == To and are not recorded;
// effective changes land in the history.
func (s *Sizer) PerformAdjustment(pressure SystemPressure) Adjustment {
	s.mu.Lock()
	defer s.mu.Unlock()

	throughput, errRate, samples := s.windowStatsLocked()
	from := s.size
	adj := Adjustment{From: from, To: from, At: s.now()}
	if samples == 0 {
		adj.Reason = "no_data"
		return adj
	}

	switch {
	case errRate > s.errLimit:
		s.size = clampInt(s.size/2, s.min, s.max)
		adj.Reason = "error_rate"
	case pressure.ShouldApplyBackpressure || pressure.MemoryHigh:
		s.size = clampInt(s.size/2, s.min, s.max)
		adj.Reason = "pressure"
	case throughput > s.target*(1+s.deadBand):
		s.size = clampInt(s.size+s.step, s.min, s.max)
		adj.Reason = "throughput_above_target"
	case throughput < s.target*(1-s.deadBand):
		s.size = clampInt(s.size/2, s.min, s.max)
		adj.Reason = "throughput_below_target"
	default:
		adj.Reason = "steady"
		return adj
	}

	adj.To = s.size
	if adj.To == adj.From {
		return adj
	}
	s.history.Push(adj)
	s.collector.SetBatchSize(s.size)
	s.logger.Debug().
		Int("from", adj.From).
		Int("to", adj.To).
		Str("reason", adj.Reason).
		Float64("throughput", throughput).
		Float64("error_rate", errRate).
		Msg("batch size adjusted")
	return adj
}

// ManualAdjust pins the size to the requested value, clamped into bounds.
// The adjustment is always recorded, marked manual, so operators can see
// their interventions next to the automatic ones.
func (s *Sizer) ManualAdjust(size int, reason string) int {
	if reason == "" {
		reason = "manual"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.size
	s.size = clampInt(size, s.min, s.max)
	adj := Adjustment{From: from, To: s.size, Reason: reason, Manual: true, At: s.now()}
	s.history.Push(adj)
	s.collector.SetBatchSize(s.size)
	s.logger.Info().
		Int("from", adj.From).
		Int("to", adj.To).
		Str("reason", reason).
		Msg("batch size set manually")
	return s.size
}

// State snapshots the sizer.
func (s *Sizer) State() SizingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	throughput, errRate, _ := s.windowStatsLocked()
	return SizingState{
		CurrentSize: s.size,
		MinSize:     s.min,
		MaxSize:     s.max,
		Profile:     s.profile,
		Throughput:  throughput,
		ErrorRate:   errRate,
		History:     s.history.Items(),
	}
}

func (s *Sizer) windowStatsLocked() (throughput, errRate float64, samples int) {
	var processed, failed int
	var elapsed time.Duration
	for _, o := range s.window.Items() {
		processed += o.processed
		failed += o.failed
		elapsed += o.duration
		samples++
	}
	if elapsed > 0 {
		throughput = float64(processed) / elapsed.Seconds()
	}
	if total := processed + failed; total > 0 {
		errRate = float64(failed) / float64(total)
	}
	return throughput, errRate, samples
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
