package flow

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/internal/ring"
)

// StrategyType names a throttling posture.
type StrategyType string

const (
	StrategyDisabled      StrategyType = "disabled"
	StrategyConservative  StrategyType = "conservative"
	StrategyAggressive    StrategyType = "aggressive"
	StrategyPriorityBased StrategyType = "priority_based"
	StrategyQueueBased    StrategyType = "queue_based"
	StrategyAdaptive      StrategyType = "adaptive"
)

// MinThrottleRate is the floor applied to every emitted throttle rate so a
// strategy can never silence the pipeline completely.
const MinThrottleRate = 0.05

// Strategy is a concrete throttling posture. ThrottleRate scales the
// admission token rate and stays within (0,1]; MaxQueueSize and
// PriorityLevels are at least 1.
type Strategy struct {
	Type           StrategyType `json:"type"`
	ThrottleRate   float64      `json:"throttle_rate"`
	MaxQueueSize   int          `json:"max_queue_size"`
	PriorityLevels int          `json:"priority_levels"`
}

// normalized clamps the tunables into their documented ranges. Every value
// handed out by the selector passes through here, whatever band or history
// produced it.
func (s Strategy) normalized() Strategy {
	if s.ThrottleRate <= 0 {
		s.ThrottleRate = MinThrottleRate
	}
	if s.ThrottleRate > 1 {
		s.ThrottleRate = 1
	}
	if s.MaxQueueSize < 1 {
		s.MaxQueueSize = 1
	}
	if s.PriorityLevels < 1 {
		s.PriorityLevels = 1
	}
	return s
}

// Outcome records how a strategy activation went: Effectiveness is the
// pressure drop it achieved and Impact the throughput cost it charged, both
// fractions in [0,1].
type Outcome struct {
	Strategy      StrategyType `json:"strategy"`
	Effectiveness float64      `json:"effectiveness"`
	Impact        float64      `json:"impact"`
	At            time.Time    `json:"at"`
}

// Outcomes below this count do not influence selection.
const minOutcomeSamples = 3

// Set far enough above zero that a free-lunch outcome cannot dominate the
// effectiveness/impact ratio forever.
const minImpact = 0.05

// Selector maps a pressure reading to a throttling strategy. Below the
// moderate band throttling is disabled; above the high band it always picks
// the aggressive posture; in between it consults the recorded outcome
// history and falls back to conservative when the history is too thin.
type Selector struct {
	cfg    config.BackpressureConfig
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	history *ring.Buffer[Outcome]
	current Strategy
}

func NewSelector(cfg config.BackpressureConfig, logger zerolog.Logger) *Selector {
	s := &Selector{
		cfg:     cfg,
		logger:  logger.With().Str("component", "flow_selector").Logger(),
		now:     time.Now,
		history: ring.New[Outcome](cfg.HistorySize),
	}
	s.current = s.disabled()
	return s
}

func (s *Selector) disabled() Strategy {
	return Strategy{
		Type:           StrategyDisabled,
		ThrottleRate:   1,
		MaxQueueSize:   s.cfg.MaxQueueSize,
		PriorityLevels: s.cfg.PriorityLevels,
	}.normalized()
}

// Select picks the posture for the given pressure reading.
func (s *Selector) Select(p SystemPressure) Strategy {
	var picked Strategy
	switch {
	case p.Overall < s.cfg.ModerateBand:
		picked = s.disabled()
	case p.Overall >= s.cfg.HighBand:
		picked = s.preset(StrategyAggressive, p)
	default:
		picked = s.preset(s.bestFromHistory(), p)
	}

	s.mu.Lock()
	if picked.Type != s.current.Type {
		s.logger.Debug().
			Str("strategy", string(picked.Type)).
			Str("previous", string(s.current.Type)).
			Float64("pressure", p.Overall).
			Msg("throttling strategy changed")
	}
	s.current = picked
	s.mu.Unlock()
	return picked
}

// preset instantiates a posture for the given type at the given pressure.
func (s *Selector) preset(t StrategyType, p SystemPressure) Strategy {
	st := Strategy{
		Type:           t,
		ThrottleRate:   1,
		MaxQueueSize:   s.cfg.MaxQueueSize,
		PriorityLevels: s.cfg.PriorityLevels,
	}
	switch t {
	case StrategyConservative:
		st.ThrottleRate = 0.8
	case StrategyAggressive:
		st.ThrottleRate = 0.25
	case StrategyAdaptive:
		st.ThrottleRate = 1 - p.Overall
	case StrategyQueueBased, StrategyPriorityBased:
		// Admission is governed by queue slots or priority cutoff, not by
		// the token rate.
	}
	return st.normalized()
}

// bestFromHistory ranks the candidate mid-band strategies by their recorded
// effectiveness/impact ratio. Candidates without enough samples are skipped;
// when none qualifies the conservative posture wins.
func (s *Selector) bestFromHistory() StrategyType {
	candidates := []StrategyType{
		StrategyConservative,
		StrategyQueueBased,
		StrategyPriorityBased,
		StrategyAdaptive,
	}

	s.mu.Lock()
	outcomes := s.history.Items()
	s.mu.Unlock()

	type tally struct {
		effectiveness float64
		impact        float64
		count         int
	}
	tallies := make(map[StrategyType]*tally, len(candidates))
	for _, o := range outcomes {
		t, ok := tallies[o.Strategy]
		if !ok {
			t = &tally{}
			tallies[o.Strategy] = t
		}
		t.effectiveness += o.Effectiveness
		t.impact += o.Impact
		t.count++
	}

	best := StrategyConservative
	bestRatio := -1.0
	for _, candidate := range candidates {
		t := tallies[candidate]
		if t == nil || t.count < minOutcomeSamples {
			continue
		}
		impact := t.impact / float64(t.count)
		if impact < minImpact {
			impact = minImpact
		}
		ratio := (t.effectiveness / float64(t.count)) / impact
		if ratio > bestRatio {
			bestRatio = ratio
			best = candidate
		}
	}
	return best
}

// RecordOutcome appends an activation result to the bounded history.
func (s *Selector) RecordOutcome(t StrategyType, effectiveness, impact float64) {
	if t == StrategyDisabled {
		return
	}
	o := Outcome{
		Strategy:      t,
		Effectiveness: clamp01(effectiveness),
		Impact:        clamp01(impact),
		At:            s.now(),
	}
	s.mu.Lock()
	s.history.Push(o)
	s.mu.Unlock()
}

// Current returns the most recently selected posture.
func (s *Selector) Current() Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// History returns a copy of the recorded outcomes, oldest first.
func (s *Selector) History() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Items()
}
