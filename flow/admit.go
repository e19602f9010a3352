package flow

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/telemetry"
)

// Decision is the admission verdict for one unit of work. Exactly one of
// Proceed and Rejected is true. A non-zero Delay asks the caller to wait
// before starting; admitted work must be paired with a Done call once it
// completes so queue accounting stays correct.
type Decision struct {
	Proceed  bool          `json:"proceed"`
	Delay    time.Duration `json:"delay"`
	Rejected bool          `json:"rejected"`
	Reason   string        `json:"reason"`
}

// Controller gates work submission. Each ShouldProceed call reads a fresh
// pressure figure, lets the selector pick the posture, and applies it: a
// token bucket scaled by the throttle rate for rate postures, an in-flight
// cap for the queue posture, and a pressure-derived cutoff for the priority
// posture.
type Controller struct {
	cfg       config.BackpressureConfig
	detector  *Detector
	selector  *Selector
	collector telemetry.Collector
	logger    zerolog.Logger

	limiter *rate.Limiter

	mu         sync.Mutex
	strategy   Strategy
	inFlight   int
	admitted   uint64
	rejected   uint64
	activation activationStats
}

// activationStats tracks one strategy activation so its outcome can be
// recorded when the posture changes.
type activationStats struct {
	strategy StrategyType
	pressure float64
	admitted uint64
	rejected uint64
}

func NewController(cfg config.BackpressureConfig, detector *Detector, selector *Selector, collector telemetry.Collector, logger zerolog.Logger) *Controller {
	if collector == nil {
		collector = telemetry.Noop()
	}
	burst := int(cfg.BaseRate / 10)
	if burst < 1 {
		burst = 1
	}
	c := &Controller{
		cfg:       cfg,
		detector:  detector,
		selector:  selector,
		collector: collector,
		logger:    logger.With().Str("component", "admission").Logger(),
		limiter:   rate.NewLimiter(rate.Limit(cfg.BaseRate), burst),
	}
	c.strategy = selector.Current()
	c.activation = activationStats{strategy: c.strategy.Type}
	return c
}

// ShouldProceed decides whether one unit of work may start. priority is the
// caller's urgency on the configured 1..PriorityLevels scale (higher is more
// urgent); values outside the scale are clamped.
func (c *Controller) ShouldProceed(priority int) Decision {
	pressure := c.detector.Detect()
	c.collector.SetPressureLevel(pressure.Overall)
	strategy := c.selector.Select(pressure)

	c.mu.Lock()
	c.applyStrategyLocked(strategy, pressure)

	var decision Decision
	switch strategy.Type {
	case StrategyDisabled:
		decision = Decision{Proceed: true, Reason: "disabled"}
	case StrategyQueueBased:
		if c.inFlight >= strategy.MaxQueueSize {
			decision = Decision{Rejected: true, Reason: "queue_full"}
		} else {
			decision = Decision{Proceed: true, Reason: "queued"}
		}
	case StrategyPriorityBased:
		cutoff := priorityCutoff(pressure.Overall, strategy.PriorityLevels, c.cfg.ModerateBand, c.cfg.HighBand)
		if clampPriority(priority, strategy.PriorityLevels) < cutoff {
			decision = Decision{Rejected: true, Reason: "priority_below_cutoff"}
		} else {
			decision = Decision{Proceed: true, Reason: "priority_admitted"}
		}
	default:
		// Rate postures reserve a token outside the lock.
	}

	if decision.Proceed || decision.Rejected {
		c.settleLocked(&decision)
		c.mu.Unlock()
		return decision
	}
	c.mu.Unlock()

	reservation := c.limiter.Reserve()
	if !reservation.OK() {
		decision = Decision{Rejected: true, Reason: "rate_exhausted"}
	} else if delay := reservation.Delay(); delay > 0 {
		decision = Decision{Proceed: true, Delay: delay, Reason: "throttled"}
	} else {
		decision = Decision{Proceed: true, Reason: "admitted"}
	}

	c.mu.Lock()
	c.settleLocked(&decision)
	c.mu.Unlock()
	return decision
}

// settleLocked finishes bookkeeping for a decided admission.
func (c *Controller) settleLocked(decision *Decision) {
	if decision.Rejected {
		c.rejected++
		c.activation.rejected++
		c.collector.IncBackpressureRejection(decision.Reason)
		return
	}
	c.inFlight++
	c.admitted++
	c.activation.admitted++
}

// Done releases one admitted unit of work. Call it exactly once per
// admitted decision.
func (c *Controller) Done() {
	c.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.mu.Unlock()
}

// applyStrategyLocked swaps in a new posture: the limiter is resized to
// baseRate x throttleRate and the outgoing activation's outcome is recorded
// so the selector's history keeps learning.
func (c *Controller) applyStrategyLocked(strategy Strategy, pressure SystemPressure) {
	if strategy == c.strategy {
		return
	}
	if c.strategy.ThrottleRate != strategy.ThrottleRate {
		c.limiter.SetLimit(rate.Limit(c.cfg.BaseRate * strategy.ThrottleRate))
	}

	previous := c.activation
	if previous.strategy != StrategyDisabled && previous.strategy != strategy.Type {
		effectiveness := previous.pressure - pressure.Overall
		total := previous.admitted + previous.rejected
		impact := 1 - c.strategy.ThrottleRate
		if total > 0 {
			if shed := float64(previous.rejected) / float64(total); shed > impact {
				impact = shed
			}
		}
		c.selector.RecordOutcome(previous.strategy, effectiveness, impact)
	}

	c.logger.Debug().
		Str("strategy", string(strategy.Type)).
		Float64("throttle_rate", strategy.ThrottleRate).
		Float64("pressure", pressure.Overall).
		Msg("admission posture applied")
	c.strategy = strategy
	c.activation = activationStats{strategy: strategy.Type, pressure: pressure.Overall}
}

// Pressure returns a fresh detector reading.
func (c *Controller) Pressure() SystemPressure {
	return c.detector.Detect()
}

// Strategy returns the posture currently applied.
func (c *Controller) Strategy() Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}

// InFlight returns the number of admitted, not yet completed units.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Counters returns total admitted and rejected decisions since start.
func (c *Controller) Counters() (admitted, rejected uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.admitted, c.rejected
}

// priorityCutoff maps the overall pressure inside [moderate, high) onto a
// minimum admissible priority in [1, levels]. At the moderate band edge
// everything passes; approaching the high band only the top level does.
func priorityCutoff(overall float64, levels int, moderate, high float64) int {
	if levels <= 1 {
		return 1
	}
	span := high - moderate
	if span <= 0 {
		return levels
	}
	frac := (overall - moderate) / span
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	cutoff := 1 + int(frac*float64(levels-1)+0.5)
	if cutoff < 1 {
		cutoff = 1
	}
	if cutoff > levels {
		cutoff = levels
	}
	return cutoff
}

func clampPriority(priority, levels int) int {
	if priority < 1 {
		return 1
	}
	if priority > levels {
		return levels
	}
	return priority
}
