package pipeline

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/feed"
)

// DefaultScoreExpression is the routing score used when the configuration
// does not override it. Priority arrives pre-normalised to [0,1] and the
// latency term is squashed so one slow probe cannot zero a strategy out.
const DefaultScoreExpression = "priority * weight_priority + (1.0 - latency_norm) * weight_latency + success_rate * weight_success"

// StrategyPerformance is the live scorecard for one registered strategy.
type StrategyPerformance struct {
	Strategy       string        `json:"strategy"`
	SuccessCount   uint64        `json:"success_count"`
	FailureCount   uint64        `json:"failure_count"`
	SuccessRate    float64       `json:"success_rate"`
	AverageLatency time.Duration `json:"average_latency"`
	LastAttempt    time.Time     `json:"last_attempt,omitempty"`
}

type routerEntry struct {
	strategy feed.Strategy
	perf     perfRecord
}

type perfRecord struct {
	success     uint64
	failure     uint64
	avgLatency  time.Duration
	lastAttempt time.Time
}

func (p perfRecord) successRate() float64 {
	total := p.success + p.failure
	if total == 0 {
		// Untried strategies rank on priority alone instead of being
		// buried under proven ones.
		return 1
	}
	return float64(p.success) / float64(total)
}

// Router ranks registered strategies per request with a compiled score
// expression. Registration order is the tiebreak, so equal scores resolve
// deterministically.
type Router struct {
	logger  zerolog.Logger
	netstat func() NetworkStatus

	weightPriority float64
	weightLatency  float64
	weightSuccess  float64
	horizon        time.Duration
	program        *vm.Program

	mu      sync.RWMutex
	entries []*routerEntry
	index   map[string]int
}

// NewRouter compiles the score expression and wires the network status
// supplier consulted during scoring. A nil netstat scores as a healthy
// network.
func NewRouter(cfg config.RouterConfig, netstat func() NetworkStatus, logger zerolog.Logger) (*Router, error) {
	source := cfg.ScoreExpression
	if source == "" {
		source = DefaultScoreExpression
	}
	program, err := expr.Compile(source, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("router: compile score expression: %w", err)
	}
	if netstat == nil {
		netstat = func() NetworkStatus {
			return NetworkStatus{Connected: true, QualityScore: 1}
		}
	}
	return &Router{
		logger:         logger.With().Str("component", "router").Logger(),
		netstat:        netstat,
		weightPriority: cfg.WeightPriority,
		weightLatency:  cfg.WeightLatency,
		weightSuccess:  cfg.WeightSuccess,
		horizon:        cfg.LatencyHorizon.Duration,
		program:        program,
		index:          make(map[string]int),
	}, nil
}

// Register adds a strategy. A strategy with the same name replaces the
// existing one in place, keeping its ranking position and scorecard; only
// Clear discards scorecards.
func (r *Router) Register(s feed.Strategy) {
	name := s.Descriptor().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.index[name]; ok {
		r.entries[i].strategy = s
		r.logger.Info().Str("strategy", name).Msg("strategy replaced")
		return
	}
	r.index[name] = len(r.entries)
	r.entries = append(r.entries, &routerEntry{strategy: s})
	r.logger.Info().Str("strategy", name).Int("priority", s.Descriptor().Priority).Msg("strategy registered")
}

// Unregister removes a strategy by name and returns it, or nil when the
// name is unknown.
func (r *Router) Unregister(name string) feed.Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[name]
	if !ok {
		return nil
	}
	removed := r.entries[i].strategy
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	delete(r.index, name)
	for pos, entry := range r.entries[i:] {
		r.index[entry.strategy.Descriptor().Name] = i + pos
	}
	r.logger.Info().Str("strategy", name).Msg("strategy unregistered")
	return removed
}

// Clear removes every strategy and its scorecard, returning the removed
// strategies in registration order.
func (r *Router) Clear() []feed.Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := make([]feed.Strategy, 0, len(r.entries))
	for _, entry := range r.entries {
		removed = append(removed, entry.strategy)
	}
	r.entries = nil
	r.index = make(map[string]int)
	return removed
}

// Strategies returns the registered strategies in registration order.
func (r *Router) Strategies() []feed.Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]feed.Strategy, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.strategy)
	}
	return out
}

// Get returns a registered strategy by name.
func (r *Router) Get(name string) feed.Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.index[name]; ok {
		return r.entries[i].strategy
	}
	return nil
}

// Rank returns the available strategies supporting the data type, best
// score first. When any candidate matches the preferred transport family
// the ranking is restricted to those; otherwise the preference is ignored
// rather than failing the request.
func (r *Router) Rank(dataType feed.DataType, preference feed.Family) []feed.Strategy {
	network := r.netstat()

	r.mu.RLock()
	type scored struct {
		strategy feed.Strategy
		order    int
		score    float64
	}
	candidates := make([]scored, 0, len(r.entries))
	preferred := 0
	for order, entry := range r.entries {
		s := entry.strategy
		if !s.SupportsDataType(dataType) || !s.IsAvailable() {
			continue
		}
		if preference != "" && s.Descriptor().Family == preference {
			preferred++
		}
		candidates = append(candidates, scored{
			strategy: s,
			order:    order,
			score:    r.scoreLocked(entry, network),
		})
	}
	r.mu.RUnlock()

	if preference != "" && preferred > 0 {
		filtered := candidates[:0]
		for _, c := range candidates {
			if c.strategy.Descriptor().Family == preference {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].order < candidates[j].order
	})

	out := make([]feed.Strategy, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.strategy)
	}
	return out
}

// SelectOptimal returns the best strategy for the request, or nil when none
// qualifies.
func (r *Router) SelectOptimal(dataType feed.DataType, preference feed.Family) feed.Strategy {
	ranked := r.Rank(dataType, preference)
	if len(ranked) == 0 {
		return nil
	}
	return ranked[0]
}

// scoreLocked evaluates the score expression for one entry. Evaluation
// failures fall back to the built-in weighted formula so a bad custom
// expression degrades scoring instead of routing.
func (r *Router) scoreLocked(entry *routerEntry, network NetworkStatus) float64 {
	descriptor := entry.strategy.Descriptor()
	priority := float64(descriptor.Priority) / 100
	if priority < 0 {
		priority = 0
	}
	if priority > 1 {
		priority = 1
	}

	latencyNorm := 0.0
	if lat := entry.perf.avgLatency; lat > 0 && r.horizon > 0 {
		latencyNorm = float64(lat) / float64(lat+r.horizon)
	}
	successRate := entry.perf.successRate()

	env := map[string]interface{}{
		"priority":        priority,
		"latency_norm":    latencyNorm,
		"success_rate":    successRate,
		"weight_priority": r.weightPriority,
		"weight_latency":  r.weightLatency,
		"weight_success":  r.weightSuccess,
		"quality":         network.QualityScore,
		"connected":       network.Connected,
	}
	result, err := vm.Run(r.program, env)
	if err == nil {
		if score, ok := coerceFloat(result); ok {
			return score
		}
		err = fmt.Errorf("score expression returned %T", result)
	}
	r.logger.Warn().Err(err).Str("strategy", descriptor.Name).Msg("score expression failed, using built-in formula")
	return priority*r.weightPriority + (1-latencyNorm)*r.weightLatency + successRate*r.weightSuccess
}

func coerceFloat(v interface{}) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case float32:
		return float64(value), true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case uint64:
		return float64(value), true
	default:
		return 0, false
	}
}

// UpdatePerformance folds one attempt into the strategy's scorecard in
// O(1): counters plus a window-capped moving latency average.
func (r *Router) UpdatePerformance(name string, succeeded bool, latency time.Duration, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[name]
	if !ok {
		return
	}
	perf := &r.entries[i].perf
	if succeeded {
		perf.success++
	} else {
		perf.failure++
	}
	perf.lastAttempt = at

	n := perf.success + perf.failure
	if n > latencyWindow {
		n = latencyWindow
	}
	perf.avgLatency += (latency - perf.avgLatency) / time.Duration(n)
}

// Stats snapshots every scorecard in registration order.
func (r *Router) Stats() []StrategyPerformance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StrategyPerformance, 0, len(r.entries))
	for _, entry := range r.entries {
		perf := entry.perf
		stat := StrategyPerformance{
			Strategy:       entry.strategy.Descriptor().Name,
			SuccessCount:   perf.success,
			FailureCount:   perf.failure,
			AverageLatency: perf.avgLatency,
			LastAttempt:    perf.lastAttempt,
		}
		if perf.success+perf.failure > 0 {
			stat.SuccessRate = perf.successRate()
		}
		out = append(out, stat)
	}
	return out
}
