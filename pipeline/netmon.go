package pipeline

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/internal/ring"
)

// NetworkStatus is one connectivity snapshot. QualityScore combines the
// probe success ratio with a latency squash into [0,1]; Stable means the
// whole stability window was healthy.
type NetworkStatus struct {
	Connected    bool      `json:"connected"`
	QualityScore float64   `json:"quality_score"`
	LatencyMS    float64   `json:"latency_ms"`
	Stable       bool      `json:"stable"`
	CheckedAt    time.Time `json:"checked_at"`
}

// ProbeResult reports one probe round: how many endpoints were attempted,
// how many answered, and the fastest successful round trip.
type ProbeResult struct {
	Attempted int
	Succeeded int
	Latency   time.Duration
}

// Prober measures reachability. Implementations must honour the context
// deadline; errors mean the probe itself could not run and are treated as
// total connectivity loss.
type Prober interface {
	Probe(ctx context.Context) (ProbeResult, error)
}

// TCPProber dials each endpoint and counts the answers. It is the default
// prober when endpoints are configured.
type TCPProber struct {
	Endpoints []string
	Timeout   time.Duration
}

func (p *TCPProber) Probe(ctx context.Context) (ProbeResult, error) {
	result := ProbeResult{Attempted: len(p.Endpoints)}
	if len(p.Endpoints) == 0 {
		return result, nil
	}

	type dialOutcome struct {
		ok      bool
		latency time.Duration
	}
	outcomes := make(chan dialOutcome, len(p.Endpoints))
	var wg sync.WaitGroup
	for _, endpoint := range p.Endpoints {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			dialer := net.Dialer{Timeout: p.Timeout}
			start := time.Now()
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				outcomes <- dialOutcome{}
				return
			}
			_ = conn.Close()
			outcomes <- dialOutcome{ok: true, latency: time.Since(start)}
		}(endpoint)
	}
	wg.Wait()
	close(outcomes)

	best := time.Duration(0)
	for outcome := range outcomes {
		if !outcome.ok {
			continue
		}
		result.Succeeded++
		if best == 0 || outcome.latency < best {
			best = outcome.latency
		}
	}
	result.Latency = best
	return result, nil
}

// staticProber reports instant success. It backs deployments with no probe
// endpoints configured, where assuming reachability beats reporting a
// permanently dead network.
type staticProber struct{}

func (staticProber) Probe(context.Context) (ProbeResult, error) {
	return ProbeResult{Attempted: 1, Succeeded: 1}, nil
}

// Reference latency for the quality squash: a round trip at this figure
// halves the quality score.
const qualityLatencyRef = 800 * time.Millisecond

// Monitor periodically probes the network and publishes status snapshots.
// A probe failure degrades the status to offline; it never terminates the
// monitor. Stability requires a full window of healthy samples, so a single
// blip restarts the count.
type Monitor struct {
	prober    Prober
	interval  time.Duration
	timeout   time.Duration
	threshold float64
	logger    zerolog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	current   NetworkStatus
	window    *ring.Buffer[bool]
	onRecover func()

	updates chan NetworkStatus
}

// NewMonitor builds a monitor from configuration. A nil prober selects TCP
// probing over the configured endpoints, or an always-on stub when none are
// configured.
func NewMonitor(cfg config.NetworkConfig, prober Prober, logger zerolog.Logger) *Monitor {
	if prober == nil {
		if len(cfg.Endpoints) > 0 {
			prober = &TCPProber{Endpoints: cfg.Endpoints, Timeout: cfg.ProbeTimeout.Duration}
		} else {
			prober = staticProber{}
		}
	}
	return &Monitor{
		prober:    prober,
		interval:  cfg.ProbeInterval.Duration,
		timeout:   cfg.ProbeTimeout.Duration,
		threshold: cfg.QualityThreshold,
		logger:    logger.With().Str("component", "netmon").Logger(),
		now:       time.Now,
		window:    ring.New[bool](cfg.StabilityWindow),
		updates:   make(chan NetworkStatus, cfg.UpdateBuffer),
	}
}

// SetOnRecover registers the hook fired when the network transitions from
// unstable to stable. Set it before Run.
func (m *Monitor) SetOnRecover(fn func()) {
	m.mu.Lock()
	m.onRecover = fn
	m.mu.Unlock()
}

// Current returns the latest snapshot.
func (m *Monitor) Current() NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Updates returns the bounded snapshot channel. Every probe evaluation
// publishes; when the buffer is full the oldest snapshot is dropped so the
// monitor never blocks on a slow consumer.
func (m *Monitor) Updates() <-chan NetworkStatus {
	return m.updates
}

// Run probes until the context ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.ProbeNow(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.ProbeNow(ctx)
		}
	}
}

// ProbeNow runs one evaluation immediately and returns the snapshot.
func (m *Monitor) ProbeNow(ctx context.Context) NetworkStatus {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	result, err := m.prober.Probe(probeCtx)
	cancel()

	status := NetworkStatus{CheckedAt: m.now()}
	if err != nil {
		m.logger.Warn().Err(err).Msg("probe failed, reporting offline")
	} else if result.Attempted > 0 {
		ratio := float64(result.Succeeded) / float64(result.Attempted)
		status.Connected = result.Succeeded > 0
		status.LatencyMS = float64(result.Latency) / float64(time.Millisecond)
		if status.Connected {
			squash := float64(qualityLatencyRef) / float64(result.Latency+qualityLatencyRef)
			status.QualityScore = ratio * squash
		}
	}

	healthy := status.Connected && status.QualityScore >= m.threshold

	m.mu.Lock()
	m.window.Push(healthy)
	status.Stable = m.windowStableLocked()
	wasStable := m.current.Stable
	wasConnected := m.current.Connected
	m.current = status
	hook := m.onRecover
	m.mu.Unlock()

	if wasConnected != status.Connected {
		m.logger.Info().
			Bool("connected", status.Connected).
			Float64("quality", status.QualityScore).
			Msg("connectivity changed")
	}
	if !wasStable && status.Stable {
		m.logger.Info().Float64("quality", status.QualityScore).Msg("network stable again")
		if hook != nil {
			hook()
		}
	}

	m.publish(status)
	return status
}

func (m *Monitor) windowStableLocked() bool {
	if m.window.Len() < m.window.Cap() {
		return false
	}
	for _, healthy := range m.window.Items() {
		if !healthy {
			return false
		}
	}
	return true
}

func (m *Monitor) publish(status NetworkStatus) {
	for {
		select {
		case m.updates <- status:
			return
		default:
		}
		select {
		case <-m.updates:
		default:
		}
	}
}
