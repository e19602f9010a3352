// Package flow implements load regulation for the pipeline: pressure
// detection, backpressure strategy selection, admission control, adaptive
// batch sizing, and chunked batch execution.
package flow

import (
	"math"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/139QQ/Baostock-sub004/config"
)

// Recommended actions, ordered by severity.
const (
	ActionNone     = "none"
	ActionMonitor  = "monitor"
	ActionThrottle = "throttle"
	ActionShedLoad = "shed_load"
)

// DeviceCapabilities reports coarse hardware headroom. PerformanceScore is a
// 0-100 figure where higher means more CPU headroom.
type DeviceCapabilities interface {
	PerformanceScore() int
	TotalMemoryMB() int
	AvailableMemoryMB() int
}

// MemoryReporter reports the current memory pressure as a fraction in [0,1].
type MemoryReporter interface {
	MemoryPressure() float64
}

// IOReporter reports I/O pressure as a fraction in [0,1]. The signal is
// optional; when absent the detector renormalises the remaining weights.
type IOReporter interface {
	IOPressure() float64
}

// StaticCapabilities is a fixed-figure DeviceCapabilities, useful for
// deployments that know their hardware and for tests.
type StaticCapabilities struct {
	Score       int
	TotalMB     int
	AvailableMB int
}

func (s StaticCapabilities) PerformanceScore() int  { return s.Score }
func (s StaticCapabilities) TotalMemoryMB() int     { return s.TotalMB }
func (s StaticCapabilities) AvailableMemoryMB() int { return s.AvailableMB }

// RuntimeCapabilities derives capability figures from the Go runtime. It is
// the standalone default; deployments with real device telemetry inject
// their own implementation.
type RuntimeCapabilities struct{}

func (RuntimeCapabilities) PerformanceScore() int {
	score := 16 + runtime.NumCPU()*12
	if score > 100 {
		score = 100
	}
	return score
}

func (RuntimeCapabilities) TotalMemoryMB() int {
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		return int(limit >> 20)
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	total := int(ms.Sys >> 20)
	if total < 1 {
		total = 1
	}
	return total
}

func (RuntimeCapabilities) AvailableMemoryMB() int {
	total := RuntimeCapabilities{}.TotalMemoryMB()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	used := int(ms.HeapInuse >> 20)
	if used >= total {
		return 0
	}
	return total - used
}

// CapabilityMemory derives memory pressure from device capability figures:
// pressure = 1 - available/total.
type CapabilityMemory struct {
	Caps DeviceCapabilities
}

func (c CapabilityMemory) MemoryPressure() float64 {
	total := c.Caps.TotalMemoryMB()
	if total <= 0 {
		return 0
	}
	avail := c.Caps.AvailableMemoryMB()
	if avail < 0 {
		avail = 0
	}
	if avail > total {
		avail = total
	}
	return 1 - float64(avail)/float64(total)
}

// SystemPressure is one detector reading. Signal values are fractions in
// [0,1]; Overall is their weighted combination over the signals present.
type SystemPressure struct {
	Memory                  float64   `json:"memory"`
	CPU                     float64   `json:"cpu"`
	IO                      float64   `json:"io"`
	HasIO                   bool      `json:"has_io"`
	MemoryHigh              bool      `json:"memory_high"`
	CPUHigh                 bool      `json:"cpu_high"`
	IOHigh                  bool      `json:"io_high"`
	Overall                 float64   `json:"overall"`
	ShouldApplyBackpressure bool      `json:"should_apply_backpressure"`
	RecommendedAction       string    `json:"recommended_action"`
	DetectedAt              time.Time `json:"detected_at"`
}

// Detector combines memory, CPU, and optional I/O signals into a single
// pressure figure. Every Detect call reads the collaborators fresh; the
// detector holds no cached state beyond log deduplication.
type Detector struct {
	cfg    config.BackpressureConfig
	caps   DeviceCapabilities
	memory MemoryReporter
	io     IOReporter
	logger zerolog.Logger
	now    func() time.Time

	lastAction atomic.Value // string
}

// NewDetector wires the detector. Nil collaborators fall back to the
// runtime-derived defaults; a nil io leaves the I/O signal absent.
func NewDetector(cfg config.BackpressureConfig, caps DeviceCapabilities, memory MemoryReporter, io IOReporter, logger zerolog.Logger) *Detector {
	if caps == nil {
		caps = RuntimeCapabilities{}
	}
	if memory == nil {
		memory = CapabilityMemory{Caps: caps}
	}
	d := &Detector{
		cfg:    cfg,
		caps:   caps,
		memory: memory,
		io:     io,
		logger: logger.With().Str("component", "pressure").Logger(),
		now:    time.Now,
	}
	d.lastAction.Store(ActionNone)
	return d
}

// Detect computes the current system pressure.
func (d *Detector) Detect() SystemPressure {
	p := SystemPressure{DetectedAt: d.now()}

	p.Memory = clamp01(d.memory.MemoryPressure())
	score := d.caps.PerformanceScore()
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	p.CPU = 1 - float64(score)/100

	weightSum := d.cfg.MemoryWeight + d.cfg.CPUWeight
	weighted := p.Memory*d.cfg.MemoryWeight + p.CPU*d.cfg.CPUWeight
	if d.io != nil {
		p.HasIO = true
		p.IO = clamp01(d.io.IOPressure())
		weightSum += d.cfg.IOWeight
		weighted += p.IO * d.cfg.IOWeight
	}
	if weightSum <= 0 {
		// Degenerate weights; average the present signals instead.
		n := 2.0
		weighted = p.Memory + p.CPU
		if p.HasIO {
			n++
			weighted += p.IO
		}
		weightSum = n
	}
	p.Overall = clamp01(weighted / weightSum)

	p.MemoryHigh = p.Memory >= d.cfg.MemoryThreshold
	p.CPUHigh = p.CPU >= d.cfg.CPUThreshold
	p.IOHigh = p.HasIO && p.IO >= d.cfg.IOThreshold
	p.ShouldApplyBackpressure = p.Overall >= d.cfg.ApplyThreshold

	switch {
	case p.Overall >= d.cfg.HighBand:
		p.RecommendedAction = ActionShedLoad
	case p.Overall >= d.cfg.ApplyThreshold:
		p.RecommendedAction = ActionThrottle
	case p.Overall >= d.cfg.ModerateBand:
		p.RecommendedAction = ActionMonitor
	default:
		p.RecommendedAction = ActionNone
	}

	if previous := d.lastAction.Swap(p.RecommendedAction).(string); previous != p.RecommendedAction {
		d.logger.Info().
			Str("action", p.RecommendedAction).
			Str("previous", previous).
			Float64("overall", p.Overall).
			Float64("memory", p.Memory).
			Float64("cpu", p.CPU).
			Msg("pressure band changed")
	}
	return p
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
