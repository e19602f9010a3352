package pipeline

import (
	"time"

	"github.com/139QQ/Baostock-sub004/feed"
	"github.com/139QQ/Baostock-sub004/flow"
	"github.com/139QQ/Baostock-sub004/store"
)

// options collects the optional collaborators a Service can be built with.
// Everything here has a production default; options exist so embedders and
// tests can substitute their own pieces.
type options struct {
	factories  map[string]feed.StrategyFactory
	strategies []feed.Strategy
	kv         store.KV
	caps       flow.DeviceCapabilities
	memory     flow.MemoryReporter
	io         flow.IOReporter
	prober     Prober
	clock      func() time.Time
}

// Option customises Service construction.
type Option func(*options)

// WithStrategyFactory registers the constructor used for strategy
// configuration blocks naming the given driver. Registering the same driver
// twice keeps the later factory.
func WithStrategyFactory(driver string, factory feed.StrategyFactory) Option {
	return func(o *options) {
		if o.factories == nil {
			o.factories = make(map[string]feed.StrategyFactory)
		}
		o.factories[driver] = factory
	}
}

// WithStrategy registers an already-built strategy alongside the configured
// ones. Embedders that construct transports themselves use this instead of a
// factory.
func WithStrategy(s feed.Strategy) Option {
	return func(o *options) {
		o.strategies = append(o.strategies, s)
	}
}

// WithKV overrides the cache's key-value backend. The default is an
// in-process map.
func WithKV(kv store.KV) Option {
	return func(o *options) {
		o.kv = kv
	}
}

// WithCapabilities overrides the device capability probe that calibrates
// backpressure detection and batch size bounds.
func WithCapabilities(caps flow.DeviceCapabilities) Option {
	return func(o *options) {
		o.caps = caps
	}
}

// WithMemoryReporter overrides the memory pressure signal.
func WithMemoryReporter(r flow.MemoryReporter) Option {
	return func(o *options) {
		o.memory = r
	}
}

// WithIOReporter supplies an IO pressure signal. Without one the detector
// redistributes the IO weight across the remaining signals.
func WithIOReporter(r flow.IOReporter) Option {
	return func(o *options) {
		o.io = r
	}
}

// WithProber overrides the network reachability probe.
func WithProber(p Prober) Option {
	return func(o *options) {
		o.prober = p
	}
}

// WithClock pins the wall clock used for item timestamps and service-side
// bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
	}
}
