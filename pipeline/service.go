package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/feed"
	"github.com/139QQ/Baostock-sub004/flow"
	"github.com/139QQ/Baostock-sub004/store"
	"github.com/139QQ/Baostock-sub004/telemetry"
)

// streamBuffer is the channel depth of service-built fallback streams.
// Push strategies size their own streams.
const streamBuffer = 16

// telemetryInterval is the cadence of the gauge refresh loop. Counters are
// pushed at the point of the event; only the sampled gauges (cache size,
// pressure level) need a heartbeat.
const telemetryInterval = 15 * time.Second

// HealthStatus aggregates the health of every pipeline component into one
// snapshot. Healthy means the service is running and has at least one
// available strategy or a usable cache to serve from.
type HealthStatus struct {
	State               string              `json:"state"`
	Healthy             bool                `json:"healthy"`
	AvailableStrategies int                 `json:"available_strategies"`
	Strategies          []feed.HealthStatus `json:"strategies"`
	Cache               store.Health        `json:"cache"`
	Network             NetworkStatus       `json:"network"`
	Pressure            flow.SystemPressure `json:"pressure"`
	Throttle            flow.Strategy       `json:"throttle"`
	BatchSize           int                 `json:"batch_size"`
	CheckedAt           time.Time           `json:"checked_at"`
}

// FlowStatus is the admission and batch sizing snapshot served to
// diagnostics surfaces.
type FlowStatus struct {
	Pressure flow.SystemPressure `json:"pressure"`
	Throttle flow.Strategy       `json:"throttle"`
	InFlight int                 `json:"in_flight"`
	Admitted uint64              `json:"admitted"`
	Rejected uint64              `json:"rejected"`
	Sizing   flow.SizingState    `json:"sizing"`
}

// Service is the pipeline orchestrator. It owns the strategy router, the
// polling scheduler, the network monitor, the fallback cache, and the flow
// control components, and moves through a strictly forward lifecycle:
// ready (after New), running (after Start), stopped (after Stop), disposed
// (after Close).
type Service struct {
	cfg        config.Config
	logger     zerolog.Logger
	collector  telemetry.Collector
	now        func() time.Time
	deps       feed.Dependencies
	preference feed.Family

	monitor   *Monitor
	router    *Router
	scheduler *Scheduler
	cache     *store.Cache
	detector  *flow.Detector
	admitter  *flow.Controller
	sizer     *flow.Sizer
	batches   *flow.Processor
	metrics   *metricsTable

	mu       sync.Mutex
	state    State
	runCtx   context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopCh   chan struct{}
	stopOnce sync.Once
	live     *liveView
}

// New assembles the full component graph from cfg and returns a ready
// service. Strategies listed in the configuration are built through the
// factories registered with WithStrategyFactory; a configured driver with
// no factory is a construction error.
func New(cfg config.Config, logger zerolog.Logger, collector telemetry.Collector, opts ...Option) (*Service, error) {
	cfg.ApplyDefaults()

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	now := o.clock
	if now == nil {
		now = time.Now
	}

	monitor := NewMonitor(cfg.Network, o.prober, logger)
	router, err := NewRouter(cfg.Router, monitor.Current, logger)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	cache := store.NewCache(o.kv, store.Options{
		DefaultTTL: cfg.Cache.DefaultTTL.Duration,
		SweepEvery: cfg.Cache.SweepInterval.Duration,
		Clock:      now,
	}, logger)

	detector := flow.NewDetector(cfg.Backpressure, o.caps, o.memory, o.io, logger)
	selector := flow.NewSelector(cfg.Backpressure, logger)
	admitter := flow.NewController(cfg.Backpressure, detector, selector, collector, logger)
	sizer := flow.NewSizer(cfg.Batch, o.caps, collector, logger)
	batches := flow.NewProcessor(cfg.Batch, sizer, admitter, logger)

	s := &Service{
		cfg:        cfg,
		logger:     logger.With().Str("component", "service").Logger(),
		collector:  collector,
		now:        now,
		deps:       feed.Dependencies{Clock: o.clock},
		preference: feed.Family(cfg.TransportPreference),
		monitor:    monitor,
		router:     router,
		cache:      cache,
		detector:   detector,
		admitter:   admitter,
		sizer:      sizer,
		batches:    batches,
		metrics:    newMetricsTable(),
		state:      StateReady,
		stopCh:     make(chan struct{}),
	}
	s.scheduler = NewScheduler(cfg.Polling, cfg.Workers, s.pollFetch, collector, logger)
	// A recovered network means every stale poll target is worth retrying
	// immediately rather than on its next tick.
	monitor.SetOnRecover(s.scheduler.Nudge)

	for _, sc := range cfg.Strategies {
		if sc.Disabled {
			continue
		}
		factory := o.factories[sc.Driver]
		if factory == nil {
			return nil, fmt.Errorf("pipeline: strategy %s: no factory registered for driver %q", sc.ID, sc.Driver)
		}
		st, err := factory(sc, s.deps, logger)
		if err != nil {
			return nil, fmt.Errorf("pipeline: strategy %s: %w", sc.ID, err)
		}
		router.Register(st)
	}
	for _, st := range o.strategies {
		router.Register(st)
	}

	s.logger.Info().
		Str("name", cfg.Name).
		Int("strategies", len(router.Strategies())).
		Int("workers", cfg.Workers).
		Msg("pipeline assembled")
	return s, nil
}

// Validate builds the full component graph from cfg and tears it down
// without starting anything. It reports the first construction problem:
// an unknown driver, rejected driver settings, or an invalid router
// expression. Strategies are constructed but never started, so no
// connections are opened.
func Validate(cfg config.Config, logger zerolog.Logger, opts ...Option) error {
	svc, err := New(cfg, logger, telemetry.Noop(), opts...)
	if err != nil {
		return err
	}
	return svc.Close()
}

// State returns the current lifecycle phase.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) ensureServing(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady && s.state != StateRunning {
		return &StateError{Op: op, State: s.state}
	}
	return nil
}

func (s *Service) ensureNotDisposed(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisposed {
		return &StateError{Op: op, State: s.state}
	}
	return nil
}

// Start launches the background loops (network monitor, polling scheduler,
// cache sweeper, telemetry heartbeat, push stream pumps) and starts every
// registered strategy. It requires a ready service. A strategy that fails
// to start is logged and left unavailable; the router simply never selects
// it until it recovers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateReady {
		state := s.state
		s.mu.Unlock()
		return &StateError{Op: "start", State: state}
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	s.runCtx = groupCtx
	s.cancel = cancel
	s.group = group
	s.state = StateRunning
	// Launch under the lock so a racing Stop always waits on the full set.
	group.Go(func() error { return s.monitor.Run(groupCtx) })
	group.Go(func() error { return s.scheduler.Run(groupCtx) })
	group.Go(func() error { return s.cache.Run(groupCtx) })
	group.Go(func() error { return s.telemetryLoop(groupCtx) })
	s.startPumps(groupCtx, group)
	s.mu.Unlock()

	// Prime the network status so the first routing decisions don't run on
	// the optimistic zero value.
	s.monitor.ProbeNow(groupCtx)
	s.startStrategies(groupCtx)

	s.logger.Info().Msg("pipeline started")
	return nil
}

func (s *Service) startStrategies(ctx context.Context) {
	strategies := s.router.Strategies()
	if len(strategies) == 0 || ctx.Err() != nil {
		return
	}
	failures, aborted := runWorkerPool(ctx, s.cfg.Workers, strategies, func(ctx context.Context, st feed.Strategy) int {
		if err := st.Start(ctx); err != nil {
			s.logger.Warn().Str("strategy", st.Descriptor().Name).Err(err).Msg("strategy start failed")
			return 1
		}
		return 0
	})
	if failures > 0 || aborted {
		s.logger.Info().
			Int("failed", failures).
			Int("total", len(strategies)).
			Msg("some strategies unavailable at start")
	}
}

// startPumps subscribes one ingestion pump per (push strategy, data type).
// Pumped items land in the cache so fallback reads stay warm even when no
// caller holds a stream open.
func (s *Service) startPumps(ctx context.Context, group *errgroup.Group) {
	for _, st := range s.router.Strategies() {
		desc := st.Descriptor()
		if desc.Family != feed.FamilyPush {
			continue
		}
		for _, dt := range desc.DataTypes {
			st, dt := st, dt
			group.Go(func() error {
				s.pumpStream(ctx, st, dt)
				return nil
			})
		}
	}
}

func (s *Service) pumpStream(ctx context.Context, st feed.Strategy, dataType feed.DataType) {
	logger := s.logger.With().
		Str("strategy", st.Descriptor().Name).
		Str("data_type", string(dataType)).
		Logger()
	backoff := time.Second
	for {
		stream, err := st.Stream(ctx, feed.Request{DataType: dataType})
		switch {
		case errors.Is(err, feed.ErrStreamingUnsupported):
			return
		case err != nil:
			logger.Debug().Err(err).Msg("pump could not open stream")
		default:
			backoff = time.Second
			if s.drainStream(ctx, stream, logger) {
				return
			}
			if err := stream.Err(); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("stream ended with error")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// drainStream copies stream items into the cache until the stream closes
// or the context ends. It reports whether the context ended, so the pump
// does not trust the strategy's stream to honour cancellation.
func (s *Service) drainStream(ctx context.Context, stream *feed.Stream, logger zerolog.Logger) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case item, ok := <-stream.Items():
			if !ok {
				return false
			}
			item := item
			if err := s.cache.Put(&item); err != nil {
				logger.Warn().Err(err).Msg("pumped item not cached")
			}
		}
	}
}

func (s *Service) telemetryLoop(ctx context.Context) error {
	ticker := time.NewTicker(telemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.cache.Len(); err == nil {
				s.collector.SetCacheItems(n)
			}
			s.collector.SetPressureLevel(s.detector.Detect().Overall)
		}
	}
}

// Stop cancels the background loops, waits for them to drain, and stops
// every strategy. Stopping an already stopped service is a no-op; a service
// that never ran cannot be stopped.
func (s *Service) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return nil
	case StateRunning:
	default:
		state := s.state
		s.mu.Unlock()
		return &StateError{Op: "stop", State: state}
	}
	s.state = StateStopped
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	cancel()
	if group != nil {
		if err := group.Wait(); err != nil && !isCancellation(err) {
			s.logger.Warn().Err(err).Msg("background loop exited with error")
		}
	}
	s.stopStrategies()
	s.logger.Info().Msg("pipeline stopped")
	return nil
}

func (s *Service) stopStrategies() {
	for _, st := range s.router.Strategies() {
		if err := st.Stop(); err != nil {
			s.logger.Warn().Str("strategy", st.Descriptor().Name).Err(err).Msg("strategy stop failed")
		}
	}
}

// Close releases the service: it stops a running service, shuts down the
// live view listener if one is up, stops and unregisters every strategy,
// and moves to disposed. Close is idempotent and accepted from any phase;
// every call after it fails with *StateError.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return nil
	}
	running := s.state == StateRunning
	s.mu.Unlock()

	if running {
		if err := s.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("stop during close failed")
		}
	}

	s.mu.Lock()
	s.state = StateDisposed
	live := s.live
	s.live = nil
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	if live != nil {
		live.Close()
	}
	for _, st := range s.router.Clear() {
		if err := st.Stop(); err != nil {
			s.logger.Warn().Str("strategy", st.Descriptor().Name).Err(err).Msg("strategy stop failed")
		}
	}
	s.logger.Info().Msg("pipeline disposed")
	return nil
}

// Run starts the service, blocks until ctx ends, then stops it. It is the
// one-call form used by the process supervisor.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Wait blocks until the background loops exit and returns their first
// non-cancellation error. It returns immediately on a service that never
// started.
func (s *Service) Wait() error {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()
	if group == nil {
		return nil
	}
	if err := group.Wait(); err != nil && !isCancellation(err) {
		return err
	}
	return nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// GetData answers a request through the best available strategy, falling
// through the ranking on failure and finally to the cache. A cache miss
// after exhausting every source returns (nil, nil): "no data currently
// available" is an expected steady state, not an error.
func (s *Service) GetData(ctx context.Context, dataType feed.DataType, key string) (*feed.Item, error) {
	if err := s.ensureServing("get data"); err != nil {
		return nil, err
	}
	if dataType == "" {
		return nil, fmt.Errorf("get data: missing data type")
	}
	req := feed.Request{DataType: dataType, Key: key}
	item, err := s.fetchFromStrategies(ctx, req)
	if err == nil && item != nil {
		return item, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		s.logger.Warn().
			Str("data_type", string(dataType)).
			Str("key", key).
			Err(err).
			Msg("all strategies failed, serving from cache")
	}
	cached, cerr := s.cache.Get(dataType, key)
	if cerr != nil {
		s.logger.Warn().Str("data_type", string(dataType)).Str("key", key).Err(cerr).Msg("cache fallback failed")
		return nil, nil
	}
	if cached != nil {
		s.collector.IncFetchAttempt("cache", string(dataType), "fallback")
	}
	return cached, nil
}

// fetchFromStrategies walks the ranked candidates with a per-attempt
// timeout, recording every attempt into the scorecards and per-type
// metrics. The first fresh item is persisted to the cache before being
// returned.
func (s *Service) fetchFromStrategies(ctx context.Context, req feed.Request) (*feed.Item, error) {
	candidates := s.router.Rank(req.DataType, s.preference)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("fetch %s: %w", req.DataType, feed.ErrUnavailable)
	}
	var lastErr error
	for _, st := range candidates {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name := st.Descriptor().Name
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout.Duration)
		started := s.now()
		item, err := st.Fetch(attemptCtx, req)
		cancel()
		latency := s.now().Sub(started)
		if err == nil && item == nil {
			err = feed.ErrNoData
		}

		s.router.UpdatePerformance(name, err == nil, latency, s.now())
		s.metrics.Record(req.DataType, err == nil, latency)
		if err != nil {
			s.collector.IncFetchAttempt(name, string(req.DataType), "failure")
			s.logger.Debug().
				Str("strategy", name).
				Str("data_type", string(req.DataType)).
				Str("key", req.Key).
				Err(err).
				Msg("fetch attempt failed")
			lastErr = err
			continue
		}
		s.collector.IncFetchAttempt(name, string(req.DataType), "success")
		s.collector.ObserveFetchLatency(name, string(req.DataType), latency.Seconds())
		if err := s.cache.Put(item); err != nil {
			s.logger.Warn().Str("strategy", name).Err(err).Msg("fetched item not cached")
		}
		return item, nil
	}
	return nil, lastErr
}

// pollFetch is the scheduler's fetch callback: resolve the data type's
// default selection and let the cache absorb the result.
func (s *Service) pollFetch(ctx context.Context, dataType feed.DataType) error {
	item, err := s.fetchFromStrategies(ctx, feed.Request{DataType: dataType})
	if err != nil {
		return err
	}
	if item == nil {
		return feed.ErrNoData
	}
	return nil
}

// GetCachedData reads (dataType, key) from the cache without touching any
// strategy. A miss returns (nil, nil).
func (s *Service) GetCachedData(dataType feed.DataType, key string) (*feed.Item, error) {
	if err := s.ensureNotDisposed("get cached data"); err != nil {
		return nil, err
	}
	return s.cache.Get(dataType, key)
}

// StoreData validates the item and upserts it into the cache.
func (s *Service) StoreData(item *feed.Item) error {
	if err := s.ensureServing("store data"); err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("store data: nil item")
	}
	return s.cache.Put(item)
}

// GetDataStream returns a live sequence of items for (dataType, key). A
// push-family strategy supplies it directly when one is available;
// otherwise the service synthesizes a stream that polls on the task
// cadence and forwards only fresher items. Either way the stream
// terminates when the caller's context ends or the service stops.
func (s *Service) GetDataStream(ctx context.Context, dataType feed.DataType, key string) (*feed.Stream, error) {
	if err := s.ensureServing("get data stream"); err != nil {
		return nil, err
	}
	if dataType == "" {
		return nil, fmt.Errorf("get data stream: missing data type")
	}
	req := feed.Request{DataType: dataType, Key: key}
	for _, st := range s.router.Rank(dataType, feed.FamilyPush) {
		if st.Descriptor().Family != feed.FamilyPush {
			continue
		}
		stream, err := st.Stream(ctx, req)
		if err == nil {
			return stream, nil
		}
		if !errors.Is(err, feed.ErrStreamingUnsupported) && !errors.Is(err, feed.ErrUnavailable) {
			s.logger.Warn().Str("strategy", st.Descriptor().Name).Err(err).Msg("stream open failed")
		}
	}
	return s.pollBackedStream(ctx, req), nil
}

func (s *Service) pollBackedStream(ctx context.Context, req feed.Request) *feed.Stream {
	interval := s.pollIntervalFor(req.DataType)
	out := feed.NewStream(streamBuffer)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var last time.Time
		for {
			item, err := s.fetchFromStrategies(ctx, req)
			if err == nil && item != nil && item.Timestamp.After(last) {
				last = item.Timestamp
				out.Publish(*item)
			}
			select {
			case <-ctx.Done():
				out.CloseWithError(ctx.Err())
				return
			case <-s.stopCh:
				out.Close()
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

func (s *Service) pollIntervalFor(dataType feed.DataType) time.Duration {
	for _, task := range s.cfg.Polling.Tasks {
		if feed.DataType(task.DataType) == dataType && task.Interval.Duration > 0 {
			return task.Interval.Duration
		}
	}
	return config.DefaultPollingInterval(string(dataType))
}

// RegisterStrategy adds (or replaces, on duplicate name) a strategy at
// runtime. On a running service the strategy is started immediately.
func (s *Service) RegisterStrategy(st feed.Strategy) error {
	if err := s.ensureNotDisposed("register strategy"); err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("register strategy: nil strategy")
	}
	if st.Descriptor().Name == "" {
		return fmt.Errorf("register strategy: empty name")
	}
	s.router.Register(st)

	s.mu.Lock()
	runCtx := s.runCtx
	running := s.state == StateRunning
	s.mu.Unlock()
	if running {
		if err := st.Start(runCtx); err != nil {
			s.logger.Warn().Str("strategy", st.Descriptor().Name).Err(err).Msg("strategy start failed")
		}
	}
	return nil
}

// UnregisterStrategy removes and stops the named strategy. It reports
// whether anything was removed.
func (s *Service) UnregisterStrategy(name string) bool {
	if err := s.ensureNotDisposed("unregister strategy"); err != nil {
		return false
	}
	removed := s.router.Unregister(name)
	if removed == nil {
		return false
	}
	if err := removed.Stop(); err != nil {
		s.logger.Warn().Str("strategy", name).Err(err).Msg("strategy stop failed")
	}
	return true
}

// GetPerformanceMetrics returns the accumulated per-data-type request
// metrics. They grow monotonically until ResetPerformanceMetrics.
func (s *Service) GetPerformanceMetrics() (map[feed.DataType]TypeMetrics, error) {
	if err := s.ensureNotDisposed("get performance metrics"); err != nil {
		return nil, err
	}
	return s.metrics.Snapshot(), nil
}

// ResetPerformanceMetrics starts the per-data-type accumulation over.
func (s *Service) ResetPerformanceMetrics() error {
	if err := s.ensureNotDisposed("reset performance metrics"); err != nil {
		return err
	}
	s.metrics.Reset()
	return nil
}

// GetRoutingStats returns the per-strategy scorecards in registration
// order.
func (s *Service) GetRoutingStats() ([]StrategyPerformance, error) {
	if err := s.ensureNotDisposed("get routing stats"); err != nil {
		return nil, err
	}
	return s.router.Stats(), nil
}

// GetCacheHealthStatus returns the cache's diagnostic counters.
func (s *Service) GetCacheHealthStatus() (store.Health, error) {
	if err := s.ensureNotDisposed("get cache health"); err != nil {
		return store.Health{}, err
	}
	return s.cache.Health(), nil
}

// GetNetworkStatus returns the monitor's latest connectivity assessment.
func (s *Service) GetNetworkStatus() (NetworkStatus, error) {
	if err := s.ensureNotDisposed("get network status"); err != nil {
		return NetworkStatus{}, err
	}
	return s.monitor.Current(), nil
}

// GetHealthStatus aggregates service state, strategy health, cache health,
// network status, and flow control posture into one snapshot.
func (s *Service) GetHealthStatus() (HealthStatus, error) {
	if err := s.ensureNotDisposed("get health status"); err != nil {
		return HealthStatus{}, err
	}
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	strategies := s.router.Strategies()
	health := HealthStatus{
		State:      string(state),
		Strategies: make([]feed.HealthStatus, 0, len(strategies)),
		Cache:      s.cache.Health(),
		Network:    s.monitor.Current(),
		Pressure:   s.admitter.Pressure(),
		Throttle:   s.admitter.Strategy(),
		BatchSize:  s.sizer.CurrentSize(),
		CheckedAt:  s.now(),
	}
	for _, st := range strategies {
		hs := st.Health()
		if hs.Available {
			health.AvailableStrategies++
		}
		health.Strategies = append(health.Strategies, hs)
	}
	health.Healthy = state == StateRunning &&
		(health.AvailableStrategies > 0 || health.Cache.Healthy)
	return health, nil
}

// FlowStatus returns the admission controller and batch sizer snapshot.
func (s *Service) FlowStatus() (FlowStatus, error) {
	if err := s.ensureNotDisposed("get flow status"); err != nil {
		return FlowStatus{}, err
	}
	admitted, rejected := s.admitter.Counters()
	return FlowStatus{
		Pressure: s.admitter.Pressure(),
		Throttle: s.admitter.Strategy(),
		InFlight: s.admitter.InFlight(),
		Admitted: admitted,
		Rejected: rejected,
		Sizing:   s.sizer.State(),
	}, nil
}

// Batches exposes the batch processor for callers submitting bulk work.
func (s *Service) Batches() *flow.Processor {
	return s.batches
}

// SetBatchSize pins the batch size by hand, subject to the profile bounds.
// It returns the size actually applied.
func (s *Service) SetBatchSize(size int, reason string) (int, error) {
	if err := s.ensureNotDisposed("set batch size"); err != nil {
		return 0, err
	}
	if reason == "" {
		reason = "manual"
	}
	return s.sizer.ManualAdjust(size, reason), nil
}

// AddPollingTask registers (or merges into) a periodic fetch for the data
// type and returns the task id.
func (s *Service) AddPollingTask(dataType feed.DataType, interval time.Duration) (string, error) {
	if err := s.ensureNotDisposed("add polling task"); err != nil {
		return "", err
	}
	if dataType == "" {
		return "", fmt.Errorf("add polling task: missing data type")
	}
	return s.scheduler.AddTask(dataType, interval), nil
}

// AdjustPollingFrequency changes a task's interval.
func (s *Service) AdjustPollingFrequency(id string, interval time.Duration) error {
	if err := s.ensureNotDisposed("adjust polling frequency"); err != nil {
		return err
	}
	return s.scheduler.AdjustFrequency(id, interval)
}

// SetPollingEnabled pauses or resumes one task.
func (s *Service) SetPollingEnabled(id string, enabled bool) error {
	if err := s.ensureNotDisposed("set polling enabled"); err != nil {
		return err
	}
	return s.scheduler.SetEnabled(id, enabled)
}

// PausePolling suspends the scheduler pass loop.
func (s *Service) PausePolling() error {
	if err := s.ensureNotDisposed("pause polling"); err != nil {
		return err
	}
	s.scheduler.Pause()
	return nil
}

// ResumePolling restarts the scheduler pass loop.
func (s *Service) ResumePolling() error {
	if err := s.ensureNotDisposed("resume polling"); err != nil {
		return err
	}
	s.scheduler.Resume()
	return nil
}

// StepPolling triggers one scheduler pass regardless of mode.
func (s *Service) StepPolling() error {
	if err := s.ensureNotDisposed("step polling"); err != nil {
		return err
	}
	s.scheduler.Step()
	return nil
}

// SetPollingTick changes the scheduler pass cadence.
func (s *Service) SetPollingTick(tick time.Duration) error {
	if err := s.ensureNotDisposed("set polling tick"); err != nil {
		return err
	}
	if tick <= 0 {
		return fmt.Errorf("set polling tick: interval must be positive")
	}
	s.scheduler.SetTick(tick)
	return nil
}

// PollingTasks returns the task table sorted by id.
func (s *Service) PollingTasks() ([]TaskStatus, error) {
	if err := s.ensureNotDisposed("get polling tasks"); err != nil {
		return nil, err
	}
	return s.scheduler.TaskStatuses(), nil
}

// PollingControl returns the scheduler's run/pause mode and tick.
func (s *Service) PollingControl() (ControlStatus, error) {
	if err := s.ensureNotDisposed("get polling control"); err != nil {
		return ControlStatus{}, err
	}
	return s.scheduler.ControlStatus(), nil
}
