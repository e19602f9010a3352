package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/feed"
	"github.com/139QQ/Baostock-sub004/telemetry"
)

// stubStrategy is a scriptable strategy for service tests. Fetch and
// stream behaviour is injected per test; availability is flipped by hand
// so a test can knock a source out without touching its lifecycle.
type stubStrategy struct {
	desc feed.Descriptor

	mu        sync.Mutex
	available bool
	startErr  error
	fetchFn   func(ctx context.Context, req feed.Request) (*feed.Item, error)
	streamFn  func(ctx context.Context, req feed.Request) (*feed.Stream, error)
	starts    int
	stops     int
	fetches   int
}

func newStubStrategy(name string, family feed.Family, priority int, types ...feed.DataType) *stubStrategy {
	return &stubStrategy{
		desc: feed.Descriptor{
			Name:      name,
			Priority:  priority,
			Family:    family,
			DataTypes: types,
		},
		available: true,
	}
}

func (s *stubStrategy) Descriptor() feed.Descriptor { return s.desc }

func (s *stubStrategy) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

func (s *stubStrategy) SupportsDataType(dt feed.DataType) bool { return s.desc.Supports(dt) }

func (s *stubStrategy) Fetch(ctx context.Context, req feed.Request) (*feed.Item, error) {
	s.mu.Lock()
	s.fetches++
	available := s.available
	fn := s.fetchFn
	s.mu.Unlock()
	if !available {
		return nil, feed.ErrUnavailable
	}
	if fn == nil {
		return nil, feed.ErrNoData
	}
	return fn(ctx, req)
}

func (s *stubStrategy) Stream(ctx context.Context, req feed.Request) (*feed.Stream, error) {
	s.mu.Lock()
	fn := s.streamFn
	s.mu.Unlock()
	if fn == nil {
		return nil, feed.ErrStreamingUnsupported
	}
	return fn(ctx, req)
}

func (s *stubStrategy) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return s.startErr
}

func (s *stubStrategy) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *stubStrategy) Health() feed.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return feed.HealthStatus{
		Strategy:  s.desc.Name,
		Available: s.available,
		Healthy:   s.available,
		State:     "stub",
		CheckedAt: time.Now(),
	}
}

func (s *stubStrategy) setAvailable(v bool) {
	s.mu.Lock()
	s.available = v
	s.mu.Unlock()
}

func (s *stubStrategy) setFetch(fn func(ctx context.Context, req feed.Request) (*feed.Item, error)) {
	s.mu.Lock()
	s.fetchFn = fn
	s.mu.Unlock()
}

func (s *stubStrategy) counts() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

// serveQuotes makes the stub answer every fetch with a fresh quote item
// attributed to the given source.
func (s *stubStrategy) serveQuotes(source string) {
	s.setFetch(func(_ context.Context, req feed.Request) (*feed.Item, error) {
		return quoteItem(req.Key, source, time.Now()), nil
	})
}

// scriptedProber fails until the test clears its error, standing in for a
// network that drops and recovers.
type scriptedProber struct {
	mu  sync.Mutex
	err error
}

func (p *scriptedProber) Probe(context.Context) (ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return ProbeResult{}, p.err
	}
	return ProbeResult{Attempted: 1, Succeeded: 1, Latency: 5 * time.Millisecond}, nil
}

func (p *scriptedProber) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func quoteItem(key, source string, ts time.Time) *feed.Item {
	item := feed.New(feed.DataTypeQuote, key, source, ts)
	item.Fields["price"] = decimal.NewFromFloat(10.52)
	item.Fields["volume"] = decimal.NewFromInt(14500)
	return item
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Name = "pipeline-test"
	cfg.Workers = 2
	cfg.Polling.Tick = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Network.ProbeInterval = config.Duration{Duration: time.Hour}
	cfg.FetchTimeout = config.Duration{Duration: time.Second}
	cfg.Batch.MinSize = 8
	cfg.Batch.MaxSize = 256
	return cfg
}

func newTestService(t *testing.T, cfg config.Config, opts ...Option) *Service {
	t.Helper()
	svc, err := New(cfg, zerolog.New(io.Discard), telemetry.Noop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestServiceGetDataPrefersHigherPriority(t *testing.T) {
	primary := newStubStrategy("primary", feed.FamilyOnDemand, 100, feed.DataTypeQuote)
	primary.serveQuotes("primary")
	secondary := newStubStrategy("secondary", feed.FamilyOnDemand, 70, feed.DataTypeQuote)
	secondary.serveQuotes("secondary")

	svc := newTestService(t, testConfig(), WithStrategy(primary), WithStrategy(secondary))

	item, err := svc.GetData(context.Background(), feed.DataTypeQuote, "sh600000")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, "primary", item.Source)
	require.Equal(t, "sh600000", item.Key)

	// The winning fetch also lands in the cache.
	cached, err := svc.GetCachedData(feed.DataTypeQuote, "sh600000")
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Equal(t, item.ID, cached.ID)

	// Knock the preferred source out; the next request fails over.
	primary.setAvailable(false)
	item, err = svc.GetData(context.Background(), feed.DataTypeQuote, "sh600000")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, "secondary", item.Source)

	stats, err := svc.GetRoutingStats()
	require.NoError(t, err)
	byName := make(map[string]StrategyPerformance, len(stats))
	for _, st := range stats {
		byName[st.Strategy] = st
	}
	require.EqualValues(t, 1, byName["primary"].SuccessCount)
	require.EqualValues(t, 1, byName["secondary"].SuccessCount)
	require.Zero(t, byName["primary"].FailureCount)
}

func TestServiceGetDataFallsBackToCache(t *testing.T) {
	flaky := newStubStrategy("flaky", feed.FamilyOnDemand, 90, feed.DataTypeQuote)
	flaky.setFetch(func(context.Context, feed.Request) (*feed.Item, error) {
		return nil, feed.Transient("flaky.request", errors.New("connection reset"))
	})

	svc := newTestService(t, testConfig(), WithStrategy(flaky))

	seed := quoteItem("sh600000", "flaky", time.Now().Add(-time.Minute))
	require.NoError(t, svc.StoreData(seed))

	item, err := svc.GetData(context.Background(), feed.DataTypeQuote, "sh600000")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, seed.ID, item.ID)

	// Nothing cached for this key: every source failed, so the answer is
	// an empty result, not an error.
	item, err = svc.GetData(context.Background(), feed.DataTypeQuote, "sh600001")
	require.NoError(t, err)
	require.Nil(t, item)
}

func TestServiceGetDataTreatsNilItemAsNoData(t *testing.T) {
	hollow := newStubStrategy("hollow", feed.FamilyOnDemand, 80, feed.DataTypeQuote)
	hollow.setFetch(func(context.Context, feed.Request) (*feed.Item, error) {
		return nil, nil
	})

	svc := newTestService(t, testConfig(), WithStrategy(hollow))

	item, err := svc.GetData(context.Background(), feed.DataTypeQuote, "sh600000")
	require.NoError(t, err)
	require.Nil(t, item)

	stats, err := svc.GetRoutingStats()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.EqualValues(t, 1, stats[0].FailureCount)
}

func TestServiceGetDataHonoursCallerContext(t *testing.T) {
	slow := newStubStrategy("slow", feed.FamilyOnDemand, 100, feed.DataTypeQuote)
	slow.setFetch(func(ctx context.Context, _ feed.Request) (*feed.Item, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	svc := newTestService(t, testConfig(), WithStrategy(slow))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	item, err := svc.GetData(ctx, feed.DataTypeQuote, "sh600000")
	require.Nil(t, item)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServiceFetchTimeoutSkipsToNextStrategy(t *testing.T) {
	cfg := testConfig()
	cfg.FetchTimeout = config.Duration{Duration: 30 * time.Millisecond}

	stuck := newStubStrategy("stuck", feed.FamilyOnDemand, 100, feed.DataTypeQuote)
	stuck.setFetch(func(ctx context.Context, _ feed.Request) (*feed.Item, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	fallback := newStubStrategy("fallback", feed.FamilyOnDemand, 40, feed.DataTypeQuote)
	fallback.serveQuotes("fallback")

	svc := newTestService(t, cfg, WithStrategy(stuck), WithStrategy(fallback))

	item, err := svc.GetData(context.Background(), feed.DataTypeQuote, "sh600000")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, "fallback", item.Source)

	stats, err := svc.GetRoutingStats()
	require.NoError(t, err)
	byName := make(map[string]StrategyPerformance, len(stats))
	for _, st := range stats {
		byName[st.Strategy] = st
	}
	require.EqualValues(t, 1, byName["stuck"].FailureCount)
	require.EqualValues(t, 1, byName["fallback"].SuccessCount)
}

func TestServiceLifecycle(t *testing.T) {
	st := newStubStrategy("primary", feed.FamilyOnDemand, 100, feed.DataTypeQuote)
	st.serveQuotes("primary")

	svc := newTestService(t, testConfig(), WithStrategy(st))
	require.Equal(t, StateReady, svc.State())

	// Data operations are allowed before Start.
	item, err := svc.GetData(context.Background(), feed.DataTypeQuote, "sh600000")
	require.NoError(t, err)
	require.NotNil(t, item)

	require.NoError(t, svc.Start(context.Background()))
	require.Equal(t, StateRunning, svc.State())
	starts, _ := st.counts()
	require.Equal(t, 1, starts)

	err = svc.Start(context.Background())
	require.True(t, IsStateError(err))
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, StateRunning, stateErr.State)

	require.NoError(t, svc.Stop())
	require.Equal(t, StateStopped, svc.State())
	_, stops := st.counts()
	require.Equal(t, 1, stops)

	// Stop is idempotent; restart is not supported.
	require.NoError(t, svc.Stop())
	require.True(t, IsStateError(svc.Start(context.Background())))

	_, err = svc.GetData(context.Background(), feed.DataTypeQuote, "sh600000")
	require.True(t, IsStateError(err))

	// Observability still answers on a stopped service.
	stats, err := svc.GetRoutingStats()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	cached, err := svc.GetCachedData(feed.DataTypeQuote, "sh600000")
	require.NoError(t, err)
	require.NotNil(t, cached)

	require.NoError(t, svc.Close())
	require.Equal(t, StateDisposed, svc.State())
	_, stops = st.counts()
	require.Equal(t, 2, stops)
	require.NoError(t, svc.Close())

	_, err = svc.GetRoutingStats()
	require.True(t, IsStateError(err))
	_, err = svc.GetCachedData(feed.DataTypeQuote, "sh600000")
	require.True(t, IsStateError(err))
	require.False(t, svc.UnregisterStrategy("primary"))
}

func TestServiceStopBeforeStartRejected(t *testing.T) {
	svc := newTestService(t, testConfig())
	err := svc.Stop()
	require.True(t, IsStateError(err))
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, StateReady, stateErr.State)
}

func TestServiceRunStopsWhenContextEnds(t *testing.T) {
	st := newStubStrategy("primary", feed.FamilyOnDemand, 100, feed.DataTypeQuote)
	st.serveQuotes("primary")
	svc := newTestService(t, testConfig(), WithStrategy(st))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return svc.State() == StateRunning
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	require.Equal(t, StateStopped, svc.State())
	require.NoError(t, svc.Wait())
}

func TestServiceRegisterStrategy(t *testing.T) {
	svc := newTestService(t, testConfig())

	require.Error(t, svc.RegisterStrategy(nil))
	require.Error(t, svc.RegisterStrategy(newStubStrategy("", feed.FamilyOnDemand, 10, feed.DataTypeQuote)))

	first := newStubStrategy("feed", feed.FamilyOnDemand, 50, feed.DataTypeQuote)
	first.serveQuotes("first")
	require.NoError(t, svc.RegisterStrategy(first))

	// A duplicate name replaces the existing registration.
	replacement := newStubStrategy("feed", feed.FamilyOnDemand, 50, feed.DataTypeQuote)
	replacement.serveQuotes("replacement")
	require.NoError(t, svc.RegisterStrategy(replacement))

	stats, err := svc.GetRoutingStats()
	require.NoError(t, err)
	require.Len(t, stats, 1)

	item, err := svc.GetData(context.Background(), feed.DataTypeQuote, "sh600000")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, "replacement", item.Source)

	// On a running service a late registration is started immediately.
	require.NoError(t, svc.Start(context.Background()))
	late := newStubStrategy("late", feed.FamilyOnDemand, 90, feed.DataTypeQuote)
	late.serveQuotes("late")
	require.NoError(t, svc.RegisterStrategy(late))
	starts, _ := late.counts()
	require.Equal(t, 1, starts)
	require.NoError(t, svc.Stop())
}

func TestServiceUnregisterStrategy(t *testing.T) {
	st := newStubStrategy("solo", feed.FamilyOnDemand, 60, feed.DataTypeQuote)
	st.serveQuotes("solo")
	svc := newTestService(t, testConfig(), WithStrategy(st))

	require.True(t, svc.UnregisterStrategy("solo"))
	_, stops := st.counts()
	require.Equal(t, 1, stops)
	require.False(t, svc.UnregisterStrategy("solo"))

	// No strategies and an empty cache: the request drains to a miss.
	item, err := svc.GetData(context.Background(), feed.DataTypeQuote, "sh600000")
	require.NoError(t, err)
	require.Nil(t, item)
}

func TestServicePerformanceMetricsAccumulateAndReset(t *testing.T) {
	st := newStubStrategy("primary", feed.FamilyOnDemand, 100, feed.DataTypeQuote)
	st.serveQuotes("primary")
	svc := newTestService(t, testConfig(), WithStrategy(st))

	_, err := svc.GetData(context.Background(), feed.DataTypeQuote, "sh600000")
	require.NoError(t, err)
	_, err = svc.GetData(context.Background(), feed.DataTypeQuote, "sh600001")
	require.NoError(t, err)

	st.setFetch(func(context.Context, feed.Request) (*feed.Item, error) {
		return nil, feed.Transient("primary.request", errors.New("upstream 502"))
	})
	_, err = svc.GetData(context.Background(), feed.DataTypeQuote, "sh600002")
	require.NoError(t, err)

	metrics, err := svc.GetPerformanceMetrics()
	require.NoError(t, err)
	quote := metrics[feed.DataTypeQuote]
	require.EqualValues(t, 3, quote.RequestCount)
	require.EqualValues(t, 1, quote.ErrorCount)
	require.InDelta(t, 1.0/3.0, quote.ErrorRate, 1e-9)

	require.NoError(t, svc.ResetPerformanceMetrics())
	metrics, err = svc.GetPerformanceMetrics()
	require.NoError(t, err)
	require.Empty(t, metrics)
}

func TestServiceGetDataStreamUsesPushStrategy(t *testing.T) {
	push := newStubStrategy("ticker", feed.FamilyPush, 80, feed.DataTypeQuote)
	source := feed.NewStream(4)
	push.streamFn = func(context.Context, feed.Request) (*feed.Stream, error) {
		return source, nil
	}

	svc := newTestService(t, testConfig(), WithStrategy(push))

	stream, err := svc.GetDataStream(context.Background(), feed.DataTypeQuote, "sh600000")
	require.NoError(t, err)
	require.Same(t, source, stream)

	item := quoteItem("sh600000", "ticker", time.Now())
	require.True(t, source.Publish(*item))

	select {
	case got, ok := <-stream.Items():
		require.True(t, ok)
		require.Equal(t, item.ID, got.ID)
		require.Equal(t, "ticker", got.Source)
	case <-time.After(time.Second):
		t.Fatal("no item arrived on the push stream")
	}
	source.Close()
}

func TestServiceGetDataStreamFallsBackToPolling(t *testing.T) {
	cfg := testConfig()
	cfg.Polling.Tasks = []config.PollingTaskConfig{
		{DataType: "quote", Interval: config.Duration{Duration: 25 * time.Millisecond}},
	}

	poller := newStubStrategy("poller", feed.FamilyOnDemand, 60, feed.DataTypeQuote)
	poller.serveQuotes("poller")

	svc := newTestService(t, cfg, WithStrategy(poller))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := svc.GetDataStream(ctx, feed.DataTypeQuote, "sh600000")
	require.NoError(t, err)

	var got []feed.Item
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case item, ok := <-stream.Items():
			require.True(t, ok)
			got = append(got, item)
		case <-timeout:
			t.Fatalf("only %d items arrived on the poll-backed stream", len(got))
		}
	}
	require.Equal(t, "poller", got[0].Source)
	require.True(t, got[1].Timestamp.After(got[0].Timestamp))

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-stream.Items():
			if !ok {
				require.ErrorIs(t, stream.Err(), context.Canceled)
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
	}
}

func TestServiceStopClosesPollBackedStreams(t *testing.T) {
	cfg := testConfig()
	cfg.Polling.Tasks = []config.PollingTaskConfig{
		{DataType: "quote", Interval: config.Duration{Duration: 25 * time.Millisecond}},
	}
	poller := newStubStrategy("poller", feed.FamilyOnDemand, 60, feed.DataTypeQuote)
	poller.serveQuotes("poller")
	svc := newTestService(t, cfg, WithStrategy(poller))
	require.NoError(t, svc.Start(context.Background()))

	stream, err := svc.GetDataStream(context.Background(), feed.DataTypeQuote, "sh600000")
	require.NoError(t, err)

	select {
	case _, ok := <-stream.Items():
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("no item arrived before stop")
	}

	require.NoError(t, svc.Stop())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-stream.Items():
			if !ok {
				require.NoError(t, stream.Err())
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after service stop")
		}
	}
}

func TestServiceStartPumpsPushItemsIntoCache(t *testing.T) {
	source := feed.NewStream(4)
	push := newStubStrategy("ticker", feed.FamilyPush, 80, feed.DataTypeQuote)
	push.streamFn = func(context.Context, feed.Request) (*feed.Stream, error) {
		return source, nil
	}

	svc := newTestService(t, testConfig(), WithStrategy(push))
	require.NoError(t, svc.Start(context.Background()))

	item := quoteItem("sh600000", "ticker", time.Now())
	require.True(t, source.Publish(*item))

	require.Eventually(t, func() bool {
		cached, err := svc.GetCachedData(feed.DataTypeQuote, "sh600000")
		return err == nil && cached != nil && cached.ID == item.ID
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Stop())
}

func TestServiceBuildsConfiguredStrategies(t *testing.T) {
	cfg := testConfig()
	cfg.Strategies = []config.StrategyConfig{
		{ID: "alpha", Driver: "stub", Priority: 90, DataTypes: []string{"quote"}},
		{ID: "beta", Driver: "stub", Priority: 50, DataTypes: []string{"quote"}, Disabled: true},
	}

	var built []string
	factory := func(sc config.StrategyConfig, _ feed.Dependencies, _ zerolog.Logger) (feed.Strategy, error) {
		built = append(built, sc.ID)
		st := newStubStrategy(sc.ID, feed.FamilyOnDemand, sc.Priority, feed.DataTypeQuote)
		st.serveQuotes(sc.ID)
		return st, nil
	}

	svc := newTestService(t, cfg, WithStrategyFactory("stub", factory))

	// Disabled entries never reach the factory.
	require.Equal(t, []string{"alpha"}, built)

	stats, err := svc.GetRoutingStats()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, "alpha", stats[0].Strategy)
}

func TestServiceNewRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Strategies = []config.StrategyConfig{
		{ID: "alpha", Driver: "nope", Priority: 90, DataTypes: []string{"quote"}},
	}
	_, err := New(cfg, zerolog.New(io.Discard), telemetry.Noop())
	require.Error(t, err)
	require.Contains(t, err.Error(), `no factory registered for driver "nope"`)
}

func TestServiceNewWrapsFactoryError(t *testing.T) {
	cfg := testConfig()
	cfg.Strategies = []config.StrategyConfig{
		{ID: "alpha", Driver: "stub", Priority: 90, DataTypes: []string{"quote"}},
	}
	factory := func(config.StrategyConfig, feed.Dependencies, zerolog.Logger) (feed.Strategy, error) {
		return nil, errors.New("bad settings block")
	}
	_, err := New(cfg, zerolog.New(io.Discard), telemetry.Noop(), WithStrategyFactory("stub", factory))
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad settings block")
}

func TestServiceHealthStatus(t *testing.T) {
	st := newStubStrategy("primary", feed.FamilyOnDemand, 100, feed.DataTypeQuote)
	st.serveQuotes("primary")
	svc := newTestService(t, testConfig(), WithStrategy(st))

	health, err := svc.GetHealthStatus()
	require.NoError(t, err)
	require.Equal(t, string(StateReady), health.State)
	require.False(t, health.Healthy)

	require.NoError(t, svc.Start(context.Background()))
	health, err = svc.GetHealthStatus()
	require.NoError(t, err)
	require.Equal(t, string(StateRunning), health.State)
	require.True(t, health.Healthy)
	require.Equal(t, 1, health.AvailableStrategies)
	require.Len(t, health.Strategies, 1)
	require.Equal(t, "primary", health.Strategies[0].Strategy)
	require.True(t, health.Network.Connected)
	require.Greater(t, health.BatchSize, 0)
	require.False(t, health.CheckedAt.IsZero())

	require.NoError(t, svc.Stop())
	health, err = svc.GetHealthStatus()
	require.NoError(t, err)
	require.Equal(t, string(StateStopped), health.State)
	require.False(t, health.Healthy)
}

func TestServiceStoreDataValidates(t *testing.T) {
	svc := newTestService(t, testConfig())

	require.Error(t, svc.StoreData(nil))
	require.Error(t, svc.StoreData(&feed.Item{DataType: feed.DataTypeQuote}))

	item := quoteItem("sh600000", "manual", time.Now())
	require.NoError(t, svc.StoreData(item))
	cached, err := svc.GetCachedData(feed.DataTypeQuote, "sh600000")
	require.NoError(t, err)
	require.NotNil(t, cached)
	require.Equal(t, item.ID, cached.ID)

	missing, err := svc.GetCachedData(feed.DataTypeQuote, "sh600001")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestServiceNetworkRecoveryNudgesPolling(t *testing.T) {
	prober := &scriptedProber{}
	prober.set(errors.New("link down"))

	cfg := testConfig()
	cfg.Polling.Tick = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Network.ProbeInterval = config.Duration{Duration: 15 * time.Millisecond}
	cfg.Network.StabilityWindow = 2
	cfg.Network.QualityThreshold = 0.5
	cfg.Polling.Tasks = []config.PollingTaskConfig{
		{DataType: "quote", Interval: config.Duration{Duration: time.Hour}},
	}

	st := newStubStrategy("primary", feed.FamilyOnDemand, 100, feed.DataTypeQuote)
	st.serveQuotes("primary")
	svc := newTestService(t, cfg, WithStrategy(st), WithProber(prober))
	require.NoError(t, svc.Start(context.Background()))

	fires := func() uint64 {
		tasks, err := svc.PollingTasks()
		if err != nil || len(tasks) != 1 {
			return 0
		}
		return tasks[0].Fires
	}

	// The task fires once on registration, then not again for an hour.
	require.Eventually(t, func() bool { return fires() >= 1 }, 2*time.Second, 10*time.Millisecond)

	status, err := svc.GetNetworkStatus()
	require.NoError(t, err)
	require.False(t, status.Connected)

	// Recovery makes the task due immediately.
	prober.set(nil)
	require.Eventually(t, func() bool { return fires() >= 2 }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		status, err := svc.GetNetworkStatus()
		return err == nil && status.Connected && status.Stable
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Stop())
}

func TestServiceBatchSizeControls(t *testing.T) {
	svc := newTestService(t, testConfig())

	applied, err := svc.SetBatchSize(32, "")
	require.NoError(t, err)
	require.Equal(t, 32, applied)

	fs, err := svc.FlowStatus()
	require.NoError(t, err)
	require.Equal(t, 32, fs.Sizing.CurrentSize)

	// Out-of-range requests clamp to the profile bounds.
	applied, err = svc.SetBatchSize(1, "load test")
	require.NoError(t, err)
	require.Equal(t, 8, applied)
	applied, err = svc.SetBatchSize(100000, "load test")
	require.NoError(t, err)
	require.Equal(t, 256, applied)

	require.NoError(t, svc.Close())
	_, err = svc.SetBatchSize(16, "")
	require.True(t, IsStateError(err))
}

func TestServicePollingAdministration(t *testing.T) {
	svc := newTestService(t, testConfig())

	_, err := svc.AddPollingTask("", time.Second)
	require.Error(t, err)

	id, err := svc.AddPollingTask(feed.DataTypeQuote, 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "poll-quote", id)

	tasks, err := svc.PollingTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, feed.DataTypeQuote, tasks[0].DataType)
	require.True(t, tasks[0].Enabled)

	require.NoError(t, svc.AdjustPollingFrequency(id, 100*time.Millisecond))
	require.Error(t, svc.AdjustPollingFrequency("poll-nope", 100*time.Millisecond))

	require.NoError(t, svc.SetPollingEnabled(id, false))
	tasks, err = svc.PollingTasks()
	require.NoError(t, err)
	require.False(t, tasks[0].Enabled)

	require.NoError(t, svc.PausePolling())
	ctrl, err := svc.PollingControl()
	require.NoError(t, err)
	require.Equal(t, ControlModePause, ctrl.Mode)

	require.NoError(t, svc.ResumePolling())
	require.NoError(t, svc.SetPollingTick(50*time.Millisecond))
	ctrl, err = svc.PollingControl()
	require.NoError(t, err)
	require.Equal(t, 50*time.Millisecond, ctrl.Tick)
	require.Error(t, svc.SetPollingTick(0))

	require.NoError(t, svc.Close())
	_, err = svc.PollingTasks()
	require.True(t, IsStateError(err))
}
