package flow

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/telemetry"
)

type batchHarness struct {
	processor *Processor
	sizer     *Sizer
	selector  *Selector
	mem       *memBox
}

// newBatchHarness pins the chunk width and keeps admission disabled unless
// the test raises the memory pressure.
func newBatchHarness(t *testing.T, batchCfg config.BatchConfig) *batchHarness {
	t.Helper()
	logger := zerolog.New(io.Discard)
	backCfg := admitCfg()
	mem := &memBox{}
	caps := StaticCapabilities{Score: 100, TotalMB: 8192, AvailableMB: 8192}
	detector := NewDetector(backCfg, caps, mem, nil, logger)
	selector := NewSelector(backCfg, logger)
	controller := NewController(backCfg, detector, selector, telemetry.Noop(), logger)
	sizer := NewSizer(batchCfg, caps, telemetry.Noop(), logger)
	return &batchHarness{
		processor: NewProcessor(batchCfg, sizer, controller, logger),
		sizer:     sizer,
		selector:  selector,
		mem:       mem,
	}
}

func pinnedBatchCfg(size int) config.BatchConfig {
	return config.BatchConfig{
		MinSize:          size,
		MaxSize:          size,
		InitialSize:      size,
		TargetThroughput: 50,
		TargetErrorRate:  0.05,
		DeadBand:         0.1,
		HistorySize:      16,
		MaxRetries:       1,
		RetryDelay:       config.Duration{Duration: time.Millisecond},
		ChunkTimeout:     config.Duration{Duration: time.Second},
	}
}

func sequence(n int) []int {
	items := make([]int, n)
	for i := range items {
		items[i] = i + 1
	}
	return items
}

func contains(chunk []int, v int) bool {
	for _, item := range chunk {
		if item == v {
			return true
		}
	}
	return false
}

func TestBatchPartialFailureIsolation(t *testing.T) {
	h := newBatchHarness(t, pinnedBatchCfg(20))
	worker := func(ctx context.Context, chunk []int) error {
		if contains(chunk, 53) {
			return errors.New("upstream refused")
		}
		return nil
	}

	report, err := Process(context.Background(), h.processor, sequence(100), worker)

	require.NoError(t, err)
	require.Equal(t, 100, report.Total)
	require.Len(t, report.Succeeded, 80)
	require.Len(t, report.Failed, 1)

	failed := report.Failed[0]
	require.Len(t, failed.Items, 20)
	require.Equal(t, 41, failed.Items[0])
	require.Equal(t, 60, failed.Items[19])
	require.Equal(t, 2, failed.Attempts)
	require.Error(t, failed.Err)

	// Items around the failed chunk are untouched by it.
	require.Equal(t, 40, report.Succeeded[39])
	require.Equal(t, 61, report.Succeeded[40])
	require.False(t, report.AllSucceeded())
}

func TestBatchRetryRecoversFlakyChunk(t *testing.T) {
	h := newBatchHarness(t, pinnedBatchCfg(10))
	var mu sync.Mutex
	failures := map[int]int{}
	worker := func(ctx context.Context, chunk []int) error {
		mu.Lock()
		defer mu.Unlock()
		first := chunk[0]
		failures[first]++
		if failures[first] == 1 {
			return errors.New("flaky")
		}
		return nil
	}

	report, err := Process(context.Background(), h.processor, sequence(30), worker)

	require.NoError(t, err)
	require.True(t, report.AllSucceeded())
	require.Len(t, report.Succeeded, 30)
}

func TestBatchChunkTimeoutIsRecoverable(t *testing.T) {
	cfg := pinnedBatchCfg(20)
	cfg.ChunkTimeout = config.Duration{Duration: 5 * time.Millisecond}
	h := newBatchHarness(t, cfg)

	worker := func(ctx context.Context, chunk []int) error {
		<-ctx.Done()
		return ctx.Err()
	}

	report, err := Process(context.Background(), h.processor, sequence(20), worker)

	require.NoError(t, err, "a chunk deadline must not abort the run")
	require.Len(t, report.Failed, 1)
	require.ErrorIs(t, report.Failed[0].Err, context.DeadlineExceeded)
	require.Equal(t, 2, report.Failed[0].Attempts)
}

func TestBatchRejectionConsumesAttempts(t *testing.T) {
	h := newBatchHarness(t, pinnedBatchCfg(10))
	for i := 0; i < minOutcomeSamples; i++ {
		h.selector.RecordOutcome(StrategyPriorityBased, 0.8, 0.05)
	}
	h.mem.Set(0.675) // priority cutoff above the batch priority

	worker := func(ctx context.Context, chunk []int) error { return nil }

	report, err := Process(context.Background(), h.processor, sequence(10), worker)

	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	require.ErrorIs(t, report.Failed[0].Err, ErrRejected)
	require.Equal(t, 2, report.Failed[0].Attempts)
	require.Empty(t, report.Succeeded)
}

func TestBatchContextCancellationFailsRemainder(t *testing.T) {
	h := newBatchHarness(t, pinnedBatchCfg(20))
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	worker := func(ctx context.Context, chunk []int) error {
		calls++
		if calls == 1 {
			cancel()
		}
		return nil
	}

	report, err := Process(ctx, h.processor, sequence(100), worker)

	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, report.Succeeded, 20)
	require.Len(t, report.Failed, 1)
	require.Len(t, report.Failed[0].Items, 80)
	require.ErrorIs(t, report.Failed[0].Err, context.Canceled)
}

func TestBatchEmptyInput(t *testing.T) {
	h := newBatchHarness(t, pinnedBatchCfg(10))

	report, err := Process(context.Background(), h.processor, nil, func(context.Context, []int) error {
		t.Fatal("worker must not run for empty input")
		return nil
	})

	require.NoError(t, err)
	require.Zero(t, report.Total)
	require.True(t, report.AllSucceeded())
}

func TestBatchReReadsSizeBetweenChunks(t *testing.T) {
	cfg := pinnedBatchCfg(20)
	cfg.MinSize = 5
	cfg.MaxSize = 40
	cfg.InitialSize = 20
	// A dead band this wide parks the automatic adjustment so only the
	// manual change below moves the size.
	cfg.DeadBand = 1e12
	h := newBatchHarness(t, cfg)

	var widths []int
	worker := func(ctx context.Context, chunk []int) error {
		widths = append(widths, len(chunk))
		if len(widths) == 1 {
			h.sizer.ManualAdjust(40, "test")
		}
		return nil
	}

	report, err := Process(context.Background(), h.processor, sequence(100), worker)

	require.NoError(t, err)
	require.True(t, report.AllSucceeded())
	require.Equal(t, []int{20, 40, 40}, widths)
}
