package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/139QQ/Baostock-sub004/config"
)

// ErrRejected marks a chunk that the admission controller refused.
var ErrRejected = errors.New("admission rejected")

// Batch work runs at the bottom of the priority scale so interactive
// fetches shed it first under priority-based throttling.
const batchPriority = 1

// Worker processes one chunk. The passed context carries the per-chunk
// deadline; a worker that honours it makes timeouts recoverable.
type Worker[T any] func(ctx context.Context, chunk []T) error

// ChunkFailure records a chunk that stayed failed after all retries.
type ChunkFailure[T any] struct {
	Items    []T
	Err      error
	Attempts int
}

// Report summarises one Process run. Failed holds per-chunk failures; a
// failed chunk never hides the successes around it.
type Report[T any] struct {
	Total     int
	Succeeded []T
	Failed    []ChunkFailure[T]
	Duration  time.Duration
}

// AllSucceeded reports whether every item made it through.
func (r Report[T]) AllSucceeded() bool { return len(r.Failed) == 0 }

// Processor executes item slices in adaptively sized chunks, consulting
// admission control before each chunk and feeding every outcome back into
// the sizer.
type Processor struct {
	sizer    *Sizer
	admitter *Controller
	logger   zerolog.Logger

	maxRetries   int
	retryDelay   time.Duration
	chunkTimeout time.Duration
}

func NewProcessor(cfg config.BatchConfig, sizer *Sizer, admitter *Controller, logger zerolog.Logger) *Processor {
	return &Processor{
		sizer:        sizer,
		admitter:     admitter,
		logger:       logger.With().Str("component", "batch").Logger(),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay.Duration,
		chunkTimeout: cfg.ChunkTimeout.Duration,
	}
}

// Process splits items into chunks and runs them through the worker. The
// chunk width is re-read from the sizer before every chunk, so adjustments
// triggered mid-run take effect for the chunks still ahead. Only failed
// chunks are retried; completed ones never run twice. The returned error is
// non-nil only when the context ended before all chunks were attempted;
// partial failures are reported, not returned.
func Process[T any](ctx context.Context, p *Processor, items []T, worker Worker[T]) (Report[T], error) {
	start := time.Now()
	report := Report[T]{Total: len(items)}
	if len(items) == 0 {
		return report, nil
	}

	for offset := 0; offset < len(items); {
		if err := ctx.Err(); err != nil {
			report.Failed = append(report.Failed, ChunkFailure[T]{
				Items: append([]T(nil), items[offset:]...),
				Err:   err,
			})
			report.Duration = time.Since(start)
			return report, err
		}

		size := p.sizer.CurrentSize()
		if size < 1 {
			size = 1
		}
		end := offset + size
		if end > len(items) {
			end = len(items)
		}
		chunk := items[offset:end]

		if failure := runChunk(ctx, p, chunk, worker); failure != nil {
			report.Failed = append(report.Failed, *failure)
		} else {
			report.Succeeded = append(report.Succeeded, chunk...)
		}
		offset = end
	}

	report.Duration = time.Since(start)
	return report, nil
}

// runChunk drives one chunk through admission, execution, and retries.
// Admission rejections consume a retry attempt like worker failures do.
func runChunk[T any](ctx context.Context, p *Processor, chunk []T, worker Worker[T]) *ChunkFailure[T] {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.retryDelay); err != nil {
				lastErr = err
				break
			}
		}
		attempts++

		decision := p.admitter.ShouldProceed(batchPriority)
		if decision.Rejected {
			lastErr = fmt.Errorf("%w: %s", ErrRejected, decision.Reason)
			continue
		}
		if decision.Delay > 0 {
			if err := sleep(ctx, decision.Delay); err != nil {
				p.admitter.Done()
				lastErr = err
				break
			}
		}

		chunkStart := time.Now()
		err := runWorker(ctx, p.chunkTimeout, chunk, worker)
		p.admitter.Done()
		elapsed := time.Since(chunkStart)

		if err == nil {
			p.sizer.RecordOutcome(len(chunk), 0, elapsed)
			p.sizer.PerformAdjustment(p.admitter.Pressure())
			return nil
		}

		p.sizer.RecordOutcome(0, len(chunk), elapsed)
		p.sizer.PerformAdjustment(p.admitter.Pressure())
		lastErr = err
		p.logger.Warn().
			Err(err).
			Int("chunk_size", len(chunk)).
			Int("attempt", attempts).
			Msg("chunk failed")

		if ctx.Err() != nil {
			break
		}
	}

	return &ChunkFailure[T]{
		Items:    append([]T(nil), chunk...),
		Err:      lastErr,
		Attempts: attempts,
	}
}

// runWorker applies the per-chunk deadline.
func runWorker[T any](ctx context.Context, timeout time.Duration, chunk []T, worker Worker[T]) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return worker(ctx, chunk)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
