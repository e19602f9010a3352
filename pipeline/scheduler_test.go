package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/feed"
)

func newTestScheduler(fetch FetchFunc, tick time.Duration) *Scheduler {
	cfg := config.PollingConfig{Tick: config.Duration{Duration: tick}}
	return NewScheduler(cfg, 2, fetch, nil, zerolog.New(io.Discard))
}

func noopFetch(context.Context, feed.DataType) error { return nil }

func TestPollControlRunModeTicks(t *testing.T) {
	c := newPollControl(10 * time.Millisecond)
	_, err := c.Wait(context.Background())
	require.NoError(t, err)
}

func TestPollControlPauseBlocksUntilStep(t *testing.T) {
	c := newPollControl(time.Millisecond)
	c.SetMode(ControlModePause)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	c.Step()
	_, err = c.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, ControlModePause, c.Status().Mode)
}

func TestPollControlKickShortCircuitsRunMode(t *testing.T) {
	c := newPollControl(time.Hour)
	c.Kick()
	start := time.Now()
	_, err := c.Wait(context.Background())
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)

	// A kick never overrides a pause.
	c.SetMode(ControlModePause)
	c.Kick()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPollControlSetInterval(t *testing.T) {
	c := newPollControl(time.Hour)

	done := make(chan error, 1)
	go func() {
		_, err := c.Wait(context.Background())
		done <- err
	}()
	// Give the waiter time to park on the hour-long timer, then shrink it.
	time.Sleep(20 * time.Millisecond)
	c.SetInterval(10 * time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not pick up the shorter tick")
	}

	// Non-positive intervals are ignored.
	c.SetInterval(0)
	require.Equal(t, 10*time.Millisecond, c.Status().Tick)
}

func TestPollControlDefaultsTick(t *testing.T) {
	c := newPollControl(0)
	status := c.Status()
	require.Equal(t, config.DefaultTick, status.Tick)
	require.Equal(t, ControlModeRun, status.Mode)
	require.Equal(t, config.DefaultTick.String(), status.TickText)
}

func TestSchedulerAddTaskMergesDuplicates(t *testing.T) {
	s := newTestScheduler(noopFetch, time.Hour)

	id := s.AddTask(feed.DataTypeQuote, 100*time.Millisecond)
	require.Equal(t, "poll-quote", id)

	// A faster duplicate tightens the cadence; a slower one is ignored.
	require.Equal(t, id, s.AddTask(feed.DataTypeQuote, 50*time.Millisecond))
	require.Equal(t, id, s.AddTask(feed.DataTypeQuote, 200*time.Millisecond))

	statuses := s.TaskStatuses()
	require.Len(t, statuses, 1)
	require.Equal(t, 50*time.Millisecond, statuses[0].Interval)
	require.EqualValues(t, 50, statuses[0].IntervalMS)
	require.Equal(t, "50ms", statuses[0].IntervalText)
}

func TestSchedulerAddTaskDefaultsInterval(t *testing.T) {
	s := newTestScheduler(noopFetch, time.Hour)
	s.AddTask(feed.DataTypeQuote, 0)

	statuses := s.TaskStatuses()
	require.Len(t, statuses, 1)
	require.Equal(t, config.DefaultPollingInterval("quote"), statuses[0].Interval)
}

func TestSchedulerFireBookkeeping(t *testing.T) {
	var mu sync.Mutex
	fetchErr := errors.New("boom")
	fetch := func(context.Context, feed.DataType) error {
		mu.Lock()
		defer mu.Unlock()
		return fetchErr
	}
	s := newTestScheduler(fetch, time.Hour)
	s.AddTask(feed.DataTypeQuote, 50*time.Millisecond)

	now := time.Now()
	due := s.collectDue(now)
	require.Len(t, due, 1)

	// The in-flight guard keeps a second pass off the same task.
	require.Empty(t, s.collectDue(now))

	require.Equal(t, 1, s.fire(context.Background(), due[0]))
	status := s.TaskStatuses()[0]
	require.EqualValues(t, 1, status.Fires)
	require.EqualValues(t, 1, status.Failures)
	require.Equal(t, "boom", status.LastError)
	require.False(t, status.InFlight)
	require.False(t, status.LastRun.IsZero())

	// A failure keeps the cadence rather than rescheduling eagerly.
	due = s.collectDue(now.Add(60 * time.Millisecond))
	require.Len(t, due, 1)

	// A later success clears the error.
	mu.Lock()
	fetchErr = nil
	mu.Unlock()
	require.Equal(t, 0, s.fire(context.Background(), due[0]))
	status = s.TaskStatuses()[0]
	require.EqualValues(t, 2, status.Fires)
	require.EqualValues(t, 1, status.Failures)
	require.Empty(t, status.LastError)
}

func TestSchedulerAdjustFrequencyPullsFireForward(t *testing.T) {
	s := newTestScheduler(noopFetch, time.Hour)
	id := s.AddTask(feed.DataTypeQuote, time.Hour)

	due := s.collectDue(time.Now())
	require.Len(t, due, 1)
	require.Equal(t, 0, s.fire(context.Background(), due[0]))

	// The next fire sat an hour out; shortening the interval pulls it in.
	require.NoError(t, s.AdjustFrequency(id, 20*time.Millisecond))
	status := s.TaskStatuses()[0]
	require.True(t, status.NextRun.Before(time.Now().Add(time.Second)))

	require.Error(t, s.AdjustFrequency("poll-nope", time.Second))
	require.Error(t, s.AdjustFrequency(id, 0))
}

func TestSchedulerSetEnabled(t *testing.T) {
	s := newTestScheduler(noopFetch, time.Hour)
	id := s.AddTask(feed.DataTypeQuote, 10*time.Millisecond)

	require.NoError(t, s.SetEnabled(id, false))
	require.Empty(t, s.collectDue(time.Now().Add(time.Second)))

	// Re-enabling makes the task due immediately.
	require.NoError(t, s.SetEnabled(id, true))
	require.Len(t, s.collectDue(time.Now()), 1)

	require.Error(t, s.SetEnabled("poll-nope", true))
}

func TestSchedulerNudgeMakesEnabledTasksDue(t *testing.T) {
	s := newTestScheduler(noopFetch, time.Hour)
	s.AddTask(feed.DataTypeQuote, time.Hour)
	idx := s.AddTask(feed.DataTypeIndex, time.Hour)
	require.NoError(t, s.SetEnabled(idx, false))

	due := s.collectDue(time.Now())
	require.Len(t, due, 1)
	require.Equal(t, 0, s.fire(context.Background(), due[0]))
	require.Empty(t, s.collectDue(time.Now()))

	s.Nudge()
	due = s.collectDue(time.Now())
	require.Len(t, due, 1)
	require.Equal(t, feed.DataTypeQuote, due[0].dataType)
}

func TestSchedulerRunFiresTasks(t *testing.T) {
	var count atomic.Int64
	fetch := func(context.Context, feed.DataType) error {
		count.Add(1)
		return nil
	}
	s := newTestScheduler(fetch, 10*time.Millisecond)
	s.AddTask(feed.DataTypeQuote, 15*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return count.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	statuses := s.TaskStatuses()
	require.Len(t, statuses, 1)
	require.GreaterOrEqual(t, statuses[0].Fires, uint64(3))
}

func TestSchedulerPauseAndStep(t *testing.T) {
	var count atomic.Int64
	fetch := func(context.Context, feed.DataType) error {
		count.Add(1)
		return nil
	}
	s := newTestScheduler(fetch, 10*time.Millisecond)
	s.AddTask(feed.DataTypeQuote, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return count.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	s.Pause()
	time.Sleep(50 * time.Millisecond) // drain the in-flight pass
	base := count.Load()
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, base, count.Load())

	// One step executes exactly one pass and stays paused.
	s.Step()
	require.Eventually(t, func() bool { return count.Load() == base+1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, base+1, count.Load())

	s.Resume()
	require.Eventually(t, func() bool { return count.Load() > base+1 }, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerBuildsConfiguredTasks(t *testing.T) {
	cfg := config.PollingConfig{
		Tick: config.Duration{Duration: 250 * time.Millisecond},
		Tasks: []config.PollingTaskConfig{
			{DataType: "quote", Interval: config.Duration{Duration: 5 * time.Second}},
			{DataType: "index", Disabled: true},
		},
	}
	s := NewScheduler(cfg, 2, noopFetch, nil, zerolog.New(io.Discard))

	statuses := s.TaskStatuses()
	require.Len(t, statuses, 2)
	require.Equal(t, "poll-index", statuses[0].ID)
	require.False(t, statuses[0].Enabled)
	require.Equal(t, 30*time.Second, statuses[0].Interval)
	require.Equal(t, "poll-quote", statuses[1].ID)
	require.True(t, statuses[1].Enabled)
	require.Equal(t, 5*time.Second, statuses[1].Interval)
}
