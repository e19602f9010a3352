package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/139QQ/Baostock-sub004/config"
	"github.com/139QQ/Baostock-sub004/feed"
	"github.com/139QQ/Baostock-sub004/telemetry"
)

// ControlMode selects how the scheduler advances: continuously on its tick
// or manually, one pass per step.
type ControlMode string

const (
	ControlModeRun   ControlMode = "run"
	ControlModePause ControlMode = "pause"
)

// ControlStatus describes the scheduler control loop for the live view.
type ControlStatus struct {
	Mode     ControlMode   `json:"mode"`
	Tick     time.Duration `json:"tick"`
	TickMS   int64         `json:"tick_ms"`
	TickText string        `json:"tick_text"`
}

// pollControl gates scheduler passes. In run mode Wait returns once per
// tick; in pause mode it returns only on an explicit step. Kick
// short-circuits the run-mode timer without overriding a pause.
type pollControl struct {
	mu     sync.RWMutex
	mode   ControlMode
	tick   time.Duration
	notify chan struct{}
	step   chan struct{}
}

func newPollControl(tick time.Duration) *pollControl {
	if tick <= 0 {
		tick = config.DefaultTick
	}
	return &pollControl{
		mode:   ControlModeRun,
		tick:   tick,
		notify: make(chan struct{}, 1),
		step:   make(chan struct{}, 1),
	}
}

func (c *pollControl) Wait(ctx context.Context) (time.Time, error) {
	for {
		c.mu.RLock()
		mode := c.mode
		tick := c.tick
		c.mu.RUnlock()

		switch mode {
		case ControlModeRun:
			timer := time.NewTimer(tick)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return time.Time{}, ctx.Err()
			case <-timer.C:
				return time.Now(), nil
			case <-c.step:
				if !timer.Stop() {
					<-timer.C
				}
				return time.Now(), nil
			case <-c.notify:
				if !timer.Stop() {
					<-timer.C
				}
				continue
			}
		case ControlModePause:
			select {
			case <-ctx.Done():
				return time.Time{}, ctx.Err()
			case <-c.step:
				return time.Now(), nil
			case <-c.notify:
				continue
			}
		default:
			return time.Time{}, errors.New("unknown control mode")
		}
	}
}

func (c *pollControl) SetMode(mode ControlMode) {
	c.mu.Lock()
	if c.mode == mode {
		c.mu.Unlock()
		return
	}
	c.mode = mode
	c.mu.Unlock()
	c.signal()
}

func (c *pollControl) Step() {
	c.mu.Lock()
	c.mode = ControlModePause
	c.mu.Unlock()
	select {
	case c.step <- struct{}{}:
	default:
	}
}

func (c *pollControl) Kick() {
	c.mu.RLock()
	mode := c.mode
	c.mu.RUnlock()
	if mode != ControlModeRun {
		return
	}
	select {
	case c.step <- struct{}{}:
	default:
	}
}

func (c *pollControl) SetInterval(tick time.Duration) {
	if tick <= 0 {
		return
	}
	c.mu.Lock()
	if c.tick == tick {
		c.mu.Unlock()
		return
	}
	c.tick = tick
	c.mu.Unlock()
	c.signal()
}

func (c *pollControl) Status() ControlStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ControlStatus{
		Mode:     c.mode,
		Tick:     c.tick,
		TickMS:   int64(c.tick / time.Millisecond),
		TickText: c.tick.String(),
	}
}

func (c *pollControl) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// FetchFunc performs one polled acquisition for a data type.
type FetchFunc func(ctx context.Context, dataType feed.DataType) error

// TaskStatus is the diagnostic snapshot of one polling task.
type TaskStatus struct {
	ID           string        `json:"id"`
	DataType     feed.DataType `json:"data_type"`
	Interval     time.Duration `json:"interval"`
	IntervalMS   int64         `json:"interval_ms"`
	IntervalText string        `json:"interval_text"`
	Enabled      bool          `json:"enabled"`
	InFlight     bool          `json:"in_flight"`
	NextRun      time.Time     `json:"next_run"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	Fires        uint64        `json:"fires"`
	Failures     uint64        `json:"failures"`
}

type pollTask struct {
	id           string
	dataType     feed.DataType
	interval     time.Duration
	enabled      bool
	inFlight     bool
	nextRun      time.Time
	lastRun      time.Time
	lastDuration time.Duration
	lastError    string
	fires        uint64
	failures     uint64
}

// Scheduler fires one polled fetch per data type on that task's interval.
// At most one fire per task is in flight at any time; a fire that overruns
// its interval delays the next one instead of stacking. Due tasks within a
// pass run concurrently up to the worker slot count.
type Scheduler struct {
	fetch     FetchFunc
	slots     int
	control   *pollControl
	collector telemetry.Collector
	logger    zerolog.Logger
	now       func() time.Time

	mu     sync.Mutex
	tasks  []*pollTask
	byType map[feed.DataType]*pollTask
	byID   map[string]*pollTask
}

func NewScheduler(cfg config.PollingConfig, slots int, fetch FetchFunc, collector telemetry.Collector, logger zerolog.Logger) *Scheduler {
	if slots < 1 {
		slots = 1
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	s := &Scheduler{
		fetch:     fetch,
		slots:     slots,
		control:   newPollControl(cfg.Tick.Duration),
		collector: collector,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		now:       time.Now,
		byType:    make(map[feed.DataType]*pollTask),
		byID:      make(map[string]*pollTask),
	}
	for _, taskCfg := range cfg.Tasks {
		id := s.AddTask(feed.DataType(taskCfg.DataType), taskCfg.Interval.Duration)
		if taskCfg.Disabled {
			_ = s.SetEnabled(id, false)
		}
	}
	return s
}

// AddTask registers a polling task for the data type and returns its id.
// The scheduler keeps one task per data type: adding a duplicate merges by
// keeping the smaller interval and returns the existing id.
func (s *Scheduler) AddTask(dataType feed.DataType, interval time.Duration) string {
	if interval <= 0 {
		interval = config.DefaultPollingInterval(string(dataType))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byType[dataType]; ok {
		if interval < existing.interval {
			existing.interval = interval
			existing.nextRun = s.now()
			s.logger.Info().
				Str("task", existing.id).
				Dur("interval", interval).
				Msg("duplicate task merged to the faster cadence")
		}
		return existing.id
	}

	task := &pollTask{
		id:       "poll-" + string(dataType),
		dataType: dataType,
		interval: interval,
		enabled:  true,
		nextRun:  s.now(),
	}
	s.tasks = append(s.tasks, task)
	s.byType[dataType] = task
	s.byID[task.id] = task
	s.logger.Info().Str("task", task.id).Dur("interval", interval).Msg("polling task added")
	return task.id
}

// AdjustFrequency changes a task's interval. The change takes effect for
// the next fire; a shortened interval also pulls an already scheduled fire
// forward.
func (s *Scheduler) AdjustFrequency(id string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: interval must be positive, got %v", interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", id)
	}
	task.interval = interval
	if sooner := s.now().Add(interval); sooner.Before(task.nextRun) {
		task.nextRun = sooner
	}
	s.logger.Info().Str("task", id).Dur("interval", interval).Msg("polling frequency adjusted")
	return nil
}

// SetEnabled pauses or resumes a single task. Disabling stops future fires
// without touching other tasks; re-enabling makes the task due immediately.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", id)
	}
	if task.enabled == enabled {
		return nil
	}
	task.enabled = enabled
	if enabled {
		task.nextRun = s.now()
	}
	s.logger.Info().Str("task", id).Bool("enabled", enabled).Msg("polling task toggled")
	return nil
}

// Nudge makes every enabled task due now. The network monitor calls it when
// connectivity stabilises so stale data refreshes promptly.
func (s *Scheduler) Nudge() {
	now := s.now()
	s.mu.Lock()
	for _, task := range s.tasks {
		if task.enabled {
			task.nextRun = now
		}
	}
	s.mu.Unlock()
	s.control.Kick()
}

// Pause halts scheduling passes; Step executes exactly one while paused.
func (s *Scheduler) Pause()  { s.control.SetMode(ControlModePause) }
func (s *Scheduler) Resume() { s.control.SetMode(ControlModeRun) }
func (s *Scheduler) Step()   { s.control.Step() }

// SetTick changes the pass cadence; non-positive values are ignored.
func (s *Scheduler) SetTick(tick time.Duration) { s.control.SetInterval(tick) }

// ControlStatus reports the control loop mode and tick.
func (s *Scheduler) ControlStatus() ControlStatus { return s.control.Status() }

// TaskStatuses snapshots all tasks, ordered by id.
func (s *Scheduler) TaskStatuses() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, TaskStatus{
			ID:           task.id,
			DataType:     task.dataType,
			Interval:     task.interval,
			IntervalMS:   int64(task.interval / time.Millisecond),
			IntervalText: task.interval.String(),
			Enabled:      task.enabled,
			InFlight:     task.inFlight,
			NextRun:      task.nextRun,
			LastRun:      task.lastRun,
			LastDuration: task.lastDuration,
			LastError:    task.lastError,
			Fires:        task.fires,
			Failures:     task.failures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run executes scheduling passes until the context ends. Each pass collects
// the due tasks and fires them through a worker pool in the background, so
// one slow fetch can delay its own task but never the pass loop.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		if _, err := s.control.Wait(ctx); err != nil {
			return err
		}
		due := s.collectDue(s.now())
		if len(due) == 0 {
			continue
		}
		wg.Add(1)
		go func(batch []*pollTask) {
			defer wg.Done()
			runWorkerPool(ctx, s.slots, batch, s.fire)
		}(due)
	}
}

// collectDue marks due tasks in flight and schedules their next fire. The
// in-flight guard keeps overlapping passes off the same task.
func (s *Scheduler) collectDue(now time.Time) []*pollTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*pollTask
	for _, task := range s.tasks {
		if !task.enabled || task.inFlight || task.nextRun.After(now) {
			continue
		}
		task.inFlight = true
		task.nextRun = now.Add(task.interval)
		due = append(due, task)
	}
	return due
}

// fire executes one polled fetch and returns 1 on failure for the pool's
// error count.
func (s *Scheduler) fire(ctx context.Context, task *pollTask) int {
	start := s.now()
	err := s.fetch(ctx, task.dataType)
	elapsed := s.now().Sub(start)
	s.collector.IncPollFire(string(task.dataType))

	s.mu.Lock()
	task.inFlight = false
	task.lastRun = start
	task.lastDuration = elapsed
	task.fires++
	if err != nil {
		task.failures++
		task.lastError = err.Error()
	} else {
		task.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug().Err(err).Str("task", task.id).Msg("polled fetch failed")
		return 1
	}
	return 0
}
