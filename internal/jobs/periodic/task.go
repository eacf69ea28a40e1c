// Package periodic runs engine maintenance on a ticker.
//
// Runs never overlap: the loop executes one run at a time and ticks that fire
// while a run is in progress are dropped. Stop cancels the run context and
// waits a bounded time; a run that ignores cancellation is abandoned and the
// loop it belongs to is never rescheduled. A later Start waits for the
// abandoned run to return before its own first run.
package periodic

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

type Func func(ctx context.Context) error

type Task struct {
	name      string
	fn        Func
	immediate bool
	logger    *log.Logger

	interval  atomic.Int64
	resetCh   chan struct{}
	triggerCh chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stale   chan struct{} // loop of the last abandoned run, closed when it returns
	running atomic.Bool

	lastRun   atomic.Int64
	lastErr   atomic.Value
	runs      atomic.Uint64
	failures  atomic.Uint64
	abandoned atomic.Bool
}

type Option func(*Task)

// RunImmediately makes Start execute fn once before waiting for the first tick.
func RunImmediately() Option {
	return func(t *Task) {
		t.immediate = true
	}
}

func WithLogger(l *log.Logger) Option {
	return func(t *Task) {
		if l != nil {
			t.logger = l
		}
	}
}

func New(name string, interval time.Duration, fn Func, opts ...Option) *Task {
	t := &Task{
		name:      name,
		fn:        fn,
		logger:    log.Default(),
		resetCh:   make(chan struct{}, 1),
		triggerCh: make(chan struct{}, 1),
	}
	if interval <= 0 {
		interval = time.Second
	}
	t.interval.Store(int64(interval))
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Task) Name() string {
	return t.name
}

func (t *Task) Interval() time.Duration {
	return time.Duration(t.interval.Load())
}

// Start launches the loop. Calling Start on a started task is a no-op.
func (t *Task) Start(parent context.Context) {
	if parent == nil {
		parent = context.Background()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	if t.stale != nil && closed(t.stale) {
		t.stale = nil
	}
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.abandoned.Store(t.stale != nil)
	go t.loop(ctx, t.stale, t.done)
}

// Stop cancels the loop and waits up to timeout for the current run to end.
// It reports whether the loop exited in time.
func (t *Task) Stop(timeout time.Duration) bool {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return true
	}
	cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		t.mu.Lock()
		t.stale = done
		t.mu.Unlock()
		t.abandoned.Store(true)
		t.logger.Warn("Periodic task did not stop in time, abandoning", "task", t.name, "timeout", timeout)
		return false
	}
}

// Trigger asks for a run as soon as the loop is idle. Triggers received while
// one is already pending collapse into it.
func (t *Task) Trigger() {
	select {
	case t.triggerCh <- struct{}{}:
	default:
	}
}

// SetInterval changes the tick period of a running or future loop.
func (t *Task) SetInterval(d time.Duration) {
	if d <= 0 || time.Duration(t.interval.Swap(int64(d))) == d {
		return
	}
	select {
	case t.resetCh <- struct{}{}:
	default:
	}
}

func (t *Task) Stats() Stats {
	s := Stats{
		Name:      t.name,
		Interval:  t.Interval(),
		Running:   t.running.Load(),
		Runs:      t.runs.Load(),
		Failures:  t.failures.Load(),
		Abandoned: t.abandoned.Load(),
	}
	if ts := t.lastRun.Load(); ts > 0 {
		s.LastRun = time.Unix(0, ts)
	}
	if msg, ok := t.lastErr.Load().(string); ok {
		s.LastError = msg
	}
	return s
}

type Stats struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Running   bool          `json:"running"`
	Runs      uint64        `json:"runs"`
	Failures  uint64        `json:"failures"`
	LastRun   time.Time     `json:"last_run"`
	LastError string        `json:"last_error,omitempty"`
	Abandoned bool          `json:"abandoned"`
}

func (t *Task) loop(ctx context.Context, prev <-chan struct{}, done chan struct{}) {
	defer close(done)

	if prev != nil {
		select {
		case <-ctx.Done():
			return
		case <-prev:
			t.abandoned.Store(false)
		}
	}

	ticker := time.NewTicker(t.Interval())
	defer ticker.Stop()

	if t.immediate {
		t.runOnce(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.runOnce(ctx)
		case <-t.triggerCh:
			t.runOnce(ctx)
		case <-t.resetCh:
			drainTicker(ticker)
			ticker.Reset(t.Interval())
		}
	}
}

func (t *Task) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	t.running.Store(true)
	defer t.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			t.failures.Add(1)
			t.lastErr.Store("panic")
			t.logger.Error("Periodic task panicked", "task", t.name, "panic", r)
		}
	}()

	start := time.Now()
	err := t.fn(ctx)
	t.runs.Add(1)
	t.lastRun.Store(start.UnixNano())
	if err != nil {
		t.failures.Add(1)
		t.lastErr.Store(err.Error())
		if ctx.Err() == nil {
			t.logger.Error("Periodic task failed", "task", t.name, "error", err)
		}
		return
	}
	t.lastErr.Store("")
	t.logger.Debug("Periodic task completed", "task", t.name, "duration", time.Since(start))
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func drainTicker(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
		default:
			return
		}
	}
}
