// Package coordinator starts, stops and watches the policy engines.
//
// Engines are started one at a time in a fixed order and stopped in reverse.
// A failing engine never prevents the others from starting, and no
// coordinator operation lets an engine panic escape.
package coordinator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/domain"
	"github.com/Kavis1/enhanced-marzban/internal/metrics"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	defaultProbeTimeout = 5 * time.Second
	maxDegradedIssues   = 2
)

// StatusStore persists per-engine status rows.
type StatusStore interface {
	SaveServiceStatus(ctx context.Context, status domain.ServiceStatus) error
}

type entry struct {
	id     EngineID
	engine Engine
	stats  StatsFunc

	state       State
	lastError   string
	errorCount  int
	lastCheck   time.Time
	lastRestart *time.Time
}

type Coordinator struct {
	lifecycle sync.Mutex // serializes InitializeAll, CleanupAll and Restart

	mu          sync.RWMutex
	entries     map[EngineID]*entry
	initialized bool

	store        StatusStore
	redis        *redis.Client
	logger       *log.Logger
	now          func() time.Time
	probeTimeout time.Duration

	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}
}

type Option func(*Coordinator)

func WithStatusStore(s StatusStore) Option {
	return func(c *Coordinator) {
		c.store = s
	}
}

// WithRedis publishes an instance heartbeat carrying engine states.
func WithRedis(client *redis.Client) Option {
	return func(c *Coordinator) {
		c.redis = client
	}
}

func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.probeTimeout = d
		}
	}
}

func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		entries:      make(map[EngineID]*entry),
		logger:       log.Default().WithPrefix("coordinator"),
		now:          time.Now,
		probeTimeout: defaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds or replaces the engine for id. stats may be nil.
func (c *Coordinator) Register(id EngineID, engine Engine, stats StatsFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = &entry{id: id, engine: engine, stats: stats, state: StateNotLoaded}
}

// Outcome reports what InitializeAll did with one engine.
type Outcome struct {
	Engine EngineID `json:"engine"`
	State  State    `json:"state"`
	Error  string   `json:"error,omitempty"`
}

// InitializeAll starts every registered engine in startup order. Disabled
// engines are marked disabled; a failed engine is marked stopped and the
// rest still start.
func (c *Coordinator) InitializeAll(ctx context.Context) []Outcome {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.logger.Info("Initializing policy engines")
	var outcomes []Outcome
	for _, id := range StartupOrder() {
		e := c.entry(id)
		if e == nil {
			continue
		}
		outcomes = append(outcomes, c.start(ctx, e))
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	c.startHeartbeat(ctx)
	c.logger.Info("Policy engine initialization completed")
	return outcomes
}

// CleanupAll stops every active engine in reverse startup order.
func (c *Coordinator) CleanupAll(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.stopHeartbeat()
	c.logger.Info("Cleaning up policy engines")

	order := StartupOrder()
	slices.Reverse(order)
	for _, id := range order {
		e := c.entry(id)
		if e == nil {
			continue
		}
		c.stop(ctx, e)
	}

	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()
	c.logger.Info("Policy engine cleanup completed")
}

// Restart stops and starts one engine. The returned state is the engine's
// state afterwards; an error is only returned for an unregistered engine.
func (c *Coordinator) Restart(ctx context.Context, id EngineID) (Outcome, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	e := c.entry(id)
	if e == nil {
		return Outcome{Engine: id, State: StateNotLoaded}, fmt.Errorf("%w: engine %s is not registered", domain.ErrNotFound, id)
	}

	c.logger.Info("Restarting engine", "engine", id)
	c.stop(ctx, e)
	outcome := c.start(ctx, e)

	now := c.now()
	c.mu.Lock()
	e.lastRestart = &now
	c.mu.Unlock()
	c.persist(ctx, e)

	if outcome.State == StateRunning || outcome.State == StateDisabled {
		c.logger.Info("Engine restarted", "engine", id, "state", outcome.State)
	} else {
		c.logger.Error("Engine restart failed", "engine", id, "error", outcome.Error)
	}
	return outcome, nil
}

func (c *Coordinator) start(ctx context.Context, e *entry) Outcome {
	if !e.engine.Enabled() {
		c.setState(e, StateDisabled, nil)
		c.persist(ctx, e)
		c.logger.Info("Engine is disabled", "engine", e.id)
		return Outcome{Engine: e.id, State: StateDisabled}
	}

	c.setState(e, StateInitializing, nil)
	err := safeCall(func() error { return e.engine.Init(ctx) })
	if err != nil {
		c.setState(e, StateStopped, err)
		c.persist(ctx, e)
		c.logger.Warn("Engine initialization failed", "engine", e.id, "error", err)
		return Outcome{Engine: e.id, State: StateStopped, Error: err.Error()}
	}

	c.setState(e, StateRunning, nil)
	c.persist(ctx, e)
	c.logger.Info("Engine initialized", "engine", e.id)
	return Outcome{Engine: e.id, State: StateRunning}
}

func (c *Coordinator) stop(ctx context.Context, e *entry) {
	c.mu.RLock()
	state := e.state
	c.mu.RUnlock()
	if !state.active() && state != StateInitializing {
		return
	}

	if err := safeCall(func() error { return e.engine.Cleanup(ctx) }); err != nil {
		c.setState(e, StateStopped, err)
		c.logger.Error("Engine cleanup failed", "engine", e.id, "error", err)
	} else {
		c.setState(e, StateStopped, nil)
		c.logger.Info("Engine cleaned up", "engine", e.id)
	}
	c.persist(ctx, e)
}

func (c *Coordinator) entry(id EngineID) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[id]
}

func (c *Coordinator) setState(e *entry, state State, err error) {
	c.mu.Lock()
	e.state = state
	e.lastCheck = c.now()
	if err != nil {
		e.lastError = err.Error()
		e.errorCount++
	}
	c.mu.Unlock()

	up := 0.0
	if state == StateRunning {
		up = 1
	}
	metrics.EngineUp.WithLabelValues(e.id.String()).Set(up)
}

func (c *Coordinator) persist(ctx context.Context, e *entry) {
	if c.store == nil {
		return
	}
	c.mu.RLock()
	row := domain.ServiceStatus{
		ServiceName: e.id.String(),
		Enabled:     e.state != StateDisabled,
		Running:     e.state.active(),
		LastCheck:   e.lastCheck,
		LastRestart: e.lastRestart,
		ErrorCount:  e.errorCount,
		LastError:   e.lastError,
	}
	c.mu.RUnlock()

	if err := c.store.SaveServiceStatus(context.WithoutCancel(ctx), row); err != nil {
		c.logger.Warn("Failed to persist engine status", "engine", e.id, "error", err)
	}
}

// safeCall runs fn and turns a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
