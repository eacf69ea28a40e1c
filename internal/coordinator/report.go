package coordinator

import (
	"context"
	"fmt"
	"time"
)

const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

type ServiceHealth struct {
	Status  string `json:"status"`
	Enabled bool   `json:"enabled"`
	Error   string `json:"error,omitempty"`
}

type HealthReport struct {
	Overall   string                   `json:"overall"`
	Services  map[string]ServiceHealth `json:"services"`
	Issues    []string                 `json:"issues"`
	Instances int                      `json:"instances,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

// HealthCheck probes every registered engine. Disabled engines are reported
// but never counted as issues.
func (c *Coordinator) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{
		Overall:   HealthHealthy,
		Services:  make(map[string]ServiceHealth),
		Issues:    []string{},
		Timestamp: c.now(),
	}

	for _, id := range StartupOrder() {
		e := c.entry(id)
		if e == nil {
			continue
		}
		name := id.String()

		c.mu.RLock()
		state := e.state
		c.mu.RUnlock()

		switch {
		case state == StateDisabled:
			report.Services[name] = ServiceHealth{Status: StateDisabled.String()}
			continue
		case !state.active():
			report.Services[name] = ServiceHealth{Status: StateNotLoaded.String(), Enabled: true}
			report.Issues = append(report.Issues, fmt.Sprintf("%s is enabled but not loaded", name))
			continue
		}

		healthy, err := c.probe(ctx, e)
		switch {
		case err != nil:
			report.Services[name] = ServiceHealth{Status: "error", Enabled: true, Error: err.Error()}
			report.Issues = append(report.Issues, fmt.Sprintf("%s health check failed: %v", name, err))
			c.setState(e, StateUnhealthy, err)
		case healthy:
			report.Services[name] = ServiceHealth{Status: HealthHealthy, Enabled: true}
			c.setState(e, StateRunning, nil)
		default:
			report.Services[name] = ServiceHealth{Status: HealthUnhealthy, Enabled: true}
			report.Issues = append(report.Issues, fmt.Sprintf("%s is unhealthy", name))
			c.setState(e, StateUnhealthy, nil)
		}
	}

	switch n := len(report.Issues); {
	case n == 0:
	case n <= maxDegradedIssues:
		report.Overall = HealthDegraded
	default:
		report.Overall = HealthUnhealthy
	}

	if c.redis != nil {
		if n, err := CountActiveInstances(ctx, c.redis); err == nil {
			report.Instances = n
		} else {
			c.logger.Debug("Failed to count control-plane instances", "error", err)
		}
	}
	return report
}

// probe runs the engine's own health check with a bounded wait, falling
// back to its initialized flag.
func (c *Coordinator) probe(ctx context.Context, e *entry) (healthy bool, err error) {
	checker, ok := e.engine.(HealthChecker)
	if !ok {
		err = safeCall(func() error {
			healthy = e.engine.Initialized()
			return nil
		})
		return healthy, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	type result struct {
		healthy bool
		err     error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		r.err = safeCall(func() error {
			r.healthy = checker.HealthCheck(probeCtx)
			return nil
		})
		done <- r
	}()

	select {
	case r := <-done:
		if probeCtx.Err() == nil || r.err != nil {
			return r.healthy, r.err
		}
	case <-probeCtx.Done():
	}
	return false, fmt.Errorf("health probe timed out after %s", c.probeTimeout)
}

type ServiceStatus struct {
	Name        string     `json:"name"`
	Enabled     bool       `json:"enabled"`
	Running     bool       `json:"running"`
	Initialized bool       `json:"initialized"`
	State       State      `json:"status"`
	ErrorCount  int        `json:"error_count"`
	LastError   string     `json:"last_error,omitempty"`
	LastCheck   time.Time  `json:"last_check"`
	LastRestart *time.Time `json:"last_restart,omitempty"`
}

type StatusReport struct {
	ManagerInitialized bool                     `json:"manager_initialized"`
	Services           map[string]ServiceStatus `json:"services"`
	TotalServices      int                      `json:"total_services"`
	RunningServices    int                      `json:"running_services"`
	LastCheck          time.Time                `json:"last_check"`
}

// Status reports the recorded state of every registered engine without
// probing them.
func (c *Coordinator) Status() StatusReport {
	c.mu.RLock()
	defer c.mu.RUnlock()

	report := StatusReport{
		ManagerInitialized: c.initialized,
		Services:           make(map[string]ServiceStatus, len(c.entries)),
		LastCheck:          c.now(),
	}
	for _, id := range StartupOrder() {
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		status := ServiceStatus{
			Name:        id.String(),
			Enabled:     e.state != StateDisabled,
			Running:     e.state.active(),
			Initialized: e.state.active(),
			State:       e.state,
			ErrorCount:  e.errorCount,
			LastError:   e.lastError,
			LastCheck:   e.lastCheck,
			LastRestart: e.lastRestart,
		}
		report.Services[status.Name] = status
		report.TotalServices++
		if status.Running {
			report.RunningServices++
		}
	}
	return report
}

type MetricsReport struct {
	Services  map[string]any `json:"services"`
	Timestamp time.Time      `json:"timestamp"`
}

// Metrics collects every active engine's statistics. A failing engine
// contributes an error entry instead of failing the report.
func (c *Coordinator) Metrics(ctx context.Context) MetricsReport {
	report := MetricsReport{
		Services:  make(map[string]any),
		Timestamp: c.now(),
	}
	for _, id := range StartupOrder() {
		e := c.entry(id)
		if e == nil || e.stats == nil {
			continue
		}
		c.mu.RLock()
		active := e.state.active()
		c.mu.RUnlock()
		if !active {
			continue
		}

		var stats any
		err := safeCall(func() error {
			var err error
			stats, err = e.stats(ctx)
			return err
		})
		if err != nil {
			report.Services[id.String()] = map[string]string{"error": err.Error()}
			continue
		}
		report.Services[id.String()] = stats
	}
	return report
}
