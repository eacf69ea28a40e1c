package coordinator

import (
	"context"
	"fmt"
	"strings"
)

// EngineID identifies a managed engine. Values are in startup order.
type EngineID int

const (
	EngineAbuse EngineID = iota
	EngineAdmission
	EngineDNSOverride
	EngineBlocklist
)

var engineNames = [...]string{
	EngineAbuse:       "fail2ban_logger",
	EngineAdmission:   "connection_tracker",
	EngineDNSOverride: "dns_override",
	EngineBlocklist:   "blocklist",
}

// StartupOrder lists every engine in the order InitializeAll starts them.
func StartupOrder() []EngineID {
	return []EngineID{EngineAbuse, EngineAdmission, EngineDNSOverride, EngineBlocklist}
}

func (id EngineID) String() string {
	if id < 0 || int(id) >= len(engineNames) {
		return "unknown"
	}
	return engineNames[id]
}

func (id EngineID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *EngineID) UnmarshalText(b []byte) error {
	parsed, ok := ParseEngineID(string(b))
	if !ok {
		return fmt.Errorf("unknown engine %q", b)
	}
	*id = parsed
	return nil
}

// ParseEngineID accepts the service name or a short alias.
func ParseEngineID(name string) (EngineID, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "fail2ban_logger", "abuse", "fail2ban":
		return EngineAbuse, true
	case "connection_tracker", "admission", "connections":
		return EngineAdmission, true
	case "dns_override", "dns", "dns_manager":
		return EngineDNSOverride, true
	case "blocklist", "adblock", "adblock_manager":
		return EngineBlocklist, true
	}
	return 0, false
}

// Engine is the lifecycle every managed engine exposes.
type Engine interface {
	Enabled() bool
	Init(ctx context.Context) error
	Cleanup(ctx context.Context) error
	Initialized() bool
}

// HealthChecker is implemented by engines with their own health probe.
// Engines without one are judged by Initialized.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// StatsFunc returns an engine's statistics for Metrics.
type StatsFunc func(ctx context.Context) (any, error)

// State is the lifecycle state of one managed engine.
type State int

const (
	StateNotLoaded State = iota
	StateInitializing
	StateRunning
	StateUnhealthy
	StateStopped
	StateDisabled
)

var stateNames = [...]string{
	StateNotLoaded:    "not_loaded",
	StateInitializing: "initializing",
	StateRunning:      "running",
	StateUnhealthy:    "unhealthy",
	StateStopped:      "stopped",
	StateDisabled:     "disabled",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown engine state %q", b)
}

func (s State) active() bool {
	return s == StateRunning || s == StateUnhealthy
}
