package config

import (
	"sync"
	"time"
)

// IntervalKind identifies a configurable maintenance period.
type IntervalKind int

const (
	ConnectionTrackingInterval IntervalKind = iota
	DNSRefreshInterval
	DNSCacheTTL
	AdblockUpdateInterval
)

var intervalDefaults = map[IntervalKind]time.Duration{
	ConnectionTrackingInterval: time.Minute,
	DNSRefreshInterval:         time.Hour,
	DNSCacheTTL:                5 * time.Minute,
	AdblockUpdateInterval:      24 * time.Hour,
}

var (
	listenersMu sync.Mutex
	intervals   = make(map[IntervalKind]time.Duration)
	listeners   = make(map[IntervalKind][]chan time.Duration)
)

// CalculateBetweenTime converts a Timer to a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := CalculateMillisecondsOfCheckingPeriod(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMillisecondsOfCheckingPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

func (t Timer) IsZero() bool {
	return t.Days == 0 && t.Hours == 0 && t.Minutes == 0 && t.Seconds == 0
}

// Duration returns the timer as a duration, or fallback when the timer is unset.
func (t Timer) Duration(fallback time.Duration) time.Duration {
	if t.IsZero() {
		return fallback
	}
	return CalculateBetweenTime(t)
}

// Interval returns the current value of kind.
func Interval(kind IntervalKind) time.Duration {
	listenersMu.Lock()
	defer listenersMu.Unlock()
	return intervalLocked(kind)
}

func intervalLocked(kind IntervalKind) time.Duration {
	if d, ok := intervals[kind]; ok {
		return d
	}
	return intervalDefaults[kind]
}

// IntervalUpdates returns a channel primed with the current value of kind that
// receives every later change. Slow readers only ever see the newest value.
func IntervalUpdates(kind IntervalKind) <-chan time.Duration {
	ch := make(chan time.Duration, 1)

	// Priming under the lock orders the first value before any later change.
	listenersMu.Lock()
	ch <- intervalLocked(kind)
	listeners[kind] = append(listeners[kind], ch)
	listenersMu.Unlock()

	return ch
}

func publishIntervals(cfg Config) {
	setInterval(ConnectionTrackingInterval, cfg.Connection.TrackingTimer.Duration(intervalDefaults[ConnectionTrackingInterval]))
	setInterval(DNSRefreshInterval, cfg.DNS.RefreshTimer.Duration(intervalDefaults[DNSRefreshInterval]))
	setInterval(DNSCacheTTL, cfg.DNS.CacheTTL.Duration(intervalDefaults[DNSCacheTTL]))
	setInterval(AdblockUpdateInterval, cfg.Adblock.UpdateTimer.Duration(intervalDefaults[AdblockUpdateInterval]))
}

func setInterval(kind IntervalKind, interval time.Duration) {
	if interval <= 0 {
		interval = intervalDefaults[kind]
	}

	listenersMu.Lock()
	defer listenersMu.Unlock()

	if current, ok := intervals[kind]; ok && current == interval {
		return
	}
	intervals[kind] = interval

	for _, ch := range listeners[kind] {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- interval:
		default:
		}
	}
}
