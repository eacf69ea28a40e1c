package admission

import (
	"context"
	"errors"

	"github.com/Kavis1/enhanced-marzban/internal/domain"
	"github.com/Kavis1/enhanced-marzban/internal/metrics"
)

// maintain evicts idle connections, resyncs stored counters and purges old
// connection logs. Each step runs even when an earlier one failed.
func (e *Engine) maintain(ctx context.Context) error {
	now := e.now()
	cutoff := now.Add(-e.cfg.StaleAfter)

	e.mu.Lock()
	var stale []connKey
	for key, at := range e.lastActivity {
		if at.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	touched := make(map[uint]struct{}, len(e.active)+len(stale))
	for _, key := range stale {
		e.untrackLocked(key)
		touched[key.userID] = struct{}{}
	}
	counts := make(map[uint]int, len(e.active))
	for userID, ips := range e.active {
		touched[userID] = struct{}{}
		counts[userID] = len(ips)
	}
	total := len(e.lastActivity)
	e.mu.Unlock()

	metrics.ActiveConnections.Set(float64(total))

	var errs []error
	for _, key := range stale {
		if _, err := e.store.CloseConnections(ctx, key.userID, key.ip, now, ReasonStale); err != nil {
			errs = append(errs, err)
		}
	}
	if len(stale) > 0 {
		metrics.StaleEvictions.Add(float64(len(stale)))
		e.logger.Info("Evicted stale connections", "count", len(stale))
	}

	for userID := range touched {
		if err := e.store.SetConnectionCount(ctx, userID, counts[userID]); err != nil && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, err)
		}
	}

	purged, err := e.store.PurgeConnectionLogs(ctx, now.Add(-e.cfg.Retention))
	if err != nil {
		errs = append(errs, err)
	} else if purged > 0 {
		e.logger.Info("Purged old connection logs", "rows", purged)
	}

	if err := errors.Join(errs...); err != nil {
		e.logger.Warn("Connection maintenance finished with errors", "error", err)
		return err
	}
	return nil
}
