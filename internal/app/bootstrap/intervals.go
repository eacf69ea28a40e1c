package bootstrap

import (
	"context"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/config"
)

// WatchIntervals feeds configuration changes to the running engines until
// ctx is cancelled.
func (rt *Runtime) WatchIntervals(ctx context.Context) {
	watch := func(kind config.IntervalKind, apply func(time.Duration)) {
		updates := config.IntervalUpdates(kind)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case d := <-updates:
					apply(d)
				}
			}
		}()
	}

	watch(config.ConnectionTrackingInterval, rt.Admission.SetTrackingInterval)
	watch(config.DNSRefreshInterval, rt.DNS.SetRefreshInterval)
	watch(config.DNSCacheTTL, rt.DNS.SetCacheTTL)
	watch(config.AdblockUpdateInterval, rt.Blocklist.SetUpdateInterval)
}
