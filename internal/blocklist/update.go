package blocklist

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/domain"
	"github.com/Kavis1/enhanced-marzban/internal/support"

	"golang.org/x/sync/errgroup"
)

// DefaultList is a well-known subscription list seeded on first start.
type DefaultList struct {
	Key         string
	Name        string
	URL         string
	Description string
}

var DefaultLists = []DefaultList{
	{
		Key:         "easylist",
		Name:        "EasyList",
		URL:         "https://easylist.to/easylist/easylist.txt",
		Description: "Primary ad-blocking filter list",
	},
	{
		Key:         "easyprivacy",
		Name:        "EasyPrivacy",
		URL:         "https://easylist.to/easylist/easyprivacy.txt",
		Description: "Privacy protection filter list",
	},
	{
		Key:         "malware",
		Name:        "Malware Domains",
		URL:         "https://malware-filter.gitlab.io/malware-filter/urlhaus-filter-hosts.txt",
		Description: "Malware and phishing protection",
	},
	{
		Key:         "social",
		Name:        "Fanboy Social",
		URL:         "https://easylist.to/easylist/fanboy-social.txt",
		Description: "Social media widgets blocking",
	},
}

func selectedDefaults(keys []string) []DefaultList {
	var out []DefaultList
	for _, def := range DefaultLists {
		if slices.Contains(keys, def.Key) {
			out = append(out, def)
		}
	}
	return out
}

// EnsureDefaultLists inserts the well-known lists that are missing. Lists named
// in the configured defaults start enabled. Existing rows are left alone.
func (e *Engine) EnsureDefaultLists(ctx context.Context) error {
	lists := make([]domain.SubscriptionList, 0, len(DefaultLists))
	for _, def := range DefaultLists {
		lists = append(lists, domain.SubscriptionList{
			Name:        def.Name,
			URL:         def.URL,
			Description: def.Description,
			Enabled:     slices.Contains(e.cfg.DefaultLists, def.Key),
		})
	}
	inserted, err := e.store.EnsureSubscriptionLists(ctx, lists)
	if err != nil {
		return err
	}
	if inserted > 0 {
		e.logger.Info("Default subscription lists seeded", "count", inserted)
	}
	return nil
}

// scheduledUpdate downloads stale lists. With Redis configured only the lock
// holder downloads; everyone refreshes the cache from the store afterwards.
func (e *Engine) scheduledUpdate(ctx context.Context) error {
	if e.redis != nil {
		ttl := e.cfg.UpdateInterval / 2
		ran, err := support.WithLeaderLock(ctx, e.redis, updateLockKey, ttl, e.updateStaleLists)
		switch {
		case ran && err != nil:
			e.logger.Warn("List update finished with errors", "error", err)
		case err != nil:
			e.logger.Warn("List update lock unavailable, updating locally", "error", err)
			if err := e.updateStaleLists(ctx); err != nil {
				return err
			}
		case !ran:
			e.logger.Debug("List update running on another instance")
		}
	} else if err := e.updateStaleLists(ctx); err != nil {
		return err
	}
	return e.RefreshCache(ctx)
}

// updateStaleLists downloads every enabled list whose last update is older
// than the update interval. One failing list does not stop the others.
func (e *Engine) updateStaleLists(ctx context.Context) error {
	lists, err := e.store.SubscriptionLists(ctx)
	if err != nil {
		return err
	}

	now := e.now()
	var stale []domain.SubscriptionList
	for _, l := range lists {
		if l.Enabled && l.Stale(now, e.cfg.UpdateInterval) {
			stale = append(stale, l)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxParallelDownloads)
	failed := make([]error, len(stale))
	for i, l := range stale {
		g.Go(func() error {
			if _, err := e.updateList(gctx, l.ID); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.logger.Warn("Subscription list update failed", "list", l.Name, "error", err)
				failed[i] = err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var errs []error
	for _, err := range failed {
		if err != nil {
			errs = append(errs, err)
		}
	}
	e.logger.Info("Stale subscription lists processed",
		"lists", len(stale),
		"failed", len(errs),
		"took", time.Since(start).Round(time.Millisecond),
	)
	if len(errs) == len(stale) {
		return fmt.Errorf("all %d list updates failed: %w", len(stale), errors.Join(errs...))
	}
	return nil
}
