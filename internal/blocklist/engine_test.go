package blocklist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/database"
	"github.com/Kavis1/enhanced-marzban/internal/database/dbtest"
	"github.com/Kavis1/enhanced-marzban/internal/domain"
)

type fakeDownloader struct {
	mu      sync.Mutex
	bodies  map[string]string
	fail    map[string]error
	fetches map[string]int
	probeOK bool
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{
		bodies:  map[string]string{},
		fail:    map[string]error{},
		fetches: map[string]int{},
		probeOK: true,
	}
}

func (f *fakeDownloader) Fetch(_ context.Context, rawURL string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[rawURL]++
	if err := f.fail[rawURL]; err != nil {
		return nil, err
	}
	body, ok := f.bodies[rawURL]
	if !ok {
		return nil, fmt.Errorf("%w: no body for %s", domain.ErrTransient, rawURL)
	}
	return []byte(body), nil
}

func (f *fakeDownloader) Probe(context.Context, string) error {
	if !f.probeOK {
		return domain.ErrTransient
	}
	return nil
}

func (f *fakeDownloader) fetchCount(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[rawURL]
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *database.Store, *fakeDownloader) {
	t.Helper()
	store := dbtest.NewStore(t)
	dl := newFakeDownloader()
	engine := New(cfg, store, WithDownloader(dl))
	t.Cleanup(func() {
		_ = engine.Cleanup(context.Background())
	})
	return engine, store, dl
}

func enabledConfig() Config {
	return Config{Enabled: true, UpdateInterval: time.Hour, MaxParallelDownloads: 2}
}

func createList(t *testing.T, store *database.Store, name, url string, enabled bool) domain.SubscriptionList {
	t.Helper()
	list := domain.SubscriptionList{Name: name, URL: url, Enabled: enabled}
	if err := store.CreateSubscriptionList(context.Background(), &list); err != nil {
		t.Fatalf("CreateSubscriptionList returned error: %v", err)
	}
	return list
}

func createUser(t *testing.T, store *database.Store, name string, domains ...string) domain.User {
	t.Helper()
	user := domain.User{Username: name, MaxConnections: 3, CustomBlockedDomains: domain.NewDomainSet(domains...)}
	if err := store.CreateUser(context.Background(), &user); err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}
	return user
}

func uintPtr(v uint) *uint {
	return &v
}

func TestIsBlockedTiers(t *testing.T) {
	ctx := context.Background()
	engine, store, dl := newTestEngine(t, enabledConfig())

	global := createList(t, store, "global", "https://lists.example/global.txt", true)
	nodeOnly := createList(t, store, "node-only", "https://lists.example/node.txt", false)
	dl.bodies[global.URL] = "||ads.example.com^\n*.tracker.net\n"
	dl.bodies[nodeOnly.URL] = "0.0.0.0 social.example\n"

	if _, err := engine.updateList(ctx, global.ID); err != nil {
		t.Fatalf("updateList(global) returned error: %v", err)
	}
	if _, err := engine.updateList(ctx, nodeOnly.ID); err != nil {
		t.Fatalf("updateList(node) returned error: %v", err)
	}

	user := createUser(t, store, "alice", "custom.org")
	node := domain.Node{Name: "edge-1"}
	if err := store.CreateNode(ctx, &node); err != nil {
		t.Fatalf("CreateNode returned error: %v", err)
	}
	if err := engine.SetNodePreferences(ctx, node.ID, true, []uint{nodeOnly.ID}); err != nil {
		t.Fatalf("SetNodePreferences returned error: %v", err)
	}

	tests := []struct {
		name   string
		domain string
		user   *uint
		node   *uint
		want   Tier
	}{
		{name: "global exact", domain: "ads.example.com", want: TierGlobal},
		{name: "global case and trailing dot", domain: "ADS.Example.com.", want: TierGlobal},
		{name: "global wildcard subdomain", domain: "a.b.tracker.net", want: TierGlobal},
		{name: "wildcard covers apex", domain: "tracker.net", want: TierGlobal},
		{name: "unlisted", domain: "example.org", want: TierNone},
		{name: "user tier without user", domain: "custom.org", want: TierNone},
		{name: "user tier", domain: "custom.org", user: uintPtr(user.ID), want: TierUser},
		{name: "other user", domain: "custom.org", user: uintPtr(user.ID + 100), want: TierNone},
		{name: "node tier", domain: "social.example", node: uintPtr(node.ID), want: TierNode},
		{name: "disabled list ignored globally", domain: "social.example", want: TierNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocked, tier := engine.Explain(tt.domain, tt.user, tt.node)
			if tier != tt.want {
				t.Fatalf("Explain(%q) tier = %q, want %q", tt.domain, tier, tt.want)
			}
			if blocked != (tt.want != TierNone) {
				t.Fatalf("Explain(%q) blocked = %v, want %v", tt.domain, blocked, tt.want != TierNone)
			}
		})
	}
}

func TestIsBlockedDisabledEngine(t *testing.T) {
	engine, store, dl := newTestEngine(t, Config{Enabled: false})
	list := createList(t, store, "global", "https://lists.example/global.txt", true)
	dl.bodies[list.URL] = "blocked.example\n"

	if err := engine.UpdateList(context.Background(), list.ID); !errors.Is(err, domain.ErrDisabled) {
		t.Fatalf("UpdateList error = %v, want ErrDisabled", err)
	}
	if engine.IsBlocked("blocked.example", nil, nil) {
		t.Fatal("IsBlocked returned true on a disabled engine")
	}
	if _, err := engine.AddCustomUserDomain(context.Background(), 1, "x.example"); !errors.Is(err, domain.ErrDisabled) {
		t.Fatalf("AddCustomUserDomain error = %v, want ErrDisabled", err)
	}
	if !engine.HealthCheck(context.Background()) {
		t.Fatal("HealthCheck returned false on a disabled engine")
	}
}

func TestCustomUserDomains(t *testing.T) {
	ctx := context.Background()
	engine, store, _ := newTestEngine(t, enabledConfig())
	user := createUser(t, store, "bob")

	added, err := engine.AddCustomUserDomain(ctx, user.ID, "  Bad.Example  ")
	if err != nil || !added {
		t.Fatalf("AddCustomUserDomain returned (%v, %v), want (true, nil)", added, err)
	}
	if !engine.IsBlocked("bad.example", &user.ID, nil) {
		t.Fatal("custom domain not blocked right after add")
	}

	added, err = engine.AddCustomUserDomain(ctx, user.ID, "bad.example")
	if err != nil || added {
		t.Fatalf("second AddCustomUserDomain returned (%v, %v), want (false, nil)", added, err)
	}

	stored, err := store.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUser returned error: %v", err)
	}
	if got := stored.CustomBlockedDomains.Items(); len(got) != 1 || got[0] != "bad.example" {
		t.Fatalf("stored custom domains = %v, want [bad.example]", got)
	}

	if _, err := engine.AddCustomUserDomain(ctx, user.ID, "bad/domain"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("AddCustomUserDomain(invalid) error = %v, want ErrValidation", err)
	}
	if _, err := engine.AddCustomUserDomain(ctx, 9999, "x.example"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("AddCustomUserDomain(unknown user) error = %v, want ErrNotFound", err)
	}

	removed, err := engine.RemoveCustomUserDomain(ctx, user.ID, "bad.example")
	if err != nil || !removed {
		t.Fatalf("RemoveCustomUserDomain returned (%v, %v), want (true, nil)", removed, err)
	}
	if engine.IsBlocked("bad.example", &user.ID, nil) {
		t.Fatal("custom domain still blocked after removal")
	}
	removed, err = engine.RemoveCustomUserDomain(ctx, user.ID, "bad.example")
	if err != nil || removed {
		t.Fatalf("second RemoveCustomUserDomain returned (%v, %v), want (false, nil)", removed, err)
	}
}

func TestUpdateListFailureKeepsEntries(t *testing.T) {
	ctx := context.Background()
	engine, store, dl := newTestEngine(t, enabledConfig())
	list := createList(t, store, "global", "https://lists.example/global.txt", true)

	dl.bodies[list.URL] = "keep.example\n"
	if err := engine.UpdateList(ctx, list.ID); err != nil {
		t.Fatalf("UpdateList returned error: %v", err)
	}

	dl.fail[list.URL] = fmt.Errorf("%w: boom", domain.ErrTransient)
	if err := engine.UpdateList(ctx, list.ID); !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("UpdateList error = %v, want ErrTransient", err)
	}
	if !engine.IsBlocked("keep.example", nil, nil) {
		t.Fatal("entries lost after a failed download")
	}

	if err := engine.UpdateList(ctx, 4242); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("UpdateList(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateListReplacesEntries(t *testing.T) {
	ctx := context.Background()
	engine, store, dl := newTestEngine(t, enabledConfig())
	list := createList(t, store, "global", "https://lists.example/global.txt", true)

	dl.bodies[list.URL] = "old.example\n"
	if err := engine.UpdateList(ctx, list.ID); err != nil {
		t.Fatalf("UpdateList returned error: %v", err)
	}
	dl.bodies[list.URL] = "new.example\n"
	if err := engine.UpdateList(ctx, list.ID); err != nil {
		t.Fatalf("UpdateList returned error: %v", err)
	}

	if engine.IsBlocked("old.example", nil, nil) {
		t.Fatal("old entry still blocked after replacement")
	}
	if !engine.IsBlocked("new.example", nil, nil) {
		t.Fatal("new entry not blocked after replacement")
	}

	got, err := store.GetSubscriptionList(ctx, list.ID)
	if err != nil {
		t.Fatalf("GetSubscriptionList returned error: %v", err)
	}
	if got.DomainCount != 1 || got.LastUpdated == nil {
		t.Fatalf("list bookkeeping = (count %d, updated %v), want (1, set)", got.DomainCount, got.LastUpdated)
	}
}

func TestListLifecycle(t *testing.T) {
	ctx := context.Background()
	engine, _, dl := newTestEngine(t, enabledConfig())

	if _, err := engine.CreateList(ctx, "bad", "ftp://example.com/list", "", true); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("CreateList(ftp) error = %v, want ErrValidation", err)
	}
	if _, err := engine.CreateList(ctx, " ", "https://example.com/list", "", true); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("CreateList(blank name) error = %v, want ErrValidation", err)
	}

	list, err := engine.CreateList(ctx, "mine", "https://example.com/list", "custom", true)
	if err != nil {
		t.Fatalf("CreateList returned error: %v", err)
	}
	dl.bodies[list.URL] = "mine.example\n"
	if err := engine.UpdateList(ctx, list.ID); err != nil {
		t.Fatalf("UpdateList returned error: %v", err)
	}

	if err := engine.SetListEnabled(ctx, list.ID, false); err != nil {
		t.Fatalf("SetListEnabled returned error: %v", err)
	}
	if engine.IsBlocked("mine.example", nil, nil) {
		t.Fatal("disabled list still blocks")
	}
	if err := engine.SetListEnabled(ctx, list.ID, true); err != nil {
		t.Fatalf("SetListEnabled returned error: %v", err)
	}
	if !engine.IsBlocked("mine.example", nil, nil) {
		t.Fatal("re-enabled list does not block")
	}

	if err := engine.DeleteList(ctx, list.ID); err != nil {
		t.Fatalf("DeleteList returned error: %v", err)
	}
	if engine.IsBlocked("mine.example", nil, nil) {
		t.Fatal("deleted list still blocks")
	}
	if err := engine.DeleteList(ctx, list.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second DeleteList error = %v, want ErrNotFound", err)
	}
}

func TestEnsureDefaultListsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := enabledConfig()
	cfg.DefaultLists = []string{"easylist", "malware"}
	engine, _, _ := newTestEngine(t, cfg)

	for i := 0; i < 2; i++ {
		if err := engine.EnsureDefaultLists(ctx); err != nil {
			t.Fatalf("EnsureDefaultLists returned error: %v", err)
		}
	}

	lists, err := engine.Lists(ctx)
	if err != nil {
		t.Fatalf("Lists returned error: %v", err)
	}
	if len(lists) != len(DefaultLists) {
		t.Fatalf("Lists returned %d lists, want %d", len(lists), len(DefaultLists))
	}
	enabled := map[string]bool{}
	for _, l := range lists {
		enabled[l.Name] = l.Enabled
	}
	want := map[string]bool{"EasyList": true, "EasyPrivacy": false, "Malware Domains": true, "Fanboy Social": false}
	for name, on := range want {
		if enabled[name] != on {
			t.Fatalf("list %q enabled = %v, want %v", name, enabled[name], on)
		}
	}
}

func TestScheduledUpdateDownloadsStaleLists(t *testing.T) {
	ctx := context.Background()
	engine, store, dl := newTestEngine(t, enabledConfig())

	stale := createList(t, store, "stale", "https://lists.example/stale.txt", true)
	fresh := createList(t, store, "fresh", "https://lists.example/fresh.txt", true)
	off := createList(t, store, "off", "https://lists.example/off.txt", false)
	dl.bodies[stale.URL] = "stale.example\n"
	dl.bodies[fresh.URL] = "fresh.example\n"
	dl.bodies[off.URL] = "off.example\n"

	if err := store.ReplaceListDomains(ctx, fresh.ID, []string{"fresh.example"}, time.Now().UTC()); err != nil {
		t.Fatalf("ReplaceListDomains returned error: %v", err)
	}

	if err := engine.scheduledUpdate(ctx); err != nil {
		t.Fatalf("scheduledUpdate returned error: %v", err)
	}

	if got := dl.fetchCount(stale.URL); got != 1 {
		t.Fatalf("stale list fetched %d times, want 1", got)
	}
	if got := dl.fetchCount(fresh.URL); got != 0 {
		t.Fatalf("fresh list fetched %d times, want 0", got)
	}
	if got := dl.fetchCount(off.URL); got != 0 {
		t.Fatalf("disabled list fetched %d times, want 0", got)
	}
	if !engine.IsBlocked("stale.example", nil, nil) || !engine.IsBlocked("fresh.example", nil, nil) {
		t.Fatal("scheduled update did not refresh the cache")
	}
}

func TestCreateListDownloadsWithoutWaitingForTick(t *testing.T) {
	ctx := context.Background()
	engine, _, dl := newTestEngine(t, enabledConfig())
	if err := engine.Init(ctx); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	const listURL = "https://lists.example/new.txt"
	dl.mu.Lock()
	dl.bodies[listURL] = "new.example\n"
	dl.mu.Unlock()

	if _, err := engine.CreateList(ctx, "new", listURL, "", true); err != nil {
		t.Fatalf("CreateList returned error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !engine.IsBlocked("new.example", nil, nil) {
		if time.Now().After(deadline) {
			t.Fatalf("new list not downloaded before the next tick (fetches: %d)", dl.fetchCount(listURL))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduledUpdateAllFailing(t *testing.T) {
	engine, store, dl := newTestEngine(t, enabledConfig())
	list := createList(t, store, "broken", "https://lists.example/broken.txt", true)
	dl.fail[list.URL] = fmt.Errorf("%w: down", domain.ErrTransient)

	if err := engine.updateStaleLists(context.Background()); !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("updateStaleLists error = %v, want ErrTransient", err)
	}
}

func TestCorruptUserBlobIsSkipped(t *testing.T) {
	ctx := context.Background()
	engine, store, _ := newTestEngine(t, enabledConfig())
	good := createUser(t, store, "good", "good.example")
	bad := createUser(t, store, "bad", "placeholder.example")

	if err := store.DB().Exec("UPDATE users SET custom_blocked_domains = ? WHERE id = ?", "{not json", bad.ID).Error; err != nil {
		t.Fatalf("corrupt user row: %v", err)
	}

	if err := engine.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache returned error: %v", err)
	}
	if !engine.IsBlocked("good.example", &good.ID, nil) {
		t.Fatal("healthy user tier missing after refresh")
	}
	if engine.IsBlocked("placeholder.example", &bad.ID, nil) {
		t.Fatal("corrupt user tier should be ignored")
	}
}

func TestStatsAndHealth(t *testing.T) {
	ctx := context.Background()
	cfg := enabledConfig()
	cfg.DefaultLists = []string{"easylist"}
	cfg.ProbeDefaultLists = true
	engine, store, dl := newTestEngine(t, cfg)

	if err := engine.EnsureDefaultLists(ctx); err != nil {
		t.Fatalf("EnsureDefaultLists returned error: %v", err)
	}
	createUser(t, store, "carol", "c.example")
	if err := engine.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache returned error: %v", err)
	}

	stats, err := engine.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats returned error: %v", err)
	}
	if stats.TotalLists != 4 || stats.EnabledLists != 1 {
		t.Fatalf("Stats lists = (%d, %d), want (4, 1)", stats.TotalLists, stats.EnabledLists)
	}
	if stats.UsersWithCustomDomains != 1 || stats.CachedDomains != 1 {
		t.Fatalf("Stats users/cached = (%d, %d), want (1, 1)", stats.UsersWithCustomDomains, stats.CachedDomains)
	}

	if !engine.HealthCheck(ctx) {
		t.Fatal("HealthCheck returned false with reachable sources")
	}
	dl.probeOK = false
	if engine.HealthCheck(ctx) {
		t.Fatal("HealthCheck returned true with an unreachable default list")
	}
}
