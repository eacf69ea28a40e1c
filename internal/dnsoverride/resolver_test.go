package dnsoverride

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/database"
	"github.com/Kavis1/enhanced-marzban/internal/database/dbtest"
	"github.com/Kavis1/enhanced-marzban/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestResolver(t *testing.T) (*Resolver, *database.Store, *fakeClock) {
	t.Helper()
	store := dbtest.NewStore(t)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	r := New(Config{Enabled: true, CacheTTL: 5 * time.Minute, Servers: []string{"1.1.1.1", "8.8.8.8"}}, store, WithClock(clock.Now))
	if err := r.Init(context.Background()); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	t.Cleanup(func() {
		_ = r.Cleanup(context.Background())
	})
	return r, store, clock
}

func newUser(t *testing.T, store *database.Store, name string) uint {
	t.Helper()
	u := domain.User{Username: name, MaxConnections: 3}
	if err := store.CreateUser(context.Background(), &u); err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}
	return u.ID
}

func priority(p int) *int {
	return &p
}

func mustAddGlobal(t *testing.T, r *Resolver, in RuleInput) Rule {
	t.Helper()
	rule, err := r.AddGlobalRule(context.Background(), in)
	if err != nil {
		t.Fatalf("AddGlobalRule(%+v) returned error: %v", in, err)
	}
	return rule
}

func TestResolveUserBeatsGlobal(t *testing.T) {
	r, store, _ := newTestResolver(t)
	userID := newUser(t, store, "alice")

	mustAddGlobal(t, r, RuleInput{Domain: "example.com", TargetIP: "10.0.0.1", Priority: priority(1000)})
	if _, err := r.AddUserRule(context.Background(), userID, RuleInput{Domain: "example.com", TargetIP: "10.0.0.2", Priority: priority(1)}); err != nil {
		t.Fatalf("AddUserRule returned error: %v", err)
	}

	if ip, ok := r.Resolve("example.com", &userID); !ok || ip != "10.0.0.2" {
		t.Fatalf("Resolve for user returned (%q, %v), want (10.0.0.2, true)", ip, ok)
	}
	if ip, ok := r.Resolve("example.com", nil); !ok || ip != "10.0.0.1" {
		t.Fatalf("Resolve without user returned (%q, %v), want (10.0.0.1, true)", ip, ok)
	}
	other := userID + 1
	if ip, ok := r.Resolve("example.com", &other); !ok || ip != "10.0.0.1" {
		t.Fatalf("Resolve for other user returned (%q, %v), want global answer", ip, ok)
	}
}

func TestResolvePriorityAndTieBreak(t *testing.T) {
	r, _, _ := newTestResolver(t)

	mustAddGlobal(t, r, RuleInput{Domain: "*.example.com", TargetIP: "10.0.0.1", Priority: priority(100)})
	mustAddGlobal(t, r, RuleInput{Domain: "api.example.com", TargetIP: "10.0.0.2", Priority: priority(100)})
	mustAddGlobal(t, r, RuleInput{Domain: "*.svc.net", TargetIP: "10.0.1.1", Priority: priority(10)})
	mustAddGlobal(t, r, RuleInput{Domain: "db.svc.net", TargetIP: "10.0.1.2", Priority: priority(50)})

	tests := []struct {
		name   string
		domain string
		want   string
		ok     bool
	}{
		{name: "equal priority lower id wins", domain: "api.example.com", want: "10.0.0.1", ok: true},
		{name: "wildcard covers apex", domain: "example.com", want: "10.0.0.1", ok: true},
		{name: "higher priority exact wins", domain: "db.svc.net", want: "10.0.1.2", ok: true},
		{name: "wildcard fallback", domain: "cache.svc.net", want: "10.0.1.1", ok: true},
		{name: "case insensitive", domain: "DB.SVC.NET.", want: "10.0.1.2", ok: true},
		{name: "no partial label match", domain: "badexample.com", ok: false},
		{name: "miss", domain: "other.org", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip, ok := r.Resolve(tt.domain, nil)
			if ok != tt.ok || ip != tt.want {
				t.Fatalf("Resolve(%q) returned (%q, %v), want (%q, %v)", tt.domain, ip, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestResolveCacheStaleness(t *testing.T) {
	ctx := context.Background()
	r, _, clock := newTestResolver(t)

	rule := mustAddGlobal(t, r, RuleInput{Domain: "cached.example", TargetIP: "10.0.0.1"})
	if ip, ok := r.Resolve("cached.example", nil); !ok || ip != "10.0.0.1" {
		t.Fatalf("Resolve returned (%q, %v), want (10.0.0.1, true)", ip, ok)
	}

	if err := r.RemoveGlobalRule(ctx, rule.ID); err != nil {
		t.Fatalf("RemoveGlobalRule returned error: %v", err)
	}
	if ip, ok := r.Resolve("cached.example", nil); !ok || ip != "10.0.0.1" {
		t.Fatalf("Resolve within TTL returned (%q, %v), want cached answer", ip, ok)
	}

	clock.Advance(5 * time.Minute)
	if ip, ok := r.Resolve("cached.example", nil); ok {
		t.Fatalf("Resolve after TTL returned (%q, true), want miss", ip)
	}
}

func TestResolveMissIsNotCached(t *testing.T) {
	r, _, _ := newTestResolver(t)

	if _, ok := r.Resolve("late.example", nil); ok {
		t.Fatal("Resolve returned an answer before any rule existed")
	}
	mustAddGlobal(t, r, RuleInput{Domain: "late.example", TargetIP: "192.0.2.7"})
	if ip, ok := r.Resolve("late.example", nil); !ok || ip != "192.0.2.7" {
		t.Fatalf("Resolve after add returned (%q, %v), want (192.0.2.7, true)", ip, ok)
	}
}

func TestClearCache(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestResolver(t)

	rule := mustAddGlobal(t, r, RuleInput{Domain: "flush.example", TargetIP: "10.0.0.9"})
	r.Resolve("flush.example", nil)
	if err := r.RemoveGlobalRule(ctx, rule.ID); err != nil {
		t.Fatalf("RemoveGlobalRule returned error: %v", err)
	}
	if err := r.ClearCache(ctx); err != nil {
		t.Fatalf("ClearCache returned error: %v", err)
	}
	if ip, ok := r.Resolve("flush.example", nil); ok {
		t.Fatalf("Resolve after ClearCache returned (%q, true), want miss", ip)
	}
}

func TestAddRuleValidation(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResolver(t)
	userID := newUser(t, store, "bob")

	tests := []struct {
		name string
		in   RuleInput
	}{
		{name: "bad ip", in: RuleInput{Domain: "a.example", TargetIP: "999.1.1.1"}},
		{name: "empty domain", in: RuleInput{Domain: " ", TargetIP: "10.0.0.1"}},
		{name: "illegal char", in: RuleInput{Domain: "a/b.example", TargetIP: "10.0.0.1"}},
		{name: "leading dot", in: RuleInput{Domain: ".example", TargetIP: "10.0.0.1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.AddGlobalRule(ctx, tt.in); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("AddGlobalRule error = %v, want ErrValidation", err)
			}
		})
	}

	if _, err := r.AddUserRule(ctx, userID+99, RuleInput{Domain: "a.example", TargetIP: "10.0.0.1"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("AddUserRule(unknown user) error = %v, want ErrNotFound", err)
	}

	rule, err := r.AddGlobalRule(ctx, RuleInput{Domain: "v6.example", TargetIP: "2001:DB8::1"})
	if err != nil {
		t.Fatalf("AddGlobalRule(ipv6) returned error: %v", err)
	}
	if rule.TargetIP != "2001:db8::1" || rule.Priority != domain.DefaultRulePriority {
		t.Fatalf("AddGlobalRule stored (%q, %d), want (2001:db8::1, %d)", rule.TargetIP, rule.Priority, domain.DefaultRulePriority)
	}

	if err := r.RemoveGlobalRule(ctx, 4242); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("RemoveGlobalRule(unknown) error = %v, want ErrNotFound", err)
	}
	if err := r.RemoveUserRule(ctx, 4242); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("RemoveUserRule(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestExportConfig(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResolver(t)
	userID := newUser(t, store, "carol")

	mustAddGlobal(t, r, RuleInput{Domain: "a.example", TargetIP: "10.0.0.1", Priority: priority(200)})
	mustAddGlobal(t, r, RuleInput{Domain: "a.example", TargetIP: "10.0.0.2", Priority: priority(100)})
	mustAddGlobal(t, r, RuleInput{Domain: "b.example", TargetIP: "10.0.0.3"})
	if _, err := r.AddUserRule(ctx, userID, RuleInput{Domain: "b.example", TargetIP: "10.9.9.9"}); err != nil {
		t.Fatalf("AddUserRule returned error: %v", err)
	}

	hosts := r.ExportHostsConfig(nil)
	if hosts["a.example"] != "10.0.0.1" || hosts["b.example"] != "10.0.0.3" {
		t.Fatalf("ExportHostsConfig(nil) = %v, want highest priority global answers", hosts)
	}

	cfg := r.ExportDNSConfig(&userID)
	if cfg.Hosts["b.example"] != "10.9.9.9" {
		t.Fatalf("ExportDNSConfig hosts[b.example] = %q, want user override", cfg.Hosts["b.example"])
	}
	if len(cfg.Servers) != 2 || cfg.Servers[0].Address != "1.1.1.1" || cfg.Servers[0].Domains == nil {
		t.Fatalf("ExportDNSConfig servers = %+v, want configured servers with empty domain lists", cfg.Servers)
	}
}

func TestDisabledResolver(t *testing.T) {
	store := dbtest.NewStore(t)
	r := New(Config{Enabled: false}, store)
	if err := r.Init(context.Background()); err != nil {
		t.Fatalf("Init returned error: %v", err)
	}

	if _, err := r.AddGlobalRule(context.Background(), RuleInput{Domain: "x.example", TargetIP: "10.0.0.1"}); !errors.Is(err, domain.ErrDisabled) {
		t.Fatalf("AddGlobalRule error = %v, want ErrDisabled", err)
	}
	if _, ok := r.Resolve("x.example", nil); ok {
		t.Fatal("Resolve returned an answer while disabled")
	}
	if len(r.ExportHostsConfig(nil)) != 0 {
		t.Fatal("ExportHostsConfig returned entries while disabled")
	}
	if !r.HealthCheck(context.Background()) {
		t.Fatal("HealthCheck returned false while disabled")
	}
}

func TestMaintainExpiresEntries(t *testing.T) {
	r, _, clock := newTestResolver(t)
	mustAddGlobal(t, r, RuleInput{Domain: "tick.example", TargetIP: "10.0.0.5"})
	r.Resolve("tick.example", nil)

	if got := r.Stats().CachedGlobal; got != 1 {
		t.Fatalf("CachedGlobal = %d, want 1", got)
	}
	clock.Advance(6 * time.Minute)
	if err := r.maintain(context.Background()); err != nil {
		t.Fatalf("maintain returned error: %v", err)
	}
	if got := r.Stats().CachedGlobal; got != 0 {
		t.Fatalf("CachedGlobal after maintain = %d, want 0", got)
	}
}
