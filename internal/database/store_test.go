package database_test

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/Kavis1/enhanced-marzban/internal/database/dbtest"
	"github.com/Kavis1/enhanced-marzban/internal/domain"
)

func TestGetUserNotFound(t *testing.T) {
	store := dbtest.NewStore(t)

	if _, err := store.GetUser(context.Background(), 42); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetUser error = %v, want ErrNotFound", err)
	}
}

func TestReplaceListDomains(t *testing.T) {
	ctx := context.Background()
	store := dbtest.NewStore(t)

	list := domain.SubscriptionList{Name: "Test", URL: "http://example.invalid/list.txt", Enabled: true}
	if err := store.CreateSubscriptionList(ctx, &list); err != nil {
		t.Fatalf("CreateSubscriptionList returned error: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := store.ReplaceListDomains(ctx, list.ID, []string{"a.com", "b.com"}, now); err != nil {
		t.Fatalf("ReplaceListDomains returned error: %v", err)
	}
	if err := store.ReplaceListDomains(ctx, list.ID, []string{"c.com"}, now); err != nil {
		t.Fatalf("second ReplaceListDomains returned error: %v", err)
	}

	got, err := store.EnabledListDomains(ctx)
	if err != nil {
		t.Fatalf("EnabledListDomains returned error: %v", err)
	}
	if len(got) != 1 || got[0] != "c.com" {
		t.Fatalf("EnabledListDomains returned %v, want [c.com]", got)
	}

	stored, err := store.GetSubscriptionList(ctx, list.ID)
	if err != nil {
		t.Fatalf("GetSubscriptionList returned error: %v", err)
	}
	if stored.DomainCount != 1 || stored.LastUpdated == nil {
		t.Fatalf("list stamp = count %d updated %v, want 1 and non-nil", stored.DomainCount, stored.LastUpdated)
	}

	if err := store.SetSubscriptionListEnabled(ctx, list.ID, false); err != nil {
		t.Fatalf("SetSubscriptionListEnabled returned error: %v", err)
	}
	got, err = store.EnabledListDomains(ctx)
	if err != nil {
		t.Fatalf("EnabledListDomains returned error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("disabled list still contributes %v", got)
	}

	byList, err := store.ListDomains(ctx, []uint{list.ID})
	if err != nil {
		t.Fatalf("ListDomains returned error: %v", err)
	}
	if len(byList[list.ID]) != 1 {
		t.Fatalf("ListDomains returned %v, want one entry", byList)
	}
}

func TestDeleteSubscriptionListCascades(t *testing.T) {
	ctx := context.Background()
	store := dbtest.NewStore(t)

	list := domain.SubscriptionList{Name: "Cascade", URL: "http://example.invalid", Enabled: true}
	if err := store.CreateSubscriptionList(ctx, &list); err != nil {
		t.Fatalf("CreateSubscriptionList returned error: %v", err)
	}
	if err := store.ReplaceListDomains(ctx, list.ID, []string{"x.com"}, time.Now()); err != nil {
		t.Fatalf("ReplaceListDomains returned error: %v", err)
	}
	if err := store.DeleteSubscriptionList(ctx, list.ID); err != nil {
		t.Fatalf("DeleteSubscriptionList returned error: %v", err)
	}

	var remaining int64
	store.DB().Model(&domain.BlockedDomain{}).Count(&remaining)
	if remaining != 0 {
		t.Fatalf("%d entries survived list deletion, want 0", remaining)
	}

	if err := store.DeleteSubscriptionList(ctx, list.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete error = %v, want ErrNotFound", err)
	}
}

func TestEnsureSubscriptionListsSkipsExisting(t *testing.T) {
	ctx := context.Background()
	store := dbtest.NewStore(t)

	seed := []domain.SubscriptionList{{Name: "EasyList", URL: "https://easylist.to/easylist/easylist.txt", Enabled: true}}
	if _, err := store.EnsureSubscriptionLists(ctx, seed); err != nil {
		t.Fatalf("EnsureSubscriptionLists returned error: %v", err)
	}
	again := []domain.SubscriptionList{{Name: "EasyList", URL: "https://other", Enabled: false}}
	if _, err := store.EnsureSubscriptionLists(ctx, again); err != nil {
		t.Fatalf("EnsureSubscriptionLists returned error: %v", err)
	}

	lists, err := store.SubscriptionLists(ctx)
	if err != nil {
		t.Fatalf("SubscriptionLists returned error: %v", err)
	}
	if len(lists) != 1 || lists[0].URL != "https://easylist.to/easylist/easylist.txt" {
		t.Fatalf("SubscriptionLists returned %+v, want the original row only", lists)
	}
}

func TestUserRulesOrdering(t *testing.T) {
	ctx := context.Background()
	store := dbtest.NewStore(t)

	user := domain.User{Username: "alice"}
	if err := store.CreateUser(ctx, &user); err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}

	rules := []domain.UserDNSRule{
		{UserID: user.ID, Domain: "low.com", TargetIP: "10.0.0.1", Priority: 10, Enabled: true},
		{UserID: user.ID, Domain: "high.com", TargetIP: "10.0.0.2", Priority: 200, Enabled: true},
		{UserID: user.ID, Domain: "off.com", TargetIP: "10.0.0.3", Priority: 500, Enabled: false},
	}
	for i := range rules {
		if err := store.CreateUserRule(ctx, &rules[i]); err != nil {
			t.Fatalf("CreateUserRule returned error: %v", err)
		}
	}
	got, err := store.EnabledUserRules(ctx)
	if err != nil {
		t.Fatalf("EnabledUserRules returned error: %v", err)
	}
	if len(got) != 2 || got[0].Domain != "high.com" || got[1].Domain != "low.com" {
		t.Fatalf("EnabledUserRules returned %+v, want high.com then low.com", got)
	}
}

func TestConnectionLogLifecycle(t *testing.T) {
	ctx := context.Background()
	store := dbtest.NewStore(t)

	now := time.Now().UTC()
	old := domain.ConnectionLog{ConnectionID: "old", UserID: 1, IPAddress: "10.0.0.1", ConnectedAt: now.Add(-31 * 24 * time.Hour), LastActivity: now.Add(-31 * 24 * time.Hour), Active: true}
	fresh := domain.ConnectionLog{ConnectionID: "fresh", UserID: 1, IPAddress: "10.0.0.2", ConnectedAt: now, LastActivity: now, Active: true}
	for _, entry := range []*domain.ConnectionLog{&old, &fresh} {
		if err := store.CreateConnectionLog(ctx, entry); err != nil {
			t.Fatalf("CreateConnectionLog returned error: %v", err)
		}
	}

	if err := store.TouchConnection(ctx, 1, "10.0.0.2", now.Add(time.Minute), 100, 50); err != nil {
		t.Fatalf("TouchConnection returned error: %v", err)
	}

	active, err := store.ActiveConnectionsSince(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ActiveConnectionsSince returned error: %v", err)
	}
	if len(active) != 1 || active[0].ConnectionID != "fresh" || active[0].BytesSent != 100 {
		t.Fatalf("ActiveConnectionsSince returned %+v, want only the touched fresh row", active)
	}

	closed, err := store.CloseConnections(ctx, 1, "10.0.0.2", now, "test")
	if err != nil || closed != 1 {
		t.Fatalf("CloseConnections returned %d, %v; want 1, nil", closed, err)
	}

	purged, err := store.PurgeConnectionLogs(ctx, now.Add(-30*24*time.Hour))
	if err != nil || purged != 1 {
		t.Fatalf("PurgeConnectionLogs returned %d, %v; want 1, nil", purged, err)
	}
}

func TestViolationsFilterAndResolve(t *testing.T) {
	ctx := context.Background()
	store := dbtest.NewStore(t)

	for _, kind := range []domain.ViolationKind{domain.ViolationTorrent, domain.ViolationConnectionLimit, domain.ViolationTorrent} {
		v := domain.TrafficViolation{UserID: 7, ViolationType: kind, IPAddress: "10.0.0.1"}
		if err := store.CreateViolation(ctx, &v); err != nil {
			t.Fatalf("CreateViolation returned error: %v", err)
		}
	}

	torrents, err := store.ListViolations(ctx, domain.ViolationFilter{Kind: domain.ViolationTorrent})
	if err != nil {
		t.Fatalf("ListViolations returned error: %v", err)
	}
	if len(torrents) != 2 {
		t.Fatalf("ListViolations returned %d torrent rows, want 2", len(torrents))
	}

	if err := store.ResolveViolation(ctx, torrents[0].ID, time.Now()); err != nil {
		t.Fatalf("ResolveViolation returned error: %v", err)
	}
	open, err := store.ListViolations(ctx, domain.ViolationFilter{UserID: 7, Unresolved: true})
	if err != nil {
		t.Fatalf("ListViolations returned error: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("ListViolations returned %d unresolved rows, want 2", len(open))
	}

	if err := store.ResolveViolation(ctx, 9999, time.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ResolveViolation error = %v, want ErrNotFound", err)
	}
}

func TestSaveServiceStatusUpserts(t *testing.T) {
	ctx := context.Background()
	store := dbtest.NewStore(t)

	status := domain.ServiceStatus{ServiceName: "blocklist", Enabled: true, Running: true, LastCheck: time.Now()}
	if err := store.SaveServiceStatus(ctx, status); err != nil {
		t.Fatalf("SaveServiceStatus returned error: %v", err)
	}
	status.Running = false
	status.ErrorCount = 3
	if err := store.SaveServiceStatus(ctx, status); err != nil {
		t.Fatalf("SaveServiceStatus returned error: %v", err)
	}

	rows, err := store.ServiceStatuses(ctx)
	if err != nil {
		t.Fatalf("ServiceStatuses returned error: %v", err)
	}
	if len(rows) != 1 || rows[0].Running || rows[0].ErrorCount != 3 {
		t.Fatalf("ServiceStatuses returned %+v, want single updated row", rows)
	}
}

func TestUsersWithCustomDomainsSkipsEmpty(t *testing.T) {
	ctx := context.Background()
	store := dbtest.NewStore(t)

	users := []domain.User{
		{Username: "with", CustomBlockedDomains: domain.NewDomainSet("ads.com")},
		{Username: "without"},
	}
	for i := range users {
		if err := store.CreateUser(ctx, &users[i]); err != nil {
			t.Fatalf("CreateUser returned error: %v", err)
		}
	}
	if err := store.DB().Exec("UPDATE users SET custom_blocked_domains = ? WHERE username = ?", "{broken", "without").Error; err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	got, err := store.UsersWithCustomDomains(ctx)
	if err != nil {
		t.Fatalf("UsersWithCustomDomains returned error: %v", err)
	}
	names := make([]string, 0, len(got))
	for _, u := range got {
		names = append(names, u.Username)
	}
	sort.Strings(names)
	if len(names) != 2 {
		t.Fatalf("UsersWithCustomDomains returned %v, want both rows", names)
	}
	for _, u := range got {
		if u.Username == "without" && !u.CustomBlockedDomains.Corrupt() {
			t.Fatal("corrupt blob not flagged")
		}
	}
}
