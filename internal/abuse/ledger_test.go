package abuse

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestEntryFormat(t *testing.T) {
	at := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

	plain := Entry{Time: at, Type: "TORRENT", IP: "203.0.113.9", User: "alice", Action: "detected"}
	if got, want := plain.Format(), "[2024-03-09 14:05:07] VIOLATION: TYPE=TORRENT IP=203.0.113.9 USER=alice ACTION=detected"; got != want {
		t.Fatalf("Format returned %q, want %q", got, want)
	}

	detailed := Entry{Time: at, Type: "CONNECTION_LIMIT", IP: "203.0.113.9", User: "bob smith", Action: "blocked",
		Details: map[string]any{"max_connections": 2, "current_connections": 2}}
	got := detailed.Format()
	if !strings.HasSuffix(got, `DETAILS={"current_connections":2,"max_connections":2}`) {
		t.Fatalf("Format returned %q, want compact sorted DETAILS", got)
	}
	if !strings.Contains(got, "USER=bob_smith ") {
		t.Fatalf("Format returned %q, want whitespace-free user", got)
	}
}

func TestFilterMatchesLedgerLines(t *testing.T) {
	at := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	torrent := regexp.MustCompile(`^\[.*\] VIOLATION: TYPE=TORRENT IP=(\S+) USER=\S+ ACTION=detected.*$`)
	general := regexp.MustCompile(`^\[.*\] VIOLATION: TYPE=(?:SUSPICIOUS_\S+|CONNECTION_LIMIT) IP=(\S+) USER=\S+ ACTION=.*$`)

	line := Entry{Time: at, Type: "TORRENT", IP: "198.51.100.4", User: "u", Action: "detected", Details: map[string]any{"a": 1}}.Format()
	if m := torrent.FindStringSubmatch(line); m == nil || m[1] != "198.51.100.4" {
		t.Fatalf("torrent filter did not match %q", line)
	}
	line = Entry{Time: at, Type: "SUSPICIOUS_HIGH_BANDWIDTH", IP: "198.51.100.5", User: "u", Action: "detected"}.Format()
	if m := general.FindStringSubmatch(line); m == nil || m[1] != "198.51.100.5" {
		t.Fatalf("violations filter did not match %q", line)
	}

	filter := FilterConfig()
	if !strings.Contains(filter, "TYPE=TORRENT IP=<HOST>") || !strings.Contains(filter, "CONNECTION_LIMIT) IP=<HOST>") {
		t.Fatalf("FilterConfig missing expected patterns:\n%s", filter)
	}
}

func TestJailConfig(t *testing.T) {
	jail := JailConfig("/var/log/marzban/violations.log", 7)
	for _, want := range []string{
		"[marzban-violations]",
		"maxretry = 7",
		"[marzban-torrent]",
		"maxretry = 1",
		"bantime = 7200",
		"logpath = /var/log/marzban/violations.log",
		`port="%(port)s"`,
	} {
		if !strings.Contains(jail, want) {
			t.Fatalf("JailConfig missing %q:\n%s", want, jail)
		}
	}
}

func TestLedgerCountSince(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "violations.log")
	l := NewLedger(path)

	if n, err := l.CountSince("alice", time.Time{}); err != nil || n != 0 {
		t.Fatalf("CountSince on missing ledger returned (%d, %v), want (0, nil)", n, err)
	}
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure returned error: %v", err)
	}

	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		{Time: now.Add(-30 * time.Minute), Type: "TORRENT", IP: "1.1.1.1", User: "alice", Action: "detected"},
		{Time: now.Add(-2 * time.Hour), Type: "CONNECTION_LIMIT", IP: "1.1.1.1", User: "alice", Action: "blocked"},
		{Time: now.Add(-26 * time.Hour), Type: "TORRENT", IP: "1.1.1.1", User: "alice", Action: "detected"},
		{Time: now.Add(-10 * time.Minute), Type: "TORRENT", IP: "1.1.1.2", User: "alicex", Action: "detected"},
	}
	for _, e := range entries {
		if err := l.Append(e); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	_, _ = f.WriteString("garbage line without timestamp USER=alice\n")
	_ = f.Close()

	if n, err := l.CountSince("alice", now.Add(-24*time.Hour)); err != nil || n != 2 {
		t.Fatalf("CountSince(24h) returned (%d, %v), want (2, nil)", n, err)
	}
	if n, err := l.CountSince("alice", now.Add(-time.Hour)); err != nil || n != 1 {
		t.Fatalf("CountSince(1h) returned (%d, %v), want (1, nil)", n, err)
	}
}
