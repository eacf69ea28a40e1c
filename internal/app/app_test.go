package app

import "testing"

func TestReadPort(t *testing.T) {
	t.Setenv("POLICY_PORT_VALID", "12345")
	if got := readPort("POLICY_PORT_VALID"); got != 12345 {
		t.Fatalf("readPort returned %d, want 12345", got)
	}

	t.Setenv("POLICY_PORT_INVALID", "not-a-number")
	if got := readPort("POLICY_PORT_INVALID"); got != 0 {
		t.Fatalf("readPort with invalid value returned %d, want 0", got)
	}

	t.Setenv("POLICY_PORT_ZERO", "0")
	if got := readPort("POLICY_PORT_ZERO"); got != 0 {
		t.Fatalf("readPort with zero value returned %d, want 0", got)
	}
}

func TestResolvePort(t *testing.T) {
	t.Run("primary env overrides fallback", func(t *testing.T) {
		t.Setenv("PRIMARY_PORT", "5050")
		if got := resolvePort("PRIMARY_PORT", "LEGACY_PORT", 8080); got != 5050 {
			t.Fatalf("resolvePort returned %d, want 5050", got)
		}
	})

	t.Run("legacy env used when primary missing", func(t *testing.T) {
		t.Setenv("LEGACY_PORT", "6060")
		if got := resolvePort("PRIMARY_MISSING", "LEGACY_PORT", 8080); got != 6060 {
			t.Fatalf("resolvePort returned %d, want 6060", got)
		}
	})

	t.Run("fallback used when env unset", func(t *testing.T) {
		if got := resolvePort("UNSET_PRIMARY", "UNSET_LEGACY", 9090); got != 9090 {
			t.Fatalf("resolvePort returned %d, want 9090", got)
		}
	})
}

func TestNodeIDFromEnv(t *testing.T) {
	tests := []struct {
		raw  string
		want uint
		ok   bool
	}{
		{raw: "", ok: false},
		{raw: "4", want: 4, ok: true},
		{raw: "0", ok: false},
		{raw: "node-a", ok: false},
	}
	for _, tt := range tests {
		t.Setenv("NODE_ID", tt.raw)
		got := nodeIDFromEnv()
		if (got != nil) != tt.ok || (got != nil && *got != tt.want) {
			t.Fatalf("nodeIDFromEnv(%q) returned %v, want %d (ok=%v)", tt.raw, got, tt.want, tt.ok)
		}
	}
}
