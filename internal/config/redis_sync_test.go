package config

import "testing"

func TestDecodeEnvelopeKeepsDefaultsForMissingFields(t *testing.T) {
	raw := []byte(`{"origin":"node-b","sent_at":"2026-01-02T03:04:05Z","settings":{"abuse":{"max_violations":9}}}`)

	env, err := decodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decodeEnvelope returned error: %v", err)
	}
	if env.Origin != "node-b" {
		t.Fatalf("Origin = %q, want node-b", env.Origin)
	}
	if env.Settings.Abuse.MaxViolations != 9 {
		t.Fatalf("MaxViolations = %d, want 9", env.Settings.Abuse.MaxViolations)
	}
	if want := Defaults().Connection.DefaultMaxConnections; env.Settings.Connection.DefaultMaxConnections != want {
		t.Fatalf("DefaultMaxConnections = %d, want default %d", env.Settings.Connection.DefaultMaxConnections, want)
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := decodeEnvelope([]byte("not json")); err == nil {
		t.Fatal("decodeEnvelope accepted malformed payload")
	}
}

func TestBroadcastWithoutSyncIsNoop(t *testing.T) {
	DisableRedisSynchronization()
	if err := broadcastConfigUpdate(Defaults()); err != nil {
		t.Fatalf("broadcastConfigUpdate returned %v, want nil", err)
	}
}
