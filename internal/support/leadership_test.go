package support

import (
	"context"
	"errors"
	"testing"
)

func TestWithLeaderLockWithoutRedis(t *testing.T) {
	called := false
	ran, err := WithLeaderLock(context.Background(), nil, "marzban:test:lock", 0, func(context.Context) error {
		called = true
		return nil
	})
	if ran || called {
		t.Fatalf("WithLeaderLock ran fn without a redis client")
	}
	if !errors.Is(err, ErrRedisNotConfigured) {
		t.Fatalf("WithLeaderLock returned %v, want ErrRedisNotConfigured", err)
	}
}

func TestWithLeaderLockRejectsNilFunc(t *testing.T) {
	if ran, err := WithLeaderLock(context.Background(), nil, "marzban:test:lock", 0, nil); ran || err == nil {
		t.Fatalf("WithLeaderLock(nil fn) returned (%v, %v), want (false, error)", ran, err)
	}
}
