package support

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	leaseOpTimeout       = 5 * time.Second
	minRenewEvery        = time.Second
)

// ErrLeaseLost is the cancellation cause of a lease context whose key was
// taken over or expired before renewal.
var ErrLeaseLost = errors.New("support: leader lease lost")

// Compare-and-act scripts: only the token holder may extend or drop the key.
var (
	extendLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	dropLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Lease is a held leader key. Its context is cancelled when the lease is
// released or cannot be renewed.
type Lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	once   sync.Once
}

// AcquireLease tries once to take key for ttl. It returns (nil, nil) when
// another instance holds it.
func AcquireLease(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lease, error) {
	if client == nil {
		return nil, ErrRedisNotConfigured
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	token := uuid.NewString()
	won, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("support: acquire %s: %w", key, err)
	}
	if !won {
		return nil, nil
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		client: client,
		key:    key,
		token:  token,
		ttl:    ttl,
		ctx:    leaseCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.keepAlive()
	return l, nil
}

func (l *Lease) Context() context.Context { return l.ctx }

// Release stops renewal and deletes the key if this lease still owns it.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.cancel(context.Canceled)
		<-l.done

		ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
		defer cancel()
		if err := dropLease.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Warn("Leader lease release failed", "key", l.key, "error", err)
		}
	})
}

func (l *Lease) keepAlive() {
	defer close(l.done)

	every := max(l.ttl/3, minRenewEvery)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.extend(); err != nil {
				log.Warn("Leader lease renewal failed", "key", l.key, "error", err)
				l.cancel(ErrLeaseLost)
				return
			}
		}
	}
}

func (l *Lease) extend() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
	defer cancel()

	n, err := extendLease.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// WithLeaderLock runs fn only when this instance wins key. It reports
// whether fn ran. fn receives the lease context, which is cancelled if the
// lease is lost midway.
func WithLeaderLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	if fn == nil {
		return false, errors.New("support: leader function is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	lease, err := AcquireLease(ctx, client, key, ttl)
	if err != nil || lease == nil {
		if err == nil {
			log.Debug("Leader lease held elsewhere", "key", key)
		}
		return false, err
	}
	defer lease.Release()

	if err := fn(lease.Context()); err != nil {
		if cause := context.Cause(lease.Context()); errors.Is(cause, ErrLeaseLost) {
			return true, errors.Join(err, cause)
		}
		return true, err
	}
	return true, nil
}
