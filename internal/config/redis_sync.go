package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	settingsKey     = "marzban:policy:config:settings"
	settingsChannel = "marzban:policy:config:updates"
	syncOpTimeout   = 5 * time.Second
	resubscribeWait = time.Second
)

// syncEnvelope is what travels over Redis. Origin lets an instance skip the
// echo of its own broadcast.
type syncEnvelope struct {
	Origin   string    `json:"origin"`
	SentAt   time.Time `json:"sent_at"`
	Settings Config    `json:"settings"`
}

type settingsSync struct {
	client *redis.Client
	origin string
	ctx    context.Context
	cancel context.CancelFunc
}

var (
	syncMu sync.RWMutex
	active *settingsSync
)

// EnableRedisSynchronization shares settings between control-plane
// instances. A copy already stored in Redis replaces the local file at
// startup; otherwise the local settings are seeded. Later changes on any
// instance reach the others over pub/sub. Calling it twice is a no-op.
func EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Config synchronization disabled: redis client is nil")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	syncMu.Lock()
	if active != nil {
		syncMu.Unlock()
		return
	}
	syncCtx, cancel := context.WithCancel(ctx)
	s := &settingsSync{client: client, origin: syncOrigin(), ctx: syncCtx, cancel: cancel}
	active = s
	syncMu.Unlock()

	found, err := s.pull()
	switch {
	case err != nil:
		log.Error("Config sync: loading shared settings failed", "error", err)
	case !found:
		if err := s.push(GetConfig()); err != nil {
			log.Error("Config sync: seeding shared settings failed", "error", err)
		}
	default:
		log.Info("Config sync: using shared settings from redis")
	}

	go s.listen()
}

// DisableRedisSynchronization stops listening for remote updates.
func DisableRedisSynchronization() {
	syncMu.Lock()
	s := active
	active = nil
	syncMu.Unlock()
	if s != nil {
		s.cancel()
	}
}

func (s *settingsSync) pull() (bool, error) {
	opCtx, cancel := context.WithTimeout(s.ctx, syncOpTimeout)
	defer cancel()

	raw, err := s.client.Get(opCtx, settingsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	env, err := decodeEnvelope(raw)
	if err != nil {
		return true, err
	}
	return true, applyConfigUpdate(env.Settings, configUpdateOptions{persistToFile: true, source: "redis"})
}

func (s *settingsSync) push(cfg Config) error {
	payload, err := json.Marshal(syncEnvelope{Origin: s.origin, SentAt: time.Now().UTC(), Settings: cfg})
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	ctx := s.ctx
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	opCtx, cancel := context.WithTimeout(ctx, syncOpTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Set(opCtx, settingsKey, payload, 0)
	pipe.Publish(opCtx, settingsChannel, payload)
	_, err = pipe.Exec(opCtx)
	return err
}

func (s *settingsSync) listen() {
	for s.ctx.Err() == nil {
		if err := s.consume(); err != nil && s.ctx.Err() == nil {
			log.Warn("Config sync: subscription dropped, resubscribing", "error", err)
			select {
			case <-s.ctx.Done():
			case <-time.After(resubscribeWait):
			}
		}
	}
}

func (s *settingsSync) consume() error {
	sub := s.client.Subscribe(s.ctx, settingsChannel)
	defer sub.Close()

	for {
		msg, err := sub.ReceiveMessage(s.ctx)
		if err != nil {
			return err
		}
		env, err := decodeEnvelope([]byte(msg.Payload))
		if err != nil {
			log.Error("Config sync: ignoring malformed update", "error", err)
			continue
		}
		if env.Origin == s.origin {
			continue
		}
		if err := applyConfigUpdate(env.Settings, configUpdateOptions{persistToFile: true, source: "redis"}); err != nil {
			log.Error("Config sync: applying remote update failed", "origin", env.Origin, "error", err)
			continue
		}
		log.Info("Config sync: applied remote settings", "origin", env.Origin, "sent_at", env.SentAt)
	}
}

// decodeEnvelope fills missing settings with defaults so an older instance
// publishing a partial document cannot zero out newer fields.
func decodeEnvelope(raw []byte) (syncEnvelope, error) {
	env := syncEnvelope{Settings: Defaults()}
	if err := json.Unmarshal(raw, &env); err != nil {
		return syncEnvelope{}, fmt.Errorf("decode settings: %w", err)
	}
	return env, nil
}

func broadcastConfigUpdate(cfg Config) error {
	syncMu.RLock()
	s := active
	syncMu.RUnlock()
	if s == nil {
		return nil
	}
	return s.push(cfg)
}

func syncOrigin() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
}
