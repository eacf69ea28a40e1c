package coordinator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	InstanceHeartbeatKeyPrefix = "marzban:policy:instance:"
	DefaultHeartbeatInterval   = 15 * time.Second
	DefaultHeartbeatTTL        = 30 * time.Second
)

var instanceID = generateInstanceID()

func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), time.Now().UnixNano())
}

// InstanceID identifies this process in the heartbeat keyspace.
func InstanceID() string {
	return instanceID
}

type heartbeatPayload struct {
	Instance string           `json:"instance"`
	Engines  map[string]State `json:"engines"`
	SentAt   time.Time        `json:"sent_at"`
}

func (c *Coordinator) startHeartbeat(parent context.Context) {
	if c.redis == nil || c.heartbeatCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	c.heartbeatCancel = cancel
	c.heartbeatDone = make(chan struct{})
	go func() {
		defer close(c.heartbeatDone)
		c.runHeartbeat(ctx, InstanceHeartbeatKeyPrefix, DefaultHeartbeatInterval, DefaultHeartbeatTTL)
	}()
}

func (c *Coordinator) stopHeartbeat() {
	if c.heartbeatCancel == nil {
		return
	}
	c.heartbeatCancel()
	<-c.heartbeatDone
	c.heartbeatCancel = nil

	delCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.redis.Del(delCtx, InstanceHeartbeatKeyPrefix+instanceID).Err(); err != nil {
		c.logger.Debug("Failed to remove instance heartbeat", "error", err)
	}
}

func (c *Coordinator) runHeartbeat(ctx context.Context, keyPrefix string, interval, ttl time.Duration) {
	heartbeatKey := keyPrefix + instanceID

	send := func() {
		payload := heartbeatPayload{Instance: instanceID, Engines: c.engineStates(), SentAt: c.now()}
		body, err := json.Marshal(payload)
		if err != nil {
			c.logger.Error("Failed to encode instance heartbeat", "error", err)
			return
		}
		if err := c.redis.SetEx(ctx, heartbeatKey, body, ttl).Err(); err != nil && ctx.Err() == nil {
			c.logger.Error("Failed to update instance heartbeat", "key", heartbeatKey, "error", err)
		}
	}

	send()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

func (c *Coordinator) engineStates() map[string]State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	states := make(map[string]State, len(c.entries))
	for id, e := range c.entries {
		states[id.String()] = e.state
	}
	return states
}

// CountActiveInstances counts control-plane processes with a live heartbeat.
func CountActiveInstances(ctx context.Context, client *redis.Client) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := client.Scan(ctx, cursor, InstanceHeartbeatKeyPrefix+"*", 100).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}
