package support

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisNotConfigured is returned when neither REDIS_URL nor REDIS_ADDR is
// set. Redis is optional; a single control-plane instance runs without it.
var ErrRedisNotConfigured = errors.New("support: redis not configured")

const redisClientName = "marzban-policy"

var (
	redisMu     sync.Mutex
	redisClient *redis.Client
)

// RedisOptionsFromEnv builds client options from REDIS_URL, or from
// REDIS_ADDR, REDIS_PASSWORD and REDIS_DB when no URL is given.
// REDIS_POOL_SIZE and REDIS_DIAL_TIMEOUT apply to both forms.
func RedisOptionsFromEnv() (*redis.Options, error) {
	var opt *redis.Options
	if rawURL := strings.TrimSpace(GetEnv("REDIS_URL", "")); rawURL != "" {
		parsed, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("support: parse REDIS_URL: %w", err)
		}
		opt = parsed
	} else if addr := strings.TrimSpace(GetEnv("REDIS_ADDR", "")); addr != "" {
		opt = &redis.Options{
			Addr:     addr,
			Password: GetEnv("REDIS_PASSWORD", ""),
			DB:       GetEnvInt("REDIS_DB", 0),
		}
	} else {
		return nil, ErrRedisNotConfigured
	}

	opt.ClientName = redisClientName
	if size := GetEnvInt("REDIS_POOL_SIZE", 0); size > 0 {
		opt.PoolSize = size
	}
	opt.DialTimeout = GetEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second)
	return opt, nil
}

// GetRedisClient returns the process-wide client, connecting on first use.
func GetRedisClient() (*redis.Client, error) {
	redisMu.Lock()
	defer redisMu.Unlock()

	if redisClient != nil {
		return redisClient, nil
	}

	opt, err := RedisOptionsFromEnv()
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), opt.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("support: redis at %s unreachable: %w", opt.Addr, err)
	}

	redisClient = client
	return redisClient, nil
}

func CloseRedisClient() error {
	redisMu.Lock()
	defer redisMu.Unlock()

	if redisClient == nil {
		return nil
	}
	err := redisClient.Close()
	redisClient = nil
	return err
}
