package serial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockPrefix         = "agentvault:lock:"
	defaultLockTTL     = 30 * time.Second
	defaultRetryPeriod = 25 * time.Millisecond
)

// releaseScript deletes the lock only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLockLost is logged when a lock expired before it was released.
var ErrLockLost = errors.New("lock expired before release")

// Redis is a distributed keyed lock for deployments with several API
// replicas. Locks expire after TTL so a crashed holder cannot wedge an agent.
type Redis struct {
	cache  *redis.Client
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// NewRedis builds a Redis lock. Non-positive durations use the defaults.
func NewRedis(cache *redis.Client, ttl, retry time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if retry <= 0 {
		retry = defaultRetryPeriod
	}
	return &Redis{cache: cache, ttl: ttl, retry: retry, logger: logger}
}

// Lock polls until the key is acquired or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := lockPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.cache.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := releaseScript.Run(releaseCtx, r.cache, []string{redisKey}, token).Int()
		if err == nil && n == 0 {
			err = ErrLockLost
		}
		if err != nil && r.logger != nil {
			r.logger.Warn("release agent lock", slog.String("key", key), slog.Any("error", err))
		}
	}, nil
}
