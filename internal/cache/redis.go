package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"leadflow/crm/internal/logger"
)

// ConnectRedis initializes and returns a Redis client instance.
func ConnectRedis(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log := logger.WithComponent("redis")
	log.Info().Str("addr", addr).Msg("connected to Redis")
	return rdb, nil
}

// DisconnectRedis closes the Redis client connection.
func DisconnectRedis(client *redis.Client) error {
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis connection: %w", err)
	}
	log := logger.WithComponent("redis")
	log.Info().Msg("Redis connection closed")
	return nil
}

// ErrLockHeld is returned when another worker holds the lock.
var ErrLockHeld = errors.New("lock is held by another worker")

// releaseScript deletes the key only if it still carries our token, so an
// expired lock taken over by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunLocker serializes materialization of a single recurring invoice across workers.
type RunLocker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRunLocker(rdb *redis.Client, ttl time.Duration) *RunLocker {
	return &RunLocker{rdb: rdb, ttl: ttl}
}

// Acquire takes the lock for id. The returned func releases it.
func (l *RunLocker) Acquire(ctx context.Context, id string) (func(), error) {
	key := "lock:recurring:" + id
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return func() {
		// Released with a fresh context: the caller's may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
			log := logger.WithComponent("redis")
			log.Warn().Err(err).Str("key", key).Msg("failed to release lock")
		}
	}, nil
}
