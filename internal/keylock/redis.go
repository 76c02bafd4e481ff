package keylock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL       = 10 * time.Second
	defaultRetryInterval = 20 * time.Millisecond
)

// releaseScript deletes the key only while it still carries our token, so an
// expired holder cannot release a lock someone else acquired since.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures a Redis-backed lock table.
type RedisConfig struct {
	Addr          string
	Password      string
	Prefix        string
	TTL           time.Duration
	RetryInterval time.Duration
}

// RedisLocker is a lock table shared by every instance talking to the same
// Redis. Locks expire after TTL so a crashed holder cannot wedge a key.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker builds a Redis-backed locker.
func NewRedisLocker(cfg RedisConfig) (*RedisLocker, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("keylock redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "library:lock"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = defaultRetryInterval
	}
	return &RedisLocker{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
		}),
		prefix: prefix,
		ttl:    ttl,
		retry:  retry,
	}, nil
}

// Lock acquires keys in sorted order, polling until ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := l.acquire(ctx, l.redisKey(key), token); err != nil {
			l.releaseAll(held, token)
			return nil, err
		}
		held = append(held, l.redisKey(key))
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.releaseAll(held, token) })
	}, nil
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return lockCtxErr(ctxErr)
			}
			return fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return lockCtxErr(ctx.Err())
		}
	}
}

func (l *RedisLocker) releaseAll(keys []string, token string) {
	// Release must run even when the caller's ctx is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for i := len(keys) - 1; i >= 0; i-- {
		_ = releaseScript.Run(ctx, l.client, []string{keys[i]}, token).Err()
	}
}

func (l *RedisLocker) redisKey(key string) string {
	return l.prefix + ":" + key
}

// Close releases the Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

func lockCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrLockTimeout
	}
	return err
}
