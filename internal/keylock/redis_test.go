package keylock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	redis := miniredis.RunT(t)
	l, err := NewRedisLocker(RedisConfig{
		Addr:          redis.Addr(),
		Prefix:        "test:lock",
		TTL:           ttl,
		RetryInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new redis locker: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, redis
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	l, redis := newTestRedisLocker(t, time.Minute)

	unlock, err := l.Lock(context.Background(), "book:1", "member:1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !redis.Exists("test:lock:book:1") || !redis.Exists("test:lock:member:1") {
		t.Fatalf("expected both lock keys in redis")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "book:1"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if !redis.Exists("test:lock:member:1") {
		t.Fatalf("failed acquisition must not release locks it does not own")
	}

	unlock()
	if redis.Exists("test:lock:book:1") || redis.Exists("test:lock:member:1") {
		t.Fatalf("expected lock keys removed after unlock")
	}
	again, err := l.Lock(context.Background(), "book:1")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again()
}

func TestRedisLockerExpiredHolderCannotReleaseNewOwner(t *testing.T) {
	l, redis := newTestRedisLocker(t, time.Second)

	stale, err := l.Lock(context.Background(), "book:1")
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	redis.FastForward(2 * time.Second)

	fresh, err := l.Lock(context.Background(), "book:1")
	if err != nil {
		t.Fatalf("lock after expiry: %v", err)
	}
	stale()
	if !redis.Exists("test:lock:book:1") {
		t.Fatalf("stale unlock removed the new owner's lock")
	}
	fresh()
	if redis.Exists("test:lock:book:1") {
		t.Fatalf("expected lock key removed")
	}
}

func TestRedisLockerRequiresAddr(t *testing.T) {
	l, err := NewRedisLocker(RedisConfig{})
	if err == nil || l != nil {
		t.Fatalf("expected constructor error for empty redis addr")
	}
}
