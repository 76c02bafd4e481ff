package keylock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryLockerSerializesSameKey(t *testing.T) {
	l := NewMemoryLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "book:1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxInside)
	}
	if l.Len() != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", l.Len())
	}
}

func TestMemoryLockerDifferentKeysDoNotBlock(t *testing.T) {
	l := NewMemoryLocker()
	unlock, err := l.Lock(context.Background(), "book:1")
	if err != nil {
		t.Fatalf("lock book:1: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	other, err := l.Lock(ctx, "book:2")
	if err != nil {
		t.Fatalf("lock on a different key should not wait: %v", err)
	}
	other()
}

func TestMemoryLockerHonoursDeadline(t *testing.T) {
	l := NewMemoryLocker()
	unlock, err := l.Lock(context.Background(), "member:1", "book:1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "book:1"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}

	unlock()
	unlock()
	again, err := l.Lock(context.Background(), "book:1", "member:1")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again()
	if l.Len() != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", l.Len())
	}
}

func TestNormalizeKeys(t *testing.T) {
	got := normalizeKeys([]string{"member:2", "book:9", "member:2"})
	if len(got) != 2 || got[0] != "book:9" || got[1] != "member:2" {
		t.Fatalf("unexpected normalized keys: %v", got)
	}
}
