package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"libraryhub/internal/keylock"
	"libraryhub/internal/util"
	"libraryhub/pkg/queue"
	"libraryhub/pkg/store"
)

const defaultLockTimeout = 5 * time.Second

// Config holds runtime configuration for the core application.
type Config struct {
	Store  store.Store
	Locker keylock.Locker
	// LockTimeout bounds lock acquisition for every critical section.
	LockTimeout time.Duration
	Now         func() time.Time
	// Events receives committed lending transitions. Nil disables publishing.
	Events queue.Publisher
}

// App is the lending core: catalog and member plumbing around the borrow/return
// state machine and the featured-authors ledger.
type App struct {
	store       store.Store
	locker      keylock.Locker
	lockTimeout time.Duration
	now         func() time.Time
	events      queue.Publisher
}

// New constructs the application. Store is required; Locker defaults to an
// in-process lock table.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	locker := cfg.Locker
	if locker == nil {
		locker = keylock.NewMemoryLocker()
	}
	timeout := cfg.LockTimeout
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		store:       cfg.Store,
		locker:      locker,
		lockTimeout: timeout,
		now:         func() time.Time { return now().UTC() },
		events:      cfg.Events,
	}, nil
}

// Ping checks that the store answers a trivial read.
func (a *App) Ping() error {
	if _, _, err := a.store.GetBook(""); err != nil {
		return unavailable("ping store", err)
	}
	return nil
}

// lock acquires keys within the configured timeout.
func (a *App) lock(ctx context.Context, keys ...string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, a.lockTimeout)
	defer cancel()
	unlock, err := a.locker.Lock(lockCtx, keys...)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire lock: %w", ErrUnavailable, err)
	}
	return unlock, nil
}

func bookKey(id string) string   { return "book:" + id }
func memberKey(id string) string { return "member:" + id }
func authorKey(id string) string { return "author:" + id }

const (
	featuredKey   = "featured"
	authorSlugKey = "author-slug"
)

func emailKey(email string) string { return "member-email:" + email }

// publish emits ev after a commit. Failures are logged and never undo the transition.
func (a *App) publish(ctx context.Context, ev queue.Event) {
	if a.events == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = a.now()
	}
	if err := a.events.Publish(ctx, ev); err != nil {
		util.LoggerFromContext(ctx).Warn("publish event failed", "kind", ev.Kind, "err", err)
	}
}
