// Package bootstrap builds the library core from configuration so the HTTP
// service and the operator CLI share one wiring.
package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"libraryhub/internal/keylock"
	"libraryhub/internal/ratelimit"
	"libraryhub/internal/usertoken"
	"libraryhub/pkg/queue"
	"libraryhub/pkg/store"
	"libraryhub/services/library/internal/app"
	"libraryhub/services/library/internal/config"
)

// Runtime holds the wired core and the resources that must be closed on shutdown.
type Runtime struct {
	App           *app.App
	Store         store.Store
	TokenVerifier *usertoken.Verifier
	TokenRevoker  usertoken.Revoker
	LoanLimiter   ratelimit.Limiter
	// Events is nil unless redisAddr is configured.
	Events *queue.RedisEventStream

	closers []func() error
}

// Open wires the store, locker, token verifier and revoker, and the optional
// limiter and event stream from cfg. An empty databaseURL selects the in-memory
// store. An empty redisAddr keeps locks and revocations in-process and
// disables events.
func Open(cfg config.FileConfig) (*Runtime, error) {
	rt := &Runtime{}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close()
		}
	}()

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		slog.Warn("databaseURL empty, using in-memory store")
		rt.Store = store.NewMemoryStore()
	} else {
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		rt.Store = gormStore
		rt.closers = append(rt.closers, gormStore.Close)
	}

	var locker keylock.Locker
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		locker = keylock.NewMemoryLocker()
		rt.TokenRevoker = usertoken.NewMemoryRevoker()
	} else {
		redisLocker, err := keylock.NewRedisLocker(keylock.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis locker: %w", err)
		}
		locker = redisLocker
		rt.closers = append(rt.closers, redisLocker.Close)

		events, err := queue.NewRedisEventStream(queue.RedisStreamConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.EventStream,
		})
		if err != nil {
			return nil, fmt.Errorf("init event stream: %w", err)
		}
		rt.Events = events
		rt.closers = append(rt.closers, events.Close)

		revoker := usertoken.NewRedisRevoker(cfg.RedisAddr, cfg.RedisPassword, "")
		rt.TokenRevoker = revoker
		rt.closers = append(rt.closers, revoker.Close)
	}

	if cfg.BorrowRateLimitPerMinute > 0 {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.BorrowRateLimitPerMinute, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init loan limiter: %w", err)
		}
		rt.LoanLimiter = limiter
		rt.closers = append(rt.closers, limiter.Close)
	}

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.TokenSecret,
		Issuer:   cfg.TokenIssuer,
		Audience: cfg.TokenAudience,
	})
	if err != nil {
		return nil, fmt.Errorf("init token verifier: %w", err)
	}
	rt.TokenVerifier = verifier

	appCfg := app.Config{
		Store:       rt.Store,
		Locker:      locker,
		LockTimeout: cfg.LockTimeout,
	}
	if rt.Events != nil {
		appCfg.Events = rt.Events
	}
	core, err := app.New(appCfg)
	if err != nil {
		return nil, fmt.Errorf("init app: %w", err)
	}
	rt.App = core
	ok = true
	return rt, nil
}

// Close releases every opened resource, newest first.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
