package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"libraryhub/internal/util"
	"libraryhub/services/library/internal/bootstrap"
	"libraryhub/services/library/internal/config"
	"libraryhub/services/library/internal/server"
)

func main() {
	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	rt, err := bootstrap.Open(cfg)
	if err != nil {
		log.Fatalf("failed to init runtime: %v", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("close runtime", "err", err)
		}
	}()

	httpServer, err := server.New(server.Config{
		App:           rt.App,
		TokenVerifier: rt.TokenVerifier,
		TokenRevoker:  rt.TokenRevoker,
		LoanLimiter:   rt.LoanLimiter,
		CORSOrigins:   cfg.CORSOrigins,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("library server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("library server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
