package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/gridsync/internal/access"
	"github.com/agentworkforce/gridsync/internal/config"
	"github.com/agentworkforce/gridsync/internal/httpapi"
	"github.com/agentworkforce/gridsync/internal/recordstore"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		logrus.Fatalf("failed to load configuration: %v", err)
	}
	logger := config.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("server failed")
	}
}

type app struct {
	repo    recordstore.Repository
	server  *httpapi.Server
	watcher *access.Watcher
}

func build(cfg config.Server, logger logrus.FieldLogger) (*app, error) {
	repo, err := recordstore.Open(cfg.StoreDSN)
	if err != nil {
		return nil, err
	}
	a := &app{repo: repo}
	var policy access.Source = access.StaticSource{Policy: access.DefaultPolicy()}
	if cfg.PolicyFile != "" {
		watcher, err := access.NewWatcher(cfg.PolicyFile, logger)
		if err != nil {
			_ = repo.Close()
			return nil, err
		}
		a.watcher = watcher
		policy = watcher
	}
	server, err := httpapi.NewServer(repo, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		ArchivedPeriods: cfg.ArchivedPeriods,
		Policy:          policy,
		RateLimit:       cfg.RateLimit,
		RateBurst:       cfg.RateBurst,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Logger:          logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.server = server
	return a, nil
}

func (a *app) close() {
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	_ = a.repo.Close()
}

func run(ctx context.Context, cfg config.Server, logger logrus.FieldLogger) error {
	a, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", cfg.Addr).Info("gridsyncd listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error {
			a.watcher.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
