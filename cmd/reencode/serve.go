package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/bnema/reencode/config"
	"github.com/bnema/reencode/internal/adapter/converter/wrapper"
	HTTPAdapter "github.com/bnema/reencode/internal/adapter/http"
	"github.com/bnema/reencode/internal/adapter/storage/jsonfile"
	sqlitestore "github.com/bnema/reencode/internal/adapter/storage/sqlite"
	"github.com/bnema/reencode/internal/infrastructure/logger"
	"github.com/bnema/reencode/internal/infrastructure/workspace"
	"github.com/bnema/reencode/internal/port"
	"github.com/bnema/reencode/internal/service"
)

func openStore(cfg *config.Config) (port.JobStore, func() error, error) {
	switch cfg.StorageDriver {
	case config.StorageJSON:
		store, err := jsonfile.NewStore(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return nil }, nil
	default:
		store, err := sqlitestore.NewStore(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
}

func serve(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Infof("starting reencode %s on port %d, storage=%s", version, cfg.Port, cfg.StorageDriver)

	if err := workspace.Ensure(cfg.DataDir, cfg.TempDir); err != nil {
		return err
	}
	if _, err := workspace.CleanTemp(cfg.TempDir, log); err != nil {
		log.Warnf("temp cleanup incomplete: %v", err)
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = closeStore() }()

	eventBus := service.NewEventBus()
	jobQueue := service.NewJobQueue(eventBus, cfg.CancelGrace, log)
	executor := wrapper.NewExecutor(cfg.WrapperScript, cfg.TempDir, cfg.ExecPath, cfg.CancelGrace, log)
	jobSvc := service.NewJobService(store, jobQueue, log)

	if err := jobSvc.Recover(); err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := service.NewWorker(jobQueue, store, executor, eventBus, cfg.PollInterval, log)
	worker.Start(context.Background())

	var retention *service.Retention
	if cfg.HistoryRetentionDays > 0 {
		retention = service.NewRetention(store, cfg.HistoryRetentionDays, log)
		if err := retention.Start(cfg.RetentionSchedule); err != nil {
			return err
		}
	}

	server := HTTPAdapter.NewServer(jobSvc, eventBus, cfg.SourceMount, log)
	addr := fmt.Sprintf(":%d", cfg.Port)

	// Request contexts derive from baseCtx so event streams and websockets
	// end as soon as Shutdown starts.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	httpServer.RegisterOnShutdown(cancelBase)

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("server listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Infof("received shutdown signal")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
		_ = httpServer.Close()
	}

	if err := worker.Stop(shutdownCtx); err != nil {
		log.Warnf("worker stop: %v", err)
	}
	if retention != nil {
		retention.Stop()
	}
	if _, err := workspace.CleanTemp(cfg.TempDir, log); err != nil {
		log.Warnf("temp cleanup incomplete: %v", err)
	}

	log.Infof("shutdown complete")
	return runErr
}
