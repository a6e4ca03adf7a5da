package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	appcfg "github.com/jo-hoe/articlegen/internal/config"
	"github.com/jo-hoe/articlegen/internal/images"
	"github.com/jo-hoe/articlegen/internal/jobs"
	"github.com/jo-hoe/articlegen/internal/llm"
	"github.com/jo-hoe/articlegen/internal/llm/aiproxy"
	"github.com/jo-hoe/articlegen/internal/llm/mock"
	"github.com/jo-hoe/articlegen/internal/processor"
	"github.com/jo-hoe/articlegen/internal/server"
	"github.com/jo-hoe/articlegen/internal/stages"
)

func main() {
	// Load config
	cfg, err := appcfg.Load("")
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	// Logger
	level, _ := appcfg.ParseLogLevel(cfg.Server.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("articlegen stopped with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *appcfg.Config, logger *slog.Logger) error {
	// Store (SQLite)
	store, err := jobs.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// LLM client
	var completer llm.Completer
	switch strings.ToLower(cfg.LLM.Provider) {
	case "mock":
		completer = mock.New(cfg.LLM.Mock)
	case "aiproxy":
		completer = aiproxy.New(cfg.LLM.AIProxy)
	default:
		return errors.New("unsupported llm provider " + cfg.LLM.Provider)
	}
	logger.Info("llm provider selected", "provider", cfg.LLM.Provider)

	gateway := llm.NewGateway(completer, logger)
	executor := stages.NewExecutor(gateway, cfg, logger)
	emitter := images.NewEmitter(cfg.Images, logger)
	orchestrator := processor.New(logger, cfg, store, executor, emitter)

	// Worker pool
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	queue := jobs.NewQueue(logger, cfg.Server.QueueCapacity, cfg.Server.WorkerCount)
	if err := queue.Start(rootCtx, orchestrator); err != nil {
		return err
	}
	defer queue.Shutdown(cfg.Server.ShutdownGrace)

	// Resume jobs interrupted by a previous shutdown or crash.
	active, err := store.ListActive(rootCtx)
	if err != nil {
		return err
	}
	for _, id := range active {
		if err := queue.Enqueue(id); err != nil {
			logger.Warn("resume enqueue failed", "job_id", id, "err", err)
			continue
		}
		logger.Info("job resumed", "job_id", id)
	}

	// HTTP server
	httpSrv := server.NewHTTPServer(&server.Service{
		Log:      logger,
		Cfg:      cfg,
		Store:    store,
		Queue:    queue,
		Pipeline: orchestrator,
	})

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		logger.Info("http server starting", "address", cfg.Server.Addr, "max_body", cfg.Server.MaxBodySize.String())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancelShutdown()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}
