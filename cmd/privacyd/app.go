package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-privacy/pkg/api"
	"github.com/polisai/polis-privacy/pkg/config"
	"github.com/polisai/polis-privacy/pkg/connector"
	"github.com/polisai/polis-privacy/pkg/engine"
	"github.com/polisai/polis-privacy/pkg/policy"
	"github.com/polisai/polis-privacy/pkg/queue"
	"github.com/polisai/polis-privacy/pkg/scheduler"
	"github.com/polisai/polis-privacy/pkg/storage"
	"github.com/polisai/polis-privacy/pkg/upload"
)

// app holds the wired service.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *storage.Store
	registry  *connector.Registry
	datasets  *config.DatasetProvider
	orch      *engine.Orchestrator
	queue     *queue.MemoryQueue
	scheduler *scheduler.Scheduler
	api       *api.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	if cfg.Datasets.Dir == "" {
		return nil, errors.New("datasets.dir is required")
	}
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.store, err = storage.Open(cfg.StoreConfig(logger)); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if a.registry, err = connector.NewRegistry(cfg.ConnectionConfigs(), logger); err != nil {
		return nil, fmt.Errorf("build connectors: %w", err)
	}
	policies, err := policy.NewMemoryProvider(cfg.Policies...)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	if a.datasets, err = config.NewDatasetProvider(cfg.Datasets.Dir, cfg.Datasets.Watch, logger); err != nil {
		return nil, fmt.Errorf("load datasets: %w", err)
	}

	var rego *policy.Engine
	if cfg.Rego.Enabled() {
		modules, err := cfg.Rego.LoadModules()
		if err != nil {
			return nil, err
		}
		rego, err = policy.NewEngine(ctx, policy.EngineOptions{
			Entrypoint:      cfg.Rego.Entrypoint,
			Modules:         modules,
			CacheMaxEntries: cfg.Rego.CacheSize,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("compile rego modules: %w", err)
		}
	}

	uploader, err := upload.New(ctx, cfg.Upload)
	if err != nil {
		return nil, fmt.Errorf("build uploader: %w", err)
	}

	executor := engine.NewExecutor(engine.ExecutorOptions{
		Connectors:      a.registry,
		Results:         a.store.Results,
		Tasks:           a.store.Tasks,
		Requests:        a.store.Requests,
		PollInterval:    cfg.Execution.PollInterval,
		MaxPollDuration: cfg.Execution.MaxPollDuration,
		Logger:          logger,
	})
	retry := cfg.Execution.Retry.Governance()
	a.orch, err = engine.NewOrchestrator(engine.Options{
		Store:             a.store,
		Graphs:            a.datasets,
		Policies:          policies,
		Connectors:        a.registry,
		Executor:          executor,
		Uploader:          uploader,
		Rego:              rego,
		Mode:              cfg.Execution.Mode,
		Workers:           cfg.Execution.Workers,
		Retry:             retry,
		EmailBatchWindow:  cfg.Execution.EmailBatchWindow,
		ExcludeIrrelevant: cfg.Execution.ExcludeIrrelevant,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	a.queue = queue.NewMemoryQueue()
	a.scheduler, err = scheduler.New(scheduler.Options{
		Queue:    a.queue,
		Store:    a.store,
		Pipeline: a.orch,
		Executor: executor,
		Workers:  cfg.Execution.Workers,
		Retry:    retry,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	a.orch.SetDispatcher(a.scheduler)

	a.api = api.NewServer(api.Options{
		Pipeline:   a.orch,
		Controller: a.scheduler,
		Store:      a.store,
		Breakers:   a.registry,
		Metrics:    a.scheduler.Metrics().Handler(),
		Logger:     logger,
	})
	return a, nil
}

// run serves the API and the workers until ctx is canceled.
func (a *app) run(ctx context.Context) error {
	if _, err := a.scheduler.Recover(ctx); err != nil {
		return fmt.Errorf("recover unfinished requests: %w", err)
	}

	listener, err := net.Listen("tcp", a.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("bind %s: %w", a.cfg.Server.Address, err)
	}
	server := &http.Server{
		Handler:      a.api,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	a.logger.Info("Server listening", "addr", listener.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		a.queue.Close()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *app) close() {
	if a.datasets != nil {
		if err := a.datasets.Close(); err != nil {
			a.logger.Error("Failed to close dataset watcher", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("Failed to close storage", "error", err)
		}
	}
}
