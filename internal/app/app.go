// Package app builds long-lived services from configuration and owns their
// shutdown, acting as the dependency injection container for both the
// one-shot fetch command and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/api"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/config"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/credentials"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/engine"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/id/uuid"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/planner"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/progress"
	progresssinks "github.com/JakeFAU/realtime-cpi-catalog/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/realtime-cpi-catalog/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/realtime-cpi-catalog/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/refresh"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/search"
	gcswriter "github.com/JakeFAU/realtime-cpi-catalog/internal/storage/gcs"
	memorystorage "github.com/JakeFAU/realtime-cpi-catalog/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-cpi-catalog/internal/storage/postgres"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/storage/snapshot"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

// Option customizes Build.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
}

// WithRegisterer registers the progress collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	progressHub *progress.Hub
	runner      *refresh.Runner
	runs        *memorystorage.RunStore
	queue       *refresh.Queue
	dispatch    *refresh.Dispatcher
	apiServer   *api.Server

	writer       catalog.Writer
	publisher    catalog.Publisher
	pubsubClient *pubsub.Client
	pubsubPub    *gcppublisher.Publisher
	gcsClient    *storage.Client
	pgStore      *pgstore.CatalogStore

	closeOnce sync.Once
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	a.logger.Info("building application dependencies",
		zap.String("storage", cfg.Storage.Provider),
		zap.Int("burst_workers", cfg.Engine.BurstWorkers),
	)

	if err := a.setupWriter(ctx); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}
	if err := a.setupPublisher(ctx); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}
	if err := a.setupProgress(ctx, o.registerer); err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}

	eng, err := a.buildEngine()
	if err != nil {
		a.closeInfrastructure(ctx)
		return nil, err
	}
	creds := credentials.NewStatic(cfg.Search.APIKey, cfg.Search.AppID)
	a.runner = refresh.NewRunner(eng, creds, a.writer, a.publisher, cfg.PubSub.TopicName, logger)

	a.runs = memorystorage.NewRunStore()
	a.queue = refresh.NewQueue(cfg.Server.QueueDepth)
	a.dispatch = refresh.NewDispatcher(a.queue, a.runner, a.runs, cfg.Server.Workers, logger,
		refresh.WithIDGenerator(uuid.New()))
	a.apiServer = api.NewServer(a.dispatch, a.runs, cfg, logger)
	return a, nil
}

func (a *App) buildEngine() (*engine.Engine, error) {
	initial, maxDelay := a.cfg.Backoff()
	client, err := search.New(search.Config{
		BaseURL:         a.cfg.Search.BaseURL,
		IndexName:       a.cfg.Search.IndexName,
		StoreAttribute:  a.cfg.Search.StoreAttribute,
		Timeout:         a.cfg.SearchTimeout(),
		MaxConnsPerHost: a.cfg.Search.MaxConnsPerHost,
		MaxQPS:          a.cfg.Search.MaxQPS,
		MaxRetries:      a.cfg.Engine.MaxTransientRetries,
		BackoffInitial:  initial,
		BackoffMax:      maxDelay,
	}, a.logger.Named("search"))
	if err != nil {
		return nil, fmt.Errorf("search client init failed: %w", err)
	}
	pl := planner.New(planner.Config{
		HardCap:            a.cfg.Engine.HardCap,
		MaxPlanIterations:  a.cfg.Engine.MaxPlanIterations,
		FirstPassMaxValues: a.cfg.Planner.FirstPassMaxValues,
		Priority:           a.cfg.Planner.PriorityAttributes,
		Skip:               a.cfg.Planner.SkipAttributes,
	})
	var emitter progress.Emitter = progress.NopEmitter{}
	if a.progressHub != nil {
		emitter = a.progressHub
	}
	return engine.New(client, pl, engine.Config{
		BurstWorkers: a.cfg.Engine.BurstWorkers,
		OutputBuffer: a.cfg.Engine.OutputBuffer,
	}, a.logger, emitter), nil
}

func (a *App) setupWriter(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Provider {
	case config.StorageSnapshot:
		a.writer, err = snapshot.New(snapshot.Config{BaseDir: a.cfg.Storage.BaseDir})
	case config.StorageSQLite:
		a.writer, err = sqlite.New(sqlite.Config{BaseDir: a.cfg.Storage.BaseDir})
	case config.StoragePostgres:
		pg := a.cfg.Storage.Postgres
		a.pgStore, err = pgstore.NewCatalogStore(ctx, pgstore.Config{
			DSN:          pg.DSN,
			ItemsTable:   pg.ItemsTable,
			RefreshTable: pg.RefreshTable,
			MaxConns:     pg.MaxConns,
		}, a.logger)
		a.writer = a.pgStore
	case config.StorageGCS:
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.writer, err = gcswriter.New(a.gcsClient, gcswriter.Config{
			Bucket: a.cfg.Storage.GCS.Bucket,
			Prefix: a.cfg.Storage.GCS.Prefix,
		})
	default:
		a.writer = memorystorage.NewCatalogStore()
	}
	if err != nil {
		return fmt.Errorf("%s writer init failed: %w", a.cfg.Storage.Provider, err)
	}
	a.logger.Info("catalog writer ready", zap.String("provider", a.cfg.Storage.Provider))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPub = gcppublisher.New(a.pubsubClient, a.cfg.PubSub.TopicName, a.logger)
	a.publisher = a.pubsubPub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	sinkList := make([]progress.Sink, 0, 2)
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if a.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	p := a.cfg.Progress
	hubCfg := progress.Config{
		BufferSize:     p.BufferSize,
		MaxBatchEvents: p.MaxBatchEvents,
		MaxBatchWait:   time.Duration(p.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(p.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Debug("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
	)
	return nil
}

// Runner exposes the refresh runner.
func (a *App) Runner() *refresh.Runner {
	return a.runner
}

// Refresh runs one refresh in the calling goroutine, bypassing the run
// registry.
func (a *App) Refresh(ctx context.Context, stores []string, opts refresh.Options) (refresh.Summary, error) {
	summary, err := a.runner.Run(ctx, stores, opts)
	if err != nil {
		return summary, fmt.Errorf("refresh: %w", err)
	}
	return summary, nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Serve runs the dispatcher and HTTP server until ctx is canceled, then
// shuts both down.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Server.Workers))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.apiServer.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	<-dispatchDone

	select {
	case err := <-serveErr:
		return errors.Join(err, a.Close(shutdownCtx))
	default:
		return a.Close(shutdownCtx)
	}
}

// Close releases infrastructure clients and flushes progress sinks. Repeated
// calls are no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPub != nil {
		a.pubsubPub.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}
