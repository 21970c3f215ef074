// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobqueue/internal/api"
	"github.com/JakeFAU/jobqueue/internal/archive"
	gcsarchive "github.com/JakeFAU/jobqueue/internal/archive/gcs"
	localarchive "github.com/JakeFAU/jobqueue/internal/archive/local"
	memoryarchive "github.com/JakeFAU/jobqueue/internal/archive/memory"
	memoryfeed "github.com/JakeFAU/jobqueue/internal/changefeed/memory"
	redisfeed "github.com/JakeFAU/jobqueue/internal/changefeed/redis"
	"github.com/JakeFAU/jobqueue/internal/clock/system"
	"github.com/JakeFAU/jobqueue/internal/config"
	"github.com/JakeFAU/jobqueue/internal/events"
	"github.com/JakeFAU/jobqueue/internal/events/sinks"
	"github.com/JakeFAU/jobqueue/internal/id/uuid"
	"github.com/JakeFAU/jobqueue/internal/intake"
	"github.com/JakeFAU/jobqueue/internal/live"
	"github.com/JakeFAU/jobqueue/internal/logging"
	memorypublisher "github.com/JakeFAU/jobqueue/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/jobqueue/internal/publisher/pubsub"
	"github.com/JakeFAU/jobqueue/internal/queue"
	"github.com/JakeFAU/jobqueue/internal/scheduler"
	"github.com/JakeFAU/jobqueue/internal/settings"
	memorystore "github.com/JakeFAU/jobqueue/internal/storage/memory"
	pgstore "github.com/JakeFAU/jobqueue/internal/storage/postgres"
	"github.com/JakeFAU/jobqueue/internal/telemetry"
)

// ServiceName identifies the process in traces.
const ServiceName = "jobqueue"

// Version is stamped at build time with -ldflags.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	intake    *intake.Service
	settings  *settings.Store
	apiServer *api.Server
	scheduler *scheduler.Scheduler
	eventHub  *events.Hub
	ready     map[string]api.Pinger

	pool            *pgxpool.Pool
	redis           *goredis.Client
	bus             *memoryfeed.Bus
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	tracerShutdown  func(context.Context) error

	closeOnce sync.Once
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg config.Config, logger *zap.Logger) *App {
	// Only non-sensitive fields are logged.
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("changefeed", cfg.ChangeFeed.Backend),
		zap.String("archive", cfg.Archive.Backend),
		zap.Bool("pubsub", cfg.PubSub.Enabled()),
		zap.Bool("auth", cfg.Auth.Enabled),
	)
	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		ready:    map[string]api.Pinger{},
	}
}

// Intake exposes the queue service for CLI commands.
func (a *App) Intake() *intake.Service {
	return a.intake
}

// Settings exposes the configuration store for CLI commands.
func (a *App) Settings() *settings.Store {
	return a.settings
}

// Maintain runs one reap pass and, when enabled, one auto-retry pass.
func (a *App) Maintain(ctx context.Context) error {
	if err := a.scheduler.RunOnce(ctx); err != nil {
		return fmt.Errorf("maintenance pass: %w", err)
	}
	return nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the scheduler and HTTP server and blocks until the context is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.scheduler.Start()
	a.logger.Info("scheduler started", zap.Int("jobs", a.scheduler.Jobs()))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close gracefully shuts down the application. Calls after the first are
// no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.scheduler != nil {
			if err := a.scheduler.Stop(ctx); err != nil {
				a.logger.Warn("scheduler stop failed", zap.Error(err))
			}
		}
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		a.closeObservability(ctx)
	})
	return nil
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.eventHub != nil {
		if err := a.eventHub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stdout/stderr for some platforms; nothing to do about it.
	_ = a.logger.Sync()
}

// Build creates the application's dependencies. On error, whatever was already
// opened is closed before returning.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := NewApp(cfg, logger)
	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	tp, err := telemetry.InitTracerProvider(ctx, ServiceName, Version)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.logger.Info("building application dependencies")
	clock := system.New()

	feed, err := a.setupChangeFeed(ctx)
	if err != nil {
		return err
	}

	store, results, docs, err := a.setupStore(ctx, clock, feed)
	if err != nil {
		return err
	}
	a.settings = settings.NewStore(docs, a.cfg.QueueDefaults.Settings())

	archiver, err := a.setupArchive(ctx, clock)
	if err != nil {
		return err
	}

	notifier, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	emitter, err := a.setupEvents(ctx)
	if err != nil {
		return err
	}

	a.intake, err = intake.New(intake.Deps{
		Store:    store,
		Results:  results,
		Settings: a.settings,
		Notifier: notifier,
		Events:   emitter,
		Archiver: archiver,
		Clock:    clock,
		Logger:   a.logger.Named("intake"),
	})
	if err != nil {
		return fmt.Errorf("intake init failed: %w", err)
	}

	a.scheduler, err = scheduler.New(a.intake, a.cfg.Scheduler, a.logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	projector, err := live.New(store, feed, live.Options{
		Buffer: a.cfg.Server.LiveBuffer,
		Logger: a.logger.Named("live"),
	})
	if err != nil {
		return fmt.Errorf("live projector init failed: %w", err)
	}

	httpMetrics, err := telemetry.NewHTTPMetrics(a.registry)
	if err != nil {
		return err
	}

	a.apiServer, err = api.NewServer(api.Deps{
		Queue:    a.intake,
		Settings: a.settings,
		Live:     projector,
		Clock:    clock,
		Gatherer: a.registry,
		Metrics:  httpMetrics,
		Ready:    a.ready,
		Logger:   a.logger.Named("api"),
	}, a.cfg)
	if err != nil {
		return fmt.Errorf("api init failed: %w", err)
	}
	return nil
}

func (a *App) setupChangeFeed(ctx context.Context) (queue.ChangeFeed, error) {
	switch a.cfg.ChangeFeed.Backend {
	case config.BackendRedis:
		a.redis = goredis.NewClient(&goredis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		feed := redisfeed.New(a.redis, a.cfg.Redis.Channel, a.cfg.ChangeFeed.Buffer, a.logger.Named("changefeed"))
		if err := feed.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis changefeed init failed: %w", err)
		}
		a.ready["redis"] = feed
		a.logger.Info("using redis change feed",
			zap.String("addr", a.cfg.Redis.Addr),
			zap.String("channel", a.cfg.Redis.Channel))
		return feed, nil
	default:
		a.logger.Info("using in-memory change feed")
		a.bus = memoryfeed.NewBus(a.cfg.ChangeFeed.Buffer)
		return a.bus, nil
	}
}

func (a *App) setupStore(
	ctx context.Context,
	clock queue.Clock,
	feed queue.ChangePublisher,
) (queue.Store, queue.ResultReader, settings.DocumentStore, error) {
	ids := uuid.New()
	switch a.cfg.Store.Backend {
	case config.BackendPostgres:
		var err error
		a.pool, err = pgstore.Open(ctx, a.cfg.DB.Postgres())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres init failed: %w", err)
		}
		if a.cfg.DB.EnsureSchema {
			if err := pgstore.EnsureSchema(ctx, a.pool); err != nil {
				return nil, nil, nil, err
			}
		}
		items, err := pgstore.NewItemStore(a.pool, ids, clock, feed, a.logger.Named("store"))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("item store init failed: %w", err)
		}
		results, err := pgstore.NewResultStore(a.pool)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("result store init failed: %w", err)
		}
		docs, err := pgstore.NewDocumentStore(a.pool, clock)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("document store init failed: %w", err)
		}
		a.ready["postgres"] = items
		a.logger.Info("using postgres store")
		return items, results, docs, nil
	default:
		a.logger.Warn("using in-memory store; queue state is lost on restart")
		return memorystore.NewItemStore(ids, clock, feed, a.logger.Named("store")),
			memorystore.NewResultStore(),
			memorystore.NewDocumentStore(),
			nil
	}
}

func (a *App) setupArchive(ctx context.Context, clock queue.Clock) (*archive.Archiver, error) {
	var blobs archive.BlobStore
	switch a.cfg.Archive.Backend {
	case config.BackendGCS:
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err = gcsarchive.New(a.storage, gcsarchive.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.logger.Info("using GCS archive", zap.String("bucket", a.cfg.Archive.Bucket))
	case config.BackendLocal:
		var err error
		blobs, err = localarchive.New(localarchive.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("using local archive", zap.String("base_dir", a.cfg.Archive.BaseDir))
	default:
		a.logger.Info("using in-memory archive")
		blobs = memoryarchive.NewBlobStore()
	}
	return archive.New(blobs, a.cfg.Archive.Prefix, clock), nil
}

func (a *App) setupPublisher(ctx context.Context) (queue.Notifier, error) {
	if !a.cfg.PubSub.Enabled() {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory notifier")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub notifier initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(a.pubsubPublisher), nil
}

func (a *App) setupEvents(ctx context.Context) (events.Emitter, error) {
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	hubCfg := a.cfg.Events
	hubCfg.BaseContext = ctx
	hubCfg.Logger = a.logger.Named("event_hub")
	a.eventHub = events.NewHub(hubCfg, promSink, sinks.NewLogSink(a.logger.Named("events")))
	a.logger.Info("event hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return a.eventHub, nil
}
