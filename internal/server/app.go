// Package server provides the core application server and dependency wiring.
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

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-job-tracker/internal/api"
	"github.com/JakeFAU/scrape-job-tracker/internal/channel"
	"github.com/JakeFAU/scrape-job-tracker/internal/clock/system"
	"github.com/JakeFAU/scrape-job-tracker/internal/config"
	"github.com/JakeFAU/scrape-job-tracker/internal/connectivity"
	"github.com/JakeFAU/scrape-job-tracker/internal/controller"
	"github.com/JakeFAU/scrape-job-tracker/internal/id/uuid"
	"github.com/JakeFAU/scrape-job-tracker/internal/logging"
	"github.com/JakeFAU/scrape-job-tracker/internal/persistence"
	gcspersistence "github.com/JakeFAU/scrape-job-tracker/internal/persistence/gcs"
	localpersistence "github.com/JakeFAU/scrape-job-tracker/internal/persistence/local"
	memorypersistence "github.com/JakeFAU/scrape-job-tracker/internal/persistence/memory"
	sqlitepersistence "github.com/JakeFAU/scrape-job-tracker/internal/persistence/sqlite"
	"github.com/JakeFAU/scrape-job-tracker/internal/progress"
	progresssinks "github.com/JakeFAU/scrape-job-tracker/internal/progress/sinks"
	"github.com/JakeFAU/scrape-job-tracker/internal/publisher"
	memorypublisher "github.com/JakeFAU/scrape-job-tracker/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scrape-job-tracker/internal/publisher/pubsub"
	"github.com/JakeFAU/scrape-job-tracker/internal/recovery"
	"github.com/JakeFAU/scrape-job-tracker/internal/registry"
	"github.com/JakeFAU/scrape-job-tracker/internal/remote"
	pgstore "github.com/JakeFAU/scrape-job-tracker/internal/storage/postgres"
	"github.com/JakeFAU/scrape-job-tracker/internal/store"
	"github.com/JakeFAU/scrape-job-tracker/internal/telemetry"
	"github.com/JakeFAU/scrape-job-tracker/internal/tracker"
)

// ServiceName identifies the service in traces and logs.
const ServiceName = "scrape-job-tracker"

// Version is stamped at build time.
var Version = "dev"

type closablePublisher interface {
	publisher.Publisher
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  tracker.Clock

	apiServer   *api.Server
	controller  *controller.Controller
	registry    *registry.Registry
	monitor     *connectivity.Monitor
	prober      *connectivity.Prober
	persistence *persistence.Adapter
	progressHub *progress.Hub
	publisher   closablePublisher
	notifier    *publisher.Notifier
	runStore    *pgstore.RunStore
	unsubscribe []func()

	tracerProvider *sdktrace.TracerProvider

	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("channel_mode", cfg.Channel.Mode),
		zap.String("persistence", cfg.Persistence.Backend),
	)
	built := false
	defer func() {
		if !built {
			app.closeInfrastructure(context.Background())
			app.closeObservability(context.Background())
		}
	}()

	var err error
	app.tracerProvider, err = telemetry.InitTracerProvider(ctx, ServiceName, Version)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	if err = setupPersistence(ctx, app); err != nil {
		return nil, err
	}
	if err = setupDatabase(ctx, app); err != nil {
		return nil, err
	}
	if err = setupProgress(ctx, app, reg); err != nil {
		return nil, err
	}

	var emitter progress.Emitter
	if app.progressHub != nil {
		emitter = app.progressHub
	}
	app.registry, err = registry.New(registry.Options{
		Clock:   app.clock,
		IDs:     uuid.New(),
		Emitter: emitter,
		Logger:  logger.Named("registry"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry init failed: %w", err)
	}

	if err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}

	app.monitor = connectivity.NewMonitor(app.clock, logger.Named("connectivity"))
	if cfg.Connectivity.ProbeURL != "" {
		app.prober, err = connectivity.NewProber(connectivity.ProberConfig{
			URL:              cfg.Connectivity.ProbeURL,
			Interval:         cfg.Connectivity.ProbeInterval,
			Timeout:          cfg.Connectivity.ProbeTimeout,
			FailureThreshold: cfg.Connectivity.FailureThreshold,
		}, app.monitor, nil, app.clock, logger.Named("prober"))
		if err != nil {
			return nil, fmt.Errorf("prober init failed: %w", err)
		}
	}

	policies, err := recoveryPolicies(cfg.Recovery)
	if err != nil {
		return nil, err
	}
	manager, err := recovery.NewManager(recovery.Options{
		Jobs:         app.registry,
		Clock:        app.clock,
		Policies:     policies,
		AutoRetry:    cfg.Recovery.AutoRetry,
		RetryContext: ctx,
		Logger:       logger.Named("recovery"),
	})
	if err != nil {
		return nil, fmt.Errorf("recovery init failed: %w", err)
	}

	backend, err := remote.New(remote.Config{
		BaseURL:      cfg.Backend.BaseURL,
		StartPath:    cfg.Backend.StartPath,
		ProgressPath: cfg.Backend.ProgressPath,
		Timeout:      cfg.Backend.Timeout,
		APIKey:       cfg.Backend.APIKey,
		UserAgent:    cfg.Backend.UserAgent,
		RateLimit:    remote.LimiterConfig{RPS: cfg.Backend.RateLimit.RPS, Burst: cfg.Backend.RateLimit.Burst},
	}, nil, logger.Named("backend"))
	if err != nil {
		return nil, fmt.Errorf("backend client init failed: %w", err)
	}

	transport, err := setupTransport(app, backend)
	if err != nil {
		return nil, err
	}

	app.controller, err = controller.New(controller.Options{
		Registry:      app.registry,
		Backend:       backend,
		Channel:       channel.New(transport, app.monitor, logger.Named("channel")),
		Recovery:      manager,
		Persistence:   app.persistence,
		Monitor:       app.monitor,
		Clock:         app.clock,
		SnapshotDelay: cfg.Persistence.SnapshotDelay,
		Logger:        logger.Named("controller"),
	})
	if err != nil {
		return nil, fmt.Errorf("controller init failed: %w", err)
	}

	var history store.RunRepository
	if app.runStore != nil {
		history = app.runStore
	}
	app.apiServer = api.NewServer(app.controller, history, *cfg, logger.Named("api"))
	built = true
	return app, nil
}

// Controller exposes the job controller, for CLI commands that drive it directly.
func (a *App) Controller() *controller.Controller {
	return a.controller
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Start restores persisted state and connects the update channel. ctx bounds
// the channel and prober.
func (a *App) Start(ctx context.Context) (controller.InitReport, error) {
	report, err := a.controller.Initialize(ctx)
	if err != nil {
		return report, fmt.Errorf("initialize controller: %w", err)
	}
	if a.prober != nil {
		a.prober.Start(ctx)
	}
	return report, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := a.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("application started", zap.String("version", Version))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
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

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application. Calls after the first return
// the first call's result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.controller != nil {
			if err := a.controller.Close(ctx); err != nil {
				a.closeErr = fmt.Errorf("close controller: %w", err)
			}
		}
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		a.closeObservability(ctx)
	})
	return a.closeErr
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.prober != nil {
		a.prober.Stop()
	}
	for _, fn := range a.unsubscribe {
		fn()
	}
	a.unsubscribe = nil
	if a.notifier != nil {
		if err := a.notifier.Close(ctx); err != nil {
			a.logger.Warn("notifier close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.persistence != nil {
		if err := a.persistence.Close(); err != nil {
			a.logger.Warn("persistence close failed", zap.Error(err))
		}
	}
	if a.runStore != nil {
		a.runStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

func setupPersistence(ctx context.Context, app *App) error {
	var (
		backing persistence.Store
		err     error
	)
	cfg := app.cfg.Persistence
	switch cfg.Backend {
	case config.PersistenceGCS:
		backing, err = gcspersistence.Dial(ctx, gcspersistence.Config{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
		if err != nil {
			return fmt.Errorf("gcs persistence init failed: %w", err)
		}
		app.logger.Info("using GCS persistence", zap.String("bucket", cfg.GCSBucket))
	case config.PersistenceSQLite:
		backing, err = sqlitepersistence.New(ctx, sqlitepersistence.Config{Path: cfg.SQLitePath})
		if err != nil {
			return fmt.Errorf("sqlite persistence init failed: %w", err)
		}
		app.logger.Info("using sqlite persistence", zap.String("path", cfg.SQLitePath))
	case config.PersistenceLocal:
		backing, err = localpersistence.New(localpersistence.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return fmt.Errorf("local persistence init failed: %w", err)
		}
		app.logger.Info("using local persistence", zap.String("path", cfg.LocalDir))
	default:
		app.logger.Info("using in-memory persistence; state will not survive restarts")
		backing = memorypersistence.New()
	}
	app.persistence, err = persistence.NewAdapter(backing, app.clock, app.logger.Named("persistence"))
	if err != nil {
		_ = backing.Close()
		return fmt.Errorf("persistence adapter init failed: %w", err)
	}
	return nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, skipping run history")
		return nil
	}
	var err error
	app.runStore, err = pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:             app.cfg.Database.DSN,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
		Migrate:         app.cfg.Database.Migrate,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	app.logger.Info("run history store initialized")
	return nil
}

func setupProgress(ctx context.Context, app *App, reg prometheus.Registerer) error {
	var sinkList []progress.Sink
	if app.runStore != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.runStore, app.logger.Named("progress_store")))
		app.logger.Debug("Added progress store sink")
	}
	if app.cfg.Progress.LogSink {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	if app.cfg.Progress.PrometheusSink {
		promSink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return fmt.Errorf("prometheus progress sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
		app.logger.Debug("Added progress prometheus sink")
	}
	if len(sinkList) == 0 {
		app.logger.Info("no progress sinks configured; lifecycle events are dropped")
		return nil
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   app.cfg.Progress.MaxBatchWait,
		SinkTimeout:    app.cfg.Progress.SinkTimeout,
		BaseContext:    ctx,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	cfg := app.cfg.PubSub
	if cfg.ProjectID == "" {
		app.logger.Warn("No Pub/Sub project configured, using in-memory publisher")
		app.publisher = memorypublisher.New(cfg.MemoryLimit)
	} else {
		pub, err := gcppublisher.Dial(ctx, cfg.ProjectID, cfg.TopicName)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.publisher = pub
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.ProjectID),
			zap.String("topic", cfg.TopicName),
		)
	}
	app.notifier = publisher.NewNotifier(app.publisher, publisher.NotifierConfig{
		Topic:   cfg.TopicName,
		Timeout: cfg.PublishTimeout,
		Clock:   app.clock,
		Logger:  app.logger.Named("notifier"),
	})
	app.unsubscribe = append(app.unsubscribe, app.registry.OnChange(app.notifier.Handle))
	return nil
}

func setupTransport(app *App, backend *remote.Client) (channel.Transport, error) {
	cfg := app.cfg.Channel
	backoff := channel.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax, MaxAttempts: cfg.MaxAttempts}
	if cfg.Mode == config.ChannelPush {
		header := http.Header{}
		if app.cfg.Backend.APIKey != "" {
			header.Set("Authorization", "Bearer "+app.cfg.Backend.APIKey)
		}
		if app.cfg.Backend.UserIdentity != "" {
			header.Set(remote.IdentityHeader, app.cfg.Backend.UserIdentity)
		}
		push, err := channel.NewPushTransport(app.registry, app.clock, channel.PushConfig{
			URL:              cfg.PushURL,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Header:           header,
			Backoff:          backoff,
		}, app.logger.Named("push"))
		if err != nil {
			return nil, fmt.Errorf("push transport init failed: %w", err)
		}
		app.logger.Info("using push update channel", zap.String("url", cfg.PushURL))
		return push, nil
	}
	app.logger.Info("using poll update channel", zap.Duration("interval", cfg.PollInterval))
	return channel.NewPollTransport(backend, app.registry, app.clock, channel.PollConfig{
		Interval: cfg.PollInterval,
		Backoff:  backoff,
	}, app.logger.Named("poll")), nil
}

func recoveryPolicies(cfg config.RecoveryConfig) (recovery.Policies, error) {
	overrides := recovery.Policies{}
	for name, p := range cfg.Policies {
		category := recovery.Category(name)
		known := false
		for _, c := range recovery.Categories {
			if c == category {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("recovery.policies: unknown category %q", name)
		}
		overrides[category] = recovery.Policy{
			RetryDelay:        p.RetryDelay,
			MaxRetries:        p.MaxRetries,
			BackoffMultiplier: p.BackoffMultiplier,
		}
	}
	return recovery.DefaultPolicies().With(overrides), nil
}
