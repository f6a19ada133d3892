// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/tabclip/internal/api"
	"github.com/JakeFAU/tabclip/internal/archive"
	"github.com/JakeFAU/tabclip/internal/batch"
	"github.com/JakeFAU/tabclip/internal/bookmarks"
	"github.com/JakeFAU/tabclip/internal/browser"
	"github.com/JakeFAU/tabclip/internal/bypass"
	"github.com/JakeFAU/tabclip/internal/capture"
	"github.com/JakeFAU/tabclip/internal/clipper"
	"github.com/JakeFAU/tabclip/internal/clock/system"
	"github.com/JakeFAU/tabclip/internal/config"
	"github.com/JakeFAU/tabclip/internal/correlator"
	"github.com/JakeFAU/tabclip/internal/dedupe"
	"github.com/JakeFAU/tabclip/internal/history"
	"github.com/JakeFAU/tabclip/internal/id/uuid"
	memorykv "github.com/JakeFAU/tabclip/internal/kv/memory"
	pgkv "github.com/JakeFAU/tabclip/internal/kv/postgres"
	"github.com/JakeFAU/tabclip/internal/logging"
	"github.com/JakeFAU/tabclip/internal/messages"
	"github.com/JakeFAU/tabclip/internal/metrics"
	"github.com/JakeFAU/tabclip/internal/notify"
	"github.com/JakeFAU/tabclip/internal/progress"
	progresssinks "github.com/JakeFAU/tabclip/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/tabclip/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/tabclip/internal/publisher/pubsub"
	"github.com/JakeFAU/tabclip/internal/router"
	"github.com/JakeFAU/tabclip/internal/settings"
	gcsstorage "github.com/JakeFAU/tabclip/internal/storage/gcs"
	localstorage "github.com/JakeFAU/tabclip/internal/storage/local"
	memorystorage "github.com/JakeFAU/tabclip/internal/storage/memory"
)

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	apiServer    *api.Server
	browser      *browser.Browser
	dispatch     *messages.Dispatcher
	bulk         *batch.Processor
	syncer       *bookmarks.Syncer
	documents    *correlator.Correlator[clipper.ExtractedData]
	scrapes      *correlator.Correlator[bookmarks.Scraped]
	settings     *settings.Store
	history      *history.Store
	progressHub  *progress.Hub
	broadcaster  *progresssinks.Broadcaster
	kv           clipper.KV
	pgKV         *pgkv.Store
	pubsubClient *pubsub.Client
	publisher    clipper.Publisher
	gcpPub       *gcppublisher.Publisher
	storage      *storage.Client
	artifacts    clipper.ArtifactStore
	registry     prometheus.Registerer
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Only non-sensitive fields are logged.
	type SanitizedConfig struct {
		ServerPort     int    `json:"server_port"`
		StorageBackend string `json:"storage_backend"`
		KVBackend      string `json:"kv_backend"`
		AuthEnabled    bool   `json:"auth_enabled"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:     cfg.Server.Port,
		StorageBackend: cfg.Storage.Backend,
		KVBackend:      cfg.KV.Backend,
		AuthEnabled:    cfg.Auth.Enabled,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.DefaultRegisterer,
	}, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Sync.Scheduler {
		go func() {
			a.logger.Info("bookmark sync scheduler started")
			if err := a.syncer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("bookmark sync scheduler stopped", zap.Error(err))
			}
		}()
	}

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeClipper(ctx)
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeClipper(ctx context.Context) {
	if a.dispatch != nil {
		a.dispatch.Close()
	}
	if a.bulk != nil {
		if err := a.bulk.Close(ctx); err != nil {
			a.logger.Warn("bulk processor close failed", zap.Error(err))
		}
	}
	if a.syncer != nil {
		if err := a.syncer.Close(ctx); err != nil {
			a.logger.Warn("bookmark syncer close failed", zap.Error(err))
		}
	}
	if a.documents != nil {
		a.documents.Close()
	}
	if a.scrapes != nil {
		a.scrapes.Close()
	}
	if a.browser != nil {
		if err := a.browser.Close(ctx); err != nil {
			a.logger.Warn("browser close failed", zap.Error(err))
		}
	}
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.settings != nil {
		if err := a.settings.Close(ctx); err != nil {
			a.logger.Warn("settings store close failed", zap.Error(err))
		}
	}
	if a.history != nil {
		if err := a.history.Close(ctx); err != nil {
			a.logger.Warn("history store close failed", zap.Error(err))
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.gcpPub != nil {
		a.gcpPub.Close()
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
	if a.pgKV != nil {
		a.pgKV.Close()
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	app.logger.Info("building application dependencies")
	if err = setupStorage(ctx, app); err != nil {
		return nil, err
	}
	if err = setupKV(ctx, app); err != nil {
		return nil, err
	}
	if err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	if err = setupProgress(ctx, app); err != nil {
		return nil, err
	}
	if err = setupClipper(app); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}

	app.apiServer = api.NewServer(app.dispatch, app.history, app.broadcaster, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		MessageTimeout: cfg.Server.MessageTimeout,
		Ready:          app.ready,
		Logger:         logger,
	})

	return app, nil
}

// ready probes the KV backend; a settings read touches it end to end.
func (a *App) ready(ctx context.Context) error {
	if _, _, err := a.kv.Get(ctx, settings.Key); err != nil {
		return fmt.Errorf("kv unavailable: %w", err)
	}
	return nil
}

func setupStorage(ctx context.Context, app *App) error {
	var err error
	switch app.cfg.Storage.Backend {
	case config.BackendGCS:
		app.logger.Info("using GCS storage backend")
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		app.artifacts, err = gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
			Prefix: app.cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs artifact store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
	case config.BackendLocal:
		app.logger.Info("using local storage backend")
		app.artifacts, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("local artifact store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.BaseDir))
	default:
		app.logger.Info("using in-memory storage backend")
		app.artifacts = memorystorage.New()
	}
	return nil
}

func setupKV(ctx context.Context, app *App) error {
	if app.cfg.KV.Backend != config.BackendPostgres {
		app.logger.Warn("using in-memory kv backend, settings and history are lost on restart")
		app.kv = memorykv.New()
		return nil
	}
	var err error
	app.pgKV, err = pgkv.New(ctx, pgkv.Config{
		DSN:      app.cfg.KV.DSN,
		Table:    app.cfg.KV.Table,
		MaxConns: app.cfg.KV.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("postgres kv init failed: %w", err)
	}
	app.kv = app.pgKV
	app.logger.Info("postgres kv initialized", zap.String("table", app.cfg.KV.Table))
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		app.publisher = memorypublisher.New()
		return nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.gcpPub = gcppublisher.New(app.pubsubClient, app.cfg.PubSub.TopicName)
	app.publisher = app.gcpPub
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return nil
}

func setupProgress(ctx context.Context, app *App) error {
	pc := app.cfg.Progress
	app.broadcaster = progresssinks.NewBroadcaster(pc.Broadcast)
	sinkList := []progress.Sink{
		app.broadcaster,
		progresssinks.NewPublisherSink(app.publisher, app.cfg.PubSub.TopicName, app.logger.Named("progress_publisher"),
			progress.StageClipDone,
			progress.StageClipFailed,
			progress.StageBulkComplete,
			progress.StageSyncDone,
		),
	}
	promSink, err := progresssinks.NewPrometheusSink(app.registry)
	if err != nil {
		return fmt.Errorf("prometheus progress sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if pc.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}

	hubCfg := progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.MaxBatch,
		MaxBatchWait:   pc.MaxWait,
		SinkTimeout:    pc.SinkTimeout,
		BaseContext:    ctx,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
		zap.Int("sinks", len(sinkList)),
	)
	return nil
}

//nolint:funlen // wiring is linear
func setupClipper(app *App) error {
	cfg := app.cfg
	logger := app.logger
	clock := system.New()
	ids := uuid.New()

	b, err := browser.New(browser.Config{
		RemoteURL:         cfg.Browser.RemoteURL,
		Headless:          cfg.Browser.Headless,
		UserAgent:         cfg.Browser.UserAgent,
		NavigationTimeout: cfg.Browser.NavTimeout,
		MaxParallel:       cfg.Browser.MaxParallel,
		HostQPS:           cfg.Browser.HostQPS,
		BookmarkScrolls:   cfg.Browser.BookmarkScrolls,
	}, logger)
	if err != nil {
		return fmt.Errorf("browser init failed: %w", err)
	}
	app.browser = b
	logger.Info("browser ready",
		zap.Bool("remote", cfg.Browser.RemoteURL != ""),
		zap.Int("max_parallel", cfg.Browser.MaxParallel),
	)

	app.settings = settings.NewStore(app.kv, logger)
	app.history = history.New(app.kv, clock, logger)
	duplicates := dedupe.New(app.history, clock)
	notifier := notify.New(app.progressHub, app.settings, logger)

	app.documents = correlator.New(correlator.Config[clipper.ExtractedData]{
		Name:     "documents",
		Override: correlator.OverrideURL,
		Logger:   logger,
	})
	app.scrapes = correlator.New(correlator.Config[bookmarks.Scraped]{
		Name:   "bookmarks",
		Logger: logger,
	})
	extractor := correlator.Bind(app.documents, b)

	pipeline := capture.New(capture.Deps{
		Store:      app.artifacts,
		KV:         app.kv,
		History:    app.history,
		Duplicates: duplicates,
		Settings:   app.settings,
		Notifier:   notifier,
		Emitter:    app.progressHub,
		Clock:      clock,
		Logger:     logger,
	})

	archiveCfg := archive.DefaultConfig()
	archiveCfg.BaseURL = cfg.Archive.BaseURL
	archiveCfg.LoadWait = cfg.Timeouts.ArchiveLoad
	archiveCfg.PollTimeout = cfg.Timeouts.ArchivePoll
	archiveCfg.CaptchaTimeout = cfg.Timeouts.ArchiveCaptcha
	archiveCfg.ExtractionTimeout = cfg.Timeouts.Extraction
	archiveCfg.OnTransition = func(target string, from, to archive.State) {
		logger.Debug("archive session transition",
			zap.String("url", target),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	}
	var prober archive.Prober
	if cfg.Archive.ProbeEnabled {
		prober = archive.NewCollyProber(archive.ProbeConfig{
			BaseURL:   cfg.Archive.BaseURL,
			UserAgent: cfg.Archive.UserAgent,
			Timeout:   cfg.Timeouts.ArchiveLoad * 3,
		})
	}
	archiver := archive.New(archiveCfg, archive.Deps{
		Browser:   b,
		Extractor: extractor,
		Prober:    prober,
		Notifier:  notifier,
		Clock:     clock,
		Sleeper:   clock,
		Logger:    logger,
	})

	chain := bypass.New(bypass.Config{
		Services:          cfg.Bypass.Services,
		SettleTime:        cfg.Timeouts.BypassSettle,
		ExtractionTimeout: cfg.Timeouts.Extraction,
	}, b, extractor, clock, logger)

	rt := router.New(router.Config{
		ExtractionTimeout: cfg.Timeouts.Extraction,
		PerplexityTimeout: cfg.Timeouts.Perplexity,
	}, router.Deps{
		Browser:   b,
		Extractor: extractor,
		Archive:   archiver,
		Bypass:    chain,
		Saver:     pipeline,
		Settings:  app.settings,
		Notifier:  notifier,
		Clock:     clock,
		Logger:    logger,
	})

	app.bulk = batch.New(batch.Config{
		MaxRequests: cfg.Limits.BulkMaxRequests,
		Window:      cfg.Limits.BulkWindow,
	}, batch.Deps{
		Tabs:       b,
		Router:     rt,
		Duplicates: duplicates,
		Recorder:   pipeline,
		Notifier:   notifier,
		Emitter:    app.progressHub,
		IDs:        ids,
		Clock:      clock,
		Logger:     logger,
	})

	app.syncer = bookmarks.New(bookmarks.Config{
		ScrapeTimeout: cfg.Timeouts.BookmarkScrape,
		MaxRequests:   cfg.Limits.SyncMaxRequests,
		Window:        cfg.Limits.SyncWindow,
	}, bookmarks.Deps{
		Browser:  b,
		Scrapes:  app.scrapes,
		Router:   rt,
		Settings: app.settings,
		Recorder: pipeline,
		Notifier: notifier,
		Emitter:  app.progressHub,
		IDs:      ids,
		Clock:    clock,
		Logger:   logger,
	})

	app.dispatch = messages.New(messages.Deps{
		Extractions: app.documents,
		Router:      rt,
		Settings:    app.settings,
		Syncer:      app.syncer,
		Bulk:        app.bulk,
		Tabs:        b,
		Notifier:    notifier,
		Clock:       clock,
		Logger:      logger,
	})
	b.SetSink(func(ctx context.Context, msg messages.Message) {
		app.dispatch.Dispatch(ctx, msg)
	})
	logger.Info("clipper wired",
		zap.Int("bypass_services", len(cfg.Bypass.Services)),
		zap.Bool("archive_probe", prober != nil),
	)
	return nil
}
