// Package app initializes and holds the long-lived pipeline services, acting
// as the dependency injection container for every command.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/cropcost-pipeline/internal/clock/system"
	"github.com/JakeFAU/cropcost-pipeline/internal/config"
	"github.com/JakeFAU/cropcost-pipeline/internal/extract"
	"github.com/JakeFAU/cropcost-pipeline/internal/fetcher"
	collyfetcher "github.com/JakeFAU/cropcost-pipeline/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/cropcost-pipeline/internal/fetcher/headless"
	"github.com/JakeFAU/cropcost-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/cropcost-pipeline/internal/headless/detector"
	"github.com/JakeFAU/cropcost-pipeline/internal/id/uuid"
	"github.com/JakeFAU/cropcost-pipeline/internal/metrics"
	"github.com/JakeFAU/cropcost-pipeline/internal/orchestrator"
	"github.com/JakeFAU/cropcost-pipeline/internal/pipeline"
	"github.com/JakeFAU/cropcost-pipeline/internal/policy/ratelimit"
	"github.com/JakeFAU/cropcost-pipeline/internal/progress"
	"github.com/JakeFAU/cropcost-pipeline/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/cropcost-pipeline/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/cropcost-pipeline/internal/publisher/pubsub"
	"github.com/JakeFAU/cropcost-pipeline/internal/standardize"
	"github.com/JakeFAU/cropcost-pipeline/internal/storage/gcs"
	"github.com/JakeFAU/cropcost-pipeline/internal/storage/local"
	"github.com/JakeFAU/cropcost-pipeline/internal/storage/memory"
	"github.com/JakeFAU/cropcost-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/cropcost-pipeline/internal/storage/sqlite"
	"github.com/JakeFAU/cropcost-pipeline/internal/store"
	"github.com/JakeFAU/cropcost-pipeline/internal/validate"
	"github.com/JakeFAU/cropcost-pipeline/internal/worker"
)

// RunsTopic is used when pubsub.topic_name is empty.
const RunsTopic = "cropcost-runs"

// App holds the shared services for one process.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Clock        pipeline.Clock
	Store        store.Repository
	Archive      pipeline.BlobStore
	Publisher    pipeline.Publisher
	Validator    *validate.Validator
	Standardizer *standardize.Standardizer
	Orchestrator *orchestrator.Orchestrator

	closers []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// Overrides replaces collaborators that normally come from config. Tests use
// it to avoid the network.
type Overrides struct {
	Store     store.Repository
	HTTP      fetcher.Transport
	Publisher pipeline.Publisher
	Clock     pipeline.Clock
	// Registerer receives the progress collectors; nil means the default registry.
	Registerer prometheus.Registerer
}

// New builds every service described by cfg. It fails fast when a backend
// cannot be reached and releases whatever it already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, over Overrides) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a = &App{Config: cfg, Logger: logger, Clock: over.Clock}
	if a.Clock == nil {
		a.Clock = system.New()
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
			a = nil
		}
	}()

	if a.Store, err = a.openStore(ctx, over.Store); err != nil {
		return a, err
	}
	if a.Archive, err = a.openArchive(ctx); err != nil {
		return a, err
	}
	if a.Publisher, err = a.openPublisher(ctx, over.Publisher); err != nil {
		return a, err
	}

	a.Validator = validate.New(validate.FromConfig(cfg.Validation))
	a.Standardizer = standardize.FromConfig(cfg.Standardize)

	exec, err := a.buildExecutor(over.HTTP)
	if err != nil {
		return a, err
	}
	registry, err := extract.FromConfig(cfg)
	if err != nil {
		return a, err
	}

	emitter, err := a.buildProgress(ctx, over.Registerer)
	if err != nil {
		return a, err
	}

	w := worker.New(exec, registry, a.Validator, a.Store, a.Clock, emitter,
		worker.Config{PartialRejectRatio: cfg.Pipeline.PartialRejectRatio},
		logger.Named("worker"))

	topic := cfg.PubSub.TopicName
	if topic == "" {
		topic = RunsTopic
	}
	a.Orchestrator, err = orchestrator.New(orchestrator.Options{
		Sources:     cfg.Sources,
		Concurrency: cfg.Pipeline.Concurrency,
		RunTimeout:  cfg.RunTimeout(),
		Runner:      w,
		Store:       a.Store,
		IDs:         uuid.New(),
		Clock:       a.Clock,
		Emitter:     emitter,
		Publisher:   a.Publisher,
		Topic:       topic,
		Logger:      logger.Named("orchestrator"),
	})
	if err != nil {
		return a, err
	}

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Backend),
		zap.String("archive", archiveBackend(cfg.Archive)),
		zap.Strings("sources", cfg.SourceIDs(true)),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context, override store.Repository) (store.Repository, error) {
	if override != nil {
		return override, nil
	}
	cfg := a.Config.Store
	switch cfg.Backend {
	case config.BackendMemory, "":
		a.Logger.Info("using in-memory record store; data is lost on exit")
		repo := memory.NewRecordStore(a.Clock)
		a.onClose("store", func(context.Context) error { return repo.Close() })
		return repo, nil
	case config.BackendPostgres:
		repo, err := postgres.NewRecordStore(ctx, postgres.Config{DSN: cfg.DSN, MaxConns: cfg.MaxConns}, a.Clock)
		if err != nil {
			return nil, err
		}
		a.onClose("store", func(context.Context) error { return repo.Close() })
		if err := repo.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return repo, nil
	case config.BackendSQLite:
		repo, err := sqlite.Open(cfg.Path, a.Clock)
		if err != nil {
			return nil, err
		}
		a.onClose("store", func(context.Context) error { return repo.Close() })
		if err := repo.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return repo, nil
	default:
		return nil, pipeline.ConfigInvalid("store.backend %q is not supported", cfg.Backend)
	}
}

func (a *App) openArchive(ctx context.Context) (pipeline.BlobStore, error) {
	cfg := a.Config.Archive
	switch archiveBackend(cfg) {
	case config.ArchiveNone:
		return nil, nil
	case config.ArchiveMemory:
		return memory.NewBlobStore(), nil
	case config.ArchiveLocal:
		blobs, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return blobs, nil
	case config.ArchiveGCS:
		blobs, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket}, a.Logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.onClose("archive", func(context.Context) error { return blobs.Close() })
		return blobs, nil
	default:
		return nil, pipeline.ConfigInvalid("archive.backend %q is not supported", cfg.Backend)
	}
}

func (a *App) openPublisher(ctx context.Context, override pipeline.Publisher) (pipeline.Publisher, error) {
	if override != nil {
		return override, nil
	}
	cfg := a.Config.PubSub
	if cfg.ProjectID == "" || cfg.TopicName == "" {
		a.Logger.Info("pubsub not configured; run summaries stay in memory")
		return memorypublisher.New(), nil
	}
	pub, err := pubsubpublisher.New(ctx, cfg.ProjectID, cfg.TopicName, a.Logger.Named("pubsub"))
	if err != nil {
		return nil, fmt.Errorf("init pubsub publisher: %w", err)
	}
	a.onClose("publisher", func(context.Context) error { return pub.Close() })
	return pub, nil
}

func (a *App) buildExecutor(transport fetcher.Transport) (*fetcher.Executor, error) {
	cfg := a.Config
	timeout := time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second
	if transport == nil {
		transport = collyfetcher.New(collyfetcher.Config{
			UserAgent:     cfg.Fetch.UserAgent,
			RespectRobots: cfg.Fetch.RespectRobots,
			Timeout:       timeout,
		})
	}

	var (
		headless fetcher.Transport = headlessfetcher.NewNoop()
		promoter fetcher.Promoter
	)
	if cfg.Headless.Enabled {
		browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			a.Logger.Warn("headless fetcher init failed; rendered documents will fail", zap.Error(err))
		} else {
			headless = browser
			if cfg.Headless.Promote {
				promoter = detector.NewHeuristic(cfg.Headless.PromoteMinBytes)
			}
			a.onClose("headless", func(context.Context) error {
				browser.Close()
				return nil
			})
		}
	}

	opts := fetcher.Options{
		HTTP:       transport,
		Headless:   headless,
		Promoter:   promoter,
		Limiter:    ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Fetch.HostRPS, DefaultBurst: cfg.Fetch.HostBurst}),
		Clock:      a.Clock,
		Logger:     a.Logger.Named("fetcher"),
		MaxBackoff: cfg.MaxBackoff(),
	}
	if a.Archive != nil {
		opts.Archive = a.Archive
		opts.Hasher = sha256.New()
		opts.ArchivePrefix = cfg.Archive.Prefix
	}
	return fetcher.New(opts)
}

func (a *App) buildProgress(ctx context.Context, reg prometheus.Registerer) (progress.Emitter, error) {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("init progress metrics: %w", err)
	}
	hub := progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.Logger.Named("progress"),
	}, sinks.NewLogSink(a.Logger.Named("progress")), promSink)
	a.onClose("progress", hub.Close)
	return hub, nil
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Close releases services in reverse order of construction. Failures are
// logged and joined.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.Logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func archiveBackend(cfg config.ArchiveConfig) string {
	if cfg.Backend == "" {
		return config.ArchiveNone
	}
	return cfg.Backend
}
