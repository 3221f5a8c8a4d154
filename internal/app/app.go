// Package app assembles the runtime graph shared by the binaries.
package app

import (
	"context"
	"log/slog"

	"github.com/joseph-ayodele/neuroscan/internal/async"
	"github.com/joseph-ayodele/neuroscan/internal/charts"
	"github.com/joseph-ayodele/neuroscan/internal/classify"
	"github.com/joseph-ayodele/neuroscan/internal/common"
	"github.com/joseph-ayodele/neuroscan/internal/export"
	"github.com/joseph-ayodele/neuroscan/internal/ingest"
	"github.com/joseph-ayodele/neuroscan/internal/pipeline"
	"github.com/joseph-ayodele/neuroscan/internal/preprocess"
	"github.com/joseph-ayodele/neuroscan/internal/reports"
	"github.com/joseph-ayodele/neuroscan/internal/repository"
	"github.com/joseph-ayodele/neuroscan/internal/server"
	"github.com/joseph-ayodele/neuroscan/internal/services/analysis"
	"github.com/joseph-ayodele/neuroscan/internal/statuscache"
	"github.com/joseph-ayodele/neuroscan/internal/storage"
)

// Options adjust how the graph is built.
type Options struct {
	// InMemory swaps the configured database for a private in-memory sqlite.
	InMemory bool
	// OnDone is called after every queued run.
	OnDone func(async.Job, pipeline.Result)
}

// App holds the long-lived components. Close releases them in reverse order.
type App struct {
	Config    *common.Config
	DB        *repository.DB
	Sessions  repository.SessionRepository
	Results   repository.ResultRepository
	Store     *storage.FSStore
	Cache     statuscache.Cache
	Processor *pipeline.Processor
	Queue     *async.ProcessorQueue
	Ingestor  *ingest.FSIngestor
	Analysis  *analysis.Service
	Export    *export.Service

	classifier *classify.RealClassifier
	redis      *statuscache.RedisCache
	logger     *slog.Logger
}

// Build wires every component from cfg.
func Build(ctx context.Context, cfg *common.Config, opts Options, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger}

	var err error
	if opts.InMemory {
		a.DB, err = repository.OpenSQLite(ctx, ":memory:", logger)
		if err == nil {
			err = a.DB.Migrate(ctx)
		}
	} else {
		a.DB, err = server.ConnectDB(ctx, cfg.Database, logger)
	}
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Sessions = repository.NewSessionRepository(a.DB, logger)
	a.Results = repository.NewResultRepository(a.DB, logger)

	a.Store, err = storage.NewFSStore(cfg.Storage.Root, cfg.Storage.PublicBaseURL, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Cache = statuscache.Noop{}
	if cfg.Cache.RedisAddr != "" {
		rc, err := statuscache.Dial(ctx, cfg.Cache, logger)
		if err != nil {
			// the database stays authoritative, so run without the cache
			logger.Warn("status cache unavailable", "addr", cfg.Cache.RedisAddr, "error", err)
		} else {
			a.redis = rc
			a.Cache = rc
		}
	}

	if !cfg.Classifier.ForceFallback {
		a.classifier = classify.NewRealClassifier(classify.RealConfig{
			Python:       cfg.Classifier.Python,
			Script:       cfg.Classifier.Script,
			WeightsPath:  cfg.Classifier.WeightsPath,
			StartTimeout: cfg.Classifier.StartTimeout,
		}, classify.ExecLauncher(), logger)
	}

	a.Processor = pipeline.NewProcessor(pipeline.Deps{
		Sessions:     a.Sessions,
		Results:      a.Results,
		Store:        a.Store,
		Cache:        a.Cache,
		Preprocessor: preprocess.New(preprocess.ConfigFrom(cfg.Preprocess), preprocess.ExecRunner(), logger),
		Classifiers:  classify.NewProvider(a.classifier, cfg.Classifier.ForceFallback, cfg.Classifier.Seed, logger),
		Charts:       charts.NewRenderer(logger),
		Reports:      reports.NewGenerator(logger),
	}, pipeline.OptionsFrom(cfg.Pipeline), logger)

	qopts := async.OptionsFrom(cfg.Pipeline)
	if opts.OnDone != nil {
		qopts = append(qopts, async.WithOnDone(opts.OnDone))
	}
	a.Queue = async.NewProcessorQueue(a.Processor, logger, qopts...)

	a.Ingestor = ingest.NewFSIngestor(a.Sessions, a.Store, a.Queue, cfg.Pipeline.TempDir, logger)
	a.Ingestor.MaxBytes = cfg.Server.MaxUploadBytes
	a.Analysis = analysis.NewService(a.Ingestor, a.Sessions, a.Results, a.Cache, logger)
	a.Export = export.NewService(a.Sessions, a.Results, logger)

	logger.Info("application wired",
		"db_driver", cfg.Database.Driver,
		"in_memory", opts.InMemory,
		"status_cache", a.redis != nil,
		"real_classifier", a.classifier != nil,
		"workers", cfg.Pipeline.Workers,
	)
	return a, nil
}

// Close drains the queue, then releases the classifier, cache and database.
func (a *App) Close(ctx context.Context) {
	if a.Queue != nil {
		a.Queue.Shutdown(ctx)
	}
	if a.classifier != nil {
		if err := a.classifier.Close(); err != nil {
			a.logger.Warn("classifier close failed", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("status cache close failed", "error", err)
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
