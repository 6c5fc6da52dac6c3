package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rugcomposer/archive"
	"rugcomposer/core"
	"rugcomposer/db"
	"rugcomposer/floormask"
	"rugcomposer/imagegen"
	"rugcomposer/ledger"
	"rugcomposer/logging"
	"rugcomposer/metrics"
	"rugcomposer/prepcache"
	"rugcomposer/refine"
	"rugcomposer/render"
	"rugcomposer/scoring"
)

// renderHistorySize is how many finished renders /admin/stats keeps.
const renderHistorySize = 200

// newPipelineDeps wires the generation stages: preparation cache, upstream
// orchestrator, scorer and refiner. The ledger, attempt store and archive
// are left for the caller.
func newPipelineDeps(cfg *core.Config, logger *logging.Logger, recorder *metrics.Recorder) (render.Deps, error) {
	client, err := imagegen.NewOpenAIEditClient(cfg)
	if err != nil {
		return render.Deps{}, err
	}

	masks := floormask.NewSynthesizer(floormask.GeometryFromConfig(cfg.Pipeline))
	orchestrator := imagegen.NewOrchestrator(client, imagegen.NewDownloader(cfg), cfg.Pipeline, cfg.ImageModel, logger, recorder)

	return render.Deps{
		Preparer:  prepcache.New(prepcache.OptionsFromConfig(cfg.Pipeline), masks, logger, recorder),
		Generator: orchestrator,
		Scorer:    scoring.NewScorer(cfg.Pipeline, logger, recorder),
		Refiner:   refine.NewRefiner(orchestrator, cfg.Pipeline, logger, recorder),
		Recorder:  recorder,
	}, nil
}

// serverApp is everything serve needs besides the transport.
type serverApp struct {
	database *db.Database
	ledger   *ledger.Ledger
	repo     *db.Repository
	recorder *metrics.Recorder
	history  *metrics.RenderStore
	service  *render.Service
}

// newServerApp opens and migrates the database and wires the render service.
// The caller owns closing database.
func newServerApp(ctx context.Context, cfg *core.Config, logger *logging.Logger) (*serverApp, error) {
	recorder := metrics.NewRecorder(nil)

	deps, err := newPipelineDeps(cfg, logger, recorder)
	if err != nil {
		return nil, err
	}

	database, err := db.NewDatabase(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}

	app := &serverApp{
		database: database,
		ledger:   ledger.New(database, logger, recorder),
		repo:     db.NewRepository(database),
		recorder: recorder,
		history:  metrics.NewRenderStore(renderHistorySize, time.Now()),
	}
	deps.Ledger = app.ledger
	deps.Attempts = app.repo
	deps.History = app.history

	if cfg.ArchiveBucket != "" {
		store, err := archive.NewS3Archive(ctx, cfg.ArchiveBucket, cfg.ArchiveRegion, cfg.ArchivePrefix, logger)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("archive: %w", err)
		}
		deps.Archive = store
		logger.Info("Render archive enabled",
			zap.String("bucket", cfg.ArchiveBucket),
			zap.String("prefix", cfg.ArchivePrefix),
		)
	}

	app.service = render.NewService(deps, cfg.Pipeline, cfg.DailyLimitHint, logger)
	return app, nil
}
