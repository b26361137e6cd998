// Package core assembles the job pipeline: stores, scheduler, tiling and cleaning handlers,
// and the services exposed on top of them.
package core

import (
	"context"
	"log/slog"

	"github.com/joseph-ayodele/agro-preprocess/constants"
	"github.com/joseph-ayodele/agro-preprocess/internal/async"
	"github.com/joseph-ayodele/agro-preprocess/internal/common"
	"github.com/joseph-ayodele/agro-preprocess/internal/export"
	"github.com/joseph-ayodele/agro-preprocess/internal/objectstore"
	"github.com/joseph-ayodele/agro-preprocess/internal/raster"
	"github.com/joseph-ayodele/agro-preprocess/internal/repository"
	"github.com/joseph-ayodele/agro-preprocess/internal/sensors"
	jobsvc "github.com/joseph-ayodele/agro-preprocess/internal/services/jobs"
	"github.com/joseph-ayodele/agro-preprocess/internal/tiling"
)

// Processor owns every long-lived component of a running pipeline.
type Processor struct {
	logger     *slog.Logger
	Jobs       repository.JobRepository
	Tiles      repository.TileRepository
	Readings   repository.ReadingRepository
	Files      repository.FileRepository
	Scheduler  *async.Scheduler
	Engine     *tiling.Engine
	Normalizer *sensors.Normalizer
	Service    *jobsvc.Service
	Export     *export.Service
}

// NewProcessor wires the pipeline on an opened database and object store. The scheduler
// starts its workers immediately; callers run Recover once before accepting traffic.
func NewProcessor(db *repository.DB, store objectstore.Gateway, cfg *common.Config, logger *slog.Logger) (*Processor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	compression, err := raster.ParseCompression(cfg.Tiling.Compression)
	if err != nil {
		return nil, common.ConfigurationError("TILE_COMPRESSION: %v", err)
	}

	p := &Processor{
		logger:   logger,
		Jobs:     repository.NewJobRepository(db, logger),
		Tiles:    repository.NewTileRepository(db, logger),
		Readings: repository.NewReadingRepository(db, logger),
		Files:    repository.NewFileRepository(db, logger),
	}
	p.Engine = tiling.NewEngine(store, p.Tiles, cfg.ObjectStore.TilesBucket,
		tiling.WithCompression(compression),
		tiling.WithMaxSourceBytes(cfg.Tiling.MaxSourceBytes),
		tiling.WithLogger(logger),
	)
	p.Normalizer = sensors.NewNormalizer(p.Readings, logger)
	p.Scheduler = async.NewScheduler(p.Jobs, logger,
		async.WithWorkers(cfg.Scheduler.Workers),
		async.WithQueueSize(cfg.Scheduler.QueueSize),
		async.WithProcessTimeout(cfg.Scheduler.ProcessTimeout),
	)

	defaults := jobsvc.DefaultDefaults()
	if cfg.Tiling.TileSize > 0 {
		defaults.TileSize = cfg.Tiling.TileSize
	}
	if cfg.Tiling.Overlap >= 0 {
		defaults.Overlap = cfg.Tiling.Overlap
	}
	if cfg.Tiling.TargetCRS != "" {
		defaults.TargetCRS = cfg.Tiling.TargetCRS
	}

	p.Service, err = jobsvc.NewService(jobsvc.Deps{
		Jobs:       p.Jobs,
		Tiles:      p.Tiles,
		Readings:   p.Readings,
		Store:      store,
		Dispatcher: p.Scheduler,
		Handlers: map[constants.JobType]async.Handler{
			constants.JobTypeTileUAVImage:   p.Engine.Handle,
			constants.JobTypeSensorCleaning: p.Normalizer.Handle,
		},
	}, cfg.ObjectStore.RawBucket, defaults, logger)
	if err != nil {
		p.Scheduler.Shutdown(context.Background())
		return nil, err
	}
	p.Export = export.NewService(p.Jobs, p.Tiles, p.Readings, logger)
	return p, nil
}

// Recover runs the startup sweep over jobs left behind by a previous process.
func (p *Processor) Recover(ctx context.Context) (async.RecoveryReport, error) {
	report, err := p.Scheduler.Recover(ctx, p.Service.Resolve)
	if err != nil {
		p.logger.Error("processor.recovery.failed", "error", err)
		return report, err
	}
	p.logger.Info("processor.recovery.ok",
		"interrupted", report.Interrupted,
		"redispatched", report.Redispatched,
		"rejected", report.Rejected,
	)
	return report, nil
}

// Shutdown stops accepting jobs and waits for in-flight ones or ctx.
func (p *Processor) Shutdown(ctx context.Context) {
	p.Scheduler.Shutdown(ctx)
}
