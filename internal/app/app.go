package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/common"
	"github.com/ternarybob/volare/internal/handlers"
	"github.com/ternarybob/volare/internal/interfaces"
	"github.com/ternarybob/volare/internal/models"
	"github.com/ternarybob/volare/internal/queue"
	"github.com/ternarybob/volare/internal/services/calc"
	"github.com/ternarybob/volare/internal/services/ingestion"
	"github.com/ternarybob/volare/internal/services/janitor"
	"github.com/ternarybob/volare/internal/services/matindex"
	"github.com/ternarybob/volare/internal/services/progress"
	"github.com/ternarybob/volare/internal/services/viz"
	"github.com/ternarybob/volare/internal/services/zoom"
	storagebadger "github.com/ternarybob/volare/internal/storage/badger"
	storageminio "github.com/ternarybob/volare/internal/storage/minio"
	mongostore "github.com/ternarybob/volare/internal/storage/mongo"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	ctx       context.Context
	cancelCtx context.CancelFunc

	// Backends
	Mongo       *mongostore.DB
	Badger      *storagebadger.BadgerDB
	Redis       *redis.Client
	ObjectStore *storageminio.Client

	// Stores
	IngestionStore     interfaces.IngestionStore
	VisualizationStore interfaces.VisualizationStore
	TaskLedger         interfaces.TaskLedger

	// Queue
	QueueManager *queue.Manager
	WorkerPool   *queue.WorkerPool

	// Services
	ProgressService      *progress.Service
	IngestionService     *ingestion.Service
	VisualizationService *viz.Service
	ZoomService          *zoom.Service
	CalcService          *calc.Service
	MatService           *matindex.Service
	JanitorService       *janitor.Service

	// HTTP handlers
	APIHandler           *handlers.APIHandler
	StatusHandler        *handlers.StatusHandler
	IngestionHandler     *handlers.IngestionHandler
	VisualizationHandler *handlers.VisualizationHandler
	EventsHandler        *handlers.EventsHandler
	CalcHandler          *handlers.CalcHandler
	MatHandler           *handlers.MatHandler
}

// New creates a fully wired application: backends, stores, queue, services,
// and handlers. The worker pool and janitor are started before New returns.
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*App, error) {
	appCtx, cancel := context.WithCancel(ctx)

	a := &App{
		Config:    cfg,
		Logger:    logger,
		ctx:       appCtx,
		cancelCtx: cancel,
	}

	if err := a.initBackends(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initQueue(); err != nil {
		a.Close()
		return nil, err
	}
	a.initServices()
	a.initHandlers()

	if err := a.start(); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// initBackends connects mongo, badger, redis, and the object store, and
// builds the document stores on top of them.
func (a *App) initBackends() error {
	cfg := a.Config

	mongo, err := mongostore.Connect(a.ctx, &cfg.Mongo, cfg.MongoTimeout(), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to connect to mongo: %w", err)
	}
	a.Mongo = mongo

	jobs, err := mongostore.NewIngestionStore(a.ctx, mongo, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to init ingestion store: %w", err)
	}
	a.IngestionStore = jobs

	vizs, err := mongostore.NewVisualizationStore(a.ctx, mongo, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to init visualization store: %w", err)
	}
	a.VisualizationStore = vizs

	badgerDB, err := storagebadger.NewBadgerDB(a.Logger, &cfg.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to open badger: %w", err)
	}
	a.Badger = badgerDB
	a.TaskLedger = storagebadger.NewTaskLedger(badgerDB, a.Logger)

	redisClient, err := progress.NewClient(a.ctx, &cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.Redis = redisClient

	objects, err := storageminio.NewClient(&cfg.Objects, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to init object store: %w", err)
	}
	a.ObjectStore = objects

	for _, bucket := range []string{cfg.Objects.Bucket, cfg.VizBucketName()} {
		if err := objects.EnsureBucket(a.ctx, bucket); err != nil {
			return fmt.Errorf("failed to ensure bucket %q: %w", bucket, err)
		}
	}

	return nil
}

// initQueue builds the badger-backed queue manager and its worker pool.
// Concurrency 0 autoscales from the host's resources.
func (a *App) initQueue() error {
	cfg := a.Config

	concurrency := cfg.Queue.Concurrency
	if concurrency <= 0 {
		bounds := common.DetectAutoscaleBounds()
		concurrency = bounds.Max
		a.Logger.Info().
			Float64("ram_gb", bounds.RAMGB).
			Int("cpus", bounds.CPUs).
			Int("concurrency", concurrency).
			Msg("Worker concurrency autoscaled from host resources")
	}

	manager, err := queue.NewManager(a.Badger.Badger(), queue.Config{
		QueueName:         cfg.Queue.QueueName,
		PollInterval:      parseDuration(cfg.Queue.PollInterval, time.Second),
		Concurrency:       concurrency,
		VisibilityTimeout: parseDuration(cfg.Queue.VisibilityTimeout, 5*time.Minute),
		MaxReceive:        cfg.Queue.MaxReceive,
	}, a.TaskLedger, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to init queue manager: %w", err)
	}
	a.QueueManager = manager
	a.WorkerPool = queue.NewWorkerPool(manager, a.Logger)

	return nil
}

// initServices wires the pipeline services and registers their queue
// handlers.
func (a *App) initServices() {
	cfg := a.Config

	a.ProgressService = progress.NewService(a.Redis, a.Logger)

	a.IngestionService = ingestion.NewService(a.IngestionStore, a.ObjectStore, a.ProgressService, ingestion.Options{
		Bucket:      cfg.Objects.Bucket,
		TempDir:     cfg.Storage.TempDir,
		ChunkRows:   cfg.Ingestion.ChunkRows,
		SampleRows:  cfg.Ingestion.SampleRows,
		MaxMatCells: cfg.Ingestion.MaxMatCells,
	}, a.Logger)

	a.VisualizationService = viz.NewService(a.VisualizationStore, a.IngestionStore, a.ObjectStore, a.ProgressService, viz.Options{
		RawBucket:   cfg.Objects.Bucket,
		VizBucket:   cfg.VizBucketName(),
		TempDir:     cfg.Storage.TempDir,
		Levels:      cfg.Viz.Levels,
		XYBudget:    cfg.Viz.XYBudget,
		XYZBudget:   cfg.Viz.XYZBudget,
		APIBase:     cfg.Viz.APIBase,
		ChunkRows:   cfg.Ingestion.ChunkRows,
		SampleRows:  cfg.Ingestion.SampleRows,
		MaxMatCells: cfg.Ingestion.MaxMatCells,
	}, a.Logger)

	a.ZoomService = zoom.NewService(a.VisualizationStore, a.IngestionStore, a.ObjectStore, zoom.Options{
		RawBucket:   cfg.Objects.Bucket,
		VizBucket:   cfg.VizBucketName(),
		TempDir:     cfg.Storage.TempDir,
		PresignTTL:  cfg.PresignTTL(),
		RawCap:      cfg.Viz.RawCap,
		ChunkRows:   cfg.Ingestion.ChunkRows,
		SampleRows:  cfg.Ingestion.SampleRows,
		MaxMatCells: cfg.Ingestion.MaxMatCells,
	}, a.Logger)

	a.CalcService = calc.NewService(a.IngestionStore, a.ObjectStore, calc.Options{
		Bucket:     cfg.Objects.Bucket,
		TempDir:    cfg.Storage.TempDir,
		SampleRows: cfg.Ingestion.SampleRows,
	}, a.Logger)

	a.MatService = matindex.NewService(a.IngestionStore, a.ObjectStore, matindex.Options{
		Bucket:      cfg.Objects.Bucket,
		TempDir:     cfg.Storage.TempDir,
		MaxMatCells: cfg.Ingestion.MaxMatCells,
	}, a.Logger)

	a.JanitorService = janitor.NewService(a.IngestionStore, a.VisualizationStore, a.TaskLedger, a.QueueManager, a.ProgressService, janitor.Options{
		Schedule:   cfg.Janitor.Schedule,
		StaleAfter: parseDuration(cfg.Janitor.StaleAfter, 30*time.Minute),
		MaxRequeue: cfg.Queue.MaxReceive,
		TempDir:    cfg.Storage.TempDir,
	}, a.Logger)

	a.WorkerPool.RegisterHandler(models.JobTypeIngestion, a.IngestionService.Handler())
	a.WorkerPool.RegisterHandler(models.JobTypeVisualization, a.VisualizationService.Handler())
}

// initHandlers builds the HTTP handler layer.
func (a *App) initHandlers() {
	cfg := a.Config

	a.APIHandler = handlers.NewAPIHandler()
	a.StatusHandler = handlers.NewStatusHandler(cfg, a.QueueManager, a.TaskLedger, a.Mongo, a.ObjectStore, a.Redis, a.Logger)
	a.IngestionHandler = handlers.NewIngestionHandler(cfg, a.IngestionStore, a.ObjectStore, a.QueueManager, a.ProgressService, a.ZoomService, a.Logger)
	a.VisualizationHandler = handlers.NewVisualizationHandler(cfg, a.VisualizationStore, a.IngestionStore, a.ObjectStore, a.QueueManager, a.ProgressService, a.ZoomService, a.Logger)
	a.EventsHandler = handlers.NewEventsHandler(a.ProgressService, a.Logger)
	a.CalcHandler = handlers.NewCalcHandler(a.CalcService, a.Logger)
	a.MatHandler = handlers.NewMatHandler(a.MatService, a.Logger)
}

// start brings up the background machinery: workers and the janitor.
func (a *App) start() error {
	if err := a.WorkerPool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	if a.Config.Janitor.Enabled {
		if err := a.JanitorService.Start(); err != nil {
			return fmt.Errorf("failed to start janitor: %w", err)
		}
	}

	return nil
}

// Close shuts down in reverse dependency order. Safe to call on a
// partially initialized app.
func (a *App) Close() error {
	if a.cancelCtx != nil {
		a.cancelCtx()
	}

	if a.JanitorService != nil {
		a.JanitorService.Stop()
	}
	if a.WorkerPool != nil {
		if err := a.WorkerPool.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop worker pool")
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	if a.Badger != nil {
		if err := a.Badger.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close badger")
		}
	}
	if a.Mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Mongo.Close(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close mongo connection")
		}
	}

	a.Logger.Info().Msg("Application closed")
	return nil
}

// parseDuration parses a config duration string, falling back to def when
// absent or malformed.
func parseDuration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
