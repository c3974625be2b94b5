// Package ingestion runs the upload processing pipeline: download the raw
// object, parse it into columnar frames, upload the processed artifact, and
// persist the profiling results on the job document.
package ingestion

import (
	"context"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/columnar"
	"github.com/ternarybob/volare/internal/common"
	"github.com/ternarybob/volare/internal/interfaces"
	"github.com/ternarybob/volare/internal/models"
	"github.com/ternarybob/volare/internal/queue"
	storageminio "github.com/ternarybob/volare/internal/storage/minio"
	"github.com/ternarybob/volare/internal/tabular"
)

// Options carries the pipeline tuning knobs resolved from config.
type Options struct {
	Bucket      string
	TempDir     string
	ChunkRows   int
	SampleRows  int
	MaxMatCells int
}

// Service coordinates one ingestion job from queued to terminal state.
type Service struct {
	jobs     interfaces.IngestionStore
	objects  interfaces.ObjectStore
	progress interfaces.ProgressService
	registry *tabular.Registry
	opts     Options
	logger   arbor.ILogger
}

// NewService creates the ingestion coordinator.
func NewService(jobs interfaces.IngestionStore, objects interfaces.ObjectStore, progress interfaces.ProgressService, opts Options, logger arbor.ILogger) *Service {
	return &Service{
		jobs:     jobs,
		objects:  objects,
		progress: progress,
		registry: tabular.NewRegistry(),
		opts:     opts,
		logger:   logger,
	}
}

// Handler returns the queue handler that drives Run for ingestion messages.
func (s *Service) Handler() queue.JobHandler {
	return func(ctx context.Context, msg models.QueueMessage) error {
		return s.Run(ctx, msg.JobID)
	}
}

// Run executes the pipeline for one job. Any error has already been
// persisted as a terminal failure on the job document before it is
// returned; the return value exists so the queue records the outcome.
func (s *Service) Run(ctx context.Context, jobID string) error {
	log := s.logger.WithCorrelationId(jobID)

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		err = fmt.Errorf("failed to load ingestion job: %w", err)
		s.progress.Publish(ctx, models.KindIngestion, jobID, models.StatusFailure, 100, err.Error())
		return err
	}

	ext := common.FileExt(job.Filename)
	log.Info().
		Str("filename", job.Filename).
		Str("ext", ext).
		Str("dataset_type", string(job.DatasetType)).
		Str("storage_key", job.StorageKey).
		Msg("Ingestion started")

	// Non-tabular uploads are kept as raw objects without parsing.
	if !models.IsTabularExt(ext) {
		if err := s.jobs.UpdateFields(ctx, jobID, map[string]any{
			"status":   models.StatusStored,
			"progress": 100,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to mark job stored")
		}
		s.progress.Publish(ctx, models.KindIngestion, jobID, models.StatusSuccess, 100, "Stored (non-tabular)")
		return nil
	}

	rawFile, err := os.CreateTemp(s.opts.TempDir, "volare-raw-*")
	if err != nil {
		return s.fail(ctx, log, jobID, fmt.Errorf("failed to create scratch file: %w", err))
	}
	rawPath := rawFile.Name()
	_ = rawFile.Close()
	defer removeQuietly(rawPath)

	parquetFile, err := os.CreateTemp(s.opts.TempDir, "volare-*.parquet")
	if err != nil {
		return s.fail(ctx, log, jobID, fmt.Errorf("failed to create scratch file: %w", err))
	}
	parquetPath := parquetFile.Name()
	_ = parquetFile.Close()
	defer removeQuietly(parquetPath)

	s.progress.Publish(ctx, models.KindIngestion, jobID, models.StatusStarted, 5, "Downloading raw file from object store")
	if err := s.objects.FGetObject(ctx, s.opts.Bucket, job.StorageKey, rawPath); err != nil {
		return s.fail(ctx, log, jobID, fmt.Errorf("failed to download raw object %s: %w", job.StorageKey, err))
	}

	s.progress.Publish(ctx, models.KindIngestion, jobID, models.StatusStarted, 35, "Materializing Parquet")
	if err := s.jobs.UpdateFields(ctx, jobID, map[string]any{
		"status":   models.StatusStarted,
		"progress": 35,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to mirror progress onto job document")
	}

	result, err := s.materialize(ctx, job, rawPath, parquetPath)
	if err != nil {
		return s.fail(ctx, log, jobID, err)
	}

	processedKey := job.ProcessedKey
	if processedKey == "" {
		processedKey = storageminio.ProcessedKey(job.StorageKey, job.Filename)
	}

	s.progress.Publish(ctx, models.KindIngestion, jobID, models.StatusStarted, 80, "Uploading processed Parquet")
	if err := s.objects.FPutObject(ctx, s.opts.Bucket, processedKey, parquetPath, "application/octet-stream"); err != nil {
		return s.fail(ctx, log, jobID, fmt.Errorf("failed to upload processed artifact: %w", err))
	}

	if err := s.jobs.UpdateFields(ctx, jobID, map[string]any{
		"status":        models.StatusSuccess,
		"progress":      100,
		"processed_key": processedKey,
		"columns":       result.Columns,
		"rows_seen":     result.Rows,
		"sample_rows":   result.SampleRows,
		"metadata": models.IngestionMetadata{
			Stats: result.Stats,
			Mat:   result.Mat,
		},
	}); err != nil {
		return s.fail(ctx, log, jobID, fmt.Errorf("failed to persist ingestion results: %w", err))
	}

	s.progress.Publish(ctx, models.KindIngestion, jobID, models.StatusSuccess, 100, "Upload + processing complete")
	log.Info().
		Str("processed_key", processedKey).
		Int64("rows", result.Rows).
		Int("columns", len(result.Columns)).
		Msg("Ingestion complete")
	return nil
}

// materialize parses the raw file into the parquet scratch path and returns
// the profiling result.
func (s *Service) materialize(ctx context.Context, job *models.IngestionJob, rawPath, parquetPath string) (*tabular.Result, error) {
	parser, err := s.registry.ForFile(job.Filename, job.DatasetType)
	if err != nil {
		return nil, err
	}

	out, err := os.Create(parquetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet scratch file: %w", err)
	}
	defer out.Close()

	writer := columnar.NewWriter(out)
	spec := tabular.ParseSpec{
		HeaderMode:    job.HeaderMode,
		CustomHeaders: job.CustomHeaders,
		SheetName:     job.SheetName,
		ParseRange:    job.ParseRange,
		MatConfig:     job.MatConfig,
		MaxMatCells:   s.opts.MaxMatCells,
		ChunkRows:     s.opts.ChunkRows,
		SampleRows:    s.opts.SampleRows,
	}

	result, err := parser.Parse(ctx, rawPath, spec, writer)
	if err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := out.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync parquet scratch file: %w", err)
	}
	return result, nil
}

// fail persists the terminal failure on the job document, clears the
// processed key, publishes the terminal event, and hands the error back for
// the queue record. The raw object is never removed.
func (s *Service) fail(ctx context.Context, log arbor.ILogger, jobID string, jobErr error) error {
	log.Error().Err(jobErr).Msg("Ingestion failed")
	s.progress.Publish(ctx, models.KindIngestion, jobID, models.StatusFailure, 100, jobErr.Error())
	if err := s.jobs.UpdateFields(ctx, jobID, map[string]any{
		"status":        models.StatusFailure,
		"progress":      100,
		"message":       jobErr.Error(),
		"processed_key": "",
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to persist job failure")
	}
	return jobErr
}

func removeQuietly(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		common.GetLogger().Warn().Err(err).Str("path", path).Msg("Failed to remove scratch file")
	}
}
