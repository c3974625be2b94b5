// Package calc serves derived-column work over finished datasets: previews
// evaluated on the leading rows, and full materializations that rewrite the
// processed artifact with the new columns appended.
package calc

import (
	"context"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/columnar"
	"github.com/ternarybob/volare/internal/derived"
	"github.com/ternarybob/volare/internal/interfaces"
	"github.com/ternarybob/volare/internal/models"
	storageminio "github.com/ternarybob/volare/internal/storage/minio"
	"github.com/ternarybob/volare/internal/tabular"
)

// DefaultPreviewRows is the preview page size when the caller does not ask
// for one.
const DefaultPreviewRows = 10

// previewRowsCap bounds a single preview so a bad request cannot pull a
// whole dataset through the evaluator.
const previewRowsCap = 1000

// BadRequestError marks a caller mistake (bad specs, dataset not ready) so
// the transport layer can answer 400 instead of 500.
type BadRequestError struct {
	msg string
}

func (e *BadRequestError) Error() string { return e.msg }

func badRequestf(format string, args ...any) error {
	return &BadRequestError{msg: fmt.Sprintf(format, args...)}
}

// Options carries the knobs resolved from config.
type Options struct {
	Bucket     string
	TempDir    string
	SampleRows int
}

// Service evaluates derived-column specs against processed artifacts.
type Service struct {
	jobs    interfaces.IngestionStore
	objects interfaces.ObjectStore
	opts    Options
	logger  arbor.ILogger
}

// NewService creates the calculations service.
func NewService(jobs interfaces.IngestionStore, objects interfaces.ObjectStore, opts Options, logger arbor.ILogger) *Service {
	if opts.SampleRows <= 0 {
		opts.SampleRows = tabular.DefaultSampleRows
	}
	return &Service{
		jobs:    jobs,
		objects: objects,
		opts:    opts,
		logger:  logger,
	}
}

// PreviewResult is the preview reply: the would-be schema and the leading
// rows with the derived columns evaluated.
type PreviewResult struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// MaterializeResult reports a finished materialization.
type MaterializeResult struct {
	ProcessedKey string   `json:"processed_key"`
	Columns      []string `json:"columns"`
	Rows         int64    `json:"rows_seen"`
}

// prepare loads the job and validates the specs against its schema. Only
// successful tabular jobs with a processed artifact can take derived columns.
func (s *Service) prepare(ctx context.Context, jobID string, specs []models.DerivedSpec) (*models.IngestionJob, []models.DerivedSpec, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != models.StatusSuccess || job.ProcessedKey == "" {
		return nil, nil, badRequestf("dataset is not ready for calculations")
	}

	normalized, err := derived.Normalize(specs)
	if err != nil {
		return nil, nil, &BadRequestError{msg: err.Error()}
	}
	if len(normalized) == 0 {
		return nil, nil, badRequestf("at least one derived column is required")
	}
	if err := derived.Validate(job.Columns, normalized); err != nil {
		return nil, nil, &BadRequestError{msg: err.Error()}
	}
	return job, normalized, nil
}

// stage downloads the processed artifact and opens it for scanning. The
// returned cleanup closes the reader and removes the scratch file.
func (s *Service) stage(ctx context.Context, job *models.IngestionJob) (*columnar.Reader, func(), error) {
	tmp, err := os.CreateTemp(s.opts.TempDir, "volare-calc-*.parquet")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create scratch file: %w", err)
	}
	path := tmp.Name()
	_ = tmp.Close()

	cleanupFile := func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove scratch file")
		}
	}

	if err := s.objects.FGetObject(ctx, s.opts.Bucket, job.ProcessedKey, path); err != nil {
		cleanupFile()
		return nil, nil, fmt.Errorf("failed to download processed artifact: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		cleanupFile()
		return nil, nil, fmt.Errorf("failed to open staged artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		cleanupFile()
		return nil, nil, fmt.Errorf("failed to stat staged artifact: %w", err)
	}
	reader, err := columnar.Open(f, info.Size())
	if err != nil {
		f.Close()
		cleanupFile()
		return nil, nil, err
	}

	cleanup := func() {
		f.Close()
		cleanupFile()
	}
	return reader, cleanup, nil
}

// Preview evaluates the specs over the leading rows without touching the
// stored artifact or the job document.
func (s *Service) Preview(ctx context.Context, jobID string, specs []models.DerivedSpec, limit int) (*PreviewResult, error) {
	job, normalized, err := s.prepare(ctx, jobID, specs)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = DefaultPreviewRows
	}
	if limit > previewRowsCap {
		limit = previewRowsCap
	}

	reader, cleanup, err := s.stage(ctx, job)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	frame, err := reader.ReadFirst(ctx, limit, nil)
	if err != nil {
		return nil, err
	}
	out, err := derived.Apply(frame, normalized)
	if err != nil {
		return nil, &BadRequestError{msg: err.Error()}
	}

	return &PreviewResult{
		Columns: out.Columns,
		Rows:    out.Maps(),
	}, nil
}

// Materialize streams the processed artifact through the evaluator, writes a
// new parquet with the derived columns appended, uploads it beside the old
// one, and repoints the job document at it. The previous artifact stays in
// the store; a job delete sweeps the whole subtree.
func (s *Service) Materialize(ctx context.Context, jobID string, specs []models.DerivedSpec) (*MaterializeResult, error) {
	job, normalized, err := s.prepare(ctx, jobID, specs)
	if err != nil {
		return nil, err
	}

	reader, cleanup, err := s.stage(ctx, job)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	outFile, err := os.CreateTemp(s.opts.TempDir, "volare-calc-out-*.parquet")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch file: %w", err)
	}
	outPath := outFile.Name()
	defer func() {
		outFile.Close()
		if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", outPath).Msg("Failed to remove scratch file")
		}
	}()

	writer := columnar.NewWriter(outFile)
	profile := tabular.NewProfile(s.opts.SampleRows)
	var columns []string

	err = reader.Scan(ctx, nil, columnar.ScanOptions{}, func(frame *columnar.Frame) error {
		out, applyErr := derived.Apply(frame, normalized)
		if applyErr != nil {
			return applyErr
		}
		if columns == nil {
			columns = out.Columns
		}
		profile.Observe(out)
		return writer.WriteFrame(out)
	})
	if err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := outFile.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync parquet scratch file: %w", err)
	}

	if columns == nil {
		columns = append(append([]string(nil), job.Columns...), specNames(normalized)...)
	}

	newKey := storageminio.DerivedKey(job.ProcessedKey, job.Filename)
	if err := s.objects.FPutObject(ctx, s.opts.Bucket, newKey, outPath, "application/octet-stream"); err != nil {
		return nil, fmt.Errorf("failed to upload materialized artifact: %w", err)
	}

	fields := map[string]any{
		"processed_key":   newKey,
		"columns":         columns,
		"rows_seen":       profile.Rows(),
		"sample_rows":     profile.Sample(),
		"metadata.stats":  profile.Stats(),
		"derived_columns": append(append([]models.DerivedSpec(nil), job.Derived...), normalized...),
	}
	if err := s.jobs.UpdateFields(ctx, jobID, fields); err != nil {
		return nil, fmt.Errorf("failed to persist materialized columns: %w", err)
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("processed_key", newKey).
		Int("derived", len(normalized)).
		Int64("rows", profile.Rows()).
		Msg("Derived columns materialized")

	return &MaterializeResult{
		ProcessedKey: newKey,
		Columns:      columns,
		Rows:         profile.Rows(),
	}, nil
}

func specNames(specs []models.DerivedSpec) []string {
	out := make([]string, 0, len(specs))
	for _, spec := range specs {
		out = append(out, spec.Name)
	}
	return out
}
