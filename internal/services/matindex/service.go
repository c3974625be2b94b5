// Package matindex serves the MAT variable browser behind the chart
// builder: the cached variable index of an uploaded MAT file, corner-sample
// previews of single variables, and dry-run slice previews so a mapping can
// be checked before a visualization job is queued.
package matindex

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/common"
	"github.com/ternarybob/volare/internal/interfaces"
	"github.com/ternarybob/volare/internal/mat"
	"github.com/ternarybob/volare/internal/models"
)

// slicePreviewValues caps the flattened values a slice preview returns.
const slicePreviewValues = 1000

// BadRequestError marks a caller mistake so the transport layer can answer
// 400 instead of 500.
type BadRequestError struct {
	msg string
}

func (e *BadRequestError) Error() string { return e.msg }

func badRequestf(format string, args ...any) error {
	return &BadRequestError{msg: fmt.Sprintf(format, args...)}
}

// Options carries the knobs resolved from config.
type Options struct {
	Bucket      string
	TempDir     string
	MaxMatCells int
}

// Service reads MAT containers referenced by ingestion jobs.
type Service struct {
	jobs    interfaces.IngestionStore
	objects interfaces.ObjectStore
	opts    Options
	logger  arbor.ILogger
}

// NewService creates the MAT browser service.
func NewService(jobs interfaces.IngestionStore, objects interfaces.ObjectStore, opts Options, logger arbor.ILogger) *Service {
	return &Service{
		jobs:    jobs,
		objects: objects,
		opts:    opts,
		logger:  logger,
	}
}

// open stages the job's raw MAT file locally and opens it. The cleanup
// closes the container and removes the scratch file.
func (s *Service) open(ctx context.Context, job *models.IngestionJob) (*mat.File, func(), error) {
	tmp, err := os.CreateTemp(s.opts.TempDir, "volare-mat-*.mat")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create scratch file: %w", err)
	}
	path := tmp.Name()
	_ = tmp.Close()

	removeScratch := func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove scratch file")
		}
	}

	if err := s.objects.FGetObject(ctx, s.opts.Bucket, job.StorageKey, path); err != nil {
		removeScratch()
		return nil, nil, fmt.Errorf("failed to download raw object: %w", err)
	}

	file, err := mat.Open(path)
	if err != nil {
		removeScratch()
		return nil, nil, err
	}
	cleanup := func() {
		file.Close()
		removeScratch()
	}
	return file, cleanup, nil
}

// matJob loads the job and checks it references a processed MAT upload.
func (s *Service) matJob(ctx context.Context, jobID string) (*models.IngestionJob, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if common.FileExt(job.Filename) != ".mat" {
		return nil, badRequestf("dataset %q is not a MAT file", job.Filename)
	}
	if job.Status != models.StatusSuccess {
		return nil, badRequestf("dataset is not ready")
	}
	return job, nil
}

// Index returns the variable index of the job's MAT file. The first read
// walks the container and caches the index on the job document; later reads
// answer from the cache.
func (s *Service) Index(ctx context.Context, jobID string) (*models.MatFileIndex, error) {
	job, err := s.matJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Metadata.MatIndex != nil {
		return job.Metadata.MatIndex, nil
	}

	file, cleanup, err := s.open(ctx, job)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	ix := file.Index()
	if err := s.jobs.UpdateFields(ctx, jobID, map[string]any{"metadata.mat_index": ix}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to cache MAT index")
	}

	s.logger.Info().
		Str("job_id", jobID).
		Str("version", ix.Version).
		Int("variables", len(ix.Variables)).
		Msg("MAT file indexed")
	return ix, nil
}

// Preview returns the corner sample of one variable.
func (s *Service) Preview(ctx context.Context, jobID, varName string, maxValues int) (*mat.Preview, error) {
	if varName == "" {
		return nil, badRequestf("var is required")
	}
	job, err := s.matJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	file, cleanup, err := s.open(ctx, job)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	preview, err := file.Preview(varName, maxValues)
	if err != nil {
		return nil, &BadRequestError{msg: err.Error()}
	}
	return preview, nil
}

// SlicePreview is the reply for a dry-run slice: the reduced shape, the
// coordinate vectors of the mapped axes, and the leading values.
type SlicePreview struct {
	Variable string        `json:"variable"`
	Shape    []int         `json:"shape"`
	Cells    int           `json:"cells"`
	Coords   [][]float64   `json:"coords"`
	Labels   []string      `json:"labels"`
	Values   []any         `json:"values"`
	Truncated bool         `json:"truncated"`
}

// Slice runs the axis mapping against the variable and returns a capped
// preview of the result, so a bad mapping fails here instead of inside a
// queued visualization job.
func (s *Service) Slice(ctx context.Context, jobID, varName, chartType string, mapping map[string]any, filters map[string]any) (*SlicePreview, error) {
	if varName == "" {
		return nil, badRequestf("var is required")
	}
	job, err := s.matJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	spec, err := mat.BuildSliceSpec(mapping, chartType, filters, s.opts.MaxMatCells)
	if err != nil {
		return nil, &BadRequestError{msg: err.Error()}
	}

	file, cleanup, err := s.open(ctx, job)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	meta := job.Metadata.MatIndex
	if meta == nil {
		meta = file.Index()
	}
	result, err := file.Slice(varName, spec, meta)
	if err != nil {
		return nil, &BadRequestError{msg: err.Error()}
	}

	preview := &SlicePreview{
		Variable: varName,
		Shape:    result.Values.Shape,
		Cells:    result.Values.Size(),
	}
	for _, axis := range spec.Axes {
		preview.Coords = append(preview.Coords, result.Coords[axis.Dim])
		preview.Labels = append(preview.Labels, result.Labels[axis.Dim])
	}

	limit := len(result.Values.Data)
	if limit > slicePreviewValues {
		limit = slicePreviewValues
		preview.Truncated = true
	}
	preview.Values = make([]any, 0, limit)
	for _, v := range result.Values.Data[:limit] {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			preview.Values = append(preview.Values, nil)
			continue
		}
		preview.Values = append(preview.Values, v)
	}
	return preview, nil
}
