package viz

import (
	"context"
	"fmt"
	"os"

	"github.com/ternarybob/volare/internal/columnar"
	"github.com/ternarybob/volare/internal/common"
	"github.com/ternarybob/volare/internal/derived"
	"github.com/ternarybob/volare/internal/interfaces"
	"github.com/ternarybob/volare/internal/models"
	"github.com/ternarybob/volare/internal/tabular"
)

// sourceDeps carries what staging a series needs: the object store the
// dataset lives in and the parser stack for the raw fallback.
type sourceDeps struct {
	objects     interfaces.ObjectStore
	registry    *tabular.Registry
	bucket      string
	tempDir     string
	chunkRows   int
	sampleRows  int
	maxMatCells int
}

// seriesSource stages one series' data as a local columnar artifact and
// serves projected scans over it, computing the per-series derived columns
// on the fly. The processed artifact is preferred; when a job has none the
// raw object is downloaded and parsed fresh.
type seriesSource struct {
	reader  *columnar.Reader
	file    *os.File
	derived []models.DerivedSpec
	remove  []string
}

func openSeriesSource(ctx context.Context, deps sourceDeps, job *models.IngestionJob, specs []models.DerivedSpec) (*seriesSource, error) {
	src := &seriesSource{derived: specs}

	path, err := src.stage(ctx, deps, job)
	if err != nil {
		src.close()
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		src.close()
		return nil, fmt.Errorf("failed to open staged artifact: %w", err)
	}
	src.file = f

	info, err := f.Stat()
	if err != nil {
		src.close()
		return nil, fmt.Errorf("failed to stat staged artifact: %w", err)
	}

	reader, err := columnar.Open(f, info.Size())
	if err != nil {
		src.close()
		return nil, err
	}
	src.reader = reader
	return src, nil
}

// stage downloads the series data and returns a local parquet path.
func (s *seriesSource) stage(ctx context.Context, deps sourceDeps, job *models.IngestionJob) (string, error) {
	if job.ProcessedKey != "" {
		tmp, err := s.scratch(deps.tempDir, "volare-series-*.parquet")
		if err != nil {
			return "", err
		}
		if err := deps.objects.FGetObject(ctx, deps.bucket, job.ProcessedKey, tmp); err != nil {
			return "", fmt.Errorf("failed to download processed artifact: %w", err)
		}
		return tmp, nil
	}

	rawPath, err := s.scratch(deps.tempDir, "volare-series-raw-*"+common.FileExt(job.Filename))
	if err != nil {
		return "", err
	}
	if err := deps.objects.FGetObject(ctx, deps.bucket, job.StorageKey, rawPath); err != nil {
		return "", fmt.Errorf("failed to download raw object: %w", err)
	}

	parser, err := deps.registry.ForFile(job.Filename, job.DatasetType)
	if err != nil {
		return "", err
	}

	parquetPath, err := s.scratch(deps.tempDir, "volare-series-*.parquet")
	if err != nil {
		return "", err
	}
	out, err := os.Create(parquetPath)
	if err != nil {
		return "", fmt.Errorf("failed to open parquet scratch file: %w", err)
	}
	defer out.Close()

	writer := columnar.NewWriter(out)
	spec := tabular.ParseSpec{
		HeaderMode:    job.HeaderMode,
		CustomHeaders: job.CustomHeaders,
		SheetName:     job.SheetName,
		ParseRange:    job.ParseRange,
		MatConfig:     job.MatConfig,
		MaxMatCells:   deps.maxMatCells,
		ChunkRows:     deps.chunkRows,
		SampleRows:    deps.sampleRows,
	}
	if _, err := parser.Parse(ctx, rawPath, spec, writer); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	if err := out.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync parquet scratch file: %w", err)
	}
	return parquetPath, nil
}

func (s *seriesSource) scratch(dir, pattern string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create scratch file: %w", err)
	}
	path := f.Name()
	f.Close()
	s.remove = append(s.remove, path)
	return path, nil
}

// columns returns the physical schema plus the derived names this source
// can compute.
func (s *seriesSource) columns() []string {
	out := append([]string(nil), s.reader.ColumnNames()...)
	for _, spec := range s.derived {
		out = append(out, spec.Name)
	}
	return out
}

func (s *seriesSource) physical(name string) bool {
	for _, c := range s.reader.ColumnNames() {
		if c == name {
			return true
		}
	}
	return false
}

func (s *seriesSource) derivedName(name string) bool {
	for _, spec := range s.derived {
		if spec.Name == name {
			return true
		}
	}
	return false
}

func (s *seriesSource) rows() int64 {
	return s.reader.NumRows()
}

// scan streams frames covering the targets. Derived targets pull in their
// plan's base columns and are computed per chunk; a range on a derived X
// cannot push down and filters in memory instead.
func (s *seriesSource) scan(ctx context.Context, targets []string, xr *columnar.XRange, fn func(frame *columnar.Frame) error) error {
	for _, name := range targets {
		if !s.physical(name) && !s.derivedName(name) {
			return fmt.Errorf("column %q not found in dataset", name)
		}
	}

	if len(s.derived) == 0 {
		return s.reader.Scan(ctx, targets, columnar.ScanOptions{XRange: xr}, fn)
	}

	plan, err := derived.BuildPlan(s.reader.ColumnNames(), s.derived, targets)
	if err != nil {
		return err
	}

	pushdown := xr
	if xr != nil && !s.physical(xr.Column) {
		pushdown = nil
	}

	return s.reader.Scan(ctx, plan.ReadColumns, columnar.ScanOptions{XRange: pushdown}, func(frame *columnar.Frame) error {
		out, err := derived.Apply(frame, plan.Specs)
		if err != nil {
			return err
		}
		if xr != nil && pushdown == nil {
			filterFrameByRange(out, xr)
		}
		if out.Len() == 0 {
			return nil
		}
		return fn(out)
	})
}

func filterFrameByRange(frame *columnar.Frame, xr *columnar.XRange) {
	xi := frame.ColumnIndex(xr.Column)
	if xi < 0 {
		return
	}
	kept := frame.Rows[:0]
	for _, row := range frame.Rows {
		x, ok := numericCell(row[xi])
		if !ok {
			continue
		}
		if x < xr.Min || x > xr.Max {
			continue
		}
		kept = append(kept, row)
	}
	frame.Rows = kept
}

func (s *seriesSource) close() {
	if s.file != nil {
		s.file.Close()
	}
	log := common.GetLogger()
	for _, path := range s.remove {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("Failed to remove scratch file")
		}
	}
}
