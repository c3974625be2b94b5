package zoom

import (
	"context"
	"fmt"
	"os"

	"github.com/ternarybob/volare/internal/columnar"
	"github.com/ternarybob/volare/internal/common"
	"github.com/ternarybob/volare/internal/derived"
	"github.com/ternarybob/volare/internal/models"
	"github.com/ternarybob/volare/internal/tabular"
)

// dataset stages one ingestion job's data as a local columnar artifact and
// serves projected scans over it. The processed artifact is preferred; when
// a job has none the behavior depends on the caller: the raw-window path
// accepts raw objects that are already columnar, the row-window path falls
// back to a fresh parse of the raw object.
type dataset struct {
	reader  *columnar.Reader
	file    *os.File
	derived []models.DerivedSpec
	remove  []string
}

// openColumnar stages a job that must already have a columnar artifact:
// either a processed key or a raw upload that is itself parquet.
func (s *Service) openColumnar(ctx context.Context, job *models.IngestionJob, specs []models.DerivedSpec) (*dataset, error) {
	key := job.ProcessedKey
	if key == "" {
		switch common.FileExt(job.Filename) {
		case ".parquet", ".pq":
			key = job.StorageKey
		default:
			return nil, ErrRawNotAvailable
		}
	}

	src := &dataset{derived: specs}
	path, err := src.scratch(s.opts.TempDir, "volare-zoom-*.parquet")
	if err != nil {
		src.close()
		return nil, err
	}
	if err := s.objects.FGetObject(ctx, s.opts.RawBucket, key, path); err != nil {
		src.close()
		return nil, fmt.Errorf("failed to download columnar artifact: %w", err)
	}
	if err := src.open(path); err != nil {
		src.close()
		return nil, err
	}
	return src, nil
}

// openAny stages a job preferring the processed artifact and re-parsing the
// raw object when none exists yet.
func (s *Service) openAny(ctx context.Context, job *models.IngestionJob) (*dataset, error) {
	src := &dataset{}
	path, err := s.stageAny(ctx, src, job)
	if err != nil {
		src.close()
		return nil, err
	}
	if err := src.open(path); err != nil {
		src.close()
		return nil, err
	}
	return src, nil
}

func (s *Service) stageAny(ctx context.Context, src *dataset, job *models.IngestionJob) (string, error) {
	if job.ProcessedKey != "" {
		path, err := src.scratch(s.opts.TempDir, "volare-zoom-*.parquet")
		if err != nil {
			return "", err
		}
		if err := s.objects.FGetObject(ctx, s.opts.RawBucket, job.ProcessedKey, path); err != nil {
			return "", fmt.Errorf("failed to download processed artifact: %w", err)
		}
		return path, nil
	}

	rawPath, err := src.scratch(s.opts.TempDir, "volare-zoom-raw-*"+common.FileExt(job.Filename))
	if err != nil {
		return "", err
	}
	if err := s.objects.FGetObject(ctx, s.opts.RawBucket, job.StorageKey, rawPath); err != nil {
		return "", fmt.Errorf("failed to download raw object: %w", err)
	}

	parser, err := s.registry.ForFile(job.Filename, job.DatasetType)
	if err != nil {
		return "", err
	}

	parquetPath, err := src.scratch(s.opts.TempDir, "volare-zoom-*.parquet")
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
		MaxMatCells:   s.opts.MaxMatCells,
		ChunkRows:     s.opts.ChunkRows,
		SampleRows:    s.opts.SampleRows,
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

func (d *dataset) open(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open staged artifact: %w", err)
	}
	d.file = f

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat staged artifact: %w", err)
	}
	reader, err := columnar.Open(f, info.Size())
	if err != nil {
		return err
	}
	d.reader = reader
	return nil
}

func (d *dataset) scratch(dir, pattern string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("failed to create scratch file: %w", err)
	}
	path := f.Name()
	f.Close()
	d.remove = append(d.remove, path)
	return path, nil
}

func (d *dataset) physical(name string) bool {
	for _, c := range d.reader.ColumnNames() {
		if c == name {
			return true
		}
	}
	return false
}

func (d *dataset) derivedName(name string) bool {
	for _, spec := range d.derived {
		if spec.Name == name {
			return true
		}
	}
	return false
}

func (d *dataset) has(name string) bool {
	return d.physical(name) || d.derivedName(name)
}

// scan streams frames covering the targets, computing derived targets per
// chunk. Pushdown only applies when the range column is a physical numeric
// column; otherwise rows are filtered in memory by the caller.
func (d *dataset) scan(ctx context.Context, targets []string, xr *columnar.XRange, fn func(frame *columnar.Frame) error) error {
	for _, name := range targets {
		if !d.has(name) {
			return badRequestf("column %q not found in dataset", name)
		}
	}

	pushdown := xr
	if xr != nil && (!d.physical(xr.Column) || !d.reader.Numeric(xr.Column)) {
		pushdown = nil
	}

	if len(d.derived) == 0 {
		return d.reader.Scan(ctx, targets, columnar.ScanOptions{XRange: pushdown}, fn)
	}

	plan, err := derived.BuildPlan(d.reader.ColumnNames(), d.derived, targets)
	if err != nil {
		return err
	}
	return d.reader.Scan(ctx, plan.ReadColumns, columnar.ScanOptions{XRange: pushdown}, func(frame *columnar.Frame) error {
		out, err := derived.Apply(frame, plan.Specs)
		if err != nil {
			return err
		}
		if out.Len() == 0 {
			return nil
		}
		return fn(out)
	})
}

func (d *dataset) close() {
	if d.file != nil {
		d.file.Close()
	}
	log := common.GetLogger()
	for _, path := range d.remove {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("Failed to remove scratch file")
		}
	}
}
