// Package viz renders visualization jobs: plan validation, per-series tile
// materialization or point sampling, figure assembly, and upload of the
// final HTML artifact.
package viz

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"sort"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/columnar"
	"github.com/ternarybob/volare/internal/interfaces"
	"github.com/ternarybob/volare/internal/models"
	"github.com/ternarybob/volare/internal/queue"
	storageminio "github.com/ternarybob/volare/internal/storage/minio"
	"github.com/ternarybob/volare/internal/tabular"
)

// Options carries the rendering knobs resolved from config.
type Options struct {
	RawBucket   string
	VizBucket   string
	TempDir     string
	Levels      []int
	XYBudget    int
	XYZBudget   int
	APIBase     string
	ChunkRows   int
	SampleRows  int
	MaxMatCells int
}

// Service coordinates one visualization job from queued to terminal state.
type Service struct {
	vizs     interfaces.VisualizationStore
	jobs     interfaces.IngestionStore
	objects  interfaces.ObjectStore
	progress interfaces.ProgressService
	registry *tabular.Registry
	opts     Options
	logger   arbor.ILogger
}

// NewService creates the visualization coordinator. Detail levels are kept
// sorted ascending so tile order, stats, and the loader payload agree.
func NewService(vizs interfaces.VisualizationStore, jobs interfaces.IngestionStore, objects interfaces.ObjectStore, progress interfaces.ProgressService, opts Options, logger arbor.ILogger) *Service {
	levels := append([]int(nil), opts.Levels...)
	sort.Ints(levels)
	opts.Levels = levels

	return &Service{
		vizs:     vizs,
		jobs:     jobs,
		objects:  objects,
		progress: progress,
		registry: tabular.NewRegistry(),
		opts:     opts,
		logger:   logger,
	}
}

// Handler returns the queue handler that drives Run for visualization
// messages.
func (s *Service) Handler() queue.JobHandler {
	return func(ctx context.Context, msg models.QueueMessage) error {
		return s.Run(ctx, msg.JobID)
	}
}

// Run renders one visualization. Any error has already been persisted as a
// terminal failure on the document before it is returned; the return value
// exists so the queue records the outcome.
func (s *Service) Run(ctx context.Context, vizID string) error {
	log := s.logger.WithCorrelationId(vizID)

	doc, err := s.vizs.Get(ctx, vizID)
	if err != nil {
		err = fmt.Errorf("failed to load visualization job: %w", err)
		s.progress.Publish(ctx, models.KindVisualization, vizID, models.StatusFailure, 100, err.Error())
		return err
	}

	plan, err := buildPlan(ctx, s.jobs, doc)
	if err != nil {
		return s.fail(ctx, log, vizID, err)
	}

	log.Info().
		Str("chart_type", string(plan.ChartType)).
		Str("project_id", doc.ProjectID).
		Int("series", len(plan.Series)).
		Msg("Visualization started")

	s.progress.Publish(ctx, models.KindVisualization, vizID, models.StatusStarted, 10, "Preparing visualization")
	if err := s.vizs.UpdateFields(ctx, vizID, map[string]any{
		"status":   models.StatusStarted,
		"progress": 10,
		"message":  "Preparing visualization",
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to mirror progress onto visualization document")
	}

	if err := s.objects.EnsureBucket(ctx, s.opts.VizBucket); err != nil {
		return s.fail(ctx, log, vizID, fmt.Errorf("failed to ensure visualization bucket: %w", err))
	}

	deps := sourceDeps{
		objects:     s.objects,
		registry:    s.registry,
		bucket:      s.opts.RawBucket,
		tempDir:     s.opts.TempDir,
		chunkRows:   s.opts.ChunkRows,
		sampleRows:  s.opts.SampleRows,
		maxMatCells: s.opts.MaxMatCells,
	}

	var (
		series []figureSeries
		tiles  []models.TileDescriptor
		stats  []models.SeriesStats
		meta   []loaderSeries
	)

	if plan.Mat != nil {
		s.progress.Publish(ctx, models.KindVisualization, vizID, models.StatusStarted, 30, "Extracting MAT slice")
		fs, err := buildMatSeries(ctx, deps, plan.Mat, plan.ChartType)
		if err != nil {
			return s.fail(ctx, log, vizID, err)
		}
		series = append(series, fs)
	}

	for _, sp := range plan.Series {
		fs, descriptors, seriesStats, err := s.prepareSeries(ctx, deps, vizID, doc.ProjectID, sp)
		if err != nil {
			return s.fail(ctx, log, vizID, err)
		}
		series = append(series, fs)
		tiles = append(tiles, descriptors...)
		stats = append(stats, seriesStats)
		meta = append(meta, loaderSeries{XAxis: sp.Series.XAxis, YAxis: sp.Series.YAxis})
	}

	s.progress.Publish(ctx, models.KindVisualization, vizID, models.StatusStarted, 60, "Building figure")
	fig, err := buildFigure(plan.ChartType, series)
	if err != nil {
		return s.fail(ctx, log, vizID, err)
	}

	var loader template.HTML
	if plan.allTiled() {
		loader, err = buildLoader(vizID, s.opts.APIBase, s.opts.Levels, meta, stats)
		if err != nil {
			return s.fail(ctx, log, vizID, fmt.Errorf("failed to render zoom loader: %w", err))
		}
	}

	var html bytes.Buffer
	if err := renderPage(&html, "Volare Visualization", fig, loader); err != nil {
		return s.fail(ctx, log, vizID, err)
	}

	s.progress.Publish(ctx, models.KindVisualization, vizID, models.StatusStarted, 85, "Saving visualization")
	htmlKey := storageminio.ChartKey(doc.ProjectID, vizID)
	if err := s.objects.PutObject(ctx, s.opts.VizBucket, htmlKey, bytes.NewReader(html.Bytes()), int64(html.Len()), "text/html"); err != nil {
		return s.fail(ctx, log, vizID, fmt.Errorf("failed to upload visualization HTML: %w", err))
	}

	fields := map[string]any{
		"status":   models.StatusSuccess,
		"progress": 100,
		"message":  "Visualization ready",
		"html_key": htmlKey,
	}
	if len(tiles) > 0 {
		fields["tiles"] = tiles
	}
	if len(stats) > 0 {
		fields["series_stats"] = stats
	}
	if err := s.vizs.UpdateFields(ctx, vizID, fields); err != nil {
		return s.fail(ctx, log, vizID, fmt.Errorf("failed to persist visualization results: %w", err))
	}

	s.progress.Publish(ctx, models.KindVisualization, vizID, models.StatusSuccess, 100, "Visualization ready")
	log.Info().
		Str("html_key", htmlKey).
		Int("tiles", len(tiles)).
		Int("series", len(series)).
		Msg("Visualization complete")
	return nil
}

// prepareSeries stages one series and either materializes its detail tiles
// or samples raw points, returning the drawable series plus the tile
// metadata to persist.
func (s *Service) prepareSeries(ctx context.Context, deps sourceDeps, vizID, projectID string, sp seriesPlan) (figureSeries, []models.TileDescriptor, models.SeriesStats, error) {
	idx := sp.Index + 1
	fs := figureSeries{
		Label:  seriesLabel(sp.Series),
		Chart:  sp.Effective,
		XName:  sp.Series.XAxis,
		YName:  sp.Series.YAxis,
		ZName:  sp.Series.ZAxis,
		XScale: sp.XScale,
		YScale: sp.YScale,
	}

	if sp.Tiled {
		s.progress.Publish(ctx, models.KindVisualization, vizID, models.StatusStarted, 30, fmt.Sprintf("Profiling series %d", idx))
	} else {
		s.progress.Publish(ctx, models.KindVisualization, vizID, models.StatusStarted, 30, fmt.Sprintf("Sampling points for series %d", idx))
	}

	src, err := openSeriesSource(ctx, deps, sp.Job, sp.Derived)
	if err != nil {
		return fs, nil, models.SeriesStats{}, err
	}
	defer src.close()

	logX := sp.XScale == models.ScaleLog
	logY := sp.YScale == models.ScaleLog

	if sp.Tiled {
		build, err := buildTiles(ctx, src, sp.Series.XAxis, sp.Series.YAxis, logX, s.opts.Levels)
		if err != nil {
			return fs, nil, models.SeriesStats{}, err
		}

		descriptors := make([]models.TileDescriptor, 0, len(build.Tiles))
		for _, tile := range build.Tiles {
			key := storageminio.TileKey(projectID, vizID, sp.Index, tile.Level)
			payload, err := encodeTileFrame(tile.Frame)
			if err != nil {
				return fs, nil, models.SeriesStats{}, err
			}
			if err := s.objects.PutObject(ctx, s.opts.VizBucket, key, bytes.NewReader(payload), int64(len(payload)), "application/octet-stream"); err != nil {
				return fs, nil, models.SeriesStats{}, fmt.Errorf("failed to upload tile %s: %w", key, err)
			}
			descriptors = append(descriptors, models.TileDescriptor{
				SeriesIndex: sp.Index,
				Level:       tile.Level,
				Key:         key,
				Rows:        int64(tile.Frame.Len()),
				XMin:        tile.XMin,
				XMax:        tile.XMax,
			})
		}

		fs.XY = overviewPoints(build.Overview, sp.Series.XAxis)
		return fs, descriptors, build.Stats, nil
	}

	if sp.Effective.RequiresZ() {
		points, err := sampleXYZ(ctx, src, sp.Series.XAxis, sp.Series.YAxis, sp.Series.ZAxis, logX, logY, s.opts.XYZBudget)
		if err != nil {
			return fs, nil, models.SeriesStats{}, err
		}
		if len(points) == 0 {
			return fs, nil, models.SeriesStats{}, fmt.Errorf("No usable numeric data for series %d", idx)
		}
		if sp.Effective == models.ChartLine3D {
			sort.SliceStable(points, func(i, j int) bool { return points[i].X < points[j].X })
		}
		fs.XYZ = points
		return fs, nil, models.SeriesStats{}, nil
	}

	points, err := sampleXY(ctx, src, sp.Series.XAxis, sp.Series.YAxis, logX, logY, s.opts.XYBudget)
	if err != nil {
		return fs, nil, models.SeriesStats{}, err
	}
	if len(points) == 0 {
		return fs, nil, models.SeriesStats{}, fmt.Errorf("No usable numeric data for series %d", idx)
	}
	fs.XY = points
	return fs, nil, models.SeriesStats{}, nil
}

// fail persists the terminal failure on the document, publishes the
// terminal event, and hands the error back for the queue record.
func (s *Service) fail(ctx context.Context, log arbor.ILogger, vizID string, vizErr error) error {
	log.Error().Err(vizErr).Msg("Visualization failed")
	s.progress.Publish(ctx, models.KindVisualization, vizID, models.StatusFailure, 100, vizErr.Error())
	if err := s.vizs.UpdateFields(ctx, vizID, map[string]any{
		"status":   models.StatusFailure,
		"progress": 100,
		"message":  vizErr.Error(),
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to persist visualization failure")
	}
	return vizErr
}

func seriesLabel(series models.Series) string {
	if series.Label != "" {
		return series.Label
	}
	return series.YAxis
}

// overviewPoints converts the coarsest tile frame to drawable points for
// the stored figure.
func overviewPoints(frame *columnar.Frame, xCol string) []xyPoint {
	if frame == nil {
		return nil
	}
	xi := frame.ColumnIndex(xCol)
	yi := frame.ColumnIndex("y_mean")
	if xi < 0 || yi < 0 {
		return nil
	}
	out := make([]xyPoint, 0, frame.Len())
	for _, row := range frame.Rows {
		x, ok := numericCell(row[xi])
		if !ok {
			continue
		}
		y, ok := numericCell(row[yi])
		if !ok {
			continue
		}
		out = append(out, xyPoint{X: x, Y: y})
	}
	return out
}

func encodeTileFrame(frame *columnar.Frame) ([]byte, error) {
	var buf bytes.Buffer
	w := columnar.NewWriter(&buf)
	if err := w.WriteFrame(frame); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode tile frame: %w", err)
	}
	return buf.Bytes(), nil
}
