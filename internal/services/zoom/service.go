// Package zoom serves the interactive drill-down reads behind a rendered
// chart: pre-aggregated tile levels, capped raw point windows, and paginated
// row windows over a dataset. It shares the staging and sampling conventions
// of the visualization renderer but never mutates documents.
package zoom

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/volare/internal/columnar"
	"github.com/ternarybob/volare/internal/interfaces"
	"github.com/ternarybob/volare/internal/models"
	"github.com/ternarybob/volare/internal/tabular"
)

const (
	// DefaultMaxPoints caps a raw read when the caller does not ask for a
	// specific budget.
	DefaultMaxPoints = 200_000

	// DefaultWindowLimit is the page size of a row window when the caller
	// does not pass one.
	DefaultWindowLimit = 1000

	// windowLimitCap bounds a single row-window page.
	windowLimitCap = 10_000

	// sampleSeed matches the renderer's down-sampling seed so a raw read
	// at full extent returns the same points the chart was built from.
	sampleSeed = 42
)

var (
	// ErrNoTiles - the visualization finished without tile artifacts (or
	// has none for the requested series).
	ErrNoTiles = errors.New("no tiles materialized for this visualization")

	// ErrTileNotFound - no tile exists at the requested detail level.
	ErrTileNotFound = errors.New("requested tile not found")

	// ErrRawNotAvailable - the series' dataset has no columnar artifact to
	// window over.
	ErrRawNotAvailable = errors.New("raw reads require a parquet source; run ingestion to generate a processed artifact")
)

// BadRequestError marks a caller mistake (bad index, bad axis, bad range) so
// the transport layer can answer 400 instead of 500.
type BadRequestError struct {
	msg string
}

func (e *BadRequestError) Error() string { return e.msg }

func badRequestf(format string, args ...any) error {
	return &BadRequestError{msg: fmt.Sprintf(format, args...)}
}

// Options carries the read-path knobs resolved from config.
type Options struct {
	RawBucket   string
	VizBucket   string
	TempDir     string
	PresignTTL  time.Duration
	RawCap      int
	ChunkRows   int
	SampleRows  int
	MaxMatCells int
}

// Service answers zoom queries against stored visualizations and datasets.
type Service struct {
	vizs     interfaces.VisualizationStore
	jobs     interfaces.IngestionStore
	objects  interfaces.ObjectStore
	registry *tabular.Registry
	opts     Options
	logger   arbor.ILogger
}

// NewService creates the zoom read service.
func NewService(vizs interfaces.VisualizationStore, jobs interfaces.IngestionStore, objects interfaces.ObjectStore, opts Options, logger arbor.ILogger) *Service {
	return &Service{
		vizs:     vizs,
		jobs:     jobs,
		objects:  objects,
		registry: tabular.NewRegistry(),
		opts:     opts,
		logger:   logger,
	}
}

// TileQuery selects one materialized tile of one series, optionally
// restricted to a visible x-range.
type TileQuery struct {
	Series int
	Level  int
	XMin   *float64
	XMax   *float64
}

// TileResult is the tile read reply: the series definition, the resolved
// level, the tile descriptor, and the (filtered) tile rows as records.
type TileResult struct {
	Series models.Series         `json:"series"`
	Level  int                   `json:"level"`
	Rows   int                   `json:"rows"`
	Tile   models.TileDescriptor `json:"tile"`
	Data   []map[string]any      `json:"data"`
}

// Tiles reads one pre-aggregated tile for a series. The lowest materialized
// level is served when none is requested; bounds filter inclusively on the
// x column.
func (s *Service) Tiles(ctx context.Context, vizID string, q TileQuery) (*TileResult, error) {
	doc, err := s.vizs.Get(ctx, vizID)
	if err != nil {
		return nil, err
	}
	if len(doc.Tiles) == 0 {
		return nil, ErrNoTiles
	}
	if q.Series < 0 || q.Series >= len(doc.Series) {
		return nil, badRequestf("series index out of range")
	}

	series := doc.Series[q.Series]
	if series.XAxis == "" || series.YAxis == "" {
		return nil, badRequestf("series %d is missing x and y axes", q.Series)
	}

	tiles := doc.TilesForSeries(q.Series)
	if len(tiles) == 0 {
		return nil, ErrNoTiles
	}

	level := q.Level
	if level <= 0 {
		level = tiles[0].Level
		for _, t := range tiles[1:] {
			if t.Level < level {
				level = t.Level
			}
		}
	}

	var chosen *models.TileDescriptor
	for i := range tiles {
		if tiles[i].Level == level {
			chosen = &tiles[i]
			break
		}
	}
	if chosen == nil {
		return nil, ErrTileNotFound
	}

	frame, err := s.readTile(ctx, chosen.Key)
	if err != nil {
		return nil, err
	}

	records := tileRecords(frame, series.YAxis)
	if q.XMin != nil || q.XMax != nil {
		records = filterRecords(records, series.XAxis, q.XMin, q.XMax)
	}

	tile := *chosen
	if url, err := s.objects.PresignedGet(ctx, s.opts.VizBucket, tile.Key, s.opts.PresignTTL); err == nil {
		tile.URL = url
	}

	return &TileResult{
		Series: series,
		Level:  level,
		Rows:   len(records),
		Tile:   tile,
		Data:   records,
	}, nil
}

// readTile fetches a tile object and decodes it into a single frame.
func (s *Service) readTile(ctx context.Context, key string) (*columnar.Frame, error) {
	obj, err := s.objects.GetObject(ctx, s.opts.VizBucket, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tile artifact: %w", err)
	}
	defer obj.Close()

	payload, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read tile artifact: %w", err)
	}
	reader, err := columnar.Open(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, err
	}
	return reader.ReadFirst(ctx, int(reader.NumRows()), nil)
}

// tileRecords converts a tile frame to records, aliasing the aggregated
// y_mean column under the series' own y-axis name so zoom swaps on the
// client address columns by the names the chart uses.
func tileRecords(frame *columnar.Frame, yAxis string) []map[string]any {
	hasY := frame.ColumnIndex(yAxis) >= 0
	meanIdx := frame.ColumnIndex("y_mean")

	records := make([]map[string]any, 0, frame.Len())
	for _, row := range frame.Rows {
		m := make(map[string]any, len(frame.Columns)+1)
		for ci, col := range frame.Columns {
			m[col] = row[ci]
		}
		if !hasY && meanIdx >= 0 {
			m[yAxis] = row[meanIdx]
		}
		records = append(records, m)
	}
	return records
}

// filterRecords keeps records whose x cell lies inside the closed bounds.
// Records without a numeric x cell drop once a bound is active.
func filterRecords(records []map[string]any, xAxis string, xMin, xMax *float64) []map[string]any {
	kept := records[:0]
	for _, m := range records {
		x, ok := numericCell(m[xAxis])
		if !ok {
			continue
		}
		if xMin != nil && x < *xMin {
			continue
		}
		if xMax != nil && x > *xMax {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// RawQuery selects a capped raw point window of one series.
type RawQuery struct {
	Series    int
	XMin      *float64
	XMax      *float64
	MaxPoints int
}

// RawResult is the raw read reply: true points from the columnar source,
// sorted by x, keyed by the series' own axis names.
type RawResult struct {
	Series models.Series    `json:"series"`
	Rows   int              `json:"rows"`
	XAxis  string           `json:"x_axis"`
	YAxis  string           `json:"y_axis"`
	Data   []map[string]any `json:"data"`
}

// Raw streams true (x, y) points for one series inside the requested
// x-range. The processed artifact is preferred; a raw upload serves only
// when it is already parquet. Overfull windows down-sample with the
// renderer's seed so deep zooms stay reproducible.
func (s *Service) Raw(ctx context.Context, vizID string, q RawQuery) (*RawResult, error) {
	doc, err := s.vizs.Get(ctx, vizID)
	if err != nil {
		return nil, err
	}
	if len(doc.Series) == 0 {
		return nil, badRequestf("no series configured")
	}
	if q.Series < 0 || q.Series >= len(doc.Series) {
		return nil, badRequestf("series index out of range")
	}

	series := doc.Series[q.Series]
	if series.JobID == "" || series.XAxis == "" || series.YAxis == "" {
		return nil, badRequestf("series %d is missing job_id, x_axis, or y_axis", q.Series)
	}

	maxPoints := q.MaxPoints
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	if s.opts.RawCap > 0 && maxPoints > s.opts.RawCap {
		return nil, badRequestf("max_points cannot exceed %d", s.opts.RawCap)
	}

	job, err := s.jobs.Get(ctx, series.JobID)
	if err != nil {
		return nil, err
	}

	src, err := s.openColumnar(ctx, job, series.Derived)
	if err != nil {
		return nil, err
	}
	defer src.close()

	points, err := collectPoints(ctx, src, series.XAxis, series.YAxis, q.XMin, q.XMax)
	if err != nil {
		return nil, err
	}

	if len(points) > maxPoints {
		sampled := make([]xyPoint, 0, maxPoints)
		for _, i := range sampleIndexes(len(points), maxPoints) {
			sampled = append(sampled, points[i])
		}
		points = sampled
	}
	sort.Slice(points, func(i, j int) bool { return points[i].X < points[j].X })

	records := make([]map[string]any, 0, len(points))
	for _, p := range points {
		m := map[string]any{series.XAxis: p.X}
		m[series.YAxis] = p.Y
		records = append(records, m)
	}

	return &RawResult{
		Series: series,
		Rows:   len(records),
		XAxis:  series.XAxis,
		YAxis:  series.YAxis,
		Data:   records,
	}, nil
}

type xyPoint struct {
	X float64
	Y float64
}

// collectPoints scans the x/y projection inside the bounds and keeps pairs
// where both cells coerce to numbers. The range applies in memory too so
// sources that cannot push it down still answer correctly.
func collectPoints(ctx context.Context, src *dataset, xAxis, yAxis string, xMin, xMax *float64) ([]xyPoint, error) {
	targets := []string{xAxis}
	if yAxis != xAxis {
		targets = append(targets, yAxis)
	}

	var xr *columnar.XRange
	if xMin != nil || xMax != nil {
		xr = &columnar.XRange{Column: xAxis, Min: math.Inf(-1), Max: math.Inf(1)}
		if xMin != nil {
			xr.Min = *xMin
		}
		if xMax != nil {
			xr.Max = *xMax
		}
	}

	var points []xyPoint
	err := src.scan(ctx, targets, xr, func(frame *columnar.Frame) error {
		xi := frame.ColumnIndex(xAxis)
		yi := frame.ColumnIndex(yAxis)
		if xi < 0 || yi < 0 {
			return nil
		}
		for _, row := range frame.Rows {
			x, ok := numericCell(row[xi])
			if !ok {
				continue
			}
			y, ok := numericCell(row[yi])
			if !ok {
				continue
			}
			if xMin != nil && x < *xMin {
				continue
			}
			if xMax != nil && x > *xMax {
				continue
			}
			points = append(points, xyPoint{X: x, Y: y})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return points, nil
}

// WindowQuery selects a paginated slice of rows whose x cell lies inside a
// closed range.
type WindowQuery struct {
	XAxis  string
	YAxis  string
	Start  float64
	End    float64
	Offset int
	Limit  int
}

// WindowResult reports the slice plus enough bookkeeping for the caller to
// page through the window.
type WindowResult struct {
	Rows          []map[string]any `json:"rows"`
	TotalInWindow int              `json:"total_in_window"`
	Offset        int              `json:"offset"`
	Limit         int              `json:"limit"`
	Start         float64          `json:"start"`
	End           float64          `json:"end"`
	HasMore       bool             `json:"has_more"`
}

// Window pages through the rows of a dataset whose x value falls inside
// [start, end]. The whole window is counted even after the page fills so
// the caller can tell whether more rows remain. Rows keep source order.
func (s *Service) Window(ctx context.Context, jobID string, q WindowQuery) (*WindowResult, error) {
	if q.XAxis == "" {
		return nil, badRequestf("x_axis is required")
	}
	if q.YAxis == "" {
		return nil, badRequestf("y_axis is required")
	}
	if q.Start >= q.End {
		return nil, badRequestf("start must be less than end")
	}
	if q.Offset < 0 {
		return nil, badRequestf("offset must be non-negative")
	}
	if q.Limit <= 0 {
		return nil, badRequestf("limit must be positive")
	}
	if q.Limit > windowLimitCap {
		return nil, badRequestf("limit cannot exceed %d", windowLimitCap)
	}

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	src, err := s.openAny(ctx, job)
	if err != nil {
		return nil, err
	}
	defer src.close()

	targets := []string{q.XAxis}
	if q.YAxis != q.XAxis {
		targets = append(targets, q.YAxis)
	}
	xr := &columnar.XRange{Column: q.XAxis, Min: q.Start, Max: q.End}

	total := 0
	rows := make([]map[string]any, 0, q.Limit)
	err = src.scan(ctx, targets, xr, func(frame *columnar.Frame) error {
		xi := frame.ColumnIndex(q.XAxis)
		yi := frame.ColumnIndex(q.YAxis)
		if xi < 0 || yi < 0 {
			return nil
		}
		for _, row := range frame.Rows {
			x, ok := numericCell(row[xi])
			if !ok {
				continue
			}
			y, ok := numericCell(row[yi])
			if !ok {
				continue
			}
			if x < q.Start || x > q.End {
				continue
			}
			total++
			if total > q.Offset && len(rows) < q.Limit {
				m := map[string]any{q.XAxis: x}
				m[q.YAxis] = y
				rows = append(rows, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &WindowResult{
		Rows:          rows,
		TotalInWindow: total,
		Offset:        q.Offset,
		Limit:         q.Limit,
		Start:         q.Start,
		End:           q.End,
		HasMore:       total > q.Offset+len(rows),
	}, nil
}

// numericCell coerces a scanned cell to float64. Strings parse when they
// hold a number; NaN and nulls drop.
func numericCell(cell any) (float64, bool) {
	switch v := cell.(type) {
	case float64:
		if math.IsNaN(v) {
			return 0, false
		}
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// sampleIndexes picks n of m indexes uniformly without replacement, in
// ascending order, from a fixed seed.
func sampleIndexes(m, n int) []int {
	if n >= m {
		out := make([]int, m)
		for i := range out {
			out[i] = i
		}
		return out
	}
	rng := rand.New(rand.NewSource(sampleSeed))
	out := rng.Perm(m)[:n]
	sort.Ints(out)
	return out
}
