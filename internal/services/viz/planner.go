package viz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ternarybob/volare/internal/common"
	"github.com/ternarybob/volare/internal/derived"
	"github.com/ternarybob/volare/internal/interfaces"
	"github.com/ternarybob/volare/internal/models"
)

// seriesPlan is one validated series with its source job resolved and the
// derived specs normalized into evaluation order.
type seriesPlan struct {
	Index     int
	Series    models.Series
	Job       *models.IngestionJob
	Effective models.ChartType
	Tiled     bool
	XScale    models.AxisScale
	YScale    models.AxisScale
	Derived   []models.DerivedSpec
}

// matPlan is a validated MAT slice request with its source job resolved.
type matPlan struct {
	Job     *models.IngestionJob
	Request models.MatRequest
}

// vizPlan is a fully validated visualization: either a series list or a
// MAT slice, never both.
type vizPlan struct {
	ChartType models.ChartType
	Series    []seriesPlan
	Mat       *matPlan
}

// allTiled reports whether every series renders from tiles, which is what
// decides if the zoom loader is embedded.
func (p *vizPlan) allTiled() bool {
	if len(p.Series) == 0 {
		return false
	}
	for _, s := range p.Series {
		if !s.Tiled {
			return false
		}
	}
	return true
}

// Validate checks a visualization request the way the worker will, so bad
// requests fail at creation time instead of inside the queue.
func Validate(ctx context.Context, jobs interfaces.IngestionStore, doc *models.VisualizationJob) error {
	_, err := buildPlan(ctx, jobs, doc)
	return err
}

// buildPlan resolves and validates the visualization document against its
// source jobs. Every error it returns is a terminal job failure message.
func buildPlan(ctx context.Context, jobs interfaces.IngestionStore, doc *models.VisualizationJob) (*vizPlan, error) {
	chartType := normalizeChartType(doc.ChartType)

	if doc.SourceType == models.SourceMat {
		return buildMatPlan(ctx, jobs, doc, chartType)
	}

	if len(doc.Series) == 0 {
		return nil, errors.New("no series configured for visualization")
	}

	mixed := false
	for _, s := range doc.Series {
		if s.ChartType != "" && normalizeChartType(s.ChartType) != chartType {
			mixed = true
			break
		}
	}
	if mixed && !chartType.IsCartesian2D() {
		return nil, fmt.Errorf("chart type %q does not allow per-series overrides", chartType)
	}

	plan := &vizPlan{ChartType: chartType}
	for i, s := range doc.Series {
		idx := i + 1

		effective := chartType
		if s.ChartType != "" {
			effective = normalizeChartType(s.ChartType)
		}
		if mixed && !effective.IsCartesian2D() {
			return nil, fmt.Errorf("series %d: chart type %q cannot be mixed with %q", idx, effective, chartType)
		}

		if s.JobID == "" || s.XAxis == "" || s.YAxis == "" {
			return nil, fmt.Errorf("series %d: missing dataset or axis selection", idx)
		}
		if effective.RequiresZ() && s.ZAxis == "" {
			return nil, fmt.Errorf("z axis is required for %s plots", effective)
		}

		job, err := jobs.Get(ctx, s.JobID)
		if err != nil || job == nil {
			return nil, fmt.Errorf("series %d: dataset not found", idx)
		}
		if job.ProjectID != doc.ProjectID {
			return nil, fmt.Errorf("series %d: dataset not found", idx)
		}
		if job.Status != models.StatusSuccess {
			return nil, fmt.Errorf("series %d: dataset is not ready for visualization", idx)
		}

		specs, err := derived.Normalize(s.Derived)
		if err != nil {
			return nil, fmt.Errorf("series %d: %w", idx, err)
		}
		if err := derived.Validate(job.Columns, specs); err != nil {
			return nil, fmt.Errorf("series %d: %w", idx, err)
		}

		available := make(map[string]bool, len(job.Columns)+len(specs))
		for _, c := range job.Columns {
			available[c] = true
		}
		for _, spec := range specs {
			available[spec.Name] = true
		}
		axes := []string{s.XAxis, s.YAxis}
		if effective.RequiresZ() {
			axes = append(axes, s.ZAxis)
		}
		for _, name := range axes {
			if !available[name] {
				return nil, fmt.Errorf("series %d: column %q not found in dataset", idx, name)
			}
		}

		xScale := normalizeScale(s.XScale)
		yScale := normalizeScale(s.YScale)
		if xScale == models.ScaleLog {
			if st, ok := job.Metadata.Stats[s.XAxis]; ok && st.Min <= 0 {
				return nil, fmt.Errorf("series %d: %w", idx, errLogScale(s.XAxis, st.Min))
			}
		}
		if yScale == models.ScaleLog {
			if st, ok := job.Metadata.Stats[s.YAxis]; ok && st.Min <= 0 {
				return nil, fmt.Errorf("series %d: %w", idx, errLogScale(s.YAxis, st.Min))
			}
		}

		plan.Series = append(plan.Series, seriesPlan{
			Index:     i,
			Series:    s,
			Job:       job,
			Effective: effective,
			Tiled:     effective.IsTiled(),
			XScale:    xScale,
			YScale:    yScale,
			Derived:   specs,
		})
	}
	return plan, nil
}

func buildMatPlan(ctx context.Context, jobs interfaces.IngestionStore, doc *models.VisualizationJob, chartType models.ChartType) (*vizPlan, error) {
	req := doc.Mat
	if req == nil || req.JobID == "" || req.Var == "" || len(req.Mapping) == 0 {
		return nil, errors.New("MAT visualization requires job_id, var, and mapping")
	}
	if !matChartSupported(chartType) {
		return nil, fmt.Errorf("chart type %q is not supported for MAT sources", chartType)
	}

	job, err := jobs.Get(ctx, req.JobID)
	if err != nil || job == nil {
		return nil, errors.New("dataset not found")
	}
	if job.ProjectID != doc.ProjectID {
		return nil, errors.New("dataset not found")
	}
	if job.Status != models.StatusSuccess {
		return nil, errors.New("dataset is not ready for visualization")
	}
	if common.FileExt(job.Filename) != ".mat" {
		return nil, fmt.Errorf("dataset %q is not a MAT file", job.Filename)
	}

	return &vizPlan{
		ChartType: chartType,
		Mat:       &matPlan{Job: job, Request: *req},
	}, nil
}

func normalizeChartType(ct models.ChartType) models.ChartType {
	t := models.ChartType(strings.ToLower(strings.TrimSpace(string(ct))))
	if t == "" {
		return models.ChartScatter
	}
	return t
}

func normalizeScale(s models.AxisScale) models.AxisScale {
	if strings.EqualFold(strings.TrimSpace(string(s)), string(models.ScaleLog)) {
		return models.ScaleLog
	}
	return models.ScaleLinear
}

func matChartSupported(ct models.ChartType) bool {
	switch ct {
	case models.ChartLine, models.ChartScatter, models.ChartHeatmap, models.ChartContour, models.ChartSurface:
		return true
	}
	return false
}
