package viz

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/ternarybob/volare/internal/common"
	"github.com/ternarybob/volare/internal/mat"
	"github.com/ternarybob/volare/internal/models"
)

// matSliceCells caps how many cells a MAT slice may feed one figure.
const matSliceCells = 2_000_000

// buildMatSeries downloads the MAT source, slices the requested variable,
// and shapes the result for the figure builder.
func buildMatSeries(ctx context.Context, deps sourceDeps, plan *matPlan, chartType models.ChartType) (figureSeries, error) {
	var fs figureSeries

	tmp, err := os.CreateTemp(deps.tempDir, "volare-mat-*.mat")
	if err != nil {
		return fs, fmt.Errorf("failed to create scratch file: %w", err)
	}
	path := tmp.Name()
	tmp.Close()
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			common.GetLogger().Warn().Err(err).Str("path", path).Msg("Failed to remove scratch file")
		}
	}()

	if err := deps.objects.FGetObject(ctx, deps.bucket, plan.Job.StorageKey, path); err != nil {
		return fs, fmt.Errorf("failed to download raw object: %w", err)
	}

	file, err := mat.Open(path)
	if err != nil {
		return fs, err
	}
	defer file.Close()

	req := plan.Request
	spec, err := mat.BuildSliceSpec(sliceMapping(req.Mapping), string(chartType), sliceFilters(req.Filters), matSliceCells)
	if err != nil {
		return fs, err
	}

	result, err := file.Slice(req.Var, spec, file.Index())
	if err != nil {
		return fs, err
	}

	return matFigureSeries(chartType, req, spec, result)
}

// matFigureSeries shapes a slice result by mapped axis count: one axis
// plots values over the x coordinate, two pivot to a dense field.
func matFigureSeries(chartType models.ChartType, req models.MatRequest, spec *mat.SliceSpec, result *mat.SliceResult) (figureSeries, error) {
	fs := figureSeries{
		Label:  req.Var,
		Chart:  chartType,
		XScale: models.ScaleLinear,
		YScale: models.ScaleLinear,
	}
	values := result.Values

	switch len(spec.Axes) {
	case 1:
		xDim := spec.Axes[0].Dim
		xs := result.Coords[xDim]
		fs.XName = result.Labels[xDim]
		fs.YName = req.Var
		n := len(values.Data)
		if len(xs) < n {
			n = len(xs)
		}
		fs.XY = make([]xyPoint, 0, n)
		for i := 0; i < n; i++ {
			fs.XY = append(fs.XY, xyPoint{X: xs[i], Y: values.Data[i]})
		}
		return fs, nil

	case 2:
		if values.NDim() != 2 {
			return fs, fmt.Errorf("MAT slice for %q is not two-dimensional", req.Var)
		}
		xDim := spec.Axes[0].Dim
		yDim := spec.Axes[1].Dim
		fs.XName = result.Labels[xDim]
		fs.YName = result.Labels[yDim]
		fs.ZName = req.Var

		nx, ny := values.Shape[0], values.Shape[1]
		g := &grid{
			X: result.Coords[xDim],
			Y: result.Coords[yDim],
			Z: makeField(ny, nx, math.NaN()),
		}
		for xi := 0; xi < nx; xi++ {
			for yi := 0; yi < ny; yi++ {
				g.Z[yi][xi] = values.Data[xi*ny+yi]
			}
		}
		fs.Grid = g
		return fs, nil
	}

	return fs, fmt.Errorf("chart type %q is not supported for MAT sources", chartType)
}

func sliceMapping(mapping map[string]models.MatAxisBinding) map[string]any {
	out := make(map[string]any, len(mapping))
	for key, b := range mapping {
		entry := map[string]any{"dim": b.Dim}
		if b.Coord != "" {
			entry["coord"] = b.Coord
		}
		out[key] = entry
	}
	return out
}

func sliceFilters(filters map[string]float64) map[string]any {
	if len(filters) == 0 {
		return nil
	}
	out := make(map[string]any, len(filters))
	for k, v := range filters {
		out[k] = v
	}
	return out
}
