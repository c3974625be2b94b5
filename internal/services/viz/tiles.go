package viz

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ternarybob/volare/internal/columnar"
	"github.com/ternarybob/volare/internal/models"
)

// boundsEpsilon widens a degenerate X extent so level edges stay distinct.
const boundsEpsilon = 1e-9

// errNoXRange is raised when a series carries no numeric X values at all.
var errNoXRange = errors.New("Unable to detect range for x-axis")

func errLogScale(column string, min float64) error {
	return fmt.Errorf("log scale requires positive values: column %q has minimum %g", column, min)
}

// axisBounds is the product of the first profiling pass: the X extent and
// the number of rows with a numeric X value.
type axisBounds struct {
	Min  float64
	Max  float64
	Rows int64
}

// scanBounds fixes the X extent the level edges are derived from. A log
// scale demands strictly positive X, checked against the observed minimum
// so nothing is materialized for an axis that cannot be drawn.
func scanBounds(ctx context.Context, src *seriesSource, xCol string, logX bool) (axisBounds, error) {
	b := axisBounds{Min: math.Inf(1), Max: math.Inf(-1)}
	err := src.scan(ctx, []string{xCol}, nil, func(frame *columnar.Frame) error {
		xi := frame.ColumnIndex(xCol)
		if xi < 0 {
			return fmt.Errorf("column %q not found in dataset", xCol)
		}
		for _, row := range frame.Rows {
			x, ok := numericCell(row[xi])
			if !ok {
				continue
			}
			if x < b.Min {
				b.Min = x
			}
			if x > b.Max {
				b.Max = x
			}
			b.Rows++
		}
		return nil
	})
	if err != nil {
		return axisBounds{}, err
	}
	if b.Rows == 0 || math.IsInf(b.Min, 0) || math.IsInf(b.Max, 0) {
		return axisBounds{}, errNoXRange
	}
	if logX && b.Min <= 0 {
		return axisBounds{}, errLogScale(xCol, b.Min)
	}
	return b, nil
}

// levelAccumulator folds (x, y) pairs into one detail level. Four parallel
// arrays indexed by bin keep the fold associative across chunks.
type levelAccumulator struct {
	level  int
	edges  []float64
	counts []int64
	sums   []float64
	mins   []float64
	maxs   []float64
}

func newLevelAccumulator(level int, bounds axisBounds, logX bool) *levelAccumulator {
	a := &levelAccumulator{
		level:  level,
		counts: make([]int64, level),
		sums:   make([]float64, level),
		mins:   make([]float64, level),
		maxs:   make([]float64, level),
	}
	if logX {
		a.edges = logspace(bounds.Min, bounds.Max, level+1)
	} else {
		a.edges = linspace(bounds.Min, bounds.Max, level+1)
	}
	for i := 0; i < level; i++ {
		a.mins[i] = math.Inf(1)
		a.maxs[i] = math.Inf(-1)
	}
	return a
}

// bin locates x. A value sitting on an interior edge belongs to the bin
// that starts there; x equal to the top edge lands in the last bin.
func (a *levelAccumulator) bin(x float64) int {
	top := len(a.edges) - 1
	if x < a.edges[0] || x > a.edges[top] {
		return -1
	}
	if x == a.edges[top] {
		return top - 1
	}
	i := sort.SearchFloat64s(a.edges, x)
	if i < len(a.edges) && a.edges[i] == x {
		return i
	}
	return i - 1
}

func (a *levelAccumulator) add(x, y float64) {
	i := a.bin(x)
	if i < 0 {
		return
	}
	a.counts[i]++
	a.sums[i] += y
	if y < a.mins[i] {
		a.mins[i] = y
	}
	if y > a.maxs[i] {
		a.maxs[i] = y
	}
}

// frame emits the non-empty bins as tile rows, X at the bin center.
func (a *levelAccumulator) frame(xName string) *columnar.Frame {
	f := columnar.NewFrame([]string{xName, "count", "y_mean", "y_min", "y_max"})
	for i, n := range a.counts {
		if n == 0 {
			continue
		}
		center := (a.edges[i] + a.edges[i+1]) / 2
		f.AppendRow([]any{center, float64(n), a.sums[i] / float64(n), a.mins[i], a.maxs[i]})
	}
	return f
}

// builtTile is one materialized level awaiting upload.
type builtTile struct {
	Level int
	Frame *columnar.Frame
	XMin  float64
	XMax  float64
}

// tileBuild is the product of profiling one series: every level in
// ascending order, the coarsest frame for the initial render, and the
// stats the zoom loader classifies spans against.
type tileBuild struct {
	Tiles    []builtTile
	Overview *columnar.Frame
	Stats    models.SeriesStats
}

// buildTiles profiles one series into detail levels. The bounds pass fixes
// the edges, then a single data pass feeds every accumulator at once.
func buildTiles(ctx context.Context, src *seriesSource, xCol, yCol string, logX bool, levels []int) (*tileBuild, error) {
	if len(levels) == 0 {
		return nil, errors.New("no detail levels configured")
	}
	bounds, err := scanBounds(ctx, src, xCol, logX)
	if err != nil {
		return nil, err
	}
	if bounds.Min == bounds.Max {
		bounds.Max = bounds.Min + boundsEpsilon
	}

	sorted := append([]int(nil), levels...)
	sort.Ints(sorted)

	accs := make([]*levelAccumulator, 0, len(sorted))
	for _, level := range sorted {
		accs = append(accs, newLevelAccumulator(level, bounds, logX))
	}

	partitions := 0
	err = src.scan(ctx, []string{xCol, yCol}, nil, func(frame *columnar.Frame) error {
		xi := frame.ColumnIndex(xCol)
		yi := frame.ColumnIndex(yCol)
		if xi < 0 {
			return fmt.Errorf("column %q not found in dataset", xCol)
		}
		if yi < 0 {
			return fmt.Errorf("column %q not found in dataset", yCol)
		}
		seen := false
		for _, row := range frame.Rows {
			x, ok := numericCell(row[xi])
			if !ok {
				continue
			}
			y, ok := numericCell(row[yi])
			if !ok {
				continue
			}
			seen = true
			for _, acc := range accs {
				acc.add(x, y)
			}
		}
		if seen {
			partitions++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	build := &tileBuild{
		Stats: models.SeriesStats{
			XMin:       bounds.Min,
			XMax:       bounds.Max,
			Rows:       bounds.Rows,
			Partitions: partitions,
		},
	}
	for _, acc := range accs {
		build.Tiles = append(build.Tiles, builtTile{
			Level: acc.level,
			Frame: acc.frame(xCol),
			XMin:  bounds.Min,
			XMax:  bounds.Max,
		})
	}
	build.Overview = accs[0].frame(xCol)
	return build, nil
}

func linspace(min, max float64, n int) []float64 {
	out := make([]float64, n)
	step := (max - min) / float64(n-1)
	for i := range out {
		out[i] = min + float64(i)*step
	}
	out[n-1] = max
	return out
}

// logspace spaces n edges evenly in log10 between min and max, endpoints
// pinned to the scanned bounds.
func logspace(min, max float64, n int) []float64 {
	out := linspace(math.Log10(min), math.Log10(max), n)
	for i, v := range out {
		out[i] = math.Pow(10, v)
	}
	out[0] = min
	out[n-1] = max
	return out
}
