package viz

import (
	"math"
	"sort"
)

// gridBins is the fallback resolution when scattered points have to be
// regridded before a contour or surface can be drawn.
const gridBins = 80

// grid is a dense Z field over sorted axis values, indexed Z[y][x]. NaN
// marks a cell no point landed in.
type grid struct {
	X []float64
	Y []float64
	Z [][]float64
}

// buildGrid turns sampled (x, y, z) points into a plottable field. Data
// that already forms a grid is pivoted exactly; anything else is averaged
// into fixed bins and the holes are filled by inverse-distance weighting.
func buildGrid(points []xyzPoint, bins int) *grid {
	if g, ok := pivotGrid(points); ok {
		return g
	}
	g := binMeanGrid(points, bins)
	g.fillIDW()
	return g
}

// pivotGrid detects grid-shaped data: few enough unique axis values that
// almost every (x, y) pair is a real cell. Duplicate cells average.
func pivotGrid(points []xyzPoint) (*grid, bool) {
	xs := make([]float64, 0, len(points))
	ys := make([]float64, 0, len(points))
	for _, p := range points {
		xs = append(xs, p.X)
		ys = append(ys, p.Y)
	}
	ux := uniqueSorted(xs)
	uy := uniqueSorted(ys)
	if len(ux) < 3 || len(uy) < 3 {
		return nil, false
	}
	if float64(len(ux))*float64(len(uy)) > float64(len(points))*1.2 {
		return nil, false
	}

	xi := make(map[float64]int, len(ux))
	for i, v := range ux {
		xi[v] = i
	}
	yi := make(map[float64]int, len(uy))
	for i, v := range uy {
		yi[v] = i
	}

	sums := makeField(len(uy), len(ux), 0)
	counts := makeField(len(uy), len(ux), 0)
	for _, p := range points {
		r, c := yi[p.Y], xi[p.X]
		sums[r][c] += p.Z
		counts[r][c]++
	}

	g := &grid{X: ux, Y: uy, Z: makeField(len(uy), len(ux), math.NaN())}
	for r := range g.Z {
		for c := range g.Z[r] {
			if counts[r][c] > 0 {
				g.Z[r][c] = sums[r][c] / counts[r][c]
			}
		}
	}
	return g, true
}

// binMeanGrid averages points into a bins x bins lattice, axis values at
// the bin centers.
func binMeanGrid(points []xyzPoint, bins int) *grid {
	xMin, xMax := math.Inf(1), math.Inf(-1)
	yMin, yMax := math.Inf(1), math.Inf(-1)
	for _, p := range points {
		xMin = math.Min(xMin, p.X)
		xMax = math.Max(xMax, p.X)
		yMin = math.Min(yMin, p.Y)
		yMax = math.Max(yMax, p.Y)
	}
	if xMin == xMax {
		xMax = xMin + boundsEpsilon
	}
	if yMin == yMax {
		yMax = yMin + boundsEpsilon
	}

	xEdges := linspace(xMin, xMax, bins+1)
	yEdges := linspace(yMin, yMax, bins+1)

	sums := makeField(bins, bins, 0)
	counts := makeField(bins, bins, 0)
	for _, p := range points {
		c := edgeBin(xEdges, p.X)
		r := edgeBin(yEdges, p.Y)
		if c < 0 || r < 0 {
			continue
		}
		sums[r][c] += p.Z
		counts[r][c]++
	}

	g := &grid{
		X: edgeCenters(xEdges),
		Y: edgeCenters(yEdges),
		Z: makeField(bins, bins, math.NaN()),
	}
	for r := range g.Z {
		for c := range g.Z[r] {
			if counts[r][c] > 0 {
				g.Z[r][c] = sums[r][c] / counts[r][c]
			}
		}
	}
	return g
}

// fillIDW fills empty cells from the populated ones with inverse-square
// distance weights, approximating a smooth interpolant over the field.
func (g *grid) fillIDW() {
	type src struct {
		x, y, z float64
	}
	var sources []src
	for r := range g.Z {
		for c := range g.Z[r] {
			if !math.IsNaN(g.Z[r][c]) {
				sources = append(sources, src{g.X[c], g.Y[r], g.Z[r][c]})
			}
		}
	}
	if len(sources) == 0 {
		return
	}
	for r := range g.Z {
		for c := range g.Z[r] {
			if !math.IsNaN(g.Z[r][c]) {
				continue
			}
			var num, den float64
			for _, s := range sources {
				dx := g.X[c] - s.x
				dy := g.Y[r] - s.y
				w := 1 / (dx*dx + dy*dy)
				num += w * s.z
				den += w
			}
			if den > 0 {
				g.Z[r][c] = num / den
			}
		}
	}
}

// fillLinear interpolates empty cells along X, then along Y, leaving
// corners no pass can reach empty.
func (g *grid) fillLinear() {
	for r := range g.Z {
		interpolateLine(g.X, g.Z[r])
	}
	col := make([]float64, len(g.Y))
	for c := range g.X {
		for r := range g.Y {
			col[r] = g.Z[r][c]
		}
		interpolateLine(g.Y, col)
		for r := range g.Y {
			g.Z[r][c] = col[r]
		}
	}
}

// interpolateLine fills NaN runs between two known values in place.
func interpolateLine(axis, vals []float64) {
	prev := -1
	for i, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		if prev >= 0 && i-prev > 1 {
			x0, x1 := axis[prev], axis[i]
			y0, y1 := vals[prev], v
			for j := prev + 1; j < i; j++ {
				if x1 == x0 {
					vals[j] = y0
					continue
				}
				t := (axis[j] - x0) / (x1 - x0)
				vals[j] = y0 + t*(y1-y0)
			}
		}
		prev = i
	}
}

// edgeBin locates v in the edge set with the same tie rules as the tile
// digitizer.
func edgeBin(edges []float64, v float64) int {
	top := len(edges) - 1
	if v < edges[0] || v > edges[top] {
		return -1
	}
	if v == edges[top] {
		return top - 1
	}
	i := sort.SearchFloat64s(edges, v)
	if i < len(edges) && edges[i] == v {
		return i
	}
	return i - 1
}

func edgeCenters(edges []float64) []float64 {
	out := make([]float64, len(edges)-1)
	for i := range out {
		out[i] = (edges[i] + edges[i+1]) / 2
	}
	return out
}

func makeField(rows, cols int, fill float64) [][]float64 {
	out := make([][]float64, rows)
	for r := range out {
		row := make([]float64, cols)
		if fill != 0 {
			for c := range row {
				row[c] = fill
			}
		}
		out[r] = row
	}
	return out
}

func uniqueSorted(vals []float64) []float64 {
	if len(vals) == 0 {
		return nil
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
