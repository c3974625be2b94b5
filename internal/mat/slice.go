package mat

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/ternarybob/volare/internal/models"
)

// AxisBinding maps one chart axis to a variable dimension, optionally
// naming the coordinate vector to label it with.
type AxisBinding struct {
	Dim   int
	Coord string
}

// SliceSpec describes how to reduce an N-D variable to the dimensions a
// chart can plot.
type SliceSpec struct {
	Axes     []AxisBinding
	Filters  map[string]any
	MaxCells int
}

// SliceResult carries the reduced array plus per-dimension coordinates
// and display labels, keyed by the original dimension index.
type SliceResult struct {
	Values *Array
	Coords map[int][]float64
	Labels map[int]string
}

// ChartAxisKeys returns the mapping keys a chart type consumes.
func ChartAxisKeys(chartType string) []string {
	switch strings.ToLower(strings.TrimSpace(chartType)) {
	case "line", "scatter", "scatterline", "bar", "histogram", "box", "violin", "polar":
		return []string{"x"}
	case "heatmap", "contour", "surface":
		return []string{"x", "y"}
	case "scatter3d", "line3d":
		return []string{"x", "y", "z"}
	}
	return []string{"x", "y"}
}

// BuildSliceSpec validates a request mapping against the chart type and
// produces the slice spec the engine runs.
func BuildSliceSpec(mapping map[string]any, chartType string, filters map[string]any, maxCells int) (*SliceSpec, error) {
	spec := &SliceSpec{Filters: filters, MaxCells: maxCells}
	if spec.MaxCells < 1 {
		spec.MaxCells = 1
	}
	seen := make(map[int]bool)
	for _, key := range ChartAxisKeys(chartType) {
		raw, ok := mapping[key]
		if !ok || raw == nil {
			return nil, fmt.Errorf("mapping.%s is required", key)
		}
		entry, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("mapping.%s is required", key)
		}
		dim, ok := intFromJSON(entry["dim"])
		if !ok || dim < 0 {
			return nil, fmt.Errorf("mapping.%s.dim must be a non-negative integer", key)
		}
		if seen[dim] {
			return nil, errors.New("Mapping dimensions must be unique")
		}
		seen[dim] = true
		binding := AxisBinding{Dim: dim}
		if c, ok := entry["coord"].(string); ok {
			binding.Coord = strings.TrimSpace(c)
		}
		spec.Axes = append(spec.Axes, binding)
	}
	if len(spec.Axes) == 0 {
		return nil, errors.New("At least one mapped axis is required")
	}
	return spec, nil
}

// intFromJSON accepts integral values the way a JSON decoder configured
// with UseNumber delivers them. Floats are rejected.
func intFromJSON(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case json.Number:
		if strings.ContainsAny(t.String(), ".eE") {
			return 0, false
		}
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

// Slice loads a numeric variable and reduces it to the mapped axes. Every
// unmapped dimension is pinned to a filter index, defaulting to zero. The
// cached file index supplies coordinate guesses for unlabelled axes.
func (f *File) Slice(varName string, spec *SliceSpec, meta *models.MatFileIndex) (*SliceResult, error) {
	resolved, arr, err := f.numericArray(varName)
	if err != nil {
		return nil, err
	}
	ndim := arr.NDim()

	if len(spec.Axes) == 0 {
		return nil, errors.New("At least one axis dimension is required")
	}
	requested := make([]int, 0, len(spec.Axes))
	axisSet := make(map[int]bool)
	for _, b := range spec.Axes {
		if axisSet[b.Dim] {
			return nil, errors.New("Mapped axis dimensions must be unique")
		}
		axisSet[b.Dim] = true
		requested = append(requested, b.Dim)
	}
	for _, d := range requested {
		if d < 0 || d >= ndim {
			return nil, fmt.Errorf("Axis dim %d out of bounds for shape %v", d, arr.Shape)
		}
	}

	names, vectors := f.dimCoords(arr, spec, meta, varName, resolved)
	fixed := f.resolveFilters(arr, spec.Filters, names, vectors)

	natural := append([]int(nil), requested...)
	sort.Ints(natural)
	outShape := make([]int, len(natural))
	for i, d := range natural {
		outShape[i] = arr.Shape[d]
	}
	if dimProduct(outShape) > spec.MaxCells {
		return nil, errors.New("Requested MAT slice is too large")
	}

	sliced := extractSlice(arr, natural, fixed, outShape)

	perm := make([]int, len(requested))
	for i, d := range requested {
		for j, nd := range natural {
			if nd == d {
				perm[i] = j
			}
		}
	}
	values := transposeArray(sliced, perm)
	values.DType = arr.DType

	coords := make(map[int][]float64, len(requested))
	labels := make(map[int]string, len(requested))
	for _, d := range requested {
		if vectors[d] != nil {
			coords[d] = vectors[d]
		} else {
			coords[d] = arange(arr.Shape[d])
		}
		labels[d] = names[d]
	}
	return &SliceResult{Values: values, Coords: coords, Labels: labels}, nil
}

// dimCoords builds the display name and, when available, the coordinate
// vector for every dimension of the sliced variable. Explicit bindings win
// over indexed guesses. A vector only attaches when its length matches the
// dimension.
func (f *File) dimCoords(arr *Array, spec *SliceSpec, meta *models.MatFileIndex, requested, resolved string) ([]string, [][]float64) {
	ndim := arr.NDim()
	names := make([]string, ndim)
	vectors := make([][]float64, ndim)

	explicit := make(map[int]string)
	for _, b := range spec.Axes {
		if b.Coord != "" {
			explicit[b.Dim] = b.Coord
		}
	}
	var guesses []*string
	if meta != nil {
		if g, ok := meta.CoordsGuess[resolved]; ok {
			guesses = g
		} else if g, ok := meta.CoordsGuess[requested]; ok {
			guesses = g
		}
	}

	for dim := 0; dim < ndim; dim++ {
		coordName := explicit[dim]
		if coordName == "" && dim < len(guesses) && guesses[dim] != nil {
			coordName = strings.TrimSpace(*guesses[dim])
		}
		if coordName == "" {
			names[dim] = fmt.Sprintf("dim_%d", dim)
			continue
		}
		names[dim] = coordName
		if coordResolved, vec, err := f.numericArray(coordName); err == nil {
			if cv := coerceCoordVector(vec, arr.Shape[dim]); cv != nil {
				vectors[dim] = cv
				names[dim] = coordResolved
			}
		}
	}
	return names, vectors
}

// coerceCoordVector flattens a loaded coordinate variable into a vector of
// the expected length, or returns nil when the shapes do not line up.
func coerceCoordVector(vec *Array, expected int) []float64 {
	switch vec.NDim() {
	case 0:
		if expected == 1 && len(vec.Data) >= 1 {
			return vec.Data[:1]
		}
	case 1:
		if vec.Shape[0] == expected && len(vec.Data) == expected {
			return vec.Data
		}
	case 2:
		if vec.Shape[0] == 1 || vec.Shape[1] == 1 {
			n := vec.Shape[0]
			if vec.Shape[1] > n {
				n = vec.Shape[1]
			}
			if n == expected && len(vec.Data) == expected {
				return vec.Data
			}
		}
	}
	return nil
}

// resolveFilters turns the request's filter map into per-dimension fixed
// indices. Keys match a dimension number, a dim_N label, or a coordinate
// display name case-insensitively; unresolvable keys are skipped.
func (f *File) resolveFilters(arr *Array, filters map[string]any, names []string, vectors [][]float64) map[int]int {
	fixed := make(map[int]int)
	if len(filters) == 0 {
		return fixed
	}
	byName := make(map[string]int, len(names))
	for dim, n := range names {
		byName[strings.ToLower(n)] = dim
	}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		dim := -1
		if n, err := strconv.Atoi(strings.TrimSpace(key)); err == nil {
			dim = n
		} else if rest, ok := strings.CutPrefix(strings.TrimSpace(key), "dim_"); ok {
			if n, err := strconv.Atoi(rest); err == nil {
				dim = n
			}
		} else if n, ok := byName[strings.ToLower(strings.TrimSpace(key))]; ok {
			dim = n
		}
		if dim < 0 || dim >= arr.NDim() {
			continue
		}
		if idx, ok := filterIndex(filters[key], vectors[dim], arr.Shape[dim]); ok {
			fixed[dim] = idx
		}
	}
	return fixed
}

// filterIndex converts one filter value to an index along a dimension.
// Integers and digit strings address by position; other numeric values
// snap to the nearest coordinate when a vector is attached.
func filterIndex(value any, vec []float64, size int) (int, bool) {
	clamp := func(i int) int {
		if i < 0 {
			return 0
		}
		if i >= size {
			return size - 1
		}
		return i
	}
	if size <= 0 {
		return 0, false
	}

	var v float64
	switch t := value.(type) {
	case bool:
		return 0, false
	case int:
		return clamp(t), true
	case int64:
		return clamp(int(t)), true
	case json.Number:
		if !strings.ContainsAny(t.String(), ".eE") {
			if n, err := t.Int64(); err == nil {
				return clamp(int(n)), true
			}
		}
		fv, err := t.Float64()
		if err != nil {
			return 0, false
		}
		v = fv
	case float64:
		v = t
	case string:
		s := strings.TrimLeft(strings.TrimSpace(t), "+-")
		if s != "" && isDigits(s) {
			if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
				return clamp(n), true
			}
		}
		fv, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		v = fv
	default:
		return 0, false
	}
	if math.IsNaN(v) {
		return 0, false
	}

	if len(vec) != size {
		return clamp(int(math.Round(v))), true
	}
	best, bestDiff := -1, math.Inf(1)
	for i, c := range vec {
		d := math.Abs(c - v)
		if !math.IsNaN(d) && d < bestDiff {
			bestDiff = d
			best = i
		}
	}
	if best < 0 {
		return clamp(int(math.Round(v))), true
	}
	return best, true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// extractSlice copies the kept dimensions out of the full array with every
// other dimension pinned to its fixed index.
func extractSlice(arr *Array, natural []int, fixed map[int]int, outShape []int) *Array {
	ndim := arr.NDim()
	strides := make([]int, ndim)
	s := 1
	for i := ndim - 1; i >= 0; i-- {
		strides[i] = s
		s *= arr.Shape[i]
	}

	idx := make([]int, ndim)
	axisSet := make(map[int]bool, len(natural))
	for _, d := range natural {
		axisSet[d] = true
	}
	for d := 0; d < ndim; d++ {
		if axisSet[d] {
			continue
		}
		pin := fixed[d]
		if pin < 0 {
			pin = 0
		}
		if pin >= arr.Shape[d] {
			pin = arr.Shape[d] - 1
		}
		idx[d] = pin
	}

	out := make([]float64, dimProduct(outShape))
	outIdx := make([]int, len(natural))
	for oi := range out {
		flat := 0
		for i, d := range natural {
			idx[d] = outIdx[i]
		}
		for d := 0; d < ndim; d++ {
			flat += idx[d] * strides[d]
		}
		if flat >= 0 && flat < len(arr.Data) {
			out[oi] = arr.Data[flat]
		}
		for i := len(outIdx) - 1; i >= 0; i-- {
			outIdx[i]++
			if outIdx[i] < outShape[i] {
				break
			}
			outIdx[i] = 0
		}
	}
	return &Array{Shape: append([]int(nil), outShape...), Data: out}
}

// transposeArray permutes array dimensions so axis i of the result is axis
// perm[i] of the input.
func transposeArray(arr *Array, perm []int) *Array {
	ndim := arr.NDim()
	if ndim <= 1 || isIdentityPerm(perm) {
		return arr
	}
	inStrides := make([]int, ndim)
	s := 1
	for i := ndim - 1; i >= 0; i-- {
		inStrides[i] = s
		s *= arr.Shape[i]
	}
	outShape := make([]int, ndim)
	for i, p := range perm {
		outShape[i] = arr.Shape[p]
	}

	out := make([]float64, len(arr.Data))
	outIdx := make([]int, ndim)
	for oi := range out {
		flat := 0
		for i, p := range perm {
			flat += outIdx[i] * inStrides[p]
		}
		out[oi] = arr.Data[flat]
		for i := ndim - 1; i >= 0; i-- {
			outIdx[i]++
			if outIdx[i] < outShape[i] {
				break
			}
			outIdx[i] = 0
		}
	}
	return &Array{Shape: outShape, Data: out, DType: arr.DType}
}

func isIdentityPerm(perm []int) bool {
	for i, p := range perm {
		if i != p {
			return false
		}
	}
	return true
}

func arange(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}
