package mat

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ternarybob/volare/internal/models"
)

// DefaultMaterializeCells caps how many cells an ingested MAT slice may
// expand into.
const DefaultMaterializeCells = 1_000_000

// Table is a materialized MAT slice in long form: one index column per
// kept dimension plus a value column, rows in row-major order.
type Table struct {
	Columns []string
	Meta    *models.MatMeta

	shape []int
	data  []float64
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.data)
}

// Row returns row i as frame cells. Index columns are float64 positions
// and NaN values become nil.
func (t *Table) Row(i int) []any {
	row := make([]any, 0, len(t.shape)+1)
	rem := i
	stride := t.Len()
	for _, d := range t.shape {
		if d > 0 {
			stride /= d
			row = append(row, float64(rem/stride))
			rem %= stride
		} else {
			row = append(row, float64(0))
		}
	}
	v := t.data[i]
	if math.IsNaN(v) {
		row = append(row, nil)
	} else {
		row = append(row, v)
	}
	return row
}

// topEntry describes a top-level variable in the raw container view.
type topEntry struct {
	name    string
	shape   []int
	numeric bool
	class   string
}

func (f *File) topEntries() []topEntry {
	if f.h5 != nil {
		out := make([]topEntry, 0, len(f.h5.objects))
		for _, obj := range f.h5.objects {
			class := strings.ToLower(obj.matlabClass)
			e := topEntry{name: obj.name, shape: obj.shape}
			switch {
			case obj.isGroup || class == "struct":
				e.class = "struct"
			case obj.dtype.name != "":
				e.numeric = true
				e.class = class
			default:
				e.class = class
			}
			out = append(out, e)
		}
		return out
	}

	out := make([]topEntry, 0, len(f.legacy.top))
	for _, nv := range f.legacy.top {
		e := topEntry{name: nv.name}
		switch nv.val.kind {
		case valNumeric:
			e.shape = nv.val.arr.Shape
			e.numeric = nv.val.arr.DType != "bool"
			e.class = nv.val.class
		case valChar:
			e.class = "char"
		case valStruct:
			e.class = "struct"
		case valCell:
			e.class = "cell"
		default:
			e.class = nv.val.class
		}
		out = append(out, e)
	}
	return out
}

// rawEntryArray loads a top-level numeric variable without any shape
// simplification.
func (f *File) rawEntryArray(name string) (*Array, error) {
	if f.h5 != nil {
		obj := f.h5.byName[name]
		if obj == nil {
			return nil, fmt.Errorf("Variable not found in .mat: %s", name)
		}
		return f.h5.readDataset(obj)
	}
	for _, nv := range f.legacy.top {
		if nv.name == name && nv.val.kind == valNumeric {
			return nv.val.arr, nil
		}
	}
	return nil, fmt.Errorf("Variable not found in .mat: %s", name)
}

// Materialize reduces the configured variable to at most three dimensions
// and lays it out as a long-form table. With no config it takes the first
// numeric array variable and its leading dimensions.
func (f *File) Materialize(cfg *models.MatConfig, maxCells int) (*Table, error) {
	if maxCells <= 0 {
		maxCells = DefaultMaterializeCells
	}
	entries := f.topEntries()
	if len(entries) == 0 {
		return nil, errors.New("No variables found in .mat file")
	}
	defIdx := -1
	for i, e := range entries {
		if e.numeric && len(e.shape) > 0 {
			defIdx = i
			break
		}
	}
	if defIdx < 0 {
		return nil, errors.New("No numeric array variables found in .mat file")
	}

	varName := entries[defIdx].name
	var axes []int
	fixedIn := make(map[int]int)
	if cfg != nil {
		if v := strings.TrimSpace(cfg.Variable); v != "" {
			varName = v
		}
		if cfg.Axes != nil {
			if len(cfg.Axes) == 0 {
				return nil, errors.New("mat_config.axes must be a non-empty list of dimension indices")
			}
			axes = cfg.Axes
		}
		for k, v := range cfg.Fixed {
			d, err := strconv.Atoi(strings.TrimSpace(k))
			if err != nil {
				return nil, errors.New("mat_config.fixed contains invalid dimension index")
			}
			fixedIn[d] = v
		}
	}
	if axes == nil {
		// The default axis count follows the default variable, even when
		// the config picked a different one.
		n := len(entries[defIdx].shape)
		if n > 3 {
			n = 3
		}
		for i := 0; i < n; i++ {
			axes = append(axes, i)
		}
	}

	var sel *topEntry
	for i := range entries {
		if entries[i].name == varName {
			sel = &entries[i]
			break
		}
	}
	if sel == nil {
		return nil, fmt.Errorf("Variable not found in .mat: %s", varName)
	}
	if !sel.numeric {
		if sel.class == "struct" {
			return nil, errors.New("Selected variable is a structured array; choose a numeric array variable.")
		}
		return nil, errors.New("Selected variable is not numeric; choose a numeric array variable.")
	}

	arr, err := f.rawEntryArray(varName)
	if err != nil {
		return nil, err
	}
	nd := arr.NDim()

	axisSet := make(map[int]bool, len(axes))
	for _, a := range axes {
		if a < 0 || a >= nd {
			return nil, errors.New("mat_config.axes contains invalid dimension index")
		}
		axisSet[a] = true
	}
	fixed := make(map[int]int, len(fixedIn))
	for d, v := range fixedIn {
		if d < 0 || d >= nd {
			return nil, errors.New("mat_config.fixed contains invalid dimension index")
		}
		if v < 0 {
			v += arr.Shape[d]
		}
		if v < 0 || v >= arr.Shape[d] {
			return nil, errors.New("mat_config.fixed contains invalid dimension index")
		}
		fixed[d] = v
	}

	// Fixed pins win over axis membership, so a dimension in both is
	// reduced away.
	keep := make([]int, 0, len(axes))
	for d := 0; d < nd; d++ {
		if _, pinned := fixed[d]; pinned {
			continue
		}
		if axisSet[d] {
			keep = append(keep, d)
		}
	}
	if len(keep) > 3 {
		return nil, errors.New("Selected axes still produce >3D array; choose fewer axes or fix more dims.")
	}

	outShape := make([]int, len(keep))
	for i, d := range keep {
		outShape[i] = arr.Shape[d]
	}
	if dimProduct(outShape) > maxCells {
		return nil, errors.New("Selected slice too large; reduce axes or add fixed dimensions.")
	}

	sliced := extractSlice(arr, keep, fixed, outShape)
	tblShape := sliced.Shape
	if len(tblShape) == 0 {
		tblShape = []int{1}
	}

	indexCols := []string{"x", "y", "z"}[:len(tblShape)]
	columns := append(append([]string(nil), indexCols...), "value")

	metaFixed := make(map[string]int, len(fixed))
	for d, v := range fixed {
		metaFixed[strconv.Itoa(d)] = v
	}
	meta := &models.MatMeta{
		Variable: varName,
		Axes:     append([]int(nil), axes...),
		Fixed:    metaFixed,
		Shape:    append([]int(nil), arr.Shape...),
	}
	return &Table{Columns: columns, Meta: meta, shape: tblShape, data: sliced.Data}, nil
}
