package mat

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ternarybob/volare/internal/models"
)

// maxWalkDepth bounds recursion through nested structs and cells.
const maxWalkDepth = 16

var (
	errNotNumericArray = errors.New("Selected MAT variable is not a numeric array")
	errNotNumeric      = errors.New("Selected MAT variable is not numeric")
)

type valueKind int

const (
	valNumeric valueKind = iota
	valChar
	valStruct
	valCell
	valOpaque
)

// value is one decoded variable or container element of a legacy MAT file.
// Numeric payloads keep their raw file shape; container structure follows
// the simplified form (singleton cells unwrapped, struct arrays exposed as
// cells of scalar structs).
type value struct {
	kind   valueKind
	arr    *Array   // valNumeric
	rows   []string // valChar, one entry per char matrix row
	dims   []int    // valCell, singleton dims dropped
	fields []field  // valStruct, file order
	cells  []*value // valCell children in row-major order over dims
	class  string   // MATLAB class name from the array flags
}

type field struct {
	name string
	val  *value
}

type namedValue struct {
	name string
	val  *value
}

// simplifySqueeze mirrors the loader's squeeze rules: empty arrays become a
// one-dimensional empty vector, everything else drops singleton dims.
func simplifySqueeze(a *Array) *Array {
	if a.Size() == 0 {
		return &Array{Shape: []int{0}, DType: a.DType}
	}
	return a.squeeze()
}

// legacyFile holds a fully parsed Level 5 container: the top-level variables
// in file order plus the flattened path view used for name resolution.
type legacyFile struct {
	top       []namedValue
	flatOrder []string
	flat      map[string]*value
}

func newLegacyFile(top []namedValue) *legacyFile {
	lf := &legacyFile{top: top, flat: make(map[string]*value)}
	for _, nv := range top {
		lf.walk(nv.val, nv.name, 0)
	}
	return lf
}

// walk records every reachable value under dotted and bracketed path names,
// descending struct fields and cell elements to maxWalkDepth.
func (lf *legacyFile) walk(v *value, path string, depth int) {
	if depth > maxWalkDepth || v == nil {
		return
	}
	if path != "" {
		if _, dup := lf.flat[path]; !dup {
			lf.flat[path] = v
			lf.flatOrder = append(lf.flatOrder, path)
		}
	}

	switch v.kind {
	case valStruct:
		for _, f := range v.fields {
			lf.walk(f.val, path+"."+f.name, depth+1)
		}
	case valCell:
		if len(v.dims) <= 1 {
			for i, child := range v.cells {
				lf.walk(child, fmt.Sprintf("%s[%d]", path, i), depth+1)
			}
			return
		}
		idx := make([]int, len(v.dims))
		for _, child := range v.cells {
			parts := make([]string, len(idx))
			for i, x := range idx {
				parts[i] = strconv.Itoa(x)
			}
			lf.walk(child, fmt.Sprintf("%s[%s]", path, strings.Join(parts, ",")), depth+1)
			for i := len(idx) - 1; i >= 0; i-- {
				idx[i]++
				if idx[i] < v.dims[i] {
					break
				}
				idx[i] = 0
			}
		}
	}
}

func (lf *legacyFile) flattenedNames() []string { return lf.flatOrder }

// indexVariables derives one index entry per flattened path.
func (lf *legacyFile) indexVariables() []models.MatVariableIndex {
	out := make([]models.MatVariableIndex, 0, len(lf.flatOrder))
	for _, name := range lf.flatOrder {
		out = append(out, indexEntry(name, lf.flat[name]))
	}
	return out
}

func indexEntry(name string, v *value) models.MatVariableIndex {
	e := models.MatVariableIndex{Name: name, Kind: models.MatKindUnsupported}
	switch v.kind {
	case valNumeric:
		sq := simplifySqueeze(v.arr)
		e.Shape = sq.Shape
		e.DType = sq.DType
		if sq.DType == "bool" {
			e.Kind = models.MatKindUnsupported
		} else {
			e.Kind = models.MatKindNumericArray
		}
	case valChar:
		e.DType = "char"
		if len(v.rows) > 1 {
			e.Shape = []int{len(v.rows)}
		} else {
			e.Shape = []int{}
		}
	case valStruct:
		e.Kind = models.MatKindStruct
		e.DType = "struct"
		e.Shape = []int{len(v.fields)}
	case valCell:
		e.Kind = models.MatKindCell
		e.DType = "cell"
		e.Shape = v.dims
	case valOpaque:
		e.DType = v.class
		e.Shape = []int{}
	}
	if e.Shape == nil {
		e.Shape = []int{}
	}
	e.NDim = len(e.Shape)
	return e
}

// numericArray returns the squeezed numeric payload at a resolved path,
// rejecting containers, text, and logicals.
func (lf *legacyFile) numericArray(resolved string) (*Array, error) {
	v, ok := lf.flat[resolved]
	if !ok {
		return nil, fmt.Errorf("Variable not found in MAT file: %s", resolved)
	}
	switch v.kind {
	case valNumeric:
		if v.arr.DType == "bool" {
			return nil, errNotNumeric
		}
		return simplifySqueeze(v.arr), nil
	default:
		return nil, errNotNumericArray
	}
}
