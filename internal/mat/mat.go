// Package mat reads MATLAB .mat containers without cgo. It parses the legacy
// Level 5 binary format directly and walks the HDF5 layout used by v7.3
// files, exposing a variable index, corner previews, chart slices, and the
// ingest-time flattening of one variable into an indexed value table.
package mat

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ternarybob/volare/internal/models"
)

const (
	VersionLegacy = "legacy"
	VersionV73    = "v7.3"
)

// v73Marker appears in the 128-byte text header of HDF5-backed MAT files.
const v73Marker = "MATLAB 7.3 MAT-file"

// numericClasses are the MATLAB array classes indexed as numeric variables.
var numericClasses = map[string]bool{
	"double": true, "single": true,
	"int8": true, "uint8": true, "int16": true, "uint16": true,
	"int32": true, "uint32": true, "int64": true, "uint64": true,
	"logical": true,
}

// coordPriority ranks coordinate vector names when guessing which vector
// labels a dimension. Anything on this list beats lexicographic order.
var coordPriority = map[string]bool{
	"x": true, "y": true, "z": true, "time": true, "t": true,
	"alpha": true, "beta": true, "mach": true, "lat": true, "lon": true, "alt": true,
}

// SniffVersion reports "v7.3" when the leading 128-byte header carries the
// HDF5 marker text, "legacy" otherwise.
func SniffVersion(path string) (string, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close()

	buf := make([]byte, 128)
	n, err := io.ReadFull(fh, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	if strings.Contains(string(buf[:n]), v73Marker) {
		return VersionV73, nil
	}
	return VersionLegacy, nil
}

// Array is a dense numeric array in row-major order. Legacy variables are
// transposed out of the file's column-major layout at parse time; v7.3
// datasets keep the row-major shape they are stored with.
type Array struct {
	Shape []int
	Data  []float64
	DType string
}

// NDim returns the array rank. A scalar has rank zero.
func (a *Array) NDim() int { return len(a.Shape) }

// Size returns the element count. Scalars count as one.
func (a *Array) Size() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// squeeze drops every singleton dimension, sharing the backing data.
func (a *Array) squeeze() *Array {
	shape := make([]int, 0, len(a.Shape))
	for _, d := range a.Shape {
		if d != 1 {
			shape = append(shape, d)
		}
	}
	return &Array{Shape: shape, Data: a.Data, DType: a.DType}
}

// File is an opened MAT container. Legacy files are parsed eagerly into a
// value tree; v7.3 files hold an open handle and read dataset data on demand.
type File struct {
	path    string
	version string
	legacy  *legacyFile
	h5      *h5File
}

// Open sniffs the container version and prepares the matching reader.
func Open(path string) (*File, error) {
	version, err := SniffVersion(path)
	if err != nil {
		return nil, err
	}
	f := &File{path: path, version: version}
	switch version {
	case VersionV73:
		h5, err := openH5(path)
		if err != nil {
			return nil, err
		}
		f.h5 = h5
	default:
		lf, err := parseMat5(path)
		if err != nil {
			return nil, err
		}
		f.legacy = lf
	}
	return f, nil
}

func (f *File) Close() error {
	if f.h5 != nil {
		return f.h5.close()
	}
	return nil
}

func (f *File) Version() string { return f.version }

// Index lists every reachable variable with per-dimension coordinate guesses
// attached. Legacy files are walked through nested structs and cells; v7.3
// files index top-level objects only.
func (f *File) Index() *models.MatFileIndex {
	var vars []models.MatVariableIndex
	if f.h5 != nil {
		vars = f.h5.indexVariables()
	} else {
		vars = f.legacy.indexVariables()
	}
	sort.SliceStable(vars, func(i, j int) bool {
		return strings.ToLower(vars[i].Name) < strings.ToLower(vars[j].Name)
	})
	ix := &models.MatFileIndex{Version: f.version, Variables: vars}
	attachCoordGuesses(ix)
	return ix
}

// names returns the resolvable variable names in declaration order.
func (f *File) names() []string {
	if f.h5 != nil {
		return f.h5.topNames()
	}
	return f.legacy.flattenedNames()
}

// numericArray resolves name and loads it as a numeric array, applying the
// same rejection rules for containers and non-numeric classes on both
// container versions.
func (f *File) numericArray(name string) (string, *Array, error) {
	resolved, ok := resolveName(name, f.names())
	if !ok {
		return "", nil, fmt.Errorf("Variable not found in MAT file: %s", name)
	}
	if f.h5 != nil {
		arr, err := f.h5.numericArray(resolved)
		if err != nil {
			return "", nil, err
		}
		return resolved, arr, nil
	}
	arr, err := f.legacy.numericArray(resolved)
	if err != nil {
		return "", nil, err
	}
	return resolved, arr, nil
}

// resolveName matches requested against candidates: exact first, then
// case-insensitive, then with dots and slashes swapped either way.
func resolveName(requested string, candidates []string) (string, bool) {
	folded := make(map[string]string, len(candidates))
	exact := make(map[string]bool, len(candidates))
	for _, name := range candidates {
		exact[name] = true
		folded[strings.ToLower(name)] = name
	}

	if exact[requested] {
		return requested, true
	}
	if name, ok := folded[strings.ToLower(requested)]; ok {
		return name, true
	}

	alt := strings.ReplaceAll(requested, ".", "/")
	if exact[alt] {
		return alt, true
	}
	if name, ok := folded[strings.ToLower(alt)]; ok {
		return name, true
	}

	alt2 := strings.ReplaceAll(requested, "/", ".")
	if exact[alt2] {
		return alt2, true
	}
	if name, ok := folded[strings.ToLower(alt2)]; ok {
		return name, true
	}

	return "", false
}

// vectorLength reports the length of a 1-D vector or a 2-D vector with a
// singleton dimension, the shapes that qualify as coordinate candidates.
func vectorLength(shape []int) (int, bool) {
	switch len(shape) {
	case 1:
		return shape[0], true
	case 2:
		if shape[0] == 1 || shape[1] == 1 {
			if shape[0] > shape[1] {
				return shape[0], true
			}
			return shape[1], true
		}
	}
	return 0, false
}

// chooseGuess ranks candidates with the coordinate priority names first,
// then lexicographically by lowercase name.
func chooseGuess(candidates []string) *string {
	if len(candidates) == 0 {
		return nil
	}
	ranked := make([]string, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		li, lj := strings.ToLower(ranked[i]), strings.ToLower(ranked[j])
		pi, pj := coordPriority[li], coordPriority[lj]
		if pi != pj {
			return pi
		}
		return li < lj
	})
	name := ranked[0]
	return &name
}

// attachCoordGuesses builds the vector-length registry from numeric 1-D and
// singleton 2-D variables, then records per-dimension candidates and a best
// guess for every numeric variable.
func attachCoordGuesses(ix *models.MatFileIndex) {
	vectorByLen := make(map[int][]string)
	for _, v := range ix.Variables {
		if v.Kind != models.MatKindNumericArray {
			continue
		}
		if length, ok := vectorLength(v.Shape); ok {
			vectorByLen[length] = append(vectorByLen[length], v.Name)
		}
	}

	ix.CoordsGuess = make(map[string][]*string)
	for i := range ix.Variables {
		v := &ix.Variables[i]
		if v.Kind != models.MatKindNumericArray || v.NDim <= 0 {
			continue
		}

		perDim := make([]*string, 0, len(v.Shape))
		candidates := make(map[string][]string, len(v.Shape))
		for dim, size := range v.Shape {
			seen := make(map[string]bool)
			var dimCandidates []string
			for _, name := range vectorByLen[size] {
				if name == v.Name || seen[name] {
					continue
				}
				seen[name] = true
				dimCandidates = append(dimCandidates, name)
			}
			sort.Strings(dimCandidates)
			candidates[strconv.Itoa(dim)] = dimCandidates
			perDim = append(perDim, chooseGuess(dimCandidates))
		}

		v.CoordsGuess = perDim
		v.CoordCandidates = candidates
		ix.CoordsGuess[v.Name] = perDim
	}
}
