package mat

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// Level 5 data element types.
const (
	miINT8       = 1
	miUINT8      = 2
	miINT16      = 3
	miUINT16     = 4
	miINT32      = 5
	miUINT32     = 6
	miSINGLE     = 7
	miDOUBLE     = 9
	miINT64      = 12
	miUINT64     = 13
	miMATRIX     = 14
	miCOMPRESSED = 15
	miUTF8       = 16
	miUTF16      = 17
	miUTF32      = 18
)

// Level 5 array classes.
const (
	mxCELL   = 1
	mxSTRUCT = 2
	mxOBJECT = 3
	mxCHAR   = 4
	mxSPARSE = 5
	mxDOUBLE = 6
	mxSINGLE = 7
	mxINT8   = 8
	mxUINT8  = 9
	mxINT16  = 10
	mxUINT16 = 11
	mxINT32  = 12
	mxUINT32 = 13
	mxINT64  = 14
	mxUINT64 = 15
)

const (
	flagLogical = 0x0200
	flagComplex = 0x0800
)

var mat5Classes = map[int]struct{ class, dtype string }{
	mxDOUBLE: {"double", "float64"},
	mxSINGLE: {"single", "float32"},
	mxINT8:   {"int8", "int8"},
	mxUINT8:  {"uint8", "uint8"},
	mxINT16:  {"int16", "int16"},
	mxUINT16: {"uint16", "uint16"},
	mxINT32:  {"int32", "int32"},
	mxUINT32: {"uint32", "uint32"},
	mxINT64:  {"int64", "int64"},
	mxUINT64: {"uint64", "uint64"},
}

// mat5Reader walks data elements over a byte buffer. Elements are 8-byte
// aligned relative to the buffer start except compressed payloads, which
// pack tightly.
type mat5Reader struct {
	buf []byte
	off int
	bo  binary.ByteOrder
}

func (r *mat5Reader) remaining() int { return len(r.buf) - r.off }

// readTag consumes one data element and returns its type and payload,
// handling both the regular 8-byte tag and the packed small-element form.
func (r *mat5Reader) readTag() (int, []byte, error) {
	if r.remaining() < 8 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	word := r.bo.Uint32(r.buf[r.off:])
	if word>>16 != 0 {
		size := int(word >> 16)
		if size > 4 {
			return 0, nil, fmt.Errorf("malformed small data element at offset %d", r.off)
		}
		data := r.buf[r.off+4 : r.off+4+size]
		r.off += 8
		return int(word & 0xFFFF), data, nil
	}

	dtype := int(word)
	size := int(int32(r.bo.Uint32(r.buf[r.off+4:])))
	start := r.off + 8
	if size < 0 || start+size > len(r.buf) {
		return 0, nil, fmt.Errorf("data element at offset %d overruns the file", r.off)
	}
	data := r.buf[start : start+size]
	r.off = start + size
	if dtype != miCOMPRESSED {
		if rem := r.off % 8; rem != 0 {
			r.off += 8 - rem
			if r.off > len(r.buf) {
				r.off = len(r.buf)
			}
		}
	}
	return dtype, data, nil
}

// parseMat5 reads a whole legacy container: 128-byte header with the endian
// indicator, then top-level data elements, inflating compressed ones.
func parseMat5(path string) (*legacyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 128 {
		return nil, errors.New("file too short for a MAT 5 header")
	}

	var bo binary.ByteOrder
	switch {
	case raw[126] == 'I' && raw[127] == 'M':
		bo = binary.LittleEndian
	case raw[126] == 'M' && raw[127] == 'I':
		bo = binary.BigEndian
	default:
		return nil, errors.New("missing MAT 5 endian indicator")
	}

	r := &mat5Reader{buf: raw, off: 128, bo: bo}
	var top []namedValue
	for r.remaining() >= 8 {
		dtype, data, err := r.readTag()
		if err != nil {
			return nil, err
		}
		switch dtype {
		case miCOMPRESSED:
			blob, err := inflate(data)
			if err != nil {
				return nil, err
			}
			sub := &mat5Reader{buf: blob, bo: bo}
			sdt, sdata, err := sub.readTag()
			if err != nil || sdt != miMATRIX {
				continue
			}
			name, val, err := parseMatrix(sdata, bo)
			if err != nil {
				return nil, err
			}
			top = appendVariable(top, name, val)
		case miMATRIX:
			name, val, err := parseMatrix(data, bo)
			if err != nil {
				return nil, err
			}
			top = appendVariable(top, name, val)
		}
	}
	return newLegacyFile(top), nil
}

func appendVariable(top []namedValue, name string, val *value) []namedValue {
	if val == nil || name == "" || strings.HasPrefix(name, "__") {
		return top
	}
	return append(top, namedValue{name: name, val: val})
}

func inflate(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("inflate compressed element: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("inflate compressed element: %w", err)
	}
	return out, nil
}

// parseMatrix decodes one miMATRIX payload into a value tree node.
func parseMatrix(data []byte, bo binary.ByteOrder) (string, *value, error) {
	r := &mat5Reader{buf: data, bo: bo}

	dt, flagsRaw, err := r.readTag()
	if err != nil {
		return "", nil, err
	}
	if dt != miUINT32 || len(flagsRaw) < 8 {
		return "", nil, errors.New("matrix element missing array flags")
	}
	flagsWord := bo.Uint32(flagsRaw)
	class := int(flagsWord & 0xFF)
	logical := flagsWord&flagLogical != 0
	isComplex := flagsWord&flagComplex != 0

	dt, dimsRaw, err := r.readTag()
	if err != nil {
		return "", nil, err
	}
	if dt != miINT32 {
		return "", nil, errors.New("matrix element missing dimensions")
	}
	dims := make([]int, len(dimsRaw)/4)
	for i := range dims {
		dims[i] = int(int32(bo.Uint32(dimsRaw[i*4:])))
		if dims[i] < 0 {
			return "", nil, errors.New("matrix element has negative dimension")
		}
	}

	_, nameRaw, err := r.readTag()
	if err != nil {
		return "", nil, err
	}
	name := string(nameRaw)

	switch class {
	case mxCELL:
		val, err := parseCell(r, dims, bo)
		return name, val, err
	case mxSTRUCT:
		val, err := parseStruct(r, dims, bo)
		return name, val, err
	case mxCHAR:
		val, err := parseChar(r, dims, bo)
		return name, val, err
	case mxSPARSE:
		return name, &value{kind: valOpaque, class: "sparse"}, nil
	case mxOBJECT:
		return name, &value{kind: valOpaque, class: "object"}, nil
	default:
		info, ok := mat5Classes[class]
		if !ok {
			return name, &value{kind: valOpaque, class: fmt.Sprintf("class_%d", class)}, nil
		}
		val, err := parseNumeric(r, dims, bo, info.class, info.dtype, logical, isComplex)
		return name, val, err
	}
}

func parseNumeric(r *mat5Reader, dims []int, bo binary.ByteOrder, class, dtype string, logical, isComplex bool) (*value, error) {
	dt, data, err := r.readTag()
	if err != nil {
		return nil, err
	}
	vals, err := convertValues(dt, data, bo)
	if err != nil {
		return nil, err
	}
	n := dimProduct(dims)
	if len(vals) < n {
		return nil, fmt.Errorf("numeric data holds %d values for %d elements", len(vals), n)
	}
	vals = vals[:n]
	if isComplex {
		// Imaginary part follows; the pipeline keeps the real component.
		if _, _, err := r.readTag(); err != nil && err != io.ErrUnexpectedEOF {
			return nil, err
		}
	}
	if logical {
		class, dtype = "logical", "bool"
	}
	arr := &Array{Shape: dims, Data: fortranOrderToC(vals, dims), DType: dtype}
	return &value{kind: valNumeric, arr: arr, class: class}, nil
}

func parseChar(r *mat5Reader, dims []int, bo binary.ByteOrder) (*value, error) {
	dt, data, err := r.readTag()
	if err != nil {
		return nil, err
	}
	codes, err := convertValues(dt, data, bo)
	if err != nil {
		return nil, err
	}

	runes := make([]rune, len(codes))
	for i, c := range codes {
		runes[i] = rune(int32(c))
	}

	var rows []string
	if len(dims) == 2 && dims[0] > 0 {
		m, n := dims[0], dims[1]
		if m*n > len(runes) {
			return nil, errors.New("char data shorter than dimensions")
		}
		rows = make([]string, m)
		for ri := 0; ri < m; ri++ {
			var b strings.Builder
			for ci := 0; ci < n; ci++ {
				b.WriteRune(runes[ri+ci*m])
			}
			rows[ri] = b.String()
		}
	} else if len(runes) > 0 {
		rows = []string{string(runes)}
	}
	return &value{kind: valChar, rows: rows, class: "char"}, nil
}

func parseCell(r *mat5Reader, dims []int, bo binary.ByteOrder) (*value, error) {
	n := dimProduct(dims)
	if n == 0 {
		return emptyValue(), nil
	}
	cells := make([]*value, 0, n)
	for i := 0; i < n; i++ {
		dt, data, err := r.readTag()
		if err != nil {
			return nil, err
		}
		if dt != miMATRIX {
			return nil, fmt.Errorf("cell element %d is not a matrix", i)
		}
		_, child, err := parseMatrix(data, bo)
		if err != nil {
			return nil, err
		}
		cells = append(cells, child)
	}
	cells = fortranOrderToC(cells, dims)
	if n == 1 {
		return cells[0], nil
	}
	return &value{kind: valCell, dims: squeezeDims(dims), cells: cells, class: "cell"}, nil
}

func parseStruct(r *mat5Reader, dims []int, bo binary.ByteOrder) (*value, error) {
	dt, lenRaw, err := r.readTag()
	if err != nil {
		return nil, err
	}
	if dt != miINT32 || len(lenRaw) < 4 {
		return nil, errors.New("struct element missing field name length")
	}
	nameLen := int(int32(bo.Uint32(lenRaw)))
	if nameLen <= 0 {
		return nil, errors.New("struct element has invalid field name length")
	}

	_, namesRaw, err := r.readTag()
	if err != nil {
		return nil, err
	}
	nfields := len(namesRaw) / nameLen
	names := make([]string, nfields)
	for i := range names {
		names[i] = strings.TrimRight(string(namesRaw[i*nameLen:(i+1)*nameLen]), "\x00")
	}

	n := dimProduct(dims)
	if n == 0 || nfields == 0 {
		return emptyValue(), nil
	}

	elements := make([]*value, 0, n)
	for i := 0; i < n; i++ {
		fields := make([]field, 0, nfields)
		for _, fname := range names {
			dt, data, err := r.readTag()
			if err != nil {
				return nil, err
			}
			if dt != miMATRIX {
				return nil, fmt.Errorf("struct field %q is not a matrix", fname)
			}
			_, child, err := parseMatrix(data, bo)
			if err != nil {
				return nil, err
			}
			fields = append(fields, field{name: fname, val: child})
		}
		elements = append(elements, &value{kind: valStruct, fields: fields, class: "struct"})
	}
	if n == 1 {
		return elements[0], nil
	}
	elements = fortranOrderToC(elements, dims)
	return &value{kind: valCell, dims: squeezeDims(dims), cells: elements, class: "struct"}, nil
}

// emptyValue stands in for zero-element containers, which load as an empty
// one-dimensional numeric vector.
func emptyValue() *value {
	return &value{kind: valNumeric, arr: &Array{Shape: []int{0}, DType: "float64"}, class: "double"}
}

func dimProduct(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

func squeezeDims(dims []int) []int {
	out := make([]int, 0, len(dims))
	for _, d := range dims {
		if d != 1 {
			out = append(out, d)
		}
	}
	return out
}

// fortranOrderToC rearranges items from column-major to row-major traversal
// of dims. Vectors pass through unchanged.
func fortranOrderToC[T any](items []T, dims []int) []T {
	if len(dims) <= 1 || len(items) != dimProduct(dims) {
		return items
	}
	fstr := make([]int, len(dims))
	s := 1
	for i, d := range dims {
		fstr[i] = s
		s *= d
	}
	out := make([]T, len(items))
	idx := make([]int, len(dims))
	for c := range out {
		fo := 0
		for i, v := range idx {
			fo += v * fstr[i]
		}
		out[c] = items[fo]
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < dims[i] {
				break
			}
			idx[i] = 0
		}
	}
	return out
}

// convertValues widens one numeric data element to float64, covering the
// character unit types as raw code points.
func convertValues(dtype int, data []byte, bo binary.ByteOrder) ([]float64, error) {
	switch dtype {
	case miINT8:
		out := make([]float64, len(data))
		for i, b := range data {
			out[i] = float64(int8(b))
		}
		return out, nil
	case miUINT8, miUTF8:
		out := make([]float64, len(data))
		for i, b := range data {
			out[i] = float64(b)
		}
		return out, nil
	case miINT16:
		out := make([]float64, len(data)/2)
		for i := range out {
			out[i] = float64(int16(bo.Uint16(data[i*2:])))
		}
		return out, nil
	case miUINT16, miUTF16:
		out := make([]float64, len(data)/2)
		for i := range out {
			out[i] = float64(bo.Uint16(data[i*2:]))
		}
		return out, nil
	case miINT32:
		out := make([]float64, len(data)/4)
		for i := range out {
			out[i] = float64(int32(bo.Uint32(data[i*4:])))
		}
		return out, nil
	case miUINT32, miUTF32:
		out := make([]float64, len(data)/4)
		for i := range out {
			out[i] = float64(bo.Uint32(data[i*4:]))
		}
		return out, nil
	case miSINGLE:
		out := make([]float64, len(data)/4)
		for i := range out {
			out[i] = float64(math.Float32frombits(bo.Uint32(data[i*4:])))
		}
		return out, nil
	case miDOUBLE:
		out := make([]float64, len(data)/8)
		for i := range out {
			out[i] = math.Float64frombits(bo.Uint64(data[i*8:]))
		}
		return out, nil
	case miINT64:
		out := make([]float64, len(data)/8)
		for i := range out {
			out[i] = float64(int64(bo.Uint64(data[i*8:])))
		}
		return out, nil
	case miUINT64:
		out := make([]float64, len(data)/8)
		for i := range out {
			out[i] = float64(bo.Uint64(data[i*8:]))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported data element type %d", dtype)
	}
}
