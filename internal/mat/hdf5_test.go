package mat

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/volare/internal/models"
)

// h5Builder assembles a small HDF5 file the way MATLAB lays one out: a
// 512-byte user block carrying the MAT header text, a version 0 superblock,
// v1 object headers, one symbol-table root group. Stored addresses are
// relative to the superblock.
type h5Builder struct {
	buf *bytes.Buffer
}

func newH5Builder() *h5Builder {
	b := &h5Builder{buf: &bytes.Buffer{}}
	user := make([]byte, 512)
	copy(user, "MATLAB 7.3 MAT-file, Platform: GLNXA64")
	user[124] = 0x00
	user[125] = 0x02
	user[126] = 'I'
	user[127] = 'M'
	b.buf.Write(user)
	b.buf.Write(make([]byte, 96)) // superblock, patched in finish
	return b
}

func (b *h5Builder) place(blob []byte) uint64 {
	off := uint64(b.buf.Len()) - 512
	b.buf.Write(blob)
	return off
}

func pad8(p []byte) []byte {
	for len(p)%8 != 0 {
		p = append(p, 0)
	}
	return p
}

func h5Msg(typ int, body []byte) []byte {
	body = pad8(body)
	out := make([]byte, 8, 8+len(body))
	binary.LittleEndian.PutUint16(out, uint16(typ))
	binary.LittleEndian.PutUint16(out[2:], uint16(len(body)))
	return append(out, body...)
}

func h5ObjectHeader(msgs ...[]byte) []byte {
	var body bytes.Buffer
	for _, m := range msgs {
		body.Write(m)
	}
	head := make([]byte, 16)
	head[0] = 1
	binary.LittleEndian.PutUint16(head[2:], uint16(len(msgs)))
	binary.LittleEndian.PutUint32(head[4:], 1)
	binary.LittleEndian.PutUint32(head[8:], uint32(body.Len()))
	return append(head, body.Bytes()...)
}

func h5Dataspace(dims []int) []byte {
	out := make([]byte, 8+8*len(dims))
	out[0] = 1
	out[1] = byte(len(dims))
	for i, d := range dims {
		binary.LittleEndian.PutUint64(out[8+8*i:], uint64(d))
	}
	return out
}

func h5DatatypeFloat64() []byte {
	out := make([]byte, 8+12)
	out[0] = 0x11 // class 1, version 1
	binary.LittleEndian.PutUint32(out[4:], 8)
	binary.LittleEndian.PutUint16(out[10:], 64) // precision
	out[12] = 52                                // exponent location
	out[13] = 11                                // exponent size
	out[15] = 52                                // mantissa size
	binary.LittleEndian.PutUint32(out[16:], 1023)
	return out
}

func h5DatatypeFixed(size int, signed bool) []byte {
	out := make([]byte, 8+4)
	out[0] = 0x10 // class 0, version 1
	if signed {
		out[1] = 0x08
	}
	binary.LittleEndian.PutUint32(out[4:], uint32(size))
	binary.LittleEndian.PutUint16(out[10:], uint16(size*8))
	return out
}

func h5LayoutContiguousMsg(addr uint64, size int) []byte {
	out := make([]byte, 2+16)
	out[0] = 3
	out[1] = 1
	binary.LittleEndian.PutUint64(out[2:], addr)
	binary.LittleEndian.PutUint64(out[10:], uint64(size))
	return out
}

func h5LayoutChunkedMsg(btreeAddr uint64, chunkDims []int, elemSize int) []byte {
	out := make([]byte, 2+1+8+4*(len(chunkDims)+1))
	out[0] = 3
	out[1] = 2
	out[2] = byte(len(chunkDims) + 1)
	binary.LittleEndian.PutUint64(out[3:], btreeAddr)
	for i, d := range chunkDims {
		binary.LittleEndian.PutUint32(out[11+4*i:], uint32(d))
	}
	binary.LittleEndian.PutUint32(out[11+4*len(chunkDims):], uint32(elemSize))
	return out
}

func h5DeflatePipeline() []byte {
	out := make([]byte, 8+8+4+4)
	out[0] = 1
	out[1] = 1
	binary.LittleEndian.PutUint16(out[8:], 1)  // filter id: deflate
	binary.LittleEndian.PutUint16(out[12:], 1) // flags: optional
	binary.LittleEndian.PutUint16(out[14:], 1) // one client value
	binary.LittleEndian.PutUint32(out[16:], 6) // level
	return out
}

func h5MatlabClass(class string) []byte {
	name := "MATLAB_class\x00"
	out := make([]byte, 8)
	out[0] = 1
	binary.LittleEndian.PutUint16(out[2:], uint16(len(name)))
	binary.LittleEndian.PutUint16(out[4:], 8)
	binary.LittleEndian.PutUint16(out[6:], 8)
	out = append(out, pad8([]byte(name))...)

	dt := make([]byte, 8)
	dt[0] = 0x13 // class 3 string
	binary.LittleEndian.PutUint32(dt[4:], uint32(len(class)))
	out = append(out, dt...)

	ds := make([]byte, 8)
	ds[0] = 1
	out = append(out, ds...)

	return append(out, class...)
}

func (b *h5Builder) dataset(dtype []byte, dims []int, data []byte, class string) uint64 {
	dataAddr := b.place(data)
	return b.place(h5ObjectHeader(
		h5Msg(h5MsgDataspace, h5Dataspace(dims)),
		h5Msg(h5MsgDatatype, dtype),
		h5Msg(h5MsgLayout, h5LayoutContiguousMsg(dataAddr, len(data))),
		h5Msg(h5MsgAttribute, h5MatlabClass(class)),
	))
}

type h5Chunk struct {
	origin []int
	data   []byte // already deflated
}

func (b *h5Builder) chunkedDataset(dims, chunkDims []int, chunks []h5Chunk, class string) uint64 {
	addrs := make([]uint64, len(chunks))
	for i, c := range chunks {
		addrs[i] = b.place(c.data)
	}

	rank := len(chunkDims)
	keySize := 8 + 8*(rank+1)
	node := make([]byte, 24+(len(chunks)+1)*keySize+len(chunks)*8)
	copy(node, "TREE")
	node[4] = 1 // raw data node
	binary.LittleEndian.PutUint16(node[6:], uint16(len(chunks)))
	binary.LittleEndian.PutUint64(node[8:], h5UndefAddr)
	binary.LittleEndian.PutUint64(node[16:], h5UndefAddr)
	off := 24
	for i, c := range chunks {
		binary.LittleEndian.PutUint32(node[off:], uint32(len(c.data)))
		for d, o := range c.origin {
			binary.LittleEndian.PutUint64(node[off+8+8*d:], uint64(o))
		}
		off += keySize
		binary.LittleEndian.PutUint64(node[off:], addrs[i])
		off += 8
	}
	btreeAddr := b.place(node)

	return b.place(h5ObjectHeader(
		h5Msg(h5MsgDataspace, h5Dataspace(dims)),
		h5Msg(h5MsgDatatype, h5DatatypeFloat64()),
		h5Msg(h5MsgLayout, h5LayoutChunkedMsg(btreeAddr, chunkDims, 8)),
		h5Msg(h5MsgFilterPipeline, h5DeflatePipeline()),
		h5Msg(h5MsgAttribute, h5MatlabClass(class)),
	))
}

func (b *h5Builder) group(class string) uint64 {
	msgs := [][]byte{}
	if class != "" {
		msgs = append(msgs, h5Msg(h5MsgAttribute, h5MatlabClass(class)))
	}
	return b.place(h5ObjectHeader(msgs...))
}

// finish wires the root group symbol table and patches the superblock.
func (b *h5Builder) finish(t *testing.T, links map[string]uint64) []byte {
	t.Helper()
	names := make([]string, 0, len(links))
	for n := range links {
		names = append(names, n)
	}
	sort.Strings(names)

	heapData := []byte{0}
	nameOff := make(map[string]uint64, len(names))
	for _, n := range names {
		nameOff[n] = uint64(len(heapData))
		heapData = append(heapData, n...)
		heapData = append(heapData, 0)
	}
	heapDataAddr := b.place(heapData)

	heap := make([]byte, 32)
	copy(heap, "HEAP")
	binary.LittleEndian.PutUint64(heap[8:], uint64(len(heapData)))
	binary.LittleEndian.PutUint64(heap[16:], 1)
	binary.LittleEndian.PutUint64(heap[24:], heapDataAddr)
	heapAddr := b.place(heap)

	snod := make([]byte, 8+len(names)*40)
	copy(snod, "SNOD")
	snod[4] = 1
	binary.LittleEndian.PutUint16(snod[6:], uint16(len(names)))
	for i, n := range names {
		binary.LittleEndian.PutUint64(snod[8+i*40:], nameOff[n])
		binary.LittleEndian.PutUint64(snod[16+i*40:], links[n])
	}
	snodAddr := b.place(snod)

	tree := make([]byte, 24+24)
	copy(tree, "TREE")
	binary.LittleEndian.PutUint16(tree[6:], 1)
	binary.LittleEndian.PutUint64(tree[8:], h5UndefAddr)
	binary.LittleEndian.PutUint64(tree[16:], h5UndefAddr)
	binary.LittleEndian.PutUint64(tree[32:], snodAddr)
	treeAddr := b.place(tree)

	stBody := make([]byte, 16)
	binary.LittleEndian.PutUint64(stBody, treeAddr)
	binary.LittleEndian.PutUint64(stBody[8:], heapAddr)
	rootAddr := b.place(h5ObjectHeader(h5Msg(h5MsgSymbolTable, stBody)))

	out := b.buf.Bytes()
	sb := out[512:]
	copy(sb, h5Signature)
	sb[13] = 8 // offset size
	sb[14] = 8 // length size
	binary.LittleEndian.PutUint16(sb[16:], 4)
	binary.LittleEndian.PutUint16(sb[18:], 16)
	binary.LittleEndian.PutUint64(sb[24:], 512) // base address
	binary.LittleEndian.PutUint64(sb[32:], h5UndefAddr)
	binary.LittleEndian.PutUint64(sb[40:], uint64(len(out)-512))
	binary.LittleEndian.PutUint64(sb[48:], h5UndefAddr)
	binary.LittleEndian.PutUint64(sb[64:], rootAddr)
	return out
}

func float64sLE(vals []float64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func uint16sLE(vals []uint16) []byte {
	out := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

func deflateBytes(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// writeV73File builds a container with a 3-D grid stored in h5py order,
// a 2-D coordinate row vector, a chunked+deflated matrix, logical and char
// datasets, a struct group, and the refs group MATLAB adds for cells.
func writeV73File(t *testing.T) string {
	t.Helper()
	b := newH5Builder()

	clVals := make([]float64, 6*5*4)
	for i := range clVals {
		clVals[i] = float64(i)
	}
	cl := b.dataset(h5DatatypeFloat64(), []int{6, 5, 4}, float64sLE(clVals), "double")

	alpha := b.dataset(h5DatatypeFloat64(), []int{1, 6},
		float64sLE([]float64{0, 2, 4, 6, 8, 10}), "double")

	chunky := b.chunkedDataset([]int{3, 4}, []int{2, 2}, []h5Chunk{
		{origin: []int{0, 0}, data: deflateBytes(t, float64sLE([]float64{0, 1, 4, 5}))},
		{origin: []int{0, 2}, data: deflateBytes(t, float64sLE([]float64{2, 3, 6, 7}))},
		{origin: []int{2, 0}, data: deflateBytes(t, float64sLE([]float64{8, 9, 0, 0}))},
		{origin: []int{2, 2}, data: deflateBytes(t, float64sLE([]float64{10, 11, 0, 0}))},
	}, "double")

	flags := b.dataset(h5DatatypeFixed(1, false), []int{1, 4}, []byte{1, 0, 1, 1}, "logical")
	label := b.dataset(h5DatatypeFixed(2, false), []int{1, 3},
		uint16sLE([]uint16{'r', 'u', 'n'}), "char")
	params := b.group("struct")
	refs := b.group("")

	data := b.finish(t, map[string]uint64{
		"CL":     cl,
		"alpha":  alpha,
		"chunky": chunky,
		"flags":  flags,
		"label":  label,
		"params": params,
		"#refs#": refs,
	})

	path := filepath.Join(t.TempDir(), "fixture.mat")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestV73Index(t *testing.T) {
	f := openFixture(t, writeV73File(t))
	assert.Equal(t, VersionV73, f.Version())

	ix := f.Index()
	names := make([]string, 0, len(ix.Variables))
	byName := make(map[string]models.MatVariableIndex)
	for _, v := range ix.Variables {
		names = append(names, v.Name)
		byName[v.Name] = v
	}
	assert.Equal(t, []string{"alpha", "chunky", "CL", "flags", "label", "params"}, names)

	cl := byName["CL"]
	assert.Equal(t, models.MatKindNumericArray, cl.Kind)
	assert.Equal(t, []int{6, 5, 4}, cl.Shape)
	assert.Equal(t, "float64", cl.DType)

	// v7.3 keeps stored singleton dims
	assert.Equal(t, []int{1, 6}, byName["alpha"].Shape)

	// logicals and text come through as their stored numeric types
	assert.Equal(t, models.MatKindNumericArray, byName["flags"].Kind)
	assert.Equal(t, "uint8", byName["flags"].DType)
	assert.Equal(t, models.MatKindNumericArray, byName["label"].Kind)
	assert.Equal(t, "uint16", byName["label"].DType)

	assert.Equal(t, models.MatKindStruct, byName["params"].Kind)
	assert.Equal(t, "struct", byName["params"].DType)
	assert.Equal(t, []int{}, byName["params"].Shape)

	assert.NotContains(t, byName, "#refs#")
}

func TestV73CoordGuesses(t *testing.T) {
	f := openFixture(t, writeV73File(t))
	ix := f.Index()

	guesses, ok := ix.CoordsGuess["CL"]
	require.True(t, ok)
	require.Len(t, guesses, 3)
	require.NotNil(t, guesses[0])
	assert.Equal(t, "alpha", *guesses[0])
	assert.Nil(t, guesses[1])
	require.NotNil(t, guesses[2])
	assert.Equal(t, "flags", *guesses[2])
}

func TestV73NumericArray(t *testing.T) {
	f := openFixture(t, writeV73File(t))

	resolved, arr, err := f.numericArray("cl")
	require.NoError(t, err)
	assert.Equal(t, "CL", resolved)
	assert.Equal(t, []int{6, 5, 4}, arr.Shape)
	assert.Equal(t, 43.0, arr.Data[2*20+0*4+3])

	_, arr, err = f.numericArray("label")
	require.NoError(t, err)
	assert.Equal(t, []float64{'r', 'u', 'n'}, arr.Data)

	_, _, err = f.numericArray("params")
	require.EqualError(t, err, "Selected variable is not a numeric dataset")

	_, _, err = f.numericArray("gone")
	require.EqualError(t, err, "Variable not found in MAT file: gone")
}

func TestV73ChunkedDeflate(t *testing.T) {
	f := openFixture(t, writeV73File(t))

	_, arr, err := f.numericArray("chunky")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, arr.Shape)
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, arr.Data)
}

func TestV73Slice(t *testing.T) {
	f := openFixture(t, writeV73File(t))
	ix := f.Index()

	spec := &SliceSpec{
		Axes:     []AxisBinding{{Dim: 0, Coord: "alpha"}},
		Filters:  map[string]any{"dim_2": 1},
		MaxCells: 1000,
	}
	res, err := f.Slice("CL", spec, ix)
	require.NoError(t, err)

	require.Equal(t, []int{6}, res.Values.Shape)
	// stored[a][0][1] = a*20 + 1
	assert.Equal(t, []float64{1, 21, 41, 61, 81, 101}, res.Values.Data)
	assert.Equal(t, "alpha", res.Labels[0])
	assert.Equal(t, []float64{0, 2, 4, 6, 8, 10}, res.Coords[0])
}

func TestV73Materialize(t *testing.T) {
	f := openFixture(t, writeV73File(t))

	// alphabetical enumeration makes alpha the default variable
	tbl, err := f.Materialize(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "alpha", tbl.Meta.Variable)
	assert.Equal(t, []string{"x", "y", "value"}, tbl.Columns)
	assert.Equal(t, 6, tbl.Len())

	cfg := &models.MatConfig{
		Variable: "CL",
		Axes:     []int{0},
		Fixed:    map[string]int{"1": 2, "2": 3},
	}
	tbl, err = f.Materialize(cfg, 0)
	require.NoError(t, err)
	require.Equal(t, 6, tbl.Len())
	// stored[i][2][3] = i*20 + 11
	assert.Equal(t, []any{0.0, 11.0}, tbl.Row(0))
	assert.Equal(t, []any{5.0, 111.0}, tbl.Row(5))
	assert.Equal(t, []int{6, 5, 4}, tbl.Meta.Shape)
}

func TestV73Preview(t *testing.T) {
	f := openFixture(t, writeV73File(t))

	p, err := f.Preview("CL", DefaultPreviewValues)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 5, 4}, p.Shape)
	assert.Equal(t, "float64", p.DType)
	assert.Equal(t, []int{3, 3, 3}, p.Summary.SampleShape)
	require.Len(t, p.Summary.SampleValues, 24)
	// corner of the stored layout: strides are 20 and 4
	assert.Equal(t, 0.0, p.Summary.SampleValues[0])
	assert.Equal(t, 6.0, p.Summary.SampleValues[5])
}
