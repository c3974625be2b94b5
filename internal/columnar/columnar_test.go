package columnar

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, frames ...*Frame) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, frame := range frames {
		require.NoError(t, w.WriteFrame(frame))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func openArtifact(t *testing.T, data []byte) *Reader {
	t.Helper()
	r, err := Open(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return r
}

func collect(t *testing.T, r *Reader, cols []string, opts ScanOptions) *Frame {
	t.Helper()
	out := NewFrame(cols)
	err := r.Scan(context.Background(), cols, opts, func(frame *Frame) error {
		if out.Columns == nil {
			out.Columns = frame.Columns
		}
		out.Rows = append(out.Rows, frame.Rows...)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestWriterRoundTrip(t *testing.T) {
	frame := &Frame{
		Columns: []string{"time", "alt", "label"},
		Rows: [][]any{
			{1.0, 100.5, "climb"},
			{2.0, nil, "cruise"},
			{3.0, 250.0, nil},
		},
	}
	data := writeArtifact(t, frame)
	r := openArtifact(t, data)

	assert.Equal(t, []string{"time", "alt", "label"}, r.ColumnNames())
	assert.Equal(t, int64(3), r.NumRows())
	assert.True(t, r.Numeric("time"))
	assert.True(t, r.Numeric("alt"))
	assert.False(t, r.Numeric("label"))

	got := collect(t, r, nil, ScanOptions{})
	require.Equal(t, 3, got.Len())
	assert.Equal(t, []any{1.0, 100.5, "climb"}, got.Rows[0])
	assert.Equal(t, []any{2.0, nil, "cruise"}, got.Rows[1])
	assert.Equal(t, []any{3.0, 250.0, nil}, got.Rows[2])
}

func TestWriterColumnOrderSurvivesAlphabetization(t *testing.T) {
	// Parquet groups sort fields by name; the logical order must not.
	frame := &Frame{
		Columns: []string{"z", "a", "m"},
		Rows:    [][]any{{1.0, 2.0, 3.0}},
	}
	r := openArtifact(t, writeArtifact(t, frame))
	assert.Equal(t, []string{"z", "a", "m"}, r.ColumnNames())

	got := collect(t, r, nil, ScanOptions{})
	assert.Equal(t, []any{1.0, 2.0, 3.0}, got.Rows[0])
}

func TestWriterSchemaInference(t *testing.T) {
	frame := &Frame{
		Columns: []string{"n", "s", "numeric_text", "empty"},
		Rows: [][]any{
			{1.5, "abc", "42", nil},
			{nil, "def", "43.5", nil},
		},
	}
	r := openArtifact(t, writeArtifact(t, frame))

	assert.True(t, r.Numeric("n"))
	assert.False(t, r.Numeric("s"))
	// Numeric-looking strings coerce to double.
	assert.True(t, r.Numeric("numeric_text"))
	// No evidence of strings defaults to numeric.
	assert.True(t, r.Numeric("empty"))

	got := collect(t, r, []string{"numeric_text"}, ScanOptions{})
	assert.Equal(t, []any{42.0}, got.Rows[0])
	assert.Equal(t, []any{43.5}, got.Rows[1])
}

func TestWriterLaterChunkCoercion(t *testing.T) {
	first := &Frame{
		Columns: []string{"v"},
		Rows:    [][]any{{1.0}},
	}
	second := &Frame{
		Columns: []string{"v"},
		Rows:    [][]any{{"2.5"}, {"not a number"}, {nil}},
	}
	r := openArtifact(t, writeArtifact(t, first, second))

	got := collect(t, r, nil, ScanOptions{})
	require.Equal(t, 4, got.Len())
	assert.Equal(t, []any{1.0}, got.Rows[0])
	assert.Equal(t, []any{2.5}, got.Rows[1])
	assert.Equal(t, []any{nil}, got.Rows[2])
	assert.Equal(t, []any{nil}, got.Rows[3])
}

func TestWriterRejectsMismatchedFrame(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteFrame(&Frame{Columns: []string{"a"}, Rows: [][]any{{1.0}}}))

	err := w.WriteFrame(&Frame{Columns: []string{"b"}, Rows: [][]any{{1.0}}})
	assert.Error(t, err)

	err = w.WriteFrame(&Frame{Columns: []string{"a"}, Rows: [][]any{{1.0, 2.0}}})
	assert.Error(t, err)
}

func TestWriterEmptyFrameFixesSchema(t *testing.T) {
	data := writeArtifact(t, &Frame{Columns: []string{"x", "y"}})
	r := openArtifact(t, data)
	assert.Equal(t, []string{"x", "y"}, r.ColumnNames())
	assert.Equal(t, int64(0), r.NumRows())
}

func TestScanProjection(t *testing.T) {
	frame := &Frame{
		Columns: []string{"x", "y", "z"},
		Rows: [][]any{
			{1.0, 10.0, 100.0},
			{2.0, 20.0, 200.0},
		},
	}
	r := openArtifact(t, writeArtifact(t, frame))

	got := collect(t, r, []string{"z", "x"}, ScanOptions{})
	assert.Equal(t, []string{"z", "x"}, got.Columns)
	assert.Equal(t, []any{100.0, 1.0}, got.Rows[0])
	assert.Equal(t, []any{200.0, 2.0}, got.Rows[1])

	err := r.Scan(context.Background(), []string{"missing"}, ScanOptions{}, func(*Frame) error { return nil })
	assert.Error(t, err)
}

func TestScanRangePushdown(t *testing.T) {
	// Three row groups with disjoint sorted x ranges.
	frames := []*Frame{
		{Columns: []string{"x", "y"}, Rows: [][]any{{1.0, 1.0}, {2.0, 2.0}, {3.0, 3.0}}},
		{Columns: []string{"x", "y"}, Rows: [][]any{{10.0, 10.0}, {11.0, 11.0}, {12.0, 12.0}}},
		{Columns: []string{"x", "y"}, Rows: [][]any{{20.0, 20.0}, {21.0, 21.0}}},
	}
	r := openArtifact(t, writeArtifact(t, frames...))
	require.Len(t, r.file.RowGroups(), 3)

	frameCount := 0
	var xs []float64
	err := r.Scan(context.Background(), []string{"x"}, ScanOptions{
		XRange: &XRange{Column: "x", Min: 9.5, Max: 11.5},
	}, func(frame *Frame) error {
		frameCount++
		for ri := range frame.Rows {
			x, ok := frame.Float(ri, 0)
			require.True(t, ok)
			xs = append(xs, x)
		}
		return nil
	})
	require.NoError(t, err)

	// Only the middle row group intersects the window.
	assert.Equal(t, 1, frameCount)
	assert.Equal(t, []float64{10.0, 11.0}, xs)
}

func TestScanRangeFiltersInsideGroup(t *testing.T) {
	frame := &Frame{
		Columns: []string{"x", "y"},
		Rows: [][]any{
			{1.0, 1.0},
			{5.0, 2.0},
			{nil, 3.0},
			{9.0, 4.0},
		},
	}
	r := openArtifact(t, writeArtifact(t, frame))

	got := collect(t, r, []string{"x", "y"}, ScanOptions{
		XRange: &XRange{Column: "x", Min: 2.0, Max: 9.0},
	})
	require.Equal(t, 2, got.Len())
	assert.Equal(t, []any{5.0, 2.0}, got.Rows[0])
	assert.Equal(t, []any{9.0, 4.0}, got.Rows[1])
}

func TestScanRangeRequiresProjectedNumericColumn(t *testing.T) {
	frame := &Frame{
		Columns: []string{"x", "label"},
		Rows:    [][]any{{1.0, "a"}},
	}
	r := openArtifact(t, writeArtifact(t, frame))

	err := r.Scan(context.Background(), []string{"x"}, ScanOptions{
		XRange: &XRange{Column: "label", Min: 0, Max: 1},
	}, func(*Frame) error { return nil })
	assert.Error(t, err)
}

func TestReadFirst(t *testing.T) {
	frames := []*Frame{
		{Columns: []string{"x"}, Rows: [][]any{{1.0}, {2.0}, {3.0}}},
		{Columns: []string{"x"}, Rows: [][]any{{4.0}, {5.0}}},
	}
	r := openArtifact(t, writeArtifact(t, frames...))

	got, err := r.ReadFirst(context.Background(), 4, nil)
	require.NoError(t, err)
	require.Equal(t, 4, got.Len())
	assert.Equal(t, []any{4.0}, got.Rows[3])

	all, err := r.ReadFirst(context.Background(), 100, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, all.Len())
}
