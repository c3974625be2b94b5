package tabular

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/volare/internal/models"
)

func TestCSVHeaderFromFile(t *testing.T) {
	path := writeFixture(t, "runs.csv", "a,b,c\n1,2,3\n4,5,6\n")
	res, sink := parseFixture(t, csvParser{}, path, ParseSpec{})

	assert.Equal(t, []string{"a", "b", "c"}, res.Columns)
	assert.Equal(t, int64(2), res.Rows)

	rows := sink.rows()
	require.Len(t, rows, 2)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, rows[0])
	assert.Equal(t, []any{4.0, 5.0, 6.0}, rows[1])

	require.Len(t, res.SampleRows, 2)
	assert.Equal(t, map[string]any{"a": 1.0, "b": 2.0, "c": 3.0}, res.SampleRows[0])
	assert.Equal(t, models.ColumnStats{Min: 1, Max: 4}, res.Stats["a"])
	assert.Equal(t, models.ColumnStats{Min: 2, Max: 5}, res.Stats["b"])
	assert.Equal(t, models.ColumnStats{Min: 3, Max: 6}, res.Stats["c"])
}

func TestCSVMixedTypes(t *testing.T) {
	path := writeFixture(t, "flight.csv", "time,alt,label\n1,100.5,climb\n2,,cruise\n")
	res, sink := parseFixture(t, csvParser{}, path, ParseSpec{})

	rows := sink.rows()
	require.Len(t, rows, 2)
	assert.Equal(t, []any{1.0, 100.5, "climb"}, rows[0])
	assert.Equal(t, []any{2.0, nil, "cruise"}, rows[1])
	assert.Equal(t, models.ColumnStats{Min: 100.5, Max: 100.5}, res.Stats["alt"])
	assert.NotContains(t, res.Stats, "label")
}

func TestCSVStripsByteOrderMark(t *testing.T) {
	path := writeFixture(t, "bom.csv", "\ufefftime,alt\n1,2\n")
	res, _ := parseFixture(t, csvParser{}, path, ParseSpec{})
	assert.Equal(t, []string{"time", "alt"}, res.Columns)
}

func TestCSVHeaderNone(t *testing.T) {
	path := writeFixture(t, "raw.csv", "1,2\n3,4\n")
	res, sink := parseFixture(t, csvParser{}, path, ParseSpec{HeaderMode: models.HeaderNone})

	assert.Equal(t, []string{"column_1", "column_2"}, res.Columns)
	assert.Equal(t, int64(2), res.Rows)
	assert.Equal(t, []any{1.0, 2.0}, sink.rows()[0])
}

func TestCSVHeaderCustom(t *testing.T) {
	path := writeFixture(t, "raw.csv", "1,2\n3,4\n")
	spec := ParseSpec{HeaderMode: models.HeaderCustom, CustomHeaders: []string{"alpha", "cl"}}
	res, sink := parseFixture(t, csvParser{}, path, spec)

	assert.Equal(t, []string{"alpha", "cl"}, res.Columns)
	assert.Equal(t, int64(2), res.Rows)
	assert.Equal(t, []any{1.0, 2.0}, sink.rows()[0])
}

func TestCSVHeaderCustomErrors(t *testing.T) {
	path := writeFixture(t, "raw.csv", "1,2\n")

	_, err := csvParser{}.Parse(context.Background(), path, ParseSpec{HeaderMode: models.HeaderCustom}, &collectSink{})
	require.EqualError(t, err, "custom_headers required when header_mode=custom")

	spec := ParseSpec{HeaderMode: models.HeaderCustom, CustomHeaders: []string{"a", "b", "c"}}
	_, err = csvParser{}.Parse(context.Background(), path, spec, &collectSink{})
	require.EqualError(t, err, "Number of custom headers does not match detected columns")
}

func TestCSVDuplicateHeadersDeduped(t *testing.T) {
	path := writeFixture(t, "dup.csv", "a,a,b\n1,2,3\n")
	res, _ := parseFixture(t, csvParser{}, path, ParseSpec{})
	assert.Equal(t, []string{"a", "a.1", "b"}, res.Columns)
}

func TestCSVLongRecordFails(t *testing.T) {
	path := writeFixture(t, "jagged.csv", "a,b\n1,2,3\n")
	_, err := csvParser{}.Parse(context.Background(), path, ParseSpec{}, &collectSink{})
	require.EqualError(t, err, "record on line 2 has 3 fields, expected 2")
}

func TestCSVShortRecordPadded(t *testing.T) {
	path := writeFixture(t, "short.csv", "a,b,c\n1,2\n")
	_, sink := parseFixture(t, csvParser{}, path, ParseSpec{})
	assert.Equal(t, []any{1.0, 2.0, nil}, sink.rows()[0])
}

func TestCSVQuotedFields(t *testing.T) {
	path := writeFixture(t, "quoted.csv", "name,note\nx1,\"hello, world\"\n")
	_, sink := parseFixture(t, csvParser{}, path, ParseSpec{})
	assert.Equal(t, []any{"x1", "hello, world"}, sink.rows()[0])
}

func TestCSVEmptyFile(t *testing.T) {
	path := writeFixture(t, "empty.csv", "")
	_, err := csvParser{}.Parse(context.Background(), path, ParseSpec{}, &collectSink{})
	require.EqualError(t, err, "No columns to parse from file")
}

func TestCSVChunkingAndSampleCap(t *testing.T) {
	path := writeFixture(t, "chunk.csv", "v\n1\n2\n3\n4\n5\n")
	res, sink := parseFixture(t, csvParser{}, path, ParseSpec{ChunkRows: 2, SampleRows: 3})

	assert.Equal(t, int64(5), res.Rows)
	require.Len(t, sink.frames, 3)
	assert.Equal(t, 2, sink.frames[0].Len())
	assert.Equal(t, 1, sink.frames[2].Len())
	assert.Len(t, res.SampleRows, 3)
}

func TestCSVContextCancelled(t *testing.T) {
	path := writeFixture(t, "cancel.csv", "a,b\n1,2\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := csvParser{}.Parse(ctx, path, ParseSpec{}, &collectSink{})
	require.ErrorIs(t, err, context.Canceled)
}
