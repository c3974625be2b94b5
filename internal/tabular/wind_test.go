package tabular

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/volare/internal/models"
)

func TestWindTunnelTXT(t *testing.T) {
	content := "test rig 7\ncalibration block\n%Dyn,foo,bar\n1 2\nx 3 4\n5 6\n"
	path := writeFixture(t, "run01.txt", content)
	res, sink := parseFixture(t, windParser{}, path, ParseSpec{})

	assert.Equal(t, []string{"Dyn", "foo", "bar"}, res.Columns)
	assert.Equal(t, int64(3), res.Rows)

	rows := sink.rows()
	require.Len(t, rows, 3)
	assert.Equal(t, []any{1.0, 2.0, nil}, rows[0])
	assert.Equal(t, []any{3.0, 4.0, nil}, rows[1])
	assert.Equal(t, []any{5.0, 6.0, nil}, rows[2])

	assert.Equal(t, models.ColumnStats{Min: 1, Max: 5}, res.Stats["Dyn"])
	assert.Equal(t, models.ColumnStats{Min: 2, Max: 6}, res.Stats["foo"])
	assert.NotContains(t, res.Stats, "bar")
}

func TestWindMultiLineHeader(t *testing.T) {
	content := "%Dyn\n%alpha, beta\n\n0.5 1 2\n1.5 3 4\n"
	path := writeFixture(t, "sweep.txt", content)
	res, sink := parseFixture(t, windParser{}, path, ParseSpec{})

	assert.Equal(t, []string{"Dyn", "alpha", "beta"}, res.Columns)
	assert.Equal(t, int64(2), res.Rows)
	assert.Equal(t, []any{0.5, 1.0, 2.0}, sink.rows()[0])
}

func TestWindSkipsTextLinesInData(t *testing.T) {
	content := "%Dyn, q\n1 2\nsensor fault\n3 4\n"
	path := writeFixture(t, "fault.txt", content)
	res, sink := parseFixture(t, windParser{}, path, ParseSpec{})

	assert.Equal(t, int64(2), res.Rows)
	assert.Equal(t, []any{3.0, 4.0}, sink.rows()[1])
}

func TestWindTruncatesExtraNumbers(t *testing.T) {
	content := "%Dyn\n1 2 3\n"
	path := writeFixture(t, "wide.txt", content)
	res, sink := parseFixture(t, windParser{}, path, ParseSpec{})

	assert.Equal(t, []string{"Dyn"}, res.Columns)
	assert.Equal(t, []any{1.0}, sink.rows()[0])
}

func TestWindScientificNotation(t *testing.T) {
	content := "%Dyn, p\n1.5e3 -2.25\n"
	path := writeFixture(t, "sci.txt", content)
	_, sink := parseFixture(t, windParser{}, path, ParseSpec{})

	assert.Equal(t, []any{1500.0, -2.25}, sink.rows()[0])
}

func TestWindHeaderNone(t *testing.T) {
	content := "%Dyn, foo, bar\n1 2\n"
	path := writeFixture(t, "none.txt", content)
	res, _ := parseFixture(t, windParser{}, path, ParseSpec{HeaderMode: models.HeaderNone})

	assert.Equal(t, []string{"column_1", "column_2", "column_3"}, res.Columns)
}

func TestWindCustomHeaders(t *testing.T) {
	content := "%Dyn, foo, bar\n1 2 3\n"
	path := writeFixture(t, "custom.txt", content)
	spec := ParseSpec{HeaderMode: models.HeaderCustom, CustomHeaders: []string{"a", "b"}}
	res, sink := parseFixture(t, windParser{}, path, spec)

	assert.Equal(t, []string{"a", "b"}, res.Columns)
	assert.Equal(t, []any{1.0, 2.0}, sink.rows()[0])

	_, err := windParser{}.Parse(context.Background(), path, ParseSpec{HeaderMode: models.HeaderCustom}, &collectSink{})
	require.EqualError(t, err, "custom_headers required when header_mode=custom")
}

func TestWindMarkerMissing(t *testing.T) {
	path := writeFixture(t, "plain.txt", "just a text file\n1 2 3\n")
	_, err := windParser{}.Parse(context.Background(), path, ParseSpec{}, &collectSink{})
	require.EqualError(t, err, "Wind TXT: '%Dyn' marker not found")
}

func TestWindNoDataAfterHeader(t *testing.T) {
	path := writeFixture(t, "headeronly.txt", "%Dyn, foo\n")
	_, err := windParser{}.Parse(context.Background(), path, ParseSpec{}, &collectSink{})
	require.EqualError(t, err, "Wind TXT: no numeric data found after header")
}
