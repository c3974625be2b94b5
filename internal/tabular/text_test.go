package tabular

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/volare/internal/models"
)

func TestTextWhitespaceNoHeader(t *testing.T) {
	path := writeFixture(t, "forces.dat", "1 2 3\n4 5 6\n")
	res, sink := parseFixture(t, textParser{}, path, ParseSpec{})

	assert.Equal(t, []string{"column_1", "column_2", "column_3"}, res.Columns)
	assert.Equal(t, int64(2), res.Rows)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, sink.rows()[0])
}

func TestTextHeaderDetected(t *testing.T) {
	path := writeFixture(t, "log.txt", "time alt speed\n1 100 5\n2 200 6\n")
	res, sink := parseFixture(t, textParser{}, path, ParseSpec{})

	assert.Equal(t, []string{"time", "alt", "speed"}, res.Columns)
	rows := sink.rows()
	require.Len(t, rows, 2)
	assert.Equal(t, []any{2.0, 200.0, 6.0}, rows[1])
}

func TestTextCommaDelimiterWithJunkPrefix(t *testing.T) {
	path := writeFixture(t, "export.txt", "# time, alt\n1, 100\n2, 200\n")
	res, sink := parseFixture(t, textParser{}, path, ParseSpec{})

	assert.Equal(t, []string{"time", "alt"}, res.Columns)
	assert.Equal(t, []any{1.0, 100.0}, sink.rows()[0])
}

func TestTextMixedStringColumn(t *testing.T) {
	path := writeFixture(t, "tags.txt", "name val\nfoo 1\nbar 2\n")
	res, sink := parseFixture(t, textParser{}, path, ParseSpec{})

	assert.Equal(t, []string{"name", "val"}, res.Columns)
	assert.Equal(t, []any{"foo", 1.0}, sink.rows()[0])
	assert.NotContains(t, res.Stats, "name")
	assert.Equal(t, models.ColumnStats{Min: 1, Max: 2}, res.Stats["val"])
}

func TestTextParseRange(t *testing.T) {
	content := "run log for case 12\nsolver converged\ntime alt\n1 100\n2 200\n3 300\n"
	path := writeFixture(t, "case.txt", content)

	res, _ := parseFixture(t, textParser{}, path, ParseSpec{
		ParseRange: &models.ParseRange{StartLine: 3},
	})
	assert.Equal(t, []string{"time", "alt"}, res.Columns)
	assert.Equal(t, int64(3), res.Rows)

	res, sink := parseFixture(t, textParser{}, path, ParseSpec{
		ParseRange: &models.ParseRange{StartLine: 3, EndLine: 5},
	})
	assert.Equal(t, int64(2), res.Rows)
	assert.Equal(t, []any{2.0, 200.0}, sink.rows()[1])
}

func TestTextParseRangeClamped(t *testing.T) {
	path := writeFixture(t, "tiny.txt", "1 2\n3 4\n")

	res, _ := parseFixture(t, textParser{}, path, ParseSpec{
		ParseRange: &models.ParseRange{StartLine: -5, EndLine: 99},
	})
	assert.Equal(t, int64(2), res.Rows)

	res, sink := parseFixture(t, textParser{}, path, ParseSpec{
		ParseRange: &models.ParseRange{StartLine: 99},
	})
	assert.Equal(t, int64(1), res.Rows)
	assert.Equal(t, []any{3.0, 4.0}, sink.rows()[0])
}

func TestTextRaggedRows(t *testing.T) {
	path := writeFixture(t, "ragged.txt", "a b\n1 2 3\n4\n")
	res, sink := parseFixture(t, textParser{}, path, ParseSpec{})

	assert.Equal(t, []string{"a", "b", "column_3"}, res.Columns)
	rows := sink.rows()
	assert.Equal(t, []any{1.0, 2.0, 3.0}, rows[0])
	assert.Equal(t, []any{4.0, nil, nil}, rows[1])
}

func TestTextWindowsLineEndings(t *testing.T) {
	path := writeFixture(t, "crlf.dat", "alpha beta\r\n1 2\r\n")
	res, sink := parseFixture(t, textParser{}, path, ParseSpec{})

	assert.Equal(t, []string{"alpha", "beta"}, res.Columns)
	assert.Equal(t, []any{1.0, 2.0}, sink.rows()[0])
}

func TestTextEmptySelections(t *testing.T) {
	path := writeFixture(t, "empty.txt", "")
	_, err := textParser{}.Parse(context.Background(), path, ParseSpec{}, &collectSink{})
	require.EqualError(t, err, "Selected file is empty")

	path = writeFixture(t, "blank.txt", "x y\n\n   \n")
	_, err = textParser{}.Parse(context.Background(), path, ParseSpec{
		ParseRange: &models.ParseRange{StartLine: 2},
	}, &collectSink{})
	require.EqualError(t, err, "Selected range is empty")

	path = writeFixture(t, "headeronly.txt", "x y\n")
	_, err = textParser{}.Parse(context.Background(), path, ParseSpec{}, &collectSink{})
	require.EqualError(t, err, "No data rows parsed from selected range")
}
