package tabular

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ternarybob/volare/internal/models"
)

func writeWorkbook(t *testing.T, build func(f *excelize.File)) string {
	t.Helper()
	f := excelize.NewFile()
	build(f)
	path := filepath.Join(t.TempDir(), "book.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
	return path
}

func setRow(t *testing.T, f *excelize.File, sheet string, row int, cells ...any) {
	t.Helper()
	require.NoError(t, f.SetSheetRow(sheet, fmt.Sprintf("A%d", row), &cells))
}

func TestExcelHeaderFromFile(t *testing.T) {
	path := writeWorkbook(t, func(f *excelize.File) {
		setRow(t, f, "Sheet1", 1, "time", "alt", "label")
		setRow(t, f, "Sheet1", 2, 1, 100.5, "climb")
		setRow(t, f, "Sheet1", 3, 2, nil, "cruise")
	})
	res, sink := parseFixture(t, excelParser{}, path, ParseSpec{})

	assert.Equal(t, []string{"time", "alt", "label"}, res.Columns)
	assert.Equal(t, int64(2), res.Rows)

	rows := sink.rows()
	require.Len(t, rows, 2)
	assert.Equal(t, []any{1.0, 100.5, "climb"}, rows[0])
	assert.Equal(t, []any{2.0, nil, "cruise"}, rows[1])
	assert.Equal(t, models.ColumnStats{Min: 100.5, Max: 100.5}, res.Stats["alt"])
}

func TestExcelDropsBlankAndNullColumns(t *testing.T) {
	path := writeWorkbook(t, func(f *excelize.File) {
		setRow(t, f, "Sheet1", 1, "a", "", "b", "c")
		setRow(t, f, "Sheet1", 2, 1, "", 3, nil)
		setRow(t, f, "Sheet1", 3, 2, " ", 4, nil)
	})
	res, sink := parseFixture(t, excelParser{}, path, ParseSpec{})

	// the blank unnamed column and the fully-null "c" column are gone
	assert.Equal(t, []string{"a", "b"}, res.Columns)
	rows := sink.rows()
	assert.Equal(t, []any{1.0, 3.0}, rows[0])
	assert.Equal(t, []any{2.0, 4.0}, rows[1])
}

func TestExcelKeepsUnnamedColumnWithData(t *testing.T) {
	path := writeWorkbook(t, func(f *excelize.File) {
		setRow(t, f, "Sheet1", 1, "a", "")
		setRow(t, f, "Sheet1", 2, 1, 9)
	})
	res, sink := parseFixture(t, excelParser{}, path, ParseSpec{})

	assert.Equal(t, []string{"a", "unnamed_1"}, res.Columns)
	assert.Equal(t, []any{1.0, 9.0}, sink.rows()[0])
}

func TestExcelSheetSelection(t *testing.T) {
	path := writeWorkbook(t, func(f *excelize.File) {
		_, err := f.NewSheet("Runs")
		require.NoError(t, err)
		setRow(t, f, "Sheet1", 1, "wrong")
		setRow(t, f, "Sheet1", 2, 1)
		setRow(t, f, "Runs", 1, "alpha", "cl")
		setRow(t, f, "Runs", 2, 0.5, 0.12)
	})

	res, sink := parseFixture(t, excelParser{}, path, ParseSpec{SheetName: "Runs"})
	assert.Equal(t, []string{"alpha", "cl"}, res.Columns)
	assert.Equal(t, []any{0.5, 0.12}, sink.rows()[0])

	res, _ = parseFixture(t, excelParser{}, path, ParseSpec{})
	assert.Equal(t, []string{"wrong"}, res.Columns)

	_, err := excelParser{}.Parse(context.Background(), path, ParseSpec{SheetName: "Missing"}, &collectSink{})
	require.EqualError(t, err, `worksheet "Missing" not found`)
}

func TestExcelHeaderModes(t *testing.T) {
	path := writeWorkbook(t, func(f *excelize.File) {
		setRow(t, f, "Sheet1", 1, 1, 2)
		setRow(t, f, "Sheet1", 2, 3, 4)
	})

	res, sink := parseFixture(t, excelParser{}, path, ParseSpec{HeaderMode: models.HeaderNone})
	assert.Equal(t, []string{"column_1", "column_2"}, res.Columns)
	require.Len(t, sink.rows(), 2)
	assert.Equal(t, []any{1.0, 2.0}, sink.rows()[0])

	spec := ParseSpec{HeaderMode: models.HeaderCustom, CustomHeaders: []string{"x", "y"}}
	res, _ = parseFixture(t, excelParser{}, path, spec)
	assert.Equal(t, []string{"x", "y"}, res.Columns)

	spec.CustomHeaders = []string{"x"}
	_, err := excelParser{}.Parse(context.Background(), path, spec, &collectSink{})
	require.EqualError(t, err, "Number of custom headers does not match detected columns")
}

func TestExcelEmptyWorksheet(t *testing.T) {
	path := writeWorkbook(t, func(*excelize.File) {})
	_, err := excelParser{}.Parse(context.Background(), path, ParseSpec{}, &collectSink{})
	require.EqualError(t, err, `worksheet "Sheet1" is empty`)
}
