package columnar

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/parquet-go/parquet-go"
)

// ColumnOrderKey is the file metadata key holding the logical column order.
// Runtime schemas are built from a parquet.Group, which sorts fields by
// name, so the ingest order travels in key-value metadata instead.
const ColumnOrderKey = "volare:column_order"

// Kind classifies a column's storage type.
type Kind int

const (
	KindNumeric Kind = iota
	KindString
)

// Column describes one column of a columnar artifact.
type Column struct {
	Name string
	Kind Kind
}

// Writer streams frames into a parquet artifact. The schema is inferred
// from the first frame: a column stores double when every non-null cell in
// that frame is numeric, UTF8 otherwise. Each frame becomes one snappy
// row group, so readers iterate the artifact chunk-at-a-time.
type Writer struct {
	out     io.Writer
	pw      *parquet.GenericWriter[any]
	columns []Column
	// physical maps frame column position to parquet leaf column index.
	physical []int
	rows     int64
}

// NewWriter creates a writer. The schema is fixed by the first WriteFrame.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Columns returns the schema in frame order. Empty before the first frame.
func (w *Writer) Columns() []Column {
	return w.columns
}

// Rows returns the number of rows written so far.
func (w *Writer) Rows() int64 {
	return w.rows
}

// WriteFrame appends one frame as a row group.
func (w *Writer) WriteFrame(frame *Frame) error {
	if len(frame.Columns) == 0 {
		return fmt.Errorf("frame has no columns")
	}
	if err := frame.validateArity(); err != nil {
		return err
	}

	if w.pw == nil {
		if err := w.init(frame); err != nil {
			return err
		}
	} else if err := w.checkColumns(frame); err != nil {
		return err
	}

	rows := make([]parquet.Row, 0, len(frame.Rows))
	numCols := len(frame.Columns)
	for _, src := range frame.Rows {
		row := make(parquet.Row, numCols)
		for pos, cell := range src {
			ci := w.physical[pos]
			row[ci] = w.cellValue(cell, w.columns[pos].Kind, ci)
		}
		// Values must be ordered by leaf column index within the row.
		rows = append(rows, row)
	}

	if len(rows) > 0 {
		if _, err := w.pw.WriteRows(rows); err != nil {
			return fmt.Errorf("failed to write row group: %w", err)
		}
	}
	if err := w.pw.Flush(); err != nil {
		return fmt.Errorf("failed to flush row group: %w", err)
	}
	w.rows += int64(len(frame.Rows))
	return nil
}

// Close finalizes the artifact footer.
func (w *Writer) Close() error {
	if w.pw == nil {
		return fmt.Errorf("no frames written")
	}
	if err := w.pw.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

func (w *Writer) init(frame *Frame) error {
	w.columns = make([]Column, len(frame.Columns))
	group := parquet.Group{}
	for i, name := range frame.Columns {
		kind := inferKind(frame, i)
		w.columns[i] = Column{Name: name, Kind: kind}
		if kind == KindNumeric {
			group[name] = parquet.Optional(parquet.Leaf(parquet.DoubleType))
		} else {
			group[name] = parquet.Optional(parquet.String())
		}
	}

	schema := parquet.NewSchema("frame", group)

	w.physical = make([]int, len(frame.Columns))
	for i, name := range frame.Columns {
		leaf, ok := schema.Lookup(name)
		if !ok {
			return fmt.Errorf("column %q missing from schema", name)
		}
		w.physical[i] = leaf.ColumnIndex
	}

	order, err := json.Marshal(frame.Columns)
	if err != nil {
		return fmt.Errorf("failed to encode column order: %w", err)
	}

	w.pw = parquet.NewGenericWriter[any](w.out,
		schema,
		parquet.Compression(&parquet.Snappy),
		parquet.KeyValueMetadata(ColumnOrderKey, string(order)),
	)
	return nil
}

func (w *Writer) checkColumns(frame *Frame) error {
	if len(frame.Columns) != len(w.columns) {
		return fmt.Errorf("frame has %d columns, schema has %d", len(frame.Columns), len(w.columns))
	}
	for i, name := range frame.Columns {
		if name != w.columns[i].Name {
			return fmt.Errorf("frame column %d is %q, schema expects %q", i, name, w.columns[i].Name)
		}
	}
	return nil
}

// cellValue coerces a cell to the column's storage type. NaN and values
// that cannot be coerced become null.
func (w *Writer) cellValue(cell any, kind Kind, columnIndex int) parquet.Value {
	if cell == nil {
		return parquet.ValueOf(nil).Level(0, 0, columnIndex)
	}
	switch kind {
	case KindNumeric:
		switch v := cell.(type) {
		case float64:
			if math.IsNaN(v) {
				return parquet.ValueOf(nil).Level(0, 0, columnIndex)
			}
			return parquet.ValueOf(v).Level(0, 1, columnIndex)
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(f) {
				return parquet.ValueOf(f).Level(0, 1, columnIndex)
			}
			return parquet.ValueOf(nil).Level(0, 0, columnIndex)
		}
	case KindString:
		switch v := cell.(type) {
		case string:
			return parquet.ValueOf(v).Level(0, 1, columnIndex)
		case float64:
			if math.IsNaN(v) {
				return parquet.ValueOf(nil).Level(0, 0, columnIndex)
			}
			return parquet.ValueOf(strconv.FormatFloat(v, 'g', -1, 64)).Level(0, 1, columnIndex)
		}
	}
	return parquet.ValueOf(nil).Level(0, 0, columnIndex)
}

// inferKind reports numeric when no non-null cell of the column is a
// non-numeric string. All-null columns default to numeric.
func inferKind(frame *Frame, col int) Kind {
	for _, row := range frame.Rows {
		switch v := row[col].(type) {
		case nil, float64:
		case string:
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				return KindString
			}
		default:
			return KindString
		}
	}
	return KindNumeric
}
