package columnar

import "fmt"

// Frame is one chunk of tabular data moving through the pipeline. Cell
// values are float64, string, or nil. Rows are positional against Columns.
type Frame struct {
	Columns []string
	Rows    [][]any
}

// FrameSink consumes frames in order. The columnar Writer is the main
// implementation; parsers stream into it chunk by chunk.
type FrameSink interface {
	WriteFrame(frame *Frame) error
}

// NewFrame creates an empty frame for the given column order.
func NewFrame(columns []string) *Frame {
	return &Frame{Columns: columns}
}

// AppendRow adds one row. The caller is responsible for matching arity.
func (f *Frame) AppendRow(values []any) {
	f.Rows = append(f.Rows, values)
}

// Len returns the number of rows in the frame.
func (f *Frame) Len() int {
	return len(f.Rows)
}

// ColumnIndex returns the position of a column, or -1.
func (f *Frame) ColumnIndex(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Float reads a cell as float64. Strings and nil are not coerced.
func (f *Frame) Float(row, col int) (float64, bool) {
	v, ok := f.Rows[row][col].(float64)
	return v, ok
}

// Maps converts the frame to one map per row, skipping nil cells.
func (f *Frame) Maps() []map[string]any {
	out := make([]map[string]any, 0, len(f.Rows))
	for _, row := range f.Rows {
		m := make(map[string]any, len(f.Columns))
		for i, col := range f.Columns {
			if i < len(row) && row[i] != nil {
				m[col] = row[i]
			}
		}
		out = append(out, m)
	}
	return out
}

func (f *Frame) validateArity() error {
	for i, row := range f.Rows {
		if len(row) != len(f.Columns) {
			return fmt.Errorf("frame row %d has %d cells, expected %d", i, len(row), len(f.Columns))
		}
	}
	return nil
}
