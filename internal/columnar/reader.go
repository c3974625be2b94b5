package columnar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

// XRange restricts a scan to rows whose column value lies in [Min, Max].
// Row groups whose column chunk bounds are disjoint from the window are
// skipped without reading their pages.
type XRange struct {
	Column string
	Min    float64
	Max    float64
}

// ScanOptions tune a Scan pass.
type ScanOptions struct {
	XRange *XRange
}

var errStopScan = errors.New("stop scan")

// Reader reads a columnar artifact with column projection and optional
// range pushdown.
type Reader struct {
	file    *parquet.File
	columns []Column
}

// Open parses the artifact footer. The logical column order is recovered
// from file metadata when present, else the physical field order is used.
func Open(r io.ReaderAt, size int64) (*Reader, error) {
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}

	schema := file.Schema()
	physical := make([]string, 0, len(schema.Columns()))
	for _, path := range schema.Columns() {
		if len(path) != 1 {
			return nil, fmt.Errorf("nested column %v not supported", path)
		}
		physical = append(physical, path[0])
	}

	names := physical
	if raw, ok := file.Lookup(ColumnOrderKey); ok {
		var order []string
		if err := json.Unmarshal([]byte(raw), &order); err == nil && sameSet(order, physical) {
			names = order
		}
	}

	columns := make([]Column, len(names))
	for i, name := range names {
		leaf, ok := schema.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("column %q missing from schema", name)
		}
		columns[i] = Column{Name: name, Kind: leafKind(leaf.Node)}
	}

	return &Reader{file: file, columns: columns}, nil
}

// Columns returns the schema in logical order.
func (r *Reader) Columns() []Column {
	return r.columns
}

// ColumnNames returns the column names in logical order.
func (r *Reader) ColumnNames() []string {
	names := make([]string, len(r.columns))
	for i, c := range r.columns {
		names[i] = c.Name
	}
	return names
}

// Numeric reports whether the named column stores numbers.
func (r *Reader) Numeric(name string) bool {
	for _, c := range r.columns {
		if c.Name == name {
			return c.Kind == KindNumeric
		}
	}
	return false
}

// NumRows returns the total row count from the footer.
func (r *Reader) NumRows() int64 {
	return r.file.NumRows()
}

// Scan streams the projected columns one frame per row group. cols nil
// selects every column. With an XRange, disjoint row groups are skipped
// and surviving frames are filtered row by row.
func (r *Reader) Scan(ctx context.Context, cols []string, opts ScanOptions, fn func(frame *Frame) error) error {
	if cols == nil {
		cols = r.ColumnNames()
	}

	schema := r.file.Schema()
	leafIdx := make([]int, len(cols))
	for i, name := range cols {
		leaf, ok := schema.Lookup(name)
		if !ok {
			return fmt.Errorf("column %q not in artifact", name)
		}
		leafIdx[i] = leaf.ColumnIndex
	}

	xPos := -1
	if opts.XRange != nil {
		for i, name := range cols {
			if name == opts.XRange.Column {
				xPos = i
				break
			}
		}
		if xPos < 0 {
			return fmt.Errorf("range column %q not in projection", opts.XRange.Column)
		}
		if !r.Numeric(opts.XRange.Column) {
			return fmt.Errorf("range pushdown requires numeric column %q", opts.XRange.Column)
		}
	}

	for _, rg := range r.file.RowGroups() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if opts.XRange != nil && groupDisjoint(rg, leafIdx[xPos], opts.XRange) {
			continue
		}

		frame, err := readGroup(rg, cols, leafIdx)
		if err != nil {
			return err
		}
		if opts.XRange != nil {
			filterByRange(frame, xPos, opts.XRange)
		}
		if frame.Len() == 0 {
			continue
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
	return nil
}

// ReadFirst returns up to n rows from the start of the artifact.
func (r *Reader) ReadFirst(ctx context.Context, n int, cols []string) (*Frame, error) {
	if cols == nil {
		cols = r.ColumnNames()
	}
	out := NewFrame(cols)
	err := r.Scan(ctx, cols, ScanOptions{}, func(frame *Frame) error {
		for _, row := range frame.Rows {
			out.AppendRow(row)
			if out.Len() >= n {
				return errStopScan
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, err
	}
	return out, nil
}

// groupDisjoint reports whether the chunk's page bounds exclude the window.
// Missing or null bounds keep the group.
func groupDisjoint(rg parquet.RowGroup, leafIdx int, xr *XRange) bool {
	ci, err := rg.ColumnChunks()[leafIdx].ColumnIndex()
	if err != nil || ci == nil {
		return false
	}

	found := false
	var lo, hi float64
	for i := 0; i < ci.NumPages(); i++ {
		if ci.NullPage(i) {
			continue
		}
		mn, mx := ci.MinValue(i), ci.MaxValue(i)
		if mn.IsNull() || mx.IsNull() {
			return false
		}
		if !found {
			lo, hi = mn.Double(), mx.Double()
			found = true
			continue
		}
		if v := mn.Double(); v < lo {
			lo = v
		}
		if v := mx.Double(); v > hi {
			hi = v
		}
	}
	if !found {
		// Only null pages, no x values to keep.
		return true
	}
	return hi < xr.Min || lo > xr.Max
}

func filterByRange(frame *Frame, xPos int, xr *XRange) {
	kept := frame.Rows[:0]
	for _, row := range frame.Rows {
		x, ok := row[xPos].(float64)
		if !ok || x < xr.Min || x > xr.Max {
			continue
		}
		kept = append(kept, row)
	}
	frame.Rows = kept
}

func readGroup(rg parquet.RowGroup, cols []string, leafIdx []int) (*Frame, error) {
	n := int(rg.NumRows())
	colValues := make([][]any, len(cols))
	chunks := rg.ColumnChunks()
	for i, idx := range leafIdx {
		values, err := readChunkValues(chunks[idx], n)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", cols[i], err)
		}
		if len(values) != n {
			return nil, fmt.Errorf("column %q has %d values, row group has %d rows", cols[i], len(values), n)
		}
		colValues[i] = values
	}

	frame := NewFrame(cols)
	frame.Rows = make([][]any, n)
	for ri := 0; ri < n; ri++ {
		row := make([]any, len(cols))
		for pos := range cols {
			row[pos] = colValues[pos][ri]
		}
		frame.Rows[ri] = row
	}
	return frame, nil
}

func readChunkValues(cc parquet.ColumnChunk, capacity int) ([]any, error) {
	pages := cc.Pages()
	defer pages.Close()

	out := make([]any, 0, capacity)
	buf := make([]parquet.Value, 512)
	for {
		page, err := pages.ReadPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read page: %w", err)
		}

		values := page.Values()
		for {
			m, err := values.ReadValues(buf)
			for _, v := range buf[:m] {
				out = append(out, decodeValue(v))
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				parquet.Release(page)
				return nil, fmt.Errorf("failed to read values: %w", err)
			}
		}
		parquet.Release(page)
	}
	return out, nil
}

func decodeValue(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Double:
		return v.Double()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Int32:
		return float64(v.Int32())
	case parquet.Int64:
		return float64(v.Int64())
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return v.String()
	case parquet.Boolean:
		if v.Boolean() {
			return float64(1)
		}
		return float64(0)
	default:
		return nil
	}
}

func leafKind(node parquet.Node) Kind {
	switch node.Type().Kind() {
	case parquet.Double, parquet.Float, parquet.Int32, parquet.Int64, parquet.Boolean:
		return KindNumeric
	default:
		return KindString
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
		if seen[s] < 0 {
			return false
		}
	}
	return true
}
