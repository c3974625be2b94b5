package tabular

import (
	"math"
	"strconv"
	"strings"

	"github.com/ternarybob/volare/internal/columnar"
	"github.com/ternarybob/volare/internal/models"
)

// Profile accumulates the per-column numeric bounds, the leading sample
// rows, and the row count while frames stream past.
type Profile struct {
	stats     map[string]models.ColumnStats
	sample    []map[string]any
	sampleCap int
	rows      int64
}

// NewProfile creates a profile keeping up to sampleCap leading rows.
func NewProfile(sampleCap int) *Profile {
	return &Profile{
		stats:     make(map[string]models.ColumnStats),
		sampleCap: sampleCap,
	}
}

// Observe folds one frame into the profile. Cells are numeric-coerced for
// stats; non-finite and non-numeric values are ignored.
func (p *Profile) Observe(frame *columnar.Frame) {
	for ci, col := range frame.Columns {
		for _, row := range frame.Rows {
			v, ok := coerceNumeric(row[ci])
			if !ok {
				continue
			}
			cur, exists := p.stats[col]
			if !exists {
				p.stats[col] = models.ColumnStats{Min: v, Max: v}
				continue
			}
			if v < cur.Min {
				cur.Min = v
			}
			if v > cur.Max {
				cur.Max = v
			}
			p.stats[col] = cur
		}
	}

	for _, row := range frame.Rows {
		if len(p.sample) >= p.sampleCap {
			break
		}
		m := make(map[string]any, len(frame.Columns))
		for ci, col := range frame.Columns {
			// non-finite values cannot round-trip through JSON responses
			if f, ok := row[ci].(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
				m[col] = nil
				continue
			}
			m[col] = row[ci]
		}
		p.sample = append(p.sample, m)
	}

	p.rows += int64(frame.Len())
}

// Rows returns the total observed row count.
func (p *Profile) Rows() int64 {
	return p.rows
}

// Stats returns the merged per-column bounds. Columns with no numeric
// values have no entry.
func (p *Profile) Stats() map[string]models.ColumnStats {
	return p.stats
}

// Sample returns the captured leading rows.
func (p *Profile) Sample() []map[string]any {
	if p.sample == nil {
		return []map[string]any{}
	}
	return p.sample
}

// Result assembles the parse result for the given column order.
func (p *Profile) Result(columns []string) *Result {
	return &Result{
		Columns:    columns,
		Rows:       p.rows,
		SampleRows: p.Sample(),
		Stats:      p.stats,
	}
}

// coerceNumeric extracts a usable float from a cell. Non-finite values are
// excluded so the persisted bounds stay finite.
func coerceNumeric(cell any) (float64, bool) {
	switch v := cell.(type) {
	case float64:
		return v, !math.IsNaN(v) && !math.IsInf(v, 0)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	default:
		return 0, false
	}
}

// coerceCell converts a raw text cell to its frame value: empty becomes
// null, numeric text becomes float64, anything else stays a string. The
// numeric attempt tolerates surrounding whitespace; string values keep it.
func coerceCell(s string) any {
	if s == "" {
		return nil
	}
	t := strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(t, 64); err == nil && t != "" {
		if math.IsNaN(f) {
			return nil
		}
		return f
	}
	return s
}
