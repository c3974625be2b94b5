// Package tabular parses uploaded dataset files into columnar frames.
// Formats are registered explicitly and dispatched by extension plus the
// dataset family tag.
package tabular

import (
	"context"
	"fmt"

	"github.com/ternarybob/volare/internal/columnar"
	"github.com/ternarybob/volare/internal/common"
	"github.com/ternarybob/volare/internal/models"
)

// DefaultChunkRows is the row budget per streamed frame.
const DefaultChunkRows = 200_000

// DefaultSampleRows is the number of leading rows kept on the job document.
const DefaultSampleRows = 10

// ParseSpec carries the per-job parsing strategy.
type ParseSpec struct {
	HeaderMode    models.HeaderMode
	CustomHeaders []string
	SheetName     string
	ParseRange    *models.ParseRange
	MatConfig     *models.MatConfig
	MaxMatCells   int
	ChunkRows     int
	SampleRows    int
}

func (s ParseSpec) chunkRows() int {
	if s.ChunkRows > 0 {
		return s.ChunkRows
	}
	return DefaultChunkRows
}

func (s ParseSpec) sampleRows() int {
	if s.SampleRows > 0 {
		return s.SampleRows
	}
	return DefaultSampleRows
}

// Result is what every parser reports after streaming its frames.
type Result struct {
	Columns    []string
	Rows       int64
	SampleRows []map[string]any
	Stats      map[string]models.ColumnStats
	Mat        *models.MatMeta
}

// Parser parses one file format, streaming frames into the sink.
type Parser interface {
	Format() string
	Parse(ctx context.Context, path string, spec ParseSpec, sink columnar.FrameSink) (*Result, error)
}

// Registry holds the registered format parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry creates a registry with all built-in formats registered.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	r.Register(&csvParser{})
	r.Register(&excelParser{})
	r.Register(&textParser{})
	r.Register(&windParser{})
	r.Register(&matParser{})
	return r
}

// Register adds or replaces a format parser.
func (r *Registry) Register(p Parser) {
	r.parsers[p.Format()] = p
}

// Get returns a registered parser by format name.
func (r *Registry) Get(format string) (Parser, bool) {
	p, ok := r.parsers[format]
	return p, ok
}

// ForFile picks the parser for a filename. Wind-tunnel TXT files are routed
// by the dataset tag before the generic extension rules.
func (r *Registry) ForFile(filename string, datasetType models.DatasetType) (Parser, error) {
	ext := common.FileExt(filename)

	var format string
	switch {
	case datasetType == models.DatasetWind && ext == ".txt":
		format = "wind"
	case ext == ".dat" || ext == ".c" || ext == ".txt":
		format = "text"
	case ext == ".mat":
		format = "mat"
	case ext == ".csv":
		format = "csv"
	case ext == ".xlsx" || ext == ".xls":
		format = "excel"
	default:
		return nil, fmt.Errorf("unsupported tabular format %q", ext)
	}

	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("no parser registered for format %q", format)
	}
	return p, nil
}

// dedupeColumns makes column names unique by appending .1, .2, ... to
// repeats, the way spreadsheet tooling mangles duplicate headers.
func dedupeColumns(names []string) []string {
	seen := make(map[string]int, len(names))
	out := make([]string, len(names))
	for i, name := range names {
		n := seen[name]
		seen[name] = n + 1
		if n == 0 {
			out[i] = name
			continue
		}
		candidate := fmt.Sprintf("%s.%d", name, n)
		for seen[candidate] > 0 {
			n++
			candidate = fmt.Sprintf("%s.%d", name, n)
		}
		seen[candidate] = 1
		out[i] = candidate
	}
	return out
}

// synthesizeColumns returns column_1..column_n.
func synthesizeColumns(n int) []string {
	cols := make([]string, n)
	for i := range cols {
		cols[i] = fmt.Sprintf("column_%d", i+1)
	}
	return cols
}
