package tabular

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ternarybob/volare/internal/columnar"
	"github.com/ternarybob/volare/internal/models"
)

// csvParser chunk-scans comma-separated files. The schema comes from the
// first chunk; later records longer than it fail the parse, shorter ones
// are padded with null.
type csvParser struct{}

func (csvParser) Format() string { return "csv" }

func (csvParser) Parse(ctx context.Context, path string, spec ParseSpec, sink columnar.FrameSink) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	first, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("No columns to parse from file")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	first[0] = strings.TrimPrefix(first[0], "\ufeff")

	var columns []string
	var firstData []string
	switch spec.HeaderMode {
	case models.HeaderCustom:
		if len(spec.CustomHeaders) == 0 {
			return nil, fmt.Errorf("custom_headers required when header_mode=custom")
		}
		if len(spec.CustomHeaders) != len(first) {
			return nil, fmt.Errorf("Number of custom headers does not match detected columns")
		}
		columns = dedupeColumns(spec.CustomHeaders)
		firstData = first
	case models.HeaderNone:
		columns = synthesizeColumns(len(first))
		firstData = first
	default:
		columns = dedupeColumns(first)
	}

	profile := NewProfile(spec.sampleRows())
	emitter := newFrameEmitter(sink, profile, columns, spec.chunkRows())

	line := 1
	appendRecord := func(rec []string) error {
		if len(rec) > len(columns) {
			return fmt.Errorf("record on line %d has %d fields, expected %d", line, len(rec), len(columns))
		}
		row := make([]any, len(columns))
		for i := range columns {
			if i < len(rec) {
				row[i] = coerceCell(rec[i])
			}
		}
		return emitter.Append(row)
	}

	if firstData != nil {
		if err := appendRecord(firstData); err != nil {
			return nil, err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		line++
		if err := appendRecord(rec); err != nil {
			return nil, err
		}
	}

	if err := emitter.Finish(); err != nil {
		return nil, err
	}
	return profile.Result(columns), nil
}
