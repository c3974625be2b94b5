package tabular

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ternarybob/volare/internal/columnar"
	"github.com/ternarybob/volare/internal/models"
)

// excelParser reads the selected worksheet in one shot. Columns with an
// empty or "unnamed" header holding only null/whitespace cells are dropped,
// as are fully-empty columns, before the header mode is applied.
type excelParser struct{}

func (excelParser) Format() string { return "excel" }

func (excelParser) Parse(ctx context.Context, path string, spec ParseSpec, sink columnar.FrameSink) (*Result, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheet := spec.SheetName
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("workbook has no worksheets")
		}
		sheet = sheets[0]
	} else {
		idx, err := f.GetSheetIndex(sheet)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve worksheet: %w", err)
		}
		if idx == -1 {
			return nil, fmt.Errorf("worksheet %q not found", sheet)
		}
	}

	raw, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read worksheet %q: %w", sheet, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("worksheet %q is empty", sheet)
	}

	headerFromFile := spec.HeaderMode != models.HeaderNone && spec.HeaderMode != models.HeaderCustom

	var headerCells []string
	dataRows := raw
	if headerFromFile {
		headerCells = raw[0]
		dataRows = raw[1:]
	}

	width := len(headerCells)
	for _, row := range dataRows {
		if len(row) > width {
			width = len(row)
		}
	}
	if width == 0 {
		return nil, fmt.Errorf("worksheet %q is empty", sheet)
	}

	names := make([]string, width)
	for i := 0; i < width; i++ {
		if headerFromFile {
			if i < len(headerCells) && strings.TrimSpace(headerCells[i]) != "" {
				names[i] = headerCells[i]
			} else {
				names[i] = fmt.Sprintf("unnamed_%d", i)
			}
		}
	}

	// Coerce the whole sheet; worksheet reads trim trailing cells per row,
	// so short rows are padded with null.
	table := make([][]any, len(dataRows))
	for ri, row := range dataRows {
		cells := make([]any, width)
		for i := 0; i < width; i++ {
			if i < len(row) {
				cells[i] = coerceCell(row[i])
			}
		}
		table[ri] = cells
	}

	keep := keepColumns(names, table, headerFromFile)
	if len(keep) == 0 {
		return nil, fmt.Errorf("worksheet %q has no usable columns", sheet)
	}

	var columns []string
	switch spec.HeaderMode {
	case models.HeaderCustom:
		if len(spec.CustomHeaders) == 0 {
			return nil, fmt.Errorf("custom_headers required when header_mode=custom")
		}
		if len(spec.CustomHeaders) != len(keep) {
			return nil, fmt.Errorf("Number of custom headers does not match detected columns")
		}
		columns = dedupeColumns(spec.CustomHeaders)
	case models.HeaderNone:
		columns = synthesizeColumns(len(keep))
	default:
		kept := make([]string, len(keep))
		for i, ci := range keep {
			kept[i] = names[ci]
		}
		columns = dedupeColumns(kept)
	}

	profile := NewProfile(spec.sampleRows())
	emitter := newFrameEmitter(sink, profile, columns, spec.chunkRows())
	for ri, row := range table {
		if ri%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		out := make([]any, len(keep))
		for i, ci := range keep {
			out[i] = row[ci]
		}
		if err := emitter.Append(out); err != nil {
			return nil, err
		}
	}
	if err := emitter.Finish(); err != nil {
		return nil, err
	}
	return profile.Result(columns), nil
}

// keepColumns applies the cleanup rules: drop unnamed columns whose data is
// entirely null/whitespace, then drop fully-null columns.
func keepColumns(names []string, table [][]any, named bool) []int {
	keep := make([]int, 0, len(names))
	for ci := range names {
		allNull := true
		allBlank := true
		for _, row := range table {
			switch v := row[ci].(type) {
			case nil:
			case string:
				allNull = false
				if strings.TrimSpace(v) != "" {
					allBlank = false
				}
			default:
				allNull = false
				allBlank = false
			}
			if !allNull && !allBlank {
				break
			}
		}

		if allNull {
			continue
		}
		if named {
			name := strings.TrimSpace(names[ci])
			unnamed := name == "" || strings.HasPrefix(strings.ToLower(name), "unnamed")
			if unnamed && allBlank {
				continue
			}
		}
		keep = append(keep, ci)
	}
	return keep
}
