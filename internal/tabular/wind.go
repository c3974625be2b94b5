package tabular

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/ternarybob/volare/internal/columnar"
	"github.com/ternarybob/volare/internal/models"
)

var numberRe = regexp.MustCompile(`[-+]?\d*\.?\d+(?:[eE][-+]?\d+)?`)

// windParser handles wind-tunnel TXT exports. Everything before the %Dyn
// marker is ignored; header tokens accumulate comma-split (with '%'
// stripped) until the first line containing a number, which starts the
// data section. Data rows are the extracted numbers aligned to the header
// arity by truncation or null padding.
type windParser struct{}

func (windParser) Format() string { return "wind" }

func (windParser) Parse(ctx context.Context, path string, spec ParseSpec, sink columnar.FrameSink) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wind txt file: %w", err)
	}
	lines := splitLines(string(data))

	startIdx := -1
	for i, ln := range lines {
		if strings.Contains(ln, "%Dyn") {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil, fmt.Errorf("Wind TXT: '%%Dyn' marker not found")
	}

	var headerTokens []string
	dataStart := -1
	for i := startIdx; i < len(lines); i++ {
		ln := strings.TrimSpace(lines[i])
		if ln == "" {
			continue
		}
		if numberRe.MatchString(ln) {
			dataStart = i
			break
		}
		for _, tok := range strings.Split(ln, ",") {
			clean := strings.TrimLeft(strings.TrimSpace(tok), "%")
			if clean != "" {
				headerTokens = append(headerTokens, clean)
			}
		}
	}
	if dataStart == -1 {
		return nil, fmt.Errorf("Wind TXT: no numeric data found after header")
	}

	var columns []string
	switch spec.HeaderMode {
	case models.HeaderCustom:
		if len(spec.CustomHeaders) == 0 {
			return nil, fmt.Errorf("custom_headers required when header_mode=custom")
		}
		columns = spec.CustomHeaders
	case models.HeaderNone:
		n := len(headerTokens)
		if n == 0 {
			n = len(extractNumbers(lines[dataStart]))
		}
		columns = synthesizeColumns(n)
	default:
		if len(headerTokens) > 0 {
			columns = headerTokens
		} else {
			columns = synthesizeColumns(len(extractNumbers(lines[dataStart])))
		}
	}
	columns = dedupeColumns(columns)

	profile := NewProfile(spec.sampleRows())
	emitter := newFrameEmitter(sink, profile, columns, spec.chunkRows())
	parsed := 0
	for i := dataStart; i < len(lines); i++ {
		if i%8192 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		ln := strings.TrimSpace(lines[i])
		if ln == "" {
			continue
		}
		nums := extractNumbers(ln)
		if len(nums) == 0 {
			// Text line inside the data section.
			continue
		}

		row := make([]any, len(columns))
		for ci := 0; ci < len(columns) && ci < len(nums); ci++ {
			row[ci] = nums[ci]
		}
		if err := emitter.Append(row); err != nil {
			return nil, err
		}
		parsed++
	}
	if parsed == 0 {
		return nil, fmt.Errorf("Wind TXT: no numeric rows parsed")
	}

	if err := emitter.Finish(); err != nil {
		return nil, err
	}
	return profile.Result(columns), nil
}

// extractNumbers pulls every signed decimal or scientific literal from the
// line.
func extractNumbers(line string) []float64 {
	matches := numberRe.FindAllString(line, -1)
	out := make([]float64, 0, len(matches))
	for _, m := range matches {
		if f, err := strconv.ParseFloat(m, 64); err == nil {
			out = append(out, f)
		}
	}
	return out
}
