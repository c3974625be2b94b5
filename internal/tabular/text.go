package tabular

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/ternarybob/volare/internal/columnar"
)

var (
	leadingJunkRe = regexp.MustCompile(`^[\s#$%&@!;:,._-]+`)
	numberTokenRe = regexp.MustCompile(`^[-+]?(?:\d+(?:\.\d*)?|\.\d+)(?:[eE][-+]?\d+)?$`)
)

// textParser handles whitespace/delimited TXT, DAT and C exports over an
// optional 1-based inclusive line range. The first selected line is the
// header iff it carries a non-numeric token.
type textParser struct{}

func (textParser) Format() string { return "text" }

func (textParser) Parse(ctx context.Context, path string, spec ParseSpec, sink columnar.FrameSink) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read text file: %w", err)
	}

	lines := splitLines(string(data))
	if len(lines) == 0 {
		return nil, fmt.Errorf("Selected file is empty")
	}

	total := len(lines)
	start, end := 1, total
	if spec.ParseRange != nil {
		start = spec.ParseRange.StartLine
		if spec.ParseRange.EndLine > 0 {
			end = spec.ParseRange.EndLine
		}
	}
	if start < 1 {
		start = 1
	}
	if start > total {
		start = total
	}
	if end < start {
		end = start
	}
	if end > total {
		end = total
	}

	selected := make([]string, 0, end-start+1)
	for _, ln := range lines[start-1 : end] {
		if strings.TrimSpace(ln) != "" {
			selected = append(selected, ln)
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("Selected range is empty")
	}

	delim := inferDelimiter(selected)
	headerPresent := lineHasStringTokens(selected[0], delim)

	dataLines := selected
	if headerPresent {
		dataLines = selected[1:]
	}

	rows := make([][]string, 0, len(dataLines))
	maxCols := 0
	for _, ln := range dataLines {
		cells := splitLine(ln, delim)
		if len(cells) == 0 {
			continue
		}
		rows = append(rows, cells)
		if len(cells) > maxCols {
			maxCols = len(cells)
		}
	}
	if len(rows) == 0 || maxCols == 0 {
		return nil, fmt.Errorf("No data rows parsed from selected range")
	}

	var headers []string
	if headerPresent {
		for _, h := range splitLine(selected[0], delim) {
			clean := strings.TrimSpace(stripLeadingJunk(h))
			if clean != "" {
				headers = append(headers, clean)
			}
		}
		for i := len(headers); i < maxCols; i++ {
			headers = append(headers, fmt.Sprintf("column_%d", i+1))
		}
		headers = headers[:maxCols]
	} else {
		headers = synthesizeColumns(maxCols)
	}
	headers = dedupeColumns(headers)

	profile := NewProfile(spec.sampleRows())
	emitter := newFrameEmitter(sink, profile, headers, spec.chunkRows())
	for ri, cells := range rows {
		if ri%8192 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row := make([]any, maxCols)
		for i := 0; i < maxCols && i < len(cells); i++ {
			row[i] = coerceCell(cells[i])
		}
		if err := emitter.Append(row); err != nil {
			return nil, err
		}
	}
	if err := emitter.Finish(); err != nil {
		return nil, err
	}
	return profile.Result(headers), nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, ln := range lines {
		lines[i] = strings.TrimSuffix(ln, "\r")
	}
	return lines
}

func stripLeadingJunk(s string) string {
	return leadingJunkRe.ReplaceAllString(s, "")
}

// inferDelimiter returns the first of , tab ; | present anywhere in the
// sample, or empty for whitespace splitting.
func inferDelimiter(lines []string) string {
	for _, delim := range []string{",", "\t", ";", "|"} {
		for _, ln := range lines {
			if strings.Contains(ln, delim) {
				return delim
			}
		}
	}
	return ""
}

// splitLine strips leading junk then tokenizes. Delimited cells are
// trimmed and empties dropped; otherwise runs of whitespace split.
func splitLine(line, delim string) []string {
	cleaned := strings.TrimSpace(stripLeadingJunk(line))
	if delim != "" {
		parts := strings.Split(cleaned, delim)
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				out = append(out, t)
			}
		}
		return out
	}
	return strings.Fields(cleaned)
}

// lineHasStringTokens reports whether any token is not a plain number.
func lineHasStringTokens(line, delim string) bool {
	tokens := splitLine(line, delim)
	if len(tokens) == 0 {
		return false
	}
	for _, tok := range tokens {
		if !numberTokenRe.MatchString(tok) {
			return true
		}
	}
	return false
}
