// Package derived validates and evaluates the derived-column sub-language:
// infix arithmetic over bracketed column references with a closed set of
// math functions. Specs evaluate in list order, so later columns may
// reference earlier ones.
package derived

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ternarybob/volare/internal/columnar"
	"github.com/ternarybob/volare/internal/models"
)

// MaxExpressionLen bounds a single derived expression.
const MaxExpressionLen = 500

var colRefRe = regexp.MustCompile(`\[([^\[\]]+)\]`)

// ExtractRefs returns the trimmed column references of an expression in
// order of appearance.
func ExtractRefs(expression string) []string {
	var refs []string
	for _, m := range colRefRe.FindAllStringSubmatch(expression, -1) {
		if name := strings.TrimSpace(m[1]); name != "" {
			refs = append(refs, name)
		}
	}
	return refs
}

// Normalize trims the spec list, drops fully-empty entries, and rejects
// half-empty entries and duplicate names.
func Normalize(items []models.DerivedSpec) ([]models.DerivedSpec, error) {
	normalized := make([]models.DerivedSpec, 0, len(items))
	for _, item := range items {
		name := strings.TrimSpace(item.Name)
		expression := strings.TrimSpace(item.Expression)
		if name == "" && expression == "" {
			continue
		}
		if name == "" || expression == "" {
			return nil, fmt.Errorf("Each derived column requires both name and expression")
		}
		normalized = append(normalized, models.DerivedSpec{Name: name, Expression: expression})
	}

	seen := make(map[string]bool, len(normalized))
	for _, spec := range normalized {
		if seen[spec.Name] {
			return nil, fmt.Errorf("Duplicate derived column name: %s", spec.Name)
		}
		seen[spec.Name] = true
	}
	return normalized, nil
}

// Validate checks a normalized spec list against the base schema: no name
// collisions, bounded expression length, parseable expressions, and refs
// that resolve to base columns or previously defined derived names.
func Validate(baseColumns []string, specs []models.DerivedSpec) error {
	names := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if names[spec.Name] {
			return fmt.Errorf("Duplicate derived column names are not allowed")
		}
		names[spec.Name] = true
	}

	baseSet := make(map[string]bool, len(baseColumns))
	for _, c := range baseColumns {
		baseSet[c] = true
	}
	for _, spec := range specs {
		if baseSet[spec.Name] {
			return fmt.Errorf("Derived column '%s' already exists in dataset", spec.Name)
		}
		if len(spec.Expression) > MaxExpressionLen {
			return fmt.Errorf("Expression for '%s' is too long (max %d chars)", spec.Name, MaxExpressionLen)
		}
		if _, err := parseExpression(spec.Expression); err != nil {
			return fmt.Errorf("Invalid expression for '%s': %v", spec.Name, err)
		}
	}

	available := make(map[string]bool, len(baseColumns)+len(specs))
	for _, c := range baseColumns {
		available[c] = true
	}
	for _, spec := range specs {
		refs := ExtractRefs(spec.Expression)
		for _, ref := range refs {
			if !available[ref] && !names[ref] {
				return fmt.Errorf("Unknown column reference '[%s]' in expression for '%s'", ref, spec.Name)
			}
		}
		for _, ref := range refs {
			if names[ref] && !available[ref] {
				return fmt.Errorf("Derived column '%s' references '[%s]' before it is defined", spec.Name, ref)
			}
		}
		available[spec.Name] = true
	}
	return nil
}

// Plan is the minimal work needed to serve a target column set: the
// transitive closure of required specs in definition order plus the base
// columns that must be read.
type Plan struct {
	Specs        []models.DerivedSpec
	ReadColumns  []string
	DerivedNames []string
}

// BuildPlan resolves targets against the base schema and the derived list.
// Targets that are neither base columns nor derived names are dropped.
func BuildPlan(baseColumns []string, specs []models.DerivedSpec, targetColumns []string) (*Plan, error) {
	targets := make([]string, 0, len(targetColumns))
	for _, c := range targetColumns {
		if c != "" {
			targets = append(targets, c)
		}
	}

	normalized, err := Normalize(specs)
	if err != nil {
		return nil, err
	}

	baseSet := make(map[string]bool, len(baseColumns))
	for _, c := range baseColumns {
		baseSet[c] = true
	}

	if len(normalized) == 0 {
		read := make([]string, 0, len(targets))
		for _, c := range targets {
			if baseSet[c] {
				read = append(read, c)
			}
		}
		return &Plan{ReadColumns: read}, nil
	}

	if err := Validate(baseColumns, normalized); err != nil {
		return nil, err
	}

	byName := make(map[string]models.DerivedSpec, len(normalized))
	for _, spec := range normalized {
		byName[spec.Name] = spec
	}

	needed := make(map[string]bool)
	var visit func(col string)
	visit = func(col string) {
		if needed[col] {
			return
		}
		spec, ok := byName[col]
		if !ok {
			return
		}
		needed[col] = true
		for _, ref := range ExtractRefs(spec.Expression) {
			if _, isSpec := byName[ref]; isSpec {
				visit(ref)
			}
		}
	}
	for _, tgt := range targets {
		visit(tgt)
	}

	required := make([]models.DerivedSpec, 0, len(normalized))
	derivedNames := make([]string, 0, len(normalized))
	derivedSet := make(map[string]bool)
	for _, spec := range normalized {
		if needed[spec.Name] {
			required = append(required, spec)
			derivedNames = append(derivedNames, spec.Name)
			derivedSet[spec.Name] = true
		}
	}

	readSet := make(map[string]bool)
	for _, tgt := range targets {
		if baseSet[tgt] && !derivedSet[tgt] {
			readSet[tgt] = true
		}
	}
	for _, spec := range required {
		for _, ref := range ExtractRefs(spec.Expression) {
			if !derivedSet[ref] {
				readSet[ref] = true
			}
		}
	}
	read := make([]string, 0, len(readSet))
	for _, c := range baseColumns {
		if readSet[c] {
			read = append(read, c)
		}
	}

	return &Plan{Specs: required, ReadColumns: read, DerivedNames: derivedNames}, nil
}

// Apply extends one frame with the derived columns. Each spec evaluates
// over a numeric view of the columns seen so far; infinities become null
// so downstream stats and charts never see them.
func Apply(frame *columnar.Frame, specs []models.DerivedSpec) (*columnar.Frame, error) {
	normalized, err := Normalize(specs)
	if err != nil {
		return nil, err
	}
	if len(normalized) == 0 {
		return frame, nil
	}
	if err := Validate(frame.Columns, normalized); err != nil {
		return nil, err
	}

	env := numericSeries(frame)
	rows := len(frame.Rows)
	outCols := append([]string(nil), frame.Columns...)
	series := make([][]float64, 0, len(normalized))
	for _, spec := range normalized {
		node, err := parseExpression(spec.Expression)
		if err != nil {
			return nil, fmt.Errorf("Failed to evaluate '%s': %v", spec.Name, err)
		}
		col := make([]float64, rows)
		for ri := 0; ri < rows; ri++ {
			v := evalNode(node, env, ri)
			if math.IsInf(v, 0) {
				v = math.NaN()
			}
			col[ri] = v
		}
		env[spec.Name] = col
		series = append(series, col)
		outCols = append(outCols, spec.Name)
	}

	out := columnar.NewFrame(outCols)
	for ri, row := range frame.Rows {
		cells := make([]any, 0, len(outCols))
		cells = append(cells, row...)
		for _, col := range series {
			if math.IsNaN(col[ri]) {
				cells = append(cells, nil)
			} else {
				cells = append(cells, col[ri])
			}
		}
		out.AppendRow(cells)
	}
	return out, nil
}

// numericSeries coerces every column to float64, with NaN for null and
// non-numeric cells.
func numericSeries(frame *columnar.Frame) map[string][]float64 {
	env := make(map[string][]float64, len(frame.Columns))
	for ci, col := range frame.Columns {
		s := make([]float64, len(frame.Rows))
		for ri, row := range frame.Rows {
			s[ri] = numericCell(row[ci])
		}
		env[col] = s
	}
	return env
}

func numericCell(cell any) float64 {
	switch v := cell.(type) {
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
		return math.NaN()
	default:
		return math.NaN()
	}
}
