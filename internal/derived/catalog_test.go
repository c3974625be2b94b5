package derived

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildExpression(t *testing.T) {
	expr, err := BuildExpression("mag_2d", []string{"vx", "vy"})
	require.NoError(t, err)
	assert.Equal(t, "sqrt(([vx] * [vx]) + ([vy] * [vy]))", expr)

	_, err = BuildExpression("nope", nil)
	require.EqualError(t, err, "Unknown formula template: nope")

	_, err = BuildExpression("mag_2d", []string{"vx"})
	require.EqualError(t, err, "Template 'mag_2d' expects 2 input columns")

	_, err = BuildExpression("mag_2d", []string{"vx", " "})
	require.EqualError(t, err, "Input 'b' is required")
}

func TestCatalogTemplatesProduceValidExpressions(t *testing.T) {
	seen := make(map[string]bool)
	for _, category := range Catalog {
		for _, tpl := range category.Templates {
			require.False(t, seen[tpl.Key], "duplicate template key %s", tpl.Key)
			seen[tpl.Key] = true

			cols := make([]string, len(tpl.Inputs))
			for i := range cols {
				cols[i] = fmt.Sprintf("col%d", i)
			}
			expr, err := BuildExpression(tpl.Key, cols)
			require.NoError(t, err, tpl.Key)
			_, err = parseExpression(expr)
			require.NoError(t, err, tpl.Key)
		}
	}
}
