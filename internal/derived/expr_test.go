package derived

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalExpr(t *testing.T, input string, env map[string][]float64) float64 {
	t.Helper()
	node, err := parseExpression(input)
	require.NoError(t, err)
	return evalNode(node, env, 0)
}

func TestParsePrecedence(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"10 - 2 - 3", 5},
		{"12 / 3 / 2", 2},
		{"-2 * 3", -6},
		{"2 - -3", 5},
		{"--4", 4},
		{"1.5e2 + .5", 150.5},
		{"0.5 * 4", 2},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, evalExpr(t, tc.expr, nil), tc.expr)
	}
}

func TestParseRefsAndCalls(t *testing.T) {
	env := map[string][]float64{
		"a":   {3},
		"b":   {4},
		"x y": {2},
	}
	assert.Equal(t, 7.0, evalExpr(t, "[a]+[b]", env))
	assert.Equal(t, 5.0, evalExpr(t, "sqrt(([a]*[a])+([b]*[b]))", env))
	assert.Equal(t, 2.0, evalExpr(t, "[ x y ]", env))
	assert.Equal(t, 1.0, evalExpr(t, "abs(-1)", env))
	assert.InDelta(t, 2.0, evalExpr(t, "log10([a]+97)", env), 1e-12)
}

func TestEvalCarriesNaN(t *testing.T) {
	env := map[string][]float64{"a": {math.NaN()}}
	assert.True(t, math.IsNaN(evalExpr(t, "[a]+1", env)))
	assert.True(t, math.IsNaN(evalExpr(t, "sqrt(-1)", env)))
	assert.True(t, math.IsNaN(evalExpr(t, "0/0", env)))
	assert.True(t, math.IsInf(evalExpr(t, "1/0", env), 1))
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		expr string
		msg  string
	}{
		{"", "unexpected end of expression"},
		{"1 +", "unexpected end of expression"},
		{"foo(1)", `unknown function "foo"`},
		{"sqrt 4", `expected '(' after function "sqrt"`},
		{"sqrt(1, 2)", `function "sqrt" expects exactly one argument`},
		{"(1 + 2", "missing closing parenthesis"},
		{"[a", "unclosed column reference"},
		{"[ ]", "empty column reference"},
		{"1 ^ 2", `unexpected character "^" in expression`},
		{"1 2", `unexpected "2" in expression`},
	}
	for _, tc := range cases {
		_, err := parseExpression(tc.expr)
		require.EqualError(t, err, tc.msg, tc.expr)
	}
}
