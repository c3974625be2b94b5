package viz

import (
	"context"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/volare/internal/columnar"
)

func rampFrame(t *testing.T, start, n int) *columnar.Frame {
	t.Helper()
	f := columnar.NewFrame([]string{"x", "y"})
	for i := start; i < start+n; i++ {
		x := float64(i)
		f.AppendRow([]any{x, x * 2})
	}
	return f
}

func TestSampleXYKeepsEverythingUnderBudget(t *testing.T) {
	src := newTestSource(t, nil, rampFrame(t, 0, 50))

	points, err := sampleXY(context.Background(), src, "x", "y", false, false, 100)
	require.NoError(t, err)

	require.Len(t, points, 50)
	assert.Equal(t, xyPoint{X: 0, Y: 0}, points[0])
	assert.Equal(t, xyPoint{X: 49, Y: 98}, points[49])
}

func TestSampleXYDownSamplesDeterministically(t *testing.T) {
	src := newTestSource(t, nil, rampFrame(t, 0, 100), rampFrame(t, 100, 100))

	first, err := sampleXY(context.Background(), src, "x", "y", false, false, 150)
	require.NoError(t, err)
	second, err := sampleXY(context.Background(), src, "x", "y", false, false, 150)
	require.NoError(t, err)

	require.Len(t, first, 150)
	assert.Equal(t, first, second)

	// The first chunk fits whole; the second is down-sampled in ascending
	// row order.
	for i := 0; i < 100; i++ {
		assert.Equal(t, float64(i), first[i].X)
	}
	tail := first[100:]
	assert.True(t, sort.SliceIsSorted(tail, func(i, j int) bool { return tail[i].X < tail[j].X }))
	seen := map[float64]bool{}
	for _, p := range tail {
		assert.GreaterOrEqual(t, p.X, 100.0)
		assert.False(t, seen[p.X], "duplicate sampled point %v", p.X)
		seen[p.X] = true
	}
}

func TestSampleXYStopsAtBudget(t *testing.T) {
	src := newTestSource(t, nil, rampFrame(t, 0, 100), rampFrame(t, 100, 100))

	points, err := sampleXY(context.Background(), src, "x", "y", false, false, 40)
	require.NoError(t, err)

	require.Len(t, points, 40)
	for _, p := range points {
		assert.Less(t, p.X, 100.0)
	}
}

func TestSampleXYLogScalesDropNonPositive(t *testing.T) {
	src := newTestSource(t, nil, xyFrame(t,
		[]any{-1.0, 5.0},
		[]any{0.0, 5.0},
		[]any{1.0, -5.0},
		[]any{2.0, 0.0},
		[]any{3.0, 4.0},
	))

	points, err := sampleXY(context.Background(), src, "x", "y", true, true, 10)
	require.NoError(t, err)

	require.Len(t, points, 1)
	assert.Equal(t, xyPoint{X: 3, Y: 4}, points[0])
}

func TestSampleXYCoercesStringsAndDropsUnusable(t *testing.T) {
	src := newTestSource(t, nil, xyFrame(t,
		[]any{1.0, "2.5"},
		[]any{2.0, "oops"},
		[]any{3.0, nil},
		[]any{4.0, math.Inf(1)},
		[]any{5.0, math.NaN()},
	))

	points, err := sampleXY(context.Background(), src, "x", "y", false, false, 10)
	require.NoError(t, err)

	require.Len(t, points, 2)
	assert.Equal(t, xyPoint{X: 1, Y: 2.5}, points[0])
	assert.Equal(t, 4.0, points[1].X)
	assert.True(t, math.IsInf(points[1].Y, 1))
}

func TestSampleXYZFiltersOnlyXAndY(t *testing.T) {
	f := columnar.NewFrame([]string{"x", "y", "z"})
	f.AppendRow([]any{1.0, 1.0, -50.0})
	f.AppendRow([]any{2.0, -1.0, 3.0})
	f.AppendRow([]any{3.0, 2.0, nil})
	src := newTestSource(t, nil, f)

	points, err := sampleXYZ(context.Background(), src, "x", "y", "z", false, true, 10)
	require.NoError(t, err)

	// Z has no axis scale, so a negative Z survives while a negative Y on
	// a log axis and a null Z drop their rows.
	require.Len(t, points, 1)
	assert.Equal(t, xyzPoint{X: 1, Y: 1, Z: -50}, points[0])
}

func TestSampleIndexes(t *testing.T) {
	all := sampleIndexes(5, 9)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, all)

	picked := sampleIndexes(1000, 100)
	again := sampleIndexes(1000, 100)
	assert.Equal(t, picked, again)

	require.Len(t, picked, 100)
	assert.True(t, sort.IntsAreSorted(picked))
	seen := map[int]bool{}
	for _, i := range picked {
		assert.GreaterOrEqual(t, i, 0)
		assert.Less(t, i, 1000)
		assert.False(t, seen[i], "duplicate index %d", i)
		seen[i] = true
	}
}
