package viz

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/ternarybob/volare/internal/columnar"
)

// sampleSeed fixes the per-chunk down-sampling PRNG so repeated runs over
// the same source pick the same points.
const sampleSeed = 42

type xyPoint struct {
	X float64
	Y float64
}

type xyzPoint struct {
	X float64
	Y float64
	Z float64
}

// numericCell coerces a scanned cell to float64. Strings parse when they
// hold a number; NaN and nulls drop.
func numericCell(cell any) (float64, bool) {
	switch v := cell.(type) {
	case float64:
		if math.IsNaN(v) {
			return 0, false
		}
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// sampleXY streams (x, y) pairs up to the budget. Chunks that would
// overflow it are down-sampled uniformly without replacement, then the
// stream stops. Log-scaled axes drop non-positive values since those rows
// cannot be drawn.
func sampleXY(ctx context.Context, src *seriesSource, xCol, yCol string, logX, logY bool, budget int) ([]xyPoint, error) {
	var kept []xyPoint
	err := src.scan(ctx, []string{xCol, yCol}, nil, func(frame *columnar.Frame) error {
		if len(kept) >= budget {
			return nil
		}
		xi := frame.ColumnIndex(xCol)
		yi := frame.ColumnIndex(yCol)
		if xi < 0 || yi < 0 {
			return nil
		}
		var chunk []xyPoint
		for _, row := range frame.Rows {
			x, ok := numericCell(row[xi])
			if !ok {
				continue
			}
			y, ok := numericCell(row[yi])
			if !ok {
				continue
			}
			if logX && x <= 0 {
				continue
			}
			if logY && y <= 0 {
				continue
			}
			chunk = append(chunk, xyPoint{X: x, Y: y})
		}
		if len(chunk) == 0 {
			return nil
		}
		remaining := budget - len(kept)
		if len(chunk) > remaining {
			for _, i := range sampleIndexes(len(chunk), remaining) {
				kept = append(kept, chunk[i])
			}
			return nil
		}
		kept = append(kept, chunk...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return kept, nil
}

// sampleXYZ is sampleXY for three columns. Z never carries an axis scale,
// so only X and Y are positivity-filtered.
func sampleXYZ(ctx context.Context, src *seriesSource, xCol, yCol, zCol string, logX, logY bool, budget int) ([]xyzPoint, error) {
	var kept []xyzPoint
	err := src.scan(ctx, []string{xCol, yCol, zCol}, nil, func(frame *columnar.Frame) error {
		if len(kept) >= budget {
			return nil
		}
		xi := frame.ColumnIndex(xCol)
		yi := frame.ColumnIndex(yCol)
		zi := frame.ColumnIndex(zCol)
		if xi < 0 || yi < 0 || zi < 0 {
			return nil
		}
		var chunk []xyzPoint
		for _, row := range frame.Rows {
			x, ok := numericCell(row[xi])
			if !ok {
				continue
			}
			y, ok := numericCell(row[yi])
			if !ok {
				continue
			}
			z, ok := numericCell(row[zi])
			if !ok {
				continue
			}
			if logX && x <= 0 {
				continue
			}
			if logY && y <= 0 {
				continue
			}
			chunk = append(chunk, xyzPoint{X: x, Y: y, Z: z})
		}
		if len(chunk) == 0 {
			return nil
		}
		remaining := budget - len(kept)
		if len(chunk) > remaining {
			for _, i := range sampleIndexes(len(chunk), remaining) {
				kept = append(kept, chunk[i])
			}
			return nil
		}
		kept = append(kept, chunk...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return kept, nil
}

// sampleIndexes picks n of m indexes uniformly without replacement, in
// ascending order. The PRNG is reseeded per call so every chunk of a scan
// samples identically across runs.
func sampleIndexes(m, n int) []int {
	if n >= m {
		out := make([]int, m)
		for i := range out {
			out[i] = i
		}
		return out
	}
	rng := rand.New(rand.NewSource(sampleSeed))
	out := rng.Perm(m)[:n]
	sort.Ints(out)
	return out
}
