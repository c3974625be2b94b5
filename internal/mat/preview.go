package mat

import (
	"math"

	"github.com/ternarybob/volare/internal/models"
)

// DefaultPreviewValues is how many flattened sample values a preview
// returns when the request does not say.
const DefaultPreviewValues = 24

// Preview summarizes one numeric variable for the picker UI.
type Preview struct {
	Variable string         `json:"variable"`
	Kind     models.MatKind `json:"kind"`
	Shape    []int          `json:"shape"`
	NDim     int            `json:"ndim"`
	DType    string         `json:"dtype"`
	Summary  PreviewSummary `json:"summary"`
}

// PreviewSummary holds the leading-corner sample. Values are numbers or
// null for NaN; the bounds are omitted when no finite value was sampled.
type PreviewSummary struct {
	SampleShape  []int    `json:"sample_shape"`
	SampleValues []any    `json:"sample_values"`
	SampleMin    *float64 `json:"sample_min,omitempty"`
	SampleMax    *float64 `json:"sample_max,omitempty"`
}

// Preview loads a numeric variable and samples its leading corner, at
// most three positions per dimension.
func (f *File) Preview(varName string, maxValues int) (*Preview, error) {
	resolved, arr, err := f.numericArray(varName)
	if err != nil {
		return nil, err
	}

	sampleShape := make([]int, arr.NDim())
	for i, d := range arr.Shape {
		if d > 3 {
			d = 3
		}
		sampleShape[i] = d
	}
	corner := cornerSample(arr, sampleShape)

	limit := maxValues
	if limit < 1 {
		limit = 1
	}
	if len(corner) > limit {
		corner = corner[:limit]
	}

	values := make([]any, 0, len(corner))
	var minV, maxV *float64
	for _, v := range corner {
		if math.IsNaN(v) {
			values = append(values, nil)
			continue
		}
		values = append(values, v)
		if minV == nil || v < *minV {
			minV = ptrFloat(v)
		}
		if maxV == nil || v > *maxV {
			maxV = ptrFloat(v)
		}
	}

	shape := arr.Shape
	if shape == nil {
		shape = []int{}
	}
	return &Preview{
		Variable: resolved,
		Kind:     models.MatKindNumericArray,
		Shape:    shape,
		NDim:     arr.NDim(),
		DType:    arr.DType,
		Summary: PreviewSummary{
			SampleShape:  sampleShape,
			SampleValues: values,
			SampleMin:    minV,
			SampleMax:    maxV,
		},
	}, nil
}

func ptrFloat(v float64) *float64 { return &v }

// cornerSample gathers the leading corner of an array in row-major order.
func cornerSample(arr *Array, sampleShape []int) []float64 {
	n := dimProduct(sampleShape)
	if n == 0 || len(arr.Data) == 0 {
		return nil
	}
	if len(sampleShape) == 0 {
		return arr.Data[:1]
	}
	strides := make([]int, arr.NDim())
	s := 1
	for i := arr.NDim() - 1; i >= 0; i-- {
		strides[i] = s
		s *= arr.Shape[i]
	}
	out := make([]float64, 0, n)
	idx := make([]int, len(sampleShape))
	for {
		flat := 0
		for d, v := range idx {
			flat += v * strides[d]
		}
		if flat < len(arr.Data) {
			out = append(out, arr.Data[flat])
		}
		d := len(idx) - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < sampleShape[d] {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			break
		}
	}
	return out
}
