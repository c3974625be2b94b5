package tabular

import (
	"context"

	"github.com/ternarybob/volare/internal/columnar"
	"github.com/ternarybob/volare/internal/mat"
)

// matParser materializes the configured slice of a MAT container into a
// long-form table: one index column per kept dimension plus a value
// column. Variable selection and dimension reduction live in the mat
// package; this parser streams the result.
type matParser struct{}

func (matParser) Format() string { return "mat" }

func (matParser) Parse(ctx context.Context, path string, spec ParseSpec, sink columnar.FrameSink) (*Result, error) {
	f, err := mat.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tbl, err := f.Materialize(spec.MatConfig, spec.MaxMatCells)
	if err != nil {
		return nil, err
	}

	profile := NewProfile(spec.sampleRows())
	emitter := newFrameEmitter(sink, profile, tbl.Columns, spec.chunkRows())
	for i := 0; i < tbl.Len(); i++ {
		if i%8192 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if err := emitter.Append(tbl.Row(i)); err != nil {
			return nil, err
		}
	}
	if err := emitter.Finish(); err != nil {
		return nil, err
	}

	res := profile.Result(tbl.Columns)
	res.Mat = tbl.Meta
	return res, nil
}
