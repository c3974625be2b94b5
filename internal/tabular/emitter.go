package tabular

import "github.com/ternarybob/volare/internal/columnar"

// frameEmitter batches rows into fixed-size frames, feeding both the sink
// and the profile. Finish always emits at least one frame so the sink
// learns the schema even for empty selections.
type frameEmitter struct {
	sink    columnar.FrameSink
	profile *Profile
	columns []string
	limit   int
	frame   *columnar.Frame
	wrote   bool
}

func newFrameEmitter(sink columnar.FrameSink, profile *Profile, columns []string, limit int) *frameEmitter {
	return &frameEmitter{
		sink:    sink,
		profile: profile,
		columns: columns,
		limit:   limit,
		frame:   columnar.NewFrame(columns),
	}
}

func (e *frameEmitter) Append(row []any) error {
	e.frame.AppendRow(row)
	if e.frame.Len() >= e.limit {
		return e.flush()
	}
	return nil
}

func (e *frameEmitter) Finish() error {
	if e.frame.Len() > 0 || !e.wrote {
		return e.flush()
	}
	return nil
}

func (e *frameEmitter) flush() error {
	e.profile.Observe(e.frame)
	if err := e.sink.WriteFrame(e.frame); err != nil {
		return err
	}
	e.wrote = true
	e.frame = columnar.NewFrame(e.columns)
	return nil
}
