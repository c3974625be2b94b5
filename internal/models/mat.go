package models

// MatKind classifies a variable found while indexing a MAT file.
type MatKind string

const (
	MatKindNumericArray MatKind = "numeric_array"
	MatKindStruct       MatKind = "struct"
	MatKindCell         MatKind = "cell"
	MatKindUnsupported  MatKind = "unsupported"
)

// MatVariableIndex describes one variable reachable in a MAT file, including
// nested struct fields and cell elements addressed by dotted or bracketed
// path names.
type MatVariableIndex struct {
	Name            string              `bson:"name" json:"name"`
	Shape           []int               `bson:"shape" json:"shape"`
	NDim            int                 `bson:"ndim" json:"ndim"`
	DType           string              `bson:"dtype" json:"dtype"`
	Kind            MatKind             `bson:"kind" json:"kind"`
	CoordsGuess     []*string           `bson:"coords_guess,omitempty" json:"coords_guess,omitempty"`
	CoordCandidates map[string][]string `bson:"coord_candidates,omitempty" json:"coord_candidates,omitempty"`
}

// MatFileIndex is the variable index of a MAT file. It is cached on the
// ingestion job document so repeated slice requests skip re-reading the
// container, and its coordinate guesses steer axis labeling.
type MatFileIndex struct {
	Version     string               `bson:"version" json:"version"`
	Variables   []MatVariableIndex   `bson:"variables" json:"variables"`
	CoordsGuess map[string][]*string `bson:"coords_guess" json:"coords_guess"`
}

// NumericVariables returns the indexed variables usable as slice sources.
func (ix *MatFileIndex) NumericVariables() []MatVariableIndex {
	if ix == nil {
		return nil
	}
	out := make([]MatVariableIndex, 0, len(ix.Variables))
	for _, v := range ix.Variables {
		if v.Kind == MatKindNumericArray {
			out = append(out, v)
		}
	}
	return out
}
