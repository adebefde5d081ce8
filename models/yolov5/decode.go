package yolov5

import (
	"github.com/nvr-ai/go-neckhead/graph"
	"github.com/nvr-ai/go-neckhead/images"
)

// DefaultObjectnessThreshold is the objectness a row must exceed to become a candidate.
const DefaultObjectnessThreshold float32 = 0.20

// boxColumns is cx, cy, w, h and objectness; class scores follow.
const boxColumns = 5

// Decoded holds the candidates that survived the objectness filter. The three slices are
// row-aligned.
type Decoded struct {
	Boxes        []images.Rect
	Scores       []float32
	ClassIndices []int
}

// Len returns the number of candidates.
func (d *Decoded) Len() int {
	return len(d.Boxes)
}

// Decode turns the raw [N, 5+C] prediction tensor into scored corner-form boxes.
//
// Leading unit dimensions are squeezed first, so [1, N, 5+C] is accepted. Rows whose
// objectness is not strictly above threshold are dropped. The class with the highest score
// wins, the lowest index on ties, and the candidate score is objectness times that class
// score. Coordinates are not clamped.
//
// Arguments:
//   - raw: The final head output.
//   - threshold: The objectness threshold.
//
// Returns:
//   - *Decoded: The candidates in row order. Empty, not nil, when nothing passes.
//   - error: A *graph.ShapeMismatchError when the tensor is not [N, 5+C] with C >= 1.
func Decode(raw graph.FeatureMap, threshold float32) (*Decoded, error) {
	if raw == nil {
		return nil, graph.NewShapeMismatch("prediction tensor is nil")
	}
	dims := graph.SqueezeLeading(raw, 2)
	if len(dims) != 2 {
		return nil, graph.NewShapeMismatch("prediction tensor must be [N, 5+C] after squeezing, got %v", raw.Shape())
	}
	if dims[1] < boxColumns+1 {
		return nil, graph.NewShapeMismatch("prediction tensor needs at least %d columns, got %d", boxColumns+1, dims[1])
	}

	if dims[0] == 0 {
		return DecodeRows(nil, dims[1], threshold), nil
	}

	data, err := graph.Float32s(raw)
	if err != nil {
		return nil, err
	}
	return DecodeRows(data, dims[1], threshold), nil
}

// DecodeRows is Decode over a flat row-major buffer of cols-wide rows.
func DecodeRows(data []float32, cols int, threshold float32) *Decoded {
	rows := len(data) / cols
	out := &Decoded{
		Boxes:        make([]images.Rect, 0),
		Scores:       make([]float32, 0),
		ClassIndices: make([]int, 0),
	}

	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		obj := row[4]
		if !(obj > threshold) {
			continue
		}

		classID := 0
		best := row[boxColumns]
		for j := boxColumns + 1; j < cols; j++ {
			if row[j] > best {
				best = row[j]
				classID = j - boxColumns
			}
		}

		out.Boxes = append(out.Boxes, images.FromCenter(row[0], row[1], row[2], row[3]))
		out.Scores = append(out.Scores, obj*best)
		out.ClassIndices = append(out.ClassIndices, classID)
	}

	return out
}
