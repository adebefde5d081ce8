package postprocess

import "github.com/nvr-ai/go-neckhead/images"

// Detection is one labeled box returned to clients.
type Detection struct {
	// Box is x1, y1, x2, y2 in the coordinate space of the raw tensor.
	Box [4]float32 `json:"box"`
	// Class is the resolved label.
	Class string `json:"class"`
	// Confidence is objectness times the best class score.
	Confidence float32 `json:"confidence"`
}

// Assemble builds the final detection list from the kept indices.
//
// Arguments:
//   - boxes, scores, classes: Row-aligned decoder output.
//   - keep: Indices selected by NMS, in selection order.
//   - resolve: Maps a class index to its label.
//
// Returns:
//   - []Detection: One entry per kept index in the same order. Never nil.
func Assemble(boxes []images.Rect, scores []float32, classes []int, keep []int, resolve func(int) string) []Detection {
	out := make([]Detection, 0, len(keep))
	for _, i := range keep {
		out = append(out, Detection{
			Box:        boxes[i].Array(),
			Class:      resolve(classes[i]),
			Confidence: scores[i],
		})
	}
	return out
}
