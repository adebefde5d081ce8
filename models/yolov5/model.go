// Package yolov5 - decodes and post-processes YOLOv5 head outputs.
package yolov5

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-neckhead/graph"
	"github.com/nvr-ai/go-neckhead/models/postprocess"
)

// Options is the options for the YOLOv5 post-processor.
type Options struct {
	// ObjectnessThreshold filters rows before class selection.
	ObjectnessThreshold float32 `json:"objectness" yaml:"objectness"`
	// NMS configures suppression of overlapping candidates.
	NMS *postprocess.NMSConfig `json:"nms" yaml:"nms"`
}

// YOLOv5 is the instance of the YOLOv5 post-processor.
type YOLOv5 struct {
	options Options
}

// Output is the post-processed result of one prediction tensor.
type Output struct {
	Detections []postprocess.Detection
	// Candidates is the number of rows that passed the objectness filter.
	Candidates int
}

// NewModel creates a new post-processor.
//
// Arguments:
//   - opts: Thresholds. A zero ObjectnessThreshold and nil NMS select the defaults.
//
// Returns:
//   - *YOLOv5: The post-processor, safe for concurrent use.
//   - error: If a threshold is outside [0, 1].
func NewModel(opts Options) (*YOLOv5, error) {
	if opts.ObjectnessThreshold == 0 {
		opts.ObjectnessThreshold = DefaultObjectnessThreshold
	}
	if opts.NMS == nil {
		opts.NMS = postprocess.DefaultNMSConfig()
	}
	if opts.ObjectnessThreshold < 0 || opts.ObjectnessThreshold > 1 {
		return nil, errors.Errorf("objectness threshold must be in [0, 1], got %v", opts.ObjectnessThreshold)
	}
	if opts.NMS.IoUThreshold < 0 || opts.NMS.IoUThreshold > 1 {
		return nil, errors.Errorf("iou threshold must be in [0, 1], got %v", opts.NMS.IoUThreshold)
	}
	return &YOLOv5{options: opts}, nil
}

// Options returns the options for the YOLOv5 post-processor.
func (m *YOLOv5) Options() Options {
	return m.options
}

// PostProcess decodes the prediction tensor, suppresses overlaps and labels the survivors.
//
// Arguments:
//   - raw: The final head output, [N, 5+C] after squeezing.
//   - resolve: Maps a class index to its label.
//
// Returns:
//   - *Output: Detections in descending score order.
//   - error: A *graph.ShapeMismatchError when raw has the wrong shape.
func (m *YOLOv5) PostProcess(raw graph.FeatureMap, resolve func(int) string) (*Output, error) {
	decoded, err := Decode(raw, m.options.ObjectnessThreshold)
	if err != nil {
		return nil, err
	}

	var keep []int
	if m.options.NMS.NumWorkers > 1 || m.options.NMS.ClassAware {
		keep = postprocess.ApplyNMS(decoded.Boxes, decoded.Scores, decoded.ClassIndices, m.options.NMS)
	} else {
		keep = postprocess.ApplyGreedyNMS(decoded.Boxes, decoded.Scores, m.options.NMS)
	}

	return &Output{
		Detections: postprocess.Assemble(decoded.Boxes, decoded.Scores, decoded.ClassIndices, keep, resolve),
		Candidates: decoded.Len(),
	}, nil
}
