// Package graph - Executes the post-backbone layers of a split detection network.
//
// A Graph is an arena: an ordered slice of LayerDescriptor values plus an index-addressed
// OutputBuffer. Descriptors reference earlier buffer positions by index, never by pointer, so
// the whole graph can be shared read-only between concurrent requests while every request
// owns its own buffer.
package graph

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

// FeatureMap is one intermediate network output. Transforms never mutate the maps they
// receive; every layer produces a fresh tensor.
type FeatureMap = *tensor.Dense

// Transform is the computation owned by a layer.
//
// Single-input layers receive a one element slice. A transform may return more than one
// tensor (a composite result); the descriptor decides whether that is allowed.
type Transform interface {
	Forward(inputs []FeatureMap) ([]FeatureMap, error)
}

// TransformFunc adapts a plain function to the Transform interface.
type TransformFunc func(inputs []FeatureMap) ([]FeatureMap, error)

// Forward calls f(inputs).
func (f TransformFunc) Forward(inputs []FeatureMap) ([]FeatureMap, error) {
	return f(inputs)
}

// LayerDescriptor is one node of the head graph.
type LayerDescriptor struct {
	// Index is the buffer position this layer writes to.
	Index int
	// Name is the module name, for logs only.
	Name string
	// From selects the inputs.
	From InputRef
	// Transform computes the output. Shared by all requests, never copied.
	Transform Transform
	// Unwrap marks a composite-result layer: its first output is the canonical one.
	Unwrap bool
}

// Graph is a loaded head: the number of backbone outputs it expects followed by the ordered
// layers that consume them.
type Graph struct {
	// Backbone is the number of buffer positions filled from the uploaded payload.
	Backbone int
	// Layers run in order, starting at buffer position Backbone.
	Layers []LayerDescriptor
	// NumClasses is the class count of the final detection layer, if declared.
	NumClasses int
	// Labels overrides the default class label table when non-empty.
	Labels []string

	logger *zap.Logger
}

// New validates the descriptor order and returns a Graph.
//
// Arguments:
//   - backbone: The number of backbone outputs the graph expects.
//   - layers: The head layers, whose indices must run consecutively from backbone.
//   - logger: Used for per-layer debug output. May be nil.
//
// Returns:
//   - *Graph: The graph.
//   - error: If a descriptor is out of order or has no transform.
func New(backbone int, layers []LayerDescriptor, logger *zap.Logger) (*Graph, error) {
	if backbone < 0 {
		return nil, errors.Errorf("backbone length must not be negative, got %d", backbone)
	}
	for i, l := range layers {
		if l.Index != backbone+i {
			return nil, errors.Errorf("layer %d is declared at index %d, expected %d", i, l.Index, backbone+i)
		}
		if l.Transform == nil {
			return nil, errors.Errorf("layer %d (%s) has no transform", l.Index, l.Name)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Graph{
		Backbone: backbone,
		Layers:   layers,
		logger:   logger,
	}, nil
}

// Execute runs the head over one request's backbone outputs and returns the final layer's
// output. The backbone slice is not modified.
//
// Arguments:
//   - backbone: Backbone feature maps in index order.
//
// Returns:
//   - FeatureMap: The output of the last layer.
//   - error: A *ShapeMismatchError when the payload does not fit the graph, or a wrapped
//     transform error.
func (g *Graph) Execute(backbone []FeatureMap) (FeatureMap, error) {
	if len(backbone) != g.Backbone {
		return nil, &ShapeMismatchError{
			Layer:  -1,
			Ref:    -1,
			Len:    len(backbone),
			Reason: fmt.Sprintf("expected %d backbone outputs, got %d", g.Backbone, len(backbone)),
		}
	}

	buf := NewOutputBuffer(backbone)
	exec := &Executor{Layers: g.Layers, Logger: g.logger}
	return exec.Run(buf)
}

// Close releases transforms that hold native resources.
func (g *Graph) Close() error {
	var first error
	for _, l := range g.Layers {
		c, ok := l.Transform.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "closing layer %d (%s)", l.Index, l.Name)
		}
	}
	return first
}
