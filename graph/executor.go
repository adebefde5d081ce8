package graph

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Executor applies an ordered list of layers to an OutputBuffer.
type Executor struct {
	Layers []LayerDescriptor
	Logger *zap.Logger
}

// Run executes every layer in order, appending each result to buf.
//
// Arguments:
//   - buf: A buffer pre-populated with the backbone outputs. It is extended in place.
//
// Returns:
//   - FeatureMap: The last appended entry.
//   - error: A *ShapeMismatchError for bad references or rejected shapes; other transform
//     failures are wrapped with the layer index.
func (e *Executor) Run(buf *OutputBuffer) (FeatureMap, error) {
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if last := buf.Last(); last != nil {
		logger.Debug("backbone output", zap.Int("count", buf.Len()), zap.Ints("shape", last.Shape()))
	}

	for _, l := range e.Layers {
		if l.Index != buf.Len() {
			return nil, &ShapeMismatchError{
				Layer:  l.Index,
				Ref:    -1,
				Len:    buf.Len(),
				Reason: "layer index does not match the next buffer position",
			}
		}

		inputs, err := buf.Resolve(l.Index, l.From)
		if err != nil {
			return nil, err
		}

		outputs, err := l.Transform.Forward(inputs)
		if err != nil {
			var sme *ShapeMismatchError
			if errors.As(err, &sme) {
				if sme.Layer < 0 {
					sme.Layer = l.Index
				}
				if sme.Len == 0 {
					sme.Len = buf.Len()
				}
				return nil, err
			}
			return nil, errors.Wrapf(err, "layer %d (%s)", l.Index, l.Name)
		}

		out, err := canonical(l, outputs)
		if err != nil {
			return nil, err
		}

		buf.Append(out)
		logger.Debug("layer output",
			zap.Int("layer", l.Index),
			zap.String("module", l.Name),
			zap.Stringer("from", l.From),
			zap.Ints("shape", out.Shape()))
	}

	return buf.Last(), nil
}

// canonical picks the layer's single output. Composite results are unwrapped only when the
// descriptor says so.
func canonical(l LayerDescriptor, outputs []FeatureMap) (FeatureMap, error) {
	switch {
	case len(outputs) == 0 || outputs[0] == nil:
		return nil, &ShapeMismatchError{Layer: l.Index, Ref: -1, Reason: "transform produced no output"}
	case l.Unwrap:
		return outputs[0], nil
	case len(outputs) != 1:
		return nil, &ShapeMismatchError{
			Layer:  l.Index,
			Ref:    -1,
			Reason: "transform produced a composite result but the layer is not marked for unwrapping",
		}
	default:
		return outputs[0], nil
	}
}
