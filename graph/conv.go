package graph

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Activation is the pointwise non-linearity applied after a convolution.
type Activation string

const (
	// ActivationNone leaves the convolution output as is.
	ActivationNone Activation = "none"
	// ActivationSiLU applies x * sigmoid(x), the YOLOv5 default.
	ActivationSiLU Activation = "silu"
)

// Conv is a 2D convolution with batch norm already folded into its weights and bias.
//
// The weights are loaded once and shared read-only by every request. Each call builds its own
// expression graph over shallow clones, since the tape machine writes engine state into the
// tensors bound to it.
type Conv struct {
	// Weights has shape [out, in, kh, kw].
	Weights FeatureMap
	// Bias has one entry per output channel, or is empty.
	Bias []float32
	// Stride and Pad apply to both spatial axes.
	Stride int
	Pad    int
	// Act is applied after the bias.
	Act Activation
}

// NewConv validates the weight layout and returns a Conv.
//
// Arguments:
//   - weights: A [out, in, kh, kw] tensor.
//   - bias: A [out] tensor, or nil.
//   - stride: The stride, 1 if zero.
//   - pad: The zero padding on each side.
//   - act: The activation; empty means SiLU.
//
// Returns:
//   - *Conv: The layer.
//   - error: If the weights or bias are malformed.
func NewConv(weights, bias FeatureMap, stride, pad int, act Activation) (*Conv, error) {
	if weights == nil || weights.Dims() != 4 {
		return nil, errors.Errorf("conv weights must be [out, in, kh, kw]")
	}
	if stride <= 0 {
		stride = 1
	}
	if pad < 0 {
		return nil, errors.Errorf("conv padding must not be negative, got %d", pad)
	}
	switch act {
	case "":
		act = ActivationSiLU
	case ActivationNone, ActivationSiLU:
	default:
		return nil, errors.Errorf("unsupported activation %q", act)
	}

	c := &Conv{Weights: weights, Stride: stride, Pad: pad, Act: act}
	if bias != nil {
		b, err := Float32s(bias)
		if err != nil {
			return nil, errors.Wrap(err, "conv bias")
		}
		if len(b) != weights.Shape()[0] {
			return nil, errors.Errorf("conv bias has %d entries for %d output channels", len(b), weights.Shape()[0])
		}
		c.Bias = b
	}
	return c, nil
}

// Forward implements Transform.
func (c *Conv) Forward(inputs []FeatureMap) ([]FeatureMap, error) {
	if len(inputs) != 1 {
		return nil, NewShapeMismatch("conv expects 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	ws := c.Weights.Shape()
	if in.Dims() != 4 || in.Shape()[1] != ws[1] {
		return nil, NewShapeMismatch("conv expects an NCHW map with %d channels, got shape %v", ws[1], in.Shape())
	}
	if in.Dtype() != tensor.Float32 {
		return nil, NewShapeMismatch("conv expects float32 input, got %v", in.Dtype())
	}

	out, err := c.convolve(in)
	if err != nil {
		return nil, err
	}

	data, err := Float32s(out)
	if err != nil {
		return nil, err
	}
	c.finish(data, out.Shape())

	return []FeatureMap{out}, nil
}

func (c *Conv) convolve(in FeatureMap) (FeatureMap, error) {
	ws := c.Weights.Shape()

	g := G.NewGraph()
	x := G.NodeFromAny(g, in.ShallowClone(), G.WithName("x"))
	w := G.NodeFromAny(g, c.Weights.ShallowClone(), G.WithName("w"))

	y, err := G.Conv2d(x, w,
		tensor.Shape{ws[2], ws[3]},
		[]int{c.Pad, c.Pad},
		[]int{c.Stride, c.Stride},
		[]int{1, 1},
	)
	if err != nil {
		return nil, NewShapeMismatch("conv2d rejected input shape %v: %v", in.Shape(), err)
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()

	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "running conv2d")
	}

	res, ok := y.Value().(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("conv2d produced %T", y.Value())
	}
	return res.Clone().(*tensor.Dense), nil
}

// finish adds the bias and applies the activation in place on a freshly produced tensor.
func (c *Conv) finish(data []float32, shape tensor.Shape) {
	n, ch, plane := shape[0], shape[1], shape[2]*shape[3]
	for b := 0; b < n; b++ {
		for k := 0; k < ch; k++ {
			var bias float32
			if c.Bias != nil {
				bias = c.Bias[k]
			}
			seg := data[(b*ch+k)*plane : (b*ch+k+1)*plane]
			for i, v := range seg {
				v += bias
				if c.Act == ActivationSiLU {
					v = v * sigmoid(v)
				}
				seg[i] = v
			}
		}
	}
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}
