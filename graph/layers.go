package graph

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Identity passes its single input through.
type Identity struct{}

// Forward implements Transform.
func (Identity) Forward(inputs []FeatureMap) ([]FeatureMap, error) {
	if len(inputs) != 1 {
		return nil, NewShapeMismatch("identity expects 1 input, got %d", len(inputs))
	}
	return inputs, nil
}

// Concat joins its inputs along Dim. It is the skip-connection merge of the neck.
type Concat struct {
	// Dim is the concatenation axis; 1 is the channel axis of an NCHW map.
	Dim int
}

// Forward implements Transform.
func (c Concat) Forward(inputs []FeatureMap) ([]FeatureMap, error) {
	if len(inputs) == 0 {
		return nil, NewShapeMismatch("concat expects at least 1 input")
	}

	rank := inputs[0].Dims()
	if c.Dim < 0 || c.Dim >= rank {
		return nil, NewShapeMismatch("concat axis %d out of range for rank %d", c.Dim, rank)
	}
	for i, in := range inputs {
		if in.Dims() != rank {
			return nil, NewShapeMismatch("concat input %d has rank %d, expected %d", i, in.Dims(), rank)
		}
		for d := 0; d < rank; d++ {
			if d != c.Dim && in.Shape()[d] != inputs[0].Shape()[d] {
				return nil, NewShapeMismatch("concat input %d has shape %v, incompatible with %v on axis %d",
					i, in.Shape(), inputs[0].Shape(), d)
			}
		}
	}

	if len(inputs) == 1 {
		return []FeatureMap{inputs[0].Clone().(*tensor.Dense)}, nil
	}

	out, err := inputs[0].Concat(c.Dim, inputs[1:]...)
	if err != nil {
		return nil, errors.Wrap(err, "concat")
	}
	return []FeatureMap{out}, nil
}

// Upsample enlarges an NCHW map by an integer factor with nearest-neighbour sampling.
type Upsample struct {
	Scale int
}

// Forward implements Transform.
func (u Upsample) Forward(inputs []FeatureMap) ([]FeatureMap, error) {
	if len(inputs) != 1 {
		return nil, NewShapeMismatch("upsample expects 1 input, got %d", len(inputs))
	}
	scale := u.Scale
	if scale <= 0 {
		scale = 2
	}

	in := inputs[0]
	shape := in.Shape()
	if len(shape) != 4 {
		return nil, NewShapeMismatch("upsample expects an NCHW map, got shape %v", shape)
	}
	src, err := Float32s(in)
	if err != nil {
		return nil, err
	}

	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	oh, ow := h*scale, w*scale
	dst := make([]float32, n*c*oh*ow)

	for plane := 0; plane < n*c; plane++ {
		sp := src[plane*h*w : (plane+1)*h*w]
		dp := dst[plane*oh*ow : (plane+1)*oh*ow]
		for y := 0; y < oh; y++ {
			row := sp[(y/scale)*w : (y/scale+1)*w]
			out := dp[y*ow : (y+1)*ow]
			for x := 0; x < ow; x++ {
				out[x] = row[x/scale]
			}
		}
	}

	return []FeatureMap{NewFeatureMap(dst, n, c, oh, ow)}, nil
}
