package graph

import (
	"os"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// NewFeatureMap wraps data as a float32 tensor of the given shape. The slice is used as the
// backing store, not copied.
func NewFeatureMap(data []float32, shape ...int) FeatureMap {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Zeros returns a zero-filled float32 tensor of the given shape.
func Zeros(shape ...int) FeatureMap {
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape...))
}

// Float32s returns the flat backing data of a float32 feature map.
func Float32s(m FeatureMap) ([]float32, error) {
	if m == nil {
		return nil, NewShapeMismatch("feature map is nil")
	}
	if m.Dtype() != tensor.Float32 {
		return nil, NewShapeMismatch("expected float32 feature map, got %v", m.Dtype())
	}
	// Dense.Data panics on zero-size tensors.
	if m.Shape().TotalSize() == 0 {
		return []float32{}, nil
	}
	data, ok := m.Data().([]float32)
	if !ok {
		// Scalars come back as a bare float32.
		if v, isScalar := m.Data().(float32); isScalar {
			return []float32{v}, nil
		}
		return nil, NewShapeMismatch("feature map has no float32 backing")
	}
	return data, nil
}

// ToFloat32 converts a float64 tensor to float32. Float32 tensors are returned as is.
func ToFloat32(t *tensor.Dense) (FeatureMap, error) {
	switch t.Dtype() {
	case tensor.Float32:
		return t, nil
	case tensor.Float64:
		if t.Shape().TotalSize() == 0 {
			return NewFeatureMap([]float32{}, t.Shape().Clone()...), nil
		}
		src, ok := t.Data().([]float64)
		if !ok {
			return nil, errors.New("float64 tensor has no slice backing")
		}
		dst := make([]float32, len(src))
		for i, v := range src {
			dst[i] = float32(v)
		}
		return NewFeatureMap(dst, t.Shape().Clone()...), nil
	default:
		return nil, errors.Errorf("unsupported dtype %v", t.Dtype())
	}
}

// LoadNpy reads a NumPy .npy file into a float32 tensor.
func LoadNpy(path string) (FeatureMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	t := new(tensor.Dense)
	if err := t.ReadNpy(f); err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return ToFloat32(t)
}

// squeezeLeading drops leading unit dimensions until at most keep dimensions remain.
func squeezeLeading(shape tensor.Shape, keep int) []int {
	dims := []int(shape.Clone())
	for len(dims) > keep && dims[0] == 1 {
		dims = dims[1:]
	}
	return dims
}

// SqueezeLeading returns the shape of m without its leading unit dimensions, keeping at least
// keep dimensions. The tensor itself is untouched.
func SqueezeLeading(m FeatureMap, keep int) []int {
	return squeezeLeading(m.Shape(), keep)
}
