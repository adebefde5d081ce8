package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backbone returns n single-element maps holding 0..n-1 so tests can tell them apart.
func backbone(n int) []FeatureMap {
	out := make([]FeatureMap, n)
	for i := range out {
		out[i] = NewFeatureMap([]float32{float32(i)}, 1)
	}
	return out
}

func value(t *testing.T, m FeatureMap) float32 {
	t.Helper()
	data, err := Float32s(m)
	require.NoError(t, err)
	require.Len(t, data, 1)
	return data[0]
}

// plusOne adds 1 to every element of its single input.
var plusOne = TransformFunc(func(inputs []FeatureMap) ([]FeatureMap, error) {
	src, err := Float32s(inputs[0])
	if err != nil {
		return nil, err
	}
	dst := make([]float32, len(src))
	for i, v := range src {
		dst[i] = v + 1
	}
	return []FeatureMap{NewFeatureMap(dst, inputs[0].Shape().Clone()...)}, nil
})

// sum adds the first element of every input.
var sum = TransformFunc(func(inputs []FeatureMap) ([]FeatureMap, error) {
	var total float32
	for _, in := range inputs {
		data, err := Float32s(in)
		if err != nil {
			return nil, err
		}
		total += data[0]
	}
	return []FeatureMap{NewFeatureMap([]float32{total}, 1)}, nil
})

// pair returns a composite result: the input plus one, and the input itself.
var pair = TransformFunc(func(inputs []FeatureMap) ([]FeatureMap, error) {
	out, err := plusOne.Forward(inputs)
	if err != nil {
		return nil, err
	}
	return []FeatureMap{out[0], inputs[0]}, nil
})

func TestExecutorSingleReferenceExtendsBuffer(t *testing.T) {
	buf := NewOutputBuffer(backbone(10))
	exec := &Executor{Layers: []LayerDescriptor{
		{Index: 10, Name: "plus", From: SingleRef(9), Transform: plusOne},
	}}

	out, err := exec.Run(buf)
	require.NoError(t, err)

	assert.Equal(t, 11, buf.Len())
	assert.Equal(t, float32(10), value(t, out))
	last, ok := buf.At(10)
	require.True(t, ok)
	assert.Same(t, out, last)
}

func TestExecutorReferenceOutsideBuffer(t *testing.T) {
	buf := NewOutputBuffer(backbone(10))
	exec := &Executor{Layers: []LayerDescriptor{
		{Index: 10, Name: "plus", From: SingleRef(15), Transform: plusOne},
	}}

	_, err := exec.Run(buf)
	require.Error(t, err)

	var sme *ShapeMismatchError
	require.True(t, errors.As(err, &sme))
	assert.Equal(t, 10, sme.Layer)
	assert.Equal(t, 15, sme.Ref)
	assert.Equal(t, 10, sme.Len)
	assert.Contains(t, err.Error(), "references index 15")
	assert.Equal(t, 10, buf.Len(), "nothing is appended on failure")
}

func TestExecutorReferenceResolution(t *testing.T) {
	tests := []struct {
		name string
		ref  InputRef
		want float32
	}{
		{name: "previous", ref: PreviousRef(), want: 3},
		{name: "zero value means previous", ref: InputRef{}, want: 3},
		{name: "single", ref: SingleRef(1), want: 1},
		{name: "multi with previous", ref: MultiRef(-1, 0, 2), want: 3 + 0 + 2},
		{name: "negative counts from the end", ref: SingleRef(-2), want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := NewOutputBuffer(backbone(4))
			exec := &Executor{Layers: []LayerDescriptor{
				{Index: 4, Name: "sum", From: tt.ref, Transform: sum},
			}}
			out, err := exec.Run(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.want, value(t, out))
		})
	}
}

func TestExecutorChainsLayers(t *testing.T) {
	buf := NewOutputBuffer(backbone(3))
	exec := &Executor{Layers: []LayerDescriptor{
		{Index: 3, From: PreviousRef(), Transform: plusOne},  // 2+1
		{Index: 4, From: PreviousRef(), Transform: plusOne},  // 3+1
		{Index: 5, From: MultiRef(-1, 3, 0), Transform: sum}, // 4+3+0
		{Index: 6, From: MultiRef(5, 1), Transform: sum},     // 7+1
		{Index: 7, From: SingleRef(-3), Transform: plusOne},  // buffer[4]+1
	}}

	out, err := exec.Run(buf)
	require.NoError(t, err)
	assert.Equal(t, 8, buf.Len())
	assert.Equal(t, float32(5), value(t, out))

	at6, _ := buf.At(6)
	assert.Equal(t, float32(8), value(t, at6))
}

func TestExecutorUnwrap(t *testing.T) {
	t.Run("unwrap takes the first element", func(t *testing.T) {
		buf := NewOutputBuffer(backbone(2))
		exec := &Executor{Layers: []LayerDescriptor{
			{Index: 2, Name: "pair", From: PreviousRef(), Transform: pair, Unwrap: true},
		}}
		out, err := exec.Run(buf)
		require.NoError(t, err)
		assert.Equal(t, float32(2), value(t, out))
		assert.Equal(t, 3, buf.Len())
	})

	t.Run("composite result without unwrap is rejected", func(t *testing.T) {
		buf := NewOutputBuffer(backbone(2))
		exec := &Executor{Layers: []LayerDescriptor{
			{Index: 2, Name: "pair", From: PreviousRef(), Transform: pair},
		}}
		_, err := exec.Run(buf)
		require.Error(t, err)
		assert.True(t, IsShapeMismatch(err))
	})

	t.Run("unwrap on a single output is a no-op", func(t *testing.T) {
		buf := NewOutputBuffer(backbone(2))
		exec := &Executor{Layers: []LayerDescriptor{
			{Index: 2, From: PreviousRef(), Transform: plusOne, Unwrap: true},
		}}
		out, err := exec.Run(buf)
		require.NoError(t, err)
		assert.Equal(t, float32(2), value(t, out))
	})
}

func TestExecutorIndexMismatch(t *testing.T) {
	buf := NewOutputBuffer(backbone(2))
	exec := &Executor{Layers: []LayerDescriptor{
		{Index: 3, From: PreviousRef(), Transform: plusOne},
	}}
	_, err := exec.Run(buf)
	require.Error(t, err)
	assert.True(t, IsShapeMismatch(err))
}

func TestExecutorTransformErrors(t *testing.T) {
	t.Run("shape rejection is stamped with the layer", func(t *testing.T) {
		buf := NewOutputBuffer(backbone(2))
		exec := &Executor{Layers: []LayerDescriptor{
			{Index: 2, From: MultiRef(0, 1), Transform: Identity{}},
		}}
		_, err := exec.Run(buf)

		var sme *ShapeMismatchError
		require.True(t, errors.As(err, &sme))
		assert.Equal(t, 2, sme.Layer)
		assert.Equal(t, 2, sme.Len)
	})

	t.Run("other failures are wrapped", func(t *testing.T) {
		boom := errors.New("boom")
		buf := NewOutputBuffer(backbone(1))
		exec := &Executor{Layers: []LayerDescriptor{
			{Index: 1, Name: "broken", From: PreviousRef(), Transform: TransformFunc(
				func([]FeatureMap) ([]FeatureMap, error) { return nil, boom },
			)},
		}}
		_, err := exec.Run(buf)
		require.Error(t, err)
		assert.False(t, IsShapeMismatch(err))
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "layer 1 (broken)")
	})
}

func TestNewOutputBufferCopiesBackbone(t *testing.T) {
	in := backbone(2)
	buf := NewOutputBuffer(in)
	buf.Append(NewFeatureMap([]float32{9}, 1))

	assert.Len(t, in, 2)
	assert.Equal(t, 3, buf.Len())
	_, ok := buf.At(-1)
	assert.False(t, ok)
}

func TestGraphExecute(t *testing.T) {
	g, err := New(2, []LayerDescriptor{
		{Index: 2, Name: "sum", From: MultiRef(0, 1), Transform: sum},
		{Index: 3, Name: "plus", From: PreviousRef(), Transform: plusOne},
	}, nil)
	require.NoError(t, err)

	out, err := g.Execute(backbone(2))
	require.NoError(t, err)
	assert.Equal(t, float32(2), value(t, out))

	// Requests do not share buffers.
	out, err = g.Execute(backbone(2))
	require.NoError(t, err)
	assert.Equal(t, float32(2), value(t, out))

	_, err = g.Execute(backbone(3))
	require.Error(t, err)
	assert.True(t, IsShapeMismatch(err))
}

func TestNewRejectsBadDescriptors(t *testing.T) {
	_, err := New(2, []LayerDescriptor{{Index: 3, Transform: Identity{}}}, nil)
	assert.Error(t, err)

	_, err = New(2, []LayerDescriptor{{Index: 2}}, nil)
	assert.Error(t, err)
}
