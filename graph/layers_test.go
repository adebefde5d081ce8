package graph

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(n int, start float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = start + float32(i)
	}
	return out
}

func TestConcat(t *testing.T) {
	a := NewFeatureMap(seq(4, 0), 1, 1, 2, 2)
	b := NewFeatureMap(seq(8, 10), 1, 2, 2, 2)

	out, err := Concat{Dim: 1}.Forward([]FeatureMap{a, b})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, []int{1, 3, 2, 2}, []int(out[0].Shape()))

	data, err := Float32s(out[0])
	require.NoError(t, err)
	assert.Equal(t, append(seq(4, 0), seq(8, 10)...), data)

	// Inputs are untouched.
	src, _ := Float32s(a)
	assert.Equal(t, seq(4, 0), src)
}

func TestConcatRejectsMismatchedShapes(t *testing.T) {
	a := NewFeatureMap(seq(4, 0), 1, 1, 2, 2)
	b := NewFeatureMap(seq(9, 0), 1, 1, 3, 3)

	_, err := Concat{Dim: 1}.Forward([]FeatureMap{a, b})
	require.Error(t, err)
	assert.True(t, IsShapeMismatch(err))

	_, err = Concat{Dim: 4}.Forward([]FeatureMap{a})
	assert.True(t, IsShapeMismatch(err))

	_, err = Concat{Dim: 1}.Forward(nil)
	assert.True(t, IsShapeMismatch(err))
}

func TestUpsample(t *testing.T) {
	in := NewFeatureMap([]float32{1, 2, 3, 4}, 1, 1, 2, 2)

	out, err := Upsample{Scale: 2}.Forward([]FeatureMap{in})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 4, 4}, []int(out[0].Shape()))

	data, err := Float32s(out[0])
	require.NoError(t, err)
	assert.Equal(t, []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, data)
}

func TestUpsampleDefaultsAndErrors(t *testing.T) {
	in := NewFeatureMap(seq(2*3*3, 0), 1, 2, 3, 3)
	out, err := Upsample{}.Forward([]FeatureMap{in})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 6, 6}, []int(out[0].Shape()))

	_, err = Upsample{}.Forward([]FeatureMap{NewFeatureMap(seq(4, 0), 2, 2)})
	assert.True(t, IsShapeMismatch(err))
}

func TestIdentity(t *testing.T) {
	in := NewFeatureMap(seq(3, 0), 3)
	out, err := Identity{}.Forward([]FeatureMap{in})
	require.NoError(t, err)
	assert.Same(t, in, out[0])
}

func TestConvPointwise(t *testing.T) {
	w := NewFeatureMap([]float32{2}, 1, 1, 1, 1)
	bias := NewFeatureMap([]float32{1}, 1)
	conv, err := NewConv(w, bias, 1, 0, ActivationNone)
	require.NoError(t, err)

	in := NewFeatureMap(seq(9, 1), 1, 1, 3, 3)
	out, err := conv.Forward([]FeatureMap{in})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 3, 3}, []int(out[0].Shape()))

	data, err := Float32s(out[0])
	require.NoError(t, err)
	for i, v := range data {
		assert.InDelta(t, 2*float32(i+1)+1, v, 1e-5)
	}

	src, _ := Float32s(in)
	assert.Equal(t, seq(9, 1), src, "conv must not write into its input")
}

func TestConvPadded3x3(t *testing.T) {
	ones := make([]float32, 9)
	for i := range ones {
		ones[i] = 1
	}
	w := NewFeatureMap(ones, 1, 1, 3, 3)
	conv, err := NewConv(w, nil, 1, 1, ActivationNone)
	require.NoError(t, err)

	in := NewFeatureMap(append([]float32(nil), ones...), 1, 1, 3, 3)
	out, err := conv.Forward([]FeatureMap{in})
	require.NoError(t, err)

	data, err := Float32s(out[0])
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{
		4, 6, 4,
		6, 9, 6,
		4, 6, 4,
	}, data, 1e-5)
}

func TestConvConcurrentForward(t *testing.T) {
	ones := make([]float32, 9)
	for i := range ones {
		ones[i] = 1
	}
	conv, err := NewConv(NewFeatureMap(ones, 1, 1, 3, 3), NewFeatureMap([]float32{0.5}, 1), 1, 1, ActivationNone)
	require.NoError(t, err)
	shared := NewFeatureMap(append([]float32(nil), ones...), 1, 1, 3, 3)
	want := []float32{
		4.5, 6.5, 4.5,
		6.5, 9.5, 6.5,
		4.5, 6.5, 4.5,
	}

	const workers = 16
	results := make([][]float32, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := conv.Forward([]FeatureMap{shared})
			if err != nil {
				errs[i] = err
				return
			}
			results[i], errs[i] = Float32s(out[0])
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.InDeltaSlice(t, want, results[i], 1e-5)
	}
	w, _ := Float32s(conv.Weights)
	assert.Equal(t, ones, w)
}

func TestConvSiLU(t *testing.T) {
	w := NewFeatureMap([]float32{1}, 1, 1, 1, 1)
	conv, err := NewConv(w, nil, 1, 0, "")
	require.NoError(t, err)
	assert.Equal(t, ActivationSiLU, conv.Act)

	out, err := conv.Forward([]FeatureMap{NewFeatureMap([]float32{0, 2}, 1, 1, 1, 2)})
	require.NoError(t, err)
	data, _ := Float32s(out[0])
	assert.InDelta(t, 0, data[0], 1e-6)
	assert.InDelta(t, 2*sigmoid(2), data[1], 1e-5)
}

func TestConvRejectsWrongChannels(t *testing.T) {
	w := NewFeatureMap([]float32{1, 1}, 1, 2, 1, 1)
	conv, err := NewConv(w, nil, 1, 0, ActivationNone)
	require.NoError(t, err)

	_, err = conv.Forward([]FeatureMap{NewFeatureMap(seq(4, 0), 1, 1, 2, 2)})
	assert.True(t, IsShapeMismatch(err))
}

func TestNewConvValidation(t *testing.T) {
	_, err := NewConv(NewFeatureMap(seq(2, 0), 2), nil, 1, 0, ActivationNone)
	assert.Error(t, err)

	w := NewFeatureMap(seq(2, 0), 2, 1, 1, 1)
	_, err = NewConv(w, NewFeatureMap(seq(3, 0), 3), 1, 0, ActivationNone)
	assert.Error(t, err)

	_, err = NewConv(w, nil, 1, 0, "relu6")
	assert.Error(t, err)
}

func TestDetectDecodesGrid(t *testing.T) {
	// One level, one anchor, one class: 6 channels over a 1x2 grid of zero logits, so every
	// sigmoid is 0.5.
	d, err := NewDetect(1, [][]float32{{10, 20}}, []float32{8}, nil)
	require.NoError(t, err)

	in := Zeros(1, 6, 1, 2)
	out, err := d.Forward([]FeatureMap{in})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, []int{1, 2, 6}, []int(out[0].Shape()))
	assert.Equal(t, []int{1, 1, 1, 2, 6}, []int(out[1].Shape()))

	data, err := Float32s(out[0])
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{
		4, 4, 10, 20, 0.5, 0.5,
		12, 4, 10, 20, 0.5, 0.5,
	}, data, 1e-5)
}

func TestDetectRowOrder(t *testing.T) {
	// Two levels with two anchors each. Rows run level, anchor, y, x.
	anchors := [][]float32{{1, 1, 2, 2}, {4, 4, 8, 8}}
	d, err := NewDetect(1, anchors, []float32{8, 16}, nil)
	require.NoError(t, err)

	l0 := Zeros(1, 12, 2, 2)
	l1 := Zeros(1, 12, 1, 1)
	out, err := d.Forward([]FeatureMap{l0, l1})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []int{1, 2*4 + 2*1, 6}, []int(out[0].Shape()))

	data, _ := Float32s(out[0])
	width := func(row int) float32 { return data[row*6+2] }
	assert.InDelta(t, 1, width(0), 1e-5)
	assert.InDelta(t, 2, width(4), 1e-5)
	assert.InDelta(t, 4, width(8), 1e-5)
	assert.InDelta(t, 8, width(9), 1e-5)
}

func TestDetectWithProjection(t *testing.T) {
	// The projection maps 1 channel to 6, with objectness driven by the input value.
	weights := make([]float32, 6)
	weights[4] = 1
	w := NewFeatureMap(weights, 6, 1, 1, 1)
	conv, err := NewConv(w, nil, 1, 0, ActivationNone)
	require.NoError(t, err)

	d, err := NewDetect(1, [][]float32{{10, 10}}, []float32{8}, []*Conv{conv})
	require.NoError(t, err)

	out, err := d.Forward([]FeatureMap{NewFeatureMap([]float32{5}, 1, 1, 1, 1)})
	require.NoError(t, err)
	data, _ := Float32s(out[0])
	assert.InDelta(t, sigmoid(5), data[4], 1e-5)
}

func TestDetectRejectsBadInput(t *testing.T) {
	d, err := NewDetect(1, [][]float32{{10, 20}}, []float32{8}, nil)
	require.NoError(t, err)

	_, err = d.Forward([]FeatureMap{Zeros(1, 5, 1, 1)})
	assert.True(t, IsShapeMismatch(err))

	_, err = d.Forward([]FeatureMap{Zeros(1, 6, 1, 1), Zeros(1, 6, 1, 1)})
	assert.True(t, IsShapeMismatch(err))
}

func TestNewDetectValidation(t *testing.T) {
	_, err := NewDetect(0, [][]float32{{1, 1}}, []float32{8}, nil)
	assert.Error(t, err)
	_, err = NewDetect(1, [][]float32{{1, 1}}, []float32{8, 16}, nil)
	assert.Error(t, err)
	_, err = NewDetect(1, [][]float32{{1}}, []float32{8}, nil)
	assert.Error(t, err)
	_, err = NewDetect(1, [][]float32{{1, 1}, {1, 1, 2, 2}}, []float32{8, 16}, nil)
	assert.Error(t, err)
}
