package graph

import (
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXBlock runs an exported sub-graph of the head through ONNX Runtime.
//
// The session is created once and is safe for concurrent Run calls. Inputs are bound by
// position to InputNames, and every name in OutputNames produces one output map.
type ONNXBlock struct {
	Path        string
	InputNames  []string
	OutputNames []string

	session *ort.DynamicAdvancedSession
}

// NewONNXBlock opens an ONNX model with the given session options. The runtime environment
// must already be initialized.
//
// Arguments:
//   - path: The model file.
//   - inputs: The graph input names, in the order the layer receives its inputs.
//   - outputs: The graph output names.
//   - options: Session options selecting the execution provider. May be nil.
//
// Returns:
//   - *ONNXBlock: The block; Close releases the session.
//   - error: If the session could not be created.
func NewONNXBlock(path string, inputs, outputs []string, options *ort.SessionOptions) (*ONNXBlock, error) {
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.Errorf("onnx block %s needs input and output names", path)
	}
	session, err := ort.NewDynamicAdvancedSession(path, inputs, outputs, options)
	if err != nil {
		return nil, errors.Wrapf(err, "creating onnx session for %s", path)
	}
	return &ONNXBlock{
		Path:        path,
		InputNames:  inputs,
		OutputNames: outputs,
		session:     session,
	}, nil
}

// Forward implements Transform.
func (o *ONNXBlock) Forward(inputs []FeatureMap) ([]FeatureMap, error) {
	if len(inputs) != len(o.InputNames) {
		return nil, NewShapeMismatch("onnx block %s expects %d inputs, got %d", o.Path, len(o.InputNames), len(inputs))
	}

	in := make([]ort.Value, 0, len(inputs))
	defer func() {
		for _, v := range in {
			v.Destroy()
		}
	}()
	for _, m := range inputs {
		data, err := Float32s(m)
		if err != nil {
			return nil, err
		}
		dims := make([]int64, 0, m.Dims())
		for _, d := range m.Shape() {
			dims = append(dims, int64(d))
		}
		// ORT reads from the slice but the map must stay untouched, so give it a copy.
		buf := make([]float32, len(data))
		copy(buf, data)
		t, err := ort.NewTensor(ort.NewShape(dims...), buf)
		if err != nil {
			return nil, errors.Wrap(err, "creating onnx input tensor")
		}
		in = append(in, t)
	}

	out := make([]ort.Value, len(o.OutputNames))
	defer func() {
		for _, v := range out {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	if err := o.session.Run(in, out); err != nil {
		return nil, NewShapeMismatch("onnx block %s rejected its inputs: %v", o.Path, err)
	}

	maps := make([]FeatureMap, len(out))
	for i, v := range out {
		t, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, errors.Errorf("onnx block %s output %s is %T, expected float32 tensor", o.Path, o.OutputNames[i], v)
		}
		data := t.GetData()
		cp := make([]float32, len(data))
		copy(cp, data)

		shape := t.GetShape()
		dims := make([]int, len(shape))
		for j, d := range shape {
			dims[j] = int(d)
		}
		maps[i] = NewFeatureMap(cp, dims...)
	}
	return maps, nil
}

// Close releases the session.
func (o *ONNXBlock) Close() error {
	if o.session == nil {
		return nil
	}
	err := o.session.Destroy()
	o.session = nil
	return err
}
