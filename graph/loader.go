package graph

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultDefinitionPath is the graph definition read when nothing else is configured.
const DefaultDefinitionPath = "yolov5n-head.yaml"

// Definition is the YAML description of a head graph.
//
// ```yaml
// backbone: 10
// nc: 80
// head:
//   - {from: -1, module: conv, args: {weights: w/10.npy, bias: w/10.b.npy}}
//   - {from: -1, module: upsample, args: {scale: 2}}
//   - {from: [-1, 6], module: concat}
//   - {from: [17, 20, 23], module: detect, args: {anchors: [[10,13, 16,30, 33,23], ...], strides: [8, 16, 32]}}
// ```
type Definition struct {
	Backbone   int         `yaml:"backbone"`
	NumClasses int         `yaml:"nc"`
	Names      []string    `yaml:"names"`
	Head       []LayerSpec `yaml:"head"`
}

// LayerSpec is one entry of the head list.
type LayerSpec struct {
	From   InputRef  `yaml:"from"`
	Module string    `yaml:"module"`
	Name   string    `yaml:"name"`
	Unwrap *bool     `yaml:"unwrap"`
	Args   yaml.Node `yaml:"args"`
}

// UsesONNX reports whether any layer needs the ONNX Runtime environment.
func (d *Definition) UsesONNX() bool {
	for _, l := range d.Head {
		if strings.EqualFold(l.Module, "onnx") {
			return true
		}
	}
	return false
}

// LoadOptions controls how layer parameters are materialized.
type LoadOptions struct {
	// SessionOptions is passed to every ONNX session. Nil uses the runtime defaults.
	SessionOptions *ort.SessionOptions
	// Logger receives load and execution logs. Nil disables logging.
	Logger *zap.Logger
}

// ParseDefinition decodes a YAML graph definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrap(err, "parsing graph definition")
	}
	if def.Backbone <= 0 {
		return nil, errors.Errorf("graph definition must declare a positive backbone count, got %d", def.Backbone)
	}
	if len(def.Head) == 0 {
		return nil, errors.New("graph definition has no head layers")
	}
	return &def, nil
}

// ReadDefinition reads and decodes the definition at path.
func ReadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading graph definition %s", path)
	}
	return ParseDefinition(data)
}

// Load reads the definition at path and builds its graph. Parameter files are resolved
// relative to the definition's directory.
//
// Arguments:
//   - path: The YAML definition.
//   - opts: Session options and logger.
//
// Returns:
//   - *Graph: The loaded graph, shared read-only by all requests.
//   - error: If the definition is malformed or a parameter file cannot be read.
func Load(path string, opts LoadOptions) (*Graph, error) {
	def, err := ReadDefinition(path)
	if err != nil {
		return nil, err
	}
	return def.Build(filepath.Dir(path), opts)
}

// Build materializes every layer. Relative parameter paths are joined to baseDir.
func (d *Definition) Build(baseDir string, opts LoadOptions) (*Graph, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &builder{def: d, baseDir: baseDir, opts: opts}
	layers := make([]LayerDescriptor, 0, len(d.Head))
	closeAll := func() {
		for _, l := range layers {
			if c, ok := l.Transform.(interface{ Close() error }); ok {
				c.Close()
			}
		}
	}

	for i, entry := range d.Head {
		index := d.Backbone + i
		module := strings.ToLower(entry.Module)
		build, ok := modules[module]
		if !ok {
			closeAll()
			return nil, errors.Errorf("layer %d: unknown module %q", index, entry.Module)
		}

		t, unwrap, err := build(b, &entry.Args)
		if err != nil {
			closeAll()
			return nil, errors.Wrapf(err, "layer %d (%s)", index, module)
		}
		if entry.Unwrap != nil {
			unwrap = *entry.Unwrap
		}

		name := entry.Name
		if name == "" {
			name = module
		}
		layers = append(layers, LayerDescriptor{
			Index:     index,
			Name:      name,
			From:      entry.From,
			Transform: t,
			Unwrap:    unwrap,
		})
	}

	g, err := New(d.Backbone, layers, logger)
	if err != nil {
		closeAll()
		return nil, err
	}
	g.NumClasses = d.NumClasses
	g.Labels = d.Names

	logger.Info("graph loaded",
		zap.Int("backbone", d.Backbone),
		zap.Int("layers", len(layers)),
		zap.Int("classes", d.NumClasses))

	return g, nil
}

type builder struct {
	def     *Definition
	baseDir string
	opts    LoadOptions
}

func (b *builder) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(b.baseDir, p)
}

func (b *builder) npy(p string) (FeatureMap, error) {
	if p == "" {
		return nil, nil
	}
	return LoadNpy(b.path(p))
}

// decodeArgs decodes an optional args mapping into v.
func decodeArgs(node *yaml.Node, v interface{}) error {
	if node == nil || node.Kind == 0 {
		return nil
	}
	if err := node.Decode(v); err != nil {
		return errors.Wrap(err, "decoding args")
	}
	return nil
}

type moduleFunc func(b *builder, args *yaml.Node) (Transform, bool, error)

var modules = map[string]moduleFunc{
	"identity": func(*builder, *yaml.Node) (Transform, bool, error) {
		return Identity{}, false, nil
	},
	"concat":   buildConcat,
	"upsample": buildUpsample,
	"conv":     buildConv,
	"detect":   buildDetect,
	"onnx":     buildONNX,
}

func buildConcat(_ *builder, node *yaml.Node) (Transform, bool, error) {
	args := struct {
		Dim *int `yaml:"dim"`
	}{}
	if err := decodeArgs(node, &args); err != nil {
		return nil, false, err
	}
	dim := 1
	if args.Dim != nil {
		dim = *args.Dim
	}
	return Concat{Dim: dim}, false, nil
}

func buildUpsample(_ *builder, node *yaml.Node) (Transform, bool, error) {
	args := struct {
		Scale int `yaml:"scale"`
	}{}
	if err := decodeArgs(node, &args); err != nil {
		return nil, false, err
	}
	if args.Scale < 0 {
		return nil, false, errors.Errorf("upsample scale must be positive, got %d", args.Scale)
	}
	return Upsample{Scale: args.Scale}, false, nil
}

type convArgs struct {
	Weights string `yaml:"weights"`
	Bias    string `yaml:"bias"`
	Stride  int    `yaml:"stride"`
	Pad     int    `yaml:"pad"`
	Act     string `yaml:"act"`
}

func (b *builder) conv(args convArgs, defaultAct Activation) (*Conv, error) {
	if args.Weights == "" {
		return nil, errors.New("conv needs a weights file")
	}
	w, err := b.npy(args.Weights)
	if err != nil {
		return nil, err
	}
	bias, err := b.npy(args.Bias)
	if err != nil {
		return nil, err
	}
	act := Activation(strings.ToLower(args.Act))
	if act == "" {
		act = defaultAct
	}
	return NewConv(w, bias, args.Stride, args.Pad, act)
}

func buildConv(b *builder, node *yaml.Node) (Transform, bool, error) {
	var args convArgs
	if err := decodeArgs(node, &args); err != nil {
		return nil, false, err
	}
	c, err := b.conv(args, ActivationSiLU)
	if err != nil {
		return nil, false, err
	}
	return c, false, nil
}

func buildDetect(b *builder, node *yaml.Node) (Transform, bool, error) {
	args := struct {
		NumClasses int         `yaml:"nc"`
		Anchors    [][]float32 `yaml:"anchors"`
		Strides    []float32   `yaml:"strides"`
		Weights    []string    `yaml:"weights"`
		Bias       []string    `yaml:"bias"`
	}{}
	if err := decodeArgs(node, &args); err != nil {
		return nil, false, err
	}
	nc := args.NumClasses
	if nc == 0 {
		nc = b.def.NumClasses
	}

	var convs []*Conv
	if len(args.Weights) > 0 {
		if len(args.Bias) != 0 && len(args.Bias) != len(args.Weights) {
			return nil, false, errors.Errorf("detect has %d weight files and %d bias files", len(args.Weights), len(args.Bias))
		}
		convs = make([]*Conv, len(args.Weights))
		for i, w := range args.Weights {
			ca := convArgs{Weights: w, Stride: 1}
			if len(args.Bias) > 0 {
				ca.Bias = args.Bias[i]
			}
			c, err := b.conv(ca, ActivationNone)
			if err != nil {
				return nil, false, errors.Wrapf(err, "detect level %d", i)
			}
			convs[i] = c
		}
	}

	d, err := NewDetect(nc, args.Anchors, args.Strides, convs)
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func buildONNX(b *builder, node *yaml.Node) (Transform, bool, error) {
	args := struct {
		Path    string   `yaml:"path"`
		Inputs  []string `yaml:"inputs"`
		Outputs []string `yaml:"outputs"`
	}{}
	if err := decodeArgs(node, &args); err != nil {
		return nil, false, err
	}
	if args.Path == "" {
		return nil, false, errors.New("onnx needs a model path")
	}
	block, err := NewONNXBlock(b.path(args.Path), args.Inputs, args.Outputs, b.opts.SessionOptions)
	if err != nil {
		return nil, false, err
	}
	return block, len(args.Outputs) > 1, nil
}
