// Package inference - Runs the neck/head pipeline over uploaded backbone outputs.
package inference

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-neckhead/graph"
	"github.com/nvr-ai/go-neckhead/inference/providers"
	"github.com/nvr-ai/go-neckhead/models"
	"github.com/nvr-ai/go-neckhead/models/postprocess"
	"github.com/nvr-ai/go-neckhead/models/yolov5"
	"github.com/nvr-ai/go-neckhead/profiler"
)

// Result is the outcome of one pipeline run.
type Result struct {
	// Detections are in descending confidence order. Never nil.
	Detections []postprocess.Detection `json:"detections"`
	// Candidates is the number of rows that passed the objectness filter.
	Candidates int `json:"-"`
}

// Engine holds everything shared between requests: the loaded graph, the post-processor and
// the label table. None of it is mutated after Build, so Detect is safe for concurrent use.
type Engine struct {
	graph    *graph.Graph
	post     *yolov5.YOLOv5
	labels   *models.OutputClassSet
	profiler *profiler.RuntimeProfiler
	logger   *zap.Logger
	device   providers.ProviderBackend
	options  *ort.SessionOptions
}

// Detect runs the head graph over the backbone outputs and returns the labeled detections.
//
// The context is checked once before the pipeline starts; a running pipeline is not
// interrupted.
//
// Arguments:
//   - ctx: The request context.
//   - backbone: The decoded backbone outputs in index order.
//
// Returns:
//   - *Result: The detections, possibly empty.
//   - error: A *graph.ShapeMismatchError for malformed input, or the context error.
func (e *Engine) Detect(ctx context.Context, backbone []graph.FeatureMap) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := e.profiler.StartOperation(profiler.StageGraph)
	raw, err := e.graph.Execute(backbone)
	done()
	if err != nil {
		return nil, err
	}

	done = e.profiler.StartOperation(profiler.StagePostProcess)
	out, err := e.post.PostProcess(raw, e.labels.Resolve)
	done()
	if err != nil {
		return nil, err
	}

	e.profiler.RecordMetric("candidates", float64(out.Candidates))
	e.profiler.RecordMetric("detections", float64(len(out.Detections)))

	return &Result{Detections: out.Detections, Candidates: out.Candidates}, nil
}

// Labels returns the label table detections are resolved against.
func (e *Engine) Labels() *models.OutputClassSet {
	return e.labels
}

// Device returns the compute device selected for ONNX head blocks. Graphs without ONNX blocks
// always report cpu.
func (e *Engine) Device() providers.ProviderBackend {
	return e.device
}

// Graph returns the loaded head graph.
func (e *Engine) Graph() *graph.Graph {
	return e.graph
}

// Close releases the graph's native resources.
func (e *Engine) Close() error {
	err := e.graph.Close()
	if e.options != nil {
		if derr := e.options.Destroy(); derr != nil && err == nil {
			err = derr
		}
		e.options = nil
	}
	return err
}

// EngineBuilder helps build an engine with a fluent API. The first error is latched and
// returned by Build; later calls become no-ops.
//
// ```go
// engine, err := inference.NewEngineBuilder().WithLogger(logger).WithGraphPath(path).Build()
// ```
type EngineBuilder struct {
	logger   *zap.Logger
	profiler *profiler.RuntimeProfiler
	backend  providers.ProviderBackend
	libPath  string
	device   providers.ProviderBackend
	options  *ort.SessionOptions
	graph    *graph.Graph
	post     *yolov5.YOLOv5
	labels   []string
	family   models.ModelFamily
	err      error
}

// NewEngineBuilder creates a new engine builder.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func NewEngineBuilder() *EngineBuilder {
	return &EngineBuilder{
		logger:  zap.NewNop(),
		backend: providers.AutoProviderBackend,
		device:  providers.CPUProviderBackend,
	}
}

// WithLogger sets the logger for the engine and everything it loads.
func (b *EngineBuilder) WithLogger(logger *zap.Logger) *EngineBuilder {
	if b.HasError() || logger == nil {
		return b
	}
	b.logger = logger
	return b
}

// WithProfiler sets the profiler that times the pipeline stages.
func (b *EngineBuilder) WithProfiler(p *profiler.RuntimeProfiler) *EngineBuilder {
	if b.HasError() {
		return b
	}
	b.profiler = p
	return b
}

// WithDevice sets the requested compute device for ONNX head blocks.
//
// Arguments:
//   - device: auto, cpu or cuda.
//   - libPath: The ONNX Runtime shared library. Empty uses the platform default.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithDevice(device, libPath string) *EngineBuilder {
	if b.HasError() {
		return b
	}
	backend, err := providers.ParseBackend(device)
	if err != nil {
		b.err = err
		return b
	}
	b.backend = backend
	b.libPath = libPath
	return b
}

// WithGraphPath loads the head graph definition at path. The ONNX Runtime environment is only
// initialized when the definition contains ONNX blocks, so pure-Go graphs run without the
// native library.
//
// Arguments:
//   - path: The YAML graph definition.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithGraphPath(path string) *EngineBuilder {
	if b.HasError() {
		return b
	}

	def, err := graph.ReadDefinition(path)
	if err != nil {
		b.err = err
		return b
	}

	opts := graph.LoadOptions{Logger: b.logger}
	if def.UsesONNX() {
		if err := providers.InitEnvironment(providers.GetSharedLibPath(b.libPath), b.logger); err != nil {
			b.err = err
			return b
		}
		options, device, err := providers.NewSessionOptions(
			b.backend,
			providers.DefaultCUDAOptions(),
			providers.DefaultOptimizationConfig(),
			b.logger,
		)
		if err != nil {
			b.err = err
			return b
		}
		b.options = options
		b.device = device
		opts.SessionOptions = options
	}

	g, err := def.Build(filepath.Dir(path), opts)
	if err != nil {
		b.release()
		b.err = err
		return b
	}
	b.graph = g
	return b
}

// WithGraph uses an already built graph.
func (b *EngineBuilder) WithGraph(g *graph.Graph) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if g == nil {
		b.err = errors.New("graph is nil")
		return b
	}
	b.graph = g
	return b
}

// WithThresholds sets the post-processing thresholds.
//
// Arguments:
//   - objectness: Rows at or below this objectness are dropped. Zero selects 0.20.
//   - iou: Overlap above which the lower-scored box is suppressed.
//   - workers: NMS goroutines; values above one select the parallel variant.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithThresholds(objectness, iou float32, workers int) *EngineBuilder {
	if b.HasError() {
		return b
	}
	post, err := yolov5.NewModel(yolov5.Options{
		ObjectnessThreshold: objectness,
		NMS:                 &postprocess.NMSConfig{IoUThreshold: iou, NumWorkers: workers},
	})
	if err != nil {
		b.err = err
		return b
	}
	b.post = post
	return b
}

// WithLabels overrides the label table. Without it the graph's own names are used, falling
// back to the YOLOv5 table.
func (b *EngineBuilder) WithLabels(names []string) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if len(names) == 0 {
		b.err = errors.New("label table is empty")
		return b
	}
	b.labels = names
	return b
}

// WithLabelFamily selects a registered label table by name: yolov5, coco, or custom for the
// graph's own names. Empty keeps the default order of graph names, then YOLOv5.
func (b *EngineBuilder) WithLabelFamily(name string) *EngineBuilder {
	if b.HasError() {
		return b
	}
	family, err := models.ParseModelFamily(name)
	if err != nil {
		b.err = err
		return b
	}
	b.family = family
	return b
}

// HasError checks if the engine builder has errors.
//
// Returns:
//   - bool: True if there are errors, false otherwise.
func (b *EngineBuilder) HasError() bool {
	return b.err != nil
}

func (b *EngineBuilder) release() {
	if b.options != nil {
		b.options.Destroy()
		b.options = nil
	}
}

// resolveLabels picks the label table: explicit override, then the configured family, then
// graph names, then YOLOv5.
func (b *EngineBuilder) resolveLabels() (*models.OutputClassSet, error) {
	mgr := models.DefaultClassManager()

	names := b.labels
	if len(names) == 0 {
		names = b.graph.Labels
	}
	if len(names) > 0 {
		mgr.Register(models.NewOutputClassSet(models.ModelFamilyCustom, names))
	}

	family := b.family
	switch {
	case len(b.labels) > 0:
		family = models.ModelFamilyCustom
	case family != "":
	case len(names) > 0:
		family = models.ModelFamilyCustom
	default:
		family = models.ModelFamilyYOLOv5
	}

	set, err := mgr.Get(family)
	if err != nil {
		return nil, err
	}
	if n := b.graph.NumClasses; n > 0 && n != set.Len() {
		b.logger.Warn("label table size differs from the declared class count",
			zap.Int("classes", n),
			zap.Int("labels", set.Len()))
	}
	return set, nil
}

// MustBuild builds the engine and panics if there is an error.
func (b *EngineBuilder) MustBuild() *Engine {
	e, err := b.Build()
	if err != nil {
		panic(err)
	}
	return e
}

// Build builds the engine.
//
// Returns:
//   - *Engine: The engine.
//   - error: The first error latched by the builder, or a missing graph.
func (b *EngineBuilder) Build() (*Engine, error) {
	if b.HasError() {
		return nil, b.err
	}
	if b.graph == nil {
		return nil, errors.New("graph not configured")
	}
	if b.post == nil {
		b.WithThresholds(yolov5.DefaultObjectnessThreshold, postprocess.DefaultIoUThreshold, 0)
		if b.HasError() {
			return nil, b.err
		}
	}
	if b.profiler == nil {
		b.profiler = profiler.NewRuntimeProfiler(profiler.ProfilingOptions{Logger: b.logger})
	}

	labels, err := b.resolveLabels()
	if err != nil {
		return nil, errors.Wrap(err, "resolving label table")
	}

	b.logger.Info("engine ready",
		zap.Int("backbone", b.graph.Backbone),
		zap.Int("layers", len(b.graph.Layers)),
		zap.Int("labels", labels.Len()),
		zap.Stringer("device", b.device),
		zap.Float32("objectness", b.post.Options().ObjectnessThreshold),
		zap.Float32("iou", b.post.Options().NMS.IoUThreshold))

	return &Engine{
		graph:    b.graph,
		post:     b.post,
		labels:   labels,
		profiler: b.profiler,
		logger:   b.logger,
		device:   b.device,
		options:  b.options,
	}, nil
}
