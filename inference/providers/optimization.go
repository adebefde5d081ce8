// Package providers - ONNX Runtime optimization settings.
package providers

import (
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// OptimizationConfig contains the ONNX Runtime session settings applied to every head block.
type OptimizationConfig struct {
	// GraphOptimizationLevel controls the level of graph optimization
	GraphOptimizationLevel ort.GraphOptimizationLevel `json:"graph_optimization_level"`

	// ExecutionMode controls sequential vs parallel execution
	ExecutionMode ort.ExecutionMode `json:"execution_mode"`

	// IntraOpNumThreads sets threads for parallelizing ops
	IntraOpNumThreads int `json:"intra_op_num_threads"`

	// InterOpNumThreads sets threads for parallelizing independent ops
	InterOpNumThreads int `json:"inter_op_num_threads"`
}

// DefaultOptimizationConfig returns extended graph optimization with sequential execution and
// half the CPUs for intra-op work. Requests already run concurrently, so inter-op parallelism
// stays at one thread.
func DefaultOptimizationConfig() OptimizationConfig {
	return OptimizationConfig{
		GraphOptimizationLevel: ort.GraphOptimizationLevelEnableExtended,
		ExecutionMode:          ort.ExecutionModeSequential,
		IntraOpNumThreads:      maxInt(1, runtime.NumCPU()/2),
		InterOpNumThreads:      1,
	}
}

// apply writes the settings onto a fresh options handle.
func (c OptimizationConfig) apply(options *ort.SessionOptions) error {
	if err := options.SetGraphOptimizationLevel(c.GraphOptimizationLevel); err != nil {
		return err
	}
	if err := options.SetExecutionMode(c.ExecutionMode); err != nil {
		return err
	}
	if err := options.SetIntraOpNumThreads(c.IntraOpNumThreads); err != nil {
		return err
	}
	return options.SetInterOpNumThreads(c.InterOpNumThreads)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
