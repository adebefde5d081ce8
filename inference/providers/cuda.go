package providers

import (
	"strconv"

	ort "github.com/yalue/onnxruntime_go"
)

// CUDAOptions contains arguments for the CUDA provider.
// See:
// https://onnxruntime.ai/docs/execution-providers/CUDA-ExecutionProvider.html#configuration-options
type CUDAOptions struct {
	// The device ID.
	DeviceID int `json:"deviceID"              yaml:"deviceID"`
	// Whether to do copies in the default stream or use separate streams. The recommended setting is
	// true.
	DoCopyInDefaultStream bool `json:"doCopyInDefaultStream" yaml:"doCopyInDefaultStream"`
	// The size limit of the device memory arena in bytes. Zero leaves the runtime default.
	GPUMemLimit int64 `json:"gpuMemLimit"           yaml:"gpuMemLimit"`
	// The strategy for extending the device memory arena.
	// 0: kNextPowerOfTwo
	// 1: kSameAsRequested
	ArenaExtendStrategy int `json:"arenaExtendStrategy"   yaml:"arenaExtendStrategy"`
	// The type of search done for cuDNN convolution algorithms.
	// 0: EXHAUSTIVE
	// 1: HEURISTIC
	// 2: DEFAULT
	CudnnConvAlgoSearch int `json:"cudnnConvAlgoSearch"   yaml:"cudnnConvAlgoSearch"`
}

// DefaultCUDAOptions returns the options used when CUDA is selected: device 0, heuristic cuDNN
// search and arena growth by the requested amount.
func DefaultCUDAOptions() CUDAOptions {
	return CUDAOptions{
		DeviceID:              0,
		DoCopyInDefaultStream: true,
		ArenaExtendStrategy:   1,
		CudnnConvAlgoSearch:   1,
	}
}

// settings renders the options in the key/value form ONNX Runtime expects.
func (o CUDAOptions) settings() map[string]string {
	m := map[string]string{
		"device_id":                 strconv.Itoa(o.DeviceID),
		"do_copy_in_default_stream": boolFlag(o.DoCopyInDefaultStream),
		"arena_extend_strategy":     arenaStrategies[o.ArenaExtendStrategy],
		"cudnn_conv_algo_search":    convSearches[o.CudnnConvAlgoSearch],
	}
	if o.GPUMemLimit > 0 {
		m["gpu_mem_limit"] = strconv.FormatInt(o.GPUMemLimit, 10)
	}
	for k, v := range m {
		if v == "" {
			delete(m, k)
		}
	}
	return m
}

var arenaStrategies = map[int]string{0: "kNextPowerOfTwo", 1: "kSameAsRequested"}

var convSearches = map[int]string{0: "EXHAUSTIVE", 1: "HEURISTIC", 2: "DEFAULT"}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ToNativeProviderOptions converts the CUDA options to a CUDA provider options.
// The caller owns the result and must Destroy it.
func (o CUDAOptions) ToNativeProviderOptions() (*ort.CUDAProviderOptions, error) {
	opts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return nil, err
	}

	if err := opts.Update(o.settings()); err != nil {
		opts.Destroy()
		return nil, err
	}

	return opts, nil
}
