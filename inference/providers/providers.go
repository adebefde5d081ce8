// Package providers - Compute device selection and ONNX Runtime session configuration.
package providers

import (
	"strings"

	"github.com/pkg/errors"
)

// ProviderBackend represents the compute device ONNX head blocks run on.
type ProviderBackend string

const (
	// AutoProviderBackend picks CUDA when the runtime can append it, CPU otherwise.
	AutoProviderBackend ProviderBackend = "auto"

	// CPUProviderBackend uses the default ONNX Runtime CPU kernels.
	CPUProviderBackend ProviderBackend = "cpu"

	// CUDAProviderBackend uses NVIDIA CUDA for GPU acceleration.
	CUDAProviderBackend ProviderBackend = "cuda"
)

// ParseBackend maps a configured device name onto a backend. Empty means auto.
//
// Arguments:
//   - name: The device name, case-insensitive.
//
// Returns:
//   - ProviderBackend: The matching backend.
//   - error: An error if the name is not a known device.
func ParseBackend(name string) (ProviderBackend, error) {
	switch ProviderBackend(strings.ToLower(strings.TrimSpace(name))) {
	case "", AutoProviderBackend:
		return AutoProviderBackend, nil
	case CPUProviderBackend:
		return CPUProviderBackend, nil
	case CUDAProviderBackend, "gpu":
		return CUDAProviderBackend, nil
	default:
		return "", errors.Errorf("unknown device %q (want auto, cpu or cuda)", name)
	}
}

// String returns the backend name.
func (b ProviderBackend) String() string {
	return string(b)
}
