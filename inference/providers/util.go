package providers

import (
	"os"
	"runtime"
)

// LibraryEnv overrides the platform default shared library location.
const LibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// GetSharedLibPath returns the path to the ONNX Runtime shared library.
//
// Arguments:
//   - configured: An explicit path from configuration. Empty falls back to the environment and
//     then to the platform default.
//
// Returns:
//   - string: The path to the shared library.
func GetSharedLibPath(configured string) string {
	if configured != "" {
		return configured
	}
	if p := os.Getenv(LibraryEnv); p != "" {
		return p
	}
	return defaultLibPath(runtime.GOOS, runtime.GOARCH)
}

func defaultLibPath(goos, goarch string) string {
	switch goos {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.dylib"
	default:
		if goarch == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	}
}
