package providers

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

var envMu sync.Mutex

// InitEnvironment loads the ONNX Runtime shared library and initializes the process-wide
// environment. Calling it again after a success is a no-op.
//
// Order of operations:
//  1. Library path check: Ensures native runtime is accessible.
//  2. Environment setup: Required once per process to prepare ONNX Runtime internals.
//
// Arguments:
//   - libPath: Path to the shared library, see GetSharedLibPath.
//   - logger: Receives the chosen library path.
//
// Returns:
//   - error: An error if the library is missing or fails to load.
func InitEnvironment(libPath string, logger *zap.Logger) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}

	// Check if the shared library exists before trying to use it.
	if _, err := os.Stat(libPath); err != nil {
		return errors.Wrapf(err, "onnx runtime library not found at %s", libPath)
	}

	// Point ONNX Runtime to the exact shared library path (overrides default search).
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initializing onnx runtime environment")
	}

	if logger != nil {
		logger.Info("onnx runtime initialized",
			zap.String("library", libPath),
			zap.String("version", ort.GetVersion()))
	}
	return nil
}

// DestroyEnvironment releases the process-wide ONNX Runtime environment when it was initialized.
func DestroyEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// NewSessionOptions creates session options for the requested backend.
//
// With AutoProviderBackend a failure to append the CUDA provider falls back to CPU; with
// CUDAProviderBackend it is an error. The environment must already be initialized.
//
// Arguments:
//   - backend: The requested backend.
//   - cuda: CUDA settings, used when CUDA is attempted.
//   - config: Session optimization settings.
//   - logger: Receives the selected device and fallback warnings.
//
// Returns:
//   - *ort.SessionOptions: Configured options. The caller must Destroy them.
//   - ProviderBackend: The backend actually selected, never auto.
//   - error: An error if the options could not be created.
func NewSessionOptions(
	backend ProviderBackend,
	cuda CUDAOptions,
	config OptimizationConfig,
	logger *zap.Logger,
) (*ort.SessionOptions, ProviderBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, "", errors.Wrap(err, "creating session options")
	}

	if err := config.apply(options); err != nil {
		options.Destroy()
		return nil, "", errors.Wrap(err, "applying session optimization settings")
	}

	selected := CPUProviderBackend
	if backend == AutoProviderBackend || backend == CUDAProviderBackend {
		err := appendCUDA(options, cuda)
		switch {
		case err == nil:
			selected = CUDAProviderBackend
		case backend == CUDAProviderBackend:
			options.Destroy()
			return nil, "", errors.Wrap(err, "enabling cuda")
		default:
			logger.Warn("cuda unavailable, falling back to cpu", zap.Error(err))
		}
	}

	logger.Info("compute device selected",
		zap.Stringer("requested", backend),
		zap.Stringer("device", selected))
	return options, selected, nil
}

func appendCUDA(options *ort.SessionOptions, cuda CUDAOptions) error {
	native, err := cuda.ToNativeProviderOptions()
	if err != nil {
		return err
	}
	defer native.Destroy()

	return options.AppendExecutionProviderCUDA(native)
}
