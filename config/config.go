// Package config - Loads service configuration from defaults, an optional YAML file and the
// environment.
package config

import (
	"flag"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-neckhead/models"
)

// EnvPrefix namespaces environment overrides: NECKHEAD_DETECT_IOU sets detect.iou.
const EnvPrefix = "NECKHEAD_"

// ServerConfig configures the neck/head HTTP service.
type ServerConfig struct {
	Port  int  `koanf:"port"`
	Debug bool `koanf:"debug"`
	// MaxUploadMB caps the multipart body size.
	MaxUploadMB int64 `koanf:"maxuploadmb"`
}

// RelayConfig configures the frame relay service.
type RelayConfig struct {
	Port      int    `koanf:"port"`
	StaticDir string `koanf:"staticdir"`
}

// ModelConfig selects the head graph and where it runs.
type ModelConfig struct {
	// Path is the YAML graph definition.
	Path string `koanf:"path"`
	// Device is auto, cpu or cuda.
	Device string `koanf:"device"`
	// ONNXLibrary overrides the ONNX Runtime shared library path.
	ONNXLibrary string `koanf:"onnxlibrary"`
	// Labels picks the label table: yolov5, coco or custom. Empty uses the graph's names when
	// it has them, else yolov5.
	Labels string `koanf:"labels"`
}

// DetectConfig holds the post-processing thresholds.
type DetectConfig struct {
	Objectness float32 `koanf:"objectness"`
	IoU        float32 `koanf:"iou"`
	NMSWorkers int     `koanf:"nmsworkers"`
}

// PersistConfig switches raw upload persistence for one service.
type PersistConfig struct {
	Enabled bool   `koanf:"enabled"`
	Dir     string `koanf:"dir"`
}

// StorageConfig holds persistence settings for backbone payloads and relay frames.
type StorageConfig struct {
	Backbone PersistConfig `koanf:"backbone"`
	Frames   PersistConfig `koanf:"frames"`
}

// ProfilerConfig controls the periodic timing report.
type ProfilerConfig struct {
	ReportInterval time.Duration `koanf:"reportinterval"`
}

// AppConfig is the full configuration.
type AppConfig struct {
	Server   ServerConfig   `koanf:"server"`
	Relay    RelayConfig    `koanf:"relay"`
	Model    ModelConfig    `koanf:"model"`
	Detect   DetectConfig   `koanf:"detect"`
	Storage  StorageConfig  `koanf:"storage"`
	Profiler ProfilerConfig `koanf:"profiler"`
}

var defaults = map[string]any{
	"server.port":              8000,
	"server.debug":             false,
	"server.maxuploadmb":       64,
	"relay.port":               8001,
	"relay.staticdir":          ".",
	"model.path":               "yolov5n-head.yaml",
	"model.device":             "auto",
	"model.labels":             "",
	"detect.objectness":        0.20,
	"detect.iou":               0.45,
	"detect.nmsworkers":        0,
	"storage.backbone.enabled": true,
	"storage.backbone.dir":     "/data/backbone-inputs",
	"storage.frames.enabled":   true,
	"storage.frames.dir":       "/data/uploaded-images",
	"profiler.reportinterval":  "30s",
}

// legacyEnv maps the variable names used by existing deployments to config keys.
var legacyEnv = map[string]string{
	"SAVE_BACKBONE_PAYLOADS": "storage.backbone.enabled",
	"BACKBONE_PAYLOAD_DIR":   "storage.backbone.dir",
	"SAVE_UPLOADED_IMAGES":   "storage.frames.enabled",
	"UPLOADED_IMAGE_DIR":     "storage.frames.dir",
}

// Load builds the configuration. Later sources override earlier ones: built-in defaults, the
// YAML file at filePath (skipped when empty), the legacy deployment variables, then
// NECKHEAD_* variables.
//
// Arguments:
//   - filePath: Optional YAML file.
//
// Returns:
//   - *AppConfig: The validated configuration.
//   - error: If a source cannot be read or a value is invalid.
func Load(filePath string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, errors.Wrap(err, "loading defaults")
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "loading %s", filePath)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", func(s string, v string) (string, any) {
		key, ok := legacyEnv[s]
		if !ok {
			return "", nil
		}
		if strings.HasSuffix(key, ".enabled") {
			return key, ParseBool(v)
		}
		return key, v
	}), nil); err != nil {
		return nil, errors.Wrap(err, "loading legacy environment")
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
		if strings.HasSuffix(key, ".enabled") || strings.HasSuffix(key, ".debug") {
			return key, ParseBool(v)
		}
		return key, v
	}), nil); err != nil {
		return nil, errors.Wrap(err, "loading environment")
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseBool accepts true, 1, yes and on (any case) as true; everything else is false.
func ParseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// ValidateConfig checks value ranges.
func ValidateConfig(cfg *AppConfig) error {
	if cfg.Detect.Objectness < 0 || cfg.Detect.Objectness > 1 {
		return errors.Errorf("detect.objectness must be in [0, 1], got %v", cfg.Detect.Objectness)
	}
	if cfg.Detect.IoU < 0 || cfg.Detect.IoU > 1 {
		return errors.Errorf("detect.iou must be in [0, 1], got %v", cfg.Detect.IoU)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Model.Device)) {
	case "auto", "cpu", "cuda", "gpu":
	default:
		return errors.Errorf("model.device must be auto, cpu, cuda or gpu, got %q", cfg.Model.Device)
	}
	if _, err := models.ParseModelFamily(cfg.Model.Labels); err != nil {
		return errors.Wrap(err, "model.labels")
	}
	if cfg.Model.Path == "" {
		return errors.Errorf("model.path must be set")
	}
	return nil
}

var defaultConfigPath = ""

// ParseConfigFlag registers and parses the -config flag on the given flag set.
func ParseConfigFlag(fs *flag.FlagSet, args []string) (string, error) {
	configPath := fs.String("config", defaultConfigPath, "configuration file (YAML)")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return *configPath, nil
}
