package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// EnvPrefix is the prefix of environment variables that override the config file.
// Nesting is expressed with a double underscore, eg PCDET_MODEL__BACKEND=triton
const EnvPrefix = "PCDET_"

const (
	BackendCluster = "cluster"
	BackendTriton  = "triton"
)

const (
	OnErrorAbort = "abort"
	OnErrorSkip  = "skip"
)

var ErrInvalidConfig = errors.New("invalid config")

type TritonConfig struct {
	URL          string        `koanf:"url"`           // eg http://localhost:8000
	Model        string        `koanf:"model"`         // Name of the model in the Triton repository
	Timeout      time.Duration `koanf:"timeout"`       // Per request
	InputName    string        `koanf:"input_name"`    // FP32 [N,5] point tensor
	BoxesOutput  string        `koanf:"boxes_output"`  // FP32 [K,7]
	LabelsOutput string        `koanf:"labels_output"` // INT32 or INT64 [K]
	ScoresOutput string        `koanf:"scores_output"` // FP32 [K]
}

type ClusterConfig struct {
	Eps         float64     `koanf:"eps"`          // DBSCAN neighbourhood radius, in the XY plane
	MinPoints   int         `koanf:"min_points"`   // Minimum points for a core point, and for a cluster to become a box
	MinZ        float64     `koanf:"min_z"`        // Points below this height are ignored
	ClassPriors [][]float64 `koanf:"class_priors"` // [dx, dy, dz] per class, parallel to class_names
}

type ModelConfig struct {
	Backend string        `koanf:"backend"`
	Triton  TritonConfig  `koanf:"triton"`
	Cluster ClusterConfig `koanf:"cluster"`
}

type OutputConfig struct {
	Root          string `koanf:"root"`           // evaluation_<tag> is created inside here
	RoundDecimals int    `koanf:"round_decimals"` // Decimal places kept by box parameters
	OnError       string `koanf:"on_error"`       // abort | skip
}

type Config struct {
	ClassNames []string     `koanf:"class_names"`
	Model      ModelConfig  `koanf:"model"`
	Output     OutputConfig `koanf:"output"`
}

func defaults() map[string]any {
	return map[string]any{
		"class_names":                []string{"Socket", "Plug"},
		"model.backend":              BackendCluster,
		"model.triton.url":           "http://localhost:8000",
		"model.triton.model":         "pointpillar",
		"model.triton.timeout":       "30s",
		"model.triton.input_name":    "points",
		"model.triton.boxes_output":  "pred_boxes",
		"model.triton.labels_output": "pred_labels",
		"model.triton.scores_output": "pred_scores",
		"model.cluster.eps":          0.05,
		"model.cluster.min_points":   10,
		"model.cluster.min_z":        -10.0,
		"model.cluster.class_priors": []any{
			[]any{0.08, 0.05, 0.04},
			[]any{0.06, 0.04, 0.03},
		},
		"output.root":           ".",
		"output.round_decimals": 8,
		"output.on_error":       OnErrorAbort,
	}
}

// Load builds the config from defaults, then the YAML file (if filePath is not empty),
// then PCDET_ environment variables. The result is not validated, because command line
// overrides may still be applied. Call Validate once they are.
func Load(filePath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, err
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("Error loading config %v: %w", filePath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("Error decoding config: %w", err)
	}
	return cfg, nil
}

// Overrides are command line values that take precedence over the file and the environment.
// Empty fields are ignored.
type Overrides struct {
	Backend    string
	OnError    string
	OutputRoot string
}

func (c *Config) Apply(o Overrides) {
	if o.Backend != "" {
		c.Model.Backend = o.Backend
	}
	if o.OnError != "" {
		c.Output.OnError = o.OnError
	}
	if o.OutputRoot != "" {
		c.Output.Root = o.OutputRoot
	}
}

func (c *Config) Validate() error {
	if len(c.ClassNames) == 0 {
		return fmt.Errorf("%w: class_names is empty", ErrInvalidConfig)
	}
	switch c.Output.OnError {
	case OnErrorAbort, OnErrorSkip:
	default:
		return fmt.Errorf("%w: output.on_error must be '%v' or '%v', not '%v'", ErrInvalidConfig, OnErrorAbort, OnErrorSkip, c.Output.OnError)
	}
	if c.Output.RoundDecimals < 0 {
		return fmt.Errorf("%w: output.round_decimals may not be negative", ErrInvalidConfig)
	}
	switch c.Model.Backend {
	case BackendCluster:
		cc := &c.Model.Cluster
		if cc.Eps <= 0 || cc.MinPoints < 1 {
			return fmt.Errorf("%w: model.cluster needs eps > 0 and min_points >= 1", ErrInvalidConfig)
		}
		if len(cc.ClassPriors) != len(c.ClassNames) {
			return fmt.Errorf("%w: %v class_priors for %v class_names", ErrInvalidConfig, len(cc.ClassPriors), len(c.ClassNames))
		}
		for i, p := range cc.ClassPriors {
			if len(p) != 3 {
				return fmt.Errorf("%w: class_priors[%v] must be [dx, dy, dz]", ErrInvalidConfig, i)
			}
		}
	case BackendTriton:
		tc := &c.Model.Triton
		if tc.URL == "" || tc.Model == "" {
			return fmt.Errorf("%w: model.triton needs url and model", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown model.backend '%v'", ErrInvalidConfig, c.Model.Backend)
	}
	return nil
}
