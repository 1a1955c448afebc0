package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Problem kinds accepted in the problems section.
const (
	ProblemQuadratic = "quadratic"
	ProblemSmoothing = "smoothing"
)

// SyntheticGradient selects the generated ramp image for smoothing problems.
const SyntheticGradient = "gradient"

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity" validate:"omitempty,oneof=debug info warn error"`
	} `yaml:"logger"`
	Device struct {
		Backend     string `yaml:"backend" validate:"oneof=auto cpu cuda"`
		MemoryLimit int64  `yaml:"memoryLimit" validate:"gte=0"`
	} `yaml:"device"`
	Solver struct {
		Backend string `yaml:"backend" validate:"oneof=native opt"`
	} `yaml:"solver"`
	Tolerance struct {
		Absolute float64 `yaml:"absolute" validate:"gte=0"`
		Relative float64 `yaml:"relative" validate:"gte=0"`
	} `yaml:"tolerance"`
	Methods  []MethodConfig  `yaml:"methods" validate:"required,min=1,dive"`
	Problems []ProblemConfig `yaml:"problems" validate:"required,min=1,dive"`
	Report   struct {
		Path        string `yaml:"path"`
		MetricsPath string `yaml:"metricsPath"`
	} `yaml:"report"`
}

// MethodConfig is one solver configuration of the test matrix.
type MethodConfig struct {
	Name       string `yaml:"name" validate:"required"`
	Parameters string `yaml:"parameters"`
}

// ProblemConfig describes one generated problem.
type ProblemConfig struct {
	Kind string `yaml:"kind" validate:"required,oneof=quadratic smoothing"`
	Name string `yaml:"name"`

	// quadratic
	Count int    `yaml:"count" validate:"required_if=Kind quadratic,gte=0"`
	Seed  uint64 `yaml:"seed"`

	// smoothing: either an image file or a synthetic grid
	Image     string  `yaml:"image"`
	Synthetic string  `yaml:"synthetic" validate:"omitempty,oneof=gradient"`
	Width     int     `yaml:"width" validate:"gte=0"`
	Height    int     `yaml:"height" validate:"gte=0"`
	Weight    float64 `yaml:"weight" validate:"gte=0"`
}

var validate = validator.New()

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Logger.Verbosity == "" {
		c.Logger.Verbosity = "info"
	}
	if c.Device.Backend == "" {
		c.Device.Backend = "auto"
	}
	if c.Solver.Backend == "" {
		c.Solver.Backend = "native"
	}
	if c.Tolerance.Absolute == 0 && c.Tolerance.Relative == 0 {
		c.Tolerance.Absolute = 1e-3
	}
}

// Validate checks the configuration against its struct constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for i, p := range c.Problems {
		switch p.Kind {
		case ProblemQuadratic:
			if p.Image != "" || p.Synthetic != "" {
				return fmt.Errorf("invalid config: problem %d: quadratic problems take no image", i)
			}
		case ProblemSmoothing:
			if (p.Image == "") == (p.Synthetic == "") {
				return fmt.Errorf("invalid config: problem %d: set exactly one of image and synthetic", i)
			}
			if p.Synthetic != "" && (p.Width == 0 || p.Height == 0) {
				return fmt.Errorf("invalid config: problem %d: synthetic images need width and height", i)
			}
		}
	}
	return nil
}
