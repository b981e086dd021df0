// Package config holds the runtime knobs of a training run.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/roadseg/internal/kitti"
)

// ErrInvalid is returned by Validate for a config that cannot run.
var ErrInvalid = errors.New("config: invalid")

// DownsampleFactor is the total stride of the backbone. Image sides must be
// multiples of it so the decoder returns to the input resolution.
const DownsampleFactor = 32

// Config captures the runtime knobs for a training run.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	RunsDir  string `yaml:"runs_dir"`
	ModelDir string `yaml:"model_dir"`
	LogsDir  string `yaml:"logs_dir"`
	VGGURL   string `yaml:"vgg_url"`

	ImageHeight  int     `yaml:"image_height"`
	ImageWidth   int     `yaml:"image_width"`
	NumClasses   int     `yaml:"num_classes"`
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	KeepProb     float32 `yaml:"keep_prob"`
	LearningRate float32 `yaml:"learning_rate"`
	Seed         int64   `yaml:"seed"`
	NumWorkers   int     `yaml:"num_workers"`
	LogLevel     string  `yaml:"log_level"`
}

// Overrides captures CLI supplied values. Zero values are ignored.
type Overrides struct {
	DataDir   string
	VGGURL    string
	Epochs    int
	BatchSize int
	Seed      int64
	LogLevel  string
}

// Default returns the reference configuration: 160x576 images, 2 classes,
// 23 epochs of batch 16, keep 0.5 and learning rate 1e-4.
func Default() Config {
	return Config{
		DataDir:      "./data",
		RunsDir:      "./runs",
		ModelDir:     "./model",
		LogsDir:      "./logs_path",
		ImageHeight:  160,
		ImageWidth:   576,
		NumClasses:   kitti.NumClasses,
		Epochs:       23,
		BatchSize:    16,
		KeepProb:     0.5,
		LearningRate: 1e-4,
		LogLevel:     "info",
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (Config, error) {
	f, err := os.Open(path) //nolint:gosec // user supplied config path
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.VGGURL != "" {
		c.VGGURL = o.VGGURL
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
}

// ImageShape returns (height, width).
func (c Config) ImageShape() [2]int { return [2]int{c.ImageHeight, c.ImageWidth} }

// Validate verifies the config is runnable.
func (c Config) Validate() error {
	for key, dir := range map[string]string{
		"data_dir":  c.DataDir,
		"runs_dir":  c.RunsDir,
		"model_dir": c.ModelDir,
		"logs_dir":  c.LogsDir,
	} {
		if dir == "" {
			return fmt.Errorf("%w: %s must be set", ErrInvalid, key)
		}
	}
	if c.ImageHeight <= 0 || c.ImageWidth <= 0 ||
		c.ImageHeight%DownsampleFactor != 0 || c.ImageWidth%DownsampleFactor != 0 {
		return fmt.Errorf("%w: image %dx%d must be a positive multiple of %d",
			ErrInvalid, c.ImageHeight, c.ImageWidth, DownsampleFactor)
	}
	if c.NumClasses != kitti.NumClasses {
		return fmt.Errorf("%w: num_classes must be %d for road labels (got %d)",
			ErrInvalid, kitti.NumClasses, c.NumClasses)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("%w: epochs must be > 0 (got %d)", ErrInvalid, c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be > 0 (got %d)", ErrInvalid, c.BatchSize)
	}
	if c.KeepProb <= 0 || c.KeepProb > 1 {
		return fmt.Errorf("%w: keep_prob must be in (0, 1] (got %v)", ErrInvalid, c.KeepProb)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning_rate must be > 0 (got %v)", ErrInvalid, c.LearningRate)
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("%w: num_workers must be >= 0 (got %d)", ErrInvalid, c.NumWorkers)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); c.LogLevel != "" && err != nil {
		return fmt.Errorf("%w: log_level: %w", ErrInvalid, err)
	}
	return nil
}
