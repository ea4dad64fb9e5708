// Package train drives CVAE optimization: epoch/batch orchestration with a
// decaying teacher-forcing schedule, gradient clipping, Adam with weight
// decay, plateau-based learning-rate reduction, early stopping, and
// checkpointing. Training is single-writer: one goroutine owns the weights
// for the whole run.
package train

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kestrel-data/skypath/internal/cvae"
)

// Config is the full training configuration. Every knob is an explicit
// typed field; config files are JSON decoded over DefaultConfig so partial
// files work.
type Config struct {
	Model cvae.ModelConfig `json:"model"`
	Loss  cvae.LossWeights `json:"loss"`

	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	WeightDecay  float64 `json:"weight_decay"`
	GradClip     float64 `json:"grad_clip"` // global norm; 0 disables

	// Teacher forcing decays per epoch: max(TFStart*TFDecay^epoch, TFMin).
	TFStart float64 `json:"tf_start"`
	TFDecay float64 `json:"tf_decay"`
	TFMin   float64 `json:"tf_min"`

	// Plateau scheduler: multiply the rate by LRFactor after LRPatience
	// epochs without validation improvement.
	LRFactor   float64 `json:"lr_factor"`
	LRPatience int     `json:"lr_patience"`

	EarlyStopPatience int `json:"early_stop_patience"`
	MaxBadBatches     int `json:"max_bad_batches"` // consecutive non-finite batches before aborting
	SaveInterval      int `json:"save_interval"`   // periodic checkpoint every N epochs; 0 disables

	Seed          int64  `json:"seed"`
	CheckpointDir string `json:"checkpoint_dir"`
}

// DefaultConfig returns the training setup the model family was tuned
// with.
func DefaultConfig() Config {
	return Config{
		Model:             cvae.DefaultModelConfig(),
		Loss:              cvae.DefaultLossWeights(),
		Epochs:            200,
		BatchSize:         64,
		LearningRate:      1e-3,
		WeightDecay:       1e-5,
		GradClip:          1.0,
		TFStart:           0.5,
		TFDecay:           0.99,
		TFMin:             0.1,
		LRFactor:          0.5,
		LRPatience:        5,
		EarlyStopPatience: 15,
		MaxBadBatches:     10,
		SaveInterval:      10,
		Seed:              42,
		CheckpointDir:     "checkpoints",
	}
}

// Validate fails fast on values that cannot produce a sane run.
func (c Config) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if c.Epochs < 1 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %v", c.LearningRate)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight_decay must be non-negative, got %v", c.WeightDecay)
	}
	if c.GradClip < 0 {
		return fmt.Errorf("grad_clip must be non-negative, got %v", c.GradClip)
	}
	if c.TFStart < 0 || c.TFStart > 1 {
		return fmt.Errorf("tf_start must be in [0, 1], got %v", c.TFStart)
	}
	if c.TFDecay <= 0 || c.TFDecay > 1 {
		return fmt.Errorf("tf_decay must be in (0, 1], got %v", c.TFDecay)
	}
	if c.TFMin < 0 || c.TFMin > c.TFStart {
		return fmt.Errorf("tf_min must be in [0, tf_start], got %v", c.TFMin)
	}
	if c.LRFactor <= 0 || c.LRFactor >= 1 {
		return fmt.Errorf("lr_factor must be in (0, 1), got %v", c.LRFactor)
	}
	if c.LRPatience < 1 {
		return fmt.Errorf("lr_patience must be positive, got %d", c.LRPatience)
	}
	if c.EarlyStopPatience < 1 {
		return fmt.Errorf("early_stop_patience must be positive, got %d", c.EarlyStopPatience)
	}
	if c.MaxBadBatches < 1 {
		return fmt.Errorf("max_bad_batches must be positive, got %d", c.MaxBadBatches)
	}
	if c.SaveInterval < 0 {
		return fmt.Errorf("save_interval must be non-negative, got %d", c.SaveInterval)
	}
	if c.CheckpointDir == "" {
		return fmt.Errorf("checkpoint_dir must be set")
	}
	return nil
}

// LoadConfig reads a JSON config file over the defaults and validates the
// result.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}
