// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the typed run configurations of symba: the paths, model
// hyperparameters and training/distributed settings of a run.
//
// There are two flavors per model family: a full training configuration (TransformerConfig,
// SkanformerConfig) and a reduced one used for inference and tests (TransformerTestConfig,
// SkanformerTestConfig).
//
// Configurations are created once at the start of a run and are not changed afterward.
// They can be read from YAML files (Load), overridden by environment variables prefixed by
// EnvPrefix, and converted to a plain map (ToMap) to be sent to an experiment tracker.
package config

import (
	"encoding/json"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to the upper-case name of each field when reading overrides from
// environment variables. E.g.: SYMBA_EPOCHS=20.
const EnvPrefix = "SYMBA_"

// Family of models supported.
type Family string

const (
	FamilyTransformer Family = "transformer"
	FamilySkanformer  Family = "skanformer"
)

// Inference holds the settings shared by every configuration flavor: enough to rebuild the
// model, load its checkpoint and prepare the data.
type Inference struct {
	ModelName string `yaml:"model_name" json:"model_name" env:"MODEL_NAME"`

	// RootDir is where checkpoints, vocabularies and tracking runs are stored.
	RootDir string `yaml:"root_dir" json:"root_dir" env:"ROOT_DIR"`
	DataDir string `yaml:"data_dir" json:"data_dir" env:"DATA_DIR"`

	// Device is informative: the backend is selected with GOMLX_BACKEND (or the -backend flag).
	Device string `yaml:"device" json:"device" env:"DEVICE"`

	SrcMaxLen  int `yaml:"src_max_len" json:"src_max_len" env:"SRC_MAX_LEN"`
	TgtMaxLen  int `yaml:"tgt_max_len" json:"tgt_max_len" env:"TGT_MAX_LEN"`
	SrcVocSize int `yaml:"src_voc_size" json:"src_voc_size" env:"SRC_VOC_SIZE"`
	TgtVocSize int `yaml:"tgt_voc_size" json:"tgt_voc_size" env:"TGT_VOC_SIZE"`

	Seed int64 `yaml:"seed" json:"seed" env:"SEED"`

	// ToReplace renames index and momentum identifiers to pooled tokens.
	ToReplace        bool `yaml:"to_replace" json:"to_replace" env:"TO_REPLACE"`
	IndexPoolSize    int  `yaml:"index_pool_size" json:"index_pool_size" env:"INDEX_POOL_SIZE"`
	MomentumPoolSize int  `yaml:"momentum_pool_size" json:"momentum_pool_size" env:"MOMENTUM_POOL_SIZE"`

	Debug    bool `yaml:"debug" json:"debug" env:"DEBUG"`
	Truncate bool `yaml:"truncate" json:"truncate" env:"TRUNCATE"`

	// TestSize is the number of test examples sampled by the sequence accuracy evaluation.
	// In Debug mode only 10 are used.
	TestSize int `yaml:"test_size" json:"test_size" env:"TEST_SIZE"`
}

// Training holds the settings of a training run.
type Training struct {
	Inference `yaml:",inline"`

	ProjectName string `yaml:"project_name" json:"project_name" env:"PROJECT_NAME"`
	RunName     string `yaml:"run_name" json:"run_name" env:"RUN_NAME"`

	Epochs            int `yaml:"epochs" json:"epochs" env:"EPOCHS"`
	TrainingBatchSize int `yaml:"training_batch_size" json:"training_batch_size" env:"TRAINING_BATCH_SIZE"`
	ValidBatchSize    int `yaml:"valid_batch_size" json:"valid_batch_size" env:"VALID_BATCH_SIZE"`
	NumWorkers        int `yaml:"num_workers" json:"num_workers" env:"NUM_WORKERS"`

	WarmupRatio  float64 `yaml:"warmup_ratio" json:"warmup_ratio" env:"WARMUP_RATIO"`
	WeightDecay  float64 `yaml:"weight_decay" json:"weight_decay" env:"WEIGHT_DECAY"`
	OptimizerLR  float64 `yaml:"optimizer_lr" json:"optimizer_lr" env:"OPTIMIZER_LR"`
	IsConstantLR bool    `yaml:"is_constant_lr" json:"is_constant_lr" env:"IS_CONSTANT_LR"`

	// CurrEpoch, if not 0, resumes training from the checkpoint "<model_name>_ep<CurrEpoch>".
	CurrEpoch        int  `yaml:"curr_epoch" json:"curr_epoch" env:"CURR_EPOCH"`
	UseHalfPrecision bool `yaml:"use_half_precision" json:"use_half_precision" env:"USE_HALF_PRECISION"`

	TrainShuffle bool `yaml:"train_shuffle" json:"train_shuffle" env:"TRAIN_SHUFFLE"`
	ValidShuffle bool `yaml:"valid_shuffle" json:"valid_shuffle" env:"VALID_SHUFFLE"`

	// PinMemory is accepted for compatibility and has no effect: batches are always built in host memory.
	PinMemory bool `yaml:"pin_memory" json:"pin_memory" env:"PIN_MEMORY"`

	WorldSize int `yaml:"world_size" json:"world_size" env:"WORLD_SIZE"`

	// Backend is the worker coordination transport. Only "tcp" is supported.
	Backend string `yaml:"backend" json:"backend" env:"BACKEND"`

	// ResumeBest resumes from "<model_name>_best", if CurrEpoch is 0.
	ResumeBest bool `yaml:"resume_best" json:"resume_best" env:"RESUME_BEST"`

	// RunID of the tracking run to resume. If empty a new run is created.
	RunID string `yaml:"run_id" json:"run_id" env:"RUN_ID"`

	SaveFreq  int  `yaml:"save_freq" json:"save_freq" env:"SAVE_FREQ"`
	SaveLast  bool `yaml:"save_last" json:"save_last" env:"SAVE_LAST"`
	SaveLimit int  `yaml:"save_limit" json:"save_limit" env:"SAVE_LIMIT"`

	// UpdateLR, if set, overrides the learning rate restored from a checkpoint.
	UpdateLR *float64 `yaml:"update_lr" json:"update_lr" env:"UPDATE_LR"`
	EndLR    float64  `yaml:"end_lr" json:"end_lr" env:"END_LR"`

	// ClipGradNorm clips the global norm of the gradients, if > 0.
	ClipGradNorm float64 `yaml:"clip_grad_norm" json:"clip_grad_norm" env:"CLIP_GRAD_NORM"`

	LogFreq  int `yaml:"log_freq" json:"log_freq" env:"LOG_FREQ"`
	TestFreq int `yaml:"test_freq" json:"test_freq" env:"TEST_FREQ"`
}

// DefaultInference returns the Inference settings with their defaults.
func DefaultInference() Inference {
	return Inference{
		Device:           "cpu",
		Seed:             42,
		IndexPoolSize:    100,
		MomentumPoolSize: 100,
		TestSize:         100,
	}
}

// DefaultTraining returns the Training settings with their defaults.
func DefaultTraining() Training {
	return Training{
		Inference:    DefaultInference(),
		Epochs:       1,
		NumWorkers:   1,
		WorldSize:    1,
		Backend:      "tcp",
		SaveFreq:     3,
		SaveLast:     true,
		SaveLimit:    5,
		EndLR:        1e-8,
		ClipGradNorm: -1,
		LogFreq:      50,
		TestFreq:     10,
	}
}

// InferenceSettings implements ModelConfig.
func (c *Inference) InferenceSettings() *Inference { return c }

// TrainingSettings implements TrainerConfig.
func (c *Training) TrainingSettings() *Training { return c }

// NumTestSamples returns the number of test examples to evaluate with the sequence accuracy.
func (c *Inference) NumTestSamples() int {
	if c.Debug {
		return 10
	}
	return c.TestSize
}

// Validate rejects settings that make a run impossible. It doesn't check anything else.
func (c *Inference) Validate() error {
	if c.ModelName == "" {
		return errors.New("model_name must be set")
	}
	if c.SrcMaxLen < 2 || c.TgtMaxLen < 2 {
		return errors.Errorf("src_max_len (%d) and tgt_max_len (%d) must be >= 2", c.SrcMaxLen, c.TgtMaxLen)
	}
	return nil
}

// Validate rejects settings that make a training run impossible.
func (c *Training) Validate() error {
	if err := c.Inference.Validate(); err != nil {
		return err
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0, got %d", c.Epochs)
	}
	if c.TrainingBatchSize <= 0 || c.ValidBatchSize <= 0 {
		return errors.Errorf("training_batch_size (%d) and valid_batch_size (%d) must be > 0",
			c.TrainingBatchSize, c.ValidBatchSize)
	}
	if c.WorldSize < 1 {
		return errors.Errorf("world_size must be >= 1, got %d", c.WorldSize)
	}
	if c.CurrEpoch < 0 || c.CurrEpoch > c.Epochs {
		return errors.Errorf("curr_epoch (%d) must be in the range [0, epochs=%d]", c.CurrEpoch, c.Epochs)
	}
	if c.SaveLimit == 0 && (c.SaveFreq > 0 || c.SaveLast) {
		// Numbered checkpoints are evaluated right after being saved.
		return errors.New("save_limit=0 removes the numbered checkpoints before they are evaluated, " +
			"disable save_freq and save_last or use a negative save_limit to keep all")
	}
	return nil
}

// ModelConfig is implemented by every configuration flavor.
type ModelConfig interface {
	Architecture
	InferenceSettings() *Inference
}

// TrainerConfig is implemented by the full training configurations.
type TrainerConfig interface {
	ModelConfig
	TrainingSettings() *Training
}

// Load reads the YAML file at path into cfg, which should already hold the defaults, and then applies
// any environment variable overrides (see EnvPrefix).
//
// If path is empty, only the environment variables are applied.
func Load(path string, cfg any) error {
	if path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "failed to read configuration from %q", path)
		}
		if err = yaml.Unmarshal(contents, cfg); err != nil {
			return errors.Wrapf(err, "failed to parse configuration in %q", path)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return errors.Wrap(err, "failed to parse configuration from environment variables")
	}
	return nil
}

// ToMap converts a configuration to a plain mapping of its snake_case field names to values,
// with the embedded settings flattened. This is what is sent to the tracking sink.
func ToMap(cfg any) (map[string]any, error) {
	contents, err := json.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to convert configuration %T to a map", cfg)
	}
	m := make(map[string]any)
	if err = json.Unmarshal(contents, &m); err != nil {
		return nil, errors.Wrapf(err, "failed to convert configuration %T to a map", cfg)
	}
	return m, nil
}
