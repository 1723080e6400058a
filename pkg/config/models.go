// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Hyperparameter keys published in the model context by ApplyToContext.
const (
	ParamFamily           = "family"
	ParamEmbeddingSize    = "embedding_size"
	ParamHiddenDim        = "hidden_dim"
	ParamNumHeads         = "nhead"
	ParamNumEncoderLayers = "num_encoder_layers"
	ParamNumDecoderLayers = "num_decoder_layers"
	ParamDropout          = "dropout"
	ParamFFDims           = "ff_dims"
	ParamDFF              = "d_ff"
	ParamKANBasis         = "kan_basis"
	ParamKANGridSize      = "kan_grid_size"
	ParamSrcVocabSize     = "src_voc_size"
	ParamTgtVocabSize     = "tgt_voc_size"
	ParamSrcMaxLen        = "src_max_len"
	ParamTgtMaxLen        = "tgt_max_len"
)

// KAN basis functions supported by the Skanformer feed-forward blocks.
const (
	KANBasisSine    = "sine"
	KANBasisBSpline = "bspline"
)

// Architecture is implemented by the model hyperparameters of each family.
type Architecture interface {
	Family() Family

	// ContextParams returns the hyperparameters to set in the model context.
	ContextParams() map[string]any
}

// TransformerArch are the hyperparameters of the vanilla transformer encoder-decoder.
type TransformerArch struct {
	EmbeddingSize    int     `yaml:"embedding_size" json:"embedding_size" env:"EMBEDDING_SIZE"`
	HiddenDim        int     `yaml:"hidden_dim" json:"hidden_dim" env:"HIDDEN_DIM"`
	NHead            int     `yaml:"nhead" json:"nhead" env:"NHEAD"`
	NumEncoderLayers int     `yaml:"num_encoder_layers" json:"num_encoder_layers" env:"NUM_ENCODER_LAYERS"`
	NumDecoderLayers int     `yaml:"num_decoder_layers" json:"num_decoder_layers" env:"NUM_DECODER_LAYERS"`
	Dropout          float64 `yaml:"dropout" json:"dropout" env:"DROPOUT"`
}

// Family implements Architecture.
func (a *TransformerArch) Family() Family { return FamilyTransformer }

// ContextParams implements Architecture.
func (a *TransformerArch) ContextParams() map[string]any {
	return map[string]any{
		ParamFamily:           string(FamilyTransformer),
		ParamEmbeddingSize:    a.EmbeddingSize,
		ParamHiddenDim:        a.HiddenDim,
		ParamNumHeads:         a.NHead,
		ParamNumEncoderLayers: a.NumEncoderLayers,
		ParamNumDecoderLayers: a.NumDecoderLayers,
		ParamDropout:          a.Dropout,
	}
}

// SkanformerArch are the hyperparameters of the Skanformer: a transformer whose encoder
// feed-forward blocks are KAN (Kolmogorov-Arnold Network) layers.
type SkanformerArch struct {
	EmbeddingSize int `yaml:"embedding_size" json:"embedding_size" env:"EMBEDDING_SIZE"`
	NHead         int `yaml:"nhead" json:"nhead" env:"NHEAD"`

	// NumLayers is used both for the encoder and the decoder.
	NumLayers int `yaml:"num_layers" json:"num_layers" env:"NUM_LAYERS"`

	// FFDims are the hidden widths of the KAN feed-forward blocks of the encoder.
	FFDims []int `yaml:"ff_dims" json:"ff_dims" env:"FF_DIMS" envSeparator:","`

	// DFF is the hidden width of the dense feed-forward blocks of the decoder.
	DFF     int     `yaml:"d_ff" json:"d_ff" env:"D_FF"`
	Dropout float64 `yaml:"dropout" json:"dropout" env:"DROPOUT"`

	// KANBasis is either KANBasisSine (default) or KANBasisBSpline.
	KANBasis    string `yaml:"kan_basis" json:"kan_basis" env:"KAN_BASIS"`
	KANGridSize int    `yaml:"kan_grid_size" json:"kan_grid_size" env:"KAN_GRID_SIZE"`
}

// Family implements Architecture.
func (a *SkanformerArch) Family() Family { return FamilySkanformer }

// ContextParams implements Architecture.
func (a *SkanformerArch) ContextParams() map[string]any {
	basis := a.KANBasis
	if basis == "" {
		basis = KANBasisSine
	}
	gridSize := a.KANGridSize
	if gridSize <= 0 {
		gridSize = 8
	}
	return map[string]any{
		ParamFamily:           string(FamilySkanformer),
		ParamEmbeddingSize:    a.EmbeddingSize,
		ParamNumHeads:         a.NHead,
		ParamNumEncoderLayers: a.NumLayers,
		ParamNumDecoderLayers: a.NumLayers,
		ParamFFDims:           append([]int(nil), a.FFDims...),
		ParamDFF:              a.DFF,
		ParamDropout:          a.Dropout,
		ParamKANBasis:         basis,
		ParamKANGridSize:      gridSize,
	}
}

// TransformerConfig is the training configuration of the vanilla transformer.
type TransformerConfig struct {
	Training        `yaml:",inline"`
	TransformerArch `yaml:",inline"`
}

// TransformerTestConfig is the inference configuration of the vanilla transformer.
type TransformerTestConfig struct {
	Inference       `yaml:",inline"`
	TransformerArch `yaml:",inline"`
}

// SkanformerConfig is the training configuration of the Skanformer.
type SkanformerConfig struct {
	Training       `yaml:",inline"`
	SkanformerArch `yaml:",inline"`
}

// SkanformerTestConfig is the inference configuration of the Skanformer.
type SkanformerTestConfig struct {
	Inference      `yaml:",inline"`
	SkanformerArch `yaml:",inline"`
}

// DefaultTransformerConfig returns a TransformerConfig with the defaults set.
func DefaultTransformerConfig() *TransformerConfig {
	return &TransformerConfig{Training: DefaultTraining()}
}

// DefaultTransformerTestConfig returns a TransformerTestConfig with the defaults set.
func DefaultTransformerTestConfig() *TransformerTestConfig {
	return &TransformerTestConfig{Inference: DefaultInference()}
}

// DefaultSkanformerConfig returns a SkanformerConfig with the defaults set.
// Notice the Skanformer keeps fewer numbered checkpoints (save_limit=3).
func DefaultSkanformerConfig() *SkanformerConfig {
	cfg := &SkanformerConfig{Training: DefaultTraining()}
	cfg.SaveLimit = 3
	cfg.KANBasis = KANBasisSine
	return cfg
}

// DefaultSkanformerTestConfig returns a SkanformerTestConfig with the defaults set.
func DefaultSkanformerTestConfig() *SkanformerTestConfig {
	cfg := &SkanformerTestConfig{Inference: DefaultInference()}
	cfg.KANBasis = KANBasisSine
	return cfg
}

// ForTesting returns the inference configuration matching a training configuration, used to
// build the predictor for a model being trained.
func ForTesting(cfg TrainerConfig) ModelConfig {
	switch c := cfg.(type) {
	case *TransformerConfig:
		return &TransformerTestConfig{Inference: c.Inference, TransformerArch: c.TransformerArch}
	case *SkanformerConfig:
		return &SkanformerTestConfig{Inference: c.Inference, SkanformerArch: c.SkanformerArch}
	}
	return cfg
}

// ApplyToContext sets the architecture and sequence hyperparameters of cfg as parameters of ctx.
func ApplyToContext(cfg ModelConfig, ctx *context.Context) {
	ctx.SetParams(cfg.ContextParams())
	inf := cfg.InferenceSettings()
	ctx.SetParams(map[string]any{
		ParamSrcVocabSize: inf.SrcVocSize,
		ParamTgtVocabSize: inf.TgtVocSize,
		ParamSrcMaxLen:    inf.SrcMaxLen,
		ParamTgtMaxLen:    inf.TgtMaxLen,
	})
}

// New returns the default training configuration for the given family name.
func New(family Family) (TrainerConfig, error) {
	switch family {
	case FamilyTransformer:
		return DefaultTransformerConfig(), nil
	case FamilySkanformer:
		return DefaultSkanformerConfig(), nil
	}
	return nil, errUnknownFamily(family)
}

// NewTest returns the default inference configuration for the given family name.
func NewTest(family Family) (ModelConfig, error) {
	switch family {
	case FamilyTransformer:
		return DefaultTransformerTestConfig(), nil
	case FamilySkanformer:
		return DefaultSkanformerTestConfig(), nil
	}
	return nil, errUnknownFamily(family)
}

func errUnknownFamily(family Family) error {
	return errors.Errorf("unknown model family %q, valid values are %q and %q", family, FamilyTransformer, FamilySkanformer)
}
