// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models implements the sequence-to-sequence models trained by symba: the vanilla transformer
// encoder-decoder and the Skanformer, a transformer whose encoder feed-forward blocks are KAN layers.
//
// Models are built from the hyperparameters set in the context (see config.ApplyToContext), and all
// their variables live under the context scope Scope.
package models

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/symba/pkg/config"
	"github.com/gomlx/symba/pkg/vocab"
	"github.com/pkg/errors"
)

// Scope is the absolute context scope of the model variables.
const Scope = "/model"

// DType used by the models.
var DType = dtypes.Float32

// Model is a sequence-to-sequence model.
//
// Token inputs are int32 shaped [batch, seq_len]; the valid masks are booleans of the same shape,
// false for padding.
type Model interface {
	// Encode the source tokens into the memory, shaped [batch, src_len, embedding_size].
	Encode(ctx *context.Context, src, srcValid *Node) *Node

	// Decode the target tokens attending to the memory: causal self-attention followed by
	// cross-attention. Returns the hidden states, shaped [batch, tgt_len, embedding_size].
	//
	// Target padding must be trailing: the causal mask alone keeps valid positions from attending
	// to it.
	Decode(ctx *context.Context, tgt, memory, srcValid *Node) *Node

	// Generator projects hidden states to the target vocabulary logits.
	Generator(ctx *context.Context, hidden *Node) *Node
}

// Dims are the hyperparameters shared by all models.
type Dims struct {
	SrcVocabSize, TgtVocabSize int
	SrcMaxLen, TgtMaxLen       int
	EmbeddingSize, NumHeads    int
	NumEncoderLayers           int
	NumDecoderLayers           int
	Dropout                    float64
}

// HeadDim is the dimension of each attention head.
func (d *Dims) HeadDim() int {
	return d.EmbeddingSize / d.NumHeads
}

func (d *Dims) validate() error {
	if d.SrcVocabSize <= vocab.EOS || d.TgtVocabSize <= vocab.EOS {
		return errors.Errorf("vocabulary sizes (%d, %d) must include the special tokens", d.SrcVocabSize, d.TgtVocabSize)
	}
	if d.SrcMaxLen < 2 || d.TgtMaxLen < 2 {
		return errors.Errorf("max lengths (%d, %d) must be at least 2", d.SrcMaxLen, d.TgtMaxLen)
	}
	if d.EmbeddingSize <= 0 || d.NumHeads <= 0 || d.EmbeddingSize%d.NumHeads != 0 {
		return errors.Errorf("embedding_size (%d) must be a positive multiple of nhead (%d)", d.EmbeddingSize, d.NumHeads)
	}
	if d.NumEncoderLayers < 0 || d.NumDecoderLayers < 0 {
		return errors.Errorf("invalid number of layers (%d, %d)", d.NumEncoderLayers, d.NumDecoderLayers)
	}
	if d.Dropout < 0 || d.Dropout >= 1 {
		return errors.Errorf("dropout %g must be in [0, 1)", d.Dropout)
	}
	return nil
}

func dimsFromContext(ctx *context.Context) Dims {
	return Dims{
		SrcVocabSize:     context.GetParamOr(ctx, config.ParamSrcVocabSize, 0),
		TgtVocabSize:     context.GetParamOr(ctx, config.ParamTgtVocabSize, 0),
		SrcMaxLen:        context.GetParamOr(ctx, config.ParamSrcMaxLen, 0),
		TgtMaxLen:        context.GetParamOr(ctx, config.ParamTgtMaxLen, 0),
		EmbeddingSize:    context.GetParamOr(ctx, config.ParamEmbeddingSize, 0),
		NumHeads:         context.GetParamOr(ctx, config.ParamNumHeads, 0),
		NumEncoderLayers: context.GetParamOr(ctx, config.ParamNumEncoderLayers, 0),
		NumDecoderLayers: context.GetParamOr(ctx, config.ParamNumDecoderLayers, 0),
		Dropout:          context.GetParamOr(ctx, config.ParamDropout, 0.0),
	}
}

// FromContext creates the model described by the hyperparameters of ctx.
func FromContext(ctx *context.Context) (Model, error) {
	family := config.Family(context.GetParamOr(ctx, config.ParamFamily, ""))
	dims := dimsFromContext(ctx)
	if err := dims.validate(); err != nil {
		return nil, errors.WithMessagef(err, "model %q", family)
	}
	switch family {
	case config.FamilyTransformer:
		m := &Transformer{Dims: dims, HiddenDim: context.GetParamOr(ctx, config.ParamHiddenDim, 0)}
		if m.HiddenDim <= 0 {
			return nil, errors.Errorf("transformer hidden_dim must be positive, got %d", m.HiddenDim)
		}
		return m, nil
	case config.FamilySkanformer:
		m := &Skanformer{
			Dims:     dims,
			FFDims:   context.GetParamOr(ctx, config.ParamFFDims, []int(nil)),
			DFF:      context.GetParamOr(ctx, config.ParamDFF, 0),
			Basis:    context.GetParamOr(ctx, config.ParamKANBasis, config.KANBasisSine),
			GridSize: context.GetParamOr(ctx, config.ParamKANGridSize, 8),
		}
		if err := m.validate(); err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, errors.Errorf("unknown model family %q", family)
}

// New creates the model configured by cfg.
func New(cfg config.ModelConfig) (Model, error) {
	ctx := context.New()
	config.ApplyToContext(cfg, ctx)
	return FromContext(ctx)
}

// Context returns ctx scoped to the model variables. It is unchecked, so the same variables can be
// used by any number of graphs.
func Context(ctx *context.Context) *context.Context {
	return ctx.InAbsPath(Scope).Checked(false)
}

// ValidMask returns true where tokens are not padding.
func ValidMask(tokens *Node) *Node {
	return NotEqual(tokens, Scalar(tokens.Graph(), tokens.DType(), float64(vocab.PAD)))
}

// Forward runs the full model with teacher forcing, returning the logits for each target position,
// shaped [batch, tgt_len, tgt_vocab_size].
func Forward(ctx *context.Context, m Model, src, tgtIn *Node) *Node {
	srcValid := ValidMask(src)
	memory := m.Encode(ctx, src, srcValid)
	hidden := m.Decode(ctx, tgtIn, memory, srcValid)
	return m.Generator(ctx, hidden)
}

// NumParameters returns the number of scalars in the model variables of ctx.
func NumParameters(ctx *context.Context) int {
	var count int
	for v := range ctx.IterVariables() {
		if v.Scope() == Scope || strings.HasPrefix(v.Scope(), Scope+context.ScopeSeparator) {
			count += v.Shape().Size()
		}
	}
	return count
}

// sinusoidalPositions returns the fixed positional encodings of "Attention Is All You Need",
// shaped [seqLen, dim].
func sinusoidalPositions(seqLen, dim int) [][]float32 {
	table := make([][]float32, seqLen)
	for pos := range seqLen {
		row := make([]float32, dim)
		for ii := 0; ii < dim; ii += 2 {
			angle := float64(pos) / math.Pow(10000, float64(ii)/float64(dim))
			row[ii] = float32(math.Sin(angle))
			if ii+1 < dim {
				row[ii+1] = float32(math.Cos(angle))
			}
		}
		table[pos] = row
	}
	return table
}

func layerScope(prefix string, idx int) string {
	return fmt.Sprintf("%s_%d", prefix, idx)
}
