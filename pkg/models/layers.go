// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
)

// feedForwardFn is the position-wise feed-forward block of a layer: [batch, seq, embed] -> same shape.
type feedForwardFn func(ctx *context.Context, x *Node) *Node

// embed tokens, scaled by sqrt(embedding_size), plus sinusoidal positions.
func embed(ctx *context.Context, tokens *Node, vocabSize, dim int) *Node {
	g := tokens.Graph()
	x := layers.Embedding(ctx, tokens, DType, vocabSize, dim)
	x = MulScalar(x, math.Sqrt(float64(dim)))
	seqLen := tokens.Shape().Dimensions[1]
	positions := ConvertDType(Const(g, sinusoidalPositions(seqLen, dim)), DType)
	positions = InsertAxes(positions, 0)
	return Add(x, BroadcastToDims(positions, x.Shape().Dimensions...))
}

// addAndNorm is the post-norm residual connection: LayerNorm(x + Dropout(sublayer)).
func addAndNorm(ctx *context.Context, x, sublayer *Node, dropout float64) *Node {
	if dropout > 0 {
		sublayer = layers.DropoutStatic(ctx, sublayer, dropout)
	}
	return layers.LayerNormalization(ctx, Add(x, sublayer), -1).Done()
}

// denseFeedForward is Dense(hidden) -> ReLU -> Dropout -> Dense(embed).
func denseFeedForward(hiddenDim int, dropout float64) feedForwardFn {
	return func(ctx *context.Context, x *Node) *Node {
		embedDim := x.Shape().Dimensions[x.Rank()-1]
		h := layers.Dense(ctx.In("hidden"), x, true, hiddenDim)
		h = activations.Relu(h)
		if dropout > 0 {
			h = layers.DropoutStatic(ctx, h, dropout)
		}
		return layers.Dense(ctx.In("output"), h, true, embedDim)
	}
}

// encoderStack embeds the source and applies the encoder layers: bidirectional self-attention over
// the valid source tokens followed by the feed-forward block.
func encoderStack(ctx *context.Context, d *Dims, src, srcValid *Node, ffn feedForwardFn) *Node {
	x := embed(ctx.In("src_embedding"), src, d.SrcVocabSize, d.EmbeddingSize)
	if d.Dropout > 0 {
		x = layers.DropoutStatic(ctx, x, d.Dropout)
	}
	for ii := range d.NumEncoderLayers {
		layerCtx := ctx.In(layerScope("encoder", ii))
		attn := withDropout(attention.MultiHeadAttention(layerCtx.In("self_attention"), x, x, x, d.NumHeads, d.HeadDim()).
			WithKeyMask(srcValid), x, d.Dropout).
			Done()
		x = addAndNorm(layerCtx.In("attention_norm"), x, attn, d.Dropout)
		x = addAndNorm(layerCtx.In("ffn_norm"), x, ffn(layerCtx.In("ffn"), x), d.Dropout)
	}
	return x
}

// decoderStack embeds the target and applies the decoder layers: causal self-attention,
// cross-attention to the memory, and the feed-forward block.
//
// The self-attention has no key mask: target padding is trailing, so the causal mask already hides it
// from every valid position, and the outputs at padded positions are ignored.
func decoderStack(ctx *context.Context, d *Dims, tgt, memory, srcValid *Node, ffn feedForwardFn) *Node {
	y := embed(ctx.In("tgt_embedding"), tgt, d.TgtVocabSize, d.EmbeddingSize)
	if d.Dropout > 0 {
		y = layers.DropoutStatic(ctx, y, d.Dropout)
	}
	for ii := range d.NumDecoderLayers {
		layerCtx := ctx.In(layerScope("decoder", ii))
		self := withDropout(attention.MultiHeadAttention(layerCtx.In("self_attention"), y, y, y, d.NumHeads, d.HeadDim()).
			WithCausalMask(true), y, d.Dropout).
			Done()
		y = addAndNorm(layerCtx.In("self_attention_norm"), y, self, d.Dropout)
		cross := withDropout(attention.MultiHeadAttention(layerCtx.In("cross_attention"), y, memory, memory, d.NumHeads, d.HeadDim()).
			WithKeyMask(srcValid), y, d.Dropout).
			Done()
		y = addAndNorm(layerCtx.In("cross_attention_norm"), y, cross, d.Dropout)
		y = addAndNorm(layerCtx.In("ffn_norm"), y, ffn(layerCtx.In("ffn"), y), d.Dropout)
	}
	return y
}

// withDropout sets the attention coefficients dropout rate, if any.
func withDropout(b *attention.MultiHeadAttentionBuilder, x *Node, rate float64) *attention.MultiHeadAttentionBuilder {
	if rate <= 0 {
		return b
	}
	return b.WithDropout(Scalar(x.Graph(), x.DType(), rate))
}

// generator projects to the target vocabulary.
func generator(ctx *context.Context, d *Dims, hidden *Node) *Node {
	return layers.Dense(ctx.In("generator"), hidden, true, d.TgtVocabSize)
}
