// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Transformer is the vanilla encoder-decoder transformer, with post-norm layers and dense
// ReLU feed-forward blocks of width HiddenDim.
type Transformer struct {
	Dims
	HiddenDim int
}

var _ Model = (*Transformer)(nil)

// Encode implements Model.
func (m *Transformer) Encode(ctx *context.Context, src, srcValid *Node) *Node {
	ctx = Context(ctx).In("encoder")
	return encoderStack(ctx, &m.Dims, src, srcValid, denseFeedForward(m.HiddenDim, m.Dropout))
}

// Decode implements Model.
func (m *Transformer) Decode(ctx *context.Context, tgt, memory, srcValid *Node) *Node {
	ctx = Context(ctx).In("decoder")
	return decoderStack(ctx, &m.Dims, tgt, memory, srcValid, denseFeedForward(m.HiddenDim, m.Dropout))
}

// Generator implements Model.
func (m *Transformer) Generator(ctx *context.Context, hidden *Node) *Node {
	return generator(Context(ctx), &m.Dims, hidden)
}
