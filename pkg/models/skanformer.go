// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/kan"
	"github.com/gomlx/symba/pkg/config"
	"github.com/pkg/errors"
)

// Skanformer is a transformer whose encoder feed-forward blocks are KAN (Kolmogorov-Arnold Network)
// layers, with hidden widths FFDims. The decoder uses dense feed-forward blocks of width DFF.
//
// The KAN univariate functions are modeled either with sine features (Basis=config.KANBasisSine) or
// with b-splines (Basis=config.KANBasisBSpline), with GridSize frequencies or control points.
type Skanformer struct {
	Dims
	FFDims   []int
	DFF      int
	Basis    string
	GridSize int
}

var _ Model = (*Skanformer)(nil)

func (m *Skanformer) validate() error {
	for _, dim := range m.FFDims {
		if dim <= 0 {
			return errors.Errorf("skanformer ff_dims must be positive, got %v", m.FFDims)
		}
	}
	if m.DFF <= 0 {
		return errors.Errorf("skanformer d_ff must be positive, got %d", m.DFF)
	}
	switch m.Basis {
	case config.KANBasisSine:
		if m.GridSize < 1 {
			return errors.Errorf("sine KAN requires kan_grid_size >= 1, got %d", m.GridSize)
		}
	case config.KANBasisBSpline:
		if m.GridSize < 3 {
			return errors.Errorf("b-spline KAN requires kan_grid_size >= 3, got %d", m.GridSize)
		}
	default:
		return errors.Errorf("unknown KAN basis %q", m.Basis)
	}
	return nil
}

// Encode implements Model.
func (m *Skanformer) Encode(ctx *context.Context, src, srcValid *Node) *Node {
	ctx = Context(ctx).In("encoder")
	return encoderStack(ctx, &m.Dims, src, srcValid, m.kanFeedForward)
}

// Decode implements Model.
func (m *Skanformer) Decode(ctx *context.Context, tgt, memory, srcValid *Node) *Node {
	ctx = Context(ctx).In("decoder")
	return decoderStack(ctx, &m.Dims, tgt, memory, srcValid, denseFeedForward(m.DFF, m.Dropout))
}

// Generator implements Model.
func (m *Skanformer) Generator(ctx *context.Context, hidden *Node) *Node {
	return generator(Context(ctx), &m.Dims, hidden)
}

// kanFeedForward chains KAN layers through the FFDims widths and back to the embedding size.
func (m *Skanformer) kanFeedForward(ctx *context.Context, x *Node) *Node {
	dims := x.Shape().Dimensions
	embedDim := dims[len(dims)-1]
	x = Reshape(x, -1, embedDim)
	widths := append(append([]int(nil), m.FFDims...), embedDim)
	for ii, width := range widths {
		layerCtx := ctx.In(fmt.Sprintf("kan_%d", ii))
		if m.Basis == config.KANBasisBSpline {
			x = kan.New(layerCtx, x, width).
				NumHiddenLayers(0, width).
				NumControlPoints(m.GridSize).
				BSpline().
				Done()
		} else {
			x = SineKAN(layerCtx, x, width, m.GridSize)
		}
		if ii < len(widths)-1 && m.Dropout > 0 {
			x = layers.DropoutStatic(ctx, x, m.Dropout)
		}
	}
	return Reshape(x, dims...)
}

// SineKAN is a KAN layer whose univariate functions are sums of sines:
//
//	y_o = b_o + sum_{i,k} A_{o,i,k} * sin((k+1) * x_i + phase_{i,k})
//
// for k in [0, gridSize). The phases and amplitudes A are learned.
// The input x is shaped [batch, numInputs], and the output [batch, numOutputs].
func SineKAN(ctx *context.Context, x *Node, numOutputs, gridSize int) *Node {
	g := x.Graph()
	batchSize, numInputs := x.Shape().Dimensions[0], x.Shape().Dimensions[1]

	frequencies := make([]float32, gridSize)
	for k := range frequencies {
		frequencies[k] = float32(k + 1)
	}
	initialPhases := make([][]float32, numInputs)
	for ii := range initialPhases {
		initialPhases[ii] = make([]float32, gridSize)
		for k := range gridSize {
			initialPhases[ii][k] = float32((float64(k) + float64(ii)/float64(numInputs)) * math.Pi / float64(gridSize))
		}
	}
	phaseVar := ctx.VariableWithValue("phases", initialPhases)

	fullDims := []int{batchSize, numInputs, gridSize}
	freqNode := Reshape(ConvertDType(Const(g, frequencies), x.DType()), 1, 1, gridSize)
	phases := Reshape(ConvertDType(phaseVar.ValueGraph(g), x.DType()), 1, numInputs, gridSize)
	args := Mul(BroadcastToDims(InsertAxes(x, -1), fullDims...), BroadcastToDims(freqNode, fullDims...))
	args = Add(args, BroadcastToDims(phases, fullDims...))
	features := Reshape(Sin(args), batchSize, numInputs*gridSize)
	features = DivScalar(features, math.Sqrt(float64(numInputs*gridSize)))
	return layers.Dense(ctx.In("amplitudes"), features, true, numOutputs)
}
