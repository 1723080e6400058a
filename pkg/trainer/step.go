// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"context"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/symba/pkg/distributed"
	"github.com/gomlx/symba/pkg/models"
	"github.com/gomlx/symba/pkg/vocab"
	"github.com/pkg/errors"
)

const (
	// InitialLossScale is the loss scale of the LossScaler when enabled.
	InitialLossScale = 65536.0

	// LossScaleGrowthInterval is the number of consecutive steps with finite gradients after which
	// the LossScaler doubles its scale.
	LossScaleGrowthInterval = 2000

	// AdamEpsilon used by the optimizer.
	AdamEpsilon = 1e-9
)

// LossScaler implements dynamic loss scaling for half-precision training: the loss is multiplied by
// the scale before the gradients are computed, and the gradients are divided by it afterward.
//
// If the gradients are not finite the optimizer step is skipped and the scale is halved; after
// LossScaleGrowthInterval consecutive good steps the scale is doubled.
//
// A disabled LossScaler always has scale 1.
type LossScaler struct {
	enabled   bool
	scale     float64
	goodSteps int
}

// NewLossScaler returns a LossScaler, enabled or not.
func NewLossScaler(enabled bool) *LossScaler {
	s := &LossScaler{enabled: enabled, scale: 1}
	if enabled {
		s.scale = InitialLossScale
	}
	return s
}

// Scale returns the current loss scale.
func (s *LossScaler) Scale() float64 { return s.scale }

// Update the scale after a step, given whether the gradients were finite.
func (s *LossScaler) Update(finite bool) {
	if !s.enabled {
		return
	}
	if !finite {
		s.scale /= 2
		s.goodSteps = 0
		return
	}
	s.goodSteps++
	if s.goodSteps == LossScaleGrowthInterval {
		s.scale *= 2
		s.goodSteps = 0
	}
}

// MaskedCrossEntropy returns the mean cross-entropy of the logits ([batch, seqLen, vocab]) with respect
// to the labels ([batch, seqLen], int), over the positions whose label is not vocab.PAD.
//
// If every label is padding the loss is 0.
func MaskedCrossEntropy(logits, labels *Node) *Node {
	g := logits.Graph()
	dtype := logits.DType()
	vocabSize := logits.Shape().Dimensions[logits.Rank()-1]
	logProbs := LogSoftmax(logits, -1)
	nll := Neg(ReduceSum(Mul(OneHot(labels, vocabSize, dtype), logProbs), -1))
	mask := NotEqual(labels, Scalar(g, labels.DType(), vocab.PAD))
	total := ReduceAllSum(Where(mask, nll, ZerosLike(nll)))
	count := ReduceAllSum(ConvertDType(mask, dtype))
	return Div(total, MaxScalar(count, 1))
}

// globalNorm returns the L2 norm of all the gradients together.
func globalNorm(grads []*Node) *Node {
	var sum *Node
	for _, grad := range grads {
		s := ReduceAllSum(Square(grad))
		if sum == nil {
			sum = s
		} else {
			sum = Add(sum, s)
		}
	}
	return Sqrt(sum)
}

// gradientsOptimizer is an optimizer that can apply gradients computed elsewhere, as the gomlx Adam
// and SGD optimizers do.
type gradientsOptimizer interface {
	optimizers.Interface
	UpdateGraphWithGradients(ctx *mlctx.Context, grads []*Node, lossDType dtypes.DType)
}

// stepExecs holds the computation graphs of the trainer.
//
// An optimizer step is split in two graphs so the gradients can be averaged across workers in between:
// the gradient graph computes the loss and the (unscaled) gradients, and the apply graph clips them
// and updates the weights with AdamW.
type stepExecs struct {
	ctx          *mlctx.Context
	model        models.Model
	optimizer    gradientsOptimizer
	clipGradNorm float64

	// trainable variables, in the order of the gradients, set when the gradient graph is built.
	trainable []*mlctx.Variable

	gradExec, applyExec, evalExec *mlctx.Exec
}

func newStepExecs(backend backends.Backend, ctx *mlctx.Context, model models.Model, optimizerLR, weightDecay, clipGradNorm float64) (*stepExecs, error) {
	adam := optimizers.Adam().
		LearningRate(optimizerLR).
		Epsilon(AdamEpsilon).
		WeightDecay(weightDecay).
		Done()
	optimizer, ok := adam.(gradientsOptimizer)
	if !ok {
		return nil, errors.Errorf("optimizer %T can't apply precomputed gradients", adam)
	}
	s := &stepExecs{
		ctx:          ctx,
		model:        model,
		optimizer:    optimizer,
		clipGradNorm: clipGradNorm,
	}
	var err error
	s.gradExec, err = mlctx.NewExec(backend, ctx, s.gradGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "creating gradient graph")
	}
	s.applyExec, err = mlctx.NewExec(backend, ctx, s.applyGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "creating update graph")
	}
	s.evalExec, err = mlctx.NewExec(backend, ctx, s.evalGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "creating evaluation graph")
	}
	return s, nil
}

// gradGraph takes src, tgtIn, tgtOut and the loss scale, and returns the loss, whether all gradients
// are finite, and the gradients of the trainable variables.
func (s *stepExecs) gradGraph(ctx *mlctx.Context, inputs []*Node) []*Node {
	src, tgtIn, tgtOut, scale := inputs[0], inputs[1], inputs[2], inputs[3]
	g := src.Graph()
	ctx.SetTraining(g, true)
	logits := models.Forward(ctx, s.model, src, tgtIn)
	loss := MaskedCrossEntropy(logits, tgtOut)
	scale = ConvertDType(scale, loss.DType())
	grads := ctx.BuildTrainableVariablesGradientsGraph(Mul(loss, scale))
	if s.trainable == nil {
		for v := range ctx.IterVariables() {
			if v.Trainable && v.InUseByGraph(g) {
				s.trainable = append(s.trainable, v)
			}
		}
	}
	grads = xslices.Map(grads, func(grad *Node) *Node { return Div(grad, scale) })
	finite := Const(g, true)
	for _, grad := range grads {
		finite = LogicalAnd(finite, LogicalAll(IsFinite(grad)))
	}
	return append([]*Node{loss, finite}, grads...)
}

// applyGraph takes the gradients, clips them if configured and applies the optimizer.
// It returns the global norm of the gradients applied.
func (s *stepExecs) applyGraph(ctx *mlctx.Context, grads []*Node) []*Node {
	g := grads[0].Graph()
	if len(grads) != len(s.trainable) {
		exceptions.Panicf("got %d gradients for %d trainable variables", len(grads), len(s.trainable))
	}
	// The optimizer only updates the variables in use by the graph.
	for _, v := range s.trainable {
		_ = v.ValueGraph(g)
	}
	norm := globalNorm(grads)
	if s.clipGradNorm > 0 {
		factor := MinScalar(Div(Scalar(g, norm.DType(), s.clipGradNorm), AddScalar(norm, 1e-6)), 1)
		grads = xslices.Map(grads, func(grad *Node) *Node { return Mul(grad, factor) })
		norm = Mul(norm, factor)
	}
	s.optimizer.UpdateGraphWithGradients(ctx, grads, models.DType)
	return []*Node{norm}
}

// evalGraph returns the loss of a batch, in evaluation mode.
func (s *stepExecs) evalGraph(ctx *mlctx.Context, src, tgtIn, tgtOut *Node) *Node {
	logits := models.Forward(ctx, s.model, src, tgtIn)
	return MaskedCrossEntropy(logits, tgtOut)
}

// setLearningRate of the optimizer for the following steps.
func (s *stepExecs) setLearningRate(lr float64) error {
	return exceptions.TryCatch[error](func() {
		lrVar := optimizers.LearningRateVarWithValue(s.ctx, models.DType, lr)
		if err := lrVar.SetValue(tensors.FromScalar(float32(lr))); err != nil {
			panic(err)
		}
	})
}

// stepResult of a training step.
type stepResult struct {
	Loss     float64
	GradNorm float64

	// Skipped is true if the gradients were not finite and the weights were not updated.
	Skipped bool
}

// trainStep runs one optimizer step on a batch. With more than one worker, the gradients are averaged
// across the group before being applied: all workers must call it the same number of times.
func (s *stepExecs) trainStep(ctx context.Context, group distributed.Group, inputs, labels []*tensors.Tensor, lossScale float64) (stepResult, error) {
	var result stepResult
	outputs, err := s.gradExec.Exec(inputs[0], inputs[1], labels[0], float32(lossScale))
	if err != nil {
		return result, errors.WithMessage(err, "computing gradients")
	}
	result.Loss = float64(tensors.MustCopyFlatData[float32](outputs[0])[0])
	finite := tensors.MustCopyFlatData[bool](outputs[1])[0]
	grads := outputs[2:]

	if group.WorldSize() > 1 {
		grads, finite, err = allReduceGradients(ctx, group, grads)
		if err != nil {
			return result, err
		}
	}
	if !finite {
		result.Skipped = true
		result.GradNorm = math.NaN()
		return result, nil
	}
	args := make([]any, len(grads))
	for ii, grad := range grads {
		args[ii] = grad
	}
	normT, err := s.applyExec.Exec1(args...)
	if err != nil {
		return result, errors.WithMessage(err, "applying gradients")
	}
	result.GradNorm = float64(tensors.MustCopyFlatData[float32](normT)[0])
	return result, nil
}

// evalStep returns the loss of a batch.
func (s *stepExecs) evalStep(inputs, labels []*tensors.Tensor) (float64, error) {
	lossT, err := s.evalExec.Exec1(inputs[0], inputs[1], labels[0])
	if err != nil {
		return 0, errors.WithMessage(err, "evaluating batch")
	}
	return float64(tensors.MustCopyFlatData[float32](lossT)[0]), nil
}

// allReduceGradients averages the gradients across the workers of the group, in one round.
// It also returns whether the averaged gradients are all finite, which is the same on every worker.
func allReduceGradients(ctx context.Context, group distributed.Group, grads []*tensors.Tensor) ([]*tensors.Tensor, bool, error) {
	var flat []float32
	for _, grad := range grads {
		flat = append(flat, tensors.MustCopyFlatData[float32](grad)...)
	}
	if err := group.AllReduceMean(ctx, flat); err != nil {
		return nil, false, errors.WithMessage(err, "averaging gradients")
	}
	finite := true
	for _, value := range flat {
		if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) {
			finite = false
			break
		}
	}
	reduced := make([]*tensors.Tensor, len(grads))
	var pos int
	for ii, grad := range grads {
		size := grad.Shape().Size()
		reduced[ii] = tensors.FromFlatDataAndDimensions(flat[pos:pos+size], grad.Shape().Dimensions...)
		pos += size
	}
	return reduced, finite, nil
}
