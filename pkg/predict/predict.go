// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package predict decodes target expressions from trained models, and measures their sequence
// accuracy on a test set.
package predict

import (
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/symba/pkg/checkpoint"
	"github.com/gomlx/symba/pkg/config"
	"github.com/gomlx/symba/pkg/data"
	"github.com/gomlx/symba/pkg/models"
	"github.com/gomlx/symba/pkg/vocab"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Predictor decodes greedily with a model.
//
// Graphs have fixed shapes ([1, src_max_len] sources and [1, tgt_max_len] partial targets), so
// they are compiled only once. A Predictor is not safe for concurrent use.
type Predictor struct {
	ctx       *context.Context
	model     models.Model
	srcMaxLen int
	tgtMaxLen int

	encodeExec, decodeExec *context.Exec
}

// CheckpointBase returns the base path of the checkpoint used by New: "<root_dir>/<model>_best" if
// loadBest, otherwise "<root_dir>/<model>_ep<epoch+1>".
func CheckpointBase(cfg config.ModelConfig, loadBest bool, epoch int) string {
	inf := cfg.InferenceSettings()
	name := checkpoint.BestName(inf.ModelName)
	if !loadBest {
		name = checkpoint.EpochName(inf.ModelName, epoch+1)
	}
	return filepath.Join(inf.RootDir, name)
}

// New creates a Predictor loading the model weights from a checkpoint, see CheckpointBase.
// A missing checkpoint is an error.
func New(backend backends.Backend, cfg config.ModelConfig, loadBest bool, epoch int) (*Predictor, error) {
	ctx := context.New()
	config.ApplyToContext(cfg, ctx)
	base := CheckpointBase(cfg, loadBest, epoch)
	if _, err := checkpoint.Load(ctx, base, checkpoint.Options{ModelOnly: true}); err != nil {
		return nil, errors.WithMessage(err, "loading predictor weights")
	}
	klog.V(1).Infof("predictor loaded %q", base)
	return FromContext(backend, cfg, ctx)
}

// FromContext creates a Predictor using the model weights already in ctx. The weights are shared,
// so it can be used to evaluate a model while it is trained.
func FromContext(backend backends.Backend, cfg config.ModelConfig, ctx *context.Context) (*Predictor, error) {
	model, err := models.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	inf := cfg.InferenceSettings()
	p := &Predictor{ctx: ctx, model: model, srcMaxLen: inf.SrcMaxLen, tgtMaxLen: inf.TgtMaxLen}
	p.encodeExec, err = context.NewExec(backend, ctx, func(ctx *context.Context, src *Node) *Node {
		return model.Encode(ctx, src, models.ValidMask(src))
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating encoder")
	}
	p.decodeExec, err = context.NewExec(backend, ctx, func(ctx *context.Context, src, memory, ys *Node) *Node {
		hidden := model.Decode(ctx, ys, memory, models.ValidMask(src))
		logits := model.Generator(ctx, hidden)
		return ArgMax(logits, -1, dtypes.Int32)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "creating decoder")
	}
	return p, nil
}

// Context returns the context holding the model weights.
func (p *Predictor) Context() *context.Context { return p.ctx }

// padded returns ids padded with PAD to maxLen, shaped [1, maxLen].
func padded(ids []int, maxLen int) (*tensors.Tensor, error) {
	if len(ids) > maxLen {
		return nil, errors.Errorf("sequence of length %d is longer than the maximum %d", len(ids), maxLen)
	}
	flat := make([]int32, maxLen)
	for ii := range flat {
		if ii < len(ids) {
			flat[ii] = int32(ids[ii])
		} else {
			flat[ii] = vocab.PAD
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, 1, maxLen), nil
}

// GreedyDecode encodes src once and then appends the arg-max token at each step, starting from
// the start symbol, for at most tgt_max_len steps. It stops right after EOS is generated.
//
// The result includes the start symbol and EOS, if generated: its length is at most tgt_max_len+1.
func (p *Predictor) GreedyDecode(src []int, start int) ([]int, error) {
	srcT, err := padded(src, p.srcMaxLen)
	if err != nil {
		return nil, errors.WithMessage(err, "source")
	}
	memory, err := p.encodeExec.Exec1(srcT)
	if err != nil {
		return nil, errors.WithMessage(err, "encoding source")
	}
	return GreedyLoop(start, vocab.EOS, p.tgtMaxLen, func(ys []int) (int, error) {
		ysT, err := padded(ys, p.tgtMaxLen)
		if err != nil {
			return 0, err
		}
		next, err := p.decodeExec.Exec1(srcT, memory, ysT)
		if err != nil {
			return 0, errors.WithMessage(err, "decoding step")
		}
		return int(tensors.MustCopyFlatData[int32](next)[len(ys)-1]), nil
	})
}

// GreedyLoop runs the greedy decoding loop: starting from [start], it calls next with the tokens
// so far and appends its result, for at most maxLen steps, stopping right after eos.
func GreedyLoop(start, eos, maxLen int, next func(ys []int) (int, error)) ([]int, error) {
	ys := make([]int, 1, maxLen+1)
	ys[0] = start
	for range maxLen {
		token, err := next(ys)
		if err != nil {
			return nil, err
		}
		ys = append(ys, token)
		if token == eos {
			break
		}
	}
	return ys, nil
}

// PredictRaw decodes the example's source, returning the reference target and generated token ids.
func (p *Predictor) PredictRaw(ex data.Example) (target, generated []int, err error) {
	generated, err = p.GreedyDecode(ex.Src, vocab.BOS)
	if err != nil {
		return nil, nil, err
	}
	return ex.Tgt, generated, nil
}

// Predict decodes the example's source and returns the generated expression, with the special
// tokens removed, using itos to map ids to tokens.
func (p *Predictor) Predict(ex data.Example, itos []string) (string, error) {
	_, generated, err := p.PredictRaw(ex)
	if err != nil {
		return "", err
	}
	return vocab.Decode(itos, generated), nil
}
