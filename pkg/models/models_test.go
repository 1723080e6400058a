package models

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/symba/pkg/config"
	"github.com/gomlx/symba/pkg/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(family config.Family, basis string) *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		config.ParamFamily:           string(family),
		config.ParamSrcVocabSize:     12,
		config.ParamTgtVocabSize:     10,
		config.ParamSrcMaxLen:        6,
		config.ParamTgtMaxLen:        5,
		config.ParamEmbeddingSize:    8,
		config.ParamNumHeads:         2,
		config.ParamNumEncoderLayers: 2,
		config.ParamNumDecoderLayers: 1,
		config.ParamDropout:          0.0,
		config.ParamHiddenDim:        16,
		config.ParamFFDims:           []int{6},
		config.ParamDFF:              12,
		config.ParamKANBasis:         basis,
		config.ParamKANGridSize:      4,
	})
	return ctx
}

func TestFromContext(t *testing.T) {
	m, err := FromContext(testContext(config.FamilyTransformer, ""))
	require.NoError(t, err)
	require.IsType(t, &Transformer{}, m)
	assert.Equal(t, 4, m.(*Transformer).HeadDim())

	m, err = FromContext(testContext(config.FamilySkanformer, config.KANBasisBSpline))
	require.NoError(t, err)
	require.IsType(t, &Skanformer{}, m)
	assert.Equal(t, []int{6}, m.(*Skanformer).FFDims)

	ctx := testContext(config.FamilySkanformer, "chebyshev")
	_, err = FromContext(ctx)
	require.Error(t, err)

	ctx = testContext(config.FamilyTransformer, "")
	ctx.SetParam(config.ParamNumHeads, 3)
	_, err = FromContext(ctx)
	require.Error(t, err)

	ctx = testContext("lstm", "")
	_, err = FromContext(ctx)
	require.Error(t, err)
}

func TestNew(t *testing.T) {
	cfg := config.DefaultTransformerConfig()
	cfg.SrcVocSize, cfg.TgtVocSize = 20, 20
	cfg.SrcMaxLen, cfg.TgtMaxLen = 8, 8
	cfg.EmbeddingSize, cfg.NHead, cfg.HiddenDim = 16, 4, 32
	cfg.NumEncoderLayers, cfg.NumDecoderLayers = 1, 1
	m, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, 32, m.(*Transformer).HiddenDim)
}

func TestForward(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	src := [][]int32{
		{vocab.BOS, 4, 5, 6, vocab.EOS, vocab.PAD},
		{vocab.BOS, 7, vocab.EOS, vocab.PAD, vocab.PAD, vocab.PAD},
	}
	tgt := [][]int32{
		{vocab.BOS, 4, 5, vocab.EOS},
		{vocab.BOS, 6, vocab.PAD, vocab.PAD},
	}
	// Same as tgt, but with different tokens after position 1.
	tgtChanged := [][]int32{
		{vocab.BOS, 4, 8, 9},
		{vocab.BOS, 6, 7, vocab.EOS},
	}

	for _, tc := range []struct {
		name   string
		family config.Family
		basis  string
	}{
		{"transformer", config.FamilyTransformer, ""},
		{"skanformer-sine", config.FamilySkanformer, config.KANBasisSine},
		{"skanformer-bspline", config.FamilySkanformer, config.KANBasisBSpline},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testContext(tc.family, tc.basis)
			m, err := FromContext(ctx)
			require.NoError(t, err)
			exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, src, tgt *Node) *Node {
				return Forward(ctx, m, src, tgt)
			})
			require.NoError(t, err)
			logits, err := exec.Exec1(src, tgt)
			require.NoError(t, err)
			assert.Equal(t, []int{2, 4, 10}, logits.Shape().Dimensions)
			assert.Greater(t, NumParameters(ctx), 0)
			for v := range ctx.IterVariables() {
				if !v.Trainable {
					continue
				}
				assert.Contains(t, v.Scope(), Scope+"/", "variable %s outside of the model scope", v.ParameterName())
			}

			// Causality: logits of positions 0 and 1 don't depend on later target tokens.
			logitsChanged, err := exec.Exec1(src, tgtChanged)
			require.NoError(t, err)
			flat := tensors.MustCopyFlatData[float32](logits)
			flatChanged := tensors.MustCopyFlatData[float32](logitsChanged)
			const vocabSize, tgtLen = 10, 4
			for example := range 2 {
				for pos := range 2 {
					start := (example*tgtLen + pos) * vocabSize
					assert.InDeltaSlice(t, flat[start:start+vocabSize], flatChanged[start:start+vocabSize], 1e-4,
						"example %d position %d", example, pos)
				}
			}
		})
	}
}

func TestSinusoidalPositions(t *testing.T) {
	table := sinusoidalPositions(3, 4)
	require.Len(t, table, 3)
	assert.Equal(t, []float32{0, 1, 0, 1}, table[0])
	assert.InDelta(t, 0.8414709, table[1][0], 1e-6)
	assert.InDelta(t, 0.5403023, table[1][1], 1e-6)
}

func TestTrailingTargetPadding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	src := [][]int32{{vocab.BOS, 4, 5, vocab.EOS, vocab.PAD, vocab.PAD}}
	tgt := [][]int32{{vocab.BOS, 6, 7, vocab.EOS}}
	tgtPadded := [][]int32{{vocab.BOS, 6, 7, vocab.EOS, vocab.PAD}}

	for _, family := range []config.Family{config.FamilyTransformer, config.FamilySkanformer} {
		t.Run(string(family), func(t *testing.T) {
			ctx := testContext(family, config.KANBasisSine)
			m, err := FromContext(ctx)
			require.NoError(t, err)
			exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, src, tgt *Node) *Node {
				return Forward(ctx, m, src, tgt)
			})
			require.NoError(t, err)
			logits, err := exec.Exec1(src, tgt)
			require.NoError(t, err)
			logitsPadded, err := exec.Exec1(src, tgtPadded)
			require.NoError(t, err)
			assert.Equal(t, []int{1, 5, 10}, logitsPadded.Shape().Dimensions)

			// Extra padding at the end doesn't change the logits of the valid positions.
			flat := tensors.MustCopyFlatData[float32](logits)
			flatPadded := tensors.MustCopyFlatData[float32](logitsPadded)
			assert.InDeltaSlice(t, flat, flatPadded[:len(flat)], 1e-4)
		})
	}
}
