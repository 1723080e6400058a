package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/symba/pkg/schedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildContext() *context.Context {
	ctx := context.New()
	ctx.SetParam("family", "transformer")
	ctx.SetParam("nhead", 4)
	ctx.SetParam("ff_dims", []int{8, 16})
	ctx.SetParam("dropout", 0.1)
	ctx.InAbsPath(ModelScope).In("dense").VariableWithValue("weights", [][]float32{{1, 2}, {3, 4}})
	ctx.InAbsPath("/optimizers/adam").VariableWithValue("moment", []float32{0.5, 0.25}).SetTrainable(false)
	return ctx
}

func TestSaveLoad(t *testing.T) {
	for _, compression := range []BinFormat{BinGZIP, BinUncompressed} {
		t.Run(compression.String(), func(t *testing.T) {
			dir := t.TempDir()
			base := filepath.Join(dir, EpochName("symba", 3))
			record := &Record{
				Epoch:          3,
				GlobalStep:     120,
				TrainLossList:  []float64{2.5, 1.25, 0.75},
				ValidLossList:  []float64{2.0, 1.5, 1.0},
				WarmScheduler:  &schedule.State{Last: 12, LR: 1e-4},
				DecayScheduler: &schedule.State{Last: 2, LR: 5e-5},
				LearningRate:   5e-5,
			}
			require.NoError(t, Save(buildContext(), base, record, Options{Compression: compression}))
			require.True(t, Exists(base))
			_, err := os.Stat(base + BinSuffix + ".tmp")
			require.True(t, os.IsNotExist(err))

			// Full load into an empty context.
			ctx := context.New()
			loaded, err := Load(ctx, base, Options{})
			require.NoError(t, err)
			assert.Equal(t, record, loaded)
			assert.Equal(t, "transformer", context.GetParamOr(ctx, "family", ""))
			assert.Equal(t, 4, context.GetParamOr(ctx, "nhead", 0))
			assert.Equal(t, []int{8, 16}, context.GetParamOr(ctx, "ff_dims", []int(nil)))
			assert.Equal(t, 2, ctx.NumVariables())

			weights := ctx.GetVariableByScopeAndName("/model/dense", "weights")
			require.NotNil(t, weights)
			assert.True(t, weights.Trainable)
			assert.Equal(t, []float32{1, 2, 3, 4}, tensors.MustCopyFlatData[float32](weights.MustValue()))
			moment := ctx.GetVariableByScopeAndName("/optimizers/adam", "moment")
			require.NotNil(t, moment)
			assert.False(t, moment.Trainable)

			// Model only: optimizer state is skipped.
			ctx = context.New()
			_, err = Load(ctx, base, Options{ModelOnly: true})
			require.NoError(t, err)
			assert.Equal(t, 1, ctx.NumVariables())
			assert.Nil(t, ctx.GetVariableByScopeAndName("/optimizers/adam", "moment"))

			// Existing variables are overwritten in place.
			ctx = context.New()
			v := ctx.InAbsPath("/model/dense").VariableWithValue("weights", [][]float32{{0, 0}, {0, 0}})
			_, err = Load(ctx, base, Options{ModelOnly: true})
			require.NoError(t, err)
			assert.Equal(t, []float32{1, 2, 3, 4}, tensors.MustCopyFlatData[float32](v.MustValue()))

			// Shape mismatch is an error.
			ctx = context.New()
			ctx.InAbsPath("/model/dense").VariableWithValue("weights", []float32{0, 0, 0})
			_, err = Load(ctx, base, Options{ModelOnly: true})
			require.Error(t, err)
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(context.New(), filepath.Join(t.TempDir(), BestName("symba")), Options{})
	require.Error(t, err)
}

func TestGroupOf(t *testing.T) {
	assert.Equal(t, GroupModel, GroupOf("/model"))
	assert.Equal(t, GroupModel, GroupOf("/model/encoder/layer_0"))
	assert.Equal(t, GroupOptimizer, GroupOf("/models"))
	assert.Equal(t, GroupOptimizer, GroupOf("/optimizers"))
	assert.Equal(t, GroupOptimizer, GroupOf("/"))
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	ctx := buildContext()
	save := func(epoch int) string {
		base := filepath.Join(dir, EpochName("symba", epoch))
		require.NoError(t, Save(ctx, base, &Record{Epoch: epoch}, Options{}))
		return base
	}

	r, err := NewRotation(dir, "symba", 2)
	require.NoError(t, err)
	for epoch := 1; epoch <= 4; epoch++ {
		require.NoError(t, r.Push(save(epoch)))
	}
	list, err := List(dir, "symba")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 3, list[0].Epoch)
	assert.Equal(t, 4, list[1].Epoch)

	// The best checkpoint is not listed nor rotated.
	require.NoError(t, Save(ctx, filepath.Join(dir, BestName("symba")), &Record{}, Options{}))
	r, err = NewRotation(dir, "symba", 2)
	require.NoError(t, err)
	assert.Len(t, r.Paths(), 2)
	require.NoError(t, r.Push(save(5)))
	require.NoError(t, r.Push(save(5)))
	list, err = List(dir, "symba")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 4, list[0].Epoch)
	assert.True(t, Exists(filepath.Join(dir, BestName("symba"))))

	// Limit 0 keeps none, negative keeps all.
	r, err = NewRotation(dir, "symba", 0)
	require.NoError(t, err)
	require.NoError(t, r.Push(save(6)))
	list, err = List(dir, "symba")
	require.NoError(t, err)
	assert.Empty(t, list)

	r, err = NewRotation(dir, "symba", -1)
	require.NoError(t, err)
	for epoch := 7; epoch <= 9; epoch++ {
		require.NoError(t, r.Push(save(epoch)))
	}
	list, err = List(dir, "symba")
	require.NoError(t, err)
	assert.Len(t, list, 3)
}
