package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultTransformerConfig()
	assert.Equal(t, 3, cfg.SaveFreq)
	assert.Equal(t, 5, cfg.SaveLimit)
	assert.True(t, cfg.SaveLast)
	assert.Equal(t, 1e-8, cfg.EndLR)
	assert.Equal(t, -1.0, cfg.ClipGradNorm)
	assert.Equal(t, 50, cfg.LogFreq)
	assert.Equal(t, 10, cfg.TestFreq)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Nil(t, cfg.UpdateLR)
	assert.Equal(t, 100, cfg.IndexPoolSize)

	skan := DefaultSkanformerConfig()
	assert.Equal(t, 3, skan.SaveLimit)
	assert.Equal(t, FamilySkanformer, skan.Family())

	test := DefaultTransformerTestConfig()
	assert.Equal(t, 100, test.NumTestSamples())
	test.Debug = true
	assert.Equal(t, 10, test.NumTestSamples())
}

func TestToMap(t *testing.T) {
	cfg := DefaultTransformerConfig()
	cfg.ModelName = "vanilla"
	cfg.EmbeddingSize = 512
	cfg.Epochs = 7
	m, err := ToMap(cfg)
	require.NoError(t, err)
	assert.Equal(t, "vanilla", m["model_name"])
	assert.Equal(t, 512.0, m["embedding_size"])
	assert.Equal(t, 7.0, m["epochs"])
	assert.Contains(t, m, "update_lr")
	assert.Nil(t, m["update_lr"])
	assert.NotContains(t, m, "Training")
	assert.NotContains(t, m, "Inference")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "skanformer.yaml")
	contents := `
model_name: skan
root_dir: /tmp/checkpoints
epochs: 12
training_batch_size: 32
valid_batch_size: 64
embedding_size: 256
nhead: 8
num_layers: 3
ff_dims: [128, 64]
d_ff: 1024
update_lr: 0.0005
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	t.Setenv(EnvPrefix+"EPOCHS", "20")
	t.Setenv(EnvPrefix+"NHEAD", "4")

	cfg := DefaultSkanformerConfig()
	require.NoError(t, Load(path, cfg))
	assert.Equal(t, "skan", cfg.ModelName)
	assert.Equal(t, 20, cfg.Epochs)
	assert.Equal(t, 4, cfg.NHead)
	assert.Equal(t, []int{128, 64}, cfg.FFDims)
	require.NotNil(t, cfg.UpdateLR)
	assert.Equal(t, 0.0005, *cfg.UpdateLR)
	// Defaults not in the file are preserved.
	assert.Equal(t, 3, cfg.SaveLimit)
	require.NoError(t, cfg.Validate())

	require.Error(t, Load(filepath.Join(dir, "missing.yaml"), cfg))
}

func TestValidate(t *testing.T) {
	cfg := DefaultTransformerConfig()
	cfg.ModelName = "m"
	cfg.SrcMaxLen, cfg.TgtMaxLen = 10, 10
	cfg.TrainingBatchSize, cfg.ValidBatchSize = 2, 2
	require.NoError(t, cfg.Validate())

	cfg.Epochs = 0
	require.Error(t, cfg.Validate())
	cfg.Epochs = 3
	cfg.CurrEpoch = 4
	require.Error(t, cfg.Validate())
	cfg.CurrEpoch = 0

	cfg.SaveLimit = 0
	require.Error(t, cfg.Validate())
	cfg.SaveFreq, cfg.SaveLast = 0, false
	require.NoError(t, cfg.Validate())
}

func TestApplyToContext(t *testing.T) {
	cfg := DefaultSkanformerTestConfig()
	cfg.EmbeddingSize = 32
	cfg.NumLayers = 2
	cfg.FFDims = []int{16}
	cfg.SrcVocSize = 50
	ctx := context.New()
	ApplyToContext(cfg, ctx)
	assert.Equal(t, 32, context.GetParamOr(ctx, ParamEmbeddingSize, 0))
	assert.Equal(t, 2, context.GetParamOr(ctx, ParamNumDecoderLayers, 0))
	assert.Equal(t, []int{16}, context.GetParamOr[[]int](ctx, ParamFFDims, nil))
	assert.Equal(t, KANBasisSine, context.GetParamOr(ctx, ParamKANBasis, ""))
	assert.Equal(t, 50, context.GetParamOr(ctx, ParamSrcVocabSize, 0))
}

func TestForTesting(t *testing.T) {
	cfg := DefaultTransformerConfig()
	cfg.ModelName = "vanilla"
	cfg.HiddenDim = 64
	test := ForTesting(cfg)
	tc, ok := test.(*TransformerTestConfig)
	require.True(t, ok)
	assert.Equal(t, "vanilla", tc.ModelName)
	assert.Equal(t, 64, tc.HiddenDim)
}
