package trainer

import (
	"context"
	"math"
	"path/filepath"
	"slices"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/symba/pkg/checkpoint"
	"github.com/gomlx/symba/pkg/config"
	"github.com/gomlx/symba/pkg/data"
	"github.com/gomlx/symba/pkg/distributed"
	"github.com/gomlx/symba/pkg/tracking"
	"github.com/gomlx/symba/pkg/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestRunState(t *testing.T) {
	s := NewRunState(0)
	assert.Equal(t, InitialBestValidLoss, s.BestValidLoss)
	assert.True(t, s.ObserveValidation(2.5))
	assert.False(t, s.ObserveValidation(2.6))
	assert.True(t, s.ObserveValidation(2.5), "ties count as improvements")

	s.AppendEpoch(1.234567, 2.00004)
	s.AppendEpoch(1.1, 1.9)
	assert.Equal(t, []float64{1.2346, 1.1}, s.TrainLosses)
	assert.Equal(t, []float64{2.0, 1.9}, s.ValidLosses)
	s.CurrentEpoch = 1
	s.GlobalStep = 40
	record := s.Record()
	assert.Equal(t, 2, record.Epoch)
	assert.Equal(t, int64(40), record.GlobalStep)
	assert.Len(t, record.ValidLossList, len(record.TrainLossList))

	restored := NewRunState(5)
	restored.Restore(record, ResumeFromEpoch)
	assert.Equal(t, 5, restored.CurrentEpoch)
	assert.Equal(t, 1.9, restored.BestValidLoss)
	assert.Equal(t, int64(40), restored.GlobalStep)

	restored = NewRunState(0)
	restored.Restore(record, ResumeFromBest)
	assert.Equal(t, 2, restored.CurrentEpoch)

	restored = NewRunState(0)
	restored.Restore(&checkpoint.Record{Epoch: 1}, ResumeFromBest)
	assert.Equal(t, InitialBestValidLoss, restored.BestValidLoss)
}

func TestResumeModeOf(t *testing.T) {
	cfg := config.DefaultTraining()
	cfg.ModelName = "m"
	cfg.RootDir = "/ckpt"
	assert.Equal(t, Fresh, ResumeModeOf(&cfg))
	assert.Equal(t, "", Fresh.CheckpointBase(&cfg))

	cfg.ResumeBest = true
	assert.Equal(t, ResumeFromBest, ResumeModeOf(&cfg))
	assert.Equal(t, "/ckpt/m_best", ResumeFromBest.CheckpointBase(&cfg))

	cfg.CurrEpoch = 3
	assert.Equal(t, ResumeFromEpoch, ResumeModeOf(&cfg), "curr_epoch takes precedence")
	assert.Equal(t, "/ckpt/m_ep3", ResumeFromEpoch.CheckpointBase(&cfg))
	assert.Equal(t, "resumed-from-epoch", ResumeFromEpoch.String())
}

func TestLossScaler(t *testing.T) {
	disabled := NewLossScaler(false)
	disabled.Update(false)
	assert.Equal(t, 1.0, disabled.Scale())

	s := NewLossScaler(true)
	assert.Equal(t, InitialLossScale, s.Scale())
	s.Update(false)
	assert.Equal(t, InitialLossScale/2, s.Scale())
	for range LossScaleGrowthInterval - 1 {
		s.Update(true)
	}
	assert.Equal(t, InitialLossScale/2, s.Scale())
	s.Update(true)
	assert.Equal(t, InitialLossScale, s.Scale())
}

func TestMaskedCrossEntropy(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	lossFn := func(ctx *mlctx.Context, logits, labels *Node) *Node {
		return MaskedCrossEntropy(logits, labels)
	}
	// Uniform logits over 4 classes: the loss is log(4) for every real token.
	logits := [][][]float32{{{0, 0, 0, 0}, {5, 0, 0, 0}, {0, 0, 0, 0}}}
	loss, err := mlctx.ExecOnce(backend, mlctx.New(), lossFn, logits, [][]int32{{0, vocab.PAD, 2}})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), float64(tensors.MustCopyFlatData[float32](loss)[0]), 1e-5)

	loss, err = mlctx.ExecOnce(backend, mlctx.New(), lossFn, logits, [][]int32{{vocab.PAD, vocab.PAD, vocab.PAD}})
	require.NoError(t, err)
	assert.Equal(t, float32(0), tensors.MustCopyFlatData[float32](loss)[0])
}

func TestAllReduceGradients(t *testing.T) {
	groups := distributed.NewLocal(2)
	results := make([][]*tensors.Tensor, 2)
	finite := make([]bool, 2)
	var g errgroup.Group
	for rank, group := range groups {
		g.Go(func() error {
			grads := []*tensors.Tensor{
				tensors.FromFlatDataAndDimensions([]float32{float32(rank), 2}, 2),
				tensors.FromFlatDataAndDimensions([]float32{float32(rank * 4)}, 1, 1),
			}
			var err error
			results[rank], finite[rank], err = allReduceGradients(context.Background(), group, grads)
			return err
		})
	}
	require.NoError(t, g.Wait())
	for rank := range 2 {
		assert.True(t, finite[rank])
		assert.Equal(t, []float32{0.5, 2}, tensors.MustCopyFlatData[float32](results[rank][0]))
		assert.Equal(t, []int{1, 1}, results[rank][1].Shape().Dimensions)
		assert.Equal(t, []float32{2}, tensors.MustCopyFlatData[float32](results[rank][1]))
	}
}

// copyExamples of a copy task: the target is the source.
func copyExamples(n int) []data.Example {
	examples := make([]data.Example, n)
	for ii := range examples {
		a, b := 4+ii%5, 4+(ii/5)%5
		seq := []int{vocab.BOS, a, b, vocab.EOS}
		examples[ii] = data.Example{Src: seq, Tgt: seq}
	}
	return examples
}

func testConfig(rootDir string) *config.TransformerConfig {
	cfg := config.DefaultTransformerConfig()
	cfg.ModelName = "tiny"
	cfg.RootDir = rootDir
	cfg.SrcVocSize, cfg.TgtVocSize = 9, 9
	cfg.SrcMaxLen, cfg.TgtMaxLen = 5, 5
	cfg.EmbeddingSize, cfg.NHead, cfg.HiddenDim = 8, 2, 16
	cfg.NumEncoderLayers, cfg.NumDecoderLayers = 1, 1
	cfg.Epochs = 2
	cfg.TrainingBatchSize, cfg.ValidBatchSize = 4, 4
	cfg.OptimizerLR = 1e-3
	cfg.WarmupRatio = 0.5
	cfg.SaveFreq, cfg.TestFreq, cfg.SaveLimit = 1, 1, 1
	cfg.LogFreq = 2
	cfg.TestSize = 3
	cfg.ClipGradNorm = 1.0
	return cfg
}

func testDatasets(cfg *config.TransformerConfig, rank, worldSize int) Datasets {
	loaderCfg := func(name string, batchSize, rank, worldSize int) data.LoaderConfig {
		return data.LoaderConfig{
			Name: name, BatchSize: batchSize,
			SrcMaxLen: cfg.SrcMaxLen, TgtMaxLen: cfg.TgtMaxLen,
			Seed: cfg.Seed, Rank: rank, WorldSize: worldSize, NumWorkers: 2,
		}
	}
	examples := copyExamples(8 * worldSize)
	itos := append(append([]string(nil), vocab.Specials...), "a", "b", "c", "d", "e")
	return Datasets{
		Train:   data.NewLoader(examples, loaderCfg("train", cfg.TrainingBatchSize, rank, worldSize)),
		Valid:   data.NewLoader(copyExamples(4), loaderCfg("valid", cfg.ValidBatchSize, 0, 1)),
		Test:    copyExamples(5),
		TgtITOS: itos,
	}
}

// metricsByStep merges the records of a run by global step.
func metricsByStep(t *testing.T, sink *tracking.FileSink) (byStep map[int64]map[string]float64, counts map[string]int) {
	records, err := tracking.ReadMetrics(filepath.Join(sink.RunDir(), tracking.MetricsFileName))
	require.NoError(t, err)
	byStep = make(map[int64]map[string]float64)
	counts = make(map[string]int)
	for _, rec := range records {
		if byStep[rec.GlobalStep] == nil {
			byStep[rec.GlobalStep] = make(map[string]float64)
		}
		for key, value := range rec.Metrics {
			byStep[rec.GlobalStep][key] = value
			counts[key]++
		}
	}
	return
}

func TestFit(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rootDir := t.TempDir()
	cfg := testConfig(rootDir)
	sink := tracking.NewFileSink(rootDir)
	trainer, err := New(backend, cfg, distributed.Single(), testDatasets(cfg, 0, 1), sink)
	require.NoError(t, err)
	require.Equal(t, 2, trainer.StepsPerEpoch())
	require.NoError(t, trainer.Fit(context.Background()))

	state := trainer.State()
	assert.Equal(t, int64(4), state.GlobalStep)
	assert.Equal(t, 1, state.CurrentEpoch)
	require.Len(t, state.TrainLosses, 2)
	require.Len(t, state.ValidLosses, 2)
	for _, loss := range append(state.TrainLosses, state.ValidLosses...) {
		assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
		assert.Greater(t, loss, 0.0)
	}

	// Checkpoints: the best one, and only the last numbered one (save_limit=1).
	assert.True(t, checkpoint.Exists(filepath.Join(rootDir, "tiny_best")))
	entries, err := checkpoint.List(rootDir, "tiny")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Epoch)
	record, err := checkpoint.ReadRecord(entries[0].Base)
	require.NoError(t, err)
	assert.Equal(t, 2, record.Epoch)
	assert.Equal(t, int64(4), record.GlobalStep)
	assert.Equal(t, state.TrainLosses, record.TrainLossList)
	require.NotNil(t, record.WarmScheduler)
	assert.Equal(t, int64(3), record.WarmScheduler.Last)
	require.NotNil(t, record.DecayScheduler)
	assert.Equal(t, int64(1), record.DecayScheduler.Last)
	// Decay after the 2nd epoch: half-way between optimizer_lr and end_lr.
	assert.InDelta(t, (cfg.OptimizerLR+cfg.EndLR)/2, record.LearningRate, 1e-12)

	// Tracking.
	info, err := tracking.ReadRunInfo(sink.RunDir())
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusFinished, info.Status)
	assert.Equal(t, "tiny", info.Config["model_name"])
	byStep, counts := metricsByStep(t, sink)
	// Warmup of 2 steps: the learning rate is logged at every step up to the warmup, and
	// then every log_freq steps.
	for _, step := range []int64{0, 1, 2} {
		assert.Contains(t, byStep[step], tracking.MetricTrainLR, "step %d", step)
	}
	assert.NotContains(t, byStep[3], tracking.MetricTrainLR)
	assert.InDelta(t, cfg.EndLR, byStep[0][tracking.MetricTrainLR], 1e-12)
	assert.InDelta(t, (cfg.OptimizerLR+cfg.EndLR)/2, byStep[1][tracking.MetricTrainLR], 1e-12)
	assert.InDelta(t, cfg.OptimizerLR, byStep[2][tracking.MetricTrainLR], 1e-12)
	assert.Equal(t, 2, counts[tracking.MetricTrainLoss])
	assert.Equal(t, 1.0, byStep[2][tracking.MetricTrainEpoch])
	assert.Equal(t, 2, counts[tracking.MetricValidLoss])
	// Evaluations after each numbered checkpoint, plus the final one.
	assert.Equal(t, 3, counts[tracking.MetricTestAccuracy])
	assert.InDelta(t, state.ValidLosses[1], byStep[4][tracking.MetricValidLoss], 1e-4)

	// Resume from the numbered checkpoint of the 2nd epoch, for one more epoch.
	cfg.Epochs, cfg.CurrEpoch = 3, 2
	newLR := 5e-4
	cfg.UpdateLR = &newLR
	resumed, err := New(backend, cfg, distributed.Single(), testDatasets(cfg, 0, 1), tracking.Nop())
	require.NoError(t, err)
	require.NoError(t, resumed.Fit(context.Background()))
	state = resumed.State()
	assert.Equal(t, int64(6), state.GlobalStep)
	assert.Equal(t, 2, state.CurrentEpoch)
	require.Len(t, state.TrainLosses, 3)
	assert.Equal(t, record.TrainLossList, state.TrainLosses[:2])
	entries, err = checkpoint.List(rootDir, "tiny")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].Epoch)
}

// optimizerLR returns the value of the optimizer's learning rate variable.
func optimizerLR(t *testing.T, trainer *Trainer) float64 {
	v := trainer.Context().In(optimizers.Scope).GetVariable(optimizers.ParamLearningRate)
	require.NotNil(t, v, "optimizer learning rate variable not created")
	value, err := v.Value()
	require.NoError(t, err)
	return float64(tensors.MustCopyFlatData[float32](value)[0])
}

func TestResume(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rootDir := t.TempDir()
	cfg := testConfig(rootDir)
	cfg.SaveLimit = -1
	trainer, err := New(backend, cfg, distributed.Single(), testDatasets(cfg, 0, 1), tracking.Nop())
	require.NoError(t, err)
	require.NoError(t, trainer.Fit(context.Background()))
	entries, err := checkpoint.List(rootDir, "tiny")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	t.Run("FromEpoch", func(t *testing.T) {
		record, err := checkpoint.ReadRecord(filepath.Join(rootDir, checkpoint.EpochName("tiny", 1)))
		require.NoError(t, err)
		cfg := testConfig(rootDir)
		cfg.CurrEpoch = 1
		newLR := 5e-4
		cfg.UpdateLR = &newLR
		resumed, err := New(backend, cfg, distributed.Single(), testDatasets(cfg, 0, 1), tracking.Nop())
		require.NoError(t, err)
		require.Equal(t, ResumeFromEpoch, ResumeModeOf(cfg.TrainingSettings()))
		require.NoError(t, resumed.resume())

		state := resumed.State()
		assert.Equal(t, 1, state.CurrentEpoch)
		assert.Equal(t, record.GlobalStep, state.GlobalStep)
		assert.Equal(t, record.ValidLossList, state.ValidLosses)
		assert.Equal(t, slices.Min(record.ValidLossList), state.BestValidLoss)
		assert.Equal(t, newLR, resumed.Schedule().LR())
		assert.InDelta(t, newLR, optimizerLR(t, resumed), 1e-9)
	})

	t.Run("FromBest", func(t *testing.T) {
		record, err := checkpoint.ReadRecord(filepath.Join(rootDir, checkpoint.BestName("tiny")))
		require.NoError(t, err)
		cfg := testConfig(rootDir)
		cfg.ResumeBest = true
		resumed, err := New(backend, cfg, distributed.Single(), testDatasets(cfg, 0, 1), tracking.Nop())
		require.NoError(t, err)
		require.Equal(t, 0, resumed.State().CurrentEpoch)
		require.NoError(t, resumed.resume())

		state := resumed.State()
		assert.Equal(t, record.Epoch, state.CurrentEpoch, "the epoch is restored from the best checkpoint")
		assert.Equal(t, record.GlobalStep, state.GlobalStep)
		assert.Equal(t, slices.Min(record.ValidLossList), state.BestValidLoss)
		assert.Equal(t, record.LearningRate, resumed.Schedule().LR())
		assert.InDelta(t, record.LearningRate, optimizerLR(t, resumed), 1e-9)
	})
}

func TestFitResumeMissingCheckpoint(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rootDir := t.TempDir()
	cfg := testConfig(rootDir)
	cfg.ResumeBest = true
	sink := tracking.NewFileSink(rootDir)
	trainer, err := New(backend, cfg, distributed.Single(), testDatasets(cfg, 0, 1), sink)
	require.NoError(t, err)
	require.Error(t, trainer.Fit(context.Background()))
	info, err := tracking.ReadRunInfo(sink.RunDir())
	require.NoError(t, err)
	assert.Equal(t, tracking.StatusFailed, info.Status)
}

func TestFitDistributed(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const worldSize = 2
	groups := distributed.NewLocal(worldSize)
	trainers := make([]*Trainer, worldSize)
	rootDir := t.TempDir()
	for rank, group := range groups {
		cfg := testConfig(rootDir)
		cfg.WorldSize = worldSize
		sink := tracking.Nop()
		if group.IsCoordinator() {
			sink = tracking.NewFileSink(rootDir)
		}
		var err error
		trainers[rank], err = New(backend, cfg, group, testDatasets(cfg, rank, worldSize), sink)
		require.NoError(t, err)
	}
	var g errgroup.Group
	for _, trainer := range trainers {
		g.Go(func() error { return trainer.Fit(context.Background()) })
	}
	require.NoError(t, g.Wait())

	for _, trainer := range trainers {
		assert.Equal(t, int64(4), trainer.State().GlobalStep)
	}
	// Same initial weights and averaged gradients: the workers end up with the same weights.
	ctx0, ctx1 := trainers[0].Context(), trainers[1].Context()
	var numCompared int
	for v0 := range ctx0.IterVariables() {
		if !v0.Trainable {
			continue
		}
		v1 := ctx1.GetVariableByScopeAndName(v0.Scope(), v0.Name())
		require.NotNil(t, v1, "variable %s missing in worker 1", v0.ParameterName())
		value0, err := v0.Value()
		require.NoError(t, err)
		value1, err := v1.Value()
		require.NoError(t, err)
		assert.InDeltaSlice(t, tensors.MustCopyFlatData[float32](value0), tensors.MustCopyFlatData[float32](value1),
			1e-5, "variable %s", v0.ParameterName())
		numCompared++
	}
	assert.Greater(t, numCompared, 0)

	// Only the coordinator saves checkpoints.
	entries, err := checkpoint.List(rootDir, "tiny")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
