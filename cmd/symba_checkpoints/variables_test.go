package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/symba/pkg/checkpoint"
	"github.com/gomlx/symba/pkg/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteVars(t *testing.T) {
	base := filepath.Join(t.TempDir(), checkpoint.BestName("test"))
	ctx := context.New()
	_ = ctx.InAbsPath("/model").VariableWithValue("w", tensors.FromValue([]float32{1, 2, 3}))
	_ = ctx.InAbsPath("/optimizers/adam").VariableWithValue("m", tensors.FromValue([]float32{0, 0, 0}))
	record := &checkpoint.Record{Epoch: 3, GlobalStep: 30, ValidLossList: []float64{0.3, 0.2, 0.1}}
	require.NoError(t, checkpoint.Save(ctx, base, record, checkpoint.Options{}))

	assert.Equal(t, 0, DeleteVars(base, "/unknown"))
	assert.Equal(t, 1, DeleteVars(base, "/optimizers"))

	loaded := context.New()
	loadedRecord, err := checkpoint.Load(loaded, base, checkpoint.Options{})
	require.NoError(t, err)
	assert.Equal(t, record.GlobalStep, loadedRecord.GlobalStep)
	assert.Equal(t, record.ValidLossList, loadedRecord.ValidLossList)
	assert.NotNil(t, loaded.InAbsPath("/model").GetVariable("w"))
	assert.Nil(t, loaded.InAbsPath("/optimizers/adam").GetVariable("m"))
}

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"a_best"}, MinimalUniquePaths("/x/y/a_best"))
	assert.Equal(t, []string{"a_best", "a_ep3"}, MinimalUniquePaths("/x/y/a_best", "/x/y/a_ep3"))
	assert.Equal(t,
		[]string{filepath.Join("run1", "a_best"), filepath.Join("run2", "a_best")},
		MinimalUniquePaths("/x/run1/a_best", "/x/run2/a_best"))
}

func TestIsAllEqual(t *testing.T) {
	assert.True(t, isAllEqual([]string{"1", "1", "1"}))
	assert.False(t, isAllEqual([]string{"1", "2"}))
}

func TestLoadPoints(t *testing.T) {
	sink := tracking.NewFileSink(t.TempDir())
	require.NoError(t, sink.Init(tracking.RunInfo{Name: "tiny"}, nil))
	require.NoError(t, sink.Log(map[string]float64{tracking.MetricValidLoss: 0.5, tracking.MetricTrainLoss: 0.7}, 10))
	require.NoError(t, sink.Log(map[string]float64{tracking.MetricTrainLoss: 0.9}, 1))
	require.NoError(t, sink.Finish(tracking.StatusFinished))

	points, err := LoadPoints(sink.RunDir())
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, int64(1), points[0].Step)
	assert.Equal(t, tracking.MetricTrainLoss, points[1].MetricName)
	assert.Equal(t, tracking.MetricValidLoss, points[2].MetricName)
	assert.Equal(t, "loss", points[2].MetricType())
	assert.Equal(t, "tiny", runName(sink.RunDir()))

	_, err = LoadPoints(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestSavePNG(t *testing.T) {
	lines := [][]*plotLineInfo{{{name: "train/loss", steps: []float64{1, 2, 3}, values: []float64{0.9, 0.5, 0.4}}}}
	fileName := filepath.Join(t.TempDir(), "plots.png")
	require.NoError(t, SavePNG(fileName, []string{"loss"}, lines))
	info, err := os.Stat(fileName)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
	assert.Error(t, SavePNG(fileName, nil, nil))
}
