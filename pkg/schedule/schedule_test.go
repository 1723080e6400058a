package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineThrough(t *testing.T) {
	m, c := LineThrough(Point{0, 1e-8}, Point{100, 1e-4})
	assert.InDelta(t, (1e-4-1e-8)/100, m, 1e-15)
	assert.Equal(t, 1e-8, c)

	m, c = LineThrough(Point{2, 3}, Point{4, 7})
	assert.Equal(t, 2.0, m)
	assert.Equal(t, -1.0, c)

	m, c = LineThrough(Point{5, 3}, Point{5, 7})
	assert.Equal(t, 0.0, m)
	assert.Equal(t, 7.0, c)
}

func TestWarmupThenDecay(t *testing.T) {
	const startLR, endLR = 1e-3, 1e-8
	s := New(startLR, endLR, 10, 5, false)
	require.True(t, s.HasWarmup())
	require.True(t, s.HasDecay())
	assert.Equal(t, endLR, s.LR())

	for step := int64(0); step < 10; step++ {
		assert.True(t, s.InWarmup(step))
		s.StepWarm()
	}
	assert.InDelta(t, startLR, s.LR(), 1e-12)
	assert.False(t, s.DecayActive(9))
	assert.True(t, s.DecayActive(10))

	s.StepDecay(0)
	assert.InDelta(t, startLR, s.LR(), 1e-12)
	s.StepDecay(5)
	assert.InDelta(t, endLR, s.LR(), 1e-12)

	warm, decay := s.WarmState(), s.DecayState()
	require.NotNil(t, warm)
	require.NotNil(t, decay)
	assert.Equal(t, int64(10), warm.Last)
	assert.Equal(t, int64(5), decay.Last)

	restored := New(startLR, endLR, 10, 5, false)
	restored.Restore(warm, decay, 5e-4)
	assert.Equal(t, 5e-4, restored.LR())
	assert.Equal(t, warm, restored.WarmState())
	assert.Equal(t, decay, restored.DecayState())
}

func TestDisabledSchedules(t *testing.T) {
	s := New(1e-3, 1e-8, 0, 5, true)
	assert.Nil(t, s.WarmState())
	assert.Nil(t, s.DecayState())
	assert.Equal(t, 1e-3, s.LR())
	s.StepWarm()
	s.StepDecay(3)
	assert.Equal(t, 1e-3, s.LR())
	assert.False(t, s.DecayActive(100))
	s.Override(2e-3)
	assert.Equal(t, 2e-3, s.LR())

	assert.Equal(t, int64(15), WarmupSteps(0.1, 30, 5))
	assert.Equal(t, int64(0), WarmupSteps(0, 30, 5))
}
