package commandline

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/symba/pkg/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23ms", FormatDuration(1234567*time.Nanosecond))
	assert.Equal(t, "2.00s", FormatDuration(2*time.Second))
	assert.Equal(t, "1m30s", FormatDuration(90*time.Second))
	assert.Equal(t, "0.00s", FormatDuration(0))
}

func TestReportLosses(t *testing.T) {
	record := &checkpoint.Record{
		Epoch:         3,
		TrainLossList: []float64{2.5, 1.75, 1.5},
		ValidLossList: []float64{2.25, 1.5, 1.625},
	}
	var buf bytes.Buffer
	require.NoError(t, ReportLosses(&buf, record))
	out := buf.String()
	assert.Contains(t, out, "Train loss")
	assert.Contains(t, out, "1.7500")
	assert.Contains(t, out, "1.6250")
	var bestLine string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "*") {
			bestLine = line
		}
	}
	assert.Contains(t, bestLine, "1.5000", "the second epoch has the lowest validation loss")
	assert.Contains(t, bestLine, "1.7500")
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pBar := NewProgressBar(&buf)
	pBar.inNotebook = false
	pBar.StartPass("train", 0, 2, 3)
	for step := range 4 {
		pBar.Step(int64(1000+step), 0.5)
	}
	pBar.EndPass()
	assert.Equal(t, 3, pBar.steps, "steps beyond the pass length are ignored")
	out := buf.String()
	assert.Contains(t, out, "Loss (train)")
	assert.Contains(t, out, "0.5000")
	assert.Contains(t, out, "1 of 2")

	// Notebook mode: a single line per update.
	buf.Reset()
	pBar.inNotebook = true
	pBar.StartPass("valid", 1, 2, 2)
	pBar.Step(1_002, 0.25)
	pBar.Step(1_002, 0.125)
	pBar.EndPass()
	assert.Contains(t, buf.String(), "[epoch=2/2] [step=1,002] [loss=0.1250]")
}
