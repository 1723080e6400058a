// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ui/notebooks"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// stepDurationsWindow is the number of recent steps used for the median step duration.
const stepDurationsWindow = 100

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// ProgressBar displays the progress of each training and validation pass, with a table of
// the running loss below it.
//
// In a Jupyter notebook it prints a single line per update instead.
//
// It implements trainer.Progress. It is not safe for concurrent use: the trainer calls it from
// its training loop only.
type ProgressBar struct {
	out        io.Writer
	inNotebook bool

	// Current pass.
	pass             string
	epoch, numEpochs int
	numSteps, steps  int
	bar              *progressbar.ProgressBar
	suffix           string
	lastStepTime     time.Time
	stepDurations    []time.Duration

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
}

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// NewProgressBar creates a ProgressBar that writes to out. If out is nil, os.Stdout is used.
func NewProgressBar(out io.Writer) *ProgressBar {
	if out == nil {
		out = os.Stdout
	}
	return &ProgressBar{
		out:        out,
		inNotebook: notebooks.IsNotebook(),
	}
}

// Write implements io.Writer, and appends the current suffix with metrics to each
// line. It is meant to be used as the default writer for the enclosed progressbar.ProgressBar.
// This ensures that the progress bar and its suffix are written in the same write operation;
// otherwise Jupyter Notebook may display things in different lines.
func (pBar *ProgressBar) Write(data []byte) (n int, err error) {
	n, err = pBar.out.Write(data)
	if err != nil {
		return n, err
	}
	_, err = pBar.out.Write([]byte(pBar.suffix))
	if err != nil {
		return 0, err
	}
	return
}

// StartPass starts displaying a new pass of numSteps steps.
func (pBar *ProgressBar) StartPass(name string, epoch, numEpochs, numSteps int) {
	pBar.pass = name
	pBar.epoch, pBar.numEpochs = epoch, numEpochs
	pBar.numSteps, pBar.steps = numSteps, 0
	pBar.stepDurations = pBar.stepDurations[:0]
	pBar.lastStepTime = time.Now()
	pBar.suffix = ""
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("%6s [bold]", name)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar), // Required to work with Jupyter notebook.
	)
	if pBar.inNotebook {
		return
	}
	pBar.isFirstOutput = true
	pBar.termenv = termenv.NewOutput(pBar.out)
	pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates(pBar.updates)
}

// drawUpdates asynchronously: this is handy if the training is faster than the terminal, in particular
// if running on cloud, with a relatively slow network connection.
func (pBar *ProgressBar) drawUpdates(updates <-chan progressBarUpdate) {
	defer pBar.asyncUpdatesDone.Done()
	for update := range updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}

		// For command-line, we clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			// Table rows, its 2 borders and the progress bar line.
			pBar.termenv.CursorPrevLine(len(update.rows) + 3)
		}
		pBar.isFirstOutput = false

		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// Step reports one more step of the current pass, and the running average loss.
func (pBar *ProgressBar) Step(globalStep int64, avgLoss float64) {
	if pBar.bar == nil || pBar.steps >= pBar.numSteps {
		return
	}
	pBar.steps++
	now := time.Now()
	pBar.stepDurations = append(pBar.stepDurations, now.Sub(pBar.lastStepTime))
	if len(pBar.stepDurations) > stepDurationsWindow {
		pBar.stepDurations = pBar.stepDurations[1:]
	}
	pBar.lastStepTime = now

	if pBar.inNotebook {
		// For notebooks set a suffix that will be written along with the progressbar in [ProgressBar.Write].
		pBar.suffix = fmt.Sprintf(" [epoch=%d/%d] [step=%s] [loss=%.4f]        ",
			pBar.epoch+1, pBar.numEpochs, humanize.Comma(globalStep), avgLoss)
		_ = pBar.bar.Add(1) // Triggers print, see [ProgressBar.Write] method.
		return
	}

	// Suffix to erase spurious characters from previous prints.
	pBar.suffix = "\033[J"
	pBar.updates <- progressBarUpdate{
		amount: 1,
		rows: [][2]string{
			{"Epoch", fmt.Sprintf("%d of %d", pBar.epoch+1, pBar.numEpochs)},
			{"Global Step", humanize.Comma(globalStep)},
			{"Median step duration", FormatDuration(pBar.medianStepDuration())},
			{"Loss (" + pBar.pass + ")", fmt.Sprintf("%.4f", avgLoss)},
		},
	}
}

// EndPass finishes the display of the current pass.
func (pBar *ProgressBar) EndPass() {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.updates = nil
	}
	pBar.asyncUpdatesDone.Wait()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	_, _ = fmt.Fprintln(pBar.out)
	pBar.bar = nil
}

func (pBar *ProgressBar) medianStepDuration() time.Duration {
	if len(pBar.stepDurations) == 0 {
		return 0
	}
	sorted := slices.Sorted(slices.Values(pBar.stepDurations))
	return sorted[len(sorted)/2]
}
