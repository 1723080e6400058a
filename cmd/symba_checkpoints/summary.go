package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/symba/pkg/checkpoint"
)

// Summary of the checkpoints: one column per checkpoint.
func Summary(scopedCtxs []*context.Context, records []*checkpoint.Record, names []string) {
	numCheckpoints := len(names)
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false, lipgloss.Right, lipgloss.Left)
	table.Row(append([]string{"checkpoint"}, names...)...)

	newRow := func(title string) []string {
		row := make([]string, numCheckpoints+1)
		row[0] = title
		return row
	}
	scopeRow := newRow("scope")
	epochRow, stepRow := newRow("epoch"), newRow("global_step")
	bestRow, lrRow := newRow("best valid loss"), newRow("learning rate")
	for ii, record := range records {
		scopeRow[ii+1] = *flagScope
		epochRow[ii+1] = humanize.Comma(int64(record.Epoch))
		stepRow[ii+1] = humanize.Comma(record.GlobalStep)
		if best, found := bestLoss(record.ValidLossList); found {
			bestRow[ii+1] = fmt.Sprintf("%.4f", best)
		}
		lrRow[ii+1] = fmt.Sprintf("%.3g", record.LearningRate)
	}
	table.Row(scopeRow...)
	table.Row(epochRow...)
	table.Row(stepRow...)
	table.Row(bestRow...)
	table.Row(lrRow...)

	// Variables, parameters and memory.
	variablesRow, parametersRow, memoryRow := newRow("# variables"), newRow("# parameters"), newRow("# bytes")
	for ii, scopedCtx := range scopedCtxs {
		var numVars, totalSize int
		var totalMemory uintptr
		for v := range scopedCtx.IterVariablesInScope() {
			numVars++
			totalSize += v.Shape().Size()
			totalMemory += v.Shape().Memory()
		}
		variablesRow[ii+1] = humanize.Comma(int64(numVars))
		parametersRow[ii+1] = humanize.Comma(int64(totalSize))
		memoryRow[ii+1] = humanize.Bytes(uint64(totalMemory))
	}
	table.Row(variablesRow...)
	table.Row(parametersRow...)
	table.Row(memoryRow...)
	fmt.Println(table.Render())
}

func bestLoss(losses []float64) (best float64, found bool) {
	for ii, loss := range losses {
		if ii == 0 || loss < best {
			best = loss
		}
	}
	return best, len(losses) > 0
}
