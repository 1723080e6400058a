// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/symba/pkg/checkpoint"
)

// LossesTable returns a table with the training and validation losses of each epoch in record.
// The epoch with the lowest validation loss is marked with "*".
func LossesTable(record *checkpoint.Record) *lgtable.Table {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers("Epoch", "Train loss", "Valid loss", "").
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 || row == lgtable.HeaderRow {
				return normalStyle
			}
			return rightAlignedStyle
		})
	best := -1
	for ii, loss := range record.ValidLossList {
		if best < 0 || loss <= record.ValidLossList[best] {
			best = ii
		}
	}
	for ii, trainLoss := range record.TrainLossList {
		validLoss, mark := "-", ""
		if ii < len(record.ValidLossList) {
			validLoss = fmt.Sprintf("%.4f", record.ValidLossList[ii])
		}
		if ii == best {
			mark = "*"
		}
		table.Row(strconv.Itoa(ii+1), fmt.Sprintf("%.4f", trainLoss), validLoss, mark)
	}
	return table
}

// ReportLosses prints the LossesTable of record to w.
func ReportLosses(w io.Writer, record *checkpoint.Record) error {
	_, err := fmt.Fprintln(w, LossesTable(record).String())
	return err
}
