// symba_checkpoints inspects symba checkpoints and training runs.
//
// Checkpoints are given by their base path (without the ".json"/".bin" suffixes), e.g.:
//
//	symba_checkpoints -summary -losses ~/symba/vanilla_best ~/symba/vanilla_ep9
//
// With -list, the numbered checkpoints of -model in -dir are listed instead. Metrics and plots are read
// from the tracking runs given by -runs, or from all runs under -dir/runs.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/symba/pkg/checkpoint"
	"github.com/gomlx/symba/pkg/tracking"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", "/model", "The scope of the checkpoint to inspect. "+
		"Checkpoints also hold the optimizer state, which usually doesn't matter. "+
		"This flag tells which scope are considered for the various reports.")

	flagDir   = flag.String("dir", "", "Directory with the checkpoints (root_dir), used by -list and to find the tracking runs.")
	flagModel = flag.String("model", "", "Model name, used by -list.")
	flagList  = flag.Bool("list", false, "Lists the numbered checkpoints of -model in -dir, and its best checkpoint.")

	flagSummary  = flag.Bool("summary", false, "Display a summary of the checkpoints: epoch, global step, best validation loss and model sizes.")
	flagParams   = flag.Bool("params", false, "Lists the hyperparameters.")
	flagLosses   = flag.Bool("losses", false, "Lists the training and validation losses of each epoch.")
	flagGlossary = flag.Bool("glossary", true, "Whether to list glossary of abbreviation on reports.")
	flagRuns     = flag.String("runs", "", "Comma-separated list of tracking run directories used by -metrics and -plot. "+
		"If empty, all runs under <-dir>/runs are used.")
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	sectionStyle  = lipgloss.NewStyle().Bold(true)
	emphasisStyle = lipgloss.NewStyle().Bold(true)
	italicStyle   = lipgloss.NewStyle().Italic(true).Faint(true)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagList {
		if *flagDir == "" || *flagModel == "" {
			klog.Exitf("-list requires -dir and -model")
		}
		List(*flagDir, *flagModel)
	}

	bases := flag.Args()
	if len(bases) > 0 {
		if *flagDeleteVars != "" {
			for _, base := range bases {
				DeleteVars(base, strings.Split(*flagDeleteVars, ",")...)
			}
		}
		reportCheckpoints(bases)
	}

	if *flagMetrics || *flagMetricsLabels || *flagPlot || *flagPNG != "" {
		runDirs := runDirectories()
		if len(runDirs) == 0 {
			klog.Exitf("No tracking runs found, use -runs or -dir")
		}
		metrics(runDirs)
	}

	if !*flagList && len(bases) == 0 && !*flagMetrics && !*flagMetricsLabels && !*flagPlot && *flagPNG == "" {
		klog.Errorf("Nothing to report. See 'symba_checkpoints -help'")
		os.Exit(1)
	}
}

// reportCheckpoints loads the checkpoints and prints the selected reports.
func reportCheckpoints(bases []string) {
	names := MinimalUniquePaths(bases...)
	ctxs := make([]*context.Context, len(bases))
	scopedCtxs := make([]*context.Context, len(bases))
	records := make([]*checkpoint.Record, len(bases))
	for ii, base := range bases {
		ctxs[ii] = context.New()
		records[ii] = must.M1(checkpoint.Load(ctxs[ii], base, checkpoint.Options{}))
		scopedCtxs[ii] = ctxs[ii]
		if *flagScope != "" {
			scopedCtxs[ii] = ctxs[ii].InAbsPath(*flagScope)
		}
	}
	if *flagSummary {
		Summary(scopedCtxs, records, names)
	}
	if *flagParams {
		Params(ctxs, names)
	}
	if *flagVars {
		for ii, scopedCtx := range scopedCtxs {
			if len(bases) > 1 {
				fmt.Println(sectionStyle.Render(names[ii]))
			}
			ListVariables(scopedCtx)
		}
	}
	if *flagLosses {
		Losses(records, names)
	}
}

// List the checkpoints of a model found in dir.
func List(dir, modelName string) {
	entries := must.M1(checkpoint.List(dir, modelName))
	fmt.Println(titleStyle.Render(fmt.Sprintf("Checkpoints of %q", modelName)))
	table := newPlainTable(true, lipgloss.Left, lipgloss.Right)
	table.Headers("Checkpoint", "Epoch", "Global Step", "Valid Loss", "Size")
	addRow := func(base, epoch string) {
		record, err := checkpoint.ReadRecord(base)
		if err != nil {
			table.Row(filepath.Base(base), epoch, "<error>", "", "")
			klog.Errorf("Failed to read %q: %+v", base, err)
			return
		}
		validLoss := ""
		if n := len(record.ValidLossList); n > 0 {
			validLoss = fmt.Sprintf("%.4f", record.ValidLossList[n-1])
		}
		var size int64
		for _, suffix := range []string{checkpoint.JSONSuffix, checkpoint.BinSuffix} {
			if info, err := os.Stat(base + suffix); err == nil {
				size += info.Size()
			}
		}
		table.Row(filepath.Base(base), epoch, humanize.Comma(record.GlobalStep), validLoss, humanize.Bytes(uint64(size)))
	}
	for _, e := range entries {
		addRow(e.Base, humanize.Comma(int64(e.Epoch)))
	}
	if best := filepath.Join(dir, checkpoint.BestName(modelName)); checkpoint.Exists(best) {
		addRow(best, "best")
	}
	fmt.Println(table.Render())
}

// runDirectories returns the tracking runs selected by -runs or -dir.
func runDirectories() []string {
	if *flagRuns != "" {
		return strings.Split(*flagRuns, ",")
	}
	if *flagDir == "" {
		return nil
	}
	entries, err := os.ReadDir(filepath.Join(*flagDir, tracking.RunsDir))
	if err != nil {
		klog.Errorf("Failed to list runs in %q: %v", *flagDir, err)
		return nil
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(*flagDir, tracking.RunsDir, entry.Name()))
		}
	}
	return dirs
}
