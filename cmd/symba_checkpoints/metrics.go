package main

import (
	"cmp"
	"flag"
	"fmt"
	"maps"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/symba/pkg/tracking"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagMetrics       = flag.Bool("metrics", false, "Lists the metrics logged by the tracking runs.")
	flagMetricsLabels = flag.Bool("metrics_labels", false, "Lists the metrics names with their description.")
	flagMetricsNames  = flag.String("metrics_names", "", "Regular expression that if matches the name of a metric, the metric is included.")
	flagMetricsTypes  = flag.String("metrics_types", "", "Comma-separate list of metric types (e.g. \"loss\", \"lr\") to include in metrics reports.")
)

// metricDescriptions of the metrics logged by the trainer.
var metricDescriptions = map[string]string{
	tracking.MetricTrainLoss:     "Training loss of the step",
	tracking.MetricTrainLR:       "Learning rate used in the step",
	tracking.MetricTrainEpoch:    "Fractional epoch (global step / steps per epoch)",
	tracking.MetricTrainGradNorm: "Global norm of the gradients applied",
	tracking.MetricValidLoss:     "Validation loss at the end of the epoch",
	tracking.MetricTestAccuracy:  "Sequence accuracy on a sample of the test split",
}

// Point is one metric value logged by a run.
type Point struct {
	Step       int64
	MetricName string
	Value      float64
}

// MetricType groups metrics measuring the same thing, so they are plotted together: it is
// the metric name without the split prefix, e.g. "loss" for "train/loss" and "valid/loss".
func (p Point) MetricType() string {
	if idx := strings.LastIndex(p.MetricName, "/"); idx >= 0 {
		return p.MetricName[idx+1:]
	}
	return p.MetricName
}

// LoadPoints of a tracking run directory, sorted by step.
func LoadPoints(runDir string) ([]Point, error) {
	records, err := tracking.ReadMetrics(filepath.Join(runDir, tracking.MetricsFileName))
	if err != nil {
		return nil, err
	}
	var points []Point
	for _, record := range records {
		for _, name := range slices.Sorted(maps.Keys(record.Metrics)) {
			points = append(points, Point{Step: record.GlobalStep, MetricName: name, Value: record.Metrics[name]})
		}
	}
	slices.SortStableFunc(points, func(a, b Point) int { return cmp.Compare(a.Step, b.Step) })
	return points, nil
}

// ModelNameAndMetric holds information on the run name and one of its metric.
type ModelNameAndMetric struct{ ModelName, MetricName, MetricType string }

// runName returns the name used for a run in the reports: its tracking name if set, and
// otherwise its directory name.
func runName(runDir string) string {
	info, err := tracking.ReadRunInfo(runDir)
	if err != nil || info.Name == "" {
		return filepath.Base(runDir)
	}
	return info.Name
}

func metrics(runDirs []string) {
	points := make([][]Point, len(runDirs))
	modelNames := MinimalUniquePaths(runDirs...)
	foundSomething := false
	for ii, runDir := range runDirs {
		points[ii] = must.M1(LoadPoints(runDir))
		if len(points[ii]) > 0 {
			foundSomething = true
		}
		if name := runName(runDir); name != filepath.Base(runDir) {
			modelNames[ii] = fmt.Sprintf("%s (%s)", name, modelNames[ii])
		}
	}
	if !foundSomething {
		klog.Errorf("No metrics found in runs %v", runDirs)
	}

	var metricsNamesMatcher *regexp.Regexp
	if *flagMetricsNames != "" {
		var err error
		metricsNamesMatcher, err = regexp.Compile(*flagMetricsNames)
		if err != nil {
			klog.Fatalf("Failed to compile -metrics_names=%q matcher: %v", *flagMetricsNames, err)
		}
	}
	var metricsTypes sets.Set[string]
	if *flagMetricsTypes != "" {
		metricsTypes = sets.MakeWith(strings.Split(*flagMetricsTypes, ",")...)
	}

	allNames := sets.Make[string]()
	metricsUsed := sets.Make[ModelNameAndMetric]()
	for modelIdx, pointsPerModel := range points {
		for _, point := range pointsPerModel {
			allNames.Insert(point.MetricName)
			if metricsNamesMatcher != nil || metricsTypes != nil {
				foundName := metricsNamesMatcher != nil && metricsNamesMatcher.MatchString(point.MetricName)
				foundType := metricsTypes != nil && metricsTypes.Has(point.MetricType())
				if !foundName && !foundType {
					continue
				}
			}
			metricsUsed.Insert(ModelNameAndMetric{modelNames[modelIdx], point.MetricName, point.MetricType()})
		}
	}

	// Map the metrics to the column number, starting from 1 (column 0 is for the global step)
	metricsInOrder := slices.SortedFunc(maps.Keys(metricsUsed), func(a, b ModelNameAndMetric) int {
		return cmp.Or(strings.Compare(a.MetricName, b.MetricName), strings.Compare(a.ModelName, b.ModelName))
	})
	metricsOrder := make(map[ModelNameAndMetric]int, len(metricsInOrder))
	for idx, nameMetric := range metricsInOrder {
		metricsOrder[nameMetric] = idx + 1
	}

	if *flagMetricsLabels {
		ReportMetricsLabels(slices.Sorted(maps.Keys(allNames)))
	}
	if *flagMetrics {
		ReportMetrics(modelNames, metricsOrder, points)
	}
	if *flagPlot || *flagPNG != "" {
		BuildPlots(modelNames, metricsOrder, points)
	}
}

// ReportMetricsLabels list all metrics names with their descriptions.
func ReportMetricsLabels(names []string) {
	fmt.Println(titleStyle.Render("Metrics Labels"))
	table := newPlainTable(true, lipgloss.Left)
	table.Headers("Metric", "Description")
	for _, name := range names {
		table.Row(name, metricDescriptions[name])
	}
	fmt.Println(table.Render())
}

// formatValue of a metric for the tables.
func formatValue(p Point) string {
	if p.MetricType() == "acc" {
		return fmt.Sprintf("%.2f%%", 100.0*p.Value)
	}
	return fmt.Sprintf("%.3g", p.Value)
}

// ReportMetrics of the runs, one row per global step.
func ReportMetrics(names []string, metricsOrder map[ModelNameAndMetric]int, points [][]Point) {
	numRuns := len(names)
	fmt.Println(titleStyle.Render("Metrics Table"))
	table := newPlainTable(true, lipgloss.Right)
	header := make([]string, 1+len(metricsOrder))
	header[0] = "Global Step"
	for nameMetric, idx := range metricsOrder {
		if numRuns == 1 {
			header[idx] = nameMetric.MetricName
		} else {
			header[idx] = fmt.Sprintf("%s: %s", nameMetric.ModelName, nameMetric.MetricName)
		}
	}
	table.Headers(header...)

	// Merge the points of all runs, one global step at a time.
	pointsIndices := make([]int, numRuns)
	nextGlobalStep := func() (step int64, found bool) {
		for runIdx, pointsPerRun := range points {
			if pointsIndices[runIdx] < len(pointsPerRun) {
				pointStep := pointsPerRun[pointsIndices[runIdx]].Step
				if !found || pointStep < step {
					step, found = pointStep, true
				}
			}
		}
		return
	}
	for {
		currentGlobalStep, found := nextGlobalStep()
		if !found {
			break
		}
		row := make([]string, 1+len(metricsOrder))
		row[0] = humanize.Comma(currentGlobalStep)
		var hasValues bool
		for runIdx, pointsPerRun := range points {
			for pointsIndices[runIdx] < len(pointsPerRun) {
				point := pointsPerRun[pointsIndices[runIdx]]
				if point.Step != currentGlobalStep {
					break
				}
				pointsIndices[runIdx]++
				colIdx, found := metricsOrder[ModelNameAndMetric{names[runIdx], point.MetricName, point.MetricType()}]
				if !found {
					continue
				}
				row[colIdx] = formatValue(point)
				hasValues = true
			}
		}
		if hasValues {
			table.Row(row...)
		}
	}
	fmt.Println(table.Render())
}
