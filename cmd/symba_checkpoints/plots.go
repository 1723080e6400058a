package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"html/template"
	"image/color"
	"io"
	"os"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/janpfeifer/gonb/gonbui/plotly"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
)

var (
	flagPlot = flag.Bool("plot", false,
		"Plots the metrics of the tracking runs to an HTML file (using Plotly), one plot per metric type. "+
			"You can control which metrics to plot with -metrics_names and -metrics_types")
	flagPNG    = flag.String("png", "", "Plots the metrics of the tracking runs to the given PNG file, one plot per metric type stacked vertically.")
	flagLogLog = flag.Bool("loglog", false, "Use log scale for both axes of the plots, instead of only the y-axis.")
)

// createSortedMetricTypes collects all metric types and sort them.
func createSortedMetricTypes(metricsOrder map[ModelNameAndMetric]int) []string {
	metricTypesSet := sets.Make[string]()
	for info := range metricsOrder {
		metricTypesSet.Insert(info.MetricType)
	}
	return xslices.SortedKeys(metricTypesSet)
}

// plotLineInfo contains the information for a single line in a plot.
type plotLineInfo struct {
	name          string
	steps, values []float64
}

// createPlotLines for the given metric type.
//
// It returns one plotLineInfo per run x metric of the given metric type, sorted by name.
// The points are already sorted by steps (see LoadPoints).
func createPlotLines(metricType string, modelNames []string, metricsOrder map[ModelNameAndMetric]int, points [][]Point) []*plotLineInfo {
	var lines []*plotLineInfo
	for runIdx, runPoints := range points {
		metricLines := make(map[string]*plotLineInfo)
		for _, pt := range runPoints {
			if pt.MetricType() != metricType {
				continue
			}
			if _, found := metricsOrder[ModelNameAndMetric{modelNames[runIdx], pt.MetricName, metricType}]; !found {
				continue
			}
			line, exists := metricLines[pt.MetricName]
			if !exists {
				line = &plotLineInfo{name: pt.MetricName}
				if len(modelNames) > 1 {
					line.name = fmt.Sprintf("%s: %s", modelNames[runIdx], pt.MetricName)
				}
				metricLines[pt.MetricName] = line
			}
			line.steps = append(line.steps, float64(pt.Step))
			line.values = append(line.values, pt.Value)
		}
		for _, name := range xslices.SortedKeys(metricLines) {
			lines = append(lines, metricLines[name])
		}
	}
	return lines
}

// BuildPlots from the runs' metrics points: an HTML file with Plotly figures if -plot is set,
// and a PNG file if -png is set.
func BuildPlots(modelNames []string, metricsOrder map[ModelNameAndMetric]int, points [][]Point) {
	metricTypes := createSortedMetricTypes(metricsOrder)
	linesPerType := make([][]*plotLineInfo, len(metricTypes))
	for ii, metricType := range metricTypes {
		linesPerType[ii] = createPlotLines(metricType, modelNames, metricsOrder, points)
	}

	if *flagPlot {
		serializedPlots := make([][]byte, 0, len(metricTypes))
		for ii, metricType := range metricTypes {
			figAsJSON, err := json.Marshal(plotlyFigure(metricType, linesPerType[ii]))
			if err != nil {
				panic(errors.Wrapf(err, "failed to marshal plotly figure for metric type %q", metricType))
			}
			serializedPlots = append(serializedPlots, figAsJSON)
		}
		tmpFile, err := os.CreateTemp("", "symba-plots-*.html")
		if err != nil {
			panic(errors.Wrap(err, "failed to create temporary file for plots"))
		}
		_ = tmpFile.Close()
		if err := PlotlyToHTMLFile(tmpFile.Name(), serializedPlots...); err != nil {
			panic(errors.Wrap(err, "failed to write plots to temporary file"))
		}
		fmt.Printf("\nPlots written to:\t%s\n\n", tmpFile.Name())
	}

	if *flagPNG != "" {
		if err := SavePNG(*flagPNG, metricTypes, linesPerType); err != nil {
			panic(err)
		}
		fmt.Printf("\nPlots written to:\t%s\n\n", *flagPNG)
	}
}

func plotlyFigure(metricType string, lines []*plotLineInfo) *grob.Fig {
	xAxisType := grob.LayoutXaxisTypeLinear
	if *flagLogLog {
		xAxisType = grob.LayoutXaxisTypeLog
	}
	yAxisType := grob.LayoutYaxisTypeLog
	if metricType == "acc" || metricType == "epoch" {
		yAxisType = grob.LayoutYaxisTypeLinear
	}
	fig := &grob.Fig{
		Layout: &grob.Layout{
			Title: &grob.LayoutTitle{
				Text: ptypes.S(metricType),
			},
			Xaxis: &grob.LayoutXaxis{
				Showgrid: ptypes.B(true),
				Type:     xAxisType,
			},
			Yaxis: &grob.LayoutYaxis{
				Showgrid: ptypes.B(true),
				Type:     yAxisType,
			},
			Legend: &grob.LayoutLegend{},
		},
	}
	for _, line := range lines {
		scatter := &grob.Scatter{
			Name: ptypes.S(line.name),
			Line: &grob.ScatterLine{
				Shape: grob.ScatterLineShapeLinear,
			},
			Mode: "lines",
			X:    ptypes.DataArray(line.steps),
			Y:    ptypes.DataArray(line.values),
		}
		if len(line.steps) < 50 {
			scatter.Mode = "lines+markers"
		}
		fig.Data = append(fig.Data, scatter)
	}
	return fig
}

// SavePNG plots one chart per metric type, stacked vertically, to a PNG file.
func SavePNG(fileName string, metricTypes []string, linesPerType [][]*plotLineInfo) error {
	if len(metricTypes) == 0 {
		return errors.New("no metrics to plot")
	}
	const width, heightPerPlot = 10 * vg.Inch, 4 * vg.Inch
	img := vgimg.New(width, heightPerPlot*vg.Length(len(metricTypes)))
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: len(metricTypes), Cols: 1, PadY: vg.Millimeter * 4}
	for ii, metricType := range metricTypes {
		p := plot.New()
		p.Title.Text = metricType
		p.X.Label.Text = "global step"
		p.Y.Label.Text = metricType
		p.Add(plotter.NewGrid())
		if metricType != "acc" && metricType != "epoch" && allPositive(linesPerType[ii]) {
			p.Y.Scale = plot.LogScale{}
			p.Y.Tick.Marker = plot.LogTicks{}
		}
		for lineIdx, line := range linesPerType[ii] {
			xys := make(plotter.XYs, len(line.steps))
			for jj := range line.steps {
				xys[jj].X, xys[jj].Y = line.steps[jj], line.values[jj]
			}
			l, err := plotter.NewLine(xys)
			if err != nil {
				return errors.Wrapf(err, "failed to plot %q", line.name)
			}
			l.Color = plotutil.Color(lineIdx)
			p.Add(l)
			p.Legend.Add(line.name, l)
		}
		p.Legend.Top = true
		p.BackgroundColor = color.White
		p.Draw(tiles.At(dc, 0, ii))
	}

	f, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %q", fileName)
	}
	if _, err = (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", fileName)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", fileName)
}

// allPositive returns whether all values can be plotted in log scale.
func allPositive(lines []*plotLineInfo) bool {
	for _, line := range lines {
		if slices.ContainsFunc(line.values, func(v float64) bool { return v <= 0 }) {
			return false
		}
	}
	return true
}

var (
	singleFileHTML = `<!DOCTYPE html>
	<head>
		<meta charset="utf-8">
		<script src="{{ .CDN }}"></script>
	</head>
	<body style="background-color: black;">
{{- range $i, $f := .Figures }}
		<div id="plot{{ $i }}"></div>
		{{ if not (eq $i (lastIdx $.Figures)) }}
		<hr style="border-color: gray;">
		{{ end }}
{{- end }}
	<script>
{{- range $i, $f := .Figures }}
		data = JSON.parse(atob('{{ $f }}'))
		Plotly.newPlot('plot{{ $i }}', data);
{{- end }}
	</script>
	</body>
</html>`
	singleFileHTMLTmpl = template.Must(template.New("plotly").Funcs(template.FuncMap{
		"lastIdx": func(a []string) int { return len(a) - 1 },
	}).Parse(singleFileHTML))
)

// WritePlotlyAsHTML renders the Plotly figures (given as JSON) to an HTML page that can be
// served or saved to a file.
func WritePlotlyAsHTML(w io.Writer, figuresAsJSON ...[]byte) error {
	data := &struct {
		CDN     string
		Figures []string
	}{
		CDN:     plotly.PlotlySrc,
		Figures: xslices.Map(figuresAsJSON, func(fig []byte) string { return base64.StdEncoding.EncodeToString(fig) }),
	}
	if err := singleFileHTMLTmpl.Execute(w, data); err != nil {
		return errors.Wrap(err, "failed to render plotly")
	}
	return nil
}

// PlotlyToHTMLFile renders the Plotly figures (given as JSON) to an HTML file.
func PlotlyToHTMLFile(fileName string, figuresAsJSON ...[]byte) error {
	f, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %q", fileName)
	}
	defer func() { _ = f.Close() }()
	return WritePlotlyAsHTML(f, figuresAsJSON...)
}
