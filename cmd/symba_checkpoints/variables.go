package main

import (
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/symba/pkg/checkpoint"
	"github.com/janpfeifer/must"
)

var (
	flagVars       = flag.Bool("vars", false, "Lists the variables under -scope.")
	flagDeleteVars = flag.String("delete_vars", "", "Delete variables under the given scope(s) and save the checkpoints back. "+
		"E.g. \"/optimizers\" removes the optimizer state from a checkpoint that won't be resumed.")
)

// ListVariables list the variables of a model, with their shape and MAV (mean absolute value),
// RMS (root-mean-square) and MaxAV (max absolute value) values.
func ListVariables(ctx *context.Context) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Variables in scope %q", ctx.Scope())))
	metricsFn := MustNewExec(backends.MustNew(), func(x *Node) (mav, rms, maxAV *Node) {
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		maxAV = ReduceAllMax(Abs(x))
		return
	}).SetMaxCache(-1)
	table := newPlainTable(true)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	var rows [][]string
	for v := range ctx.IterVariablesInScope() {
		if !v.IsValid() {
			rows = append(rows, []string{v.Scope(), v.Name(), "<invalid>", "", "", "", "", ""})
			continue
		}
		shape := v.Shape()
		var mav, rms, maxAV string
		if shape.Size() == 1 {
			mav = fmt.Sprintf("%8v", must.M1(v.Value()).Value())
		} else if shape.DType.IsFloat() {
			metrics := metricsFn.MustExec(must.M1(v.Value()))
			mav = fmt.Sprintf("%.3g", metrics[0].Value().(float64))
			rms = fmt.Sprintf("%.3g", metrics[1].Value().(float64))
			maxAV = fmt.Sprintf("%.3g", metrics[2].Value().(float64))
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if c := strings.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	fmt.Println(table.Render())
	if *flagGlossary {
		fmt.Printf("  %s:\n", sectionStyle.Render("Glossary"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("Scalar/MAV"), italicStyle.Render("If variable is a scalar then the value itself, else the Mean Absolute Value"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("RMS"), italicStyle.Render("Root Mean Square"))
		fmt.Printf("   ◦ %s: %s\n", emphasisStyle.Render("MaxAV"), italicStyle.Render("Max Absolute Value"))
	}
}

// DeleteVars under the given scopes, and saves the checkpoint back with the same record.
// It returns the number of variables deleted.
func DeleteVars(base string, scopes ...string) int {
	ctx := context.New()
	record := must.M1(checkpoint.Load(ctx, base, checkpoint.Options{}))
	var varsToDelete []*context.Variable
	for _, scope := range scopes {
		if scope == "" {
			continue
		}
		scopePrefix := scope + context.ScopeSeparator
		for v := range ctx.IterVariables() {
			if v.Scope() == scope || strings.HasPrefix(v.Scope(), scopePrefix) {
				varsToDelete = append(varsToDelete, v)
			}
		}
	}
	if len(varsToDelete) == 0 {
		return 0
	}
	for _, v := range varsToDelete {
		must.M(ctx.DeleteVariable(v.Scope(), v.Name()))
	}
	must.M(checkpoint.Save(ctx, base, record, checkpoint.Options{}))
	fmt.Printf("%d deleted vars under scopes %v, checkpoint %q saved.\n", len(varsToDelete), scopes, base)
	return len(varsToDelete)
}
