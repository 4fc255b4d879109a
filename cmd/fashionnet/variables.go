// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
)

// listVariables prints the variables under the context scope, with their shape and MAV (mean absolute value),
// RMS (root-mean-square) and MaxAV (max absolute value). Non-trainable variables are highlighted.
func listVariables(backend backends.Backend, ctx *context.Context) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Variables in scope %q", ctx.Scope())))
	metricsFn := must.M1(NewExec(backend, func(x *Node) (mav, rms, maxAV *Node) {
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		maxAV = ReduceAllMax(Abs(x))
		return
	}))
	defer metricsFn.Finalize()

	type varRow struct {
		trainable bool
		cells     []string
	}
	var rows []varRow
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		shape := v.Shape()
		value := must.M1(v.Value())
		var mav, rms, maxAV string
		if shape.Size() == 1 {
			mav = fmt.Sprintf("%8v", value.Value())
		} else if shape.DType.IsFloat() {
			metrics := must.M1(metricsFn.Exec(value))
			mav = fmt.Sprintf("%.3g", metrics[0].Value().(float64))
			rms = fmt.Sprintf("%.3g", metrics[1].Value().(float64))
			maxAV = fmt.Sprintf("%.3g", metrics[2].Value().(float64))
		}
		rows = append(rows, varRow{v.Trainable, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.IBytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		}})
	})
	slices.SortFunc(rows, func(a, b varRow) int {
		if cmp := strings.Compare(a.cells[0], b.cells[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.cells[1], b.cells[1])
	})

	table := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, row := range rows {
		table.Row(!row.trainable, row.cells...)
	}
	fmt.Println(table.Table.Render())
}

// listParams prints the hyperparameters of the context.
func listParams(ctx *context.Context) {
	fmt.Println(titleStyle.Render("Hyperparameters"))
	var rows [][]string
	ctx.EnumerateParams(func(scope, key string, value any) {
		rows = append(rows, []string{scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value)})
	})
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	table := newTable()
	table.Table.Headers("Scope", "Name", "Type", "Value")
	for _, row := range rows {
		table.Row(false, row...)
	}
	fmt.Println(table.Table.Render())
}
