// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnext

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/context"
)

// NumParameters returns the number of scalar values in the variables under the context's scope,
// trainable or not (e.g.: batch normalization moving averages).
func NumParameters(ctx *context.Context) int {
	total := 0
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		total += v.Shape().Size()
	})
	return total
}

// NumTrainableParameters returns the number of scalar values in trainable variables under the
// context's scope.
func NumTrainableParameters(ctx *context.Context) int {
	total := 0
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		if v.Trainable {
			total += v.Shape().Size()
		}
	})
	return total
}

type summaryRow struct {
	scope                  string
	numVariables           int
	trainable, nonTrainable int
}

// scopePrefix returns the first depth components of the scope.
func scopePrefix(scope string, depth int) string {
	parts := strings.Split(strings.Trim(scope, context.ScopeSeparator), context.ScopeSeparator)
	if len(parts) > depth {
		parts = parts[:depth]
	}
	return context.ScopeSeparator + strings.Join(parts, context.ScopeSeparator)
}

// Summary returns a table with the number of parameters of the variables under the context's scope,
// aggregated by the first depth components of their scope, in order of creation.
//
// It must be called after the model graph was built at least once, so the variables exist.
func Summary(ctx *context.Context, depth int) string {
	var rows []*summaryRow
	index := make(map[string]*summaryRow)
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		key := scopePrefix(v.Scope(), depth)
		row, found := index[key]
		if !found {
			row = &summaryRow{scope: key}
			index[key] = row
			rows = append(rows, row)
		}
		row.numVariables++
		if v.Trainable {
			row.trainable += v.Shape().Size()
		} else {
			row.nonTrainable += v.Shape().Size()
		}
	})

	var totalVars, totalTrainable, totalNonTrainable int
	tableRows := make([][]string, 0, len(rows)+1)
	for _, row := range rows {
		tableRows = append(tableRows, []string{
			row.scope,
			humanize.Comma(int64(row.numVariables)),
			humanize.Comma(int64(row.trainable)),
			humanize.Comma(int64(row.nonTrainable)),
		})
		totalVars += row.numVariables
		totalTrainable += row.trainable
		totalNonTrainable += row.nonTrainable
	}
	tableRows = append(tableRows, []string{
		"Total",
		humanize.Comma(int64(totalVars)),
		humanize.Comma(int64(totalTrainable)),
		humanize.Comma(int64(totalNonTrainable)),
	})

	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	numberStyle := cellStyle.Align(lipgloss.Right)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("Scope", "Variables", "Trainable", "Non-trainable").
		Rows(tableRows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return cellStyle
			}
			return numberStyle
		})
	return fmt.Sprintf("%s\nTotal parameters: %s (%s trainable)\n", t.Render(),
		humanize.Comma(int64(totalTrainable+totalNonTrainable)), humanize.Comma(int64(totalTrainable)))
}
