// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// resnext-checkpoints reports on the contents of a checkpoint saved by the resnext trainer:
// training progress, hyperparameters, model size by scope and the per-epoch history.
//
//	resnext-checkpoints -params -history ~/work/cifar/resnext_c16
package main

import (
	"flag"
	"fmt"
	"os"
	"path"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/go-gota/gota/dataframe"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/resnext/cifar"
	"github.com/gomlx/resnext/resnext"
	"github.com/gomlx/resnext/training"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagSummary = flag.Bool("summary", true, "Display the global step, epoch, model size and normalization statistics.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters.")
	flagVars    = flag.Int("vars", 0, "If > 0, lists the model variables aggregated by this many levels of scope.")
	flagHistory = flag.Bool("history", false, "Lists the per-epoch history saved along the checkpoint.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	rowStyle   = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if withHeader && row == 1 {
				return headerRowStyle
			}
			if col == 0 {
				return rowStyle.Align(lipgloss.Right)
			}
			return rowStyle.Align(lipgloss.Left)
		})
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() != 1 {
		klog.Errorf("Expected exactly one checkpoint directory. See 'resnext-checkpoints -help'")
		os.Exit(1)
	}
	checkpointPath := data.ReplaceTildeInDir(flag.Arg(0))
	ctx := context.New()
	_ = must.M1(checkpoints.Build(ctx).Dir(checkpointPath).Immediate().Done())

	if *flagSummary {
		summary(ctx, checkpointPath)
	}
	if *flagParams {
		fmt.Println(titleStyle.Render("Hyperparameters"))
		table := newPlainTable(true)
		table.Row("Scope", "Name", "Type", "Value")
		ctx.EnumerateParams(func(scope, key string, value any) {
			table.Row(scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
		})
		fmt.Println(table.Render())
	}
	if *flagVars > 0 {
		fmt.Println(titleStyle.Render("Variables"))
		fmt.Println(resnext.Summary(ctx.InAbsPath("/"+training.ModelScope), *flagVars))
	}
	if *flagHistory {
		history(checkpointPath)
	}
}

func summary(ctx *context.Context, checkpointPath string) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false)
	table.Row("checkpoint", checkpointPath)
	modelCtx := ctx.InAbsPath("/" + training.ModelScope)
	globalStep := optimizers.GetGlobalStep(modelCtx)
	table.Row("global_step", humanize.Comma(globalStep))
	if cfg, err := training.ConfigFromContext(ctx); err == nil {
		stepsPerEpoch := training.StepsPerEpoch(cifar.NumTrainExamples, cfg.BatchSize)
		table.Row("epoch", fmt.Sprintf("%d of %d", int(globalStep)/stepsPerEpoch, cfg.NumEpochs))
		table.Row("model", fmt.Sprintf("cardinality=%d, block=%q, %d blocks per stage",
			cfg.Model.Cardinality, cfg.Model.Block, cfg.Model.BlocksPerStage))
	} else {
		klog.Warningf("Invalid hyperparameters in checkpoint: %v", err)
	}
	table.Row("# parameters", humanize.Comma(int64(resnext.NumParameters(modelCtx))))
	table.Row("# trainable", humanize.Comma(int64(resnext.NumTrainableParameters(modelCtx))))
	if mean, std, err := training.ChannelStatsFromContext(ctx); err == nil {
		table.Row("channels mean", fmt.Sprintf("%.4f", mean))
		table.Row("channels std", fmt.Sprintf("%.4f", std))
	}
	fmt.Println(table.Render())
}

func history(checkpointPath string) {
	historyPath := path.Join(checkpointPath, "history.csv")
	f, err := os.Open(historyPath)
	if err != nil {
		klog.Errorf("No history found: %v", err)
		return
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f)
	if df.Err != nil {
		klog.Errorf("Failed to parse %q: %v", historyPath, df.Err)
		return
	}
	fmt.Println(titleStyle.Render("History"))
	table := newPlainTable(true)
	for _, row := range df.Records() {
		table.Row(row...)
	}
	fmt.Println(table.Render())
}
