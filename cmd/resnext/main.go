// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// resnext trains a ResNeXt model on CIFAR-10.
//
// With no arguments it trains the default model (cardinality 16, block "b") for 250 epochs with
// SGD and Nesterov momentum, a step-wise learning rate decay and data augmentation. Hyperparameters
// can be changed with -set, e.g.:
//
//	resnext -checkpoint=resnext_c8 -set="resnext_cardinality=8;num_epochs=100"
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/resnext/history"
	"github.com/gomlx/resnext/training"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir = flag.String("data", "~/work/cifar", "Directory to cache downloaded and generated dataset files.")

	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model on the train and test data in the end.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagHistory   = flag.String("history", "", "Directory where to save the history of the per-epoch "+
		"evaluations (CSV and accuracy plot). Defaults to the checkpoint directory, if one is given.")

	// Checkpointing.
	flagCheckpoint     = flag.String("checkpoint", "", "Directory save and load checkpoints from. If left empty, no checkpoints are created.")
	flagCheckpointKeep = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep, if --checkpoint is set.")
)

func main() {
	// Flags with context settings.
	ctx := training.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	*flagDataDir = data.ReplaceTildeInDir(*flagDataDir)
	if !data.FileExists(*flagDataDir) {
		must.M(os.MkdirAll(*flagDataDir, 0777))
	}
	ctx.SetParam(training.ParamNumCheckpoints, *flagCheckpointKeep)
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	backend := backends.MustNew()
	hist, err := training.Run(backend, ctx, training.Options{
		DataDir:    *flagDataDir,
		Checkpoint: *flagCheckpoint,
		Eval:       *flagEval,
		Verbosity:  *flagVerbosity,
		HistoryDir: data.ReplaceTildeInDir(*flagHistory),
		ParamsSet:  paramsSet,
	})
	if err != nil {
		klog.Fatalf("Failed to train ResNeXt: %+v", err)
	}
	if *flagVerbosity >= 1 {
		printLastEpoch(hist)
	}
}

func printLastEpoch(hist *history.History) {
	for _, dataset := range hist.Datasets() {
		if r, found := hist.Last(dataset); found {
			fmt.Printf("Epoch %d, %s:\tloss=%.4f\taccuracy=%.2f%%\n", r.Epoch, r.Dataset, r.Loss, 100*r.Accuracy)
		}
	}
}
