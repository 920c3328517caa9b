// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// resnext-classify classifies images with a ResNeXt model trained with the resnext program.
//
//	resnext-classify -checkpoint=~/work/cifar/resnext_c16 cat.jpg truck.png
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/resnext/cifar"
	"github.com/gomlx/resnext/classifier"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagCheckpoint    = flag.String("checkpoint", "", "Directory with the checkpoint of the trained model.")
	flagProbabilities = flag.Bool("probabilities", false, "Print the probabilities of every class.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagCheckpoint == "" {
		klog.Errorf("Missing -checkpoint. See 'resnext-classify -help'")
		os.Exit(1)
	}
	if flag.NArg() == 0 {
		klog.Errorf("Missing image files to classify. See 'resnext-classify -help'")
		os.Exit(1)
	}

	c := must.M1(classifier.New(data.ReplaceTildeInDir(*flagCheckpoint)))
	for _, imagePath := range flag.Args() {
		img, err := imaging.Open(imagePath, imaging.AutoOrientation(true))
		if err != nil {
			klog.Errorf("Failed to read image %q: %v", imagePath, err)
			continue
		}
		result := must.M1(c.Classify(img))
		fmt.Printf("%s:\t%s (%.1f%%)\n", imagePath, result.Label(), 100*result.Probabilities[result.Class])
		if *flagProbabilities {
			for class, p := range result.Probabilities {
				fmt.Printf("\t%-12s\t%.4f\n", cifar.C10Labels[class], p)
			}
		}
	}
}
