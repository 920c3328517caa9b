// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package resnext implements the ResNeXt convolutional network ("Aggregated Residual
// Transformations for Deep Neural Networks", Xie et al.) in the CIFAR variant: a 3x3 stem,
// three stages of residual blocks with cardinality parallel groups and a global average
// pooling classifier.
//
// It follows https://github.com/facebookresearch/ResNeXt with non-preactivation blocks.
//
// Example of a train.ModelFn:
//
//	cfg := must.M1(resnext.ConfigFromContext(ctx, 10))
//	modelFn := resnext.ModelGraph(cfg)
//
// Or directly:
//
//	logits := resnext.New(ctx, images).Cardinality(8).Block(resnext.BlockA).Done()
package resnext

import (
	"slices"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train"
)

const (
	// Scope used by the model variables, under the context given to New.
	Scope = "resnext"

	// DefaultInitialChannels is the number of channels of the initial 3x3 convolution.
	DefaultInitialChannels = 64

	// DefaultNumClasses is the number of CIFAR-10 classes.
	DefaultNumClasses = 10
)

// Builder for a ResNeXt model, created with New. Once configured call Done.
type Builder struct {
	ctx             *context.Context
	images          *Node
	cardinality     int
	block           BlockFn
	blocksPerStage  int
	numClasses      int
	initialChannels int
	stages          []StageConfig
	weightDecay     float64
}

// New creates a builder for a ResNeXt model over images shaped [batch, height, width, channels].
//
// Defaults: cardinality 4, BlockB, DefaultBlocksPerStage blocks per stage, DefaultStages,
// DefaultNumClasses, and weight decay (L2 on convolution kernels) from the context parameter
// regularizers.ParamL2, or DefaultWeightDecay if not set.
func New(ctx *context.Context, images *Node) *Builder {
	return &Builder{
		ctx:             ctx,
		images:          images,
		cardinality:     4,
		block:           BlockB,
		blocksPerStage:  DefaultBlocksPerStage,
		numClasses:      DefaultNumClasses,
		initialChannels: DefaultInitialChannels,
		stages:          DefaultStages,
		weightDecay:     context.GetParamOr(ctx, regularizers.ParamL2, DefaultWeightDecay),
	}
}

// FromConfig configures the builder from a Config. It panics if the Config is not valid.
func (b *Builder) FromConfig(cfg Config) *Builder {
	if err := cfg.Validate(); err != nil {
		Panicf("invalid ResNeXt configuration: %v", err)
	}
	block, _ := BlockByName(cfg.Block)
	return b.Cardinality(cfg.Cardinality).
		Block(block).
		BlocksPerStage(cfg.BlocksPerStage).
		NumClasses(cfg.NumClasses).
		WeightDecay(cfg.WeightDecay)
}

// Cardinality sets the number of parallel groups in each residual block.
func (b *Builder) Cardinality(cardinality int) *Builder {
	b.cardinality = cardinality
	return b
}

// Block sets the residual block implementation, usually BlockA or BlockB.
func (b *Builder) Block(block BlockFn) *Builder {
	b.block = block
	return b
}

// BlocksPerStage sets the number of residual blocks in each stage.
func (b *Builder) BlocksPerStage(n int) *Builder {
	b.blocksPerStage = n
	return b
}

// NumClasses sets the number of output logits.
func (b *Builder) NumClasses(n int) *Builder {
	b.numClasses = n
	return b
}

// InitialChannels sets the number of channels of the initial 3x3 convolution.
func (b *Builder) InitialChannels(n int) *Builder {
	b.initialChannels = n
	return b
}

// Stages replaces DefaultStages.
func (b *Builder) Stages(stages ...StageConfig) *Builder {
	b.stages = slices.Clone(stages)
	return b
}

// WeightDecay sets the L2 regularization amount of the convolution kernels. The final dense
// layer is not regularized.
func (b *Builder) WeightDecay(amount float64) *Builder {
	b.weightDecay = amount
	return b
}

// Done builds the model and returns the logits, shaped [batch, numClasses].
func (b *Builder) Done() *Node {
	images := b.images
	images.AssertRank(4)
	if b.block == nil {
		Panicf("ResNeXt requires a block function")
	}
	if b.cardinality < 1 || b.blocksPerStage < 1 || b.numClasses < 1 || b.initialChannels < 1 || len(b.stages) == 0 {
		Panicf("invalid ResNeXt configuration: cardinality=%d, blocksPerStage=%d, numClasses=%d, initialChannels=%d, %d stages",
			b.cardinality, b.blocksPerStage, b.numClasses, b.initialChannels, len(b.stages))
	}
	batchSize := images.Shape().Dimensions[0]
	ctx := b.ctx.In(Scope)
	ctx.SetParam(regularizers.ParamL2, b.weightDecay)

	x := convBN(ctx.In("stem"), images, b.initialChannels, 3, 1)
	x = activations.Relu(x)
	for ii, stage := range b.stages {
		x = Stage(ctx.Inf("stage_%d", ii+1), x, b.block, b.cardinality,
			stage.GroupChannels, stage.OutputChannels, stage.Stride, b.blocksPerStage)
	}

	// Global average pooling and classifier.
	x = ReduceMean(x, 1, 2)
	headCtx := ctx.In("head")
	headCtx.SetParam(regularizers.ParamL2, 0.0)
	logits := layers.Dense(headCtx, x, true, b.numClasses)
	logits.AssertDims(batchSize, b.numClasses)
	return logits
}

// Probabilities converts logits to class probabilities (softmax).
func Probabilities(logits *Node) *Node {
	return Softmax(logits, -1)
}

// ModelGraph returns a train.ModelFn that builds the model described by cfg, taking the images as
// the first input.
func ModelGraph(cfg Config) train.ModelFn {
	if err := cfg.Validate(); err != nil {
		Panicf("resnext.ModelGraph: %v", err)
	}
	return func(ctx *context.Context, _ any, inputs []*Node) []*Node {
		logits := New(ctx, inputs[0]).FromConfig(cfg).Done()
		return []*Node{logits}
	}
}
