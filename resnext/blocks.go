// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnext

import (
	"slices"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/pkg/errors"
)

// BlockFn builds one residual block: it transforms x and adds shortcut to the result.
//
// groupChannels is the width of each of the cardinality groups, and outputChannels the width
// of the block output, which must match the shortcut. stride is applied by the first
// convolution of each group, so the shortcut must already be downsampled accordingly.
type BlockFn func(ctx *context.Context, x, shortcut *Node, cardinality, groupChannels, outputChannels, stride int) *Node

var (
	// Blocks maps the block variant names to their implementations.
	Blocks = map[string]BlockFn{
		"a": BlockA,
		"b": BlockB,
	}
)

// BlockByName returns the BlockFn for the given variant name.
func BlockByName(name string) (BlockFn, error) {
	block, found := Blocks[name]
	if !found {
		names := make([]string, 0, len(Blocks))
		for key := range Blocks {
			names = append(names, key)
		}
		slices.Sort(names)
		return nil, errors.Errorf("unknown ResNeXt block %q (set with %q), valid values are %q", name, ParamBlock, names)
	}
	return block, nil
}

// conv2D is a "same" padded convolution with bias.
func conv2D(ctx *context.Context, x *Node, channels, kernelSize, stride int) *Node {
	return layers.Convolution(ctx, x).Filters(channels).KernelSize(kernelSize).Strides(stride).PadSame().Done()
}

// convBN is a conv2D followed by batch normalization over the channels axis.
func convBN(ctx *context.Context, x *Node, channels, kernelSize, stride int) *Node {
	x = conv2D(ctx, x, channels, kernelSize, stride)
	return batchnorm.New(ctx, x, -1).Done()
}

// groupPath builds the 1x1 reduction (with stride) and 3x3 convolutions shared by both block
// variants.
func groupPath(ctx *context.Context, x *Node, groupChannels, stride int) *Node {
	y := activations.Relu(convBN(ctx.In("reduce"), x, groupChannels, 1, stride))
	return activations.Relu(convBN(ctx.In("spatial"), y, groupChannels, 3, 1))
}

func checkBlockArgs(x, shortcut *Node, cardinality, groupChannels, outputChannels, stride int) {
	x.AssertRank(4)
	shortcut.AssertRank(4)
	if cardinality < 1 || groupChannels < 1 || outputChannels < 1 || stride < 1 {
		Panicf("invalid ResNeXt block arguments: cardinality=%d, groupChannels=%d, outputChannels=%d, stride=%d",
			cardinality, groupChannels, outputChannels, stride)
	}
}

// addShortcut adds the shortcut to x and applies ReLU. Shapes must match exactly: a mismatch
// is a configuration error and is never broadcast.
func addShortcut(x, shortcut *Node) *Node {
	if !x.Shape().Equal(shortcut.Shape()) {
		Panicf("ResNeXt block output shape %s doesn't match its shortcut shape %s", x.Shape(), shortcut.Shape())
	}
	return activations.Relu(Add(x, shortcut))
}

// BlockA implements the residual block where each group expands back to outputChannels with its
// own 1x1 convolution, and the groups are summed:
//
//	for each group: conv1x1(groupChannels, stride)-BN-ReLU -> conv3x3(groupChannels)-BN-ReLU -> conv1x1(outputChannels)-BN
//	output = ReLU(sum(groups) + shortcut)
func BlockA(ctx *context.Context, x, shortcut *Node, cardinality, groupChannels, outputChannels, stride int) *Node {
	checkBlockArgs(x, shortcut, cardinality, groupChannels, outputChannels, stride)
	var sum *Node
	for ii := range cardinality {
		groupCtx := ctx.Inf("group_%02d", ii)
		y := groupPath(groupCtx, x, groupChannels, stride)
		y = convBN(groupCtx.In("expand"), y, outputChannels, 1, 1)
		if !y.Shape().Equal(shortcut.Shape()) {
			Panicf("ResNeXt block group #%d output shape %s doesn't match its shortcut shape %s",
				ii, y.Shape(), shortcut.Shape())
		}
		if sum == nil {
			sum = y
		} else {
			sum = Add(sum, y)
		}
	}
	return addShortcut(sum, shortcut)
}

// BlockB implements the residual block where the groups are concatenated along the channels
// axis and projected to outputChannels by a single 1x1 convolution:
//
//	for each group: conv1x1(groupChannels, stride)-BN-ReLU -> conv3x3(groupChannels)-BN-ReLU
//	output = ReLU(BN(conv1x1(outputChannels, concat(groups))) + shortcut)
func BlockB(ctx *context.Context, x, shortcut *Node, cardinality, groupChannels, outputChannels, stride int) *Node {
	checkBlockArgs(x, shortcut, cardinality, groupChannels, outputChannels, stride)
	groups := make([]*Node, 0, cardinality)
	for ii := range cardinality {
		groups = append(groups, groupPath(ctx.Inf("group_%02d", ii), x, groupChannels, stride))
	}
	y := groups[0]
	if len(groups) > 1 {
		y = Concatenate(groups, -1)
	}
	y = convBN(ctx.In("merge"), y, outputChannels, 1, 1)
	return addShortcut(y, shortcut)
}
