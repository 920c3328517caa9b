// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnext

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// StageConfig describes one stage of residual blocks.
type StageConfig struct {
	// GroupChannels is the width of each group inside the blocks.
	GroupChannels int

	// OutputChannels is the width of the output of every block in the stage.
	OutputChannels int

	// Stride of the first block of the stage, 2 halves the spatial dimensions.
	Stride int
}

// DefaultStages are the three stages of the CIFAR-10 ResNeXt: 64->256 at full resolution,
// then 128->512 and 256->1024 each halving the spatial dimensions.
var DefaultStages = []StageConfig{
	{GroupChannels: 64, OutputChannels: 256, Stride: 1},
	{GroupChannels: 128, OutputChannels: 512, Stride: 2},
	{GroupChannels: 256, OutputChannels: 1024, Stride: 2},
}

// Stage builds numBlocks residual blocks of the same width.
//
// The first block receives as shortcut a projection of x (1x1 convolution with the given
// stride, followed by batch normalization) and applies the stride. The remaining blocks
// use stride 1 and an identity shortcut. So the spatial dimensions shrink and the channels
// change only once, at the start of the stage.
func Stage(ctx *context.Context, x *Node, block BlockFn, cardinality, groupChannels, outputChannels, stride, numBlocks int) *Node {
	if numBlocks < 1 {
		Panicf("ResNeXt stage requires at least one block, got numBlocks=%d", numBlocks)
	}
	shortcut := convBN(ctx.In("shortcut"), x, outputChannels, 1, stride)
	x = block(ctx.In("block_0"), x, shortcut, cardinality, groupChannels, outputChannels, stride)
	for ii := 1; ii < numBlocks; ii++ {
		x = block(ctx.Inf("block_%d", ii), x, x, cardinality, groupChannels, outputChannels, 1)
	}
	return x
}
