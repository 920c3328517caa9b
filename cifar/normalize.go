// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// channelAxes returns all axes but the last (channels) one.
func channelAxes(x *Node) []int {
	if x.Rank() < 2 {
		exceptions.Panicf("per-channel statistics require rank >= 2, got shape %s", x.Shape())
	}
	axes := make([]int, x.Rank()-1)
	for ii := range axes {
		axes[ii] = ii
	}
	return axes
}

// ChannelStatsGraph returns the mean and the population standard deviation of each channel (the last
// axis) of x, taken over all the other axes. Both are shaped like x with every axis but the last
// set to 1. Non-float inputs are converted to Float32.
func ChannelStatsGraph(x *Node) (mean, std *Node) {
	if !x.DType().IsFloat() {
		x = ConvertDType(x, dtypes.Float32)
	}
	axes := channelAxes(x)
	mean = ReduceAndKeep(x, ReduceMean, axes...)
	variance := ReduceAndKeep(Square(Sub(x, mean)), ReduceMean, axes...)
	std = Sqrt(variance)
	return
}

// NormalizeChannels standardizes each channel (the last axis) of x to mean 0 and standard deviation 1,
// using the statistics of x itself.
//
// A channel with a standard deviation of 0 is not special cased: it yields NaN (0/0) values.
func NormalizeChannels(x *Node) *Node {
	if !x.DType().IsFloat() {
		x = ConvertDType(x, dtypes.Float32)
	}
	mean, std := ChannelStatsGraph(x)
	return Div(Sub(x, mean), std)
}

// NormalizeWith standardizes each channel (the last axis) of x with the given statistics, usually
// the ones returned by ChannelStats on the training data.
func NormalizeWith(x *Node, mean, std []float64) *Node {
	if !x.DType().IsFloat() {
		x = ConvertDType(x, dtypes.Float32)
	}
	numChannels := x.Shape().Dimensions[x.Rank()-1]
	if len(mean) != numChannels || len(std) != numChannels {
		exceptions.Panicf("NormalizeWith got %d means and %d standard deviations for %d channels",
			len(mean), len(std), numChannels)
	}
	g := x.Graph()
	dims := make([]int, x.Rank())
	for ii := range dims {
		dims[ii] = 1
	}
	dims[len(dims)-1] = numChannels
	meanNode := ConvertDType(Reshape(Const(g, mean), dims...), x.DType())
	stdNode := ConvertDType(Reshape(Const(g, std), dims...), x.DType())
	return Div(Sub(x, meanNode), stdNode)
}

// ChannelStats returns the per-channel mean and population standard deviation of images,
// shaped [numExamples, height, width, channels].
func ChannelStats(backend backends.Backend, images *tensors.Tensor) (mean, std []float64, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs := ExecOnceN(backend, func(x *Node) []*Node {
			m, s := ChannelStatsGraph(x)
			numChannels := x.Shape().Dimensions[x.Rank()-1]
			return []*Node{
				ConvertDType(Reshape(m, numChannels), dtypes.Float64),
				ConvertDType(Reshape(s, numChannels), dtypes.Float64),
			}
		}, images)
		mean = tensors.CopyFlatData[float64](outputs[0])
		std = tensors.CopyFlatData[float64](outputs[1])
		outputs[0].FinalizeAll()
		outputs[1].FinalizeAll()
	})
	if err != nil {
		err = errors.WithMessagef(err, "computing channel statistics of images shaped %s", images.Shape())
	}
	return
}

// Normalize returns a new tensor with images standardized per channel with their own statistics,
// see NormalizeChannels.
func Normalize(backend backends.Backend, images *tensors.Tensor) (normalized *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		normalized = ExecOnce(backend, NormalizeChannels, images)
	})
	if err != nil {
		err = errors.WithMessagef(err, "normalizing images shaped %s", images.Shape())
	}
	return
}
