// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnext

import (
	"fmt"
	"strings"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// buildGraph creates a graph with one float32 parameter per given shape and calls fn with them.
// The graph is only built, never executed.
func buildGraph(t *testing.T, ctx *context.Context, fn func(ctx *context.Context, inputs []*Node) *Node, dims ...[]int) *Node {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, t.Name())
	inputs := make([]*Node, len(dims))
	for ii, d := range dims {
		inputs[ii] = Parameter(g, fmt.Sprintf("input_%d", ii), shapes.Make(dtypes.Float32, d...))
	}
	return fn(ctx, inputs)
}

func TestBlocks(t *testing.T) {
	for name, block := range Blocks {
		for _, cardinality := range []int{1, 3} {
			prefix := fmt.Sprintf("block_%s_cardinality_%d", name, cardinality)
			t.Run(prefix+"_identity", func(t *testing.T) {
				output := buildGraph(t, context.New(), func(ctx *context.Context, inputs []*Node) *Node {
					return block(ctx, inputs[0], inputs[0], cardinality, 4, 16, 1)
				}, []int{2, 8, 8, 16})
				assert.Equal(t, []int{2, 8, 8, 16}, output.Shape().Dimensions)
			})
			t.Run(prefix+"_strided", func(t *testing.T) {
				output := buildGraph(t, context.New(), func(ctx *context.Context, inputs []*Node) *Node {
					return block(ctx, inputs[0], inputs[1], cardinality, 4, 16, 2)
				}, []int{2, 8, 8, 8}, []int{2, 4, 4, 16})
				assert.Equal(t, []int{2, 4, 4, 16}, output.Shape().Dimensions)
			})
		}
	}

	// With a single group block "b" has no concatenation: the group feeds the merge convolution.
	ctx := context.New()
	buildGraph(t, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		return BlockB(ctx, inputs[0], inputs[0], 1, 4, 16, 1)
	}, []int{2, 4, 4, 16})
	assert.Equal(t, 16*4+9*4*4+4*16, numKernelParameters(ctx))
	assert.Equal(t, 3, numKernels(ctx))
}

func TestBlockShortcutMismatch(t *testing.T) {
	for name, block := range Blocks {
		t.Run("block_"+name, func(t *testing.T) {
			backend := graphtest.BuildTestBackend()
			g := NewGraph(backend, t.Name())
			x := Parameter(g, "x", shapes.Make(dtypes.Float32, 2, 8, 8, 16))
			shortcut := Parameter(g, "shortcut", shapes.Make(dtypes.Float32, 2, 8, 8, 32))
			require.Panics(t, func() { block(context.New(), x, shortcut, 2, 4, 16, 1) })
		})
	}
}

func TestBlockVariables(t *testing.T) {
	// Block "a" has one expansion convolution per group, block "b" one merge convolution.
	ctxA := context.New()
	buildGraph(t, ctxA, func(ctx *context.Context, inputs []*Node) *Node {
		return BlockA(ctx, inputs[0], inputs[0], 2, 4, 16, 1)
	}, []int{1, 4, 4, 16})
	ctxB := context.New()
	buildGraph(t, ctxB, func(ctx *context.Context, inputs []*Node) *Node {
		return BlockB(ctx, inputs[0], inputs[0], 2, 4, 16, 1)
	}, []int{1, 4, 4, 16})

	// Per group: reduce 16*4 + spatial 9*4*4.
	groups := 2 * (16*4 + 9*4*4)
	assert.Equal(t, groups+2*4*16, numKernelParameters(ctxA))
	assert.Equal(t, groups+2*4*16, numKernelParameters(ctxB))
	assert.Equal(t, 2*3, numKernels(ctxA))
	assert.Equal(t, 2*2+1, numKernels(ctxB))
}

func TestStage(t *testing.T) {
	output := buildGraph(t, context.New(), func(ctx *context.Context, inputs []*Node) *Node {
		return Stage(ctx, inputs[0], BlockB, 2, 4, 16, 2, 3)
	}, []int{2, 9, 9, 8})
	assert.Equal(t, []int{2, 5, 5, 16}, output.Shape().Dimensions)

	require.Panics(t, func() {
		buildGraph(t, context.New(), func(ctx *context.Context, inputs []*Node) *Node {
			return Stage(ctx, inputs[0], BlockB, 2, 4, 16, 2, 0)
		}, []int{2, 9, 9, 8})
	})
}

func numKernels(ctx *context.Context) int {
	count := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Shape().Rank() >= 2 {
			count++
		}
	})
	return count
}

// numKernelParameters counts the parameters of the convolution and dense kernels only, leaving
// out biases and batch normalization.
func numKernelParameters(ctx *context.Context) int {
	total := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Shape().Rank() >= 2 {
			total += v.Shape().Size()
		}
	})
	return total
}

// expectedKernelParameters is the analytic count of kernel parameters of the default network.
func expectedKernelParameters(cardinality, blocksPerStage, numClasses int) int {
	total := 3 * 3 * 3 * DefaultInitialChannels
	inputChannels := DefaultInitialChannels
	for _, stage := range DefaultStages {
		n1, n2 := stage.GroupChannels, stage.OutputChannels
		total += inputChannels * n2 // Shortcut projection.
		for ii := range blocksPerStage {
			blockInput := n2
			if ii == 0 {
				blockInput = inputChannels
			}
			total += cardinality * (blockInput*n1 + 9*n1*n1) // Groups.
			total += cardinality * n1 * n2                  // Merge.
		}
		inputChannels = n2
	}
	return total + inputChannels*numClasses
}

func TestModelCardinality1(t *testing.T) {
	for _, block := range []string{"a", "b"} {
		t.Run("block_"+block, func(t *testing.T) {
			cfg := Config{Cardinality: 1, Block: block, BlocksPerStage: 3, NumClasses: 10, WeightDecay: DefaultWeightDecay}
			ctx := context.New()
			logits := buildGraph(t, ctx, func(ctx *context.Context, inputs []*Node) *Node {
				return ModelGraph(cfg)(ctx, nil, inputs)[0]
			}, []int{5, 32, 32, 3})
			assert.Equal(t, []int{5, 10}, logits.Shape().Dimensions)
			assert.Equal(t, expectedKernelParameters(1, 3, 10), numKernelParameters(ctx))

			// The parameter count is deterministic.
			ctx2 := context.New()
			buildGraph(t, ctx2, func(ctx *context.Context, inputs []*Node) *Node {
				return ModelGraph(cfg)(ctx, nil, inputs)[0]
			}, []int{2, 32, 32, 3})
			assert.Equal(t, NumParameters(ctx), NumParameters(ctx2))
			assert.Equal(t, NumTrainableParameters(ctx), NumTrainableParameters(ctx2))
		})
	}
}

func TestModel(t *testing.T) {
	cfg := Config{Cardinality: 2, Block: "b", BlocksPerStage: 3, NumClasses: 10, WeightDecay: DefaultWeightDecay}
	ctx := context.New()
	logits := buildGraph(t, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		return ModelGraph(cfg)(ctx, nil, inputs)[0]
	}, []int{3, 32, 32, 3})
	assert.Equal(t, []int{3, 10}, logits.Shape().Dimensions)
	assert.Equal(t, expectedKernelParameters(2, 3, 10), numKernelParameters(ctx))

	// Building it again with the same configuration reuses the same variables.
	numVars := 0
	ctx.EnumerateVariables(func(*context.Variable) { numVars++ })
	buildGraph(t, ctx.Reuse(), func(ctx *context.Context, inputs []*Node) *Node {
		return ModelGraph(cfg)(ctx, nil, inputs)[0]
	}, []int{1, 32, 32, 3})
	numVarsAfter := 0
	ctx.EnumerateVariables(func(*context.Variable) { numVarsAfter++ })
	assert.Equal(t, numVars, numVarsAfter)

	// The weight decay is set on the model scope, and disabled for the classifier head.
	modelCtx := ctx.In(Scope)
	assert.Equal(t, DefaultWeightDecay, context.GetParamOr(modelCtx, regularizers.ParamL2, 0.0))
	assert.Equal(t, 0.0, context.GetParamOr(modelCtx.In("head"), regularizers.ParamL2, 1.0))

	summary := Summary(ctx, 2)
	assert.True(t, strings.Contains(summary, "/resnext/stage_3"), "summary:\n%s", summary)
	assert.Greater(t, NumParameters(ctx), NumTrainableParameters(ctx))
	assert.Greater(t, NumTrainableParameters(ctx), numKernelParameters(ctx))
}

func TestModelProbabilities(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	probs := ExecOnce(backend, Probabilities, [][]float32{{0, 0}, {1, 1}, {0, 100}})
	got := probs.Value().([][]float32)
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, got[0], 1e-5)
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, got[1], 1e-5)
	assert.InDeltaSlice(t, []float32{0, 1}, got[2], 1e-5)
}

func TestModelInvalid(t *testing.T) {
	require.Panics(t, func() {
		buildGraph(t, context.New(), func(ctx *context.Context, inputs []*Node) *Node {
			return New(ctx, inputs[0]).Cardinality(0).Done()
		}, []int{1, 8, 8, 3})
	})
	require.Panics(t, func() {
		buildGraph(t, context.New(), func(ctx *context.Context, inputs []*Node) *Node {
			return New(ctx, inputs[0]).Done()
		}, []int{8, 8, 3})
	})
	require.Panics(t, func() { ModelGraph(Config{Cardinality: 1, Block: "c", BlocksPerStage: 1, NumClasses: 10}) })
}

func TestConfig(t *testing.T) {
	ctx := context.New()
	SetDefaultParams(ctx)
	cfg, err := ConfigFromContext(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, Config{Cardinality: 16, Block: "b", BlocksPerStage: 3, NumClasses: 10, WeightDecay: 5e-4}, cfg)

	ctx.SetParam(ParamBlock, "a")
	ctx.SetParam(ParamCardinality, 8)
	cfg, err = ConfigFromContext(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "a", cfg.Block)
	assert.Equal(t, 8, cfg.Cardinality)
	assert.Equal(t, 100, cfg.NumClasses)

	ctx.SetParam(ParamBlock, "x")
	_, err = ConfigFromContext(ctx, 10)
	require.Error(t, err)

	ctx.SetParam(ParamBlock, "b")
	ctx.SetParam(ParamCardinality, 0)
	_, err = ConfigFromContext(ctx, 10)
	require.Error(t, err)

	_, err = BlockByName("b")
	require.NoError(t, err)
	_, err = BlockByName("B")
	require.Error(t, err)
}
