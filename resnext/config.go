// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package resnext

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/pkg/errors"
)

const (
	// ParamCardinality is the context hyperparameter with the number of parallel groups in each
	// residual block.
	ParamCardinality = "resnext_cardinality"

	// ParamBlock is the context hyperparameter with the residual block variant: "a" (the groups
	// each expand to the output width and are summed) or "b" (the groups are concatenated and
	// projected by one 1x1 convolution).
	ParamBlock = "resnext_block"

	// ParamBlocksPerStage is the context hyperparameter with the number of residual blocks in
	// each stage.
	ParamBlocksPerStage = "resnext_blocks_per_stage"

	// DefaultCardinality used by CreateDefaultContext.
	DefaultCardinality = 16

	// DefaultBlocksPerStage used by CreateDefaultContext and New.
	DefaultBlocksPerStage = 3

	// DefaultWeightDecay is the L2 regularization of the convolution kernels.
	DefaultWeightDecay = 5e-4
)

// Config is the architecture of a ResNeXt model. It's a value type: once created (usually with
// ConfigFromContext) it is passed around by value and never modified.
type Config struct {
	// Cardinality is the number of parallel paths (groups) in each residual block.
	Cardinality int

	// Block variant name, see BlockByName.
	Block string

	// BlocksPerStage is the number of residual blocks in each of the stages.
	BlocksPerStage int

	// NumClasses is the number of output logits.
	NumClasses int

	// WeightDecay is the L2 regularization amount applied to the convolution kernels.
	WeightDecay float64
}

// ConfigFromContext reads the architecture hyperparameters from the context.
// numClasses is given by the dataset.
func ConfigFromContext(ctx *context.Context, numClasses int) (Config, error) {
	cfg := Config{
		Cardinality:    context.GetParamOr(ctx, ParamCardinality, DefaultCardinality),
		Block:          context.GetParamOr(ctx, ParamBlock, "b"),
		BlocksPerStage: context.GetParamOr(ctx, ParamBlocksPerStage, DefaultBlocksPerStage),
		NumClasses:     numClasses,
		WeightDecay:    context.GetParamOr(ctx, regularizers.ParamL2, DefaultWeightDecay),
	}
	return cfg, cfg.Validate()
}

// Validate the configuration.
func (cfg Config) Validate() error {
	if cfg.Cardinality < 1 {
		return errors.Errorf("%s must be >= 1, got %d", ParamCardinality, cfg.Cardinality)
	}
	if cfg.BlocksPerStage < 1 {
		return errors.Errorf("%s must be >= 1, got %d", ParamBlocksPerStage, cfg.BlocksPerStage)
	}
	if cfg.NumClasses < 1 {
		return errors.Errorf("number of classes must be >= 1, got %d", cfg.NumClasses)
	}
	if cfg.WeightDecay < 0 {
		return errors.Errorf("%s must be >= 0, got %g", regularizers.ParamL2, cfg.WeightDecay)
	}
	if _, err := BlockByName(cfg.Block); err != nil {
		return err
	}
	return nil
}

// SetDefaultParams sets in ctx the default values of the architecture hyperparameters.
func SetDefaultParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamCardinality:     DefaultCardinality,
		ParamBlock:           "b",
		ParamBlocksPerStage:  DefaultBlocksPerStage,
		regularizers.ParamL2: DefaultWeightDecay,
	})
}
