// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package training trains a ResNeXt model on CIFAR-10, with hyperparameters given in a context.
package training

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/resnext/augment"
	"github.com/gomlx/resnext/cifar"
	"github.com/gomlx/resnext/momentum"
	"github.com/gomlx/resnext/resnext"
	"github.com/gomlx/resnext/stepdecay"
	"github.com/pkg/errors"
)

const (
	ParamNumEpochs       = "num_epochs"
	ParamBatchSize       = "batch_size"
	ParamEvalBatchSize   = "eval_batch_size"
	ParamEvalEveryEpochs = "eval_every_epochs"
	ParamNumCheckpoints  = "num_checkpoints"

	// ParamAugment enables the random shifts and flips of the training images.
	ParamAugment = "augment"

	// ParamAugmentParallelism is the number of goroutines preparing augmented batches. 0 means
	// the number of logical cores.
	ParamAugmentParallelism = "augment_parallelism"

	// ParamAugmentBuffer is the number of augmented batches prepared in advance.
	ParamAugmentBuffer = "augment_buffer"

	// ParamSeed seeds the augmentation random source.
	ParamSeed = "seed"
)

var (
	// DType of the images and the model.
	DType = dtypes.Float32

	// ParamsExcludedFromSaving is the list of parameters (see CreateDefaultContext) that shouldn't be saved
	// along on the models checkpoints, and may be overwritten in further training sessions.
	ParamsExcludedFromSaving = []string{
		ParamNumEpochs, ParamNumCheckpoints, ParamEvalEveryEpochs, ParamAugmentParallelism, ParamAugmentBuffer,
	}
)

// CreateDefaultContext returns a context with the default hyperparameters of ResNeXt on CIFAR-10:
// cardinality 16, block "b", SGD with Nesterov momentum 0.9 and learning rate 0.0125 dropping by 10x
// (see stepdecay.StepDecay), batches of 32 for 250 epochs, with augmentation.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	resnext.SetDefaultParams(ctx)
	ctx.SetParams(map[string]any{
		ParamNumEpochs:       250,
		ParamBatchSize:       32,
		ParamEvalBatchSize:   500,
		ParamEvalEveryEpochs: 1,
		ParamNumCheckpoints:  3,

		ParamAugment:            true,
		augment.ParamShift:      augment.DefaultShift,
		augment.ParamFlip:       true,
		ParamAugmentParallelism: 0,
		ParamAugmentBuffer:      32,
		ParamSeed:               42,

		optimizers.ParamOptimizer:    "sgd_nesterov",
		optimizers.ParamLearningRate: 0.0125,
		momentum.ParamMomentum:       momentum.DefaultMomentum,
		stepdecay.ParamEpochsDrop:    []int{150, 225},
		stepdecay.ParamDropFactor:    0.1,
		stepdecay.ParamMultiStep:     false,
	})
	return ctx
}

// Config is the training configuration, read once from the context with ConfigFromContext.
type Config struct {
	Model resnext.Config

	NumEpochs, BatchSize, EvalBatchSize, EvalEveryEpochs, NumCheckpoints int

	// Augment, if true, applies AugmentConfig to the training batches.
	Augment       bool
	AugmentConfig augment.Config

	AugmentParallelism, AugmentBuffer int
	Seed                              uint64
}

// ConfigFromContext reads the training configuration from the context hyperparameters.
func ConfigFromContext(ctx *context.Context) (cfg Config, err error) {
	cfg.Model, err = resnext.ConfigFromContext(ctx, cifar.NumClasses)
	if err != nil {
		return
	}
	cfg.NumEpochs = context.GetParamOr(ctx, ParamNumEpochs, 250)
	cfg.BatchSize = context.GetParamOr(ctx, ParamBatchSize, 32)
	cfg.EvalBatchSize = context.GetParamOr(ctx, ParamEvalBatchSize, 0)
	if cfg.EvalBatchSize <= 0 {
		cfg.EvalBatchSize = cfg.BatchSize
	}
	cfg.EvalEveryEpochs = context.GetParamOr(ctx, ParamEvalEveryEpochs, 1)
	cfg.NumCheckpoints = context.GetParamOr(ctx, ParamNumCheckpoints, 3)
	cfg.Augment = context.GetParamOr(ctx, ParamAugment, true)
	cfg.AugmentConfig = augment.ConfigFromContext(ctx)
	cfg.AugmentParallelism = context.GetParamOr(ctx, ParamAugmentParallelism, 0)
	cfg.AugmentBuffer = context.GetParamOr(ctx, ParamAugmentBuffer, 32)
	cfg.Seed = uint64(context.GetParamOr(ctx, ParamSeed, 42))
	err = cfg.Validate()
	return
}

// Validate the configuration.
func (cfg Config) Validate() error {
	if err := cfg.Model.Validate(); err != nil {
		return err
	}
	if cfg.NumEpochs < 1 {
		return errors.Errorf("%s must be >= 1, got %d", ParamNumEpochs, cfg.NumEpochs)
	}
	if cfg.BatchSize < 1 || cfg.BatchSize > cifar.NumTrainExamples {
		return errors.Errorf("%s must be between 1 and %d, got %d", ParamBatchSize, cifar.NumTrainExamples, cfg.BatchSize)
	}
	if cfg.EvalEveryEpochs < 0 {
		return errors.Errorf("%s must be >= 0 (0 disables it), got %d", ParamEvalEveryEpochs, cfg.EvalEveryEpochs)
	}
	if cfg.Augment && cfg.AugmentBuffer < 1 {
		return errors.Errorf("%s must be >= 1, got %d", ParamAugmentBuffer, cfg.AugmentBuffer)
	}
	return nil
}

// StepsPerEpoch is the number of full batches in numExamples: the last incomplete batch of each
// pass over the data is dropped, so all batches have the same shape.
func StepsPerEpoch(numExamples, batchSize int) int {
	return numExamples / batchSize
}
