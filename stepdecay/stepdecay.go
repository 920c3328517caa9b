// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stepdecay implements a step-wise learning rate decay, where the learning rate is
// multiplied by a drop factor at given epochs.
//
// The learning rate is computed on the host once per epoch (see Attach) and written to the
// optimizer's learning rate variable, so any optimizer that reads optimizers.LearningRateVar
// follows the schedule.
package stepdecay

import (
	"math"
	"slices"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamEpochsDrop is the context hyperparameter with the list of epochs ([]int) at which the
	// learning rate drops. See StepDecay for how the list is interpreted.
	ParamEpochsDrop = "lr_drop_epochs"

	// ParamDropFactor is the context hyperparameter with the multiplicative factor applied to the
	// learning rate at each drop.
	ParamDropFactor = "lr_drop_factor"

	// ParamMultiStep selects MultiStep instead of StepDecay. Defaults to false.
	ParamMultiStep = "lr_drop_multistep"

	// Scope used to name the loop hooks.
	Scope = "step_decay"
)

// StepDecay returns the learning rate for the given epoch (0-based).
//
// Only the first entry of epochsDrop is used: the rate is baseLR * drop^floor(epoch/epochsDrop[0]),
// so with epochsDrop=[150, 225] the rate keeps dropping every 150 epochs and the 225 entry has
// no effect. This matches the schedule ResNeXt CIFAR-10 reference runs were trained with; use
// MultiStep for a schedule that honors every threshold.
//
// If epochsDrop is empty, baseLR is returned.
func StepDecay(epoch int, baseLR, drop float64, epochsDrop []int) float64 {
	if len(epochsDrop) == 0 {
		return baseLR
	}
	return baseLR * math.Pow(drop, math.Floor(float64(epoch)/float64(epochsDrop[0])))
}

// MultiStep returns baseLR * drop^n, where n is the number of entries in epochsDrop that are
// <= epoch.
func MultiStep(epoch int, baseLR, drop float64, epochsDrop []int) float64 {
	lr := baseLR
	for _, epochDrop := range epochsDrop {
		if epoch >= epochDrop {
			lr *= drop
		}
	}
	return lr
}

// Config of the schedule. Create it with FromContext or fill it in directly.
type Config struct {
	BaseLearningRate float64
	DropFactor       float64
	EpochsDrop       []int
	MultiStep        bool

	// StepsPerEpoch is the number of training steps (batches) in one epoch.
	StepsPerEpoch int

	// DType of the learning rate variable, it should match the dtype of the loss.
	DType dtypes.DType
}

// FromContext reads the schedule hyperparameters from the context. The base learning rate comes
// from optimizers.ParamLearningRate.
func FromContext(ctx *context.Context, stepsPerEpoch int, dtype dtypes.DType) Config {
	return Config{
		BaseLearningRate: context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0),
		DropFactor:       context.GetParamOr(ctx, ParamDropFactor, 0.1),
		EpochsDrop:       slices.Clone(context.GetParamOr(ctx, ParamEpochsDrop, []int{})),
		MultiStep:        context.GetParamOr(ctx, ParamMultiStep, false),
		StepsPerEpoch:    stepsPerEpoch,
		DType:            dtype,
	}
}

// Validate returns an error if the configuration can't produce a finite schedule.
func (c Config) Validate() error {
	if c.BaseLearningRate <= 0 {
		return errors.Errorf("step decay requires a positive base learning rate, got %g", c.BaseLearningRate)
	}
	if c.StepsPerEpoch <= 0 {
		return errors.Errorf("step decay requires a positive number of steps per epoch, got %d", c.StepsPerEpoch)
	}
	for ii, epochDrop := range c.EpochsDrop {
		if epochDrop <= 0 {
			return errors.Errorf("%s[%d]=%d, epochs must be > 0", ParamEpochsDrop, ii, epochDrop)
		}
		if ii > 0 && epochDrop <= c.EpochsDrop[ii-1] {
			return errors.Errorf("%s=%v must be strictly increasing", ParamEpochsDrop, c.EpochsDrop)
		}
	}
	return nil
}

// LearningRate for the given epoch.
func (c Config) LearningRate(epoch int) float64 {
	if c.MultiStep {
		return MultiStep(epoch, c.BaseLearningRate, c.DropFactor, c.EpochsDrop)
	}
	return StepDecay(epoch, c.BaseLearningRate, c.DropFactor, c.EpochsDrop)
}

// EpochOf returns the epoch a given global step (number of steps already trained) belongs to.
func (c Config) EpochOf(globalStep int64) int {
	return int(globalStep / int64(c.StepsPerEpoch))
}

// scheduler holds the state of an attached schedule: only the current epoch.
type scheduler struct {
	cfg   Config
	ctx   *context.Context
	step  int64
	epoch int
}

// Attach the schedule to the training loop. ctx must be the same context (and scope) given to
// the train.Trainer, since that is where the optimizer looks for its learning rate variable.
//
// The learning rate is set when the loop starts (taking into account the global step of a
// restored checkpoint) and again whenever a step crosses an epoch boundary.
func Attach(loop *train.Loop, ctx *context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s := &scheduler{cfg: cfg, ctx: ctx, epoch: -1}
	loop.OnStart(Scope, 10, func(_ *train.Loop, _ train.Dataset) error {
		s.step = optimizers.GetGlobalStep(s.ctx)
		s.update()
		return nil
	})
	loop.OnStep(Scope, 10, func(_ *train.Loop, _ []*tensors.Tensor) error {
		s.step++
		s.update()
		return nil
	})
	return nil
}

// update sets the learning rate variable if the epoch changed.
func (s *scheduler) update() {
	epoch := s.cfg.EpochOf(s.step)
	if epoch == s.epoch {
		return
	}
	s.epoch = epoch
	lr := s.cfg.LearningRate(epoch)
	lrVar := optimizers.LearningRateVarWithValue(s.ctx, s.cfg.DType, lr)
	lrVar.SetValue(tensors.FromAnyValue(shapes.CastAsDType(lr, s.cfg.DType)))
	klog.V(1).Infof("epoch %d: learning rate set to %g", epoch, lr)
}
