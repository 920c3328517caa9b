// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package momentum implements stochastic gradient descent with momentum and Nesterov momentum,
// as an optimizers.Interface.
//
// Update rule, for each trainable variable w with gradient g:
//
//	v = momentum * v - learning_rate * g
//	w = w + v                                     (classical momentum)
//	w = w + momentum * v - learning_rate * g      (Nesterov)
//
// Unlike optimizers.StochasticGradientDescent, the learning rate is not decayed by the global
// step: it is read as-is from the optimizer learning rate variable, so schedules (like
// stepdecay) have full control over it.
//
// Importing this package registers "sgd_momentum" and "sgd_nesterov" in
// optimizers.KnownOptimizers, so they can be selected with optimizers.ParamOptimizer.
package momentum

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

const (
	// ParamMomentum is the context hyperparameter for the momentum factor. Default is 0.9.
	ParamMomentum = "momentum"

	// ParamNesterov is the context hyperparameter that selects Nesterov momentum. It is only
	// used by FromContext, the registered "sgd_nesterov" optimizer always uses Nesterov.
	ParamNesterov = "nesterov"

	// DefaultLearningRate is used if no learning rate is configured.
	DefaultLearningRate = 0.01

	// DefaultMomentum is used if no momentum is configured.
	DefaultMomentum = 0.9

	// DefaultScope is the scope where velocities are stored.
	DefaultScope = "MomentumOptimizer"
)

func init() {
	optimizers.KnownOptimizers["sgd_momentum"] = func(ctx *context.Context) optimizers.Interface {
		return New().FromContext(ctx).Nesterov(false).Done()
	}
	optimizers.KnownOptimizers["sgd_nesterov"] = func(ctx *context.Context) optimizers.Interface {
		return New().FromContext(ctx).Nesterov(true).Done()
	}
}

// Config for the momentum optimizer. Create it with New, and once configured call Done.
type Config struct {
	scopeName    string
	learningRate float64
	momentum     float64
	nesterov     bool
}

// New returns a configuration for SGD with momentum. By default, momentum is 0.9, Nesterov is
// disabled and the learning rate comes from optimizers.ParamLearningRate.
func New() *Config {
	return &Config{
		scopeName:    DefaultScope,
		learningRate: -1, // < 0 means use the context value.
		momentum:     DefaultMomentum,
	}
}

// FromContext reads ParamMomentum and ParamNesterov from the context.
func (c *Config) FromContext(ctx *context.Context) *Config {
	c.momentum = context.GetParamOr(ctx, ParamMomentum, c.momentum)
	c.nesterov = context.GetParamOr(ctx, ParamNesterov, c.nesterov)
	return c
}

// LearningRate sets the initial learning rate. If not set, optimizers.ParamLearningRate is used,
// and if that is not set either, DefaultLearningRate.
func (c *Config) LearningRate(value float64) *Config {
	c.learningRate = value
	return c
}

// Momentum factor, in [0, 1).
func (c *Config) Momentum(value float64) *Config {
	c.momentum = value
	return c
}

// Nesterov selects Nesterov momentum.
func (c *Config) Nesterov(nesterov bool) *Config {
	c.nesterov = nesterov
	return c
}

// Scope where the velocity variables are stored. Defaults to DefaultScope.
func (c *Config) Scope(name string) *Config {
	c.scopeName = name
	return c
}

// Done returns the optimizer.
func (c *Config) Done() optimizers.Interface {
	if c.momentum < 0 || c.momentum >= 1 {
		Panicf("momentum optimizer requires momentum in [0, 1), got %g", c.momentum)
	}
	return &optimizer{config: *c}
}

// optimizer implements optimizers.Interface.
type optimizer struct {
	config Config
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *optimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	dtype := loss.DType()
	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, optimizers.ParamLearningRate, DefaultLearningRate)
	}
	learningRate := optimizers.LearningRateVarWithValue(ctx, dtype, lrValue).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		Panicf("momentum optimizer: no trainable variables found")
	}
	numTrainable := len(grads)
	ii := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable || !v.InUseByGraph(g) {
			return
		}
		o.applyGraph(ctx, g, v, grads[ii], learningRate)
		ii++
	})
	if ii != numTrainable {
		Panicf("number of trainable variables for BuildTrainableVariablesGradientsGraph (%d) and momentum "+
			"optimizer (%d) are different -- were new trainable variables created in between?", numTrainable, ii)
	}
}

// applyGraph updates one variable and its velocity.
func (o *optimizer) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, grad, learningRate *Node) {
	lr := learningRate
	if lr.DType() != grad.DType() {
		lr = ConvertDType(lr, grad.DType())
	}
	velocityVar := o.velocityVariable(ctx, v)
	velocity := velocityVar.ValueGraph(g)
	step := Mul(lr, grad)
	velocity = Sub(MulScalar(velocity, o.config.momentum), step)
	velocityVar.SetValueGraph(velocity)

	delta := velocity
	if o.config.nesterov {
		delta = Sub(MulScalar(velocity, o.config.momentum), step)
	}
	delta = optimizers.ClipStepByValue(ctx, delta)
	v.SetValueGraph(Add(v.ValueGraph(g), delta))
}

// velocityVariable returns the velocity variable for the trainable variable, creating it with zeros
// if it doesn't exist yet.
func (o *optimizer) velocityVariable(ctx *context.Context, trainable *context.Variable) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, trainable.Scope())
	name := trainable.Name() + "_velocity"
	return ctx.InAbsPath(scopePath).Checked(false).WithInitializer(initializers.Zero).
		VariableWithShape(name, trainable.Shape()).SetTrainable(false)
}

// Clear deletes the velocity variables.
// It implements optimizers.Interface.
func (o *optimizer) Clear(ctx *context.Context) {
	ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).DeleteVariablesInScope()
}
