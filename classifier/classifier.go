// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier classifies images with a ResNeXt CIFAR-10 model.
// It loads a trained model from a checkpoint and offers a Classify method that takes any image,
// resizing it to the model's input size and normalizing it with the training images statistics.
//
// To use it, create a Classifier with New, and then call its Classify method.
package classifier

import (
	"image"
	"slices"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/resnext/cifar"
	"github.com/gomlx/resnext/resnext"
	"github.com/gomlx/resnext/training"
	"github.com/pkg/errors"
)

// Classifier holds the ResNeXt model compiled.
// It will use XLA with GPU if available or CPU by default. But the backend can be configured with GOMLX_BACKEND.
type Classifier struct {
	backend backends.Backend

	// ctx with the model's weights.
	ctx *context.Context

	// exec returns the probabilities of each class for one image.
	exec *context.Exec
}

// Result of a classification.
type Result struct {
	// Class with the highest probability, from 0 to 9. Use Label for its name.
	Class int

	// Probabilities of each class.
	Probabilities []float32
}

// Label returns the name of the class.
func (r Result) Label() string {
	return cifar.C10Labels[r.Class]
}

// New creates a Classifier from the model saved in checkpointDir by the training.
func New(checkpointDir string) (*Classifier, error) {
	var backend backends.Backend
	err := exceptions.TryCatch[error](func() { backend = backends.New() })
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create a backend")
	}
	ctx := context.New()

	// The hyperparameters are read from the checkpoint as well, so the same model is built.
	_, err = checkpoints.Load(ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading ResNeXt model from %q", checkpointDir)
	}
	c, err := NewFromContext(backend, ctx.Reuse())
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", checkpointDir)
	}
	return c, nil
}

// NewFromContext creates a Classifier using the hyperparameters, the variables and the channel
// statistics (see training.StoreChannelStats) in ctx.
func NewFromContext(backend backends.Backend, ctx *context.Context) (*Classifier, error) {
	cfg, err := resnext.ConfigFromContext(ctx, cifar.NumClasses)
	if err != nil {
		return nil, err
	}
	mean, std, err := training.ChannelStatsFromContext(ctx)
	if err != nil {
		return nil, err
	}
	modelFn := resnext.ModelGraph(cfg)
	c := &Classifier{backend: backend, ctx: ctx}
	c.exec = context.NewExec(backend, ctx.In(training.ModelScope), func(ctx *context.Context, image *graph.Node) *graph.Node {
		image = graph.ExpandAxes(image, 0) // Create a batch dimension of size 1.
		image = cifar.NormalizeWith(image, mean, std)
		logits := modelFn(ctx, nil, []*graph.Node{image})[0]
		probs := resnext.Probabilities(logits)
		return graph.Reshape(probs, cfg.NumClasses) // Remove batch dimension.
	})
	return c, nil
}

// PrepareImage resizes img to the model's input size, cropping to keep the aspect ratio.
func PrepareImage(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	if bounds.Dx() == cifar.Width && bounds.Dy() == cifar.Height {
		return imaging.Clone(img)
	}
	return imaging.Fill(img, cifar.Width, cifar.Height, imaging.Center, imaging.Lanczos)
}

// Classify returns the CIFAR-10 class of img according to the model. The image is first resized
// with PrepareImage.
func (c *Classifier) Classify(img image.Image) (result Result, err error) {
	input := images.ToTensor(dtypes.Float32).Single(PrepareImage(img))
	var outputs []*tensors.Tensor
	err = exceptions.TryCatch[error](func() { outputs = c.exec.Call(input) })
	if err != nil {
		return
	}
	result.Probabilities = tensors.CopyFlatData[float32](outputs[0])
	result.Class = argMax(result.Probabilities)
	return
}

func argMax(values []float32) int {
	return slices.Index(values, slices.Max(values))
}
