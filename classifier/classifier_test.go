// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/resnext/cifar"
	"github.com/gomlx/resnext/resnext"
	"github.com/gomlx/resnext/training"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func gradientImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 255 / width), G: uint8(y * 255 / height), B: 128, A: 255})
		}
	}
	return img
}

func TestPrepareImage(t *testing.T) {
	img := PrepareImage(gradientImage(64, 48))
	assert.Equal(t, image.Rect(0, 0, cifar.Width, cifar.Height), img.Bounds())

	// Images already of the right size are kept as is.
	src := gradientImage(cifar.Width, cifar.Height)
	img = PrepareImage(src)
	assert.Equal(t, src.Pix, img.Pix)
}

func TestImageRoundTrip(t *testing.T) {
	// A CIFAR-10 image converted to a Go image and back gives the same values.
	flat := make([]float32, cifar.Height*cifar.Width*cifar.Depth)
	for ii := range flat {
		flat[ii] = float32(ii%256) / 255
	}
	imagesT := tensors.FromFlatDataAndDimensions(flat, 1, cifar.Height, cifar.Width, cifar.Depth)
	img := PrepareImage(cifar.ToImage(imagesT, 0))
	back := images.ToTensor(dtypes.Float32).Single(img)
	assert.Equal(t, []int{cifar.Height, cifar.Width, cifar.Depth}, back.Shape().Dimensions)
	assert.InDeltaSlice(t, flat, tensors.CopyFlatData[float32](back), 1e-5)
}

func TestClassify(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := training.CreateDefaultContext()
	ctx.SetParam(resnext.ParamCardinality, 1)
	ctx.SetParam(resnext.ParamBlocksPerStage, 1)

	// Without channel statistics the classifier can't be created.
	_, err := NewFromContext(backend, ctx)
	require.Error(t, err)

	training.StoreChannelStats(ctx, []float64{0.5, 0.5, 0.5}, []float64{0.25, 0.25, 0.25})
	c, err := NewFromContext(backend, ctx)
	require.NoError(t, err)

	result, err := c.Classify(gradientImage(40, 40))
	require.NoError(t, err)
	require.Len(t, result.Probabilities, cifar.NumClasses)
	var sum float32
	for _, p := range result.Probabilities {
		assert.GreaterOrEqual(t, p, float32(0))
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
	assert.Equal(t, argMax(result.Probabilities), result.Class)
	assert.Contains(t, cifar.C10Labels, result.Label())
}

func TestArgMax(t *testing.T) {
	assert.Equal(t, 2, argMax([]float32{0.1, 0.2, 0.6, 0.1}))
	assert.Equal(t, 0, argMax([]float32{0.5, 0.5}))
}

func TestNewWithoutCheckpoint(t *testing.T) {
	// The backend is created, but loading fails since there is no checkpoint to load.
	_, err := New(filepath.Join(t.TempDir(), "missing_checkpoint"))
	require.Error(t, err)
}
