// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"sync"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gradientImage returns a [height, width, 1] image with value 10*h+w.
func gradientImage(height, width int) []float32 {
	img := make([]float32, height*width)
	for h := range height {
		for w := range width {
			img[h*width+w] = float32(10*h + w)
		}
	}
	return img
}

func TestTransformIdentity(t *testing.T) {
	src := gradientImage(3, 4)
	dst := make([]float32, len(src))
	Transform(src, dst, 3, 4, 1, 0, 0, false)
	assert.Equal(t, src, dst)
}

func TestTransformFlip(t *testing.T) {
	src := gradientImage(2, 3)
	dst := make([]float32, len(src))
	Transform(src, dst, 2, 3, 1, 0, 0, true)
	assert.Equal(t, []float32{2, 1, 0, 12, 11, 10}, dst)

	// Flipping twice restores the image.
	back := make([]float32, len(src))
	Transform(dst, back, 2, 3, 1, 0, 0, true)
	assert.Equal(t, src, back)
}

func TestTransformIntegerShift(t *testing.T) {
	src := gradientImage(3, 4)
	dst := make([]float32, len(src))
	// Shift of 2 columns: the right border is filled with the nearest column.
	Transform(src, dst, 3, 4, 1, 0, 2, false)
	assert.Equal(t, []float32{
		2, 3, 3, 3,
		12, 13, 13, 13,
		22, 23, 23, 23}, dst)

	// Shift of -1 row: the top border is filled with the first row.
	Transform(src, dst, 3, 4, 1, -1, 0, false)
	assert.Equal(t, []float32{
		0, 1, 2, 3,
		0, 1, 2, 3,
		10, 11, 12, 13}, dst)
}

func TestTransformBilinear(t *testing.T) {
	src := gradientImage(3, 4)
	dst := make([]float32, len(src))
	// Half pixel in both directions: the gradient is linear, so interpolation is exact away
	// from the borders.
	Transform(src, dst, 3, 4, 1, 0.5, 0.5, false)
	assert.InDelta(t, 5.5, dst[0], 1e-5)
	assert.InDelta(t, 17.5, dst[1*4+2], 1e-5)
	// Last row and column are clamped.
	assert.InDelta(t, 23, dst[2*4+3], 1e-5)
}

func TestTransformChannels(t *testing.T) {
	// 1x2 image with 2 channels.
	src := []float64{1, 10, 2, 20}
	dst := make([]float64, len(src))
	Transform(src, dst, 1, 2, 2, 0, 0, true)
	assert.Equal(t, []float64{2, 20, 1, 10}, dst)
}

func TestAugmenterBatch(t *testing.T) {
	aug := New(Config{WidthShift: 0.25, HeightShift: 0.25, HorizontalFlip: true}, 42)
	images := tensors.FromFlatDataAndDimensions(make([]float32, 8*4*4*3), 8, 4, 4, 3)
	augmented, err := aug.Batch(images)
	require.NoError(t, err)
	assert.True(t, images.Shape().Equal(augmented.Shape()))

	// Shifts stay within the configured range.
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				tr := aug.sample(32, 32)
				assert.LessOrEqual(t, tr.dx, 8.0)
				assert.GreaterOrEqual(t, tr.dx, -8.0)
				assert.LessOrEqual(t, tr.dy, 8.0)
				assert.GreaterOrEqual(t, tr.dy, -8.0)
			}
		}()
	}
	wg.Wait()

	_, err = aug.Batch(tensors.FromValue([]int32{1, 2}))
	require.Error(t, err)
	_, err = aug.Batch(tensors.FromValue([][][][]int32{{{{1}}}}))
	require.Error(t, err)
}

func TestNoTransformations(t *testing.T) {
	aug := New(Config{}, 1)
	tr := aug.sample(32, 32)
	assert.Equal(t, transform{}, tr)
}

func TestConfigFromContext(t *testing.T) {
	ctx := context.New()
	assert.Equal(t, Config{WidthShift: 0.125, HeightShift: 0.125, HorizontalFlip: true}, ConfigFromContext(ctx))
	ctx.SetParam(ParamFlip, false)
	ctx.SetParam(ParamShift, 0.0)
	assert.Equal(t, Config{}, ConfigFromContext(ctx))
}

type constantDataset struct{}

func (ds *constantDataset) Name() string { return "constant" }
func (ds *constantDataset) Reset()       {}
func (ds *constantDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	// Each row of the 2x2 image is constant, so flips don't change it.
	images := tensors.FromFlatDataAndDimensions([]float32{1, 1, 5, 5, 1, 1, 5, 5}, 2, 2, 2, 1)
	return ds, []*tensors.Tensor{images}, []*tensors.Tensor{tensors.FromValue([]int64{0, 1})}, nil
}

func TestDataset(t *testing.T) {
	ds := NewDataset(&constantDataset{}, New(Config{HorizontalFlip: true}, 7))
	assert.Equal(t, "constant", ds.Name())
	prefetched := Prefetch(ds, 2, 4)
	for range 10 {
		_, inputs, labels, err := prefetched.Yield()
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		assert.Equal(t, dtypes.Float32, inputs[0].DType())
		assert.Equal(t, []float32{1, 1, 5, 5, 1, 1, 5, 5}, tensors.CopyFlatData[float32](inputs[0]))
		assert.Equal(t, []int64{0, 1}, tensors.CopyFlatData[int64](labels[0]))
	}
	assert.Greater(t, DefaultParallelism(), 0)
}
