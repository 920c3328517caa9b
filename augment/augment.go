// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package augment implements random image shifts and horizontal flips of training batches, as a
// train.Dataset wrapper that can be prefetched in parallel.
//
// Shifts use bilinear interpolation and fill the area uncovered by the shift with the nearest
// border pixel.
package augment

import (
	"math"
	"math/rand/v2"
	"runtime"
	"sync"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

const (
	// ParamShift is the context hyperparameter with the maximum shift, as a fraction of the image
	// width and height.
	ParamShift = "augment_shift"

	// ParamFlip is the context hyperparameter that enables random horizontal flips.
	ParamFlip = "augment_flip"

	// DefaultShift is 4 pixels on 32x32 images.
	DefaultShift = 0.125
)

// Config of the random transformations.
type Config struct {
	// WidthShift and HeightShift are the maximum shift as a fraction of the image width and
	// height. The shift of each image is uniformly sampled from [-shift*size, shift*size] pixels.
	WidthShift, HeightShift float64

	// HorizontalFlip flips each image horizontally with probability 0.5.
	HorizontalFlip bool
}

// ConfigFromContext reads ParamShift and ParamFlip.
func ConfigFromContext(ctx *context.Context) Config {
	shift := context.GetParamOr(ctx, ParamShift, DefaultShift)
	return Config{
		WidthShift:     shift,
		HeightShift:    shift,
		HorizontalFlip: context.GetParamOr(ctx, ParamFlip, true),
	}
}

// Augmenter samples and applies random transformations. It is safe for concurrent use.
type Augmenter struct {
	config Config

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates an Augmenter with a random source seeded with seed.
func New(config Config, seed uint64) *Augmenter {
	return &Augmenter{
		config: config,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// transform of one image.
type transform struct {
	dy, dx float64
	flip   bool
}

func (a *Augmenter) sample(height, width int) (t transform) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.config.HeightShift > 0 {
		t.dy = (2*a.rng.Float64() - 1) * a.config.HeightShift * float64(height)
	}
	if a.config.WidthShift > 0 {
		t.dx = (2*a.rng.Float64() - 1) * a.config.WidthShift * float64(width)
	}
	if a.config.HorizontalFlip {
		t.flip = a.rng.IntN(2) == 1
	}
	return
}

// Transform writes to dst the image src (both shaped [height, width, depth]) shifted by (dy, dx)
// pixels and optionally flipped horizontally.
//
// dst[h, w] = src[h+dy, w+dx] (before the flip), interpolated bilinearly, where coordinates
// outside of the image are clamped to the nearest border pixel.
func Transform[T float32 | float64](src, dst []T, height, width, depth int, dy, dx float64, flip bool) {
	for h := range height {
		y := float64(h) + dy
		y0 := math.Floor(y)
		fy := T(y - y0)
		rowA, rowB := clamp(int(y0), height), clamp(int(y0)+1, height)
		for w := range width {
			srcW := w
			if flip {
				srcW = width - 1 - w
			}
			x := float64(srcW) + dx
			x0 := math.Floor(x)
			fx := T(x - x0)
			colA, colB := clamp(int(x0), width), clamp(int(x0)+1, width)
			outPos := (h*width + w) * depth
			for d := range depth {
				topLeft := src[(rowA*width+colA)*depth+d]
				topRight := src[(rowA*width+colB)*depth+d]
				bottomLeft := src[(rowB*width+colA)*depth+d]
				bottomRight := src[(rowB*width+colB)*depth+d]
				top := topLeft + fx*(topRight-topLeft)
				bottom := bottomLeft + fx*(bottomRight-bottomLeft)
				dst[outPos+d] = top + fy*(bottom-top)
			}
		}
	}
}

func clamp(idx, size int) int {
	if idx < 0 {
		return 0
	}
	if idx >= size {
		return size - 1
	}
	return idx
}

// Batch returns a new tensor with a random transformation applied to each image of images, shaped
// [batchSize, height, width, depth].
func (a *Augmenter) Batch(images *tensors.Tensor) (*tensors.Tensor, error) {
	if images.Rank() != 4 {
		return nil, errors.Errorf("augmentation requires images shaped [batch, height, width, depth], got %s", images.Shape())
	}
	switch images.DType() {
	case dtypes.Float32:
		return augmentBatch[float32](a, images), nil
	case dtypes.Float64:
		return augmentBatch[float64](a, images), nil
	default:
		return nil, errors.Errorf("augmentation doesn't support images of dtype %s", images.DType())
	}
}

func augmentBatch[T float32 | float64](a *Augmenter, images *tensors.Tensor) *tensors.Tensor {
	dims := images.Shape().Dimensions
	batchSize, height, width, depth := dims[0], dims[1], dims[2], dims[3]
	imageSize := height * width * depth
	src := tensors.CopyFlatData[T](images)
	dst := make([]T, len(src))
	for ii := range batchSize {
		t := a.sample(height, width)
		Transform(src[ii*imageSize:(ii+1)*imageSize], dst[ii*imageSize:(ii+1)*imageSize],
			height, width, depth, t.dy, t.dx, t.flip)
	}
	return tensors.FromFlatDataAndDimensions(dst, dims...)
}

// Dataset applies an Augmenter to the first input (the images) of every batch of a base dataset.
type Dataset struct {
	base      train.Dataset
	augmenter *Augmenter
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset wraps base. Yield can be called concurrently if base.Yield can.
func NewDataset(base train.Dataset, augmenter *Augmenter) *Dataset {
	return &Dataset{base: base, augmenter: augmenter}
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string {
	return ds.base.Name()
}

// Reset implements train.Dataset.
func (ds *Dataset) Reset() {
	ds.base.Reset()
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = ds.base.Yield()
	if err != nil {
		return
	}
	augmented, err := ds.augmenter.Batch(inputs[0])
	if err != nil {
		err = errors.WithMessagef(err, "dataset %q", ds.Name())
		return
	}
	inputs[0].FinalizeAll()
	inputs[0] = augmented
	return
}

// DefaultParallelism is the number of logical cores.
func DefaultParallelism() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Prefetch yields batches of ds from parallelism goroutines, keeping up to buffer batches ready.
// If parallelism is 0 it uses DefaultParallelism.
func Prefetch(ds train.Dataset, parallelism, buffer int) *data.ParallelDataset {
	if parallelism <= 0 {
		parallelism = DefaultParallelism()
	}
	return data.CustomParallel(ds).Parallelism(parallelism).Buffer(buffer).Start()
}
