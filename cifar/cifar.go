// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cifar downloads and loads the CIFAR-10 dataset, and provides the per-channel
// normalization used to train the ResNeXt model.
// Information about it in https://www.cs.toronto.edu/~kriz/cifar.html
package cifar

import (
	"fmt"
	"image"
	"io"
	"os"
	"path"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

const (
	C10Url     = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	C10TarName = "cifar-10-binary.tar.gz"
	C10SubDir  = "cifar-10-batches-bin"
	C10Hash    = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	// NumClasses in CIFAR-10.
	NumClasses = 10

	// NumTrainExamples is the number of examples in the 5 training files.
	NumTrainExamples = 50000

	// NumTestExamples is the number of examples in the test file.
	NumTestExamples = 10000

	// C10ExamplesPerFile is the number of examples in each of the binary files.
	C10ExamplesPerFile = 10000
)

// Width, Height and Depth are the dimensions of the images.
const (
	Width  int = 32
	Height int = 32
	Depth  int = 3
)

const (
	imageSizeBytes  = Height * Width * Depth
	recordSizeBytes = imageSizeBytes + 1
)

// C10Labels are the names of the CIFAR-10 classes, indexed by label.
var C10Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

// DownloadCifar10 downloads and untars the binary version of CIFAR-10 into baseDir, if not there yet.
func DownloadCifar10(baseDir string) error {
	baseDir = data.ReplaceTildeInDir(baseDir)
	return data.DownloadAndUntarIfMissing(C10Url, baseDir, C10TarName, C10SubDir, C10Hash)
}

// TrainFiles returns the paths to the 5 training files.
func TrainFiles(baseDir string) []string {
	baseDir = data.ReplaceTildeInDir(baseDir)
	files := make([]string, 0, 5)
	for ii := range 5 {
		files = append(files, path.Join(baseDir, C10SubDir, fmt.Sprintf("data_batch_%d.bin", ii+1)))
	}
	return files
}

// TestFiles returns the path to the test file.
func TestFiles(baseDir string) []string {
	return []string{path.Join(data.ReplaceTildeInDir(baseDir), C10SubDir, "test_batch.bin")}
}

// ImagesAndLabels of one partition: Images shaped [numExamples, Height, Width, Depth] with values
// from 0 to 1, and Labels shaped [numExamples, 1] of Int64.
type ImagesAndLabels struct {
	Images, Labels *tensors.Tensor
}

// NumExamples in the partition.
func (il ImagesAndLabels) NumExamples() int {
	return il.Images.Shape().Dimensions[0]
}

// FinalizeAll immediately frees the tensors.
func (il ImagesAndLabels) FinalizeAll() {
	il.Images.FinalizeAll()
	il.Labels.FinalizeAll()
}

// Partition refers to the train or test partitions of the dataset.
type Partition int

const (
	Train Partition = iota
	Test
)

// PartitionedImagesAndLabels holds for each partition (Train, Test) one set of images and labels.
type PartitionedImagesAndLabels [2]ImagesAndLabels

// LoadCifar10 downloads CIFAR-10 if needed and loads the train (50k) and test (10k) partitions.
// Only Float32 and Float64 dtypes are supported.
func LoadCifar10(baseDir string, dtype dtypes.DType) (partitioned PartitionedImagesAndLabels, err error) {
	if err = DownloadCifar10(baseDir); err != nil {
		err = errors.WithMessagef(err, "downloading CIFAR-10 to %q", baseDir)
		return
	}
	partitioned[Train], err = LoadFiles(TrainFiles(baseDir), dtype)
	if err != nil {
		return
	}
	partitioned[Test], err = LoadFiles(TestFiles(baseDir), dtype)
	if err != nil {
		partitioned[Train].FinalizeAll()
		return
	}
	klog.V(1).Infof("CIFAR-10 loaded: train=%s, test=%s",
		partitioned[Train].Images.Shape(), partitioned[Test].Images.Shape())
	return
}

// LoadFiles reads CIFAR-10 binary files: each record is one label byte followed by the 3072 pixel
// bytes of the image, channel-major (1024 red, 1024 green, 1024 blue).
// The number of examples is taken from the file sizes.
func LoadFiles(files []string, dtype dtypes.DType) (il ImagesAndLabels, err error) {
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		err = errors.Errorf("CIFAR-10 images dtype %s not supported, use Float32 or Float64", dtype)
		return
	}
	numExamples := 0
	for _, file := range files {
		var info os.FileInfo
		info, err = os.Stat(file)
		if err != nil {
			err = errors.Wrapf(err, "CIFAR-10 data file %q", file)
			return
		}
		if info.Size()%int64(recordSizeBytes) != 0 {
			err = errors.Errorf("CIFAR-10 data file %q has %d bytes, not a multiple of the record size %d",
				file, info.Size(), recordSizeBytes)
			return
		}
		numExamples += int(info.Size() / int64(recordSizeBytes))
	}

	il.Images = tensors.FromShape(shapes.Make(dtype, numExamples, Height, Width, Depth))
	il.Labels = tensors.FromShape(shapes.Make(dtypes.Int64, numExamples, 1))
	bar := progressbar.Default(int64(numExamples), "Loading CIFAR-10")
	defer func() { _ = bar.Finish() }()
	tensors.MutableFlatData(il.Labels, func(labelsData []int64) {
		exampleIdx := 0
		for _, file := range files {
			var n int
			switch dtype {
			case dtypes.Float32:
				n, err = readFile[float32](file, il.Images, labelsData, exampleIdx, bar)
			case dtypes.Float64:
				n, err = readFile[float64](file, il.Images, labelsData, exampleIdx, bar)
			}
			if err != nil {
				return
			}
			exampleIdx += n
		}
	})
	if err != nil {
		il.FinalizeAll()
		il = ImagesAndLabels{}
	}
	return
}

func readFile[T float32 | float64](file string, images *tensors.Tensor, labels []int64, start int, bar *progressbar.ProgressBar) (n int, err error) {
	f, err := os.Open(file)
	if err != nil {
		return 0, errors.Wrapf(err, "opening CIFAR-10 data file %q", file)
	}
	defer func() { _ = f.Close() }()
	tensors.MutableFlatData(images, func(imagesData []T) {
		n, err = readRecords(f, imagesData, labels, start, bar)
	})
	if err != nil {
		err = errors.WithMessagef(err, "reading CIFAR-10 data file %q", file)
	}
	return
}

// readRecords reads records until EOF, storing them starting at example start.
// Pixel values are converted from channel-major bytes to height-width-channel floats in [0, 1].
func readRecords[T float32 | float64](r io.Reader, images []T, labels []int64, start int, bar *progressbar.ProgressBar) (n int, err error) {
	var record [recordSizeBytes]byte
	for exampleIdx := start; ; exampleIdx++ {
		_, err = io.ReadFull(r, record[:])
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, errors.Wrapf(err, "reading example %d", n)
		}
		if exampleIdx >= len(labels) {
			return n, errors.Errorf("more than the %d examples expected", len(labels))
		}
		labels[exampleIdx] = int64(record[0])
		pixels := record[1:]
		pos := exampleIdx * imageSizeBytes
		for h := range Height {
			for w := range Width {
				for d := range Depth {
					images[pos] = T(pixels[d*(Height*Width)+h*Width+w]) / T(255)
					pos++
				}
			}
		}
		n++
		if bar != nil {
			_ = bar.Add(1)
		}
	}
}

// ToImage converts the example exampleNum of images (shaped [numExamples, Height, Width, Depth],
// with values from 0 to 1) to a Go image.
func ToImage(images *tensors.Tensor, exampleNum int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, Width, Height))
	var values []float64
	switch images.DType() {
	case dtypes.Float32:
		tensors.ConstFlatData(images, func(flat []float32) {
			values = make([]float64, imageSizeBytes)
			for ii := range values {
				values[ii] = float64(flat[exampleNum*imageSizeBytes+ii])
			}
		})
	case dtypes.Float64:
		tensors.ConstFlatData(images, func(flat []float64) {
			values = append([]float64(nil), flat[exampleNum*imageSizeBytes:(exampleNum+1)*imageSizeBytes]...)
		})
	default:
		exceptions.Panicf("ToImage doesn't support dtype %s", images.DType())
	}
	pos := 0
	for h := range Height {
		for w := range Width {
			for d := range Depth {
				img.Pix[h*img.Stride+w*4+d] = uint8(values[pos]*255 + 0.5)
				pos++
			}
			img.Pix[h*img.Stride+w*4+3] = 255 // Alpha channel.
		}
	}
	return img
}

// NewDataset creates an in-memory dataset with the images as input and the labels.
func NewDataset(backend backends.Backend, name string, il ImagesAndLabels) (*data.InMemoryDataset, error) {
	ds, err := data.InMemoryFromData(backend, name, []any{il.Images}, []any{il.Labels})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating dataset %q", name)
	}
	return ds, nil
}
