// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset downloads and loads 28x28 single-channel image classification datasets:
// Fashion-MNIST (https://github.com/zalandoresearch/fashion-mnist) and the original MNIST digits.
//
// Images are kept unnormalized (raw pixel values from 0 to 255): the model's first layer normalizes them.
package dataset

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/gomlx/fashionnet/internal/downloader"
	"github.com/gomlx/fashionnet/pkg/model"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Source of the dataset.
type Source int

const (
	// Fashion is the Zalando Fashion-MNIST dataset of clothing images.
	Fashion Source = iota

	// Digits is the original MNIST dataset of handwritten digits.
	Digits
)

// Partition of a dataset.
type Partition int

const (
	Train Partition = iota
	Test
)

const (
	trainImagesFilename = "train-images-idx3-ubyte.gz"
	trainLabelsFilename = "train-labels-idx1-ubyte.gz"
	testImagesFilename  = "t10k-images-idx3-ubyte.gz"
	testLabelsFilename  = "t10k-labels-idx1-ubyte.gz"
)

var (
	// FashionLabels are the class names of Fashion-MNIST, indexed by label.
	FashionLabels = []string{
		"T-shirt/top", "Trouser", "Pullover", "Dress", "Coat",
		"Sandal", "Shirt", "Sneaker", "Bag", "Ankle boot",
	}

	// DigitLabels are the class names of MNIST, indexed by label.
	DigitLabels = []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}

	sourceURLs = [...]string{
		Fashion: "http://fashion-mnist.s3-website.eu-central-1.amazonaws.com",
		Digits:  "https://storage.googleapis.com/cvdf-datasets/mnist",
	}
	sourceNames = [...]string{
		Fashion: "fashion",
		Digits:  "digits",
	}
	partitionFiles = [...][2]string{
		Train: {trainImagesFilename, trainLabelsFilename},
		Test:  {testImagesFilename, testLabelsFilename},
	}
)

// String implements fmt.Stringer.
func (s Source) String() string {
	if s < 0 || int(s) >= len(sourceNames) {
		return fmt.Sprintf("Source(%d)", int(s))
	}
	return sourceNames[s]
}

// ParseSource converts a name ("fashion" or "digits") to a Source.
func ParseSource(name string) (Source, error) {
	for ii, sourceName := range sourceNames {
		if strings.EqualFold(name, sourceName) {
			return Source(ii), nil
		}
	}
	return 0, errors.Errorf("unknown dataset source %q, valid values are %q", name, sourceNames)
}

// Labels returns the class names for the source.
func (s Source) Labels() []string {
	if s == Digits {
		return DigitLabels
	}
	return FashionLabels
}

// Dir returns the subdirectory of baseDir where the source files are stored.
func (s Source) Dir(baseDir string) string {
	return path.Join(fsutil.MustReplaceTildeInDir(baseDir), s.String())
}

// Download the four dataset files of the source into its subdirectory of baseDir, if they are not there yet.
func Download(baseDir string, source Source) error {
	if source < 0 || int(source) >= len(sourceURLs) {
		return errors.Errorf("invalid dataset source %d", source)
	}
	dir := source.Dir(baseDir)
	for _, files := range partitionFiles {
		for _, file := range files {
			fileURL, err := url.JoinPath(sourceURLs[source], file)
			if err != nil {
				return errors.Wrapf(err, "invalid URL for %q", file)
			}
			if err = downloader.DownloadIfMissing(fileURL, path.Join(dir, file), "", true); err != nil {
				return errors.WithMessagef(err, "while downloading %s dataset", source)
			}
		}
	}
	return nil
}

// Load the partition of the source from its subdirectory of baseDir. Files must have been downloaded already.
func Load(baseDir string, source Source, partition Partition) (*Examples, error) {
	if partition < 0 || int(partition) >= len(partitionFiles) {
		return nil, errors.Errorf("invalid partition %d", partition)
	}
	dir := source.Dir(baseDir)
	files := partitionFiles[partition]
	return LoadIDX(path.Join(dir, files[0]), path.Join(dir, files[1]))
}

// Examples holds images and their labels, in the same order.
type Examples struct {
	Images []Image
	Labels []uint8
}

// Len returns the number of examples.
func (e *Examples) Len() int { return len(e.Images) }

// ToTensors converts the examples to an images tensor shaped [N, Height, Width, Depth] of Float32 with
// the raw pixel values, and a labels tensor shaped [N, 1] of Int64.
func (e *Examples) ToTensors() (images, labels *tensors.Tensor) {
	n := e.Len()
	images = tensors.FromShape(shapes.Make(dtypes.Float32, n, model.Height, model.Width, model.Depth))
	tensors.MustMutableFlatData[float32](images, func(flat []float32) {
		for ii, img := range e.Images {
			row := flat[ii*ImageSize : (ii+1)*ImageSize]
			for jj, v := range img {
				row[jj] = float32(v)
			}
		}
	})
	labels = tensors.FromShape(shapes.Make(dtypes.Int64, n, 1))
	tensors.MustMutableFlatData[int64](labels, func(flat []int64) {
		for ii, label := range e.Labels {
			flat[ii] = int64(label)
		}
	})
	return
}

// NewInMemory creates a datasets.InMemoryDataset with the given examples.
func NewInMemory(backend backends.Backend, name string, examples *Examples) (*datasets.InMemoryDataset, error) {
	if examples.Len() == 0 {
		return nil, errors.Errorf("no examples to create dataset %q", name)
	}
	if len(examples.Labels) != examples.Len() {
		return nil, errors.Errorf("dataset %q has %d images but %d labels", name, examples.Len(), len(examples.Labels))
	}
	images, labels := examples.ToTensors()
	return datasets.InMemoryFromData(backend, name, []any{images}, []any{labels})
}

type cacheKey struct {
	dir       string
	source    Source
	partition Partition
}

var (
	muCache       sync.Mutex
	examplesCache = make(map[cacheKey]*Examples)
)

// loadCached loads the partition once per process: training and evaluation datasets share the examples.
func loadCached(baseDir string, source Source, partition Partition) (*Examples, error) {
	muCache.Lock()
	defer muCache.Unlock()
	key := cacheKey{source.Dir(baseDir), source, partition}
	if examples, found := examplesCache[key]; found {
		return examples, nil
	}
	examples, err := Load(baseDir, source, partition)
	if err != nil {
		return nil, err
	}
	examplesCache[key] = examples
	return examples, nil
}

// CreateDatasets used for training and evaluation: the training dataset is shuffled, loops indefinitely
// and drops incomplete batches; the evaluation ones go once over the train and test partitions.
//
// It downloads the source files first, if needed.
func CreateDatasets(backend backends.Backend, baseDir string, source Source, batchSize, evalBatchSize int) (
	trainDS, trainEvalDS, testEvalDS *datasets.InMemoryDataset, err error) {
	if err = Download(baseDir, source); err != nil {
		return
	}
	var trainExamples, testExamples *Examples
	if trainExamples, err = loadCached(baseDir, source, Train); err != nil {
		return
	}
	if testExamples, err = loadCached(baseDir, source, Test); err != nil {
		return
	}
	var baseTrain, baseTest *datasets.InMemoryDataset
	if baseTrain, err = NewInMemory(backend, "Training", trainExamples); err != nil {
		return
	}
	if baseTest, err = NewInMemory(backend, "Test", testExamples); err != nil {
		return
	}
	trainDS = baseTrain.Copy().BatchSize(batchSize, true).Shuffle().Infinite(true)
	trainEvalDS = baseTrain.BatchSize(evalBatchSize, false)
	testEvalDS = baseTest.BatchSize(evalBatchSize, false)
	return
}
