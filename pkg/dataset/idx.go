// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"

	"github.com/gomlx/fashionnet/pkg/model"
	"github.com/pkg/errors"
)

// IDX file format: a big-endian header followed by the raw uint8 data.
// See http://yann.lecun.com/exdb/mnist/.
const (
	imageMagic = 0x00000803
	labelMagic = 0x00000801

	// maxPreallocatedImages bounds the memory allocated upfront from the count in a header: beyond that,
	// images are only allocated as they are read.
	maxPreallocatedImages = 60_000
)

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

// LoadIDX reads a gzip'ed IDX images file and its matching labels file.
func LoadIDX(imagesPath, labelsPath string) (*Examples, error) {
	images, err := readGzipFile(imagesPath, ReadIDXImages)
	if err != nil {
		return nil, err
	}
	labels, err := readGzipFile(labelsPath, ReadIDXLabels)
	if err != nil {
		return nil, err
	}
	if len(images) != len(labels) {
		return nil, errors.Errorf("%q has %d images, but %q has %d labels", imagesPath, len(images), labelsPath, len(labels))
	}
	return &Examples{Images: images, Labels: labels}, nil
}

func readGzipFile[T any](filePath string, readFn func(r io.Reader) (T, error)) (value T, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		return value, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return value, errors.Wrapf(err, "failed to un-gzip %q", filePath)
	}
	defer func() { _ = reader.Close() }()
	value, err = readFn(reader)
	if err != nil {
		return value, errors.WithMessagef(err, "while reading %q", filePath)
	}
	return value, nil
}

// ReadIDXImages parses an uncompressed IDX images stream. Images must be 28x28.
func ReadIDXImages(r io.Reader) ([]Image, error) {
	var header imageFileHeader
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "failed to read images header")
	}
	if header.Magic != imageMagic {
		return nil, errors.Errorf("invalid images file magic number 0x%08x, wanted 0x%08x", header.Magic, imageMagic)
	}
	if header.Height != model.Height || header.Width != model.Width {
		return nil, errors.Errorf("images are %dx%d, only %dx%d images are supported",
			header.Height, header.Width, model.Height, model.Width)
	}
	if header.NumImages < 0 {
		return nil, errors.Errorf("invalid number of images %d", header.NumImages)
	}
	numImages := int(header.NumImages)
	images := make([]Image, 0, min(numImages, maxPreallocatedImages))
	var img Image
	for ii := range numImages {
		if _, err := io.ReadFull(r, img[:]); err != nil {
			return nil, errors.Wrapf(err, "failed to read image #%d of %d", ii, numImages)
		}
		images = append(images, img)
	}
	return images, nil
}

// ReadIDXLabels parses an uncompressed IDX labels stream. Labels must be smaller than model.NumClasses.
func ReadIDXLabels(r io.Reader) ([]uint8, error) {
	var header labelFileHeader
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "failed to read labels header")
	}
	if header.Magic != labelMagic {
		return nil, errors.Errorf("invalid labels file magic number 0x%08x, wanted 0x%08x", header.Magic, labelMagic)
	}
	if header.NumLabels < 0 {
		return nil, errors.Errorf("invalid number of labels %d", header.NumLabels)
	}
	labels, err := io.ReadAll(io.LimitReader(r, int64(header.NumLabels)))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %d labels", header.NumLabels)
	}
	if len(labels) < int(header.NumLabels) {
		return nil, errors.Wrapf(io.ErrUnexpectedEOF, "failed to read %d labels, only %d available",
			header.NumLabels, len(labels))
	}
	for ii, label := range labels {
		if int(label) >= model.NumClasses {
			return nil, errors.Errorf("label #%d is %d, it must be < %d", ii, label, model.NumClasses)
		}
	}
	return labels, nil
}

// WriteIDX writes the examples as uncompressed IDX images and labels streams.
func WriteIDX(imagesW, labelsW io.Writer, examples *Examples) error {
	n := int32(examples.Len())
	err := binary.Write(imagesW, binary.BigEndian, imageFileHeader{imageMagic, n, model.Height, model.Width})
	if err != nil {
		return errors.Wrap(err, "failed to write images header")
	}
	for ii := range examples.Images {
		if _, err = imagesW.Write(examples.Images[ii][:]); err != nil {
			return errors.Wrapf(err, "failed to write image #%d", ii)
		}
	}
	if err = binary.Write(labelsW, binary.BigEndian, labelFileHeader{labelMagic, int32(len(examples.Labels))}); err != nil {
		return errors.Wrap(err, "failed to write labels header")
	}
	if _, err = labelsW.Write(examples.Labels); err != nil {
		return errors.Wrap(err, "failed to write labels")
	}
	return nil
}
