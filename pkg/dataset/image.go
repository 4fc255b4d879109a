// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/gomlx/fashionnet/internal/workerspool"
	"github.com/gomlx/fashionnet/pkg/model"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// ImageSize is the number of pixels of an Image.
const ImageSize = model.Height * model.Width

// Image is a 28x28 grayscale image, stored row-major. 0 is black (the background).
type Image [ImageSize]byte

var _ image.Image = Image{}

// ColorModel implements image.Image.
func (img Image) ColorModel() color.Model {
	return color.GrayModel
}

// Bounds implements image.Image.
func (img Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, model.Width, model.Height)
}

// At implements image.Image.
func (img Image) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}.In(img.Bounds())) {
		return color.Gray{}
	}
	return color.Gray{Y: img[y*model.Width+x]}
}

// Set the pixel at (x, y).
func (img *Image) Set(x, y int, v byte) {
	img[y*model.Width+x] = v
}

// ToTensor returns the unnormalized image as a Float32 tensor shaped [Height, Width, Depth].
func (img *Image) ToTensor() *tensors.Tensor {
	flat := make([]float32, ImageSize)
	for ii, v := range img {
		flat[ii] = float32(v)
	}
	return tensors.FromFlatDataAndDimensions(flat, model.Height, model.Width, model.Depth)
}

// FromImage converts any image to an Image: it is converted to grayscale and, if needed, resized
// to 28x28.
func FromImage(img image.Image) Image {
	if gray, ok := img.(Image); ok {
		return gray
	}
	if gray, ok := img.(*Image); ok {
		return *gray
	}
	nrgba := imaging.Grayscale(img)
	if b := nrgba.Bounds(); b.Dx() != model.Width || b.Dy() != model.Height {
		nrgba = imaging.Resize(nrgba, model.Width, model.Height, imaging.Linear)
	}
	var out Image
	for y := range model.Height {
		for x := range model.Width {
			// After imaging.Grayscale R, G and B hold the same value.
			out[y*model.Width+x] = nrgba.Pix[y*nrgba.Stride+x*4]
		}
	}
	return out
}

// FromImages converts the images with FromImage, in parallel.
func FromImages(imgs []image.Image) []Image {
	out := make([]Image, len(imgs))
	workerspool.New().ForEach(len(imgs), func(ii int) {
		out[ii] = FromImage(imgs[ii])
	})
	return out
}
