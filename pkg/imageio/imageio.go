// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imageio loads and saves the images of the style transfer as tensors, and converts them
// from and to the normalized representation fed to VGG19.
//
// Images are represented as float32 tensors shaped [1, height, width, 3], RGB, either with raw pixel
// values in [0, 255] or normalized by subtracting vgg19.Means.
package imageio

import (
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/styletransfer/models/vgg19"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultHeight and DefaultWidth of the images.
	DefaultHeight = 300
	DefaultWidth  = 400

	// DefaultNoiseRatio is the fraction of noise in the initial generated image.
	DefaultNoiseRatio = 0.6

	// DefaultNoiseRange is the half-width of the uniform noise: values are drawn from [-20, 20).
	DefaultNoiseRange = 20.0

	// JPEGQuality used when saving images in JPEG format.
	JPEGQuality = 95
)

// Load the image in filePath (JPEG, PNG, GIF, TIFF or BMP), auto-oriented according to its EXIF tags,
// and resized and center-cropped to fill height×width. If height or width is 0, the image is not resized.
//
// It returns a float32 tensor shaped [1, height, width, 3] with raw pixel values in [0, 255].
func Load(filePath string, height, width int) (*tensors.Tensor, error) {
	img, err := imaging.Open(filePath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load image %q", filePath)
	}
	if height > 0 && width > 0 {
		bounds := img.Bounds()
		if bounds.Dx() != width || bounds.Dy() != height {
			klog.V(1).Infof("resizing %q from %dx%d to %dx%d", filePath, bounds.Dy(), bounds.Dx(), height, width)
			img = imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos)
		}
	}
	return FromImage(img), nil
}

// FromImage converts img to a float32 tensor shaped [1, height, width, 3] with raw pixel values in [0, 255].
// The alpha channel is dropped.
func FromImage(img image.Image) *tensors.Tensor {
	return images.ToTensor(dtypes.Float32).MaxValue(255).Batch([]image.Image{img})
}

// ToImage converts a tensor with raw pixel values, shaped [1, height, width, 3] to an image.
// Values are clipped to [0, 255].
func ToImage(t *tensors.Tensor) image.Image {
	t = clipPixels(t)
	return images.ToImage().MaxValue(255).Batch(t)[0]
}

// Save the image in t, normalized (as returned by Normalize), to filePath. The format is chosen by the
// file extension (e.g.: ".png", ".jpg"). The directory is created if it doesn't exist.
func Save(t *tensors.Tensor, filePath string) error {
	img := ToImage(Denormalize(t))
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "failed to create directory %q for image", dir)
		}
	}
	if err := imaging.Save(img, filePath, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return errors.Wrapf(err, "failed to save image to %q", filePath)
	}
	return nil
}

// checkImageTensor panics if t is not a float32 image tensor with 3 channels.
func checkImageTensor(t *tensors.Tensor) {
	shape := t.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() < 1 || shape.Dimensions[shape.Rank()-1] != 3 {
		Panicf("image tensor must be float32 with 3 channels (RGB) in the last axis, got %s", shape)
	}
}

// mapPixels returns a new tensor with fn applied to each value, given its channel.
func mapPixels(t *tensors.Tensor, fn func(value float32, channel int) float32) *tensors.Tensor {
	checkImageTensor(t)
	flat := tensors.CopyFlatData[float32](t)
	for ii, v := range flat {
		flat[ii] = fn(v, ii%3)
	}
	return tensors.FromFlatDataAndDimensions(flat, t.Shape().Dimensions...)
}

// Normalize subtracts vgg19.Means from each channel of an image with raw pixel values.
func Normalize(t *tensors.Tensor) *tensors.Tensor {
	return mapPixels(t, func(v float32, channel int) float32 {
		return v - vgg19.Means[channel]
	})
}

// Denormalize reverses Normalize: it adds vgg19.Means to each channel, and clips the values to [0, 255].
func Denormalize(t *tensors.Tensor) *tensors.Tensor {
	return mapPixels(t, func(v float32, channel int) float32 {
		return min(max(v+vgg19.Means[channel], 0), 255)
	})
}

func clipPixels(t *tensors.Tensor) *tensors.Tensor {
	return mapPixels(t, func(v float32, _ int) float32 {
		return min(max(v, 0), 255)
	})
}

// NoiseImageGraph blends uniform noise in [-noiseRange, noiseRange) with the content image:
//
//	noise·noiseRatio + content·(1 - noiseRatio)
//
// Noise is drawn from the context random number generator, see context.Context.RngStateFromSeed.
func NoiseImageGraph(ctx *context.Context, content *Node, noiseRatio, noiseRange float64) *Node {
	noise := ctx.RandomUniform(content.Graph(), content.Shape())
	noise = AddScalar(MulScalar(noise, 2*noiseRange), -noiseRange)
	return Add(MulScalar(noise, noiseRatio), MulScalar(content, 1-noiseRatio))
}

// NoiseImage executes NoiseImageGraph on the given content image tensor.
func NoiseImage(backend backends.Backend, ctx *context.Context, content *tensors.Tensor, noiseRatio, noiseRange float64) (noisy *tensors.Tensor, err error) {
	err = TryCatch[error](func() {
		noisy = context.MustExecOnce(backend, ctx, func(ctx *context.Context, content *Node) *Node {
			return NoiseImageGraph(ctx, content, noiseRatio, noiseRange)
		}, content)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to generate noise image")
	}
	return noisy, nil
}
