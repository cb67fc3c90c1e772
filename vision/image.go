// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package vision turns encoded images into model input tensors: decode
// (png, jpeg, webp), resize the shorter side, center crop, and normalize
// into channel-first float32 planes.
package vision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"runtime"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/fumi-engineer/vitmoe/tensor"
)

// ErrUnsupportedFormat is returned for data no registered decoder accepts.
var ErrUnsupportedFormat = errors.New("vision: unsupported image format")

// ImageNet channel statistics.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Options controls preprocessing.
type Options struct {
	Size     int        // output height and width
	Channels int        // 3 (RGB) or 1 (luma)
	Mean     [3]float32 // per channel, after scaling to [0, 1]
	Std      [3]float32
	// CropRatio is Size divided by the resized shorter side; 0.875 resizes a
	// 224 crop from a 256 image. 1 disables cropping margins.
	CropRatio float32
}

// DefaultOptions returns ImageNet evaluation preprocessing for the given
// input size and channel count.
func DefaultOptions(size, channels int) Options {
	return Options{Size: size, Channels: channels, Mean: ImageNetMean, Std: ImageNetStd, CropRatio: 0.875}
}

// Decode reads one image from r.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if errors.Is(err, image.ErrFormat) {
		return nil, "", ErrUnsupportedFormat
	}
	if err != nil {
		return nil, "", fmt.Errorf("vision: decode: %w", err)
	}
	return img, format, nil
}

// Resize scales img so its shorter side equals shorter, keeping the aspect
// ratio.
func Resize(img image.Image, shorter int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= h {
		h = max(1, h*shorter/w)
		w = shorter
	} else {
		w = max(1, w*shorter/h)
		h = shorter
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// CenterCrop cuts a size x size square out of the middle of img.
func CenterCrop(img image.Image, size int) (*image.RGBA, error) {
	b := img.Bounds()
	if size > b.Dx() || size > b.Dy() {
		return nil, fmt.Errorf("vision: crop %d larger than image %dx%d", size, b.Dx(), b.Dy())
	}
	off := image.Pt(b.Min.X+(b.Dx()-size)/2, b.Min.Y+(b.Dy()-size)/2)
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), img, off, draw.Src)
	return dst, nil
}

// Normalize writes img into CHW planes: (v/255 - mean) / std per channel.
// Alpha is composited over white first.
func Normalize(img image.Image, opts Options) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	flat := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(flat, flat.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img, b.Min, draw.Over)

	plane := w * h
	out := make([]float32, opts.Channels*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px := flat.RGBAAt(x, y)
			rgb := [3]float32{float32(px.R) / 255, float32(px.G) / 255, float32(px.B) / 255}
			if opts.Channels == 1 {
				luma := 0.299*rgb[0] + 0.587*rgb[1] + 0.114*rgb[2]
				out[y*w+x] = (luma - opts.Mean[0]) / opts.Std[0]
				continue
			}
			for c := 0; c < 3; c++ {
				out[c*plane+y*w+x] = (rgb[c] - opts.Mean[c]) / opts.Std[c]
			}
		}
	}
	return out
}

// Preprocess resizes, crops and normalizes img into [Channels, Size, Size].
func Preprocess(img image.Image, opts Options) ([]float32, error) {
	if opts.Channels != 1 && opts.Channels != 3 {
		return nil, fmt.Errorf("vision: %d channels, want 1 or 3", opts.Channels)
	}
	ratio := opts.CropRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	shorter := int(float32(opts.Size)/ratio + 0.5)
	cropped, err := CenterCrop(Resize(img, shorter), opts.Size)
	if err != nil {
		return nil, err
	}
	return Normalize(cropped, opts), nil
}

// FromBytes decodes and preprocesses one encoded image.
func FromBytes(data []byte, opts Options) ([]float32, error) {
	img, _, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return Preprocess(img, opts)
}

// LoadImage reads, decodes and preprocesses the image at path.
func LoadImage(path string, opts Options) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vision: %w", err)
	}
	out, err := FromBytes(data, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// LoadBatch loads paths concurrently into [len(paths), Channels, Size, Size].
func LoadBatch(ctx context.Context, paths []string, opts Options) (*tensor.Tensor, error) {
	per := opts.Channels * opts.Size * opts.Size
	batch := tensor.Zeros(len(paths), opts.Channels, opts.Size, opts.Size)
	data := batch.DataPtr()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := LoadImage(path, opts)
			if err != nil {
				return err
			}
			copy(data[i*per:(i+1)*per], img)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batch, nil
}
