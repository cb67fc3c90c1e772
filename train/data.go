// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package train

import (
	"math/rand"

	"github.com/fumi-engineer/vitmoe/model"
	"github.com/fumi-engineer/vitmoe/tensor"
)

// SyntheticDataset draws class-conditional images: every class has a fixed
// random prototype and a sample is its prototype plus Gaussian noise.
type SyntheticDataset struct {
	cfg        model.Config
	prototypes [][]float32
	noise      float32
	rng        *rand.Rand
}

// NewSyntheticDataset creates a dataset matching the model's input shape.
func NewSyntheticDataset(cfg model.Config, seed int64) *SyntheticDataset {
	rng := rand.New(rand.NewSource(seed))
	n := cfg.InChans * cfg.ImgSize * cfg.ImgSize
	protos := make([][]float32, cfg.NumClasses)
	for c := range protos {
		protos[c] = make([]float32, n)
		for i := range protos[c] {
			protos[c][i] = float32(rng.NormFloat64())
		}
	}
	return &SyntheticDataset{cfg: cfg, prototypes: protos, noise: 0.5, rng: rng}
}

// SetNoise sets the standard deviation of the per-pixel noise.
func (d *SyntheticDataset) SetNoise(std float32) { d.noise = std }

// Batch returns n images [n, C, H, W] and their labels.
func (d *SyntheticDataset) Batch(n int) (*tensor.Tensor, []int) {
	c, s := d.cfg.InChans, d.cfg.ImgSize
	images := tensor.Zeros(n, c, s, s)
	data := images.DataPtr()
	per := c * s * s
	labels := make([]int, n)
	for b := range labels {
		labels[b] = d.rng.Intn(len(d.prototypes))
		proto := d.prototypes[labels[b]]
		row := data[b*per : (b+1)*per]
		for i := range row {
			row[i] = proto[i] + d.noise*float32(d.rng.NormFloat64())
		}
	}
	return images, labels
}
