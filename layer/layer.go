// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package layer provides the neural network building blocks of the
// Vision Transformer: projections, normalization, attention, dropout and
// the patch embedding. Every layer has an explicit forward/backward pair
// operating on tensor.Tensor; parameters carry their own gradients.
package layer

import (
	"math/rand"

	"github.com/fumi-engineer/vitmoe/tensor"
)

// Layer is the common interface for layers with forward/backward passes
// and parameter access for the optimizer.
type Layer interface {
	Forward(input *tensor.Tensor) *tensor.Tensor
	Backward(gradOutput *tensor.Tensor) *tensor.Tensor
	Parameters() []*tensor.Tensor
}

// Param is a parameter tensor with its dotted state-dict name.
type Param struct {
	Name   string
	Tensor *tensor.Tensor
}

// Named is implemented by layers that expose named parameters.
type Named interface {
	NamedParameters(prefix string) []Param
}

// Stochastic is implemented by layers whose forward pass depends on the
// training mode or on random draws (dropout, drop path, routing noise).
type Stochastic interface {
	SetTraining(training bool)
	// Reseed resets every random stream of the layer from seed, so that a
	// forward pass can be replayed exactly.
	Reseed(seed int64)
}

// CacheReleaser is implemented by layers that keep activations from the
// last forward for their backward pass.
type CacheReleaser interface {
	ReleaseCache()
}

// Join builds a dotted parameter name.
func Join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Tensors strips names from params.
func Tensors(params []Param) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		out[i] = p.Tensor
	}
	return out
}

// ---------------------------------------------------------------------------
// Random streams
// ---------------------------------------------------------------------------

// Generator is a reseedable random stream owned by a single layer.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator creates a generator seeded with seed.
func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// Reseed restarts the stream from seed.
func (g *Generator) Reseed(seed int64) { g.rng.Seed(seed) }

// Float32 returns a uniform sample in [0, 1).
func (g *Generator) Float32() float32 { return g.rng.Float32() }

// NormFloat32 returns a standard normal sample.
func (g *Generator) NormFloat32() float32 { return float32(g.rng.NormFloat64()) }

// Int63 returns a non-negative pseudo-random int64.
func (g *Generator) Int63() int64 { return g.rng.Int63() }

// DeriveSeed mixes a parent seed with a child index (splitmix64 finalizer),
// giving every sub-layer an independent stream from one forward seed.
func DeriveSeed(seed int64, child int) int64 {
	z := uint64(seed) + uint64(child+1)*0x9E3779B97F4A7C15
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	z ^= z >> 31
	return int64(z >> 1)
}
