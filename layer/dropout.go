// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package layer

import (
	"fmt"

	"github.com/fumi-engineer/vitmoe/tensor"
)

// Dropout zeroes each element with probability p during training and scales
// the survivors by 1/(1-p) (inverted dropout). It is the identity in eval
// mode or when p == 0.
type Dropout struct {
	p        float32
	training bool
	gen      *Generator
	mask     []float32 // 0 or 1/(1-p) per element; nil when the last forward was identity
}

// NewDropout creates a dropout layer. p must lie in [0, 1).
func NewDropout(p float32, seed int64) *Dropout {
	if p < 0 || p >= 1 {
		panic(fmt.Sprintf("dropout probability %v out of range [0, 1)", p))
	}
	return &Dropout{p: p, training: true, gen: NewGenerator(seed)}
}

func (d *Dropout) active() bool { return d.training && d.p > 0 }

// Forward applies the dropout mask. In identity mode the input is returned as is.
func (d *Dropout) Forward(input *tensor.Tensor) *tensor.Tensor {
	if !d.active() {
		d.mask = nil
		return input
	}
	in := input.DataPtr()
	d.mask = make([]float32, len(in))
	keep := 1 / (1 - d.p)
	out := tensor.New(input.Shape(), tensor.F32)
	o := out.DataPtr()
	for i, x := range in {
		if d.gen.Float32() >= d.p {
			d.mask[i] = keep
			o[i] = x * keep
		}
	}
	return out
}

// Backward multiplies the gradient by the forward mask.
func (d *Dropout) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if d.mask == nil {
		return gradOutput
	}
	out := tensor.New(gradOutput.Shape(), tensor.F32)
	o, g := out.DataPtr(), gradOutput.DataPtr()
	for i, m := range d.mask {
		o[i] = g[i] * m
	}
	return out
}

// Parameters returns nil; dropout has no parameters.
func (d *Dropout) Parameters() []*tensor.Tensor { return nil }

func (d *Dropout) SetTraining(training bool) { d.training = training }

func (d *Dropout) Reseed(seed int64) { d.gen.Reseed(seed) }

func (d *Dropout) ReleaseCache() { d.mask = nil }

// Rate returns the drop probability.
func (d *Dropout) Rate() float32 { return d.p }

// ---------------------------------------------------------------------------
// DropPath (stochastic depth)
// ---------------------------------------------------------------------------

// DropPath drops the whole residual branch of a sample with probability p
// during training and rescales kept samples by 1/(1-p). The mask is drawn
// per sample along dim 0.
type DropPath struct {
	p        float32
	training bool
	gen      *Generator
	mask     []float32 // per-sample scale
	perRow   int
}

// NewDropPath creates a stochastic-depth layer with drop probability p.
func NewDropPath(p float32, seed int64) *DropPath {
	if p < 0 || p >= 1 {
		panic(fmt.Sprintf("drop path rate %v out of range [0, 1)", p))
	}
	return &DropPath{p: p, training: true, gen: NewGenerator(seed)}
}

// Forward scales every sample of input by its keep factor.
func (d *DropPath) Forward(input *tensor.Tensor) *tensor.Tensor {
	if !d.training || d.p == 0 {
		d.mask = nil
		return input
	}
	batch := input.Shape().At(0)
	d.perRow = input.Shape().Numel() / batch
	d.mask = make([]float32, batch)
	keep := 1 / (1 - d.p)
	for b := range d.mask {
		if d.gen.Float32() >= d.p {
			d.mask[b] = keep
		}
	}
	return d.apply(input)
}

// Backward applies the same per-sample scale to the gradient.
func (d *DropPath) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if d.mask == nil {
		return gradOutput
	}
	return d.apply(gradOutput)
}

func (d *DropPath) apply(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(x.Shape(), tensor.F32)
	o, in := out.DataPtr(), x.DataPtr()
	for b, m := range d.mask {
		if m == 0 {
			continue
		}
		off := b * d.perRow
		for i := off; i < off+d.perRow; i++ {
			o[i] = in[i] * m
		}
	}
	return out
}

// Parameters returns nil; drop path has no parameters.
func (d *DropPath) Parameters() []*tensor.Tensor { return nil }

func (d *DropPath) SetTraining(training bool) { d.training = training }

func (d *DropPath) Reseed(seed int64) { d.gen.Reseed(seed) }

func (d *DropPath) ReleaseCache() { d.mask = nil }

// Rate returns the drop probability this layer was seeded with.
func (d *DropPath) Rate() float32 { return d.p }
