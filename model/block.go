// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"github.com/fumi-engineer/vitmoe/layer"
	"github.com/fumi-engineer/vitmoe/tensor"
)

// TransformerLayer is one pre-norm encoder layer:
//
//	h        = x + DropPath(Attention(LayerNorm(x)))
//	f, p     = FeedForward(LayerNorm(h))
//	out, aux = h + DropPath(f), aux + p
//
// With checkpointing enabled only the layer input and the forward seed are
// kept after Forward; Backward replays the forward pass first.
type TransformerLayer struct {
	index      int
	norm1      *layer.LayerNorm
	attn       *layer.SelfAttention
	norm2      *layer.LayerNorm
	ffn        FeedForward
	dropPath1  *layer.DropPath
	dropPath2  *layer.DropPath
	checkpoint bool

	seeds     *layer.Generator
	lastSeed  int64
	lastInput *tensor.Tensor
}

func newTransformerLayer(index int, attn *layer.SelfAttention, ffn FeedForward, hidden int, dropPath float32, checkpoint bool, seed int64) *TransformerLayer {
	return &TransformerLayer{
		index:      index,
		norm1:      layer.NewLayerNorm(hidden, 1e-6),
		attn:       attn,
		norm2:      layer.NewLayerNorm(hidden, 1e-6),
		ffn:        ffn,
		dropPath1:  layer.NewDropPath(dropPath, seed),
		dropPath2:  layer.NewDropPath(dropPath, seed),
		checkpoint: checkpoint,
		seeds:      layer.NewGenerator(seed),
	}
}

// Forward applies the layer to x [batch, tokens, hidden] and adds the
// feed-forward penalty to aux.
func (t *TransformerLayer) Forward(x *tensor.Tensor, aux float32) (*tensor.Tensor, float32) {
	t.lastSeed = t.seeds.Int63()
	t.lastInput = x
	out, penalty := t.run(x, t.lastSeed)
	if t.checkpoint {
		t.releaseActivations()
	}
	return out, aux + penalty
}

func (t *TransformerLayer) run(x *tensor.Tensor, seed int64) (*tensor.Tensor, float32) {
	t.attn.Reseed(layer.DeriveSeed(seed, 0))
	t.ffn.Reseed(layer.DeriveSeed(seed, 1))
	t.dropPath1.Reseed(layer.DeriveSeed(seed, 2))
	t.dropPath2.Reseed(layer.DeriveSeed(seed, 3))

	h := x.Add(t.dropPath1.Forward(t.attn.Forward(t.norm1.Forward(x))))
	f, penalty := t.ffn.Forward(t.norm2.Forward(h))
	return h.Add(t.dropPath2.Forward(f)), penalty
}

// Backward takes dL/dout and dL/daux and returns dL/dx.
//
//	dh = dout + norm2'(ffn'(dropPath2'(dout), daux))
//	dx = dh + norm1'(attn'(dropPath1'(dh)))
func (t *TransformerLayer) Backward(gradOutput *tensor.Tensor, dAux float32) *tensor.Tensor {
	if t.lastInput == nil {
		panic("backward called before forward")
	}
	if t.checkpoint {
		t.run(t.lastInput, t.lastSeed)
	}
	gradF := t.dropPath2.Backward(gradOutput)
	gradH := gradOutput.Add(t.norm2.Backward(t.ffn.Backward(gradF, dAux)))

	gradA := t.dropPath1.Backward(gradH)
	gradX := gradH.Add(t.norm1.Backward(t.attn.Backward(gradA)))
	if t.checkpoint {
		t.releaseActivations()
	}
	return gradX
}

func (t *TransformerLayer) releaseActivations() {
	t.norm1.ReleaseCache()
	t.attn.ReleaseCache()
	t.norm2.ReleaseCache()
	t.ffn.ReleaseCache()
	t.dropPath1.ReleaseCache()
	t.dropPath2.ReleaseCache()
}

// ReleaseCache drops every cached activation including the layer input.
func (t *TransformerLayer) ReleaseCache() {
	t.releaseActivations()
	t.lastInput = nil
}

// Parameters returns the layer's trainable tensors.
func (t *TransformerLayer) Parameters() []*tensor.Tensor {
	return layer.Tensors(t.NamedParameters(""))
}

// NamedParameters returns norm1.*, attn.*, norm2.* and mlp.*.
func (t *TransformerLayer) NamedParameters(prefix string) []layer.Param {
	ps := t.norm1.NamedParameters(layer.Join(prefix, "norm1"))
	ps = append(ps, t.attn.NamedParameters(layer.Join(prefix, "attn"))...)
	ps = append(ps, t.norm2.NamedParameters(layer.Join(prefix, "norm2"))...)
	return append(ps, t.ffn.NamedParameters(layer.Join(prefix, "mlp"))...)
}

func (t *TransformerLayer) SetTraining(training bool) {
	t.attn.SetTraining(training)
	t.ffn.SetTraining(training)
	t.dropPath1.SetTraining(training)
	t.dropPath2.SetTraining(training)
}

// Reseed restarts the layer's stream of forward seeds.
func (t *TransformerLayer) Reseed(seed int64) { t.seeds.Reseed(seed) }

func (t *TransformerLayer) Index() int               { return t.index }
func (t *TransformerLayer) Kind() Kind               { return t.ffn.Kind() }
func (t *TransformerLayer) FeedForward() FeedForward { return t.ffn }
func (t *TransformerLayer) DropPathRate() float32    { return t.dropPath1.Rate() }
func (t *TransformerLayer) Checkpointed() bool       { return t.checkpoint }
