// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package layer

import (
	"math/rand"

	"github.com/fumi-engineer/vitmoe/tensor"
)

// MLP is the Transformer feed-forward network. The same class is used for
// the dense sublayer and for every expert of a routed sublayer.
//
//	h   = GELU(x @ W1^T + b1)        [.., hidden] -> [.., d_ff]
//	out = Dropout(Dropout(h) @ W2^T + b2)
type MLP struct {
	fc1, fc2     *Linear
	drop1, drop2 *Dropout
	hiddenDim    int
	ffnDim       int
	lastPreAct   *tensor.Tensor // fc1 output before GELU
}

// MLPConfig is the expert-class configuration shared by dense and routed
// feed-forward sublayers.
type MLPConfig struct {
	HiddenDim int
	FFNDim    int
	DropRate  float32
}

// NewMLP creates a feed-forward block.
func NewMLP(cfg MLPConfig, rng *rand.Rand) *MLP {
	return &MLP{
		fc1:       NewLinear(cfg.HiddenDim, cfg.FFNDim, true, rng),
		fc2:       NewLinear(cfg.FFNDim, cfg.HiddenDim, true, rng),
		drop1:     NewDropout(cfg.DropRate, rng.Int63()),
		drop2:     NewDropout(cfg.DropRate, rng.Int63()),
		hiddenDim: cfg.HiddenDim,
		ffnDim:    cfg.FFNDim,
	}
}

// Forward computes the two-layer GELU MLP.
func (m *MLP) Forward(input *tensor.Tensor) *tensor.Tensor {
	pre := m.fc1.Forward(input)
	m.lastPreAct = pre
	act := tensor.New(pre.Shape(), tensor.F32)
	a := act.DataPtr()
	for i, x := range pre.DataPtr() {
		a[i] = tensor.GELU(x)
	}
	return m.drop2.Forward(m.fc2.Forward(m.drop1.Forward(act)))
}

// Backward propagates through dropout, fc2, GELU and fc1.
func (m *MLP) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if m.lastPreAct == nil {
		panic("backward called before forward")
	}
	g := m.drop1.Backward(m.fc2.Backward(m.drop2.Backward(gradOutput)))
	gradPre := tensor.New(g.Shape(), tensor.F32)
	gp, gd := gradPre.DataPtr(), g.DataPtr()
	for i, x := range m.lastPreAct.DataPtr() {
		gp[i] = gd[i] * tensor.GELUGrad(x)
	}
	return m.fc1.Backward(gradPre)
}

// Parameters returns fc1 and fc2 weights and biases.
func (m *MLP) Parameters() []*tensor.Tensor { return Tensors(m.NamedParameters("")) }

// NamedParameters returns fc1.* and fc2.*.
func (m *MLP) NamedParameters(prefix string) []Param {
	return append(m.fc1.NamedParameters(Join(prefix, "fc1")), m.fc2.NamedParameters(Join(prefix, "fc2"))...)
}

func (m *MLP) SetTraining(training bool) {
	m.drop1.SetTraining(training)
	m.drop2.SetTraining(training)
}

func (m *MLP) Reseed(seed int64) {
	m.drop1.Reseed(DeriveSeed(seed, 0))
	m.drop2.Reseed(DeriveSeed(seed, 1))
}

func (m *MLP) ReleaseCache() {
	m.lastPreAct = nil
	m.fc1.ReleaseCache()
	m.fc2.ReleaseCache()
	m.drop1.ReleaseCache()
	m.drop2.ReleaseCache()
}

// HiddenDim returns the model width.
func (m *MLP) HiddenDim() int { return m.hiddenDim }

// FFNDim returns the intermediate width.
func (m *MLP) FFNDim() int { return m.ffnDim }
