// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package moe

import (
	"fmt"
	"math/rand"

	"github.com/fumi-engineer/vitmoe/layer"
	"github.com/fumi-engineer/vitmoe/tensor"
)

// ModuleConfig configures a routed feed-forward sublayer.
type ModuleConfig struct {
	Router      RouterConfig
	UseResidual bool
}

// Module is the expert-routed feed-forward sublayer.
//
//	y = Experts(x, Router(x))
//
// With UseResidual a dense residual expert runs on every token and a
// learned two-way gate mixes it with the routed output:
//
//	c = softmax(x @ W_c^T + b_c)              [T, 2]
//	y = c[:,0] * Experts(x) + c[:,1] * Residual(x)
type Module struct {
	cfg      ModuleConfig
	router   *Router
	experts  *Experts
	residual *layer.MLP
	combine  *layer.Linear

	lastShape tensor.Shape
	lastMoE   []float32
	lastRes   []float32
	lastCoef  []float32
}

// Stats summarizes the routing of the last forward pass.
type Stats struct {
	Capacity int
	Load     []int
	Dropped  int
	AuxLoss  float32
}

// NewModule wires a router to a pre-built expert set.
func NewModule(cfg ModuleConfig, experts *Experts, rng *rand.Rand) (*Module, error) {
	if experts.Len() != cfg.Router.NumExperts {
		return nil, fmt.Errorf("moe: router expects %d experts, got %d", cfg.Router.NumExperts, experts.Len())
	}
	if experts.Config().HiddenDim != cfg.Router.HiddenDim {
		return nil, fmt.Errorf("moe: expert width %d != router width %d", experts.Config().HiddenDim, cfg.Router.HiddenDim)
	}
	router, err := NewRouter(cfg.Router, rng)
	if err != nil {
		return nil, err
	}
	m := &Module{cfg: cfg, router: router, experts: experts}
	if cfg.UseResidual {
		m.residual = layer.NewMLP(experts.Config(), rng)
		m.combine = layer.NewLinear(cfg.Router.HiddenDim, 2, true, rng)
	}
	return m, nil
}

// Forward routes tokens [.., hidden] and returns the output together with
// the load-balancing penalty of this sublayer.
func (m *Module) Forward(input *tensor.Tensor) (*tensor.Tensor, float32) {
	m.lastShape = input.Shape()
	_, numTokens, d := tensor.SplitLast(input.Shape().DimsRef())
	flat := input.Reshape(tensor.NewShape(numTokens, d))

	rt := m.router.Forward(flat)
	out := m.experts.Forward(flat, rt)
	if !m.cfg.UseResidual {
		return out.Reshape(m.lastShape), rt.AuxLoss
	}

	res := m.residual.Forward(flat)
	coef := m.combine.Forward(flat).DataPtr()
	for t := 0; t < numTokens; t++ {
		tensor.SoftmaxInPlace(coef[2*t : 2*t+2])
	}
	m.lastMoE, m.lastRes, m.lastCoef = out.DataPtr(), res.DataPtr(), coef

	mixed := tensor.Zeros(numTokens, d)
	o := mixed.DataPtr()
	for t := 0; t < numTokens; t++ {
		c0, c1 := coef[2*t], coef[2*t+1]
		for k := t * d; k < (t+1)*d; k++ {
			o[k] = c0*m.lastMoE[k] + c1*m.lastRes[k]
		}
	}
	return mixed.Reshape(m.lastShape), rt.AuxLoss
}

// Backward takes dL/dy and dL/dpenalty and returns dL/dx.
func (m *Module) Backward(gradOutput *tensor.Tensor, dPenalty float32) *tensor.Tensor {
	rt := m.router.Last()
	if rt == nil {
		panic("backward called before forward")
	}
	numTokens := rt.NumTokens
	d := m.lastShape.At(-1)
	dy := gradOutput.Reshape(tensor.NewShape(numTokens, d))

	dMoE := dy
	var dxExtra *tensor.Tensor
	if m.cfg.UseResidual {
		g := dy.DataPtr()
		dMoE = tensor.Zeros(numTokens, d)
		dRes := tensor.Zeros(numTokens, d)
		dCoef := tensor.Zeros(numTokens, 2)
		dm, dr, dc := dMoE.DataPtr(), dRes.DataPtr(), dCoef.DataPtr()
		for t := 0; t < numTokens; t++ {
			c0, c1 := m.lastCoef[2*t], m.lastCoef[2*t+1]
			var s0, s1 float32
			for k := t * d; k < (t+1)*d; k++ {
				dm[k] = c0 * g[k]
				dr[k] = c1 * g[k]
				s0 += g[k] * m.lastMoE[k]
				s1 += g[k] * m.lastRes[k]
			}
			dc[2*t], dc[2*t+1] = s0, s1
			tensor.SoftmaxBackwardInPlace(dc[2*t:2*t+2], m.lastCoef[2*t:2*t+2])
		}
		dxExtra = m.residual.Backward(dRes)
		dxExtra.AddInPlace(m.combine.Backward(dCoef))
	}

	dx, dWeight := m.experts.Backward(dMoE, rt)
	dx.AddInPlace(m.router.Backward(dWeight, dPenalty))
	if dxExtra != nil {
		dx.AddInPlace(dxExtra)
	}
	return dx.Reshape(m.lastShape)
}

// Parameters returns router, expert and residual parameters.
func (m *Module) Parameters() []*tensor.Tensor { return layer.Tensors(m.NamedParameters("")) }

// NamedParameters returns router.*, experts.<i>.* and, with a residual
// expert, residual.* and combine.*.
func (m *Module) NamedParameters(prefix string) []layer.Param {
	ps := m.router.NamedParameters(layer.Join(prefix, "router"))
	ps = append(ps, m.experts.NamedParameters(layer.Join(prefix, "experts"))...)
	if m.cfg.UseResidual {
		ps = append(ps, m.residual.NamedParameters(layer.Join(prefix, "residual"))...)
		ps = append(ps, m.combine.NamedParameters(layer.Join(prefix, "combine"))...)
	}
	return ps
}

func (m *Module) SetTraining(training bool) {
	m.router.SetTraining(training)
	m.experts.SetTraining(training)
	if m.residual != nil {
		m.residual.SetTraining(training)
	}
}

func (m *Module) Reseed(seed int64) {
	m.router.Reseed(layer.DeriveSeed(seed, 0))
	m.experts.Reseed(layer.DeriveSeed(seed, 1))
	if m.residual != nil {
		m.residual.Reseed(layer.DeriveSeed(seed, 2))
	}
}

func (m *Module) ReleaseCache() {
	m.router.ReleaseCache()
	m.experts.ReleaseCache()
	if m.residual != nil {
		m.residual.ReleaseCache()
		m.combine.ReleaseCache()
	}
	m.lastMoE, m.lastRes, m.lastCoef = nil, nil, nil
}

// SetParallelism bounds concurrent expert evaluation.
func (m *Module) SetParallelism(n int) { m.experts.SetParallelism(n) }

// Config returns the module configuration.
func (m *Module) Config() ModuleConfig { return m.cfg }

// Stats reports the routing of the last forward pass.
func (m *Module) Stats() Stats {
	rt := m.router.Last()
	if rt == nil {
		return Stats{}
	}
	return Stats{Capacity: rt.Capacity, Load: append([]int(nil), rt.Load...), Dropped: rt.Dropped, AuxLoss: rt.AuxLoss}
}
