// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package moe

import (
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/fumi-engineer/vitmoe/layer"
	"github.com/fumi-engineer/vitmoe/tensor"
)

// Experts is a set of independent feed-forward experts sharing one
// configuration. Each expert processes the tokens routed to it as a single
// batch; experts run concurrently.
type Experts struct {
	experts []*layer.MLP
	cfg     layer.MLPConfig
	workers int // errgroup limit, 0 = one goroutine per expert

	// per expert: token index and slot of each kept assignment, and output rows
	lastTokens [][]int
	lastSlots  [][]int
	lastOut    [][]float32
	lastT      int
}

// BuildExperts creates n experts of the given class.
func BuildExperts(n int, cfg layer.MLPConfig, rng *rand.Rand) *Experts {
	es := make([]*layer.MLP, n)
	for i := range es {
		es[i] = layer.NewMLP(cfg, rng)
	}
	return &Experts{experts: es, cfg: cfg}
}

// Len returns the number of experts.
func (x *Experts) Len() int { return len(x.experts) }

// Config returns the shared expert configuration.
func (x *Experts) Config() layer.MLPConfig { return x.cfg }

// SetParallelism bounds the number of experts evaluated at once.
func (x *Experts) SetParallelism(n int) { x.workers = n }

func (x *Experts) group() *errgroup.Group {
	g := new(errgroup.Group)
	if x.workers > 0 {
		g.SetLimit(x.workers)
	}
	return g
}

// Forward gathers the kept assignments of rt per expert, evaluates the
// experts and scatters the weighted outputs back.
//
//	out[t] = sum_{kept j} weight[t,j] * Expert_{e_j}(input[t])
func (x *Experts) Forward(input *tensor.Tensor, rt *Routing) *tensor.Tensor {
	numTokens, d := input.Shape().At(0), x.cfg.HiddenDim
	in := input.DataPtr()
	x.lastT = numTokens
	x.lastTokens = make([][]int, len(x.experts))
	x.lastSlots = make([][]int, len(x.experts))
	x.lastOut = make([][]float32, len(x.experts))
	for s, e := range rt.Expert {
		if rt.Kept[s] {
			x.lastTokens[e] = append(x.lastTokens[e], s/rt.TopK)
			x.lastSlots[e] = append(x.lastSlots[e], s)
		}
	}

	g := x.group()
	for e := range x.experts {
		tokens := x.lastTokens[e]
		if len(tokens) == 0 {
			continue
		}
		e := e
		g.Go(func() error {
			batch := make([]float32, len(tokens)*d)
			for i, t := range tokens {
				copy(batch[i*d:(i+1)*d], in[t*d:(t+1)*d])
			}
			out := x.experts[e].Forward(tensor.FromSliceNoCopy(batch, tensor.NewShape(len(tokens), d)))
			x.lastOut[e] = out.DataPtr()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		panic(fmt.Sprintf("experts: %v", err))
	}

	output := tensor.Zeros(numTokens, d)
	o := output.DataPtr()
	for e, tokens := range x.lastTokens {
		for i, t := range tokens {
			w := rt.Weight[x.lastSlots[e][i]]
			src := x.lastOut[e][i*d : (i+1)*d]
			dst := o[t*d : (t+1)*d]
			for k := range dst {
				dst[k] += w * src[k]
			}
		}
	}
	return output
}

// Backward returns the input gradient and dL/dweight for every slot.
//
//	dExpert_e[i] = weight * dy[t]
//	dweight[s]   = dot(dy[t], Expert_e(input[t]))
func (x *Experts) Backward(gradOutput *tensor.Tensor, rt *Routing) (*tensor.Tensor, []float32) {
	if x.lastTokens == nil {
		panic("backward called before forward")
	}
	d := x.cfg.HiddenDim
	dy := gradOutput.DataPtr()
	dWeight := make([]float32, len(rt.Expert))
	gradIn := make([][]float32, len(x.experts))

	g := x.group()
	for e := range x.experts {
		tokens := x.lastTokens[e]
		if len(tokens) == 0 {
			continue
		}
		e := e
		g.Go(func() error {
			batch := make([]float32, len(tokens)*d)
			for i, t := range tokens {
				s := x.lastSlots[e][i]
				w := rt.Weight[s]
				gRow := dy[t*d : (t+1)*d]
				oRow := x.lastOut[e][i*d : (i+1)*d]
				dot := float32(0)
				for k := range gRow {
					batch[i*d+k] = w * gRow[k]
					dot += gRow[k] * oRow[k]
				}
				dWeight[s] = dot
			}
			gi := x.experts[e].Backward(tensor.FromSliceNoCopy(batch, tensor.NewShape(len(tokens), d)))
			gradIn[e] = gi.DataPtr()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		panic(fmt.Sprintf("experts: %v", err))
	}

	dx := tensor.Zeros(x.lastT, d)
	dxData := dx.DataPtr()
	for e, tokens := range x.lastTokens {
		for i, t := range tokens {
			src := gradIn[e][i*d : (i+1)*d]
			dst := dxData[t*d : (t+1)*d]
			for k := range dst {
				dst[k] += src[k]
			}
		}
	}
	return dx, dWeight
}

// Parameters returns every expert's parameters in expert order.
func (x *Experts) Parameters() []*tensor.Tensor { return layer.Tensors(x.NamedParameters("")) }

// NamedParameters returns <prefix>.<i>.fc1.* and <prefix>.<i>.fc2.*.
func (x *Experts) NamedParameters(prefix string) []layer.Param {
	var ps []layer.Param
	for i, e := range x.experts {
		ps = append(ps, e.NamedParameters(layer.Join(prefix, fmt.Sprint(i)))...)
	}
	return ps
}

func (x *Experts) SetTraining(training bool) {
	for _, e := range x.experts {
		e.SetTraining(training)
	}
}

func (x *Experts) Reseed(seed int64) {
	for i, e := range x.experts {
		e.Reseed(layer.DeriveSeed(seed, i))
	}
}

func (x *Experts) ReleaseCache() {
	for _, e := range x.experts {
		e.ReleaseCache()
	}
	x.lastTokens, x.lastSlots, x.lastOut = nil, nil, nil
}
