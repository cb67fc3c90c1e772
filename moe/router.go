// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package moe implements the expert-routed feed-forward sublayer: a gate
// that assigns tokens to experts under a capacity limit, the expert set,
// and the module that combines them with an optional dense residual expert.
package moe

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/fumi-engineer/vitmoe/layer"
	"github.com/fumi-engineer/vitmoe/tensor"
)

// NoisePolicy selects the training-time perturbation applied to gate logits.
type NoisePolicy int

const (
	NoiseNone NoisePolicy = iota
	// NoiseJitter multiplies each logit by U(1-1e-2, 1+1e-2).
	NoiseJitter
	// NoiseGaussian adds N(0, s^2) with s = 1/E^2 to each logit.
	NoiseGaussian
)

const jitterEps = 1e-2

// DefaultMinCapacity is the smallest per-expert slot count.
const DefaultMinCapacity = 4

func (p NoisePolicy) String() string {
	switch p {
	case NoiseJitter:
		return "jitter"
	case NoiseGaussian:
		return "gaussian"
	default:
		return "none"
	}
}

// ParseNoisePolicy is the inverse of NoisePolicy.String.
func ParseNoisePolicy(s string) (NoisePolicy, error) {
	switch strings.ToLower(s) {
	case "jitter":
		return NoiseJitter, nil
	case "gaussian":
		return NoiseGaussian, nil
	case "none", "":
		return NoiseNone, nil
	}
	return NoiseNone, fmt.Errorf("unknown noise policy %q", s)
}

// RouterConfig configures the gate.
type RouterConfig struct {
	HiddenDim           int
	NumExperts          int
	TopK                int     // 1 or 2
	CapacityFactorTrain float32 // slot multiplier in training mode
	CapacityFactorEval  float32 // slot multiplier in eval mode
	MinCapacity         int
	Noise               NoisePolicy
	DropTokens          bool // drop assignments beyond capacity
}

// Routing is the result of one gate forward pass over T tokens. Assignment
// slot s = t*TopK + j holds the j-th choice of token t.
type Routing struct {
	NumTokens int
	TopK      int
	Capacity  int
	Expert    []int     // chosen expert per slot
	Weight    []float32 // combine weight per slot, 0 when dropped
	Kept      []bool    // false when the slot overflowed capacity
	Probs     []float32 // gate probabilities [T, E]
	AuxLoss   float32
	Load      []int // kept assignments per expert
	Dropped   int   // overflowed assignments
}

// Router assigns every token to its top-k experts.
//
//	p          = softmax(noise(x @ W_g^T))            [T, E]
//	capacity   = max(min_capacity, even(floor(k * cf * T / E)))
//	weight_t,j = p[t, e_j] if the slot is within capacity else 0
//	aux        = E * sum_e mean_t(p[t,e]) * mean_t(mask[t,e])
//
// mask is the one-hot of the first choice (top-1) or the mean of both
// one-hots (top-2), taken before dropping. Slots are ranked in token order,
// with all second choices of an expert ranked after its first choices.
type Router struct {
	cfg      RouterConfig
	gate     *layer.Linear
	training bool
	gen      *layer.Generator

	lastNoise []float32 // jitter factors per logit, nil unless jitter applied
	lastMask  []float32 // mean_t(mask[t,e]) per expert
	last      *Routing
}

// NewRouter creates a router with a bias-free gate projection.
func NewRouter(cfg RouterConfig, rng *rand.Rand) (*Router, error) {
	if cfg.TopK != 1 && cfg.TopK != 2 {
		return nil, fmt.Errorf("router: top-k must be 1 or 2, got %d", cfg.TopK)
	}
	if cfg.NumExperts < cfg.TopK {
		return nil, fmt.Errorf("router: %d experts cannot serve top-%d routing", cfg.NumExperts, cfg.TopK)
	}
	if cfg.MinCapacity <= 0 {
		cfg.MinCapacity = DefaultMinCapacity
	}
	return &Router{
		cfg:      cfg,
		gate:     layer.NewLinear(cfg.HiddenDim, cfg.NumExperts, false, rng),
		training: true,
		gen:      layer.NewGenerator(rng.Int63()),
	}, nil
}

// Capacity returns the per-expert slot count for numTokens tokens in the
// current mode, before the no-drop adjustment.
func (r *Router) Capacity(numTokens int) int {
	cf := r.cfg.CapacityFactorEval
	if r.training {
		cf = r.cfg.CapacityFactorTrain
	}
	c := int(math.Floor(float64(float32(r.cfg.TopK) * cf * float32(numTokens) / float32(r.cfg.NumExperts))))
	c += c % 2
	return max(c, r.cfg.MinCapacity)
}

// Forward routes flat tokens [T, hidden].
func (r *Router) Forward(input *tensor.Tensor) *Routing {
	numTokens, nE, k := input.Shape().At(0), r.cfg.NumExperts, r.cfg.TopK
	logits := r.gate.Forward(input).DataPtr()

	r.lastNoise = nil
	if r.training {
		switch r.cfg.Noise {
		case NoiseJitter:
			r.lastNoise = make([]float32, len(logits))
			for i := range logits {
				n := 1 - jitterEps + 2*jitterEps*r.gen.Float32()
				r.lastNoise[i] = n
				logits[i] *= n
			}
		case NoiseGaussian:
			std := 1 / float32(nE*nE)
			for i := range logits {
				logits[i] += std * r.gen.NormFloat32()
			}
		}
	}

	probs := logits
	for t := 0; t < numTokens; t++ {
		tensor.SoftmaxInPlace(probs[t*nE : (t+1)*nE])
	}

	rt := &Routing{
		NumTokens: numTokens,
		TopK:      k,
		Expert:    make([]int, numTokens*k),
		Weight:    make([]float32, numTokens*k),
		Kept:      make([]bool, numTokens*k),
		Probs:     probs,
		Load:      make([]int, nE),
	}

	choiceCount := make([][]int, k) // per choice rank, per expert
	for j := range choiceCount {
		choiceCount[j] = make([]int, nE)
	}
	for t := 0; t < numTokens; t++ {
		row := probs[t*nE : (t+1)*nE]
		first, _ := tensor.Argmax(row)
		rt.Expert[t*k] = first
		choiceCount[0][first]++
		if k == 2 {
			second, best := -1, float32(-1)
			for e, p := range row {
				if e != first && p > best {
					second, best = e, p
				}
			}
			rt.Expert[t*k+1] = second
			choiceCount[1][second]++
		}
	}

	capacity := r.Capacity(numTokens)
	if !r.cfg.DropTokens {
		for e := 0; e < nE; e++ {
			total := 0
			for j := range choiceCount {
				total += choiceCount[j][e]
			}
			capacity = max(capacity, total)
		}
	}
	rt.Capacity = capacity

	// Rank slots: first choices in token order, then second choices after
	// every first choice of the same expert.
	for j := 0; j < k; j++ {
		rank := make([]int, nE)
		if j == 1 {
			copy(rank, choiceCount[0])
		}
		for t := 0; t < numTokens; t++ {
			s := t*k + j
			e := rt.Expert[s]
			if rank[e] < capacity {
				rt.Kept[s] = true
				rt.Weight[s] = probs[t*nE+e]
				rt.Load[e]++
			} else {
				rt.Dropped++
			}
			rank[e]++
		}
	}

	// aux = E * sum_e me_e * ce_e
	r.lastMask = make([]float32, nE)
	me := make([]float32, nE)
	invT := 1 / float32(max(numTokens, 1))
	for t := 0; t < numTokens; t++ {
		for e := 0; e < nE; e++ {
			me[e] += probs[t*nE+e]
		}
	}
	for e := 0; e < nE; e++ {
		cnt := 0
		for j := range choiceCount {
			cnt += choiceCount[j][e]
		}
		r.lastMask[e] = float32(cnt) / float32(k) * invT
		rt.AuxLoss += me[e] * invT * r.lastMask[e]
	}
	rt.AuxLoss *= float32(nE)

	r.last = rt
	return rt
}

// Backward returns the input gradient of the gate given dL/dweight per
// slot and dL/daux.
//
//	dp[t,e]   = sum_{kept j: e_j = e} dweight[t,j] + daux * E * ce_e / T
//	dlogits   = softmax'(dp), times the jitter factor when jitter was applied
func (r *Router) Backward(dWeight []float32, dAux float32) *tensor.Tensor {
	rt := r.last
	if rt == nil {
		panic("backward called before forward")
	}
	nE, k := r.cfg.NumExperts, rt.TopK
	numTokens := rt.NumTokens
	dLogits := tensor.Zeros(numTokens, nE)
	dl := dLogits.DataPtr()
	auxScale := dAux * float32(nE) / float32(max(numTokens, 1))
	for t := 0; t < numTokens; t++ {
		row := dl[t*nE : (t+1)*nE]
		for e := range row {
			row[e] = auxScale * r.lastMask[e]
		}
		for j := 0; j < k; j++ {
			s := t*k + j
			if rt.Kept[s] {
				row[rt.Expert[s]] += dWeight[s]
			}
		}
		tensor.SoftmaxBackwardInPlace(row, rt.Probs[t*nE:(t+1)*nE])
	}
	if r.lastNoise != nil {
		for i := range dl {
			dl[i] *= r.lastNoise[i]
		}
	}
	return r.gate.Backward(dLogits)
}

// Parameters returns the gate weight.
func (r *Router) Parameters() []*tensor.Tensor { return r.gate.Parameters() }

// NamedParameters returns gate.weight.
func (r *Router) NamedParameters(prefix string) []layer.Param {
	return r.gate.NamedParameters(layer.Join(prefix, "gate"))
}

func (r *Router) SetTraining(training bool) { r.training = training }

func (r *Router) Reseed(seed int64) { r.gen.Reseed(seed) }

func (r *Router) ReleaseCache() {
	r.gate.ReleaseCache()
	r.last, r.lastNoise, r.lastMask = nil, nil, nil
}

// Config returns the router configuration.
func (r *Router) Config() RouterConfig { return r.cfg }

// Last returns the routing of the most recent forward pass, or nil.
func (r *Router) Last() *Routing { return r.last }
