// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package layer

import (
	"math/rand"

	"github.com/fumi-engineer/vitmoe/tensor"
)

// SelfAttention is bidirectional multi-head attention over image tokens.
// Every head has its own query, key and value slice of width d_kv.
//
//	Q, K, V = x W_q^T, x W_k^T, x W_v^T           [B, S, H*d_kv]
//	P       = softmax(Q_h K_h^T / sqrt(d_kv))      per head, no mask
//	out     = Dropout(concat_h(Dropout(P) V_h) W_o^T)
type SelfAttention struct {
	wQ, wK, wV, wO *Linear
	attnDrop       *Dropout
	projDrop       *Dropout
	nHeads, dKV    int
	hiddenDim      int
	scale          float32

	lastQ, lastK, lastV []float32 // [B, S, H*d_kv]
	lastProbs           *tensor.Tensor // softmax output [B*H, S, S]
	lastWeights         *tensor.Tensor // after attention dropout
	lastBatch, lastSeq  int
}

// AttentionConfig configures SelfAttention.
type AttentionConfig struct {
	HiddenDim     int
	NumHeads      int
	DKV           int
	AttentionDrop float32
	DropRate      float32
}

// NewSelfAttention creates a multi-head self-attention layer with biased
// projections.
func NewSelfAttention(cfg AttentionConfig, rng *rand.Rand) *SelfAttention {
	inner := cfg.NumHeads * cfg.DKV
	return &SelfAttention{
		wQ:        NewLinear(cfg.HiddenDim, inner, true, rng),
		wK:        NewLinear(cfg.HiddenDim, inner, true, rng),
		wV:        NewLinear(cfg.HiddenDim, inner, true, rng),
		wO:        NewLinear(inner, cfg.HiddenDim, true, rng),
		attnDrop:  NewDropout(cfg.AttentionDrop, rng.Int63()),
		projDrop:  NewDropout(cfg.DropRate, rng.Int63()),
		nHeads:    cfg.NumHeads,
		dKV:       cfg.DKV,
		hiddenDim: cfg.HiddenDim,
		scale:     1 / tensor.SqrtF32(float32(cfg.DKV)),
	}
}

// Forward computes attention for input [batch, seq, hidden].
//
// Q/K/V stay in their projected [B, S, H*d_kv] layout; per-head products
// run as strided gemms with leading dimension H*d_kv.
func (a *SelfAttention) Forward(input *tensor.Tensor) *tensor.Tensor {
	dims := input.Shape().DimsRef()
	batch, seqLen := dims[0], dims[1]
	a.lastBatch, a.lastSeq = batch, seqLen

	q := a.wQ.Forward(input).DataPtr()
	k := a.wK.Forward(input).DataPtr()
	v := a.wV.Forward(input).DataPtr()
	a.lastQ, a.lastK, a.lastV = q, k, v

	hd := a.dKV
	stride := a.nHeads * hd
	probs := tensor.Zeros(batch*a.nHeads, seqLen, seqLen)
	pData := probs.DataPtr()
	for b := 0; b < batch; b++ {
		for h := 0; h < a.nHeads; h++ {
			base := b*seqLen*stride + h*hd
			pOff := (b*a.nHeads + h) * seqLen * seqLen
			// scores = scale * Q_h @ K_h^T
			tensor.Gemm(false, true, seqLen, seqLen, hd,
				a.scale, q[base:], stride,
				k[base:], stride,
				0, pData[pOff:], seqLen)
			for qi := 0; qi < seqLen; qi++ {
				tensor.SoftmaxInPlace(pData[pOff+qi*seqLen : pOff+(qi+1)*seqLen])
			}
		}
	}
	a.lastProbs = probs
	weights := a.attnDrop.Forward(probs)
	a.lastWeights = weights
	wData := weights.DataPtr()

	out := tensor.Zeros(batch, seqLen, stride)
	oData := out.DataPtr()
	for b := 0; b < batch; b++ {
		for h := 0; h < a.nHeads; h++ {
			base := b*seqLen*stride + h*hd
			pOff := (b*a.nHeads + h) * seqLen * seqLen
			// out_h = W_h @ V_h
			tensor.Gemm(false, false, seqLen, hd, seqLen,
				1, wData[pOff:], seqLen,
				v[base:], stride,
				0, oData[base:], stride)
		}
	}
	return a.projDrop.Forward(a.wO.Forward(out))
}

// Backward propagates through the output projection, attention weights,
// softmax, and the Q/K/V projections.
//
//	dV_h = W_h^T dO_h
//	dW_h = dO_h V_h^T,  dP = dropout'(dW)
//	dS   = P * (dP - rowsum(dP * P))
//	dQ_h = scale * dS K_h,  dK_h = scale * dS^T Q_h
func (a *SelfAttention) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if a.lastProbs == nil {
		panic("backward called before forward")
	}
	batch, seqLen := a.lastBatch, a.lastSeq
	hd := a.dKV
	stride := a.nHeads * hd

	gradO := a.wO.Backward(a.projDrop.Backward(gradOutput)).DataPtr()
	wData := a.lastWeights.DataPtr()

	n := batch * seqLen * stride
	gradQ := make([]float32, n)
	gradK := make([]float32, n)
	gradV := make([]float32, n)
	gradW := tensor.Zeros(batch*a.nHeads, seqLen, seqLen)
	gwData := gradW.DataPtr()

	for b := 0; b < batch; b++ {
		for h := 0; h < a.nHeads; h++ {
			base := b*seqLen*stride + h*hd
			pOff := (b*a.nHeads + h) * seqLen * seqLen
			tensor.Gemm(true, false, seqLen, hd, seqLen,
				1, wData[pOff:], seqLen,
				gradO[base:], stride,
				0, gradV[base:], stride)
			tensor.Gemm(false, true, seqLen, seqLen, hd,
				1, gradO[base:], stride,
				a.lastV[base:], stride,
				0, gwData[pOff:], seqLen)
		}
	}

	gradP := a.attnDrop.Backward(gradW).DataPtr()
	pData := a.lastProbs.DataPtr()
	for r := 0; r < batch*a.nHeads*seqLen; r++ {
		off := r * seqLen
		tensor.SoftmaxBackwardInPlace(gradP[off:off+seqLen], pData[off:off+seqLen])
	}

	for b := 0; b < batch; b++ {
		for h := 0; h < a.nHeads; h++ {
			base := b*seqLen*stride + h*hd
			pOff := (b*a.nHeads + h) * seqLen * seqLen
			tensor.Gemm(false, false, seqLen, hd, seqLen,
				a.scale, gradP[pOff:], seqLen,
				a.lastK[base:], stride,
				0, gradQ[base:], stride)
			tensor.Gemm(true, false, seqLen, hd, seqLen,
				a.scale, gradP[pOff:], seqLen,
				a.lastQ[base:], stride,
				0, gradK[base:], stride)
		}
	}

	shape := tensor.NewShape(batch, seqLen, stride)
	gx := a.wQ.Backward(tensor.FromSliceNoCopy(gradQ, shape))
	gx.AddInPlace(a.wK.Backward(tensor.FromSliceNoCopy(gradK, shape)))
	gx.AddInPlace(a.wV.Backward(tensor.FromSliceNoCopy(gradV, shape)))
	return gx
}

// Parameters returns the Q, K, V and output projections.
func (a *SelfAttention) Parameters() []*tensor.Tensor { return Tensors(a.NamedParameters("")) }

// NamedParameters returns query.*, key.*, value.* and out.*.
func (a *SelfAttention) NamedParameters(prefix string) []Param {
	var ps []Param
	ps = append(ps, a.wQ.NamedParameters(Join(prefix, "query"))...)
	ps = append(ps, a.wK.NamedParameters(Join(prefix, "key"))...)
	ps = append(ps, a.wV.NamedParameters(Join(prefix, "value"))...)
	ps = append(ps, a.wO.NamedParameters(Join(prefix, "out"))...)
	return ps
}

func (a *SelfAttention) SetTraining(training bool) {
	a.attnDrop.SetTraining(training)
	a.projDrop.SetTraining(training)
}

func (a *SelfAttention) Reseed(seed int64) {
	a.attnDrop.Reseed(DeriveSeed(seed, 0))
	a.projDrop.Reseed(DeriveSeed(seed, 1))
}

func (a *SelfAttention) ReleaseCache() {
	a.lastQ, a.lastK, a.lastV = nil, nil, nil
	a.lastProbs, a.lastWeights = nil, nil
	for _, l := range []*Linear{a.wQ, a.wK, a.wV, a.wO} {
		l.ReleaseCache()
	}
	a.attnDrop.ReleaseCache()
	a.projDrop.ReleaseCache()
}
