// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package layer

import "github.com/fumi-engineer/vitmoe/tensor"

// LayerNorm normalizes the last dimension to zero mean and unit variance,
// then applies a learnable affine transform.
//
//	mu    = mean(x)
//	var   = mean((x - mu)^2)
//	x_hat = (x - mu) / sqrt(var + eps)
//	y     = gamma * x_hat + beta
type LayerNorm struct {
	weight *tensor.Tensor // gamma, shape [dim]
	bias   *tensor.Tensor // beta, shape [dim]
	eps    float32
	dim    int

	lastXHat   []float32 // normalized input, cached for backward
	lastInvStd []float32 // 1/sqrt(var+eps) per vector
}

// NewLayerNorm creates a LayerNorm with gamma = 1 and beta = 0.
func NewLayerNorm(dim int, eps float32) *LayerNorm {
	return &LayerNorm{
		weight: tensor.Full(1, dim),
		bias:   tensor.Zeros(dim),
		eps:    eps,
		dim:    dim,
	}
}

// Forward normalizes every vector along the last dimension.
func (n *LayerNorm) Forward(input *tensor.Tensor) *tensor.Tensor {
	shape := input.Shape()
	if shape.At(-1) != n.dim {
		panic("layernorm: last dimension does not match")
	}
	numVectors := shape.Numel() / n.dim
	n.lastXHat = make([]float32, shape.Numel())
	n.lastInvStd = make([]float32, numVectors)

	output := tensor.New(shape, tensor.F32)
	in, out := input.DataPtr(), output.DataPtr()
	w, b := n.weight.DataPtr(), n.bias.DataPtr()
	invDim := 1 / float32(n.dim)
	for v := 0; v < numVectors; v++ {
		off := v * n.dim
		row := in[off : off+n.dim]

		mean := float32(0)
		for _, x := range row {
			mean += x
		}
		mean *= invDim
		variance := float32(0)
		for _, x := range row {
			d := x - mean
			variance += d * d
		}
		variance *= invDim

		invStd := 1 / tensor.SqrtF32(variance+n.eps)
		n.lastInvStd[v] = invStd
		xHat := n.lastXHat[off : off+n.dim]
		oRow := out[off : off+n.dim]
		for i, x := range row {
			xHat[i] = (x - mean) * invStd
			oRow[i] = w[i]*xHat[i] + b[i]
		}
	}
	return output
}

// Backward returns the input gradient and accumulates d_gamma and d_beta.
//
//	g     = dy * gamma
//	dx    = invStd/N * (N*g - sum(g) - x_hat*sum(g*x_hat))
//	dgamma = sum_v dy * x_hat,  dbeta = sum_v dy
func (n *LayerNorm) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if n.lastXHat == nil {
		panic("backward called before forward")
	}
	shape := gradOutput.Shape()
	numVectors := shape.Numel() / n.dim
	gradInput := tensor.New(shape, tensor.F32)
	gOut, gIn := gradOutput.DataPtr(), gradInput.DataPtr()
	w := n.weight.DataPtr()

	dGamma := make([]float32, n.dim)
	dBeta := make([]float32, n.dim)
	g := make([]float32, n.dim)
	fn := float32(n.dim)
	for v := 0; v < numVectors; v++ {
		off := v * n.dim
		xHat := n.lastXHat[off : off+n.dim]
		dy := gOut[off : off+n.dim]

		sumG, sumGX := float32(0), float32(0)
		for i := range dy {
			dGamma[i] += dy[i] * xHat[i]
			dBeta[i] += dy[i]
			g[i] = dy[i] * w[i]
			sumG += g[i]
			sumGX += g[i] * xHat[i]
		}
		scale := n.lastInvStd[v] / fn
		dx := gIn[off : off+n.dim]
		for i := range dx {
			dx[i] = scale * (fn*g[i] - sumG - xHat[i]*sumGX)
		}
	}
	n.weight.AccumulateGrad(dGamma)
	n.bias.AccumulateGrad(dBeta)
	return gradInput
}

// Parameters returns gamma and beta.
func (n *LayerNorm) Parameters() []*tensor.Tensor { return []*tensor.Tensor{n.weight, n.bias} }

// NamedParameters returns "weight" (gamma) and "bias" (beta).
func (n *LayerNorm) NamedParameters(prefix string) []Param {
	return []Param{{Join(prefix, "weight"), n.weight}, {Join(prefix, "bias"), n.bias}}
}

// ReleaseCache drops the cached normalized activations.
func (n *LayerNorm) ReleaseCache() {
	n.lastXHat = nil
	n.lastInvStd = nil
}

// Eps returns the stability constant.
func (n *LayerNorm) Eps() float32 { return n.eps }
