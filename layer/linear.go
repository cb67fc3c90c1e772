// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package layer

import (
	"math/rand"

	"github.com/fumi-engineer/vitmoe/tensor"
)

// Linear computes y = x @ W^T + b (optional bias).
//
// Weight shape: [out_features, in_features], so the forward pass can use
// MatmulTransposedB without materializing W^T.
type Linear struct {
	weight    *tensor.Tensor
	bias      *tensor.Tensor
	inFeat    int
	outFeat   int
	lastInput *tensor.Tensor
}

// NewLinear creates a linear layer with Kaiming initialization N(0, sqrt(2/in))
// and a zero bias.
func NewLinear(inFeatures, outFeatures int, useBias bool, rng *rand.Rand) *Linear {
	std := tensor.SqrtF32(2.0 / float32(inFeatures))
	l := &Linear{
		weight:  tensor.Normal(tensor.NewShape(outFeatures, inFeatures), std, rng),
		inFeat:  inFeatures,
		outFeat: outFeatures,
	}
	if useBias {
		l.bias = tensor.Zeros(outFeatures)
	}
	return l
}

// NewZeroLinear creates a biased linear layer whose weight and bias are all
// zero. The classifier head starts this way so an untrained model predicts
// uniform logits.
func NewZeroLinear(inFeatures, outFeatures int) *Linear {
	return &Linear{
		weight:  tensor.Zeros(outFeatures, inFeatures),
		bias:    tensor.Zeros(outFeatures),
		inFeat:  inFeatures,
		outFeat: outFeatures,
	}
}

// Forward computes y = x @ W^T (+ bias). Leading dims are treated as a flat batch.
func (l *Linear) Forward(input *tensor.Tensor) *tensor.Tensor {
	l.lastInput = input
	batchDims, batchSize, _ := tensor.SplitLast(input.Shape().DimsRef())
	flatInput := input.Reshape(tensor.NewShape(batchSize, l.inFeat))
	output := tensor.MatmulTransposedB(flatInput, l.weight)

	if l.bias != nil {
		out, b := output.DataPtr(), l.bias.DataPtr()
		for i := 0; i < batchSize; i++ {
			row := out[i*l.outFeat : (i+1)*l.outFeat]
			for j := range row {
				row[j] += b[j]
			}
		}
	}
	return output.Reshape(tensor.WithLastDim(batchDims, l.outFeat))
}

// Backward returns dL/dx = dL/dy @ W and accumulates
// dW = gradOutput^T @ input and db = sum(gradOutput).
func (l *Linear) Backward(gradOutput *tensor.Tensor) *tensor.Tensor {
	if l.lastInput == nil {
		panic("backward called before forward")
	}
	inputShape := l.lastInput.Shape()
	_, batchSize, _ := tensor.SplitLast(gradOutput.Shape().DimsRef())
	flatGrad := gradOutput.Reshape(tensor.NewShape(batchSize, l.outFeat))
	flatInput := l.lastInput.Reshape(tensor.NewShape(batchSize, l.inFeat))

	gradInput := tensor.Matmul(flatGrad, l.weight)

	dW := make([]float32, l.outFeat*l.inFeat)
	fgData := flatGrad.DataPtr()
	if batchSize > 0 {
		tensor.Gemm(true, false, l.outFeat, l.inFeat, batchSize,
			1.0, fgData, l.outFeat,
			flatInput.DataPtr(), l.inFeat,
			0.0, dW, l.inFeat)
	}
	l.weight.AccumulateGrad(dW)

	if l.bias != nil {
		db := make([]float32, l.outFeat)
		for i := 0; i < batchSize; i++ {
			row := fgData[i*l.outFeat : (i+1)*l.outFeat]
			for j := range row {
				db[j] += row[j]
			}
		}
		l.bias.AccumulateGrad(db)
	}
	return gradInput.Reshape(inputShape)
}

// Parameters returns the weight (and bias, if present).
func (l *Linear) Parameters() []*tensor.Tensor { return Tensors(l.NamedParameters("")) }

// NamedParameters returns "weight" and, when present, "bias".
func (l *Linear) NamedParameters(prefix string) []Param {
	ps := []Param{{Join(prefix, "weight"), l.weight}}
	if l.bias != nil {
		ps = append(ps, Param{Join(prefix, "bias"), l.bias})
	}
	return ps
}

// ReleaseCache drops the cached input.
func (l *Linear) ReleaseCache() { l.lastInput = nil }

// Weight returns the weight tensor.
func (l *Linear) Weight() *tensor.Tensor { return l.weight }

// Bias returns the bias tensor, or nil.
func (l *Linear) Bias() *tensor.Tensor { return l.bias }

// InFeatures returns the input dimension.
func (l *Linear) InFeatures() int { return l.inFeat }

// OutFeatures returns the output dimension.
func (l *Linear) OutFeatures() int { return l.outFeat }
