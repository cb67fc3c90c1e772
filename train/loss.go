// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package train

import (
	"fmt"

	"github.com/fumi-engineer/vitmoe/tensor"
)

// CrossEntropy returns the mean cross-entropy of logits [batch, classes]
// against integer labels.
//
//	L = -(1/B) * sum_b log(softmax(logits[b])[label[b]])
//
// Numerically stable via log-sum-exp:
//
//	log(softmax(x)_i) = x_i - max(x) - log(sum(exp(x - max(x))))
func CrossEntropy(logits *tensor.Tensor, labels []int) (float32, error) {
	batch, classes := logits.Shape().At(0), logits.Shape().At(1)
	if batch != len(labels) {
		return 0, fmt.Errorf("cross entropy: %d rows but %d labels", batch, len(labels))
	}
	data := logits.DataPtr()
	total := float32(0)
	for b, label := range labels {
		if label < 0 || label >= classes {
			return 0, fmt.Errorf("cross entropy: label %d out of range [0, %d)", label, classes)
		}
		row := data[b*classes : (b+1)*classes]
		_, maxVal := tensor.Argmax(row)
		sumExp := float32(0)
		for _, v := range row {
			sumExp += tensor.ExpF32(v - maxVal)
		}
		total -= row[label] - maxVal - tensor.LogF32(sumExp)
	}
	return total / float32(batch), nil
}

// crossEntropyGrad computes dL/dlogits = (softmax(logits) - one_hot(label)) / B.
// Labels must already be validated by CrossEntropy.
func crossEntropyGrad(logits *tensor.Tensor, labels []int) *tensor.Tensor {
	batch, classes := logits.Shape().At(0), logits.Shape().At(1)
	grad := logits.Clone()
	g := grad.DataPtr()
	scale := 1 / float32(batch)
	for b, label := range labels {
		row := g[b*classes : (b+1)*classes]
		tensor.SoftmaxInPlace(row)
		row[label] -= 1
		for i := range row {
			row[i] *= scale
		}
	}
	return grad
}
