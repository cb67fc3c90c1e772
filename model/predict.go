// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"cmp"

	"github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/fumi-engineer/vitmoe/tensor"
)

// Prediction is one class of a ranked classification.
type Prediction struct {
	Index int     `json:"index"`
	Score float32 `json:"score"` // softmax probability
}

// byScore orders a min-heap on score; ties keep the lower index.
func byScore(a, b Prediction) int {
	if c := cmp.Compare(a.Score, b.Score); c != 0 {
		return c
	}
	return cmp.Compare(b.Index, a.Index)
}

// TopK returns the k most probable classes of one row of logits, best
// first. k <= 0 or k > len(logits) selects every class.
func TopK(logits []float32, k int) []Prediction {
	if k <= 0 || k > len(logits) {
		k = len(logits)
	}
	probs := append([]float32(nil), logits...)
	tensor.SoftmaxInPlace(probs)

	h := binaryheap.NewWith(byScore)
	for i, p := range probs {
		h.Push(Prediction{Index: i, Score: p})
		if h.Size() > k {
			h.Pop()
		}
	}
	out := make([]Prediction, h.Size())
	for i := len(out) - 1; i >= 0; i-- {
		out[i], _ = h.Pop()
	}
	return out
}

// Predict runs logits [batch, classes] through TopK row by row.
func Predict(logits *tensor.Tensor, k int) [][]Prediction {
	batch, classes := logits.Shape().At(0), logits.Shape().At(1)
	data := logits.DataPtr()
	out := make([][]Prediction, batch)
	for b := range out {
		out[b] = TopK(data[b*classes:(b+1)*classes], k)
	}
	return out
}
