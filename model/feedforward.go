// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"github.com/fumi-engineer/vitmoe/layer"
	"github.com/fumi-engineer/vitmoe/moe"
	"github.com/fumi-engineer/vitmoe/tensor"
)

// Kind tags the feed-forward variant of a Transformer layer.
type Kind int

const (
	KindDense Kind = iota
	KindRouted
)

func (k Kind) String() string {
	switch k {
	case KindDense:
		return "dense"
	case KindRouted:
		return "moe"
	}
	return "unknown"
}

// FeedForward is the feed-forward sublayer of a TransformerLayer. Both
// variants map tokens to tokens and report a routing penalty, which is zero
// for the dense variant.
type FeedForward interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, float32)
	Backward(gradOutput *tensor.Tensor, dPenalty float32) *tensor.Tensor
	Kind() Kind
	layer.Named
	layer.Stochastic
	layer.CacheReleaser
}

// DenseFeedForward is the plain MLP sublayer used at even layer indices.
type DenseFeedForward struct {
	mlp *layer.MLP
}

func NewDenseFeedForward(mlp *layer.MLP) *DenseFeedForward { return &DenseFeedForward{mlp: mlp} }

func (f *DenseFeedForward) Forward(input *tensor.Tensor) (*tensor.Tensor, float32) {
	return f.mlp.Forward(input), 0
}

func (f *DenseFeedForward) Backward(gradOutput *tensor.Tensor, _ float32) *tensor.Tensor {
	return f.mlp.Backward(gradOutput)
}

func (f *DenseFeedForward) Kind() Kind { return KindDense }

func (f *DenseFeedForward) NamedParameters(prefix string) []layer.Param {
	return f.mlp.NamedParameters(prefix)
}

func (f *DenseFeedForward) SetTraining(training bool) { f.mlp.SetTraining(training) }
func (f *DenseFeedForward) Reseed(seed int64)         { f.mlp.Reseed(seed) }
func (f *DenseFeedForward) ReleaseCache()             { f.mlp.ReleaseCache() }

// MLP returns the wrapped network.
func (f *DenseFeedForward) MLP() *layer.MLP { return f.mlp }

// RoutedFeedForward is the expert-routed sublayer used at odd layer indices.
type RoutedFeedForward struct {
	module *moe.Module
}

func NewRoutedFeedForward(m *moe.Module) *RoutedFeedForward { return &RoutedFeedForward{module: m} }

func (f *RoutedFeedForward) Forward(input *tensor.Tensor) (*tensor.Tensor, float32) {
	return f.module.Forward(input)
}

func (f *RoutedFeedForward) Backward(gradOutput *tensor.Tensor, dPenalty float32) *tensor.Tensor {
	return f.module.Backward(gradOutput, dPenalty)
}

func (f *RoutedFeedForward) Kind() Kind { return KindRouted }

func (f *RoutedFeedForward) NamedParameters(prefix string) []layer.Param {
	return f.module.NamedParameters(prefix)
}

func (f *RoutedFeedForward) SetTraining(training bool) { f.module.SetTraining(training) }
func (f *RoutedFeedForward) Reseed(seed int64)         { f.module.Reseed(seed) }
func (f *RoutedFeedForward) ReleaseCache()             { f.module.ReleaseCache() }

// Module returns the wrapped MoE module.
func (f *RoutedFeedForward) Module() *moe.Module { return f.module }
