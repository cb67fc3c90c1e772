// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import "github.com/fumi-engineer/vitmoe/layer"

// LayerInfo describes one Transformer layer.
type LayerInfo struct {
	Index       int     `json:"index"`
	Kind        string  `json:"kind"`
	NumExperts  int     `json:"num_experts,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	Noise       string  `json:"noise,omitempty"`
	UseResidual bool    `json:"use_residual,omitempty"`
	DropPath    float32 `json:"drop_path"`
	Checkpoint  bool    `json:"checkpoint"`
	Params      int     `json:"params"`
}

// Summary describes a built model.
type Summary struct {
	Config    Config      `json:"config"`
	NumParams int         `json:"num_params"`
	Layers    []LayerInfo `json:"layers"`
}

// Summary reports the configuration and per-layer structure.
func (m *ViTMoE) Summary() Summary {
	s := Summary{Config: m.cfg, NumParams: m.NumParams()}
	for _, l := range m.layers {
		info := LayerInfo{
			Index:      l.Index(),
			Kind:       l.Kind().String(),
			DropPath:   l.DropPathRate(),
			Checkpoint: l.Checkpointed(),
			Params:     countParams(l.NamedParameters("")),
		}
		if r, ok := l.FeedForward().(*RoutedFeedForward); ok {
			cfg := r.Module().Config()
			info.NumExperts = cfg.Router.NumExperts
			info.TopK = cfg.Router.TopK
			info.Noise = cfg.Router.Noise.String()
			info.UseResidual = cfg.UseResidual
		}
		s.Layers = append(s.Layers, info)
	}
	return s
}

func countParams(ps []layer.Param) int {
	n := 0
	for _, p := range ps {
		n += p.Tensor.Shape().Numel()
	}
	return n
}
