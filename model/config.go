// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package model assembles the ViT-MoE classifier: a patch embedding, a
// stack of pre-norm Transformer layers whose feed-forward sublayer
// alternates between a dense MLP (even index) and an expert-routed MoE
// (odd index), a final LayerNorm, mean pooling and a zero-initialized
// classifier head.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ConfigurationError reports an invalid model configuration. It is the only
// error class raised while building a model.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Msg)
}

func configErr(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// ExpertSpec is the expert-count specification: either one count broadcast
// to every MoE layer, or one count per MoE layer.
type ExpertSpec struct {
	counts []int
	list   bool
}

// Experts returns a scalar specification.
func Experts(n int) ExpertSpec { return ExpertSpec{counts: []int{n}} }

// ExpertsPerLayer returns a per-MoE-layer specification.
func ExpertsPerLayer(ns ...int) ExpertSpec {
	return ExpertSpec{counts: append([]int(nil), ns...), list: true}
}

// IsList reports whether the specification is per layer.
func (s ExpertSpec) IsList() bool { return s.list }

// IsZero reports whether the specification is unset.
func (s ExpertSpec) IsZero() bool { return len(s.counts) == 0 && !s.list }

// Counts returns a copy of the raw counts.
func (s ExpertSpec) Counts() []int { return append([]int(nil), s.counts...) }

// String formats a scalar as "4" and a list as "4,8".
func (s ExpertSpec) String() string {
	parts := make([]string, len(s.counts))
	for i, n := range s.counts {
		parts[i] = strconv.Itoa(n)
	}
	if s.list && len(parts) == 1 {
		return "[" + parts[0] + "]"
	}
	return strings.Join(parts, ",")
}

// ParseExpertSpec parses "4" as a scalar and "4,8" or "[4]" as a list.
func ParseExpertSpec(s string) (ExpertSpec, error) {
	s = strings.TrimSpace(s)
	list := strings.HasPrefix(s, "[") || strings.Contains(s, ",")
	s = strings.Trim(s, "[]")
	if s == "" {
		if list {
			return ExpertsPerLayer(), nil
		}
		return ExpertSpec{}, fmt.Errorf("empty expert specification")
	}
	var counts []int
	for _, p := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return ExpertSpec{}, fmt.Errorf("expert count %q: %w", p, err)
		}
		counts = append(counts, n)
	}
	if list {
		return ExpertsPerLayer(counts...), nil
	}
	return Experts(counts[0]), nil
}

// MarshalJSON encodes a scalar as a number and a list as an array.
func (s ExpertSpec) MarshalJSON() ([]byte, error) {
	if s.list {
		if s.counts == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(s.counts)
	}
	if len(s.counts) == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(s.counts[0])
}

// UnmarshalJSON accepts a number or an array of numbers.
func (s *ExpertSpec) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*s = ExpertSpec{}
		return nil
	case len(b) > 0 && b[0] == '[':
		var ns []int
		if err := json.Unmarshal(b, &ns); err != nil {
			return err
		}
		*s = ExpertsPerLayer(ns...)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = Experts(n)
	return nil
}

// NormalizeExperts validates spec against depth and returns one expert count
// per MoE layer (depth/2 entries), broadcasting a scalar.
func NormalizeExperts(depth int, spec ExpertSpec) ([]int, error) {
	if depth < 0 {
		return nil, configErr("depth", "must be non-negative, got %d", depth)
	}
	if depth%2 != 0 {
		return nil, configErr("depth", "must be even so dense and MoE layers alternate, got %d", depth)
	}
	n := depth / 2
	if spec.list {
		if len(spec.counts) != n {
			return nil, configErr("num_experts", "got %d per-layer counts for %d MoE layers", len(spec.counts), n)
		}
		return spec.Counts(), nil
	}
	if len(spec.counts) == 0 {
		return nil, configErr("num_experts", "required")
	}
	out := make([]int, n)
	for i := range out {
		out[i] = spec.counts[0]
	}
	return out, nil
}

// Config is the immutable model configuration.
type Config struct {
	NumExperts          ExpertSpec `json:"num_experts"`           // int or per-MoE-layer list
	UseResidual         bool       `json:"use_residual"`          // residual expert; selects top-1 + jitter
	CapacityFactorTrain float32    `json:"capacity_factor_train"` // 1.25
	CapacityFactorEval  float32    `json:"capacity_factor_eval"`  // 2.0
	DropTokens          bool       `json:"drop_tks"`              // drop tokens beyond capacity
	MinCapacity         int        `json:"min_capacity"`          // 4

	ImgSize    int `json:"img_size"`    // 224
	PatchSize  int `json:"patch_size"`  // 16
	InChans    int `json:"in_chans"`    // 3
	NumClasses int `json:"num_classes"` // 1000
	Depth      int `json:"depth"`       // 12
	HiddenSize int `json:"hidden_size"` // 768
	NumHeads   int `json:"num_heads"`   // 12
	DKV        int `json:"d_kv"`        // 64
	DFF        int `json:"d_ff"`        // 3072

	AttentionDrop float32 `json:"attention_drop"` // 0
	DropRate      float32 `json:"drop_rate"`      // 0.1
	DropPath      float32 `json:"drop_path"`      // 0
	Checkpoint    bool    `json:"checkpoint"`     // recompute activations in backward
}

// DefaultConfig returns the ViT-Base/16 MoE configuration with the given
// expert specification.
func DefaultConfig(experts ExpertSpec) Config {
	return Config{
		NumExperts:          experts,
		CapacityFactorTrain: 1.25,
		CapacityFactorEval:  2.0,
		DropTokens:          true,
		MinCapacity:         4,
		ImgSize:             224,
		PatchSize:           16,
		InChans:             3,
		NumClasses:          1000,
		Depth:               12,
		HiddenSize:          768,
		NumHeads:            12,
		DKV:                 64,
		DFF:                 3072,
		DropRate:            0.1,
	}
}

// TinyConfig returns a configuration small enough for tests and the
// synthetic training demo.
func TinyConfig() Config {
	cfg := DefaultConfig(Experts(4))
	cfg.ImgSize = 8
	cfg.PatchSize = 4
	cfg.NumClasses = 4
	cfg.Depth = 2
	cfg.HiddenSize = 16
	cfg.NumHeads = 2
	cfg.DKV = 8
	cfg.DFF = 32
	cfg.DropRate = 0
	return cfg
}

// TopK returns 1 when the residual expert is enabled and 2 otherwise.
func (c Config) TopK() int {
	if c.UseResidual {
		return 1
	}
	return 2
}

// NumPatches returns the number of image patches per sample.
func (c Config) NumPatches() int {
	g := c.ImgSize / c.PatchSize
	return g * g
}

// Validate checks the configuration and returns the normalized expert list.
func (c Config) Validate() ([]int, error) {
	experts, err := NormalizeExperts(c.Depth, c.NumExperts)
	if err != nil {
		return nil, err
	}
	for i, n := range experts {
		if n < c.TopK() {
			return nil, configErr("num_experts", "MoE layer %d has %d experts, top-%d routing needs at least %d", i, n, c.TopK(), c.TopK())
		}
	}
	positive := []struct {
		name string
		v    int
	}{
		{"img_size", c.ImgSize}, {"patch_size", c.PatchSize}, {"in_chans", c.InChans},
		{"num_classes", c.NumClasses}, {"hidden_size", c.HiddenSize}, {"num_heads", c.NumHeads},
		{"d_kv", c.DKV}, {"d_ff", c.DFF},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return nil, configErr(p.name, "must be positive, got %d", p.v)
		}
	}
	if c.ImgSize%c.PatchSize != 0 {
		return nil, configErr("patch_size", "%d does not divide img_size %d", c.PatchSize, c.ImgSize)
	}
	rates := []struct {
		name string
		v    float32
	}{{"attention_drop", c.AttentionDrop}, {"drop_rate", c.DropRate}, {"drop_path", c.DropPath}}
	for _, r := range rates {
		if r.v < 0 || r.v >= 1 {
			return nil, configErr(r.name, "must lie in [0, 1), got %v", r.v)
		}
	}
	if c.CapacityFactorTrain <= 0 || c.CapacityFactorEval <= 0 {
		return nil, configErr("capacity_factor", "must be positive, got train %v eval %v", c.CapacityFactorTrain, c.CapacityFactorEval)
	}
	return experts, nil
}
