// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fumi-engineer/vitmoe/layer"
	"github.com/fumi-engineer/vitmoe/moe"
	"github.com/fumi-engineer/vitmoe/tensor"
)

func randomImages(cfg Config, batch int, seed int64) *tensor.Tensor {
	return tensor.Normal(tensor.NewShape(batch, cfg.InChans, cfg.ImgSize, cfg.ImgSize), 1, rand.New(rand.NewSource(seed)))
}

func TestNormalizeExperts(t *testing.T) {
	cases := []struct {
		name    string
		depth   int
		spec    ExpertSpec
		want    []int
		wantErr bool
	}{
		{"scalar broadcast", 4, Experts(3), []int{3, 3}, false},
		{"list", 6, ExpertsPerLayer(2, 4, 8), []int{2, 4, 8}, false},
		{"zero depth", 0, Experts(4), []int{}, false},
		{"odd depth", 3, Experts(4), nil, true},
		{"list too short", 6, ExpertsPerLayer(2, 4), nil, true},
		{"list too long", 2, ExpertsPerLayer(2, 4), nil, true},
		{"unset", 2, ExpertSpec{}, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeExperts(tc.depth, tc.spec)
			if tc.wantErr {
				var cerr *ConfigurationError
				require.True(t, errors.As(err, &cerr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name  string
		mut   func(*Config)
		field string
	}{
		{"odd depth", func(c *Config) { c.Depth = 3 }, "depth"},
		{"expert list length", func(c *Config) { c.Depth = 4; c.NumExperts = ExpertsPerLayer(4) }, "num_experts"},
		{"top-2 with one expert", func(c *Config) { c.NumExperts = Experts(1) }, "num_experts"},
		{"patch does not divide", func(c *Config) { c.PatchSize = 3 }, "patch_size"},
		{"zero heads", func(c *Config) { c.NumHeads = 0 }, "num_heads"},
		{"drop path of one", func(c *Config) { c.DropPath = 1 }, "drop_path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := TinyConfig()
			tc.mut(&cfg)
			_, err := New(cfg)
			var cerr *ConfigurationError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tc.field, cerr.Field)
		})
	}
}

func TestStackAlternatesDenseAndRouted(t *testing.T) {
	for _, depth := range []int{2, 4, 6} {
		cfg := TinyConfig()
		cfg.Depth = depth
		m, err := New(cfg)
		require.NoError(t, err)
		require.Len(t, m.Layers(), depth)
		for i, l := range m.Layers() {
			want := KindDense
			if i%2 == 1 {
				want = KindRouted
			}
			assert.Equal(t, want, l.Kind(), "depth %d layer %d", depth, i)
			assert.Equal(t, i, l.Index())
		}
	}
}

func TestPerLayerExpertCounts(t *testing.T) {
	cfg := TinyConfig()
	cfg.Depth = 4
	cfg.NumExperts = ExpertsPerLayer(2, 6)
	m, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 6}, m.ExpertCounts())
	assert.Equal(t, 2, m.Layers()[1].FeedForward().(*RoutedFeedForward).Module().Config().Router.NumExperts)
	assert.Equal(t, 6, m.Layers()[3].FeedForward().(*RoutedFeedForward).Module().Config().Router.NumExperts)
}

func TestRoutedLayersFollowResidualFlag(t *testing.T) {
	cases := []struct {
		residual bool
		topK     int
		noise    moe.NoisePolicy
	}{
		{true, 1, moe.NoiseJitter},
		{false, 2, moe.NoiseGaussian},
	}
	for _, tc := range cases {
		cfg := TinyConfig()
		cfg.Depth = 4
		cfg.UseResidual = tc.residual
		m, err := New(cfg)
		require.NoError(t, err)
		for _, l := range m.Layers() {
			r, ok := l.FeedForward().(*RoutedFeedForward)
			if !ok {
				continue
			}
			mc := r.Module().Config()
			assert.Equal(t, tc.topK, mc.Router.TopK)
			assert.Equal(t, tc.noise, mc.Router.Noise)
			assert.Equal(t, tc.residual, mc.UseResidual)
		}
	}
}

func TestDropPathSchedule(t *testing.T) {
	s := DropPathSchedule(12, 0.1)
	require.Len(t, s, 12)
	assert.Equal(t, float32(0), s[0])
	assert.InDelta(t, 0.1, s[11], 1e-7)
	for i := 1; i < len(s); i++ {
		assert.GreaterOrEqual(t, s[i], s[i-1])
	}
	assert.Equal(t, []float32{0}, DropPathSchedule(1, 0.3))

	cfg := TinyConfig()
	cfg.Depth = 4
	cfg.DropPath = 0.3
	m, err := New(cfg)
	require.NoError(t, err)
	got := make([]float32, 0, 4)
	for _, l := range m.Layers() {
		got = append(got, l.DropPathRate())
	}
	if diff := cmp.Diff(DropPathSchedule(4, 0.3), got, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("layer rates (-want +got):\n%s", diff)
	}
}

func TestHeadIsZeroInitialized(t *testing.T) {
	m, err := New(TinyConfig())
	require.NoError(t, err)
	for _, p := range m.Head().Parameters() {
		for _, v := range p.DataPtr() {
			require.Zero(t, v)
		}
	}
	out := m.Forward(randomImages(m.Config(), 2, 1))
	for _, v := range out.Logits.DataPtr() {
		require.Zero(t, v)
	}
}

func TestForwardOutputShape(t *testing.T) {
	cfg := TinyConfig()
	cfg.Depth = 4
	m, err := New(cfg)
	require.NoError(t, err)
	for _, batch := range []int{1, 3} {
		out := m.Forward(randomImages(cfg, batch, int64(batch)))
		assert.True(t, out.Logits.Shape().Equal(tensor.NewShape(batch, cfg.NumClasses)), "got %v", out.Logits.Shape())
	}
}

// stubFeedForward reports a fixed penalty and passes tokens through.
type stubFeedForward struct {
	kind    Kind
	penalty float32
	dSeen   float32
}

func (s *stubFeedForward) Forward(x *tensor.Tensor) (*tensor.Tensor, float32) {
	return x.Clone(), s.penalty
}

func (s *stubFeedForward) Backward(g *tensor.Tensor, dPenalty float32) *tensor.Tensor {
	s.dSeen = dPenalty
	return g
}

func (s *stubFeedForward) Kind() Kind                           { return s.kind }
func (s *stubFeedForward) NamedParameters(string) []layer.Param { return nil }
func (s *stubFeedForward) SetTraining(bool)                     {}
func (s *stubFeedForward) Reseed(int64)                         {}
func (s *stubFeedForward) ReleaseCache()                        {}

func TestForwardPublishesAuxLossSum(t *testing.T) {
	var ctx moe.LossContext
	ctx.AddLoss(7) // stale value from an earlier step

	cfg := TinyConfig()
	cfg.Depth = 4
	m, err := New(cfg, WithLossContext(&ctx))
	require.NoError(t, err)
	stubs := map[int]*stubFeedForward{}
	for i, l := range m.Layers() {
		if l.Kind() == KindRouted {
			stubs[i] = &stubFeedForward{kind: KindRouted, penalty: 0.5}
			l.ffn = stubs[i]
		}
	}

	out := m.Forward(randomImages(cfg, 2, 3))
	assert.InDelta(t, 1.0, out.AuxLoss, 1e-7)
	assert.InDelta(t, 1.0, ctx.Loss(), 1e-7)

	m.Backward(tensor.Zeros(2, cfg.NumClasses), 0.25)
	for i, s := range stubs {
		assert.Equal(t, float32(0.25), s.dSeen, "layer %d", i)
	}
}

func TestAuxLossIsSumOfRoutedPenalties(t *testing.T) {
	cfg := TinyConfig()
	cfg.Depth = 4
	m, err := New(cfg, WithSeed(5))
	require.NoError(t, err)
	out := m.Forward(randomImages(cfg, 2, 4))

	var want float32
	for _, l := range m.Layers() {
		if r, ok := l.FeedForward().(*RoutedFeedForward); ok {
			want += r.Module().Stats().AuxLoss
		}
	}
	assert.Greater(t, out.AuxLoss, float32(0))
	assert.InDelta(t, want, out.AuxLoss, 1e-6)
}

func randomizeHead(m *ViTMoE, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for _, v := range [][]float32{m.Head().Weight().DataPtr(), m.Head().Bias().DataPtr()} {
		for i := range v {
			v[i] = float32(rng.NormFloat64()) * 0.1
		}
	}
}

func TestCheckpointingReproducesGradients(t *testing.T) {
	cfg := TinyConfig()
	cfg.Depth = 4
	cfg.DropRate = 0.1
	cfg.AttentionDrop = 0.1
	cfg.DropPath = 0.2

	build := func(checkpoint bool) *ViTMoE {
		c := cfg
		c.Checkpoint = checkpoint
		m, err := New(c, WithSeed(11))
		require.NoError(t, err)
		randomizeHead(m, 12)
		return m
	}
	plain, ckpt := build(false), build(true)
	for _, l := range ckpt.Layers() {
		require.True(t, l.Checkpointed())
	}

	images := randomImages(cfg, 3, 13)
	dLogits := tensor.Normal(tensor.NewShape(3, cfg.NumClasses), 1, rand.New(rand.NewSource(14)))
	for step := 0; step < 2; step++ {
		outA := plain.Forward(images)
		outB := ckpt.Forward(images)
		require.Equal(t, outA.Logits.Data(), outB.Logits.Data())
		require.Equal(t, outA.AuxLoss, outB.AuxLoss)
		plain.ZeroGrad()
		ckpt.ZeroGrad()
		plain.Backward(dLogits, 0.01)
		ckpt.Backward(dLogits, 0.01)
	}

	pa, pb := plain.NamedParameters(), ckpt.NamedParameters()
	require.Len(t, pb, len(pa))
	for i := range pa {
		require.Equal(t, pa[i].Name, pb[i].Name)
		if diff := cmp.Diff(pa[i].Tensor.Grad, pb[i].Tensor.Grad, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
			t.Errorf("%s grad (-plain +checkpoint):\n%s", pa[i].Name, diff)
		}
	}
}

func TestEvalModeIsDeterministic(t *testing.T) {
	cfg := TinyConfig()
	cfg.DropRate = 0.2
	cfg.DropPath = 0.2
	m, err := New(cfg)
	require.NoError(t, err)
	randomizeHead(m, 1)
	m.SetTraining(false)
	require.False(t, m.Training())

	images := randomImages(cfg, 2, 2)
	a := m.Forward(images)
	b := m.Forward(images)
	assert.Equal(t, a.Logits.Data(), b.Logits.Data())
	assert.Equal(t, a.AuxLoss, b.AuxLoss)
}

func TestReseedReplaysTrainingForward(t *testing.T) {
	cfg := TinyConfig()
	cfg.DropRate = 0.2
	m, err := New(cfg, WithSeed(3))
	require.NoError(t, err)
	randomizeHead(m, 4)

	images := randomImages(cfg, 2, 5)
	a := m.Forward(images)
	m.Reseed(3)
	b := m.Forward(images)
	assert.Equal(t, a.Logits.Data(), b.Logits.Data())
}

func TestBackwardReachesEveryParameter(t *testing.T) {
	cfg := TinyConfig()
	cfg.NumExperts = Experts(2) // top-2 over two experts touches both
	m, err := New(cfg)
	require.NoError(t, err)
	randomizeHead(m, 2)

	m.Forward(randomImages(cfg, 2, 6))
	dImages := m.Backward(tensor.Full(1, 2, cfg.NumClasses), 0.01)
	assert.True(t, dImages.Shape().Equal(tensor.NewShape(2, cfg.InChans, cfg.ImgSize, cfg.ImgSize)))
	for _, p := range m.NamedParameters() {
		assert.NotNil(t, p.Tensor.Grad, p.Name)
	}
}

func TestStateDictOrder(t *testing.T) {
	cfg := TinyConfig()
	cfg.UseResidual = true
	m, err := New(cfg)
	require.NoError(t, err)
	sd := m.StateDict()

	require.Equal(t, len(m.Parameters()), sd.Len())
	assert.Equal(t, "patch_embed.proj.weight", sd.Oldest().Key)
	assert.Equal(t, "head.bias", sd.Newest().Key)
	for _, name := range []string{
		"patch_embed.cls_token",
		"patch_embed.pos_embed",
		"blocks.0.norm1.weight",
		"blocks.0.attn.query.weight",
		"blocks.0.mlp.fc1.weight",
		"blocks.1.mlp.router.gate.weight",
		"blocks.1.mlp.experts.3.fc2.bias",
		"blocks.1.mlp.residual.fc1.weight",
		"blocks.1.mlp.combine.weight",
		"norm.bias",
	} {
		_, ok := sd.Get(name)
		assert.True(t, ok, name)
	}

	n := 0
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		n += pair.Value.Shape().Numel()
	}
	assert.Equal(t, n, m.NumParams())
}

func TestTopK(t *testing.T) {
	preds := TopK([]float32{1, 3, 2, 3}, 2)
	require.Len(t, preds, 2)
	assert.Equal(t, 1, preds[0].Index)
	assert.Equal(t, 3, preds[1].Index)
	assert.InDelta(t, preds[0].Score, preds[1].Score, 1e-7)

	all := TopK([]float32{0, 1, 2}, 0)
	require.Len(t, all, 3)
	assert.Equal(t, []int{2, 1, 0}, []int{all[0].Index, all[1].Index, all[2].Index})
	var sum float32
	for _, p := range all {
		sum += p.Score
	}
	assert.InDelta(t, 1, sum, 1e-6)

	batch := Predict(tensor.FromSlice([]float32{0, 5, 5, 0}, tensor.NewShape(2, 2)), 1)
	assert.Equal(t, 1, batch[0][0].Index)
	assert.Equal(t, 0, batch[1][0].Index)
}

func TestExpertSpecJSON(t *testing.T) {
	cases := []struct {
		spec ExpertSpec
		json string
	}{
		{Experts(4), `4`},
		{ExpertsPerLayer(2, 8), `[2,8]`},
		{ExpertsPerLayer(), `[]`},
	}
	for _, tc := range cases {
		b, err := json.Marshal(tc.spec)
		require.NoError(t, err)
		assert.JSONEq(t, tc.json, string(b))

		var back ExpertSpec
		require.NoError(t, json.Unmarshal(b, &back))
		assert.Equal(t, tc.spec.IsList(), back.IsList())
		assert.Equal(t, tc.spec.Counts(), back.Counts())
	}

	cfg := TinyConfig()
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	var back Config
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, cfg, back)
}

func TestParseExpertSpec(t *testing.T) {
	cases := []struct {
		in     string
		list   bool
		counts []int
		err    bool
	}{
		{"4", false, []int{4}, false},
		{"4,8", true, []int{4, 8}, false},
		{"[16]", true, []int{16}, false},
		{" 2, 2 ", true, []int{2, 2}, false},
		{"", false, nil, true},
		{"four", false, nil, true},
	}
	for _, tc := range cases {
		s, err := ParseExpertSpec(tc.in)
		if tc.err {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.list, s.IsList(), tc.in)
		assert.Equal(t, tc.counts, s.Counts(), tc.in)
	}
}

func TestSummary(t *testing.T) {
	cfg := TinyConfig()
	cfg.Depth = 4
	cfg.Checkpoint = true
	m, err := New(cfg)
	require.NoError(t, err)
	s := m.Summary()
	require.Len(t, s.Layers, 4)
	assert.Equal(t, "dense", s.Layers[0].Kind)
	assert.Equal(t, "moe", s.Layers[1].Kind)
	assert.Equal(t, 4, s.Layers[1].NumExperts)
	assert.Equal(t, "gaussian", s.Layers[1].Noise)
	assert.True(t, s.Layers[2].Checkpoint)

	total := countParams(m.patch.NamedParameters("")) + countParams(m.norm.NamedParameters("")) + countParams(m.head.NamedParameters(""))
	for _, l := range s.Layers {
		total += l.Params
	}
	assert.Equal(t, m.NumParams(), total)
}
