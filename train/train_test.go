// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package train

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fumi-engineer/vitmoe/model"
	"github.com/fumi-engineer/vitmoe/moe"
	"github.com/fumi-engineer/vitmoe/tensor"
)

func TestGetLRSchedule(t *testing.T) {
	cfg := DefaultTrainConfig()
	cfg.LR = 1
	cfg.WarmupSteps = 10
	cfg.TotalSteps = 110
	m, err := model.New(model.TinyConfig())
	require.NoError(t, err)
	tr := NewTrainer(m, cfg)

	cases := []struct {
		step int
		want float32
	}{
		{0, 0},
		{5, 0.5},
		{10, 1},
		{60, 0.55},
		{110, 0.1},
		{500, 0.1},
	}
	for _, tc := range cases {
		tr.SetStep(tc.step)
		if got := tr.GetLR(); math.Abs(float64(got-tc.want)) > 1e-3 {
			t.Errorf("step %d: lr = %f, want %f", tc.step, got, tc.want)
		}
	}
}

func TestCrossEntropy(t *testing.T) {
	logits := tensor.Zeros(2, 4)
	loss, err := CrossEntropy(logits, []int{0, 3})
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), loss, 1e-6)

	_, err = CrossEntropy(logits, []int{0, 4})
	assert.Error(t, err)
	_, err = CrossEntropy(logits, []int{0})
	assert.Error(t, err)
}

func TestCrossEntropyGradMatchesFiniteDifference(t *testing.T) {
	logits := tensor.FromSlice([]float32{0.3, -1.2, 2.0, 0.5, 0.1, -0.4}, tensor.NewShape(2, 3))
	labels := []int{2, 0}
	grad := crossEntropyGrad(logits, labels).DataPtr()

	const h = 1e-3
	data := logits.DataPtr()
	for i := range data {
		orig := data[i]
		data[i] = orig + h
		lp, _ := CrossEntropy(logits, labels)
		data[i] = orig - h
		lm, _ := CrossEntropy(logits, labels)
		data[i] = orig
		num := (lp - lm) / (2 * h)
		if math.Abs(float64(num-grad[i])) > 1e-3 {
			t.Errorf("grad[%d] = %f, numeric %f", i, grad[i], num)
		}
	}
}

func TestLossScalerDynamic(t *testing.T) {
	s := NewLossScaler(LossScaleDynamic, 1024, 2, 3)
	require.True(t, s.CheckOverflow([]float32{1, float32(math.Inf(1))}))
	require.True(t, s.ShouldSkipStep())
	s.Update()
	assert.Equal(t, float32(512), s.Scale())
	assert.False(t, s.ShouldSkipStep())

	for i := 0; i < 3; i++ {
		require.False(t, s.CheckOverflow([]float32{1, 2}))
		s.Update()
	}
	assert.Equal(t, float32(1024), s.Scale())

	st := StaticLossScaler(8)
	st.CheckOverflow([]float32{float32(math.NaN())})
	st.Update()
	assert.Equal(t, float32(8), st.Scale())
	assert.Equal(t, float32(0.5), st.UnscaleGrads(st.ScaleLoss(0.5)))
}

func tinyTrainConfig() TrainConfig {
	cfg := DefaultTrainConfig()
	cfg.LR = 5e-3
	cfg.WarmupSteps = 2
	cfg.TotalSteps = 60
	cfg.WeightDecay = 0
	return cfg
}

func TestTrainStepReducesLoss(t *testing.T) {
	mcfg := model.TinyConfig()
	m, err := model.New(mcfg, model.WithSeed(1))
	require.NoError(t, err)
	data := NewSyntheticDataset(mcfg, 2)
	evalImages, evalLabels := data.Batch(32)

	before, _, err := Evaluate(m, evalImages, evalLabels)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(float64(mcfg.NumClasses)), before, 1e-5, "zero head predicts uniformly")

	tr := NewTrainer(m, tinyTrainConfig())
	for i := 0; i < 40; i++ {
		images, labels := data.Batch(16)
		res, err := tr.TrainStep(images, labels)
		require.NoError(t, err)
		require.False(t, math.IsNaN(float64(res.Loss)), "step %d", i)
		require.Equal(t, i+1, res.Step)
	}

	after, acc, err := Evaluate(m, evalImages, evalLabels)
	require.NoError(t, err)
	assert.Less(t, after, 0.8*before)
	assert.Greater(t, acc, float32(0.5))
	assert.True(t, m.Training(), "Evaluate restores the training mode")
}

func TestTrainStepUsesModelLossContext(t *testing.T) {
	var ctx moe.LossContext
	mcfg := model.TinyConfig()
	m, err := model.New(mcfg, model.WithLossContext(&ctx))
	require.NoError(t, err)
	cfg := tinyTrainConfig()
	tr := NewTrainer(m, cfg)

	images, labels := NewSyntheticDataset(mcfg, 3).Batch(4)
	res, err := tr.TrainStep(images, labels)
	require.NoError(t, err)
	assert.Greater(t, res.AuxLoss, float32(0))
	assert.Equal(t, ctx.Loss(), res.AuxLoss)
	assert.InDelta(t, res.TaskLoss+cfg.AuxAlpha*res.AuxLoss, res.Loss, 1e-6)
	assert.Greater(t, res.GradNorm, float32(0))
}

func TestTrainStepRejectsLabelMismatch(t *testing.T) {
	mcfg := model.TinyConfig()
	m, err := model.New(mcfg)
	require.NoError(t, err)
	tr := NewTrainer(m, tinyTrainConfig())
	images, _ := NewSyntheticDataset(mcfg, 1).Batch(2)
	_, err = tr.TrainStep(images, []int{0})
	assert.Error(t, err)
	assert.Equal(t, 0, tr.Step())
}

func TestMixedPrecisionKeepsHalfWeights(t *testing.T) {
	mcfg := model.TinyConfig()
	m, err := model.New(mcfg)
	require.NoError(t, err)
	cfg := tinyTrainConfig()
	cfg.MixedPrecision = FP16MixedPrecisionConfig()
	cfg.MixedPrecision.LossScale = LossScaleStatic
	cfg.MixedPrecision.StaticScale = 128
	tr := NewTrainer(m, cfg)

	checkHalf := func() {
		for _, p := range m.NamedParameters() {
			if cfg.MixedPrecision.IsFP32Layer(p.Name) {
				assert.Equal(t, tensor.F32, p.Tensor.DType(), p.Name)
				continue
			}
			assert.Equal(t, tensor.F16, p.Tensor.DType(), p.Name)
			for _, v := range p.Tensor.DataPtr() {
				if v != tensor.RoundF16(v) {
					t.Fatalf("%s holds %v, not representable in FP16", p.Name, v)
				}
			}
		}
	}
	checkHalf()

	fc1 := m.StateDict().Value("blocks.0.mlp.fc1.weight").Clone()
	images, labels := NewSyntheticDataset(mcfg, 4).Batch(8)
	for i := 0; i < 2; i++ {
		res, err := tr.TrainStep(images, labels)
		require.NoError(t, err)
		require.False(t, res.Skipped)
	}
	checkHalf()
	assert.NotEqual(t, fc1.Data(), m.StateDict().Value("blocks.0.mlp.fc1.weight").Data())
}

func TestMixedPrecisionOverflowSkipsStep(t *testing.T) {
	mcfg := model.TinyConfig()
	m, err := model.New(mcfg)
	require.NoError(t, err)
	cfg := tinyTrainConfig()
	cfg.MixedPrecision = FP16MixedPrecisionConfig()
	cfg.MixedPrecision.LossScale = LossScaleStatic
	cfg.MixedPrecision.StaticScale = 1e30
	tr := NewTrainer(m, cfg)

	before := m.StateDict().Value("blocks.0.attn.query.weight").Clone()
	images, labels := NewSyntheticDataset(mcfg, 5).Batch(4)
	res, err := tr.TrainStep(images, labels)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, before.Data(), m.StateDict().Value("blocks.0.attn.query.weight").Data())
}

func TestSyntheticDatasetIsDeterministic(t *testing.T) {
	cfg := model.TinyConfig()
	a, la := NewSyntheticDataset(cfg, 9).Batch(5)
	b, lb := NewSyntheticDataset(cfg, 9).Batch(5)
	assert.Equal(t, la, lb)
	assert.Equal(t, a.Data(), b.Data())
	assert.True(t, a.Shape().Equal(tensor.NewShape(5, cfg.InChans, cfg.ImgSize, cfg.ImgSize)))
	for _, l := range la {
		assert.Less(t, l, cfg.NumClasses)
	}
}
