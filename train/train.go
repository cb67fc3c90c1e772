// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package train fits a ViT-MoE classifier with AdamW, a warmup + cosine
// learning-rate schedule, global-norm gradient clipping and the MoE
// load-balancing loss, optionally under emulated FP16 mixed precision.
package train

import (
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/floats"

	"github.com/fumi-engineer/vitmoe/layer"
	"github.com/fumi-engineer/vitmoe/model"
	"github.com/fumi-engineer/vitmoe/moe"
	"github.com/fumi-engineer/vitmoe/tensor"
)

// TrainConfig holds optimizer and training hyperparameters.
type TrainConfig struct {
	LR             float32 // peak learning rate
	Beta1          float32 // AdamW first moment decay
	Beta2          float32 // AdamW second moment decay
	Eps            float32 // AdamW epsilon
	WeightDecay    float32 // AdamW weight decay coefficient
	GradClip       float32 // max global gradient L2 norm, 0 disables
	WarmupSteps    int     // linear warmup phase length
	TotalSteps     int     // total training steps (for cosine schedule)
	AuxAlpha       float32 // MoE auxiliary loss coefficient
	MixedPrecision MixedPrecisionConfig
}

// DefaultTrainConfig returns standard training hyperparameters.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		LR:             1e-4,
		Beta1:          0.9,
		Beta2:          0.95,
		Eps:            1e-8,
		WeightDecay:    0.1,
		GradClip:       1.0,
		WarmupSteps:    1000,
		TotalSteps:     100000,
		AuxAlpha:       0.01,
		MixedPrecision: DefaultMixedPrecisionConfig(),
	}
}

type adamWState struct {
	m []float32 // first moment
	v []float32 // second moment
}

// StepResult reports one optimizer step.
type StepResult struct {
	Step     int
	Loss     float32 // TaskLoss + AuxAlpha * AuxLoss
	TaskLoss float32
	AuxLoss  float32 // sum over MoE layers, unscaled
	LR       float32
	GradNorm float32 // global norm before clipping
	Skipped  bool    // overflow under mixed precision
}

// Trainer owns the optimizer state of one model.
type Trainer struct {
	model   *model.ViTMoE
	config  TrainConfig
	step    int
	params  []layer.Param
	states  []adamWState
	lossCtx *moe.LossContext
	ownsCtx bool

	scaler *LossScaler
	master *MasterWeights
}

// NewTrainer creates a Trainer with zeroed AdamW state. The auxiliary loss
// is read from the model's LossContext, or from a private one when the
// model has none.
func NewTrainer(m *model.ViTMoE, cfg TrainConfig) *Trainer {
	params := m.NamedParameters()
	states := make([]adamWState, len(params))
	for i, p := range params {
		n := p.Tensor.Shape().Numel()
		states[i] = adamWState{m: make([]float32, n), v: make([]float32, n)}
	}
	t := &Trainer{model: m, config: cfg, params: params, states: states, lossCtx: m.LossContext()}
	if t.lossCtx == nil {
		t.lossCtx = new(moe.LossContext)
		t.ownsCtx = true
	}
	if cfg.MixedPrecision.Enabled {
		t.scaler = cfg.MixedPrecision.NewScaler()
		t.master = NewMasterWeights(params, cfg.MixedPrecision)
	}
	return t
}

// GetLR computes the current learning rate using linear warmup + cosine decay.
//
//	warmup:  lr = peak_lr * step / warmup_steps
//	cosine:  lr = min_lr + 0.5*(peak_lr - min_lr)*(1 + cos(pi * progress))
//	min_lr = 0.1 * peak_lr
func (t *Trainer) GetLR() float32 {
	if t.step < t.config.WarmupSteps {
		return t.config.LR * float32(t.step) / float32(t.config.WarmupSteps)
	}
	span := t.config.TotalSteps - t.config.WarmupSteps
	progress := float32(1)
	if span > 0 {
		progress = min(float32(t.step-t.config.WarmupSteps)/float32(span), 1)
	}
	minLR := t.config.LR * 0.1
	return minLR + 0.5*(t.config.LR-minLR)*(1+tensor.CosF32(3.1415927*progress))
}

// Step returns the number of steps taken.
func (t *Trainer) Step() int { return t.step }

// SetStep resumes the schedule at step, e.g. after loading a checkpoint.
func (t *Trainer) SetStep(step int) { t.step = step }

// Model returns the model being trained.
func (t *Trainer) Model() *model.ViTMoE { return t.model }

// Scaler returns the loss scaler, nil without mixed precision.
func (t *Trainer) Scaler() *LossScaler { return t.scaler }

// TrainStep performs forward, loss, backward and an AdamW update on one
// batch.
//
//	L = CE(logits, labels) + aux_alpha * sum_l penalty_l
//
// AdamW update rule per parameter:
//
//	m = beta1 * m + (1 - beta1) * g
//	v = beta2 * v + (1 - beta2) * g^2
//	w -= lr * (m_hat / (sqrt(v_hat) + eps) + weight_decay * w)
func (t *Trainer) TrainStep(images *tensor.Tensor, labels []int) (StepResult, error) {
	if n := images.Shape().At(0); n != len(labels) {
		return StepResult{}, fmt.Errorf("train: %d images but %d labels", n, len(labels))
	}
	t.step++
	t.model.SetTraining(true)
	t.model.ZeroGrad()

	if t.ownsCtx {
		t.lossCtx.ResetLoss()
	}
	out := t.model.Forward(images)
	if t.ownsCtx {
		t.lossCtx.AddLoss(out.AuxLoss)
	}
	aux := t.lossCtx.Loss()

	taskLoss, err := CrossEntropy(out.Logits, labels)
	if err != nil {
		return StepResult{}, err
	}
	res := StepResult{
		Step:     t.step,
		TaskLoss: taskLoss,
		AuxLoss:  aux,
		Loss:     taskLoss + t.config.AuxAlpha*aux,
		LR:       t.GetLR(),
	}

	grad := crossEntropyGrad(out.Logits, labels)
	dAux := t.config.AuxAlpha
	if t.scaler != nil {
		grad.ScaleInPlace(t.scaler.Scale())
		dAux = t.scaler.ScaleLoss(dAux)
	}
	t.model.Backward(grad, dAux)
	t.model.ReleaseCache()

	if t.scaler != nil {
		if t.roundAndCheckGrads() {
			t.scaler.Update()
			res.Skipped = true
			slog.Debug("train step skipped", "step", t.step, "scale", t.scaler.Scale())
			return res, nil
		}
		inv := 1 / t.scaler.Scale()
		for _, p := range t.params {
			for j := range p.Tensor.Grad {
				p.Tensor.Grad[j] *= inv
			}
		}
		t.scaler.Update()
	}

	res.GradNorm = t.globalNorm()
	clipCoeff := float32(1)
	if t.config.GradClip > 0 && res.GradNorm > t.config.GradClip {
		clipCoeff = t.config.GradClip / (res.GradNorm + 1e-12)
	}
	t.adamW(res.LR, clipCoeff)
	if t.master != nil {
		t.master.CopyToModel()
	}

	slog.Debug("train step", "step", t.step, "loss", res.Loss, "task", res.TaskLoss,
		"aux", res.AuxLoss, "lr", res.LR, "grad_norm", res.GradNorm)
	return res, nil
}

// roundAndCheckGrads stores every gradient in half precision and reports
// whether any of them overflowed.
func (t *Trainer) roundAndCheckGrads() bool {
	overflow := false
	for _, p := range t.params {
		if p.Tensor.Grad == nil {
			continue
		}
		if !t.config.MixedPrecision.IsFP32Layer(p.Name) {
			tensor.RoundF16InPlace(p.Tensor.Grad)
		}
		if t.scaler.CheckOverflow(p.Tensor.Grad) {
			overflow = true
			break
		}
	}
	return overflow
}

func (t *Trainer) globalNorm() float32 {
	norms := make([]float64, 0, len(t.params))
	for _, p := range t.params {
		if p.Tensor.Grad == nil {
			continue
		}
		sumSq := float32(0)
		for _, g := range p.Tensor.Grad {
			sumSq += g * g
		}
		norms = append(norms, float64(tensor.SqrtF32(sumSq)))
	}
	if len(norms) == 0 {
		return 0
	}
	return float32(floats.Norm(norms, 2))
}

func (t *Trainer) adamW(lr, clipCoeff float32) {
	mCorr := 1 / (1 - tensor.PowF32(t.config.Beta1, float32(t.step)))
	vCorr := 1 / (1 - tensor.PowF32(t.config.Beta2, float32(t.step)))
	b1, b2, eps, wd := t.config.Beta1, t.config.Beta2, t.config.Eps, t.config.WeightDecay

	for i, p := range t.params {
		// Parameters not reached by backward (experts with no tokens) keep
		// their moments and weights.
		if p.Tensor.Grad == nil {
			continue
		}
		w := p.Tensor.DataPtr()
		if t.master != nil {
			w = t.master.Weights()[i].DataPtr()
		}
		m, v := t.states[i].m, t.states[i].v
		for j, g := range p.Tensor.Grad {
			g *= clipCoeff
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g
			w[j] -= lr * (m[j]*mCorr/(tensor.SqrtF32(v[j]*vCorr)+eps) + wd*w[j])
		}
	}
}

// Evaluate runs the model in eval mode and returns the mean cross-entropy
// and the top-1 accuracy. The previous mode is restored.
func Evaluate(m *model.ViTMoE, images *tensor.Tensor, labels []int) (loss, accuracy float32, err error) {
	prev := m.Training()
	m.SetTraining(false)
	defer m.SetTraining(prev)

	out := m.Forward(images)
	m.ReleaseCache()
	loss, err = CrossEntropy(out.Logits, labels)
	if err != nil {
		return 0, 0, err
	}
	classes := out.Logits.Shape().At(1)
	data := out.Logits.DataPtr()
	correct := 0
	for b, label := range labels {
		if idx, _ := tensor.Argmax(data[b*classes : (b+1)*classes]); idx == label {
			correct++
		}
	}
	return loss, float32(correct) / float32(len(labels)), nil
}
