// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package train

import (
	"strings"

	"github.com/fumi-engineer/vitmoe/layer"
	"github.com/fumi-engineer/vitmoe/tensor"
)

// ---------------------------------------------------------------------------
// Mixed Precision / Loss Scaling
//
// Weights and gradients are stored through binary16 while compute stays in
// float32. The optimizer updates FP32 master copies, which are rounded back
// into the model after every step.
// ---------------------------------------------------------------------------

// LossScaleMode determines whether loss scaling is static or dynamic.
type LossScaleMode int

const (
	// LossScaleStatic uses a fixed loss scale value.
	LossScaleStatic LossScaleMode = iota
	// LossScaleDynamic adjusts loss scale based on overflow detection.
	LossScaleDynamic
)

// LossScaler scales the loss gradient up so small FP16 gradients do not
// underflow, and detects overflow in the result.
type LossScaler struct {
	mode          LossScaleMode
	scale         float32
	scaleFactor   float32 // multiplicative factor for scale adjustments
	scaleWindow   int     // steps without overflow before scale increase
	growthTracker int
	overflow      bool
}

// NewLossScaler creates a loss scaler with the given mode and parameters.
func NewLossScaler(mode LossScaleMode, initScale, scaleFactor float32, scaleWindow int) *LossScaler {
	return &LossScaler{
		mode:        mode,
		scale:       initScale,
		scaleFactor: scaleFactor,
		scaleWindow: scaleWindow,
	}
}

// StaticLossScaler creates a static scaler with a fixed scale value.
func StaticLossScaler(scale float32) *LossScaler {
	return NewLossScaler(LossScaleStatic, scale, 2.0, 2000)
}

// DynamicLossScaler creates a dynamic scaler starting at 65536.
func DynamicLossScaler() *LossScaler {
	return NewLossScaler(LossScaleDynamic, 65536.0, 2.0, 2000)
}

// Scale returns the current loss scale value.
func (s *LossScaler) Scale() float32 { return s.scale }

// ScaleLoss multiplies the loss by the current scale.
func (s *LossScaler) ScaleLoss(loss float32) float32 { return loss * s.scale }

// UnscaleGrads divides a gradient by the scale.
func (s *LossScaler) UnscaleGrads(grad float32) float32 { return grad / s.scale }

// CheckOverflow detects NaN/Inf in grads.
func (s *LossScaler) CheckOverflow(grads []float32) bool {
	s.overflow = tensor.HasNonFinite(grads)
	return s.overflow
}

// Update adjusts the loss scale after each step.
// On overflow: scale /= factor, reset growth counter.
// On no overflow for scaleWindow consecutive steps: scale *= factor.
func (s *LossScaler) Update() {
	if s.mode == LossScaleStatic {
		s.overflow = false
		return
	}
	if s.overflow {
		s.scale /= s.scaleFactor
		s.growthTracker = 0
		s.overflow = false
		return
	}
	s.growthTracker++
	if s.growthTracker >= s.scaleWindow {
		s.scale *= s.scaleFactor
		s.growthTracker = 0
	}
}

// ShouldSkipStep reports whether the last check found an overflow.
func (s *LossScaler) ShouldSkipStep() bool { return s.overflow }

// MixedPrecisionConfig selects emulated FP16 training.
type MixedPrecisionConfig struct {
	Enabled     bool
	LossScale   LossScaleMode
	StaticScale float32  // scale for LossScaleStatic
	FP32Layers  []string // parameter name fragments kept in FP32
}

// DefaultMixedPrecisionConfig returns a config with mixed precision disabled.
func DefaultMixedPrecisionConfig() MixedPrecisionConfig {
	return MixedPrecisionConfig{
		LossScale:   LossScaleDynamic,
		StaticScale: 1024,
		FP32Layers:  []string{"norm", "head", "router"},
	}
}

// FP16MixedPrecisionConfig returns a config with FP16 mixed precision enabled.
func FP16MixedPrecisionConfig() MixedPrecisionConfig {
	cfg := DefaultMixedPrecisionConfig()
	cfg.Enabled = true
	return cfg
}

// IsFP32Layer checks if a parameter name matches any FP32 layer pattern.
func (c MixedPrecisionConfig) IsFP32Layer(name string) bool {
	for _, s := range c.FP32Layers {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

// NewScaler builds the scaler selected by c.
func (c MixedPrecisionConfig) NewScaler() *LossScaler {
	if c.LossScale == LossScaleStatic {
		return StaticLossScaler(c.StaticScale)
	}
	return DynamicLossScaler()
}

// MasterWeights holds FP32 copies of the model parameters. The optimizer
// updates the copies; CopyToModel writes them back, rounded through FP16
// for every parameter outside the FP32 layers.
type MasterWeights struct {
	params  []layer.Param
	weights []*tensor.Tensor
	half    []bool
}

// NewMasterWeights copies params and rounds the model's own weights to FP16.
func NewMasterWeights(params []layer.Param, cfg MixedPrecisionConfig) *MasterWeights {
	mw := &MasterWeights{
		params:  params,
		weights: make([]*tensor.Tensor, len(params)),
		half:    make([]bool, len(params)),
	}
	for i, p := range params {
		mw.weights[i] = p.Tensor.Clone()
		mw.weights[i].SetDType(tensor.F32)
		mw.half[i] = !cfg.IsFP32Layer(p.Name)
	}
	mw.CopyToModel()
	return mw
}

// Weights returns the master weight tensors in parameter order.
func (m *MasterWeights) Weights() []*tensor.Tensor { return m.weights }

// Len returns the number of master weight tensors.
func (m *MasterWeights) Len() int { return len(m.weights) }

// CopyToModel overwrites the model parameters with the master weights.
func (m *MasterWeights) CopyToModel() {
	for i, p := range m.params {
		dst := p.Tensor.DataPtr()
		copy(dst, m.weights[i].DataPtr())
		if m.half[i] {
			tensor.RoundF16InPlace(dst)
			p.Tensor.SetDType(tensor.F16)
		}
	}
}
