// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package layer

// Tests exercise layer boundaries: known-weight forward values, train/eval
// behavior of stochastic layers, and backward passes against central finite
// differences of a random linear functional of the output.

import (
	"math"
	"math/rand"
	"testing"

	"github.com/fumi-engineer/vitmoe/tensor"
)

// gradCheck compares the analytic input gradient of l with finite
// differences of L = sum(forward(x) * r).
func gradCheck(t *testing.T, name string, l Layer, x *tensor.Tensor, tol float64) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	out := l.Forward(x)
	r := tensor.Normal(out.Shape(), 1, rng)
	analytic := l.Backward(r).Data()

	loss := func() float64 {
		o := l.Forward(x).DataPtr()
		s := 0.0
		for i, v := range o {
			s += float64(v) * float64(r.DataPtr()[i])
		}
		return s
	}

	const h = 1e-2
	xs := x.DataPtr()
	for i := 0; i < len(xs); i += 1 + len(xs)/17 {
		orig := xs[i]
		xs[i] = orig + h
		plus := loss()
		xs[i] = orig - h
		minus := loss()
		xs[i] = orig
		numeric := (plus - minus) / (2 * h)
		diff := math.Abs(numeric - float64(analytic[i]))
		if diff > tol*math.Max(1, math.Abs(numeric)) {
			t.Errorf("%s: grad[%d] analytic %f, numeric %f", name, i, analytic[i], numeric)
		}
	}
}

// Cross-module seam: Tensor -> Linear.
// Verifies y = x @ W^T + b with known weights.
func TestLinearForwardKnownWeights(t *testing.T) {
	l := NewLinear(2, 3, true, rand.New(rand.NewSource(1)))
	copy(l.weight.DataPtr(), []float32{
		1, 0,
		0, 1,
		1, 1,
	})
	copy(l.bias.DataPtr(), []float32{0, 0, 10})

	out := l.Forward(tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.NewShape(2, 2)))
	if !out.Shape().Equal(tensor.NewShape(2, 3)) {
		t.Fatalf("expected shape [2, 3], got %v", out.Shape())
	}
	want := []float32{1, 2, 13, 3, 4, 17}
	for i, v := range out.DataPtr() {
		if v != want[i] {
			t.Fatalf("index %d: expected %f, got %f", i, want[i], v)
		}
	}
}

func TestZeroLinearOutputsZero(t *testing.T) {
	l := NewZeroLinear(4, 3)
	x := tensor.Normal(tensor.NewShape(2, 4), 1, rand.New(rand.NewSource(2)))
	if s := l.Forward(x).Sum(); s != 0 {
		t.Fatalf("expected zero output, got sum %f", s)
	}
	if len(l.Parameters()) != 2 {
		t.Fatalf("expected weight and bias, got %d params", len(l.Parameters()))
	}
}

func TestLinearBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	gradCheck(t, "linear", NewLinear(5, 4, true, rng), tensor.Normal(tensor.NewShape(2, 3, 5), 1, rng), 1e-2)
}

func TestLayerNormNormalizes(t *testing.T) {
	n := NewLayerNorm(4, 1e-6)
	out := n.Forward(tensor.FromSlice([]float32{1, 2, 3, 4, -1, -1, -1, -1}, tensor.NewShape(2, 4))).DataPtr()

	mean, sq := float32(0), float32(0)
	for _, v := range out[:4] {
		mean += v
		sq += v * v
	}
	if math.Abs(float64(mean)) > 1e-5 || math.Abs(float64(sq/4-1)) > 1e-3 {
		t.Errorf("row 0 not normalized: %v", out[:4])
	}
	for _, v := range out[4:] {
		if v != 0 {
			t.Errorf("constant row should normalize to zero, got %v", out[4:])
			break
		}
	}
	if n.Eps() != 1e-6 {
		t.Errorf("eps = %g", n.Eps())
	}
}

func TestLayerNormBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	n := NewLayerNorm(6, 1e-6)
	copy(n.weight.DataPtr(), []float32{1, 0.5, 2, -1, 1.5, 0.3})
	gradCheck(t, "layernorm", n, tensor.Normal(tensor.NewShape(3, 6), 1, rng), 2e-2)
}

func TestMLPBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	m := NewMLP(MLPConfig{HiddenDim: 4, FFNDim: 8}, rng)
	gradCheck(t, "mlp", m, tensor.Normal(tensor.NewShape(3, 4), 1, rng), 2e-2)
}

func TestSelfAttentionShapeAndBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	a := NewSelfAttention(AttentionConfig{HiddenDim: 8, NumHeads: 2, DKV: 3}, rng)
	x := tensor.Normal(tensor.NewShape(2, 5, 8), 0.5, rng)
	if out := a.Forward(x); !out.Shape().Equal(x.Shape()) {
		t.Fatalf("expected shape %v, got %v", x.Shape(), out.Shape())
	}
	gradCheck(t, "attention", a, x, 3e-2)
}

// Attention is bidirectional: the first token's output depends on the last token.
func TestSelfAttentionIsNotCausal(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	a := NewSelfAttention(AttentionConfig{HiddenDim: 4, NumHeads: 1, DKV: 4}, rng)
	x := tensor.Normal(tensor.NewShape(1, 3, 4), 1, rng)
	before := a.Forward(x).Data()
	x.DataPtr()[8] += 1
	after := a.Forward(x).DataPtr()
	changed := false
	for i := 0; i < 4; i++ {
		if before[i] != after[i] {
			changed = true
		}
	}
	if !changed {
		t.Fatal("token 0 output ignored a change in token 2")
	}
}

func TestDropoutTrainEval(t *testing.T) {
	d := NewDropout(0.5, 9)
	x := tensor.Full(1, 1000)

	out := d.Forward(x).DataPtr()
	zeros := 0
	for _, v := range out {
		switch v {
		case 0:
			zeros++
		case 2:
		default:
			t.Fatalf("unexpected dropout value %f", v)
		}
	}
	if zeros < 400 || zeros > 600 {
		t.Errorf("expected about half dropped, got %d", zeros)
	}

	d.SetTraining(false)
	if got := d.Forward(x); got != x {
		t.Error("eval-mode dropout should return its input")
	}
}

func TestDropoutReseedReplays(t *testing.T) {
	d := NewDropout(0.3, 1)
	x := tensor.Full(1, 64)
	d.Reseed(42)
	first := d.Forward(x).Data()
	d.Forward(x)
	d.Reseed(42)
	again := d.Forward(x).DataPtr()
	for i := range first {
		if first[i] != again[i] {
			t.Fatalf("reseeded mask differs at %d", i)
		}
	}
}

func TestDropPathDropsWholeSamples(t *testing.T) {
	d := NewDropPath(0.5, 11)
	x := tensor.Full(1, 64, 3, 2)
	out := d.Forward(x).DataPtr()
	for b := 0; b < 64; b++ {
		row := out[b*6 : (b+1)*6]
		for _, v := range row {
			if v != row[0] {
				t.Fatalf("sample %d partially dropped: %v", b, row)
			}
		}
		if row[0] != 0 && row[0] != 2 {
			t.Fatalf("sample %d has scale %f", b, row[0])
		}
	}

	g := d.Backward(tensor.Full(1, 64, 3, 2)).DataPtr()
	for i := range g {
		if g[i] != out[i] {
			t.Fatalf("backward mask differs from forward at %d", i)
		}
	}

	zero := NewDropPath(0, 1)
	if zero.Forward(x) != x {
		t.Error("rate 0 drop path should be the identity")
	}
}

func TestPatchEmbeddingLayout(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	p := NewPatchEmbedding(PatchConfig{ImgSize: 4, PatchSize: 2, InChans: 1, HiddenDim: 4}, rng)
	if p.NumTokens() != 5 {
		t.Fatalf("expected 5 tokens, got %d", p.NumTokens())
	}

	// Identity projection: hidden 4 == patch dim 4.
	w := p.proj.weight.DataPtr()
	clear(w)
	for i := 0; i < 4; i++ {
		w[i*4+i] = 1
	}
	clear(p.posEmbed.DataPtr())

	img := make([]float32, 16)
	for i := range img {
		img[i] = float32(i)
	}
	out := p.Forward(tensor.FromSlice(img, tensor.NewShape(1, 1, 4, 4)))
	if !out.Shape().Equal(tensor.NewShape(1, 5, 4)) {
		t.Fatalf("expected shape [1, 5, 4], got %v", out.Shape())
	}
	o := out.DataPtr()
	// Patch (0,1) covers pixels (0,2),(0,3),(1,2),(1,3).
	want := []float32{2, 3, 6, 7}
	for i, v := range want {
		if o[2*4+i] != v {
			t.Fatalf("patch (0,1) = %v, want %v", o[8:12], want)
		}
	}
	for _, v := range o[:4] {
		if v != 0 {
			t.Fatalf("class token should start at zero, got %v", o[:4])
		}
	}
}

func TestPatchEmbeddingBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	p := NewPatchEmbedding(PatchConfig{ImgSize: 4, PatchSize: 2, InChans: 2, HiddenDim: 3}, rng)
	gradCheck(t, "patch", p, tensor.Normal(tensor.NewShape(2, 2, 4, 4), 1, rng), 1e-2)
}

func TestDeriveSeedSpreads(t *testing.T) {
	seen := map[int64]bool{}
	for i := 0; i < 100; i++ {
		s := DeriveSeed(1, i)
		if seen[s] {
			t.Fatalf("duplicate derived seed at child %d", i)
		}
		seen[s] = true
	}
}
