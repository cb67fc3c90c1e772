// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package checkpoint

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fumi-engineer/vitmoe/model"
	"github.com/fumi-engineer/vitmoe/tensor"
)

func newModel(t *testing.T, cfg model.Config, seed int64) *model.ViTMoE {
	t.Helper()
	m, err := model.New(cfg, model.WithSeed(seed))
	require.NoError(t, err)
	// The head starts at zero; give it values so round trips are meaningful.
	rng := rand.New(rand.NewSource(seed))
	for _, v := range [][]float32{m.Head().Weight().DataPtr(), m.Head().Bias().DataPtr()} {
		for i := range v {
			v[i] = float32(rng.NormFloat64())
		}
	}
	return m
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := model.TinyConfig()
	cfg.NumExperts = model.ExpertsPerLayer(3)
	src := newModel(t, cfg, 1)
	path := filepath.Join(t.TempDir(), "model.ckpt")

	runID := uuid.New()
	h, err := Save(path, src, Meta{RunID: runID, Step: 42})
	require.NoError(t, err)
	assert.Equal(t, "f32", h.DType)

	got, err := ReadHeader(path)
	require.NoError(t, err)
	assert.Equal(t, runID, got.RunID)
	assert.Equal(t, 42, got.Step)
	assert.Equal(t, src.StateDict().Len(), len(got.Tensors))

	stored, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, stored)

	dst := newModel(t, cfg, 2)
	_, err = Load(path, dst)
	require.NoError(t, err)
	want := src.StateDict()
	for pair := dst.StateDict().Oldest(); pair != nil; pair = pair.Next() {
		assert.Equal(t, want.Value(pair.Key).Data(), pair.Value.Data(), pair.Key)
	}

	images := tensor.Normal(tensor.NewShape(2, cfg.InChans, cfg.ImgSize, cfg.ImgSize), 1, rand.New(rand.NewSource(3)))
	src.SetTraining(false)
	dst.SetTraining(false)
	assert.Equal(t, src.Forward(images).Logits.Data(), dst.Forward(images).Logits.Data())
}

func TestSaveHalfPrecision(t *testing.T) {
	cfg := model.TinyConfig()
	src := newModel(t, cfg, 4)
	path := filepath.Join(t.TempDir(), "half.ckpt")
	_, err := Save(path, src, Meta{DType: tensor.F16})
	require.NoError(t, err)

	full := filepath.Join(t.TempDir(), "full.ckpt")
	_, err = Save(full, src, Meta{})
	require.NoError(t, err)
	hs, _ := os.Stat(path)
	fs, _ := os.Stat(full)
	assert.Less(t, hs.Size(), fs.Size())

	m, h, err := LoadModel(path)
	require.NoError(t, err)
	assert.Equal(t, "f16", h.DType)
	assert.NotEqual(t, uuid.Nil, h.RunID)
	want := src.StateDict()
	for pair := m.StateDict().Oldest(); pair != nil; pair = pair.Next() {
		w := want.Value(pair.Key).DataPtr()
		for i, v := range pair.Value.DataPtr() {
			if v != tensor.RoundF16(w[i]) {
				t.Fatalf("%s[%d] = %v, want %v", pair.Key, i, v, tensor.RoundF16(w[i]))
			}
		}
	}
}

func TestLoadRejectsMismatchedModel(t *testing.T) {
	cfg := model.TinyConfig()
	path := filepath.Join(t.TempDir(), "model.ckpt")
	_, err := Save(path, newModel(t, cfg, 1), Meta{})
	require.NoError(t, err)

	cases := []struct {
		name string
		mut  func(*model.Config)
	}{
		{"deeper", func(c *model.Config) { c.Depth = 4 }},
		{"wider ffn", func(c *model.Config) { c.DFF = 64 }},
		{"residual expert", func(c *model.Config) { c.UseResidual = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			other := cfg
			tc.mut(&other)
			_, err := Load(path, newModel(t, other, 1))
			assert.ErrorIs(t, err, ErrMismatch)
		})
	}
}

func TestOpenRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name    string
		content []byte
		magic   bool
	}{
		{"empty", nil, true},
		{"wrong magic", []byte("GGUF0000\x00\x00\x00\x00\x00\x00\x00\x00"), true},
		{"truncated header", append([]byte(Magic), 0xff, 0xff, 0, 0, 0, 0, 0, 0, '{'), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name)
			require.NoError(t, os.WriteFile(path, tc.content, 0o644))
			_, err := ReadHeader(path)
			require.Error(t, err)
			if tc.magic {
				assert.ErrorIs(t, err, ErrBadMagic)
			}
		})
	}

	_, err := ReadHeader(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestWriteLayout(t *testing.T) {
	m := newModel(t, model.TinyConfig(), 5)
	var buf bytes.Buffer
	h, err := Write(&buf, m, Meta{Step: 7})
	require.NoError(t, err)
	assert.Equal(t, Magic, buf.String()[:len(Magic)])

	var total int64
	for i, info := range h.Tensors {
		assert.Equal(t, total, info.Offset, info.Name)
		total += info.Size
		if i == 0 {
			assert.Equal(t, "patch_embed.proj.weight", info.Name)
		}
	}
	assert.Equal(t, int64(m.NumParams()*4), total)
	assert.Greater(t, int64(buf.Len()), total)
}
