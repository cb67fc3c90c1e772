// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

// Package checkpoint saves and restores ViT-MoE weights.
//
// File layout:
//
//	magic   [8]byte   "VITMOE01"
//	hlen    uint64    little-endian length of the JSON header
//	header  [hlen]byte
//	payload tensors in state-dict order, little-endian f32 or f16
//
// Tensor offsets in the header are relative to the start of the payload.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/mmap"

	"github.com/fumi-engineer/vitmoe/model"
	"github.com/fumi-engineer/vitmoe/tensor"
)

// Magic identifies a checkpoint file.
const Magic = "VITMOE01"

// Version is the header format version written by Save.
const Version = 1

var (
	ErrBadMagic = errors.New("checkpoint: not a vitmoe checkpoint")
	ErrMismatch = errors.New("checkpoint: tensors do not match the model")
)

// TensorInfo locates one tensor in the payload.
type TensorInfo struct {
	Name   string `json:"name"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
}

// Header is the JSON metadata block.
type Header struct {
	Version   int          `json:"version"`
	RunID     uuid.UUID    `json:"run_id"`
	Step      int          `json:"step"`
	DType     string       `json:"dtype"`
	CreatedAt time.Time    `json:"created_at"`
	Config    model.Config `json:"config"`
	Tensors   []TensorInfo `json:"tensors"`
}

// Meta is the caller-supplied part of the header.
type Meta struct {
	RunID uuid.UUID // uuid.Nil draws a new id
	Step  int
	DType tensor.DType
}

// Write encodes m to w.
func Write(w io.Writer, m *model.ViTMoE, meta Meta) (*Header, error) {
	if meta.RunID == uuid.Nil {
		meta.RunID = uuid.New()
	}
	h := &Header{
		Version:   Version,
		RunID:     meta.RunID,
		Step:      meta.Step,
		DType:     meta.DType.String(),
		CreatedAt: time.Now().UTC(),
		Config:    m.Config(),
	}
	sd := m.StateDict()
	var off int64
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		size := int64(pair.Value.Shape().Numel() * meta.DType.Size())
		h.Tensors = append(h.Tensors, TensorInfo{
			Name:   pair.Key,
			Shape:  pair.Value.Shape().Dims(),
			Offset: off,
			Size:   size,
		})
		off += size
	}

	hdr, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode header: %w", err)
	}
	bw := bufio.NewWriter(w)
	bw.WriteString(Magic)
	binary.Write(bw, binary.LittleEndian, uint64(len(hdr)))
	bw.Write(hdr)

	var buf []byte
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		buf = tensor.EncodeLE(buf[:0], pair.Value.DataPtr(), meta.DType)
		if _, err := bw.Write(buf); err != nil {
			return nil, fmt.Errorf("checkpoint: write %s: %w", pair.Key, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	return h, nil
}

// Save writes m to path atomically through a temporary file in the same
// directory.
func Save(path string, m *model.ViTMoE, meta Meta) (*Header, error) {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	defer os.Remove(f.Name())

	h, err := Write(f, m, meta)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	slog.Debug("checkpoint saved", "path", path, "step", h.Step, "dtype", h.DType, "tensors", len(h.Tensors))
	return h, nil
}

// File is an open checkpoint backed by a read-only memory map.
type File struct {
	Header *Header
	r      *mmap.ReaderAt
	data   int64 // payload start
}

// Open maps path and parses its header.
func Open(path string) (*File, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	f := &File{r: r}
	if err := f.readHeader(); err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func (f *File) readHeader() error {
	prefix := make([]byte, len(Magic)+8)
	if _, err := f.r.ReadAt(prefix, 0); err != nil {
		return ErrBadMagic
	}
	if string(prefix[:len(Magic)]) != Magic {
		return ErrBadMagic
	}
	n := binary.LittleEndian.Uint64(prefix[len(Magic):])
	if n > uint64(f.r.Len()-len(prefix)) {
		return fmt.Errorf("checkpoint: header length %d exceeds file size %d", n, f.r.Len())
	}
	raw := make([]byte, n)
	if _, err := f.r.ReadAt(raw, int64(len(prefix))); err != nil {
		return fmt.Errorf("checkpoint: read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return fmt.Errorf("checkpoint: decode header: %w", err)
	}
	if h.Version != Version {
		return fmt.Errorf("checkpoint: unsupported version %d", h.Version)
	}
	f.Header = &h
	f.data = int64(len(prefix)) + int64(n)
	return nil
}

// Close unmaps the file.
func (f *File) Close() error { return f.r.Close() }

// LoadInto copies every tensor into m after checking that names and shapes
// match m's state dict exactly.
func (f *File) LoadInto(m *model.ViTMoE) error {
	dtype, err := tensor.ParseDType(f.Header.DType)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	sd := m.StateDict()
	if len(f.Header.Tensors) != sd.Len() {
		return fmt.Errorf("%w: file has %d tensors, model has %d", ErrMismatch, len(f.Header.Tensors), sd.Len())
	}
	for _, info := range f.Header.Tensors {
		t, ok := sd.Get(info.Name)
		if !ok {
			return fmt.Errorf("%w: unexpected tensor %q", ErrMismatch, info.Name)
		}
		if !t.Shape().Equal(tensor.NewShape(info.Shape...)) {
			return fmt.Errorf("%w: %s has shape %v, model expects %v", ErrMismatch, info.Name, info.Shape, t.Shape())
		}
		if want := int64(t.Shape().Numel() * dtype.Size()); info.Size != want {
			return fmt.Errorf("%w: %s is %d bytes, want %d", ErrMismatch, info.Name, info.Size, want)
		}
		raw := make([]byte, info.Size)
		if _, err := f.r.ReadAt(raw, f.data+info.Offset); err != nil {
			return fmt.Errorf("checkpoint: read %s: %w", info.Name, err)
		}
		if err := tensor.DecodeLE(t.DataPtr(), raw, dtype); err != nil {
			return fmt.Errorf("checkpoint: %s: %w", info.Name, err)
		}
	}
	return nil
}

// ReadHeader returns the header of the checkpoint at path.
func ReadHeader(path string) (*Header, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Header, nil
}

// ReadConfig returns the model configuration stored at path.
func ReadConfig(path string) (model.Config, error) {
	h, err := ReadHeader(path)
	if err != nil {
		return model.Config{}, err
	}
	return h.Config, nil
}

// Load copies the weights stored at path into m.
func Load(path string, m *model.ViTMoE) (*Header, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := f.LoadInto(m); err != nil {
		return nil, err
	}
	slog.Debug("checkpoint loaded", "path", path, "step", f.Header.Step, "run_id", f.Header.RunID)
	return f.Header, nil
}

// LoadModel builds a model from the stored configuration and loads its
// weights.
func LoadModel(path string, opts ...model.Option) (*model.ViTMoE, *Header, error) {
	f, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	m, err := model.New(f.Header.Config, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := f.LoadInto(m); err != nil {
		return nil, nil, err
	}
	return m, f.Header, nil
}
