// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// ---------------------------------------------------------------------------
// Half precision
//
// Values are rounded to IEEE 754 binary16 with round-to-nearest-even.
// Overflow saturates to +-Inf, which the loss scaler treats as overflow.
// ---------------------------------------------------------------------------

// MaxF16 is the largest finite binary16 value.
const MaxF16 = 65504

// RoundF16 rounds a single value through binary16.
func RoundF16(v float32) float32 {
	return float16.Fromfloat32(v).Float32()
}

// RoundF16InPlace rounds every element of xs through binary16.
func RoundF16InPlace(xs []float32) {
	for i, v := range xs {
		xs[i] = float16.Fromfloat32(v).Float32()
	}
}

// ToF16 returns a copy of t rounded through binary16 and tagged F16.
func (t *Tensor) ToF16() *Tensor {
	r := t.Clone()
	RoundF16InPlace(r.data)
	r.dtype = F16
	return r
}

// HasNonFinite reports whether xs contains NaN or +-Inf.
func HasNonFinite(xs []float32) bool {
	for _, v := range xs {
		if v != v || math.IsInf(float64(v), 0) {
			return true
		}
	}
	return false
}

// EncodeLE appends the little-endian encoding of xs in dtype d to dst.
func EncodeLE(dst []byte, xs []float32, d DType) []byte {
	switch d {
	case F16:
		for _, v := range xs {
			dst = binary.LittleEndian.AppendUint16(dst, float16.Fromfloat32(v).Bits())
		}
	default:
		for _, v := range xs {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
		}
	}
	return dst
}

// DecodeLE decodes little-endian dtype d values from src into dst.
// len(src) must equal len(dst) * d.Size().
func DecodeLE(dst []float32, src []byte, d DType) error {
	if len(src) != len(dst)*d.Size() {
		return fmt.Errorf("decode %s: have %d bytes, want %d", d, len(src), len(dst)*d.Size())
	}
	switch d {
	case F16:
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(src[2*i:])).Float32()
		}
	default:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
		}
	}
	return nil
}
