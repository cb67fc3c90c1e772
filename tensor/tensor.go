// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Tensor stores multi-dimensional float32 data in a contiguous flat slice.
// Row-major layout: the last dimension varies fastest. Operations allocate
// new tensors unless suffixed with "InPlace".
type Tensor struct {
	data  []float32
	shape Shape
	dtype DType
	Grad  []float32 // per-element gradient, nil until allocated
}

// ZeroGrad zeroes Grad in place when it is allocated, otherwise leaves it nil
// so that only parameters reached by the backward pass carry a gradient.
func (t *Tensor) ZeroGrad() {
	if t.Grad != nil && len(t.Grad) == len(t.data) {
		clear(t.Grad)
	} else {
		t.Grad = nil
	}
}

// AccumulateGrad adds grad element-wise into t.Grad, allocating if nil.
func (t *Tensor) AccumulateGrad(grad []float32) {
	if t.Grad == nil {
		t.Grad = make([]float32, len(t.data))
	}
	for i, g := range grad {
		t.Grad[i] += g
	}
}

// New allocates a zero-filled tensor of the given shape and dtype.
func New(shape Shape, dtype DType) *Tensor {
	return &Tensor{data: make([]float32, shape.Numel()), shape: shape, dtype: dtype}
}

// Zeros allocates a zero-filled F32 tensor.
func Zeros(dims ...int) *Tensor { return New(NewShape(dims...), F32) }

// Full allocates an F32 tensor with every element set to v.
func Full(v float32, dims ...int) *Tensor {
	t := Zeros(dims...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// FromSlice creates a tensor by copying data. Panics if len(data) != shape.Numel().
func FromSlice(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(data), shape.Numel()))
	}
	d := make([]float32, len(data))
	copy(d, data)
	return &Tensor{data: d, shape: shape, dtype: F32}
}

// FromSliceNoCopy wraps data without copying. The caller gives up ownership.
func FromSliceNoCopy(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(data), shape.Numel()))
	}
	return &Tensor{data: data, shape: shape, dtype: F32}
}

// Normal allocates a tensor filled with N(0, std^2) samples drawn from rng.
func Normal(shape Shape, std float32, rng *rand.Rand) *Tensor {
	t := New(shape, F32)
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64()) * std
	}
	return t
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape { return t.shape }

// DType returns the tensor's data type tag.
func (t *Tensor) DType() DType { return t.dtype }

// SetDType retags the tensor; data is not converted.
func (t *Tensor) SetDType(d DType) { t.dtype = d }

// DataPtr returns the underlying storage slice directly (no copy).
func (t *Tensor) DataPtr() []float32 { return t.data }

// Data returns a copy of the underlying storage.
func (t *Tensor) Data() []float32 {
	d := make([]float32, len(t.data))
	copy(d, t.data)
	return d
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != t.shape.NDim() {
		panic(fmt.Sprintf("expected %d indices, got %d", t.shape.NDim(), len(indices)))
	}
	idx := 0
	strides := t.shape.Strides()
	for i, index := range indices {
		if index < 0 || index >= t.shape.At(i) {
			panic(fmt.Sprintf("index %d out of bounds for dim %d with size %d", index, i, t.shape.At(i)))
		}
		idx += index * strides[i]
	}
	return idx
}

// At reads a single element by multi-dimensional index.
func (t *Tensor) At(indices ...int) float32 { return t.data[t.flatIndex(indices)] }

// Set writes a single element by multi-dimensional index.
func (t *Tensor) Set(value float32, indices ...int) { t.data[t.flatIndex(indices)] = value }

// Clone returns a deep copy of the tensor (gradient excluded).
func (t *Tensor) Clone() *Tensor {
	c := FromSlice(t.data, t.shape)
	c.dtype = t.dtype
	return c
}

// Reshape returns a tensor sharing the same backing data with a new shape.
// Mutations through one are visible through the other.
func (t *Tensor) Reshape(s Shape) *Tensor {
	if t.shape.Numel() != s.Numel() {
		panic(fmt.Sprintf("cannot reshape %v to %v: different numel", t.shape, s))
	}
	return &Tensor{data: t.data, shape: s, dtype: t.dtype}
}

// AssertShape panics unless t has shape s.
func (t *Tensor) AssertShape(s Shape) {
	if !t.shape.Equal(s) {
		panic(fmt.Sprintf("shape mismatch: %v vs %v", t.shape, s))
	}
}

// Add returns element-wise t + o.
func (t *Tensor) Add(o *Tensor) *Tensor {
	t.AssertShape(o.shape)
	r := New(t.shape, t.dtype)
	a, b, dst := t.data, o.data, r.data
	for i := range dst {
		dst[i] = a[i] + b[i]
	}
	return r
}

// Mul returns element-wise t * o.
func (t *Tensor) Mul(o *Tensor) *Tensor {
	t.AssertShape(o.shape)
	r := New(t.shape, t.dtype)
	a, b, dst := t.data, o.data, r.data
	for i := range dst {
		dst[i] = a[i] * b[i]
	}
	return r
}

// Scale returns t * s.
func (t *Tensor) Scale(s float32) *Tensor {
	r := New(t.shape, t.dtype)
	for i, v := range t.data {
		r.data[i] = v * s
	}
	return r
}

// AddInPlace adds other to t element-wise, mutating t.
func (t *Tensor) AddInPlace(other *Tensor) {
	t.AssertShape(other.shape)
	a, b := t.data, other.data
	for i := range a {
		a[i] += b[i]
	}
}

// ScaleInPlace multiplies every element of t by s, mutating t.
func (t *Tensor) ScaleInPlace(s float32) {
	for i := range t.data {
		t.data[i] *= s
	}
}

// Softmax computes row-wise softmax along the last dimension.
func (t *Tensor) Softmax() *Tensor {
	if t.shape.NDim() < 1 {
		panic("softmax requires at least 1 dimension")
	}
	r := t.Clone()
	lastDim := t.shape.At(-1)
	for off := 0; off < len(r.data); off += lastDim {
		SoftmaxInPlace(r.data[off : off+lastDim])
	}
	return r
}

// Matmul computes C = A @ B for 2D [M,K] x [K,N] and batched 3D
// [B,M,K] x [B,K,N] inputs.
//
//	C[i,j] = sum_k A[i,k] * B[k,j]
func Matmul(a, b *Tensor) *Tensor {
	if a.shape.NDim() < 2 || b.shape.NDim() < 2 {
		panic("matmul requires at least 2D tensors")
	}
	aM, aK := a.shape.At(-2), a.shape.At(-1)
	bK, bN := b.shape.At(-2), b.shape.At(-1)
	if aK != bK {
		panic(fmt.Sprintf("matmul dimension mismatch: %d vs %d", aK, bK))
	}

	var batchSize int
	var resultShape Shape
	switch {
	case a.shape.NDim() == 2 && b.shape.NDim() == 2:
		batchSize = 1
		resultShape = NewShape(aM, bN)
	case a.shape.NDim() == 3 && b.shape.NDim() == 3:
		if a.shape.At(0) != b.shape.At(0) {
			panic(fmt.Sprintf("matmul batch mismatch: %d vs %d", a.shape.At(0), b.shape.At(0)))
		}
		batchSize = a.shape.At(0)
		resultShape = NewShape(batchSize, aM, bN)
	default:
		panic("unsupported batch dimensions")
	}

	result := New(resultShape, a.dtype)
	aStride, bStride, cStride := aM*aK, bK*bN, aM*bN
	for batch := 0; batch < batchSize; batch++ {
		aOff, bOff, cOff := batch*aStride, batch*bStride, batch*cStride
		Gemm(false, false, aM, bN, aK,
			1.0, a.data[aOff:aOff+aStride], max(aK, 1),
			b.data[bOff:bOff+bStride], max(bN, 1),
			0.0, result.data[cOff:cOff+cStride], max(bN, 1))
	}
	return result
}

// MatmulTransposedB computes C = A @ B^T without materializing the transpose.
// A: [M, K], B: [N, K] -> C: [M, N]. This is the hot path for Linear.Forward.
func MatmulTransposedB(a, b *Tensor) *Tensor {
	if a.shape.NDim() != 2 || b.shape.NDim() != 2 {
		panic("MatmulTransposedB requires 2D tensors")
	}
	aM, aK := a.shape.At(0), a.shape.At(1)
	bN, bK := b.shape.At(0), b.shape.At(1)
	if aK != bK {
		panic(fmt.Sprintf("matmulT dimension mismatch: %d vs %d", aK, bK))
	}
	result := New(NewShape(aM, bN), a.dtype)
	Gemm(false, true, aM, bN, aK,
		1.0, a.data, max(aK, 1),
		b.data, max(bK, 1),
		0.0, result.data, max(bN, 1))
	return result
}

// Transpose swaps the last two dimensions by explicit copy.
func (t *Tensor) Transpose() *Tensor {
	if t.shape.NDim() < 2 {
		panic("transpose requires at least 2D tensor")
	}
	dims := t.shape.Dims()
	dims[len(dims)-1], dims[len(dims)-2] = dims[len(dims)-2], dims[len(dims)-1]
	result := New(NewShape(dims...), t.dtype)
	rows, cols := t.shape.At(-2), t.shape.At(-1)
	batchSize := t.shape.Numel() / (rows * cols)
	for batch := 0; batch < batchSize; batch++ {
		off := batch * rows * cols
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				result.data[off+j*rows+i] = t.data[off+i*cols+j]
			}
		}
	}
	return result
}

// MeanAxis1 averages a [B, S, D] tensor over S, producing [B, D].
func (t *Tensor) MeanAxis1() *Tensor {
	if t.shape.NDim() != 3 {
		panic(fmt.Sprintf("MeanAxis1 requires a 3D tensor, got %v", t.shape))
	}
	b, s, d := t.shape.At(0), t.shape.At(1), t.shape.At(2)
	out := Zeros(b, d)
	inv := 1 / float32(s)
	for i := 0; i < b; i++ {
		row := out.data[i*d : (i+1)*d]
		for j := 0; j < s; j++ {
			src := t.data[(i*s+j)*d : (i*s+j+1)*d]
			for k := range row {
				row[k] += src[k]
			}
		}
		for k := range row {
			row[k] *= inv
		}
	}
	return out
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float32 {
	sum := float32(0)
	for _, v := range t.data {
		sum += v
	}
	return sum
}

// Mean returns the arithmetic mean of all elements.
func (t *Tensor) Mean() float32 { return t.Sum() / float32(len(t.data)) }

// Linspace returns n evenly spaced values on [start, end], endpoints
// included. n == 1 yields [start]; n <= 0 yields an empty slice.
func Linspace(start, end float32, n int) []float32 {
	if n <= 0 {
		return []float32{}
	}
	if n == 1 {
		return []float32{start}
	}
	span := floats.Span(make([]float64, n), float64(start), float64(end))
	out := make([]float32, n)
	for i, v := range span {
		out[i] = float32(v)
	}
	return out
}
