// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Gemm computes C = alpha * op(A) @ op(B) + beta * C on row-major storage.
//
//	op(X) = X    if trans is false
//	op(X) = X^T  if trans is true
//
// m, n, k are the dimensions after op(): op(A) is [m,k], op(B) is [k,n] and C
// is [m,n]. lda/ldb/ldc are the row strides of the stored matrices, which lets
// attention run per-head products on strided views of [batch, seq, heads, d]
// buffers without copying.
func Gemm(transA, transB bool, m, n, k int,
	alpha float32, a []float32, lda int,
	b []float32, ldb int,
	beta float32, c []float32, ldc int) {
	if m == 0 || n == 0 {
		return
	}
	blas32.Implementation().Sgemm(transFlag(transA), transFlag(transB),
		m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
}

func transFlag(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}
