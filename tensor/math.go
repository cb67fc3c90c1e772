// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package tensor

import "math"

// NegInf is the most negative finite float32, used as -infinity for masking.
const NegInf = -float32(math.MaxFloat32)

// ---------------------------------------------------------------------------
// Pure-float32 math functions
//
// The compute path stays in float32 end to end; these helpers avoid the
// float64 round trip of the math package in the hot loops.
// ---------------------------------------------------------------------------

// ExpF32 computes exp(x) in pure float32.
//
// Range reduction x = k*ln2 + r, then a Horner polynomial on r:
//
//	exp(x) = 2^k * (1 + r + r^2/2! + r^3/3! + r^4/4! + r^5/5!)
//
// Clamps to 0 / +Inf outside the representable range of float32.
func ExpF32(x float32) float32 {
	if x > 88.72 {
		return float32(math.Inf(1))
	}
	if x < -87.33 {
		return 0
	}
	const (
		invLn2 = float32(1.4426950)
		ln2Hi  = float32(0.6931458)
		ln2Lo  = float32(1.4286068e-06)
	)
	var k int32
	if x >= 0 {
		k = int32(x*invLn2 + 0.5)
	} else {
		k = int32(x*invLn2 - 0.5)
	}
	kf := float32(k)
	r := x - kf*ln2Hi - kf*ln2Lo
	r2 := r * r
	p := float32(1) + r + r2*(0.5+r*(0.16666667+r*(0.04166668+r*0.008333334)))
	return p * math.Float32frombits(uint32(127+k)<<23)
}

// SqrtF32 computes sqrt(x) via the fast inverse square root estimate
// refined by two Newton-Raphson steps.
//
//	y_{n+1} = y_n * (1.5 - 0.5*x*y_n^2)
//	sqrt(x) = x * y
func SqrtF32(x float32) float32 {
	if x <= 0 {
		return 0
	}
	bits := math.Float32bits(x)
	bits = 0x5f3759df - (bits >> 1)
	y := math.Float32frombits(bits)
	half := 0.5 * x
	y = y * (1.5 - half*y*y)
	y = y * (1.5 - half*y*y)
	return x * y
}

// LogF32 computes ln(x) from the IEEE 754 split x = 2^e * m and an atanh
// series on s = (m-1)/(m+1).
//
//	ln(x) = e*ln(2) + 2*s*(1 + s^2/3 + s^4/5 + s^6/7)
func LogF32(x float32) float32 {
	if x <= 0 {
		return NegInf
	}
	bits := math.Float32bits(x)
	e := int32((bits>>23)&0xFF) - 127
	bits = (bits & 0x007FFFFF) | 0x3F800000
	m := math.Float32frombits(bits)
	s := (m - 1) / (m + 1)
	s2 := s * s
	p := 2.0 * s * (1 + s2*(0.33333334+s2*(0.2+s2*0.14285715)))
	return float32(e)*0.6931472 + p
}

// PowF32 computes base^exp as exp(exp * ln(base)).
func PowF32(base, exp float32) float32 {
	if base <= 0 {
		return 0
	}
	return ExpF32(exp * LogF32(base))
}

// SinF32 computes sin(x) by reduction to [0, pi/2] and a Horner polynomial.
func SinF32(x float32) float32 {
	const (
		twoPi  = float32(6.2831855)
		pi     = float32(3.1415927)
		halfPi = float32(1.5707964)
	)
	x -= float32(int32(x/twoPi)) * twoPi
	if x < 0 {
		x += twoPi
	}
	sign := float32(1)
	if x > pi {
		sign = -1
		x -= pi
	}
	if x > halfPi {
		x = pi - x
	}
	x2 := x * x
	return sign * x * (1 - x2*(0.16666667-x2*(0.008333334-x2*0.00019841270)))
}

// CosF32 computes cos(x) = sin(x + pi/2).
func CosF32(x float32) float32 { return SinF32(x + 1.5707964) }

// TanhF32 computes tanh(u) = 1 - 2/(exp(2u)+1). Saturates to +-1.
func TanhF32(u float32) float32 {
	return 1 - 2/(ExpF32(2*u)+1)
}

// gelu constants for the tanh approximation.
const (
	geluC = float32(0.7978846) // sqrt(2/pi)
	geluA = float32(0.044715)
)

// GELU is the tanh approximation of the Gaussian error linear unit.
//
//	GELU(x) = 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715*x^3)))
func GELU(x float32) float32 {
	return 0.5 * x * (1 + TanhF32(geluC*(x+geluA*x*x*x)))
}

// GELUGrad is d GELU(x) / dx for the tanh approximation.
//
//	0.5*(1+t) + 0.5*x*(1-t^2)*sqrt(2/pi)*(1 + 3*0.044715*x^2)
func GELUGrad(x float32) float32 {
	t := TanhF32(geluC * (x + geluA*x*x*x))
	return 0.5*(1+t) + 0.5*x*(1-t*t)*geluC*(1+3*geluA*x*x)
}

// Argmax returns the index and value of the maximum element. Ties keep the
// lowest index.
func Argmax(xs []float32) (int, float32) {
	bestIdx, bestVal := 0, xs[0]
	for i := 1; i < len(xs); i++ {
		if xs[i] > bestVal {
			bestIdx, bestVal = i, xs[i]
		}
	}
	return bestIdx, bestVal
}

// SoftmaxInPlace applies a numerically stable softmax to xs.
//
//	p_i = exp(x_i - max(x)) / sum_j exp(x_j - max(x))
func SoftmaxInPlace(xs []float32) {
	if len(xs) == 0 {
		return
	}
	_, maxVal := Argmax(xs)
	sum := float32(0)
	for i := range xs {
		xs[i] = ExpF32(xs[i] - maxVal)
		sum += xs[i]
	}
	inv := 1 / sum
	for i := range xs {
		xs[i] *= inv
	}
}

// SoftmaxBackwardInPlace turns dL/dp into dL/dx for p = softmax(x).
//
//	dx_i = p_i * (dp_i - sum_j dp_j * p_j)
func SoftmaxBackwardInPlace(grad, probs []float32) {
	dot := float32(0)
	for i := range grad {
		dot += grad[i] * probs[i]
	}
	for i := range grad {
		grad[i] = probs[i] * (grad[i] - dot)
	}
}
