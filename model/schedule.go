// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package model

import "github.com/fumi-engineer/vitmoe/tensor"

// DropPathSchedule returns the stochastic-depth rate of every layer:
// depth values linearly spaced on [0, rate], endpoints included.
func DropPathSchedule(depth int, rate float32) []float32 {
	return tensor.Linspace(0, rate, depth)
}
