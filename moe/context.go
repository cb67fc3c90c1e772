// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package moe

import "sync"

// LossContext accumulates the auxiliary load-balancing loss of a training
// step. It is owned by whoever drives the step, usually the trainer.
type LossContext struct {
	mu   sync.Mutex
	loss float32
}

// ResetLoss sets the accumulated loss to zero.
func (c *LossContext) ResetLoss() {
	c.mu.Lock()
	c.loss = 0
	c.mu.Unlock()
}

// AddLoss adds v to the accumulated loss.
func (c *LossContext) AddLoss(v float32) {
	c.mu.Lock()
	c.loss += v
	c.mu.Unlock()
}

// Loss returns the accumulated loss.
func (c *LossContext) Loss() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loss
}
