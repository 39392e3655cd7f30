// Package bufarbiter bounds the number of chunk-sized buffers resident in
// memory at once, so a backup or restore run with many concurrent large
// chunks cannot exhaust the process's memory.
package bufarbiter

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Arbiter is a counting semaphore of capacity lb_max gating any
// allocation of a chunk-sized buffer. Every Acquire must be paired with
// a Release on every exit path, including error paths.
type Arbiter struct {
	sem *semaphore.Weighted
}

// New returns an Arbiter allowing up to max concurrent large-buffer
// holders.
func New(max int64) *Arbiter {
	if max <= 0 {
		max = 1
	}
	return &Arbiter{sem: semaphore.NewWeighted(max)}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (a *Arbiter) Acquire(ctx context.Context) error {
	return a.sem.Acquire(ctx, 1)
}

// Release frees the slot acquired by a matching Acquire.
func (a *Arbiter) Release() {
	a.sem.Release(1)
}

// WithBuffer acquires a slot, allocates a size-byte buffer, runs fn with
// it, and releases the slot on every exit path.
func WithBuffer(ctx context.Context, a *Arbiter, size int64, fn func(buf []byte) error) error {
	if err := a.Acquire(ctx); err != nil {
		return err
	}
	defer a.Release()

	buf := make([]byte, size)
	return fn(buf)
}
