package objectstore

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Pool bounds how many operations may use the underlying Gateway
// concurrently, mirroring the metadata store's connection pool: the
// client itself is safe for concurrent reuse, but callers must acquire
// a slot before using it and release it afterward, and acquire blocks
// when the pool is exhausted.
type Pool struct {
	gw      Gateway
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// NewPool wraps gw with a pool of the given size. If ratePerSecond is
// positive, every acquired use also waits on a token-bucket limiter
// shared across the whole pool.
func NewPool(gw Gateway, size int, ratePerSecond float64) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{gw: gw, sem: semaphore.NewWeighted(int64(size))}
	if ratePerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), max(1, int(ratePerSecond)))
	}
	return p
}

// Acquire blocks until a pool slot is free, then returns gw and a
// release function the caller must call exactly once.
func (p *Pool) Acquire(ctx context.Context) (Gateway, func(), error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, fmt.Errorf("acquire object store client: %w", err)
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.sem.Release(1)
			return nil, nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	return p.gw, func() { p.sem.Release(1) }, nil
}
