// Package asyncwork provides a small bounded, rate-limited background-task
// runner for the fire-and-forget downloads the actor layer must never block
// on (profile pictures, key-package relay-list prefetch), so callers get a
// bounded worker pool instead of an unbounded goroutine per task.
package asyncwork

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// defaultConcurrency caps how many tasks run at once; defaultBurst/rate
// smooth out bursts of picture downloads after a chat-list refresh so they
// don't all hit the network in the same instant.
const (
	defaultConcurrency = 4
	defaultRatePerSec  = 8
	defaultBurst       = 4
)

// Pool runs submitted tasks on a bounded number of goroutines, paced by a
// token-bucket limiter.
type Pool struct {
	sem     chan struct{}
	limiter *rate.Limiter
	wg      sync.WaitGroup
}

// New returns a Pool ready to accept work.
func New() *Pool {
	return &Pool{
		sem:     make(chan struct{}, defaultConcurrency),
		limiter: rate.NewLimiter(rate.Limit(defaultRatePerSec), defaultBurst),
	}
}

// Go schedules fn to run asynchronously once a slot and a rate-limiter
// token are both available. Returns immediately; fn observes ctx
// cancellation for early exit. A fn that panics is not recovered — callers
// are expected to handle their own errors internally (this pool doesn't
// surface them anywhere the caller could observe).
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-p.sem }()

		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		fn(ctx)
	}()
}

// Wait blocks until every task submitted so far has returned. Intended for
// tests, not production shutdown (which just lets the process exit).
func (p *Pool) Wait() {
	p.wg.Wait()
}
