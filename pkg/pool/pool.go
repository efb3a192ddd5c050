// Package pool implements a bounded, dynamically resizable goroutine pool
// used by the node manager to execute work-chunk handlers without
// unbounded concurrency. Submit gates on a semaphore, Resize affects only
// future submissions, and Stop waits out a grace period before abandoning
// stragglers.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/vulnscan/pkg/log"
	"github.com/cuemby/vulnscan/pkg/metrics"
)

// ErrPoolStopped is returned by Submit once the pool has been stopped.
var ErrPoolStopped = errors.New("pool stopped")

// Outcome is one submitted task's result, collected by WaitAll.
type Outcome struct {
	Err error
}

// Pool is a bounded, resizable goroutine pool.
type Pool struct {
	mu      sync.Mutex
	sem     chan struct{}
	stopped bool
	active  int

	wg sync.WaitGroup

	outcomesMu sync.Mutex
	outcomes   []Outcome
}

// New builds a Pool with the given capacity.
func New(maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = 1
	}
	p := &Pool{sem: make(chan struct{}, maxSize)}
	metrics.PoolCapacity.Set(float64(maxSize))
	return p
}

// Resize changes the pool's capacity. Only subsequent Submit calls are
// affected; in-flight tasks keep running against the old semaphore.
func (p *Pool) Resize(newSize int) {
	if newSize <= 0 {
		newSize = 1
	}
	p.mu.Lock()
	p.sem = make(chan struct{}, newSize)
	p.mu.Unlock()
	metrics.PoolCapacity.Set(float64(newSize))
	log.Logger.Info().Int("size", newSize).Msg("pool resized")
}

// Submit blocks until a slot is available, then runs fn in a goroutine.
// It returns ErrPoolStopped immediately if the pool has been stopped.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context) error) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	sem := p.sem
	p.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	p.active++
	metrics.PoolActive.Set(float64(p.active))
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer func() {
			<-sem
			p.mu.Lock()
			p.active--
			metrics.PoolActive.Set(float64(p.active))
			p.mu.Unlock()
			p.wg.Done()
		}()

		err := fn(ctx)
		p.outcomesMu.Lock()
		p.outcomes = append(p.outcomes, Outcome{Err: err})
		p.outcomesMu.Unlock()
		if err != nil {
			log.Logger.Error().Err(err).Msg("pool task failed")
		}
	}()
	return nil
}

// ActiveCount reports the number of tasks currently running.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// WaitAll blocks until every outstanding task completes and returns their
// collected outcomes.
func (p *Pool) WaitAll() []Outcome {
	p.wg.Wait()
	p.outcomesMu.Lock()
	defer p.outcomesMu.Unlock()
	out := make([]Outcome, len(p.outcomes))
	copy(out, p.outcomes)
	return out
}

// Stop marks the pool stopped (subsequent Submit calls fail with
// ErrPoolStopped), waits up to timeout for outstanding tasks, then gives
// up waiting on the rest. Go goroutines cannot be forcibly cancelled, so
// "cancellation" here means the wait returns rather than that in-flight
// work is killed; callers should pass a cancellable context into fn to
// get cooperative cancellation on timeout.
func (p *Pool) Stop(timeout time.Duration) []Outcome {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Logger.Warn().Dur("timeout", timeout).Msg("pool stop timed out, abandoning stragglers")
	}

	p.outcomesMu.Lock()
	defer p.outcomesMu.Unlock()
	out := make([]Outcome, len(p.outcomes))
	copy(out, p.outcomes)
	return out
}
