package eventbus

import (
	"context"
	"errors"
	"sync"

	"github.com/rendis/leadflow/internal/metrics"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds the number of event handlers running at once and reports
// them as leadflow_event_handlers_active / leadflow_event_handlers_total.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics *metrics.Metrics

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewWorkerPool creates a pool with the given max concurrency. m may be nil.
func NewWorkerPool(size int, m *metrics.Metrics) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:     make(chan struct{}, size),
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Submit runs fn on the pool. It blocks while the pool is full and gives up
// when ctx is done or the pool shuts down. fn must not panic; handlers go
// through invoke, which recovers.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait sees it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.metrics.HandlerStarted()
	go func() {
		defer p.wg.Done()
		err := fn(ctx)
		p.metrics.HandlerFinished(err == nil)
		<-p.sem
	}()
	return nil
}

// Shutdown refuses new work and waits for running work to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// waitContext waits for fn to return or ctx to end, whichever comes first.
func waitContext(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
