package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/metrics"
	"github.com/rendis/leadflow/pkg/schema"
)

const (
	defaultQueueBuffer = 256
	defaultConcurrency = 8
)

// MemoryConfig configures MemoryBus.
type MemoryConfig struct {
	// Buffer is the per-type queue depth. Publish blocks (up to
	// PublishTimeout) while a queue is full.
	Buffer      int
	Concurrency int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// MemoryBus is an in-process Bus backed by one buffered queue per event type.
// Events published before a handler subscribes wait in the queue.
type MemoryBus struct {
	mu       sync.Mutex
	queues   map[schema.EventType]chan schema.DomainEvent
	handlers map[schema.EventType]Handler
	closed   bool

	buffer  int
	pool    *WorkerPool
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	pending atomic.Int64
}

// NewMemoryBus creates a MemoryBus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultQueueBuffer
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		queues:   make(map[schema.EventType]chan schema.DomainEvent),
		handlers: make(map[schema.EventType]Handler),
		buffer:   cfg.Buffer,
		pool:     NewWorkerPool(cfg.Concurrency, cfg.Metrics),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// queue returns the queue for t, creating it on first use. Caller holds b.mu.
func (b *MemoryBus) queue(t schema.EventType) chan schema.DomainEvent {
	q, ok := b.queues[t]
	if !ok {
		q = make(chan schema.DomainEvent, b.buffer)
		b.queues[t] = q
	}
	return q
}

func (b *MemoryBus) Publish(ctx context.Context, event schema.DomainEvent) {
	ctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()
	log := logging.LogWith(eventContext(ctx, event), b.logger)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.fail(log, event, ErrPoolShutdown)
		return
	}
	q := b.queue(event.Type)
	b.pending.Add(1)
	b.mu.Unlock()

	select {
	case q <- event:
		log.Debug("event published", slog.String("event_type", string(event.Type)))
	case <-ctx.Done():
		b.pending.Add(-1)
		b.fail(log, event, ctx.Err())
	}
}

func (b *MemoryBus) fail(log *slog.Logger, event schema.DomainEvent, err error) {
	log.Error("event publish failed",
		slog.String("event_type", string(event.Type)),
		slog.String("error", publishError(event, err).Error()))
	b.metrics.PublishFailed(string(event.Type))
}

func (b *MemoryBus) Subscribe(eventType schema.EventType, h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "event handler is nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrPoolShutdown
	}
	if _, exists := b.handlers[eventType]; exists {
		return duplicateSubscription(eventType)
	}
	b.handlers[eventType] = h
	q := b.queue(eventType)

	b.loops.Add(1)
	go b.consume(eventType, q, h)
	b.logger.Info("subscribed", slog.String("event_type", string(eventType)))
	return nil
}

func (b *MemoryBus) consume(eventType schema.EventType, q <-chan schema.DomainEvent, h Handler) {
	defer b.loops.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-q:
			err := b.pool.Submit(b.ctx, func(context.Context) error {
				defer b.pending.Add(-1)
				return invoke(context.Background(), b.logger, h, event)
			})
			if err != nil {
				b.pending.Add(-1)
				b.logger.Warn("event dropped", slog.String("event_type", string(eventType)), slog.String("error", err.Error()))
			}
		}
	}
}

// Flush waits until every published event has been handled or ctx ends.
// Events of a type nobody subscribed to keep Flush waiting.
func (b *MemoryBus) Flush(ctx context.Context) error {
	t := time.NewTicker(2 * time.Millisecond)
	defer t.Stop()
	for b.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Shutdown stops consuming, waits for running handlers and drops anything
// still queued.
func (b *MemoryBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	return waitContext(ctx, func() {
		b.loops.Wait()
		b.pool.Shutdown()
	})
}

var _ Bus = (*MemoryBus)(nil)
