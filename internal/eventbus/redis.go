package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/metrics"
	"github.com/rendis/leadflow/pkg/schema"
)

const (
	DefaultStreamPrefix = "leadflow:events"
	DefaultGroup        = "leadflow-workers"
	DefaultMaxLen       = 10000
	DefaultClaimIdle    = 30 * time.Second
	// DefaultMaxDeliveries is how many times a message is handed to a
	// handler before it is moved to the dead-letter stream.
	DefaultMaxDeliveries = 5

	eventField        = "event"
	defaultBlock      = 2 * time.Second
	defaultBatch      = 16
	readErrorBackoff  = 500 * time.Millisecond
	groupSetupTimeout = 5 * time.Second
	minTickInterval   = 5 * time.Millisecond
)

// RedisConfig configures RedisBus.
type RedisConfig struct {
	// Prefix names the streams: <Prefix>:<event type>.
	Prefix string
	Group  string
	// Consumer identifies this process inside the group.
	Consumer string
	// MaxLen caps each stream with approximate trimming.
	MaxLen int64
	// ClaimIdle is how long a delivered, unacknowledged message waits before
	// another consumer may reclaim it.
	ClaimIdle time.Duration
	// MaxDeliveries caps redeliveries; past it the message is copied to
	// <Prefix>:dead and acknowledged.
	MaxDeliveries int64
	// Block is the XREADGROUP block timeout.
	Block       time.Duration
	BatchSize   int64
	Concurrency int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

func (c *RedisConfig) withDefaults() {
	if c.Prefix == "" {
		c.Prefix = DefaultStreamPrefix
	}
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Consumer == "" {
		host, _ := os.Hostname()
		c.Consumer = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if c.MaxLen <= 0 {
		c.MaxLen = DefaultMaxLen
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = DefaultClaimIdle
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = DefaultMaxDeliveries
	}
	if c.Block <= 0 {
		c.Block = defaultBlock
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatch
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RedisBus is a Bus on Redis Streams. Each event type has its own stream and
// consumer group. Messages are acknowledged only after the handler returns
// nil; failed ones stay pending and are reclaimed after ClaimIdle, so
// delivery is at least once. A message that keeps failing is dead-lettered
// after MaxDeliveries.
type RedisBus struct {
	client redis.UniversalClient
	cfg    RedisConfig
	pool   *WorkerPool

	mu       sync.Mutex
	handlers map[schema.EventType]Handler
	closed   bool

	// inflight holds the IDs this consumer is handling or has queued.
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
}

// NewRedisBus creates a RedisBus. The client stays owned by the caller.
func NewRedisBus(client redis.UniversalClient, cfg RedisConfig) *RedisBus {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client:   client,
		cfg:      cfg,
		pool:     NewWorkerPool(cfg.Concurrency, cfg.Metrics),
		handlers: make(map[schema.EventType]Handler),
		inflight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// StreamKey returns the stream that carries eventType.
func (b *RedisBus) StreamKey(eventType schema.EventType) string {
	return b.cfg.Prefix + ":" + string(eventType)
}

// DeadLetterKey returns the stream that receives messages past MaxDeliveries.
func (b *RedisBus) DeadLetterKey() string {
	return b.cfg.Prefix + ":dead"
}

func (b *RedisBus) Publish(ctx context.Context, event schema.DomainEvent) {
	ctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()
	log := logging.LogWith(eventContext(ctx, event), b.cfg.Logger)

	if err := b.publish(ctx, event); err != nil {
		log.Error("event publish failed",
			slog.String("event_type", string(event.Type)),
			slog.String("error", err.Error()))
		b.cfg.Metrics.PublishFailed(string(event.Type))
		return
	}
	log.Debug("event published", slog.String("event_type", string(event.Type)))
}

func (b *RedisBus) publish(ctx context.Context, event schema.DomainEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return publishError(event, err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.StreamKey(event.Type),
		MaxLen: b.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{eventField: string(data)},
	}).Err()
	if err != nil {
		return publishError(event, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(eventType schema.EventType, h Handler) error {
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

	stream := b.StreamKey(eventType)
	ctx, cancel := context.WithTimeout(b.ctx, groupSetupTimeout)
	defer cancel()
	if err := b.client.XGroupCreateMkStream(ctx, stream, b.cfg.Group, "0").Err(); err != nil &&
		!strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return schema.NewErrorf(schema.ErrCodeExecution, "create consumer group on %s", stream).WithCause(err)
	}
	b.handlers[eventType] = h

	b.loops.Add(2)
	go b.readLoop(eventType, stream, h)
	go b.claimLoop(eventType, stream, h)
	b.cfg.Logger.Info("subscribed",
		slog.String("event_type", string(eventType)),
		slog.String("stream", stream),
		slog.String("consumer", b.cfg.Consumer))
	return nil
}

func (b *RedisBus) readLoop(eventType schema.EventType, stream string, h Handler) {
	defer b.loops.Done()
	for b.ctx.Err() == nil {
		res, err := b.client.XReadGroup(b.ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{stream, ">"},
			Count:    b.cfg.BatchSize,
			Block:    b.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || b.ctx.Err() != nil {
				continue
			}
			b.cfg.Logger.Warn("stream read failed",
				slog.String("stream", stream), slog.String("error", err.Error()))
			sleep(b.ctx, readErrorBackoff)
			continue
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				b.dispatch(eventType, stream, h, msg)
			}
		}
	}
}

// claimLoop redelivers messages that another consumer (or an earlier failed
// attempt) left pending for longer than ClaimIdle. Messages handled by this
// consumer stay below ClaimIdle through holdClaim and are never picked here.
func (b *RedisBus) claimLoop(eventType schema.EventType, stream string, h Handler) {
	defer b.loops.Done()
	t := time.NewTicker(max(b.cfg.ClaimIdle/2, minTickInterval))
	defer t.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-t.C:
		}
		start := "0-0"
		for {
			msgs, next, err := b.client.XAutoClaim(b.ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    b.cfg.Group,
				Consumer: b.cfg.Consumer,
				MinIdle:  b.cfg.ClaimIdle,
				Start:    start,
				Count:    b.cfg.BatchSize,
			}).Result()
			if err != nil {
				if b.ctx.Err() == nil {
					b.cfg.Logger.Warn("stream reclaim failed",
						slog.String("stream", stream), slog.String("error", err.Error()))
				}
				break
			}
			for _, msg := range msgs {
				if b.exhausted(eventType, stream, msg) {
					continue
				}
				b.dispatch(eventType, stream, h, msg)
			}
			if next == "0-0" || next == "" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
}

// exhausted reports whether a reclaimed msg has used up its deliveries. Such a
// message is copied to the dead-letter stream and acknowledged.
func (b *RedisBus) exhausted(eventType schema.EventType, stream string, msg redis.XMessage) bool {
	pending, err := b.client.XPendingExt(b.ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  b.cfg.Group,
		Start:  msg.ID,
		End:    msg.ID,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return false
	}
	deliveries := pending[0].RetryCount
	if deliveries <= b.cfg.MaxDeliveries {
		return false
	}

	raw, _ := msg.Values[eventField].(string)
	err = b.client.XAdd(b.ctx, &redis.XAddArgs{
		Stream: b.DeadLetterKey(),
		MaxLen: b.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{
			eventField:   raw,
			"stream":     stream,
			"message_id": msg.ID,
			"deliveries": deliveries,
		},
	}).Err()
	if err != nil {
		// Stays pending; the next reclaim tries again.
		b.cfg.Logger.Warn("dead-letter write failed",
			slog.String("stream", stream),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
		return true
	}
	b.cfg.Logger.Error("event dead-lettered",
		slog.String("event_type", string(eventType)),
		slog.String("stream", stream),
		slog.String("message_id", msg.ID),
		slog.Int64("deliveries", deliveries))
	b.cfg.Metrics.DeadLettered(string(eventType))
	_ = b.ack(b.ctx, stream, msg.ID)
	return true
}

func (b *RedisBus) dispatch(eventType schema.EventType, stream string, h Handler, msg redis.XMessage) {
	if !b.track(msg.ID) {
		return
	}
	release := b.holdClaim(stream, msg.ID)
	err := b.pool.Submit(b.ctx, func(context.Context) error {
		defer release()
		return b.handle(stream, h, msg)
	})
	if err != nil {
		release()
		// Left pending; the reclaim loop of a live consumer picks it up.
		b.cfg.Logger.Debug("delivery deferred",
			slog.String("event_type", string(eventType)),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
	}
}

// track marks id as in flight. It reports false when this consumer already
// holds it.
func (b *RedisBus) track(id string) bool {
	b.inflightMu.Lock()
	defer b.inflightMu.Unlock()
	if _, ok := b.inflight[id]; ok {
		return false
	}
	b.inflight[id] = struct{}{}
	return true
}

// holdClaim re-claims id with JUSTID every ClaimIdle/3, which resets its idle
// time without counting a delivery, until the returned release is called.
// release also clears the in-flight mark.
func (b *RedisBus) holdClaim(stream, id string) (release func()) {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		t := time.NewTicker(max(b.cfg.ClaimIdle/3, minTickInterval))
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
			}
			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ClaimIdle)
			err := b.client.XClaimJustID(ctx, &redis.XClaimArgs{
				Stream:   stream,
				Group:    b.cfg.Group,
				Consumer: b.cfg.Consumer,
				Messages: []string{id},
			}).Err()
			cancel()
			if err != nil && !errors.Is(err, redis.Nil) {
				b.cfg.Logger.Warn("claim refresh failed",
					slog.String("stream", stream),
					slog.String("message_id", id),
					slog.String("error", err.Error()))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-stopped
			b.inflightMu.Lock()
			delete(b.inflight, id)
			b.inflightMu.Unlock()
		})
	}
}

func (b *RedisBus) handle(stream string, h Handler, msg redis.XMessage) error {
	// Handlers finish even while the bus is shutting down.
	ctx := context.WithoutCancel(b.ctx)

	raw, _ := msg.Values[eventField].(string)
	var event schema.DomainEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		b.cfg.Logger.Error("dropping undecodable event",
			slog.String("stream", stream),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
		return b.ack(ctx, stream, msg.ID)
	}

	if err := invoke(ctx, b.cfg.Logger, h, event); err != nil {
		return err
	}
	return b.ack(ctx, stream, msg.ID)
}

func (b *RedisBus) ack(ctx context.Context, stream, id string) error {
	if err := b.client.XAck(ctx, stream, b.cfg.Group, id).Err(); err != nil {
		b.cfg.Logger.Warn("ack failed",
			slog.String("stream", stream),
			slog.String("message_id", id),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Shutdown stops reading, then waits for in-flight handlers.
func (b *RedisBus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	err := waitContext(ctx, func() {
		b.loops.Wait()
		b.pool.Shutdown()
	})
	b.cfg.Logger.Info("event bus shut down")
	return err
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

var _ Bus = (*RedisBus)(nil)
