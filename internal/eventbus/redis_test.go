package eventbus

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/internal/metrics"
	"github.com/rendis/leadflow/pkg/schema"
)

func newRedisBus(t *testing.T, cfg RedisConfig) (*RedisBus, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	if cfg.Block == 0 {
		cfg.Block = 50 * time.Millisecond
	}
	cfg.Consumer = "test-consumer"
	b := NewRedisBus(client, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b, mr, client
}

func TestRedisBus_PublishWritesStream(t *testing.T) {
	b, _, client := newRedisBus(t, RedisConfig{Prefix: "lf"})
	assert.Equal(t, "lf:lead_created", b.StreamKey(schema.EventLeadCreated))

	ev := schema.NewEvent(schema.EventLeadCreated, "t1", map[string]any{"workflowId": "wf1"})
	b.Publish(context.Background(), ev)

	msgs, err := client.XRange(context.Background(), "lf:lead_created", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Values[eventField], `"workflowId":"wf1"`)
}

func TestRedisBus_DeliversAndAcks(t *testing.T) {
	b, _, client := newRedisBus(t, RedisConfig{})

	// Published before the group exists: the group starts at the stream head.
	first := schema.NewEvent(schema.EventLeadCreated, "t1", map[string]any{"workflowId": "wf1", "leadId": "l1"})
	b.Publish(context.Background(), first)

	c := &collector{}
	require.NoError(t, b.Subscribe(schema.EventLeadCreated, c.handle))
	second := schema.NewEvent(schema.EventLeadCreated, "t1", map[string]any{"workflowId": "wf2"})
	b.Publish(context.Background(), second)

	// Handlers run concurrently, so arrival order is not guaranteed.
	require.Eventually(t, func() bool { return c.len() == 2 }, 2*time.Second, 10*time.Millisecond)
	byID := map[string]schema.DomainEvent{}
	for _, e := range c.snapshot() {
		byID[e.ID] = e
	}
	require.Contains(t, byID, second.ID)
	require.Contains(t, byID, first.ID)
	got := byID[first.ID]
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, first.Type, got.Type)
	assert.Equal(t, first.TenantID, got.TenantID)
	assert.Equal(t, first.Payload, got.Payload)
	assert.True(t, first.Timestamp.Equal(got.Timestamp))

	require.Eventually(t, func() bool {
		p, err := client.XPending(context.Background(), b.StreamKey(schema.EventLeadCreated), DefaultGroup).Result()
		return err == nil && p.Count == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBus_DuplicateSubscription(t *testing.T) {
	b, _, _ := newRedisBus(t, RedisConfig{})
	c := &collector{}
	require.NoError(t, b.Subscribe(schema.EventNoResponse, c.handle))
	err := b.Subscribe(schema.EventNoResponse, c.handle)
	assert.True(t, schema.IsCode(err, schema.ErrCodeDuplicateSubscription))
}

func TestRedisBus_ReclaimsFailedDeliveries(t *testing.T) {
	b, _, client := newRedisBus(t, RedisConfig{ClaimIdle: 50 * time.Millisecond})

	var calls atomic.Int32
	require.NoError(t, b.Subscribe(schema.EventMeetingScheduled, func(context.Context, schema.DomainEvent) error {
		if calls.Add(1) == 1 {
			return schema.NewError(schema.ErrCodeActionFailed, "smtp down")
		}
		return nil
	}))
	b.Publish(context.Background(), schema.NewEvent(schema.EventMeetingScheduled, "t1", nil))

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		p, err := client.XPending(context.Background(), b.StreamKey(schema.EventMeetingScheduled), DefaultGroup).Result()
		return err == nil && p.Count == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBus_SlowHandlerIsNotRedelivered(t *testing.T) {
	b, _, client := newRedisBus(t, RedisConfig{ClaimIdle: 50 * time.Millisecond})

	var calls, running, peak atomic.Int32
	require.NoError(t, b.Subscribe(schema.EventLeadCreated, func(context.Context, schema.DomainEvent) error {
		calls.Add(1)
		n := running.Add(1)
		defer running.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(300 * time.Millisecond)
		return nil
	}))
	b.Publish(context.Background(), schema.NewEvent(schema.EventLeadCreated, "t1", nil))

	stream := b.StreamKey(schema.EventLeadCreated)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		p, err := client.XPending(context.Background(), stream, DefaultGroup).Result()
		return err == nil && p.Count == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Several reclaim rounds pass while the handler sleeps and after the ack.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), peak.Load())
}

func TestRedisBus_DeadLettersAfterMaxDeliveries(t *testing.T) {
	m := metrics.New()
	b, _, client := newRedisBus(t, RedisConfig{
		ClaimIdle:     20 * time.Millisecond,
		MaxDeliveries: 3,
		Metrics:       m,
	})

	var calls atomic.Int32
	require.NoError(t, b.Subscribe(schema.EventNoResponse, func(context.Context, schema.DomainEvent) error {
		calls.Add(1)
		return schema.NewError(schema.ErrCodeActionFailed, "smtp down")
	}))
	ev := schema.NewEvent(schema.EventNoResponse, "t1", map[string]any{"workflowId": "wf1"})
	b.Publish(context.Background(), ev)

	var dead []redis.XMessage
	require.Eventually(t, func() bool {
		var err error
		dead, err = client.XRange(context.Background(), b.DeadLetterKey(), "-", "+").Result()
		return err == nil && len(dead) == 1
	}, 3*time.Second, 10*time.Millisecond)

	stream := b.StreamKey(schema.EventNoResponse)
	assert.Equal(t, stream, dead[0].Values["stream"])
	assert.Equal(t, "4", dead[0].Values["deliveries"])
	assert.Contains(t, dead[0].Values[eventField], ev.ID)

	require.Eventually(t, func() bool {
		p, err := client.XPending(context.Background(), stream, DefaultGroup).Result()
		return err == nil && p.Count == 0
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(`
# HELP leadflow_events_dead_lettered_total Events moved to the dead-letter stream after too many deliveries.
# TYPE leadflow_events_dead_lettered_total counter
leadflow_events_dead_lettered_total{event_type="no_response"} 1
`), "leadflow_events_dead_lettered_total"))
}

func TestRedisBus_UndecodableMessageIsAcked(t *testing.T) {
	b, _, client := newRedisBus(t, RedisConfig{})
	c := &collector{}
	require.NoError(t, b.Subscribe(schema.EventLeadQualified, c.handle))

	stream := b.StreamKey(schema.EventLeadQualified)
	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{eventField: "{not json"},
	}).Err())

	good := schema.NewEvent(schema.EventLeadQualified, "t1", nil)
	b.Publish(context.Background(), good)

	require.Eventually(t, func() bool { return c.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, good.ID, c.snapshot()[0].ID)
	require.Eventually(t, func() bool {
		p, err := client.XPending(context.Background(), stream, DefaultGroup).Result()
		return err == nil && p.Count == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBus_PublishFailureIsSwallowed(t *testing.T) {
	m := metrics.New()
	b, mr, _ := newRedisBus(t, RedisConfig{Metrics: m})
	mr.Close()

	assert.NotPanics(t, func() {
		b.Publish(context.Background(), schema.NewEvent(schema.EventLeadCreated, "t1", nil))
	})
	n, err := testutil.GatherAndCount(m.Registry(), "leadflow_event_publish_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisBus_ShutdownIsIdempotent(t *testing.T) {
	b, _, _ := newRedisBus(t, RedisConfig{})
	c := &collector{}
	require.NoError(t, b.Subscribe(schema.EventLeadCreated, c.handle))

	require.NoError(t, b.Shutdown(context.Background()))
	require.NoError(t, b.Shutdown(context.Background()))
	assert.ErrorIs(t, b.Subscribe(schema.EventNoResponse, c.handle), ErrPoolShutdown)
}
