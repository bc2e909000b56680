package agents

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/pkg/schema"
)

// stubAgent is a configurable Agent for registry tests.
type stubAgent struct {
	typ   schema.AgentType
	fn    func(ctx context.Context, in schema.AgentInput) (map[string]any, error)
	calls atomic.Int32
}

func (s *stubAgent) Type() schema.AgentType { return s.typ }

func (s *stubAgent) Execute(ctx context.Context, in schema.AgentInput) (map[string]any, error) {
	s.calls.Add(1)
	return s.fn(ctx, in)
}

func okAgent(t schema.AgentType, out map[string]any) *stubAgent {
	return &stubAgent{typ: t, fn: func(context.Context, schema.AgentInput) (map[string]any, error) { return out, nil }}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(0, nil)
	assert.Equal(t, DefaultTimeout, r.Timeout())

	require.NoError(t, r.Register(okAgent(schema.AgentScheduler, nil)))
	require.NoError(t, r.Register(okAgent(schema.AgentQualifier, nil)))

	a, err := r.Get(schema.AgentQualifier)
	require.NoError(t, err)
	assert.Equal(t, schema.AgentQualifier, a.Type())
	assert.True(t, r.Has(schema.AgentScheduler))
	assert.False(t, r.Has(schema.AgentFollowup))
	assert.Equal(t, []schema.AgentType{schema.AgentQualifier, schema.AgentScheduler}, r.List())
}

func TestRegistry_RegisterErrors(t *testing.T) {
	r := NewRegistry(time.Second, nil)

	err := r.Register(nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = r.Register(okAgent("", nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	require.NoError(t, r.Register(okAgent(schema.AgentFollowup, nil)))
	err = r.Register(okAgent(schema.AgentFollowup, nil))
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestRegistry_RunUnknown(t *testing.T) {
	r := NewRegistry(time.Second, nil)
	_, err := r.Run(context.Background(), "closer", schema.AgentInput{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.Contains(t, err.Error(), "unknown agent type: closer")
}

func TestRegistry_RunSuccess(t *testing.T) {
	r := NewRegistry(time.Second, nil)
	agent := &stubAgent{typ: schema.AgentQualifier, fn: func(_ context.Context, in schema.AgentInput) (map[string]any, error) {
		return map[string]any{"lead": in.LeadID, "email": in.Data["email"]}, nil
	}}
	require.NoError(t, r.Register(agent))

	out, err := r.Run(context.Background(), schema.AgentQualifier, schema.AgentInput{
		LeadID: "l1", Data: map[string]any{"email": "a@b.co"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"lead": "l1", "email": "a@b.co"}, out)
	assert.Equal(t, int32(1), agent.calls.Load())
}

func TestRegistry_RunNilOutputBecomesEmpty(t *testing.T) {
	r := NewRegistry(time.Second, nil)
	require.NoError(t, r.Register(okAgent(schema.AgentQualifier, nil)))

	out, err := r.Run(context.Background(), schema.AgentQualifier, schema.AgentInput{})
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestRegistry_RunError(t *testing.T) {
	r := NewRegistry(time.Second, nil)
	require.NoError(t, r.Register(&stubAgent{typ: schema.AgentQualifier, fn: func(context.Context, schema.AgentInput) (map[string]any, error) {
		return nil, agentFailure(schema.AgentQualifier, "Invalid score: %d", 150)
	}}))

	_, err := r.Run(context.Background(), schema.AgentQualifier, schema.AgentInput{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAgentFailed))
	assert.Contains(t, err.Error(), "Invalid score: 150")
}

func TestRegistry_RunRecoversPanic(t *testing.T) {
	r := NewRegistry(time.Second, nil)
	require.NoError(t, r.Register(&stubAgent{typ: schema.AgentScheduler, fn: func(context.Context, schema.AgentInput) (map[string]any, error) {
		panic("calendar exploded")
	}}))

	_, err := r.Run(context.Background(), schema.AgentScheduler, schema.AgentInput{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAgentFailed))
	assert.Contains(t, err.Error(), "calendar exploded")
}

func TestRegistry_RunTimeout(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, nil)
	require.NoError(t, r.Register(&stubAgent{typ: schema.AgentFollowup, fn: func(ctx context.Context, _ schema.AgentInput) (map[string]any, error) {
		<-ctx.Done()
		time.Sleep(500 * time.Millisecond)
		return map[string]any{"late": true}, nil
	}}))

	start := time.Now()
	_, err := r.Run(context.Background(), schema.AgentFollowup, schema.AgentInput{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestRegistry_RunHonoursParentCancel(t *testing.T) {
	r := NewRegistry(time.Minute, nil)
	require.NoError(t, r.Register(&stubAgent{typ: schema.AgentFollowup, fn: func(ctx context.Context, _ schema.AgentInput) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, schema.AgentFollowup, schema.AgentInput{})
	require.Error(t, err)
}
