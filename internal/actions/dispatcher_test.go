package actions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/internal/metrics"
	"github.com/rendis/leadflow/pkg/schema"
)

// funcHandler adapts a function to Handler for dispatcher tests.
type funcHandler struct {
	typ schema.ActionType
	fn  func(ctx context.Context, req schema.ActionRequest) (*schema.ActionResult, error)
}

func (f *funcHandler) Type() schema.ActionType { return f.typ }

func (f *funcHandler) Execute(ctx context.Context, req schema.ActionRequest) (*schema.ActionResult, error) {
	return f.fn(ctx, req)
}

type hookRecorder struct {
	mu    sync.Mutex
	execs []Execution
}

func (r *hookRecorder) hook(_ context.Context, e Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs = append(r.execs, e)
	return nil
}

func (r *hookRecorder) all() []Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Execution(nil), r.execs...)
}

func TestDispatcher_Register(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})

	assert.True(t, schema.IsCode(d.Register(nil), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(d.Register(&funcHandler{}), schema.ErrCodeValidation))

	h := &funcHandler{typ: schema.ActionUpdateCRM}
	require.NoError(t, d.Register(h))
	assert.True(t, schema.IsCode(d.Register(h), schema.ErrCodeConflict))
	assert.True(t, d.Has(schema.ActionUpdateCRM))
	assert.False(t, d.Has(schema.ActionSendEmail))
}

func TestDispatcher_RegisterBuiltins(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	require.NoError(t, RegisterBuiltins(d, Builtins{}))
	assert.Equal(t, []schema.ActionType{
		schema.ActionFireWebhook,
		schema.ActionScheduleCalendar,
		schema.ActionSendEmail,
		schema.ActionUpdateCRM,
	}, d.List())
}

func TestDispatcher_UnknownAction(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	rec := &hookRecorder{}
	d.SetLogger(rec.hook)

	res := d.Execute(context.Background(), schema.ActionRequest{Action: "send_sms", TenantID: "t1"})
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ActionType("send_sms"), res.Action)
	assert.Equal(t, "No handler registered for action: send_sms", res.Error)

	execs := rec.all()
	require.Len(t, execs, 1)
	assert.False(t, execs[0].Success)
	assert.Equal(t, "t1", execs[0].TenantID)
}

func TestDispatcher_HandlerErrorBecomesFailure(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Metrics: metrics.New()})
	require.NoError(t, d.Register(&funcHandler{typ: schema.ActionFireWebhook,
		fn: func(context.Context, schema.ActionRequest) (*schema.ActionResult, error) {
			return nil, errors.New("upstream refused")
		}}))

	res := d.Execute(context.Background(), schema.ActionRequest{Action: schema.ActionFireWebhook})
	assert.False(t, res.Success)
	assert.Equal(t, schema.ActionFireWebhook, res.Action)
	assert.Equal(t, "upstream refused", res.Error)
}

func TestDispatcher_PanicBecomesFailure(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	require.NoError(t, d.Register(&funcHandler{typ: schema.ActionUpdateCRM,
		fn: func(context.Context, schema.ActionRequest) (*schema.ActionResult, error) {
			panic("crm down")
		}}))

	res := d.Execute(context.Background(), schema.ActionRequest{Action: schema.ActionUpdateCRM})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "crm down")
}

func TestDispatcher_NilResultBecomesFailure(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	require.NoError(t, d.Register(&funcHandler{typ: schema.ActionUpdateCRM,
		fn: func(context.Context, schema.ActionRequest) (*schema.ActionResult, error) { return nil, nil }}))

	res := d.Execute(context.Background(), schema.ActionRequest{Action: schema.ActionUpdateCRM})
	assert.False(t, res.Success)
	assert.Equal(t, "action returned no result", res.Error)
}

func TestDispatcher_Timeout(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Timeout: 20 * time.Millisecond})
	require.NoError(t, d.Register(&funcHandler{typ: schema.ActionSendEmail,
		fn: func(ctx context.Context, _ schema.ActionRequest) (*schema.ActionResult, error) {
			time.Sleep(500 * time.Millisecond)
			return schema.ActionSuccess(schema.ActionSendEmail, nil), nil
		}}))

	start := time.Now()
	res := d.Execute(context.Background(), schema.ActionRequest{Action: schema.ActionSendEmail})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestDispatcher_HookReceivesExecution(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	require.NoError(t, d.Register(&funcHandler{typ: schema.ActionUpdateCRM,
		fn: func(_ context.Context, req schema.ActionRequest) (*schema.ActionResult, error) {
			return &schema.ActionResult{Success: true, Data: req.Payload}, nil
		}}))
	rec := &hookRecorder{}
	d.SetLogger(rec.hook)

	payload := map[string]any{"leadId": "l1"}
	res := d.Execute(context.Background(), schema.ActionRequest{Action: schema.ActionUpdateCRM, TenantID: "t1", Payload: payload})
	require.True(t, res.Success)
	assert.Equal(t, schema.ActionUpdateCRM, res.Action, "missing action is filled in")

	execs := rec.all()
	require.Len(t, execs, 1)
	assert.Equal(t, Execution{
		TenantID:   "t1",
		Action:     schema.ActionUpdateCRM,
		Payload:    payload,
		Success:    true,
		DurationMs: execs[0].DurationMs,
	}, execs[0])
	assert.GreaterOrEqual(t, execs[0].DurationMs, int64(0))
}

func TestDispatcher_HookFailuresAreSwallowed(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})
	require.NoError(t, d.Register(&funcHandler{typ: schema.ActionUpdateCRM,
		fn: func(context.Context, schema.ActionRequest) (*schema.ActionResult, error) {
			return schema.ActionSuccess(schema.ActionUpdateCRM, nil), nil
		}}))

	d.SetLogger(func(context.Context, Execution) error { return errors.New("log store down") })
	assert.True(t, d.Execute(context.Background(), schema.ActionRequest{Action: schema.ActionUpdateCRM}).Success)

	d.SetLogger(func(context.Context, Execution) error { panic("hook bug") })
	assert.True(t, d.Execute(context.Background(), schema.ActionRequest{Action: schema.ActionUpdateCRM}).Success)
}
