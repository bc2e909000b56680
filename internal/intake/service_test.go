package intake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/internal/agents"
	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/internal/memory"
	"github.com/rendis/leadflow/internal/rules"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/internal/validation"
	"github.com/rendis/leadflow/pkg/schema"
)

type discard struct{}

func (discard) Publish(context.Context, schema.DomainEvent) {}

type qualifier struct{}

func (qualifier) Type() schema.AgentType { return schema.AgentQualifier }

func (qualifier) Execute(_ context.Context, in schema.AgentInput) (map[string]any, error) {
	return map[string]any{"score": 88.0, "nextAction": "schedule_meeting", "qualificationReason": in.Data["company"]}, nil
}

func newService(t *testing.T, cache *memory.SessionCache) (*Service, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	reg := agents.NewRegistry(time.Second, nil)
	require.NoError(t, reg.Register(qualifier{}))
	orch, err := engine.New(engine.Config{Store: s, Agents: reg, Rules: rules.MustProvider(rules.Booker), Events: discard{}})
	require.NoError(t, err)
	svc, err := New(Config{Store: s, Workflows: orch, Validator: validation.MustJSONSchemaValidator(), Cache: cache})
	require.NoError(t, err)
	return svc, s
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCreateLead(t *testing.T) {
	svc, s := newService(t, nil)

	created, err := svc.CreateLead(context.Background(), "t1", map[string]any{
		"email":   "ana@acme.io",
		"name":    "Ana",
		"company": "Acme",
		"data":    map[string]any{"source": "webinar", "email": "ignored@acme.io"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.Lead.ID)
	assert.Equal(t, "ana@acme.io", created.Lead.Email)

	wf, err := s.GetWorkflow(context.Background(), "t1", created.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, created.Lead.ID, wf.LeadID)
	assert.Equal(t, schema.StateLeadReceived, wf.CurrentState)
	assert.Equal(t, map[string]any{
		"source": "webinar", "email": "ana@acme.io", "name": "Ana", "company": "Acme",
	}, wf.Metadata)

	lead, err := s.GetLead(context.Background(), "t1", created.Lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", lead.Company)
}

func TestCreateLead_Rejects(t *testing.T) {
	svc, _ := newService(t, nil)

	_, err := svc.CreateLead(context.Background(), "", map[string]any{"email": "a@b.co"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = svc.CreateLead(context.Background(), "t1", map[string]any{"name": "no email"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = svc.CreateLead(context.Background(), "t1", map[string]any{"email": "not-an-email"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = svc.CreateLead(context.Background(), "t1", map[string]any{"email": "a@b.co", "leadId": "dup"})
	require.NoError(t, err)
	_, err = svc.CreateLead(context.Background(), "t1", map[string]any{"email": "a@b.co", "leadId": "dup"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestProcessAndStatus(t *testing.T) {
	cache := memory.NewSessionCache(time.Minute)
	svc, _ := newService(t, cache)

	created, err := svc.CreateLead(context.Background(), "t1", map[string]any{"email": "a@b.co", "company": "Acme"})
	require.NoError(t, err)

	status, err := svc.Status(context.Background(), "t1", created.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, "lead_received", status["currentState"])
	assert.Equal(t, 1, cache.Len())

	view, err := svc.Process(context.Background(), "t1", created.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, schema.StateQualified, view.Workflow.CurrentState)
	require.Len(t, view.Logs, 1)
	assert.Equal(t, "Acme", view.Logs[0].Output["qualificationReason"])
	assert.Zero(t, cache.Len(), "processing invalidates the cached status")

	status, err = svc.Status(context.Background(), "t1", created.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, "qualified", status["currentState"])
	assert.Equal(t, int64(2), status["version"])
	assert.Equal(t, "Acme", status[engine.MetadataLastOutput].(map[string]any)["qualificationReason"])

	_, err = svc.Process(context.Background(), "t2", created.WorkflowID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	_, err = svc.Status(context.Background(), "t1", "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestStatus_ExpiresAfterOutOfBandProgress(t *testing.T) {
	s := store.NewMemoryStore()
	reg := agents.NewRegistry(time.Second, nil)
	require.NoError(t, reg.Register(qualifier{}))
	orch, err := engine.New(engine.Config{Store: s, Agents: reg, Rules: rules.MustProvider(rules.Booker), Events: discard{}})
	require.NoError(t, err)
	svc, err := New(Config{
		Store:     s,
		Workflows: orch,
		Validator: validation.MustJSONSchemaValidator(),
		Cache:     memory.NewSessionCache(time.Minute),
		StatusTTL: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	created, err := svc.CreateLead(context.Background(), "t1", map[string]any{"email": "a@b.co"})
	require.NoError(t, err)
	status, err := svc.Status(context.Background(), "t1", created.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, "lead_received", status["currentState"])

	// The worker drives the orchestrator directly; intake never sees it.
	require.NoError(t, orch.ProcessWorkflow(context.Background(), "t1", created.WorkflowID))

	require.Eventually(t, func() bool {
		status, err := svc.Status(context.Background(), "t1", created.WorkflowID)
		return err == nil && status["currentState"] == "qualified"
	}, time.Second, 10*time.Millisecond)
}

func TestNew_DefaultStatusTTL(t *testing.T) {
	svc, _ := newService(t, nil)
	assert.Equal(t, DefaultStatusTTL, svc.statusTTL)
}

func TestHistory(t *testing.T) {
	svc, _ := newService(t, nil)
	created, err := svc.CreateLead(context.Background(), "t1", map[string]any{"email": "a@b.co", "leadId": "lead-7"})
	require.NoError(t, err)

	h, err := svc.History(context.Background(), "t1", "lead-7")
	require.NoError(t, err)
	assert.Equal(t, "a@b.co", h.Lead.Email)
	require.Len(t, h.Workflows, 1)
	assert.Equal(t, created.WorkflowID, h.Workflows[0].ID)
}
