package store

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/pkg/schema"
)

// runStoreSuite exercises the Store contract. Each backend's test file calls
// it with its own constructor.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("WorkflowRoundTrip", func(t *testing.T) { testWorkflowRoundTrip(t, newStore(t)) })
	t.Run("WorkflowTenantScoping", func(t *testing.T) { testWorkflowTenantScoping(t, newStore(t)) })
	t.Run("TransitionConflict", func(t *testing.T) { testTransitionConflict(t, newStore(t)) })
	t.Run("ConcurrentTransitions", func(t *testing.T) { testConcurrentTransitions(t, newStore(t)) })
	t.Run("ListStaleWorkflows", func(t *testing.T) { testListStaleWorkflows(t, newStore(t)) })
	t.Run("ListWorkflowsAfterCursor", func(t *testing.T) { testListWorkflowsAfterCursor(t, newStore(t)) })
	t.Run("AgentLogs", func(t *testing.T) { testAgentLogs(t, newStore(t)) })
	t.Run("Leads", func(t *testing.T) { testLeads(t, newStore(t)) })
	t.Run("MeetingsWindow", func(t *testing.T) { testMeetingsWindow(t, newStore(t)) })
	t.Run("ClaimReminder", func(t *testing.T) { testClaimReminder(t, newStore(t)) })
	t.Run("TimestampRoundTrip", func(t *testing.T) { testTimestampRoundTrip(t, newStore(t)) })
}

func seedWorkflow(t *testing.T, s Store, tenant string, state schema.WorkflowState, createdAt time.Time) *Workflow {
	t.Helper()
	wf := &Workflow{
		TenantID:      tenant,
		LeadID:        "lead-" + string(state),
		WorkflowType:  schema.WorkflowTypeLead,
		CurrentState:  state,
		Goal:          "book_meeting",
		AllowedAgents: []schema.AgentType{schema.AgentQualifier, schema.AgentScheduler},
		Metadata:      map[string]any{"email": "a@b.co"},
		Product:       "booker",
		CreatedAt:     createdAt,
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

func testWorkflowRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s, "t1", schema.StateLeadReceived, time.Time{})
	assert.NotEmpty(t, wf.ID)
	assert.Equal(t, int64(1), wf.Version)

	got, err := s.GetWorkflow(ctx, "t1", wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.LeadID, got.LeadID)
	assert.Equal(t, schema.StateLeadReceived, got.CurrentState)
	assert.Equal(t, schema.WorkflowTypeLead, got.WorkflowType)
	assert.Equal(t, []schema.AgentType{schema.AgentQualifier, schema.AgentScheduler}, got.AllowedAgents)
	assert.Equal(t, "a@b.co", got.Metadata["email"])
	assert.Equal(t, "booker", got.Product)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, time.Minute)
}

func testWorkflowTenantScoping(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s, "t1", schema.StateLeadReceived, time.Time{})

	_, err := s.GetWorkflow(ctx, "t2", wf.ID)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = s.TransitionWorkflow(ctx, WorkflowTransition{
		TenantID: "t2", WorkflowID: wf.ID,
		FromState: schema.StateLeadReceived, FromVersion: 1, ToState: schema.StateQualified,
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func testTransitionConflict(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s, "t1", schema.StateLeadReceived, time.Time{})

	updated, err := s.TransitionWorkflow(ctx, WorkflowTransition{
		TenantID: "t1", WorkflowID: wf.ID,
		FromState: schema.StateLeadReceived, FromVersion: 1, ToState: schema.StateQualified,
		Metadata: map[string]any{"email": "a@b.co", "lastAgentOutput": map[string]any{"score": float64(90)}},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StateQualified, updated.CurrentState)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, map[string]any{"score": float64(90)}, updated.Metadata["lastAgentOutput"])
	assert.False(t, updated.UpdatedAt.Before(updated.CreatedAt))

	// Same precondition again: the row has moved on.
	_, err = s.TransitionWorkflow(ctx, WorkflowTransition{
		TenantID: "t1", WorkflowID: wf.ID,
		FromState: schema.StateLeadReceived, FromVersion: 1, ToState: schema.StateFailed,
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	got, err := s.GetWorkflow(ctx, "t1", wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StateQualified, got.CurrentState)
}

func testConcurrentTransitions(t *testing.T, s Store) {
	ctx := context.Background()
	wf := seedWorkflow(t, s, "t1", schema.StateLeadReceived, time.Time{})

	const n = 8
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.TransitionWorkflow(ctx, WorkflowTransition{
				TenantID: "t1", WorkflowID: wf.ID,
				FromState: schema.StateLeadReceived, FromVersion: 1, ToState: schema.StateQualified,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, schema.IsCode(err, schema.ErrCodeConflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)
}

func testListStaleWorkflows(t *testing.T, s Store) {
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)
	stale1 := seedWorkflow(t, s, "t1", schema.StateFollowingUp, old)
	stale2 := seedWorkflow(t, s, "t2", schema.StateQualified, old.Add(time.Hour))
	seedWorkflow(t, s, "t1", schema.StateMeetingScheduled, old)
	seedWorkflow(t, s, "t1", schema.StateLeadReceived, time.Time{})

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	got, err := s.ListWorkflows(ctx, WorkflowFilter{
		States:        []schema.WorkflowState{schema.StateFollowingUp, schema.StateLeadReceived, schema.StateQualified},
		UpdatedBefore: &cutoff,
		Limit:         10,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, stale1.ID, got[0].ID)
	assert.Equal(t, stale2.ID, got[1].ID)

	limited, err := s.ListWorkflows(ctx, WorkflowFilter{UpdatedBefore: &cutoff, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	byTenant, err := s.ListWorkflows(ctx, WorkflowFilter{TenantID: "t2"})
	require.NoError(t, err)
	require.Len(t, byTenant, 1)
	assert.Equal(t, stale2.ID, byTenant[0].ID)
}

func testListWorkflowsAfterCursor(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, seedWorkflow(t, s, "t1", schema.StateQualified, base).ID)
	}
	ids = append(ids, seedWorkflow(t, s, "t1", schema.StateQualified, base.Add(time.Minute)).ID)
	slices.Sort(ids[:3])

	var seen []string
	var after *WorkflowCursor
	for page := 0; page < 3; page++ {
		got, err := s.ListWorkflows(ctx, WorkflowFilter{TenantID: "t1", After: after, Limit: 2})
		require.NoError(t, err)
		for _, wf := range got {
			seen = append(seen, wf.ID)
		}
		if len(got) < 2 {
			break
		}
		after = CursorOf(got[len(got)-1])
	}
	assert.Equal(t, ids, seen)
}

func testAgentLogs(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)
	for i, agent := range []string{"qualifier", "scheduler", "followup"} {
		require.NoError(t, s.CreateAgentLog(ctx, &AgentLog{
			TenantID:   "t1",
			WorkflowID: "wf-1",
			AgentType:  agent,
			Input:      map[string]any{"leadId": "l1"},
			Output:     map[string]any{"step": float64(i)},
			DurationMs: int64(10 * i),
			Success:    i != 2,
			Error:      map[bool]string{true: "", false: "boom"}[i != 2],
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.CreateAgentLog(ctx, &AgentLog{TenantID: "t2", WorkflowID: "wf-1", AgentType: "qualifier", Success: true}))

	logs, err := s.ListAgentLogs(ctx, AgentLogFilter{TenantID: "t1", WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "followup", logs[0].AgentType)
	assert.False(t, logs[0].Success)
	assert.Equal(t, "boom", logs[0].Error)
	assert.Equal(t, "qualifier", logs[2].AgentType)
	assert.Equal(t, "l1", logs[2].Input["leadId"])

	limited, err := s.ListAgentLogs(ctx, AgentLogFilter{TenantID: "t1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testLeads(t *testing.T, s Store) {
	ctx := context.Background()
	lead := &Lead{TenantID: "t1", Email: "jane@acme.io", Name: "Jane", Company: "Acme", Data: map[string]any{"source": "web"}}
	require.NoError(t, s.CreateLead(ctx, lead))
	assert.NotEmpty(t, lead.ID)

	got, err := s.GetLead(ctx, "t1", lead.ID)
	require.NoError(t, err)
	assert.Equal(t, "jane@acme.io", got.Email)
	assert.Equal(t, "Acme", got.Company)
	assert.Equal(t, "web", got.Data["source"])

	_, err = s.GetLead(ctx, "t2", lead.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func testMeetingsWindow(t *testing.T, s Store) {
	ctx := context.Background()
	lead := &Lead{TenantID: "t1", Email: "jane@acme.io"}
	require.NoError(t, s.CreateLead(ctx, lead))

	now := time.Now().UTC().Truncate(time.Second)
	inWindow := &Meeting{TenantID: "t1", LeadID: lead.ID, ScheduledAt: now.Add(30 * time.Minute), Status: MeetingConfirmed}
	edge := &Meeting{TenantID: "t1", LeadID: lead.ID, ScheduledAt: now.Add(time.Hour), Status: MeetingConfirmed}
	past := &Meeting{TenantID: "t1", LeadID: lead.ID, ScheduledAt: now.Add(-time.Minute), Status: MeetingConfirmed}
	later := &Meeting{TenantID: "t1", LeadID: lead.ID, ScheduledAt: now.Add(2 * time.Hour), Status: MeetingConfirmed}
	proposed := &Meeting{TenantID: "t1", LeadID: lead.ID, ScheduledAt: now.Add(10 * time.Minute)}
	for _, m := range []*Meeting{inWindow, edge, past, later, proposed} {
		require.NoError(t, s.CreateMeeting(ctx, m))
	}
	assert.Equal(t, MeetingProposed, proposed.Status)
	assert.Equal(t, 30, proposed.DurationMin)

	end := now.Add(time.Hour)
	got, err := s.ListMeetings(ctx, MeetingFilter{
		Status: MeetingConfirmed, ScheduledAfter: &now, ScheduledBefore: &end, Limit: 20,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, inWindow.ID, got[0].ID)
	assert.Equal(t, edge.ID, got[1].ID)
	assert.Equal(t, "jane@acme.io", got[0].LeadEmail)

	require.NoError(t, s.UpdateMeetingStatus(ctx, "t1", inWindow.ID, MeetingCancelled))
	got, err = s.ListMeetings(ctx, MeetingFilter{Status: MeetingConfirmed, ScheduledAfter: &now, ScheduledBefore: &end})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	err = s.UpdateMeetingStatus(ctx, "t2", edge.ID, MeetingCancelled)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func testClaimReminder(t *testing.T, s Store) {
	ctx := context.Background()
	ok, err := s.ClaimReminder(ctx, "m1", "2026-01-01T10:00:00Z")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimReminder(ctx, "m1", "2026-01-01T10:00:00Z")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ClaimReminder(ctx, "m1", "2026-01-01T11:00:00Z")
	require.NoError(t, err)
	assert.True(t, ok)
}

func testTimestampRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	for _, at := range []time.Time{
		time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 2, 10, 0, 0, 120_000_000, time.UTC),
	} {
		name := at.Format(time.RFC3339Nano)

		wf := seedWorkflow(t, s, "t1", schema.StateQualified, at)
		got, err := s.GetWorkflow(ctx, "t1", wf.ID)
		require.NoError(t, err, name)
		assert.True(t, at.Equal(got.CreatedAt), name)
		assert.True(t, at.Equal(got.UpdatedAt), name)

		before := at.Add(time.Second)
		stale, err := s.ListWorkflows(ctx, WorkflowFilter{TenantID: "t1", UpdatedBefore: &before})
		require.NoError(t, err, name)
		assert.NotEmpty(t, stale, name)

		require.NoError(t, s.CreateAgentLog(ctx, &AgentLog{
			TenantID: "t1", WorkflowID: wf.ID, AgentType: string(schema.AgentQualifier), Success: true, CreatedAt: at,
		}))
		logs, err := s.ListAgentLogs(ctx, AgentLogFilter{TenantID: "t1", WorkflowID: wf.ID})
		require.NoError(t, err, name)
		require.Len(t, logs, 1, name)
		assert.True(t, at.Equal(logs[0].CreatedAt), name)

		lead := &Lead{TenantID: "t1", Email: "jane@acme.io", CreatedAt: at}
		require.NoError(t, s.CreateLead(ctx, lead))
		gotLead, err := s.GetLead(ctx, "t1", lead.ID)
		require.NoError(t, err, name)
		assert.True(t, at.Equal(gotLead.CreatedAt), name)

		m := &Meeting{TenantID: "t1", LeadID: lead.ID, ScheduledAt: at.Add(time.Hour), Status: MeetingConfirmed, CreatedAt: at}
		require.NoError(t, s.CreateMeeting(ctx, m))
		meetings, err := s.ListMeetings(ctx, MeetingFilter{TenantID: "t1", LeadID: lead.ID})
		require.NoError(t, err, name)
		require.Len(t, meetings, 1, name)
		assert.True(t, at.Add(time.Hour).Equal(meetings[0].ScheduledAt), name)
		assert.True(t, at.Equal(meetings[0].CreatedAt), name)
	}
}
