package memory

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/leadflow/internal/store"
)

// View limits.
const (
	WorkflowLogLimit     = 10
	HistoryWorkflowLimit = 5
	HistoryMeetingLimit  = 5
)

// Reader is the read side of the store used by the entity views.
type Reader interface {
	GetWorkflow(ctx context.Context, tenantID, id string) (*store.Workflow, error)
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error)
	ListAgentLogs(ctx context.Context, filter store.AgentLogFilter) ([]*store.AgentLog, error)
	GetLead(ctx context.Context, tenantID, id string) (*store.Lead, error)
	ListMeetings(ctx context.Context, filter store.MeetingFilter) ([]*store.Meeting, error)
}

// WorkflowView is a workflow with its most recent agent logs, newest first.
type WorkflowView struct {
	Workflow *store.Workflow   `json:"workflow"`
	Logs     []*store.AgentLog `json:"logs"`
}

// LeadHistory is everything known about one lead.
type LeadHistory struct {
	Lead      *store.Lead       `json:"lead"`
	Workflows []*store.Workflow `json:"workflows"`
	Meetings  []*store.Meeting  `json:"meetings"`
}

// Entities assembles tenant-scoped read views.
type Entities struct {
	store Reader
}

func NewEntities(r Reader) *Entities {
	return &Entities{store: r}
}

// Workflow returns the workflow and its latest logs.
func (e *Entities) Workflow(ctx context.Context, tenantID, workflowID string) (*WorkflowView, error) {
	wf, err := e.store.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	logs, err := e.store.ListAgentLogs(ctx, store.AgentLogFilter{
		TenantID:   tenantID,
		WorkflowID: workflowID,
		Limit:      WorkflowLogLimit,
	})
	if err != nil {
		return nil, err
	}
	return &WorkflowView{Workflow: wf, Logs: logs}, nil
}

// LeadHistory loads the lead with its recent workflows and meetings.
// Workflows are newest first.
func (e *Entities) LeadHistory(ctx context.Context, tenantID, leadID string) (*LeadHistory, error) {
	lead, err := e.store.GetLead(ctx, tenantID, leadID)
	if err != nil {
		return nil, err
	}

	h := &LeadHistory{Lead: lead}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wfs, err := e.store.ListWorkflows(gctx, store.WorkflowFilter{TenantID: tenantID, LeadID: leadID})
		if err != nil {
			return err
		}
		// ListWorkflows is oldest first.
		for i := len(wfs) - 1; i >= 0 && len(h.Workflows) < HistoryWorkflowLimit; i-- {
			h.Workflows = append(h.Workflows, wfs[i])
		}
		return nil
	})
	g.Go(func() error {
		ms, err := e.store.ListMeetings(gctx, store.MeetingFilter{
			TenantID: tenantID,
			LeadID:   leadID,
			Limit:    HistoryMeetingLimit,
		})
		h.Meetings = ms
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if h.Workflows == nil {
		h.Workflows = []*store.Workflow{}
	}
	if h.Meetings == nil {
		h.Meetings = []*store.Meeting{}
	}
	return h, nil
}
