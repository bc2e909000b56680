package store

import (
	"time"

	"github.com/rendis/leadflow/pkg/schema"
)

// Workflow is one lead's progression through a product's process.
type Workflow struct {
	ID            string               `json:"id"`
	TenantID      string               `json:"tenantId"`
	LeadID        string               `json:"leadId"`
	WorkflowType  schema.WorkflowType  `json:"workflowType"`
	CurrentState  schema.WorkflowState `json:"currentState"`
	Goal          string               `json:"goal"`
	AllowedAgents []schema.AgentType   `json:"allowedAgents"`
	Metadata      map[string]any       `json:"metadata"`
	Product       string               `json:"product,omitempty"`
	Version       int64                `json:"version"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

// AgentLog is the write-once audit record of one agent (or action) invocation.
type AgentLog struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenantId"`
	WorkflowID string         `json:"workflowId"`
	AgentType  string         `json:"agentType"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	DurationMs int64          `json:"durationMs"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Product    string         `json:"product,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Lead is the subject of a workflow.
type Lead struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenantId"`
	Email     string         `json:"email"`
	Name      string         `json:"name,omitempty"`
	Company   string         `json:"company,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Meeting statuses.
const (
	MeetingProposed  = "proposed"
	MeetingConfirmed = "confirmed"
	MeetingCancelled = "cancelled"
	MeetingCompleted = "completed"
)

// Meeting is a booked slot with a lead. LeadEmail is populated on reads.
type Meeting struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	LeadID      string    `json:"leadId"`
	WorkflowID  string    `json:"workflowId,omitempty"`
	ScheduledAt time.Time `json:"scheduledAt"`
	DurationMin int       `json:"durationMin"`
	Status      string    `json:"status"`
	LeadEmail   string    `json:"leadEmail,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// --- Filter and update types ---

// WorkflowFilter selects workflows. Empty fields do not filter.
type WorkflowFilter struct {
	TenantID      string                 `json:"tenantId,omitempty"`
	LeadID        string                 `json:"leadId,omitempty"`
	States        []schema.WorkflowState `json:"states,omitempty"`
	UpdatedBefore *time.Time             `json:"updatedBefore,omitempty"`
	// After resumes a listing strictly past a previous page's last row.
	After *WorkflowCursor `json:"after,omitempty"`
	Limit int             `json:"limit,omitempty"`
}

// WorkflowCursor is a position in the (UpdatedAt, ID) order ListWorkflows
// returns.
type WorkflowCursor struct {
	UpdatedAt time.Time `json:"updatedAt"`
	ID        string    `json:"id"`
}

// CursorOf returns the position of wf.
func CursorOf(wf *Workflow) *WorkflowCursor {
	return &WorkflowCursor{UpdatedAt: wf.UpdatedAt, ID: wf.ID}
}

// WorkflowTransition is a conditional state change. It applies only while the
// row still has FromState and FromVersion.
type WorkflowTransition struct {
	TenantID    string
	WorkflowID  string
	FromState   schema.WorkflowState
	FromVersion int64
	ToState     schema.WorkflowState
	Metadata    map[string]any
}

// AgentLogFilter selects agent logs, newest first.
type AgentLogFilter struct {
	TenantID   string `json:"tenantId"`
	WorkflowID string `json:"workflowId,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// MeetingFilter selects meetings. The schedule window is (ScheduledAfter, ScheduledBefore].
type MeetingFilter struct {
	TenantID        string     `json:"tenantId,omitempty"`
	LeadID          string     `json:"leadId,omitempty"`
	Status          string     `json:"status,omitempty"`
	ScheduledAfter  *time.Time `json:"scheduledAfter,omitempty"`
	ScheduledBefore *time.Time `json:"scheduledBefore,omitempty"`
	Limit           int        `json:"limit,omitempty"`
}
