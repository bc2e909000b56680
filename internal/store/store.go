package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, tenantID, id string) (*Workflow, error)
	TransitionWorkflow(ctx context.Context, tr WorkflowTransition) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	// Agent logs (append-only)
	CreateAgentLog(ctx context.Context, log *AgentLog) error
	ListAgentLogs(ctx context.Context, filter AgentLogFilter) ([]*AgentLog, error)

	// Leads
	CreateLead(ctx context.Context, lead *Lead) error
	GetLead(ctx context.Context, tenantID, id string) (*Lead, error)

	// Meetings
	CreateMeeting(ctx context.Context, m *Meeting) error
	UpdateMeetingStatus(ctx context.Context, tenantID, id, status string) error
	ListMeetings(ctx context.Context, filter MeetingFilter) ([]*Meeting, error)

	// ClaimReminder records that a reminder for (meetingID, windowKey) is being
	// sent. It returns false if the pair was already claimed.
	ClaimReminder(ctx context.Context, meetingID, windowKey string) (bool, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
