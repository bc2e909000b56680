package schema

// AgentInput is the structured input handed to an agent.
type AgentInput struct {
	TenantID   string         `json:"tenantId"`
	LeadID     string         `json:"leadId"`
	WorkflowID string         `json:"workflowId"`
	Data       map[string]any `json:"data"`
}

// QualifierOutput is the validated output of the qualifier agent.
type QualifierOutput struct {
	Score               float64 `json:"score"`
	QualificationReason string  `json:"qualificationReason"`
	NextAction          string  `json:"nextAction"`
}

// SchedulerOutput is the validated output of the scheduler agent.
type SchedulerOutput struct {
	MeetingScheduled bool   `json:"meetingScheduled"`
	ProposedTime     string `json:"proposedTime,omitempty"`
	MeetingID        string `json:"meetingId,omitempty"`
	Reason           string `json:"reason,omitempty"`
	LeadEmail        string `json:"leadEmail,omitempty"`
}

// FollowupOutput is the validated output of the followup agent.
type FollowupOutput struct {
	Message   string `json:"message"`
	Channel   string `json:"channel"`
	Escalate  bool   `json:"escalate"`
	LeadEmail string `json:"leadEmail,omitempty"`
}
