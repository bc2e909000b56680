package schema

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a domain event. The set is closed.
type EventType string

const (
	EventLeadCreated       EventType = "lead_created"
	EventLeadQualified     EventType = "lead_qualified"
	EventMeetingScheduled  EventType = "meeting_scheduled"
	EventMeetingConfirmed  EventType = "meeting_confirmed"
	EventNoResponse        EventType = "no_response"
	EventFollowupRequired  EventType = "followup_required"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
)

// EventTypes lists every known event type in declaration order.
var EventTypes = []EventType{
	EventLeadCreated,
	EventLeadQualified,
	EventMeetingScheduled,
	EventMeetingConfirmed,
	EventNoResponse,
	EventFollowupRequired,
	EventWorkflowCompleted,
	EventWorkflowFailed,
}

// Valid reports whether t belongs to the closed event set.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Payload keys shared by publishers and subscribers.
const (
	PayloadWorkflowID  = "workflowId"
	PayloadLeadID      = "leadId"
	PayloadAgentOutput = "agentOutput"
)

// DomainEvent is a typed, tenant-scoped notification.
type DomainEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	TenantID  string         `json:"tenantId"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds a DomainEvent with a fresh ID and the current UTC time.
func NewEvent(eventType EventType, tenantID string, payload map[string]any) DomainEvent {
	if payload == nil {
		payload = map[string]any{}
	}
	return DomainEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		TenantID:  tenantID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// PayloadString returns the string stored under key, or "".
func (e DomainEvent) PayloadString(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// AgentOutput returns the agentOutput object carried by step events, or nil.
func (e DomainEvent) AgentOutput() map[string]any {
	out, _ := e.Payload[PayloadAgentOutput].(map[string]any)
	return out
}
