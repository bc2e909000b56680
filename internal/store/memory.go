package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rendis/leadflow/pkg/schema"
)

// MemoryStore is an in-process Store. Records are copied on the way in and
// out so callers never share mutable state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	logs      []*AgentLog
	leads     map[string]*Lead
	meetings  map[string]*Meeting
	reminders map[string]struct{}
	now       func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*Workflow),
		leads:     make(map[string]*Lead),
		meetings:  make(map[string]*Meeting),
		reminders: make(map[string]struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for created/updated stamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) CreateWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf.ID = idOrNew(wf.ID)
	if _, exists := s.workflows[wf.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID)
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = s.now()
	}
	wf.UpdatedAt = wf.CreatedAt
	if wf.Version == 0 {
		wf.Version = 1
	}
	s.workflows[wf.ID] = copyWorkflow(wf)
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, tenantID, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok || wf.TenantID != tenantID {
		return nil, storeNotFound("workflow", id)
	}
	return copyWorkflow(wf), nil
}

func (s *MemoryStore) TransitionWorkflow(_ context.Context, tr WorkflowTransition) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[tr.WorkflowID]
	if !ok || wf.TenantID != tr.TenantID || wf.CurrentState != tr.FromState || wf.Version != tr.FromVersion {
		return nil, transitionConflict(tr)
	}
	wf.CurrentState = tr.ToState
	wf.Metadata = cloneMap(tr.Metadata)
	wf.Version++
	wf.UpdatedAt = s.now()
	return copyWorkflow(wf), nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Workflow
	for _, wf := range s.workflows {
		if filter.TenantID != "" && wf.TenantID != filter.TenantID {
			continue
		}
		if filter.LeadID != "" && wf.LeadID != filter.LeadID {
			continue
		}
		if len(filter.States) > 0 && !slices.Contains(filter.States, wf.CurrentState) {
			continue
		}
		if filter.UpdatedBefore != nil && !wf.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		if c := filter.After; c != nil && (wf.UpdatedAt.Before(c.UpdatedAt) ||
			wf.UpdatedAt.Equal(c.UpdatedAt) && wf.ID <= c.ID) {
			continue
		}
		out = append(out, copyWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateAgentLog(_ context.Context, log *AgentLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.ID = idOrNew(log.ID)
	if log.CreatedAt.IsZero() {
		log.CreatedAt = s.now()
	}
	cp := *log
	cp.Input = cloneMap(log.Input)
	cp.Output = cloneMap(log.Output)
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *MemoryStore) ListAgentLogs(_ context.Context, filter AgentLogFilter) ([]*AgentLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AgentLog
	// Newest first; insertion order breaks ties.
	for i := len(s.logs) - 1; i >= 0; i-- {
		l := s.logs[i]
		if filter.TenantID != "" && l.TenantID != filter.TenantID {
			continue
		}
		if filter.WorkflowID != "" && l.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *l
		cp.Input = cloneMap(l.Input)
		cp.Output = cloneMap(l.Output)
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateLead(_ context.Context, lead *Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lead.ID = idOrNew(lead.ID)
	if _, exists := s.leads[lead.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "lead %q already exists", lead.ID)
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = s.now()
	}
	cp := *lead
	cp.Data = cloneMap(lead.Data)
	s.leads[lead.ID] = &cp
	return nil
}

func (s *MemoryStore) GetLead(_ context.Context, tenantID, id string) (*Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leads[id]
	if !ok || l.TenantID != tenantID {
		return nil, storeNotFound("lead", id)
	}
	cp := *l
	cp.Data = cloneMap(l.Data)
	return &cp, nil
}

func (s *MemoryStore) CreateMeeting(_ context.Context, m *Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leads[m.LeadID]; !ok {
		return storeErr("insert meeting", schema.NewErrorf(schema.ErrCodeNotFound, "lead %q not found", m.LeadID))
	}
	m.ID = idOrNew(m.ID)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	if m.DurationMin == 0 {
		m.DurationMin = 30
	}
	if m.Status == "" {
		m.Status = MeetingProposed
	}
	m.ScheduledAt = m.ScheduledAt.UTC()
	cp := *m
	s.meetings[m.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateMeetingStatus(_ context.Context, tenantID, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok || m.TenantID != tenantID {
		return storeNotFound("meeting", id)
	}
	m.Status = status
	return nil
}

func (s *MemoryStore) ListMeetings(_ context.Context, filter MeetingFilter) ([]*Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Meeting
	for _, m := range s.meetings {
		if filter.TenantID != "" && m.TenantID != filter.TenantID {
			continue
		}
		if filter.LeadID != "" && m.LeadID != filter.LeadID {
			continue
		}
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		if filter.ScheduledAfter != nil && !m.ScheduledAt.After(*filter.ScheduledAfter) {
			continue
		}
		if filter.ScheduledBefore != nil && m.ScheduledAt.After(*filter.ScheduledBefore) {
			continue
		}
		cp := *m
		if l, ok := s.leads[m.LeadID]; ok {
			cp.LeadEmail = l.Email
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimReminder(_ context.Context, meetingID, windowKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := meetingID + "|" + windowKey
	if _, sent := s.reminders[key]; sent {
		return false, nil
	}
	s.reminders[key] = struct{}{}
	return true, nil
}

func copyWorkflow(wf *Workflow) *Workflow {
	cp := *wf
	cp.AllowedAgents = slices.Clone(wf.AllowedAgents)
	cp.Metadata = cloneMap(wf.Metadata)
	if cp.Metadata == nil {
		cp.Metadata = map[string]any{}
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
