package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/leadflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/leadflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

const workflowColumns = `id, tenant_id, lead_id, workflow_type, current_state, goal, allowed_agents, metadata, product, version, created_at, updated_at`

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	wf.ID = idOrNew(wf.ID)
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = wf.CreatedAt
	if wf.Version == 0 {
		wf.Version = 1
	}
	agents, err := marshalAgents(wf.AllowedAgents)
	if err != nil {
		return fmt.Errorf("marshal allowed_agents: %w", err)
	}
	metadata, err := marshalMapOrDefault(wf.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.TenantID, wf.LeadID, string(wf.WorkflowType), string(wf.CurrentState), wf.Goal,
		agents, metadata, nullStr(wf.Product), wf.Version,
		encodeTime(wf.CreatedAt), encodeTime(wf.UpdatedAt),
	)
	return storeErr("insert workflow", err)
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, tenantID, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ? AND tenant_id = ?`, id, tenantID)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, storeErr("get workflow", err)
	}
	return wf, nil
}

// TransitionWorkflow applies the state change only if the row still matches
// FromState and FromVersion. A lost race yields a CONFLICT error.
func (s *LibSQLStore) TransitionWorkflow(ctx context.Context, tr WorkflowTransition) (*Workflow, error) {
	metadata, err := marshalMapOrDefault(tr.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET current_state = ?, metadata = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND tenant_id = ? AND current_state = ? AND version = ?`,
		string(tr.ToState), metadata, encodeTime(now),
		tr.WorkflowID, tr.TenantID, string(tr.FromState), tr.FromVersion,
	)
	if err != nil {
		return nil, storeErr("transition workflow", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr("transition workflow", err)
	}
	if n == 0 {
		return nil, transitionConflict(tr)
	}
	return s.GetWorkflow(ctx, tr.TenantID, tr.WorkflowID)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.LeadID != "" {
		where = append(where, "lead_id = ?")
		args = append(args, filter.LeadID)
	}
	if len(filter.States) > 0 {
		where = append(where, "current_state IN ("+placeholders(len(filter.States))+")")
		for _, st := range stateStrings(filter.States) {
			args = append(args, st)
		}
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, encodeTime(*filter.UpdatedBefore))
	}
	if c := filter.After; c != nil {
		at := encodeTime(c.UpdatedAt)
		where = append(where, "(updated_at > ? OR (updated_at = ? AND id > ?))")
		args = append(args, at, at, c.ID)
	}

	query := "SELECT " + workflowColumns + " FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list workflows", err)
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, storeErr("scan workflow", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var (
		wfType, state, agents, metadata string
		product                         sql.NullString
		createdAt, updatedAt            string
	)
	if err := row.Scan(&wf.ID, &wf.TenantID, &wf.LeadID, &wfType, &state, &wf.Goal,
		&agents, &metadata, &product, &wf.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	wf.WorkflowType = schema.WorkflowType(wfType)
	wf.CurrentState = schema.WorkflowState(state)
	wf.Product = product.String
	var err error
	if wf.AllowedAgents, err = unmarshalAgents(agents); err != nil {
		return nil, fmt.Errorf("unmarshal allowed_agents: %w", err)
	}
	if wf.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if wf.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if wf.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return wf, nil
}

// --- Agent logs ---

func (s *LibSQLStore) CreateAgentLog(ctx context.Context, log *AgentLog) error {
	log.ID = idOrNew(log.ID)
	log.CreatedAt = timeOrNow(log.CreatedAt)
	input, err := marshalMapOrDefault(log.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := marshalMapOrDefault(log.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_logs (id, tenant_id, workflow_id, agent_type, input, output, duration_ms, success, error, product, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.TenantID, log.WorkflowID, log.AgentType, input, output,
		log.DurationMs, log.Success, nullStr(log.Error), nullStr(log.Product), encodeTime(log.CreatedAt),
	)
	return storeErr("insert agent log", err)
}

func (s *LibSQLStore) ListAgentLogs(ctx context.Context, filter AgentLogFilter) ([]*AgentLog, error) {
	query := `SELECT id, tenant_id, workflow_id, agent_type, input, output, duration_ms, success, error, product, created_at
		FROM agent_logs WHERE tenant_id = ?`
	args := []any{filter.TenantID}
	if filter.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list agent logs", err)
	}
	defer rows.Close()

	var logs []*AgentLog
	for rows.Next() {
		l := &AgentLog{}
		var (
			input, output, errMsg, product sql.NullString
			createdAt                      string
		)
		if err := rows.Scan(&l.ID, &l.TenantID, &l.WorkflowID, &l.AgentType, &input, &output,
			&l.DurationMs, &l.Success, &errMsg, &product, &createdAt); err != nil {
			return nil, storeErr("scan agent log", err)
		}
		l.Error = errMsg.String
		l.Product = product.String
		if l.Input, err = unmarshalMap(input.String); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
		if l.Output, err = unmarshalMap(output.String); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
		if l.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Leads ---

func (s *LibSQLStore) CreateLead(ctx context.Context, lead *Lead) error {
	lead.ID = idOrNew(lead.ID)
	lead.CreatedAt = timeOrNow(lead.CreatedAt)
	data, err := marshalMapOrDefault(lead.Data)
	if err != nil {
		return fmt.Errorf("marshal lead data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO leads (id, tenant_id, email, name, company, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lead.ID, lead.TenantID, lead.Email, nullStr(lead.Name), nullStr(lead.Company), data, encodeTime(lead.CreatedAt),
	)
	return storeErr("insert lead", err)
}

func (s *LibSQLStore) GetLead(ctx context.Context, tenantID, id string) (*Lead, error) {
	l := &Lead{}
	var (
		name, company   sql.NullString
		data, createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, email, name, company, data, created_at FROM leads WHERE id = ? AND tenant_id = ?`,
		id, tenantID,
	).Scan(&l.ID, &l.TenantID, &l.Email, &name, &company, &data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("lead", id)
	}
	if err != nil {
		return nil, storeErr("get lead", err)
	}
	l.Name = name.String
	l.Company = company.String
	if l.Data, err = unmarshalMap(data); err != nil {
		return nil, fmt.Errorf("unmarshal lead data: %w", err)
	}
	if l.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	return l, nil
}

// --- Meetings ---

func (s *LibSQLStore) CreateMeeting(ctx context.Context, m *Meeting) error {
	m.ID = idOrNew(m.ID)
	m.CreatedAt = timeOrNow(m.CreatedAt)
	if m.DurationMin == 0 {
		m.DurationMin = 30
	}
	if m.Status == "" {
		m.Status = MeetingProposed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meetings (id, tenant_id, lead_id, workflow_id, scheduled_at, duration_min, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantID, m.LeadID, nullStr(m.WorkflowID), encodeTime(m.ScheduledAt),
		m.DurationMin, m.Status, encodeTime(m.CreatedAt),
	)
	return storeErr("insert meeting", err)
}

func (s *LibSQLStore) UpdateMeetingStatus(ctx context.Context, tenantID, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET status = ? WHERE id = ? AND tenant_id = ?`, status, id, tenantID)
	if err != nil {
		return storeErr("update meeting", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update meeting", err)
	}
	if n == 0 {
		return storeNotFound("meeting", id)
	}
	return nil
}

func (s *LibSQLStore) ListMeetings(ctx context.Context, filter MeetingFilter) ([]*Meeting, error) {
	var where []string
	var args []any
	if filter.TenantID != "" {
		where = append(where, "m.tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.LeadID != "" {
		where = append(where, "m.lead_id = ?")
		args = append(args, filter.LeadID)
	}
	if filter.Status != "" {
		where = append(where, "m.status = ?")
		args = append(args, filter.Status)
	}
	if filter.ScheduledAfter != nil {
		where = append(where, "m.scheduled_at > ?")
		args = append(args, encodeTime(*filter.ScheduledAfter))
	}
	if filter.ScheduledBefore != nil {
		where = append(where, "m.scheduled_at <= ?")
		args = append(args, encodeTime(*filter.ScheduledBefore))
	}

	query := `SELECT m.id, m.tenant_id, m.lead_id, m.workflow_id, m.scheduled_at, m.duration_min, m.status, m.created_at, COALESCE(l.email, '')
		FROM meetings m LEFT JOIN leads l ON l.id = m.lead_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY m.scheduled_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list meetings", err)
	}
	defer rows.Close()

	var meetings []*Meeting
	for rows.Next() {
		m := &Meeting{}
		var (
			workflowID             sql.NullString
			scheduledAt, createdAt string
		)
		if err := rows.Scan(&m.ID, &m.TenantID, &m.LeadID, &workflowID, &scheduledAt,
			&m.DurationMin, &m.Status, &createdAt, &m.LeadEmail); err != nil {
			return nil, storeErr("scan meeting", err)
		}
		m.WorkflowID = workflowID.String
		if m.ScheduledAt, err = decodeTime(scheduledAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}

// --- Reminder ledger ---

func (s *LibSQLStore) ClaimReminder(ctx context.Context, meetingID, windowKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_ledger (meeting_id, window_key, sent_at) VALUES (?, ?, ?)
		 ON CONFLICT(meeting_id, window_key) DO NOTHING`,
		meetingID, windowKey, encodeTime(time.Now()),
	)
	if err != nil {
		return false, storeErr("claim reminder", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("claim reminder", err)
	}
	return n == 1, nil
}

var _ Store = (*LibSQLStore)(nil)
