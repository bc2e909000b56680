package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/leadflow/pkg/schema"
)

// PostgresStore implements the Store interface on PostgreSQL through pgxpool.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore parses dsn and connects a new pool.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresStore(pool), nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// Migrate applies pending postgres migrations inside one transaction each.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	if err := s.db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			for _, stmt := range splitStatements(m.SQL) {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_version (version, name) VALUES ($1, $2)`, m.Version, m.Name)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// --- Workflows ---

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
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
	_, err = s.db.Exec(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		wf.ID, wf.TenantID, wf.LeadID, string(wf.WorkflowType), string(wf.CurrentState), wf.Goal,
		agents, metadata, nullStr(wf.Product), wf.Version, wf.CreatedAt, wf.UpdatedAt,
	)
	return storeErr("insert workflow", err)
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, tenantID, id string) (*Workflow, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	wf, err := scanPgWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, storeErr("get workflow", err)
	}
	return wf, nil
}

func (s *PostgresStore) TransitionWorkflow(ctx context.Context, tr WorkflowTransition) (*Workflow, error) {
	metadata, err := marshalMapOrDefault(tr.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	row := s.db.QueryRow(ctx,
		`UPDATE workflows SET current_state = $1, metadata = $2, version = version + 1, updated_at = $3
		 WHERE id = $4 AND tenant_id = $5 AND current_state = $6 AND version = $7
		 RETURNING `+workflowColumns,
		string(tr.ToState), metadata, time.Now().UTC(),
		tr.WorkflowID, tr.TenantID, string(tr.FromState), tr.FromVersion,
	)
	wf, err := scanPgWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, transitionConflict(tr)
	}
	if err != nil {
		return nil, storeErr("transition workflow", err)
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = "+arg(filter.TenantID))
	}
	if filter.LeadID != "" {
		where = append(where, "lead_id = "+arg(filter.LeadID))
	}
	if len(filter.States) > 0 {
		where = append(where, "current_state = ANY("+arg(stateStrings(filter.States))+")")
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < "+arg(filter.UpdatedBefore.UTC()))
	}
	if c := filter.After; c != nil {
		where = append(where, "(updated_at, id) > ("+arg(c.UpdatedAt.UTC())+", "+arg(c.ID)+")")
	}
	query := "SELECT " + workflowColumns + " FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list workflows", err)
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanPgWorkflow(rows)
		if err != nil {
			return nil, storeErr("scan workflow", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func scanPgWorkflow(row pgx.Row) (*Workflow, error) {
	wf := &Workflow{}
	var (
		wfType, state    string
		agents, metadata []byte
		product          *string
	)
	if err := row.Scan(&wf.ID, &wf.TenantID, &wf.LeadID, &wfType, &state, &wf.Goal,
		&agents, &metadata, &product, &wf.Version, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.WorkflowType = schema.WorkflowType(wfType)
	wf.CurrentState = schema.WorkflowState(state)
	if product != nil {
		wf.Product = *product
	}
	var err error
	if wf.AllowedAgents, err = unmarshalAgents(string(agents)); err != nil {
		return nil, fmt.Errorf("unmarshal allowed_agents: %w", err)
	}
	if wf.Metadata, err = unmarshalMap(string(metadata)); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	wf.CreatedAt = wf.CreatedAt.UTC()
	wf.UpdatedAt = wf.UpdatedAt.UTC()
	return wf, nil
}

// --- Agent logs ---

func (s *PostgresStore) CreateAgentLog(ctx context.Context, log *AgentLog) error {
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
	_, err = s.db.Exec(ctx,
		`INSERT INTO agent_logs (id, tenant_id, workflow_id, agent_type, input, output, duration_ms, success, error, product, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		log.ID, log.TenantID, log.WorkflowID, log.AgentType, input, output,
		log.DurationMs, log.Success, nullStr(log.Error), nullStr(log.Product), log.CreatedAt,
	)
	return storeErr("insert agent log", err)
}

func (s *PostgresStore) ListAgentLogs(ctx context.Context, filter AgentLogFilter) ([]*AgentLog, error) {
	query := `SELECT id, tenant_id, workflow_id, agent_type, input, output, duration_ms, success, error, product, created_at
		FROM agent_logs WHERE tenant_id = $1`
	args := []any{filter.TenantID}
	if filter.WorkflowID != "" {
		query += " AND workflow_id = $2"
		args = append(args, filter.WorkflowID)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list agent logs", err)
	}
	defer rows.Close()

	var logs []*AgentLog
	for rows.Next() {
		l := &AgentLog{}
		var (
			input, output   []byte
			errMsg, product *string
		)
		if err := rows.Scan(&l.ID, &l.TenantID, &l.WorkflowID, &l.AgentType, &input, &output,
			&l.DurationMs, &l.Success, &errMsg, &product, &l.CreatedAt); err != nil {
			return nil, storeErr("scan agent log", err)
		}
		if errMsg != nil {
			l.Error = *errMsg
		}
		if product != nil {
			l.Product = *product
		}
		if l.Input, err = unmarshalMap(string(input)); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
		if l.Output, err = unmarshalMap(string(output)); err != nil {
			return nil, fmt.Errorf("unmarshal output: %w", err)
		}
		l.CreatedAt = l.CreatedAt.UTC()
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Leads ---

func (s *PostgresStore) CreateLead(ctx context.Context, lead *Lead) error {
	lead.ID = idOrNew(lead.ID)
	lead.CreatedAt = timeOrNow(lead.CreatedAt)
	data, err := marshalMapOrDefault(lead.Data)
	if err != nil {
		return fmt.Errorf("marshal lead data: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO leads (id, tenant_id, email, name, company, data, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		lead.ID, lead.TenantID, lead.Email, nullStr(lead.Name), nullStr(lead.Company), data, lead.CreatedAt,
	)
	return storeErr("insert lead", err)
}

func (s *PostgresStore) GetLead(ctx context.Context, tenantID, id string) (*Lead, error) {
	l := &Lead{}
	var (
		name, company *string
		data          []byte
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, tenant_id, email, name, company, data, created_at FROM leads WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	).Scan(&l.ID, &l.TenantID, &l.Email, &name, &company, &data, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("lead", id)
	}
	if err != nil {
		return nil, storeErr("get lead", err)
	}
	if name != nil {
		l.Name = *name
	}
	if company != nil {
		l.Company = *company
	}
	if err := json.Unmarshal(data, &l.Data); err != nil {
		return nil, fmt.Errorf("unmarshal lead data: %w", err)
	}
	l.CreatedAt = l.CreatedAt.UTC()
	return l, nil
}

// --- Meetings ---

func (s *PostgresStore) CreateMeeting(ctx context.Context, m *Meeting) error {
	m.ID = idOrNew(m.ID)
	m.CreatedAt = timeOrNow(m.CreatedAt)
	if m.DurationMin == 0 {
		m.DurationMin = 30
	}
	if m.Status == "" {
		m.Status = MeetingProposed
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO meetings (id, tenant_id, lead_id, workflow_id, scheduled_at, duration_min, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.TenantID, m.LeadID, nullStr(m.WorkflowID), m.ScheduledAt.UTC(), m.DurationMin, m.Status, m.CreatedAt,
	)
	return storeErr("insert meeting", err)
}

func (s *PostgresStore) UpdateMeetingStatus(ctx context.Context, tenantID, id, status string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE meetings SET status = $1 WHERE id = $2 AND tenant_id = $3`, status, id, tenantID)
	if err != nil {
		return storeErr("update meeting", err)
	}
	if tag.RowsAffected() == 0 {
		return storeNotFound("meeting", id)
	}
	return nil
}

func (s *PostgresStore) ListMeetings(ctx context.Context, filter MeetingFilter) ([]*Meeting, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.TenantID != "" {
		where = append(where, "m.tenant_id = "+arg(filter.TenantID))
	}
	if filter.LeadID != "" {
		where = append(where, "m.lead_id = "+arg(filter.LeadID))
	}
	if filter.Status != "" {
		where = append(where, "m.status = "+arg(filter.Status))
	}
	if filter.ScheduledAfter != nil {
		where = append(where, "m.scheduled_at > "+arg(filter.ScheduledAfter.UTC()))
	}
	if filter.ScheduledBefore != nil {
		where = append(where, "m.scheduled_at <= "+arg(filter.ScheduledBefore.UTC()))
	}
	query := `SELECT m.id, m.tenant_id, m.lead_id, COALESCE(m.workflow_id, ''), m.scheduled_at, m.duration_min, m.status, m.created_at, COALESCE(l.email, '')
		FROM meetings m LEFT JOIN leads l ON l.id = m.lead_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY m.scheduled_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list meetings", err)
	}
	defer rows.Close()

	var meetings []*Meeting
	for rows.Next() {
		m := &Meeting{}
		if err := rows.Scan(&m.ID, &m.TenantID, &m.LeadID, &m.WorkflowID, &m.ScheduledAt,
			&m.DurationMin, &m.Status, &m.CreatedAt, &m.LeadEmail); err != nil {
			return nil, storeErr("scan meeting", err)
		}
		m.ScheduledAt = m.ScheduledAt.UTC()
		m.CreatedAt = m.CreatedAt.UTC()
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}

// --- Reminder ledger ---

func (s *PostgresStore) ClaimReminder(ctx context.Context, meetingID, windowKey string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO reminder_ledger (meeting_id, window_key, sent_at) VALUES ($1, $2, $3)
		 ON CONFLICT (meeting_id, window_key) DO NOTHING`,
		meetingID, windowKey, time.Now().UTC(),
	)
	if err != nil {
		return false, storeErr("claim reminder", err)
	}
	return tag.RowsAffected() == 1, nil
}

var _ Store = (*PostgresStore)(nil)
