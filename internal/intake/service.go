// Package intake is the entry point shared by the HTTP API and the MCP
// server: it registers leads, starts their workflows and serves status reads.
package intake

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/memory"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/internal/validation"
	"github.com/rendis/leadflow/pkg/schema"
)

// DefaultStatusTTL bounds how stale a cached status can be. The worker and
// poller advance workflows without going through intake, often from other
// processes, so expiry is what keeps Status honest.
const DefaultStatusTTL = 5 * time.Second

// Workflows is the orchestrator surface intake drives.
type Workflows interface {
	CreateWorkflow(ctx context.Context, tenantID, leadID string, data map[string]any) (string, error)
	ProcessWorkflow(ctx context.Context, tenantID, workflowID string) error
}

// Store is what intake reads and writes directly.
type Store interface {
	memory.Reader
	CreateLead(ctx context.Context, lead *store.Lead) error
}

// Config wires a Service.
type Config struct {
	Store     Store
	Workflows Workflows
	Validator validation.Validator
	// Cache holds status summaries; nil disables caching.
	Cache *memory.SessionCache
	// StatusTTL is the lifetime of a cached status (DefaultStatusTTL if <= 0).
	StatusTTL time.Duration
	Logger    *slog.Logger
}

// Service implements the intake operations.
type Service struct {
	store     Store
	workflows Workflows
	validator validation.Validator
	entities  *memory.Entities
	cache     *memory.SessionCache
	statusTTL time.Duration
	logger    *slog.Logger
}

// New validates cfg and builds a Service.
func New(cfg Config) (*Service, error) {
	switch {
	case cfg.Store == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "intake: store is required")
	case cfg.Workflows == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "intake: workflows are required")
	case cfg.Validator == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "intake: validator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = DefaultStatusTTL
	}
	return &Service{
		store:     cfg.Store,
		workflows: cfg.Workflows,
		validator: cfg.Validator,
		entities:  memory.NewEntities(cfg.Store),
		cache:     cfg.Cache,
		statusTTL: cfg.StatusTTL,
		logger:    cfg.Logger,
	}, nil
}

// Created is the result of CreateLead.
type Created struct {
	Lead       *store.Lead `json:"lead"`
	WorkflowID string      `json:"workflowId"`
}

// CreateLead validates the payload, stores the lead and starts its workflow.
// The workflow metadata is the payload's data object plus the lead's
// email, name and company.
func (s *Service) CreateLead(ctx context.Context, tenantID string, payload map[string]any) (*Created, error) {
	if tenantID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tenant id is required")
	}
	if err := s.validator.ValidateLead(payload); err != nil {
		return nil, err
	}

	data, _ := payload["data"].(map[string]any)
	lead := &store.Lead{
		TenantID: tenantID,
		Email:    str(payload, "email"),
		Name:     str(payload, "name"),
		Company:  str(payload, "company"),
		Data:     maps.Clone(data),
	}
	lead.ID = str(payload, "leadId")
	if err := s.store.CreateLead(ctx, lead); err != nil {
		return nil, err
	}

	metadata := maps.Clone(data)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["email"] = lead.Email
	if lead.Name != "" {
		metadata["name"] = lead.Name
	}
	if lead.Company != "" {
		metadata["company"] = lead.Company
	}

	wfID, err := s.workflows.CreateWorkflow(ctx, tenantID, lead.ID, metadata)
	if err != nil {
		return nil, err
	}
	logging.LogWith(logging.WithWorkflow(ctx, tenantID, wfID, lead.ID), s.logger).Info("lead accepted")
	return &Created{Lead: lead, WorkflowID: wfID}, nil
}

// Process runs one step of the workflow and returns the updated view.
func (s *Service) Process(ctx context.Context, tenantID, workflowID string) (*memory.WorkflowView, error) {
	if err := s.workflows.ProcessWorkflow(ctx, tenantID, workflowID); err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Clear(statusKey(tenantID, workflowID))
	}
	return s.entities.Workflow(ctx, tenantID, workflowID)
}

// Workflow returns the workflow with its latest logs.
func (s *Service) Workflow(ctx context.Context, tenantID, workflowID string) (*memory.WorkflowView, error) {
	return s.entities.Workflow(ctx, tenantID, workflowID)
}

// Status returns a compact summary of the workflow, served from the session
// cache for up to StatusTTL.
func (s *Service) Status(ctx context.Context, tenantID, workflowID string) (map[string]any, error) {
	key := statusKey(tenantID, workflowID)
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			return cached, nil
		}
	}
	wf, err := s.store.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	summary := map[string]any{
		"workflowId":   wf.ID,
		"leadId":       wf.LeadID,
		"product":      wf.Product,
		"currentState": string(wf.CurrentState),
		"version":      wf.Version,
		"updatedAt":    wf.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if out, ok := wf.Metadata[engine.MetadataLastOutput]; ok {
		summary[engine.MetadataLastOutput] = out
	}
	if s.cache != nil {
		s.cache.SetTTL(key, summary, s.statusTTL)
	}
	return summary, nil
}

// History returns the lead with its recent workflows and meetings.
func (s *Service) History(ctx context.Context, tenantID, leadID string) (*memory.LeadHistory, error) {
	return s.entities.LeadHistory(ctx, tenantID, leadID)
}

func statusKey(tenantID, workflowID string) string {
	return "status:" + tenantID + ":" + workflowID
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
