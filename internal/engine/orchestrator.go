// Package engine drives workflows through the lead state machine: it picks the
// transition for the current state, runs the agent, records the step and
// publishes the resulting event.
package engine

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/metrics"
	"github.com/rendis/leadflow/internal/rules"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/pkg/schema"
)

// MetadataLastOutput is the metadata key holding the latest agent output.
const MetadataLastOutput = "lastAgentOutput"

// DiscardedStepError marks the agent log appended when a step lost the
// optimistic update race. Its input names the log of the discarded run.
const DiscardedStepError = "step discarded: workflow advanced concurrently"

// WorkflowStore is the persistence the orchestrator needs.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *store.Workflow) error
	GetWorkflow(ctx context.Context, tenantID, id string) (*store.Workflow, error)
	TransitionWorkflow(ctx context.Context, tr store.WorkflowTransition) (*store.Workflow, error)
	CreateAgentLog(ctx context.Context, log *store.AgentLog) error
}

// AgentRunner executes an agent by type.
type AgentRunner interface {
	Run(ctx context.Context, t schema.AgentType, input schema.AgentInput) (map[string]any, error)
}

// Publisher emits domain events. Publishing never fails from the caller's side.
type Publisher interface {
	Publish(ctx context.Context, event schema.DomainEvent)
}

// Config wires an Orchestrator.
type Config struct {
	Store   WorkflowStore
	Agents  AgentRunner
	Rules   rules.Source
	Events  Publisher
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Orchestrator is stateless between calls; persisted workflows are the only
// source of truth. Safe for concurrent use.
type Orchestrator struct {
	store   WorkflowStore
	agents  AgentRunner
	rules   rules.Source
	events  Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New validates cfg and builds an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "orchestrator: store is required")
	case cfg.Agents == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "orchestrator: agent runner is required")
	case cfg.Rules == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "orchestrator: rules are required")
	case cfg.Events == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "orchestrator: event publisher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		store:   cfg.Store,
		agents:  cfg.Agents,
		rules:   cfg.Rules,
		events:  cfg.Events,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// CreateWorkflow starts a workflow for leadID in lead_received, configured by
// the tenant's product, and publishes lead_created. It returns the new id.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, tenantID, leadID string, data map[string]any) (string, error) {
	if tenantID == "" || leadID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "tenant id and lead id are required")
	}
	product := o.rules.ForTenant(tenantID)
	if data == nil {
		data = map[string]any{}
	}

	wf := &store.Workflow{
		TenantID:      tenantID,
		LeadID:        leadID,
		WorkflowType:  product.WorkflowType(),
		CurrentState:  schema.StateLeadReceived,
		Goal:          product.PrimaryGoal(),
		AllowedAgents: product.AllowedAgents(),
		Metadata:      maps.Clone(data),
		Product:       product.Slug(),
	}
	if err := o.store.CreateWorkflow(ctx, wf); err != nil {
		return "", err
	}

	ctx = logging.WithWorkflow(ctx, tenantID, wf.ID, leadID)
	logging.LogWith(ctx, o.logger).Info("workflow created",
		slog.String("workflow_type", string(wf.WorkflowType)),
		slog.String("product", wf.Product))

	o.events.Publish(ctx, schema.NewEvent(schema.EventLeadCreated, tenantID, map[string]any{
		schema.PayloadWorkflowID: wf.ID,
		schema.PayloadLeadID:     leadID,
	}))
	return wf.ID, nil
}

// ProcessWorkflow advances the workflow by at most one step. Agent failures
// move the workflow to the rule's fail state and are not returned; a missing
// workflow is NOT_FOUND. A step that loses the race to a concurrent one is
// discarded and a DiscardedStepError log records it.
func (o *Orchestrator) ProcessWorkflow(ctx context.Context, tenantID, workflowID string) error {
	ctx = logging.WithWorkflow(ctx, tenantID, workflowID, "")
	log := logging.LogWith(ctx, o.logger)

	wf, err := o.store.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return err
	}
	ctx = logging.WithLeadID(ctx, wf.LeadID)
	log = logging.LogWith(ctx, o.logger)

	tr, ok := FindTransition(wf.CurrentState, wf.AllowedAgents)
	if !ok {
		log.Debug("no transition available", slog.String("state", string(wf.CurrentState)))
		return nil
	}
	product := o.rules.ForTenant(tenantID)
	if !product.IsAgentAllowed(tr.Agent) {
		log.Info("agent not allowed by product rules",
			slog.String("agent", string(tr.Agent)),
			slog.String("product", product.Slug()))
		return nil
	}

	ctx = logging.WithAgent(ctx, string(tr.Agent))
	log = logging.LogWith(ctx, o.logger)

	input := schema.AgentInput{
		TenantID:   tenantID,
		LeadID:     wf.LeadID,
		WorkflowID: wf.ID,
		Data:       wf.Metadata,
	}
	start := time.Now()
	output, runErr := o.agents.Run(ctx, tr.Agent, input)
	elapsed := time.Since(start)
	success := runErr == nil
	if !success {
		output = map[string]any{}
		log.Warn("agent failed", slog.String("error", runErr.Error()))
	}
	o.metrics.ObserveStep(string(tr.Agent), success, elapsed)

	entry := &store.AgentLog{
		TenantID:   tenantID,
		WorkflowID: wf.ID,
		AgentType:  string(tr.Agent),
		Input:      wf.Metadata,
		Output:     output,
		DurationMs: elapsed.Milliseconds(),
		Success:    success,
		Product:    product.Slug(),
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	if err := o.store.CreateAgentLog(ctx, entry); err != nil {
		return err
	}

	next := tr.FailState
	if success {
		next = tr.SuccessState
	}
	metadata := maps.Clone(wf.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata[MetadataLastOutput] = output

	_, err = o.store.TransitionWorkflow(ctx, store.WorkflowTransition{
		TenantID:    tenantID,
		WorkflowID:  wf.ID,
		FromState:   wf.CurrentState,
		FromVersion: wf.Version,
		ToState:     next,
		Metadata:    metadata,
	})
	if schema.IsCode(err, schema.ErrCodeConflict) {
		o.metrics.TransitionConflict()
		log.Warn("workflow advanced concurrently, step discarded",
			slog.String("from", string(wf.CurrentState)),
			slog.Int64("version", wf.Version),
			slog.String("agent_log_id", entry.ID))
		return o.store.CreateAgentLog(ctx, &store.AgentLog{
			TenantID:   tenantID,
			WorkflowID: wf.ID,
			AgentType:  string(tr.Agent),
			Input: map[string]any{
				"discardedLogId": entry.ID,
				"fromState":      string(wf.CurrentState),
				"fromVersion":    wf.Version,
			},
			Success: false,
			Error:   DiscardedStepError,
			Product: product.Slug(),
		})
	}
	if err != nil {
		return err
	}
	log.Info("workflow transitioned",
		slog.String("from", string(wf.CurrentState)),
		slog.String("to", string(next)),
		slog.Bool("success", success),
		slog.Int64("duration_ms", elapsed.Milliseconds()))

	if !success {
		return nil
	}
	if product.IsMonetizationEvent(tr.EmitOnSuccess) {
		log.Info("monetization event reached", slog.String("event_type", string(tr.EmitOnSuccess)))
	}
	o.events.Publish(ctx, schema.NewEvent(tr.EmitOnSuccess, tenantID, map[string]any{
		schema.PayloadWorkflowID:  wf.ID,
		schema.PayloadLeadID:      wf.LeadID,
		schema.PayloadAgentOutput: output,
	}))
	return nil
}
