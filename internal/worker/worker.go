// Package worker binds domain events to the orchestrator and the action
// layer. It owns the subscriptions a worker process installs on the bus.
package worker

import (
	"context"
	"log/slog"

	"github.com/rendis/leadflow/internal/actions"
	"github.com/rendis/leadflow/internal/eventbus"
	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/pkg/schema"
)

// ActionLayerWorkflowID marks AgentLogs written for dispatched actions.
const ActionLayerWorkflowID = "action-layer"

// Confirmation and follow-up email texts.
const (
	MeetingConfirmedSubject = "Meeting Confirmed"
	MeetingConfirmedBody    = "Your meeting has been scheduled. We look forward to speaking with you!"
	FollowupSubject         = "Following up"
)

// Processor advances a workflow by one step.
type Processor interface {
	ProcessWorkflow(ctx context.Context, tenantID, workflowID string) error
}

// ActionExecutor runs side-effecting actions.
type ActionExecutor interface {
	Execute(ctx context.Context, req schema.ActionRequest) *schema.ActionResult
}

// Subscriber is the subscribing half of eventbus.Bus.
type Subscriber interface {
	Subscribe(eventType schema.EventType, h eventbus.Handler) error
}

// Config wires a Worker.
type Config struct {
	Engine  Processor
	Actions ActionExecutor
	Logger  *slog.Logger
}

// Worker holds the event handlers.
type Worker struct {
	engine  Processor
	actions ActionExecutor
	logger  *slog.Logger
}

// New validates cfg and builds a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Engine == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "worker: engine is required")
	}
	if cfg.Actions == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "worker: action executor is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{engine: cfg.Engine, actions: cfg.Actions, logger: cfg.Logger}, nil
}

// Subscribe installs every worker handler on bus.
func (w *Worker) Subscribe(bus Subscriber) error {
	subs := []struct {
		event schema.EventType
		h     eventbus.Handler
	}{
		{schema.EventLeadCreated, w.Advance},
		{schema.EventLeadQualified, w.Advance},
		{schema.EventNoResponse, w.Advance},
		{schema.EventMeetingScheduled, w.MeetingScheduled},
		{schema.EventFollowupRequired, w.FollowupRequired},
	}
	for _, s := range subs {
		if err := bus.Subscribe(s.event, s.h); err != nil {
			return err
		}
	}
	return nil
}

// Advance runs one orchestrator step for the event's workflow. NOT_FOUND is
// logged and acknowledged since redelivery cannot fix it; any other error is
// returned so a durable bus retries the event.
func (w *Worker) Advance(ctx context.Context, event schema.DomainEvent) error {
	log := logging.LogWith(ctx, w.logger)
	workflowID := event.PayloadString(schema.PayloadWorkflowID)
	if workflowID == "" {
		log.Warn("event without workflow id", slog.String("event_type", string(event.Type)))
		return nil
	}
	err := w.engine.ProcessWorkflow(ctx, event.TenantID, workflowID)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		log.Warn("workflow not found", slog.String("event_type", string(event.Type)))
		return nil
	}
	return err
}

// MeetingScheduled records the proposed meeting as confirmed and emails the
// lead a confirmation.
func (w *Worker) MeetingScheduled(ctx context.Context, event schema.DomainEvent) error {
	log := logging.LogWith(ctx, w.logger)
	out := event.AgentOutput()

	if proposed, _ := out["proposedTime"].(string); proposed != "" {
		res := w.actions.Execute(ctx, schema.ActionRequest{
			Action:   schema.ActionScheduleCalendar,
			TenantID: event.TenantID,
			Payload: map[string]any{
				"leadId":      event.PayloadString(schema.PayloadLeadID),
				"scheduledAt": proposed,
				"workflowId":  event.PayloadString(schema.PayloadWorkflowID),
			},
		})
		if !res.Success {
			log.Warn("meeting not recorded, confirmation skipped", slog.String("error", res.Error))
			return nil
		}
	}

	w.email(ctx, event, out, MeetingConfirmedSubject, MeetingConfirmedBody)
	return nil
}

// FollowupRequired emails the follow-up message produced by the agent.
func (w *Worker) FollowupRequired(ctx context.Context, event schema.DomainEvent) error {
	out := event.AgentOutput()
	msg, _ := out["message"].(string)
	if msg == "" {
		logging.LogWith(ctx, w.logger).Debug("followup without message")
		return nil
	}
	w.email(ctx, event, out, FollowupSubject, msg)
	return nil
}

func (w *Worker) email(ctx context.Context, event schema.DomainEvent, out map[string]any, subject, body string) {
	log := logging.LogWith(ctx, w.logger)
	to, _ := out["leadEmail"].(string)
	if to == "" {
		log.Warn("no lead email, skipping", slog.String("subject", subject))
		return
	}
	res := w.actions.Execute(ctx, schema.ActionRequest{
		Action:   schema.ActionSendEmail,
		TenantID: event.TenantID,
		Payload:  map[string]any{"to": to, "subject": subject, "body": body},
	})
	if !res.Success {
		log.Warn("email not sent", slog.String("subject", subject), slog.String("error", res.Error))
	}
}

// LogWriter persists AgentLogs.
type LogWriter interface {
	CreateAgentLog(ctx context.Context, log *store.AgentLog) error
}

// ActionAuditHook returns a dispatcher hook that writes every execution as
// an AgentLog under ActionLayerWorkflowID.
func ActionAuditHook(logs LogWriter) actions.LogHook {
	return func(ctx context.Context, exec actions.Execution) error {
		return logs.CreateAgentLog(ctx, &store.AgentLog{
			TenantID:   exec.TenantID,
			WorkflowID: ActionLayerWorkflowID,
			AgentType:  string(exec.Action),
			Input:      exec.Payload,
			Output:     map[string]any{"success": exec.Success},
			DurationMs: exec.DurationMs,
			Success:    exec.Success,
			Error:      exec.Error,
		})
	}
}
