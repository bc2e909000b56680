// Package eventbus carries domain events between producers (orchestrator,
// poller, intake surfaces) and the worker's subscriptions.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/pkg/schema"
)

// PublishTimeout bounds a single Publish call.
const PublishTimeout = 5 * time.Second

// Handler processes one event. A non-nil error marks the delivery as failed.
type Handler func(ctx context.Context, event schema.DomainEvent) error

// Bus is the event transport. Publish never fails from the caller's point of
// view: problems are logged and counted.
type Bus interface {
	Publish(ctx context.Context, event schema.DomainEvent)
	// Subscribe registers the single handler for eventType. A second handler
	// for the same type is a DUPLICATE_SUBSCRIPTION error.
	Subscribe(eventType schema.EventType, h Handler) error
	Shutdown(ctx context.Context) error
}

func duplicateSubscription(eventType schema.EventType) error {
	return schema.NewErrorf(schema.ErrCodeDuplicateSubscription, "handler already registered for %s", eventType)
}

// eventContext tags ctx with the event's correlation fields.
func eventContext(ctx context.Context, event schema.DomainEvent) context.Context {
	ctx = logging.WithTenantID(ctx, event.TenantID)
	ctx = logging.WithEventID(ctx, event.ID)
	if wf := event.PayloadString(schema.PayloadWorkflowID); wf != "" {
		ctx = logging.WithWorkflowID(ctx, wf)
	}
	if lead := event.PayloadString(schema.PayloadLeadID); lead != "" {
		ctx = logging.WithLeadID(ctx, lead)
	}
	return ctx
}

// invoke runs h, converting a panic into an error, and logs the outcome.
func invoke(ctx context.Context, logger *slog.Logger, h Handler, event schema.DomainEvent) (err error) {
	ctx = eventContext(ctx, event)
	log := logging.LogWith(ctx, logger)
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "handler for %s panicked: %v", event.Type, r)
		}
		if err != nil {
			log.Error("event handler failed",
				slog.String("event_type", string(event.Type)),
				slog.String("error", err.Error()))
		}
	}()
	log.Debug("processing event", slog.String("event_type", string(event.Type)))
	return h(ctx, event)
}

func publishError(event schema.DomainEvent, err error) error {
	return schema.NewError(schema.ErrCodePublishFailed,
		fmt.Sprintf("failed to publish %s: %v", event.Type, err)).WithCause(err)
}
