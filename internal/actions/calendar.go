package actions

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/internal/validation"
	"github.com/rendis/leadflow/pkg/schema"
)

// DefaultMeetingMinutes is used when a schedule_calendar payload has no duration.
const DefaultMeetingMinutes = 30

const calendarPayloadSchema = `{
  "type": "object",
  "required": ["leadId", "scheduledAt"],
  "properties": {
    "leadId": {"type": "string"},
    "scheduledAt": {"type": "string", "format": "date-time"},
    "duration": {"type": "number", "exclusiveMinimum": 0},
    "workflowId": {"type": "string"}
  }
}`

// MeetingBooker persists booked meetings.
type MeetingBooker interface {
	CreateMeeting(ctx context.Context, m *store.Meeting) error
}

// CalendarHandler implements schedule_calendar. With a booker the meeting is
// recorded as confirmed; without one the booking is only logged.
type CalendarHandler struct {
	booker    MeetingBooker
	validator validation.Validator
	logger    *slog.Logger
}

func NewCalendarHandler(booker MeetingBooker, validator validation.Validator, logger *slog.Logger) *CalendarHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CalendarHandler{booker: booker, validator: validator, logger: logger}
}

func (h *CalendarHandler) Type() schema.ActionType { return schema.ActionScheduleCalendar }

func (h *CalendarHandler) Execute(ctx context.Context, req schema.ActionRequest) (*schema.ActionResult, error) {
	p := req.Payload
	if res := checkPayload(h.validator, schema.ActionScheduleCalendar, p,
		"Missing required fields: leadId, scheduledAt", calendarPayloadSchema, "leadId", "scheduledAt"); res != nil {
		return res, nil
	}

	leadID := stringParam(p, "leadId", "")
	scheduledAt := stringParam(p, "scheduledAt", "")
	duration := intParam(p, "duration", 0)
	if duration <= 0 {
		duration = DefaultMeetingMinutes
	}
	at, err := time.Parse(time.RFC3339, scheduledAt)
	if err != nil {
		return schema.ActionFailure(schema.ActionScheduleCalendar, "Invalid scheduledAt: "+scheduledAt), nil
	}

	data := map[string]any{
		"leadId":      leadID,
		"scheduledAt": scheduledAt,
		"duration":    duration,
	}

	if h.booker == nil {
		logging.LogWith(ctx, h.logger).Info("meeting scheduled (not persisted)",
			slog.String("lead_id", leadID), slog.String("scheduled_at", scheduledAt))
		return schema.ActionSuccess(schema.ActionScheduleCalendar, data), nil
	}

	m := &store.Meeting{
		TenantID:    req.TenantID,
		LeadID:      leadID,
		WorkflowID:  stringParam(p, "workflowId", ""),
		ScheduledAt: at.UTC(),
		DurationMin: duration,
		Status:      store.MeetingConfirmed,
	}
	if err := h.booker.CreateMeeting(ctx, m); err != nil {
		return nil, actionError(schema.ActionScheduleCalendar, "record meeting for lead %s: %v", leadID, err).WithCause(err)
	}
	data["meetingId"] = m.ID
	return schema.ActionSuccess(schema.ActionScheduleCalendar, data), nil
}
