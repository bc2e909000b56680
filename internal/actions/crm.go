package actions

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/validation"
	"github.com/rendis/leadflow/pkg/schema"
)

const crmPayloadSchema = `{
  "type": "object",
  "required": ["leadId"],
  "properties": {
    "leadId": {"type": "string"},
    "tags": {"type": "array", "items": {"type": "string"}},
    "status": {"type": "string"}
  }
}`

// CRMHandler implements update_crm. The CRM itself is external; the update is
// recorded in the log and echoed back.
type CRMHandler struct {
	validator validation.Validator
	logger    *slog.Logger
	now       func() time.Time
}

func NewCRMHandler(validator validation.Validator, logger *slog.Logger) *CRMHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CRMHandler{validator: validator, logger: logger, now: time.Now}
}

func (h *CRMHandler) Type() schema.ActionType { return schema.ActionUpdateCRM }

func (h *CRMHandler) Execute(ctx context.Context, req schema.ActionRequest) (*schema.ActionResult, error) {
	p := req.Payload
	if res := checkPayload(h.validator, schema.ActionUpdateCRM, p,
		"Missing required field: leadId", crmPayloadSchema, "leadId"); res != nil {
		return res, nil
	}

	leadID := stringParam(p, "leadId", "")
	tags := stringSliceParam(p, "tags")
	status := stringParam(p, "status", "")

	logging.LogWith(ctx, h.logger).Info("crm updated",
		slog.String("lead_id", leadID),
		slog.String("tags", strings.Join(tags, ",")),
		slog.String("status", status))

	data := map[string]any{
		"leadId":    leadID,
		"updatedAt": h.now().UTC().Format(isoMillis),
	}
	if tags != nil {
		data["tags"] = tags
	}
	if status != "" {
		data["status"] = status
	}
	return schema.ActionSuccess(schema.ActionUpdateCRM, data), nil
}
