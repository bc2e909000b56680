package schema

// ActionType names a side-effecting action. Unknown names yield a "no handler" result.
type ActionType string

const (
	ActionSendEmail        ActionType = "send_email"
	ActionScheduleCalendar ActionType = "schedule_calendar"
	ActionFireWebhook      ActionType = "fire_webhook"
	ActionUpdateCRM        ActionType = "update_crm"
)

// ActionRequest asks the dispatcher to run one action for a tenant.
type ActionRequest struct {
	Action   ActionType     `json:"action"`
	TenantID string         `json:"tenantId"`
	Payload  map[string]any `json:"payload"`
}

// ActionResult is the uniform outcome of an action.
type ActionResult struct {
	Success bool           `json:"success"`
	Action  ActionType     `json:"action"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ActionFailure builds a failed ActionResult.
func ActionFailure(action ActionType, msg string) *ActionResult {
	return &ActionResult{Success: false, Action: action, Error: msg}
}

// ActionSuccess builds a successful ActionResult.
func ActionSuccess(action ActionType, data map[string]any) *ActionResult {
	return &ActionResult{Success: true, Action: action, Data: data}
}
