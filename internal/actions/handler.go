// Package actions runs side-effecting actions (email, calendar, webhook, CRM)
// on behalf of workflows and reports every outcome as an ActionResult.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/leadflow/internal/validation"
	"github.com/rendis/leadflow/pkg/schema"
)

// Handler executes one action type. A returned error is turned into a failed
// ActionResult by the Dispatcher; handlers report payload problems as failed
// results themselves.
type Handler interface {
	Type() schema.ActionType
	Execute(ctx context.Context, req schema.ActionRequest) (*schema.ActionResult, error)
}

// Param helpers used by all handlers.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func stringSliceParam(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// present reports whether the payload holds a usable value for key. Empty
// strings, zero numbers and false count as missing.
func present(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return true
	}
}

// checkPayload returns a failed result when a required key is missing or the
// payload does not match payloadSchema, and nil when the payload is usable.
func checkPayload(v validation.Validator, action schema.ActionType, payload map[string]any,
	missingMsg string, payloadSchema string, required ...string) *schema.ActionResult {
	for _, key := range required {
		if !present(payload, key) {
			return schema.ActionFailure(action, missingMsg)
		}
	}
	if v == nil || payloadSchema == "" {
		return nil
	}
	if err := v.ValidateDocument(payload, []byte(payloadSchema)); err != nil {
		return schema.ActionFailure(action, "Invalid payload: "+violationSummary(err))
	}
	return nil
}

func violationSummary(err error) string {
	var lfErr *schema.LeadflowError
	if !errors.As(err, &lfErr) || lfErr.Details == nil {
		return err.Error()
	}
	violations, ok := lfErr.Details["violations"].([]string)
	if !ok || len(violations) == 0 {
		return lfErr.Message
	}
	return strings.Join(violations, "; ")
}

func actionError(action schema.ActionType, format string, args ...any) *schema.LeadflowError {
	return schema.NewErrorf(schema.ErrCodeActionFailed, "[%s] %s", action, fmt.Sprintf(format, args...))
}
