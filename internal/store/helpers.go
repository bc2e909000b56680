package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/leadflow/pkg/schema"
)

// timeLayout is fixed width so lexical comparison of stored values matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func storeNotFound(resource, id string) *schema.LeadflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func transitionConflict(tr WorkflowTransition) *schema.LeadflowError {
	return schema.NewErrorf(schema.ErrCodeConflict,
		"workflow %q is no longer in state %s at version %d", tr.WorkflowID, tr.FromState, tr.FromVersion).
		WithDetails(map[string]any{
			"workflow_id":  tr.WorkflowID,
			"from_state":   string(tr.FromState),
			"from_version": tr.FromVersion,
			"to_state":     string(tr.ToState),
		})
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// decodeTime accepts the fixed-width layout as well as the trimmed RFC 3339
// form go-libsql hands back once it has recognised the column as a timestamp.
func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func idOrNew(id string) string {
	if id == "" {
		return uuid.New().String()
	}
	return id
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMapOrDefault(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(raw string) (map[string]any, error) {
	m := map[string]any{}
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalAgents(agents []schema.AgentType) (string, error) {
	if agents == nil {
		agents = []schema.AgentType{}
	}
	b, err := json.Marshal(agents)
	return string(b), err
}

func unmarshalAgents(raw string) ([]schema.AgentType, error) {
	var agents []schema.AgentType
	if raw == "" {
		return agents, nil
	}
	if err := json.Unmarshal([]byte(raw), &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

func stateStrings(states []schema.WorkflowState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// placeholders returns n comma-separated '?' markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// cloneMap returns a deep copy of a JSON-shaped map.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	out := map[string]any{}
	_ = json.Unmarshal(b, &out)
	return out
}
