package agents

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/internal/validation"
	"github.com/rendis/leadflow/pkg/schema"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{"plain", `{"score": 90}`, map[string]any{"score": 90.0}},
		{"whitespace", "\n  {\"a\": \"b\"}  \n", map[string]any{"a": "b"}},
		{"json fence", "Here you go:\n```json\n{\"channel\": \"email\"}\n```\nThanks", map[string]any{"channel": "email"}},
		{"bare fence", "```\n{\"escalate\": true}\n```", map[string]any{"escalate": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractJSON_Failures(t *testing.T) {
	for _, raw := range []string{"", "I cannot help with that", "```json\nnot json\n```", "[1,2]", "null"} {
		_, err := ExtractJSON(raw)
		require.Error(t, err, raw)
		assert.True(t, schema.IsCode(err, schema.ErrCodeAgentFailed))
		assert.Contains(t, err.Error(), "failed to parse JSON output")
	}
}

func TestExtractJSON_TruncatesSnippet(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	_, err := ExtractJSON(string(long))
	require.Error(t, err)
	var lfErr *schema.LeadflowError
	require.True(t, errors.As(err, &lfErr))
	assert.LessOrEqual(t, len(lfErr.Message), len("failed to parse JSON output: ")+200)
}

func TestExtractJSON_SnippetKeepsRunesWhole(t *testing.T) {
	// "x" then three-byte runes puts byte 200 in the middle of one.
	raw := "x" + strings.Repeat("€", 100)
	_, err := ExtractJSON(raw)
	require.Error(t, err)
	var lfErr *schema.LeadflowError
	require.True(t, errors.As(err, &lfErr))
	assert.True(t, utf8.ValidString(lfErr.Message))
	assert.True(t, strings.HasSuffix(lfErr.Message, "x"+strings.Repeat("€", 66)))
}

// scriptedModel returns a canned reply and records the last request.
type scriptedModel struct {
	reply string
	err   error
	last  ModelRequest
}

func (m *scriptedModel) Complete(_ context.Context, req ModelRequest) (string, error) {
	m.last = req
	return m.reply, m.err
}

func llmAgent(t *testing.T, agentType schema.AgentType, model ModelClient) *LLMAgent {
	t.Helper()
	for _, spec := range LLMSpecs() {
		if spec.Type == agentType {
			return NewLLMAgent(spec, model, validation.MustJSONSchemaValidator(), 0)
		}
	}
	t.Fatalf("no llm spec for %s", agentType)
	return nil
}

func TestLLMAgent_QualifierPrompt(t *testing.T) {
	model := &scriptedModel{reply: "```json\n{\"score\": 85, \"qualificationReason\": \"VP with budget\", \"nextAction\": \"schedule_meeting\"}\n```"}
	a := llmAgent(t, schema.AgentQualifier, model)

	out, err := a.Execute(context.Background(), schema.AgentInput{
		TenantID: "t1", LeadID: "l1", Data: map[string]any{"email": "vp@acme.io", "budget": 50000},
	})
	require.NoError(t, err)
	assert.Equal(t, 85.0, out["score"])
	assert.Equal(t, "schedule_meeting", out["nextAction"])

	assert.Contains(t, model.last.System, "lead qualification agent")
	assert.Contains(t, model.last.Prompt, "Qualify this lead:\n{")
	assert.Contains(t, model.last.Prompt, `"email": "vp@acme.io"`)
}

func TestLLMAgent_QualifierRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"score too high", `{"score": 150, "qualificationReason": "x", "nextAction": "followup"}`},
		{"score negative", `{"score": -1, "qualificationReason": "x", "nextAction": "followup"}`},
		{"score not number", `{"score": "high", "qualificationReason": "x", "nextAction": "followup"}`},
		{"bad next action", `{"score": 50, "qualificationReason": "x", "nextAction": "call"}`},
		{"empty reason", `{"score": 50, "qualificationReason": "", "nextAction": "followup"}`},
		{"missing reason", `{"score": 50, "nextAction": "followup"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := llmAgent(t, schema.AgentQualifier, &scriptedModel{reply: tt.reply})
			_, err := a.Execute(context.Background(), schema.AgentInput{})
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeAgentFailed))
		})
	}
}

func TestLLMAgent_Scheduler(t *testing.T) {
	a := llmAgent(t, schema.AgentScheduler, &scriptedModel{
		reply: `{"meetingScheduled": true, "proposedTime": "2026-05-01T10:00:00Z", "reason": "morning slot"}`,
	})
	out, err := a.Execute(context.Background(), schema.AgentInput{Data: map[string]any{"email": "jane@acme.io"}})
	require.NoError(t, err)
	assert.Equal(t, true, out["meetingScheduled"])
	assert.Equal(t, "jane@acme.io", out["leadEmail"], "lead email copied from input")

	a = llmAgent(t, schema.AgentScheduler, &scriptedModel{reply: `{"meetingScheduled": false, "proposedTime": null, "reason": "no slots"}`})
	_, err = a.Execute(context.Background(), schema.AgentInput{})
	require.NoError(t, err)

	for _, reply := range []string{
		`{"meetingScheduled": true, "reason": "forgot the time"}`,
		`{"meetingScheduled": true, "proposedTime": ""}`,
		`{"meetingScheduled": "yes", "proposedTime": "2026-05-01T10:00:00Z"}`,
	} {
		a = llmAgent(t, schema.AgentScheduler, &scriptedModel{reply: reply})
		_, err = a.Execute(context.Background(), schema.AgentInput{})
		assert.Error(t, err, reply)
	}
}

func TestLLMAgent_SchedulerKeepsModelEmail(t *testing.T) {
	a := llmAgent(t, schema.AgentScheduler, &scriptedModel{
		reply: `{"meetingScheduled": true, "proposedTime": "2026-05-01T10:00:00Z", "leadEmail": "assistant@acme.io"}`,
	})
	out, err := a.Execute(context.Background(), schema.AgentInput{Data: map[string]any{"email": "jane@acme.io"}})
	require.NoError(t, err)
	assert.Equal(t, "assistant@acme.io", out["leadEmail"])
}

func TestLLMAgent_Followup(t *testing.T) {
	a := llmAgent(t, schema.AgentFollowup, &scriptedModel{reply: `{"message": "Hi Jane", "channel": "sms", "escalate": false}`})
	out, err := a.Execute(context.Background(), schema.AgentInput{})
	require.NoError(t, err)
	assert.Equal(t, "sms", out["channel"])

	for _, reply := range []string{
		`{"message": "", "channel": "email", "escalate": false}`,
		`{"message": "Hi", "channel": "fax", "escalate": false}`,
		`{"message": "Hi", "channel": "email"}`,
	} {
		a = llmAgent(t, schema.AgentFollowup, &scriptedModel{reply: reply})
		_, err = a.Execute(context.Background(), schema.AgentInput{})
		assert.Error(t, err, reply)
	}
}

func TestLLMAgent_ModelErrors(t *testing.T) {
	a := llmAgent(t, schema.AgentFollowup, &scriptedModel{err: errors.New("connection reset")})
	_, err := a.Execute(context.Background(), schema.AgentInput{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAgentFailed))
	assert.Contains(t, err.Error(), "connection reset")

	a = llmAgent(t, schema.AgentFollowup, &scriptedModel{err: schema.NewError(schema.ErrCodeTimeout, "model request cancelled")})
	_, err = a.Execute(context.Background(), schema.AgentInput{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))
}

func TestRegisterBuiltins(t *testing.T) {
	v := validation.MustJSONSchemaValidator()

	r := NewRegistry(0, nil)
	require.NoError(t, RegisterBuiltins(r, ModeLLM, &scriptedModel{}, 0, v, nil))
	assert.Equal(t, []schema.AgentType{schema.AgentFollowup, schema.AgentQualifier, schema.AgentScheduler}, r.List())

	err := RegisterBuiltins(NewRegistry(0, nil), ModeLLM, nil, 0, v, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = RegisterBuiltins(r, ModeLLM, &scriptedModel{}, 0, v, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}
