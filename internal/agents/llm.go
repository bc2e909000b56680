package agents

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rendis/leadflow/internal/validation"
	"github.com/rendis/leadflow/pkg/schema"
)

// fencedJSON matches the body of a markdown code fence, optionally tagged json.
var fencedJSON = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// ExtractJSON parses the JSON object in a model reply. A fenced block wins
// over the surrounding text; otherwise the whole reply is parsed.
func ExtractJSON(raw string) (map[string]any, error) {
	cleaned := raw
	if m := fencedJSON.FindStringSubmatch(raw); m != nil && m[1] != "" {
		cleaned = m[1]
	}
	cleaned = strings.TrimSpace(cleaned)

	var out map[string]any
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil || out == nil {
		e := schema.NewErrorf(schema.ErrCodeAgentFailed, "failed to parse JSON output: %s", truncate(cleaned, 200))
		if err != nil {
			e = e.WithCause(err)
		}
		return nil, e
	}
	return out, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// LLMSpec describes one model-backed agent.
type LLMSpec struct {
	Type   schema.AgentType
	System string
	// Instruction precedes the JSON-encoded lead data in the user message.
	Instruction  string
	OutputSchema string
	// Enrich may add fields derived from the input after validation.
	Enrich func(input schema.AgentInput, out map[string]any)
}

// LLMAgent runs an LLMSpec against a ModelClient.
type LLMAgent struct {
	spec      LLMSpec
	client    ModelClient
	validator validation.Validator
	maxTokens int
}

// NewLLMAgent binds spec to a model client. maxTokens <= 0 uses the client default.
func NewLLMAgent(spec LLMSpec, client ModelClient, validator validation.Validator, maxTokens int) *LLMAgent {
	return &LLMAgent{spec: spec, client: client, validator: validator, maxTokens: maxTokens}
}

func (a *LLMAgent) Type() schema.AgentType { return a.spec.Type }

func (a *LLMAgent) Execute(ctx context.Context, input schema.AgentInput) (map[string]any, error) {
	data := input.Data
	if data == nil {
		data = map[string]any{}
	}
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, agentFailure(a.spec.Type, "encode input: %s", err.Error()).WithCause(err)
	}

	raw, err := a.client.Complete(ctx, ModelRequest{
		System:    a.spec.System,
		Prompt:    a.spec.Instruction + ":\n" + string(encoded),
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeTimeout) {
			return nil, err
		}
		return nil, agentFailure(a.spec.Type, "model call failed: %s", err.Error()).WithCause(err)
	}

	out, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	if err := a.validator.ValidateDocument(out, []byte(a.spec.OutputSchema)); err != nil {
		return nil, agentFailure(a.spec.Type, "invalid output: %s", err.Error()).WithCause(err)
	}
	if a.spec.Enrich != nil {
		a.spec.Enrich(input, out)
	}
	return out, nil
}

// withLeadEmail copies the lead's email into the output unless the model set one.
func withLeadEmail(input schema.AgentInput, out map[string]any) {
	if s, _ := out["leadEmail"].(string); s != "" {
		return
	}
	if email, _ := input.Data["email"].(string); email != "" {
		out["leadEmail"] = email
	}
}

var _ Agent = (*LLMAgent)(nil)
