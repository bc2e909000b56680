package agents

import (
	"context"
	"maps"

	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/internal/validation"
	"github.com/rendis/leadflow/pkg/schema"
)

// RuleField computes one output field with an expr expression. The expression
// sees the projected facts plus every field computed before it.
type RuleField struct {
	Name string
	Expr string
}

// RuleSpec describes a deterministic agent.
type RuleSpec struct {
	Type schema.AgentType
	// Projection is a jq program that maps the lead data to a flat fact object.
	Projection string
	Fields     []RuleField
	// Guard is an optional CEL predicate over input, data (the facts) and
	// output. A false guard fails the call.
	Guard        string
	OutputSchema string
	Enrich       func(input schema.AgentInput, out map[string]any)
}

// RuleAgent evaluates a RuleSpec with the expression engines.
type RuleAgent struct {
	spec      RuleSpec
	engines   *expressions.Engines
	validator validation.Validator
}

func NewRuleAgent(spec RuleSpec, engines *expressions.Engines, validator validation.Validator) *RuleAgent {
	return &RuleAgent{spec: spec, engines: engines, validator: validator}
}

func (a *RuleAgent) Type() schema.AgentType { return a.spec.Type }

func (a *RuleAgent) Execute(ctx context.Context, input schema.AgentInput) (map[string]any, error) {
	data := input.Data
	if data == nil {
		data = map[string]any{}
	}

	facts := map[string]any{}
	if a.spec.Projection != "" {
		projected, err := a.engines.JQ.Evaluate(ctx, a.spec.Projection, data)
		if err != nil {
			return nil, agentFailure(a.spec.Type, "projection: %s", err.Error()).WithCause(err)
		}
		m, ok := projected.(map[string]any)
		if !ok {
			return nil, agentFailure(a.spec.Type, "projection returned %T, want object", projected)
		}
		facts = m
	} else {
		maps.Copy(facts, data)
	}
	facts = widenNumbers(facts).(map[string]any)

	env := maps.Clone(facts)
	out := make(map[string]any, len(a.spec.Fields))
	for _, f := range a.spec.Fields {
		v, err := a.engines.Expr.Evaluate(ctx, f.Expr, env)
		if err != nil {
			return nil, agentFailure(a.spec.Type, "field %s: %s", f.Name, err.Error()).WithCause(err)
		}
		v = widenNumbers(v)
		out[f.Name] = v
		env[f.Name] = v
	}

	if a.spec.Guard != "" {
		ok, err := expressions.EvaluateBool(ctx, a.engines.CEL, a.spec.Guard, map[string]any{
			"input": map[string]any{
				"tenantId":   input.TenantID,
				"leadId":     input.LeadID,
				"workflowId": input.WorkflowID,
			},
			"data":   facts,
			"output": out,
		})
		if err != nil {
			return nil, agentFailure(a.spec.Type, "guard: %s", err.Error()).WithCause(err)
		}
		if !ok {
			return nil, agentFailure(a.spec.Type, "guard %q rejected the lead", a.spec.Guard)
		}
	}

	if a.spec.OutputSchema != "" {
		if err := a.validator.ValidateDocument(out, []byte(a.spec.OutputSchema)); err != nil {
			return nil, agentFailure(a.spec.Type, "invalid output: %s", err.Error()).WithCause(err)
		}
	}
	if a.spec.Enrich != nil {
		a.spec.Enrich(input, out)
	}
	return out, nil
}

// widenNumbers converts integer values to float64 so expressions and guards
// see a single number type regardless of where a value came from.
func widenNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = widenNumbers(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = widenNumbers(e)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	default:
		return v
	}
}

var _ Agent = (*RuleAgent)(nil)
