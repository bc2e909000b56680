package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/leadflow/pkg/schema"
)

const (
	leadSchemaURL    = "https://leadflow.dev/schemas/lead.json"
	productSchemaURL = "https://leadflow.dev/schemas/product.json"
)

// leadSchemaJSON describes the body accepted when a lead enters the system.
const leadSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://leadflow.dev/schemas/lead.json",
  "type": "object",
  "required": ["email"],
  "properties": {
    "leadId":  { "type": "string", "minLength": 1 },
    "email":   { "type": "string", "format": "email" },
    "name":    { "type": "string" },
    "company": { "type": "string" },
    "product": { "type": "string", "minLength": 1 },
    "data":    { "type": "object" }
  },
  "additionalProperties": true
}`

const productSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://leadflow.dev/schemas/product.json",
  "type": "object",
  "required": ["name", "slug", "allowed_agents", "workflow_type"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "slug": { "type": "string", "pattern": "^[a-z0-9][a-z0-9_-]*$" },
    "allowed_agents": {
      "type": "array",
      "items": { "type": "string", "pattern": "^[a-z][a-z0-9_]*$" },
      "uniqueItems": true
    },
    "primary_goal": { "type": "string" },
    "monetization_event": { "type": "string" },
    "workflow_type": { "type": "string", "enum": ["lead_flow", "followup_flow", "qualification_flow"] }
  },
  "additionalProperties": false
}`

// JSONSchemaValidator implements Validator. It is safe for concurrent use.
type JSONSchemaValidator struct {
	leadSchema    *jsonschema.Schema
	productSchema *jsonschema.Schema

	// mu guards the cache of dynamically compiled schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the built-in schemas pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	for url, raw := range map[string]string{
		leadSchemaURL:    leadSchemaJSON,
		productSchemaURL: productSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	lead, err := c.Compile(leadSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile lead schema: %w", err)
	}
	product, err := c.Compile(productSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile product schema: %w", err)
	}

	return &JSONSchemaValidator{
		leadSchema:    lead,
		productSchema: product,
		cache:         make(map[string]*jsonschema.Schema),
	}, nil
}

// MustJSONSchemaValidator panics if the built-in schemas fail to compile.
func MustJSONSchemaValidator() *JSONSchemaValidator {
	v, err := NewJSONSchemaValidator()
	if err != nil {
		panic(err)
	}
	return v
}

func (v *JSONSchemaValidator) ValidateLead(input map[string]any) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "lead payload is nil")
	}
	return validateAgainst(v.leadSchema, input)
}

func (v *JSONSchemaValidator) ValidateProduct(product map[string]any) error {
	if product == nil {
		return schema.NewError(schema.ErrCodeValidation, "product definition is nil")
	}
	return validateAgainst(v.productSchema, product)
}

// ValidateDocument validates doc against a schema provided as raw bytes.
// The schema is compiled and cached for subsequent calls with the same bytes.
func (v *JSONSchemaValidator) ValidateDocument(doc any, schemaJSON []byte) error {
	if len(schemaJSON) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(schemaJSON)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}
	return validateAgainst(compiled, doc)
}

func validateAgainst(s *jsonschema.Schema, value any) error {
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize document").WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toLeadflowError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("leadflow://schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toLeadflowError flattens a jsonschema.ValidationError into a VALIDATION_ERROR
// whose details list every leaf violation with its instance path.
func toLeadflowError(err error) *schema.LeadflowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

var _ Validator = (*JSONSchemaValidator)(nil)
