package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/leadflow/pkg/schema"
)

func TestNewJSONSchemaValidator(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	assert.NotNil(t, v.leadSchema)
	assert.NotNil(t, v.productSchema)
}

// --- ValidateLead ---

func TestValidateLead_Nil(t *testing.T) {
	v := MustJSONSchemaValidator()

	err := v.ValidateLead(nil)
	require.Error(t, err)
	lfErr, ok := err.(*schema.LeadflowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, lfErr.Code)
	assert.Contains(t, lfErr.Message, "nil")
}

func TestValidateLead_Minimal(t *testing.T) {
	v := MustJSONSchemaValidator()
	assert.NoError(t, v.ValidateLead(map[string]any{"email": "jane@acme.io"}))
}

func TestValidateLead_Full(t *testing.T) {
	v := MustJSONSchemaValidator()
	err := v.ValidateLead(map[string]any{
		"leadId":  "lead-1",
		"email":   "jane@acme.io",
		"name":    "Jane",
		"company": "Acme",
		"product": "booker",
		"data":    map[string]any{"budget": 5000},
		"utm":     "spring",
	})
	assert.NoError(t, err)
}

func TestValidateLead_MissingEmail(t *testing.T) {
	v := MustJSONSchemaValidator()

	err := v.ValidateLead(map[string]any{"name": "Jane"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestValidateLead_BadEmail(t *testing.T) {
	v := MustJSONSchemaValidator()
	err := v.ValidateLead(map[string]any{"email": "not-an-email"})
	require.Error(t, err)
}

func TestValidateLead_DataMustBeObject(t *testing.T) {
	v := MustJSONSchemaValidator()
	err := v.ValidateLead(map[string]any{"email": "jane@acme.io", "data": "nope"})
	require.Error(t, err)

	lfErr, ok := err.(*schema.LeadflowError)
	require.True(t, ok)
	assert.Contains(t, lfErr.Details, "violations")
}

// --- ValidateProduct ---

func TestValidateProduct_Valid(t *testing.T) {
	v := MustJSONSchemaValidator()
	err := v.ValidateProduct(map[string]any{
		"name":           "AI Booker",
		"slug":           "saas-booker",
		"allowed_agents": []any{"qualifier", "scheduler"},
		"primary_goal":   "book_meeting",
		"workflow_type":  "lead_flow",
	})
	assert.NoError(t, err)
}

func TestValidateProduct_Violations(t *testing.T) {
	v := MustJSONSchemaValidator()

	tests := []struct {
		name    string
		product map[string]any
	}{
		{"missing slug", map[string]any{"name": "x", "allowed_agents": []any{}, "workflow_type": "lead_flow"}},
		{"bad slug", map[string]any{"name": "x", "slug": "Bad Slug", "allowed_agents": []any{}, "workflow_type": "lead_flow"}},
		{"unknown agent", map[string]any{"name": "x", "slug": "x", "allowed_agents": []any{"Closer!"}, "workflow_type": "lead_flow"}},
		{"duplicate agent", map[string]any{"name": "x", "slug": "x", "allowed_agents": []any{"qualifier", "qualifier"}, "workflow_type": "lead_flow"}},
		{"unknown workflow type", map[string]any{"name": "x", "slug": "x", "allowed_agents": []any{}, "workflow_type": "nurture"}},
		{"extra field", map[string]any{"name": "x", "slug": "x", "allowed_agents": []any{}, "workflow_type": "lead_flow", "price": 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateProduct(tt.product)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
		})
	}
}

func TestValidateProduct_MultipleViolationsSummarized(t *testing.T) {
	v := MustJSONSchemaValidator()
	err := v.ValidateProduct(map[string]any{"slug": "Bad Slug", "workflow_type": "nurture"})
	require.Error(t, err)

	lfErr, ok := err.(*schema.LeadflowError)
	require.True(t, ok)
	assert.Contains(t, lfErr.Message, "validation failed with")
	violations, ok := lfErr.Details["violations"].([]string)
	require.True(t, ok)
	assert.Greater(t, len(violations), 1)
}

// --- ValidateDocument ---

func TestValidateDocument_EmptySchema(t *testing.T) {
	v := MustJSONSchemaValidator()
	assert.NoError(t, v.ValidateDocument(map[string]any{"foo": "bar"}, nil))
	assert.NoError(t, v.ValidateDocument(map[string]any{"foo": "bar"}, []byte{}))
}

func TestValidateDocument_Object(t *testing.T) {
	v := MustJSONSchemaValidator()
	s := []byte(`{
		"type": "object",
		"required": ["score"],
		"properties": {"score": {"type": "number", "minimum": 0, "maximum": 100}}
	}`)

	assert.NoError(t, v.ValidateDocument(map[string]any{"score": 87}, s))
	assert.Error(t, v.ValidateDocument(map[string]any{"score": 101}, s))
	assert.Error(t, v.ValidateDocument(map[string]any{}, s))
}

func TestValidateDocument_StructValue(t *testing.T) {
	v := MustJSONSchemaValidator()
	type out struct {
		Channel string `json:"channel"`
	}
	s := []byte(`{"type": "object", "properties": {"channel": {"enum": ["email", "sms"]}}}`)

	assert.NoError(t, v.ValidateDocument(out{Channel: "sms"}, s))
	assert.Error(t, v.ValidateDocument(out{Channel: "fax"}, s))
}

func TestValidateDocument_InvalidSchema(t *testing.T) {
	v := MustJSONSchemaValidator()
	err := v.ValidateDocument(map[string]any{}, []byte(`{not json`))
	require.Error(t, err)

	lfErr, ok := err.(*schema.LeadflowError)
	require.True(t, ok)
	assert.Contains(t, lfErr.Message, "invalid schema")
}

func TestValidateDocument_CacheReuse(t *testing.T) {
	v := MustJSONSchemaValidator()
	s := []byte(`{"type": "object"}`)

	require.NoError(t, v.ValidateDocument(map[string]any{}, s))
	require.NoError(t, v.ValidateDocument(map[string]any{}, s))

	v.mu.RLock()
	assert.Len(t, v.cache, 1)
	v.mu.RUnlock()
}

func TestValidateDocument_ConcurrentAccess(t *testing.T) {
	v := MustJSONSchemaValidator()
	s := []byte(`{"type": "object", "required": ["id"]}`)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidateDocument(map[string]any{"id": "x"}, s))
		}()
	}
	wg.Wait()

	v.mu.RLock()
	assert.Len(t, v.cache, 1)
	v.mu.RUnlock()
}
