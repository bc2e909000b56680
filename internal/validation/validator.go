package validation

// Validator checks documents crossing a system boundary before they reach the
// orchestrator. Uses JSON Schema Draft 2020-12.
type Validator interface {
	// ValidateLead checks an inbound lead payload.
	ValidateLead(input map[string]any) error
	// ValidateProduct checks a product definition loaded from configuration.
	ValidateProduct(product map[string]any) error
	// ValidateDocument checks any JSON-shaped value against a raw schema.
	ValidateDocument(doc any, schemaJSON []byte) error
}
