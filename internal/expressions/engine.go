package expressions

import (
	"context"
	"sync"

	"github.com/rendis/leadflow/pkg/schema"
)

// Engine evaluates an expression against lead data.
// Three implementations: CEL (guards), GoJQ (projections), Expr (scoring).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines bundles one instance of each engine so callers compile once per process.
type Engines struct {
	CEL  *CELEngine
	JQ   *GoJQEngine
	Expr *ExprEngine
}

// NewEngines builds the full engine set.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{
		CEL:  celEngine,
		JQ:   NewGoJQEngine(),
		Expr: NewExprEngine(),
	}, nil
}

// EvaluateBool runs expression and requires a boolean result.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"%s expression %q returned %T, want bool", e.Name(), expression, out)
	}
	return b, nil
}

// EvaluateFloat runs expression and requires a numeric result.
func EvaluateFloat(ctx context.Context, e Engine, expression string, data map[string]any) (float64, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return 0, err
	}
	switch n := out.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	}
	return 0, schema.NewErrorf(schema.ErrCodeValidation,
		"%s expression %q returned %T, want number", e.Name(), expression, out)
}

// programCache memoizes compiled programs by source text.
type programCache[T any] struct {
	mu sync.RWMutex
	m  map[string]T
}

func newProgramCache[T any]() *programCache[T] {
	return &programCache[T]{m: make(map[string]T)}
}

func (c *programCache[T]) getOrCompile(expression string, compile func() (T, error)) (T, error) {
	c.mu.RLock()
	if prg, ok := c.m[expression]; ok {
		c.mu.RUnlock()
		return prg, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if prg, ok := c.m[expression]; ok {
		return prg, nil
	}
	prg, err := compile()
	if err != nil {
		var zero T
		return zero, err
	}
	c.m[expression] = prg
	return prg, nil
}

func (c *programCache[T]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

func compileError(engine, expression string, err error) *schema.LeadflowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func evalError(engine, expression string, err error) *schema.LeadflowError {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
