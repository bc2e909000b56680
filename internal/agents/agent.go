package agents

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/pkg/schema"
)

// Agent turns lead data into a structured decision.
type Agent interface {
	Type() schema.AgentType
	Execute(ctx context.Context, input schema.AgentInput) (map[string]any, error)
}

// DefaultTimeout bounds a single agent call when no timeout is configured.
const DefaultTimeout = 60 * time.Second

// Registry is a thread-safe set of agents keyed by type.
type Registry struct {
	mu      sync.RWMutex
	agents  map[schema.AgentType]Agent
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry. A zero timeout means DefaultTimeout.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents:  make(map[schema.AgentType]Agent),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds an agent. Returns error on nil agent or duplicate type.
func (r *Registry) Register(agent Agent) error {
	if agent == nil {
		return schema.NewError(schema.ErrCodeValidation, "agent is nil")
	}
	t := agent.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", t)
	}
	r.agents[t] = agent
	return nil
}

// Get retrieves an agent by type.
func (r *Registry) Get(t schema.AgentType) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown agent type: %s", t)
	}
	return agent, nil
}

// Has checks if an agent type is registered.
func (r *Registry) Has(t schema.AgentType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[t]
	return ok
}

// List returns the registered agent types, sorted.
func (r *Registry) List() []schema.AgentType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]schema.AgentType, 0, len(r.agents))
	for t := range r.agents {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Timeout returns the per-call bound applied by Run.
func (r *Registry) Timeout() time.Duration { return r.timeout }

type runResult struct {
	output map[string]any
	err    error
}

// Run executes the agent of type t under the registry timeout. Panics inside
// the agent are recovered into AGENT_FAILED errors. A call that outlives the
// timeout returns TIMEOUT_ERROR; the agent goroutine is abandoned and sees a
// cancelled context.
func (r *Registry) Run(ctx context.Context, t schema.AgentType, input schema.AgentInput) (map[string]any, error) {
	agent, err := r.Get(t)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithAgent(ctx, string(t))
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.ErrorContext(ctx, "agent panicked",
					slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
				done <- runResult{err: schema.NewErrorf(schema.ErrCodeAgentFailed, "agent %s panicked: %v", t, p)}
			}
		}()
		out, err := agent.Execute(ctx, input)
		done <- runResult{output: out, err: err}
	}()

	var res runResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = schema.NewErrorf(schema.ErrCodeTimeout, "agent %s did not finish within %s", t, r.timeout).
			WithCause(ctx.Err())
	}

	elapsed := time.Since(start)
	if res.err != nil {
		r.logger.WarnContext(ctx, "agent failed",
			slog.Duration("duration", elapsed), slog.String("error", res.err.Error()))
		return nil, res.err
	}
	if res.output == nil {
		res.output = map[string]any{}
	}
	r.logger.DebugContext(ctx, "agent completed", slog.Duration("duration", elapsed))
	return res.output, nil
}

// agentFailure wraps a cause as AGENT_FAILED naming the agent.
func agentFailure(t schema.AgentType, format string, args ...any) *schema.LeadflowError {
	return schema.NewError(schema.ErrCodeAgentFailed, fmt.Sprintf("[agent:%s] ", t)+fmt.Sprintf(format, args...))
}
