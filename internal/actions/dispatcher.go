package actions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/metrics"
	"github.com/rendis/leadflow/pkg/schema"
)

// DefaultTimeout bounds a single action execution.
const DefaultTimeout = 30 * time.Second

// Execution describes one finished dispatch. It is handed to the LogHook.
type Execution struct {
	TenantID   string
	Action     schema.ActionType
	Payload    map[string]any
	Success    bool
	DurationMs int64
	Error      string
}

// LogHook observes every dispatch. Its errors and panics never reach the caller.
type LogHook func(ctx context.Context, exec Execution) error

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Dispatcher routes action requests to registered handlers. It is safe for
// concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[schema.ActionType]Handler
	hook     LogHook

	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[schema.ActionType]Handler),
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Register adds a handler. Returns error on duplicate type.
func (d *Dispatcher) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "action handler is nil")
	}
	t := h.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "action type is empty")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", t)
	}
	d.handlers[t] = h
	return nil
}

// Has checks if a handler is registered for t.
func (d *Dispatcher) Has(t schema.ActionType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[t]
	return ok
}

// List returns the registered action types, sorted.
func (d *Dispatcher) List() []schema.ActionType {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]schema.ActionType, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetLogger installs the execution hook, replacing any previous one.
func (d *Dispatcher) SetLogger(hook LogHook) {
	d.mu.Lock()
	d.hook = hook
	d.mu.Unlock()
}

// Execute runs req and always returns a result. Unknown actions, handler
// errors, panics and timeouts come back as failed results.
func (d *Dispatcher) Execute(ctx context.Context, req schema.ActionRequest) *schema.ActionResult {
	ctx = logging.WithTenantID(ctx, req.TenantID)
	start := time.Now()

	d.mu.RLock()
	h, ok := d.handlers[req.Action]
	hook := d.hook
	d.mu.RUnlock()

	var result *schema.ActionResult
	if !ok {
		result = schema.ActionFailure(req.Action, fmt.Sprintf("No handler registered for action: %s", req.Action))
	} else {
		logging.LogWith(ctx, d.logger).Debug("executing action", slog.String("action", string(req.Action)))
		result = d.run(ctx, h, req)
	}
	elapsed := time.Since(start)

	if result.Success {
		logging.LogWith(ctx, d.logger).Info("action completed",
			slog.String("action", string(req.Action)),
			slog.Int64("duration_ms", elapsed.Milliseconds()))
	} else {
		logging.LogWith(ctx, d.logger).Warn("action failed",
			slog.String("action", string(req.Action)),
			slog.String("error", result.Error))
	}
	d.metrics.ObserveAction(string(req.Action), result.Success, elapsed)

	if hook != nil {
		d.callHook(ctx, hook, Execution{
			TenantID:   req.TenantID,
			Action:     req.Action,
			Payload:    req.Payload,
			Success:    result.Success,
			DurationMs: elapsed.Milliseconds(),
			Error:      result.Error,
		})
	}
	return result
}

func (d *Dispatcher) run(ctx context.Context, h Handler, req schema.ActionRequest) *schema.ActionResult {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	type outcome struct {
		result *schema.ActionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("action panicked: %v", r)}
			}
		}()
		res, err := h.Execute(ctx, req)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return schema.ActionFailure(req.Action, o.err.Error())
		}
		if o.result == nil {
			return schema.ActionFailure(req.Action, "action returned no result")
		}
		if o.result.Action == "" {
			o.result.Action = req.Action
		}
		return o.result
	case <-ctx.Done():
		return schema.ActionFailure(req.Action, fmt.Sprintf("action timed out after %s", d.timeout))
	}
}

func (d *Dispatcher) callHook(ctx context.Context, hook LogHook, exec Execution) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogWith(ctx, d.logger).Error("action log hook panicked", slog.Any("panic", r))
		}
	}()
	if err := hook(ctx, exec); err != nil {
		logging.LogWith(ctx, d.logger).Warn("action log hook failed", slog.String("error", err.Error()))
	}
}
