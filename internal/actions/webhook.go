package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/validation"
	"github.com/rendis/leadflow/pkg/schema"
)

const (
	defaultWebhookTimeout  = 10 * time.Second
	defaultMaxResponseBody = 64 * 1024
)

const webhookPayloadSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string", "format": "uri"},
    "method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "get", "post", "put", "patch", "delete"]},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {}
  }
}`

// WebhookConfig configures WebhookHandler.
type WebhookConfig struct {
	// AttemptTimeout bounds each HTTP attempt.
	AttemptTimeout  time.Duration
	MaxResponseBody int64
	Retry           RetryPolicy
	Breaker         BreakerConfig
	// Client overrides the HTTP client.
	Client *http.Client
}

// WebhookHandler implements fire_webhook: an HTTP call with retries and a
// circuit breaker per target host.
type WebhookHandler struct {
	config    WebhookConfig
	client    *http.Client
	breakers  *Breakers
	validator validation.Validator
	logger    *slog.Logger
	now       func() time.Time
}

func NewWebhookHandler(cfg WebhookConfig, validator validation.Validator, logger *slog.Logger) *WebhookHandler {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultWebhookTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		config:    cfg,
		client:    client,
		breakers:  NewBreakers(cfg.Breaker),
		validator: validator,
		logger:    logger,
		now:       time.Now,
	}
}

func (h *WebhookHandler) Type() schema.ActionType { return schema.ActionFireWebhook }

// Breakers exposes the per-host circuit state.
func (h *WebhookHandler) Breakers() *Breakers { return h.breakers }

func (h *WebhookHandler) Execute(ctx context.Context, req schema.ActionRequest) (*schema.ActionResult, error) {
	p := req.Payload
	if res := checkPayload(h.validator, schema.ActionFireWebhook, p,
		"Missing required field: url", webhookPayloadSchema, "url"); res != nil {
		return res, nil
	}

	rawURL := stringParam(p, "url", "")
	target, err := url.Parse(rawURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return schema.ActionFailure(schema.ActionFireWebhook, "Invalid url: "+rawURL), nil
	}
	method := strings.ToUpper(stringParam(p, "method", http.MethodPost))

	var body []byte
	if raw, ok := p["body"]; ok && raw != nil {
		body, err = json.Marshal(raw)
		if err != nil {
			return schema.ActionFailure(schema.ActionFireWebhook, "Invalid body: "+err.Error()), nil
		}
	}

	host := target.Host
	if err := h.breakers.Allow(host); err != nil {
		return nil, err
	}

	status, attempts, err := h.deliver(ctx, method, target.String(), body, headersParam(p))
	if err != nil {
		if status == 0 || retryableStatus(status) {
			if h.breakers.Failure(host) == CircuitOpen {
				logging.LogWith(ctx, h.logger).Warn("webhook circuit opened", slog.String("host", host))
			}
		}
		return nil, err
	}
	h.breakers.Success(host)

	return schema.ActionSuccess(schema.ActionFireWebhook, map[string]any{
		"url":        rawURL,
		"method":     method,
		"statusCode": status,
		"attempts":   attempts,
		"firedAt":    h.now().UTC().Format(isoMillis),
	}), nil
}

// deliver sends the request, retrying transport errors and retryable statuses.
// It returns the last status seen (0 when no response arrived) and the number
// of attempts made.
func (h *WebhookHandler) deliver(ctx context.Context, method, target string, body []byte, headers map[string]string) (int, int, error) {
	policy := h.config.Retry
	var (
		status  int
		lastErr error
	)
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := waitBackoff(ctx, policy.backoff(attempt-1)); err != nil {
				return status, attempt, actionError(schema.ActionFireWebhook, "cancelled after %d attempts", attempt).WithCause(err)
			}
		}

		status, lastErr = h.attempt(ctx, method, target, body, headers)
		if lastErr == nil {
			return status, attempt + 1, nil
		}
		retry := retryableError(lastErr)
		if status != 0 {
			retry = retryableStatus(status)
		}
		logging.LogWith(ctx, h.logger).Debug("webhook attempt failed",
			slog.Int("attempt", attempt+1),
			slog.Int("status", status),
			slog.String("error", lastErr.Error()))
		if !retry {
			return status, attempt + 1, actionError(schema.ActionFireWebhook, "%v", lastErr).WithCause(lastErr)
		}
	}
	return status, policy.MaxAttempts, actionError(schema.ActionFireWebhook,
		"gave up after %d attempts: %v", policy.MaxAttempts, lastErr).WithCause(lastErr)
}

func (h *WebhookHandler) attempt(ctx context.Context, method, target string, body []byte, headers map[string]string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, h.config.AttemptTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "leadflow-webhook/1")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, h.config.MaxResponseBody))

	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%s %s returned %d", method, target, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func headersParam(p map[string]any) map[string]string {
	raw, ok := p["headers"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
