// Package httpapi exposes lead intake, workflow reads and ops endpoints over
// HTTP with echo.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rendis/leadflow/internal/intake"
	"github.com/rendis/leadflow/internal/memory"
	"github.com/rendis/leadflow/internal/metrics"
	"github.com/rendis/leadflow/pkg/schema"
)

// Intake is the service behind the lead and workflow routes.
type Intake interface {
	CreateLead(ctx context.Context, tenantID string, payload map[string]any) (*intake.Created, error)
	Process(ctx context.Context, tenantID, workflowID string) (*memory.WorkflowView, error)
	Workflow(ctx context.Context, tenantID, workflowID string) (*memory.WorkflowView, error)
	History(ctx context.Context, tenantID, leadID string) (*memory.LeadHistory, error)
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	intake  Intake
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewServer creates a Server. metrics may be nil, in which case /metrics is
// not mounted.
func NewServer(svc Intake, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{intake: svc, metrics: m, logger: logger}
}

// Echo builds the router with all routes and middleware.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Int64("latency_ms", v.Latency.Milliseconds()),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			s.logger.LogAttrs(c.Request().Context(), levelFor(v.Status), "http request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", s.Health)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	v1 := e.Group("/v1/tenants/:tenant")
	v1.POST("/leads", s.CreateLead)
	v1.GET("/leads/:id/history", s.LeadHistory)
	v1.GET("/workflows/:id", s.GetWorkflow)
	v1.POST("/workflows/:id/process", s.ProcessWorkflow)
	return e
}

// Health reports liveness.
// (GET /healthz)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// CreateLead registers a lead and starts its workflow.
// (POST /v1/tenants/:tenant/leads)
func (s *Server) CreateLead(c echo.Context) error {
	var payload map[string]any
	// Body only: path params must not leak into the lead payload.
	if err := (&echo.DefaultBinder{}).BindBody(c, &payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	created, err := s.intake.CreateLead(c.Request().Context(), c.Param("tenant"), payload)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

// ProcessWorkflow runs one orchestrator step.
// (POST /v1/tenants/:tenant/workflows/:id/process)
func (s *Server) ProcessWorkflow(c echo.Context) error {
	view, err := s.intake.Process(c.Request().Context(), c.Param("tenant"), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// GetWorkflow returns the workflow with its latest agent logs.
// (GET /v1/tenants/:tenant/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	view, err := s.intake.Workflow(c.Request().Context(), c.Param("tenant"), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// LeadHistory returns the lead with its recent workflows and meetings.
// (GET /v1/tenants/:tenant/leads/:id/history)
func (s *Server) LeadHistory(c echo.Context) error {
	h, err := s.intake.History(c.Request().Context(), c.Param("tenant"), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h)
}

type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// errorHandler maps LeadflowError codes onto HTTP statuses.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error()}

	var he *echo.HTTPError
	var le *schema.LeadflowError
	switch {
	case errors.As(err, &he):
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			body.Error = msg
		}
	case errors.As(err, &le):
		status = statusFor(le.Code)
		body = errorBody{Error: le.Message, Code: le.Code, Details: le.Details}
	}
	if status >= 500 {
		s.logger.Error("request failed", slog.String("path", c.Path()), slog.String("error", err.Error()))
		if le != nil {
			body = errorBody{Error: "internal error", Code: le.Code}
		}
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict:
		return http.StatusConflict
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
