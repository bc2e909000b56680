package actions

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/validation"
	"github.com/rendis/leadflow/pkg/schema"
)

// isoMillis renders timestamps the way the rest of the platform reports them.
const isoMillis = "2006-01-02T15:04:05.000Z"

const emailPayloadSchema = `{
  "type": "object",
  "required": ["to", "subject", "body"],
  "properties": {
    "to": {"type": "string", "format": "email"},
    "subject": {"type": "string"},
    "body": {"type": "string"}
  }
}`

// Message is one outbound email.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Mailer delivers email.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer only logs messages. It backs development setups with no SMTP relay.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) Send(ctx context.Context, msg Message) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logging.LogWith(ctx, logger).Info("email sent (log mailer)",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject))
	return nil
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	// StartTLS upgrades the connection when the server offers it.
	StartTLS bool `mapstructure:"starttls"`
}

// SMTPMailer sends plain-text mail through an SMTP relay.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer validates cfg.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "smtp host is required")
	}
	if cfg.From == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "smtp from address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPMailer{cfg: cfg}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if m.cfg.StartTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}
	if m.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	from := msg.From
	if from == "" {
		from = m.cfg.From
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(formatMessage(from, msg)); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	return c.Quit()
}

func formatMessage(from string, msg Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	b.WriteString("Subject: " + strings.NewReplacer("\r", "", "\n", "").Replace(msg.Subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// EmailHandler implements send_email.
type EmailHandler struct {
	mailer    Mailer
	validator validation.Validator
	now       func() time.Time
}

// NewEmailHandler creates the send_email handler. A nil mailer logs only.
func NewEmailHandler(mailer Mailer, validator validation.Validator) *EmailHandler {
	if mailer == nil {
		mailer = LogMailer{}
	}
	return &EmailHandler{mailer: mailer, validator: validator, now: time.Now}
}

func (h *EmailHandler) Type() schema.ActionType { return schema.ActionSendEmail }

func (h *EmailHandler) Execute(ctx context.Context, req schema.ActionRequest) (*schema.ActionResult, error) {
	p := req.Payload
	if res := checkPayload(h.validator, schema.ActionSendEmail, p,
		"Missing required fields: to, subject, body", emailPayloadSchema, "to", "subject", "body"); res != nil {
		return res, nil
	}

	msg := Message{
		To:      stringParam(p, "to", ""),
		Subject: stringParam(p, "subject", ""),
		Body:    stringParam(p, "body", ""),
	}
	if err := h.mailer.Send(ctx, msg); err != nil {
		return nil, actionError(schema.ActionSendEmail, "delivery to %s failed: %v", msg.To, err).WithCause(err)
	}
	return schema.ActionSuccess(schema.ActionSendEmail, map[string]any{
		"to":      msg.To,
		"subject": msg.Subject,
		"sentAt":  h.now().UTC().Format(isoMillis),
	}), nil
}
