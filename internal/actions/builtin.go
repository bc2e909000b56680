package actions

import (
	"log/slog"

	"github.com/rendis/leadflow/internal/validation"
)

// Builtins holds the collaborators of the four built-in handlers. Nil fields
// fall back to log-only behaviour.
type Builtins struct {
	Mailer    Mailer
	Booker    MeetingBooker
	Webhook   WebhookConfig
	Validator validation.Validator
	Logger    *slog.Logger
}

// RegisterBuiltins registers send_email, schedule_calendar, fire_webhook and
// update_crm on d.
func RegisterBuiltins(d *Dispatcher, b Builtins) error {
	mailer := b.Mailer
	if mailer == nil {
		mailer = LogMailer{Logger: b.Logger}
	}
	for _, h := range []Handler{
		NewEmailHandler(mailer, b.Validator),
		NewCalendarHandler(b.Booker, b.Validator, b.Logger),
		NewWebhookHandler(b.Webhook, b.Validator, b.Logger),
		NewCRMHandler(b.Validator, b.Logger),
	} {
		if err := d.Register(h); err != nil {
			return err
		}
	}
	return nil
}
