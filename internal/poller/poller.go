// Package poller runs the reconciliation sweeps: it re-drives workflows that
// stopped making progress and sends reminders for upcoming meetings.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/metrics"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/pkg/schema"
)

// Defaults for Config.
const (
	DefaultSchedule       = "@every 60s"
	DefaultStaleAfter     = 24 * time.Hour
	DefaultStaleLimit     = 10
	DefaultReminderWindow = time.Hour
	DefaultReminderLimit  = 20

	ReminderSubject = "Meeting Reminder"
)

// StaleStates are the in-flight states the sweep looks at.
var StaleStates = []schema.WorkflowState{
	schema.StateFollowingUp,
	schema.StateLeadReceived,
	schema.StateQualified,
}

// Store is the read side the poller needs.
type Store interface {
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error)
	ListMeetings(ctx context.Context, filter store.MeetingFilter) ([]*store.Meeting, error)
	ClaimReminder(ctx context.Context, meetingID, windowKey string) (bool, error)
}

// Processor advances a workflow by one step.
type Processor interface {
	ProcessWorkflow(ctx context.Context, tenantID, workflowID string) error
}

// Publisher emits domain events.
type Publisher interface {
	Publish(ctx context.Context, event schema.DomainEvent)
}

// ActionExecutor runs side-effecting actions.
type ActionExecutor interface {
	Execute(ctx context.Context, req schema.ActionRequest) *schema.ActionResult
}

// Config wires a Poller. Zero values take the defaults above.
type Config struct {
	Store   Store
	Engine  Processor
	Events  Publisher
	Actions ActionExecutor

	Schedule       string
	StaleAfter     time.Duration
	StaleLimit     int
	ReminderWindow time.Duration
	ReminderLimit  int
	// ReminderDedup claims (meeting, window) before sending so each meeting
	// gets one reminder per window. Off sends on every tick that sees it.
	ReminderDedup bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Poller runs the sweeps on a cron schedule.
type Poller struct {
	cfg      Config
	schedule cron.Schedule
	logger   *slog.Logger

	running atomic.Bool // a tick is in flight

	// staleCursor is where the next stale sweep resumes, so workflows that
	// stay stuck cannot hold the first page forever.
	sweepMu     sync.Mutex
	staleCursor *store.WorkflowCursor

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates cfg and parses its schedule.
func New(cfg Config) (*Poller, error) {
	switch {
	case cfg.Store == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "poller: store is required")
	case cfg.Engine == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "poller: engine is required")
	case cfg.Events == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "poller: event publisher is required")
	case cfg.Actions == nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "poller: action executor is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.StaleLimit <= 0 {
		cfg.StaleLimit = DefaultStaleLimit
	}
	if cfg.ReminderWindow <= 0 {
		cfg.ReminderWindow = DefaultReminderWindow
	}
	if cfg.ReminderLimit <= 0 {
		cfg.ReminderLimit = DefaultReminderLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	sched, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid poller schedule %q", cfg.Schedule).WithCause(err)
	}
	return &Poller{cfg: cfg, schedule: sched, logger: cfg.Logger}, nil
}

// Start launches the background loop. The first tick runs immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return fmt.Errorf("poller already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(loopCtx, p.done)
	p.logger.Info("poller started", slog.String("schedule", p.cfg.Schedule))
	return nil
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	p.Tick(ctx)
	for {
		wait := time.Until(p.schedule.Next(time.Now()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.Tick(ctx)
		}
	}
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (p *Poller) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
	p.logger.Info("poller stopped")
	return nil
}

// Tick runs both sweeps once. It returns false without doing anything when
// another tick is still running.
func (p *Poller) Tick(ctx context.Context) bool {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Warn("previous tick still running, skipping")
		return false
	}
	defer p.running.Store(false)

	if err := p.SweepStale(ctx); err != nil {
		p.logger.Error("stale sweep failed", slog.String("error", err.Error()))
	}
	if err := p.SendReminders(ctx); err != nil {
		p.logger.Error("reminder sweep failed", slog.String("error", err.Error()))
	}
	return true
}

// SweepStale re-drives in-flight workflows untouched for StaleAfter. Parked
// following_up workflows get a no_response event; the rest are processed
// directly. Per-workflow errors are logged and do not stop the sweep.
//
// Each sweep takes the next StaleLimit workflows after the previous sweep's
// last one and wraps around once a short page shows the end was reached.
func (p *Poller) SweepStale(ctx context.Context) error {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()

	cutoff := p.cfg.Now().Add(-p.cfg.StaleAfter)
	stale, err := p.cfg.Store.ListWorkflows(ctx, store.WorkflowFilter{
		States:        StaleStates,
		UpdatedBefore: &cutoff,
		After:         p.staleCursor,
		Limit:         p.cfg.StaleLimit,
	})
	if err != nil {
		return err
	}
	if len(stale) < p.cfg.StaleLimit {
		p.staleCursor = nil
	} else {
		p.staleCursor = store.CursorOf(stale[len(stale)-1])
	}

	for _, wf := range stale {
		wctx := logging.WithWorkflow(ctx, wf.TenantID, wf.ID, wf.LeadID)
		log := logging.LogWith(wctx, p.logger)
		p.cfg.Metrics.StaleSwept(string(wf.CurrentState))

		if wf.CurrentState == schema.StateFollowingUp {
			log.Info("stale workflow awaiting reply, emitting no_response")
			p.cfg.Events.Publish(wctx, schema.NewEvent(schema.EventNoResponse, wf.TenantID, map[string]any{
				schema.PayloadWorkflowID: wf.ID,
				schema.PayloadLeadID:     wf.LeadID,
			}))
			continue
		}
		log.Info("re-driving stale workflow", slog.String("state", string(wf.CurrentState)))
		if err := p.cfg.Engine.ProcessWorkflow(wctx, wf.TenantID, wf.ID); err != nil {
			log.Error("stale workflow processing failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// SendReminders emails leads whose confirmed meeting starts within
// ReminderWindow.
func (p *Poller) SendReminders(ctx context.Context) error {
	now := p.cfg.Now()
	until := now.Add(p.cfg.ReminderWindow)
	meetings, err := p.cfg.Store.ListMeetings(ctx, store.MeetingFilter{
		Status:          store.MeetingConfirmed,
		ScheduledAfter:  &now,
		ScheduledBefore: &until,
		Limit:           p.cfg.ReminderLimit,
	})
	if err != nil {
		return err
	}

	for _, m := range meetings {
		mctx := logging.WithTenantID(ctx, m.TenantID)
		mctx = logging.WithLeadID(mctx, m.LeadID)
		log := logging.LogWith(mctx, p.logger).With(slog.String("meeting_id", m.ID))

		if m.LeadEmail == "" {
			log.Warn("meeting lead has no email, reminder skipped")
			continue
		}
		at := m.ScheduledAt.UTC().Format(isoMillis)
		if p.cfg.ReminderDedup {
			claimed, err := p.cfg.Store.ClaimReminder(mctx, m.ID, p.windowKey(at))
			if err != nil {
				log.Error("reminder claim failed", slog.String("error", err.Error()))
				continue
			}
			if !claimed {
				log.Debug("reminder already sent for this window")
				continue
			}
		}

		res := p.cfg.Actions.Execute(mctx, schema.ActionRequest{
			Action:   schema.ActionSendEmail,
			TenantID: m.TenantID,
			Payload: map[string]any{
				"to":      m.LeadEmail,
				"subject": ReminderSubject,
				"body":    ReminderBody(m.ScheduledAt),
			},
		})
		if !res.Success {
			log.Warn("reminder not sent", slog.String("error", res.Error))
			continue
		}
		p.cfg.Metrics.ReminderSent()
	}
	return nil
}

const isoMillis = "2006-01-02T15:04:05.000Z"

// ReminderBody is the reminder email text for a meeting at t.
func ReminderBody(t time.Time) string {
	return "Reminder: Your meeting is scheduled for " + t.UTC().Format(isoMillis)
}

// windowKey names the reminder window for a meeting time. Rescheduling a
// meeting yields a new key.
func (p *Poller) windowKey(scheduledAt string) string {
	return fmt.Sprintf("%s@%s", p.cfg.ReminderWindow, scheduledAt)
}
