// Package metrics exposes Prometheus collectors for the orchestrator, the
// action dispatcher, the event bus and the poller. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leadflow"

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds every collector, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	steps           *prometheus.CounterVec
	conflicts       prometheus.Counter
	actions         *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	staleSwept      *prometheus.CounterVec
	remindersSent   prometheus.Counter
	handlersActive  prometheus.Gauge
	handled         *prometheus.CounterVec
	deadLettered    *prometheus.CounterVec
	agentDuration   *prometheus.HistogramVec
	actionDuration  *prometheus.HistogramVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Agent steps executed by the orchestrator.",
		}, []string{"agent", "outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transition_conflicts_total",
			Help:      "Transitions rejected because the workflow moved concurrently.",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Actions dispatched.",
		}, []string{"action", "outcome"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_failures_total",
			Help:      "Domain events that could not be published.",
		}, []string{"event_type"}),
		staleSwept: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_workflows_swept_total",
			Help:      "Stale workflows picked up by the poller.",
		}, []string{"state"}),
		remindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "meeting_reminders_sent_total",
			Help:      "Meeting reminder emails dispatched.",
		}),
		handlersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_handlers_active",
			Help:      "Event handlers currently running.",
		}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_handlers_total",
			Help:      "Event handler runs by outcome.",
		}, []string{"outcome"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dead_lettered_total",
			Help:      "Events moved to the dead-letter stream after too many deliveries.",
		}, []string{"event_type"}),
		agentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_duration_seconds",
			Help:      "Agent execution latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"agent"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Action execution latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.steps, m.conflicts, m.actions, m.publishFailures,
		m.staleSwept, m.remindersSent, m.handlersActive, m.handled, m.deadLettered,
		m.agentDuration, m.actionDuration,
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func outcome(success bool) string {
	if success {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// ObserveStep records one agent run.
func (m *Metrics) ObserveStep(agent string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(agent, outcome(success)).Inc()
	m.agentDuration.WithLabelValues(agent).Observe(d.Seconds())
}

// TransitionConflict records a lost optimistic update.
func (m *Metrics) TransitionConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// ObserveAction records one dispatched action.
func (m *Metrics) ObserveAction(action string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome(success)).Inc()
	m.actionDuration.WithLabelValues(action).Observe(d.Seconds())
}

// PublishFailed records an event that did not reach the transport.
func (m *Metrics) PublishFailed(eventType string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(eventType).Inc()
}

// StaleSwept records a stale workflow handled by the poller.
func (m *Metrics) StaleSwept(state string) {
	if m == nil {
		return
	}
	m.staleSwept.WithLabelValues(state).Inc()
}

// ReminderSent records a dispatched meeting reminder.
func (m *Metrics) ReminderSent() {
	if m == nil {
		return
	}
	m.remindersSent.Inc()
}

// HandlerStarted records an event handler picked up by a worker.
func (m *Metrics) HandlerStarted() {
	if m == nil {
		return
	}
	m.handlersActive.Inc()
}

// HandlerFinished records the end of a handler started with HandlerStarted.
func (m *Metrics) HandlerFinished(success bool) {
	if m == nil {
		return
	}
	m.handlersActive.Dec()
	m.handled.WithLabelValues(outcome(success)).Inc()
}

// DeadLettered records an event given up on after its delivery limit.
func (m *Metrics) DeadLettered(eventType string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(eventType).Inc()
}
