package actions

import (
	"sync"
	"time"

	"github.com/rendis/leadflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-host circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the circuit opens.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before letting a trial request through.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial requests allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the webhook breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type hostBreaker struct {
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenAttempts    int
}

// Breakers tracks one circuit per webhook host.
type Breakers struct {
	mu     sync.Mutex
	hosts  map[string]*hostBreaker
	config BreakerConfig
	now    func() time.Time
}

// NewBreakers creates a breaker set. Zero config fields take the defaults.
func NewBreakers(config BreakerConfig) *Breakers {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &Breakers{
		hosts:  make(map[string]*hostBreaker),
		config: config,
		now:    time.Now,
	}
}

// Allow returns nil when a request to host may proceed and a CIRCUIT_OPEN
// error otherwise.
func (b *Breakers) Allow(host string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.get(host)

	switch cb.state {
	case CircuitOpen:
		since := b.now().Sub(cb.lastFailure)
		if since >= b.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for host %s after %d consecutive failures", host, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"host":               host,
				"state":              cb.state.String(),
				"cooldown_remaining": (b.config.Cooldown - since).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for host %s: trial request in flight", host)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// Success closes the circuit for host.
func (b *Breakers) Success(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.get(host)
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// Failure records a failed request and returns the resulting state. A failure
// while half-open reopens the circuit.
func (b *Breakers) Failure(host string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.get(host)
	cb.consecutiveFailures++
	cb.lastFailure = b.now()
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= b.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the circuit state for host.
func (b *Breakers) State(host string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.get(host)
	if cb.state == CircuitOpen && b.now().Sub(cb.lastFailure) >= b.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

func (b *Breakers) get(host string) *hostBreaker {
	cb, ok := b.hosts[host]
	if !ok {
		cb = &hostBreaker{state: CircuitClosed}
		b.hosts[host] = cb
	}
	return cb
}
