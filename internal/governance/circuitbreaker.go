package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit is probing whether the service recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	// Zero disables the breaker.
	MaxFailures int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// MaxHalfOpenRequests is the number of successful probes that close the
	// circuit again.
	MaxHalfOpenRequests int
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker stops calling a service that keeps failing.
type CircuitBreaker struct {
	mu     sync.Mutex
	state  CircuitBreakerState
	config CircuitBreakerConfig
	now    func() time.Time

	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenInFlight     int
	openUntil            time.Time
	lastStateChange      time.Time
	onStateChange        func(from, to CircuitBreakerState)
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures < 0 {
		config.MaxFailures = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = 1
	}
	return &CircuitBreaker{
		state:           StateClosed,
		config:          config,
		now:             time.Now,
		lastStateChange: time.Now(),
	}
}

// OnStateChange registers a callback run, under the breaker lock, on every
// transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitBreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// ExecuteContext wraps a call with circuit breaker protection.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.config.MaxFailures == 0 {
		return nil
	}

	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.openUntil) {
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen)
		cb.halfOpenInFlight++
		return nil
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.MaxHalfOpenRequests {
			return ErrCircuitOpen
		}
		cb.halfOpenInFlight++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.config.MaxFailures == 0 {
		return
	}
	// A cancelled caller says nothing about the service.
	if errors.Is(err, context.Canceled) {
		if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		return
	}

	if err == nil {
		cb.consecutiveFailures = 0
		cb.consecutiveSuccesses++
	} else {
		cb.consecutiveSuccesses = 0
		cb.consecutiveFailures++
	}

	switch cb.state {
	case StateHalfOpen:
		if err != nil {
			cb.transitionLocked(StateOpen)
			return
		}
		if cb.consecutiveSuccesses >= cb.config.MaxHalfOpenRequests {
			cb.transitionLocked(StateClosed)
		}
	case StateClosed:
		if cb.consecutiveFailures >= cb.config.MaxFailures {
			cb.transitionLocked(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitBreakerState) {
	from := cb.state
	if from == to {
		return
	}
	now := cb.now()
	cb.state = to
	cb.lastStateChange = now
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenInFlight = 0
	if to == StateOpen {
		cb.openUntil = now.Add(cb.config.Timeout)
	} else {
		cb.openUntil = time.Time{}
	}
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastStateChange     string `json:"lastStateChange"`
	OpenUntil           string `json:"openUntil,omitempty"`
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := CircuitBreakerStats{
		State:               string(cb.state),
		ConsecutiveFailures: cb.consecutiveFailures,
		LastStateChange:     cb.lastStateChange.Format(time.RFC3339),
	}
	if !cb.openUntil.IsZero() {
		s.OpenUntil = cb.openUntil.Format(time.RFC3339)
	}
	return s
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.consecutiveFailures = 0
}
