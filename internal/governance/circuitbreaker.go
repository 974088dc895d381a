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
	// StateHalfOpen indicates the circuit is probing whether the source recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit. Zero disables breaking.
	MaxFailures int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// MaxHalfOpenRequests is the number of probe calls allowed while half-open;
	// that many consecutive successes close the circuit.
	MaxHalfOpenRequests int
	// IsFailure decides which errors count against the circuit. Nil counts every error.
	IsFailure func(error) bool
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker stops calling a connection after repeated failures.
type CircuitBreaker struct {
	mu                   sync.Mutex
	config               CircuitBreakerConfig
	state                CircuitBreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenInFlight     int
	openUntil            time.Time
	lastStateChange      time.Time
	now                  func() time.Time
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
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// ExecuteContext runs fn if the circuit allows it and records the outcome.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeCall(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
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
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.MaxHalfOpenRequests {
			return ErrCircuitOpen
		}
		cb.halfOpenInFlight++
	}
	return nil
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.config.MaxFailures == 0 {
		return
	}
	failed := err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err))
	if cb.state == StateHalfOpen {
		cb.halfOpenInFlight--
	}

	if failed {
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
		if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.config.MaxFailures {
			cb.transitionLocked(StateOpen)
		}
		return
	}

	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses++
	if cb.state == StateHalfOpen && cb.consecutiveSuccesses >= cb.config.MaxHalfOpenRequests {
		cb.transitionLocked(StateClosed)
	}
}

func (cb *CircuitBreaker) transitionLocked(state CircuitBreakerState) {
	if cb.state == state {
		return
	}
	now := cb.now()
	cb.state = state
	cb.lastStateChange = now
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenInFlight = 0
	if state == StateOpen {
		cb.openUntil = now.Add(cb.config.Timeout)
	} else {
		cb.openUntil = time.Time{}
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
}

// CircuitBreakerSet holds one circuit breaker per connection key.
type CircuitBreakerSet struct {
	mu       sync.Mutex
	defaults CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerSet creates a set whose breakers default to defaults.
func NewCircuitBreakerSet(defaults CircuitBreakerConfig) *CircuitBreakerSet {
	return &CircuitBreakerSet{defaults: defaults, breakers: make(map[string]*CircuitBreaker)}
}

// Configure installs a breaker with a specific configuration for key.
func (s *CircuitBreakerSet) Configure(key string, config CircuitBreakerConfig) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if config.IsFailure == nil {
		config.IsFailure = s.defaults.IsFailure
	}
	cb := NewCircuitBreaker(config)
	s.breakers[key] = cb
	return cb
}

// Get retrieves the breaker for key, creating one from the defaults if needed.
func (s *CircuitBreakerSet) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	cb := NewCircuitBreaker(s.defaults)
	s.breakers[key] = cb
	return cb
}

// States reports the state of every breaker.
func (s *CircuitBreakerSet) States() map[string]CircuitBreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CircuitBreakerState, len(s.breakers))
	for key, cb := range s.breakers {
		out[key] = cb.State()
	}
	return out
}
