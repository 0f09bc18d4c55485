package toolcall

import (
	"errors"
	"sync"
	"time"

	"github.com/arbiterops/arbiter/internal/pkg/metrics"
)

// ErrCircuitOpen is returned when a tool's circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open: tool unavailable")

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	StateClosed   CircuitBreakerState = iota // Normal operation
	StateOpen                                // Failing fast
	StateHalfOpen                            // Testing if the tool recovered
)

// CircuitBreaker protects one tool. After 5 consecutive failures the circuit
// opens for 60 seconds; half-open admits a single probe call.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	openDuration     time.Duration
	halfOpenMaxCalls int
	toolName         string

	state             CircuitBreakerState
	failureCount      int
	lastFailureTime   time.Time
	halfOpenCallCount int
	lastStateChange   time.Time
}

// NewCircuitBreaker creates a breaker for the named tool with default settings.
func NewCircuitBreaker(toolName string) *CircuitBreaker {
	cb := &CircuitBreaker{
		failureThreshold: 5,
		openDuration:     60 * time.Second,
		halfOpenMaxCalls: 1,
		state:            StateClosed,
		toolName:         toolName,
		lastStateChange:  time.Now(),
	}
	metrics.CircuitBreakerState.WithLabelValues(toolName).Set(float64(StateClosed))
	return cb
}

// setState updates the state and records metrics. Caller holds the lock.
func (cb *CircuitBreaker) setState(newState CircuitBreakerState) {
	if cb.state != newState {
		metrics.CircuitBreakerTransitionsTotal.WithLabelValues(cb.toolName, stateToString(cb.state), stateToString(newState)).Inc()
		metrics.CircuitBreakerState.WithLabelValues(cb.toolName).Set(float64(newState))
		cb.state = newState
		cb.lastStateChange = time.Now()
	}
}

func stateToString(state CircuitBreakerState) string {
	switch state {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Allow reports whether a call may proceed, transitioning open -> half-open
// once the cooldown has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.openDuration {
			cb.setState(StateHalfOpen)
			cb.halfOpenCallCount = 1
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenCallCount >= cb.halfOpenMaxCalls {
			return false
		}
		cb.halfOpenCallCount++
		return true
	default:
		return true
	}
}

// Record feeds a call outcome back into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failureCount++
		cb.lastFailureTime = time.Now()
		metrics.CircuitBreakerFailuresTotal.WithLabelValues(cb.toolName).Inc()

		if cb.state == StateHalfOpen {
			// Probe failed; restart the cooldown.
			cb.setState(StateOpen)
			cb.halfOpenCallCount = 0
		} else if cb.failureCount >= cb.failureThreshold {
			cb.setState(StateOpen)
		}
		return
	}

	cb.failureCount = 0
	if cb.state != StateClosed {
		cb.setState(StateClosed)
		cb.halfOpenCallCount = 0
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the current consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}
