package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ZeroTricks/lumo-tamer-sub000/internal/domain/service"
	apperrors "github.com/ZeroTricks/lumo-tamer-sub000/pkg/errors"
	"go.uber.org/zap"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, reject calls
	CircuitHalfOpen                     // Testing recovery
)

// String returns a human-readable label for the circuit state.
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

// CircuitBreaker guards the backend connection across serialized
// generations. When consecutive stream-open failures reach the
// threshold, the circuit opens and subsequent generations are rejected
// without hitting the backend. After a recovery timeout, the circuit
// transitions to half-open and allows one probe.
type CircuitBreaker struct {
	mu               sync.RWMutex
	state            CircuitState
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
	lastFailureTime  time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given thresholds.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		successThreshold: 1, // One success in half-open closes the circuit
		recoveryTimeout:  recoveryTimeout,
	}
}

// Allow checks whether a request should be allowed through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.recoveryTimeout {
			cb.state = CircuitHalfOpen
			cb.successCount = 0
			return true // Allow one probe
		}
		return false
	case CircuitHalfOpen:
		return true
	}
	return false
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	if cb.state == CircuitHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = CircuitClosed
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen {
		// Any failure in half-open immediately re-opens
		cb.state = CircuitOpen
		return
	}

	if cb.failureCount >= cb.failureThreshold {
		cb.state = CircuitOpen
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forces the circuit back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.successCount = 0
}

// BreakerTransport decorates a transport with the circuit breaker. Only
// the stream open counts toward the breaker — mid-stream failures are
// the generation's own problem and don't indicate a dead backend.
type BreakerTransport struct {
	inner   service.BackendTransport
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewBreakerTransport wraps inner with breaker.
func NewBreakerTransport(inner service.BackendTransport, breaker *CircuitBreaker, logger *zap.Logger) *BreakerTransport {
	return &BreakerTransport{inner: inner, breaker: breaker, logger: logger}
}

// Generate implements service.BackendTransport.
func (t *BreakerTransport) Generate(ctx context.Context, endpoint string, req *service.GenerationRequest) (service.FrameStream, error) {
	if !t.breaker.Allow() {
		t.logger.Warn("Backend circuit open, rejecting generation",
			zap.String("state", t.breaker.State().String()))
		return nil, apperrors.NewBackendTransportError("circuit open",
			fmt.Errorf("backend unavailable after repeated failures"))
	}

	stream, err := t.inner.Generate(ctx, endpoint, req)
	if err != nil {
		if ctx.Err() == nil {
			t.breaker.RecordFailure()
		}
		return nil, err
	}
	t.breaker.RecordSuccess()
	return stream, nil
}
