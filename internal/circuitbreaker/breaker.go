package circuitbreaker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/cache-balancer/internal/domain"
	"github.com/mir00r/cache-balancer/internal/errors"
	"github.com/mir00r/cache-balancer/pkg/logger"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed - requests pass through
	StateClosed State = iota
	// StateOpen - requests are rejected without being attempted
	StateOpen
	// StateHalfOpen - requests are attempted to probe recovery
	StateHalfOpen
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
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

// StateChangeFunc is called after a transition, outside the breaker lock
type StateChangeFunc func(serverID string, from, to State)

// Option configures a CircuitBreaker
type Option func(*CircuitBreaker)

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(b *CircuitBreaker) {
		if l != nil {
			b.logger = l.CircuitBreakerLogger(b.id)
		}
	}
}

// WithStateChange registers a transition callback
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *CircuitBreaker) {
		b.onStateChange = fn
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(b *CircuitBreaker) {
		b.now = now
	}
}

// CircuitBreaker is the per-server failure isolation state machine.
// State only changes through Execute, RecordSuccess, RecordFailure,
// AllowRequest and Reset.
type CircuitBreaker struct {
	id            string
	config        domain.CircuitBreakerConfig
	logger        *logger.Logger
	onStateChange StateChangeFunc
	now           func() time.Time

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time

	rejections int64
}

// Stats is a snapshot of a breaker's counters
type Stats struct {
	ServerID        string    `json:"server_id"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	Rejections      int64     `json:"rejections"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastStateChange time.Time `json:"last_state_change"`
}

type transition struct {
	from, to State
}

// New creates a closed breaker for the given server
func New(serverID string, config domain.CircuitBreakerConfig, opts ...Option) *CircuitBreaker {
	b := &CircuitBreaker{
		id:     serverID,
		config: config.WithDefaults(),
		now:    time.Now,
		state:  StateClosed,
	}
	b.logger = logger.NewNop()
	for _, opt := range opts {
		opt(b)
	}
	b.lastStateChange = b.now()
	return b
}

// ServerID returns the server this breaker guards
func (b *CircuitBreaker) ServerID() string {
	return b.id
}

// Execute runs fn unless the breaker is open. fn is invoked at most once and
// no timeout is imposed; callers bound fn through ctx themselves. A rejected
// call returns a CIRCUIT_BREAKER_OPEN error naming the server.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// ExecuteWithResult is the value-returning form of Execute
func ExecuteWithResult[T any](ctx context.Context, b *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (b *CircuitBreaker) beforeCall() error {
	b.mu.Lock()
	tr, open := b.checkTimeoutLocked()
	b.mu.Unlock()
	b.fire(tr)

	if open {
		atomic.AddInt64(&b.rejections, 1)
		b.logger.Debug("Request rejected by open circuit breaker")
		return errors.NewCircuitOpenError(b.id)
	}
	return nil
}

// checkTimeoutLocked moves an expired open breaker to half-open and reports
// whether the breaker is still open.
func (b *CircuitBreaker) checkTimeoutLocked() (transition, bool) {
	if b.state != StateOpen {
		return transition{}, false
	}
	if b.now().Sub(b.lastStateChange) > b.config.Timeout {
		return b.setStateLocked(StateHalfOpen), false
	}
	return transition{}, true
}

// AllowRequest reports whether the breaker is not open. An open breaker whose
// timeout has elapsed moves to half-open first.
func (b *CircuitBreaker) AllowRequest() bool {
	b.mu.Lock()
	tr, open := b.checkTimeoutLocked()
	b.mu.Unlock()
	b.fire(tr)
	return !open
}

// RecordSuccess observes a successful outcome. It never performs the
// open to half-open timeout transition.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	var tr transition
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			tr = b.setStateLocked(StateClosed)
			b.failureCount = 0
			b.successCount = 0
		}
	}
	b.mu.Unlock()
	b.fire(tr)
}

// RecordFailure observes a failed outcome
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	var tr transition
	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			tr = b.setStateLocked(StateOpen)
			b.successCount = 0
		}
	case StateHalfOpen:
		tr = b.setStateLocked(StateOpen)
		b.successCount = 0
	}
	failures := b.failureCount
	b.mu.Unlock()

	if tr.to == StateOpen && tr.from != StateOpen {
		b.logger.WithFields(map[string]interface{}{
			"failures":          failures,
			"failure_threshold": b.config.FailureThreshold,
			"timeout":           b.config.Timeout.String(),
		}).Warn("Circuit breaker opening due to failures")
	}
	b.fire(tr)
}

func (b *CircuitBreaker) setStateLocked(to State) transition {
	from := b.state
	b.state = to
	b.lastStateChange = b.now()
	return transition{from: from, to: to}
}

func (b *CircuitBreaker) fire(tr transition) {
	if tr.from == tr.to {
		return
	}
	b.logger.WithFields(map[string]interface{}{
		"from": tr.from.String(),
		"to":   tr.to.String(),
	}).Info("Circuit breaker state changed")

	if b.onStateChange != nil {
		b.onStateChange(b.id, tr.from, tr.to)
	}
}

// State returns the current state without applying the open timeout
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsOpen reports whether the breaker is currently open
func (b *CircuitBreaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Rejections returns how many calls were rejected while open
func (b *CircuitBreaker) Rejections() int64 {
	return atomic.LoadInt64(&b.rejections)
}

// Stats returns a snapshot of the breaker's counters
func (b *CircuitBreaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		ServerID:        b.id,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		Rejections:      atomic.LoadInt64(&b.rejections),
		LastFailureTime: b.lastFailureTime,
		LastStateChange: b.lastStateChange,
	}
}

// Reset returns the breaker to closed with cleared counters
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	tr := b.setStateLocked(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.lastFailureTime = time.Time{}
	b.mu.Unlock()
	b.fire(tr)
}
