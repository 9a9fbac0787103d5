// Package circuitbreaker stops calls to an RPC endpoint that keeps failing
// and probes it again after a cool-down.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/transfer-indexer/internal/logging"
)

// State is the position of a breaker
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Gauge returns the numeric encoding used by the circuit state metric
func (s State) Gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}

var (
	// ErrCircuitOpen rejects calls while the endpoint cools down
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests rejects calls beyond the half-open probe budget
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures a breaker.
//
// The breaker opens after MaxFailures consecutive failures, or once at least
// MaxFailures calls have been seen and FailureThreshold of them failed. After
// Timeout it lets HalfOpenMaxCalls probes through; that many successes close
// it again and any failure reopens it.
type Config struct {
	Name             string
	MaxFailures      int
	FailureThreshold float64
	Timeout          time.Duration
	HalfOpenMaxCalls int

	// IsFailure decides which errors count against the endpoint. Nil counts
	// every non-nil error.
	IsFailure func(error) bool

	// OnStateChange runs with the breaker locked and must not call back into it.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the settings used for RPC endpoints
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      10,
		FailureThreshold: 0.5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// counts is the outcome tally since the last state change
type counts struct {
	calls       int
	successes   int
	failures    int
	consecutive int
}

func (c counts) failureRate() float64 {
	if c.calls == 0 {
		return 0
	}
	return float64(c.failures) / float64(c.calls)
}

// CircuitBreaker guards one endpoint
type CircuitBreaker struct {
	cfg       Config
	isFailure func(error) bool
	logger    *logging.Logger
	now       func() time.Time

	mu              sync.Mutex
	state           State
	counts          counts
	inFlight        int
	lastFailureTime time.Time
	lastStateChange time.Time
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	isFailure := config.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{
		cfg:             *config,
		isFailure:       isFailure,
		logger:          logging.Component("circuit-breaker").WithField("circuitBreaker", config.Name),
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn unless the breaker rejects the call. Cancelled calls are
// not counted either way.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.inFlight--
	if !errors.Is(err, context.Canceled) {
		cb.record(err)
	}
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) <= cb.cfg.Timeout {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.logger.Info("Circuit breaker half-open, probing endpoint")
	case StateHalfOpen:
		if cb.counts.calls+cb.inFlight >= cb.cfg.HalfOpenMaxCalls {
			return ErrTooManyRequests
		}
	}
	cb.inFlight++
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.counts.calls++

	if !cb.isFailure(err) {
		cb.counts.successes++
		cb.counts.consecutive = 0
		if cb.state == StateHalfOpen && cb.counts.successes >= cb.cfg.HalfOpenMaxCalls {
			cb.transition(StateClosed)
			cb.logger.Info("Circuit breaker closed after successful probes")
		}
		return
	}

	cb.counts.failures++
	cb.counts.consecutive++
	cb.lastFailureTime = cb.now()

	switch {
	case cb.state == StateHalfOpen:
		cb.transition(StateOpen)
		cb.logger.Warn("Circuit breaker reopened by a failed probe")
	case cb.state == StateClosed && cb.tripped():
		cb.logger.WithFields(map[string]interface{}{
			"failures":         cb.counts.failures,
			"totalCalls":       cb.counts.calls,
			"failureRate":      cb.counts.failureRate(),
			"consecutiveFails": cb.counts.consecutive,
		}).Warn("Circuit breaker opened")
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) tripped() bool {
	if cb.counts.consecutive >= cb.cfg.MaxFailures {
		return true
	}
	return cb.counts.calls >= cb.cfg.MaxFailures && cb.counts.failureRate() >= cb.cfg.FailureThreshold
}

// transition moves to state, clears the tally, and notifies the observer.
// Entering open keeps the tally so the stats show what tripped it.
func (cb *CircuitBreaker) transition(state State) {
	from := cb.state
	cb.state = state
	cb.lastStateChange = cb.now()
	if state != StateOpen {
		cb.counts = counts{}
	}
	if cb.cfg.OnStateChange != nil && from != state {
		cb.cfg.OnStateChange(cb.cfg.Name, from, state)
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a snapshot of a breaker
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	Failures         int       `json:"failures"`
	Successes        int       `json:"successes"`
	TotalCalls       int       `json:"totalCalls"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	FailureRate      float64   `json:"failureRate"`
	LastFailureTime  time.Time `json:"lastFailureTime"`
	LastStateChange  time.Time `json:"lastStateChange"`
}

// GetStats returns a snapshot of the breaker
func (cb *CircuitBreaker) GetStats() *Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return &Stats{
		Name:             cb.cfg.Name,
		State:            cb.state,
		Failures:         cb.counts.failures,
		Successes:        cb.counts.successes,
		TotalCalls:       cb.counts.calls,
		ConsecutiveFails: cb.counts.consecutive,
		FailureRate:      cb.counts.failureRate(),
		LastFailureTime:  cb.lastFailureTime,
		LastStateChange:  cb.lastStateChange,
	}
}
