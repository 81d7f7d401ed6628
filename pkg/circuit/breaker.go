// Package circuit provides a circuit breaker guarding calls to external
// services (bitcoind, Kafka, the databases).
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/gomine/pkg/errors"
)

// State is the breaker's position.
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until Timeout has elapsed
	StateOpen
	// StateHalfOpen lets calls through to test recovery
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Config holds circuit breaker configuration
type Config struct {
	Name            string        // Reported in errors and state changes
	MaxFailures     int           // Failures before opening
	SuccessRequired int           // Successes in half-open before closing
	Timeout         time.Duration // Time spent open before a trial call
	ResetTimeout    time.Duration // Window after which closed-state failures are forgotten

	// OnStateChange, when set, is called with the lock released.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the breaker settings used when none are given.
func DefaultConfig() *Config {
	return &Config{
		Name:            "default",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    time.Minute,
	}
}

// Breaker stops calling a service that keeps failing and tries it again
// once Timeout has passed.
type Breaker struct {
	config *Config

	mu          sync.RWMutex
	state       State
	failures    int
	successes   int
	openedAt    time.Time
	windowStart time.Time

	now func() time.Time
}

// New creates a closed breaker. A nil config means DefaultConfig.
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{
		config:      config,
		windowStart: time.Now(),
		now:         time.Now,
	}
}

// Name returns the configured breaker name
func (cb *Breaker) Name() string {
	return cb.config.Name
}

// Execute runs fn if the breaker allows it and records the outcome
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult is Execute for functions that return a value
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	if state, ok := cb.admit(); !ok {
		var zero T
		return zero, errors.New(errors.ErrorTypeNetwork, "circuit_breaker", "circuit breaker is open").
			WithContext("breaker", cb.config.Name).
			WithContext("state", state.String())
	}

	result, err := fn()
	cb.record(err == nil || !countsAsFailure(err))
	return result, err
}

// admit decides whether a call may go ahead, moving an expired open
// breaker to half-open on the way.
func (cb *Breaker) admit() (State, bool) {
	cb.mu.Lock()
	from := cb.state
	now := cb.now()

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.windowStart) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.windowStart = now
		}
	case StateOpen:
		if now.Sub(cb.openedAt) <= cb.config.Timeout {
			cb.mu.Unlock()
			return StateOpen, false
		}
		cb.setState(StateHalfOpen, now)
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return to, true
}

func (cb *Breaker) record(ok bool) {
	cb.mu.Lock()
	from := cb.state
	now := cb.now()

	switch {
	case !ok:
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen, now)
		}
	case cb.state == StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessRequired {
			cb.setState(StateClosed, now)
		}
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// setState moves to s and resets the counters that belong to the old
// state. The caller holds mu.
func (cb *Breaker) setState(s State, now time.Time) {
	cb.state = s
	cb.successes = 0
	switch s {
	case StateOpen:
		cb.openedAt = now
	case StateClosed:
		cb.failures = 0
		cb.windowStart = now
	}
}

func (cb *Breaker) notify(from, to State) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// countsAsFailure reports whether err says anything about the service's
// health. Bad input and hashes above target are the caller's problem.
func countsAsFailure(err error) bool {
	for _, t := range []errors.ErrorType{
		errors.ErrorTypeMalformedEncoding,
		errors.ErrorTypeIncompleteHeader,
		errors.ErrorTypeInsufficientDifficulty,
		errors.ErrorTypeValidation,
	} {
		if errors.IsType(err, t) {
			return false
		}
	}
	return true
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats is a snapshot of a breaker.
type Stats struct {
	Name      string
	State     State
	Failures  int
	Successes int
	OpenedAt  time.Time
}

// GetStats returns a snapshot of the breaker's counters.
func (cb *Breaker) GetStats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Stats{
		Name:      cb.config.Name,
		State:     cb.state,
		Failures:  cb.failures,
		Successes: cb.successes,
		OpenedAt:  cb.openedAt,
	}
}

// Reset closes the breaker and clears its counters.
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.setState(StateClosed, cb.now())
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
