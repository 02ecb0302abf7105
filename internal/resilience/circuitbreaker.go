// Package resilience keeps calls alive when a voice provider degrades. Each
// provider adapter sits behind a [CircuitBreaker] so that a backend seen
// failing is shed quickly instead of burning the turn's latency budget on it,
// and [FallbackGroup] chains alternates of the same provider kind so the next
// healthy backend answers instead.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without invoking the backend while its breaker
// is shedding calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is a breaker's operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen sheds every call until the reset timeout elapses. A turn
	// hitting an open breaker fails over immediately rather than waiting
	// on a provider that was just seen failing.
	StateOpen

	// StateHalfOpen admits a bounded number of trial calls to decide
	// between closing and re-opening.
	StateHalfOpen
)

// String returns the state name used in logs.
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

// CircuitBreakerConfig tunes one breaker. Zero fields take defaults sized for
// per-turn provider calls.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs, conventionally "<kind>/<provider>"
	// (llm/openai, stt/deepgram, tts/elevenlabs).
	Name string

	// MaxFailures is how many consecutive failures trip the breaker.
	// Default 5.
	MaxFailures int

	// ResetTimeout is how long the breaker sheds calls before trying the
	// backend again. Default 30 s.
	ResetTimeout time.Duration

	// HalfOpenMax is the trial budget in the half-open state; that many
	// consecutive successful trials close the breaker, one failure
	// re-opens it. Default 3.
	HalfOpenMax int
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
}

// CircuitBreaker is a three-state breaker (closed, open, half-open) guarding
// one provider backend.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int       // consecutive failures while closed
	openedAt  time.Time // start of the current shed window
	trials    int       // trial calls admitted while half-open
	trialWins int       // successful trials so far
}

// NewCircuitBreaker constructs a breaker in the closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.applyDefaults()
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn unless the breaker is shedding, in which case it returns
// [ErrCircuitOpen] without calling fn. The outcome of fn drives the state
// machine.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, admitted := cb.admit()
	if !admitted {
		return ErrCircuitOpen
	}
	err := fn()
	cb.settle(trial, err == nil)
	return err
}

// admit decides whether a call may proceed and whether it counts against the
// half-open trial budget.
func (cb *CircuitBreaker) admit() (trial, admitted bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, false
		}
		cb.state = StateHalfOpen
		cb.trials = 0
		cb.trialWins = 0
		slog.Info("circuit breaker trying backend again", "name", cb.cfg.Name)
	}

	if cb.trials >= cb.cfg.HalfOpenMax {
		return false, false
	}
	cb.trials++
	return true, true
}

// settle records one call outcome.
func (cb *CircuitBreaker) settle(trial, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case ok && trial:
		cb.trialWins++
		if cb.trialWins >= cb.cfg.HalfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
			slog.Info("circuit breaker closed", "name", cb.cfg.Name)
		}
	case ok:
		cb.failures = 0
	case trial:
		// One failed trial is enough evidence; shed again.
		cb.state = StateOpen
		cb.openedAt = time.Now()
		slog.Warn("circuit breaker re-opened after failed trial", "name", cb.cfg.Name)
	default:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures && cb.state == StateClosed {
			cb.state = StateOpen
			cb.openedAt = time.Now()
			slog.Warn("circuit breaker opened",
				"name", cb.cfg.Name, "consecutive_failures", cb.failures)
		}
	}
}

// State returns the breaker's mode. An open breaker whose shed window has
// elapsed reports half-open; the actual transition happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters, for operator use
// after a provider incident resolves.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.trials = 0
	cb.trialWins = 0
	slog.Info("circuit breaker reset", "name", cb.cfg.Name)
}
