package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] failed or
// was shedding.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig configures the breaker cloned for each backend in a
// [FallbackGroup]. The breaker name is derived per backend.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// backend is one provider instance together with its own breaker. Breakers
// are per backend so a failing primary does not poison its alternates.
type backend[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup chains alternates of one provider kind. Calls go to the first
// backend whose breaker admits them; a failure moves on to the next, so a
// turn degrades to a slower or cheaper provider instead of an apology.
//
// Backends are registered before the first call and never after; the call
// path is then read-only, which keeps the group safe for concurrent use.
type FallbackGroup[T any] struct {
	backends []backend[T]
	cfg      FallbackConfig
}

// NewFallbackGroup returns a group with primary as its only backend. Register
// alternates with [FallbackGroup.AddFallback]; they are tried in registration
// order.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback registers an alternate tried after all earlier backends.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.backends = append(fg.backends, backend[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Primary returns the first registered backend's value, for static metadata
// that does not participate in failover.
func (fg *FallbackGroup[T]) Primary() T {
	return fg.backends[0].value
}

// Execute runs fn against backends in order until one succeeds. Backends with
// an open breaker are skipped without being called. When every backend fails,
// the result wraps [ErrAllFailed] around the last error seen.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. It is a package-level function because methods cannot introduce the
// result type parameter.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.backends {
		b := &fg.backends[i]
		var result R
		err := b.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(b.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("backend shedding, skipping", "backend", b.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", b.name, "err", err)
		}
	}
	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
