// Copyright 2025 AxonMesh
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry provides generic exponential-backoff retry and a three-state
// circuit breaker shared by the Lane Executor and the Model Router.
package retry

import (
	"context"
	"math/rand"
	"net/http"
	"time"
)

// Config configures retry behavior.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         float64
	RetryIf        func(err error) bool
}

// DefaultConfig returns a sensible default: at most 2 retries with a short
// initial backoff, tuned for sub-second lane/provider deadlines rather than
// the multi-second deadlines an LLM call can tolerate.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.1,
		RetryIf:        DefaultRetryable,
	}
}

// DefaultRetryable retries APIError instances marked retryable and context
// deadline overruns.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.IsRetryable()
	}
	return err == context.DeadlineExceeded
}

// WithBackoff executes fn with exponential backoff retry, honoring ctx
// cancellation between attempts.
func WithBackoff[T any](ctx context.Context, cfg Config, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return zero, err
		}
		if attempt >= cfg.MaxRetries {
			break
		}

		backoff := cfg.InitialBackoff * time.Duration(intPow(cfg.BackoffFactor, attempt))
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
		if cfg.Jitter > 0 {
			delta := float64(backoff) * cfg.Jitter
			backoff = time.Duration(float64(backoff) + (rand.Float64()*2*delta)-delta)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return zero, lastErr
}

func intPow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// APIError represents a provider error carrying retry-relevant information.
type APIError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *APIError) Error() string { return e.Message }

// IsRetryable reports whether this error should be retried: 429s, 5xxs, and
// a small set of known transient error types.
func (e *APIError) IsRetryable() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if e.StatusCode >= 500 && e.StatusCode < 600 {
		return true
	}
	switch e.Type {
	case "rate_limit_error", "server_error", "overloaded_error", "timeout":
		return true
	}
	return false
}

// CircuitState is the three-state circuit breaker state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreaker prevents cascading failures by stopping requests to a
// backend after repeated failures, reopening after resetTimeout.
type CircuitBreaker struct {
	failures        int
	threshold       int
	resetTimeout    time.Duration
	lastFailureTime time.Time
	state           CircuitState
}

// NewCircuitBreaker creates a breaker that opens after threshold consecutive
// failures and attempts a half-open probe after resetTimeout.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, resetTimeout: resetTimeout, state: CircuitClosed}
}

// Allow reports whether a request should be attempted right now.
func (cb *CircuitBreaker) Allow() bool {
	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.resetTimeout {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	}
	return false
}

// RecordSuccess resets the breaker to Closed.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failure, opening the breaker past threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.failures++
	cb.lastFailureTime = time.Now()
	if cb.failures >= cb.threshold {
		cb.state = CircuitOpen
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState { return cb.state }

// Reset forces the breaker back to Closed.
func (cb *CircuitBreaker) Reset() {
	cb.failures = 0
	cb.state = CircuitClosed
}
