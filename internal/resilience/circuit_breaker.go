// Copyright 2024 AI SA Assistant Project
//
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

package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// CircuitClosed lets every call through
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the reset timeout elapses
	CircuitOpen
	// CircuitHalfOpen lets a limited number of probe calls through
	CircuitHalfOpen
)

// String returns the string representation of the circuit state
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for circuit breaker behavior
type CircuitBreakerConfig struct {
	Name          string
	MaxFailures   int
	ResetTimeout  time.Duration
	HalfOpenProbe int
	// IsFailure decides which errors count against the circuit. Permanent
	// errors are rejections by the remote side, not outages, and are ignored
	// by the default.
	IsFailure     func(error) bool
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns default configuration for circuit breaker
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:          name,
		MaxFailures:   5,
		ResetTimeout:  60 * time.Second,
		HalfOpenProbe: 1,
		IsFailure:     countsAsOutage,
	}
}

func countsAsOutage(err error) bool {
	return err != nil && !IsPermanent(err) && !errors.Is(err, context.Canceled)
}

// CircuitBreakerStats is a point-in-time view of a breaker
type CircuitBreakerStats struct {
	Name             string       `json:"name"`
	State            CircuitState `json:"state"`
	ConsecutiveFails int          `json:"consecutive_failures"`
	TotalRequests    int          `json:"total_requests"`
	TotalFailures    int          `json:"total_failures"`
	Rejected         int          `json:"rejected"`
	LastFailure      time.Time    `json:"last_failure"`
	StateChanged     time.Time    `json:"state_changed"`
}

// CircuitBreaker fails fast once a dependency has failed MaxFailures times in
// a row, and probes it again after ResetTimeout.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu           sync.Mutex
	state        CircuitState
	consecutive  int
	inFlight     int
	total        int
	failures     int
	rejected     int
	lastFailure  time.Time
	stateChanged time.Time
}

// ErrCircuitBreakerOpen is returned when the circuit breaker is open
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.IsFailure == nil {
		config.IsFailure = countsAsOutage
	}
	if config.HalfOpenProbe <= 0 {
		config.HalfOpenProbe = 1
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = 1
	}

	return &CircuitBreaker{
		config:       config,
		logger:       logger,
		now:          time.Now,
		state:        CircuitClosed,
		stateChanged: time.Now(),
	}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if cb == nil {
		return fn(ctx)
	}
	if !cb.admit() {
		return ErrCircuitBreakerOpen
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.now().Sub(cb.stateChanged) >= cb.config.ResetTimeout {
		cb.transition(CircuitHalfOpen)
	}

	switch cb.state {
	case CircuitClosed:
		cb.inFlight++
		return true
	case CircuitHalfOpen:
		if cb.inFlight < cb.config.HalfOpenProbe {
			cb.inFlight++
			return true
		}
	}
	cb.rejected++
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.inFlight > 0 {
		cb.inFlight--
	}
	cb.total++

	if cb.config.IsFailure(err) {
		cb.failures++
		cb.consecutive++
		cb.lastFailure = cb.now()

		cb.logger.Debug("Circuit breaker recorded failure",
			zap.String("name", cb.config.Name),
			zap.Error(err),
			zap.Int("consecutive_failures", cb.consecutive))

		if cb.state == CircuitHalfOpen || cb.consecutive >= cb.config.MaxFailures {
			cb.transition(CircuitOpen)
		}
		return
	}

	cb.consecutive = 0
	if cb.state == CircuitHalfOpen {
		cb.transition(CircuitClosed)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.stateChanged = cb.now()
	if to != CircuitClosed {
		cb.inFlight = 0
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.config.Name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("consecutive_failures", cb.consecutive))

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(from, to)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	if cb == nil {
		return CircuitClosed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current statistics about the circuit breaker
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	if cb == nil {
		return CircuitBreakerStats{Name: "unknown", State: CircuitClosed}
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:             cb.config.Name,
		State:            cb.state,
		ConsecutiveFails: cb.consecutive,
		TotalRequests:    cb.total,
		TotalFailures:    cb.failures,
		Rejected:         cb.rejected,
		LastFailure:      cb.lastFailure,
		StateChanged:     cb.stateChanged,
	}
}

// Reset manually closes the circuit, e.g. after an operator redelivery.
func (cb *CircuitBreaker) Reset() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.logger.Info("Circuit breaker manually reset", zap.String("name", cb.config.Name))
	cb.consecutive = 0
	cb.transition(CircuitClosed)
}
