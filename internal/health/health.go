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

// Package health reports whether the widget backend can reach the remote
// assistant and its lead outbox.
package health

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/funnel-assistant/internal/resilience"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	// StatusDegraded means the widget still works, with fallbacks.
	StatusDegraded = "degraded"
	DefaultTimeout = 5 * time.Second
)

// CheckResult is the outcome of one dependency check
type CheckResult struct {
	Status    string         `json:"status"`
	Latency   time.Duration  `json:"latency"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Response is the body of the health endpoint
type Response struct {
	Status       string                 `json:"status"`
	Service      string                 `json:"service"`
	Version      string                 `json:"version"`
	Uptime       string                 `json:"uptime"`
	Dependencies map[string]CheckResult `json:"dependencies"`
	Metadata     map[string]any         `json:"metadata"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Checker checks one dependency
type Checker interface {
	Check(ctx context.Context) CheckResult
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context) CheckResult

// Check implements Checker
func (f CheckerFunc) Check(ctx context.Context) CheckResult {
	return f(ctx)
}

// Manager runs all registered checks concurrently
type Manager struct {
	serviceName string
	version     string
	startTime   time.Time
	timeout     time.Duration
	logger      *zap.Logger

	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewManager creates a health manager
func NewManager(serviceName, version string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		serviceName: serviceName,
		version:     version,
		startTime:   time.Now(),
		checkers:    make(map[string]Checker),
		timeout:     DefaultTimeout,
		logger:      logger,
	}
}

// SetTimeout bounds a whole Check call
func (m *Manager) SetTimeout(timeout time.Duration) {
	m.timeout = timeout
}

// AddChecker registers a checker under name
func (m *Manager) AddChecker(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// Check runs every checker. One unhealthy dependency makes the service
// unhealthy; a degraded one makes it degraded.
func (m *Manager) Check(ctx context.Context) Response {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	m.mu.RLock()
	checkers := make(map[string]Checker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	var (
		resultsMu sync.Mutex
		results   = make(map[string]CheckResult, len(checkers))
		g         errgroup.Group
	)
	for name, checker := range checkers {
		g.Go(func() error {
			start := time.Now()
			result := checker.Check(ctx)
			result.Latency = time.Since(start)
			result.Timestamp = time.Now()

			resultsMu.Lock()
			results[name] = result
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := StatusHealthy
	for name, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
			m.logger.Warn("Dependency unhealthy", zap.String("dependency", name), zap.String("error", result.Error))
		case StatusDegraded:
			if overall != StatusUnhealthy {
				overall = StatusDegraded
			}
		}
	}

	return Response{
		Status:       overall,
		Service:      m.serviceName,
		Version:      m.version,
		Uptime:       time.Since(m.startTime).Round(time.Second).String(),
		Dependencies: results,
		Metadata: map[string]any{
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
		Timestamp: time.Now(),
	}
}

// GinHandler serves the health report. Degraded still answers 200.
func (m *Manager) GinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result := m.Check(c.Request.Context())
		status := http.StatusOK
		if result.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, result)
	}
}

// AssistantChecker probes the remote assistant base URL. Any answer below
// 500 proves reachability. An unreachable assistant only degrades the
// widget: funnels and the static fallback keep working.
func AssistantChecker(baseURL string, client *http.Client) Checker {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return CheckerFunc(func(ctx context.Context) CheckResult {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Error: fmt.Sprintf("invalid assistant url: %v", err)}
		}
		resp, err := client.Do(req)
		if err != nil {
			return CheckResult{
				Status:   StatusDegraded,
				Error:    fmt.Sprintf("assistant unreachable: %v", err),
				Metadata: map[string]any{"url": baseURL},
			}
		}
		defer func() { _ = resp.Body.Close() }()

		status := StatusHealthy
		if resp.StatusCode >= http.StatusInternalServerError {
			status = StatusDegraded
		}
		return CheckResult{
			Status:   status,
			Metadata: map[string]any{"url": baseURL, "status_code": resp.StatusCode},
		}
	})
}

// OutboxStore is the part of the lead outbox the check needs.
type OutboxStore interface {
	Ping(ctx context.Context) error
	CountPending(ctx context.Context) (int, error)
}

// OutboxChecker fails when the lead store cannot be reached, since leads
// could no longer be kept for redelivery.
func OutboxChecker(store OutboxStore) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		if err := store.Ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Error: fmt.Sprintf("lead outbox ping failed: %v", err)}
		}
		pending, err := store.CountPending(ctx)
		if err != nil {
			return CheckResult{Status: StatusDegraded, Error: fmt.Sprintf("failed to count pending leads: %v", err)}
		}
		return CheckResult{Status: StatusHealthy, Metadata: map[string]any{"pending": pending}}
	})
}

// BreakerChecker reports an open lead transport circuit as degraded; leads
// are still stored and redelivered later.
func BreakerChecker(breaker *resilience.CircuitBreaker) Checker {
	return CheckerFunc(func(context.Context) CheckResult {
		stats := breaker.Stats()
		result := CheckResult{
			Status: StatusHealthy,
			Metadata: map[string]any{
				"state":                stats.State.String(),
				"consecutive_failures": stats.ConsecutiveFails,
			},
		}
		if stats.State == resilience.CircuitOpen {
			result.Status = StatusDegraded
			result.Error = "lead transport circuit is open"
		}
		return result
	})
}
