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

package lead

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/funnel-assistant/internal/metrics"
	"github.com/your-org/funnel-assistant/internal/resilience"
)

// ErrDeliveryFailed is returned when a stored lead could not be sent. The
// lead stays pending and can be retried.
var ErrDeliveryFailed = errors.New("lead delivery failed")

// Transport sends a payload to the CRM side.
type Transport interface {
	Send(ctx context.Context, p Payload) error
}

// StatusError is a non-2xx answer of the lead endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lead endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// HTTPTransport posts payloads as JSON.
type HTTPTransport struct {
	url    string
	client *http.Client
}

// NewHTTPTransport creates a transport for url.
func NewHTTPTransport(url string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPTransport{url: url, client: client}
}

// Send posts p. 4xx answers other than 408 and 429 are permanent.
func (t *HTTPTransport) Send(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return resilience.Permanent(fmt.Errorf("failed to marshal lead: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return resilience.Permanent(fmt.Errorf("failed to create lead request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.ID)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send lead: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return resilience.Permanent(statusErr)
	}
	return statusErr
}

// SubmitterConfig holds the delivery policy.
type SubmitterConfig struct {
	MaxAttempts    int
	RetryBaseDelay time.Duration
	Breaker        resilience.CircuitBreakerConfig
}

// Submitter validates, persists and delivers leads.
type Submitter struct {
	outbox    Outbox
	transport Transport
	retry     resilience.RetryPolicy
	breaker   *resilience.CircuitBreaker
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewSubmitter wires a Submitter.
func NewSubmitter(outbox Outbox, transport Transport, config SubmitterConfig, logger *zap.Logger, m *metrics.Metrics) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Breaker.Name == "" {
		config.Breaker = resilience.DefaultCircuitBreakerConfig("lead-transport")
	}
	return &Submitter{
		outbox:    outbox,
		transport: transport,
		retry:     resilience.NewRetryPolicy(config.MaxAttempts, config.RetryBaseDelay),
		breaker:   resilience.NewCircuitBreaker(config.Breaker, logger),
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Submit stores p and sends it. A payload that violates the lead contract
// is rejected before it is stored. On a delivery failure the stored entry
// is returned together with an error wrapping ErrDeliveryFailed.
func (s *Submitter) Submit(ctx context.Context, p Payload) (Entry, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	if err := ValidatePayload(p); err != nil {
		s.metrics.RecordLeadSubmission("invalid")
		return Entry{}, err
	}

	entry, err := s.outbox.Save(ctx, p)
	if err != nil {
		s.metrics.RecordLeadSubmission("error")
		return Entry{}, fmt.Errorf("failed to store lead: %w", err)
	}
	if entry.Status == StatusDelivered {
		return entry, nil
	}
	return s.deliver(ctx, entry)
}

// Retry resends a stored lead. Delivered leads are returned as they are.
func (s *Submitter) Retry(ctx context.Context, id string) (Entry, error) {
	entry, err := s.outbox.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if entry.Status == StatusDelivered {
		return entry, nil
	}
	return s.deliver(ctx, entry)
}

// Redeliver replays up to limit pending leads, oldest first.
func (s *Submitter) Redeliver(ctx context.Context, limit int) (delivered, failed int, err error) {
	pending, err := s.outbox.Pending(ctx, limit)
	if err != nil {
		return 0, 0, err
	}
	for _, entry := range pending {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.deliver(ctx, entry); err != nil {
			failed++
			continue
		}
		delivered++
	}
	if len(pending) > 0 {
		s.logger.Info("Outbox redelivery finished",
			zap.Int("delivered", delivered),
			zap.Int("failed", failed))
	}
	s.refreshPending(ctx)
	return delivered, failed, nil
}

// Run redelivers pending leads every interval until ctx is done.
func (s *Submitter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := s.Redeliver(ctx, 50); err != nil {
				s.logger.Warn("Outbox redelivery failed", zap.Error(err))
			}
		}
	}
}

// Breaker exposes the transport circuit breaker for health reporting.
func (s *Submitter) Breaker() *resilience.CircuitBreaker {
	return s.breaker
}

func (s *Submitter) deliver(ctx context.Context, entry Entry) (Entry, error) {
	p := entry.Payload
	err := resilience.DoErr(ctx, s.logger, s.retry, func(ctx context.Context, attempt int) error {
		err := s.breaker.Execute(ctx, func(ctx context.Context) error {
			return s.transport.Send(ctx, p)
		})
		if errors.Is(err, resilience.ErrCircuitBreakerOpen) {
			return resilience.Permanent(err)
		}
		return err
	})

	if err != nil {
		s.logger.Warn("Lead delivery failed",
			zap.String("lead_id", p.ID),
			zap.String("origin", p.Origin),
			zap.Error(err))
		if markErr := s.outbox.MarkFailed(context.WithoutCancel(ctx), p.ID, err.Error()); markErr != nil {
			s.logger.Error("Failed to record delivery failure", zap.String("lead_id", p.ID), zap.Error(markErr))
		}
		s.metrics.RecordLeadSubmission("failed")
		s.refreshPending(ctx)
		if stored, getErr := s.outbox.Get(context.WithoutCancel(ctx), p.ID); getErr == nil {
			entry = stored
		}
		return entry, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	if err := s.outbox.MarkDelivered(context.WithoutCancel(ctx), p.ID); err != nil {
		s.logger.Error("Failed to mark lead delivered", zap.String("lead_id", p.ID), zap.Error(err))
	}
	s.logger.Info("Lead delivered",
		zap.String("lead_id", p.ID),
		zap.String("product", p.ProductLabel),
		zap.Bool("qualified", p.Qualified))
	s.metrics.RecordLeadSubmission("delivered")
	s.refreshPending(ctx)

	if stored, getErr := s.outbox.Get(context.WithoutCancel(ctx), p.ID); getErr == nil {
		entry = stored
	}
	return entry, nil
}

func (s *Submitter) refreshPending(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	if n, err := s.outbox.CountPending(context.WithoutCancel(ctx)); err == nil {
		s.metrics.SetOutboxPending(n)
	}
}
