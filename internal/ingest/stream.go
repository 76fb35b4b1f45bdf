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

// Package ingest turns the assistant's chunked streaming responses into
// accumulated answers. It applies a stall watchdog and a hard per-attempt
// timeout, retries failed attempts with linear backoff, and supports
// cooperative cancellation of a running session.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/your-org/funnel-assistant/internal/metrics"
	"github.com/your-org/funnel-assistant/internal/resilience"
	"go.uber.org/zap"
)

var (
	// ErrStalled aborts an attempt that received no bytes for twice the heartbeat interval.
	ErrStalled = errors.New("stream stalled")
	// ErrAttemptTimeout aborts an attempt that exceeded the hard request timeout.
	ErrAttemptTimeout = errors.New("stream attempt timed out")
	// ErrCancelled is the result of a session stopped through its handle.
	ErrCancelled = errors.New("stream cancelled")
)

// Format selects how a stream-capable body is framed.
type Format string

const (
	FormatNDJSON Format = "ndjson"
	FormatSSE    Format = "sse"
)

// Request is the outbound streaming payload.
type Request struct {
	Message string `json:"message"`
	Lang    string `json:"lang"`
}

// StatusError reports a non-2xx response from the assistant.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stream request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("stream request failed with status %d: %s", e.StatusCode, e.Body)
}

// Config holds ingestion timings. Zero RequestTimeout or HeartbeatInterval
// disables the corresponding bound.
type Config struct {
	URL               string
	Format            Format
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	Retry             resilience.RetryPolicy
}

// Callbacks receive the session's progress. OnDelta fires once per decoded
// fragment in arrival order; OnDone fires exactly once after a successful
// session. OnRetry fires before a new attempt starts, after which the
// accumulated text starts over. Callbacks must not call Handle.Cancel.
type Callbacks struct {
	OnDelta func(piece, accumulated string)
	OnDone  func(final string)
	OnRetry func(attempt int, err error)
}

// Ingestor issues streaming requests against one endpoint.
type Ingestor struct {
	config  Config
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates an Ingestor. A nil client uses a client without a global
// timeout; attempts are bounded by Config.RequestTimeout instead.
func New(config Config, client *http.Client, logger *zap.Logger, m *metrics.Metrics) *Ingestor {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Format == "" {
		config.Format = FormatNDJSON
	}
	return &Ingestor{
		config:  config,
		client:  client,
		logger:  logger,
		metrics: m,
	}
}

// Handle controls one running streaming session.
type Handle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool

	result string
	err    error
}

// Cancel stops the session. Once Cancel returns no callback of this session
// runs again.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
	h.cancel(ErrCancelled)
}

// Done is closed when the session has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the session finishes and returns its final text. The
// error is ErrCancelled, the caller's context error, or the last attempt
// failure wrapped in *resilience.ExhaustedError.
func (h *Handle) Wait() (string, error) {
	<-h.done
	return h.result, h.err
}

// invoke runs fn unless the handle was cancelled.
func (h *Handle) invoke(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return
	}
	fn()
}

// Start begins a session in the background and returns immediately.
func (in *Ingestor) Start(ctx context.Context, req Request, cb Callbacks) *Handle {
	sessionCtx, cancel := context.WithCancelCause(ctx)
	h := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go in.run(sessionCtx, h, req, cb)
	return h
}

// Stream runs a session to completion on the calling goroutine.
func (in *Ingestor) Stream(ctx context.Context, req Request, cb Callbacks) (string, error) {
	return in.Start(ctx, req, cb).Wait()
}

func (in *Ingestor) run(ctx context.Context, h *Handle, req Request, cb Callbacks) {
	defer close(h.done)
	defer h.cancel(nil)

	finish := in.metrics.StreamStarted()

	policy := in.config.Retry
	userOnRetry := policy.OnRetry
	policy.OnRetry = func(retry int, err error, delay time.Duration) {
		in.metrics.RecordStreamRetry()
		in.logger.Info("Retrying stream attempt",
			zap.Int("retry", retry),
			zap.Duration("delay", delay),
			zap.Error(err))
		if userOnRetry != nil {
			userOnRetry(retry, err, delay)
		}
		if cb.OnRetry != nil {
			h.invoke(func() { cb.OnRetry(retry+1, err) })
		}
	}

	text, err := resilience.Do(ctx, in.logger, policy, func(ctx context.Context, attempt int) (string, error) {
		return in.attempt(ctx, h, req, cb, attempt)
	})

	switch {
	case err == nil:
		finish("success")
		if cb.OnDone != nil {
			h.invoke(func() { cb.OnDone(text) })
		}
	case errors.Is(context.Cause(ctx), ErrCancelled):
		finish("cancelled")
		err = ErrCancelled
	default:
		finish("error")
	}

	h.result, h.err = text, err
}

// attempt performs one request. The returned error never wraps
// context.Canceled for watchdog or timeout aborts, so the retry policy
// treats those as transient.
func (in *Ingestor) attempt(parent context.Context, h *Handle, req Request, cb Callbacks, attempt int) (string, error) {
	ctx := parent
	if in.config.RequestTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(parent, in.config.RequestTimeout, ErrAttemptTimeout)
		defer cancelTimeout()
	}
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	logger := in.logger.With(zap.Int("attempt", attempt))

	payload, err := json.Marshal(req)
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("failed to marshal stream request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, in.config.URL, bytes.NewReader(payload))
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("failed to create stream request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson, text/event-stream, application/json")

	resp, err := in.client.Do(httpReq)
	if err != nil {
		return "", in.attemptFailed(parent, ctx, logger, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		in.metrics.RecordStreamAttempt("error")
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		logger.Warn("Stream attempt rejected", zap.Int("status", resp.StatusCode))
		return "", statusErr
	}

	body := newActivityReader(resp.Body)
	stopWatchdog := in.watch(ctx, body, abort)
	defer stopWatchdog()

	var acc strings.Builder
	emit := func(piece string) {
		if piece == "" {
			return
		}
		acc.WriteString(piece)
		if cb.OnDelta != nil {
			accumulated := acc.String()
			h.invoke(func() { cb.OnDelta(piece, accumulated) })
		}
	}

	mode := bodyMode(resp, in.config.Format)
	switch mode {
	case FormatSSE:
		err = decodeSSE(body, emit)
	default:
		err = decodeNDJSON(body, emit)
	}
	if err != nil {
		return "", in.attemptFailed(parent, ctx, logger, err)
	}

	in.metrics.RecordStreamAttempt("success")
	logger.Debug("Stream attempt completed",
		zap.String("mode", string(mode)),
		zap.Int("length", acc.Len()))
	return acc.String(), nil
}

// attemptFailed classifies a transport or read error.
func (in *Ingestor) attemptFailed(parent, ctx context.Context, logger *zap.Logger, err error) error {
	if parent.Err() != nil {
		in.metrics.RecordStreamAttempt("cancelled")
		return parent.Err()
	}
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, ErrStalled):
			in.metrics.RecordStreamAttempt("stalled")
		case errors.Is(cause, ErrAttemptTimeout):
			in.metrics.RecordStreamAttempt("timeout")
		default:
			in.metrics.RecordStreamAttempt("error")
		}
		logger.Warn("Stream attempt aborted", zap.NamedError("cause", cause), zap.Error(err))
		// %v keeps context.Canceled out of the chain
		return fmt.Errorf("%w (%v)", cause, err)
	}

	in.metrics.RecordStreamAttempt("error")
	logger.Warn("Stream attempt failed", zap.Error(err))
	return err
}

// watch aborts ctx with ErrStalled once r has been idle for more than twice
// the heartbeat interval.
func (in *Ingestor) watch(ctx context.Context, r *activityReader, abort context.CancelCauseFunc) func() {
	interval := in.config.HeartbeatInterval
	if interval <= 0 {
		return func() {}
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if r.idle() > 2*interval {
					abort(ErrStalled)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// bodyMode returns the framing used to decode a body. An explicit
// event-stream or ndjson content type wins; everything else, including a
// buffered application/json or text/plain body, is read with the configured
// framing. Lines that are not JSON stay literal text.
func bodyMode(resp *http.Response, configured Format) Format {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	mediaType = strings.ToLower(mediaType)

	switch {
	case mediaType == "text/event-stream":
		return FormatSSE
	case strings.Contains(mediaType, "ndjson"), strings.Contains(mediaType, "jsonl"):
		return FormatNDJSON
	default:
		return configured
	}
}

// activityReader records the time of the last received byte.
type activityReader struct {
	r    io.Reader
	last atomic.Int64
}

func newActivityReader(r io.Reader) *activityReader {
	a := &activityReader{r: r}
	a.last.Store(time.Now().UnixNano())
	return a
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.last.Store(time.Now().UnixNano())
	}
	return n, err
}

func (a *activityReader) idle() time.Duration {
	return time.Since(time.Unix(0, a.last.Load()))
}
