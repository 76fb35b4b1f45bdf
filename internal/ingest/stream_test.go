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

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/funnel-assistant/internal/metrics"
	"github.com/your-org/funnel-assistant/internal/resilience"
)

func testConfig(url string) Config {
	return Config{
		URL:            url,
		RequestTimeout: 2 * time.Second,
		Retry:          resilience.NewRetryPolicy(0, time.Millisecond),
	}
}

func writeLines(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher := w.(http.Flusher)
	for _, line := range lines {
		fmt.Fprintln(w, line)
		flusher.Flush()
	}
}

// stall keeps the response open until the client goes away.
func stall(r *http.Request) {
	select {
	case <-r.Context().Done():
	case <-time.After(5 * time.Second):
	}
}

type recorder struct {
	mu      sync.Mutex
	pieces  []string
	accum   []string
	done    []string
	retries []error
}

func (rec *recorder) callbacks() Callbacks {
	return Callbacks{
		OnDelta: func(piece, accumulated string) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.pieces = append(rec.pieces, piece)
			rec.accum = append(rec.accum, accumulated)
		},
		OnDone: func(final string) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.done = append(rec.done, final)
		},
		OnRetry: func(_ int, err error) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.retries = append(rec.retries, err)
		},
	}
}

func TestStreamAccumulatesDeltasInOrder(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeLines(w, `{"delta":"Hel"}`, `{"delta":"lo"}`)
	}))
	defer server.Close()

	rec := &recorder{}
	in := New(testConfig(server.URL), server.Client(), zaptest.NewLogger(t), nil)

	text, err := in.Stream(context.Background(), Request{Message: "Hi", Lang: "de"}, rec.callbacks())

	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, []string{"Hel", "lo"}, rec.pieces)
	assert.Equal(t, []string{"Hel", "Hello"}, rec.accum)
	assert.Equal(t, []string{"Hello"}, rec.done)
	assert.Equal(t, Request{Message: "Hi", Lang: "de"}, got)
}

func TestStreamMalformedLinesAreLiteralText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, `{"text":"Guten "}`, `Tag`, ``, `[1,2]`, `{"delta":"!"}`)
	}))
	defer server.Close()

	rec := &recorder{}
	in := New(testConfig(server.URL), server.Client(), zaptest.NewLogger(t), nil)

	text, err := in.Stream(context.Background(), Request{Message: "x", Lang: "de"}, rec.callbacks())

	require.NoError(t, err)
	assert.Equal(t, "Guten Tag!", text)
	assert.Equal(t, []string{"Guten ", "Tag", "!"}, rec.pieces)
}

func TestStreamPlainTextBodyIsLiteral(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Plain answer"))
	}))
	defer server.Close()

	rec := &recorder{}
	in := New(testConfig(server.URL), server.Client(), zaptest.NewLogger(t), nil)

	text, err := in.Stream(context.Background(), Request{Message: "x", Lang: "en"}, rec.callbacks())

	require.NoError(t, err)
	assert.Equal(t, "Plain answer", text)
	assert.Equal(t, []string{"Plain answer"}, rec.pieces)
	assert.Equal(t, []string{"Plain answer"}, rec.done)
}

func TestStreamBufferedJSONBodyIsDecodedLineByLine(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// one write with a known length, no flushing
		body := "{\"delta\":\"Hel\"}\n{\"delta\":\"lo\"}\n"
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	rec := &recorder{}
	in := New(testConfig(server.URL), server.Client(), zaptest.NewLogger(t), nil)

	text, err := in.Stream(context.Background(), Request{Message: "x", Lang: "de"}, rec.callbacks())

	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, []string{"Hel", "lo"}, rec.pieces)
	assert.Equal(t, []string{"Hello"}, rec.done)
}

func TestStreamSSETransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range []string{
			": keepalive\n\n",
			"data: {\"delta\":\"Hal\"}\n\n",
			"data: lo\n\n",
			"data: [DONE]\n\n",
			"data: ignored\n\n",
		} {
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}))
	defer server.Close()

	config := testConfig(server.URL)
	config.Format = FormatSSE
	in := New(config, server.Client(), zaptest.NewLogger(t), nil)

	text, err := in.Stream(context.Background(), Request{Message: "x", Lang: "de"}, Callbacks{})

	require.NoError(t, err)
	assert.Equal(t, "Hallo", text)
}

func TestWatchdogAbortsStalledAttemptAndRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeLines(w, `{"delta":"stale"}`)
			stall(r)
			return
		}
		writeLines(w, `{"delta":"fresh"}`)
	}))
	defer server.Close()

	config := testConfig(server.URL)
	config.HeartbeatInterval = 20 * time.Millisecond
	config.Retry = resilience.NewRetryPolicy(1, time.Millisecond)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rec := &recorder{}
	in := New(config, server.Client(), zaptest.NewLogger(t), m)

	text, err := in.Stream(context.Background(), Request{Message: "x", Lang: "de"}, rec.callbacks())

	require.NoError(t, err)
	assert.Equal(t, "fresh", text, "accumulator starts over on every attempt")
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, rec.retries, 1)
	assert.ErrorIs(t, rec.retries[0], ErrStalled)
	assert.Equal(t, []string{"fresh"}, rec.done)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamAttempts.WithLabelValues("stalled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamRetries))
}

func TestWatchdogExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeLines(w, `{"delta":"..."}`)
		stall(r)
	}))
	defer server.Close()

	config := testConfig(server.URL)
	config.HeartbeatInterval = 20 * time.Millisecond
	config.Retry = resilience.NewRetryPolicy(2, time.Millisecond)

	rec := &recorder{}
	in := New(config, server.Client(), zaptest.NewLogger(t), nil)

	_, err := in.Stream(context.Background(), Request{Message: "x", Lang: "de"}, rec.callbacks())

	var exhausted *resilience.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, ErrStalled)
	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, rec.done, "OnDone must not fire for a failed session")
}

func TestHardTimeoutBoundsAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprintln(w, `{"delta":"."}`)
				flusher.Flush()
			}
		}
	}))
	defer server.Close()

	config := testConfig(server.URL)
	config.RequestTimeout = 80 * time.Millisecond

	in := New(config, server.Client(), zaptest.NewLogger(t), nil)

	_, err := in.Stream(context.Background(), Request{Message: "x", Lang: "de"}, Callbacks{})

	assert.ErrorIs(t, err, ErrAttemptTimeout)
}

func TestNonSuccessStatusIsRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		writeLines(w, `{"delta":"ok"}`)
	}))
	defer server.Close()

	config := testConfig(server.URL)
	config.Retry = resilience.NewRetryPolicy(1, time.Millisecond)
	rec := &recorder{}
	in := New(config, server.Client(), zaptest.NewLogger(t), nil)

	text, err := in.Stream(context.Background(), Request{Message: "x", Lang: "de"}, rec.callbacks())

	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	require.Len(t, rec.retries, 1)
	var statusErr *StatusError
	require.ErrorAs(t, rec.retries[0], &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
}

func TestCancelSuppressesLateCallbacks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeLines(w, `{"delta":"first"}`)
		stall(r)
	}))
	defer server.Close()

	firstDelta := make(chan struct{}, 1)
	var doneCalls atomic.Int32
	in := New(testConfig(server.URL), server.Client(), zaptest.NewLogger(t), nil)

	h := in.Start(context.Background(), Request{Message: "x", Lang: "de"}, Callbacks{
		OnDelta: func(string, string) {
			select {
			case firstDelta <- struct{}{}:
			default:
			}
		},
		OnDone: func(string) { doneCalls.Add(1) },
	})

	select {
	case <-firstDelta:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for first delta")
	}

	h.Cancel()
	_, err := h.Wait()

	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, int32(0), doneCalls.Load())
}

func TestRegistryStartCancelsPreviousSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Message == "slow" {
			writeLines(w, `{"delta":"old"}`)
			stall(r)
			return
		}
		writeLines(w, `{"delta":"new"}`)
	}))
	defer server.Close()

	registry := NewRegistry(New(testConfig(server.URL), server.Client(), zaptest.NewLogger(t), nil))

	started := make(chan struct{}, 1)
	var lateOld atomic.Int32
	var cancelled atomic.Bool
	first := registry.Start(context.Background(), "conv-1", Request{Message: "slow", Lang: "de"}, Callbacks{
		OnDelta: func(string, string) {
			if cancelled.Load() {
				lateOld.Add(1)
			}
			select {
			case started <- struct{}{}:
			default:
			}
		},
	})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for first session")
	}

	second := registry.Start(context.Background(), "conv-1", Request{Message: "fast", Lang: "de"}, Callbacks{})
	cancelled.Store(true)

	_, err := first.Wait()
	assert.ErrorIs(t, err, ErrCancelled)

	text, err := second.Wait()
	require.NoError(t, err)
	assert.Equal(t, "new", text)
	assert.Equal(t, int32(0), lateOld.Load())

	assert.Eventually(t, func() bool { return !registry.Active("conv-1") }, time.Second, 5*time.Millisecond)
}

func TestParentContextCancellationStopsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stall(r)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	config := testConfig(server.URL)
	config.Retry = resilience.NewRetryPolicy(5, time.Millisecond)
	in := New(config, server.Client(), zaptest.NewLogger(t), nil)

	h := in.Start(ctx, Request{Message: "x", Lang: "de"}, Callbacks{})
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := h.Wait()
	assert.True(t, errors.Is(err, context.Canceled), "expected context.Canceled, got %v", err)
}

func TestBodyMode(t *testing.T) {
	tests := []struct {
		contentType   string
		contentLength int64
		configured    Format
		expected      Format
	}{
		{"application/x-ndjson", 120, FormatNDJSON, FormatNDJSON},
		{"application/jsonl; charset=utf-8", 120, FormatSSE, FormatNDJSON},
		{"text/event-stream", 120, FormatNDJSON, FormatSSE},
		{"application/json", -1, FormatSSE, FormatSSE},
		{"application/json", 42, FormatNDJSON, FormatNDJSON},
		{"text/plain", 10, FormatNDJSON, FormatNDJSON},
		{"", 10, FormatSSE, FormatSSE},
	}

	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.contentType, "/", "_"), func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}, ContentLength: tt.contentLength}
			resp.Header.Set("Content-Type", tt.contentType)
			assert.Equal(t, tt.expected, bodyMode(resp, tt.configured))
		})
	}
}
