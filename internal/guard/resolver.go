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

package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/funnel-assistant/internal/metrics"
	"github.com/your-org/funnel-assistant/internal/openai"
)

// Resolver is one answer tier. It returns ok=false for "no answer",
// including every transport failure; a Resolver never fails the turn.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, q Query) (text string, ok bool)
}

// Result is an accepted answer and the tier that produced it.
type Result struct {
	Text   string
	Source string
}

// FirstSuccess tries resolvers in order and returns the first answer that
// accept admits, after accept's cleaning.
func FirstSuccess(ctx context.Context, q Query, accept func(string) (string, bool), resolvers ...Resolver) (Result, bool) {
	for _, r := range resolvers {
		raw, ok := r.Resolve(ctx, q)
		if !ok {
			continue
		}
		if text, ok := accept(raw); ok {
			return Result{Text: text, Source: r.Name()}, true
		}
	}
	return Result{}, false
}

type observedResolver struct {
	Resolver
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func (o *observedResolver) Resolve(ctx context.Context, q Query) (string, bool) {
	start := time.Now()
	text, ok := o.Resolver.Resolve(ctx, q)
	o.metrics.ObserveResolver(o.Name(), ok, time.Since(start))
	if !ok {
		o.logger.Debug("Answer tier produced no answer",
			zap.String("resolver", o.Name()),
			zap.Duration("duration", time.Since(start)))
	}
	return text, ok
}

type answerRequest struct {
	Message    string     `json:"message"`
	Lang       string     `json:"lang"`
	System     string     `json:"system"`
	History    []Turn     `json:"history"`
	FunnelHint FunnelHint `json:"funnel_hint"`
}

type answerResponse struct {
	Text          string `json:"text"`
	LowConfidence bool   `json:"low_confidence"`
}

// HTTPResolver calls an assistant endpoint speaking the guarded Q&A
// contract. A low_confidence response counts as no answer.
type HTTPResolver struct {
	name   string
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPResolver creates a tier posting to url.
func NewHTTPResolver(name, url string, client *http.Client, logger *zap.Logger) *HTTPResolver {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPResolver{name: name, url: url, client: client, logger: logger}
}

func (h *HTTPResolver) Name() string { return h.name }

func (h *HTTPResolver) Resolve(ctx context.Context, q Query) (string, bool) {
	history := q.History
	if history == nil {
		history = []Turn{}
	}
	payload, err := json.Marshal(answerRequest{
		Message:    q.Question,
		Lang:       q.Lang,
		System:     q.System,
		History:    history,
		FunnelHint: q.Hint,
	})
	if err != nil {
		h.logger.Warn("Failed to marshal answer request", zap.String("resolver", h.name), zap.Error(err))
		return "", false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		h.logger.Warn("Failed to create answer request", zap.String("resolver", h.name), zap.Error(err))
		return "", false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Warn("Answer tier unreachable", zap.String("resolver", h.name), zap.Error(err))
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		h.logger.Warn("Answer tier returned error status",
			zap.String("resolver", h.name),
			zap.Int("status", resp.StatusCode))
		return "", false
	}

	var decoded answerResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		h.logger.Warn("Failed to decode answer response", zap.String("resolver", h.name), zap.Error(err))
		return "", false
	}
	if decoded.LowConfidence {
		h.logger.Debug("Answer tier reported low confidence", zap.String("resolver", h.name))
		return "", false
	}

	text := strings.TrimSpace(decoded.Text)
	return text, text != ""
}

// ChatCompleter is the part of the OpenAI client the LLM tier needs.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error)
}

// LLMResolver answers through a chat completion model.
type LLMResolver struct {
	client ChatCompleter
	logger *zap.Logger
}

// NewLLMResolver creates the LLM tier.
func NewLLMResolver(client ChatCompleter, logger *zap.Logger) *LLMResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMResolver{client: client, logger: logger}
}

func (l *LLMResolver) Name() string { return "llm" }

func (l *LLMResolver) Resolve(ctx context.Context, q Query) (string, bool) {
	history := make([]openai.HistoryMessage, 0, len(q.History))
	for _, turn := range q.History {
		history = append(history, openai.HistoryMessage{Role: turn.Role, Content: turn.Content})
	}

	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Messages: openai.BuildMessages(systemWithHint(q), history, q.Question),
	})
	if err != nil {
		l.logger.Warn("LLM tier failed", zap.Error(err))
		return "", false
	}

	text := strings.TrimSpace(resp.Content)
	return text, text != ""
}

// systemWithHint appends the reply language and funnel state to the system
// prompt.
func systemWithHint(q Query) string {
	var b strings.Builder
	b.WriteString(q.System)
	fmt.Fprintf(&b, "\nReply language: %s.", q.Lang)
	if q.Hint.Product == "" {
		return b.String()
	}
	fmt.Fprintf(&b, "\nThe user is configuring: %s.", q.Hint.Product)
	if len(q.Hint.Slots) > 0 {
		keys := make([]string, 0, len(q.Hint.Slots))
		for k := range q.Hint.Slots {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" Known answers:")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v;", k, q.Hint.Slots[k])
		}
	}
	return b.String()
}
