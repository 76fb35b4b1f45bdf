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

// Package guard decides how a free-form user question is answered. It
// enforces a per-conversation turn cap and resolves answers through an
// ordered list of tiers that ends in a static fallback text.
package guard

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/your-org/funnel-assistant/internal/metrics"
)

// Kind tags a Decision.
type Kind int

const (
	// KindAnswer carries text to show the user.
	KindAnswer Kind = iota
	// KindStop means the turn cap is reached; the caller moves the user to
	// structured completion.
	KindStop
	// KindContinue hands the question to the streaming chat.
	KindContinue
)

func (k Kind) String() string {
	switch k {
	case KindAnswer:
		return "answer"
	case KindStop:
		return "stop"
	case KindContinue:
		return "continue"
	default:
		return "unknown"
	}
}

// Answer sources besides resolver names.
const (
	SourceStatic = "static"
	SourceCap    = "cap"
	SourceChat   = "chat"
)

// Decision is the result of one Ask call.
type Decision struct {
	Kind   Kind
	Text   string
	Source string
}

// TurnState counts guarded question/answer turns of one conversation. Only
// Guard.Ask increments Count.
type TurnState struct {
	Count int `json:"count"`
	Cap   int `json:"cap"`
}

// Capped reports whether no further guarded turns are allowed.
func (t TurnState) Capped() bool {
	return t.Count >= t.Cap
}

// Reset starts a new count with the given cap.
func (t *TurnState) Reset(limit int) {
	t.Count = 0
	t.Cap = limit
}

// Turn is one message of the recent conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FunnelHint describes the active funnel. Tiers may use it as context but
// never change it.
type FunnelHint struct {
	Product string         `json:"product"`
	Slots   map[string]any `json:"slots"`
}

// Query is the input of one guarded turn.
type Query struct {
	Question string
	Lang     string
	System   string
	History  []Turn
	Hint     FunnelHint
}

// DefaultSystemPrompt is sent to the tiers when no prompt is configured.
const DefaultSystemPrompt = "You are the assistant of a German energy installer (photovoltaics, heat pumps, air conditioning, roofs, tenant power, windows). " +
	"Answer briefly and factually in the user's language. If you are not sure, say so and offer to connect the user with the team. Never invent prices or promises."

// Config holds the guard policy.
type Config struct {
	Enabled         bool
	TurnCap         int
	MinAnswerLength int
	MaxAnswerLength int
	HistoryTurns    int
	SystemPrompt    string
}

// Guard is safe for concurrent use; the TurnState passed to Ask belongs to
// the caller's conversation and must not be shared.
type Guard struct {
	logger    *zap.Logger
	metrics   *metrics.Metrics
	resolvers []Resolver

	mu     sync.RWMutex
	config Config
}

// New creates a Guard trying resolvers in order.
func New(config Config, resolvers []Resolver, logger *zap.Logger, m *metrics.Metrics) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	instrumented := make([]Resolver, 0, len(resolvers))
	for _, r := range resolvers {
		if r == nil {
			continue
		}
		instrumented = append(instrumented, &observedResolver{Resolver: r, logger: logger, metrics: m})
	}
	return &Guard{
		logger:    logger,
		metrics:   m,
		resolvers: instrumented,
		config:    config,
	}
}

// UpdateConfig swaps the policy, e.g. after a config file reload. Running
// conversations keep the cap they started with.
func (g *Guard) UpdateConfig(config Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.config = config
}

// Config returns the current policy.
func (g *Guard) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// NewTurnState returns a fresh counter using the configured cap.
func (g *Guard) NewTurnState() TurnState {
	return TurnState{Cap: g.Config().TurnCap}
}

// Ask decides how q is answered. It never returns an error: failing tiers
// are skipped and the static fallback answers when every tier fails. Each
// Answer increments turns.Count by exactly one; Stop and Continue leave it
// unchanged.
func (g *Guard) Ask(ctx context.Context, turns *TurnState, q Query) Decision {
	config := g.Config()

	if !config.Enabled {
		g.metrics.RecordGuardDecision(KindContinue.String(), SourceChat)
		return Decision{Kind: KindContinue, Source: SourceChat}
	}

	if turns.Capped() {
		g.logger.Info("Turn cap reached",
			zap.Int("count", turns.Count),
			zap.Int("cap", turns.Cap))
		g.metrics.RecordGuardDecision(KindStop.String(), SourceCap)
		return Decision{Kind: KindStop, Source: SourceCap}
	}

	q.Lang = NormalizeLang(q.Lang)
	if q.System == "" {
		q.System = config.SystemPrompt
	}
	if q.System == "" {
		q.System = DefaultSystemPrompt
	}
	q.History = recent(q.History, config.HistoryTurns)

	sanitizer := NewSanitizer(config.MinAnswerLength, config.MaxAnswerLength)
	result, ok := FirstSuccess(ctx, q, sanitizer.Accept, g.resolvers...)
	if !ok {
		result = Result{Text: StaticFallback(q.Lang), Source: SourceStatic}
		g.logger.Info("All answer tiers failed, using static fallback", zap.String("lang", q.Lang))
	}

	turns.Count++
	g.metrics.RecordGuardDecision(KindAnswer.String(), result.Source)

	return Decision{Kind: KindAnswer, Text: result.Text, Source: result.Source}
}

var safeFallback = map[string]string{
	"de": "Dazu habe ich keine gesicherte Information. Ich kann dich gern mit unserem Team verbinden oder dir mit dem Konfigurator helfen.",
	"en": "I don't have verified information on that. I can connect you with our team or help you proceed with the configurator.",
}

// StaticFallback returns the safe answer for lang, German by default.
func StaticFallback(lang string) string {
	return safeFallback[NormalizeLang(lang)]
}

// NormalizeLang maps anything but "en" to "de".
func NormalizeLang(lang string) string {
	if lang == "en" {
		return "en"
	}
	return "de"
}

func recent(history []Turn, n int) []Turn {
	if n <= 0 {
		return nil
	}
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
