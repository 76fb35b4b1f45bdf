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

// Package session keeps the per-conversation context of the widget: the
// language, the guarded turn counter, the funnel engine, recent history and
// the last lead that still waits for delivery. Conversations live in memory
// with a sliding expiry and least-recently-used eviction.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/funnel-assistant/internal/funnel"
	"github.com/your-org/funnel-assistant/internal/guard"
)

// ErrNotFound is returned for unknown or expired conversations.
var ErrNotFound = errors.New("conversation not found")

// maxHistory bounds the messages kept per conversation.
const maxHistory = 20

// Config holds configuration for the conversation store
type Config struct {
	DefaultTTL      time.Duration `json:"default_ttl"`
	MaxSessions     int           `json:"max_sessions"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// DefaultConfig returns default store configuration
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      30 * time.Minute,
		MaxSessions:     1000,
		CleanupInterval: 5 * time.Minute,
	}
}

// MessageRole represents the role of a message sender
type MessageRole string

const (
	// UserRole indicates a message from the user
	UserRole MessageRole = "user"
	// AssistantRole indicates a message from the assistant
	AssistantRole MessageRole = "assistant"
)

// Message is one entry of the conversation history.
type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// Conversation is the context object every controller call works on. Lock
// it for the duration of one user action; the accessors below assume the
// caller holds the lock.
type Conversation struct {
	ID        string
	Origin    string
	CreatedAt time.Time

	mu          sync.Mutex
	lang        string
	turns       guard.TurnState
	engine      *funnel.Engine
	history     []Message
	pendingLead string
	form        *FormOffer
}

// FormOffer remembers the lead form shown last, so a submitted contact is
// attributed to the path that asked for it.
type FormOffer struct {
	Origin       string
	ProductLabel string
}

// Lock serializes actions on the conversation.
func (c *Conversation) Lock() { c.mu.Lock() }

// Unlock releases the conversation.
func (c *Conversation) Unlock() { c.mu.Unlock() }

// Lang returns "de" or "en".
func (c *Conversation) Lang() string { return c.lang }

// SetLang switches the conversation and its funnel prompts to lang.
func (c *Conversation) SetLang(lang string) {
	c.lang = guard.NormalizeLang(lang)
	c.engine.SetLang(c.lang)
}

// Turns is the guarded turn counter. Only guard.Ask changes Count.
func (c *Conversation) Turns() *guard.TurnState { return &c.turns }

// ResetTurns starts a new count, used when a new product funnel begins.
func (c *Conversation) ResetTurns(state guard.TurnState) { c.turns = state }

// Funnel returns the conversation's funnel engine.
func (c *Conversation) Funnel() *funnel.Engine { return c.engine }

// AddMessage appends to the history, dropping the oldest entries beyond
// the history bound. Empty content is ignored.
func (c *Conversation) AddMessage(role MessageRole, content string) {
	if content == "" {
		return
	}
	c.history = append(c.history, Message{Role: role, Content: content, Timestamp: time.Now()})
	if len(c.history) > maxHistory {
		c.history = append([]Message(nil), c.history[len(c.history)-maxHistory:]...)
	}
}

// History returns a copy of the recent messages, oldest first.
func (c *Conversation) History() []Message {
	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}

// GuardHistory returns the last n messages in the shape the guard expects.
func (c *Conversation) GuardHistory(n int) []guard.Turn {
	recent := GetRecentMessages(c.history, n)
	out := make([]guard.Turn, 0, len(recent))
	for _, m := range recent {
		out = append(out, guard.Turn{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// PendingLead is the ID of the last lead whose delivery failed.
func (c *Conversation) PendingLead() string { return c.pendingLead }

// SetPendingLead records (or clears, with "") the undelivered lead.
func (c *Conversation) SetPendingLead(id string) { c.pendingLead = id }

// OfferForm records the lead form currently shown.
func (c *Conversation) OfferForm(offer FormOffer) { c.form = &offer }

// Form returns the lead form currently shown, if any.
func (c *Conversation) Form() (FormOffer, bool) {
	if c.form == nil {
		return FormOffer{}, false
	}
	return *c.form, true
}

// ClearForm forgets the shown lead form.
func (c *Conversation) ClearForm() { c.form = nil }

// TurnStarter hands out fresh turn counters; *guard.Guard implements it.
type TurnStarter interface {
	NewTurnState() guard.TurnState
}

// Manager handles conversation lifecycle and storage operations
type Manager struct {
	storage *MemoryStorage
	config  Config
	catalog *funnel.Catalog
	turns   TurnStarter
	logger  *zap.Logger
	stopCh  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewManager creates a conversation store. A nil catalog uses the default
// product catalog.
func NewManager(config Config, turns TurnStarter, catalog *funnel.Catalog, logger *zap.Logger) (*Manager, error) {
	if turns == nil {
		return nil, errors.New("turn starter is required")
	}
	if config.MaxSessions <= 0 {
		return nil, fmt.Errorf("max_sessions must be greater than 0, got %d", config.MaxSessions)
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	manager := &Manager{
		storage: NewMemoryStorage(config.MaxSessions),
		config:  config,
		catalog: catalog,
		turns:   turns,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		manager.wg.Add(1)
		go manager.cleanupLoop()
	}

	return manager, nil
}

// Create starts a conversation in lang ("en" or German otherwise).
func (m *Manager) Create(ctx context.Context, lang, origin string) (*Conversation, error) {
	lang = guard.NormalizeLang(lang)
	conv := &Conversation{
		ID:        GenerateSessionID(),
		Origin:    origin,
		CreatedAt: time.Now(),
		lang:      lang,
		turns:     m.turns.NewTurnState(),
		engine:    funnel.NewEngine(m.catalog, lang),
	}

	evicted, err := m.storage.Set(ctx, conv, m.config.DefaultTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	if evicted != "" {
		m.logger.Info("Evicted least recently used conversation",
			zap.String("conversation_id", evicted),
			zap.Int("max_sessions", m.config.MaxSessions))
	}

	m.logger.Info("Created new conversation",
		zap.String("conversation_id", conv.ID),
		zap.String("lang", lang),
		zap.String("origin", origin))

	return conv, nil
}

// Get returns a live conversation and extends its expiry.
func (m *Manager) Get(ctx context.Context, id string) (*Conversation, error) {
	if !ValidateSessionID(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.storage.Get(ctx, id, m.config.DefaultTTL)
}

// Touch extends the expiry of a conversation without returning it.
func (m *Manager) Touch(ctx context.Context, id string) error {
	_, err := m.Get(ctx, id)
	return err
}

// Delete removes a conversation
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.storage.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info("Deleted conversation", zap.String("conversation_id", id))
	return nil
}

// Len returns the number of stored conversations, expired ones included
// until the next cleanup.
func (m *Manager) Len() int {
	return m.storage.Len()
}

// Cleanup removes expired conversations now.
func (m *Manager) Cleanup(ctx context.Context) int {
	removed := m.storage.Cleanup(ctx)
	if removed > 0 {
		m.logger.Debug("Removed expired conversations", zap.Int("count", removed))
	}
	return removed
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Cleanup(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// Close stops the cleanup loop and drops all conversations.
func (m *Manager) Close() error {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	return m.storage.Close()
}

// GetStats returns store statistics
func (m *Manager) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"conversations": m.storage.Len(),
		"max_sessions":  m.config.MaxSessions,
		"default_ttl":   m.config.DefaultTTL.String(),
	}
}
