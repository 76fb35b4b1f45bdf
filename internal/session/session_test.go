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

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/your-org/funnel-assistant/internal/funnel"
	"github.com/your-org/funnel-assistant/internal/guard"
)

type fixedCap int

func (c fixedCap) NewTurnState() guard.TurnState { return guard.TurnState{Cap: int(c)} }

func newTestManager(t *testing.T, config Config) *Manager {
	t.Helper()
	manager, err := NewManager(config, fixedCap(10), nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestNewManager(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name        string
		config      Config
		turns       TurnStarter
		expectError bool
	}{
		{"default config", DefaultConfig(), fixedCap(10), false},
		{"zero max sessions", Config{DefaultTTL: time.Minute}, fixedCap(10), true},
		{"missing turn starter", DefaultConfig(), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager, err := NewManager(tt.config, tt.turns, nil, logger)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			_ = manager.Close()
			// Close is safe to call twice.
			_ = manager.Close()
		})
	}
}

func TestCreateConversation(t *testing.T) {
	manager := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	conv, err := manager.Create(ctx, "fr", "faq")
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}

	if !ValidateSessionID(conv.ID) {
		t.Errorf("expected a UUID conversation ID, got %s", conv.ID)
	}
	if conv.Lang() != "de" {
		t.Errorf("unsupported languages should fall back to German, got %s", conv.Lang())
	}
	if conv.Origin != "faq" {
		t.Errorf("expected origin faq, got %s", conv.Origin)
	}
	if conv.Turns().Cap != 10 || conv.Turns().Count != 0 {
		t.Errorf("unexpected turn state %+v", *conv.Turns())
	}
	if conv.Funnel() == nil || conv.Funnel().Active() {
		t.Errorf("a new conversation has an idle funnel engine")
	}

	got, err := manager.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("failed to get conversation: %v", err)
	}
	if got != conv {
		t.Errorf("expected the same conversation instance")
	}
	if err := manager.Touch(ctx, conv.ID); err != nil {
		t.Errorf("touch failed: %v", err)
	}
}

func TestConversationsAreIndependent(t *testing.T) {
	manager := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	a, _ := manager.Create(ctx, "de", "chat")
	b, _ := manager.Create(ctx, "en", "chat")

	if _, err := a.Funnel().Select("pv"); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	a.Turns().Count = 3

	if b.Funnel().Active() {
		t.Errorf("selecting a product in one conversation must not affect another")
	}
	if b.Turns().Count != 0 {
		t.Errorf("turn counters must not be shared")
	}
}

func TestGetUnknownConversation(t *testing.T) {
	manager := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	for _, id := range []string{"", "not-a-uuid", GenerateSessionID()} {
		if _, err := manager.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%q): expected ErrNotFound, got %v", id, err)
		}
	}
}

func TestDeleteConversation(t *testing.T) {
	manager := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	conv, _ := manager.Create(ctx, "de", "chat")
	if err := manager.Delete(ctx, conv.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := manager.Get(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if manager.Len() != 0 {
		t.Errorf("expected empty store, got %d", manager.Len())
	}
}

func TestManagerEvictsAtCapacity(t *testing.T) {
	manager := newTestManager(t, Config{DefaultTTL: time.Hour, MaxSessions: 3})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		conv, err := manager.Create(ctx, "de", "chat")
		if err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
		ids = append(ids, conv.ID)
	}

	if manager.Len() != 3 {
		t.Errorf("expected store to stay at 3 conversations, got %d", manager.Len())
	}
	if _, err := manager.Get(ctx, ids[4]); err != nil {
		t.Errorf("newest conversation should be present: %v", err)
	}
}

func TestManagerCleanupRemovesExpired(t *testing.T) {
	manager := newTestManager(t, Config{DefaultTTL: time.Minute, MaxSessions: 10})
	clock := &fakeClock{t: time.Now()}
	manager.storage.now = clock.now
	ctx := context.Background()

	conv, _ := manager.Create(ctx, "de", "chat")
	clock.advance(2 * time.Minute)

	if removed := manager.Cleanup(ctx); removed != 1 {
		t.Errorf("expected 1 expired conversation, got %d", removed)
	}
	if _, err := manager.Get(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestConversationHistory(t *testing.T) {
	conv := &Conversation{engine: funnel.NewEngine(nil, "de")}

	conv.AddMessage(UserRole, "")
	if len(conv.History()) != 0 {
		t.Errorf("empty messages should be ignored")
	}

	for i := 0; i < maxHistory+5; i++ {
		conv.AddMessage(UserRole, fmt.Sprintf("frage %d", i))
		conv.AddMessage(AssistantRole, fmt.Sprintf("antwort %d", i))
	}

	history := conv.History()
	if len(history) != maxHistory {
		t.Fatalf("expected history to be bounded at %d, got %d", maxHistory, len(history))
	}
	if last := history[len(history)-1].Content; last != fmt.Sprintf("antwort %d", maxHistory+4) {
		t.Errorf("unexpected last message %q", last)
	}

	turns := conv.GuardHistory(2)
	if len(turns) != 2 || turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Errorf("unexpected guard history %+v", turns)
	}

	history[0].Content = "changed"
	if conv.History()[0].Content == "changed" {
		t.Errorf("History must return a copy")
	}
}

func TestConversationLangAndLead(t *testing.T) {
	conv := &Conversation{engine: funnel.NewEngine(nil, "de")}
	conv.SetLang("en")
	if conv.Lang() != "en" {
		t.Errorf("expected en, got %s", conv.Lang())
	}

	step, err := conv.Funnel().Select("pv")
	if err != nil {
		t.Fatal(err)
	}
	if step.Prompt == nil || step.Prompt.Text == "" {
		t.Fatalf("expected an English prompt")
	}

	conv.SetPendingLead("lead-1")
	if conv.PendingLead() != "lead-1" {
		t.Errorf("pending lead not recorded")
	}
	conv.SetPendingLead("")
	if conv.PendingLead() != "" {
		t.Errorf("pending lead not cleared")
	}

	conv.Turns().Count = 7
	conv.ResetTurns(guard.TurnState{Cap: 4})
	if conv.Turns().Count != 0 || conv.Turns().Cap != 4 {
		t.Errorf("unexpected turn state after reset: %+v", *conv.Turns())
	}
}

func TestConcurrentAccess(t *testing.T) {
	manager := newTestManager(t, Config{DefaultTTL: time.Hour, MaxSessions: 50})
	ctx := context.Background()

	conv, _ := manager.Create(ctx, "de", "chat")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := manager.Get(ctx, conv.ID)
			if err != nil {
				t.Errorf("get failed: %v", err)
				return
			}
			c.Lock()
			c.AddMessage(UserRole, fmt.Sprintf("msg %d", i))
			c.Unlock()
			_, _ = manager.Create(ctx, "en", "chat")
		}(i)
	}
	wg.Wait()

	conv.Lock()
	defer conv.Unlock()
	if n := len(conv.History()); n != 20 {
		t.Errorf("expected 20 messages, got %d", n)
	}
}

func TestConversationFormOffer(t *testing.T) {
	conv := &Conversation{engine: funnel.NewEngine(nil, "de")}
	if _, ok := conv.Form(); ok {
		t.Fatalf("no form is offered initially")
	}

	conv.OfferForm(FormOffer{Origin: "chat-interrupt", ProductLabel: "Fenster 🪟"})
	offer, ok := conv.Form()
	if !ok || offer.Origin != "chat-interrupt" || offer.ProductLabel != "Fenster 🪟" {
		t.Errorf("unexpected form offer %+v", offer)
	}

	conv.ClearForm()
	if _, ok := conv.Form(); ok {
		t.Errorf("form offer not cleared")
	}
}
