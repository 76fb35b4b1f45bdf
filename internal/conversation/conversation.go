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

// Package conversation routes widget input between the guard, the stream
// ingestor, the funnel engine and the lead submitter, and exposes the result
// as an HTTP API.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/your-org/funnel-assistant/internal/classifier"
	"github.com/your-org/funnel-assistant/internal/funnel"
	"github.com/your-org/funnel-assistant/internal/guard"
	"github.com/your-org/funnel-assistant/internal/ingest"
	"github.com/your-org/funnel-assistant/internal/lead"
	"github.com/your-org/funnel-assistant/internal/metrics"
	"github.com/your-org/funnel-assistant/internal/session"
)

// Completion policies applied when the guard stops a capped conversation.
const (
	PolicyContactForm   = "contact_form"
	PolicyTimelineFirst = "timeline_first"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNoPendingLead  = errors.New("no pending lead")
	ErrInvalidContact = errors.New("invalid contact details")
)

// Guard decides guarded turns.
type Guard interface {
	Ask(ctx context.Context, turns *guard.TurnState, q guard.Query) guard.Decision
	NewTurnState() guard.TurnState
	Config() guard.Config
}

// Streamer runs at most one streamed reply per conversation.
type Streamer interface {
	Start(ctx context.Context, conversationID string, req ingest.Request, cb ingest.Callbacks) *ingest.Handle
	Cancel(conversationID string)
}

// ChatAsker is the non-stream fallback.
type ChatAsker interface {
	Ask(ctx context.Context, req ingest.Request) (string, error)
}

// LeadSubmitter stores and delivers leads.
type LeadSubmitter interface {
	Submit(ctx context.Context, p lead.Payload) (lead.Entry, error)
	Retry(ctx context.Context, id string) (lead.Entry, error)
}

// Config holds controller policy.
type Config struct {
	CompletionPolicy string
}

// Dependencies are the collaborators of a Controller. Stream and Chat may be
// nil; a conversation without either can still run funnels.
type Dependencies struct {
	Sessions *session.Manager
	Guard    Guard
	Stream   Streamer
	Chat     ChatAsker
	Leads    LeadSubmitter
	Catalog  *funnel.Catalog
}

// MessageInput is one chat message from the widget.
type MessageInput struct {
	Text   string
	Lang   string
	Origin string
}

// Controller is safe for concurrent use. Calls for the same conversation are
// serialised by the conversation lock.
type Controller struct {
	sessions *session.Manager
	guard    Guard
	stream   Streamer
	chat     ChatAsker
	leads    LeadSubmitter
	catalog  *funnel.Catalog
	intents  *classifier.IntentClassifier
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	config Config
}

// NewController wires a controller.
func NewController(deps Dependencies, config Config, logger *zap.Logger, m *metrics.Metrics) (*Controller, error) {
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if deps.Guard == nil {
		return nil, fmt.Errorf("guard is required")
	}
	if deps.Leads == nil {
		return nil, fmt.Errorf("lead submitter is required")
	}
	if deps.Catalog == nil {
		deps.Catalog = funnel.DefaultCatalog()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		sessions: deps.Sessions,
		guard:    deps.Guard,
		stream:   deps.Stream,
		chat:     deps.Chat,
		leads:    deps.Leads,
		catalog:  deps.Catalog,
		intents:  classifier.NewIntentClassifier(),
		logger:   logger,
		metrics:  m,
		config:   normalizeConfig(config),
	}, nil
}

func normalizeConfig(config Config) Config {
	if config.CompletionPolicy != PolicyTimelineFirst {
		config.CompletionPolicy = PolicyContactForm
	}
	return config
}

// UpdateConfig swaps the policy, typically after a config reload.
func (c *Controller) UpdateConfig(config Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = normalizeConfig(config)
}

func (c *Controller) policy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.CompletionPolicy
}

// ProductInfo is one entry of the product picker.
type ProductInfo struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// Products lists the catalog in lang.
func (c *Controller) Products(lang string) []ProductInfo {
	keys := c.catalog.Keys()
	products := make([]ProductInfo, 0, len(keys))
	for _, key := range keys {
		p, _ := c.catalog.Product(key)
		products = append(products, ProductInfo{Key: key, Label: p.Label.In(lang)})
	}
	return products
}

// State is a read-only view of one conversation.
type State struct {
	ID            string            `json:"id"`
	Lang          string            `json:"lang"`
	Origin        string            `json:"origin"`
	Product       string            `json:"product,omitempty"`
	ProductLabel  string            `json:"productLabel,omitempty"`
	Step          string            `json:"step,omitempty"`
	Prompt        *funnel.Prompt    `json:"prompt,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Progress      int               `json:"progress"`
	Qualification map[string]any    `json:"qualification,omitempty"`
	Turns         guard.TurnState   `json:"turns"`
	PendingLead   string            `json:"pendingLead,omitempty"`
	History       []session.Message `json:"history"`
}

// Create opens a conversation.
func (c *Controller) Create(ctx context.Context, lang, origin string) (State, error) {
	conv, err := c.sessions.Create(ctx, lang, origin)
	if err != nil {
		return State{}, err
	}
	conv.Lock()
	defer conv.Unlock()
	return c.state(conv), nil
}

// State returns the current view of a conversation.
func (c *Controller) State(ctx context.Context, id string) (State, error) {
	conv, err := c.sessions.Get(ctx, id)
	if err != nil {
		return State{}, err
	}
	conv.Lock()
	defer conv.Unlock()
	return c.state(conv), nil
}

func (c *Controller) state(conv *session.Conversation) State {
	engine := conv.Funnel()
	st := State{
		ID:          conv.ID,
		Lang:        conv.Lang(),
		Origin:      conv.Origin,
		Turns:       *conv.Turns(),
		PendingLead: conv.PendingLead(),
		History:     conv.History(),
	}
	if !engine.Active() {
		return st
	}
	st.Product = engine.Product()
	st.ProductLabel = engine.ProductLabel()
	st.Qualification = engine.Snapshot()
	// Terminal steps are always reported by the call that reached them, so
	// Next here never consumes a completion.
	if step, err := engine.Next(); err == nil {
		st.Step = step.Kind.String()
		st.Prompt = step.Prompt
		st.Reason = step.Reason
		st.Progress = step.Progress
	}
	return st
}

// Touch reports whether the conversation exists and extends its lifetime.
func (c *Controller) Touch(ctx context.Context, id string) error {
	return c.sessions.Touch(ctx, id)
}

// Delete ends a conversation and cancels its running stream.
func (c *Controller) Delete(ctx context.Context, id string) error {
	if c.stream != nil {
		c.stream.Cancel(id)
	}
	return c.sessions.Delete(ctx, id)
}

// HandleMessage routes one chat message. Keyword shortcuts come first, then
// the guard decides between a guarded answer, a structured completion and a
// streamed reply.
func (c *Controller) HandleMessage(ctx context.Context, id string, in MessageInput, r UIRenderer) error {
	text := session.SanitizeUserInput(in.Text)
	if text == "" {
		return ErrEmptyMessage
	}
	conv, err := c.sessions.Get(ctx, id)
	if err != nil {
		return err
	}

	// New input supersedes a reply that is still streaming. The streaming
	// call holds the conversation lock until its handle returns, so cancel
	// before locking.
	if c.stream != nil {
		c.stream.Cancel(conv.ID)
	}

	conv.Lock()
	defer conv.Unlock()

	if in.Lang != "" {
		conv.SetLang(in.Lang)
	}
	origin := formOrigin(in.Origin, conv.Origin)
	history := conv.GuardHistory(c.guard.Config().HistoryTurns)
	conv.AddMessage(session.UserRole, text)

	if intent := c.intents.Classify(text); intent.Intent != classifier.IntentNone {
		c.handleIntent(conv, intent, origin, r)
		return nil
	}

	engine := conv.Funnel()
	q := guard.Query{Question: text, Lang: conv.Lang(), History: history}
	if engine.Active() {
		q.Hint = guard.FunnelHint{Product: engine.Product(), Slots: engine.Snapshot()}
	}

	decision := c.guard.Ask(ctx, conv.Turns(), q)
	logger := c.logger.With(zap.String("conversation_id", conv.ID))
	logger.Debug("Guard decided",
		zap.String("kind", decision.Kind.String()),
		zap.String("source", decision.Source))

	switch decision.Kind {
	case guard.KindStop:
		c.completeOnCap(ctx, conv, origin, r)
	case guard.KindAnswer:
		r.Message(decision.Text)
		conv.AddMessage(session.AssistantRole, decision.Text)
		c.resumeFunnel(conv, r)
	case guard.KindContinue:
		if engine.Active() {
			c.interrupt(conv, r)
			return nil
		}
		c.chatReply(ctx, conv, text, r)
	}
	return nil
}

func formOrigin(requested, conversation string) string {
	if requested == lead.OriginFAQ || (requested == "" && conversation == lead.OriginFAQ) {
		return lead.OriginFAQ
	}
	return lead.OriginChat
}

func (c *Controller) handleIntent(conv *session.Conversation, intent classifier.Result, origin string, r UIRenderer) {
	lang := conv.Lang()
	reply := interestText.in(lang)
	if intent.Intent == classifier.IntentPrice {
		reply = priceText.in(lang)
	}
	r.Message(reply)
	conv.AddMessage(session.AssistantRole, reply)

	label := ""
	if !conv.Funnel().Active() && intent.Product != "" {
		if p, ok := c.catalog.Product(intent.Product); ok {
			label = p.Label.In(lang)
		}
	}
	c.offerForm(conv, origin, label, r)
}

// completeOnCap redirects a capped conversation to structured completion.
func (c *Controller) completeOnCap(ctx context.Context, conv *session.Conversation, origin string, r UIRenderer) {
	engine := conv.Funnel()
	if c.policy() == PolicyTimelineFirst && engine.RequireTimeline() {
		step, err := engine.Next()
		if err == nil && step.Prompt != nil && step.Prompt.Field == funnel.TimelineField.Key {
			msg := timelineCapText.in(conv.Lang())
			r.Message(msg)
			conv.AddMessage(session.AssistantRole, msg)
			c.render(ctx, conv, step, origin, r)
			return
		}
	}
	c.interrupt(conv, r)
}

// interrupt leaves the funnel early and asks for contact details with the
// answers recorded so far.
func (c *Controller) interrupt(conv *session.Conversation, r UIRenderer) {
	msg := interruptText.in(conv.Lang())
	r.Message(msg)
	conv.AddMessage(session.AssistantRole, msg)
	c.offerForm(conv, lead.OriginInterrupt, "", r)
}

func (c *Controller) offerForm(conv *session.Conversation, origin, label string, r UIRenderer) {
	engine := conv.Funnel()
	snapshot := engine.Snapshot()
	if engine.Active() {
		label = engine.ProductLabel()
	}
	if label == "" {
		label = lead.DefaultProductLabel
	}
	conv.OfferForm(session.FormOffer{Origin: origin, ProductLabel: label})
	r.LeadForm(LeadForm{
		ProductLabel:  label,
		Origin:        origin,
		Prefill:       lead.Prefill(lead.Contact{}, snapshot),
		Qualification: snapshot,
	})
}

// resumeFunnel shows the open question again after a guarded answer.
func (c *Controller) resumeFunnel(conv *session.Conversation, r UIRenderer) {
	engine := conv.Funnel()
	if !engine.Active() {
		return
	}
	step, err := engine.Next()
	if err != nil || step.Kind != funnel.StepPrompt {
		return
	}
	r.Prompt(*step.Prompt)
	r.Progress(step.Progress)
}

func (c *Controller) chatReply(ctx context.Context, conv *session.Conversation, text string, r UIRenderer) {
	logger := c.logger.With(zap.String("conversation_id", conv.ID))
	req := ingest.Request{Message: text, Lang: conv.Lang()}

	var (
		reply string
		err   = errors.New("no stream transport configured")
	)
	if c.stream != nil {
		h := c.stream.Start(ctx, conv.ID, req, ingest.Callbacks{
			OnDelta: r.Delta,
			OnRetry: func(attempt int, _ error) { r.Retry(attempt) },
		})
		reply, err = h.Wait()
	}
	if err != nil {
		if errors.Is(err, ingest.ErrCancelled) || ctx.Err() != nil {
			logger.Debug("Streamed reply cancelled", zap.Error(err))
			return
		}
		logger.Warn("Streamed reply failed, falling back to chat endpoint", zap.Error(err))
		if c.chat == nil {
			r.Error(ConnectionErrorText)
			return
		}
		reply, err = c.chat.Ask(ctx, req)
		if err != nil {
			logger.Error("Chat fallback failed", zap.Error(err))
			r.Error(ConnectionErrorText)
			return
		}
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		reply = unsureText.in(conv.Lang())
	}
	r.Message(reply)
	conv.AddMessage(session.AssistantRole, reply)
}

// SelectProduct starts a fresh funnel and a fresh turn budget.
func (c *Controller) SelectProduct(ctx context.Context, id, product string, r UIRenderer) error {
	conv, err := c.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	conv.Lock()
	defer conv.Unlock()

	engine := conv.Funnel()
	step, err := engine.Select(product)
	if err != nil {
		return err
	}
	conv.ResetTurns(c.guard.NewTurnState())
	conv.ClearForm()
	conv.AddMessage(session.UserRole, engine.ProductLabel())

	c.logger.Info("Funnel started",
		zap.String("conversation_id", conv.ID),
		zap.String("product", engine.Product()))
	c.render(ctx, conv, step, formOrigin("", conv.Origin), r)
	return nil
}

// Answer records one funnel answer. An invalid value re-issues the same
// prompt and returns an error wrapping funnel.ErrInvalidAnswer.
func (c *Controller) Answer(ctx context.Context, id, field string, value any, r UIRenderer) error {
	conv, err := c.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	conv.Lock()
	defer conv.Unlock()

	engine := conv.Funnel()
	step, err := engine.Record(field, value)
	if err != nil {
		if errors.Is(err, funnel.ErrInvalidAnswer) && step.Prompt != nil {
			r.Error(invalidAnswerText.in(conv.Lang()))
			r.Prompt(*step.Prompt)
			r.Progress(step.Progress)
		}
		return err
	}
	conv.AddMessage(session.UserRole, fmt.Sprint(value))

	// A capped conversation that was asked for its timeline goes straight to
	// the contact form once it is given.
	if field == funnel.TimelineField.Key && c.policy() == PolicyTimelineFirst &&
		conv.Turns().Capped() && step.Kind == funnel.StepPrompt {
		c.metrics.RecordFunnelStep(engine.Product(), step.Kind.String())
		c.interrupt(conv, r)
		return nil
	}

	c.render(ctx, conv, step, formOrigin("", conv.Origin), r)
	return nil
}

func (c *Controller) render(ctx context.Context, conv *session.Conversation, step funnel.Step, origin string, r UIRenderer) {
	engine := conv.Funnel()
	c.metrics.RecordFunnelStep(engine.Product(), step.Kind.String())

	switch step.Kind {
	case funnel.StepPrompt:
		r.Prompt(*step.Prompt)
		r.Progress(step.Progress)
	case funnel.StepComplete:
		r.Progress(step.Progress)
		if !step.Entered {
			return
		}
		msg := completeText.in(conv.Lang())
		r.Message(msg)
		conv.AddMessage(session.AssistantRole, msg)
		c.offerForm(conv, origin, "", r)
	case funnel.StepDisqualified:
		if !step.Entered {
			return
		}
		msg := disqualifiedText.in(conv.Lang())
		r.Disqualified(msg, step.Reason)
		conv.AddMessage(session.AssistantRole, msg)
		c.reportDisqualified(ctx, conv, step.Reason, origin)
	}
}

func (c *Controller) reportDisqualified(ctx context.Context, conv *session.Conversation, reason, origin string) {
	engine := conv.Funnel()
	p := lead.BuildDisqualified(engine.Snapshot(), engine.ProductLabel(), origin, reason)
	p.ConversationID = conv.ID

	entry, err := c.leads.Submit(ctx, p)
	logger := c.logger.With(
		zap.String("conversation_id", conv.ID),
		zap.String("reason", reason))
	if err != nil {
		// Stored entries are picked up by the background redelivery.
		logger.Warn("Disqualified lead not delivered", zap.String("lead_id", entry.ID()), zap.Error(err))
		return
	}
	logger.Info("Disqualified lead reported", zap.String("lead_id", entry.ID()))
}

// SubmitContact assembles and submits the lead for the form currently shown.
// When delivery fails the stored payload is kept for RetryLead.
func (c *Controller) SubmitContact(ctx context.Context, id string, contact lead.Contact, r UIRenderer) (lead.Entry, error) {
	conv, err := c.sessions.Get(ctx, id)
	if err != nil {
		return lead.Entry{}, err
	}
	conv.Lock()
	defer conv.Unlock()

	engine := conv.Funnel()
	snapshot := engine.Snapshot()
	contact = lead.Prefill(contact, snapshot)
	if err := contact.Validate(); err != nil {
		return lead.Entry{}, fmt.Errorf("%w: %v", ErrInvalidContact, err)
	}

	offer, ok := conv.Form()
	if !ok {
		offer = session.FormOffer{Origin: formOrigin("", conv.Origin)}
	}
	label := offer.ProductLabel
	if engine.Active() {
		label = engine.ProductLabel()
	}

	p := lead.Build(snapshot, contact, label, offer.Origin)
	p.ConversationID = conv.ID

	logger := c.logger.With(zap.String("conversation_id", conv.ID))
	entry, err := c.leads.Submit(ctx, p)
	if err != nil {
		if entry.ID() != "" {
			conv.SetPendingLead(entry.ID())
		}
		logger.Warn("Lead submission failed", zap.String("lead_id", entry.ID()), zap.Error(err))
		r.Error(leadFailureText.in(conv.Lang()))
		return entry, err
	}

	logger.Info("Lead submitted",
		zap.String("lead_id", entry.ID()),
		zap.String("origin", p.Origin),
		zap.String("product_label", p.ProductLabel))
	c.leadDelivered(conv, r)
	return entry, nil
}

// RetryLead resends the payload kept by a failed SubmitContact.
func (c *Controller) RetryLead(ctx context.Context, id string, r UIRenderer) (lead.Entry, error) {
	conv, err := c.sessions.Get(ctx, id)
	if err != nil {
		return lead.Entry{}, err
	}
	conv.Lock()
	defer conv.Unlock()

	pending := conv.PendingLead()
	if pending == "" {
		return lead.Entry{}, ErrNoPendingLead
	}

	entry, err := c.leads.Retry(ctx, pending)
	if err != nil {
		c.logger.Warn("Lead retry failed",
			zap.String("conversation_id", conv.ID),
			zap.String("lead_id", pending),
			zap.Error(err))
		r.Error(leadFailureText.in(conv.Lang()))
		return entry, err
	}
	c.leadDelivered(conv, r)
	return entry, nil
}

func (c *Controller) leadDelivered(conv *session.Conversation, r UIRenderer) {
	conv.SetPendingLead("")
	conv.ClearForm()
	msg := leadSuccessText.in(conv.Lang())
	r.Message(msg)
	conv.AddMessage(session.AssistantRole, msg)
}
