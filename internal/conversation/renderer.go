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

package conversation

import (
	"go.uber.org/zap"

	"github.com/your-org/funnel-assistant/internal/funnel"
	"github.com/your-org/funnel-assistant/internal/lead"
	"github.com/your-org/funnel-assistant/internal/streaming"
)

// LeadForm is what the widget needs to show the contact form.
type LeadForm struct {
	ProductLabel  string         `json:"productLabel"`
	Origin        string         `json:"origin"`
	Prefill       lead.Contact   `json:"prefill"`
	Qualification map[string]any `json:"qualification"`
}

// UIRenderer is everything the controller can show. Implementations must
// not block for long; they run while the conversation is locked.
type UIRenderer interface {
	Message(text string)
	// Delta carries one streamed piece and the text accumulated so far.
	Delta(piece, accumulated string)
	// Retry announces that the streamed message starts over.
	Retry(attempt int)
	Prompt(prompt funnel.Prompt)
	Progress(percent int)
	LeadForm(form LeadForm)
	Disqualified(text, reason string)
	Error(text string)
}

// NopRenderer discards everything.
type NopRenderer struct{}

func (NopRenderer) Message(string)              {}
func (NopRenderer) Delta(string, string)        {}
func (NopRenderer) Retry(int)                   {}
func (NopRenderer) Prompt(funnel.Prompt)        {}
func (NopRenderer) Progress(int)                {}
func (NopRenderer) LeadForm(LeadForm)           {}
func (NopRenderer) Disqualified(string, string) {}
func (NopRenderer) Error(string)                {}

// EventRenderer turns renderer calls into widget events. A failing sink
// (usually a closed connection) is logged once and then ignored.
type EventRenderer struct {
	sink   streaming.Sink
	logger *zap.Logger
	failed bool
}

// NewEventRenderer renders into sink.
func NewEventRenderer(sink streaming.Sink, logger *zap.Logger) *EventRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventRenderer{sink: sink, logger: logger}
}

func (r *EventRenderer) emit(event streaming.Event) {
	if r.failed {
		return
	}
	if err := r.sink.Emit(event); err != nil {
		r.failed = true
		r.logger.Debug("Widget event not delivered", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

func (r *EventRenderer) Message(text string) {
	r.emit(streaming.Event{Type: streaming.EventMessage, Text: text})
}

func (r *EventRenderer) Delta(piece, accumulated string) {
	r.emit(streaming.Event{Type: streaming.EventDelta, Text: piece, Data: map[string]any{"accumulated": accumulated}})
}

func (r *EventRenderer) Retry(attempt int) {
	r.emit(streaming.Event{Type: streaming.EventRetry, Data: map[string]any{"attempt": attempt}})
}

func (r *EventRenderer) Prompt(prompt funnel.Prompt) {
	r.emit(streaming.Event{
		Type: streaming.EventPrompt,
		Text: prompt.Text,
		Data: map[string]any{
			"field":   prompt.Field,
			"input":   prompt.Input,
			"options": prompt.Options,
		},
	})
}

func (r *EventRenderer) Progress(percent int) {
	r.emit(streaming.ProgressEvent(percent))
}

func (r *EventRenderer) LeadForm(form LeadForm) {
	r.emit(streaming.Event{
		Type: streaming.EventLeadForm,
		Data: map[string]any{
			"productLabel":  form.ProductLabel,
			"origin":        form.Origin,
			"prefill":       form.Prefill,
			"qualification": form.Qualification,
		},
	})
}

func (r *EventRenderer) Disqualified(text, reason string) {
	r.emit(streaming.Event{Type: streaming.EventDisqualified, Text: text, Data: map[string]any{"reason": reason}})
}

func (r *EventRenderer) Error(text string) {
	r.emit(streaming.Event{Type: streaming.EventError, Text: text})
}
