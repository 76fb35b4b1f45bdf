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

// Package funnel walks a per-product schedule of qualification questions.
// An Engine belongs to one conversation and is the only writer of its
// Record.
package funnel

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

var (
	ErrUnknownProduct  = errors.New("unknown product")
	ErrNoProduct       = errors.New("no product selected")
	ErrTerminal        = errors.New("funnel already finished")
	ErrUnexpectedField = errors.New("field is not the current question")
)

// StepKind tags a Step.
type StepKind int

const (
	StepPrompt StepKind = iota
	StepComplete
	StepDisqualified
)

func (k StepKind) String() string {
	switch k {
	case StepPrompt:
		return "prompt"
	case StepComplete:
		return "complete"
	case StepDisqualified:
		return "disqualified"
	default:
		return "unknown"
	}
}

// PromptOption is an Option rendered in one language.
type PromptOption struct {
	Value any    `json:"value"`
	Label string `json:"label"`
	Emoji string `json:"emoji,omitempty"`
}

// Prompt describes the question the UI should show next.
type Prompt struct {
	Field   string         `json:"field"`
	Text    string         `json:"text"`
	Input   Input          `json:"input"`
	Options []PromptOption `json:"options,omitempty"`
}

// Step is the result of Next.
type Step struct {
	Kind     StepKind `json:"-"`
	Prompt   *Prompt  `json:"prompt,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Progress int      `json:"progress"`
	// Entered is set only on the call that first reports a terminal state,
	// so completion is acted on exactly once.
	Entered bool `json:"-"`
}

// Terminal reports whether the funnel has finished.
func (s Step) Terminal() bool {
	return s.Kind == StepComplete || s.Kind == StepDisqualified
}

// Engine drives one product session. It is not safe for concurrent use; the
// owning conversation serialises access.
type Engine struct {
	catalog  *Catalog
	validate *validator.Validate
	lang     string

	product          *Product
	record           *Record
	reported         bool
	timelineRequired bool
}

// NewEngine creates an idle engine. A nil catalog uses DefaultCatalog.
func NewEngine(catalog *Catalog, lang string) *Engine {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Engine{
		catalog:  catalog,
		validate: NewValidator(),
		lang:     lang,
		record:   NewRecord(),
	}
}

// SetLang changes the language of later prompts.
func (e *Engine) SetLang(lang string) {
	e.lang = lang
}

// Select starts a fresh session for product and returns its first step.
func (e *Engine) Select(product string) (Step, error) {
	p, ok := e.catalog.Product(product)
	if !ok {
		return Step{}, fmt.Errorf("%w: %q", ErrUnknownProduct, product)
	}
	e.Reset()
	e.product = p
	return e.Next()
}

// Reset discards the product and every recorded answer.
func (e *Engine) Reset() {
	e.product = nil
	e.record.Reset()
	e.reported = false
	e.timelineRequired = false
}

// Active reports whether a product is selected.
func (e *Engine) Active() bool {
	return e.product != nil
}

// Product returns the selected product key, or "".
func (e *Engine) Product() string {
	if e.product == nil {
		return ""
	}
	return e.product.Key
}

// ProductLabel returns the selected product's label in the engine language,
// or "".
func (e *Engine) ProductLabel() string {
	if e.product == nil {
		return ""
	}
	return e.product.Label.In(e.lang)
}

// Snapshot returns a copy of the record.
func (e *Engine) Snapshot() map[string]any {
	return e.record.Snapshot()
}

// RequireTimeline makes the next prompt ask for the project timeline before
// any remaining schedule field. It has no effect without a product or once
// the timeline is known.
func (e *Engine) RequireTimeline() bool {
	if e.product == nil || e.record.Has(TimelineField.Key) {
		return false
	}
	e.timelineRequired = true
	return true
}

// Next returns the current step without changing the record. Calling it
// repeatedly yields the same prompt until Record is called.
func (e *Engine) Next() (Step, error) {
	if e.product == nil {
		return Step{}, ErrNoProduct
	}
	step := e.evaluate()
	if step.Terminal() && !e.reported {
		e.reported = true
		step.Entered = true
	}
	return step, nil
}

// Record stores the answer for field and returns the following step. An
// invalid answer leaves the record unchanged and returns the same prompt
// together with an error wrapping ErrInvalidAnswer.
func (e *Engine) Record(field string, raw any) (Step, error) {
	if e.product == nil {
		return Step{}, ErrNoProduct
	}
	current := e.evaluate()
	if current.Terminal() {
		return current, ErrTerminal
	}
	if e.record.Has(field) {
		return current, fmt.Errorf("%w: %s", ErrAlreadyRecorded, field)
	}
	if current.Prompt.Field != field {
		return current, fmt.Errorf("%w: got %s, expected %s", ErrUnexpectedField, field, current.Prompt.Field)
	}

	def, ok := e.fieldDef(field)
	if !ok {
		return current, fmt.Errorf("%w: %s", ErrUnexpectedField, field)
	}
	value, err := def.parse(e.validate, raw)
	if err != nil {
		return current, err
	}
	if err := e.record.Set(field, value); err != nil {
		return current, err
	}
	if field == TimelineField.Key {
		e.timelineRequired = false
	}
	return e.Next()
}

// Progress returns answered/needed over the active schedule fields as a
// percentage in [0,100].
func (e *Engine) Progress() int {
	if e.product == nil {
		return 0
	}
	needed, answered := 0, 0
	for _, f := range e.product.Fields {
		if !f.Active(e.record) {
			continue
		}
		needed++
		if e.record.Has(f.Key) {
			answered++
		}
	}
	if needed == 0 {
		return 0
	}
	percent := int(math.Round(float64(answered) * 100 / float64(needed)))
	return min(percent, 100)
}

func (e *Engine) evaluate() Step {
	progress := e.Progress()

	// Gates run before any further prompt.
	for _, f := range e.product.Fields {
		if f.Gate == nil || !e.record.Has(f.Key) {
			continue
		}
		if f.Gate.Applies != nil && !f.Gate.Applies(e.record) {
			continue
		}
		if e.record.Equals(f.Key, f.Gate.Disqualifies) {
			return Step{Kind: StepDisqualified, Reason: f.Gate.Reason, Progress: progress}
		}
	}

	if e.timelineRequired && !e.record.Has(TimelineField.Key) {
		return Step{Kind: StepPrompt, Prompt: e.render(TimelineField), Progress: progress}
	}

	for _, f := range e.product.Fields {
		if !f.Active(e.record) || e.record.Has(f.Key) {
			continue
		}
		return Step{Kind: StepPrompt, Prompt: e.render(f), Progress: progress}
	}
	return Step{Kind: StepComplete, Progress: progress}
}

func (e *Engine) fieldDef(key string) (Field, bool) {
	if key == TimelineField.Key && e.timelineRequired {
		return TimelineField, true
	}
	return e.product.Field(key)
}

func (e *Engine) render(f Field) *Prompt {
	p := &Prompt{
		Field: f.Key,
		Text:  f.Prompt.In(e.lang),
		Input: f.Input,
	}
	for _, o := range f.Options {
		p.Options = append(p.Options, PromptOption{
			Value: o.Value,
			Label: o.Label.In(e.lang),
			Emoji: o.Emoji,
		})
	}
	return p
}
