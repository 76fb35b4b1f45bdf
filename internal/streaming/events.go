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

// Package streaming frames widget events for the browser, either as
// newline-delimited JSON or as Server-Sent Events.
package streaming

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("event stream closed")

// EventType names what the widget should render.
type EventType string

const (
	// EventMessage is a complete bot message
	EventMessage EventType = "message"
	// EventDelta is a piece of a streamed bot message
	EventDelta EventType = "delta"
	// EventRetry tells the widget that the streamed message starts over
	EventRetry EventType = "retry"
	// EventPrompt is a funnel question with its options
	EventPrompt EventType = "prompt"
	// EventProgress carries the funnel completion percentage
	EventProgress EventType = "progress"
	// EventLeadForm asks the widget to show the contact form
	EventLeadForm EventType = "lead_form"
	// EventDisqualified ends the funnel without a form
	EventDisqualified EventType = "disqualified"
	// EventLeadResult reports the outcome of a lead submission
	EventLeadResult EventType = "lead_result"
	// EventError is a user-facing failure text
	EventError EventType = "error"
	// EventDone closes one response
	EventDone EventType = "done"
)

// Format selects the framing of a Writer.
type Format string

const (
	FormatNDJSON Format = "ndjson"
	FormatSSE    Format = "sse"
)

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatSSE {
		return "text/event-stream"
	}
	return "application/x-ndjson"
}

// Event is one widget event. Seq is assigned by the sink and increases by
// one per event of a response.
type Event struct {
	Seq       int            `json:"seq"`
	Type      EventType      `json:"type"`
	Text      string         `json:"text,omitempty"`
	Progress  *int           `json:"progress,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ProgressEvent builds a progress event; 0 is a valid value.
func ProgressEvent(percent int) Event {
	return Event{Type: EventProgress, Progress: &percent}
}

// Sink receives the events of one response.
type Sink interface {
	Emit(event Event) error
}

// Writer writes events to an HTTP response and flushes after each one.
type Writer struct {
	mutex   sync.Mutex
	w       io.Writer
	flusher http.Flusher
	format  Format
	seq     int
	closed  bool
}

// NewWriter prepares w for streaming. Headers are written on creation.
func NewWriter(w http.ResponseWriter, format Format) *Writer {
	if format != FormatSSE {
		format = FormatNDJSON
	}
	header := w.Header()
	header.Set("Content-Type", format.ContentType())
	header.Set("Cache-Control", "no-cache")
	header.Set("X-Accel-Buffering", "no")
	if format == FormatSSE {
		header.Set("Connection", "keep-alive")
	}
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher, format: format}
}

// Emit writes one event.
func (sw *Writer) Emit(event Event) error {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()

	if sw.closed {
		return ErrClosed
	}
	sw.seq++
	event.Seq = sw.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.Type, err)
	}

	switch sw.format {
	case FormatSSE:
		_, err = fmt.Fprintf(sw.w, "id: %s\nevent: %s\ndata: %s\n\n", strconv.Itoa(event.Seq), event.Type, data)
	default:
		_, err = fmt.Fprintf(sw.w, "%s\n", data)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s event: %w", event.Type, err)
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// Close emits the done event and rejects further events.
func (sw *Writer) Close() error {
	if err := sw.Emit(Event{Type: EventDone}); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	sw.mutex.Lock()
	sw.closed = true
	sw.mutex.Unlock()
	return nil
}

// Recorder keeps events in memory, for JSON responses and tests.
type Recorder struct {
	mutex  sync.RWMutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{events: make([]Event, 0)}
}

// Emit appends event.
func (r *Recorder) Emit(event Event) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	event.Seq = len(r.events) + 1
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything emitted so far.
func (r *Recorder) Events() []Event {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	events := make([]Event, len(r.events))
	copy(events, r.events)
	return events
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Text concatenates the text of all events of type t.
func (r *Recorder) Text(t EventType) string {
	var out string
	for _, e := range r.OfType(t) {
		out += e.Text
	}
	return out
}
