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

package streaming

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestNDJSONWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, FormatNDJSON)

	if err := w.Emit(Event{Type: EventDelta, Text: "Hal"}); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	if err := w.Emit(ProgressEvent(0)); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if got := rec.Header().Get("Content-Type"); got != "application/x-ndjson" {
		t.Errorf("unexpected content type %q", got)
	}
	if !rec.Flushed {
		t.Errorf("expected the writer to flush")
	}

	var events []Event
	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line is not JSON: %q", scanner.Text())
		}
		events = append(events, e)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Seq != i+1 {
			t.Errorf("event %d has seq %d", i, e.Seq)
		}
	}
	if events[1].Progress == nil || *events[1].Progress != 0 {
		t.Errorf("a zero progress value must be encoded")
	}
	if events[2].Type != EventDone {
		t.Errorf("expected done as last event, got %s", events[2].Type)
	}

	if err := w.Emit(Event{Type: EventMessage}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
	// Closing twice does not write a second done event.
	if err := w.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

func TestSSEWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, FormatSSE)

	if err := w.Emit(Event{Type: EventMessage, Text: "Hallo"}); err != nil {
		t.Fatalf("emit failed: %v", err)
	}

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("unexpected content type %q", got)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "id: 1\nevent: message\ndata: {") {
		t.Errorf("unexpected SSE framing: %q", body)
	}
	if !strings.HasSuffix(body, "}\n\n") {
		t.Errorf("SSE event must end with a blank line: %q", body)
	}
	if !strings.Contains(body, `"text":"Hallo"`) {
		t.Errorf("missing text in %q", body)
	}
}

func TestUnknownFormatFallsBackToNDJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	_ = NewWriter(rec, "xml")
	if got := rec.Header().Get("Content-Type"); got != FormatNDJSON.ContentType() {
		t.Errorf("expected ndjson, got %q", got)
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	_ = r.Emit(Event{Type: EventDelta, Text: "Wärme"})
	_ = r.Emit(Event{Type: EventDelta, Text: "pumpe"})
	_ = r.Emit(Event{Type: EventMessage, Text: "fertig"})

	if got := r.Text(EventDelta); got != "Wärmepumpe" {
		t.Errorf("unexpected delta text %q", got)
	}
	if n := len(r.OfType(EventMessage)); n != 1 {
		t.Errorf("expected 1 message, got %d", n)
	}

	events := r.Events()
	events[0].Text = "changed"
	if r.Events()[0].Text == "changed" {
		t.Errorf("Events must return a copy")
	}
	if events[2].Seq != 3 || events[2].Timestamp.IsZero() {
		t.Errorf("unexpected event metadata %+v", events[2])
	}
}

func TestRecorderConcurrentEmit(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Emit(Event{Type: EventDelta, Text: "x"})
		}()
	}
	wg.Wait()

	if n := len(r.Events()); n != 50 {
		t.Errorf("expected 50 events, got %d", n)
	}
}
