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
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUpstreamEvent is returned when an SSE stream carries an error event.
var ErrUpstreamEvent = errors.New("upstream reported stream error")

const (
	sseDoneSentinel = "[DONE]"
	maxSSELine      = 512 * 1024
)

// fragmentText extracts the text of one fragment. Objects yield their
// "delta" field, or "text" when delta is absent or null. Any other valid
// JSON yields nothing; a line that is not JSON at all is literal text.
func fragmentText(line string) string {
	var v any
	if err := json.Unmarshal([]byte(line), &v); err != nil {
		return line
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"delta", "text"} {
		if val, present := obj[key]; present && val != nil {
			s, _ := val.(string)
			return s
		}
	}
	return ""
}

// decodeNDJSON calls emit for every non-empty line of r, including an
// unterminated tail. A read error drops the partial line it interrupted.
func decodeNDJSON(r io.Reader, emit func(piece string)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			emit(fragmentText(trimmed))
		}
		if err != nil {
			return nil
		}
	}
}

// decodeSSE reads text/event-stream framing. Each event's data is decoded
// with the same fragment rules as NDJSON lines.
func decodeSSE(r io.Reader, emit func(piece string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxSSELine)

	var eventName string
	var dataLines []string
	finished := false

	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		data := strings.Join(dataLines, "\n")
		name := eventName
		eventName = ""
		dataLines = dataLines[:0]

		switch {
		case name == "error":
			return fmt.Errorf("%w: %s", ErrUpstreamEvent, data)
		case strings.TrimSpace(data) == sseDoneSentinel:
			finished = true
			return nil
		}
		if trimmed := strings.TrimSpace(data); trimmed != "" {
			emit(fragmentText(trimmed))
		}
		return nil
	}

	for !finished && scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			// comment / keepalive
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if finished {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}
