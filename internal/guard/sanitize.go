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
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const ellipsis = "…"

var strictPolicy = bluemonday.StrictPolicy()

// Sanitizer turns tier output into plain text for the widget.
type Sanitizer struct {
	MinLength int
	MaxLength int
}

// NewSanitizer creates a Sanitizer. Lengths are counted in runes; a
// non-positive max disables truncation.
func NewSanitizer(minLength, maxLength int) Sanitizer {
	return Sanitizer{MinLength: minLength, MaxLength: maxLength}
}

// Clean strips all markup and truncates to MaxLength runes. Entities are
// decoded and the text is re-sanitised until stable, so encoded markup
// cannot survive as a tag.
func (s Sanitizer) Clean(raw string) string {
	text := raw
	stable := false
	for i := 0; i < 4 && !stable; i++ {
		next := html.UnescapeString(strictPolicy.Sanitize(text))
		stable = next == text
		text = next
	}
	if !stable {
		text = strictPolicy.Sanitize(text)
	}
	text = strings.TrimSpace(text)

	if s.MaxLength > 0 && utf8.RuneCountInString(text) > s.MaxLength {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:s.MaxLength])) + ellipsis
	}
	return text
}

// Accept cleans raw and reports whether the result is long enough to show.
func (s Sanitizer) Accept(raw string) (string, bool) {
	text := s.Clean(raw)
	if text == "" || utf8.RuneCountInString(text) < s.MinLength {
		return "", false
	}
	return text, true
}
