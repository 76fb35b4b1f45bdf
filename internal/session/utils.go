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
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxInputLength bounds a single user message in runes.
const MaxInputLength = 2000

var controlChars = regexp.MustCompile(`[\x00-\x08\x0B-\x1F\x7F]`)

// GenerateSessionID generates a random conversation identifier
func GenerateSessionID() string {
	return uuid.NewString()
}

// ValidateSessionID reports whether id has the conversation ID format.
func ValidateSessionID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// SanitizeUserInput strips control characters, keeps line breaks and
// limits the length of a user message.
func SanitizeUserInput(input string) string {
	input = controlChars.ReplaceAllString(input, "")
	if utf8.RuneCountInString(input) > MaxInputLength {
		runes := []rune(input)
		input = string(runes[:MaxInputLength])
	}
	return strings.TrimSpace(input)
}

// GetRecentMessages returns the N most recent messages
func GetRecentMessages(messages []Message, count int) []Message {
	if count <= 0 {
		return nil
	}
	if len(messages) <= count {
		return messages
	}
	return messages[len(messages)-count:]
}
