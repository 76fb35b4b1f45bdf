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

package funnel

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrAlreadyRecorded is returned when a field that already holds a value is
// set again.
var ErrAlreadyRecorded = errors.New("field already recorded")

// Record holds the answered qualification fields of one product session.
// Values are strings, bools or float64s. A set field is never overwritten;
// only Reset clears it.
type Record struct {
	values map[string]any
	order  []string
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{values: make(map[string]any)}
}

// Get returns the value of key.
func (r *Record) Get(key string) (any, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Has reports whether key holds a non-empty value.
func (r *Record) Has(key string) bool {
	v, ok := r.values[key]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString && s == "" {
		return false
	}
	return true
}

// Equals reports whether key holds exactly want.
func (r *Record) Equals(key string, want any) bool {
	v, ok := r.values[key]
	return ok && v == want
}

// Set stores value under key.
func (r *Record) Set(key string, value any) error {
	if _, exists := r.values[key]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRecorded, key)
	}
	r.values[key] = value
	r.order = append(r.order, key)
	return nil
}

// Keys returns the recorded keys in answer order.
func (r *Record) Keys() []string {
	keys := make([]string, len(r.order))
	copy(keys, r.order)
	return keys
}

// Len returns the number of recorded fields.
func (r *Record) Len() int {
	return len(r.values)
}

// Snapshot returns a copy that later changes to r do not affect.
func (r *Record) Snapshot() map[string]any {
	snapshot := make(map[string]any, len(r.values))
	for k, v := range r.values {
		snapshot[k] = v
	}
	return snapshot
}

// Reset clears every field.
func (r *Record) Reset() {
	r.values = make(map[string]any)
	r.order = nil
}

// MarshalJSON encodes the record as a plain object.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.values)
}
