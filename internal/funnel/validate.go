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
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidAnswer is returned when an answer fails its field's validation.
var ErrInvalidAnswer = errors.New("invalid answer")

var plzPattern = regexp.MustCompile(`^\d{4,5}$`)

// NewValidator returns a validator with the funnel's custom rules
// registered: "plz" accepts four or five digit postal codes.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("plz", func(fl validator.FieldLevel) bool {
		return plzPattern.MatchString(strings.TrimSpace(fl.Field().String()))
	})
	return v
}

// parse turns a raw answer into the value stored for f.
func (f Field) parse(v *validator.Validate, raw any) (any, error) {
	switch f.Input {
	case InputChoice:
		for _, o := range f.Options {
			if matchesOption(o, raw) {
				return o.Value, nil
			}
		}
		return nil, fmt.Errorf("%w: %v is not an option of %s", ErrInvalidAnswer, raw, f.Key)

	case InputNumber:
		n, ok := toNumber(raw)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects a number", ErrInvalidAnswer, f.Key)
		}
		if f.Rule != "" {
			if err := v.Var(n, f.Rule); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAnswer, f.Key, err)
			}
		}
		return n, nil

	default:
		text, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s expects text", ErrInvalidAnswer, f.Key)
		}
		text = strings.TrimSpace(text)
		rule := "required"
		if f.Rule != "" {
			rule += "," + f.Rule
		}
		if err := v.Var(text, rule); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAnswer, f.Key, err)
		}
		return text, nil
	}
}

// matchesOption accepts the canonical value or either label. Bool options
// also accept the usual yes/no spellings.
func matchesOption(o Option, raw any) bool {
	switch want := o.Value.(type) {
	case bool:
		switch got := raw.(type) {
		case bool:
			return got == want
		case string:
			b, ok := ParseBool(got)
			return ok && b == want
		}
		return false
	case string:
		got, ok := raw.(string)
		if !ok {
			return false
		}
		got = strings.TrimSpace(got)
		return strings.EqualFold(got, want) ||
			strings.EqualFold(got, o.Label.De) ||
			strings.EqualFold(got, o.Label.En)
	}
	return raw == o.Value
}

// ParseBool understands strconv's forms plus ja/nein and yes/no.
func ParseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ja", "j", "yes", "y":
		return true, true
	case "nein", "n", "no":
		return false, true
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return b, err == nil
}

func toNumber(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(n, ",", ".")), 64)
		return f, err == nil
	}
	return 0, false
}
