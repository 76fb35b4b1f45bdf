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

// Package lead assembles lead submissions from a finished funnel, keeps them
// in an outbox and delivers them to the lead transport.
package lead

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/your-org/funnel-assistant/internal/funnel"
)

// EmptyMarker stands in for optional values the user did not give.
const EmptyMarker = "—"

// DefaultProductLabel is used when no product was chosen.
const DefaultProductLabel = "Beratung"

// Origins.
const (
	OriginChat      = "chat"
	OriginInterrupt = "chat-interrupt"
	OriginFAQ       = "faq"
)

// Qualification keys the lead form is prefilled from.
const (
	keyStreet   = "property_street_number"
	keyPLZ      = "plz"
	keyBestTime = "contact_time_window"
)

// Contact is what the lead form collects.
type Contact struct {
	Name     string `json:"name" validate:"required,min=2,max=120"`
	Address  string `json:"address" validate:"required,min=4,max=200"`
	Zip      string `json:"zip" validate:"required,plz"`
	Phone    string `json:"phone" validate:"required,min=5,max=40"`
	Email    string `json:"email,omitempty" validate:"omitempty,email"`
	BestTime string `json:"best_time,omitempty"`
	Consent  bool   `json:"consent"`
}

var contactValidate = funnel.NewValidator()

// Validate checks a submitted form. Prefill from the record happens in Build,
// so callers validate the prefilled contact returned by Prefill.
func (c Contact) Validate() error {
	if !c.Consent {
		return fmt.Errorf("consent is required")
	}
	if err := contactValidate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid contact fields: %s", strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}

// Prefill fills empty address, zip and best time from the qualification
// record. Values the user typed always win.
func Prefill(c Contact, qualification map[string]any) Contact {
	c.Name = strings.TrimSpace(c.Name)
	c.Phone = strings.TrimSpace(c.Phone)
	c.Email = strings.TrimSpace(c.Email)
	c.Address = firstNonEmpty(c.Address, stringValue(qualification[keyStreet]))
	c.Zip = firstNonEmpty(c.Zip, stringValue(qualification[keyPLZ]))
	c.BestTime = firstNonEmpty(c.BestTime, stringValue(qualification[keyBestTime]))
	return c
}

// Payload is the canonical lead submission.
type Payload struct {
	ID               string         `json:"id"`
	ProductLabel     string         `json:"productLabel"`
	Contact          Contact        `json:"contact"`
	Qualification    map[string]any `json:"qualification"`
	Origin           string         `json:"origin"`
	Qualified        bool           `json:"qualified"`
	DisqualifyReason string         `json:"disqualifyReason,omitempty"`
	ConversationID   string         `json:"conversationId,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// Build maps a qualification snapshot and contact details into a qualified
// lead. It never fails: missing optional values become EmptyMarker and
// transport-level validation is left to the Submitter.
func Build(qualification map[string]any, contact Contact, productLabel, origin string) Payload {
	contact = Prefill(contact, qualification)

	qual := make(map[string]any, len(qualification)+3)
	for k, v := range qualification {
		qual[k] = v
	}
	if contact.Address != "" {
		qual[keyStreet] = contact.Address
	}
	if contact.Zip != "" {
		qual[keyPLZ] = contact.Zip
	}
	if contact.BestTime != "" {
		qual[keyBestTime] = contact.BestTime
	}

	contact.Name = orMarker(contact.Name)
	contact.Address = orMarker(contact.Address)
	contact.Zip = orMarker(contact.Zip)
	contact.Phone = orMarker(contact.Phone)
	contact.Email = orMarker(contact.Email)
	contact.BestTime = orMarker(contact.BestTime)

	return Payload{
		ProductLabel:  firstNonEmpty(productLabel, DefaultProductLabel),
		Contact:       contact,
		Qualification: qual,
		Origin:        firstNonEmpty(origin, OriginChat),
		Qualified:     true,
	}
}

// BuildDisqualified produces the non-qualified lead reported when a gate
// ends the funnel. It carries no contact details.
func BuildDisqualified(qualification map[string]any, productLabel, origin, reason string) Payload {
	p := Build(qualification, Contact{}, productLabel, origin)
	p.Qualified = false
	p.DisqualifyReason = firstNonEmpty(reason, "unbekannt")
	return p
}

func orMarker(s string) string {
	if strings.TrimSpace(s) == "" {
		return EmptyMarker
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
