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

// Package classifier detects the keyword shortcuts of the chat widget:
// questions about prices and explicit interest are answered without asking
// the assistant and without consuming a guarded turn.
package classifier

import (
	"strings"
)

// Intent is the shortcut a message triggers.
type Intent string

const (
	// IntentNone means the message goes through the guard.
	IntentNone Intent = "none"
	// IntentPrice asks about costs.
	IntentPrice Intent = "price"
	// IntentInterest states that the user wants an offer.
	IntentInterest Intent = "interest"
)

// Result is the outcome of one classification.
type Result struct {
	Intent  Intent `json:"intent"`
	Keyword string `json:"keyword,omitempty"`
	// Product is the catalog key of a product the message mentions, if any.
	Product string `json:"product,omitempty"`
}

// IntentClassifier matches lowercase keywords anywhere in a message.
type IntentClassifier struct {
	priceKeywords    []string
	interestKeywords []string
	productKeywords  map[string][]string
	productOrder     []string
}

// NewIntentClassifier creates a classifier with the German, English and
// Indonesian keywords the widget reacts to.
func NewIntentClassifier() *IntentClassifier {
	return &IntentClassifier{
		priceKeywords:    []string{"kosten", "preis", "cost", "price", "harga"},
		interestKeywords: []string{"interessiert", "interested", "tertarik"},
		productKeywords: map[string][]string{
			"pv":       {"photovoltaik", "photovoltaic", "solaranlage", "solar", "pv-anlage"},
			"heatpump": {"wärmepumpe", "waermepumpe", "heat pump", "heatpump"},
			"aircon":   {"klimaanlage", "klima", "air condition", "aircon"},
			"roof":     {"dachsanierung", "dach", "roof"},
			"tenant":   {"mieterstrom", "tenant power"},
			"window":   {"fenster", "window"},
		},
		// tenant before pv: "Mieterstrom mit Solar" is a tenant question
		productOrder: []string{"tenant", "heatpump", "aircon", "pv", "window", "roof"},
	}
}

// Classify returns the shortcut for text. Price wins over interest when a
// message contains both.
func (ic *IntentClassifier) Classify(text string) Result {
	query := strings.ToLower(strings.TrimSpace(text))
	if query == "" {
		return Result{Intent: IntentNone}
	}

	result := Result{Intent: IntentNone, Product: ic.mentionedProduct(query)}
	if kw, ok := containsAny(query, ic.priceKeywords); ok {
		result.Intent = IntentPrice
		result.Keyword = kw
		return result
	}
	if kw, ok := containsAny(query, ic.interestKeywords); ok {
		result.Intent = IntentInterest
		result.Keyword = kw
	}
	return result
}

func (ic *IntentClassifier) mentionedProduct(query string) string {
	for _, product := range ic.productOrder {
		if _, ok := containsAny(query, ic.productKeywords[product]); ok {
			return product
		}
	}
	return ""
}

func containsAny(query string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if strings.Contains(query, kw) {
			return kw, true
		}
	}
	return "", false
}
