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
	"fmt"
)

// Input is the kind of answer a field expects.
type Input string

const (
	InputChoice Input = "choice"
	InputText   Input = "text"
	InputNumber Input = "number"
)

// Text is a bilingual string.
type Text struct {
	De string
	En string
}

// In returns the text for lang, German unless lang is "en".
func (t Text) In(lang string) string {
	if lang == "en" && t.En != "" {
		return t.En
	}
	return t.De
}

// Option is one enumerated answer. Value is the canonical key stored in the
// record.
type Option struct {
	Value any
	Label Text
	Emoji string
}

// Gate disqualifies the lead when its field holds Disqualifies.
type Gate struct {
	Disqualifies any
	Reason       string
	// Applies limits the gate to matching records; nil means always.
	Applies func(r *Record) bool
}

// Field is one entry of a product schedule.
type Field struct {
	Key     string
	Prompt  Text
	Input   Input
	Options []Option
	// Rule is a validator tag applied to text and number answers.
	Rule string
	// When makes the field conditional on earlier answers.
	When func(r *Record) bool
	Gate *Gate
}

// Active reports whether the field is required for r.
func (f Field) Active(r *Record) bool {
	return f.When == nil || f.When(r)
}

// Product is the ordered field schedule of one vertical.
type Product struct {
	Key    string
	Label  Text
	Fields []Field
}

// Field returns the schedule entry for key.
func (p *Product) Field(key string) (Field, bool) {
	for _, f := range p.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// Catalog is the immutable set of products.
type Catalog struct {
	products map[string]*Product
	order    []string
}

// NewCatalog checks and indexes products.
func NewCatalog(products ...Product) (*Catalog, error) {
	c := &Catalog{products: make(map[string]*Product, len(products))}
	for i := range products {
		p := products[i]
		if p.Key == "" {
			return nil, fmt.Errorf("product %d has no key", i)
		}
		if _, dup := c.products[p.Key]; dup {
			return nil, fmt.Errorf("duplicate product %q", p.Key)
		}
		if len(p.Fields) == 0 {
			return nil, fmt.Errorf("product %q has no fields", p.Key)
		}
		seen := make(map[string]bool, len(p.Fields))
		for _, f := range p.Fields {
			if seen[f.Key] {
				return nil, fmt.Errorf("product %q: duplicate field %q", p.Key, f.Key)
			}
			seen[f.Key] = true
			if f.Input == InputChoice && len(f.Options) == 0 {
				return nil, fmt.Errorf("product %q: choice field %q has no options", p.Key, f.Key)
			}
		}
		c.products[p.Key] = &p
		c.order = append(c.order, p.Key)
	}
	return c, nil
}

// Product looks up a product by key.
func (c *Catalog) Product(key string) (*Product, bool) {
	p, ok := c.products[key]
	return p, ok
}

// Keys returns the product keys in display order.
func (c *Catalog) Keys() []string {
	keys := make([]string, len(c.order))
	copy(keys, c.order)
	return keys
}

// Disqualification reasons.
const (
	ReasonNotOwner    = "kein_eigentümer"
	ReasonNotOccupant = "nicht_selbstbewohnt"
)

// TimelineField is asked outside the schedule when the turn cap redirects a
// running funnel to its timeline.
var TimelineField = Field{
	Key:    "timeline",
	Prompt: Text{"Wann soll deine Anlage installiert werden?", "When should the system be installed?"},
	Input:  InputChoice,
	Options: []Option{
		{Value: "0-3", Label: Text{"0–3 Monate", "0–3 months"}},
		{Value: "3-6", Label: Text{"3–6 Monate", "3–6 months"}},
		{Value: "6-12", Label: Text{"6–12 Monate", "6–12 months"}},
	},
}

func opt(value any, de, en, emoji string) Option {
	return Option{Value: value, Label: Text{de, en}, Emoji: emoji}
}

func yesNo(yesEmoji, noEmoji string) []Option {
	return []Option{
		opt(true, "Ja", "Yes", yesEmoji),
		opt(false, "Nein", "No", noEmoji),
	}
}

var (
	buildingTypeQuestion = Text{"Welcher Gebäudetyp?", "What building type?"}
	ownershipField       = Field{
		Key:     "ownership",
		Prompt:  Text{"Bist Du Eigentümer:in der Immobilie?", "Are you the owner of the property?"},
		Input:   InputChoice,
		Options: yesNo("🔑", "🚫"),
		Gate:    &Gate{Disqualifies: false, Reason: ReasonNotOwner},
	}
	streetField = Field{
		Key:    "property_street_number",
		Prompt: Text{"Wo steht die Immobilie? (Straße + Hausnummer)", "Where is the property? (Street + No.)"},
		Input:  InputText,
		Rule:   "min=4,max=200",
	}
	plzField = Field{
		Key:    "plz",
		Prompt: Text{"Wie lautet die PLZ?", "What is the ZIP code?"},
		Input:  InputText,
		Rule:   "plz",
	}
	contactTimeField = Field{
		Key:    "contact_time_window",
		Prompt: Text{"Wann bist Du am besten zu erreichen?", "When are you best reachable?"},
		Input:  InputChoice,
		Options: []Option{
			opt("08-12", "08:00–12:00", "08:00–12:00", ""),
			opt("12-16", "12:00–16:00", "12:00–16:00", ""),
			opt("16-20", "16:00–20:00", "16:00–20:00", ""),
			opt("any", "Egal / zu jeder Zeit", "Any time", ""),
		},
	}
	installTimelineQuestion = Text{"Wann soll deine Anlage installiert werden?", "When should the system be installed?"}
	shortTimelineOptions    = []Option{
		opt("asap", "Schnellstmöglich", "ASAP", ""),
		opt("1-3", "1–3 Monate", "1–3 months", ""),
		opt("4-6", "4–6 Monate", "4–6 months", ""),
		opt(">6", ">6 Monate", ">6 months", ""),
	}
)

func installTimeline(prompt Text, options []Option) Field {
	return Field{Key: "install_timeline", Prompt: prompt, Input: InputChoice, Options: options}
}

func pvProduct() Product {
	singleFamily := func(r *Record) bool { return r.Equals("install_location", "einfamilienhaus") }
	return Product{
		Key:   "pv",
		Label: Text{"Photovoltaikanlage ☀️", "Photovoltaic System ☀️"},
		Fields: []Field{
			{
				Key:    "install_location",
				Prompt: Text{"Worauf soll die Solaranlage installiert werden?", "Where should the PV system be installed?"},
				Input:  InputChoice,
				Options: []Option{
					opt("einfamilienhaus", "Einfamilienhaus", "Single-family", "🏠"),
					opt("mehrfamilienhaus", "Mehrfamilienhaus", "Multi-family", "🏢"),
					opt("gewerbeimmobilie", "Gewerbeimmobilie", "Commercial", "🏭"),
					opt("sonstiges", "Sonstiges", "Other", "✨"),
				},
			},
			{
				Key:    "building_type",
				Prompt: Text{"Um welchen Gebäudetyp handelt es sich?", "What is the building subtype?"},
				Input:  InputChoice,
				Options: []Option{
					opt("freistehendes_haus", "Freistehendes Haus", "Detached", "🏡"),
					opt("doppelhaushälfte", "Doppelhaushälfte", "Semi-detached", "🏡"),
					opt("reihenmittelhaus", "Reihenmittelhaus", "Mid-terrace", "🏡"),
					opt("reihenendhaus", "Reihenendhaus", "End-terrace", "🏡"),
				},
				When: singleFamily,
			},
			{
				Key:     "self_occupied",
				Prompt:  Text{"Bewohnst Du die Immobilie selbst?", "Do you live in the property yourself?"},
				Input:   InputChoice,
				Options: yesNo("✅", "🚫"),
				Gate:    &Gate{Disqualifies: false, Reason: ReasonNotOccupant, Applies: singleFamily},
			},
			ownershipField,
			{
				Key:    "roof_type",
				Prompt: Text{"Was für ein Dach hast Du?", "What roof type do you have?"},
				Input:  InputChoice,
				Options: []Option{
					opt("flachdach", "Flachdach", "Flat", "🏚️"),
					opt("spitzdach", "Spitzdach", "Pitched", "🏚️"),
					opt("andere", "Andere", "Other", "🏚️"),
				},
			},
			{
				Key:    "storage_interest",
				Prompt: Text{"Möchtest Du einen Stromspeicher?", "Would you like to add a battery storage?"},
				Input:  InputChoice,
				Options: []Option{
					opt("ja", "Ja", "Yes", "🔋"),
					opt("nein", "Nein", "No", "🔋"),
					opt("unsicher", "Unsicher", "Unsure", "🔋"),
				},
			},
			installTimeline(installTimelineQuestion, []Option{
				opt("asap", "So schnell wie möglich", "As soon as possible", ""),
				opt("1-3", "In 1–3 Monaten", "In 1–3 months", ""),
				opt("4-6", "In 4–6 Monaten", "In 4–6 months", ""),
				opt(">6", "In mehr als 6 Monaten", "In more than 6 months", ""),
			}),
			streetField,
			contactTimeField,
		},
	}
}

func heatpumpProduct() Product {
	return Product{
		Key:   "heatpump",
		Label: Text{"Wärmepumpe 🔥", "Heat Pump 🔥"},
		Fields: []Field{
			{
				Key:    "building_type",
				Prompt: buildingTypeQuestion,
				Input:  InputChoice,
				Options: []Option{
					opt("einfamilienhaus", "Einfamilienhaus", "Single-family", "🏠"),
					opt("doppelhaushälfte", "Doppelhaushälfte", "Semi-detached", "🏠"),
					opt("reihenhaus", "Reihenhaus", "Terraced", "🏘️"),
					opt("mehrfamilienhaus", "Mehrfamilienhaus", "Multi-family", "🏢"),
					opt("gewerbe", "Gewerbe", "Commercial", "🏭"),
				},
			},
			{
				Key:    "living_area",
				Prompt: Text{"Wohnfläche?", "Living area?"},
				Input:  InputChoice,
				Options: []Option{
					opt("<=100", "bis 100 m²", "up to 100 m²", ""),
					opt("101-200", "101–200 m²", "101–200 m²", ""),
					opt("201-300", "201–300 m²", "201–300 m²", ""),
					opt(">300", "über 300 m²", "over 300 m²", ""),
				},
			},
			{
				Key:    "heating_type",
				Prompt: Text{"Aktuelle Heizart?", "Current heating type?"},
				Input:  InputChoice,
				Options: []Option{
					opt("gas", "Gas", "Gas", "🔥"),
					opt("öl", "Öl", "Oil", "🔥"),
					opt("stromdirekt", "Stromdirekt", "Direct electric", "🔥"),
					opt("andere", "Andere", "Other", "🔥"),
				},
			},
			{
				Key:    "insulation",
				Prompt: Text{"Wärmedämmung des Gebäudes?", "Building insulation level?"},
				Input:  InputChoice,
				Options: []Option{
					opt("gut", "Gut", "Good", "🧱"),
					opt("mittel", "Mittel", "Average", "🧱"),
					opt("schlecht", "Schlecht", "Poor", "🧱"),
					opt("unbekannt", "Unbekannt", "Unknown", "🧱"),
				},
			},
			installTimeline(installTimelineQuestion, shortTimelineOptions),
			streetField,
			contactTimeField,
		},
	}
}

func airconProduct() Product {
	return Product{
		Key:   "aircon",
		Label: Text{"Klimaanlage ❄️", "Air Conditioner ❄️"},
		Fields: []Field{
			{
				Key:    "building_type",
				Prompt: buildingTypeQuestion,
				Input:  InputChoice,
				Options: []Option{
					opt("einfamilienhaus", "Einfamilienhaus", "Single-family", "🏠"),
					opt("wohnung", "Wohnung", "Apartment", "🏢"),
					opt("büro", "Büro", "Office", "💼"),
					opt("gewerbehalle", "Gewerbehalle", "Commercial hall", "🏭"),
				},
			},
			{
				Key:    "rooms_count",
				Prompt: Text{"Wie viele Räume?", "How many rooms?"},
				Input:  InputChoice,
				Options: []Option{
					opt("1", "1 Raum", "1 room", ""),
					opt("2", "2 Räume", "2 rooms", ""),
					opt("3", "3 Räume", "3 rooms", ""),
					opt(">3", "mehr als 3", "more than 3", ""),
				},
			},
			{
				Key:    "cool_area",
				Prompt: Text{"Zu kühlende Fläche?", "Cooling area?"},
				Input:  InputChoice,
				Options: []Option{
					opt("<=30", "bis 30 m²", "up to 30 m²", ""),
					opt("31-60", "31–60 m²", "31–60 m²", ""),
					opt("61-100", "61–100 m²", "61–100 m²", ""),
					opt(">100", "über 100 m²", "over 100 m²", ""),
				},
			},
			installTimeline(installTimelineQuestion, shortTimelineOptions),
			streetField,
			contactTimeField,
		},
	}
}

func roofProduct() Product {
	return Product{
		Key:   "roof",
		Label: Text{"Dachsanierung 🛠️", "Roof Renovation 🛠️"},
		Fields: []Field{
			{
				Key:    "roof_type",
				Prompt: Text{"Dachform?", "Roof type?"},
				Input:  InputChoice,
				Options: []Option{
					opt("flachdach", "Flachdach", "Flat", "🏚️"),
					opt("satteldach", "Satteldach", "Gabled", "🏚️"),
					opt("walmdach", "Walmdach", "Hipped", "🏚️"),
					opt("andere", "Andere", "Other", "🏚️"),
				},
			},
			{
				Key:    "area_sqm",
				Prompt: Text{"Dachfläche (ca.)?", "Approx. roof area?"},
				Input:  InputChoice,
				Options: []Option{
					opt("<=50", "bis 50 m²", "up to 50 m²", ""),
					opt("51-100", "51–100 m²", "51–100 m²", ""),
					opt("101-200", "101–200 m²", "101–200 m²", ""),
					opt(">200", "über 200 m²", "over 200 m²", ""),
				},
			},
			{
				Key:    "issues",
				Prompt: Text{"Gibt es Probleme?", "Any current issues?"},
				Input:  InputChoice,
				Options: []Option{
					opt("undicht", "Undicht", "Leaking", "🛠️"),
					opt("beschädigt", "Beschädigt", "Damaged", "🛠️"),
					opt("alterung", "Alterung", "Aged", "🛠️"),
					opt("nur_inspektion", "Nur Inspektion", "Inspection only", "🛠️"),
				},
			},
			installTimeline(installTimelineQuestion, shortTimelineOptions),
			streetField,
			contactTimeField,
		},
	}
}

func tenantProduct() Product {
	return Product{
		Key:   "tenant",
		Label: Text{"Mieterstrom 🏠", "Tenant Power 🏠"},
		Fields: []Field{
			{
				Key:    "building_type",
				Prompt: Text{"Um welchen Gebäudetyp handelt es sich?", "What is the building subtype?"},
				Input:  InputChoice,
				Options: []Option{
					opt("mehrfamilienhaus", "Mehrfamilienhaus", "Multi-family", "🏢"),
					opt("gewerbeimmobilie", "Gewerbeimmobilie", "Commercial", "🏭"),
				},
			},
			{
				Key:    "units",
				Prompt: Text{"Anzahl Wohneinheiten?", "Number of units?"},
				Input:  InputChoice,
				Options: []Option{
					opt("1-3", "1–3", "1–3", ""),
					opt("4-10", "4–10", "4–10", ""),
					opt("11-20", "11–20", "11–20", ""),
					opt(">20", "über 20", "over 20", ""),
				},
			},
			ownershipField,
			installTimeline(installTimelineQuestion, shortTimelineOptions),
			streetField,
			contactTimeField,
		},
	}
}

func windowProduct() Product {
	return Product{
		Key:   "window",
		Label: Text{"Fenster 🪟", "Windows 🪟"},
		Fields: []Field{
			{
				Key:    "window_type",
				Prompt: Text{"Welche Art von Fenster?", "Which type of window?"},
				Input:  InputChoice,
				Options: []Option{
					opt("standardfenster", "Standardfenster", "Standard window", "🪟"),
					opt("dachfenster", "Dachfenster", "Roof window", "🪟"),
					opt("schiebefenster", "Schiebefenster", "Sliding window", "🪟"),
					opt("andere", "Andere", "Other", "🪟"),
				},
			},
			{
				Key:    "window_count",
				Prompt: Text{"Wie viele Fenster?", "How many windows?"},
				Input:  InputChoice,
				Options: []Option{
					opt("1-3", "1–3", "1–3", ""),
					opt("4-7", "4–7", "4–7", ""),
					opt("8+", "8+", "8+", ""),
				},
			},
			{
				Key:     "needs_balcony_door",
				Prompt:  Text{"Brauchst du eine Balkon-/Schiebetür?", "Do you need a balcony/sliding door?"},
				Input:   InputChoice,
				Options: yesNo("🚪", "❌"),
			},
			{
				Key:    "window_accessory",
				Prompt: Text{"Zubehör benötigt?", "Any accessories needed?"},
				Input:  InputChoice,
				Options: []Option{
					opt("rollladen", "Rollladen", "Roller shutter", ""),
					opt("insektenschutz", "Insektenschutz", "Insect screen", ""),
					opt("keins", "Keins", "None", ""),
					opt("sonstiges", "Sonstiges", "Other", ""),
				},
			},
			installTimeline(Text{"Zeitplan für das Projekt?", "Project timeline?"}, []Option{
				opt("asap", "Schnellstmöglich", "ASAP", ""),
				opt("4-6", "4–6 Monate", "4–6 months", ""),
				opt(">6", ">6 Monate", ">6 months", ""),
			}),
			plzField,
			contactTimeField,
		},
	}
}

var defaultCatalog = mustCatalog(
	pvProduct(),
	airconProduct(),
	heatpumpProduct(),
	tenantProduct(),
	roofProduct(),
	windowProduct(),
)

func mustCatalog(products ...Product) *Catalog {
	c, err := NewCatalog(products...)
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultCatalog returns the six energy verticals offered by the widget.
func DefaultCatalog() *Catalog {
	return defaultCatalog
}
