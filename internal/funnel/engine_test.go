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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selectProduct(t *testing.T, product, lang string) (*Engine, Step) {
	t.Helper()
	e := NewEngine(nil, lang)
	step, err := e.Select(product)
	require.NoError(t, err)
	return e, step
}

func record(t *testing.T, e *Engine, field string, value any) Step {
	t.Helper()
	step, err := e.Record(field, value)
	require.NoError(t, err, "recording %s", field)
	return step
}

func TestPVBranchingSingleFamily(t *testing.T) {
	e, step := selectProduct(t, "pv", "de")
	require.Equal(t, StepPrompt, step.Kind)
	assert.Equal(t, "install_location", step.Prompt.Field)
	assert.Equal(t, 0, step.Progress)

	step = record(t, e, "install_location", "einfamilienhaus")
	require.Equal(t, StepPrompt, step.Kind)
	assert.Equal(t, "building_type", step.Prompt.Field)
	assert.Equal(t, "Um welchen Gebäudetyp handelt es sich?", step.Prompt.Text)

	step = record(t, e, "building_type", "reihenendhaus")
	assert.Equal(t, "self_occupied", step.Prompt.Field)
}

func TestPVBranchingCommercialSkipsBuildingType(t *testing.T) {
	e, _ := selectProduct(t, "pv", "de")

	step := record(t, e, "install_location", "gewerbeimmobilie")
	require.Equal(t, StepPrompt, step.Kind)
	assert.Equal(t, "self_occupied", step.Prompt.Field)

	// Walk the rest of the schedule and make sure building_type never shows up.
	answers := map[string]any{
		"self_occupied":          false,
		"ownership":              true,
		"roof_type":              "flachdach",
		"storage_interest":       "ja",
		"install_timeline":       "asap",
		"property_street_number": "Hauptstraße 12",
		"contact_time_window":    "any",
	}
	for step.Kind == StepPrompt {
		require.NotEqual(t, "building_type", step.Prompt.Field)
		value, ok := answers[step.Prompt.Field]
		require.True(t, ok, "unexpected prompt %s", step.Prompt.Field)
		step = record(t, e, step.Prompt.Field, value)
	}
	assert.Equal(t, StepComplete, step.Kind, "non-occupancy only disqualifies single-family homes")
	assert.True(t, step.Entered)
	assert.Equal(t, 100, step.Progress)
}

func TestOwnershipFalseDisqualifies(t *testing.T) {
	e, _ := selectProduct(t, "pv", "de")
	record(t, e, "install_location", "mehrfamilienhaus")
	record(t, e, "self_occupied", true)

	step := record(t, e, "ownership", false)
	require.Equal(t, StepDisqualified, step.Kind)
	assert.Equal(t, "kein_eigentümer", step.Reason)
	assert.True(t, step.Entered)
	assert.Nil(t, step.Prompt)

	again, err := e.Next()
	require.NoError(t, err)
	assert.Equal(t, StepDisqualified, again.Kind)
	assert.Equal(t, step.Reason, again.Reason)
	assert.False(t, again.Entered, "the terminal state is only entered once")

	_, err = e.Record("roof_type", "flachdach")
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, 3, len(e.Snapshot()))
}

func TestSingleFamilyNonOccupantDisqualifies(t *testing.T) {
	e, _ := selectProduct(t, "pv", "en")
	record(t, e, "install_location", "einfamilienhaus")
	record(t, e, "building_type", "freistehendes_haus")

	step := record(t, e, "self_occupied", "No")
	require.Equal(t, StepDisqualified, step.Kind)
	assert.Equal(t, ReasonNotOccupant, step.Reason)
}

func TestTenantOwnershipGate(t *testing.T) {
	e, _ := selectProduct(t, "tenant", "de")
	record(t, e, "building_type", "mehrfamilienhaus")
	record(t, e, "units", "4-10")

	step := record(t, e, "ownership", "nein")
	assert.Equal(t, StepDisqualified, step.Kind)
	assert.Equal(t, ReasonNotOwner, step.Reason)
}

func TestNextIsIdempotent(t *testing.T) {
	e, first := selectProduct(t, "heatpump", "en")
	before := e.Snapshot()

	a, err := e.Next()
	require.NoError(t, err)
	b, err := e.Next()
	require.NoError(t, err)

	assert.Equal(t, first, a)
	assert.Equal(t, a, b)
	assert.Equal(t, before, e.Snapshot())
	assert.Equal(t, "What building type?", a.Prompt.Text)
	assert.Equal(t, "Single-family", a.Prompt.Options[0].Label)
}

func TestValidationFailureRepromptsSameField(t *testing.T) {
	e, _ := selectProduct(t, "window", "de")
	record(t, e, "window_type", "dachfenster")
	record(t, e, "window_count", "4-7")
	record(t, e, "needs_balcony_door", true)
	record(t, e, "window_accessory", "keins")
	step := record(t, e, "install_timeline", "4-6")
	require.Equal(t, "plz", step.Prompt.Field)

	for _, bad := range []any{"123", "ABCDE", "123456", "", 12345} {
		got, err := e.Record("plz", bad)
		require.Error(t, err, "value %v", bad)
		assert.True(t, errors.Is(err, ErrInvalidAnswer))
		assert.Equal(t, step, got)
	}
	_, has := e.Snapshot()["plz"]
	assert.False(t, has)

	step = record(t, e, "plz", " 80331 ")
	assert.Equal(t, "contact_time_window", step.Prompt.Field)
	assert.Equal(t, "80331", e.Snapshot()["plz"])
}

func TestStreetValidation(t *testing.T) {
	e, _ := selectProduct(t, "roof", "de")
	record(t, e, "roof_type", "Satteldach")
	record(t, e, "area_sqm", "51-100")
	record(t, e, "issues", "Nur Inspektion")
	step := record(t, e, "install_timeline", "1-3")
	require.Equal(t, "property_street_number", step.Prompt.Field)

	_, err := e.Record("property_street_number", "  Weg ")
	assert.ErrorIs(t, err, ErrInvalidAnswer)

	record(t, e, "property_street_number", "Weg 1")
	snapshot := e.Snapshot()
	assert.Equal(t, "satteldach", snapshot["roof_type"], "labels map to canonical values")
	assert.Equal(t, "nur_inspektion", snapshot["issues"])
}

func TestRecordRejectsOutOfOrderAndRepeatedFields(t *testing.T) {
	e, _ := selectProduct(t, "aircon", "de")

	_, err := e.Record("cool_area", "<=30")
	assert.ErrorIs(t, err, ErrUnexpectedField)

	record(t, e, "building_type", "büro")
	_, err = e.Record("building_type", "wohnung")
	assert.ErrorIs(t, err, ErrAlreadyRecorded)
	assert.Equal(t, "büro", e.Snapshot()["building_type"])

	_, err = e.Record("rooms_count", "7")
	assert.ErrorIs(t, err, ErrInvalidAnswer)
}

func TestProgressOverActiveFields(t *testing.T) {
	e, _ := selectProduct(t, "pv", "de")

	// Commercial: building_type is inactive, 8 fields needed.
	step := record(t, e, "install_location", "gewerbeimmobilie")
	assert.Equal(t, 13, step.Progress)

	e2, _ := selectProduct(t, "pv", "de")
	// Single-family: 9 fields needed.
	step = record(t, e2, "install_location", "einfamilienhaus")
	assert.Equal(t, 11, step.Progress)
}

func TestCompleteReportedOnce(t *testing.T) {
	e, step := selectProduct(t, "aircon", "en")
	answers := []any{"wohnung", "2", "31-60", "ASAP", "Main Street 5", "12-16"}
	for _, a := range answers {
		require.Equal(t, StepPrompt, step.Kind)
		step = record(t, e, step.Prompt.Field, a)
	}
	require.Equal(t, StepComplete, step.Kind)
	assert.True(t, step.Entered)

	again, err := e.Next()
	require.NoError(t, err)
	assert.Equal(t, StepComplete, again.Kind)
	assert.False(t, again.Entered)
	assert.Equal(t, "Air Conditioner ❄️", e.ProductLabel())
}

func TestTimelineInterjection(t *testing.T) {
	e, _ := selectProduct(t, "heatpump", "de")
	record(t, e, "building_type", "reihenhaus")

	require.True(t, e.RequireTimeline())
	step, err := e.Next()
	require.NoError(t, err)
	assert.Equal(t, "timeline", step.Prompt.Field)
	assert.Len(t, step.Prompt.Options, 3)

	step = record(t, e, "timeline", "3-6")
	assert.Equal(t, "living_area", step.Prompt.Field)
	assert.Equal(t, "3-6", e.Snapshot()["timeline"])
	assert.False(t, e.RequireTimeline(), "timeline is only asked once")
	assert.Equal(t, 14, step.Progress, "timeline is not part of the schedule")
}

func TestSelectResetsSession(t *testing.T) {
	e, _ := selectProduct(t, "pv", "de")
	record(t, e, "install_location", "sonstiges")

	step, err := e.Select("window")
	require.NoError(t, err)
	assert.Equal(t, "window_type", step.Prompt.Field)
	assert.Empty(t, e.Snapshot())
	assert.Equal(t, "window", e.Product())

	_, err = e.Select("solar-boat")
	assert.ErrorIs(t, err, ErrUnknownProduct)
}

func TestIdleEngine(t *testing.T) {
	e := NewEngine(nil, "de")
	_, err := e.Next()
	assert.ErrorIs(t, err, ErrNoProduct)
	_, err = e.Record("plz", "12345")
	assert.ErrorIs(t, err, ErrNoProduct)
	assert.False(t, e.Active())
	assert.Equal(t, 0, e.Progress())
	assert.False(t, e.RequireTimeline())
}

func TestNumberInput(t *testing.T) {
	catalog, err := NewCatalog(Product{
		Key:   "battery",
		Label: Text{"Speicher", "Storage"},
		Fields: []Field{
			{Key: "capacity_kwh", Prompt: Text{"Kapazität?", "Capacity?"}, Input: InputNumber, Rule: "gt=0,lte=100"},
		},
	})
	require.NoError(t, err)

	e := NewEngine(catalog, "de")
	_, err = e.Select("battery")
	require.NoError(t, err)

	_, err = e.Record("capacity_kwh", "zehn")
	assert.ErrorIs(t, err, ErrInvalidAnswer)
	_, err = e.Record("capacity_kwh", 0.0)
	assert.ErrorIs(t, err, ErrInvalidAnswer)

	step := record(t, e, "capacity_kwh", "7,5")
	assert.Equal(t, StepComplete, step.Kind)
	assert.Equal(t, 7.5, e.Snapshot()["capacity_kwh"])
}

func TestNewCatalogRejectsBrokenSchedules(t *testing.T) {
	_, err := NewCatalog(Product{Key: "x"})
	assert.Error(t, err)

	_, err = NewCatalog(Product{Key: "x", Fields: []Field{{Key: "a", Input: InputChoice}}})
	assert.Error(t, err)

	f := Field{Key: "a", Input: InputText}
	_, err = NewCatalog(Product{Key: "x", Fields: []Field{f}}, Product{Key: "x", Fields: []Field{f}})
	assert.Error(t, err)

	assert.Equal(t, []string{"pv", "aircon", "heatpump", "tenant", "roof", "window"}, DefaultCatalog().Keys())
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		in       string
		expected bool
		ok       bool
	}{
		{"Ja", true, true},
		{"nein", false, true},
		{"YES", true, true},
		{"true", true, true},
		{"0", false, true},
		{"vielleicht", false, false},
	}
	for _, tt := range tests {
		got, ok := ParseBool(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if ok {
			assert.Equal(t, tt.expected, got, tt.in)
		}
	}
}
