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

package conversation

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/your-org/funnel-assistant/internal/resilience"
	"github.com/your-org/funnel-assistant/internal/session"
	"github.com/your-org/funnel-assistant/internal/streaming"
)

func newTestRouter(t *testing.T, h *harness) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	router := gin.New()
	router.Use(CORSMiddleware(), RequestLoggingMiddleware(logger))
	NewAPIHandler(h.controller, "de", streaming.FormatNDJSON, logger).RegisterRoutes(router)
	return router
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createViaAPI(t *testing.T, router http.Handler, body any) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/conversations", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Conversation State         `json:"conversation"`
		Products     []ProductInfo `json:"products"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Products, 6)
	return resp.Conversation.ID
}

func decodeEvents(t *testing.T, w *httptest.ResponseRecorder) EventsResponse {
	t.Helper()
	var resp EventsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) resilience.ErrorResponse {
	t.Helper()
	var resp resilience.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func eventTypes(events []streaming.Event) []streaming.EventType {
	types := make([]streaming.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestAPI_CreateAndGet(t *testing.T) {
	h := newHarness(t, harnessOptions{answer: "ok"})
	router := newTestRouter(t, h)

	id := createViaAPI(t, router, map[string]string{"lang": "en", "origin": "faq"})
	assert.True(t, session.ValidateSessionID(id))

	w := doJSON(t, router, http.MethodGet, "/api/v1/conversations/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, "en", state.Lang)
	assert.Equal(t, "faq", state.Origin)

	// Without a body the default language applies.
	id = createViaAPI(t, router, nil)
	w = doJSON(t, router, http.MethodGet, "/api/v1/conversations/"+id, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, "de", state.Lang)
}

func TestAPI_CreateRejectsUnknownOrigin(t *testing.T) {
	h := newHarness(t, harnessOptions{answer: "ok"})
	router := newTestRouter(t, h)

	w := doJSON(t, router, http.MethodPost, "/api/v1/conversations", map[string]string{"origin": "email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_UnknownConversation(t *testing.T) {
	h := newHarness(t, harnessOptions{answer: "ok"})
	router := newTestRouter(t, h)

	for _, path := range []string{"/api/v1/conversations/nope", "/api/v1/conversations/" + session.GenerateSessionID()} {
		w := doJSON(t, router, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, string(resilience.ErrorCodeNotFound), decodeError(t, w).Code)
	}

	w := doJSON(t, router, http.MethodPost, "/api/v1/conversations/nope/messages", map[string]string{"message": "Hallo"})
	assert.Equal(t, http.StatusNotFound, w.Code, "errors before the first event are plain JSON")
}

func TestAPI_MessageNDJSON(t *testing.T) {
	h := newHarness(t, harnessOptions{answer: "Wir installieren in ganz Deutschland."})
	router := newTestRouter(t, h)
	id := createViaAPI(t, router, nil)

	w := doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+id+"/messages", map[string]string{"message": "Wo installiert ihr?"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	var events []streaming.Event
	scanner := bufio.NewScanner(strings.NewReader(w.Body.String()))
	for scanner.Scan() {
		var e streaming.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.Equal(t, []streaming.EventType{streaming.EventMessage, streaming.EventDone}, eventTypes(events))
	assert.Equal(t, "Wir installieren in ganz Deutschland.", events[0].Text)
	assert.Equal(t, 1, events[0].Seq)
	assert.Equal(t, 2, events[1].Seq)
}

func TestAPI_MessageSSE(t *testing.T) {
	h := newHarness(t, harnessOptions{answer: "Ja, das geht."})
	router := newTestRouter(t, h)
	id := createViaAPI(t, router, nil)

	for _, tc := range []struct {
		name   string
		path   string
		accept string
	}{
		{"query parameter", "/api/v1/conversations/" + id + "/messages?transport=sse", ""},
		{"accept header", "/api/v1/conversations/" + id + "/messages", "text/event-stream"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(`{"message":"Geht das?"}`))
			req.Header.Set("Content-Type", "application/json")
			if tc.accept != "" {
				req.Header.Set("Accept", tc.accept)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
			body := w.Body.String()
			assert.Contains(t, body, "event: message\n")
			assert.Contains(t, body, "event: done\n")
			assert.Contains(t, body, "Ja, das geht.")
		})
	}
}

func TestAPI_MessageValidation(t *testing.T) {
	h := newHarness(t, harnessOptions{answer: "ok"})
	router := newTestRouter(t, h)
	id := createViaAPI(t, router, nil)

	w := doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+id+"/messages", map[string]string{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/conversations/"+id+"/messages", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_FunnelFlow(t *testing.T) {
	h := newHarness(t, harnessOptions{answer: "ok"})
	router := newTestRouter(t, h)
	id := createViaAPI(t, router, nil)
	base := "/api/v1/conversations/" + id

	w := doJSON(t, router, http.MethodPost, base+"/product", map[string]string{"product": "boat"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, base+"/product", map[string]string{"product": "window"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeEvents(t, w)
	assert.Equal(t, []streaming.EventType{streaming.EventPrompt, streaming.EventProgress}, eventTypes(resp.Events))
	require.NotNil(t, resp.State)
	assert.Equal(t, "window", resp.State.Product)

	w = doJSON(t, router, http.MethodPost, base+"/answers", map[string]any{"field": "window_type", "value": "holz"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var invalid struct {
		Code   string            `json:"code"`
		Events []streaming.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &invalid))
	assert.Equal(t, string(resilience.ErrorCodeValidation), invalid.Code)
	assert.Equal(t, []streaming.EventType{streaming.EventError, streaming.EventPrompt, streaming.EventProgress}, eventTypes(invalid.Events))

	w = doJSON(t, router, http.MethodPost, base+"/answers", map[string]any{"field": "plz", "value": "10115"})
	assert.Equal(t, http.StatusConflict, w.Code)

	var last EventsResponse
	for _, a := range windowAnswers() {
		w = doJSON(t, router, http.MethodPost, base+"/answers", map[string]any{"field": a.field, "value": a.value})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		last = decodeEvents(t, w)
	}
	assert.Contains(t, eventTypes(last.Events), streaming.EventLeadForm)
	assert.Equal(t, "complete", last.State.Step)

	w = doJSON(t, router, http.MethodPost, base+"/lead", map[string]any{"name": "Max Mustermann", "address": "Hauptstraße 1", "phone": "0301234567"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "consent is required")

	w = doJSON(t, router, http.MethodPost, base+"/lead", map[string]any{
		"name": "Max Mustermann", "address": "Hauptstraße 1", "phone": "0301234567", "consent": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decodeEvents(t, w)
	assert.NotEmpty(t, resp.LeadID)
	require.Len(t, h.leads.payloads(), 1)
	assert.Equal(t, "10115", h.leads.payloads()[0].Contact.Zip)
}

func TestAPI_LeadRetry(t *testing.T) {
	h := newHarness(t, harnessOptions{answer: "ok"})
	router := newTestRouter(t, h)
	id := createViaAPI(t, router, nil)
	base := "/api/v1/conversations/" + id

	w := doJSON(t, router, http.MethodPost, base+"/lead/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	h.leads.setFail(true)
	contact := map[string]any{"name": "Max Mustermann", "address": "Hauptstraße 1", "zip": "10115", "phone": "0301234567", "consent": true}
	w = doJSON(t, router, http.MethodPost, base+"/lead", contact)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decodeEvents(t, w)
	require.NotNil(t, resp.State)
	assert.Equal(t, resp.LeadID, resp.State.PendingLead)
	assert.Equal(t, []streaming.EventType{streaming.EventError}, eventTypes(resp.Events))

	h.leads.setFail(false)
	w = doJSON(t, router, http.MethodPost, base+"/lead/retry", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decodeEvents(t, w)
	assert.Empty(t, resp.State.PendingLead)
}

func TestAPI_Delete(t *testing.T) {
	h := newHarness(t, harnessOptions{answer: "ok"})
	router := newTestRouter(t, h)
	id := createViaAPI(t, router, nil)

	w := doJSON(t, router, http.MethodDelete, "/api/v1/conversations/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/conversations/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_CORSPreflight(t *testing.T) {
	h := newHarness(t, harnessOptions{answer: "ok"})
	router := newTestRouter(t, h)

	w := doJSON(t, router, http.MethodOptions, "/api/v1/conversations", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
