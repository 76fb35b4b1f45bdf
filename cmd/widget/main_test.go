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

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/funnel-assistant/internal/config"
	"github.com/your-org/funnel-assistant/internal/health"
)

func fakeAssistant(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ai/answer", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"Eine Wärmepumpe nutzt Umweltwärme."}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Assistant: config.AssistantConfig{
			BaseURL:     baseURL,
			StreamPath:  "/chat/stream",
			ChatPath:    "/chat",
			AnswerPath:  "/ai/answer",
			GenericPath: "/ai/generic",
			LeadPath:    "/lead",
		},
		Stream: config.StreamConfig{
			Transport:           "ndjson",
			RequestTimeoutMs:    2000,
			HeartbeatIntervalMs: 1000,
			MaxRetryAttempts:    0,
			RetryBaseDelayMs:    10,
		},
		Guard: config.GuardConfig{
			Enabled:          true,
			TurnCap:          3,
			MinAnswerLength:  2,
			MaxAnswerLength:  1200,
			HistoryTurns:     6,
			Secondary:        "none",
			CompletionPolicy: "contact_form",
		},
		Lead: config.LeadConfig{
			StorageType:      "memory",
			MaxAttempts:      0,
			RetryBaseDelayMs: 10,
		},
		Session:     config.SessionConfig{DefaultTTL: 30, MaxSessions: 10},
		Server:      config.ServerConfig{Port: "0"},
		Logging:     config.LoggingConfig{Level: "info", Format: "json"},
		DefaultLang: "de",
	}
}

func setupTestServer(t *testing.T) (*gin.Engine, *ServiceDependencies) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := testConfig(fakeAssistant(t).URL)
	deps, err := initializeDependencies(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { deps.Close(zap.NewNop()) })

	return newRouter(cfg, deps, zap.NewNop()), deps
}

func TestInitializeLogger(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		cfg := &config.Config{Logging: config.LoggingConfig{Level: "debug", Format: format}}
		logger, err := initializeLogger(cfg)
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(-1), "debug level expected for format %s", format)
	}
}

func TestBuildResolvers(t *testing.T) {
	cfg := testConfig("http://assistant.local")

	tests := []struct {
		secondary string
		expected  []string
	}{
		{"none", []string{"answer"}},
		{"http", []string{"answer", "generic"}},
	}

	for _, tt := range tests {
		t.Run(tt.secondary, func(t *testing.T) {
			cfg.Guard.Secondary = tt.secondary
			resolvers, err := buildResolvers(cfg, nil, zap.NewNop())
			require.NoError(t, err)

			var names []string
			for _, r := range resolvers {
				names = append(names, r.Name())
			}
			assert.Equal(t, tt.expected, names)
		})
	}

	t.Run("openai without key", func(t *testing.T) {
		cfg.Guard.Secondary = "openai"
		cfg.OpenAI.APIKey = ""
		_, err := buildResolvers(cfg, nil, zap.NewNop())
		assert.Error(t, err)
	})
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := setupTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body health.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, health.StatusHealthy, body.Status)
	assert.Contains(t, body.Dependencies, "assistant")
	assert.Contains(t, body.Dependencies, "lead_outbox")
	assert.Contains(t, body.Dependencies, "lead_transport")
}

func TestConversationRoundTrip(t *testing.T) {
	router, _ := setupTestServer(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/conversations", nil))
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Conversation struct {
			ID string `json:"id"`
		} `json:"conversation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.Conversation.ID)

	body, _ := json.Marshal(map[string]string{"message": "Wie funktioniert eine Wärmepumpe?"})
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+created.Conversation.ID+"/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Umweltwärme")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "funnel_assistant_guard_decisions_total"))
}

func TestApplyConfig(t *testing.T) {
	_, deps := setupTestServer(t)

	cfg := testConfig("http://assistant.local")
	cfg.Guard.TurnCap = 7
	cfg.Guard.Enabled = false
	deps.ApplyConfig(zap.NewNop())(cfg)

	assert.Equal(t, 7, deps.Guard.Config().TurnCap)
	assert.False(t, deps.Guard.Config().Enabled)
}
