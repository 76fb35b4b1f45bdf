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

package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/your-org/funnel-assistant/internal/resilience"
	"go.uber.org/zap"
)

// ChatClient calls the non-streaming chat endpoint used when every streaming
// attempt has failed.
type ChatClient struct {
	url    string
	client *http.Client
	policy resilience.RetryPolicy
	logger *zap.Logger
}

// NewChatClient creates a ChatClient sharing the stream retry policy.
func NewChatClient(url string, client *http.Client, policy resilience.RetryPolicy, logger *zap.Logger) *ChatClient {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatClient{url: url, client: client, policy: policy, logger: logger}
}

type chatResponse struct {
	Answer *string `json:"answer"`
	Reply  *string `json:"reply"`
}

// Ask returns the "answer" field of the response, or "reply" when answer is
// absent.
func (c *ChatClient) Ask(ctx context.Context, req Request) (string, error) {
	return resilience.Do(ctx, c.logger, c.policy, func(ctx context.Context, attempt int) (string, error) {
		return c.once(ctx, req)
	})
}

func (c *ChatClient) once(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("failed to marshal chat request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", resilience.Permanent(fmt.Errorf("failed to create chat request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read chat response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var decoded chatResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	switch {
	case decoded.Answer != nil:
		return *decoded.Answer, nil
	case decoded.Reply != nil:
		return *decoded.Reply, nil
	default:
		return "", nil
	}
}
