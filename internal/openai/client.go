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

package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/your-org/funnel-assistant/internal/resilience"
)

const (
	// DefaultModel is used when the config names none
	DefaultModel = "gpt-4o-mini"
	// MaxRetries defines the maximum number of additional attempts
	MaxRetries = 2
	// BaseRetryDelay defines the base delay for exponential backoff
	BaseRetryDelay = 500 * time.Millisecond
	// MaxRetryDelay caps the exponential backoff
	MaxRetryDelay = 4 * time.Second
)

// Config holds the settings of the chat completion client
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
}

// Client wraps the go-openai client with retry and error classification
type Client struct {
	client      *openai.Client
	logger      *zap.Logger
	model       string
	maxTokens   int
	temperature float32
	retry       resilience.RetryPolicy
}

// RetryableError represents an error that can be retried
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error (status %d): %s", e.StatusCode, e.Message)
}

// NewClient creates a chat completion client. Unlike the assistant endpoints
// the connection is not probed at construction time; the first failing call
// simply degrades the guard to its next tier.
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}

	model := config.Model
	if model == "" {
		model = DefaultModel
	}

	client := &Client{
		client:      openai.NewClientWithConfig(clientConfig),
		logger:      logger,
		model:       model,
		maxTokens:   config.MaxTokens,
		temperature: config.Temperature,
		retry: resilience.RetryPolicy{
			MaxAttempts: MaxRetries,
			Backoff:     resilience.ExponentialBackoff(BaseRetryDelay, MaxRetryDelay, 2),
		},
	}

	client.logger.Info("OpenAI client initialized successfully",
		zap.String("model", model),
		zap.Int("max_tokens", config.MaxTokens),
		zap.Int("max_retries", MaxRetries),
	)

	return client, nil
}

// ChatCompletionRequest represents a chat completion request
type ChatCompletionRequest struct {
	Messages    []openai.ChatCompletionMessage
	MaxTokens   int
	Temperature float32
	Model       string
}

// ChatCompletionResponse represents the response from a chat completion
type ChatCompletionResponse struct {
	Content      string
	FinishReason string
	Usage        openai.Usage
}

// CreateChatCompletion creates a chat completion with retry logic
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.maxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = c.temperature
	}

	openaiReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	c.logger.Debug("Creating chat completion",
		zap.String("model", req.Model),
		zap.Int("max_tokens", req.MaxTokens),
		zap.Float64("temperature", float64(req.Temperature)),
		zap.Int("message_count", len(req.Messages)),
		zap.String("last_message_preview", lastMessagePreview(req.Messages)),
	)

	policy := c.retry
	policy.RetryOn = func(err error) bool {
		var retryErr *RetryableError
		return errors.As(err, &retryErr)
	}

	resp, err := resilience.Do(ctx, c.logger, policy, func(ctx context.Context, attempt int) (openai.ChatCompletionResponse, error) {
		resp, err := c.client.CreateChatCompletion(ctx, openaiReq)
		if err != nil {
			return resp, c.handleAPIError(err)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned from OpenAI")
	}

	c.logger.Debug("Chat completion successful",
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)

	return &ChatCompletionResponse{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage:        resp.Usage,
	}, nil
}

// handleAPIError handles OpenAI API errors and determines if they are retryable
func (c *Client) handleAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("invalid API key or unauthorized access: %w", err)
		case http.StatusTooManyRequests:
			return &RetryableError{
				StatusCode: apiErr.HTTPStatusCode,
				Message:    apiErr.Message,
				RetryAfter: BaseRetryDelay,
			}
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return &RetryableError{
				StatusCode: apiErr.HTTPStatusCode,
				Message:    apiErr.Message,
			}
		default:
			return fmt.Errorf("OpenAI API error (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
	}

	return fmt.Errorf("OpenAI client error: %w", err)
}

// HistoryMessage is one prior turn of the conversation
type HistoryMessage struct {
	Role    string
	Content string
}

// BuildMessages assembles the system prompt, recent history and the new
// question. Roles other than "assistant" are sent as user messages.
func BuildMessages(system string, history []HistoryMessage, question string) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Role == openai.ChatMessageRoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	return append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: question,
	})
}

func lastMessagePreview(messages []openai.ChatCompletionMessage) string {
	if len(messages) == 0 {
		return ""
	}
	return truncateText(messages[len(messages)-1].Content, 100)
}

// truncateText truncates text to a maximum length for logging
func truncateText(text string, maxLength int) string {
	runes := []rune(text)
	if len(runes) <= maxLength {
		return text
	}
	return string(runes[:maxLength]) + "..."
}
