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
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/your-org/funnel-assistant/internal/funnel"
	"github.com/your-org/funnel-assistant/internal/lead"
	"github.com/your-org/funnel-assistant/internal/resilience"
	"github.com/your-org/funnel-assistant/internal/session"
	"github.com/your-org/funnel-assistant/internal/streaming"
)

// APIHandler exposes the controller to the widget
type APIHandler struct {
	controller  *Controller
	errors      *resilience.ErrorHandler
	logger      *zap.Logger
	defaultLang string
	format      streaming.Format
}

// NewAPIHandler creates the widget API. format is the event framing used
// when a request does not ask for one.
func NewAPIHandler(controller *Controller, defaultLang string, format streaming.Format, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultLang == "" {
		defaultLang = "de"
	}
	return &APIHandler{
		controller:  controller,
		errors:      resilience.NewErrorHandler(logger),
		logger:      logger,
		defaultLang: defaultLang,
		format:      format,
	}
}

// RegisterRoutes registers the conversation routes with the Gin router
func (h *APIHandler) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/conversations")
	{
		api.POST("", h.createConversation)
		api.GET("/:id", h.getConversation)
		api.DELETE("/:id", h.deleteConversation)
		api.POST("/:id/messages", h.postMessage)
		api.POST("/:id/product", h.selectProduct)
		api.POST("/:id/answers", h.postAnswer)
		api.POST("/:id/lead", h.submitLead)
		api.POST("/:id/lead/retry", h.retryLead)
	}
}

// CreateConversationRequest opens a conversation
type CreateConversationRequest struct {
	Lang   string `json:"lang"`
	Origin string `json:"origin" binding:"omitempty,oneof=chat faq"`
}

// MessageRequest is one chat message
type MessageRequest struct {
	Message string `json:"message" binding:"required"`
	Lang    string `json:"lang"`
	Origin  string `json:"origin" binding:"omitempty,oneof=chat faq"`
}

// ProductRequest selects a funnel
type ProductRequest struct {
	Product string `json:"product" binding:"required"`
}

// AnswerRequest answers the current funnel prompt
type AnswerRequest struct {
	Field string `json:"field" binding:"required"`
	Value any    `json:"value"`
}

// EventsResponse is returned by every non-streaming endpoint that renders
type EventsResponse struct {
	Events []streaming.Event `json:"events"`
	State  *State            `json:"state,omitempty"`
	LeadID string            `json:"leadId,omitempty"`
}

// createConversation handles POST /api/v1/conversations
func (h *APIHandler) createConversation(c *gin.Context) {
	var req CreateConversationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.fail(c, resilience.NewBadRequestError("Invalid request format", err))
			return
		}
	}
	if req.Lang == "" {
		req.Lang = h.defaultLang
	}
	if req.Origin == "" {
		req.Origin = lead.OriginChat
	}

	state, err := h.controller.Create(c.Request.Context(), req.Lang, req.Origin)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"conversation": state,
		"products":     h.controller.Products(state.Lang),
	})
}

// getConversation handles GET /api/v1/conversations/:id
func (h *APIHandler) getConversation(c *gin.Context) {
	state, err := h.controller.State(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// deleteConversation handles DELETE /api/v1/conversations/:id
func (h *APIHandler) deleteConversation(c *gin.Context) {
	id := c.Param("id")
	if err := h.controller.Touch(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.controller.Delete(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// postMessage handles POST /api/v1/conversations/:id/messages. The reply is
// an event stream; everything that can fail before the first event is
// reported as a JSON error instead.
func (h *APIHandler) postMessage(c *gin.Context) {
	id := c.Param("id")
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, resilience.NewBadRequestError("Invalid request format", err))
		return
	}
	if session.SanitizeUserInput(req.Message) == "" {
		h.fail(c, ErrEmptyMessage)
		return
	}
	if err := h.controller.Touch(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}

	writer := streaming.NewWriter(c.Writer, h.negotiateFormat(c))
	defer func() {
		if err := writer.Close(); err != nil {
			h.logger.Debug("Event stream not closed cleanly", zap.Error(err))
		}
	}()

	renderer := NewEventRenderer(writer, h.logger)
	err := h.controller.HandleMessage(c.Request.Context(), id, MessageInput{
		Text:   req.Message,
		Lang:   req.Lang,
		Origin: req.Origin,
	}, renderer)
	if err != nil {
		// Headers are gone; the conversation vanished between the checks.
		serviceErr := h.errors.WrapError(err, "handling the message")
		renderer.Error(serviceErr.Message)
	}
}

func (h *APIHandler) negotiateFormat(c *gin.Context) streaming.Format {
	switch strings.ToLower(c.Query("transport")) {
	case string(streaming.FormatSSE):
		return streaming.FormatSSE
	case string(streaming.FormatNDJSON):
		return streaming.FormatNDJSON
	}
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		return streaming.FormatSSE
	}
	return h.format
}

// selectProduct handles POST /api/v1/conversations/:id/product
func (h *APIHandler) selectProduct(c *gin.Context) {
	var req ProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, resilience.NewBadRequestError("Invalid request format", err))
		return
	}

	id := c.Param("id")
	recorder := streaming.NewRecorder()
	if err := h.controller.SelectProduct(c.Request.Context(), id, req.Product, NewEventRenderer(recorder, h.logger)); err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, id, recorder, "")
}

// postAnswer handles POST /api/v1/conversations/:id/answers. An invalid
// value answers 422 together with the re-issued prompt.
func (h *APIHandler) postAnswer(c *gin.Context) {
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, resilience.NewBadRequestError("Invalid request format", err))
		return
	}

	id := c.Param("id")
	recorder := streaming.NewRecorder()
	err := h.controller.Answer(c.Request.Context(), id, req.Field, req.Value, NewEventRenderer(recorder, h.logger))
	if errors.Is(err, funnel.ErrInvalidAnswer) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "Invalid answer",
			"code":   string(resilience.ErrorCodeValidation),
			"events": recorder.Events(),
		})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, id, recorder, "")
}

// submitLead handles POST /api/v1/conversations/:id/lead
func (h *APIHandler) submitLead(c *gin.Context) {
	var contact lead.Contact
	if err := c.ShouldBindJSON(&contact); err != nil {
		h.fail(c, resilience.NewBadRequestError("Invalid request format", err))
		return
	}

	id := c.Param("id")
	recorder := streaming.NewRecorder()
	entry, err := h.controller.SubmitContact(c.Request.Context(), id, contact, NewEventRenderer(recorder, h.logger))
	h.leadResult(c, id, recorder, entry, err)
}

// retryLead handles POST /api/v1/conversations/:id/lead/retry
func (h *APIHandler) retryLead(c *gin.Context) {
	id := c.Param("id")
	recorder := streaming.NewRecorder()
	entry, err := h.controller.RetryLead(c.Request.Context(), id, NewEventRenderer(recorder, h.logger))
	h.leadResult(c, id, recorder, entry, err)
}

// leadResult answers 202 when the lead is stored but not yet delivered, so
// the widget can offer a retry.
func (h *APIHandler) leadResult(c *gin.Context, id string, recorder *streaming.Recorder, entry lead.Entry, err error) {
	if err != nil && entry.ID() != "" && errors.Is(err, lead.ErrDeliveryFailed) {
		state, stateErr := h.controller.State(c.Request.Context(), id)
		resp := EventsResponse{Events: recorder.Events(), LeadID: entry.ID()}
		if stateErr == nil {
			resp.State = &state
		}
		c.JSON(http.StatusAccepted, resp)
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, id, recorder, entry.ID())
}

func (h *APIHandler) respond(c *gin.Context, id string, recorder *streaming.Recorder, leadID string) {
	state, err := h.controller.State(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, EventsResponse{Events: recorder.Events(), State: &state, LeadID: leadID})
}

// fail maps controller errors to service errors and writes them
func (h *APIHandler) fail(c *gin.Context, err error) {
	var serviceErr *resilience.ServiceError
	switch {
	case errors.As(err, &serviceErr):
	case errors.Is(err, session.ErrNotFound):
		serviceErr = resilience.NewNotFoundError("Conversation not found", err)
	case errors.Is(err, ErrEmptyMessage):
		serviceErr = resilience.NewBadRequestError("Message content cannot be empty", err)
	case errors.Is(err, funnel.ErrUnknownProduct):
		serviceErr = resilience.NewBadRequestError("Unknown product", err)
	case errors.Is(err, ErrInvalidContact):
		serviceErr = resilience.NewValidationError("Please check your contact details", err)
	case errors.Is(err, funnel.ErrNoProduct),
		errors.Is(err, funnel.ErrTerminal),
		errors.Is(err, funnel.ErrAlreadyRecorded),
		errors.Is(err, funnel.ErrUnexpectedField):
		serviceErr = resilience.NewConflictError("The answer does not fit the current question", err)
	case errors.Is(err, ErrNoPendingLead):
		serviceErr = resilience.NewConflictError("There is no lead waiting for a retry", err)
	case errors.Is(err, lead.ErrInvalidPayload):
		serviceErr = resilience.NewValidationError("The lead could not be assembled", err)
	default:
		serviceErr = h.errors.WrapError(err, "processing the request")
	}

	if serviceErr.StatusCode >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", string(serviceErr.Code)),
			zap.Error(err))
	}
	c.JSON(serviceErr.StatusCode, serviceErr.ToErrorResponse(c.GetHeader("X-Request-ID")))
}

// RequestLoggingMiddleware logs every request with zap
func RequestLoggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			fields = append(fields, zap.String("errors", errs))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("Request completed", fields...)
			return
		}
		logger.Debug("Request completed", fields...)
	}
}

// CORSMiddleware lets the widget call the API from the host page
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Accept-Encoding, Authorization, Cache-Control, X-Request-ID, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
