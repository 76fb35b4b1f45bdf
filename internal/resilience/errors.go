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

package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrorResponse is the JSON body returned to the widget on failure
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorCode represents standard error codes used across the system
type ErrorCode string

const (
	// Client errors (4xx)
	ErrorCodeBadRequest ErrorCode = "BAD_REQUEST"
	ErrorCodeNotFound   ErrorCode = "NOT_FOUND"
	ErrorCodeConflict   ErrorCode = "CONFLICT"
	ErrorCodeValidation ErrorCode = "VALIDATION_FAILED"

	// Server errors (5xx)
	ErrorCodeInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrorCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeTimeout            ErrorCode = "TIMEOUT"
	ErrorCodeDependencyFailure  ErrorCode = "DEPENDENCY_FAILURE"
)

// ServiceError carries a user-facing message alongside the internal cause
type ServiceError struct {
	Message    string
	Code       ErrorCode
	StatusCode int
	Internal   error
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Internal
}

// ToErrorResponse converts a ServiceError to an ErrorResponse
func (e *ServiceError) ToErrorResponse(requestID string) ErrorResponse {
	return ErrorResponse{
		Error:     e.Message,
		Code:      string(e.Code),
		RequestID: requestID,
		Timestamp: time.Now(),
	}
}

// NewServiceError creates a new ServiceError with the given parameters
func NewServiceError(message string, code ErrorCode, statusCode int, internal error) *ServiceError {
	return &ServiceError{
		Message:    message,
		Code:       code,
		StatusCode: statusCode,
		Internal:   internal,
	}
}

// NewBadRequestError creates a new bad request error
func NewBadRequestError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeBadRequest, http.StatusBadRequest, internal)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeNotFound, http.StatusNotFound, internal)
}

// NewConflictError is used when an operation does not fit the current
// conversation state, e.g. answering a field of a finished funnel.
func NewConflictError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeConflict, http.StatusConflict, internal)
}

// NewValidationError creates an error for rejected user input
func NewValidationError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeValidation, http.StatusUnprocessableEntity, internal)
}

// NewInternalError creates a new internal server error
func NewInternalError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeInternalError, http.StatusInternalServerError, internal)
}

// NewDependencyFailureError creates a new dependency failure error
func NewDependencyFailureError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeDependencyFailure, http.StatusBadGateway, internal)
}

// ErrorHandler maps internal errors to ServiceErrors and writes them
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler with the given logger
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ErrorHandler{logger: logger}
}

// WrapError wraps an error with user-friendly message and proper error code
func (eh *ErrorHandler) WrapError(err error, operation string) *ServiceError {
	if err == nil {
		return nil
	}

	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}

	code, statusCode, userMessage := categorizeError(err, operation)

	if eh != nil {
		eh.logger.Error("Error occurred during operation",
			zap.String("operation", operation),
			zap.Error(err),
			zap.String("error_code", string(code)))
	}

	return NewServiceError(userMessage, code, statusCode, err)
}

// categorizeError determines code, status and message for an unclassified error
func categorizeError(err error, operation string) (ErrorCode, int, string) {
	var exhausted *ExhaustedError
	switch {
	case errors.Is(err, ErrCircuitBreakerOpen):
		return ErrorCodeServiceUnavailable, http.StatusServiceUnavailable,
			"The service is temporarily unavailable. Please try again in a few minutes."
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeTimeout, http.StatusGatewayTimeout,
			"The operation is taking longer than expected. Please try again."
	case errors.As(err, &exhausted):
		return ErrorCodeDependencyFailure, http.StatusBadGateway,
			"Unable to reach the service. Please try again later."
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "connection reset"):
		return ErrorCodeDependencyFailure, http.StatusBadGateway,
			"Unable to reach the service. Please try again later."
	case strings.Contains(errStr, "not found"):
		return ErrorCodeNotFound, http.StatusNotFound,
			"The requested resource was not found."
	default:
		return ErrorCodeInternalError, http.StatusInternalServerError,
			fmt.Sprintf("An error occurred while %s. Please try again.", operation)
	}
}

// WriteErrorResponse writes an error response to an HTTP response writer
func (eh *ErrorHandler) WriteErrorResponse(w http.ResponseWriter, err error, requestID string) {
	serviceErr := eh.WrapError(err, "processing request")
	if serviceErr == nil {
		serviceErr = NewInternalError("An error occurred while processing request", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(serviceErr.StatusCode)

	if err := json.NewEncoder(w).Encode(serviceErr.ToErrorResponse(requestID)); err != nil && eh != nil {
		eh.logger.Error("Failed to encode error response", zap.Error(err))
	}
}
