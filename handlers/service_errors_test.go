package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-execution-core/services"
	"github.com/upb/llm-execution-core/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestHandleServiceError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name            string
		err             error
		expectedStatus  int
		expectedCode    string
		expectedMessage string
	}{
		{
			name:            "validation error",
			err:             services.NewValidationError("invalid execution request", map[string]string{"Prompt": "Prompt is required"}),
			expectedStatus:  http.StatusBadRequest,
			expectedCode:    "validation",
			expectedMessage: "invalid execution request",
		},
		{
			name:            "unknown provider",
			err:             services.NewDomainError(services.ErrorTypeUnknownProvider, "unknown provider", nil),
			expectedStatus:  http.StatusUnprocessableEntity,
			expectedCode:    "unknown_provider",
			expectedMessage: "unknown provider",
		},
		{
			name:            "unknown model",
			err:             services.NewDomainError(services.ErrorTypeUnknownModel, "unknown model", nil),
			expectedStatus:  http.StatusUnprocessableEntity,
			expectedCode:    "unknown_model",
			expectedMessage: "unknown model",
		},
		{
			name:            "retryable hides the cause",
			err:             services.NewDomainError(services.ErrorTypeRetryable, "provider temporarily unavailable", errors.New("dial tcp 10.0.0.1:443")),
			expectedStatus:  http.StatusBadGateway,
			expectedCode:    "retryable",
			expectedMessage: "provider temporarily unavailable",
		},
		{
			name:            "fatal",
			err:             services.NewDomainError(services.ErrorTypeFatal, "provider rejected the request", nil),
			expectedStatus:  http.StatusBadGateway,
			expectedCode:    "fatal",
			expectedMessage: "provider rejected the request",
		},
		{
			name:            "not found",
			err:             fmt.Errorf("lookup: %w", services.NewDomainError(services.ErrorTypeNotFound, "job not found", nil)),
			expectedStatus:  http.StatusNotFound,
			expectedCode:    "not_found",
			expectedMessage: "job not found",
		},
		{
			name:            "unavailable",
			err:             services.NewDomainError(services.ErrorTypeUnavailable, "job queue is not configured", nil),
			expectedStatus:  http.StatusServiceUnavailable,
			expectedCode:    "unavailable",
			expectedMessage: "job queue is not configured",
		},
		{
			name:            "execution failed",
			err:             services.NewExecutionFailed(errors.New("nil pointer in strategy")),
			expectedStatus:  http.StatusInternalServerError,
			expectedCode:    "execution_failed",
			expectedMessage: "An internal error occurred",
		},
		{
			name:            "unclassified error",
			err:             errors.New("pq: connection refused"),
			expectedStatus:  http.StatusInternalServerError,
			expectedCode:    "execution_failed",
			expectedMessage: "An internal error occurred",
		},
		{
			name:            "canceled",
			err:             context.Canceled,
			expectedStatus:  StatusClientClosedRequest,
			expectedCode:    "canceled",
			expectedMessage: "request canceled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			HandleServiceError(w, tt.err, logger)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var response utils.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.False(t, response.Success)
			assert.Equal(t, tt.expectedCode, response.Code)
			assert.Equal(t, tt.expectedMessage, response.Message)
			assert.NotContains(t, w.Body.String(), "dial tcp")
			assert.NotContains(t, w.Body.String(), "nil pointer")
		})
	}
}

func TestHandleServiceError_Details(t *testing.T) {
	w := httptest.NewRecorder()
	err := services.NewValidationError("invalid execution request", map[string]string{"Prompt": "Prompt is required"})

	HandleServiceError(w, err, zap.NewNop())

	var response utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "Prompt is required", response.Details["Prompt"])
}

func TestHandleServiceError_CircuitOpen(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter interface{}
		want       string
	}{
		{"int seconds", 12, "12"},
		{"float seconds round up", 2.5, "3"},
		{"missing hint", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := services.NewDomainError(services.ErrorTypeCircuitOpen, "provider circuit is open", nil).
				WithDetail("provider", "openai")
			if tt.retryAfter != nil {
				err.WithDetail("retry_after_seconds", tt.retryAfter)
			}

			w := httptest.NewRecorder()
			HandleServiceError(w, err, zap.NewNop())

			assert.Equal(t, http.StatusServiceUnavailable, w.Code)
			assert.Equal(t, tt.want, w.Header().Get("Retry-After"))

			var response utils.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, "circuit_open", response.Code)
			assert.Equal(t, "openai", response.Details["provider"])
		})
	}
}

func TestHandleServiceError_LogsUnexpected(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	w := httptest.NewRecorder()

	HandleServiceError(w, errors.New("pq: connection refused"), zap.New(core))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "execution failed", entry.Message)
	assert.Equal(t, "pq: connection refused", entry.ContextMap()["error"])
}

func TestHandleServiceError_Nil(t *testing.T) {
	w := httptest.NewRecorder()
	HandleServiceError(w, nil, zap.NewNop())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestHandleValidationError(t *testing.T) {
	t.Run("field errors", func(t *testing.T) {
		w := httptest.NewRecorder()
		err := &utils.ValidationError{Message: "validation failed", Fields: map[string]string{"Prompt": "Prompt is required"}}

		HandleValidationError(w, err, zap.NewNop())

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var response utils.ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "Validation failed", response.Message)
		assert.Equal(t, "Prompt is required", response.Details["Prompt"])
	})

	t.Run("decode error", func(t *testing.T) {
		w := httptest.NewRecorder()

		HandleValidationError(w, errors.New("request body is empty"), zap.NewNop())

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var response utils.ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "request body is empty", response.Message)
	})
}
