package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/upb/llm-execution-core/services"
	"github.com/upb/llm-execution-core/utils"
	"go.uber.org/zap"
)

// StatusClientClosedRequest is written when the caller went away mid-request
const StatusClientClosedRequest = 499

// HandleServiceError maps domain errors to HTTP responses. Callers only see
// the domain message; wrapped causes stay in the logs.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	status, code := errorStatus(err)
	message := services.GetErrorMessage(err)
	details := services.GetErrorDetails(err)
	if len(details) == 0 {
		details = nil
	}

	var writeErr error
	switch status {
	case http.StatusServiceUnavailable:
		writeErr = utils.WriteServiceUnavailable(w, code, message, retryAfter(details), details)

	case StatusClientClosedRequest:
		writeErr = utils.WriteError(w, status, code, "request canceled", nil)

	case http.StatusInternalServerError:
		logger.Error("execution failed", zap.Error(err))
		writeErr = utils.WriteError(w, status, string(services.ErrorTypeExecutionFailed), "An internal error occurred", nil)

	default:
		writeErr = utils.WriteError(w, status, code, message, details)
	}
	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}

	logger.Debug("handled service error",
		zap.Int("status", status),
		zap.String("type", code),
		zap.String("message", message))
}

// errorStatus returns the HTTP status and envelope code for err
func errorStatus(err error) (int, string) {
	code := string(services.GetErrorType(err))

	switch {
	case services.IsValidationError(err):
		return http.StatusBadRequest, code
	case services.IsUnknownProviderError(err), services.IsUnknownModelError(err):
		return http.StatusUnprocessableEntity, code
	case services.IsCircuitOpenError(err), services.IsUnavailableError(err):
		return http.StatusServiceUnavailable, code
	case services.IsRetryableError(err), services.IsFatalError(err):
		return http.StatusBadGateway, code
	case services.IsNotFoundError(err):
		return http.StatusNotFound, code
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "canceled"
	default:
		return http.StatusInternalServerError, string(services.ErrorTypeExecutionFailed)
	}
}

// retryAfter reads the breaker's hint. Details built in-process hold an int;
// ones that crossed a JSON boundary hold a float64.
func retryAfter(details map[string]interface{}) time.Duration {
	switch v := details["retry_after_seconds"].(type) {
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(math.Ceil(v)) * time.Second
	}
	return 0
}

// HandleValidationError handles errors from request decoding and validation
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		details := make(map[string]interface{})
		for k, v := range utils.GetValidationFields(err) {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
