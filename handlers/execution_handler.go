package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/upb/llm-execution-core/middleware"
	"github.com/upb/llm-execution-core/services"
	"github.com/upb/llm-execution-core/services/execution"
	"github.com/upb/llm-execution-core/utils"
	"go.uber.org/zap"
)

// streamWriteTimeout bounds how long a single SSE write may block
const streamWriteTimeout = 30 * time.Second

// ExecutionService is the part of the execution manager the handlers use
type ExecutionService interface {
	Execute(ctx context.Context, req *execution.Request) (*execution.Result, error)
	Stream(ctx context.Context, req *execution.Request) (*execution.StreamHandle, error)
}

// ExecutionRequest is the HTTP body for an execution
type ExecutionRequest struct {
	Prompt       string   `json:"prompt" validate:"required"`
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens    int      `json:"maxTokens,omitempty" validate:"gte=0"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	Urgency      string   `json:"urgency,omitempty" validate:"omitempty,oneof=interactive normal background"`
	TenantID     string   `json:"tenantId,omitempty"`
	NoCache      bool     `json:"noCache,omitempty"`
}

// toRequest builds the service request. The tenant header wins over the body.
func (e *ExecutionRequest) toRequest(ctx context.Context) *execution.Request {
	tenant := middleware.GetTenantFromContext(ctx)
	if tenant == "" {
		tenant = e.TenantID
	}
	return &execution.Request{
		ID:       middleware.GetRequestIDFromContext(ctx),
		TenantID: tenant,
		Prompt:   e.Prompt,
		Provider: e.Provider,
		Model:    e.Model,
		Parameters: execution.Parameters{
			Temperature:  e.Temperature,
			MaxTokens:    e.MaxTokens,
			SystemPrompt: e.SystemPrompt,
		},
		Urgency: execution.Urgency(e.Urgency),
		NoCache: e.NoCache,
	}
}

// UsageResponse is token usage in the response envelope
type UsageResponse struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// CostResponse is the priced usage in the response envelope
type CostResponse struct {
	Input    float64 `json:"input"`
	Output   float64 `json:"output"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
}

// ExecutionResponse is the HTTP body for a finished or pending execution
type ExecutionResponse struct {
	Success     bool          `json:"success"`
	RequestID   string        `json:"requestId"`
	Status      string        `json:"status"`
	Content     *string       `json:"content"`
	Usage       UsageResponse `json:"usage"`
	Cost        CostResponse  `json:"cost"`
	LatencyMs   int64         `json:"latencyMs"`
	Provider    string        `json:"provider,omitempty"`
	Model       string        `json:"model,omitempty"`
	Strategy    string        `json:"strategy,omitempty"`
	CacheHit    bool          `json:"cacheHit"`
	JobID       string        `json:"jobId,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
}

func newExecutionResponse(result *execution.Result) ExecutionResponse {
	return ExecutionResponse{
		Success:   true,
		RequestID: result.RequestID,
		Status:    string(result.Status),
		Content:   result.Content,
		Usage: UsageResponse{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
		Cost: CostResponse{
			Input:    result.Cost.Input,
			Output:   result.Cost.Output,
			Total:    result.Cost.Total,
			Currency: result.Cost.Currency,
		},
		LatencyMs:   result.LatencyMs,
		Provider:    result.Provider,
		Model:       result.Model,
		Strategy:    string(result.Strategy),
		CacheHit:    result.CacheHit,
		JobID:       result.JobID,
		Fingerprint: result.Fingerprint,
	}
}

// ExecutionHandler serves synchronous and streamed executions
type ExecutionHandler struct {
	service ExecutionService
	logger  *zap.Logger
}

// NewExecutionHandler creates a new ExecutionHandler
func NewExecutionHandler(service ExecutionService, logger *zap.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		service: service,
		logger:  logger,
	}
}

// decode reads and validates the body, writing the 400 itself on failure
func (h *ExecutionHandler) decode(w http.ResponseWriter, r *http.Request, dst *ExecutionRequest) bool {
	if err := utils.DecodeJSON(w, r, dst); err != nil {
		h.logger.Debug("failed to parse request body",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return false
	}
	if err := utils.ValidateStruct(dst); err != nil {
		HandleValidationError(w, err, h.logger)
		return false
	}
	return true
}

// HandleExecute handles POST /api/v1/executions
func (h *ExecutionHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var body ExecutionRequest
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.service.Execute(r.Context(), body.toRequest(r.Context()))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteJSON(w, http.StatusOK, newExecutionResponse(result)); err != nil {
		h.logger.Error("failed to write execution response", zap.Error(err))
	}
}

// HandleStream handles POST /api/v1/executions/stream. Errors raised before
// the first byte are written as JSON; later ones become an "error" event.
func (h *ExecutionHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = utils.WriteInternalServerError(w, "streaming is not supported")
		return
	}

	var body ExecutionRequest
	if !h.decode(w, r, &body) {
		return
	}
	if body.Urgency == "" {
		body.Urgency = string(execution.UrgencyInteractive)
	}

	ctx := r.Context()
	handle, err := h.service.Stream(ctx, body.toRequest(ctx))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	for chunk := range handle.Chunks() {
		if ctx.Err() != nil {
			continue
		}
		// Not every writer supports deadlines; the server timeout applies then
		_ = rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := writeEvent(w, "chunk", chunk); err != nil {
			h.logger.Debug("stream client went away", zap.Error(err))
			continue
		}
		flusher.Flush()
	}

	result, err := handle.Wait()
	if ctx.Err() != nil {
		return
	}
	_ = rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err != nil {
		status, code := errorStatus(err)
		message := services.GetErrorMessage(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("stream failed", zap.Error(err))
			message = "An internal error occurred"
		}
		_ = writeEvent(w, "error", utils.ErrorResponse{Code: code, Message: message})
		flusher.Flush()
		return
	}
	_ = writeEvent(w, "result", newExecutionResponse(result))
	flusher.Flush()
}

// writeEvent writes one Server-Sent Event with a JSON payload
func writeEvent(w http.ResponseWriter, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

