package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/upb/llm-execution-core/middleware"
	"github.com/upb/llm-execution-core/services/execution"
	"github.com/upb/llm-execution-core/services/queue"
	"github.com/upb/llm-execution-core/utils"
	"go.uber.org/zap"
)

// JobService is the queued half of the execution manager
type JobService interface {
	Submit(ctx context.Context, req *execution.Request, callbackTarget string) (*execution.Result, error)
	JobStatus(ctx context.Context, id string) (*queue.Job, error)
	DeadLetters(ctx context.Context, limit int) ([]*queue.Job, error)
}

// SubmitJobRequest is an execution body plus where to report completion
type SubmitJobRequest struct {
	ExecutionRequest
	Callback string `json:"callback,omitempty"`
}

// SubmitJobResponse acknowledges a queued job
type SubmitJobResponse struct {
	Success     bool   `json:"success"`
	JobID       string `json:"jobId"`
	RequestID   string `json:"requestId"`
	Status      string `json:"status"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// JobResponse is a job's externally visible state
type JobResponse struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenantId,omitempty"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	Callback   string          `json:"callback,omitempty"`
	LastError  string          `json:"lastError,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// DeadLettersResponse lists jobs that exhausted their attempts, newest first
type DeadLettersResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Count int           `json:"count"`
}

func newJobResponse(job *queue.Job) JobResponse {
	return JobResponse{
		ID:         job.ID,
		TenantID:   job.TenantID,
		Status:     string(job.Status),
		Attempts:   job.Attempts,
		Callback:   job.CallbackTarget,
		LastError:  job.LastError,
		Result:     job.Result,
		EnqueuedAt: job.EnqueuedAt,
		UpdatedAt:  job.UpdatedAt,
	}
}

// JobHandler handles deferred executions
type JobHandler struct {
	service JobService
	logger  *zap.Logger
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(service JobService, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		service: service,
		logger:  logger,
	}
}

// HandleSubmit handles POST /api/v1/jobs
func (h *JobHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var body SubmitJobRequest
	if err := utils.DecodeJSON(w, r, &body); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}
	if err := utils.ValidateStruct(&body); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	ctx := r.Context()
	result, err := h.service.Submit(ctx, body.toRequest(ctx), body.Callback)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Debug("job accepted",
		zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
		zap.String("job_id", result.JobID))

	if err := utils.WriteAccepted(w, SubmitJobResponse{
		Success:     true,
		JobID:       result.JobID,
		RequestID:   result.RequestID,
		Status:      string(result.Status),
		Fingerprint: result.Fingerprint,
	}); err != nil {
		h.logger.Error("failed to write job response", zap.Error(err))
	}
}

// HandleGetJob handles GET /api/v1/jobs/{id}
func (h *JobHandler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		_ = utils.WriteBadRequest(w, "job id is required", nil)
		return
	}

	job, err := h.service.JobStatus(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, newJobResponse(job))
}

// HandleDeadLetters handles GET /api/v1/jobs/dead-letters
func (h *JobHandler) HandleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			_ = utils.WriteBadRequest(w, "limit must be a non-negative integer", map[string]interface{}{
				"limit": raw,
			})
			return
		}
		limit = n
	}

	jobs, err := h.service.DeadLetters(r.Context(), limit)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	out := DeadLettersResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, job := range jobs {
		out.Jobs = append(out.Jobs, newJobResponse(job))
	}
	out.Count = len(out.Jobs)
	_ = utils.WriteOK(w, out)
}
