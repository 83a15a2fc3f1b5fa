package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-execution-core/services"
)

// Status is the lifecycle state of a queued job
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Default queue settings
const (
	DefaultMaxAttempts       = 3
	DefaultVisibilityTimeout = 2 * time.Minute
)

// ErrStaleDelivery is returned when a delivery was reclaimed by another
// consumer after its visibility timeout elapsed.
var ErrStaleDelivery = errors.New("delivery no longer owned by this consumer")

// Job is a unit of deferred execution work
type Job struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CallbackTarget string          `json:"callback,omitempty"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	VisibleAt      time.Time       `json:"visible_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
	LastError      string          `json:"last_error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
}

// NewJob creates a pending job for payload
func NewJob(tenantID string, payload json.RawMessage, callbackTarget string) *Job {
	return &Job{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Payload:        payload,
		CallbackTarget: callbackTarget,
		Status:         StatusPending,
	}
}

// Delivery is one claim of a job by a consumer
type Delivery struct {
	Job      *Job
	Receipt  string
	Attempt  int
	Consumer string
}

// DeadLetterFunc observes jobs moved to the dead-letter path by a claim
type DeadLetterFunc func(ctx context.Context, job *Job)

// Queue is a durable at-least-once job queue with visibility timeouts.
// A claimed job is invisible to other consumers until it is acknowledged
// or its visibility timeout elapses.
type Queue interface {
	// Enqueue stores job and returns its ID
	Enqueue(ctx context.Context, job *Job) (string, error)

	// Claim returns the next visible job, or nil when none is visible.
	// Jobs past their attempt budget are dead-lettered instead of returned.
	Claim(ctx context.Context, consumer string) (*Delivery, error)

	// Ack removes a delivery without changing its recorded status
	Ack(ctx context.Context, d *Delivery) error

	// Nack records a failed attempt. The job stays invisible until its
	// visibility timeout elapses, then becomes eligible for redelivery.
	Nack(ctx context.Context, d *Delivery, reason string) error

	// Complete stores result, marks the job completed and acknowledges it
	Complete(ctx context.Context, d *Delivery, result json.RawMessage) error

	// Fail marks the job permanently failed and acknowledges it
	Fail(ctx context.Context, d *Delivery, reason string) error

	// DeadLetter moves the job to the dead-letter path and acknowledges it
	DeadLetter(ctx context.Context, d *Delivery, reason string) error

	// DeadLetters lists the most recent dead-lettered jobs
	DeadLetters(ctx context.Context, limit int) ([]*Job, error)

	// Status returns the current state of a job
	Status(ctx context.Context, id string) (*Job, error)

	// MaxAttempts is the delivery budget before dead-lettering
	MaxAttempts() int
}

// Config holds settings shared by queue backends
type Config struct {
	Name              string
	MaxAttempts       int
	VisibilityTimeout time.Duration
	// Block is how long a Redis claim waits for new work; zero never blocks
	Block time.Duration
	// ResultTTL bounds how long finished job state is kept
	ResultTTL time.Duration
}

// DefaultConfig returns the default queue configuration
func DefaultConfig() Config {
	return Config{
		Name:              "executions",
		MaxAttempts:       DefaultMaxAttempts,
		VisibilityTimeout: DefaultVisibilityTimeout,
		ResultTTL:         24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = d.VisibilityTimeout
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = d.ResultTTL
	}
	return c
}

func jobNotFound(id string) error {
	return services.NewDomainError(services.ErrorTypeNotFound, "job not found", nil).
		WithDetail("job_id", id)
}

func validateJob(job *Job) error {
	if job == nil {
		return services.NewValidationError("job is required", nil)
	}
	if len(job.Payload) == 0 {
		return services.NewValidationError("job payload is required", map[string]string{
			"payload": "must not be empty",
		})
	}
	return nil
}
