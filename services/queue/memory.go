package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type memoryJob struct {
	job     *Job
	receipt string
}

// MemoryQueue is an in-process Queue. Jobs are claimed in enqueue order.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[string]*memoryJob
	ready  []string
	dead   []string
	config Config
	now    func() time.Time
	onDead DeadLetterFunc
	logger *zap.Logger
}

// MemoryOption configures a MemoryQueue
type MemoryOption func(*MemoryQueue)

// WithQueueClock sets the clock used for visibility deadlines
func WithQueueClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.now = now }
}

// WithMemoryDeadLetterHook observes jobs dead-lettered during Claim
func WithMemoryDeadLetterHook(fn DeadLetterFunc) MemoryOption {
	return func(q *MemoryQueue) { q.onDead = fn }
}

// NewMemoryQueue creates an in-process queue
func NewMemoryQueue(config Config, logger *zap.Logger, opts ...MemoryOption) *MemoryQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &MemoryQueue{
		jobs:   make(map[string]*memoryJob),
		config: config.withDefaults(),
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue implements Queue
func (q *MemoryQueue) Enqueue(_ context.Context, job *Job) (string, error) {
	if err := validateJob(job); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	stored := cloneJob(job)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	now := q.now()
	stored.Status = StatusPending
	stored.Attempts = 0
	stored.EnqueuedAt = now
	stored.VisibleAt = now
	stored.UpdatedAt = now

	q.jobs[stored.ID] = &memoryJob{job: stored}
	q.ready = append(q.ready, stored.ID)
	return stored.ID, nil
}

// Claim implements Queue
func (q *MemoryQueue) Claim(ctx context.Context, _ string) (*Delivery, error) {
	var deadLettered []*Job
	defer func() {
		for _, job := range deadLettered {
			if q.onDead != nil {
				q.onDead(ctx, job)
			}
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for i := 0; i < len(q.ready); i++ {
		entry := q.jobs[q.ready[i]]
		if entry.job.VisibleAt.After(now) {
			continue
		}

		entry.job.Attempts++
		entry.job.UpdatedAt = now
		if entry.job.Attempts > q.config.MaxAttempts {
			q.moveToDead(entry, "visibility timeout exceeded on final attempt")
			deadLettered = append(deadLettered, cloneJob(entry.job))
			i--
			continue
		}

		entry.receipt = uuid.New().String()
		entry.job.Status = StatusProcessing
		entry.job.VisibleAt = now.Add(q.config.VisibilityTimeout)

		return &Delivery{
			Job:     cloneJob(entry.job),
			Receipt: entry.receipt,
			Attempt: entry.job.Attempts,
		}, nil
	}
	return nil, nil
}

// Ack implements Queue
func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.owned(d); err != nil {
		return err
	}
	q.removeReady(d.Job.ID)
	return nil
}

// Nack implements Queue
func (q *MemoryQueue) Nack(_ context.Context, d *Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.owned(d)
	if err != nil {
		return err
	}
	entry.job.LastError = reason
	entry.job.Status = StatusPending
	entry.job.UpdatedAt = q.now()
	return nil
}

// Complete implements Queue
func (q *MemoryQueue) Complete(_ context.Context, d *Delivery, result json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.owned(d)
	if err != nil {
		return err
	}
	entry.job.Status = StatusCompleted
	entry.job.Result = append(json.RawMessage(nil), result...)
	entry.job.LastError = ""
	entry.job.UpdatedAt = q.now()
	q.removeReady(d.Job.ID)
	return nil
}

// Fail implements Queue
func (q *MemoryQueue) Fail(_ context.Context, d *Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.owned(d)
	if err != nil {
		return err
	}
	entry.job.Status = StatusFailed
	entry.job.LastError = reason
	entry.job.UpdatedAt = q.now()
	q.removeReady(d.Job.ID)
	return nil
}

// DeadLetter implements Queue
func (q *MemoryQueue) DeadLetter(_ context.Context, d *Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.owned(d)
	if err != nil {
		return err
	}
	q.moveToDead(entry, reason)
	return nil
}

// DeadLetters implements Queue, newest first
func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]*Job, 0, limit)
	for i := len(q.dead) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneJob(q.jobs[q.dead[i]].job))
	}
	return out, nil
}

// Status implements Queue
func (q *MemoryQueue) Status(_ context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.jobs[id]
	if !ok {
		return nil, jobNotFound(id)
	}
	return cloneJob(entry.job), nil
}

// MaxAttempts implements Queue
func (q *MemoryQueue) MaxAttempts() int {
	return q.config.MaxAttempts
}

// Depth returns the number of jobs not yet finished
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// owned checks that d still holds the job (must be called with lock held)
func (q *MemoryQueue) owned(d *Delivery) (*memoryJob, error) {
	if d == nil || d.Job == nil {
		return nil, ErrStaleDelivery
	}
	entry, ok := q.jobs[d.Job.ID]
	if !ok {
		return nil, jobNotFound(d.Job.ID)
	}
	if entry.receipt != d.Receipt {
		return nil, ErrStaleDelivery
	}
	return entry, nil
}

// moveToDead must be called with lock held
func (q *MemoryQueue) moveToDead(entry *memoryJob, reason string) {
	entry.job.Status = StatusDeadLetter
	entry.job.LastError = reason
	entry.job.UpdatedAt = q.now()
	entry.receipt = ""
	q.removeReady(entry.job.ID)
	q.dead = append(q.dead, entry.job.ID)

	q.logger.Warn("job moved to dead-letter",
		zap.String("job_id", entry.job.ID),
		zap.Int("attempts", entry.job.Attempts),
		zap.String("reason", reason))
}

// removeReady must be called with lock held
func (q *MemoryQueue) removeReady(id string) {
	for i, readyID := range q.ready {
		if readyID == id {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			return
		}
	}
}

func cloneJob(job *Job) *Job {
	copied := *job
	copied.Payload = append(json.RawMessage(nil), job.Payload...)
	if job.Result != nil {
		copied.Result = append(json.RawMessage(nil), job.Result...)
	}
	return &copied
}
