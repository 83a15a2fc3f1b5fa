package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/llm-execution-core/services"
	"github.com/upb/llm-execution-core/services/callback"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one job and returns its JSON result
type Handler func(ctx context.Context, job *Job) (json.RawMessage, error)

// Notifier pushes completion messages to a job's callback target
type Notifier interface {
	Notify(ctx context.Context, target string, msg *callback.Message) error
}

// OutcomeObserver counts worker outcomes (completed, failed, retried, dead_letter, stale)
type OutcomeObserver interface {
	QueueOutcome(outcome string)
}

// Worker outcomes
const (
	OutcomeCompleted  = "completed"
	OutcomeFailed     = "failed"
	OutcomeRetried    = "retried"
	OutcomeDeadLetter = "dead_letter"
	OutcomeStale      = "stale"
)

// WorkerConfig holds worker settings
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	// JobTimeout bounds one handler run; defaults to the visibility timeout
	JobTimeout time.Duration
	Consumer   string
}

// Worker claims jobs, runs the handler and routes the outcome:
// success completes, permanent errors fail, other errors are retried until
// the attempt budget is spent and then dead-lettered. Every terminal outcome
// is reported to the job's callback target.
type Worker struct {
	queue    Queue
	handler  Handler
	notifier Notifier
	observer OutcomeObserver
	config   WorkerConfig
	logger   *zap.Logger
}

// NewWorker creates a worker. notifier and observer may be nil.
func NewWorker(q Queue, handler Handler, notifier Notifier, observer OutcomeObserver, config WorkerConfig, logger *zap.Logger) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = DefaultVisibilityTimeout
	}
	if config.Consumer == "" {
		config.Consumer = "worker-" + uuid.New().String()[:8]
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    q,
		handler:  handler,
		notifier: notifier,
		observer: observer,
		config:   config,
		logger:   logger,
	}
}

// Run processes jobs with Concurrency goroutines until ctx is done
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("queue worker started",
		zap.String("consumer", w.config.Consumer),
		zap.Int("concurrency", w.config.Concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", w.config.Consumer, i)
		g.Go(func() error {
			w.loop(ctx, consumer)
			return nil
		})
	}
	err := g.Wait()

	w.logger.Info("queue worker stopped", zap.String("consumer", w.config.Consumer))
	return err
}

func (w *Worker) loop(ctx context.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := w.process(ctx, consumer)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("queue claim failed", zap.String("consumer", consumer), zap.Error(err))
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.config.PollInterval):
		}
	}
}

// ProcessOne claims and processes at most one job. It reports whether a job was handled.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	return w.process(ctx, w.config.Consumer)
}

func (w *Worker) process(ctx context.Context, consumer string) (bool, error) {
	d, err := w.queue.Claim(ctx, consumer)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}

	logger := w.logger.With(
		zap.String("job_id", d.Job.ID),
		zap.Int("attempt", d.Attempt),
		zap.String("consumer", consumer))

	// The job runs to completion even if the worker is shutting down;
	// the visibility timeout is the only deadline.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.config.JobTimeout)
	result, handlerErr := w.safeHandle(jobCtx, d.Job)
	cancel()

	finishCtx := context.WithoutCancel(ctx)
	processed, err := w.settle(finishCtx, d, result, handlerErr, logger)
	if errors.Is(err, ErrStaleDelivery) {
		// Another consumer reclaimed the job and owns its outcome now
		logger.Warn("delivery reclaimed while running, outcome dropped")
		w.observe(OutcomeStale)
		return true, nil
	}
	return processed, err
}

// settle records the handler's outcome on the queue and notifies the callback
func (w *Worker) settle(finishCtx context.Context, d *Delivery, result json.RawMessage, handlerErr error, logger *zap.Logger) (bool, error) {
	switch {
	case handlerErr == nil:
		if err := w.queue.Complete(finishCtx, d, result); err != nil {
			return true, fmt.Errorf("failed to complete job %s: %w", d.Job.ID, err)
		}
		logger.Info("job completed")
		w.observe(OutcomeCompleted)
		w.notify(finishCtx, d, callback.StatusCompleted, result, "")

	case services.IsPermanentError(handlerErr):
		reason := publicReason(handlerErr)
		if err := w.queue.Fail(finishCtx, d, reason); err != nil {
			return true, fmt.Errorf("failed to fail job %s: %w", d.Job.ID, err)
		}
		logger.Warn("job failed permanently", zap.Error(handlerErr))
		w.observe(OutcomeFailed)
		w.notify(finishCtx, d, callback.StatusFailed, nil, reason)

	case d.Attempt >= w.queue.MaxAttempts():
		reason := publicReason(handlerErr)
		if err := w.queue.DeadLetter(finishCtx, d, reason); err != nil {
			return true, fmt.Errorf("failed to dead-letter job %s: %w", d.Job.ID, err)
		}
		logger.Error("job exhausted its attempts", zap.Error(handlerErr))
		w.observe(OutcomeDeadLetter)
		w.notify(finishCtx, d, callback.StatusDeadLetter, nil, reason)

	default:
		if err := w.queue.Nack(finishCtx, d, publicReason(handlerErr)); err != nil {
			return true, fmt.Errorf("failed to nack job %s: %w", d.Job.ID, err)
		}
		logger.Warn("job attempt failed, will retry", zap.Error(handlerErr))
		w.observe(OutcomeRetried)
	}
	return true, nil
}

// NotifyDeadLetter reports a job dead-lettered outside the worker, such as
// by a claim that found it over budget. Wire it as the queue's dead-letter hook.
func (w *Worker) NotifyDeadLetter(ctx context.Context, job *Job) {
	w.observe(OutcomeDeadLetter)
	w.notify(ctx, &Delivery{Job: job, Attempt: job.Attempts}, callback.StatusDeadLetter, nil, job.LastError)
}

func (w *Worker) safeHandle(ctx context.Context, job *Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job handler panicked", zap.String("job_id", job.ID), zap.Any("panic", r))
			err = services.NewExecutionFailed(fmt.Errorf("panic: %v", r))
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) notify(ctx context.Context, d *Delivery, status string, result json.RawMessage, reason string) {
	if w.notifier == nil || d.Job.CallbackTarget == "" {
		return
	}
	msg := &callback.Message{
		JobID:       d.Job.ID,
		Status:      status,
		Result:      result,
		Error:       reason,
		Attempts:    d.Attempt,
		CompletedAt: time.Now().UTC(),
	}
	if err := w.notifier.Notify(ctx, d.Job.CallbackTarget, msg); err != nil {
		w.logger.Warn("job callback failed",
			zap.String("job_id", d.Job.ID),
			zap.String("status", status),
			zap.Error(err))
	}
}

func (w *Worker) observe(outcome string) {
	if w.observer != nil {
		w.observer.QueueOutcome(outcome)
	}
}

// publicReason keeps internal error detail out of job state and callbacks
func publicReason(err error) string {
	if services.IsClassified(err) && !services.IsExecutionFailedError(err) {
		return fmt.Sprintf("%s: %s", services.GetErrorType(err), services.GetErrorMessage(err))
	}
	return string(services.ErrorTypeExecutionFailed) + ": execution failed"
}
