package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultConsumerGroup is the Redis Streams consumer group of execution workers
const DefaultConsumerGroup = "execution-workers"

// maxClaimScan bounds how many over-budget jobs one Claim dead-letters before giving up
const maxClaimScan = 16

// RedisQueue is a Queue on Redis Streams. Each job is one stream entry
// pointing at a hash that holds its state. Visibility timeout is the
// consumer group's pending-entry idle time: XAUTOCLAIM hands stalled
// deliveries to the next consumer that asks.
type RedisQueue struct {
	client redis.UniversalClient
	config Config
	group  string
	onDead DeadLetterFunc
	logger *zap.Logger

	groupMu   sync.Mutex
	groupMade bool
}

// RedisOption configures a RedisQueue
type RedisOption func(*RedisQueue)

// WithConsumerGroup overrides the consumer group name
func WithConsumerGroup(group string) RedisOption {
	return func(q *RedisQueue) { q.group = group }
}

// WithRedisDeadLetterHook observes jobs dead-lettered during Claim
func WithRedisDeadLetterHook(fn DeadLetterFunc) RedisOption {
	return func(q *RedisQueue) { q.onDead = fn }
}

// NewRedisQueue creates a Redis Streams queue
func NewRedisQueue(client redis.UniversalClient, config Config, logger *zap.Logger, opts ...RedisOption) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &RedisQueue{
		client: client,
		config: config.withDefaults(),
		group:  DefaultConsumerGroup,
		logger: logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// StreamName returns the jobs stream key
func (q *RedisQueue) StreamName() string {
	return "jobs:v1:" + q.config.Name
}

// DLQName returns the dead-letter stream key
func (q *RedisQueue) DLQName() string {
	return "dlq:v1:" + q.config.Name
}

func jobKey(id string) string {
	return "job:v1:" + id
}

// ensureGroup creates the consumer group once per process
func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupMade {
		return nil
	}

	err := q.client.XGroupCreateMkStream(ctx, q.StreamName(), q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	q.groupMade = true
	return nil
}

// Enqueue implements Queue
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) (string, error) {
	if err := validateJob(job); err != nil {
		return "", err
	}
	if err := q.ensureGroup(ctx); err != nil {
		return "", err
	}

	id := job.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(id), map[string]interface{}{
		"id":          id,
		"tenant_id":   job.TenantID,
		"payload":     string(job.Payload),
		"callback":    job.CallbackTarget,
		"status":      string(StatusPending),
		"attempts":    0,
		"enqueued_at": now.Format(time.RFC3339Nano),
		"updated_at":  now.Format(time.RFC3339Nano),
	})
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.StreamName(),
		Values: map[string]interface{}{"jobId": id},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return id, nil
}

// Claim implements Queue
func (q *RedisQueue) Claim(ctx context.Context, consumer string) (*Delivery, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}

	for i := 0; i < maxClaimScan; i++ {
		msg, err := q.next(ctx, consumer)
		if err != nil || msg == nil {
			return nil, err
		}

		jobID, _ := msg.Values["jobId"].(string)
		attempts, err := q.client.HIncrBy(ctx, jobKey(jobID), "attempts", 1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to count delivery: %w", err)
		}
		job, err := q.load(ctx, jobID)
		if err != nil {
			if errors.Is(err, errMissingJob) {
				// State expired or was never written; drop the orphan entry
				q.client.XAck(ctx, q.StreamName(), q.group, msg.ID)
				continue
			}
			return nil, err
		}

		d := &Delivery{Job: job, Receipt: msg.ID, Attempt: int(attempts), Consumer: consumer}
		if int(attempts) > q.config.MaxAttempts {
			if err := q.DeadLetter(ctx, d, "visibility timeout exceeded on final attempt"); err != nil {
				return nil, err
			}
			if q.onDead != nil {
				q.onDead(ctx, d.Job)
			}
			continue
		}

		now := time.Now().UTC()
		if err := q.client.HSet(ctx, jobKey(jobID),
			"status", string(StatusProcessing),
			"updated_at", now.Format(time.RFC3339Nano)).Err(); err != nil {
			return nil, fmt.Errorf("failed to mark job processing: %w", err)
		}
		job.Status = StatusProcessing
		job.VisibleAt = now.Add(q.config.VisibilityTimeout)
		return d, nil
	}
	return nil, nil
}

// next reclaims a stalled delivery or reads a new one
func (q *RedisQueue) next(ctx context.Context, consumer string) (*redis.XMessage, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.StreamName(),
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.config.VisibilityTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to reclaim stalled jobs: %w", err)
	}
	if len(claimed) > 0 {
		return &claimed[0], nil
	}

	block := q.config.Block
	if block <= 0 {
		block = -1
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.StreamName(), ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return &streams[0].Messages[0], nil
}

// Ack implements Queue
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	return q.finish(ctx, d, nil)
}

// Nack implements Queue. The entry stays pending so XAUTOCLAIM returns it
// once it has been idle for the visibility timeout.
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, reason string) error {
	if err := q.owned(ctx, d); err != nil {
		return err
	}
	return q.client.HSet(ctx, jobKey(d.Job.ID),
		"status", string(StatusPending),
		"last_error", reason,
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano)).Err()
}

// Complete implements Queue
func (q *RedisQueue) Complete(ctx context.Context, d *Delivery, result json.RawMessage) error {
	return q.finish(ctx, d, map[string]interface{}{
		"status":     string(StatusCompleted),
		"result":     string(result),
		"last_error": "",
	})
}

// Fail implements Queue
func (q *RedisQueue) Fail(ctx context.Context, d *Delivery, reason string) error {
	return q.finish(ctx, d, map[string]interface{}{
		"status":     string(StatusFailed),
		"last_error": reason,
	})
}

// DeadLetter implements Queue
func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	if err := q.owned(ctx, d); err != nil {
		return err
	}
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.DLQName(),
		Values: map[string]interface{}{
			"jobId":               d.Job.ID,
			"original_message_id": d.Receipt,
			"original_queue":      q.StreamName(),
			"reason":              reason,
			"attempts":            d.Attempt,
			"moved_at":            time.Now().UTC().Format(time.RFC3339),
			"payload":             string(d.Job.Payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to move job to dead-letter: %w", err)
	}

	q.logger.Warn("job moved to dead-letter",
		zap.String("job_id", d.Job.ID),
		zap.Int("attempts", d.Attempt),
		zap.String("reason", reason))

	d.Job.Status = StatusDeadLetter
	d.Job.LastError = reason
	return q.finish(ctx, d, map[string]interface{}{
		"status":     string(StatusDeadLetter),
		"last_error": reason,
	})
}

// owned checks that the entry is still pending for d's consumer. After
// XAUTOCLAIM hands it to someone else the stalled holder may not finish it.
func (q *RedisQueue) owned(ctx context.Context, d *Delivery) error {
	if d == nil || d.Job == nil {
		return ErrStaleDelivery
	}
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.StreamName(),
		Group:  q.group,
		Start:  d.Receipt,
		End:    d.Receipt,
		Count:  1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to check delivery owner: %w", err)
	}
	if len(pending) == 0 || (d.Consumer != "" && pending[0].Consumer != d.Consumer) {
		return ErrStaleDelivery
	}
	return nil
}

// finish records final fields, acknowledges and removes the stream entry
func (q *RedisQueue) finish(ctx context.Context, d *Delivery, fields map[string]interface{}) error {
	if err := q.owned(ctx, d); err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	if fields != nil {
		fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
		pipe.HSet(ctx, jobKey(d.Job.ID), fields)
		pipe.Expire(ctx, jobKey(d.Job.ID), q.config.ResultTTL)
	}
	pipe.XAck(ctx, q.StreamName(), q.group, d.Receipt)
	pipe.XDel(ctx, q.StreamName(), d.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to acknowledge job: %w", err)
	}
	return nil
}

// DeadLetters implements Queue, newest first
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := q.client.XRevRangeN(ctx, q.DLQName(), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter stream: %w", err)
	}

	jobs := make([]*Job, 0, len(msgs))
	for _, msg := range msgs {
		jobID, _ := msg.Values["jobId"].(string)
		job, err := q.load(ctx, jobID)
		if err != nil {
			// Job state expired; rebuild what the dead-letter entry carries
			job = &Job{ID: jobID, Status: StatusDeadLetter}
			if payload, ok := msg.Values["payload"].(string); ok {
				job.Payload = json.RawMessage(payload)
			}
			if reason, ok := msg.Values["reason"].(string); ok {
				job.LastError = reason
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Status implements Queue
func (q *RedisQueue) Status(ctx context.Context, id string) (*Job, error) {
	job, err := q.load(ctx, id)
	if errors.Is(err, errMissingJob) {
		return nil, jobNotFound(id)
	}
	return job, err
}

// MaxAttempts implements Queue
func (q *RedisQueue) MaxAttempts() int {
	return q.config.MaxAttempts
}

// Depth returns the number of stream entries not yet finished
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.StreamName()).Result()
}

var errMissingJob = errors.New("job state missing")

func (q *RedisQueue) load(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, errMissingJob
	}
	fields, err := q.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if len(fields) == 0 {
		return nil, errMissingJob
	}

	attempts, _ := strconv.Atoi(fields["attempts"])
	job := &Job{
		ID:             id,
		TenantID:       fields["tenant_id"],
		Payload:        json.RawMessage(fields["payload"]),
		CallbackTarget: fields["callback"],
		Status:         Status(fields["status"]),
		Attempts:       attempts,
		LastError:      fields["last_error"],
	}
	if result := fields["result"]; result != "" {
		job.Result = json.RawMessage(result)
	}
	job.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, fields["enqueued_at"])
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return job, nil
}
