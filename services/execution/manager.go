package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/upb/llm-execution-core/internal/observability"
	"github.com/upb/llm-execution-core/services"
	"github.com/upb/llm-execution-core/services/cache"
	"github.com/upb/llm-execution-core/services/circuitbreaker"
	"github.com/upb/llm-execution-core/services/ledger"
	"github.com/upb/llm-execution-core/services/providers"
	"github.com/upb/llm-execution-core/services/queue"
	"github.com/upb/llm-execution-core/services/ratelimit"
	"go.uber.org/zap"
)

// UsageRecorder accepts ledger records; ledger.Service satisfies it
type UsageRecorder interface {
	Record(ctx context.Context, record *ledger.UsageRecord)
}

// CallbackValidator rejects callback targets no notifier can serve
type CallbackValidator interface {
	Validate(target string) error
}

// Config holds the Manager's tunables
type Config struct {
	TTLs          TTLs
	FallbackChain []string
	LimiterWait   time.Duration
}

// Option configures a Manager
type Option func(*Manager)

// WithLimiter installs the client-side rate limiter
func WithLimiter(l *ratelimit.ProviderLimiter) Option {
	return func(m *Manager) { m.deps.Limiter = l }
}

// WithMetrics installs a metrics sink
func WithMetrics(metrics observability.Metrics) Option {
	return func(m *Manager) { m.deps.Metrics = metrics }
}

// WithLedger installs the usage ledger
func WithLedger(r UsageRecorder) Option {
	return func(m *Manager) { m.ledger = r }
}

// WithQueue enables Submit and the job operations
func WithQueue(q queue.Queue) Option {
	return func(m *Manager) { m.queue = q }
}

// WithCallbackValidator checks callback targets at submit time
func WithCallbackValidator(v CallbackValidator) Option {
	return func(m *Manager) { m.callbacks = v }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.deps.Now = now }
}

// Manager is the entry point for executions: it validates, selects a
// strategy, runs it, bills the result and hides unexpected failures.
type Manager struct {
	deps      *Deps
	selector  *Selector
	sync      *SyncStrategy
	streaming *StreamingStrategy
	hybrid    *HybridStrategy
	ledger    UsageRecorder
	queue     queue.Queue
	callbacks CallbackValidator
	logger    *zap.Logger
}

// NewManager wires the strategies over the shared components. A nil breaker
// gets the default configuration; a nil cache layer disables caching.
func NewManager(cfg Config, registry *providers.Registry, breaker *circuitbreaker.Breaker, layer *cache.Layer[Result], logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig(), circuitbreaker.WithLogger(logger))
	}

	m := &Manager{
		deps: &Deps{
			Registry:    registry,
			Breaker:     breaker,
			Cache:       layer,
			Logger:      logger,
			TTLs:        cfg.TTLs,
			LimiterWait: cfg.LimiterWait,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.deps = m.deps.withDefaults()

	m.sync = NewSyncStrategy(m.deps)
	m.streaming = NewStreamingStrategy(m.deps)
	m.hybrid = NewHybridStrategy(m.deps, cfg.FallbackChain)
	m.selector = NewSelector(m.deps, m.sync,
		NewCacheStrategy(m.deps, m.sync),
		m.streaming,
		m.hybrid,
	)
	return m
}

// Execute runs one request to completion
func (m *Manager) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := m.deps.Now()
	r, err := m.prepare(req)
	if err != nil {
		m.deps.Metrics.ExecutionCompleted("none", "rejected", m.deps.Now().Sub(start))
		return nil, err
	}

	st, decision := m.selector.Select(ctx, r)
	m.observeSelection(ctx, r, decision)

	result, err := m.run(ctx, st, r)
	return m.complete(ctx, r, st.Name(), result, err, start)
}

// Stream runs a request and delivers content incrementally. When the
// streaming strategy is not selected the finished result arrives as a
// single chunk.
func (m *Manager) Stream(ctx context.Context, req *Request) (*StreamHandle, error) {
	start := m.deps.Now()
	r, err := m.prepare(req)
	if err != nil {
		m.deps.Metrics.ExecutionCompleted("none", "rejected", m.deps.Now().Sub(start))
		return nil, err
	}

	st, decision := m.selector.Select(ctx, r)
	m.observeSelection(ctx, r, decision)

	if st.Name() != StrategyStreaming {
		result, err := m.run(ctx, st, r)
		result, err = m.complete(ctx, r, st.Name(), result, err, start)
		if err != nil {
			return nil, err
		}
		return completedHandle(result, nil), nil
	}

	inner, err := m.streaming.Stream(ctx, r)
	if err != nil {
		_, err = m.complete(ctx, r, StrategyStreaming, nil, err, start)
		return nil, err
	}

	out := newStreamHandle()
	go func() {
		// Keep draining after the caller leaves so the producer can finish
		for c := range inner.Chunks() {
			select {
			case out.chunks <- c:
			case <-ctx.Done():
			}
		}
		res, err := inner.Wait()
		out.finish(m.complete(ctx, r, StrategyStreaming, res, err, start))
	}()
	return out, nil
}

// Submit validates a request and queues it for a worker. The returned
// result is pending and carries the job ID.
func (m *Manager) Submit(ctx context.Context, req *Request, callbackTarget string) (*Result, error) {
	if m.queue == nil {
		return nil, services.NewDomainError(services.ErrorTypeUnavailable, "job queue is not configured", nil)
	}
	r, err := m.prepare(req)
	if err != nil {
		return nil, err
	}
	if callbackTarget != "" && m.callbacks != nil {
		if err := m.callbacks.Validate(callbackTarget); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return nil, services.NewExecutionFailed(err)
	}
	jobID, err := m.queue.Enqueue(ctx, queue.NewJob(r.TenantID, payload, callbackTarget))
	if err != nil {
		if services.IsClassified(err) {
			return nil, err
		}
		m.logger.Error("enqueue failed", zap.String("request_id", r.ID), zap.Error(err))
		return nil, services.NewDomainError(services.ErrorTypeUnavailable, "job queue unavailable", err)
	}

	observability.FromContext(ctx, m.logger).Info("execution queued",
		zap.String("request_id", r.ID),
		zap.String("job_id", jobID))

	return &Result{
		RequestID:   r.ID,
		Status:      StatusPending,
		Cost:        providers.Cost{Currency: providers.Currency},
		JobID:       jobID,
		Fingerprint: r.Fingerprint,
		CreatedAt:   m.deps.Now(),
	}, nil
}

// ProcessJob is the queue handler: it replays the stored request
func (m *Manager) ProcessJob(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	var req Request
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, services.NewValidationError("job payload is not an execution request", nil).
			WithDetail("job_id", job.ID)
	}
	if req.TenantID == "" {
		req.TenantID = job.TenantID
	}

	result, err := m.Execute(ctx, &req)
	if err != nil {
		return nil, err
	}
	result.JobID = job.ID
	return json.Marshal(result)
}

// JobStatus returns a queued job's current state
func (m *Manager) JobStatus(ctx context.Context, id string) (*queue.Job, error) {
	if m.queue == nil {
		return nil, services.NewDomainError(services.ErrorTypeUnavailable, "job queue is not configured", nil)
	}
	return m.queue.Status(ctx, id)
}

// DeadLetters lists jobs that exhausted their retry budget
func (m *Manager) DeadLetters(ctx context.Context, limit int) ([]*queue.Job, error) {
	if m.queue == nil {
		return nil, services.NewDomainError(services.ErrorTypeUnavailable, "job queue is not configured", nil)
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return m.queue.DeadLetters(ctx, limit)
}

// InvalidateCache drops one cached result
func (m *Manager) InvalidateCache(ctx context.Context, fingerprint string) error {
	if m.deps.Cache == nil {
		return services.NewDomainError(services.ErrorTypeUnavailable, "cache is not configured", nil)
	}
	if fingerprint == "" {
		return services.NewValidationError("fingerprint is required", map[string]string{
			"fingerprint": "must not be empty",
		})
	}
	return m.deps.Cache.Invalidate(ctx, fingerprint)
}

// Fingerprint resolves req the way Execute would and returns its cache key
func (m *Manager) Fingerprint(req *Request) (string, error) {
	r, err := m.prepare(req)
	if err != nil {
		return "", err
	}
	return r.Fingerprint, nil
}

// Breaker exposes the circuit breaker for health reporting and maintenance
func (m *Manager) Breaker() *circuitbreaker.Breaker {
	return m.deps.Breaker
}

// WaitStreams blocks until background stream producers have finished
func (m *Manager) WaitStreams() {
	m.streaming.Wait()
}

// ProviderHealth is one provider's view in the health report
type ProviderHealth struct {
	Name         string                        `json:"name"`
	State        circuitbreaker.State          `json:"state"`
	DefaultModel string                        `json:"defaultModel"`
	Models       []string                      `json:"models"`
	Streaming    bool                          `json:"streaming"`
	Breaker      circuitbreaker.ProviderStatus `json:"breaker"`
}

// HealthReport summarizes provider circuits and the cache
type HealthReport struct {
	Status    string           `json:"status"`
	Providers []ProviderHealth `json:"providers"`
	Cache     *cache.Stats     `json:"cache,omitempty"`
	CheckedAt time.Time        `json:"checkedAt"`
}

// Health reports per-provider circuit state. The status is degraded when any
// registered provider is not closed.
func (m *Manager) Health(ctx context.Context) HealthReport {
	report := HealthReport{Status: "ok", CheckedAt: m.deps.Now()}
	for _, p := range m.deps.Registry.Snapshot() {
		status := m.deps.Breaker.Status(p.Name)
		report.Providers = append(report.Providers, ProviderHealth{
			Name:         p.Name,
			State:        status.State,
			DefaultModel: p.DefaultModel,
			Models:       p.Models,
			Streaming:    p.Streaming,
			Breaker:      status,
		})
	}
	if lo.ContainsBy(report.Providers, func(p ProviderHealth) bool { return p.State != circuitbreaker.StateClosed }) {
		report.Status = "degraded"
	}
	if m.deps.Cache != nil {
		stats := m.deps.Cache.Stats()
		report.Cache = &stats
	}
	return report
}

// prepare validates the shape, pins the provider and model the registry
// resolves to, runs the adapter's checks and computes the fingerprint.
func (m *Manager) prepare(req *Request) (*Request, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	r := req.normalized()

	res, err := m.deps.resolve(r)
	if err != nil {
		return nil, err
	}
	r.Provider, r.Model = res.Family, res.Model
	if err := validateFor(res, r); err != nil {
		return nil, err
	}
	r.Fingerprint = Fingerprint(r)
	return r, nil
}

// run executes st and converts a panic into an execution failure
func (m *Manager) run(ctx context.Context, st Strategy, r *Request) (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result, err = nil, fmt.Errorf("strategy %s panicked: %v", st.Name(), rec)
		}
	}()
	return st.Execute(ctx, r)
}

// complete bills and records a finished execution, or fails it closed
func (m *Manager) complete(ctx context.Context, r *Request, name StrategyName, result *Result, err error, start time.Time) (*Result, error) {
	elapsed := m.deps.Now().Sub(start)
	if err == nil && result == nil {
		err = errors.New("strategy returned no result")
	}
	if err != nil {
		err = m.failClosed(ctx, r, name, err)
		m.deps.Metrics.ExecutionCompleted(string(name), string(StatusFailed), elapsed)
		return nil, err
	}

	m.recordUsage(ctx, r, result)
	m.deps.Metrics.ExecutionCompleted(string(result.Strategy), string(result.Status), elapsed)
	return result, nil
}

// failClosed keeps classified errors and hides everything else behind a
// generic execution failure, logging the cause with full context.
func (m *Manager) failClosed(ctx context.Context, r *Request, name StrategyName, err error) error {
	logger := observability.FromContext(ctx, m.logger).With(
		zap.String("request_id", r.ID),
		zap.String("tenant_id", r.TenantID),
		zap.String("provider", r.Provider),
		zap.String("model", r.Model),
		zap.String("strategy", string(name)))

	switch {
	case services.IsClassified(err) && !services.IsExecutionFailedError(err):
		logger.Info("execution rejected",
			zap.String("error_type", string(services.GetErrorType(err))),
			zap.Error(err))
		return err
	case errors.Is(err, context.Canceled):
		logger.Info("execution canceled by caller")
		return err
	default:
		logger.Error("execution failed", zap.Error(err))
		if services.IsExecutionFailedError(err) {
			return err
		}
		return services.NewExecutionFailed(err)
	}
}

// recordUsage writes the single ledger record for a billable completion
func (m *Manager) recordUsage(ctx context.Context, r *Request, result *Result) {
	if !result.Billable() || result.Status != StatusCompleted {
		return
	}
	m.deps.Metrics.UsageRecorded(result.Provider, result.Model,
		result.Usage.PromptTokens, result.Usage.CompletionTokens, result.Cost.Total)
	if m.ledger == nil {
		return
	}

	record := ledger.NewUsageRecord(r.ID, r.TenantID, result.Provider, result.Model, string(result.Strategy)).
		WithTokens(result.Usage.PromptTokens, result.Usage.CompletionTokens).
		WithCost(result.Cost.Input, result.Cost.Output, result.Cost.Total, result.Cost.Currency).
		WithLatency(result.LatencyMs)
	m.ledger.Record(ctx, record)
}

func (m *Manager) observeSelection(ctx context.Context, r *Request, d Decision) {
	if r.cacheable() && m.deps.Cache != nil {
		m.deps.Metrics.CacheLookup(d.CacheHit)
	}
	observability.FromContext(ctx, m.logger).Debug("strategy selected",
		zap.String("request_id", r.ID),
		zap.String("strategy", string(d.Strategy)),
		zap.Bool("cache_hit", d.CacheHit),
		zap.Bool("streaming", d.SupportsStreaming),
		zap.String("urgency", string(r.Urgency)))
}
