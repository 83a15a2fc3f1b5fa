package execution

import (
	"context"
	"errors"
	"time"

	"github.com/upb/llm-execution-core/internal/observability"
	"github.com/upb/llm-execution-core/services"
	"github.com/upb/llm-execution-core/services/cache"
	"github.com/upb/llm-execution-core/services/circuitbreaker"
	"github.com/upb/llm-execution-core/services/providers"
	"github.com/upb/llm-execution-core/services/ratelimit"
	"go.uber.org/zap"
)

// StrategyName identifies one of the execution strategies
type StrategyName string

const (
	StrategyCache     StrategyName = "cache"
	StrategySync      StrategyName = "sync"
	StrategyStreaming StrategyName = "streaming"
	StrategyHybrid    StrategyName = "hybrid"
)

// Strategy executes a normalized request. The set of implementations is
// closed: cache, sync, streaming and hybrid.
type Strategy interface {
	Name() StrategyName
	CanHandle(req *Request) bool
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// TTLs are the cache lifetimes per urgency class
type TTLs struct {
	Interactive time.Duration
	Normal      time.Duration
	Background  time.Duration
}

// DefaultTTLs returns the stock lifetimes
func DefaultTTLs() TTLs {
	return TTLs{
		Interactive: 2 * time.Minute,
		Normal:      5 * time.Minute,
		Background:  15 * time.Minute,
	}
}

// For returns the lifetime for an urgency, treating unknown values as normal
func (t TTLs) For(u Urgency) time.Duration {
	switch u {
	case UrgencyInteractive:
		return t.Interactive
	case UrgencyBackground:
		return t.Background
	default:
		return t.Normal
	}
}

// Deps are the collaborators shared by every strategy
type Deps struct {
	Registry    *providers.Registry
	Breaker     *circuitbreaker.Breaker
	Cache       *cache.Layer[Result]
	Limiter     *ratelimit.ProviderLimiter
	Metrics     observability.Metrics
	Logger      *zap.Logger
	TTLs        TTLs
	LimiterWait time.Duration
	Now         func() time.Time
}

func (d *Deps) withDefaults() *Deps {
	out := *d
	if out.Metrics == nil {
		out.Metrics = observability.NopMetrics{}
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.TTLs == (TTLs{}) {
		out.TTLs = DefaultTTLs()
	}
	if out.LimiterWait <= 0 {
		out.LimiterWait = 10 * time.Second
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return &out
}

func (d *Deps) resolve(req *Request) (*providers.Resolution, error) {
	return d.Registry.Resolve(req.TenantID, req.Provider, req.Model)
}

// validateFor runs the adapter's own checks against the resolved model
func validateFor(res *providers.Resolution, req *Request) error {
	err := res.Provider.Validate(req.chatRequest(res.Model))
	if err == nil || services.IsClassified(err) {
		return err
	}
	return services.NewValidationError(err.Error(), nil).WithDetail("provider", res.Family)
}

// invoke performs one provider call: adapter validation, the client-side
// rate limit, then the breaker-guarded call. Errors come back classified.
// onChunk switches to the streaming call when non-nil.
func (d *Deps) invoke(ctx context.Context, res *providers.Resolution, req *Request, onChunk providers.StreamCallback) (*providers.ChatResponse, error) {
	if err := validateFor(res, req); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, d.LimiterWait)
	err := d.Limiter.Wait(waitCtx, res.Family)
	cancel()
	if err != nil {
		return nil, err
	}

	chatReq := req.chatRequest(res.Model)
	start := d.Now()
	var resp *providers.ChatResponse
	err = d.Breaker.Execute(ctx, res.Family, func(ctx context.Context) error {
		var callErr error
		if sp, ok := res.Provider.(providers.StreamingProvider); ok && onChunk != nil {
			resp, callErr = sp.ChatCompletionStream(ctx, chatReq, onChunk)
		} else {
			resp, callErr = res.Provider.ChatCompletion(ctx, chatReq)
		}
		if callErr == nil && resp == nil {
			callErr = errors.New("adapter returned no response")
		}
		return providers.Classify(callErr)
	})
	d.Metrics.ProviderCall(res.Family, callOutcome(err), d.Now().Sub(start))

	if err != nil {
		d.Logger.Debug("provider call failed",
			zap.String("request_id", req.ID),
			zap.String("provider", res.Family),
			zap.String("model", res.Model),
			zap.Error(err))
		return nil, err
	}
	return resp, nil
}

// cached routes a cacheable request through the single-flight layer. Only
// the caller whose compute ran gets a billable result; everyone else sees a
// zero-cost cache hit.
func (d *Deps) cached(ctx context.Context, req *Request, name StrategyName, compute func(ctx context.Context) (*Result, error)) (*Result, error) {
	start := d.Now()
	if !req.cacheable() || d.Cache == nil {
		return compute(context.WithoutCancel(ctx))
	}

	value, leader, err := d.Cache.Do(ctx, req.Fingerprint, d.TTLs.For(req.Urgency), func(ctx context.Context) (Result, bool, error) {
		r, err := compute(ctx)
		if err != nil {
			return Result{}, false, err
		}
		// A result is only stored under the key of the model that produced it
		return *r, r.Status == StatusCompleted && r.Fingerprint == req.Fingerprint, nil
	})
	if err != nil {
		return nil, err
	}
	if !leader {
		d.Metrics.Coalesced()
		return shared(req, value, name, d.Now().Sub(start)), nil
	}
	value.billable = true
	return &value, nil
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case services.IsCircuitOpenError(err):
		return "rejected"
	case services.IsRetryableError(err):
		return "retryable"
	case services.IsFatalError(err):
		return "fatal"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
