package execution

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"github.com/upb/llm-execution-core/internal/observability"
	"github.com/upb/llm-execution-core/services"
	"github.com/upb/llm-execution-core/services/providers"
	"go.uber.org/zap"
)

// HybridStrategy tries the primary provider and then an ordered fallback
// chain, skipping any provider whose circuit is open.
type HybridStrategy struct {
	deps  *Deps
	chain []string
}

// NewHybridStrategy creates the fallback strategy. chain lists provider
// families in preference order after the request's own provider.
func NewHybridStrategy(deps *Deps, chain []string) *HybridStrategy {
	return &HybridStrategy{
		deps:  deps.withDefaults(),
		chain: append([]string(nil), chain...),
	}
}

// Name implements Strategy
func (s *HybridStrategy) Name() StrategyName { return StrategyHybrid }

// CanHandle implements Strategy
func (s *HybridStrategy) CanHandle(*Request) bool { return true }

// Candidates returns the de-duplicated attempt order for a primary family
func (s *HybridStrategy) Candidates(primary string) []string {
	return lo.Uniq(lo.Compact(append([]string{primary}, s.chain...)))
}

// Execute implements Strategy
func (s *HybridStrategy) Execute(ctx context.Context, req *Request) (*Result, error) {
	primary, err := s.deps.resolve(req)
	if err != nil {
		return nil, err
	}

	return s.deps.cached(ctx, req, s.Name(), func(ctx context.Context) (*Result, error) {
		return s.attempt(ctx, req, primary)
	})
}

func (s *HybridStrategy) attempt(ctx context.Context, req *Request, primary *providers.Resolution) (*Result, error) {
	var lastErr error
	candidates := s.Candidates(primary.Family)

	for i, family := range candidates {
		res := primary
		if i > 0 {
			var err error
			if res, err = s.deps.Registry.Resolve(req.TenantID, family, ""); err != nil {
				s.deps.Logger.Warn("fallback candidate unavailable",
					zap.String("provider", family),
					zap.Error(err))
				continue
			}
		}

		if s.deps.Breaker.IsOpen(family) {
			s.deps.Logger.Debug("skipping provider with open circuit",
				zap.String("request_id", req.ID),
				zap.String("provider", family))
			continue
		}

		start := s.deps.Now()
		resp, err := s.deps.invoke(ctx, res, req, nil)
		if err == nil {
			served := req
			if i > 0 {
				served = s.substitute(ctx, req, res)
			}
			r := completedResult(served, res, resp, s.Name(), s.deps.Now().Sub(start), s.deps.Now())
			if served != req && req.cacheable() && s.deps.Cache != nil {
				s.deps.Cache.Set(ctx, served.Fingerprint, r, s.deps.TTLs.For(req.Urgency))
			}
			return &r, nil
		}
		lastErr = err

		// Transient failures are rerouted. A fallback that cannot accept the
		// request shape is skipped; the primary was validated up front.
		rerouted := services.IsRetryableError(err) || services.IsCircuitOpenError(err) ||
			(i > 0 && services.IsValidationError(err))
		if !rerouted {
			return nil, err
		}
		s.deps.Logger.Info("falling back to next provider",
			zap.String("request_id", req.ID),
			zap.String("provider", family),
			zap.Int("attempt", i+1),
			zap.Int("candidates", len(candidates)),
			zap.Error(err))
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, services.NewDomainError(services.ErrorTypeCircuitOpen,
		fmt.Sprintf("all %d candidate providers have open circuits", len(candidates)), nil).
		WithDetail("candidates", candidates)
}

// substitute re-keys req for the fallback that actually served it, so the
// answer is never cached under the primary model's fingerprint
func (s *HybridStrategy) substitute(ctx context.Context, req *Request, res *providers.Resolution) *Request {
	out := *req
	out.Provider, out.Model = res.Family, res.Model
	out.Fingerprint = Fingerprint(&out)
	observability.FromContext(ctx, s.deps.Logger).Debug("served by fallback",
		zap.String("request_id", req.ID),
		zap.String("requested_model", req.Model),
		zap.String("provider", res.Family),
		zap.String("model", res.Model))
	return &out
}
