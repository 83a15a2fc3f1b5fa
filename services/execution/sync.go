package execution

import (
	"context"
)

// SyncStrategy makes one breaker-guarded call to the resolved provider. It
// is the default strategy and the fallback when nothing else applies.
type SyncStrategy struct {
	deps *Deps
}

// NewSyncStrategy creates the synchronous strategy
func NewSyncStrategy(deps *Deps) *SyncStrategy {
	return &SyncStrategy{deps: deps.withDefaults()}
}

// Name implements Strategy
func (s *SyncStrategy) Name() StrategyName { return StrategySync }

// CanHandle implements Strategy
func (s *SyncStrategy) CanHandle(*Request) bool { return true }

// Execute implements Strategy. Once issued, the provider call is not
// canceled by the caller going away.
func (s *SyncStrategy) Execute(ctx context.Context, req *Request) (*Result, error) {
	res, err := s.deps.resolve(req)
	if err != nil {
		return nil, err
	}

	return s.deps.cached(ctx, req, s.Name(), func(ctx context.Context) (*Result, error) {
		start := s.deps.Now()
		resp, err := s.deps.invoke(ctx, res, req, nil)
		if err != nil {
			return nil, err
		}
		r := completedResult(req, res, resp, s.Name(), s.deps.Now().Sub(start), s.deps.Now())
		return &r, nil
	})
}
