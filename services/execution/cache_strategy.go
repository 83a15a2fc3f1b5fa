package execution

import (
	"context"
)

// CacheStrategy answers from the cache and falls through to a synchronous
// call on a miss, storing what it gets back.
type CacheStrategy struct {
	deps *Deps
	sync *SyncStrategy
}

// NewCacheStrategy creates the cache strategy over a sync fallback
func NewCacheStrategy(deps *Deps, sync *SyncStrategy) *CacheStrategy {
	return &CacheStrategy{deps: deps.withDefaults(), sync: sync}
}

// Name implements Strategy
func (s *CacheStrategy) Name() StrategyName { return StrategyCache }

// CanHandle implements Strategy
func (s *CacheStrategy) CanHandle(req *Request) bool {
	return s.deps.Cache != nil && req.cacheable()
}

// Execute implements Strategy
func (s *CacheStrategy) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := s.deps.Now()
	if stored, ok := s.deps.Cache.Get(ctx, req.Fingerprint); ok && stored.Status == StatusCompleted {
		return shared(req, stored, s.Name(), s.deps.Now().Sub(start)), nil
	}

	// Expired between selection and now
	return s.sync.Execute(ctx, req)
}
