package execution

import (
	"context"
)

// SelectStrategy is the priority rule, in order:
//  1. a live cache entry wins
//  2. interactive requests stream when the provider can
//  3. background requests take the fallback chain
//  4. everything else runs synchronously
func SelectStrategy(cacheHit bool, urgency Urgency, supportsStreaming bool) StrategyName {
	switch {
	case cacheHit:
		return StrategyCache
	case urgency == UrgencyInteractive && supportsStreaming:
		return StrategyStreaming
	case urgency == UrgencyBackground:
		return StrategyHybrid
	default:
		return StrategySync
	}
}

// Decision records the inputs and outcome of one selection
type Decision struct {
	Strategy          StrategyName `json:"strategy"`
	CacheHit          bool         `json:"cacheHit"`
	SupportsStreaming bool         `json:"supportsStreaming"`
}

// Selector picks a strategy for a normalized request
type Selector struct {
	deps       *Deps
	strategies map[StrategyName]Strategy
	fallback   Strategy
}

// NewSelector creates a selector over the given strategies. fallback is
// used whenever the chosen strategy cannot handle the request.
func NewSelector(deps *Deps, fallback Strategy, strategies ...Strategy) *Selector {
	s := &Selector{
		deps:       deps.withDefaults(),
		strategies: make(map[StrategyName]Strategy, len(strategies)+1),
		fallback:   fallback,
	}
	s.strategies[fallback.Name()] = fallback
	for _, st := range strategies {
		s.strategies[st.Name()] = st
	}
	return s
}

// Select gathers the rule's inputs and applies it. A cache peek does not
// count toward hit statistics, and an unresolvable provider never streams.
func (s *Selector) Select(ctx context.Context, req *Request) (Strategy, Decision) {
	var d Decision
	if req.cacheable() && s.deps.Cache != nil {
		if stored, ok := s.deps.Cache.Peek(ctx, req.Fingerprint); ok && stored.Status == StatusCompleted {
			d.CacheHit = true
		}
	}
	if res, err := s.deps.resolve(req); err == nil {
		d.SupportsStreaming = res.SupportsStreaming()
	}

	d.Strategy = SelectStrategy(d.CacheHit, req.Urgency, d.SupportsStreaming)
	st, ok := s.strategies[d.Strategy]
	if !ok || !st.CanHandle(req) {
		st = s.fallback
		d.Strategy = st.Name()
	}
	return st, d
}
