package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/upb/llm-execution-core/services"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ComputeFunc produces a value on a miss. cacheable=false keeps the value out of the store.
type ComputeFunc[T any] func(ctx context.Context) (value T, cacheable bool, err error)

// statsProvider is implemented by stores that count their own hits
type statsProvider interface {
	Stats() Stats
}

// Layer is a typed, best-effort cache over a Store. Store failures are
// logged and treated as misses so they never block execution.
type Layer[T any] struct {
	store       Store
	group       singleflight.Group
	logger      *zap.Logger
	hits        atomic.Uint64
	misses      atomic.Uint64
	storeErrors atomic.Uint64
	coalesced   atomic.Uint64
}

// NewLayer creates a cache layer over store
func NewLayer[T any](store Store, logger *zap.Logger) *Layer[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Layer[T]{store: store, logger: logger}
}

// Get returns the cached value for fingerprint
func (l *Layer[T]) Get(ctx context.Context, fingerprint string) (T, bool) {
	value, ok := l.Peek(ctx, fingerprint)
	if ok {
		l.hits.Add(1)
	} else {
		l.misses.Add(1)
	}
	return value, ok
}

// Peek is Get without touching the hit counters
func (l *Layer[T]) Peek(ctx context.Context, fingerprint string) (T, bool) {
	var zero T
	raw, ok, err := l.store.Get(ctx, fingerprint)
	if err != nil {
		l.storeErrors.Add(1)
		l.logger.Warn("cache get failed, treating as miss",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
		return zero, false
	}
	if !ok {
		return zero, false
	}

	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		l.storeErrors.Add(1)
		l.logger.Warn("cache entry undecodable, treating as miss",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
		return zero, false
	}
	return value, true
}

// Set stores value under fingerprint
func (l *Layer[T]) Set(ctx context.Context, fingerprint string, value T, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		l.storeErrors.Add(1)
		l.logger.Warn("cache value not encodable", zap.String("fingerprint", fingerprint), zap.Error(err))
		return
	}
	if err := l.store.Set(ctx, fingerprint, raw, ttl); err != nil {
		l.storeErrors.Add(1)
		l.logger.Warn("cache set failed", zap.String("fingerprint", fingerprint), zap.Error(err))
	}
}

// Invalidate removes fingerprint from the store
func (l *Layer[T]) Invalidate(ctx context.Context, fingerprint string) error {
	if err := l.store.Delete(ctx, fingerprint); err != nil {
		l.storeErrors.Add(1)
		return services.NewDomainError(services.ErrorTypeUnavailable, "cache backend unavailable", err)
	}
	return nil
}

// Do returns the cached value or runs compute at most once per fingerprint
// across concurrent callers in this process. Waiters receive the leader's
// value. leader is true only for the caller whose compute actually ran.
func (l *Layer[T]) Do(ctx context.Context, fingerprint string, ttl time.Duration, compute ComputeFunc[T]) (value T, leader bool, err error) {
	if cached, ok := l.Get(ctx, fingerprint); ok {
		return cached, false, nil
	}

	ran := false
	v, err, shared := l.group.Do(fingerprint, func() (interface{}, error) {
		// A flight that just finished may have populated the store
		if cached, ok := l.Peek(ctx, fingerprint); ok {
			return cached, nil
		}
		ran = true
		return l.run(context.WithoutCancel(ctx), fingerprint, ttl, compute)
	})
	if shared && !ran {
		l.coalesced.Add(1)
	}
	if err != nil {
		var zero T
		return zero, ran, err
	}
	return v.(T), ran, nil
}

// run always returns so the flight is released, even when compute panics
func (l *Layer[T]) run(ctx context.Context, fingerprint string, ttl time.Duration, compute ComputeFunc[T]) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("cache compute panicked",
				zap.String("fingerprint", fingerprint),
				zap.Any("panic", r))
			err = services.NewExecutionFailed(fmt.Errorf("panic: %v", r))
		}
	}()

	value, cacheable, err := compute(ctx)
	if err != nil {
		return result, err
	}
	if cacheable {
		l.Set(ctx, fingerprint, value, ttl)
	}
	return value, nil
}

// Stats merges layer counters with the store's own view
func (l *Layer[T]) Stats() Stats {
	stats := Stats{Backend: "custom"}
	if sp, ok := l.store.(statsProvider); ok {
		stats = sp.Stats()
	}
	stats.Hits = l.hits.Load()
	stats.Misses = l.misses.Load()
	stats.HitRate = hitRate(stats.Hits, stats.Misses)
	stats.StoreErrors = l.storeErrors.Load()
	stats.Coalesced = l.coalesced.Load()
	return stats
}
