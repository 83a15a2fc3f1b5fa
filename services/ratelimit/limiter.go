package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/upb/llm-execution-core/services"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limit configures the client-side request rate for one provider family
type Limit struct {
	RequestsPerSecond float64
	Burst             int
}

// ProviderLimiter throttles outbound calls per provider family so a burst of
// traffic does not trip the vendor's own rate limiting. Providers without a
// configured limit are never throttled.
type ProviderLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	logger   *zap.Logger
}

// NewProviderLimiter creates a limiter from per-provider limits
func NewProviderLimiter(limits map[string]Limit, logger *zap.Logger) *ProviderLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &ProviderLimiter{
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
	for provider, limit := range limits {
		l.Set(provider, limit)
	}
	return l
}

// Set installs or replaces the limit for provider. A non-positive rate removes it.
func (l *ProviderLimiter) Set(provider string, limit Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit.RequestsPerSecond <= 0 {
		delete(l.limiters, provider)
		return
	}
	burst := limit.Burst
	if burst < 1 {
		burst = int(limit.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	l.limiters[provider] = rate.NewLimiter(rate.Limit(limit.RequestsPerSecond), burst)
	l.logger.Info("provider rate limit configured",
		zap.String("provider", provider),
		zap.Float64("rps", limit.RequestsPerSecond),
		zap.Int("burst", burst))
}

// Wait blocks until provider may be called. A wait cut short by ctx is
// reported as retryable so fallback and queue retry can take over.
func (l *ProviderLimiter) Wait(ctx context.Context, provider string) error {
	if l == nil {
		return nil
	}

	l.mu.RLock()
	limiter, ok := l.limiters[provider]
	l.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := limiter.Wait(ctx); err != nil {
		msg := fmt.Sprintf("rate limit wait for %s aborted", provider)
		if errors.Is(err, context.Canceled) {
			return err
		}
		return services.NewDomainError(services.ErrorTypeRetryable, msg, err).
			WithDetail("provider", provider)
	}
	return nil
}

// Allow reports whether a call may proceed right now without waiting
func (l *ProviderLimiter) Allow(provider string) bool {
	if l == nil {
		return true
	}
	l.mu.RLock()
	limiter, ok := l.limiters[provider]
	l.mu.RUnlock()
	return !ok || limiter.Allow()
}

// Limited returns the providers with a configured limit, sorted
func (l *ProviderLimiter) Limited() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.limiters))
	for name := range l.limiters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
