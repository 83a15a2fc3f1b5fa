package maintenance

import (
	"context"
	"fmt"

	"github.com/upb/llm-execution-core/internal/observability"
	"github.com/upb/llm-execution-core/services/circuitbreaker"
	"github.com/upb/llm-execution-core/services/ledger"
	"github.com/upb/llm-execution-core/services/queue"
	"go.uber.org/zap"
)

// Job names registered by the application
const (
	JobCacheSweep   = "cache-sweep"
	JobBreakerGauge = "breaker-gauge"
	JobDeadLetters  = "dead-letter-depth"
	JobLedgerStats  = "ledger-stats"
)

// deadLetterScan caps how many dead letters one run inspects
const deadLetterScan = 500

// Sweeper drops expired entries; cache.MemoryStore implements it
type Sweeper interface {
	CleanupExpired() int
}

// CacheSweep evicts expired in-memory cache entries
func CacheSweep(store Sweeper, logger *zap.Logger) Job {
	return func(context.Context) error {
		if removed := store.CleanupExpired(); removed > 0 {
			logger.Debug("expired cache entries removed", zap.Int("removed", removed))
		}
		return nil
	}
}

// BreakerGauge republishes every circuit's state so the gauge stays current
// for providers that have not transitioned since the process started.
func BreakerGauge(breaker *circuitbreaker.Breaker, metrics observability.Metrics) Job {
	return func(context.Context) error {
		for _, status := range breaker.Snapshot() {
			metrics.BreakerState(status.Provider, string(status.State))
		}
		return nil
	}
}

// DeadLetterDepth logs how many jobs sit in the dead-letter queue
func DeadLetterDepth(q queue.Queue, logger *zap.Logger) Job {
	return func(ctx context.Context) error {
		dead, err := q.DeadLetters(ctx, deadLetterScan)
		if err != nil {
			return fmt.Errorf("list dead letters: %w", err)
		}
		if len(dead) > 0 {
			logger.Warn("dead-lettered jobs awaiting inspection",
				zap.Int("count", len(dead)),
				zap.Bool("truncated", len(dead) == deadLetterScan),
				zap.String("newest_job_id", dead[0].ID))
		}
		return nil
	}
}

// LedgerStats reports dropped or failed usage writes
func LedgerStats(svc *ledger.Service, logger *zap.Logger) Job {
	return func(context.Context) error {
		stats := svc.GetStats()
		if stats.Dropped > 0 || stats.Failed > 0 {
			logger.Warn("usage ledger is losing records",
				zap.Uint64("dropped", stats.Dropped),
				zap.Uint64("failed", stats.Failed),
				zap.Int("pending", stats.PendingRecords))
		}
		return nil
	}
}
