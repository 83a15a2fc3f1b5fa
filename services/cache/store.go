// Package cache provides the response cache: byte stores with TTL and a
// typed layer that collapses concurrent identical computations.
package cache

import (
	"context"
	"time"
)

// Store is a key-value backend with per-entry TTL. A ttl <= 0 stores without expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Stats represents cache statistics
type Stats struct {
	Backend     string  `json:"backend"`
	Size        int     `json:"size"`
	MaxSize     int     `json:"max_size,omitempty"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	StoreErrors uint64  `json:"store_errors"`
	Coalesced   uint64  `json:"coalesced"`
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
