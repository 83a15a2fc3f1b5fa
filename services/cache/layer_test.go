package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-execution-core/services"
)

type payload struct {
	Content string `json:"content"`
	Tokens  int    `json:"tokens"`
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (brokenStore) Delete(context.Context, string) error { return errors.New("connection refused") }

func TestLayer_SetGetInvalidate(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer[payload](NewMemoryStore(10), nil)

	_, ok := layer.Get(ctx, "fp")
	assert.False(t, ok)

	stored := payload{Content: "hello", Tokens: 3}
	layer.Set(ctx, "fp", stored, time.Minute)

	got, ok := layer.Get(ctx, "fp")
	require.True(t, ok)
	assert.Equal(t, stored, got)

	require.NoError(t, layer.Invalidate(ctx, "fp"))
	_, ok = layer.Get(ctx, "fp")
	assert.False(t, ok)

	stats := layer.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
	assert.Equal(t, "memory", stats.Backend)
}

func TestLayer_SingleFlight(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer[payload](NewMemoryStore(10), nil)

	var computeCalls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	var enterOnce sync.Once

	compute := func(context.Context) (payload, bool, error) {
		computeCalls.Add(1)
		enterOnce.Do(func() { close(entered) })
		<-release
		return payload{Content: "computed", Tokens: 7}, true, nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]payload, n)
	leaders := make([]bool, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], leaders[i], errs[i] = layer.Do(ctx, "same", time.Minute, compute)
		}(i)
	}

	<-entered
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), computeCalls.Load())
	leaderCount := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, payload{Content: "computed", Tokens: 7}, results[i])
		if leaders[i] {
			leaderCount++
		}
	}
	assert.Equal(t, 1, leaderCount)

	cached, ok := layer.Get(ctx, "same")
	assert.True(t, ok)
	assert.Equal(t, "computed", cached.Content)
}

func TestLayer_DoHitSkipsCompute(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer[payload](NewMemoryStore(10), nil)
	layer.Set(ctx, "fp", payload{Content: "cached"}, time.Minute)

	got, leader, err := layer.Do(ctx, "fp", time.Minute, func(context.Context) (payload, bool, error) {
		t.Fatal("compute must not run on a hit")
		return payload{}, false, nil
	})
	require.NoError(t, err)
	assert.False(t, leader)
	assert.Equal(t, "cached", got.Content)
}

func TestLayer_UncacheableNotStored(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer[payload](NewMemoryStore(10), nil)

	_, leader, err := layer.Do(ctx, "fp", time.Minute, func(context.Context) (payload, bool, error) {
		return payload{Content: "pending"}, false, nil
	})
	require.NoError(t, err)
	assert.True(t, leader)

	_, ok := layer.Get(ctx, "fp")
	assert.False(t, ok)
}

func TestLayer_ErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer[payload](NewMemoryStore(10), nil)
	boom := services.NewDomainError(services.ErrorTypeRetryable, "503", nil)

	_, _, err := layer.Do(ctx, "fp", time.Minute, func(context.Context) (payload, bool, error) {
		return payload{}, true, boom
	})
	assert.ErrorIs(t, err, boom)

	calls := 0
	_, _, err = layer.Do(ctx, "fp", time.Minute, func(context.Context) (payload, bool, error) {
		calls++
		return payload{Content: "ok"}, true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestLayer_PanicReleasesWaiters(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer[payload](NewMemoryStore(10), nil)

	_, _, err := layer.Do(ctx, "fp", time.Minute, func(context.Context) (payload, bool, error) {
		panic("nil map write")
	})
	assert.True(t, services.IsExecutionFailedError(err))

	// The flight was released; the next call computes normally
	got, _, err := layer.Do(ctx, "fp", time.Minute, func(context.Context) (payload, bool, error) {
		return payload{Content: "recovered"}, true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", got.Content)
}

func TestLayer_StoreOutageDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	layer := NewLayer[payload](brokenStore{}, nil)

	got, leader, err := layer.Do(ctx, "fp", time.Minute, func(context.Context) (payload, bool, error) {
		return payload{Content: "fresh"}, true, nil
	})
	require.NoError(t, err)
	assert.True(t, leader)
	assert.Equal(t, "fresh", got.Content)

	_, ok := layer.Get(ctx, "fp")
	assert.False(t, ok)
	assert.Greater(t, layer.Stats().StoreErrors, uint64(0))
	assert.True(t, services.IsUnavailableError(layer.Invalidate(ctx, "fp")))
}

func TestLayer_ComputeSurvivesLeaderCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	layer := NewLayer[payload](NewMemoryStore(10), nil)

	got, _, err := layer.Do(ctx, "fp", time.Minute, func(c context.Context) (payload, bool, error) {
		cancel()
		if c.Err() != nil {
			return payload{}, false, c.Err()
		}
		return payload{Content: "done"}, true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", got.Content)
}

func TestLayer_RedisBackend(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	layer := NewLayer[payload](NewRedisStore(client, "test:"), nil)
	layer.Set(ctx, "fp", payload{Content: "r", Tokens: 1}, 30*time.Second)

	got, ok := layer.Get(ctx, "fp")
	require.True(t, ok)
	assert.Equal(t, payload{Content: "r", Tokens: 1}, got)

	mr.FastForward(31 * time.Second)
	_, ok = layer.Get(ctx, "fp")
	assert.False(t, ok)
}
