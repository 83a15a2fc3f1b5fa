package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-execution-core/internal/observability"
	"github.com/upb/llm-execution-core/services"
	"github.com/upb/llm-execution-core/services/cache"
	"github.com/upb/llm-execution-core/services/callback"
	"github.com/upb/llm-execution-core/services/circuitbreaker"
	"github.com/upb/llm-execution-core/services/execution"
	"github.com/upb/llm-execution-core/services/ledger"
	"github.com/upb/llm-execution-core/services/providers"
	"github.com/upb/llm-execution-core/services/providers/fake"
	"github.com/upb/llm-execution-core/services/queue"
	"go.uber.org/zap"
)

// testEnv is a real execution manager over fake adapters
type testEnv struct {
	alpha   *fake.Provider
	beta    *fake.Provider
	breaker *circuitbreaker.Breaker
	queue   *queue.MemoryQueue
	sink    *ledger.MemorySink
	manager *execution.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		alpha:   fake.New("alpha", "alpha-1").WithContent("hello from alpha"),
		beta:    fake.New("beta", "beta-1").WithContent("hello from beta"),
		breaker: circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, Cooldown: time.Minute, Window: time.Minute}),
		queue:   queue.NewMemoryQueue(queue.DefaultConfig(), zap.NewNop()),
		sink:    ledger.NewMemorySink(),
	}

	registry := providers.NewRegistry(zap.NewNop())
	require.NoError(t, registry.Register(env.alpha))
	require.NoError(t, registry.Register(env.beta))
	registry.SetDefaultProvider("alpha")
	registry.SetGlobalDefault("alpha", "alpha-1")

	dispatcher := callback.NewDispatcher(zap.NewNop())
	dispatcher.Register(callback.NewChannelNotifier(4), "chan")

	layer := cache.NewLayer[execution.Result](cache.NewMemoryStore(100), zap.NewNop())
	env.manager = execution.NewManager(
		execution.Config{FallbackChain: []string{"alpha", "beta"}},
		registry, env.breaker, layer, zap.NewNop(),
		execution.WithLedger(ledger.NewService(env.sink, zap.NewNop(), ledger.DefaultConfig())),
		execution.WithQueue(env.queue),
		execution.WithCallbackValidator(dispatcher),
	)
	t.Cleanup(env.manager.WaitStreams)
	return env
}

// router mounts the handlers the way routes.SetupRoutes does
func (env *testEnv) router() http.Handler {
	logger := zap.NewNop()
	exec := NewExecutionHandler(env.manager, logger)
	jobs := NewJobHandler(env.manager, logger)
	cacheHandler := NewCacheHandler(env.manager, logger)

	r := chi.NewRouter()
	r.Post("/api/v1/executions", exec.HandleExecute)
	r.Post("/api/v1/executions/stream", exec.HandleStream)
	r.Post("/api/v1/jobs", jobs.HandleSubmit)
	r.Get("/api/v1/jobs/dead-letters", jobs.HandleDeadLetters)
	r.Get("/api/v1/jobs/{id}", jobs.HandleGetJob)
	r.Delete("/api/v1/cache/{fingerprint}", cacheHandler.HandleInvalidate)
	return r
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}, tenant string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	ctx := observability.WithRequestID(req.Context(), "req-test")
	if tenant != "" {
		ctx = observability.WithTenantID(ctx, tenant)
	}
	req = req.WithContext(ctx)

	w := httptest.NewRecorder()
	env.router().ServeHTTP(w, req)
	return w
}

// trip opens a provider circuit without calling the adapter
func (env *testEnv) trip(t *testing.T, provider string) {
	t.Helper()
	_ = env.breaker.Execute(context.Background(), provider, func(context.Context) error {
		return services.NewDomainError(services.ErrorTypeRetryable, "upstream unavailable", nil)
	})
	require.True(t, env.breaker.IsOpen(provider))
}

func decodeMap(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func (env *testEnv) doRaw(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(observability.WithRequestID(req.Context(), "req-test"))

	w := httptest.NewRecorder()
	env.router().ServeHTTP(w, req)
	return w
}

func decodeInto(w *httptest.ResponseRecorder, dst interface{}) error {
	return json.NewDecoder(w.Body).Decode(dst)
}
