package main

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-execution-core/config"
	"go.uber.org/zap/zaptest"
)

func TestRootCommand(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "worker", "migrate"}, names)

	serve, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	assert.NotNil(t, serve.Flags().Lookup("no-worker"))

	worker, _, err := root.Find([]string{"worker"})
	require.NoError(t, err)
	assert.NotNil(t, worker.Flags().Lookup("concurrency"))
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ObservabilityConfig
		wantErr bool
	}{
		{"json", config.ObservabilityConfig{LogLevel: "info", LogFormat: "json"}, false},
		{"console", config.ObservabilityConfig{LogLevel: "debug", LogFormat: "text"}, false},
		{"defaults when not set", config.ObservabilityConfig{}, false},
		{"invalid log level", config.ObservabilityConfig{LogLevel: "loud"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := initLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
				assert.Contains(t, err.Error(), "invalid log level")
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
		})
	}
}

func TestRunMigrate_NoDatabase(t *testing.T) {
	err := runMigrate(testConfig(t), zaptest.NewLogger(t), false)
	assert.ErrorIs(t, err, errNoDatabase)
}

func TestRunServe(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, zaptest.NewLogger(t)) }()

	url := "http://" + cfg.Server.Address() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunWorker_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.NoError(t, runWorker(ctx, testConfig(t), zaptest.NewLogger(t)))
}

// Test helpers

// freePort reserves and releases a local port for the test server
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            freePort(t),
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Providers: config.ProvidersConfig{FakeEnabled: true},
		Breaker: config.BreakerConfig{
			FailureThreshold: 3,
			Cooldown:         time.Second,
			Window:           time.Minute,
		},
		Cache: config.CacheConfig{
			Backend:        config.BackendMemory,
			MaxEntries:     100,
			TTLInteractive: time.Minute,
			TTLNormal:      time.Minute,
			TTLBackground:  time.Minute,
		},
		Queue: config.QueueConfig{
			Backend:           config.BackendMemory,
			Name:              "cmd-test",
			MaxAttempts:       2,
			VisibilityTimeout: time.Minute,
			PollInterval:      10 * time.Millisecond,
			WorkerConcurrency: 1,
			WorkerInProcess:   true,
		},
		Observability: config.ObservabilityConfig{LogLevel: "error", LogFormat: "json"},
		Maintenance:   config.MaintenanceConfig{SweepSchedule: "@every 1m"},
	}
}
