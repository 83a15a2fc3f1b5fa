package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/upb/llm-execution-core/services/providers"
)

func newTestAdapter(t *testing.T, url string) *Adapter {
	t.Helper()
	adapter, err := NewAdapter(providers.ProviderConfig{BaseURL: url, Timeout: 5 * time.Second}, "llama3.1")
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	return adapter
}

func TestNewAdapter(t *testing.T) {
	adapter, err := NewAdapter(providers.ProviderConfig{BaseURL: "localhost:11434"})
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	if adapter.Name() != "ollama" {
		t.Errorf("Name() = %s, want ollama", adapter.Name())
	}
	if got := adapter.ListModels(); len(got) != len(DefaultModels) {
		t.Errorf("ListModels() = %v, want defaults", got)
	}

	info, _ := adapter.GetModelInfo("mistral")
	cost := providers.CalculateCost(info, providers.NewUsage(1000, 1000))
	if cost.Total != 0 {
		t.Errorf("local model cost = %v, want 0", cost.Total)
	}
}

func TestAdapter_ChatCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("Expected path /api/chat, got %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(body, &req)
		if req["stream"] != false {
			t.Errorf("stream = %v, want false", req["stream"])
		}
		opts, _ := req["options"].(map[string]any)
		if opts["num_predict"] != float64(50) {
			t.Errorf("num_predict = %v, want 50", opts["num_predict"])
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3.1","created_at":"2024-01-01T00:00:00Z","message":{"role":"assistant","content":"local answer"},"done":true,"done_reason":"stop","prompt_eval_count":7,"eval_count":3}`))
	}))
	defer server.Close()

	resp, err := newTestAdapter(t, server.URL).ChatCompletion(context.Background(), &providers.ChatRequest{
		Model:     "llama3.1",
		Messages:  []providers.Message{{Role: "user", Content: "hi"}},
		MaxTokens: 50,
	})
	if err != nil {
		t.Fatalf("ChatCompletion() error = %v", err)
	}
	if resp.Content != "local answer" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.PromptTokens != 7 || resp.Usage.CompletionTokens != 3 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %s", resp.FinishReason)
	}
}

func TestAdapter_ChatCompletionStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		lines := []string{
			`{"model":"llama3.1","message":{"role":"assistant","content":"one "},"done":false}`,
			`{"model":"llama3.1","message":{"role":"assistant","content":"two"},"done":false}`,
			`{"model":"llama3.1","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":4,"eval_count":2}`,
		}
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}))
	defer server.Close()

	var deltas []string
	resp, err := newTestAdapter(t, server.URL).ChatCompletionStream(context.Background(), &providers.ChatRequest{
		Model:    "llama3.1",
		Messages: []providers.Message{{Role: "user", Content: "count"}},
	}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("ChatCompletionStream() error = %v", err)
	}
	if strings.Join(deltas, "|") != "one |two" {
		t.Errorf("deltas = %q", deltas)
	}
	if resp.Content != "one two" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 6 {
		t.Errorf("TotalTokens = %d, want 6", resp.Usage.TotalTokens)
	}
}

func TestAdapter_ChatCompletion_StatusError(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRetryable bool
	}{
		{"model missing", http.StatusNotFound, false},
		{"server error", http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"model not found"}`))
			}))
			defer server.Close()

			_, err := newTestAdapter(t, server.URL).ChatCompletion(context.Background(), &providers.ChatRequest{
				Model:    "llama3.1",
				Messages: []providers.Message{{Role: "user", Content: "hi"}},
			})
			var provErr *providers.ProviderError
			if !errors.As(err, &provErr) {
				t.Fatalf("Expected ProviderError, got %T (%v)", err, err)
			}
			if provErr.Retryable != tt.wantRetryable {
				t.Errorf("Retryable = %v, want %v", provErr.Retryable, tt.wantRetryable)
			}
		})
	}
}

func TestAdapter_ServerDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestAdapter(t, url).ChatCompletion(context.Background(), &providers.ChatRequest{
		Model:    "llama3.1",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if !providers.IsRetryable(err) {
		t.Errorf("error = %v, want retryable", err)
	}
}
