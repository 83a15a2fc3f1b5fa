package anthropic

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

	"github.com/upb/llm-execution-core/services"
	"github.com/upb/llm-execution-core/services/providers"
)

func newTestAdapter(url string) *Adapter {
	return NewAdapter(providers.ProviderConfig{
		APIKey:  "test-key",
		BaseURL: url,
		Timeout: 5 * time.Second,
	})
}

func TestAdapter_Validate(t *testing.T) {
	adapter := newTestAdapter("")
	msgs := []providers.Message{{Role: "user", Content: "hi"}}
	warm, hot := 0.9, 1.5

	tests := []struct {
		name     string
		req      *providers.ChatRequest
		wantType services.ErrorType
	}{
		{"valid", &providers.ChatRequest{Model: "claude-3-5-sonnet-latest", Messages: msgs, Temperature: &warm}, ""},
		{"temperature above one", &providers.ChatRequest{Model: "claude-3-5-sonnet-latest", Messages: msgs, Temperature: &hot}, services.ErrorTypeValidation},
		{"unknown model", &providers.ChatRequest{Model: "claude-9", Messages: msgs}, services.ErrorTypeUnknownModel},
		{"max tokens above ceiling", &providers.ChatRequest{Model: "claude-3-opus-latest", Messages: msgs, MaxTokens: 8192}, services.ErrorTypeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := services.GetErrorType(adapter.Validate(tt.req)); got != tt.wantType {
				t.Errorf("Validate() error type = %q, want %q", got, tt.wantType)
			}
		})
	}
}

func TestAdapter_ChatCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("Expected path /v1/messages, got %s", r.URL.Path)
		}
		if key := r.Header.Get("X-Api-Key"); key != "test-key" {
			t.Errorf("X-Api-Key = %q", key)
		}

		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(body, &req)
		if req["max_tokens"] != float64(defaultMaxTokens) {
			t.Errorf("max_tokens = %v, want default %d", req["max_tokens"], defaultMaxTokens)
		}
		if _, ok := req["system"]; !ok {
			t.Error("system prompt not sent")
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-sonnet-latest",
			"content": [{"type": "text", "text": "Hello from Claude"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 4}
		}`))
	}))
	defer server.Close()

	resp, err := newTestAdapter(server.URL).ChatCompletion(context.Background(), &providers.ChatRequest{
		Model:    "claude-3-5-sonnet-latest",
		Messages: []providers.Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion() error = %v", err)
	}

	if resp.ID != "msg_01" {
		t.Errorf("ID = %s, want msg_01", resp.ID)
	}
	if resp.Content != "Hello from Claude" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.FinishReason != "end_turn" {
		t.Errorf("FinishReason = %s, want end_turn", resp.FinishReason)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 4 || resp.Usage.TotalTokens != 16 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestAdapter_ChatCompletion_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRetryable bool
	}{
		{"invalid request", http.StatusBadRequest, false},
		{"overloaded", 529, true},
		{"rate limited", http.StatusTooManyRequests, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"nope"}}`))
			}))
			defer server.Close()

			_, err := newTestAdapter(server.URL).ChatCompletion(context.Background(), &providers.ChatRequest{
				Model:    "claude-3-5-haiku-latest",
				Messages: []providers.Message{{Role: "user", Content: "hi"}},
			})

			var provErr *providers.ProviderError
			if !errors.As(err, &provErr) {
				t.Fatalf("Expected ProviderError, got %T (%v)", err, err)
			}
			if provErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", provErr.StatusCode, tt.status)
			}
			if provErr.Retryable != tt.wantRetryable {
				t.Errorf("Retryable = %v, want %v", provErr.Retryable, tt.wantRetryable)
			}
		})
	}
}

func TestAdapter_ChatCompletionStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []struct{ name, data string }{
			{"message_start", `{"type":"message_start","message":{"id":"msg_s1","type":"message","role":"assistant","model":"claude-3-5-sonnet-latest","content":[],"usage":{"input_tokens":9,"output_tokens":1}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi "}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"there"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`},
			{"message_stop", `{"type":"message_stop"}`},
		}
		for _, e := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.name, e.data)
		}
	}))
	defer server.Close()

	var deltas []string
	resp, err := newTestAdapter(server.URL).ChatCompletionStream(context.Background(), &providers.ChatRequest{
		Model:    "claude-3-5-sonnet-latest",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("ChatCompletionStream() error = %v", err)
	}

	if strings.Join(deltas, "|") != "Hi |there" {
		t.Errorf("deltas = %q", deltas)
	}
	if resp.Content != "Hi there" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.ID != "msg_s1" {
		t.Errorf("ID = %s", resp.ID)
	}
	if resp.Usage.PromptTokens != 9 || resp.Usage.CompletionTokens != 3 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestBuildParams(t *testing.T) {
	adapter := newTestAdapter("")
	temp := 0.2

	params := adapter.buildParams(&providers.ChatRequest{
		Model:       "claude-3-5-haiku-latest",
		System:      "base",
		Messages:    []providers.Message{{Role: "system", Content: "extra"}, {Role: "user", Content: "q"}, {Role: "assistant", Content: "a"}},
		MaxTokens:   200,
		Temperature: &temp,
	})

	if params.MaxTokens != 200 {
		t.Errorf("MaxTokens = %d, want 200", params.MaxTokens)
	}
	if len(params.Messages) != 2 {
		t.Errorf("len(Messages) = %d, want 2", len(params.Messages))
	}
	if len(params.System) != 1 || params.System[0].Text != "base\n\nextra" {
		t.Errorf("System = %+v", params.System)
	}
	if params.Temperature.Value != 0.2 {
		t.Errorf("Temperature = %v", params.Temperature.Value)
	}
}
