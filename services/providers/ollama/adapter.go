package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/upb/llm-execution-core/services/providers"
)

const (
	providerName   = "ollama"
	defaultBaseURL = "http://localhost:11434"
)

// DefaultModels are offered when no model list is configured
var DefaultModels = []string{"llama3.1", "mistral"}

// Adapter implements the StreamingProvider interface for a local Ollama server
type Adapter struct {
	config providers.ProviderConfig
	client *api.Client
	models map[string]*providers.ModelInfo
}

// NewAdapter creates a new Ollama adapter. Local models are free unless
// priced through PricingOverrides.
func NewAdapter(config providers.ProviderConfig, models ...string) (*Adapter, error) {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	if len(models) == 0 {
		models = DefaultModels
	}

	baseURL, err := parseHost(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host: %w", err)
	}

	adapter := &Adapter{
		config: config,
		client: api.NewClient(baseURL, &http.Client{}),
		models: make(map[string]*providers.ModelInfo, len(models)),
	}
	for _, m := range models {
		adapter.models[m] = &providers.ModelInfo{
			ID:                m,
			Name:              m,
			Provider:          providerName,
			MaxTokens:         8192,
			ContextWindow:     8192,
			SupportsStreaming: true,
		}
	}
	providers.ApplyPricing(adapter.models, config.PricingOverrides)

	return adapter, nil
}

func parseHost(host string) (*url.URL, error) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return url.Parse(host)
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return providerName
}

// Validate checks request constraints
func (a *Adapter) Validate(req *providers.ChatRequest) error {
	return providers.ValidateCommon(a, providers.Limits{MinTemperature: 0, MaxTemperature: 2}, req)
}

// ChatCompletion performs a non-streaming chat request
func (a *Adapter) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	chatReq := a.buildRequest(req)
	chatReq.Stream = new(bool)

	var chatResp api.ChatResponse
	err := a.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		chatResp = resp
		return nil
	})
	if err != nil {
		return nil, a.mapError(err)
	}

	return a.toResponse(req, chatResp, chatResp.Message.Content, startTime), nil
}

// ChatCompletionStream streams message deltas to callback
func (a *Adapter) ChatCompletionStream(ctx context.Context, req *providers.ChatRequest, callback providers.StreamCallback) (*providers.ChatResponse, error) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	chatReq := a.buildRequest(req)
	stream := true
	chatReq.Stream = &stream

	var content strings.Builder
	var final api.ChatResponse
	var callbackErr error

	err := a.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			content.WriteString(resp.Message.Content)
			if err := callback(resp.Message.Content); err != nil {
				callbackErr = err
				return err
			}
		}
		if resp.Done {
			final = resp
		}
		return nil
	})
	if callbackErr != nil {
		return nil, callbackErr
	}
	if err != nil {
		return nil, a.mapError(err)
	}

	return a.toResponse(req, final, content.String(), startTime), nil
}

// GetModelInfo returns information about a specific model
func (a *Adapter) GetModelInfo(model string) (*providers.ModelInfo, error) {
	info, exists := a.models[model]
	if !exists {
		return nil, fmt.Errorf("model %s not found", model)
	}
	return info, nil
}

// ListModels returns all configured models
func (a *Adapter) ListModels() []string {
	models := make([]string, 0, len(a.models))
	for model := range a.models {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

func (a *Adapter) buildRequest(req *providers.ChatRequest) *api.ChatRequest {
	messages := make([]api.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		messages = append(messages, api.Message{Role: msg.Role, Content: msg.Content})
	}

	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: messages,
		Options:  make(map[string]interface{}),
	}
	if req.MaxTokens > 0 {
		chatReq.Options["num_predict"] = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Options["temperature"] = *req.Temperature
	}
	return chatReq
}

func (a *Adapter) toResponse(req *providers.ChatRequest, resp api.ChatResponse, content string, startTime time.Time) *providers.ChatResponse {
	finish := resp.DoneReason
	if finish == "" && resp.Done {
		finish = "stop"
	}
	created := resp.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return &providers.ChatResponse{
		ID:           fmt.Sprintf("ollama-%d", created.UnixNano()),
		Model:        req.Model,
		Provider:     providerName,
		Content:      content,
		FinishReason: finish,
		Usage:        providers.NewUsage(resp.PromptEvalCount, resp.EvalCount),
		Latency:      time.Since(startTime),
		Created:      created,
	}
}

func (a *Adapter) mapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return providers.NewProviderError(providerName, "timeout", "request timed out", 0, true, err)
	}

	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return providers.NewProviderError(providerName, "status_error", "chat request failed",
			statusErr.StatusCode, providers.IsRetryableStatus(statusErr.StatusCode), err)
	}

	// Connection refused and similar mean the local server is down
	return providers.NewProviderError(providerName, "transport_error", "chat request failed", 0, true, err)
}
