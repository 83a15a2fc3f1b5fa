package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/upb/llm-execution-core/services/providers"
)

const (
	providerName   = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
)

// OpenAIAdapter implements the StreamingProvider interface for OpenAI
type OpenAIAdapter struct {
	config providers.ProviderConfig
	client *goopenai.Client
	models map[string]*providers.ModelInfo
}

// NewOpenAIAdapter creates a new OpenAI adapter
func NewOpenAIAdapter(config providers.ProviderConfig) *OpenAIAdapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	clientConfig := goopenai.DefaultConfig(config.APIKey)
	clientConfig.BaseURL = config.BaseURL
	clientConfig.OrgID = config.OrgID
	clientConfig.HTTPClient = &http.Client{}

	adapter := &OpenAIAdapter{
		config: config,
		client: goopenai.NewClientWithConfig(clientConfig),
	}
	adapter.initModels()
	providers.ApplyPricing(adapter.models, config.PricingOverrides)

	return adapter
}

// Name returns the provider name
func (a *OpenAIAdapter) Name() string {
	return providerName
}

// Validate checks OpenAI constraints before any network call
func (a *OpenAIAdapter) Validate(req *providers.ChatRequest) error {
	return providers.ValidateCommon(a, providers.Limits{MinTemperature: 0, MaxTemperature: 2}, req)
}

// ChatCompletion performs a chat completion request
func (a *OpenAIAdapter) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	resp, err := a.client.CreateChatCompletion(ctx, a.buildRequest(req))
	if err != nil {
		return nil, a.mapError(err)
	}

	response := &providers.ChatResponse{
		ID:       resp.ID,
		Model:    resp.Model,
		Provider: providerName,
		Usage:    providers.NewUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		Latency:  time.Since(startTime),
		Created:  time.Unix(resp.Created, 0),
	}
	if len(resp.Choices) > 0 {
		response.Content = resp.Choices[0].Message.Content
		response.FinishReason = string(resp.Choices[0].FinishReason)
	}
	return response, nil
}

// ChatCompletionStream streams content deltas to callback
func (a *OpenAIAdapter) ChatCompletionStream(ctx context.Context, req *providers.ChatRequest, callback providers.StreamCallback) (*providers.ChatResponse, error) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	streamReq := a.buildRequest(req)
	streamReq.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}

	stream, err := a.client.CreateChatCompletionStream(ctx, streamReq)
	if err != nil {
		return nil, a.mapError(err)
	}
	defer stream.Close()

	response := &providers.ChatResponse{
		Model:    req.Model,
		Provider: providerName,
	}
	var content []byte

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, a.mapError(err)
		}

		if response.ID == "" {
			response.ID = chunk.ID
			response.Created = time.Unix(chunk.Created, 0)
		}
		if chunk.Usage != nil {
			response.Usage = providers.NewUsage(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			response.FinishReason = string(choice.FinishReason)
		}
		if choice.Delta.Content == "" {
			continue
		}
		content = append(content, choice.Delta.Content...)
		if err := callback(choice.Delta.Content); err != nil {
			return nil, err
		}
	}

	response.Content = string(content)
	response.Latency = time.Since(startTime)
	return response, nil
}

// GetModelInfo returns information about a specific model
func (a *OpenAIAdapter) GetModelInfo(model string) (*providers.ModelInfo, error) {
	info, exists := a.models[model]
	if !exists {
		return nil, fmt.Errorf("model %s not found", model)
	}
	return info, nil
}

// ListModels returns all available models
func (a *OpenAIAdapter) ListModels() []string {
	models := make([]string, 0, len(a.models))
	for model := range a.models {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

// initModels initializes the model information map
func (a *OpenAIAdapter) initModels() {
	a.models = map[string]*providers.ModelInfo{
		"gpt-4": {
			ID:                        "gpt-4",
			Name:                      "GPT-4",
			Provider:                  providerName,
			MaxTokens:                 8192,
			ContextWindow:             8192,
			PricingPerPromptToken:     0.00003, // $0.03 per 1K tokens
			PricingPerCompletionToken: 0.00006, // $0.06 per 1K tokens
			SupportsStreaming:         true,
		},
		"gpt-4-turbo": {
			ID:                        "gpt-4-turbo",
			Name:                      "GPT-4 Turbo",
			Provider:                  providerName,
			MaxTokens:                 4096,
			ContextWindow:             128000,
			PricingPerPromptToken:     0.00001, // $0.01 per 1K tokens
			PricingPerCompletionToken: 0.00003, // $0.03 per 1K tokens
			SupportsStreaming:         true,
		},
		"gpt-3.5-turbo": {
			ID:                        "gpt-3.5-turbo",
			Name:                      "GPT-3.5 Turbo",
			Provider:                  providerName,
			MaxTokens:                 4096,
			ContextWindow:             16385,
			PricingPerPromptToken:     0.0000005, // $0.0005 per 1K tokens
			PricingPerCompletionToken: 0.0000015, // $0.0015 per 1K tokens
			SupportsStreaming:         true,
		},
		"gpt-4o": {
			ID:                        "gpt-4o",
			Name:                      "GPT-4o",
			Provider:                  providerName,
			MaxTokens:                 4096,
			ContextWindow:             128000,
			PricingPerPromptToken:     0.000005, // $0.005 per 1K tokens
			PricingPerCompletionToken: 0.000015, // $0.015 per 1K tokens
			SupportsStreaming:         true,
		},
		"gpt-4o-mini": {
			ID:                        "gpt-4o-mini",
			Name:                      "GPT-4o Mini",
			Provider:                  providerName,
			MaxTokens:                 16384,
			ContextWindow:             128000,
			PricingPerPromptToken:     0.00000015, // $0.00015 per 1K tokens
			PricingPerCompletionToken: 0.0000006,  // $0.0006 per 1K tokens
			SupportsStreaming:         true,
		},
	}
}

// buildRequest converts the unified request to the SDK format
func (a *OpenAIAdapter) buildRequest(req *providers.ChatRequest) goopenai.ChatCompletionRequest {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	openaiReq := goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		User:     req.User,
	}
	if req.MaxTokens > 0 {
		openaiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		openaiReq.Temperature = float32(*req.Temperature)
	}
	return openaiReq
}

// mapError converts SDK errors into provider errors
func (a *OpenAIAdapter) mapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return providers.NewProviderError(providerName, "timeout", "request timed out", 0, true, err)
	}

	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return providers.NewProviderError(
			providerName,
			apiErr.Type,
			apiErr.Message,
			apiErr.HTTPStatusCode,
			providers.IsRetryableStatus(apiErr.HTTPStatusCode),
			err,
		)
	}

	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		retryable := reqErr.HTTPStatusCode == 0 || providers.IsRetryableStatus(reqErr.HTTPStatusCode)
		return providers.NewProviderError(providerName, "request_error", "request failed",
			reqErr.HTTPStatusCode, retryable, err)
	}

	// Transport failures before any HTTP status are transient
	return providers.NewProviderError(providerName, "transport_error", "request failed", 0, true, err)
}
