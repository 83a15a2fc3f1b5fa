package anthropic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/upb/llm-execution-core/services/providers"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 1024
)

// Adapter implements the StreamingProvider interface for Anthropic
type Adapter struct {
	config providers.ProviderConfig
	client *anthropic.Client
	models map[string]*providers.ModelInfo
}

// NewAdapter creates a new Anthropic adapter
func NewAdapter(config providers.ProviderConfig) *Adapter {
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	adapter := &Adapter{
		config: config,
		client: &client,
	}
	adapter.initModels()
	providers.ApplyPricing(adapter.models, config.PricingOverrides)

	return adapter
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return providerName
}

// Validate checks Anthropic constraints. Temperature is capped at 1.
func (a *Adapter) Validate(req *providers.ChatRequest) error {
	return providers.ValidateCommon(a, providers.Limits{MinTemperature: 0, MaxTemperature: 1}, req)
}

// ChatCompletion performs a Messages API request
func (a *Adapter) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	message, err := a.client.Messages.New(ctx, a.buildParams(req))
	if err != nil {
		return nil, a.mapError(err)
	}

	var content strings.Builder
	for _, block := range message.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			content.WriteString(text.Text)
		}
	}

	return &providers.ChatResponse{
		ID:           message.ID,
		Model:        string(message.Model),
		Provider:     providerName,
		Content:      content.String(),
		FinishReason: string(message.StopReason),
		Usage:        providers.NewUsage(int(message.Usage.InputTokens), int(message.Usage.OutputTokens)),
		Latency:      time.Since(startTime),
		Created:      time.Now(),
	}, nil
}

// ChatCompletionStream streams text deltas to callback
func (a *Adapter) ChatCompletionStream(ctx context.Context, req *providers.ChatRequest, callback providers.StreamCallback) (*providers.ChatResponse, error) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	stream := a.client.Messages.NewStreaming(ctx, a.buildParams(req))
	defer stream.Close()

	response := &providers.ChatResponse{
		Model:    req.Model,
		Provider: providerName,
		Created:  time.Now(),
	}
	var content strings.Builder
	var inputTokens, outputTokens int64

	for stream.Next() {
		switch evt := stream.Current().AsAny().(type) {
		case anthropic.MessageStartEvent:
			response.ID = evt.Message.ID
			inputTokens = evt.Message.Usage.InputTokens
		case anthropic.ContentBlockDeltaEvent:
			if d, ok := evt.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
				content.WriteString(d.Text)
				if err := callback(d.Text); err != nil {
					return nil, err
				}
			}
		case anthropic.MessageDeltaEvent:
			if evt.Usage.InputTokens > 0 {
				inputTokens = evt.Usage.InputTokens
			}
			outputTokens = evt.Usage.OutputTokens
			response.FinishReason = string(evt.Delta.StopReason)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, a.mapError(err)
	}

	response.Content = content.String()
	response.Usage = providers.NewUsage(int(inputTokens), int(outputTokens))
	response.Latency = time.Since(startTime)
	return response, nil
}

// GetModelInfo returns information about a specific model
func (a *Adapter) GetModelInfo(model string) (*providers.ModelInfo, error) {
	info, exists := a.models[model]
	if !exists {
		return nil, fmt.Errorf("model %s not found", model)
	}
	return info, nil
}

// ListModels returns all available models
func (a *Adapter) ListModels() []string {
	models := make([]string, 0, len(a.models))
	for model := range a.models {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

func (a *Adapter) initModels() {
	a.models = map[string]*providers.ModelInfo{
		"claude-3-5-sonnet-latest": {
			ID:                        "claude-3-5-sonnet-latest",
			Name:                      "Claude 3.5 Sonnet",
			Provider:                  providerName,
			MaxTokens:                 8192,
			ContextWindow:             200000,
			PricingPerPromptToken:     0.000003, // $3 per 1M tokens
			PricingPerCompletionToken: 0.000015, // $15 per 1M tokens
			SupportsStreaming:         true,
		},
		"claude-3-5-haiku-latest": {
			ID:                        "claude-3-5-haiku-latest",
			Name:                      "Claude 3.5 Haiku",
			Provider:                  providerName,
			MaxTokens:                 8192,
			ContextWindow:             200000,
			PricingPerPromptToken:     0.0000008, // $0.80 per 1M tokens
			PricingPerCompletionToken: 0.000004,  // $4 per 1M tokens
			SupportsStreaming:         true,
		},
		"claude-3-opus-latest": {
			ID:                        "claude-3-opus-latest",
			Name:                      "Claude 3 Opus",
			Provider:                  providerName,
			MaxTokens:                 4096,
			ContextWindow:             200000,
			PricingPerPromptToken:     0.000015, // $15 per 1M tokens
			PricingPerCompletionToken: 0.000075, // $75 per 1M tokens
			SupportsStreaming:         true,
		},
	}
}

// buildParams converts the unified request. System-role messages are folded
// into the system prompt since the Messages API takes it separately.
func (a *Adapter) buildParams(req *providers.ChatRequest) anthropic.MessageNewParams {
	system := []string{}
	if req.System != "" {
		system = append(system, req.System)
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = append(system, msg.Content)
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params
}

func (a *Adapter) mapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return providers.NewProviderError(providerName, "timeout", "request timed out", 0, true, err)
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return providers.NewProviderError(
			providerName,
			fmt.Sprintf("http_%d", apiErr.StatusCode),
			"messages request failed",
			apiErr.StatusCode,
			providers.IsRetryableStatus(apiErr.StatusCode),
			err,
		)
	}

	return providers.NewProviderError(providerName, "transport_error", "request failed", 0, true, err)
}
