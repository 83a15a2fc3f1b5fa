package providers

import (
	"context"
	"errors"
	"time"
)

// Provider represents a unified LLM provider interface
type Provider interface {
	// Name returns the provider family name (e.g., "openai", "anthropic")
	Name() string

	// ListModels returns all models offered by this provider
	ListModels() []string

	// GetModelInfo returns pricing and capability metadata for a model
	GetModelInfo(model string) (*ModelInfo, error)

	// Validate checks provider-specific constraints before any network call
	Validate(req *ChatRequest) error

	// ChatCompletion performs a chat completion request
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// StreamCallback is called for each content increment in a streaming response
type StreamCallback func(delta string) error

// StreamingProvider extends Provider with streaming support
type StreamingProvider interface {
	Provider

	// ChatCompletionStream streams content increments to callback in arrival
	// order and returns the final response with usage.
	ChatCompletionStream(ctx context.Context, req *ChatRequest, callback StreamCallback) (*ChatResponse, error)
}

// SupportsStreaming reports whether p can stream the given model
func SupportsStreaming(p Provider, model string) bool {
	if _, ok := p.(StreamingProvider); !ok {
		return false
	}
	info, err := p.GetModelInfo(model)
	if err != nil {
		return false
	}
	return info.SupportsStreaming
}

// ChatRequest represents a unified chat completion request
type ChatRequest struct {
	// Model identifier (e.g., "gpt-4o", "claude-3-5-sonnet-latest")
	Model string `json:"model"`

	// Messages in the conversation
	Messages []Message `json:"messages"`

	// System prompt, sent the way each vendor expects it
	System string `json:"system,omitempty"`

	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness; nil leaves the vendor default
	Temperature *float64 `json:"temperature,omitempty"`

	// User identifier for abuse monitoring
	User string `json:"user,omitempty"`
}

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role string `json:"role"`

	// Content is the message text
	Content string `json:"content"`
}

// ChatResponse represents a unified chat completion response
type ChatResponse struct {
	ID           string        `json:"id"`
	Model        string        `json:"model"`
	Provider     string        `json:"provider"`
	Content      string        `json:"content"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        Usage         `json:"usage"`
	Latency      time.Duration `json:"latency"`
	Created      time.Time     `json:"created"`
}

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsage builds a Usage with the total filled in
func NewUsage(prompt, completion int) Usage {
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// ModelInfo contains metadata about a model
type ModelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`

	// MaxTokens is the output token ceiling accepted by the vendor
	MaxTokens     int `json:"max_tokens"`
	ContextWindow int `json:"context_window"`

	// Pricing in USD per token
	PricingPerPromptToken     float64 `json:"pricing_per_prompt_token"`
	PricingPerCompletionToken float64 `json:"pricing_per_completion_token"`

	SupportsStreaming bool `json:"supports_streaming"`
}

// ProviderConfig holds common configuration for providers
type ProviderConfig struct {
	// APIKey for authentication
	APIKey string

	// BaseURL for the API (optional override)
	BaseURL string

	// Timeout bounds a single provider call
	Timeout time.Duration

	// MaxRetries for SDK-level transport retries
	MaxRetries int

	// OrgID for organization-specific endpoints
	OrgID string

	// Region for cloud-hosted providers
	Region string

	// SecretKey pairs with APIKey for providers signing with a key pair (Bedrock)
	SecretKey string

	// PricingOverrides replaces table prices, keyed by model
	PricingOverrides map[string]Pricing
}

// Pricing is a per-token price pair in USD
type Pricing struct {
	Prompt     float64 `yaml:"prompt" json:"prompt"`
	Completion float64 `yaml:"completion" json:"completion"`
}

// DefaultProviderConfig returns a sensible default configuration
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout:    60 * time.Second,
		MaxRetries: 0,
	}
}

// ApplyPricing overrides prices in a model table
func ApplyPricing(models map[string]*ModelInfo, overrides map[string]Pricing) {
	for model, price := range overrides {
		if info, ok := models[model]; ok {
			info.PricingPerPromptToken = price.Prompt
			info.PricingPerCompletionToken = price.Completion
		}
	}
}

// ProviderError represents an error from a provider
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Code is the vendor error code or type
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates a transient failure (timeout, 5xx, rate limit)
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Provider + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Provider + ": " + e.Message
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// IsRetryableStatus is the shared HTTP status classification
func IsRetryableStatus(statusCode int) bool {
	return statusCode >= 500 || statusCode == 429 || statusCode == 408
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}
