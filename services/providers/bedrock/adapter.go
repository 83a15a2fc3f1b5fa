package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/upb/llm-execution-core/services/providers"
)

const (
	providerName     = "bedrock"
	defaultRegion    = "us-east-1"
	anthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens = 1024
)

// Invoker is the subset of the Bedrock runtime client used by the adapter
type Invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Adapter implements the Provider interface for AWS Bedrock. Streaming is
// not offered; callers fall back to synchronous execution.
type Adapter struct {
	config  providers.ProviderConfig
	invoker Invoker
	models  map[string]*providers.ModelInfo
}

// NewAdapter creates an adapter. A static key pair in APIKey/SecretKey wins;
// otherwise credentials come from the default AWS chain.
func NewAdapter(ctx context.Context, config providers.ProviderConfig) (*Adapter, error) {
	if config.Region == "" {
		config.Region = defaultRegion
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(config.Region)}
	if config.APIKey != "" && config.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.APIKey, config.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for Bedrock (region: %s): %w", config.Region, err)
	}

	return NewAdapterWithInvoker(config, bedrockruntime.NewFromConfig(awsCfg)), nil
}

// NewAdapterWithInvoker creates an adapter over an existing invoker
func NewAdapterWithInvoker(config providers.ProviderConfig, invoker Invoker) *Adapter {
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	adapter := &Adapter{
		config:  config,
		invoker: invoker,
	}
	adapter.initModels()
	providers.ApplyPricing(adapter.models, config.PricingOverrides)
	return adapter
}

// Name returns the provider name
func (a *Adapter) Name() string {
	return providerName
}

// Validate checks request constraints
func (a *Adapter) Validate(req *providers.ChatRequest) error {
	return providers.ValidateCommon(a, providers.Limits{MinTemperature: 0, MaxTemperature: 1}, req)
}

// ChatCompletion invokes the model with a family-specific body
func (a *Adapter) ChatCompletion(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	body, err := buildRequestBody(req)
	if err != nil {
		return nil, providers.NewProviderError(providerName, "unsupported_model", err.Error(), 0, false, err)
	}

	output, err := a.invoker.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, mapError(err)
	}

	content, usage, finish, err := parseResponseBody(req.Model, output.Body)
	if err != nil {
		return nil, providers.NewProviderError(providerName, "decode_error", "failed to parse response", 0, false, err)
	}

	return &providers.ChatResponse{
		ID:           uuid.NewString(),
		Model:        req.Model,
		Provider:     providerName,
		Content:      content,
		FinishReason: finish,
		Usage:        usage,
		Latency:      time.Since(startTime),
		Created:      time.Now(),
	}, nil
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
		"anthropic.claude-3-5-sonnet-20240620-v1:0": {
			ID:                        "anthropic.claude-3-5-sonnet-20240620-v1:0",
			Name:                      "Claude 3.5 Sonnet (Bedrock)",
			Provider:                  providerName,
			MaxTokens:                 8192,
			ContextWindow:             200000,
			PricingPerPromptToken:     0.000003,
			PricingPerCompletionToken: 0.000015,
		},
		"anthropic.claude-3-haiku-20240307-v1:0": {
			ID:                        "anthropic.claude-3-haiku-20240307-v1:0",
			Name:                      "Claude 3 Haiku (Bedrock)",
			Provider:                  providerName,
			MaxTokens:                 4096,
			ContextWindow:             200000,
			PricingPerPromptToken:     0.00000025,
			PricingPerCompletionToken: 0.00000125,
		},
		"meta.llama3-70b-instruct-v1:0": {
			ID:                        "meta.llama3-70b-instruct-v1:0",
			Name:                      "Llama 3 70B Instruct (Bedrock)",
			Provider:                  providerName,
			MaxTokens:                 2048,
			ContextWindow:             8192,
			PricingPerPromptToken:     0.00000265,
			PricingPerCompletionToken: 0.0000035,
		},
	}
}

// modelFamily returns the vendor segment of a Bedrock model ID, skipping
// cross-region inference profile prefixes such as "us." or "eu."
func modelFamily(modelID string) string {
	segments := strings.Split(modelID, ".")
	if len(segments) > 2 && len(segments[0]) == 2 {
		return segments[1]
	}
	return segments[0]
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Temperature      *float64           `json:"temperature,omitempty"`
	System           string             `json:"system,omitempty"`
	Messages         []anthropicMessage `json:"messages"`
}

type llamaRequest struct {
	Prompt      string   `json:"prompt"`
	MaxGenLen   int      `json:"max_gen_len"`
	Temperature *float64 `json:"temperature,omitempty"`
}

func buildRequestBody(req *providers.ChatRequest) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	switch modelFamily(req.Model) {
	case "anthropic":
		body := anthropicRequest{
			AnthropicVersion: anthropicVersion,
			MaxTokens:        maxTokens,
			Temperature:      req.Temperature,
			System:           req.System,
		}
		for _, msg := range req.Messages {
			if msg.Role == "system" {
				body.System = strings.TrimSpace(body.System + "\n\n" + msg.Content)
				continue
			}
			body.Messages = append(body.Messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
		}
		return json.Marshal(body)
	case "meta":
		var prompt strings.Builder
		if req.System != "" {
			prompt.WriteString(req.System + "\n\n")
		}
		for _, msg := range req.Messages {
			fmt.Fprintf(&prompt, "%s: %s\n", msg.Role, msg.Content)
		}
		prompt.WriteString("assistant:")
		return json.Marshal(llamaRequest{
			Prompt:      prompt.String(),
			MaxGenLen:   maxTokens,
			Temperature: req.Temperature,
		})
	default:
		return nil, fmt.Errorf("unsupported model family for %s", req.Model)
	}
}

func parseResponseBody(model string, body []byte) (string, providers.Usage, string, error) {
	switch modelFamily(model) {
	case "anthropic":
		var resp struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			StopReason string `json:"stop_reason"`
			Usage      struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", providers.Usage{}, "", err
		}
		var content strings.Builder
		for _, c := range resp.Content {
			content.WriteString(c.Text)
		}
		return content.String(), providers.NewUsage(resp.Usage.InputTokens, resp.Usage.OutputTokens), resp.StopReason, nil
	case "meta":
		var resp struct {
			Generation       string `json:"generation"`
			PromptTokenCount int    `json:"prompt_token_count"`
			GenTokenCount    int    `json:"generation_token_count"`
			StopReason       string `json:"stop_reason"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", providers.Usage{}, "", err
		}
		return resp.Generation, providers.NewUsage(resp.PromptTokenCount, resp.GenTokenCount), resp.StopReason, nil
	default:
		return "", providers.Usage{}, "", fmt.Errorf("unsupported model family for %s", model)
	}
}

var retryableCodes = map[string]bool{
	"ThrottlingException":         true,
	"ServiceUnavailableException": true,
	"ModelTimeoutException":       true,
	"ModelNotReadyException":      true,
	"InternalServerException":     true,
}

func mapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return providers.NewProviderError(providerName, "timeout", "request timed out", 0, true, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return providers.NewProviderError(providerName, code, "invoke model failed", 0, retryableCodes[code], err)
	}

	return providers.NewProviderError(providerName, "transport_error", "invoke model failed", 0, true, err)
}
