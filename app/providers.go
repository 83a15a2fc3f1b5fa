package app

import (
	"context"
	"fmt"

	"github.com/upb/llm-execution-core/config"
	"github.com/upb/llm-execution-core/services/providers"
	"github.com/upb/llm-execution-core/services/providers/anthropic"
	"github.com/upb/llm-execution-core/services/providers/bedrock"
	"github.com/upb/llm-execution-core/services/providers/fake"
	"github.com/upb/llm-execution-core/services/providers/ollama"
	"github.com/upb/llm-execution-core/services/providers/openai"
	"github.com/upb/llm-execution-core/services/ratelimit"
	"go.uber.org/zap"
)

// Family names used by the catalog
const (
	FamilyOpenAI    = "openai"
	FamilyAnthropic = "anthropic"
	FamilyBedrock   = "bedrock"
	FamilyOllama    = "ollama"
	FamilyFake      = "fake"
)

// buildRegistry registers every configured adapter and applies the catalog.
// It returns the hybrid fallback chain restricted to registered families.
func buildRegistry(ctx context.Context, cfg *config.Config, catalog *config.Catalog, logger *zap.Logger) (*providers.Registry, []string, error) {
	registry := providers.NewRegistry(logger)
	pc := cfg.Providers

	if pc.OpenAI.APIKey != "" {
		adapter := openai.NewOpenAIAdapter(providers.ProviderConfig{
			APIKey:           pc.OpenAI.APIKey,
			BaseURL:          pc.OpenAI.BaseURL,
			OrgID:            pc.OpenAI.OrgID,
			Timeout:          pc.OpenAI.Timeout,
			MaxRetries:       pc.OpenAI.MaxRetries,
			PricingOverrides: catalog.Pricing(FamilyOpenAI),
		})
		if err := registry.Register(adapter); err != nil {
			return nil, nil, fmt.Errorf("failed to register openai: %w", err)
		}
	}

	if pc.Anthropic.APIKey != "" {
		adapter := anthropic.NewAdapter(providers.ProviderConfig{
			APIKey:           pc.Anthropic.APIKey,
			BaseURL:          pc.Anthropic.BaseURL,
			Timeout:          pc.Anthropic.Timeout,
			MaxRetries:       pc.Anthropic.MaxRetries,
			PricingOverrides: catalog.Pricing(FamilyAnthropic),
		})
		if err := registry.Register(adapter); err != nil {
			return nil, nil, fmt.Errorf("failed to register anthropic: %w", err)
		}
	}

	if pc.Bedrock.Enabled {
		adapter, err := bedrock.NewAdapter(ctx, providers.ProviderConfig{
			Region:           pc.Bedrock.Region,
			APIKey:           pc.Bedrock.AccessKey,
			SecretKey:        pc.Bedrock.SecretKey,
			Timeout:          pc.Bedrock.Timeout,
			MaxRetries:       pc.Bedrock.MaxRetries,
			PricingOverrides: catalog.Pricing(FamilyBedrock),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create bedrock adapter: %w", err)
		}
		if err := registry.Register(adapter); err != nil {
			return nil, nil, fmt.Errorf("failed to register bedrock: %w", err)
		}
	}

	if pc.Ollama.Enabled {
		adapter, err := ollama.NewAdapter(providers.ProviderConfig{
			BaseURL:          pc.Ollama.Host,
			Timeout:          pc.Ollama.Timeout,
			PricingOverrides: catalog.Pricing(FamilyOllama),
		}, pc.Ollama.Models...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create ollama adapter: %w", err)
		}
		if err := registry.Register(adapter); err != nil {
			return nil, nil, fmt.Errorf("failed to register ollama: %w", err)
		}
	}

	if pc.FakeEnabled {
		if err := registry.RegisterCustom(fake.New(FamilyFake, "fake-small", "fake-large")); err != nil {
			return nil, nil, fmt.Errorf("failed to register fake provider: %w", err)
		}
	}

	registered := registry.ListProviders()
	if len(registered) == 0 {
		logger.Warn("no LLM providers configured")
	}

	for _, entry := range catalog.Apply(registry) {
		logger.Warn("catalog entry skipped, provider not configured", zap.String("entry", entry))
	}

	chain := catalog.Chain(registered)
	if len(chain) == 0 {
		chain = registered
	}

	logger.Info("provider registry ready",
		zap.Strings("providers", registered),
		zap.Strings("fallback_chain", chain))
	return registry, chain, nil
}

// providerLimits maps configured RPS values onto the client-side limiter
func providerLimits(pc config.ProvidersConfig) map[string]ratelimit.Limit {
	return map[string]ratelimit.Limit{
		FamilyOpenAI:    {RequestsPerSecond: pc.OpenAI.RPS},
		FamilyAnthropic: {RequestsPerSecond: pc.Anthropic.RPS},
		FamilyBedrock:   {RequestsPerSecond: pc.Bedrock.RPS},
		FamilyOllama:    {RequestsPerSecond: pc.Ollama.RPS},
	}
}
