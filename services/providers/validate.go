package providers

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/upb/llm-execution-core/services"
)

// Limits are the provider-specific request constraints checked by Validate
type Limits struct {
	MinTemperature float64
	MaxTemperature float64
}

// ValidateCommon enforces the checks every adapter shares: a known model,
// a non-empty conversation, the temperature range and the model's output ceiling.
func ValidateCommon(p Provider, limits Limits, req *ChatRequest) error {
	if req == nil {
		return services.NewValidationError("request is required", nil)
	}

	info, err := p.GetModelInfo(req.Model)
	if err != nil {
		return services.NewDomainError(services.ErrorTypeUnknownModel,
			fmt.Sprintf("model %q is not offered by %s", req.Model, p.Name()), err).
			WithDetail("provider", p.Name()).
			WithDetail("model", req.Model)
	}

	fields := make(map[string]string)
	if len(req.Messages) == 0 {
		fields["messages"] = "at least one message is required"
	}
	if req.Temperature != nil {
		t := *req.Temperature
		if t < limits.MinTemperature || t > limits.MaxTemperature {
			fields["temperature"] = fmt.Sprintf("must be between %g and %g for %s",
				limits.MinTemperature, limits.MaxTemperature, p.Name())
		}
	}
	if req.MaxTokens < 0 {
		fields["maxTokens"] = "must not be negative"
	} else if info.MaxTokens > 0 && req.MaxTokens > info.MaxTokens {
		fields["maxTokens"] = fmt.Sprintf("must be at most %d for %s", info.MaxTokens, req.Model)
	}

	if len(fields) > 0 {
		return services.NewValidationError("request rejected by "+p.Name(), fields)
	}
	return nil
}

// Classify turns adapter and transport errors into the execution taxonomy.
// Messages stay caller-safe; vendor detail is only reachable through Unwrap.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if services.IsClassified(err) {
		return err
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		if provErr.Retryable {
			return services.NewDomainError(services.ErrorTypeRetryable, "provider temporarily unavailable", err).
				WithDetail("provider", provErr.Provider)
		}
		return services.NewDomainError(services.ErrorTypeFatal, "provider rejected the request", err).
			WithDetail("provider", provErr.Provider)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return services.NewDomainError(services.ErrorTypeRetryable, "provider call timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return services.NewDomainError(services.ErrorTypeRetryable, "provider unreachable", err)
	}

	return err
}
