package providers

import "math"

// Currency is the ledger currency unit
const Currency = "USD"

// costPrecision keeps float noise out of cost comparisons (1e-10 USD)
const costPrecision = 1e10

// Cost is the computed price of one execution
type Cost struct {
	Input    float64 `json:"input"`
	Output   float64 `json:"output"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
}

// CalculateCost prices usage against a model's per-token table. It is a pure
// function of its inputs and never returns a negative amount.
func CalculateCost(info *ModelInfo, usage Usage) Cost {
	if info == nil {
		return Cost{Currency: Currency}
	}

	prompt := math.Max(0, float64(usage.PromptTokens))
	completion := math.Max(0, float64(usage.CompletionTokens))
	promptPrice := math.Max(0, info.PricingPerPromptToken)
	completionPrice := math.Max(0, info.PricingPerCompletionToken)

	input := round(prompt * promptPrice)
	output := round(completion * completionPrice)

	return Cost{
		Input:    input,
		Output:   output,
		Total:    round(input + output),
		Currency: Currency,
	}
}

func round(v float64) float64 {
	return math.Round(v*costPrecision) / costPrecision
}
