package provider

// Per-1k-token pricing for models without an explicit cost in the response.
// Unknown models fall back to a conservative default; image models bill a
// flat per-image rate.
type modelPricing struct {
	inputPer1K  float64
	outputPer1K float64
	perImage    float64
}

var pricingTable = map[string]modelPricing{
	"openai/gpt-4":                  {inputPer1K: 0.03, outputPer1K: 0.06},
	"openai/gpt-4o":                 {inputPer1K: 0.0025, outputPer1K: 0.01},
	"openai/gpt-4o-mini":            {inputPer1K: 0.00015, outputPer1K: 0.0006},
	"openai/gpt-3.5-turbo":          {inputPer1K: 0.001, outputPer1K: 0.002},
	"anthropic/claude-3-sonnet":     {inputPer1K: 0.003, outputPer1K: 0.015},
	"google/gemini-pro":             {inputPer1K: 0.0005, outputPer1K: 0.0015},
	"google/gemini-2.5-flash-image": {perImage: 0.02},
	"openai/dall-e-3":               {perImage: 0.04},
}

const (
	defaultCostUSD      = 0.01
	defaultImageCostUSD = 0.02
)

// usage mirrors the provider's usage block.
type usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"`
}

// extractCost returns the USD cost of a call: the provider's own figure
// when present, else the pricing-table estimate.
func extractCost(model string, u usage, imagesGenerated int) float64 {
	if u.Cost > 0 {
		return u.Cost
	}

	p, ok := pricingTable[model]
	if !ok {
		if imagesGenerated > 0 {
			return defaultImageCostUSD * float64(imagesGenerated)
		}
		return defaultCostUSD
	}

	cost := float64(u.PromptTokens)/1000*p.inputPer1K + float64(u.CompletionTokens)/1000*p.outputPer1K
	if imagesGenerated > 0 && p.perImage > 0 {
		cost += p.perImage * float64(imagesGenerated)
	}
	if cost == 0 {
		if imagesGenerated > 0 {
			return defaultImageCostUSD * float64(imagesGenerated)
		}
		return defaultCostUSD
	}
	return cost
}
