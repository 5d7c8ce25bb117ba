package usage

import (
	"github.com/shopspring/decimal"

	"github.com/nimbleworks/chat_gateway/internal/config"
)

// Price holds USD-per-one-million-token rates for a model.
type Price struct {
	Provider string
	Input    decimal.Decimal
	Output   decimal.Decimal
}

func price(provider string, input, output float64) Price {
	return Price{
		Provider: provider,
		Input:    decimal.NewFromFloat(input),
		Output:   decimal.NewFromFloat(output),
	}
}

// defaultPrices is the static per-model price table. Config entries may
// override or extend it, but an absent model always fails cost lookup
// rather than defaulting to zero.
func defaultPrices() map[string]Price {
	return map[string]Price{
		"gpt-4o":           price("openai", 2.50, 10.00),
		"gpt-4o-mini":      price("openai", 0.15, 0.60),
		"gpt-4.1":          price("openai", 2.00, 8.00),
		"o3-mini":          price("openai", 1.10, 4.40),
		"claude-sonnet-4":  price("anthropic", 3.00, 15.00),
		"claude-haiku-3.5": price("anthropic", 0.80, 4.00),
		"claude-opus-4":    price("anthropic", 15.00, 75.00),
		"gemini-2.0-flash": price("google", 0.10, 0.40),
		"gemini-1.5-pro":   price("google", 1.25, 5.00),
		"llama-3.3-70b":    price("groq", 0.59, 0.79),
		"deepseek-chat":    price("deepseek", 0.27, 1.10),
		"mistral-large":    price("mistral", 2.00, 6.00),
	}
}

func mergePrices(overrides []config.ModelPriceEntry) map[string]Price {
	prices := defaultPrices()
	for _, entry := range overrides {
		provider := entry.Provider
		if provider == "" {
			if existing, ok := prices[entry.Model]; ok {
				provider = existing.Provider
			} else {
				provider = "custom"
			}
		}
		prices[entry.Model] = price(provider, entry.InputPerMillion, entry.OutputPerMillion)
	}
	return prices
}
