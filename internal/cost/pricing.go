package cost

// ModelPrice is dollars per million tokens.
type ModelPrice struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// defaultPricing is the static tariff table. Unknown models bill at
// fallbackPrice.
var defaultPricing = map[string]ModelPrice{
	"gpt-4o":                     {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":                {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4.1":                    {InputPerMTok: 2.00, OutputPerMTok: 8.00},
	"o3-mini":                    {InputPerMTok: 1.10, OutputPerMTok: 4.40},
	"claude-sonnet-4-20250514":   {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-3-5-haiku-20241022":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"claude-opus-4-20250514":     {InputPerMTok: 15.00, OutputPerMTok: 75.00},
	"gemini-2.0-flash":           {InputPerMTok: 0.10, OutputPerMTok: 0.40},
	"gemini-1.5-pro":             {InputPerMTok: 1.25, OutputPerMTok: 5.00},
	"mock-model":                 {InputPerMTok: 0.0, OutputPerMTok: 0.0},
}

// fallbackPrice applies to models missing from the table.
var fallbackPrice = ModelPrice{InputPerMTok: 3.00, OutputPerMTok: 15.00}

// priceFor resolves the tariff for a model.
func priceFor(pricing map[string]ModelPrice, model string) ModelPrice {
	if p, ok := pricing[model]; ok {
		return p
	}
	return fallbackPrice
}

// callCost computes the dollar cost of one call.
func callCost(p ModelPrice, tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1e6*p.InputPerMTok + float64(tokensOut)/1e6*p.OutputPerMTok
}
