package llm

import "strings"

// modelRate is USD per million tokens.
type modelRate struct {
	input  float64
	output float64
}

// Approximate published rates keyed by substrings of the model id. Unknown
// models record zero cost rather than guessing.
var modelRates = []struct {
	match string
	rate  modelRate
}{
	{"opus", modelRate{input: 15, output: 75}},
	{"sonnet", modelRate{input: 3, output: 15}},
	{"haiku", modelRate{input: 0.25, output: 1.25}},
	{"gpt-4o-mini", modelRate{input: 0.15, output: 0.6}},
	{"gpt-4o", modelRate{input: 2.5, output: 10}},
	{"gpt-4", modelRate{input: 30, output: 60}},
}

func costFor(ref ModelRef, tokensIn, tokensOut int64) float64 {
	model := strings.ToLower(ref.Model)
	for _, entry := range modelRates {
		if strings.Contains(model, entry.match) {
			return float64(tokensIn)/1e6*entry.rate.input + float64(tokensOut)/1e6*entry.rate.output
		}
	}
	return 0
}
