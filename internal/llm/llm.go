package llm

import (
	"context"
	"fmt"
	"strings"

	"earshot/internal/config"
	"earshot/internal/services"
)

// ModelRef is the stable identifier recorded against every analysis and
// research run.
type ModelRef struct {
	Provider string
	Model    string
	Revision string
}

func (m ModelRef) String() string {
	if m.Revision == "" {
		return m.Provider + "/" + m.Model
	}
	return m.Provider + "/" + m.Model + "@" + m.Revision
}

// Request is one generation call.
type Request struct {
	SystemPrompt    string
	Input           string
	MaxOutputTokens int
	ThinkingEnabled bool
	ThinkingBudget  int
}

// Result carries the generated text and usage counters.
type Result struct {
	OutputText string
	TokensIn   int64
	TokensOut  int64
	Cost       float64
}

// Provider generates text for a prompt pair.
type Provider interface {
	Generate(ctx context.Context, req Request) (Result, error)
	Ref() ModelRef
}

// New resolves the configured provider. The provider set is closed; anything
// else is a configuration error.
func New(cfg *config.Config) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	creds, ok := cfg.ProviderFor(name)
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "llm", "new",
			fmt.Sprintf("no credentials for provider %q", name), nil)
	}
	ref := ModelRef{Provider: name, Model: cfg.LLM.Model, Revision: cfg.LLM.Revision}

	switch name {
	case "openai", "openrouter":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:         creds.APIKey,
			BaseURL:        creds.BaseURL,
			Ref:            ref,
			TimeoutSeconds: cfg.LLM.TimeoutSeconds,
		}), nil
	case "anthropic":
		return NewAnthropicClient(AnthropicConfig{
			APIKey:         creds.APIKey,
			BaseURL:        creds.BaseURL,
			Ref:            ref,
			TimeoutSeconds: cfg.LLM.TimeoutSeconds,
		}), nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, "llm", "new",
			fmt.Sprintf("unknown provider %q", name), nil)
	}
}
