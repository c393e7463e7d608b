// Package providers contains the vendor adapters behind the agent's
// Provider interface.
package providers

import (
	"fmt"

	"github.com/hua-bang/pulse-coder-sub000/internal/agent"
	"github.com/hua-bang/pulse-coder-sub000/internal/config"
)

// New builds the provider selected by the configuration.
func New(cfg config.LLMConfig) (agent.Provider, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.AnthropicModel,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
