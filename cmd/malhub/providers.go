package main

import (
	"fmt"

	"github.com/haasonsaas/malhub/internal/agent"
	"github.com/haasonsaas/malhub/internal/agent/providers"
	"github.com/haasonsaas/malhub/internal/config"
)

// newProvider builds the configured default LLM provider and returns the
// model the agents should request.
func newProvider(cfg config.LLMConfig) (agent.LLMProvider, string, error) {
	pc := cfg.Providers[cfg.DefaultProvider]
	switch cfg.DefaultProvider {
	case config.ProviderOpenAI:
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			MaxRetries:   pc.MaxRetries,
			RetryDelay:   pc.RetryDelay,
		})
		if err != nil {
			return nil, "", err
		}
		return p, pc.DefaultModel, nil
	case config.ProviderAnthropic:
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			MaxRetries:   pc.MaxRetries,
			RetryDelay:   pc.RetryDelay,
		})
		if err != nil {
			return nil, "", err
		}
		return p, pc.DefaultModel, nil
	case config.ProviderGoogle:
		p, err := providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey:       pc.APIKey,
			DefaultModel: pc.DefaultModel,
			MaxRetries:   pc.MaxRetries,
			RetryDelay:   pc.RetryDelay,
		})
		if err != nil {
			return nil, "", err
		}
		return p, pc.DefaultModel, nil
	case config.ProviderOllama:
		p, err := providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			Timeout:      pc.Timeout,
			MaxRetries:   pc.MaxRetries,
			RetryDelay:   pc.RetryDelay,
		})
		if err != nil {
			return nil, "", err
		}
		return p, pc.DefaultModel, nil
	default:
		return nil, "", fmt.Errorf("unknown llm provider %q", cfg.DefaultProvider)
	}
}
