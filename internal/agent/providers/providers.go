package providers

import (
	"context"

	"github.com/stewardhq/steward/internal/agent"
	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/observability"
)

// FromConfig builds the provider set from configuration. Providers without
// an API key are skipped, not errors: most deployments configure one.
func FromConfig(cfg config.ProvidersConfig, logger *observability.Logger) (map[string]agent.LLMProvider, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "info"})
	}
	ctx := context.Background()
	out := map[string]agent.LLMProvider{}

	if cfg.Anthropic.APIKey != "" {
		p, err := NewAnthropic(cfg.Anthropic)
		if err != nil {
			return nil, err
		}
		out[p.Name()] = p
		logger.Info(ctx, "LLM provider configured", "provider", p.Name(), "default_model", p.defaultModel)
	}

	if cfg.OpenAI.APIKey != "" {
		p, err := NewOpenAI(cfg.OpenAI)
		if err != nil {
			return nil, err
		}
		out[p.Name()] = p
		logger.Info(ctx, "LLM provider configured", "provider", p.Name(), "default_model", p.defaultModel)
	}

	if len(out) == 0 {
		logger.Warn(ctx, "no LLM providers configured, turns will fail until one is added")
	}
	return out, nil
}
