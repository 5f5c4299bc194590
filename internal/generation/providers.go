package generation

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/genjob/internal/config"
)

// NewProviders builds a generator for every provider with credentials configured
func NewProviders(ctx context.Context, cfg config.GenerationConfig, logger *slog.Logger) (map[string]Generator, error) {
	providers := make(map[string]Generator)

	if cfg.Gemini.APIKey != "" {
		g, err := NewGeminiGenerator(ctx, GeminiConfig{
			APIKey:            cfg.Gemini.APIKey,
			VideoPollInterval: cfg.Gemini.VideoPollInterval,
		}, logger)
		if err != nil {
			return nil, err
		}
		providers[ProviderGemini] = g
	}

	if cfg.OpenAI.APIKey != "" {
		g, err := NewOpenAIGenerator(OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
		}, logger)
		if err != nil {
			return nil, err
		}
		providers[ProviderOpenAI] = g
	}

	if len(providers) == 0 {
		logger.Warn("No generation provider configured; every generation will fail")
	}
	return providers, nil
}
