package generation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIConfig holds OpenAI generator settings
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// OpenAIGenerator generates images with the OpenAI Images API
type OpenAIGenerator struct {
	client openai.Client
	logger *slog.Logger
}

func NewOpenAIGenerator(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: openai API key cannot be empty", ErrInvalidConfig)
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIGenerator{
		client: openai.NewClient(opts...),
		logger: logger.With(slog.String("component", "openai_generator")),
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) ([]Result, error) {
	if req.Model.OutputType() != OutputImage {
		return nil, fmt.Errorf("%w: openai cannot produce %s", ErrGenerationFailed, req.Model.OutputType())
	}

	resp, err := g.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         req.Prompt,
		Model:          openai.ImageModel(req.Model.ProviderModel),
		N:              openai.Int(1),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatURL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	var out []Result
	for _, img := range resp.Data {
		switch {
		case img.URL != "":
			out = append(out, Result{URL: img.URL, Type: OutputImage})
		case img.B64JSON != "":
			out = append(out, Result{URL: "data:image/png;base64," + img.B64JSON, Type: OutputImage})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no image returned", ErrGenerationFailed)
	}

	g.logger.Debug("Images generated", slog.String("model", req.Model.ProviderModel), slog.Int("count", len(out)))
	return out, nil
}
