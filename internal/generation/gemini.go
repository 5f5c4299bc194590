package generation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"
)

// GeminiGenerator generates images with Imagen and videos with Veo
type GeminiGenerator struct {
	client       *genai.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

// GeminiConfig holds Gemini generator settings
type GeminiConfig struct {
	APIKey            string
	VideoPollInterval time.Duration
}

func NewGeminiGenerator(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*GeminiGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", ErrInvalidConfig, err)
	}

	poll := cfg.VideoPollInterval
	if poll <= 0 {
		poll = 10 * time.Second
	}

	return &GeminiGenerator{
		client:       client,
		pollInterval: poll,
		logger:       logger.With(slog.String("component", "gemini_generator")),
	}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, req Request) ([]Result, error) {
	if req.Model.OutputType() == OutputVideo {
		return g.generateVideo(ctx, req)
	}
	return g.generateImage(ctx, req)
}

func (g *GeminiGenerator) generateImage(ctx context.Context, req Request) ([]Result, error) {
	resp, err := g.client.Models.GenerateImages(ctx, req.Model.ProviderModel, req.Prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	var out []Result
	for _, img := range resp.GeneratedImages {
		if img == nil || img.Image == nil || len(img.Image.ImageBytes) == 0 {
			continue
		}
		out = append(out, Result{URL: dataURL(img.Image.MIMEType, img.Image.ImageBytes), Type: OutputImage})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no image returned", ErrGenerationFailed)
	}
	return out, nil
}

// generateVideo starts a Veo operation and polls it until done or ctx ends
func (g *GeminiGenerator) generateVideo(ctx context.Context, req Request) ([]Result, error) {
	var image *genai.Image
	if req.Image != nil {
		image = &genai.Image{ImageBytes: req.Image.Data, MIMEType: req.Image.MIMEType}
	}

	op, err := g.client.Models.GenerateVideos(ctx, req.Model.ProviderModel, req.Prompt, image, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	g.logger.Debug("Video operation started", slog.String("operation", op.Name))

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for !op.Done {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		op, err = g.client.Operations.GetVideosOperation(ctx, op, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
		}
	}

	if op.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, op.Error["message"])
	}
	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 || op.Response.GeneratedVideos[0].Video == nil {
		return nil, fmt.Errorf("%w: no video returned", ErrGenerationFailed)
	}

	video := op.Response.GeneratedVideos[0].Video
	url := video.URI
	if url == "" && len(video.VideoBytes) > 0 {
		mime := video.MIMEType
		if mime == "" {
			mime = "video/mp4"
		}
		url = dataURL(mime, video.VideoBytes)
	}
	if url == "" {
		return nil, fmt.Errorf("%w: video has no location", ErrGenerationFailed)
	}
	return []Result{{URL: url, Type: OutputVideo}}, nil
}
