// Package generation holds the model catalog and the provider adapters that
// turn a prompt, and optionally an input image, into images or a video.
package generation

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/genjob/internal/metrics"
)

// Modes label how a generation was requested
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// InputImage is an image attached to a request
type InputImage struct {
	Data     []byte
	MIMEType string
}

// Request is one provider call
type Request struct {
	Model  Model
	Prompt string
	Image  *InputImage
}

// Result is one generated item
type Result struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Generator produces content for one provider. Image generators return one
// image per call.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]Result, error)
}

// Service routes requests to the generator of each model's provider
type Service struct {
	catalog   *Catalog
	providers map[string]Generator
	logger    *slog.Logger
}

func NewService(catalog *Catalog, providers map[string]Generator, logger *slog.Logger) *Service {
	return &Service{
		catalog:   catalog,
		providers: providers,
		logger:    logger.With(slog.String("component", "generation")),
	}
}

// Catalog returns the model catalog
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// Generate runs a generation for modelID. Image models make one provider call
// per requested output, capped at the model's maximum.
func (s *Service) Generate(ctx context.Context, mode, modelID, prompt string, numOutputs int, image *InputImage) ([]Result, error) {
	model, ok := s.catalog.Get(modelID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	if model.RequiresImage() && image == nil {
		return nil, fmt.Errorf("%w: %s", ErrImageRequired, modelID)
	}

	gen, ok := s.providers[model.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, model.Provider)
	}

	if !model.SupportsImageInput {
		image = nil
	}
	req := Request{Model: model, Prompt: prompt, Image: image}

	calls := 1
	if model.OutputType() == OutputImage {
		calls = min(max(numOutputs, 1), model.MaxOutputs)
	}

	start := time.Now()
	var results []Result
	for i := 0; i < calls; i++ {
		out, err := gen.Generate(ctx, req)
		if err != nil {
			metrics.ObserveGeneration(modelID, mode, time.Since(start), err)
			s.logger.Error("Generation failed",
				slog.String("model_id", modelID),
				slog.String("mode", mode),
				slog.Int("call", i+1),
				slog.Any("error", err),
			)
			return nil, err
		}
		results = append(results, out...)
	}

	metrics.ObserveGeneration(modelID, mode, time.Since(start), nil)
	s.logger.Info("Generation finished",
		slog.String("model_id", modelID),
		slog.String("mode", mode),
		slog.Int("results", len(results)),
		slog.Duration("latency", time.Since(start)),
	)
	return results, nil
}

func dataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "image/png"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
