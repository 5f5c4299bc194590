package generation

import (
	"sort"

	"github.com/cuongbtq/genjob/internal/config"
)

// Model types
const (
	TypeTextToImage  = "text-to-image"
	TypeHybrid       = "hybrid"
	TypeImageToVideo = "image-to-video"
)

// Output types
const (
	OutputImage = "image"
	OutputVideo = "video"
)

// Providers
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Model is one catalog entry
type Model struct {
	ID                 string
	Name               string
	Type               string
	Description        string
	Provider           string
	ProviderModel      string
	MaxOutputs         int
	SupportsImageInput bool
}

// OutputType is video for image-to-video models and image otherwise
func (m Model) OutputType() string {
	if m.Type == TypeImageToVideo {
		return OutputVideo
	}
	return OutputImage
}

// RequiresImage reports whether a request must carry an input image
func (m Model) RequiresImage() bool {
	return m.Type == TypeImageToVideo
}

var defaultModels = []Model{
	{
		ID:                 "flux",
		Name:               "FLUX.1 [dev]",
		Type:               TypeHybrid,
		Description:        "High-quality images with strong prompt adherence. Accepts text prompts and image inputs.",
		Provider:           ProviderGemini,
		ProviderModel:      "imagen-4.0-generate-001",
		MaxOutputs:         4,
		SupportsImageInput: true,
	},
	{
		ID:                 "flux_pro",
		Name:               "FLUX.1 [pro] Fill",
		Type:               TypeHybrid,
		Description:        "Premium variant for style transfers and image modifications.",
		Provider:           ProviderOpenAI,
		ProviderModel:      "dall-e-3",
		MaxOutputs:         4,
		SupportsImageInput: true,
	},
	{
		ID:            "recraft",
		Name:          "Recraft V3",
		Type:          TypeTextToImage,
		Description:   "Vector-art style images with clean lines and shapes. Text-to-image only.",
		Provider:      ProviderOpenAI,
		ProviderModel: "dall-e-3",
		MaxOutputs:    4,
	},
	{
		ID:                 "stable_diffusion",
		Name:               "Stable Diffusion V3",
		Type:               TypeHybrid,
		Description:        "Detailed images with high fidelity. Accepts text prompts and image inputs.",
		Provider:           ProviderGemini,
		ProviderModel:      "imagen-3.0-generate-002",
		MaxOutputs:         4,
		SupportsImageInput: true,
	},
	{
		ID:                 "stable_video",
		Name:               "Stable Video",
		Type:               TypeImageToVideo,
		Description:        "Animates a still image into a short video clip. Requires an input image.",
		Provider:           ProviderGemini,
		ProviderModel:      "veo-2.0-generate-001",
		MaxOutputs:         1,
		SupportsImageInput: true,
	},
}

// Catalog is the set of models the backend serves
type Catalog struct {
	models map[string]Model
}

// NewCatalog returns the built-in models with overrides applied by id.
// Override fields left empty keep the built-in value; unknown ids add a model.
func NewCatalog(overrides []config.ModelConfig) *Catalog {
	c := &Catalog{models: make(map[string]Model, len(defaultModels))}
	for _, m := range defaultModels {
		c.models[m.ID] = m
	}

	for _, o := range overrides {
		if o.ID == "" {
			continue
		}
		m := c.models[o.ID]
		m.ID = o.ID
		if o.Name != "" {
			m.Name = o.Name
		}
		if o.Type != "" {
			m.Type = o.Type
		}
		if o.Description != "" {
			m.Description = o.Description
		}
		if o.Provider != "" {
			m.Provider = o.Provider
		}
		if o.ProviderModel != "" {
			m.ProviderModel = o.ProviderModel
		}
		if o.MaxOutputs > 0 {
			m.MaxOutputs = o.MaxOutputs
		}
		if o.SupportsImageInput {
			m.SupportsImageInput = true
		}
		if m.MaxOutputs <= 0 {
			m.MaxOutputs = 1
		}
		c.models[o.ID] = m
	}
	return c
}

// Get looks a model up by id
func (c *Catalog) Get(id string) (Model, bool) {
	m, ok := c.models[id]
	return m, ok
}

// List returns all models ordered by id
func (c *Catalog) List() []Model {
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
