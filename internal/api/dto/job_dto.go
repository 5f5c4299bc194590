package dto

import (
	"github.com/cuongbtq/genjob/internal/api/model"
)

// GenerateRequest is the multipart form shared by generate and generate-async.
// The optional input image arrives as the "image" file field.
type GenerateRequest struct {
	Model     string `form:"model" binding:"required,max=100"`
	Prompt    string `form:"prompt" binding:"max=4000"`
	NumImages int    `form:"num_images" binding:"gte=0"`
}

type GenerateResponse struct {
	Results []model.Result `json:"results"`
}

type GenerateAsyncResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

type JobStatusResponse struct {
	JobID    string         `json:"job_id"`
	Status   string         `json:"status"`
	Progress int            `json:"progress"`
	Message  string         `json:"message,omitempty"`
	Result   *model.Result  `json:"result,omitempty"`
	Results  []model.Result `json:"results,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type ModelInfoResponse struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Type               string `json:"type"`
	Description        string `json:"description"`
	OutputType         string `json:"output_type"`
	MaxOutputs         int    `json:"max_outputs"`
	SupportsImageInput bool   `json:"supports_image_input"`
	RequiresImage      bool   `json:"requires_image"`
}

type ListModelsResponse struct {
	Models []ModelInfoResponse `json:"models"`
}
