package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/genjob/internal/api/domain"
	"github.com/cuongbtq/genjob/internal/api/dto"
	"github.com/cuongbtq/genjob/internal/api/model"
	"github.com/cuongbtq/genjob/internal/generation"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxImageSize = 10 << 20

// Generate handles POST /api/generate
// Runs an image generation inline and returns its results
func (h *JobHandler) Generate(c *gin.Context) {
	h.logger.Info("Generate called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	req, m, image, ok := h.bindGenerate(c)
	if !ok {
		return
	}
	if m.OutputType() == generation.OutputVideo {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Video models must use /api/generate-async",
		})
		return
	}

	ctx := c.Request.Context()
	if h.syncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.syncTimeout)
		defer cancel()
	}

	results, err := h.generator.Generate(ctx, generation.ModeSync, req.Model, req.Prompt, req.NumImages, image)
	if err != nil {
		h.logger.Error("Sync generation failed",
			slog.String("model_id", req.Model),
			slog.String("error", err.Error()),
		)
		c.JSON(generationStatus(err), gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, dto.GenerateResponse{
		Results: toModelResults(results),
	})
}

// GenerateAsync handles POST /api/generate-async
// Records a pending job and queues it for a worker
func (h *JobHandler) GenerateAsync(c *gin.Context) {
	h.logger.Info("GenerateAsync called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	req, _, image, ok := h.bindGenerate(c)
	if !ok {
		return
	}

	now := time.Now().UTC()
	job := model.GenerationJob{
		JobID:      uuid.New().String(),
		ModelID:    req.Model,
		Prompt:     req.Prompt,
		NumOutputs: req.NumImages,
		Status:     domain.JobStatusPending,
		Message:    domain.MessageQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if image != nil {
		job.InputImage = image.Data
		job.InputMIME = image.MIMEType
	}

	ctx := c.Request.Context()
	if err := h.jobs.CreateJob(ctx, &job); err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	msg := domain.JobMessage{JobID: job.JobID, ModelID: job.ModelID}
	if err := h.dispatcher.PublishJSON(ctx, job.JobID, msg); err != nil {
		h.logger.Error("Failed to queue job",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		if markErr := h.jobs.MarkFailed(context.WithoutCancel(ctx), job.JobID, "failed to queue job"); markErr != nil {
			h.logger.Error("Failed to mark unqueued job", slog.String("error", markErr.Error()))
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to queue job",
		})
		return
	}

	c.JSON(http.StatusOK, dto.GenerateAsyncResponse{
		Success: true,
		JobID:   job.JobID,
		Message: domain.MessageQueued,
	})
}

// JobStatus handles GET /api/job-status/:job_id
func (h *JobHandler) JobStatus(c *gin.Context) {
	jobID := c.Param("job_id")

	h.logger.Debug("JobStatus called",
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.jobs.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	resp := dto.JobStatusResponse{
		JobID:    job.JobID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.Message,
	}
	switch job.Status {
	case domain.JobStatusCompleted:
		results, err := job.DecodeResults()
		if err != nil {
			h.logger.Error("Corrupt job results", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to read job results",
			})
			return
		}
		resp.Results = results
		if len(results) == 1 {
			resp.Result = &results[0]
		}
	case domain.JobStatusFailed:
		resp.Error = job.Error
	}

	c.JSON(http.StatusOK, resp)
}

// ModelInfo handles GET /api/model-info/:model_id
func (h *JobHandler) ModelInfo(c *gin.Context) {
	m, ok := h.generator.Catalog().Get(c.Param("model_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Model not found",
		})
		return
	}
	c.JSON(http.StatusOK, toModelInfo(m))
}

// ListModels handles GET /api/models
func (h *JobHandler) ListModels(c *gin.Context) {
	models := h.generator.Catalog().List()
	resp := dto.ListModelsResponse{Models: make([]dto.ModelInfoResponse, len(models))}
	for i, m := range models {
		resp.Models[i] = toModelInfo(m)
	}
	c.JSON(http.StatusOK, resp)
}

// bindGenerate parses the shared multipart form. It writes the error response
// itself and reports ok=false when the request cannot proceed.
func (h *JobHandler) bindGenerate(c *gin.Context) (dto.GenerateRequest, generation.Model, *generation.InputImage, bool) {
	var req dto.GenerateRequest
	if err := c.ShouldBind(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return req, generation.Model{}, nil, false
	}

	m, ok := h.generator.Catalog().Get(req.Model)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Unknown model %q", req.Model),
		})
		return req, m, nil, false
	}

	image, err := readImage(c)
	if err != nil {
		h.logger.Error("Invalid image upload", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return req, m, nil, false
	}
	if m.RequiresImage() && image == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Model %q requires an input image", m.ID),
		})
		return req, m, nil, false
	}

	return req, m, image, true
}

func readImage(c *gin.Context) (*generation.InputImage, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}
		return nil, fmt.Errorf("invalid image upload: %w", err)
	}
	if fh.Size > maxImageSize {
		return nil, fmt.Errorf("image exceeds %d bytes", maxImageSize)
	}

	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return &generation.InputImage{Data: data, MIMEType: mimeType}, nil
}

func generationStatus(err error) int {
	switch {
	case errors.Is(err, generation.ErrUnknownModel), errors.Is(err, generation.ErrImageRequired):
		return http.StatusBadRequest
	case errors.Is(err, generation.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func toModelResults(in []generation.Result) []model.Result {
	out := make([]model.Result, len(in))
	for i, r := range in {
		out[i] = model.Result{URL: r.URL, Type: r.Type}
	}
	return out
}

func toModelInfo(m generation.Model) dto.ModelInfoResponse {
	return dto.ModelInfoResponse{
		ID:                 m.ID,
		Name:               m.Name,
		Type:               m.Type,
		Description:        m.Description,
		OutputType:         m.OutputType(),
		MaxOutputs:         m.MaxOutputs,
		SupportsImageInput: m.SupportsImageInput,
		RequiresImage:      m.RequiresImage(),
	}
}
