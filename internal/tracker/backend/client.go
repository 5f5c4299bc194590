package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/genjob/internal/tracker/jobstore"
)

// Config holds backend client settings
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the generation backend
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		logger:  logger.With(slog.String("component", "backend_client")),
	}
}

// ModelInfo fetches a model description
func (c *Client) ModelInfo(ctx context.Context, modelID string) (*ModelInfo, error) {
	resp, err := c.do(ctx, "model-info", http.MethodGet, "/api/model-info/"+url.PathEscape(modelID), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	if resp.StatusCode >= 300 {
		return nil, apiError(resp)
	}

	var info ModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, &TransportError{Op: "decode model-info", Err: err}
	}
	return &info, nil
}

// SubmitSync runs a generation in one request and returns its results
func (c *Client) SubmitSync(ctx context.Context, req SubmitRequest) ([]jobstore.Result, error) {
	resp, err := c.postMultipart(ctx, "submit-sync", "/api/generate", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, apiError(resp)
	}

	var out syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransportError{Op: "decode submit-sync", Err: err}
	}
	return out.Results, nil
}

// SubmitAsync creates a backend job and returns its id
func (c *Client) SubmitAsync(ctx context.Context, req SubmitRequest) (string, error) {
	resp, err := c.postMultipart(ctx, "submit-async", "/api/generate-async", req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", apiError(resp)
	}

	var out asyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &TransportError{Op: "decode submit-async", Err: err}
	}
	if out.JobID == "" {
		return "", &APIError{StatusCode: resp.StatusCode, Message: "backend returned no job id"}
	}
	return out.JobID, nil
}

// JobStatus polls one backend job. HTTP 404 yields ErrJobNotFound, another
// 4xx an ErrJobRejected wrapping the APIError, and 5xx a TransportError.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	resp, err := c.do(ctx, "job-status", http.MethodGet, "/api/job-status/"+url.PathEscape(jobID), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrJobNotFound
	}
	if resp.StatusCode >= 500 {
		return nil, &TransportError{Op: "job-status", Err: apiError(resp)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: %w", ErrJobRejected, apiError(resp))
	}
	if resp.StatusCode >= 300 {
		return nil, apiError(resp)
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransportError{Op: "decode job-status", Err: err}
	}

	status := &JobStatus{
		JobID:    out.JobID,
		State:    normalizeState(out.Status),
		Progress: out.Progress,
		Message:  out.Message,
		Results:  out.Results,
	}
	if len(status.Results) == 0 && out.Result != nil {
		status.Results = []jobstore.Result{*out.Result}
	}
	if status.State == JobFailed && out.Error != "" {
		status.Message = out.Error
	}
	return status, nil
}

// normalizeState folds backend states into pending/completed/failed
func normalizeState(s string) JobState {
	switch strings.ToLower(s) {
	case "completed":
		return JobCompleted
	case "failed":
		return JobFailed
	default:
		return JobPending
	}
}

func (c *Client) postMultipart(ctx context.Context, op, path string, req SubmitRequest) (*http.Response, error) {
	body, contentType, err := encodeMultipart(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", op, err)
	}
	return c.do(ctx, op, http.MethodPost, path, body, contentType)
}

func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Op: op, Err: err}
	}

	c.logger.Debug("Backend request",
		slog.String("op", op),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)),
	)
	return resp, nil
}

func encodeMultipart(req SubmitRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"model":  req.ModelID,
		"prompt": req.Prompt,
	}
	if req.NumOutputs > 0 {
		fields["num_images"] = strconv.Itoa(req.NumOutputs)
	}
	for k, v := range req.Fields {
		if _, reserved := fields[k]; !reserved {
			fields[k] = v
		}
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	for _, f := range req.Files {
		field := f.FieldName
		if field == "" {
			field = "image"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, f.Name))
		ct := f.ContentType
		if ct == "" {
			ct = http.DetectContentType(f.Data)
		}
		h.Set("Content-Type", ct)

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body errorResponse
	msg := strings.TrimSpace(string(data))
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// IsNotFound reports whether err is a 404 from the backend
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrModelNotFound)
}
