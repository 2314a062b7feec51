// Package eden calls the Eden AI aggregation API for image and video
// generation.
package eden

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lilseedabe/genbroker/internal/pricing"
	"github.com/lilseedabe/genbroker/internal/provider"
)

const defaultBaseURL = "https://api.edenai.run/v2"

// pollInterval is how often we check an async video generation.
const pollInterval = 5 * time.Second

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ provider.Provider = (*Client)(nil)

func New(baseURL, apiKey string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logger,
	}
}

func (c *Client) Name() string { return "eden" }

// Generate dispatches on the request type. Image generation is synchronous;
// video launches an async job and polls until it resolves or ctx expires.
func (c *Client) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	switch req.Type {
	case "image":
		return c.generateImage(ctx, req)
	case "video":
		return c.generateVideo(ctx, req)
	default:
		return nil, &provider.Error{
			Code:    provider.CodeInvalidRequest,
			Message: fmt.Sprintf("unsupported generation type %q", req.Type),
		}
	}
}

// imageRequest is the Eden AI image generation payload. The model string
// "vendor/model" splits into providers and settings.
type imageRequest struct {
	Providers  string            `json:"providers"`
	Settings   map[string]string `json:"settings,omitempty"`
	Text       string            `json:"text"`
	Resolution string            `json:"resolution,omitempty"`
	NumImages  int               `json:"num_images"`
}

type imageResponse map[string]struct {
	Status string `json:"status"`
	Items  []struct {
		ImageResourceURL string `json:"image_resource_url"`
	} `json:"items"`
	Cost  float64 `json:"cost"`
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *Client) generateImage(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	vendor, model := splitModel(req.Model)
	payload := imageRequest{
		Providers: vendor,
		Text:      req.Prompt,
		NumImages: 1,
	}
	if model != "" {
		payload.Settings = map[string]string{vendor: model}
	}
	if req.Params != nil {
		var p struct {
			Size string `json:"size"`
		}
		if err := json.Unmarshal(req.Params, &p); err == nil && p.Size != "" {
			payload.Resolution = p.Size
		}
	}

	body, err := c.post(ctx, "/image/generation", payload)
	if err != nil {
		return nil, err
	}
	var resp imageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding image response: %w", err)
	}
	out, ok := resp[vendor]
	if !ok {
		return nil, &provider.Error{
			Code:    provider.CodeUnavailable,
			Message: fmt.Sprintf("response missing vendor %q", vendor),
		}
	}
	if out.Status != "success" {
		return nil, classify(out.Error.Type, out.Error.Message)
	}
	if len(out.Items) == 0 || out.Items[0].ImageResourceURL == "" {
		return nil, &provider.Error{
			Code:      provider.CodeUnavailable,
			Message:   "success response without an image url",
			Retryable: true,
		}
	}
	cost := deliveredImageCost(req, len(out.Items))
	return &provider.Result{URL: out.Items[0].ImageResourceURL, ActualCost: &cost, Raw: body}, nil
}

// deliveredImageCost prices the images Eden actually returned. A partial
// delivery settles below the reservation and refunds the difference.
func deliveredImageCost(req *provider.Request, delivered int) int64 {
	var p pricing.ImageParams
	if req.Params != nil {
		_ = json.Unmarshal(req.Params, &p)
	}
	p.Quantity = delivered
	raw, _ := json.Marshal(p)
	return pricing.EstimateCost(req.Type, req.Model, raw).TotalCost
}

type videoLaunchResponse struct {
	PublicID string `json:"public_id"`
}

type videoStatusResponse struct {
	Status  string `json:"status"`
	Results map[string]struct {
		Status           string `json:"status"`
		VideoResourceURL string `json:"video_resource_url"`
		Cost             float64 `json:"cost"`
		Error            struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	} `json:"results"`
}

func (c *Client) generateVideo(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	vendor, model := splitModel(req.Model)
	payload := map[string]any{
		"providers": vendor,
		"text":      req.Prompt,
	}
	if model != "" {
		payload["settings"] = map[string]string{vendor: model}
	}
	if req.Params != nil {
		var p struct {
			Duration int `json:"duration"`
		}
		if err := json.Unmarshal(req.Params, &p); err == nil && p.Duration > 0 {
			payload["duration"] = p.Duration
		}
	}

	body, err := c.post(ctx, "/video/generation_async", payload)
	if err != nil {
		return nil, err
	}
	var launch videoLaunchResponse
	if err := json.Unmarshal(body, &launch); err != nil {
		return nil, fmt.Errorf("decoding video launch response: %w", err)
	}
	if launch.PublicID == "" {
		return nil, &provider.Error{
			Code:      provider.CodeUnavailable,
			Message:   "video launch returned no public_id",
			Retryable: true,
		}
	}
	c.logger.Info("video generation launched", "job_id", req.JobID, "public_id", launch.PublicID)
	result, err := c.pollVideo(ctx, vendor, launch.PublicID)
	if err != nil {
		return nil, err
	}
	cost := pricing.EstimateCost(req.Type, req.Model, req.Params).TotalCost
	result.ActualCost = &cost
	return result, nil
}

func (c *Client) pollVideo(ctx context.Context, vendor, publicID string) (*provider.Result, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, &provider.Error{
				Code:      provider.CodeTimeout,
				Message:   "video generation did not finish in time",
				Retryable: true,
			}
		case <-ticker.C:
		}

		body, err := c.get(ctx, "/video/generation_async/"+publicID)
		if err != nil {
			return nil, err
		}
		var status videoStatusResponse
		if err := json.Unmarshal(body, &status); err != nil {
			return nil, fmt.Errorf("decoding video status response: %w", err)
		}
		switch status.Status {
		case "finished", "succeeded":
			out, ok := status.Results[vendor]
			if !ok || out.VideoResourceURL == "" {
				return nil, &provider.Error{
					Code:      provider.CodeUnavailable,
					Message:   "finished video without a resource url",
					Retryable: true,
				}
			}
			return &provider.Result{URL: out.VideoResourceURL, Raw: body}, nil
		case "failed":
			out := status.Results[vendor]
			return nil, classify(out.Error.Type, out.Error.Message)
		}
		// still processing
	}
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling eden: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("reading eden response: %w", err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &provider.Error{Code: provider.CodeRateLimited, Message: "rate limited", Retryable: true}
	case resp.StatusCode >= 500:
		return nil, &provider.Error{
			Code:      provider.CodeUnavailable,
			Message:   fmt.Sprintf("eden returned status %d", resp.StatusCode),
			Retryable: true,
		}
	default:
		return nil, &provider.Error{
			Code:    provider.CodeInvalidRequest,
			Message: fmt.Sprintf("eden returned status %d: %s", resp.StatusCode, truncate(string(body), 200)),
		}
	}
}

// classify maps an Eden error type to our error codes.
func classify(errType, message string) error {
	lower := strings.ToLower(errType + " " + message)
	switch {
	case strings.Contains(lower, "content") || strings.Contains(lower, "safety") || strings.Contains(lower, "policy"):
		return &provider.Error{Code: provider.CodeContentPolicy, Message: message}
	case strings.Contains(lower, "rate") || strings.Contains(lower, "quota"):
		return &provider.Error{Code: provider.CodeRateLimited, Message: message, Retryable: true}
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "unavailable") || strings.Contains(lower, "overloaded"):
		return &provider.Error{Code: provider.CodeUnavailable, Message: message, Retryable: true}
	default:
		return &provider.Error{Code: provider.CodeInvalidRequest, Message: message}
	}
}

// splitModel splits "openai/dall-e-3" into vendor and model id.
func splitModel(full string) (vendor, model string) {
	if i := strings.Index(full, "/"); i >= 0 {
		return full[:i], full[i+1:]
	}
	return full, ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
