package eden

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lilseedabe/genbroker/internal/provider"
)

func discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func imageServer(t *testing.T, vendorBlock map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/image/generation" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization header: %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"openai": vendorBlock})
	}))
}

func TestGenerateImageReportsCost(t *testing.T) {
	srv := imageServer(t, map[string]any{
		"status": "success",
		"items":  []map[string]string{{"image_resource_url": "https://cdn.example.com/fox.png"}},
		"cost":   0.04,
	})
	defer srv.Close()

	c := New(srv.URL, "test-key", discard())
	result, err := c.Generate(context.Background(), &provider.Request{
		JobID: "job_1", Type: "image", Model: "openai/dall-e-3", Prompt: "a fox",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if result.URL != "https://cdn.example.com/fox.png" {
		t.Errorf("result url: %q", result.URL)
	}
	// One delivered image at the dall-e-3 catalog rate. Settlement uses this
	// instead of consuming the full reservation blindly.
	if result.ActualCost == nil || *result.ActualCost != 40 {
		t.Errorf("actual cost: got %v, want 40", result.ActualCost)
	}
}

func TestGenerateImageContentPolicy(t *testing.T) {
	srv := imageServer(t, map[string]any{
		"status": "failed",
		"error":  map[string]string{"type": "content_policy", "message": "unsafe prompt"},
	})
	defer srv.Close()

	c := New(srv.URL, "test-key", discard())
	_, err := c.Generate(context.Background(), &provider.Request{
		JobID: "job_1", Type: "image", Model: "openai/dall-e-3", Prompt: "a fox",
	})
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Code != provider.CodeContentPolicy {
		t.Fatalf("expected a content policy error, got: %v", err)
	}
	if provider.IsRetryable(err) {
		t.Error("content policy rejections must not be retried")
	}
}

func TestGenerateRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", discard())
	_, err := c.Generate(context.Background(), &provider.Request{
		JobID: "job_1", Type: "image", Model: "openai/dall-e-3", Prompt: "a fox",
	})
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Code != provider.CodeRateLimited {
		t.Fatalf("expected a rate-limit error, got: %v", err)
	}
	if !provider.IsRetryable(err) {
		t.Error("rate limits are retryable")
	}
}
