package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Request describes one generation to run against a backend.
type Request struct {
	JobID  string          `json:"job_id"`
	Type   string          `json:"type"`
	Model  string          `json:"model"`
	Prompt string          `json:"prompt"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Result is a finished generation. ActualCost is the provider-reported cost
// in credits; nil means the caller should fall back to its own estimate.
type Result struct {
	URL        string          `json:"url"`
	ActualCost *int64          `json:"actual_cost,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Provider runs generations against one backend. Generate blocks until the
// output is ready or ctx is done.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Result, error)
}

// Error codes reported by providers.
const (
	CodeInvalidRequest = "invalid_request"
	CodeContentPolicy  = "content_policy"
	CodeRateLimited    = "rate_limited"
	CodeUnavailable    = "unavailable"
	CodeTimeout        = "timeout"
)

// Error is a classified provider failure. Retryable failures are worth
// re-running; the rest will fail the same way every time.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

// IsRetryable reports whether retrying err could plausibly succeed.
// Unclassified errors (network failures, decode errors) count as retryable;
// the queue's attempt cap bounds the damage of guessing wrong.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}
