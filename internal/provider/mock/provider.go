// Package mock is a provider for local development and tests. It returns
// deterministic placeholder URLs without calling any external API.
package mock

import (
	"context"
	"fmt"
	"time"

	"github.com/lilseedabe/genbroker/internal/provider"
)

type Provider struct {
	// Delay simulates generation latency.
	Delay time.Duration
	// FailWith, when set, is returned from every Generate call.
	FailWith error
}

var _ provider.Provider = (*Provider)(nil)

func New() *Provider {
	return &Provider{Delay: 100 * time.Millisecond}
}

func (p *Provider) Name() string { return "mock" }

func (p *Provider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(p.Delay):
	}
	if p.FailWith != nil {
		return nil, p.FailWith
	}
	ext := "png"
	if req.Type == "video" {
		ext = "mp4"
	}
	return &provider.Result{
		URL: fmt.Sprintf("https://cdn.example.com/generated/%s.%s", req.JobID, ext),
	}, nil
}
