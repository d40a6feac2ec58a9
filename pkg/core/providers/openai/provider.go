// Package openai implements the dialogue LLMClient against an
// OpenAI-compatible Chat Completions endpoint.
package openai

import (
	"context"
	"net/http"

	"github.com/serviolabs/servio/pkg/core/types"
)

const (
	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is the model used when none is configured.
	DefaultModel = "gpt-4o-mini"
)

// Provider implements the Chat Completions API.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// Option customizes the provider.
type Option func(*Provider)

// WithBaseURL points the provider at a compatible non-OpenAI endpoint.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) { p.baseURL = baseURL }
}

// WithModel selects the model for every request.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.httpClient = client }
}

// New creates a new provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		model:      DefaultModel,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return "openai"
}

// CreateChat sends one non-streaming request. Parallel tool calls are
// disabled so the model returns at most one call per response.
func (p *Provider) CreateChat(ctx context.Context, req types.ChatRequest) (*types.ChatResponse, error) {
	wireReq := p.buildRequest(req)

	respBody, err := p.doRequest(ctx, wireReq)
	if err != nil {
		return nil, err
	}

	return parseResponse(respBody)
}
