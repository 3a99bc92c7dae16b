package llmprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/petal-labs/petalcanvas/core"
)

// HTTPConfig configures an HTTPGenerator.
type HTTPConfig struct {
	// Endpoint receives POST {model, systemPrompt, userMessage, images}
	// and answers {success, response, error}.
	Endpoint string

	// Timeout bounds each request (default: 120s).
	Timeout time.Duration

	// Client overrides the HTTP client.
	Client *http.Client
}

// HTTPGenerator calls a remote generation backend over HTTP. It is the only
// generator that forwards image inputs.
type HTTPGenerator struct {
	endpoint string
	client   *http.Client
}

var _ core.Generator = (*HTTPGenerator)(nil)

// NewHTTPGenerator creates an HTTPGenerator.
func NewHTTPGenerator(cfg HTTPConfig) (*HTTPGenerator, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("http generator: endpoint is required")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPGenerator{endpoint: cfg.Endpoint, client: client}, nil
}

// Generate implements core.Generator.
func (g *HTTPGenerator) Generate(ctx context.Context, req core.GenerateRequest) (core.GenerateResult, error) {
	if req.Images == nil {
		req.Images = []string{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return core.GenerateResult{}, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return core.GenerateResult{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return core.GenerateResult{}, fmt.Errorf("calling generation backend: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return core.GenerateResult{}, fmt.Errorf("reading response: %w", err)
	}

	var result core.GenerateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		if resp.StatusCode >= 300 {
			return core.GenerateResult{}, fmt.Errorf("generation backend returned status %d", resp.StatusCode)
		}
		return core.GenerateResult{}, fmt.Errorf("decoding response: %w", err)
	}
	if resp.StatusCode >= 300 && result.Error == "" {
		result.Success = false
		result.Error = fmt.Sprintf("generation backend returned status %d", resp.StatusCode)
	}
	return result, nil
}
