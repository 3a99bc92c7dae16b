// Package llmprovider implements core.Generator on top of iris chat providers
// and on top of an HTTP generation backend.
package llmprovider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	iriscore "github.com/petal-labs/iris/core"
	"github.com/petal-labs/iris/providers"
	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"

	"github.com/petal-labs/petalcanvas/core"
)

// ErrImagesUnsupported is returned by the iris generator for requests that
// carry image inputs.
var ErrImagesUnsupported = errors.New("image inputs are not supported by the iris generator; use the http generator")

// IrisConfig configures an IrisGenerator.
type IrisConfig struct {
	// Provider is the iris provider name (openai, anthropic, ollama).
	Provider string

	// APIKey is passed to the provider.
	APIKey string

	// Models maps canvas model names to provider model IDs.
	Models ModelMap

	Temperature *float32
	MaxTokens   *int

	Logger *slog.Logger
}

// IrisGenerator sends generation requests through an iris provider.
type IrisGenerator struct {
	provider iriscore.Provider
	config   IrisConfig
	logger   *slog.Logger
}

var _ core.Generator = (*IrisGenerator)(nil)

// NewIrisGenerator creates a generator for the named provider.
// It delegates to the iris provider registry to instantiate the provider.
func NewIrisGenerator(cfg IrisConfig) (*IrisGenerator, error) {
	provider, err := providers.Create(cfg.Provider, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", cfg.Provider, err)
	}
	return NewIrisGeneratorFromProvider(provider, cfg), nil
}

// NewIrisGeneratorFromProvider wraps an existing iris provider.
func NewIrisGeneratorFromProvider(provider iriscore.Provider, cfg IrisConfig) *IrisGenerator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IrisGenerator{provider: provider, config: cfg, logger: logger}
}

// Generate implements core.Generator. Provider failures are reported as an
// unsuccessful result so the message reaches the run history verbatim.
func (g *IrisGenerator) Generate(ctx context.Context, req core.GenerateRequest) (core.GenerateResult, error) {
	if req.UserMessage == "" {
		return core.GenerateResult{Error: "User message is required"}, nil
	}
	if len(req.Images) > 0 {
		return core.GenerateResult{Error: ErrImagesUnsupported.Error()}, nil
	}

	resp, err := g.provider.Chat(ctx, g.toRequest(req))
	if err != nil {
		g.logger.Warn("provider chat failed", "provider", g.provider.ID(), "model", req.Model, "error", err)
		return core.GenerateResult{Error: err.Error()}, nil
	}

	g.logger.Debug("provider chat completed",
		"provider", g.provider.ID(),
		"model", string(resp.Model),
		"response_id", resp.ID,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"total_tokens", resp.Usage.TotalTokens,
	)
	return core.GenerateResult{Success: true, Response: resp.Output}, nil
}

// toRequest converts a GenerateRequest to an iris ChatRequest.
func (g *IrisGenerator) toRequest(req core.GenerateRequest) *iriscore.ChatRequest {
	messages := make([]iriscore.Message, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, iriscore.Message{
			Role:    iriscore.RoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, iriscore.Message{
		Role:    iriscore.RoleUser,
		Content: req.UserMessage,
	})

	chatReq := &iriscore.ChatRequest{
		Model:    iriscore.ModelID(g.config.Models.Resolve(req.Model)),
		Messages: messages,
	}
	if g.config.Temperature != nil {
		temp := *g.config.Temperature
		chatReq.Temperature = &temp
	}
	if g.config.MaxTokens != nil {
		chatReq.MaxTokens = g.config.MaxTokens
	}
	return chatReq
}
