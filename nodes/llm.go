package nodes

import (
	"context"
	"errors"
	"time"

	"github.com/petal-labs/petalcanvas/core"
	"github.com/petal-labs/petalcanvas/runtime"
)

// ErrUserMessageRequired is returned when neither a connected prompt nor the
// node's own userMessage provides text.
var ErrUserMessageRequired = errors.New("User message is required")

// DefaultModel is the model used when the node does not choose one.
const DefaultModel = "gemini"

// LLMConfig configures an LLMExecutor.
type LLMConfig struct {
	// Generator is the text generation backend. Required.
	Generator core.Generator

	// DefaultModel is used when NodeData has no "model" (default: gemini).
	DefaultModel string

	// Timeout bounds a single generation call. Zero means no limit.
	Timeout time.Duration
}

// LLMExecutor runs a model-invocation node.
type LLMExecutor struct {
	config LLMConfig
}

var _ runtime.Executor = (*LLMExecutor)(nil)

// NewLLMExecutor creates an LLMExecutor.
func NewLLMExecutor(config LLMConfig) *LLMExecutor {
	if config.DefaultModel == "" {
		config.DefaultModel = DefaultModel
	}
	return &LLMExecutor{config: config}
}

// Inputs lists the system prompt, the prompt and every declared image input.
// Images are compressed before they leave the process.
func (x *LLMExecutor) Inputs(data core.NodeData) []runtime.Input {
	handles, _ := Handles(core.NodeTypeLLM, data)
	byID := make(map[string]core.HandleInfo, len(handles.Inputs))
	for _, h := range handles.Inputs {
		byID[h.ID] = h
	}

	inputs := []runtime.Input{
		{Handle: byID[HandleSystemPrompt]},
		{Handle: byID[HandlePrompt]},
	}
	for i := 1; i <= ImageCount(data); i++ {
		inputs = append(inputs, runtime.Input{Handle: byID[ImageHandle(i)], Compress: true})
	}
	return inputs
}

// Execute calls the generator and returns its response text.
func (x *LLMExecutor) Execute(ctx context.Context, req runtime.Request) (any, error) {
	if x.config.Generator == nil {
		return nil, errors.New("no generator configured")
	}

	sys, _ := req.Data.String("systemPrompt")
	user, _ := req.Data.String("userMessage")
	genReq := core.GenerateRequest{
		Model:        x.model(req.Data),
		SystemPrompt: firstNonEmpty(toString(req.Inputs[HandleSystemPrompt]), sys),
		UserMessage:  firstNonEmpty(toString(req.Inputs[HandlePrompt]), user),
	}
	if genReq.UserMessage == "" {
		return nil, ErrUserMessageRequired
	}
	for i := 1; i <= ImageCount(req.Data); i++ {
		if img := req.Input(ImageHandle(i)); img != "" {
			genReq.Images = append(genReq.Images, img)
		}
	}

	if x.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.config.Timeout)
		defer cancel()
	}

	res, err := x.config.Generator.Generate(ctx, genReq)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		if res.Error == "" {
			return nil, errors.New("Execution failed")
		}
		return nil, errors.New(res.Error)
	}

	runtime.EmitterFromContext(ctx)(runtime.NewEvent(runtime.EventNodeOutput, req.RunID).
		WithNode(req.Node.ID, req.Node.Type).
		WithPayload("model", genReq.Model).
		WithPayload("images", len(genReq.Images)).
		WithPayload("response_chars", len(res.Response)))

	return res.Response, nil
}

func (x *LLMExecutor) model(data core.NodeData) string {
	if m, ok := data.String("model"); ok && m != "" {
		return m
	}
	return x.config.DefaultModel
}
