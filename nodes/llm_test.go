package nodes

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/petalcanvas/core"
	"github.com/petal-labs/petalcanvas/graph"
	"github.com/petal-labs/petalcanvas/runtime"
)

// fakeGenerator records requests and replies with a fixed result.
type fakeGenerator struct {
	result core.GenerateResult
	err    error
	reqs   []core.GenerateRequest
}

func (g *fakeGenerator) Generate(_ context.Context, req core.GenerateRequest) (core.GenerateResult, error) {
	g.reqs = append(g.reqs, req)
	return g.result, g.err
}

func TestLLMExecutor_Inputs(t *testing.T) {
	x := NewLLMExecutor(LLMConfig{})
	inputs := x.Inputs(core.NodeData{"imageCount": 2})

	want := []string{"systemPrompt", "prompt", "image_1", "image_2"}
	if len(inputs) != len(want) {
		t.Fatalf("got %d inputs, want %d", len(inputs), len(want))
	}
	for i, in := range inputs {
		if in.Handle.ID != want[i] {
			t.Errorf("inputs[%d] = %s, want %s", i, in.Handle.ID, want[i])
		}
		if in.Compress != strings.HasPrefix(want[i], "image_") {
			t.Errorf("inputs[%d].Compress = %v", i, in.Compress)
		}
	}
}

func TestLLMExecutor_Execute(t *testing.T) {
	tests := []struct {
		name    string
		data    core.NodeData
		inputs  map[string]any
		want    core.GenerateRequest
		wantErr error
	}{
		{
			name:   "connected inputs win",
			data:   core.NodeData{"userMessage": "own", "systemPrompt": "own sys", "model": "claude"},
			inputs: map[string]any{"prompt": "hello", "systemPrompt": "be brief"},
			want:   core.GenerateRequest{Model: "claude", SystemPrompt: "be brief", UserMessage: "hello"},
		},
		{
			name: "falls back to node data",
			data: core.NodeData{"userMessage": "own", "systemPrompt": "own sys"},
			want: core.GenerateRequest{Model: "gemini", SystemPrompt: "own sys", UserMessage: "own"},
		},
		{
			name:   "blank upstream falls back",
			data:   core.NodeData{"userMessage": "own"},
			inputs: map[string]any{"prompt": "  "},
			want:   core.GenerateRequest{Model: "gemini", UserMessage: "own"},
		},
		{
			name:   "non-string upstream is rendered",
			inputs: map[string]any{"prompt": 42.0},
			want:   core.GenerateRequest{Model: "gemini", UserMessage: "42"},
		},
		{
			name:   "images in handle order",
			data:   core.NodeData{"imageCount": 3},
			inputs: map[string]any{"prompt": "describe", "image_3": "c", "image_1": "a"},
			want:   core.GenerateRequest{Model: "gemini", UserMessage: "describe", Images: []string{"a", "c"}},
		},
		{
			name:    "empty user message",
			data:    core.NodeData{"systemPrompt": "sys"},
			wantErr: ErrUserMessageRequired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{result: core.GenerateResult{Success: true, Response: "ok"}}
			x := NewLLMExecutor(LLMConfig{Generator: gen})

			out, err := x.Execute(context.Background(), runtime.Request{Data: tt.data, Inputs: tt.inputs})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if len(gen.reqs) != 0 {
					t.Error("generator should not be called")
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if out != "ok" {
				t.Errorf("out = %v, want ok", out)
			}
			got := gen.reqs[0]
			if got.Model != tt.want.Model || got.SystemPrompt != tt.want.SystemPrompt || got.UserMessage != tt.want.UserMessage {
				t.Errorf("request = %+v, want %+v", got, tt.want)
			}
			if strings.Join(got.Images, ",") != strings.Join(tt.want.Images, ",") {
				t.Errorf("Images = %v, want %v", got.Images, tt.want.Images)
			}
		})
	}
}

func TestLLMExecutor_GeneratorFailures(t *testing.T) {
	req := runtime.Request{Data: core.NodeData{"userMessage": "hi"}}

	x := NewLLMExecutor(LLMConfig{Generator: &fakeGenerator{result: core.GenerateResult{Error: "quota exceeded"}}})
	if _, err := x.Execute(context.Background(), req); err == nil || err.Error() != "quota exceeded" {
		t.Errorf("err = %v, want quota exceeded", err)
	}

	x = NewLLMExecutor(LLMConfig{Generator: &fakeGenerator{}})
	if _, err := x.Execute(context.Background(), req); err == nil || err.Error() != "Execution failed" {
		t.Errorf("err = %v, want Execution failed", err)
	}

	boom := errors.New("connection refused")
	x = NewLLMExecutor(LLMConfig{Generator: &fakeGenerator{err: boom}})
	if _, err := x.Execute(context.Background(), req); err == nil || err.Error() != "connection refused" {
		t.Errorf("err = %v, want the raw generator message", err)
	}

	x = NewLLMExecutor(LLMConfig{})
	if _, err := x.Execute(context.Background(), req); err == nil {
		t.Error("expected error without generator")
	}
}

func TestLLMExecutor_Timeout(t *testing.T) {
	gen := core.GeneratorFunc(func(ctx context.Context, _ core.GenerateRequest) (core.GenerateResult, error) {
		<-ctx.Done()
		return core.GenerateResult{}, ctx.Err()
	})
	x := NewLLMExecutor(LLMConfig{Generator: gen, Timeout: 10 * time.Millisecond})
	_, err := x.Execute(context.Background(), runtime.Request{Data: core.NodeData{"userMessage": "hi"}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestLLMExecutor_ThroughEngine(t *testing.T) {
	s := graph.NewStore()
	s.AddNode(core.Node{ID: "A", Type: core.NodeTypeText})
	s.AddNode(core.Node{ID: "B", Type: core.NodeTypeLLM, Data: core.NodeMeta{Label: "Writer"}})
	for _, n := range s.Snapshot().Nodes() {
		h, _ := Handles(n.Type, nil)
		s.RegisterNodeHandles(n.ID, h.Inputs, h.Outputs)
	}
	s.UpdateNodeData("A", map[string]any{"text": "hello", "output": "hello"})
	s.Connect(graph.Connection{Source: "A", SourceHandle: "output", Target: "B", TargetHandle: "prompt"})

	gen := &fakeGenerator{result: core.GenerateResult{Success: true, Response: "hi"}}
	e := runtime.NewEngine(runtime.EngineConfig{
		Store:     s,
		Executors: Executors(ExecutorsConfig{LLM: LLMConfig{Generator: gen}}),
	})

	task, err := e.Trigger(context.Background(), "B")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := task.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	data, _ := s.Snapshot().NodeData("B")
	if data["output"] != "hi" {
		t.Errorf("B output = %v, want hi", data["output"])
	}
	run, _ := task.Run()
	if len(run.Logs) != 2 || run.Logs[0].NodeLabel != "textNode" || run.Logs[1].NodeLabel != "Writer" {
		t.Errorf("logs = %+v", run.Logs)
	}
	if gen.reqs[0].UserMessage != "hello" {
		t.Errorf("UserMessage = %q", gen.reqs[0].UserMessage)
	}
}
