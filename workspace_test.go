package petalcanvas_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	petalcanvas "github.com/petal-labs/petalcanvas"
	"github.com/petal-labs/petalcanvas/bus"
	"github.com/petal-labs/petalcanvas/core"
	"github.com/petal-labs/petalcanvas/graph"
	"github.com/petal-labs/petalcanvas/runtime"
)

const pngDataURL = "data:image/png;base64,iVBORw0KGgo="

type recordingGenerator struct {
	mu   sync.Mutex
	reqs []core.GenerateRequest
	resp core.GenerateResult
}

func (g *recordingGenerator) Generate(_ context.Context, req core.GenerateRequest) (core.GenerateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	return g.resp, nil
}

func (g *recordingGenerator) last() core.GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reqs[len(g.reqs)-1]
}

// passthroughImages leaves image inputs untouched.
type passthroughImages struct{}

func (passthroughImages) Compress(_ context.Context, ref string) (string, error) { return ref, nil }

func newWorkspace(t *testing.T, gen core.Generator) *petalcanvas.Workspace {
	t.Helper()
	ws := petalcanvas.New(petalcanvas.Config{
		ID:        "ws-1",
		UserID:    "user-1",
		Generator: gen,
		Images:    passthroughImages{},
	})
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func mustAdd(t *testing.T, ws *petalcanvas.Workspace, typ core.NodeType) core.Node {
	t.Helper()
	n, err := ws.AddNode(typ, core.Position{})
	if err != nil {
		t.Fatalf("AddNode(%s): %v", typ, err)
	}
	return n
}

func waitRun(t *testing.T, task *runtime.Task) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := task.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("run did not finish")
	}
	return out, err
}

func TestWorkspace_AddNodeRegistersHandles(t *testing.T) {
	ws := newWorkspace(t, nil)

	llm := mustAdd(t, ws, core.NodeTypeLLM)
	if llm.Data.Label != "Any LLM" {
		t.Errorf("label = %q, want Any LLM", llm.Data.Label)
	}
	h, ok := ws.Snapshot().Handles(llm.ID)
	if !ok {
		t.Fatal("llm node has no handles")
	}
	var ids []string
	for _, in := range h.Inputs {
		ids = append(ids, in.ID)
	}
	want := []string{"prompt", "systemPrompt", "image_1"}
	if len(ids) != len(want) {
		t.Fatalf("inputs = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("inputs[%d] = %q, want %q", i, ids[i], want[i])
		}
	}

	if _, err := ws.AddNode("bogusNode", core.Position{}); !errors.Is(err, petalcanvas.ErrUnknownNodeType) {
		t.Errorf("err = %v, want ErrUnknownNodeType", err)
	}
}

func TestWorkspace_LateImageHandleRegistration(t *testing.T) {
	ws := newWorkspace(t, nil)
	img := mustAdd(t, ws, core.NodeTypeImageUpload)
	llm := mustAdd(t, ws, core.NodeTypeLLM)
	ws.UpdateNodeData(img.ID, map[string]any{"output": pngDataURL})

	// image_2 is not declared yet: the connection is allowed (fail-open)
	// but nothing resolves through it.
	if _, err := ws.Connect(graph.Connection{Source: img.ID, SourceHandle: "output", Target: llm.ID, TargetHandle: "image_2"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, ok := ws.Resolve(llm.ID, "image_2"); ok {
		t.Fatal("image_2 resolved before it was declared")
	}

	ws.UpdateNodeData(llm.ID, map[string]any{"imageCount": 2})

	got, ok := ws.Resolve(llm.ID, "image_2")
	if !ok || got != pngDataURL {
		t.Errorf("Resolve(image_2) = %v, %v; want the image", got, ok)
	}
}

func TestWorkspace_ConnectIncompatibleIsAdvisory(t *testing.T) {
	ws := newWorkspace(t, nil)
	video := mustAdd(t, ws, core.NodeTypeVideoUpload)
	llm := mustAdd(t, ws, core.NodeTypeLLM)
	crop := mustAdd(t, ws, core.NodeTypeCropImage)

	tests := []struct {
		name           string
		conn           graph.Connection
		wantCompatible bool
		wantErr        error
	}{
		{"video to prompt", graph.Connection{Source: video.ID, SourceHandle: "output", Target: llm.ID, TargetHandle: "prompt"}, false, nil},
		{"crop to image", graph.Connection{Source: crop.ID, SourceHandle: "output", Target: llm.ID, TargetHandle: "image_1"}, true, nil},
		{"missing target", graph.Connection{Source: crop.ID}, false, graph.ErrInvalidEdge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ws.Connect(tt.conn)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Connect err = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got.Compatible != tt.wantCompatible {
				t.Errorf("Compatible = %v, want %v", got.Compatible, tt.wantCompatible)
			}
			if got.Edge.Source != tt.conn.Source || got.Edge.Target != tt.conn.Target {
				t.Errorf("Edge = %+v, want %s -> %s", got.Edge, tt.conn.Source, tt.conn.Target)
			}
		})
	}
	if n := len(ws.Snapshot().Edges()); n != 2 {
		t.Errorf("edges = %d, want 2", n)
	}

	// Connecting the same handles again keeps a single edge.
	_, _ = ws.Connect(tests[1].conn)
	if n := len(ws.Snapshot().Edges()); n != 2 {
		t.Errorf("edges after repeat = %d, want 2", n)
	}
}

func TestWorkspace_RunLLM(t *testing.T) {
	gen := &recordingGenerator{resp: core.GenerateResult{Success: true, Response: "hi"}}
	store := bus.NewMemEventStore()
	ws := petalcanvas.New(petalcanvas.Config{Generator: gen, EventStore: store, Images: passthroughImages{}})
	defer ws.Close()

	text := mustAdd(t, ws, core.NodeTypeText)
	llm := mustAdd(t, ws, core.NodeTypeLLM)
	ws.RenameNode(llm.ID, "Writer")
	ws.SetText(text.ID, "hello")
	if _, err := ws.Connect(graph.Connection{Source: text.ID, SourceHandle: "output", Target: llm.ID, TargetHandle: "prompt"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	task, err := ws.Trigger(context.Background(), llm.ID)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	out, err := waitRun(t, task)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "hi" {
		t.Errorf("output = %v, want hi", out)
	}
	if gen.last().UserMessage != "hello" || gen.last().Model != "gemini" {
		t.Errorf("request = %+v", gen.last())
	}

	data, _ := ws.Snapshot().NodeData(llm.ID)
	if data["output"] != "hi" {
		t.Errorf("NodeData output = %v, want hi", data["output"])
	}

	runs := ws.History()
	if len(runs) != 1 || runs[0].Status != core.RunCompleted {
		t.Fatalf("history = %+v", runs)
	}
	logs := runs[0].Logs
	if len(logs) != 2 || logs[0].NodeLabel != "Text" || logs[0].Output != "hello" || logs[1].NodeLabel != "Writer" {
		t.Errorf("logs = %+v", logs)
	}

	events, _ := store.List(context.Background(), task.RunID, 0, 0)
	if len(events) == 0 || events[len(events)-1].Kind != runtime.EventRunFinished {
		t.Errorf("stored events = %d, last should be run.finished", len(events))
	}
}

func TestWorkspace_Trigger_Errors(t *testing.T) {
	ws := newWorkspace(t, &recordingGenerator{})
	text := mustAdd(t, ws, core.NodeTypeText)

	if _, err := ws.Trigger(context.Background(), "missing"); !errors.Is(err, petalcanvas.ErrNodeNotFound) {
		t.Errorf("err = %v, want ErrNodeNotFound", err)
	}
	if _, err := ws.Trigger(context.Background(), text.ID); !errors.Is(err, petalcanvas.ErrNotExecutable) {
		t.Errorf("err = %v, want ErrNotExecutable", err)
	}
}

func TestWorkspace_SetTextPublishesOutput(t *testing.T) {
	ws := newWorkspace(t, nil)
	text := mustAdd(t, ws, core.NodeTypeText)
	ws.SetText(text.ID, "draft")

	data, _ := ws.Snapshot().NodeData(text.ID)
	if data["text"] != "draft" || data["output"] != "draft" {
		t.Errorf("data = %v", data)
	}
}

func TestWorkspace_DuplicateCopiesHandles(t *testing.T) {
	ws := newWorkspace(t, nil)
	llm := mustAdd(t, ws, core.NodeTypeLLM)
	ws.UpdateNodeData(llm.ID, map[string]any{"imageCount": 3})

	dup, ok := ws.DuplicateNode(llm.ID)
	if !ok {
		t.Fatal("DuplicateNode failed")
	}
	h, ok := ws.Snapshot().Handles(dup.ID)
	if !ok || len(h.Inputs) != 5 {
		t.Errorf("duplicate inputs = %d, want 5", len(h.Inputs))
	}
}

func TestWorkspace_ExportImport(t *testing.T) {
	src := newWorkspace(t, nil)
	src.SetName("Storyboard")
	img := mustAdd(t, src, core.NodeTypeImageUpload)
	crop := mustAdd(t, src, core.NodeTypeCropImage)
	src.UpdateNodeData(img.ID, map[string]any{"output": pngDataURL})
	if _, err := src.Connect(graph.Connection{Source: img.ID, SourceHandle: "output", Target: crop.ID, TargetHandle: "imageInput"}); err != nil {
		t.Fatal(err)
	}

	doc := src.Export()
	if doc.ID != "ws-1" || doc.Name != "Storyboard" || doc.UserID != "user-1" {
		t.Errorf("doc identity = %q/%q/%q", doc.ID, doc.Name, doc.UserID)
	}

	dst := petalcanvas.New(petalcanvas.Config{ID: "ws-2"})
	defer dst.Close()
	dst.Import(doc)

	if dst.Name() != "Storyboard" {
		t.Errorf("Name = %q", dst.Name())
	}
	if _, ok := dst.Snapshot().Handles(crop.ID); !ok {
		t.Error("handles not re-derived after import")
	}
	if got, ok := dst.Resolve(crop.ID, "imageInput"); !ok || got != pngDataURL {
		t.Errorf("Resolve after import = %v, %v", got, ok)
	}
	if graph.HasErrors(dst.Validate()) {
		t.Errorf("unexpected errors: %+v", graph.Errors(dst.Validate()))
	}
}

func TestWorkspace_ValidateReportsDanglingEdge(t *testing.T) {
	ws := newWorkspace(t, nil)
	n := mustAdd(t, ws, core.NodeTypeText)
	ws.Store().SetEdges([]core.Edge{{ID: "e1", Source: n.ID, Target: "ghost", TargetHandle: "prompt"}})

	diags := ws.Validate()
	if !graph.HasErrors(diags) {
		t.Fatalf("diagnostics = %+v, want GR-001", diags)
	}
	if graph.Errors(diags)[0].Code != "GR-001" {
		t.Errorf("code = %q, want GR-001", graph.Errors(diags)[0].Code)
	}
}

func TestWorkspace_OnChange(t *testing.T) {
	ws := newWorkspace(t, nil)
	var revisions []uint64
	ws.OnChange(func(s *graph.Snapshot) { revisions = append(revisions, s.Revision()) })

	n := mustAdd(t, ws, core.NodeTypeText)
	ws.DeleteNode(n.ID)

	if len(revisions) < 2 {
		t.Fatalf("revisions = %v, want at least 2", revisions)
	}
	for i := 1; i < len(revisions); i++ {
		if revisions[i] <= revisions[i-1] {
			t.Errorf("revisions not increasing: %v", revisions)
		}
	}
}
