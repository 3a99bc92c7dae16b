package graph

import (
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/petal-labs/petalcanvas/core"
)

func seqIDs() StoreOption {
	n := 0
	return WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("dup_%d", n)
	})
}

func textNode(id string) core.Node {
	return core.Node{ID: id, Type: core.NodeTypeText, Data: core.NodeMeta{Label: id}}
}

func TestStore_AddNode_AssignsID(t *testing.T) {
	s := NewStore(seqIDs())
	n := s.AddNode(core.Node{Type: core.NodeTypeText})
	if n.ID != "dup_1" {
		t.Fatalf("ID = %q, want %q", n.ID, "dup_1")
	}
	if !s.Snapshot().HasNode("dup_1") {
		t.Fatal("node not stored")
	}
}

func TestStore_AddNode_ReplacesSameID(t *testing.T) {
	s := NewStore()
	s.AddNode(textNode("a"))
	s.AddNode(core.Node{ID: "a", Type: core.NodeTypeLLM})

	nodes := s.Snapshot().Nodes()
	if len(nodes) != 1 {
		t.Fatalf("got %d nodes, want 1", len(nodes))
	}
	if nodes[0].Type != core.NodeTypeLLM {
		t.Errorf("Type = %q, want %q", nodes[0].Type, core.NodeTypeLLM)
	}
}

func TestStore_UpdateNodeData_Merges(t *testing.T) {
	s := NewStore()
	s.AddNode(textNode("a"))

	s.UpdateNodeData("a", map[string]any{"text": "hello", "output": "hello"})
	s.UpdateNodeData("a", map[string]any{"output": "bye"})

	data, ok := s.Snapshot().NodeData("a")
	if !ok {
		t.Fatal("expected node data")
	}
	if data["text"] != "hello" {
		t.Errorf("text = %v, want hello (preserved)", data["text"])
	}
	if data["output"] != "bye" {
		t.Errorf("output = %v, want bye", data["output"])
	}
}

func TestStore_UpdateNodeData_CreatesEntry(t *testing.T) {
	s := NewStore()
	s.UpdateNodeData("ghost", map[string]any{"k": 1})
	if _, ok := s.Snapshot().NodeData("ghost"); !ok {
		t.Fatal("expected entry to be created")
	}
}

func TestStore_UpdateExistingNodeData(t *testing.T) {
	s := NewStore()
	s.AddNode(textNode("a"))

	if !s.UpdateExistingNodeData("a", map[string]any{"output": "x"}) {
		t.Error("UpdateExistingNodeData(a) = false, want true")
	}
	rev := s.Snapshot().Revision()
	if s.UpdateExistingNodeData("ghost", map[string]any{"output": "x"}) {
		t.Error("UpdateExistingNodeData(ghost) = true, want false")
	}
	if _, ok := s.Snapshot().NodeData("ghost"); ok {
		t.Error("data created for a missing node")
	}
	if got := s.Snapshot().Revision(); got != rev {
		t.Errorf("Revision = %d, want %d (no transition)", got, rev)
	}
}

func TestStore_DeleteNode_Cascades(t *testing.T) {
	s := NewStore()
	s.AddNode(textNode("a"))
	s.AddNode(textNode("b"))
	s.AddNode(textNode("c"))
	s.Connect(Connection{Source: "a", Target: "b", TargetHandle: "input"})
	s.Connect(Connection{Source: "b", Target: "c", TargetHandle: "input"})
	s.Connect(Connection{Source: "a", Target: "c", TargetHandle: "other"})
	s.UpdateNodeData("a", map[string]any{"output": "x"})
	s.RegisterNodeHandles("a", nil, []core.HandleInfo{{ID: "output", Type: core.HandleText}})

	before := s.Snapshot()
	s.DeleteNode("a")
	snap := s.Snapshot()

	if snap.HasNode("a") {
		t.Error("node a still present")
	}
	for _, e := range snap.Edges() {
		if e.Touches("a") {
			t.Errorf("edge %q still references a", e.ID)
		}
	}
	if len(snap.Edges()) != 1 {
		t.Errorf("got %d edges, want 1", len(snap.Edges()))
	}
	if _, ok := snap.NodeData("a"); ok {
		t.Error("node data for a still present")
	}
	if _, ok := snap.Handles("a"); ok {
		t.Error("handles for a still present")
	}
	if _, ok := snap.Resolve("b", "input"); ok {
		t.Error("resolve of handle fed by deleted node should be absent")
	}

	// The earlier snapshot is untouched.
	if !before.HasNode("a") || len(before.Edges()) != 3 {
		t.Error("previous snapshot was mutated")
	}
}

func TestStore_DeleteNode_UnknownIsNoop(t *testing.T) {
	s := NewStore()
	s.AddNode(textNode("a"))
	rev := s.Snapshot().Revision()
	s.DeleteNode("missing")
	if s.Snapshot().Revision() != rev {
		t.Error("unknown delete should not publish a new revision")
	}
}

func TestStore_DuplicateNode(t *testing.T) {
	s := NewStore(seqIDs())
	orig := textNode("a")
	orig.Position = core.Position{X: 10, Y: 20}
	orig.Selected = true
	s.AddNode(orig)
	s.AddNode(textNode("b"))
	s.Connect(Connection{Source: "a", Target: "b", TargetHandle: "input"})
	s.Connect(Connection{Source: "b", Target: "a", TargetHandle: "input"})
	s.UpdateNodeData("a", map[string]any{
		"text":  "hi",
		"crop":  map[string]any{"x": 1.0},
		"items": []any{"one"},
	})

	dup, ok := s.DuplicateNode("a")
	if !ok {
		t.Fatal("DuplicateNode returned false")
	}
	if dup.ID == "a" || dup.ID == "" {
		t.Fatalf("duplicate ID = %q, want fresh id", dup.ID)
	}
	if dup.Position != (core.Position{X: 60, Y: 70}) {
		t.Errorf("Position = %+v, want {60 70}", dup.Position)
	}
	if dup.Selected {
		t.Error("duplicate should be deselected")
	}
	if dup.Type != orig.Type || dup.Data.Label != orig.Data.Label {
		t.Error("duplicate should copy type and label")
	}

	snap := s.Snapshot()
	if n := len(snap.EdgesInto(dup.ID)) + len(snap.EdgesFrom(dup.ID)); n != 0 {
		t.Errorf("duplicate has %d edges, want 0", n)
	}

	origData, _ := snap.NodeData("a")
	dupData, _ := snap.NodeData(dup.ID)
	if !reflect.DeepEqual(origData, dupData) {
		t.Errorf("dup data = %v, want %v", dupData, origData)
	}

	s.UpdateNodeData(dup.ID, map[string]any{"text": "changed"})
	origData, _ = s.Snapshot().NodeData("a")
	if origData["text"] != "hi" {
		t.Errorf("original text = %v after mutating duplicate", origData["text"])
	}

	// Nested values are independent too.
	dupData["crop"].(map[string]any)["x"] = 99.0
	origData, _ = s.Snapshot().NodeData("a")
	if origData["crop"].(map[string]any)["x"] != 1.0 {
		t.Error("nested data shared between snapshot copies")
	}
}

func TestStore_DuplicateNode_Unknown(t *testing.T) {
	s := NewStore()
	if _, ok := s.DuplicateNode("missing"); ok {
		t.Error("expected false for unknown node")
	}
}

func TestStore_RenameAndLock(t *testing.T) {
	s := NewStore()
	s.AddNode(textNode("a"))

	s.RenameNode("a", "Prompt")
	s.SetNodeLock("a", true)

	n, _ := s.Snapshot().Node("a")
	if n.Data.Label != "Prompt" {
		t.Errorf("Label = %q, want Prompt", n.Data.Label)
	}
	if !n.Data.IsLocked {
		t.Error("expected locked")
	}
	if n.Draggable == nil || *n.Draggable {
		t.Error("locked node should not be draggable")
	}
	if n.Selectable == nil || *n.Selectable {
		t.Error("locked node should not be selectable")
	}

	s.SetNodeLock("a", false)
	n, _ = s.Snapshot().Node("a")
	if n.Data.IsLocked || !*n.Draggable || !*n.Selectable {
		t.Error("unlock should restore flags")
	}
}

func TestStore_Connect(t *testing.T) {
	s := NewStore()
	edge, ok := s.Connect(Connection{Source: "a", SourceHandle: "output", Target: "b", TargetHandle: "prompt"})
	if !ok {
		t.Fatal("Connect returned false")
	}
	if edge.ID != "reactflow__edge-aoutput-bprompt" {
		t.Errorf("ID = %q", edge.ID)
	}
	if _, ok := s.Connect(Connection{Source: "a", SourceHandle: "output", Target: "b", TargetHandle: "prompt"}); ok {
		t.Error("identical connection should not be added twice")
	}
	if _, ok := s.Connect(Connection{Source: "", Target: "b"}); ok {
		t.Error("malformed connection should be rejected")
	}
	if got := len(s.Snapshot().Edges()); got != 1 {
		t.Errorf("got %d edges, want 1", got)
	}
}

func TestStore_SetNodes_DropsRemovedNodeState(t *testing.T) {
	s := NewStore()
	s.AddNode(textNode("a"))
	s.AddNode(textNode("b"))
	s.Connect(Connection{Source: "a", Target: "b", TargetHandle: "input"})
	s.UpdateNodeData("a", map[string]any{"output": "x"})

	s.SetNodes([]core.Node{textNode("b")})

	snap := s.Snapshot()
	if len(snap.Edges()) != 0 {
		t.Error("edge to removed node should be dropped")
	}
	if _, ok := snap.NodeData("a"); ok {
		t.Error("data of removed node should be dropped")
	}
}

func TestStore_RegisterNodeHandles_Idempotent(t *testing.T) {
	s := NewStore()
	in := []core.HandleInfo{{ID: "prompt", Type: core.HandleText}}
	out := []core.HandleInfo{{ID: "output", Type: core.HandleText}}
	s.RegisterNodeHandles("a", in, out)
	s.RegisterNodeHandles("a", in, out)

	h, ok := s.Snapshot().Handles("a")
	if !ok {
		t.Fatal("handles not registered")
	}
	if len(h.Inputs) != 1 || len(h.Outputs) != 1 {
		t.Errorf("handles = %+v", h)
	}

	// Caller slices are not retained.
	in[0].Type = core.HandleImage
	h, _ = s.Snapshot().Handles("a")
	if h.Inputs[0].Type != core.HandleText {
		t.Error("store retained caller slice")
	}
}

func TestStore_Subscribe(t *testing.T) {
	s := NewStore()
	var revs []uint64
	s.Subscribe(func(snap *Snapshot) {
		revs = append(revs, snap.Revision())
	})
	s.AddNode(textNode("a"))
	s.RenameNode("a", "x")
	s.RenameNode("missing", "x")

	if !reflect.DeepEqual(revs, []uint64{1, 2}) {
		t.Errorf("revisions = %v, want [1 2]", revs)
	}
}

func TestStore_ConcurrentMutationsNeverTear(t *testing.T) {
	s := NewStore()
	s.AddNode(textNode("hub"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := fmt.Sprintf("n%d_%d", i, j)
				s.AddNode(textNode(id))
				s.Connect(Connection{Source: id, Target: "hub", TargetHandle: id})
				s.UpdateNodeData(id, map[string]any{"output": j})
				s.DeleteNode(id)
			}
		}(i)
	}

	done := make(chan struct{})
	var readerErr error
	go func() {
		defer close(done)
		for k := 0; k < 500; k++ {
			snap := s.Snapshot()
			for _, e := range snap.Edges() {
				if !snap.HasNode(e.Source) || !snap.HasNode(e.Target) {
					readerErr = fmt.Errorf("torn read: edge %s references missing node", e.ID)
					return
				}
			}
			for id := range snap.AllNodeData() {
				if !snap.HasNode(id) {
					readerErr = fmt.Errorf("torn read: data for missing node %s", id)
					return
				}
			}
		}
	}()

	wg.Wait()
	<-done
	if readerErr != nil {
		t.Fatal(readerErr)
	}
}
