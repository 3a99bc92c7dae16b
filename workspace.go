package petalcanvas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalcanvas/bus"
	"github.com/petal-labs/petalcanvas/core"
	"github.com/petal-labs/petalcanvas/graph"
	"github.com/petal-labs/petalcanvas/media"
	"github.com/petal-labs/petalcanvas/nodes"
	"github.com/petal-labs/petalcanvas/runtime"
)

// ErrUnknownNodeType reports an AddNode call with an unregistered type.
var ErrUnknownNodeType = errors.New("unknown node type")

// Config configures a Workspace.
type Config struct {
	// ID, Name and UserID identify the workflow. An empty ID gets a fresh
	// UUID; an empty Name becomes graph.DefaultWorkflowName.
	ID     string
	Name   string
	UserID string

	// Generator backs model-invocation nodes.
	Generator core.Generator

	// DefaultModel is used by model-invocation nodes without a "model".
	DefaultModel string

	// GenerateTimeout bounds one generation call. Zero means no limit.
	GenerateTimeout time.Duration

	// Executors replaces the default executor table.
	Executors map[core.NodeType]runtime.Executor

	// Fetcher loads media references. Defaults to media.NewFetcher(0).
	Fetcher *media.Fetcher

	// FrameExtractor defaults to an ffmpeg-backed extractor.
	FrameExtractor media.FrameExtractor

	// MediaTimeout bounds one crop or frame extraction. Zero means no limit.
	MediaTimeout time.Duration

	// Images compresses model image inputs. Defaults to media.NewCompressor.
	Images runtime.ImageTransformer

	// MaxRuns bounds the run history; zero keeps every run.
	MaxRuns int

	// EventBus receives engine events. A private in-memory bus is created
	// when nil.
	EventBus bus.EventBus

	// EventStore persists engine events for replay. Optional.
	EventStore bus.EventStore

	// EventHandler receives engine events in addition to the bus.
	EventHandler runtime.EventHandler

	// EventEmitterDecorator wraps the engine's emitter (trace enrichment).
	EventEmitterDecorator runtime.EventEmitterDecorator

	// Now provides the current time (for testing).
	Now func() time.Time

	Logger *slog.Logger
}

// Workspace owns one workflow's graph, run history and engine.
type Workspace struct {
	id     string
	userID string

	mu   sync.RWMutex
	name string

	store   *graph.Store
	history *runtime.History
	engine  *runtime.Engine
	events  bus.EventBus
	ownBus  bool
	logger  *slog.Logger
}

// New creates an empty workspace.
func New(cfg Config) *Workspace {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := cfg.Name
	if name == "" {
		name = graph.DefaultWorkflowName
	}

	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = media.NewFetcher(0)
	}
	executors := cfg.Executors
	if executors == nil {
		extractor := cfg.FrameExtractor
		if extractor == nil {
			extractor = media.NewFFmpegExtractor(fetcher, "", "")
		}
		executors = nodes.Executors(nodes.ExecutorsConfig{
			LLM: nodes.LLMConfig{
				Generator:    cfg.Generator,
				DefaultModel: cfg.DefaultModel,
				Timeout:      cfg.GenerateTimeout,
			},
			Fetcher:        fetcher,
			FrameExtractor: extractor,
			MediaTimeout:   cfg.MediaTimeout,
		})
	}
	images := cfg.Images
	if images == nil {
		images = media.NewCompressor(fetcher)
	}

	eb := cfg.EventBus
	ownBus := false
	if eb == nil {
		eb = bus.NewMemBus(bus.MemBusConfig{})
		ownBus = true
	}
	handlers := []runtime.EventHandler{}
	if cfg.EventStore != nil {
		handlers = append(handlers, bus.NewStoreSubscriber(cfg.EventStore, logger).Handle)
	}
	if cfg.EventHandler != nil {
		handlers = append(handlers, cfg.EventHandler)
	}

	store := graph.NewStore()
	history := runtime.NewHistory(cfg.MaxRuns)
	engine := runtime.NewEngine(runtime.EngineConfig{
		Store:                 store,
		History:               history,
		Executors:             executors,
		Images:                images,
		Now:                   cfg.Now,
		EventHandler:          runtime.MultiEventHandler(handlers...),
		EventBus:              eb,
		EventEmitterDecorator: cfg.EventEmitterDecorator,
		Logger:                logger,
	})

	return &Workspace{
		id:      id,
		userID:  cfg.UserID,
		name:    name,
		store:   store,
		history: history,
		engine:  engine,
		events:  eb,
		ownBus:  ownBus,
		logger:  logger.With("workspace_id", id),
	}
}

// ID returns the workflow ID.
func (w *Workspace) ID() string { return w.id }

// UserID returns the owner of the workflow.
func (w *Workspace) UserID() string { return w.userID }

// Name returns the workflow name.
func (w *Workspace) Name() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.name
}

// SetName renames the workflow. An empty name resets it to the default.
func (w *Workspace) SetName(name string) {
	if name == "" {
		name = graph.DefaultWorkflowName
	}
	w.mu.Lock()
	w.name = name
	w.mu.Unlock()
}

// Store exposes the underlying graph store.
func (w *Workspace) Store() *graph.Store { return w.store }

// Snapshot returns the current consistent view of the graph.
func (w *Workspace) Snapshot() *graph.Snapshot { return w.store.Snapshot() }

// Events returns the bus engine events are published on.
func (w *Workspace) Events() bus.EventBus { return w.events }

// OnChange registers fn to be called with each new graph snapshot.
func (w *Workspace) OnChange(fn graph.Listener) { w.store.Subscribe(fn) }

// AddNode places a fresh node of type t at pos with the type's default label
// and registers its handles.
func (w *Workspace) AddNode(t core.NodeType, pos core.Position) (core.Node, error) {
	if !t.Valid() {
		return core.Node{}, fmt.Errorf("%w: %q", ErrUnknownNodeType, t)
	}
	return w.PlaceNode(core.Node{
		Type:     t,
		Position: pos,
		Data:     core.NodeMeta{Label: t.DefaultLabel()},
	}), nil
}

// PlaceNode adds node as given (an empty ID is generated) and registers its
// handles when the type is known.
func (w *Workspace) PlaceNode(node core.Node) core.Node {
	node = w.store.AddNode(node)
	w.registerHandles(w.store.Snapshot(), node)
	return node
}

// ApplyNodeChanges applies canvas deltas and registers handles for added
// nodes.
func (w *Workspace) ApplyNodeChanges(changes []graph.NodeChange) {
	w.store.ApplyNodeChanges(changes)
	snap := w.store.Snapshot()
	for _, c := range changes {
		if c.Type != graph.ChangeAdd || c.Item == nil {
			continue
		}
		if n, ok := snap.Node(c.Item.ID); ok {
			w.registerHandles(snap, n)
		}
	}
}

// ApplyEdgeChanges applies canvas edge deltas.
func (w *Workspace) ApplyEdgeChanges(changes []graph.EdgeChange) {
	w.store.ApplyEdgeChanges(changes)
}

// DeleteNode removes the node with its edges, data and handles.
func (w *Workspace) DeleteNode(nodeID string) {
	w.store.DeleteNode(nodeID)
}

// DuplicateNode copies a node, its data and its handles without edges.
func (w *Workspace) DuplicateNode(nodeID string) (core.Node, bool) {
	return w.store.DuplicateNode(nodeID)
}

// RenameNode sets a node's label.
func (w *Workspace) RenameNode(nodeID, name string) {
	w.store.RenameNode(nodeID, name)
}

// SetNodeLock locks or unlocks a node.
func (w *Workspace) SetNodeLock(nodeID string, locked bool) {
	w.store.SetNodeLock(nodeID, locked)
}

// UpdateNodeData merges partial into the node's data. When a key the node's
// handle declaration depends on changes, the declaration is re-registered.
func (w *Workspace) UpdateNodeData(nodeID string, partial map[string]any) {
	w.store.UpdateNodeData(nodeID, partial)

	snap := w.store.Snapshot()
	n, ok := snap.Node(nodeID)
	if !ok {
		return
	}
	for key := range partial {
		if nodes.DependsOnData(n.Type, key) {
			w.registerHandles(snap, n)
			return
		}
	}
}

// SetText edits a text node, publishing the text as its output in the same
// transition.
func (w *Workspace) SetText(nodeID, text string) {
	w.store.UpdateNodeData(nodeID, map[string]any{"text": text, core.OutputKey: text})
}

// CanConnect reports whether conn joins compatible handles.
func (w *Workspace) CanConnect(conn graph.Connection) bool {
	return w.store.Snapshot().CanConnectEdge(conn)
}

// Connected is the outcome of Connect. Compatible is advisory: an edge
// between mismatched handles is still added.
type Connected struct {
	Edge       core.Edge `json:"edge"`
	Compatible bool      `json:"compatible"`
}

// Connect adds the edge and reports whether its handles are compatible.
// Connecting an identical pair of handles twice returns the existing edge.
func (w *Workspace) Connect(conn graph.Connection) (Connected, error) {
	if conn.Source == "" || conn.Target == "" {
		return Connected{}, fmt.Errorf("%w: source and target are required", graph.ErrInvalidEdge)
	}
	compatible := w.CanConnect(conn)
	if !compatible {
		w.logger.Debug("connecting incompatible handles",
			"source", conn.Source, "source_handle", conn.SourceHandle,
			"target", conn.Target, "target_handle", conn.TargetHandle)
	}
	edge, _ := w.store.Connect(conn)
	return Connected{Edge: edge, Compatible: compatible}, nil
}

// Resolve returns the value flowing into nodeID's handleID.
func (w *Workspace) Resolve(nodeID, handleID string) (any, bool) {
	return w.store.Resolve(nodeID, handleID)
}

// Trigger starts a run of nodeID.
func (w *Workspace) Trigger(ctx context.Context, nodeID string) (*runtime.Task, error) {
	task, err := w.engine.Trigger(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	w.logger.Debug("run triggered", "run_id", task.RunID, "node_id", nodeID)
	return task, nil
}

// Run triggers nodeID and waits for the result.
func (w *Workspace) Run(ctx context.Context, nodeID string) (any, error) {
	task, err := w.Trigger(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return task.Wait(ctx)
}

// NodeState reports whether nodeID has a run in flight.
func (w *Workspace) NodeState(nodeID string) runtime.TaskState {
	return w.engine.State(nodeID)
}

// History returns every run, most recent first.
func (w *Workspace) History() []core.WorkflowRun {
	return w.history.List()
}

// RunRecord returns one run by ID.
func (w *Workspace) RunRecord(runID string) (core.WorkflowRun, bool) {
	return w.history.Get(runID)
}

// Export serializes the workflow.
func (w *Workspace) Export() graph.Document {
	return w.store.Export(graph.DocumentMeta{ID: w.id, Name: w.Name(), UserID: w.userID})
}

// Import replaces the graph with doc's contents and re-derives every
// node's handles. The workspace keeps its own ID and owner.
func (w *Workspace) Import(doc graph.Document) {
	if doc.Name != "" {
		w.SetName(doc.Name)
	}
	w.store.Import(doc)
	snap := w.store.Snapshot()
	for _, n := range snap.Nodes() {
		w.registerHandles(snap, n)
	}
}

// Validate reports structural and handle-type diagnostics for the graph.
func (w *Workspace) Validate() []graph.Diagnostic {
	doc := w.Export()
	return doc.ValidateWithHandles(nodes.HandlesFor)
}

// Close releases the workspace's private event bus.
func (w *Workspace) Close() error {
	if w.ownBus {
		return w.events.Close()
	}
	return nil
}

func (w *Workspace) registerHandles(snap *graph.Snapshot, n core.Node) {
	data, _ := snap.NodeData(n.ID)
	h, ok := nodes.Handles(n.Type, data)
	if !ok {
		return
	}
	w.store.RegisterNodeHandles(n.ID, h.Inputs, h.Outputs)
}
