package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/petalcanvas/core"
	"github.com/petal-labs/petalcanvas/graph"
)

// Engine errors
var (
	ErrNodeBusy      = errors.New("node is already running")
	ErrNodeNotFound  = errors.New("node not found")
	ErrNotExecutable = errors.New("node type is not executable")
	ErrNodeExecution = errors.New("node execution failed")
)

// NoOutput is the provenance value recorded for a connected upstream node
// that has not published anything yet.
const NoOutput = "(No output)"

// DefaultTimestampLayout formats WorkflowRun timestamps.
const DefaultTimestampLayout = time.RFC3339

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Store is the graph the engine resolves inputs from and publishes
	// outputs to. Required.
	Store *graph.Store

	// History receives one WorkflowRun per trigger. Defaults to an
	// unbounded History.
	History *History

	// Executors maps node types to their executor. Types without an
	// entry cannot be triggered.
	Executors map[core.NodeType]Executor

	// Images compresses inputs marked Compress. Nil passes values through.
	Images ImageTransformer

	// ImageConcurrency bounds parallel image transforms (default: 4).
	ImageConcurrency int

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time

	// TimestampLayout formats run timestamps (default: RFC3339).
	TimestampLayout string

	// EventHandler receives events during execution.
	EventHandler EventHandler

	// EventBus distributes events to subscribers.
	EventBus EventPublisher

	// EventEmitterDecorator wraps the internal event emitter.
	EventEmitterDecorator EventEmitterDecorator

	Logger *slog.Logger
}

// Engine triggers node runs. Each node has at most one run in flight.
type Engine struct {
	cfg     EngineConfig
	history *History
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]*Task
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Store == nil {
		cfg.Store = graph.NewStore()
	}
	if cfg.History == nil {
		cfg.History = NewHistory(0)
	}
	if cfg.ImageConcurrency <= 0 {
		cfg.ImageConcurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TimestampLayout == "" {
		cfg.TimestampLayout = DefaultTimestampLayout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		history:  cfg.History,
		logger:   logger,
		inflight: make(map[string]*Task),
	}
}

// History returns the engine's run log.
func (e *Engine) History() *History {
	return e.history
}

// State reports whether nodeID currently has a run in flight.
func (e *Engine) State(nodeID string) TaskState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[nodeID]; ok {
		return StateRunning
	}
	return StateIdle
}

// Executable reports whether nodes of type t can be triggered.
func (e *Engine) Executable(t core.NodeType) bool {
	_, ok := e.cfg.Executors[t]
	return ok
}

// Trigger starts a run of nodeID and returns immediately. The run record is
// added to the history before Trigger returns, so runs are ordered by
// trigger time. ctx values (trace context) are inherited; its cancellation
// is not: a triggered run always completes.
func (e *Engine) Trigger(ctx context.Context, nodeID string) (*Task, error) {
	node, ok := e.cfg.Store.Snapshot().Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	exec, ok := e.cfg.Executors[node.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotExecutable, node.Type)
	}

	e.mu.Lock()
	if _, busy := e.inflight[nodeID]; busy {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNodeBusy, nodeID)
	}
	start := e.cfg.Now()
	task := newTask("run-"+uuid.NewString(), nodeID, e.history)
	e.inflight[nodeID] = task
	e.history.Add(core.WorkflowRun{
		ID:        task.RunID,
		NodeID:    nodeID,
		Timestamp: start.Format(e.cfg.TimestampLayout),
		Status:    core.RunRunning,
	})
	e.mu.Unlock()

	go e.execute(context.WithoutCancel(ctx), task, node, exec, start)
	return task, nil
}

func (e *Engine) execute(ctx context.Context, task *Task, node core.Node, exec Executor, start time.Time) {
	seq := newSeqGen()
	emit := func(ev Event) {
		ev.Seq = seq.Next()
		if e.cfg.EventBus != nil {
			e.cfg.EventBus.Publish(ev)
		}
		if e.cfg.EventHandler != nil {
			e.cfg.EventHandler(ev)
		}
	}
	if e.cfg.EventEmitterDecorator != nil {
		emit = e.cfg.EventEmitterDecorator(emit)
	}
	ctx = ContextWithEmitter(ctx, emit)

	emit(NewEvent(EventRunStarted, task.RunID).
		WithNode(node.ID, node.Type).
		WithPayload("label", node.DisplayLabel()))
	emit(NewEvent(EventNodeStarted, task.RunID).WithNode(node.ID, node.Type))

	snap := e.cfg.Store.Snapshot()
	data, _ := snap.NodeData(node.ID)
	if data == nil {
		data = core.NodeData{}
	}

	inputs := exec.Inputs(data)
	values := make(map[string]any, len(inputs))
	var logs []core.ExecutionLog
	for _, in := range inputs {
		res, found := snap.ResolveInput(node.ID, in.Handle.ID)
		if !found {
			continue
		}
		if res.HasValue {
			values[in.Handle.ID] = res.Value
		}
		if !res.HasSource {
			continue
		}
		output := res.Value
		if !res.HasValue {
			output = NoOutput
		}
		logs = append(logs, core.ExecutionLog{
			ID:        uuid.NewString(),
			NodeID:    res.Source.ID,
			NodeLabel: res.Source.DisplayLabel(),
			Status:    core.LogSuccess,
			Output:    output,
		})
		emit(NewEvent(EventNodeInput, task.RunID).
			WithNode(node.ID, node.Type).
			WithElapsed(e.cfg.Now().Sub(start)).
			WithPayload("handle", in.Handle.ID).
			WithPayload("source", res.Source.ID).
			WithPayload("value", summarize(output)))
	}

	e.compressImages(ctx, inputs, values)

	output, err := e.invoke(ctx, exec, Request{
		RunID:  task.RunID,
		Node:   node,
		Data:   data,
		Inputs: values,
	})
	elapsed := e.cfg.Now().Sub(start)

	status := core.RunCompleted
	own := core.ExecutionLog{
		ID:        uuid.NewString(),
		NodeID:    node.ID,
		NodeLabel: node.DisplayLabel(),
		Duration:  roundDuration(elapsed),
	}
	if err != nil {
		status = core.RunFailed
		own.Status = core.LogError
		own.Error = err.Error()
		e.logger.Warn("node run failed", "run_id", task.RunID, "node_id", node.ID, "error", err)
		emit(NewEvent(EventNodeFailed, task.RunID).
			WithNode(node.ID, node.Type).
			WithElapsed(elapsed).
			WithPayload("error", err.Error()))
	} else {
		own.Status = core.LogSuccess
		own.Output = output
		if !e.cfg.Store.UpdateExistingNodeData(node.ID, map[string]any{core.OutputKey: output}) {
			e.logger.Info("node deleted during run, output discarded", "run_id", task.RunID, "node_id", node.ID)
		}
		emit(NewEvent(EventNodeFinished, task.RunID).
			WithNode(node.ID, node.Type).
			WithElapsed(elapsed).
			WithPayload("output", summarize(output)))
	}

	e.history.Update(task.RunID, core.RunPatch{
		Status: &status,
		Logs:   append(logs, own),
	})

	finish := NewEvent(EventRunFinished, task.RunID).
		WithNode(node.ID, node.Type).
		WithElapsed(elapsed).
		WithPayload("status", string(status))
	if err != nil {
		finish = finish.WithPayload("error", err.Error())
	}
	emit(finish)

	e.mu.Lock()
	delete(e.inflight, node.ID)
	e.mu.Unlock()
	task.finish(output, err)
}

// invoke runs the executor, turning a panic into a failed run.
func (e *Engine) invoke(ctx context.Context, exec Executor, req Request) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("%w: panic: %v", ErrNodeExecution, r)
		}
	}()
	return exec.Execute(ctx, req)
}

// compressImages replaces compressible image values in place. A failed
// transform keeps the original value.
func (e *Engine) compressImages(ctx context.Context, inputs []Input, values map[string]any) {
	if e.cfg.Images == nil {
		return
	}

	type job struct {
		handle string
		ref    string
		out    string
	}
	var jobs []*job
	for _, in := range inputs {
		if !in.Compress {
			continue
		}
		if ref, ok := values[in.Handle.ID].(string); ok && ref != "" {
			jobs = append(jobs, &job{handle: in.Handle.ID, ref: ref, out: ref})
		}
	}
	if len(jobs) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.ImageConcurrency)
	for _, j := range jobs {
		g.Go(func() error {
			out, err := e.cfg.Images.Compress(ctx, j.ref)
			if err != nil {
				e.logger.Warn("image transform failed, using original", "handle", j.handle, "error", err)
				return nil
			}
			j.out = out
			return nil
		})
	}
	_ = g.Wait()

	for _, j := range jobs {
		values[j.handle] = j.out
	}
}

// roundDuration converts d to seconds rounded to one decimal place.
func roundDuration(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}
