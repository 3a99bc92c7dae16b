package runtime

import (
	"context"
	"sync"

	"github.com/petal-labs/petalcanvas/core"
)

// TaskState is the execution state of a node run.
type TaskState string

const (
	StateIdle    TaskState = "idle"
	StateRunning TaskState = "running"
	StateSuccess TaskState = "success"
	StateError   TaskState = "error"
)

// Task is the handle returned by Engine.Trigger. It completes exactly once.
type Task struct {
	RunID  string
	NodeID string

	history *History
	done    chan struct{}

	mu     sync.Mutex
	state  TaskState
	output any
	err    error
}

func newTask(runID, nodeID string, history *History) *Task {
	return &Task{
		RunID:   runID,
		NodeID:  nodeID,
		history: history,
		done:    make(chan struct{}),
		state:   StateRunning,
	}
}

// State returns the task's current state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed when the run has finished and its history record is final.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the run finishes or ctx is done. Abandoning the wait does
// not stop the run.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output, t.err
}

// Run returns the run's current history record.
func (t *Task) Run() (core.WorkflowRun, bool) {
	return t.history.Get(t.RunID)
}

func (t *Task) finish(output any, err error) {
	t.mu.Lock()
	t.output = output
	t.err = err
	if err != nil {
		t.state = StateError
	} else {
		t.state = StateSuccess
	}
	t.mu.Unlock()
	close(t.done)
}
