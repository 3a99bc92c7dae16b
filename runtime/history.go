package runtime

import (
	"sync"

	"github.com/petal-labs/petalcanvas/core"
)

// History is the process-lifetime run log, most recent first.
type History struct {
	mu      sync.RWMutex
	runs    []core.WorkflowRun
	maxRuns int
}

// NewHistory creates a History. maxRuns bounds the number of kept runs; zero
// means unbounded.
func NewHistory(maxRuns int) *History {
	if maxRuns < 0 {
		maxRuns = 0
	}
	return &History{maxRuns: maxRuns}
}

// Add prepends run. When the history is bounded the oldest runs are dropped.
func (h *History) Add(run core.WorkflowRun) {
	run = run.Clone()

	h.mu.Lock()
	defer h.mu.Unlock()

	next := make([]core.WorkflowRun, 0, len(h.runs)+1)
	next = append(next, run)
	next = append(next, h.runs...)
	if h.maxRuns > 0 && len(next) > h.maxRuns {
		next = next[:h.maxRuns]
	}
	h.runs = next
}

// Update applies patch to the run with the given ID. It reports whether the
// run was found.
func (h *History) Update(runID string, patch core.RunPatch) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, r := range h.runs {
		if r.ID == runID {
			h.runs[i] = patch.Apply(r).Clone()
			return true
		}
	}
	return false
}

// List returns copies of all runs, most recent first.
func (h *History) List() []core.WorkflowRun {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]core.WorkflowRun, len(h.runs))
	for i, r := range h.runs {
		out[i] = r.Clone()
	}
	return out
}

// Get returns a copy of the run with the given ID.
func (h *History) Get(runID string) (core.WorkflowRun, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, r := range h.runs {
		if r.ID == runID {
			return r.Clone(), true
		}
	}
	return core.WorkflowRun{}, false
}

// Len returns the number of kept runs.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runs)
}
