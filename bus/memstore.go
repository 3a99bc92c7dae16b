package bus

import (
	"context"
	"sync"

	"github.com/petal-labs/petalcanvas/runtime"
)

// MemEventStore is a thread-safe in-memory event store. It can be bounded to
// the most recent runs so it follows the run history's capacity.
type MemEventStore struct {
	mu      sync.RWMutex
	events  map[string][]runtime.Event // runID -> events
	order   []string                   // runIDs, oldest first
	maxRuns int
}

// NewMemEventStore creates an unbounded in-memory event store.
func NewMemEventStore() *MemEventStore {
	return NewBoundedMemEventStore(0)
}

// NewBoundedMemEventStore keeps events of at most maxRuns runs; zero means
// unbounded. The run whose first event is oldest is evicted first.
func NewBoundedMemEventStore(maxRuns int) *MemEventStore {
	return &MemEventStore{
		events:  make(map[string][]runtime.Event),
		maxRuns: maxRuns,
	}
}

func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.events[event.RunID]; !seen {
		s.order = append(s.order, event.RunID)
		if s.maxRuns > 0 && len(s.order) > s.maxRuns {
			evict := s.order[0]
			s.order = s.order[1:]
			delete(s.events, evict)
		}
	}
	s.events[event.RunID] = append(s.events[event.RunID], event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []runtime.Event
	for _, e := range s.events[runID] {
		if afterSeq > 0 && e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	for _, e := range s.events[runID] {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	return maxSeq, nil
}

// RunIDs returns the stored run IDs, oldest first.
func (s *MemEventStore) RunIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
