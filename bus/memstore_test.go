package bus

import (
	"context"
	"testing"

	"github.com/petal-labs/petalcanvas/runtime"
)

func newTestStore(t *testing.T) *MemEventStore {
	t.Helper()
	return NewMemEventStore()
}

func appendRun(t *testing.T, s EventStore, runID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		e := runtime.NewEvent(runtime.EventNodeInput, runID)
		e.Seq = uint64(i)
		if err := s.Append(context.Background(), e); err != nil {
			t.Fatalf("Append(%s, %d): %v", runID, i, err)
		}
	}
}

func TestMemEventStore_List(t *testing.T) {
	store := newTestStore(t)
	appendRun(t, store, "run-1", 10)
	appendRun(t, store, "run-2", 1)

	tests := []struct {
		name      string
		afterSeq  uint64
		limit     int
		wantLen   int
		wantFirst uint64
	}{
		{"all", 0, 0, 10, 1},
		{"after seq", 7, 0, 3, 8},
		{"limit", 0, 3, 3, 1},
		{"after and limit", 2, 2, 2, 3},
		{"past the end", 10, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := store.List(context.Background(), "run-1", tt.afterSeq, tt.limit)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(events) != tt.wantLen {
				t.Fatalf("got %d events, want %d", len(events), tt.wantLen)
			}
			if tt.wantLen > 0 && events[0].Seq != tt.wantFirst {
				t.Errorf("first Seq = %d, want %d", events[0].Seq, tt.wantFirst)
			}
		})
	}
}

func TestMemEventStore_LatestSeq(t *testing.T) {
	store := newTestStore(t)
	if seq, _ := store.LatestSeq(context.Background(), "run-1"); seq != 0 {
		t.Errorf("empty store LatestSeq = %d, want 0", seq)
	}
	appendRun(t, store, "run-1", 5)
	if seq, _ := store.LatestSeq(context.Background(), "run-1"); seq != 5 {
		t.Errorf("LatestSeq = %d, want 5", seq)
	}
}

func TestMemEventStore_BoundedEvictsOldestRun(t *testing.T) {
	store := NewBoundedMemEventStore(2)
	appendRun(t, store, "run-1", 2)
	appendRun(t, store, "run-2", 2)
	appendRun(t, store, "run-1", 1) // more events for a kept run do not evict
	appendRun(t, store, "run-3", 1)

	ids := store.RunIDs()
	if len(ids) != 2 || ids[0] != "run-2" || ids[1] != "run-3" {
		t.Fatalf("RunIDs = %v, want [run-2 run-3]", ids)
	}
	if events, _ := store.List(context.Background(), "run-1", 0, 0); len(events) != 0 {
		t.Errorf("evicted run still has %d events", len(events))
	}
}
