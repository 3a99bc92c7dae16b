package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalcanvas/graph"
)

type memoryRecord struct {
	doc       graph.Document
	createdAt time.Time
}

// MemoryStore is an in-memory WorkflowStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, doc graph.Document) (graph.Document, error) {
	if err := ctx.Err(); err != nil {
		return graph.Document{}, err
	}
	doc = cloneDocument(doc)
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.Name = normalizeName(doc.Name)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[doc.ID]; ok {
		return graph.Document{}, ErrWorkflowExists
	}
	now := s.now()
	doc.UpdatedAt = now
	s.records[doc.ID] = memoryRecord{doc: doc, createdAt: now}
	return cloneDocument(doc), nil
}

func (s *MemoryStore) Update(ctx context.Context, doc graph.Document) (graph.Document, error) {
	if err := ctx.Err(); err != nil {
		return graph.Document{}, err
	}
	doc = cloneDocument(doc)
	doc.Name = normalizeName(doc.Name)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[doc.ID]
	if !ok || rec.doc.UserID != doc.UserID {
		return graph.Document{}, ErrWorkflowNotFound
	}
	doc.UpdatedAt = s.now()
	rec.doc = doc
	s.records[doc.ID] = rec
	return cloneDocument(doc), nil
}

func (s *MemoryStore) Get(ctx context.Context, userID, id string) (graph.Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return graph.Document{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok || rec.doc.UserID != userID {
		return graph.Document{}, false, nil
	}
	return cloneDocument(rec.doc), true, nil
}

func (s *MemoryStore) Latest(ctx context.Context, userID string) (graph.Document, bool, error) {
	list, err := s.List(ctx, userID)
	if err != nil || len(list) == 0 {
		return graph.Document{}, false, err
	}
	return s.Get(ctx, userID, list[0].ID)
}

func (s *MemoryStore) List(ctx context.Context, userID string) ([]WorkflowSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]WorkflowSummary, 0)
	for _, rec := range s.records {
		if rec.doc.UserID == userID {
			out = append(out, summarize(rec.doc, rec.createdAt))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, userID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.doc.UserID != userID {
		return ErrWorkflowNotFound
	}
	delete(s.records, id)
	return nil
}

var _ WorkflowStore = (*MemoryStore)(nil)
