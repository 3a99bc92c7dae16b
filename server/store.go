package server

import (
	"context"
	"errors"
	"time"

	"github.com/petal-labs/petalcanvas/core"
	"github.com/petal-labs/petalcanvas/graph"
)

// Sentinel errors for store operations.
var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowExists   = errors.New("workflow already exists")
	ErrStoreUnavailable = errors.New("workflow store unavailable")
)

// WorkflowSummary is the listing form of a stored workflow.
type WorkflowSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WorkflowStore persists workflow documents per owner. Every operation is
// scoped to the owner: a workflow of another user is reported as not found.
type WorkflowStore interface {
	// Create stores doc and stamps UpdatedAt. An empty doc.ID gets a fresh
	// UUID; a taken one fails with ErrWorkflowExists.
	Create(ctx context.Context, doc graph.Document) (graph.Document, error)
	// Update replaces the graph and name of an existing workflow of
	// doc.UserID and stamps UpdatedAt.
	Update(ctx context.Context, doc graph.Document) (graph.Document, error)
	Get(ctx context.Context, userID, id string) (graph.Document, bool, error)
	// Latest returns the user's most recently updated workflow.
	Latest(ctx context.Context, userID string) (graph.Document, bool, error)
	// List returns the user's workflows, most recently updated first.
	List(ctx context.Context, userID string) ([]WorkflowSummary, error)
	Delete(ctx context.Context, userID, id string) error
}

func summarize(doc graph.Document, createdAt time.Time) WorkflowSummary {
	return WorkflowSummary{
		ID:        doc.ID,
		Name:      doc.Name,
		UserID:    doc.UserID,
		CreatedAt: createdAt,
		UpdatedAt: doc.UpdatedAt,
	}
}

func normalizeName(name string) string {
	if name == "" {
		return graph.DefaultWorkflowName
	}
	return name
}

func cloneDocument(doc graph.Document) graph.Document {
	out := doc
	out.Nodes = make([]core.Node, len(doc.Nodes))
	for i, n := range doc.Nodes {
		out.Nodes[i] = n.Clone()
	}
	out.Edges = append([]core.Edge{}, doc.Edges...)
	out.NodeData = make(map[string]core.NodeData, len(doc.NodeData))
	for id, d := range doc.NodeData {
		out.NodeData[id] = d.Clone()
	}
	return out
}
