// Package graph owns the canvas graph: nodes, edges, per-node data and
// per-node handle declarations. It also provides the connection validator and
// the one-hop data resolver that read from it.
package graph

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/petal-labs/petalcanvas/core"
)

// Graph errors
var (
	ErrNodeNotFound = errors.New("node not found")
	ErrInvalidEdge  = errors.New("invalid edge")
)

// DuplicateOffset is the visual offset applied to a duplicated node.
const DuplicateOffset = 50

// Listener is notified with the new snapshot after every state transition.
type Listener func(*Snapshot)

// Store is the owned graph state. Writers are serialized and publish a new
// immutable Snapshot per transition, so readers never observe a partially
// applied mutation.
//
// All structural operations are total: unknown node IDs are ignored.
type Store struct {
	mu        sync.Mutex // serializes writers
	snap      atomic.Pointer[Snapshot]
	listeners []Listener
	newID     func() string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithIDGenerator overrides the ID generator used for duplicated nodes.
func WithIDGenerator(fn func() string) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		newID: func() string { return "node_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snap.Store(emptySnapshot())
	return s
}

// Snapshot returns the current consistent view of the graph.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Subscribe registers a listener called after each state transition.
// Listeners run on the mutating goroutine, outside the writer lock.
func (s *Store) Subscribe(fn Listener) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// update applies fn to a private copy of the current snapshot and publishes
// it when fn reports a change.
func (s *Store) update(fn func(next *Snapshot) bool) {
	s.mu.Lock()
	cur := s.snap.Load()
	next := cur.clone()
	if !fn(next) {
		s.mu.Unlock()
		return
	}
	next.rev = cur.rev + 1
	s.snap.Store(next)
	listeners := s.listeners
	s.mu.Unlock()

	for _, l := range listeners {
		l(next)
	}
}

// AddNode places a node. A node with the same ID is replaced in place.
// An empty ID is filled from the store's ID generator.
func (s *Store) AddNode(node core.Node) core.Node {
	if node.ID == "" {
		node.ID = s.newID()
	}
	node = node.Clone()
	s.update(func(next *Snapshot) bool {
		if i := next.nodeIndex(node.ID); i >= 0 {
			next.nodes[i] = node
			return true
		}
		next.nodes = append(next.nodes, node)
		return true
	})
	return node
}

// SetNodes replaces the node list. Edges, data and handles of nodes that were
// present before and are missing from nodes are dropped with them.
func (s *Store) SetNodes(nodes []core.Node) {
	s.update(func(next *Snapshot) bool {
		keep := make(map[string]bool, len(nodes))
		replaced := make([]core.Node, len(nodes))
		for i, n := range nodes {
			keep[n.ID] = true
			replaced[i] = n.Clone()
		}
		var removed []string
		for _, n := range next.nodes {
			if !keep[n.ID] {
				removed = append(removed, n.ID)
			}
		}
		next.nodes = replaced
		for _, id := range removed {
			next.dropNode(id)
		}
		return true
	})
}

// SetEdges replaces the edge list.
func (s *Store) SetEdges(edges []core.Edge) {
	s.update(func(next *Snapshot) bool {
		next.edges = append([]core.Edge(nil), edges...)
		return true
	})
}

// SetNodeData replaces the whole NodeData mapping.
func (s *Store) SetNodeData(data map[string]core.NodeData) {
	s.update(func(next *Snapshot) bool {
		next.data = make(map[string]core.NodeData, len(data))
		for id, d := range data {
			next.data[id] = d.Clone()
		}
		return true
	})
}

// Connect appends an edge for conn. Type compatibility is not checked here;
// callers consult CanConnect first. It returns false when the connection is
// malformed or an identical edge already exists.
func (s *Store) Connect(conn Connection) (core.Edge, bool) {
	if conn.Source == "" || conn.Target == "" {
		return core.Edge{}, false
	}
	edge := conn.Edge()
	added := false
	s.update(func(next *Snapshot) bool {
		for _, e := range next.edges {
			if sameConnection(e, edge) {
				return false
			}
		}
		next.edges = append(next.edges, edge)
		added = true
		return true
	})
	return edge, added
}

// UpdateNodeData merges partial into the node's data, creating the entry if
// absent. Keys not present in partial are preserved.
func (s *Store) UpdateNodeData(nodeID string, partial map[string]any) {
	if nodeID == "" {
		return
	}
	s.update(func(next *Snapshot) bool {
		next.data[nodeID] = next.data[nodeID].Merge(partial)
		return true
	})
}

// UpdateExistingNodeData merges partial into the node's data only if the
// node is still present, and reports whether it was.
func (s *Store) UpdateExistingNodeData(nodeID string, partial map[string]any) bool {
	var applied bool
	s.update(func(next *Snapshot) bool {
		if next.nodeIndex(nodeID) < 0 {
			return false
		}
		next.data[nodeID] = next.data[nodeID].Merge(partial)
		applied = true
		return true
	})
	return applied
}

// DeleteNode removes the node, every edge touching it, its data and its
// handle declaration in a single transition.
func (s *Store) DeleteNode(nodeID string) {
	s.update(func(next *Snapshot) bool {
		i := next.nodeIndex(nodeID)
		if i < 0 {
			return false
		}
		next.nodes = append(next.nodes[:i:i], next.nodes[i+1:]...)
		next.dropNode(nodeID)
		return true
	})
}

// DuplicateNode copies a node under a fresh ID, offset on the canvas and
// deselected, with a deep copy of its data. Edges are not copied.
func (s *Store) DuplicateNode(nodeID string) (core.Node, bool) {
	var dup core.Node
	found := false
	newID := s.newID()
	s.update(func(next *Snapshot) bool {
		i := next.nodeIndex(nodeID)
		if i < 0 {
			return false
		}
		dup = next.nodes[i].Clone()
		dup.ID = newID
		dup.Position.X += DuplicateOffset
		dup.Position.Y += DuplicateOffset
		dup.Selected = false
		next.nodes = append(next.nodes, dup)
		if d, ok := next.data[nodeID]; ok {
			next.data[newID] = d.Clone()
		} else {
			next.data[newID] = core.NodeData{}
		}
		if h, ok := next.handles[nodeID]; ok {
			next.handles[newID] = h.Clone()
		}
		found = true
		return true
	})
	return dup, found
}

// RenameNode sets the node's display label.
func (s *Store) RenameNode(nodeID, name string) {
	s.mapNode(nodeID, func(n *core.Node) {
		n.Data.Label = name
	})
}

// SetNodeLock sets the lock flag. A locked node is also marked non-draggable
// and non-selectable for the canvas layer; the store itself does not enforce
// the lock.
func (s *Store) SetNodeLock(nodeID string, locked bool) {
	s.mapNode(nodeID, func(n *core.Node) {
		movable := !locked
		n.Data.IsLocked = locked
		n.Draggable = &movable
		n.Selectable = &movable
	})
}

// RegisterNodeHandles replaces the node's handle declaration.
func (s *Store) RegisterNodeHandles(nodeID string, inputs, outputs []core.HandleInfo) {
	if nodeID == "" {
		return
	}
	h := core.NodeHandles{Inputs: inputs, Outputs: outputs}.Clone()
	s.update(func(next *Snapshot) bool {
		next.handles[nodeID] = h
		return true
	})
}

// Resolve is shorthand for Snapshot().Resolve.
func (s *Store) Resolve(nodeID, handleID string) (any, bool) {
	return s.Snapshot().Resolve(nodeID, handleID)
}

// CanConnect is shorthand for Snapshot().CanConnect.
func (s *Store) CanConnect(sourceNodeID, sourceHandleID, targetNodeID, targetHandleID string) bool {
	return s.Snapshot().CanConnect(sourceNodeID, sourceHandleID, targetNodeID, targetHandleID)
}

func (s *Store) mapNode(nodeID string, fn func(*core.Node)) {
	s.update(func(next *Snapshot) bool {
		i := next.nodeIndex(nodeID)
		if i < 0 {
			return false
		}
		n := next.nodes[i].Clone()
		fn(&n)
		next.nodes[i] = n
		return true
	})
}

func sameConnection(a, b core.Edge) bool {
	return a.Source == b.Source && a.SourceHandle == b.SourceHandle &&
		a.Target == b.Target && a.TargetHandle == b.TargetHandle
}

// Connection is a proposed edge as reported by the canvas layer.
type Connection struct {
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Edge converts the connection into an edge with the canvas layer's ID scheme.
func (c Connection) Edge() core.Edge {
	return core.Edge{
		ID:           "reactflow__edge-" + c.Source + c.SourceHandle + "-" + c.Target + c.TargetHandle,
		Source:       c.Source,
		SourceHandle: c.SourceHandle,
		Target:       c.Target,
		TargetHandle: c.TargetHandle,
	}
}
