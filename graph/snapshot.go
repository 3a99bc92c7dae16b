package graph

import (
	"github.com/petal-labs/petalcanvas/core"
)

// Snapshot is an immutable view of the graph at one revision.
// Accessors return copies; the snapshot itself is never modified after it has
// been published by a Store.
type Snapshot struct {
	rev     uint64
	nodes   []core.Node
	edges   []core.Edge
	data    map[string]core.NodeData
	handles map[string]core.NodeHandles
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		data:    make(map[string]core.NodeData),
		handles: make(map[string]core.NodeHandles),
	}
}

// clone copies the containers. NodeData values and handle slices are shared
// because writers always replace them rather than modify them.
func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		rev:     s.rev,
		nodes:   append([]core.Node(nil), s.nodes...),
		edges:   append([]core.Edge(nil), s.edges...),
		data:    make(map[string]core.NodeData, len(s.data)),
		handles: make(map[string]core.NodeHandles, len(s.handles)),
	}
	for k, v := range s.data {
		next.data[k] = v
	}
	for k, v := range s.handles {
		next.handles[k] = v
	}
	return next
}

func (s *Snapshot) nodeIndex(id string) int {
	for i, n := range s.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// dropNode removes everything keyed by the node except the node entry itself.
func (s *Snapshot) dropNode(id string) {
	kept := s.edges[:0:0]
	for _, e := range s.edges {
		if !e.Touches(id) {
			kept = append(kept, e)
		}
	}
	s.edges = kept
	delete(s.data, id)
	delete(s.handles, id)
}

// Revision increases by one with every published transition.
func (s *Snapshot) Revision() uint64 {
	return s.rev
}

// Nodes returns the nodes in insertion order.
func (s *Snapshot) Nodes() []core.Node {
	out := make([]core.Node, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = n.Clone()
	}
	return out
}

// Edges returns the edges in insertion order.
func (s *Snapshot) Edges() []core.Edge {
	out := make([]core.Edge, len(s.edges))
	copy(out, s.edges)
	return out
}

// Node returns the node with the given ID.
func (s *Snapshot) Node(id string) (core.Node, bool) {
	if i := s.nodeIndex(id); i >= 0 {
		return s.nodes[i].Clone(), true
	}
	return core.Node{}, false
}

// HasNode reports whether a node with the given ID exists.
func (s *Snapshot) HasNode(id string) bool {
	return s.nodeIndex(id) >= 0
}

// NodeData returns a deep copy of the node's data.
func (s *Snapshot) NodeData(id string) (core.NodeData, bool) {
	d, ok := s.data[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// AllNodeData returns a deep copy of the whole NodeData mapping.
func (s *Snapshot) AllNodeData() map[string]core.NodeData {
	out := make(map[string]core.NodeData, len(s.data))
	for id, d := range s.data {
		out[id] = d.Clone()
	}
	return out
}

// Handles returns the node's handle declaration, if one is registered.
func (s *Snapshot) Handles(id string) (core.NodeHandles, bool) {
	h, ok := s.handles[id]
	if !ok {
		return core.NodeHandles{}, false
	}
	return h.Clone(), true
}

// EdgesInto returns the edges whose target is the given node.
func (s *Snapshot) EdgesInto(nodeID string) []core.Edge {
	var out []core.Edge
	for _, e := range s.edges {
		if e.Target == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// EdgesFrom returns the edges whose source is the given node.
func (s *Snapshot) EdgesFrom(nodeID string) []core.Edge {
	var out []core.Edge
	for _, e := range s.edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}
