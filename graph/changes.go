package graph

import "github.com/petal-labs/petalcanvas/core"

// ChangeType identifies a canvas-originated delta.
type ChangeType string

const (
	ChangeAdd      ChangeType = "add"
	ChangePosition ChangeType = "position"
	ChangeSelect   ChangeType = "select"
	ChangeRemove   ChangeType = "remove"
)

// NodeChange is one delta reported by the canvas layer for a node.
type NodeChange struct {
	Type     ChangeType     `json:"type"`
	ID       string         `json:"id,omitempty"`
	Position *core.Position `json:"position,omitempty"`
	Selected *bool          `json:"selected,omitempty"`
	Item     *core.Node     `json:"item,omitempty"`
}

// EdgeChange is one delta reported by the canvas layer for an edge.
type EdgeChange struct {
	Type     ChangeType `json:"type"`
	ID       string     `json:"id,omitempty"`
	Selected *bool      `json:"selected,omitempty"`
	Item     *core.Edge `json:"item,omitempty"`
}

// ApplyNodeChanges applies a batch of node deltas as one transition.
// Removing a node cascades to its edges, data and handles like DeleteNode.
// Changes naming unknown nodes are ignored.
func (s *Store) ApplyNodeChanges(changes []NodeChange) {
	if len(changes) == 0 {
		return
	}
	s.update(func(next *Snapshot) bool {
		changed := false
		for _, c := range changes {
			if applyNodeChange(next, c) {
				changed = true
			}
		}
		return changed
	})
}

func applyNodeChange(next *Snapshot, c NodeChange) bool {
	if c.Type == ChangeAdd {
		if c.Item == nil || c.Item.ID == "" || next.nodeIndex(c.Item.ID) >= 0 {
			return false
		}
		next.nodes = append(next.nodes, c.Item.Clone())
		return true
	}

	i := next.nodeIndex(c.ID)
	if i < 0 {
		return false
	}
	switch c.Type {
	case ChangePosition:
		if c.Position == nil {
			return false
		}
		next.nodes[i].Position = *c.Position
	case ChangeSelect:
		if c.Selected == nil {
			return false
		}
		next.nodes[i].Selected = *c.Selected
	case ChangeRemove:
		next.nodes = append(next.nodes[:i:i], next.nodes[i+1:]...)
		next.dropNode(c.ID)
	default:
		return false
	}
	return true
}

// ApplyEdgeChanges applies a batch of edge deltas as one transition.
func (s *Store) ApplyEdgeChanges(changes []EdgeChange) {
	if len(changes) == 0 {
		return
	}
	s.update(func(next *Snapshot) bool {
		changed := false
		for _, c := range changes {
			if applyEdgeChange(next, c) {
				changed = true
			}
		}
		return changed
	})
}

func applyEdgeChange(next *Snapshot, c EdgeChange) bool {
	if c.Type == ChangeAdd {
		if c.Item == nil || c.Item.Source == "" || c.Item.Target == "" {
			return false
		}
		item := *c.Item
		if item.ID == "" {
			item.ID = Connection{
				Source:       item.Source,
				SourceHandle: item.SourceHandle,
				Target:       item.Target,
				TargetHandle: item.TargetHandle,
			}.Edge().ID
		}
		for _, e := range next.edges {
			if e.ID == item.ID || sameConnection(e, item) {
				return false
			}
		}
		next.edges = append(next.edges, item)
		return true
	}

	i := -1
	for j, e := range next.edges {
		if e.ID == c.ID {
			i = j
			break
		}
	}
	if i < 0 {
		return false
	}
	switch c.Type {
	case ChangeSelect:
		if c.Selected == nil {
			return false
		}
		next.edges[i].Selected = *c.Selected
	case ChangeRemove:
		next.edges = append(next.edges[:i:i], next.edges[i+1:]...)
	default:
		return false
	}
	return true
}
