package graph

import "github.com/petal-labs/petalcanvas/core"

// Resolution describes where a resolved input value came from.
type Resolution struct {
	Edge       core.Edge
	Source     core.Node // zero value when the source node no longer exists
	HasSource  bool
	Value      any
	HasValue   bool
	SourceKey  string
	TargetType core.HandleType // empty when the target has no declaration
}

// Resolve returns the value currently published on the upstream side of the
// node's input handle. It reads one snapshot and never triggers upstream work;
// an upstream node that has not produced a value yields absent.
//
// When several edges land on the same input handle, the first one in edge
// order wins.
func (s *Snapshot) Resolve(nodeID, handleID string) (any, bool) {
	r, ok := s.ResolveInput(nodeID, handleID)
	if !ok || !r.HasValue {
		return nil, false
	}
	return r.Value, true
}

// ResolveInput is Resolve with provenance. The boolean is false when no edge
// feeds the handle; a returned Resolution may still carry HasValue=false.
//
// Edges whose handles are not (yet) part of a registered declaration resolve
// to no value. Nodes without any declaration are not checked, mirroring the
// fail-open connection rule.
func (s *Snapshot) ResolveInput(nodeID, handleID string) (Resolution, bool) {
	edge, ok := s.firstEdgeInto(nodeID, handleID)
	if !ok {
		return Resolution{}, false
	}

	r := Resolution{Edge: edge, SourceKey: edge.SourceKey()}
	if i := s.nodeIndex(edge.Source); i >= 0 {
		r.Source = s.nodes[i].Clone()
		r.HasSource = true
	}

	if h, declared := s.handles[nodeID]; declared {
		in, found := h.Input(handleID)
		if !found {
			return r, true
		}
		r.TargetType = in.Type
	}
	if h, declared := s.handles[edge.Source]; declared {
		if _, found := h.Output(r.SourceKey); !found {
			return r, true
		}
	}

	data, ok := s.data[edge.Source]
	if !ok {
		return r, true
	}
	v, ok := data[r.SourceKey]
	if !ok || v == nil {
		return r, true
	}
	r.Value = core.CloneValue(v)
	r.HasValue = true
	return r, true
}

func (s *Snapshot) firstEdgeInto(nodeID, handleID string) (core.Edge, bool) {
	for _, e := range s.edges {
		if e.Target == nodeID && e.TargetHandle == handleID {
			return e, true
		}
	}
	return core.Edge{}, false
}
