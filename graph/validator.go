package graph

import "github.com/petal-labs/petalcanvas/core"

// Compatible reports whether an output handle of type src may feed an input
// handle of type dst. any matches everything and file accepts (and is accepted
// by) the media subtypes image and video. Everything else needs equal types.
func Compatible(src, dst core.HandleType) bool {
	switch {
	case src == core.HandleAny || dst == core.HandleAny:
		return true
	case src == core.HandleFile && dst.IsMedia():
		return true
	case dst == core.HandleFile && src.IsMedia():
		return true
	default:
		return src == dst
	}
}

// CanConnect decides whether an edge from the source node's output handle to
// the target node's input handle is acceptable.
//
// The check fails open: when either node has no handle declaration yet, or
// either named handle is not declared, the connection is allowed. Type
// mismatches are guidance for the canvas layer, not a constraint enforced at
// resolution time.
func (s *Snapshot) CanConnect(sourceNodeID, sourceHandleID, targetNodeID, targetHandleID string) bool {
	srcHandles, ok := s.handles[sourceNodeID]
	if !ok {
		return true
	}
	dstHandles, ok := s.handles[targetNodeID]
	if !ok {
		return true
	}

	src, ok := srcHandles.Output(sourceHandleID)
	if !ok {
		return true
	}
	dst, ok := dstHandles.Input(targetHandleID)
	if !ok {
		return true
	}
	return Compatible(src.Type, dst.Type)
}

// CanConnectEdge is CanConnect for a proposed connection.
func (s *Snapshot) CanConnectEdge(conn Connection) bool {
	sourceHandle := conn.SourceHandle
	if sourceHandle == "" {
		sourceHandle = core.OutputKey
	}
	return s.CanConnect(conn.Source, sourceHandle, conn.Target, conn.TargetHandle)
}
