// Package petalcanvas is the directed-graph engine behind a node-based editor
// for content-generation pipelines.
//
// The Workspace type is the single owned state object: it holds the graph
// store, the run history and the execution engine, and keeps per-node handle
// declarations in sync with node types and data.
//
// The subpackages can also be used directly:
//
//	import "github.com/petal-labs/petalcanvas/core"
//	import "github.com/petal-labs/petalcanvas/graph"
//	import "github.com/petal-labs/petalcanvas/runtime"
//	import "github.com/petal-labs/petalcanvas/nodes"
package petalcanvas

import (
	"github.com/petal-labs/petalcanvas/core"
	"github.com/petal-labs/petalcanvas/graph"
	"github.com/petal-labs/petalcanvas/runtime"
)

// Type aliases from core.
type (
	Node         = core.Node
	NodeType     = core.NodeType
	NodeData     = core.NodeData
	Edge         = core.Edge
	HandleInfo   = core.HandleInfo
	HandleType   = core.HandleType
	NodeHandles  = core.NodeHandles
	Position     = core.Position
	ExecutionLog = core.ExecutionLog
	WorkflowRun  = core.WorkflowRun
	Generator    = core.Generator
)

// Type aliases from graph and runtime.
type (
	Connection = graph.Connection
	Document   = graph.Document
	Diagnostic = graph.Diagnostic
	NodeChange = graph.NodeChange
	EdgeChange = graph.EdgeChange
	Task       = runtime.Task
	Event      = runtime.Event
)

// Node type constants.
const (
	NodeTypeText         = core.NodeTypeText
	NodeTypeImageUpload  = core.NodeTypeImageUpload
	NodeTypeVideoUpload  = core.NodeTypeVideoUpload
	NodeTypeLLM          = core.NodeTypeLLM
	NodeTypeCropImage    = core.NodeTypeCropImage
	NodeTypeExtractFrame = core.NodeTypeExtractFrame
)

// Errors re-exported for errors.Is checks at the workspace boundary.
var (
	ErrNodeBusy      = runtime.ErrNodeBusy
	ErrNodeNotFound  = runtime.ErrNodeNotFound
	ErrNotExecutable = runtime.ErrNotExecutable
)
