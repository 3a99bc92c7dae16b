// Package core provides the foundational types and interfaces for PetalCanvas
// workflows.
//
// This package contains:
//   - Graph types: Node, Edge, NodeData, HandleInfo
//   - Run records: ExecutionLog, WorkflowRun
//   - Interfaces: Generator (the external generation capability)
package core

import (
	"context"
	"strings"
)

// OutputKey is the NodeData key a node publishes its value under when an edge
// does not name a specific source handle.
const OutputKey = "output"

// NodeType identifies the kind of a canvas node.
// The values match the type tags the canvas layer persists.
type NodeType string

const (
	NodeTypeText         NodeType = "textNode"
	NodeTypeImageUpload  NodeType = "imageUploadNode"
	NodeTypeVideoUpload  NodeType = "videoUploadNode"
	NodeTypeLLM          NodeType = "llmNode"
	NodeTypeCropImage    NodeType = "cropImageNode"
	NodeTypeExtractFrame NodeType = "extractFrameNode"
)

// NodeTypes lists every known node type in palette order.
var NodeTypes = []NodeType{
	NodeTypeText,
	NodeTypeImageUpload,
	NodeTypeVideoUpload,
	NodeTypeLLM,
	NodeTypeCropImage,
	NodeTypeExtractFrame,
}

// String returns the string representation of the NodeType.
func (t NodeType) String() string {
	return string(t)
}

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	for _, known := range NodeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// DefaultLabel is the label a freshly placed node of this type carries.
func (t NodeType) DefaultLabel() string {
	switch t {
	case NodeTypeText:
		return "Text"
	case NodeTypeImageUpload:
		return "Upload Image"
	case NodeTypeVideoUpload:
		return "Upload Video"
	case NodeTypeLLM:
		return "Any LLM"
	case NodeTypeCropImage:
		return "Crop Image"
	case NodeTypeExtractFrame:
		return "Extract Frame"
	default:
		return string(t)
	}
}

// ParseNodeType converts a string to a NodeType.
// Palette names ("Run LLM", "Crop Image", ...) are accepted as aliases.
func ParseNodeType(s string) (NodeType, bool) {
	switch strings.TrimSpace(s) {
	case "Text Node":
		return NodeTypeText, true
	case "Upload Image":
		return NodeTypeImageUpload, true
	case "Upload Video":
		return NodeTypeVideoUpload, true
	case "Run LLM":
		return NodeTypeLLM, true
	case "Crop Image":
		return NodeTypeCropImage, true
	case "Extract Frame":
		return NodeTypeExtractFrame, true
	}
	t := NodeType(strings.TrimSpace(s))
	return t, t.Valid()
}

// HandleType is the semantic type carried by a handle.
type HandleType string

const (
	HandleText  HandleType = "text"
	HandleImage HandleType = "image"
	HandleVideo HandleType = "video"
	HandleFile  HandleType = "file"
	HandleAny   HandleType = "any"
)

// IsMedia reports whether t is a media subtype of file.
func (t HandleType) IsMedia() bool {
	return t == HandleImage || t == HandleVideo
}

// HandleInfo declares one typed port on a node.
type HandleInfo struct {
	ID    string     `json:"id"`
	Type  HandleType `json:"type"`
	Label string     `json:"label,omitempty"`
}

// NodeHandles is the handle declaration of a single node.
type NodeHandles struct {
	Inputs  []HandleInfo `json:"inputs"`
	Outputs []HandleInfo `json:"outputs"`
}

// Input returns the declared input handle with the given ID.
func (h NodeHandles) Input(id string) (HandleInfo, bool) {
	return findHandle(h.Inputs, id)
}

// Output returns the declared output handle with the given ID.
func (h NodeHandles) Output(id string) (HandleInfo, bool) {
	return findHandle(h.Outputs, id)
}

// Clone returns a copy that shares no slices with h.
func (h NodeHandles) Clone() NodeHandles {
	return NodeHandles{
		Inputs:  append([]HandleInfo(nil), h.Inputs...),
		Outputs: append([]HandleInfo(nil), h.Outputs...),
	}
}

func findHandle(handles []HandleInfo, id string) (HandleInfo, bool) {
	for _, h := range handles {
		if h.ID == id {
			return h, true
		}
	}
	return HandleInfo{}, false
}

// Position is a 2D canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeMeta is the display metadata the canvas keeps on a node.
type NodeMeta struct {
	Label    string `json:"label,omitempty"`
	IsLocked bool   `json:"isLocked,omitempty"`
}

// Node is a placed canvas node. Node-type specific state lives in NodeData,
// not here.
type Node struct {
	ID         string   `json:"id"`
	Type       NodeType `json:"type"`
	Position   Position `json:"position"`
	Data       NodeMeta `json:"data"`
	Draggable  *bool    `json:"draggable,omitempty"`
	Selectable *bool    `json:"selectable,omitempty"`
	Selected   bool     `json:"selected,omitempty"`
}

// DisplayLabel returns the label shown for the node, falling back to its type.
func (n Node) DisplayLabel() string {
	if n.Data.Label != "" {
		return n.Data.Label
	}
	if n.Type != "" {
		return string(n.Type)
	}
	return "Unknown Node"
}

// Clone returns a copy of n whose pointer fields are not shared.
func (n Node) Clone() Node {
	if n.Draggable != nil {
		v := *n.Draggable
		n.Draggable = &v
	}
	if n.Selectable != nil {
		v := *n.Selectable
		n.Selectable = &v
	}
	return n
}

// Edge binds a source node's output handle to a target node's input handle.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Selected     bool   `json:"selected,omitempty"`
}

// SourceKey is the NodeData key this edge reads on its source node.
func (e Edge) SourceKey() string {
	if e.SourceHandle == "" {
		return OutputKey
	}
	return e.SourceHandle
}

// Touches reports whether nodeID is either endpoint of the edge.
func (e Edge) Touches(nodeID string) bool {
	return e.Source == nodeID || e.Target == nodeID
}

// NodeData is the mutable key/value state owned by a single node.
type NodeData map[string]any

// Clone returns a deep copy of d. Nested maps and slices are copied so the
// result can be mutated independently.
func (d NodeData) Clone() NodeData {
	if d == nil {
		return nil
	}
	out := make(NodeData, len(d))
	for k, v := range d {
		out[k] = CloneValue(v)
	}
	return out
}

// Merge returns a new NodeData holding d's keys overlaid with patch's keys.
// Keys not mentioned in patch are preserved.
func (d NodeData) Merge(patch map[string]any) NodeData {
	out := make(NodeData, len(d)+len(patch))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = CloneValue(v)
	}
	return out
}

// String returns the value under key if it is a string.
func (d NodeData) String(key string) (string, bool) {
	s, ok := d[key].(string)
	return s, ok
}

// Number returns the value under key as a float64 when it is numeric.
func (d NodeData) Number(key string) (float64, bool) {
	switch v := d[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

// CloneValue deep-copies JSON-shaped values (maps, slices and scalars).
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = CloneValue(item)
		}
		return out
	case NodeData:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case []byte:
		return append([]byte(nil), val...)
	default:
		return v
	}
}

// LogStatus is the outcome of one ExecutionLog step.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
	LogRunning LogStatus = "running"
)

// ExecutionLog records one step of a run.
type ExecutionLog struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"nodeId"`
	NodeLabel string    `json:"nodeLabel"`
	Status    LogStatus `json:"status"`
	Duration  float64   `json:"duration"` // seconds, rounded to 0.1
	Output    any       `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// RunStatus is the overall status of a WorkflowRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// WorkflowRun groups one triggered execution with the upstream values it
// consumed. Logs are causally ordered: provenance first, the triggered
// node's own log last.
type WorkflowRun struct {
	ID        string         `json:"id"`
	NodeID    string         `json:"nodeId"`
	Timestamp string         `json:"timestamp"`
	Status    RunStatus      `json:"status"`
	Logs      []ExecutionLog `json:"logs"`
}

// Clone returns a copy of r that shares no log slice or output values.
func (r WorkflowRun) Clone() WorkflowRun {
	if r.Logs != nil {
		logs := make([]ExecutionLog, len(r.Logs))
		for i, l := range r.Logs {
			l.Output = CloneValue(l.Output)
			logs[i] = l
		}
		r.Logs = logs
	}
	return r
}

// RunPatch is a partial update of a WorkflowRun. Nil fields are left as is.
type RunPatch struct {
	Status    *RunStatus     `json:"status,omitempty"`
	Timestamp *string        `json:"timestamp,omitempty"`
	Logs      []ExecutionLog `json:"logs,omitempty"`
}

// Apply returns r with the patch's non-nil fields applied.
func (p RunPatch) Apply(r WorkflowRun) WorkflowRun {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.Timestamp != nil {
		r.Timestamp = *p.Timestamp
	}
	if p.Logs != nil {
		r.Logs = append([]ExecutionLog(nil), p.Logs...)
	}
	return r
}

// GenerateRequest is the input of the external generation capability.
type GenerateRequest struct {
	Model        string   `json:"model"`
	SystemPrompt string   `json:"systemPrompt"`
	UserMessage  string   `json:"userMessage"`
	Images       []string `json:"images,omitempty"` // data URLs
}

// GenerateResult is the output of the external generation capability.
type GenerateResult struct {
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Generator is the opaque, fallible text generation backend.
// A returned error and a result with Success=false are treated alike.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (GenerateResult, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	return f(ctx, req)
}

// Ensure interface compliance at compile time.
var _ Generator = GeneratorFunc(nil)
