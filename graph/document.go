package graph

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/petal-labs/petalcanvas/core"
)

// Diagnostic represents a validation error or warning produced by document
// validation.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "GR-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // JSON path to offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// DefaultWorkflowName is the name of a workflow that was never renamed.
const DefaultWorkflowName = "Untitled Workflow"

// Document is the persisted form of one workflow: the full graph state plus
// the identity of its owner. Handle declarations and run history are not part
// of it; handles are re-derived after import and history is process-local.
type Document struct {
	ID        string                   `json:"id,omitempty"`
	Name      string                   `json:"name"`
	UserID    string                   `json:"userId,omitempty"`
	Nodes     []core.Node              `json:"nodes"`
	Edges     []core.Edge              `json:"edges"`
	NodeData  map[string]core.NodeData `json:"nodeData"`
	UpdatedAt time.Time                `json:"updatedAt,omitzero"`
}

// DocumentMeta carries the identity fields of an exported document.
type DocumentMeta struct {
	ID     string
	Name   string
	UserID string
}

// Export serializes the current snapshot into a Document.
func (s *Store) Export(meta DocumentMeta) Document {
	return s.Snapshot().Export(meta)
}

// Export serializes the snapshot into a Document.
func (s *Snapshot) Export(meta DocumentMeta) Document {
	name := meta.Name
	if name == "" {
		name = DefaultWorkflowName
	}
	return Document{
		ID:        meta.ID,
		Name:      name,
		UserID:    meta.UserID,
		Nodes:     s.Nodes(),
		Edges:     s.Edges(),
		NodeData:  s.AllNodeData(),
		UpdatedAt: time.Now().UTC(),
	}
}

// Import replaces the whole graph with the document's contents in a single
// transition. Registered handle declarations are cleared.
func (s *Store) Import(doc Document) {
	s.update(func(next *Snapshot) bool {
		next.nodes = make([]core.Node, len(doc.Nodes))
		for i, n := range doc.Nodes {
			next.nodes[i] = n.Clone()
		}
		next.edges = append([]core.Edge(nil), doc.Edges...)
		next.data = make(map[string]core.NodeData, len(doc.NodeData))
		for id, d := range doc.NodeData {
			next.data[id] = d.Clone()
		}
		next.handles = make(map[string]core.NodeHandles)
		return true
	})
}

// documentSchema constrains the structural shape of a persisted document.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string"},
    "userId": {"type": "string"},
    "updatedAt": {"type": "string"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "position": {
            "type": "object",
            "properties": {"x": {"type": "number"}, "y": {"type": "number"}}
          },
          "data": {"type": "object"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "id": {"type": "string"},
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1},
          "sourceHandle": {"type": ["string", "null"]},
          "targetHandle": {"type": ["string", "null"]}
        }
      }
    },
    "nodeData": {
      "type": ["object", "null"],
      "additionalProperties": {"type": ["object", "null"]}
    }
  }
}`

// DecodeDocument validates raw JSON against the document schema and decodes
// it.
func DecodeDocument(raw []byte) (Document, error) {
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(documentSchema), gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Document{}, fmt.Errorf("validating document: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Document{}, fmt.Errorf("document does not match schema: %s", strings.Join(msgs, "; "))
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("parsing document: %w", err)
	}
	if doc.NodeData == nil {
		doc.NodeData = make(map[string]core.NodeData)
	}
	return doc, nil
}

// HandleFunc derives the handle declaration of a node from its type and data.
type HandleFunc func(node core.Node, data core.NodeData) (core.NodeHandles, bool)

// Validate checks structural integrity of the document:
//   - GR-001: edge source/target reference existing nodes
//   - GR-002: orphan nodes (warning)
//   - GR-003: node type is known
//   - GR-004: cycles (warning; resolution is one hop so cycles are inert)
//   - GR-005: duplicate node IDs
//   - GR-007: nodeData keyed by an unknown node (warning)
func (doc *Document) Validate() []Diagnostic {
	var diags []Diagnostic

	nodeIDs := make(map[string]bool, len(doc.Nodes))
	for i, node := range doc.Nodes {
		if nodeIDs[node.ID] {
			diags = append(diags, Diagnostic{
				Code:     "GR-005",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate node ID %q", node.ID),
				Path:     fmt.Sprintf("nodes[%d].id", i),
			})
		}
		nodeIDs[node.ID] = true

		if !node.Type.Valid() {
			diags = append(diags, Diagnostic{
				Code:     "GR-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Node %q references unknown type %q", node.ID, node.Type),
				Path:     fmt.Sprintf("nodes[%d].type", i),
			})
		}
	}

	for i, edge := range doc.Edges {
		if !nodeIDs[edge.Source] {
			diags = append(diags, Diagnostic{
				Code:     "GR-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge source %q references unknown node", edge.Source),
				Path:     fmt.Sprintf("edges[%d].source", i),
			})
		}
		if !nodeIDs[edge.Target] {
			diags = append(diags, Diagnostic{
				Code:     "GR-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge target %q references unknown node", edge.Target),
				Path:     fmt.Sprintf("edges[%d].target", i),
			})
		}
	}

	if len(doc.Nodes) > 1 {
		linked := make(map[string]bool)
		for _, edge := range doc.Edges {
			linked[edge.Source] = true
			linked[edge.Target] = true
		}
		for i, node := range doc.Nodes {
			if !linked[node.ID] {
				diags = append(diags, Diagnostic{
					Code:     "GR-002",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("Node %q has no inbound or outbound edges", node.ID),
					Path:     fmt.Sprintf("nodes[%d]", i),
				})
			}
		}
	}

	for id := range doc.NodeData {
		if !nodeIDs[id] {
			diags = append(diags, Diagnostic{
				Code:     "GR-007",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("nodeData entry %q has no matching node", id),
				Path:     fmt.Sprintf("nodeData.%s", id),
			})
		}
	}

	if !hasEdgeRefErrors(diags) {
		if cycle := doc.detectCycle(); cycle != "" {
			diags = append(diags, Diagnostic{
				Code:     "GR-004",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Graph contains a cycle: %s", cycle),
			})
		}
	}

	return diags
}

// ValidateWithHandles runs Validate plus handle checks against declarations
// derived by fn:
//   - GR-006: edge handles are declared on their nodes (warning)
//   - GR-008: edge handle types are compatible (warning)
//
// Both are warnings because connection rules are advisory.
func (doc *Document) ValidateWithHandles(fn HandleFunc) []Diagnostic {
	diags := doc.Validate()
	if fn == nil {
		return diags
	}

	declared := make(map[string]core.NodeHandles, len(doc.Nodes))
	for _, node := range doc.Nodes {
		if h, ok := fn(node, doc.NodeData[node.ID]); ok {
			declared[node.ID] = h
		}
	}

	for i, edge := range doc.Edges {
		srcHandles, srcOK := declared[edge.Source]
		dstHandles, dstOK := declared[edge.Target]
		if !srcOK || !dstOK {
			continue
		}
		src, ok := srcHandles.Output(edge.SourceKey())
		if !ok {
			diags = append(diags, Diagnostic{
				Code:     "GR-006",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Edge sourceHandle %q is not an output of node %q", edge.SourceKey(), edge.Source),
				Path:     fmt.Sprintf("edges[%d].sourceHandle", i),
			})
			continue
		}
		dst, ok := dstHandles.Input(edge.TargetHandle)
		if !ok {
			diags = append(diags, Diagnostic{
				Code:     "GR-006",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Edge targetHandle %q is not an input of node %q", edge.TargetHandle, edge.Target),
				Path:     fmt.Sprintf("edges[%d].targetHandle", i),
			})
			continue
		}
		if !Compatible(src.Type, dst.Type) {
			diags = append(diags, Diagnostic{
				Code:     "GR-008",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Edge connects %s output %q to %s input %q", src.Type, src.ID, dst.Type, dst.ID),
				Path:     fmt.Sprintf("edges[%d]", i),
			})
		}
	}

	return diags
}

func hasEdgeRefErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Code == "GR-001" || d.Code == "GR-005" {
			return true
		}
	}
	return false
}

// detectCycle uses Kahn's algorithm to find cycles. Returns a description
// of the cycle if found, or empty string if the graph is acyclic.
func (doc *Document) detectCycle() string {
	inDegree := make(map[string]int)
	successors := make(map[string][]string)
	for _, node := range doc.Nodes {
		inDegree[node.ID] = 0
	}
	for _, edge := range doc.Edges {
		successors[edge.Source] = append(successors[edge.Source], edge.Target)
		inDegree[edge.Target]++
	}

	queue := make([]string, 0)
	for _, node := range doc.Nodes {
		if inDegree[node.ID] == 0 {
			queue = append(queue, node.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range successors[current] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if visited < len(doc.Nodes) {
		var cycleNodes []string
		for _, node := range doc.Nodes {
			if inDegree[node.ID] > 0 {
				cycleNodes = append(cycleNodes, node.ID)
			}
		}
		return fmt.Sprintf("nodes involved: %v", cycleNodes)
	}
	return ""
}
