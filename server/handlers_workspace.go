package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	petalcanvas "github.com/petal-labs/petalcanvas"
	"github.com/petal-labs/petalcanvas/core"
	"github.com/petal-labs/petalcanvas/graph"
	"github.com/petal-labs/petalcanvas/nodes"
	"github.com/petal-labs/petalcanvas/runtime"
)

// OpenWorkspaceRequest selects what an opened workspace starts from. With
// neither field set, the caller's latest saved workflow is opened, or an
// empty workspace when there is none.
type OpenWorkspaceRequest struct {
	WorkflowID string          `json:"workflowId,omitempty"`
	Document   json.RawMessage `json:"document,omitempty"`
}

// AddNodeRequest places a node on the canvas.
type AddNodeRequest struct {
	Type     string         `json:"type"`
	Position core.Position  `json:"position"`
	Data     map[string]any `json:"data,omitempty"`
}

// PatchNodeRequest edits a node. Absent fields are left unchanged.
type PatchNodeRequest struct {
	Label  *string        `json:"label,omitempty"`
	Locked *bool          `json:"locked,omitempty"`
	Text   *string        `json:"text,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// NodeView is a node together with its current data and handles.
type NodeView struct {
	Node    core.Node        `json:"node"`
	Data    core.NodeData    `json:"data"`
	Handles core.NodeHandles `json:"handles"`
}

// TriggerResponse acknowledges a started run.
type TriggerResponse struct {
	RunID  string `json:"runId"`
	NodeID string `json:"nodeId"`
}

// ValidationResponse lists the diagnostics of a workspace graph.
type ValidationResponse struct {
	Valid       bool               `json:"valid"`
	Diagnostics []graph.Diagnostic `json:"diagnostics"`
}

// handleOpenWorkspace loads a workflow into memory. An already open
// workspace for the same workflow is returned as is.
func (s *Server) handleOpenWorkspace(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req OpenWorkspaceRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
			return
		}
	}

	switch {
	case len(req.Document) > 0:
		doc, err := graph.DecodeDocument(req.Document)
		if err != nil {
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
			return
		}
		if doc.ID != "" {
			// Only a workflow the caller already owns keeps its ID.
			_, owned, err := s.store.Get(r.Context(), userID, doc.ID)
			if err != nil {
				s.writeStoreError(w, err)
				return
			}
			if !owned {
				doc.ID = ""
			} else if _, open := s.lookup(doc.ID); open {
				writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("workspace %q is already open", doc.ID))
				return
			}
		}
		doc.UserID = userID
		s.writeOpened(w, doc)

	case req.WorkflowID != "":
		if ws, open := s.lookup(req.WorkflowID); open && ws.UserID() == userID {
			writeJSON(w, http.StatusOK, ws.Export())
			return
		}
		doc, found, err := s.store.Get(r.Context(), userID, req.WorkflowID)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", req.WorkflowID))
			return
		}
		s.writeOpened(w, doc)

	default:
		doc, found, err := s.store.Latest(r.Context(), userID)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		if !found {
			doc = graph.Document{UserID: userID}
		} else if ws, open := s.lookup(doc.ID); open && ws.UserID() == userID {
			writeJSON(w, http.StatusOK, ws.Export())
			return
		}
		s.writeOpened(w, doc)
	}
}

func (s *Server) writeOpened(w http.ResponseWriter, doc graph.Document) {
	ws, err := s.open(doc)
	if err != nil {
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ws.Export())
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ws.Export())
}

func (s *Server) handleRenameWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	ws.SetName(req.Name)
	writeJSON(w, http.StatusOK, ws.Export())
}

// handleCloseWorkspace drops the in-memory workspace. Unsaved edits are lost.
func (s *Server) handleCloseWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.workspaces, ws.ID())
	s.mu.Unlock()
	if err := ws.Close(); err != nil {
		s.logger.Warn("closing workspace", "workspace_id", ws.ID(), "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSaveWorkspace persists the workspace graph: an update when the
// workflow exists for the owner, a create under the workspace ID otherwise.
func (s *Server) handleSaveWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	doc := ws.Export()
	saved, err := s.store.Update(r.Context(), doc)
	if errors.Is(err, ErrWorkflowNotFound) {
		saved, err = s.store.Create(r.Context(), doc)
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("workflow saved", "workflow_id", saved.ID, "nodes", len(saved.Nodes), "edges", len(saved.Edges))
	writeJSON(w, http.StatusOK, saved)
}

// handleImportWorkspace replaces the workspace graph with a document.
func (s *Server) handleImportWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	doc, ok := readDocument(w, r)
	if !ok {
		return
	}
	ws.Import(doc)
	writeJSON(w, http.StatusOK, ws.Export())
}

func (s *Server) handleValidateWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	diags := ws.Validate()
	if diags == nil {
		diags = []graph.Diagnostic{}
	}
	writeJSON(w, http.StatusOK, ValidationResponse{Valid: !graph.HasErrors(diags), Diagnostics: diags})
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	var req AddNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := nodes.CheckImageCount(req.Data); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_NODE_DATA", err.Error())
		return
	}
	t, _ := core.ParseNodeType(req.Type)
	node, err := ws.AddNode(t, req.Position)
	if err != nil {
		writeError(w, http.StatusBadRequest, "UNKNOWN_NODE_TYPE", err.Error())
		return
	}
	if len(req.Data) > 0 {
		ws.UpdateNodeData(node.ID, req.Data)
	}
	view, _ := nodeView(ws.Snapshot(), node.ID)
	writeJSON(w, http.StatusCreated, view)
}

// handleNodeChanges applies a batch of canvas node deltas.
func (s *Server) handleNodeChanges(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	var changes []graph.NodeChange
	if !decodeJSON(w, r, &changes) {
		return
	}
	ws.ApplyNodeChanges(changes)
	writeJSON(w, http.StatusOK, ws.Export())
}

// handleEdgeChanges applies a batch of canvas edge deltas.
func (s *Server) handleEdgeChanges(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	var changes []graph.EdgeChange
	if !decodeJSON(w, r, &changes) {
		return
	}
	ws.ApplyEdgeChanges(changes)
	writeJSON(w, http.StatusOK, ws.Export())
}

func (s *Server) handlePatchNode(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	nodeID := r.PathValue("node_id")
	if !ws.Snapshot().HasNode(nodeID) {
		writeNodeNotFound(w, nodeID)
		return
	}
	var req PatchNodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := nodes.CheckImageCount(req.Data); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_NODE_DATA", err.Error())
		return
	}
	if req.Label != nil {
		ws.RenameNode(nodeID, *req.Label)
	}
	if req.Locked != nil {
		ws.SetNodeLock(nodeID, *req.Locked)
	}
	if len(req.Data) > 0 {
		ws.UpdateNodeData(nodeID, req.Data)
	}
	if req.Text != nil {
		ws.SetText(nodeID, *req.Text)
	}
	view, _ := nodeView(ws.Snapshot(), nodeID)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	nodeID := r.PathValue("node_id")
	if !ws.Snapshot().HasNode(nodeID) {
		writeNodeNotFound(w, nodeID)
		return
	}
	ws.DeleteNode(nodeID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDuplicateNode(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	nodeID := r.PathValue("node_id")
	dup, found := ws.DuplicateNode(nodeID)
	if !found {
		writeNodeNotFound(w, nodeID)
		return
	}
	view, _ := nodeView(ws.Snapshot(), dup.ID)
	writeJSON(w, http.StatusCreated, view)
}

// handleResolveInput reports the value currently flowing into one input
// handle.
func (s *Server) handleResolveInput(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	nodeID := r.PathValue("node_id")
	if !ws.Snapshot().HasNode(nodeID) {
		writeNodeNotFound(w, nodeID)
		return
	}
	handleID := r.PathValue("handle_id")
	value, resolved := ws.Resolve(nodeID, handleID)
	writeJSON(w, http.StatusOK, map[string]any{
		"nodeId":   nodeID,
		"handleId": handleID,
		"resolved": resolved,
		"value":    value,
	})
}

// handleConnect adds an edge. A handle type mismatch is reported in the
// response but does not block the edge.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	var conn graph.Connection
	if !decodeJSON(w, r, &conn) {
		return
	}
	res, err := ws.Connect(conn)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_EDGE", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleRunNode triggers a node. The run continues after the request ends;
// with ?wait=true the response carries the finished run record.
func (s *Server) handleRunNode(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	nodeID := r.PathValue("node_id")
	task, err := ws.Trigger(r.Context(), nodeID)
	if err != nil {
		writeRunError(w, err)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		select {
		case <-task.Done():
		case <-r.Context().Done():
			return
		}
		run, _ := task.Run()
		writeJSON(w, http.StatusOK, run)
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{RunID: task.RunID, NodeID: nodeID})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ws.History())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("run_id")
	run, found := ws.RunRecord(runID)
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunEvents streams one run's events; see sse.Handler.RunStream.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("run_id")
	if _, found := ws.RunRecord(runID); !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", runID))
		return
	}
	s.events.RunStream().ServeHTTP(w, r)
}

// handleNodeEvents follows every run of one node while connected.
func (s *Server) handleNodeEvents(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspace(w, r)
	if !ok {
		return
	}
	nodeID := r.PathValue("node_id")
	if !ws.Snapshot().HasNode(nodeID) {
		writeNodeNotFound(w, nodeID)
		return
	}
	s.events.NodeStream().ServeHTTP(w, r)
}

// --- workspace registry ---

// ErrWorkspaceOwned reports a workspace ID that is open for another user.
var ErrWorkspaceOwned = errors.New("workspace is open for another user")

func (s *Server) lookup(id string) (*petalcanvas.Workspace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[id]
	return ws, ok
}

// open creates a workspace for doc and registers it. A concurrent open of
// the same ID by the same user wins over this one; an ID already open for
// another user fails with ErrWorkspaceOwned.
func (s *Server) open(doc graph.Document) (*petalcanvas.Workspace, error) {
	cfg := s.template
	cfg.ID = doc.ID
	cfg.Name = doc.Name
	cfg.UserID = doc.UserID
	cfg.EventBus = s.bus
	cfg.EventStore = s.eventStore

	ws := petalcanvas.New(cfg)
	ws.Import(doc)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.workspaces[ws.ID()]; ok {
		_ = ws.Close()
		if existing.UserID() != doc.UserID {
			return nil, fmt.Errorf("%w: %s", ErrWorkspaceOwned, ws.ID())
		}
		return existing, nil
	}
	s.workspaces[ws.ID()] = ws
	s.logger.Info("workspace opened", "workspace_id", ws.ID(), "user_id", doc.UserID, "nodes", len(doc.Nodes))
	return ws, nil
}

// workspace resolves the {id} path value to a workspace owned by the caller.
// A workspace of another user is reported as not found.
func (s *Server) workspace(w http.ResponseWriter, r *http.Request) (*petalcanvas.Workspace, bool) {
	userID, ok := requireUser(w, r)
	if !ok {
		return nil, false
	}
	id := r.PathValue("id")
	ws, found := s.lookup(id)
	if !found || ws.UserID() != userID {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workspace %q not found", id))
		return nil, false
	}
	return ws, true
}

func nodeView(snap *graph.Snapshot, nodeID string) (NodeView, bool) {
	n, ok := snap.Node(nodeID)
	if !ok {
		return NodeView{}, false
	}
	data, _ := snap.NodeData(nodeID)
	if data == nil {
		data = core.NodeData{}
	}
	handles, _ := snap.Handles(nodeID)
	return NodeView{Node: n, Data: data, Handles: handles}, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, ok := readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return false
	}
	return true
}

func writeNodeNotFound(w http.ResponseWriter, nodeID string) {
	writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("node %q not found", nodeID))
}

func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runtime.ErrNodeNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, runtime.ErrNodeBusy):
		writeError(w, http.StatusConflict, "NODE_BUSY", err.Error())
	case errors.Is(err, runtime.ErrNotExecutable):
		writeError(w, http.StatusUnprocessableEntity, "NOT_EXECUTABLE", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "RUNTIME_ERROR", err.Error())
	}
}
