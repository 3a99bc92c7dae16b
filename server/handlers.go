package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/petal-labs/petalcanvas/core"
	"github.com/petal-labs/petalcanvas/graph"
	"github.com/petal-labs/petalcanvas/nodes"
)

// NodeTypeInfo describes a node type and its default handle declaration.
type NodeTypeInfo struct {
	Type    core.NodeType     `json:"type"`
	Label   string            `json:"label"`
	Inputs  []core.HandleInfo `json:"inputs"`
	Outputs []core.HandleInfo `json:"outputs"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleNodeTypes returns every node type with its default handles.
func (s *Server) handleNodeTypes(w http.ResponseWriter, _ *http.Request) {
	out := make([]NodeTypeInfo, 0, len(core.NodeTypes))
	for _, t := range core.NodeTypes {
		h, _ := nodes.Handles(t, nil)
		out = append(out, NodeTypeInfo{
			Type:    t,
			Label:   t.DefaultLabel(),
			Inputs:  h.Inputs,
			Outputs: h.Outputs,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	list, err := s.store.List(r.Context(), userID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleCreateWorkflow stores a new workflow document for the caller.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	doc, ok := readDocument(w, r)
	if !ok {
		return
	}
	doc.UserID = userID

	saved, err := s.store.Create(r.Context(), doc)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// handleLatestWorkflow returns the caller's most recently updated workflow.
func (s *Server) handleLatestWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	doc, found, err := s.store.Latest(r.Context(), userID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no saved workflow")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	doc, found, err := s.store.Get(r.Context(), userID, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("workflow %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleUpdateWorkflow replaces the graph of an existing workflow.
func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	doc, ok := readDocument(w, r)
	if !ok {
		return
	}
	doc.ID = r.PathValue("id")
	doc.UserID = userID

	saved, err := s.store.Update(r.Context(), doc)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := s.store.Delete(r.Context(), userID, r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing "+UserHeader+" header")
		return "", false
	}
	return userID, true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return nil, false
	}
	return body, true
}

// readDocument decodes a workflow document body and rejects structural
// errors.
func readDocument(w http.ResponseWriter, r *http.Request) (graph.Document, bool) {
	body, ok := readBody(w, r)
	if !ok {
		return graph.Document{}, false
	}
	doc, err := graph.DecodeDocument(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return graph.Document{}, false
	}
	if diags := doc.Validate(); graph.HasErrors(diags) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "workflow validation failed", diagMessages(diags)...)
		return graph.Document{}, false
	}
	return doc, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, ErrWorkflowExists):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	case IsTransient(err):
		s.logger.Error("workflow store unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "workflow store is unavailable, try again")
	default:
		s.logger.Error("workflow store error", "error", err)
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
	}
}

func diagMessages(diags []graph.Diagnostic) []string {
	errs := graph.Errors(diags)
	msgs := make([]string, 0, len(errs))
	for _, d := range errs {
		msgs = append(msgs, d.Code+": "+d.Message)
	}
	return msgs
}

// isMaxBytesError checks if the error is from http.MaxBytesReader.
func isMaxBytesError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}
