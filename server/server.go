// Package server exposes PetalCanvas workspaces and workflow persistence over
// HTTP.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	petalcanvas "github.com/petal-labs/petalcanvas"
	"github.com/petal-labs/petalcanvas/bus"
	"github.com/petal-labs/petalcanvas/sse"
)

// UserHeader carries the authenticated owner. It is set by the auth layer in
// front of the server.
const UserHeader = "X-User-ID"

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Store WorkflowStore

	// Workspace is the template for every opened workspace. Identity, bus
	// and event store fields are filled in by the server.
	Workspace petalcanvas.Config

	Bus        bus.EventBus
	EventStore bus.EventStore
	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the PetalCanvas HTTP API server. It keeps every opened
// workspace in memory, keyed by workflow ID.
type Server struct {
	store      WorkflowStore
	template   petalcanvas.Config
	bus        bus.EventBus
	ownBus     bool
	eventStore bus.EventStore
	events     *sse.Handler
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger

	mu         sync.RWMutex
	workspaces map[string]*petalcanvas.Workspace
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	eb := cfg.Bus
	ownBus := false
	if eb == nil {
		eb = bus.NewMemBus(bus.MemBusConfig{})
		ownBus = true
	}
	eventStore := cfg.EventStore
	if eventStore == nil {
		eventStore = bus.NewMemEventStore()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 16 << 20 // media travels inline as data URLs
	}
	template := cfg.Workspace
	if template.Logger == nil {
		template.Logger = logger
	}
	return &Server{
		store:      store,
		template:   template,
		bus:        eb,
		ownBus:     ownBus,
		eventStore: eventStore,
		events:     sse.NewHandler(eventStore, eb),
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
		workspaces: make(map[string]*petalcanvas.Workspace),
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/node-types", s.handleNodeTypes)

	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows/latest", s.handleLatestWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)

	mux.HandleFunc("POST /api/workspaces", s.handleOpenWorkspace)
	mux.HandleFunc("GET /api/workspaces/{id}", s.handleGetWorkspace)
	mux.HandleFunc("PATCH /api/workspaces/{id}", s.handleRenameWorkspace)
	mux.HandleFunc("DELETE /api/workspaces/{id}", s.handleCloseWorkspace)
	mux.HandleFunc("POST /api/workspaces/{id}/save", s.handleSaveWorkspace)
	mux.HandleFunc("POST /api/workspaces/{id}/import", s.handleImportWorkspace)
	mux.HandleFunc("POST /api/workspaces/{id}/validate", s.handleValidateWorkspace)
	mux.HandleFunc("POST /api/workspaces/{id}/nodes", s.handleAddNode)
	mux.HandleFunc("POST /api/workspaces/{id}/node-changes", s.handleNodeChanges)
	mux.HandleFunc("POST /api/workspaces/{id}/edge-changes", s.handleEdgeChanges)
	mux.HandleFunc("PATCH /api/workspaces/{id}/nodes/{node_id}", s.handlePatchNode)
	mux.HandleFunc("DELETE /api/workspaces/{id}/nodes/{node_id}", s.handleDeleteNode)
	mux.HandleFunc("POST /api/workspaces/{id}/nodes/{node_id}/duplicate", s.handleDuplicateNode)
	mux.HandleFunc("GET /api/workspaces/{id}/nodes/{node_id}/inputs/{handle_id}", s.handleResolveInput)
	mux.HandleFunc("POST /api/workspaces/{id}/nodes/{node_id}/run", s.handleRunNode)
	mux.HandleFunc("GET /api/workspaces/{id}/nodes/{node_id}/events", s.handleNodeEvents)
	mux.HandleFunc("POST /api/workspaces/{id}/connect", s.handleConnect)
	mux.HandleFunc("GET /api/workspaces/{id}/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/workspaces/{id}/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("GET /api/workspaces/{id}/runs/{run_id}/events", s.handleRunEvents)
}

// Close releases every open workspace and the server's private bus.
func (s *Server) Close() error {
	s.mu.Lock()
	open := s.workspaces
	s.workspaces = make(map[string]*petalcanvas.Workspace)
	s.mu.Unlock()

	var errs []error
	for _, ws := range open {
		errs = append(errs, ws.Close())
	}
	if s.ownBus {
		errs = append(errs, s.bus.Close())
	}
	return errors.Join(errs...)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID, "+UserHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
