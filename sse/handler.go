// Package sse streams engine events to HTTP clients as Server-Sent Events.
// Run streams replay stored events before switching to the live bus; node
// streams follow every run of one node while the client stays connected.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/petalcanvas/bus"
	"github.com/petal-labs/petalcanvas/runtime"
)

// HeartbeatInterval is the default interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// wireEvent is the JSON representation of a runtime event on the stream.
type wireEvent struct {
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id"`
	NodeID    string         `json:"node_id,omitempty"`
	NodeType  string         `json:"node_type,omitempty"`
	Time      time.Time      `json:"time"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Payload   map[string]any `json:"payload"`
	Seq       uint64         `json:"seq"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

func toWireEvent(e runtime.Event) wireEvent {
	return wireEvent{
		Kind:      string(e.Kind),
		RunID:     e.RunID,
		NodeID:    e.NodeID,
		NodeType:  string(e.NodeType),
		Time:      e.Time,
		ElapsedMs: e.Elapsed.Milliseconds(),
		Payload:   e.Payload,
		Seq:       e.Seq,
		TraceID:   e.TraceID,
		SpanID:    e.SpanID,
	}
}

// Handler serves event streams.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// A heartbeat comment ": ping" is sent every Heartbeat.
type Handler struct {
	store bus.EventStore
	bus   bus.EventBus

	// Heartbeat overrides HeartbeatInterval.
	Heartbeat time.Duration
}

// NewHandler creates a Handler over the given store and bus.
func NewHandler(store bus.EventStore, eb bus.EventBus) *Handler {
	return &Handler{store: store, bus: eb, Heartbeat: HeartbeatInterval}
}

// RunStream streams the events of the run named by the "run_id" path value.
// The cursor comes from the "after" query parameter or the Last-Event-ID
// header. The stream closes after run.finished.
func (h *Handler) RunStream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runID := r.PathValue("run_id")
		if runID == "" {
			http.Error(w, "missing run_id", http.StatusBadRequest)
			return
		}
		afterSeq, err := cursor(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		flusher, ok := startStream(w)
		if !ok {
			return
		}

		// Subscribe before replaying so nothing published in between is lost.
		sub := h.bus.Subscribe(runID)
		defer sub.Close()

		lastSeq := afterSeq
		finished, err := h.replay(r.Context(), w, flusher, runID, afterSeq, &lastSeq)
		if err != nil || finished {
			return
		}
		h.stream(r.Context(), w, flusher, sub, func(evt runtime.Event) (send, done bool) {
			if evt.Seq <= lastSeq {
				return false, false
			}
			lastSeq = evt.Seq
			return true, evt.Kind == runtime.EventRunFinished
		})
	})
}

// NodeStream streams live events of every run of the node named by the
// "node_id" path value until the client disconnects.
func (h *Handler) NodeStream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.PathValue("node_id")
		if nodeID == "" {
			http.Error(w, "missing node_id", http.StatusBadRequest)
			return
		}
		flusher, ok := startStream(w)
		if !ok {
			return
		}

		sub := h.bus.SubscribeNode(nodeID)
		defer sub.Close()

		h.stream(r.Context(), w, flusher, sub, func(runtime.Event) (bool, bool) {
			return true, false
		})
	})
}

func cursor(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q", raw)
	}
	return seq, nil
}

func startStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

// replay writes stored events. It reports whether run.finished was sent.
func (h *Handler) replay(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	runID string,
	afterSeq uint64,
	lastSeq *uint64,
) (bool, error) {
	if h.store == nil {
		return false, nil
	}
	events, err := h.store.List(ctx, runID, afterSeq, 0)
	if err != nil {
		return false, err
	}
	for _, evt := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err := writeEvent(w, evt); err != nil {
			return false, err
		}
		flusher.Flush()
		if evt.Seq > *lastSeq {
			*lastSeq = evt.Seq
		}
		if evt.Kind == runtime.EventRunFinished {
			return true, nil
		}
	}
	return false, nil
}

// stream forwards live events. accept decides per event whether to send it
// and whether the stream ends after it.
func (h *Handler) stream(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	accept func(runtime.Event) (send, done bool),
) {
	interval := h.Heartbeat
	if interval <= 0 {
		interval = HeartbeatInterval
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			send, done := accept(evt)
			if send {
				if err := writeEvent(w, evt); err != nil {
					return
				}
				flusher.Flush()
			}
			if done {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, evt runtime.Event) error {
	data, err := json.Marshal(toWireEvent(evt))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}
