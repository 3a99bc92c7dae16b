// Package otel translates PetalCanvas engine events into OpenTelemetry spans
// and metrics.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalcanvas/runtime"
)

// TracingHandler turns engine events into spans. Every run gets a root span
// named after the triggered node's label, with one child span for the node
// execution. Resolved inputs and outputs become span events.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span      // runID -> span
	runCtxs   map[string]context.Context // runID -> context for child spans
	nodeSpans map[string]trace.Span      // runID:nodeID -> span
}

// NewTracingHandler creates a TracingHandler using tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		nodeSpans: make(map[string]trace.Span),
	}
}

// Handle processes one event. It has runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventRunStarted:
		h.runStarted(e)
	case runtime.EventNodeStarted:
		h.nodeStarted(e)
	case runtime.EventNodeInput, runtime.EventNodeOutput:
		h.nodeEvent(e)
	case runtime.EventNodeFinished:
		h.endNode(e, "")
	case runtime.EventNodeFailed:
		h.endNode(e, payloadString(e, "error", "unknown error"))
	case runtime.EventRunFinished:
		h.runFinished(e)
	}
}

func (h *TracingHandler) runStarted(e runtime.Event) {
	name := "run:" + e.RunID
	if label := payloadString(e, "label", ""); label != "" {
		name = "run:" + label
	}

	ctx, span := h.tracer.Start(context.Background(), name,
		trace.WithAttributes(
			attribute.String("petalcanvas.run_id", e.RunID),
			attribute.String("petalcanvas.node_id", e.NodeID),
			attribute.String("petalcanvas.node_type", string(e.NodeType)),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) nodeStarted(e runtime.Event) {
	h.mu.RLock()
	parent, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()
	if !ok {
		parent = context.Background()
	}

	_, span := h.tracer.Start(parent, "node:"+e.NodeID,
		trace.WithAttributes(
			attribute.String("petalcanvas.run_id", e.RunID),
			attribute.String("petalcanvas.node_id", e.NodeID),
			attribute.String("petalcanvas.node_type", string(e.NodeType)),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.nodeSpans[spanKey(e.RunID, e.NodeID)] = span
	h.mu.Unlock()
}

func (h *TracingHandler) nodeEvent(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.nodeSpans[spanKey(e.RunID, e.NodeID)]
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{attribute.Int64("petalcanvas.seq", int64(e.Seq))}
	for _, key := range []string{"handle", "source", "model"} {
		if v := payloadString(e, key, ""); v != "" {
			attrs = append(attrs, attribute.String("petalcanvas."+key, v))
		}
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// endNode ends the node span; a non-empty errMsg marks it failed.
func (h *TracingHandler) endNode(e runtime.Event, errMsg string) {
	key := spanKey(e.RunID, e.NodeID)

	h.mu.Lock()
	span, ok := h.nodeSpans[key]
	delete(h.nodeSpans, key)
	h.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.Float64("petalcanvas.duration_s", e.Elapsed.Seconds()))
	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) runFinished(e runtime.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	delete(h.runSpans, e.RunID)
	delete(h.runCtxs, e.RunID)
	h.mu.Unlock()
	if !ok {
		return
	}

	status := payloadString(e, "status", "")
	span.SetAttributes(
		attribute.Float64("petalcanvas.duration_s", e.Elapsed.Seconds()),
		attribute.String("petalcanvas.status", status),
	)
	if status == "failed" {
		span.SetStatus(codes.Error, payloadString(e, "error", "run failed"))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the span context of the node span for runID and
// nodeID, or an empty SpanContext.
func (h *TracingHandler) ActiveSpanContext(runID, nodeID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.nodeSpans[spanKey(runID, nodeID)]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the span context of the run span for runID,
// or an empty SpanContext.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func spanKey(runID, nodeID string) string {
	return runID + ":" + nodeID
}

func payloadString(e runtime.Event, key, fallback string) string {
	if s, ok := e.Payload[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

type spanError string

func (e spanError) Error() string { return string(e) }
