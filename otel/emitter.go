package otel

import (
	"github.com/petal-labs/petalcanvas/runtime"
)

// EnrichEmitter stamps events with the trace and span IDs of the active span.
// Node events prefer the node span and fall back to the run span. Events
// with no active span pass through unchanged.
func EnrichEmitter(emit runtime.EventEmitter, tracing *TracingHandler) runtime.EventEmitter {
	return func(e runtime.Event) {
		sc := tracing.ActiveSpanContext(e.RunID, e.NodeID)
		if !sc.IsValid() {
			sc = tracing.ActiveRunSpanContext(e.RunID)
		}
		if sc.IsValid() {
			e.TraceID = sc.TraceID().String()
			e.SpanID = sc.SpanID().String()
		}
		emit(e)
	}
}

// Decorator returns a runtime.EventEmitterDecorator that enriches events
// with trace context.
func Decorator(tracing *TracingHandler) runtime.EventEmitterDecorator {
	return func(emit runtime.EventEmitter) runtime.EventEmitter {
		return EnrichEmitter(emit, tracing)
	}
}
