package runtime

import "context"

type emitterKey struct{}

// ContextWithEmitter returns ctx carrying the run's emitter, so executors
// can report progress (node.output) on the run they belong to.
func ContextWithEmitter(ctx context.Context, emit EventEmitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, emit)
}

// EmitterFromContext returns the run's emitter, or a no-op when ctx carries
// none.
func EmitterFromContext(ctx context.Context) EventEmitter {
	if emit, ok := ctx.Value(emitterKey{}).(EventEmitter); ok && emit != nil {
		return emit
	}
	return func(Event) {}
}
