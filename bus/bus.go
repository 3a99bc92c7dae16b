// Package bus distributes engine events to observers such as the SSE stream,
// the event store and telemetry handlers.
package bus

import "github.com/petal-labs/petalcanvas/runtime"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event runtime.Event)

	// Subscribe registers a subscriber for a specific run.
	// Returns a Subscription that must be closed when done.
	Subscribe(runID string) Subscription

	// SubscribeNode registers a subscriber for every run of one node.
	SubscribeNode(nodeID string) Subscription

	// SubscribeAll registers a subscriber that receives events from all runs.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan runtime.Event

	// Close unsubscribes and releases resources.
	Close() error
}
