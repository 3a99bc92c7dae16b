package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/petalcanvas/runtime"
)

// StoreSubscriber writes events to an EventStore.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event to the store. It has the runtime.EventHandler
// signature so it can be wired straight into the engine.
func (s *StoreSubscriber) Handle(event runtime.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"run_id", event.RunID,
			"node_id", event.NodeID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}
