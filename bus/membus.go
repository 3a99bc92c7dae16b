package bus

import (
	"slices"
	"sync"

	"github.com/petal-labs/petalcanvas/runtime"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory event bus implementation.
type MemBus struct {
	mu         sync.RWMutex
	runSubs    map[string][]*memSub // runID -> subscribers
	nodeSubs   map[string][]*memSub // nodeID -> subscribers
	globalSubs []*memSub
	bufSize    int
	closed     bool
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		runSubs:  make(map[string][]*memSub),
		nodeSubs: make(map[string][]*memSub),
		bufSize:  bufSize,
	}
}

// Publish sends an event to all matching subscribers. If the bus is closed,
// the event is silently dropped.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.runSubs[event.RunID] {
		sub.send(event)
	}
	if event.NodeID != "" {
		for _, sub := range b.nodeSubs[event.NodeID] {
			sub.send(event)
		}
	}
	for _, sub := range b.globalSubs {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for a specific run.
func (b *MemBus) Subscribe(runID string) Subscription {
	return b.add(func(sub *memSub) {
		b.runSubs[runID] = append(b.runSubs[runID], sub)
	}, func(sub *memSub) {
		b.runSubs[runID] = without(b.runSubs[runID], sub)
		if len(b.runSubs[runID]) == 0 {
			delete(b.runSubs, runID)
		}
	})
}

// SubscribeNode registers a subscriber for every run of nodeID.
func (b *MemBus) SubscribeNode(nodeID string) Subscription {
	return b.add(func(sub *memSub) {
		b.nodeSubs[nodeID] = append(b.nodeSubs[nodeID], sub)
	}, func(sub *memSub) {
		b.nodeSubs[nodeID] = without(b.nodeSubs[nodeID], sub)
		if len(b.nodeSubs[nodeID]) == 0 {
			delete(b.nodeSubs, nodeID)
		}
	})
}

// SubscribeAll registers a subscriber that receives events from all runs.
func (b *MemBus) SubscribeAll() Subscription {
	return b.add(func(sub *memSub) {
		b.globalSubs = append(b.globalSubs, sub)
	}, func(sub *memSub) {
		b.globalSubs = without(b.globalSubs, sub)
	})
}

// add registers a subscription. Closing it detaches it from the bus so
// abandoned streams do not accumulate.
func (b *MemBus) add(register, unregister func(*memSub)) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b.bufSize)
	if b.closed {
		sub.close()
		return sub
	}
	register(sub)
	sub.detach = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		unregister(sub)
	}
	return sub
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.runSubs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, subs := range b.nodeSubs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	b.runSubs = make(map[string][]*memSub)
	b.nodeSubs = make(map[string][]*memSub)
	b.globalSubs = nil
	return nil
}

// subscriberCount is used by tests to observe detachment.
func (b *MemBus) subscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.globalSubs)
	for _, subs := range b.runSubs {
		n += len(subs)
	}
	for _, subs := range b.nodeSubs {
		n += len(subs)
	}
	return n
}

func without(subs []*memSub, target *memSub) []*memSub {
	return slices.DeleteFunc(slices.Clone(subs), func(s *memSub) bool { return s == target })
}

// memSub is an in-memory subscription.
type memSub struct {
	ch     chan runtime.Event
	mu     sync.Mutex
	closed bool
	detach func()
}

func newMemSub(bufSize int) *memSub {
	return &memSub{
		ch: make(chan runtime.Event, bufSize),
	}
}

// Events returns a channel of events for this subscription.
func (s *memSub) Events() <-chan runtime.Event {
	return s.ch
}

// Close unsubscribes and releases resources.
func (s *memSub) Close() error {
	if s.close() && s.detach != nil {
		s.detach()
	}
	return nil
}

// close closes the channel once. It reports whether this call closed it.
func (s *memSub) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// send delivers an event to the subscription's channel.
// If the channel is full or the subscription is closed, the event is dropped.
func (s *memSub) send(event runtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
	}
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
var _ runtime.EventPublisher = (*MemBus)(nil)
