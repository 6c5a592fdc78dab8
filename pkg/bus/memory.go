package bus

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-node setups.
// DropRate and DuplicateRate inject the loss and duplication real
// transports exhibit.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string]map[*memSubscription]Handler
	closed   bool

	// DropRate in [0,1]: probability a published message is dropped.
	DropRate float64
	// DuplicateRate in [0,1]: probability a message is delivered twice.
	DuplicateRate float64

	rng *rand.Rand
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		handlers: make(map[string]map[*memSubscription]Handler),
		rng:      rand.New(rand.NewSource(1)),
	}
}

type memSubscription struct {
	bus   *MemoryBus
	topic string
	once  sync.Once
}

func (s *memSubscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.handlers[s.topic], s)
		s.bus.mu.Unlock()
	})
}

// Publish delivers synchronously to every subscriber of the topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes (max %d)", len(data), MaxMessageSize)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus closed")
	}
	var targets []Handler
	for _, h := range b.handlers[topic] {
		targets = append(targets, h)
	}
	drop := b.DropRate > 0 && b.rng.Float64() < b.DropRate
	dup := b.DuplicateRate > 0 && b.rng.Float64() < b.DuplicateRate
	b.mu.Unlock()

	if drop {
		return nil
	}
	body := make([]byte, len(data))
	copy(body, data)
	for _, h := range targets {
		h(body)
		if dup {
			h(body)
		}
	}
	return nil
}

// Subscribe attaches a handler.
func (b *MemoryBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}
	sub := &memSubscription{bus: b, topic: topic}
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[*memSubscription]Handler)
	}
	b.handlers[topic][sub] = handler
	return sub, nil
}

// Close drops all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string]map[*memSubscription]Handler)
	return nil
}
