package bus

import (
	"context"
	"fmt"
	"sync"

	shell "github.com/ipfs/go-ipfs-api"
	"go.uber.org/zap"
)

// IPFSBus implements Bus over the content-addressed daemon's PubSub
// API. One goroutine per subscription pumps messages into the handler.
type IPFSBus struct {
	shell  *shell.Shell
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*ipfsSubscription]struct{}
	closed bool
}

// NewIPFSBus creates a bus over an existing daemon API endpoint.
func NewIPFSBus(endpoint string, logger *zap.Logger) (*IPFSBus, error) {
	if endpoint == "" {
		endpoint = "127.0.0.1:5001"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sh := shell.NewShell(endpoint)
	if _, err := sh.ID(); err != nil {
		return nil, fmt.Errorf("connect pubsub endpoint: %w", err)
	}
	return &IPFSBus{
		shell:  sh,
		logger: logger,
		subs:   make(map[*ipfsSubscription]struct{}),
	}, nil
}

// Publish sends bytes to a topic. Oversized messages are rejected
// rather than truncated by the transport.
func (b *IPFSBus) Publish(ctx context.Context, topic string, data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes (max %d)", len(data), MaxMessageSize)
	}
	if err := b.shell.PubSubPublish(topic, string(data)); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

type ipfsSubscription struct {
	bus    *IPFSBus
	topic  string
	sub    *shell.PubSubSubscription
	cancel context.CancelFunc
	once   sync.Once
}

// Cancel stops the pump goroutine and closes the subscription.
func (s *ipfsSubscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		s.sub.Cancel()
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
}

// Subscribe attaches a handler to a topic.
func (b *IPFSBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus closed")
	}
	b.mu.Unlock()

	raw, err := b.shell.PubSubSubscribe(topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &ipfsSubscription{bus: b, topic: topic, sub: raw, cancel: cancel}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		for {
			msg, err := raw.Next()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				b.logger.Debug("pubsub receive failed",
					zap.String("topic", topic), zap.Error(err))
				return
			}
			if len(msg.Data) == 0 || len(msg.Data) > MaxMessageSize {
				// Truncated or oversized: modeled as "never arrived".
				continue
			}
			handler(msg.Data)
		}
	}()

	return sub, nil
}

// Close cancels every subscription.
func (b *IPFSBus) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*ipfsSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	return nil
}
