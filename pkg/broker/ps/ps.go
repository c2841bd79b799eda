// Package ps provides an in-process broker.Bus backed by cskr/pubsub.
package ps

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cskr/pubsub"
)

var ErrClosed = errors.New("ps: bus closed")

// Bus fans frames out to subscribers in the same process.
type Bus struct {
	bus *pubsub.PubSub

	mu     sync.RWMutex
	closed bool
}

// New creates a Bus whose subscriber channels buffer queueLength frames.
// Negative lengths are treated as zero.
func New(queueLength int) *Bus {
	if queueLength < 0 {
		queueLength = 0
	}
	return &Bus{bus: pubsub.New(queueLength)}
}

// Publish sends data to every subscriber of topic.
func (b *Bus) Publish(_ context.Context, topic string, data []byte) error {
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	b.bus.Pub(data, topic)
	return nil
}

// Subscribe calls fn for every frame on topic, in publish order, until the
// returned function is called or ctx is done.
func (b *Bus) Subscribe(ctx context.Context, topic string, fn func(data []byte)) (func(), error) {
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	if fn == nil {
		return nil, fmt.Errorf("handler function cannot be nil")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrClosed
	}
	ch := b.bus.Sub(topic)
	b.mu.RUnlock()

	stop := make(chan struct{})
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { close(stop) })
	}

	go func() {
		// Unsub must run while this goroutine keeps draining ch.
		go func() {
			select {
			case <-stop:
			case <-ctx.Done():
			}
			b.mu.RLock()
			if !b.closed {
				b.bus.Unsub(ch, topic)
			}
			b.mu.RUnlock()
		}()
		for raw := range ch {
			select {
			case <-stop:
				continue
			default:
			}
			if data, ok := raw.([]byte); ok {
				fn(data)
			}
		}
	}()

	return unsubscribe, nil
}

// Close shuts the bus down; subscriber goroutines exit.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.bus.Shutdown()
	return nil
}
