package notify

import (
	"context"
	"fmt"
	"sync"
)

// ChannelNotifier delivers events to in-process channels keyed by
// listener name. The harness and tests use it.
type ChannelNotifier struct {
	mu        sync.RWMutex
	listeners map[string]chan Event
}

// NewChannelNotifier creates a notifier with no listeners.
func NewChannelNotifier() *ChannelNotifier {
	return &ChannelNotifier{listeners: make(map[string]chan Event)}
}

// Listen registers a listener and returns its channel. Registering the
// same name again returns the existing channel.
func (n *ChannelNotifier) Listen(name string, buffer int) <-chan Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.listeners[name]; ok {
		return ch
	}
	ch := make(chan Event, buffer)
	n.listeners[name] = ch
	return ch
}

// Deliver implements Notifier. It blocks until the listener accepts the
// event or ctx ends.
func (n *ChannelNotifier) Deliver(ctx context.Context, listener string, ev Event) error {
	n.mu.RLock()
	ch, ok := n.listeners[listener]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownListener, listener)
	}
	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
