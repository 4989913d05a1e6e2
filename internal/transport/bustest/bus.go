// Package bustest provides an in-process Bus for tests: publishes are
// recorded and delivered synchronously to subscribed handlers, and a hook
// lets a test script a peer's responses.
package bustest

import (
	"context"
	"sync"

	"github.com/copyleftdev/ALIGN/internal/transport"
)

// Bus is an in-memory transport.Bus.
type Bus struct {
	mu        sync.Mutex
	handlers  map[string][]transport.Handler
	published map[string][][]byte
	healthy   bool
	onPublish func(subject string, data []byte)
}

// New returns a healthy empty Bus.
func New() *Bus {
	return &Bus{
		handlers:  make(map[string][]transport.Handler),
		published: make(map[string][][]byte),
		healthy:   true,
	}
}

// Subscribe implements transport.Bus.
func (b *Bus) Subscribe(subject string, handler transport.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = append(b.handlers[subject], handler)
	return nil
}

// Publish implements transport.Bus. The payload is recorded, the OnPublish
// hook runs, and subscribed handlers are invoked synchronously on the
// caller's goroutine.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()
	b.published[subject] = append(b.published[subject], data)
	hook := b.onPublish
	hs := append([]transport.Handler(nil), b.handlers[subject]...)
	b.mu.Unlock()

	if hook != nil {
		hook(subject, data)
	}
	for _, h := range hs {
		h(ctx, subject, data)
	}
	return nil
}

// Deliver injects an inbound message: handlers run, nothing is recorded
// and the publish hook does not fire.
func (b *Bus) Deliver(subject string, data []byte) {
	b.mu.Lock()
	hs := append([]transport.Handler(nil), b.handlers[subject]...)
	b.mu.Unlock()
	for _, h := range hs {
		h(context.Background(), subject, data)
	}
}

// Published returns the payloads published on subject, in order.
func (b *Bus) Published(subject string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.published[subject]...)
}

// OnPublish installs a hook invoked for every Publish before handler
// dispatch. Used to script the measurement agent's side of a dialogue.
func (b *Bus) OnPublish(fn func(subject string, data []byte)) {
	b.mu.Lock()
	b.onPublish = fn
	b.mu.Unlock()
}

// SetHealthy overrides the health flag reported by Healthy.
func (b *Bus) SetHealthy(v bool) {
	b.mu.Lock()
	b.healthy = v
	b.mu.Unlock()
}

// Healthy implements transport.Bus.
func (b *Bus) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy
}
