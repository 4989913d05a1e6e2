// Package transport wraps the publish/subscribe client used to reach the
// measurement agent. It owns connection lifecycle, bounded reconnect
// backoff, and re-registration of subscriptions after a drop.
package transport

import "context"

// Handler consumes a raw message delivered on a subscribed subject.
// Handlers run on the client's dispatch goroutine and must not block;
// long work is handed off to the optimization goroutine.
type Handler func(ctx context.Context, subject string, data []byte)

// Bus is the message-bus surface the controller depends on. The NATS
// Client implements it; tests substitute an in-process bus.
type Bus interface {
	// Publish sends data on subject.
	Publish(ctx context.Context, subject string, data []byte) error
	// Subscribe registers handler for subject. Registrations made before
	// Connect are applied on connect and replayed after a reconnect.
	Subscribe(subject string, handler Handler) error
	// Healthy reports whether the bus is currently connected.
	Healthy() bool
}
