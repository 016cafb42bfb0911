// Package pubsub provides a small generic broadcast broker. It carries
// whatever payload type the caller instantiates it with; topic routing and
// sequencing live in the bus package, which layers on top of it.
package pubsub

import (
	"context"
	"time"
)

// Event wraps a published payload with the time the broker saw it.
type Event[T any] struct {
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher broadcasts a payload to all current subscribers.
type Publisher[T any] interface {
	Publish(payload T)
}
