// Package invalidation turns server change notifications into cache
// invalidations. Notifications arrive over Pub/Sub or an HTTP webhook and are
// applied to a cache.Store as predicate invalidations.
package invalidation

import (
	"context"
	"time"
)

// Message is a notification received from a broker, with its ack handles.
type Message struct {
	ID          string
	Payload     []byte
	Attributes  map[string]string
	PublishTime time.Time

	// Ack signals that the notification was applied.
	Ack func()
	// Nack asks the broker to redeliver.
	Nack func()
}

// MessageConsumer is a source of notifications, e.g. a Pub/Sub subscription.
type MessageConsumer interface {
	// Messages returns the channel workers receive from. It is closed on stop.
	Messages() <-chan Message
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Done is closed once the consumer has fully shut down.
	Done() <-chan struct{}
}
