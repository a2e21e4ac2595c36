package broker

import (
	"context"

	"hashrelay/internal/pool"
)

type Message struct {
	Exchange    string
	RoutingKey  string
	ContentType string
	Body        []byte
}

// ChannelPool is a fixed set of publish channels multiplexed over one broker
// connection.
type ChannelPool interface {
	Acquire(ctx context.Context) (Channel, error)
	Stats() pool.Stats
	// Healthy reports whether the underlying broker connection is usable.
	Healthy() bool
	Close() error
}

// Channel is one leased publish channel. Publish returns only once the broker
// has acknowledged the message. Release returns the channel to its pool;
// calls after the first are no-ops.
type Channel interface {
	Publish(ctx context.Context, msg Message) error
	Release()
}
