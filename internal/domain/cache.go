package domain

import (
	"context"
	"time"
)

// BookMirror publishes top-of-book state for out-of-process readers.
type BookMirror interface {
	SetSnapshot(ctx context.Context, snap OrderbookSnapshot) error
	GetBBO(ctx context.Context, assetID string) (bestBid, bestAsk float64, err error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus provides pub/sub and a durable stream of engine events.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
