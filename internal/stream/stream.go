// Package stream wraps the durable log client behind small producer
// and consumer interfaces so the engines can run against Kafka in
// production and the in-memory stub in tests.
package stream

import (
	"context"
	"errors"
	"time"
)

// Record is one consumed or published log record.
type Record struct {
	Topic       string
	Partition   int32
	Offset      int64
	LeaderEpoch int32
	Key         string
	Value       []byte
	Headers     map[string]string
	Timestamp   time.Time
}

// Publisher emits keyed records to the log. Publish is asynchronous:
// delivery errors are reported through the onErr callback installed at
// construction, never to the caller.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	Close()
}

// Consumer is one consumer-group member. Poll returns records in
// per-partition order; Commit durably stores the offsets of the given
// records (plus one, per log convention).
type Consumer interface {
	Poll(ctx context.Context) ([]*Record, error)
	Commit(ctx context.Context, records []*Record) error
	// Lag returns the summed high-watermark lag across assigned
	// partitions, as observed on the most recent poll.
	Lag() int64
	Close()
}

// Common errors.
var (
	ErrClosed         = errors.New("stream client closed")
	ErrNoBrokers      = errors.New("no seed brokers configured")
	ErrSessionFailure = errors.New("log session could not be established")
)
