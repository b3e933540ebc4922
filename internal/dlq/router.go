// Package dlq routes records the pipelines cannot process onto the
// dead-letter topic with a diagnostic envelope. Publishing is
// best-effort and asynchronous so a DLQ stall never blocks the hot
// path.
package dlq

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tradecore/eodstream/internal/metrics"
	"github.com/tradecore/eodstream/internal/stream"
)

// Reason classifies why a record was dead-lettered.
type Reason string

const (
	ReasonDeserialization Reason = "DESERIALIZATION_ERROR"
	ReasonValidation      Reason = "VALIDATION_ERROR"
	ReasonProcessing      Reason = "PROCESSING_ERROR"
	ReasonTimeout         Reason = "TIMEOUT_ERROR"
	ReasonDownstream      Reason = "DOWNSTREAM_ERROR"
)

// Entry is one failed record with its provenance and diagnostics.
type Entry struct {
	Payload           []byte
	Reason            Reason
	OriginalTopic     string
	OriginalPartition int32
	OriginalOffset    int64
	RetryCount        int
	FirstFailure      time.Time
	Diagnostics       map[string]string
}

// Router publishes entries to the DLQ topic through a bounded queue
// drained by a single background goroutine. When the queue is full the
// entry is dropped and counted; DLQ delivery is not guaranteed.
type Router struct {
	pub   stream.Publisher
	topic string
	met   *metrics.Metrics
	jobs  chan Entry
	done  chan struct{}
}

// NewRouter starts the router's drain loop.
func NewRouter(pub stream.Publisher, topic string, met *metrics.Metrics) *Router {
	r := &Router{
		pub:   pub,
		topic: topic,
		met:   met,
		jobs:  make(chan Entry, 1024),
		done:  make(chan struct{}),
	}
	go r.drain()
	return r
}

// Route enqueues an entry for publication. Never blocks.
func (r *Router) Route(entry Entry) {
	if entry.FirstFailure.IsZero() {
		entry.FirstFailure = time.Now()
	}
	select {
	case r.jobs <- entry:
	default:
		r.met.DLQDropped.Inc()
		log.Warn().Str("reason", string(entry.Reason)).Msg("dlq queue full, entry dropped")
	}
}

// Close stops the drain loop after the queue empties.
func (r *Router) Close() {
	close(r.jobs)
	<-r.done
}

func (r *Router) drain() {
	defer close(r.done)
	for entry := range r.jobs {
		r.publish(entry)
	}
}

func (r *Router) publish(entry Entry) {
	headers := map[string]string{
		"id":                      uuid.NewString(),
		"reason":                  string(entry.Reason),
		"original_topic":          entry.OriginalTopic,
		"original_partition":      strconv.FormatInt(int64(entry.OriginalPartition), 10),
		"original_offset":         strconv.FormatInt(entry.OriginalOffset, 10),
		"retry_count":             strconv.Itoa(entry.RetryCount),
		"first_failure_timestamp": entry.FirstFailure.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range entry.Diagnostics {
		headers["diag-"+k] = v
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.pub.Publish(ctx, r.topic, entry.OriginalTopic, entry.Payload, headers); err != nil {
		r.met.DLQDropped.Inc()
		log.Error().Err(err).Str("reason", string(entry.Reason)).Msg("dlq publish failed")
		return
	}
	r.met.DLQPublished.WithLabelValues(string(entry.Reason)).Inc()
}
