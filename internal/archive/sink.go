// Package archive batches raw wire frames and uploads them to the
// object store for replay. Archival is best-effort by design: under
// pressure the oldest frames are evicted, and while the storage
// circuit is open whole batches are shed rather than stalling
// ingestion.
package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/tradecore/eodstream/internal/breaker"
	"github.com/tradecore/eodstream/internal/config"
	"github.com/tradecore/eodstream/internal/ingest"
	"github.com/tradecore/eodstream/internal/metrics"
	"github.com/tradecore/eodstream/internal/queue"
)

// ObjectPutter is the slice of the S3 API the sink needs. *s3.S3
// satisfies it.
type ObjectPutter interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// Sink accumulates frames and flushes them as framed binary objects.
type Sink struct {
	q   *queue.Queue[ingest.Frame]
	cfg config.ArchiveConfig

	store ObjectPutter
	cb    *breaker.Breaker
	met   *metrics.Metrics

	host        string
	objectSeq   atomic.Int64
	lastEvicted int64

	now func() time.Time
}

// NewSink builds the archival sink. The storage breaker sheds whole
// batches while the object store misbehaves.
func NewSink(cfg config.ArchiveConfig, store ObjectPutter, met *metrics.Metrics) *Sink {
	host, _ := os.Hostname()
	if host == "" {
		host = "gateway-0"
	}
	return &Sink{
		q:     queue.New[ingest.Frame](cfg.Buffer*4, queue.DropOldest),
		cfg:   cfg,
		store: store,
		cb: breaker.New(breaker.Config{
			Name:             "archive-storage",
			FailureThreshold: cfg.StorageCB.FailureThreshold,
			FailureWindow:    cfg.StorageCB.FailureWindow,
			OpenDuration:     cfg.StorageCB.OpenDuration,
			SuccessThreshold: cfg.StorageCB.SuccessThreshold,
		}),
		host: host,
		met:  met,
		now:  time.Now,
	}
}

// Breaker exposes the storage breaker for state observation.
func (s *Sink) Breaker() *breaker.Breaker { return s.cb }

// Offer enqueues a frame without ever blocking the caller. Under
// pressure the oldest queued frame is evicted.
func (s *Sink) Offer(f ingest.Frame) {
	_ = s.q.Enqueue(context.Background(), f)
}

// Run accumulates and flushes until ctx is cancelled, then drains the
// queue and performs a final flush.
func (s *Sink) Run(ctx context.Context) error {
	log.Info().Str("bucket", s.cfg.Bucket).Int("batch", s.cfg.Buffer).
		Dur("interval", s.cfg.FlushInterval).Msg("archive sink started")

	buf := make([]ingest.Frame, 0, s.cfg.Buffer)
	lastFlush := s.now()

	for {
		pollCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		f, err := s.q.Dequeue(pollCtx)
		cancel()
		if err == nil {
			buf = append(buf, f)
		}

		if len(buf) >= s.cfg.Buffer || (len(buf) > 0 && s.now().Sub(lastFlush) >= s.cfg.FlushInterval) {
			s.flush(ctx, buf)
			buf = buf[:0]
			lastFlush = s.now()
		}

		if ctx.Err() != nil {
			for {
				f, ok := s.q.TryDequeue()
				if !ok {
					break
				}
				buf = append(buf, f)
				if len(buf) >= s.cfg.Buffer {
					s.flush(context.Background(), buf)
					buf = buf[:0]
				}
			}
			if len(buf) > 0 {
				s.flush(context.Background(), buf)
			}
			log.Info().Msg("archive sink stopped")
			return nil
		}
	}
}

// flush serializes the batch and uploads it through the storage
// breaker. A batch that cannot be uploaded is discarded and counted;
// archival never backpressures the wire.
func (s *Sink) flush(ctx context.Context, frames []ingest.Frame) {
	if evicted := s.q.Dropped(); evicted > s.lastEvicted {
		s.met.ArchiveFramesEvicted.Add(float64(evicted - s.lastEvicted))
		s.lastEvicted = evicted
	}

	body := serialize(frames)
	key := s.objectKey(frames[0].Received)

	err := s.cb.Execute(func() error {
		uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		_, err := s.store.PutObjectWithContext(uploadCtx, &s3.PutObjectInput{
			Bucket:      aws.String(s.cfg.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/octet-stream"),
		})
		return err
	})
	switch {
	case breaker.IsOpen(err):
		s.met.ArchiveBatchesShed.Inc()
		log.Warn().Int("frames", len(frames)).Msg("storage circuit open, batch shed")
	case err != nil:
		s.met.ArchiveBatchesFailed.Inc()
		log.Error().Err(err).Str("key", key).Int("frames", len(frames)).Msg("archive upload failed, batch discarded")
	default:
		s.met.ArchiveBatches.Inc()
		log.Debug().Str("key", key).Int("frames", len(frames)).Int("bytes", len(body)).Msg("archive batch uploaded")
	}
}

// serialize frames each record as receive tick, length, raw bytes.
// The fixed little-endian framing keeps replay tooling trivial.
func serialize(frames []ingest.Frame) []byte {
	size := 0
	for i := range frames {
		size += 12 + len(frames[i].Body)
	}
	out := make([]byte, 0, size)
	for i := range frames {
		out = binary.LittleEndian.AppendUint64(out, uint64(frames[i].ReceiveTick))
		out = binary.LittleEndian.AppendUint32(out, uint32(len(frames[i].Body)))
		out = append(out, frames[i].Body...)
	}
	return out
}

// objectKey partitions objects by day and hour with a per-process
// sequence so concurrent gateways never collide.
func (s *Sink) objectKey(batchStart time.Time) string {
	if batchStart.IsZero() {
		batchStart = s.now()
	}
	t := batchStart.UTC()
	return fmt.Sprintf("%s/%02d/%02d-%02d-%03d_%s_%d.bin",
		t.Format("2006-01-02"), t.Hour(), t.Minute(), t.Second(),
		t.Nanosecond()/1e6, s.host, s.objectSeq.Add(1))
}
