package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/tradecore/eodstream/internal/config"
)

// KafkaProducer publishes keyed records through a shared kgo client.
// It is safe for concurrent use.
type KafkaProducer struct {
	client *kgo.Client
	onErr  func(error)
	closed atomic.Bool
}

// NewKafkaProducer builds an idempotent, acks-all producer per the log
// config. onErr receives asynchronous delivery errors and may be nil.
func NewKafkaProducer(cfg config.LogConfig, onErr func(error)) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ProducerLinger(time.Duration(cfg.LingerMS) * time.Millisecond),
	}
	switch cfg.Acks {
	case "leader":
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	case "none":
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	default:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}
	if !cfg.EnableIdempotence && cfg.Acks == "all" {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionFailure, err)
	}

	return &KafkaProducer{client: client, onErr: onErr}, nil
}

// Publish enqueues a record keyed for partitioning. The call returns
// once the record is buffered; broker errors surface via onErr.
func (p *KafkaProducer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	rec := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	for k, v := range headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	p.client.Produce(ctx, rec, func(r *kgo.Record, err error) {
		if err != nil {
			log.Error().Err(err).Str("topic", r.Topic).Msg("log delivery failed")
			if p.onErr != nil {
				p.onErr(err)
			}
		}
	})
	return nil
}

// Close flushes buffered records and releases the client.
func (p *KafkaProducer) Close() {
	if p.closed.Swap(true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("producer flush on close")
	}
	p.client.Close()
}

// KafkaConsumer is one consumer-group member over a single topic with
// auto-commit disabled.
type KafkaConsumer struct {
	client  *kgo.Client
	topic   string
	maxPoll int

	mu  sync.Mutex
	lag int64

	closed atomic.Bool
}

// NewKafkaConsumer joins group on topic. Offsets are committed only
// through Commit; auto-commit stays off so the engines own delivery
// semantics.
func NewKafkaConsumer(cfg config.LogConfig, topic, group string) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}

	reset := kgo.NewOffset().AtStart()
	if cfg.AutoOffsetReset == "latest" {
		reset = kgo.NewOffset().AtEnd()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup(group),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionFailure, err)
	}

	maxPoll := cfg.MaxPollRecords
	if maxPoll <= 0 {
		maxPoll = 500
	}
	return &KafkaConsumer{client: client, topic: topic, maxPoll: maxPoll}, nil
}

// Poll fetches the next batch, preserving per-partition order within
// the returned slice. Partition-level fetch errors are logged and the
// healthy partitions are still returned.
func (c *KafkaConsumer) Poll(ctx context.Context) ([]*Record, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	fetches := c.client.PollRecords(ctx, c.maxPoll)
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, fe := range fetches.Errors() {
		log.Warn().Err(fe.Err).Str("topic", fe.Topic).Int32("partition", fe.Partition).Msg("fetch error")
	}

	var out []*Record
	var lag int64
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		n := len(p.Records)
		if n > 0 {
			last := p.Records[n-1]
			if hw := p.HighWatermark; hw > last.Offset+1 {
				lag += hw - (last.Offset + 1)
			}
		}
		for _, r := range p.Records {
			out = append(out, &Record{
				Topic:       r.Topic,
				Partition:   r.Partition,
				Offset:      r.Offset,
				LeaderEpoch: r.LeaderEpoch,
				Key:         string(r.Key),
				Value:       r.Value,
				Headers:     headerMap(r.Headers),
				Timestamp:   r.Timestamp,
			})
		}
	})

	c.mu.Lock()
	c.lag = lag
	c.mu.Unlock()

	return out, nil
}

// Commit synchronously stores offset+1 for the highest record of each
// partition in records.
func (c *KafkaConsumer) Commit(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	offsets := make(map[string]map[int32]kgo.EpochOffset)
	for _, r := range records {
		parts, ok := offsets[r.Topic]
		if !ok {
			parts = make(map[int32]kgo.EpochOffset)
			offsets[r.Topic] = parts
		}
		if cur, ok := parts[r.Partition]; !ok || r.Offset+1 > cur.Offset {
			parts[r.Partition] = kgo.EpochOffset{Epoch: r.LeaderEpoch, Offset: r.Offset + 1}
		}
	}

	var commitErr error
	c.client.CommitOffsetsSync(ctx, offsets, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
		commitErr = err
	})
	if commitErr != nil {
		return fmt.Errorf("commit offsets: %w", commitErr)
	}
	return nil
}

// Lag reports the lag observed on the most recent poll.
func (c *KafkaConsumer) Lag() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lag
}

// Close leaves the group and releases the client.
func (c *KafkaConsumer) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.client.Close()
}

func headerMap(hs []kgo.RecordHeader) map[string]string {
	if len(hs) == 0 {
		return nil
	}
	m := make(map[string]string, len(hs))
	for _, h := range hs {
		m[h.Key] = string(h.Value)
	}
	return m
}
