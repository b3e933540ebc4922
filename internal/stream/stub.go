package stream

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// StubBus is a minimal in-memory log for tests and development. It
// partitions by key hash so per-key ordering behaves like the real
// log, and it tracks committed offsets per (topic, group).
type StubBus struct {
	mu         sync.Mutex
	partitions int32
	messages   map[string][][]*Record // topic -> partition -> records
	committed  map[string]map[int32]int64
	closed     bool
}

// NewStubBus creates a stub log with the given partition count per
// topic.
func NewStubBus(partitions int32) *StubBus {
	if partitions <= 0 {
		partitions = 1
	}
	return &StubBus{
		partitions: partitions,
		messages:   make(map[string][][]*Record),
		committed:  make(map[string]map[int32]int64),
	}
}

// Publish appends a record to the partition chosen by key hash.
func (s *StubBus) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	parts := s.topicLocked(topic)
	p := s.partitionFor(key)
	rec := &Record{
		Topic:     topic,
		Partition: p,
		Offset:    int64(len(parts[p])),
		Key:       key,
		Value:     append([]byte(nil), value...),
		Headers:   headers,
		Timestamp: time.Now(),
	}
	parts[p] = append(parts[p], rec)
	s.messages[topic] = parts
	return nil
}

// Close marks the bus closed; further publishes fail.
func (s *StubBus) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *StubBus) topicLocked(topic string) [][]*Record {
	parts, ok := s.messages[topic]
	if !ok {
		parts = make([][]*Record, s.partitions)
		s.messages[topic] = parts
	}
	return parts
}

func (s *StubBus) partitionFor(key string) int32 {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int32(h.Sum32() % uint32(s.partitions))
}

// Messages returns a copy of everything published to topic, in
// partition order (testing helper).
func (s *StubBus) Messages(topic string) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, part := range s.messages[topic] {
		out = append(out, part...)
	}
	return out
}

// Committed returns the committed offset for a (topic, group,
// partition), or -1 if none (testing helper).
func (s *StubBus) Committed(topic, group string, partition int32) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	groupKey := topic + ":" + group
	offsets, ok := s.committed[groupKey]
	if !ok {
		return -1
	}
	off, ok := offsets[partition]
	if !ok {
		return -1
	}
	return off
}

// NewConsumer returns a stub group member that consumes every
// partition of topic, resuming from the group's committed offsets.
func (s *StubBus) NewConsumer(topic, group string) *StubConsumer {
	return &StubConsumer{bus: s, topic: topic, group: group, positions: make(map[int32]int64)}
}

// StubConsumer drains a StubBus topic in partition order.
type StubConsumer struct {
	bus       *StubBus
	topic     string
	group     string
	mu        sync.Mutex
	positions map[int32]int64
	lag       int64
	closed    bool
}

// Poll returns all records past the consumer's position.
func (c *StubConsumer) Poll(ctx context.Context) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()

	var out []*Record
	for p, part := range c.bus.messages[c.topic] {
		pos := c.positions[int32(p)]
		for _, rec := range part[pos:] {
			out = append(out, rec)
		}
		c.positions[int32(p)] = int64(len(part))
	}
	c.lag = 0
	return out, nil
}

// Commit stores offset+1 for the highest record per partition.
func (c *StubConsumer) Commit(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()

	groupKey := c.topic + ":" + c.group
	offsets, ok := c.bus.committed[groupKey]
	if !ok {
		offsets = make(map[int32]int64)
		c.bus.committed[groupKey] = offsets
	}
	for _, r := range records {
		if r.Topic != c.topic {
			return fmt.Errorf("commit for foreign topic %s", r.Topic)
		}
		if r.Offset+1 > offsets[r.Partition] {
			offsets[r.Partition] = r.Offset + 1
		}
	}
	return nil
}

// Lag always reports zero once polled; the stub delivers everything.
func (c *StubConsumer) Lag() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lag
}

// Close stops the consumer.
func (c *StubConsumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
