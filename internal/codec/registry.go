package codec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"github.com/twmb/franz-go/pkg/sr"

	"github.com/tradecore/eodstream/internal/config"
	"github.com/tradecore/eodstream/internal/metrics"
)

// recordName identifies the envelope message type in subject names.
const recordName = "trade_envelope"

// envelopeSchema is the registry descriptor for the envelope body.
// The registry only sees a JSON-schema rendering; the wire body itself
// is the compact binary form in wire.go.
const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "trade_envelope",
  "type": "object",
  "required": ["exec_id", "symbol"],
  "properties": {
    "exec_id": {"type": "string"},
    "order_id": {"type": "string"},
    "client_order_id": {"type": "string"},
    "symbol": {"type": "string"},
    "side": {"type": "integer"},
    "quantity": {"type": "integer"},
    "price_mantissa": {"type": "integer"},
    "price_exponent": {"type": "integer"},
    "trader_id": {"type": "string"},
    "account": {"type": "string"},
    "strategy_code": {"type": "string"},
    "exchange": {"type": "string"},
    "receive_timestamp": {"type": "integer"},
    "gateway_timestamp": {"type": "integer"},
    "exec_timestamp": {"type": "integer"},
    "raw_frame": {"type": "string"},
    "gateway_id": {"type": "string"}
  }
}`

// Registry caches schema registrations per (topic, message type) and
// talks to the schema registry through a breaker so a registry outage
// degrades emission to the raw shape instead of stalling it.
type Registry struct {
	client *sr.Client
	cfg    config.CodecConfig
	cb     *gobreaker.CircuitBreaker
	met    *metrics.Metrics

	mu       sync.Mutex
	ids      map[string]int        // cache key -> schema id
	inflight map[string]*sync.Once
	failed   map[string]time.Time  // negative cache to avoid hot-loop retries
}

// NewRegistry connects to the configured schema registry. Returns
// (nil, nil) when the codec registry integration is disabled.
func NewRegistry(cfg config.CodecConfig, met *metrics.Metrics) (*Registry, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := sr.NewClient(sr.URLs(cfg.RegistryURL))
	if err != nil {
		return nil, fmt.Errorf("schema registry client: %w", err)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "schema-registry",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Registry{
		client:   client,
		cfg:      cfg,
		cb:       cb,
		met:      met,
		ids:      make(map[string]int),
		inflight: make(map[string]*sync.Once),
		failed:   make(map[string]time.Time),
	}, nil
}

// Subject renders the subject name for topic under the configured
// naming strategy.
func (r *Registry) Subject(topic string) string {
	switch r.cfg.SubjectNamingStrategy {
	case "RecordName":
		return recordName
	case "TopicRecordName":
		return topic + "-" + recordName
	default: // TopicName
		return topic + "-value"
	}
}

// SchemaIDFor returns the cached schema id for topic, registering on
// miss under a single-flight lock when auto-registration is enabled.
// A failed registration returns (0, false); emission proceeds raw.
func (r *Registry) SchemaIDFor(topic string) (int, bool) {
	key := topic + "/" + recordName

	r.mu.Lock()
	if id, ok := r.ids[key]; ok {
		r.mu.Unlock()
		return id, true
	}
	if !r.cfg.AutoRegister {
		r.mu.Unlock()
		return 0, false
	}
	if until, ok := r.failed[key]; ok && time.Now().Before(until) {
		r.mu.Unlock()
		return 0, false
	}
	once, ok := r.inflight[key]
	if !ok {
		once = &sync.Once{}
		r.inflight[key] = once
	}
	r.mu.Unlock()

	once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		id, err := r.register(ctx, topic)

		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.inflight, key)
		if err != nil {
			r.failed[key] = time.Now().Add(30 * time.Second)
			r.met.SchemaRegistrationErrors.Inc()
			log.Warn().Err(err).Str("topic", topic).Msg("schema registration failed, emitting raw")
			return
		}
		r.ids[key] = id
		r.met.SchemaRegistrations.Inc()
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[key]
	return id, ok
}

// register creates the envelope schema under the topic's subject.
func (r *Registry) register(ctx context.Context, topic string) (int, error) {
	res, err := r.cb.Execute(func() (interface{}, error) {
		ss, err := r.client.CreateSchema(ctx, r.Subject(topic), sr.Schema{
			Schema: envelopeSchema,
			Type:   sr.TypeJSON,
		})
		if err != nil {
			return nil, err
		}
		return ss.ID, nil
	})
	if err != nil {
		return 0, err
	}
	return res.(int), nil
}

// CheckCompatibility verifies descriptor against the latest registered
// version for topic's subject.
func (r *Registry) CheckCompatibility(ctx context.Context, topic, descriptor string) (bool, error) {
	res, err := r.cb.Execute(func() (interface{}, error) {
		result, err := r.client.CheckCompatibility(ctx, r.Subject(topic), -1, sr.Schema{
			Schema: descriptor,
			Type:   sr.TypeJSON,
		})
		if err != nil {
			return false, err
		}
		return result.Is, nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}
