package ingest

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradecore/eodstream/internal/codec"
	"github.com/tradecore/eodstream/internal/config"
	"github.com/tradecore/eodstream/internal/metrics"
	"github.com/tradecore/eodstream/internal/model"
	"github.com/tradecore/eodstream/internal/queue"
	"github.com/tradecore/eodstream/internal/stream"
)

// Archiver receives every checksum-valid frame before parsing. Offers
// must never block the hot receive loop.
type Archiver interface {
	Offer(Frame)
}

// Engine drains the gateway queue, archives and validates each frame,
// and emits canonical envelopes to the durable log keyed by symbol so
// per-instrument order survives partitioning.
type Engine struct {
	in    *queue.Queue[Frame]
	sink  Archiver
	codec *codec.Codec
	pub   stream.Publisher
	met   *metrics.Metrics

	topic     string
	gatewayID string

	lastSeq int64
}

// NewEngine wires the ingestion engine. sink may be nil when archival
// is disabled.
func NewEngine(cfg config.IngestConfig, topic string, sink Archiver, cd *codec.Codec, pub stream.Publisher, met *metrics.Metrics) *Engine {
	return &Engine{
		in:        queue.New[Frame](cfg.BufferSize, queue.Wait),
		sink:      sink,
		codec:     cd,
		pub:       pub,
		met:       met,
		topic:     topic,
		gatewayID: cfg.GatewayID,
	}
}

// Enqueue hands a received frame to the engine. Blocks under
// backpressure so the wire reader slows down instead of losing frames.
func (e *Engine) Enqueue(ctx context.Context, f Frame) error {
	err := e.in.Enqueue(ctx, f)
	e.met.IngestQueueDepth.Set(float64(e.in.Len()))
	return err
}

// Run drains the queue until ctx is cancelled, then finishes whatever
// is already buffered before returning.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().Str("topic", e.topic).Str("gateway", e.gatewayID).Msg("ingestion engine started")
	for {
		f, err := e.in.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				e.drain()
				log.Info().Msg("ingestion engine stopped")
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		e.process(f)
		e.met.IngestQueueDepth.Set(float64(e.in.Len()))
	}
}

// drain flushes frames buffered at cancellation with a bounded grace
// period so shutdown cannot hang on a slow producer.
func (e *Engine) drain() {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f, ok := e.in.TryDequeue()
		if !ok {
			return
		}
		e.process(f)
	}
}

func (e *Engine) process(f Frame) {
	e.met.FramesReceived.Inc()

	if err := ValidateChecksum(f.Body); err != nil {
		e.met.FramesDropped.WithLabelValues("checksum").Inc()
		log.Warn().Err(err).Int("bytes", len(f.Body)).Msg("frame failed checksum, dropped")
		return
	}

	// Archive after checksum, before parsing: the replay store keeps
	// every frame the wire delivered intact, parseable or not.
	if e.sink != nil {
		e.sink.Offer(f)
	}

	meta := ExtractMeta(f.Body)
	if meta.SeqNum > 0 {
		if e.lastSeq > 0 && meta.SeqNum <= e.lastSeq {
			e.met.FramesOutOfOrder.Inc()
			log.Warn().Int64("seq", meta.SeqNum).Int64("last_seq", e.lastSeq).Msg("gateway sequence regressed")
		}
		if meta.SeqNum > e.lastSeq {
			e.lastSeq = meta.SeqNum
		}
	}

	env := e.envelope(f, meta)
	payload := e.codec.Encode(e.topic, env)

	headers := map[string]string{
		"gateway_id": e.gatewayID,
		"receive_ts": strconv.FormatInt(env.ReceiveTimestamp, 10),
	}
	if err := e.pub.Publish(context.Background(), e.topic, env.Symbol, payload, headers); err != nil {
		e.met.EmitErrors.Inc()
		log.Error().Err(err).Str("exec_id", env.ExecID).Msg("envelope publish rejected")
		return
	}
	e.met.EnvelopesEmitted.Inc()
}

func (e *Engine) envelope(f Frame, m Meta) *model.TradeEnvelope {
	return &model.TradeEnvelope{
		ExecID:           m.ExecID,
		OrderID:          m.OrderID,
		ClientOrderID:    m.ClientOrderID,
		Symbol:           m.Symbol,
		Side:             m.Side,
		Quantity:         m.Quantity,
		PriceMantissa:    m.PriceMantissa,
		PriceExponent:    model.PriceExponent,
		TraderID:         m.TraderID,
		Account:          m.Account,
		StrategyCode:     m.StrategyCode,
		Exchange:         m.Exchange,
		ReceiveTimestamp: f.ReceiveTick,
		GatewayTimestamp: f.Received,
		ExecTimestamp:    m.ExecTimestamp,
		RawFrame:         f.Body,
		GatewayID:        e.gatewayID,
	}
}

// QueueDepth reports the current input backlog.
func (e *Engine) QueueDepth() int { return e.in.Len() }

// Close stops accepting frames. Run drains what is already queued.
func (e *Engine) Close() { e.in.Close() }
