package hotpath

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tradecore/eodstream/internal/breaker"
	"github.com/tradecore/eodstream/internal/codec"
	"github.com/tradecore/eodstream/internal/config"
	"github.com/tradecore/eodstream/internal/dlq"
	"github.com/tradecore/eodstream/internal/metrics"
	"github.com/tradecore/eodstream/internal/model"
	"github.com/tradecore/eodstream/internal/position"
	"github.com/tradecore/eodstream/internal/pricing"
	"github.com/tradecore/eodstream/internal/stream"
)

// Engine is the hot-path consumer. Processing splits into an
// infallible stage (position update, mark capture) that always
// completes, and a fallible publish stage that is throttled, fenced by
// the publish breaker, and retried. The book lives only in memory and
// is rebuilt from the log on restart, so at-least-once replay after a
// crash is safe.
type Engine struct {
	consumer  stream.Consumer
	positions *position.Store
	prices    *pricing.Waterfall
	sink      SnapshotSink
	router    *dlq.Router
	codec     *codec.Codec
	met       *metrics.Metrics
	cfg       config.HotPathConfig

	publishCB *breaker.Breaker

	// limiters is only touched by the single Run goroutine.
	limiters map[position.Key]*rate.Limiter

	pending    []*stream.Record
	lastCommit time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

// NewEngine wires the hot path. sink may be nil to disable snapshot
// publication (positions are still maintained).
func NewEngine(cfg config.HotPathConfig, consumer stream.Consumer, cd *codec.Codec,
	positions *position.Store, prices *pricing.Waterfall, sink SnapshotSink,
	router *dlq.Router, publishCB *breaker.Breaker, met *metrics.Metrics) *Engine {
	return &Engine{
		consumer:  consumer,
		positions: positions,
		prices:    prices,
		sink:      sink,
		router:    router,
		codec:     cd,
		met:       met,
		cfg:       cfg,
		publishCB: publishCB,
		limiters:  make(map[position.Key]*rate.Limiter),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Run polls until ctx is cancelled, committing processed offsets every
// commit_batch records or commit_interval, whichever comes first. A
// final commit covers whatever was processed before cancellation.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().Str("group", e.cfg.Group).Msg("hot path started")
	e.lastCommit = e.now()

	for {
		if ctx.Err() != nil {
			e.commit(context.Background())
			log.Info().Msg("hot path stopped")
			return nil
		}

		records, err := e.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return err
		}
		e.met.HotConsumerLag.Set(float64(e.consumer.Lag()))

		for _, rec := range records {
			e.handle(ctx, rec)
			e.pending = append(e.pending, rec)
			if len(e.pending) >= e.cfg.CommitBatch {
				e.commit(ctx)
			}
		}
		if len(e.pending) > 0 && e.now().Sub(e.lastCommit) >= e.cfg.CommitInterval {
			e.commit(ctx)
		}
	}
}

func (e *Engine) handle(ctx context.Context, rec *stream.Record) {
	env, _, err := e.codec.Decode(rec.Value)
	if err != nil {
		e.met.DecodeErrors.Inc()
		e.deadLetter(rec, dlq.ReasonDeserialization, map[string]string{"error": err.Error()})
		return
	}
	if env.TraderID == "" || env.Symbol == "" {
		e.deadLetter(rec, dlq.ReasonValidation, map[string]string{
			"exec_id": env.ExecID,
			"missing": missingFields(env),
		})
		return
	}

	// Infallible stage: the book and the mark cache always advance.
	key := position.Key{TraderID: env.TraderID, Symbol: env.Symbol}
	view := e.positions.ApplyTrade(key, env.Quantity, env.PriceMantissa, env.Side.IsBuy(), e.now())
	e.prices.SetPrice(env.Symbol, model.MarkLTP, env.PriceMantissa)
	mark, source := e.prices.GetMarkFast(env.Symbol)

	snap := model.Snapshot{
		TraderID:              view.TraderID,
		Symbol:                view.Symbol,
		NetQuantity:           view.NetQuantity,
		RealizedPnLMantissa:   view.RealizedPnLMantissa,
		UnrealizedPnLMantissa: view.UnrealizedPnL(mark, source),
		MarkPriceMantissa:     mark,
		MarkSource:            source,
		TradeCount:            view.TradeCount,
		Timestamp:             e.now(),
	}
	e.met.HotProcessed.Inc()

	// Fallible stage: snapshot publication is conflated per key and
	// fenced; a failure here never blocks the book.
	e.publishSnapshot(ctx, rec, key, snap)
}

func (e *Engine) publishSnapshot(ctx context.Context, rec *stream.Record, key position.Key, snap model.Snapshot) {
	if e.sink == nil {
		return
	}
	if !e.limiterFor(key).Allow() {
		// Conflation: the next trade on this key publishes newer state.
		e.met.HotPublishSkipped.WithLabelValues("throttled").Inc()
		return
	}

	for attempt := 0; ; attempt++ {
		err := e.publishCB.Execute(func() error {
			pctx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			return e.sink.Publish(pctx, snap)
		})
		if err == nil {
			e.met.HotSnapshots.Inc()
			return
		}
		if breaker.IsOpen(err) {
			e.met.HotPublishSkipped.WithLabelValues("circuit_open").Inc()
			return
		}
		if attempt >= e.cfg.MaxRetries || ctx.Err() != nil {
			e.met.HotPublishSkipped.WithLabelValues("error").Inc()
			log.Warn().Err(err).Str("trader", key.TraderID).Str("symbol", key.Symbol).
				Int("attempts", attempt+1).Msg("snapshot publish abandoned")
			e.deadLetterPublish(rec, key, attempt+1, err)
			return
		}
		e.met.HotRetries.Inc()
		e.sleep(ctx, backoff(attempt))
	}
}

func (e *Engine) limiterFor(key position.Key) *rate.Limiter {
	lim, ok := e.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(e.cfg.PublishThrottle), 1)
		e.limiters[key] = lim
	}
	return lim
}

// deadLetterPublish records a snapshot publish that failed after the
// retry budget. The book already advanced, so the record is not
// reprocessed; the DLQ entry exists for the audit trail.
func (e *Engine) deadLetterPublish(rec *stream.Record, key position.Key, attempts int, err error) {
	if e.router == nil {
		return
	}
	e.router.Route(dlq.Entry{
		Payload:           rec.Value,
		Reason:            dlq.ReasonProcessing,
		OriginalTopic:     rec.Topic,
		OriginalPartition: rec.Partition,
		OriginalOffset:    rec.Offset,
		RetryCount:        attempts,
		Diagnostics: map[string]string{
			"stage":  "snapshot_publish",
			"trader": key.TraderID,
			"symbol": key.Symbol,
			"error":  err.Error(),
		},
	})
}

func (e *Engine) deadLetter(rec *stream.Record, reason dlq.Reason, diag map[string]string) {
	if e.router == nil {
		return
	}
	e.router.Route(dlq.Entry{
		Payload:           rec.Value,
		Reason:            reason,
		OriginalTopic:     rec.Topic,
		OriginalPartition: rec.Partition,
		OriginalOffset:    rec.Offset,
		Diagnostics:       diag,
	})
}

func (e *Engine) commit(ctx context.Context) {
	if len(e.pending) == 0 {
		e.lastCommit = e.now()
		return
	}
	if err := e.consumer.Commit(ctx, e.pending); err != nil {
		// Offsets stay pending; the worst case is replay after restart.
		log.Warn().Err(err).Int("records", len(e.pending)).Msg("offset commit failed")
		return
	}
	e.met.HotOffsetCommits.Inc()
	e.pending = e.pending[:0]
	e.lastCommit = e.now()
}

func missingFields(env *model.TradeEnvelope) string {
	switch {
	case env.TraderID == "" && env.Symbol == "":
		return "trader_id,symbol"
	case env.TraderID == "":
		return "trader_id"
	default:
		return "symbol"
	}
}

// backoff is exponential from 100ms, capped at 10s.
func backoff(attempt int) time.Duration {
	d := 100 * time.Millisecond << uint(attempt)
	if d > 10*time.Second {
		return 10 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
