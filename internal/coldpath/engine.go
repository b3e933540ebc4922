// Package coldpath consumes the trade log, enriches each execution
// with reference data, and persists the result in bulk. Offsets are
// committed only after the covering rows are durable, so a crash
// replays into the idempotent store rather than losing trades.
package coldpath

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradecore/eodstream/internal/codec"
	"github.com/tradecore/eodstream/internal/config"
	"github.com/tradecore/eodstream/internal/dlq"
	"github.com/tradecore/eodstream/internal/metrics"
	"github.com/tradecore/eodstream/internal/model"
	"github.com/tradecore/eodstream/internal/persistence"
	"github.com/tradecore/eodstream/internal/refdata"
	"github.com/tradecore/eodstream/internal/stream"
)

// Engine is the enrich-and-persist consumer.
type Engine struct {
	consumer stream.Consumer
	codec    *codec.Codec
	lookup   *refdata.Lookup
	repo     persistence.TradesRepo
	router   *dlq.Router
	met      *metrics.Metrics
	cfg      config.ColdPathConfig

	buffer  []model.EnrichedTrade
	covered []*stream.Record // records whose rows are in buffer
	skipped []*stream.Record // dead-lettered records awaiting commit

	lastFlush time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration)
}

// NewEngine wires the cold path.
func NewEngine(cfg config.ColdPathConfig, consumer stream.Consumer, cd *codec.Codec,
	lookup *refdata.Lookup, repo persistence.TradesRepo, router *dlq.Router,
	met *metrics.Metrics) *Engine {
	return &Engine{
		consumer: consumer,
		codec:    cd,
		lookup:   lookup,
		repo:     repo,
		router:   router,
		met:      met,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Run polls until ctx is cancelled, flushing the buffer at
// bulk_batch_size rows or flush_interval, whichever comes first, and
// finishing with a final flush of whatever is buffered.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().Str("group", e.cfg.Group).Int("batch", e.cfg.BulkBatchSize).
		Dur("interval", e.cfg.FlushInterval).Msg("cold path started")
	e.lastFlush = e.now()

	for {
		if ctx.Err() != nil {
			e.flush(context.Background())
			log.Info().Msg("cold path stopped")
			return nil
		}

		records, err := e.consumer.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return err
		}
		e.met.ColdConsumerLag.Set(float64(e.consumer.Lag()))

		for _, rec := range records {
			e.handle(ctx, rec)
			if len(e.buffer) >= e.cfg.BulkBatchSize {
				e.flush(ctx)
			}
		}
		if e.now().Sub(e.lastFlush) >= e.cfg.FlushInterval {
			e.flush(ctx)
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
	if env.ExecID == "" {
		e.deadLetter(rec, dlq.ReasonValidation, map[string]string{"missing": "exec_id"})
		return
	}

	enriched, err := e.enrich(ctx, env)
	if err != nil {
		e.deadLetter(rec, dlq.ReasonProcessing, map[string]string{
			"exec_id": env.ExecID,
			"error":   err.Error(),
		})
		return
	}

	e.buffer = append(e.buffer, enriched)
	e.covered = append(e.covered, rec)
	e.met.ColdProcessed.Inc()
}

// enrich joins the envelope with reference data, retrying transient
// store errors with backoff. A refdata miss is not an error: the
// enriched fields stay empty and the row still persists.
func (e *Engine) enrich(ctx context.Context, env *model.TradeEnvelope) (model.EnrichedTrade, error) {
	out := model.EnrichedTrade{TradeEnvelope: *env}

	var trader *refdata.Trader
	var strategy *refdata.Strategy
	var security *refdata.Security
	err := e.withRetry(ctx, func() error {
		var err error
		if trader, err = e.lookup.Trader(ctx, env.TraderID); err != nil {
			return err
		}
		if strategy, err = e.lookup.Strategy(ctx, env.StrategyCode); err != nil {
			return err
		}
		security, err = e.lookup.Security(ctx, env.Symbol)
		return err
	})
	if err != nil {
		return out, err
	}

	if trader != nil {
		out.TraderName = trader.Name
		out.TraderMPID = trader.MPID
	}
	if strategy != nil {
		out.StrategyName = strategy.Name
	}
	if security != nil {
		out.CUSIP = security.CUSIP
		out.SEDOL = security.SEDOL
		out.ISIN = security.ISIN
		out.SecurityName = security.Name
		out.MIC = security.MIC
	}
	out.EnrichmentTimestamp = e.now()
	return out, nil
}

// flush persists the buffer and, only on success, commits the covering
// offsets plus any dead-lettered records. A bulk insert that trips on
// a duplicate falls back to row-by-row upsert so replayed batches land
// exactly once.
func (e *Engine) flush(ctx context.Context) {
	defer func() { e.lastFlush = e.now() }()

	if len(e.buffer) > 0 {
		err := e.withRetry(ctx, func() error {
			err := e.repo.InsertBatch(ctx, e.buffer)
			if errors.Is(err, persistence.ErrDuplicate) {
				e.met.ColdBulkFallbacks.Inc()
				inserted, uerr := e.repo.UpsertEach(ctx, e.buffer)
				if uerr != nil {
					return uerr
				}
				log.Info().Int("rows", len(e.buffer)).Int("inserted", inserted).
					Msg("bulk insert hit duplicates, upserted row by row")
				return nil
			}
			return err
		})
		if err != nil {
			// Offsets withheld: the batch replays after restart.
			e.met.ColdFlushFailures.Inc()
			log.Error().Err(err).Int("rows", len(e.buffer)).Msg("flush failed, offsets withheld")
			return
		}
		e.met.ColdRowsFlushed.Add(float64(len(e.buffer)))
	}

	commit := append(e.covered, e.skipped...)
	if len(commit) > 0 {
		if err := e.consumer.Commit(ctx, commit); err != nil {
			log.Warn().Err(err).Int("records", len(commit)).Msg("offset commit failed")
			return
		}
	}
	e.buffer = e.buffer[:0]
	e.covered = e.covered[:0]
	e.skipped = e.skipped[:0]
}

func (e *Engine) deadLetter(rec *stream.Record, reason dlq.Reason, diag map[string]string) {
	if e.router != nil {
		e.router.Route(dlq.Entry{
			Payload:           rec.Value,
			Reason:            reason,
			OriginalTopic:     rec.Topic,
			OriginalPartition: rec.Partition,
			OriginalOffset:    rec.Offset,
			Diagnostics:       diag,
		})
	}
	// Dead-lettered offsets commit with the next successful flush so a
	// poison record cannot wedge the partition.
	e.skipped = append(e.skipped, rec)
}

func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= e.cfg.MaxRetries || ctx.Err() != nil {
			return err
		}
		e.sleep(ctx, backoff(attempt))
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
