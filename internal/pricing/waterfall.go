// Package pricing resolves per-symbol mark prices through a layered
// waterfall (OFFICIAL > LTP > MID > STALE) backed by a local freshness
// cache and the Redis side cache. The fast path never leaves process
// memory.
package pricing

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tradecore/eodstream/internal/breaker"
	"github.com/tradecore/eodstream/internal/model"
)

const keyPrefix = "mark:"

type entry struct {
	price    int64
	source   model.MarkSource
	cachedAt time.Time
}

// Waterfall is the shared mark-price resolver. Local writes always
// succeed; side-cache traffic runs through the publish and query
// breakers and is never on the hot path's critical section.
type Waterfall struct {
	mu    sync.RWMutex
	local map[string]entry

	rdb       redis.Cmdable
	publishCB *breaker.Breaker
	queryCB   *breaker.Breaker
	expiry    time.Duration

	now func() time.Time
}

// New builds a waterfall over the side cache. expiry is the local
// freshness window.
func New(rdb redis.Cmdable, publishCB, queryCB *breaker.Breaker, expiry time.Duration) *Waterfall {
	if expiry <= 0 {
		expiry = 5 * time.Second
	}
	return &Waterfall{
		local:     make(map[string]entry),
		rdb:       rdb,
		publishCB: publishCB,
		queryCB:   queryCB,
		expiry:    expiry,
		now:       time.Now,
	}
}

// SetPrice records a mark observation. A lower-priority source never
// overwrites a higher-priority mark that is still fresh. The side
// cache write is fire-and-forget through the publish breaker.
func (w *Waterfall) SetPrice(symbol string, source model.MarkSource, price int64) {
	now := w.now()

	w.mu.Lock()
	cur, ok := w.local[symbol]
	if ok && cur.source.Priority() > source.Priority() && now.Sub(cur.cachedAt) < w.expiry {
		w.mu.Unlock()
		return
	}
	w.local[symbol] = entry{price: price, source: source, cachedAt: now}
	w.mu.Unlock()

	if w.rdb == nil {
		return
	}
	go func() {
		err := w.publishCB.Execute(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return w.rdb.HSet(ctx, keyPrefix+symbol,
				"price", strconv.FormatInt(price, 10),
				"source", source.String(),
				"ts", strconv.FormatInt(now.UnixNano(), 10),
			).Err()
		})
		if err != nil && !breaker.IsOpen(err) {
			log.Debug().Err(err).Str("symbol", symbol).Msg("side cache mark write failed")
		}
	}()
}

// GetMarkFast returns the locally cached mark without blocking. An
// unknown symbol yields (0, UNKNOWN).
func (w *Waterfall) GetMarkFast(symbol string) (int64, model.MarkSource) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if e, ok := w.local[symbol]; ok {
		return e.price, e.source
	}
	return 0, model.MarkUnknown
}

// GetMark returns a fresh mark, reading through to the side cache when
// the local entry has expired. Degrades to the stale local value when
// the query circuit is open or the read fails.
func (w *Waterfall) GetMark(ctx context.Context, symbol string) (int64, model.MarkSource) {
	now := w.now()

	w.mu.RLock()
	cached, ok := w.local[symbol]
	w.mu.RUnlock()
	if ok && now.Sub(cached.cachedAt) < w.expiry {
		return cached.price, cached.source
	}

	if w.rdb != nil {
		var fetched entry
		err := w.queryCB.Execute(func() error {
			rctx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			fields, err := w.rdb.HGetAll(rctx, keyPrefix+symbol).Result()
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				return redis.Nil
			}
			price, err := strconv.ParseInt(fields["price"], 10, 64)
			if err != nil {
				return err
			}
			fetched = entry{
				price:    price,
				source:   model.ParseMarkSource(fields["source"]),
				cachedAt: now,
			}
			return nil
		})
		if err == nil {
			w.mu.Lock()
			w.local[symbol] = fetched
			w.mu.Unlock()
			return fetched.price, fetched.source
		}
	}

	if ok {
		// Degraded: serve the expired local value tagged stale.
		return cached.price, model.MarkStale
	}
	return 0, model.MarkUnknown
}

// Expiry returns the freshness window.
func (w *Waterfall) Expiry() time.Duration { return w.expiry }
