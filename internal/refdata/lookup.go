package refdata

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradecore/eodstream/internal/metrics"
)

// Lookup wraps a Store with an in-process TTL cache. Negative results
// are cached too so repeated misses for the same key stay cheap during
// the close.
type Lookup struct {
	store Store
	ttl   time.Duration
	met   *metrics.Metrics

	mu      sync.Mutex
	traders map[string]cached[*Trader]
	strats  map[string]cached[*Strategy]
	secs    map[string]cached[*Security]

	now func() time.Time
}

type cached[T any] struct {
	val T
	exp time.Time
}

// NewLookup builds a cached lookup over store.
func NewLookup(store Store, ttl time.Duration, met *metrics.Metrics) *Lookup {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Lookup{
		store:   store,
		ttl:     ttl,
		met:     met,
		traders: make(map[string]cached[*Trader]),
		strats:  make(map[string]cached[*Strategy]),
		secs:    make(map[string]cached[*Security]),
		now:     time.Now,
	}
}

// Trader resolves a trader id. Returns nil on a miss.
func (l *Lookup) Trader(ctx context.Context, id string) (*Trader, error) {
	if id == "" {
		return nil, nil
	}
	l.mu.Lock()
	if c, ok := l.traders[id]; ok && l.now().Before(c.exp) {
		l.mu.Unlock()
		l.met.RefdataCacheHits.Inc()
		return c.val, nil
	}
	l.mu.Unlock()

	l.met.RefdataCacheMisses.Inc()
	val, err := l.store.Trader(ctx, id)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.traders[id] = cached[*Trader]{val: val, exp: l.now().Add(l.ttl)}
	l.mu.Unlock()
	return val, nil
}

// Strategy resolves a strategy code. Returns nil on a miss.
func (l *Lookup) Strategy(ctx context.Context, code string) (*Strategy, error) {
	if code == "" {
		return nil, nil
	}
	l.mu.Lock()
	if c, ok := l.strats[code]; ok && l.now().Before(c.exp) {
		l.mu.Unlock()
		l.met.RefdataCacheHits.Inc()
		return c.val, nil
	}
	l.mu.Unlock()

	l.met.RefdataCacheMisses.Inc()
	val, err := l.store.Strategy(ctx, code)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.strats[code] = cached[*Strategy]{val: val, exp: l.now().Add(l.ttl)}
	l.mu.Unlock()
	return val, nil
}

// Security resolves a symbol. Returns nil on a miss.
func (l *Lookup) Security(ctx context.Context, symbol string) (*Security, error) {
	if symbol == "" {
		return nil, nil
	}
	l.mu.Lock()
	if c, ok := l.secs[symbol]; ok && l.now().Before(c.exp) {
		l.mu.Unlock()
		l.met.RefdataCacheHits.Inc()
		return c.val, nil
	}
	l.mu.Unlock()

	l.met.RefdataCacheMisses.Inc()
	val, err := l.store.Security(ctx, symbol)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.secs[symbol] = cached[*Security]{val: val, exp: l.now().Add(l.ttl)}
	l.mu.Unlock()
	return val, nil
}

// Prime warms the caches from the store in one pass, best-effort.
func (l *Lookup) Prime(ctx context.Context, traderIDs, strategyCodes, symbols []string) {
	for _, id := range traderIDs {
		if _, err := l.Trader(ctx, id); err != nil {
			log.Warn().Err(err).Str("trader", id).Msg("refdata prime failed")
		}
	}
	for _, code := range strategyCodes {
		if _, err := l.Strategy(ctx, code); err != nil {
			log.Warn().Err(err).Str("strategy", code).Msg("refdata prime failed")
		}
	}
	for _, sym := range symbols {
		if _, err := l.Security(ctx, sym); err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("refdata prime failed")
		}
	}
}
