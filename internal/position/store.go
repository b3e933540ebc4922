// Package position keeps the hot path's in-memory book: one position
// per (trader, symbol), alive for the lifetime of the process. Writes
// to distinct keys proceed in parallel across shards; writes to the
// same key serialize on the position's own lock.
package position

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/tradecore/eodstream/internal/model"
)

const shardCount = 64

// Key identifies one position.
type Key struct {
	TraderID string
	Symbol   string
}

// Position is the mutable per-key state. All prices are 1e-8 mantissas
// and all arithmetic is integer.
type Position struct {
	mu sync.Mutex

	key                 Key
	netQuantity         int64
	costBasisMantissa   int64 // signed notional of the open quantity
	realizedPnLMantissa int64
	tradeCount          int64
	lastUpdate          time.Time
}

// View is an immutable copy of a position for readers.
type View struct {
	TraderID            string
	Symbol              string
	NetQuantity         int64
	CostBasisMantissa   int64
	RealizedPnLMantissa int64
	TradeCount          int64
	LastUpdate          time.Time
}

// Store is the concurrent position map with a trader-to-symbols index.
type Store struct {
	shards [shardCount]shard

	idxMu sync.RWMutex
	index map[string]map[string]struct{} // trader -> symbols
}

type shard struct {
	mu sync.RWMutex
	m  map[Key]*Position
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{index: make(map[string]map[string]struct{})}
	for i := range s.shards {
		s.shards[i].m = make(map[Key]*Position)
	}
	return s
}

func (s *Store) shardFor(k Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(k.TraderID))
	h.Write([]byte{0})
	h.Write([]byte(k.Symbol))
	return &s.shards[h.Sum32()%shardCount]
}

// GetOrCreate returns the position for k, creating it on first touch
// and recording the symbol under the trader index.
func (s *Store) GetOrCreate(k Key) *Position {
	sh := s.shardFor(k)

	sh.mu.RLock()
	p, ok := sh.m[k]
	sh.mu.RUnlock()
	if ok {
		return p
	}

	sh.mu.Lock()
	p, ok = sh.m[k]
	if !ok {
		p = &Position{key: k}
		sh.m[k] = p
		s.indexAdd(k)
	}
	sh.mu.Unlock()
	return p
}

// Get returns the position for k, or nil.
func (s *Store) Get(k Key) *Position {
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.m[k]
}

func (s *Store) indexAdd(k Key) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	symbols, ok := s.index[k.TraderID]
	if !ok {
		symbols = make(map[string]struct{})
		s.index[k.TraderID] = symbols
	}
	symbols[k.Symbol] = struct{}{}
}

// ApplyTrade applies one execution to the position for k and returns a
// snapshot of the post-trade state. The update never fails.
func (s *Store) ApplyTrade(k Key, quantity, priceMantissa int64, isBuy bool, ts time.Time) View {
	p := s.GetOrCreate(k)
	return p.apply(quantity, priceMantissa, isBuy, ts)
}

// apply performs the signed quantity and realized P&L bookkeeping.
func (p *Position) apply(quantity, priceMantissa int64, isBuy bool, ts time.Time) View {
	signed := quantity
	if !isBuy {
		signed = -quantity
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.netQuantity == 0 || sameSign(p.netQuantity, signed):
		// Opening or adding: cost basis accretes at the trade price.
		p.netQuantity += signed
		p.costBasisMantissa += signed * priceMantissa

	default:
		// Reducing, closing, or flipping.
		closing := signed
		if abs(signed) > abs(p.netQuantity) {
			closing = -p.netQuantity
		}
		avg := p.costBasisMantissa / p.netQuantity
		// Realized P&L on the closed quantity: positive when a long
		// sells above average cost or a short covers below it.
		p.realizedPnLMantissa += -closing * (priceMantissa - avg)
		p.netQuantity += closing
		p.costBasisMantissa = p.netQuantity * avg

		if remainder := signed - closing; remainder != 0 {
			// Flip: the excess opens a position on the other side.
			p.netQuantity += remainder
			p.costBasisMantissa += remainder * priceMantissa
		}
	}

	p.tradeCount++
	p.lastUpdate = ts
	return p.viewLocked()
}

// Snapshot returns a copy of the current state.
func (p *Position) Snapshot() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewLocked()
}

func (p *Position) viewLocked() View {
	return View{
		TraderID:            p.key.TraderID,
		Symbol:              p.key.Symbol,
		NetQuantity:         p.netQuantity,
		CostBasisMantissa:   p.costBasisMantissa,
		RealizedPnLMantissa: p.realizedPnLMantissa,
		TradeCount:          p.tradeCount,
		LastUpdate:          p.lastUpdate,
	}
}

// UnrealizedPnL values the open quantity at mark. Zero when no mark is
// known.
func (v View) UnrealizedPnL(markMantissa int64, source model.MarkSource) int64 {
	if source == model.MarkUnknown || v.NetQuantity == 0 {
		return 0
	}
	return v.NetQuantity*markMantissa - v.CostBasisMantissa
}

// All returns snapshots of every position.
func (s *Store) All() []View {
	var out []View
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, p := range sh.m {
			out = append(out, p.Snapshot())
		}
		sh.mu.RUnlock()
	}
	return out
}

// ForTrader returns snapshots of every position held by trader.
func (s *Store) ForTrader(traderID string) []View {
	s.idxMu.RLock()
	symbols := make([]string, 0, len(s.index[traderID]))
	for sym := range s.index[traderID] {
		symbols = append(symbols, sym)
	}
	s.idxMu.RUnlock()

	out := make([]View, 0, len(symbols))
	for _, sym := range symbols {
		if p := s.Get(Key{TraderID: traderID, Symbol: sym}); p != nil {
			out = append(out, p.Snapshot())
		}
	}
	return out
}

// Len returns the number of distinct keys.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

func sameSign(a, b int64) bool { return (a > 0) == (b > 0) }

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
