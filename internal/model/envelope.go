// Package model holds the canonical record types shared by every engine:
// the trade envelope that travels through the log, the enriched trade the
// cold path persists, and the P&L snapshot the hot path publishes.
package model

import "time"

// PriceExponent is fixed for all mantissa prices in the system.
// A price of 150.50 is carried as mantissa 15_050_000_000.
const PriceExponent = -8

// Side is the execution side of a trade.
type Side int32

const (
	SideUnspecified Side = iota
	SideBuy
	SideSell
	SideSellShort
	SideSellShortExempt
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	case SideSellShort:
		return "SELL_SHORT"
	case SideSellShortExempt:
		return "SELL_SHORT_EXEMPT"
	default:
		return "UNSPECIFIED"
	}
}

// IsBuy reports whether the side adds to a long position.
func (s Side) IsBuy() bool { return s == SideBuy }

// IsSell reports whether the side reduces exposure (all sell variants).
func (s Side) IsSell() bool {
	return s == SideSell || s == SideSellShort || s == SideSellShortExempt
}

// MarkSource identifies where a mark price came from, in waterfall order.
type MarkSource int32

const (
	MarkUnknown MarkSource = iota
	MarkStale
	MarkMid
	MarkLTP
	MarkOfficial
)

func (m MarkSource) String() string {
	switch m {
	case MarkOfficial:
		return "OFFICIAL"
	case MarkLTP:
		return "LTP"
	case MarkMid:
		return "MID"
	case MarkStale:
		return "STALE"
	default:
		return "UNKNOWN"
	}
}

// Priority orders sources for the waterfall: OFFICIAL > LTP > MID > STALE.
func (m MarkSource) Priority() int { return int(m) }

// ParseMarkSource converts the wire string back to a MarkSource.
func ParseMarkSource(s string) MarkSource {
	switch s {
	case "OFFICIAL":
		return MarkOfficial
	case "LTP":
		return MarkLTP
	case "MID":
		return MarkMid
	case "STALE":
		return MarkStale
	default:
		return MarkUnknown
	}
}

// TradeEnvelope is the canonical in-log record for one execution.
// It is immutable once emitted; RawFrame preserves the original wire
// bytes so the stream can be replayed from the archive.
type TradeEnvelope struct {
	ExecID        string
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Quantity      int64
	PriceMantissa int64
	PriceExponent int32
	TraderID      string
	Account       string
	StrategyCode  string
	Exchange      string

	ReceiveTimestamp int64 // monotonic tick at the gateway
	GatewayTimestamp time.Time
	ExecTimestamp    time.Time

	RawFrame  []byte
	GatewayID string
}

// EnrichedTrade is the cold-path union of the envelope with reference
// data. Enriched fields are nullable; a refdata miss leaves them empty.
type EnrichedTrade struct {
	TradeEnvelope

	TraderName          string
	TraderMPID          string
	StrategyName        string
	CUSIP               string
	SEDOL               string
	ISIN                string
	SecurityName        string
	MIC                 string
	EnrichmentTimestamp time.Time
}

// Snapshot is one published mark-to-market P&L state for a
// (trader, symbol) key.
type Snapshot struct {
	TraderID              string     `json:"trader_id"`
	Symbol                string     `json:"symbol"`
	NetQuantity           int64      `json:"net_quantity"`
	RealizedPnLMantissa   int64      `json:"realized_pnl_mantissa"`
	UnrealizedPnLMantissa int64      `json:"unrealized_pnl_mantissa"`
	MarkPriceMantissa     int64      `json:"mark_price_mantissa"`
	MarkSource            MarkSource `json:"mark_source"`
	TradeCount            int64      `json:"trade_count"`
	Timestamp             time.Time  `json:"timestamp"`
}
