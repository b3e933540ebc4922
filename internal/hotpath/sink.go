// Package hotpath consumes the trade log and maintains live positions
// and mark-to-market P&L, publishing per-key snapshots to the side
// cache for dashboards and risk checks.
package hotpath

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/tradecore/eodstream/internal/model"
)

// SnapshotSink receives published P&L snapshots.
type SnapshotSink interface {
	Publish(ctx context.Context, snap model.Snapshot) error
}

const snapshotChannelPrefix = "pnl-updates:"

// RedisSink writes snapshots to a hash keyed by (trader, symbol) and
// fans them out on the trader's pub/sub channel.
type RedisSink struct {
	rdb redis.Cmdable
}

// NewRedisSink wraps rdb.
func NewRedisSink(rdb redis.Cmdable) *RedisSink {
	return &RedisSink{rdb: rdb}
}

func (s *RedisSink) Publish(ctx context.Context, snap model.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	key := "pnl:" + snap.TraderID + ":" + snap.Symbol
	if err := s.rdb.HSet(ctx, key,
		"net_quantity", strconv.FormatInt(snap.NetQuantity, 10),
		"realized_pnl", strconv.FormatInt(snap.RealizedPnLMantissa, 10),
		"unrealized_pnl", strconv.FormatInt(snap.UnrealizedPnLMantissa, 10),
		"mark_price", strconv.FormatInt(snap.MarkPriceMantissa, 10),
		"mark_source", snap.MarkSource.String(),
		"trade_count", strconv.FormatInt(snap.TradeCount, 10),
		"ts", snap.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
	).Err(); err != nil {
		return fmt.Errorf("snapshot state write: %w", err)
	}

	if err := s.rdb.Publish(ctx, snapshotChannelPrefix+snap.TraderID, payload).Err(); err != nil {
		return fmt.Errorf("snapshot fanout: %w", err)
	}
	return nil
}
