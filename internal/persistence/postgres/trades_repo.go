// Package postgres implements the trades repository on PostgreSQL via
// sqlx. Duplicate handling relies on the unique index on exec_id; the
// history table gives point-in-time audit for every accepted row.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tradecore/eodstream/internal/model"
	"github.com/tradecore/eodstream/internal/persistence"
)

const uniqueViolation = "23505"

const insertColumns = `
	exec_id, order_id, client_order_id, symbol, side, quantity,
	price_mantissa, price_exponent, trader_id, account, strategy_code,
	exchange, exec_timestamp, trader_name, trader_mpid, strategy_name,
	cusip, sedol, isin, security_name, mic, enrichment_timestamp`

const insertPlaceholders = `
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
	$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22`

type tradesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTradesRepo creates a PostgreSQL trades repository.
func NewTradesRepo(db *sqlx.DB, timeout time.Duration) persistence.TradesRepo {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &tradesRepo{db: db, timeout: timeout}
}

// InsertBatch writes all rows in a single transaction through a
// prepared statement. Any exec_id collision aborts the batch with
// persistence.ErrDuplicate so the caller can fall back to UpsertEach.
func (r *tradesRepo) InsertBatch(ctx context.Context, trades []model.EnrichedTrade) error {
	if len(trades) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(trades)/1000+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO trades (`+insertColumns+`) VALUES (`+insertPlaceholders+`)`)
	if err != nil {
		return fmt.Errorf("prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for i := range trades {
		if _, err := stmt.ExecContext(ctx, args(&trades[i])...); err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
				return fmt.Errorf("batch insert exec_id %s: %w", trades[i].ExecID, persistence.ErrDuplicate)
			}
			return fmt.Errorf("batch insert exec_id %s: %w", trades[i].ExecID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch insert: %w", err)
	}
	return nil
}

// UpsertEach inserts rows one at a time with ON CONFLICT DO NOTHING on
// exec_id and mirrors each accepted row into trades_history.
func (r *tradesRepo) UpsertEach(ctx context.Context, trades []model.EnrichedTrade) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(trades)/1000+1))
	defer cancel()

	inserted := 0
	for i := range trades {
		res, err := r.db.ExecContext(ctx,
			`INSERT INTO trades (`+insertColumns+`) VALUES (`+insertPlaceholders+`)
			 ON CONFLICT (exec_id) DO NOTHING`, args(&trades[i])...)
		if err != nil {
			return inserted, fmt.Errorf("upsert exec_id %s: %w", trades[i].ExecID, err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("upsert exec_id %s: %w", trades[i].ExecID, err)
		}
		if rows == 0 {
			continue
		}
		inserted++

		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO trades_history (`+insertColumns+`, recorded_at)
			 VALUES (`+insertPlaceholders+`, now())`, args(&trades[i])...); err != nil {
			return inserted, fmt.Errorf("history insert exec_id %s: %w", trades[i].ExecID, err)
		}
	}
	return inserted, nil
}

func args(t *model.EnrichedTrade) []interface{} {
	return []interface{}{
		t.ExecID, t.OrderID, t.ClientOrderID, t.Symbol, t.Side.String(),
		t.Quantity, t.PriceMantissa, t.PriceExponent, t.TraderID,
		t.Account, t.StrategyCode, t.Exchange, t.ExecTimestamp,
		nullable(t.TraderName), nullable(t.TraderMPID), nullable(t.StrategyName),
		nullable(t.CUSIP), nullable(t.SEDOL), nullable(t.ISIN),
		nullable(t.SecurityName), nullable(t.MIC), t.EnrichmentTimestamp,
	}
}

// nullable maps empty enrichment fields to SQL NULL.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
