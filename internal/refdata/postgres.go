package refdata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresStore reads the reference tables. All queries are point
// lookups on primary keys.
type PostgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresStore wraps db with a per-query timeout.
func NewPostgresStore(db *sqlx.DB, timeout time.Duration) *PostgresStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresStore{db: db, timeout: timeout}
}

func (s *PostgresStore) Trader(ctx context.Context, id string) (*Trader, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var t Trader
	err := s.db.GetContext(ctx, &t,
		`SELECT trader_id, trader_name, mpid FROM traders WHERE trader_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query trader %s: %w", id, err)
	}
	return &t, nil
}

func (s *PostgresStore) Strategy(ctx context.Context, code string) (*Strategy, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var st Strategy
	err := s.db.GetContext(ctx, &st,
		`SELECT strategy_code, strategy_name FROM strategies WHERE strategy_code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query strategy %s: %w", code, err)
	}
	return &st, nil
}

func (s *PostgresStore) Security(ctx context.Context, symbol string) (*Security, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var sec Security
	err := s.db.GetContext(ctx, &sec,
		`SELECT symbol, cusip, sedol, isin, security_name, mic FROM securities WHERE symbol = $1`, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query security %s: %w", symbol, err)
	}
	return &sec, nil
}

// StaticStore serves fixed maps, for tests and offline runs.
type StaticStore struct {
	Traders    map[string]Trader
	Strategies map[string]Strategy
	Securities map[string]Security
}

func (s *StaticStore) Trader(_ context.Context, id string) (*Trader, error) {
	if t, ok := s.Traders[id]; ok {
		return &t, nil
	}
	return nil, nil
}

func (s *StaticStore) Strategy(_ context.Context, code string) (*Strategy, error) {
	if st, ok := s.Strategies[code]; ok {
		return &st, nil
	}
	return nil, nil
}

func (s *StaticStore) Security(_ context.Context, symbol string) (*Security, error) {
	if sec, ok := s.Securities[symbol]; ok {
		return &sec, nil
	}
	return nil, nil
}
