// Package refdata provides the read-only reference-data lookups the
// cold path uses for enrichment: traders, strategies, and securities.
// Lookups are heavily cached; a miss yields nil, never an error that
// fails the record.
package refdata

import "context"

// Trader identifies a trading desk member.
type Trader struct {
	ID   string `db:"trader_id"`
	Name string `db:"trader_name"`
	MPID string `db:"mpid"`
}

// Strategy maps a strategy code to its display name.
type Strategy struct {
	Code string `db:"strategy_code"`
	Name string `db:"strategy_name"`
}

// Security carries the instrument identifiers for audit rows.
type Security struct {
	Symbol string `db:"symbol"`
	CUSIP  string `db:"cusip"`
	SEDOL  string `db:"sedol"`
	ISIN   string `db:"isin"`
	Name   string `db:"security_name"`
	MIC    string `db:"mic"`
}

// Store is the backing reference-data source. Implementations return
// (nil, nil) for an absent key.
type Store interface {
	Trader(ctx context.Context, id string) (*Trader, error)
	Strategy(ctx context.Context, code string) (*Strategy, error)
	Security(ctx context.Context, symbol string) (*Security, error)
}
