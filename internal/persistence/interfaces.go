// Package persistence defines the durable-store contracts the cold
// path writes through. The store must be idempotent on exec_id so
// at-least-once delivery yields exactly-once rows.
package persistence

import (
	"context"
	"errors"

	"github.com/tradecore/eodstream/internal/model"
)

// ErrDuplicate signals a unique-constraint violation on exec_id.
// Callers fall back to row-by-row upsert.
var ErrDuplicate = errors.New("duplicate exec_id")

// TradesRepo persists enriched trades.
type TradesRepo interface {
	// InsertBatch writes all rows in one transaction. Returns
	// ErrDuplicate (wrapped) when any row collides on exec_id; the
	// transaction is rolled back in that case.
	InsertBatch(ctx context.Context, trades []model.EnrichedTrade) error

	// UpsertEach writes rows one at a time with insert-if-not-exists
	// semantics on exec_id, returning the number actually inserted.
	UpsertEach(ctx context.Context, trades []model.EnrichedTrade) (int, error)
}
