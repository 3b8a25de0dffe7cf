// Package store defines the persistence layer for orders, balances,
// reservations and wagers. Implementations include PostgreSQL (source of
// truth), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpulse/exchange-core/internal/ledger"
	"github.com/coinpulse/exchange-core/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateOrder is returned by CreatePending for an existing id.
	ErrDuplicateOrder = errors.New("duplicate order")

	// ErrVersionConflict signals a lost optimistic-concurrency race.
	// Callers re-read and retry; it is never surfaced to users.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidTransition signals a status change outside the order
	// state machine, including any write against a terminal order.
	ErrInvalidTransition = errors.New("invalid order transition")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. It also carries the balance
// and reservation write-through for the ledger (ledger.Store).
type Store interface {
	ledger.Store

	// --- Order operations ---

	// CreatePending inserts a new order in status Pending.
	CreatePending(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by id.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListByUser returns a user's orders, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]model.Order, error)

	// Transition applies an optimistic-concurrency status update:
	// fails with ErrVersionConflict when expectedVersion is stale and
	// ErrInvalidTransition when newStatus is unreachable. filledDelta
	// is added to the filled amount and seq recorded as the last
	// applied engine sequence number, in the same write.
	Transition(ctx context.Context, orderID string, expectedVersion int64,
		newStatus model.OrderStatus, filledDelta decimal.Decimal, seq int64) (*model.Order, error)

	// AggregateOpenByPairAndSide sums remaining size of non-terminal
	// limit orders grouped by price: bids descending, asks ascending,
	// capped at depth levels.
	AggregateOpenByPairAndSide(ctx context.Context, pair string, side model.Side, depth int) ([]model.BookLevel, error)

	// ListPendingOlderThan returns Pending orders created before the
	// cutoff, for the gateway's resubmission pass.
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]model.Order, error)

	// --- Pair reference prices ---

	// SetLastPrice records the latest execution price for a pair.
	SetLastPrice(ctx context.Context, pair string, price decimal.Decimal) error

	// LastPrice returns the latest execution price, or zero when the
	// pair has never traded.
	LastPrice(ctx context.Context, pair string) (decimal.Decimal, error)

	// --- Wagers ---

	// InsertWager appends an immutable wager record.
	InsertWager(ctx context.Context, w *model.Wager) error

	// ListWagersByUser returns a user's wager history, newest first.
	ListWagersByUser(ctx context.Context, userID string, limit int) ([]model.Wager, error)

	// --- Balances (display reads) ---

	// ListBalances returns all balances for a user. Eventually
	// consistent reads for display; reserve/debit decisions go through
	// the ledger instead.
	ListBalances(ctx context.Context, userID string) ([]model.Balance, error)
}
