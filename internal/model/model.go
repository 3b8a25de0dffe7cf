// Package model defines the core domain types shared across the exchange.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Kind is the order pricing mode.
type Kind string

const (
	KindMarket Kind = "market"
	KindLimit  Kind = "limit"
)

// OrderStatus is the lifecycle state of an order. Filled, Cancelled and
// Rejected are terminal; no further mutation is permitted once reached.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether s permits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// transitions is the allowed order state machine. Rejection is only
// reachable from Pending; cancellation from any non-terminal state.
var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:         {StatusOpen, StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected},
	StatusOpen:            {StatusPartiallyFilled, StatusFilled, StatusCancelled},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is a durable order record. Mutated only through the order store's
// optimistic-concurrency Transition; Version increments on every write.
type Order struct {
	ID          string           `json:"id" db:"id"`
	UserID      string           `json:"user_id" db:"user_id"`
	Pair        string           `json:"pair" db:"pair"` // "BTC/USDT"
	Side        Side             `json:"side" db:"side"`
	Kind        Kind             `json:"kind" db:"kind"`
	Requested   decimal.Decimal  `json:"requested_amount" db:"requested_amount"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"` // nil for market orders
	Filled      decimal.Decimal  `json:"filled_amount" db:"filled_amount"`
	Status      OrderStatus      `json:"status" db:"status"`
	Reservation string           `json:"-" db:"reservation_id"` // ledger hold backing this order
	LastSeq     int64            `json:"-" db:"last_seq"`       // last applied engine sequence number
	Version     int64            `json:"version" db:"version"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at" db:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Requested.Sub(o.Filled)
}

// EventKind classifies an engine event.
type EventKind string

const (
	EventFilled        EventKind = "filled"
	EventPartialFilled EventKind = "partial_filled"
	EventCancelled     EventKind = "cancelled"
	EventRejected      EventKind = "rejected"
)

// EngineEvent is one asynchronous notification from the matching engine.
// (OrderID, Seq) is the idempotency key; Seq is monotonic per order and
// assigned by the engine — the transport may deliver events out of order.
type EngineEvent struct {
	OrderID     string
	Kind        EventKind
	FilledDelta decimal.Decimal // base quantity executed by this event
	Price       decimal.Decimal // execution price, zero for cancel/reject
	Remaining   decimal.Decimal // engine-reported remainder, informational
	Reason      string
	Seq         int64
	ReceivedAt  time.Time
}

// GameType identifies a wager game.
type GameType string

const (
	GameDice  GameType = "dice"
	GameCrash GameType = "crash"
)

// Wager is an immutable record of a resolved game round. Created and
// settled atomically in one resolution call.
type Wager struct {
	ID         string           `json:"id" db:"id"`
	UserID     string           `json:"user_id" db:"user_id"`
	Game       GameType         `json:"game" db:"game"`
	Asset      string           `json:"asset" db:"asset"`
	Bet        decimal.Decimal  `json:"bet_amount" db:"bet_amount"`
	Prediction int              `json:"prediction,omitempty" db:"prediction"` // dice only
	CashOutAt  *decimal.Decimal `json:"cash_out_at,omitempty" db:"cash_out_at"`
	Roll       int              `json:"roll,omitempty" db:"roll"` // dice outcome
	CrashPoint decimal.Decimal  `json:"crash_point,omitempty" db:"crash_point"`
	Won        bool             `json:"won" db:"won"`
	Payout     decimal.Decimal  `json:"payout" db:"payout"`
	SettledAt  time.Time        `json:"settled_at" db:"settled_at"`
}

// Balance is one (user, asset) row of the ledger. Available and Reserved
// never go negative; their sum moves only through ledger operations.
type Balance struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Asset     string          `json:"asset" db:"asset"`
	Available decimal.Decimal `json:"available" db:"available"`
	Reserved  decimal.Decimal `json:"reserved" db:"reserved"`
}

// BookLevel is one aggregated price level of the order book.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"` // Σ (requested − filled) at this price
}

// OrderBook is the aggregated display book for one pair: bids in
// descending price order, asks ascending, capped at a fixed depth.
type OrderBook struct {
	Pair string      `json:"pair"`
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}
