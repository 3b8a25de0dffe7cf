// Package gateway maintains the websocket channel to the external order
// matching engine: it submits new/cancel requests and decodes the
// asynchronous event stream. The engine is authoritative for matching;
// this side only guarantees delivery attempts and faithful decoding.
package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpulse/exchange-core/internal/model"
)

// envelope is the outer frame of every engine message, both directions.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// newOrderPayload is the outbound new_order body. Field names follow the
// engine's contract, not this module's naming.
type newOrderPayload struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Pair      string           `json:"pair"`
	Type      model.Side       `json:"type"`
	OrderType model.Kind       `json:"orderType"`
	Amount    decimal.Decimal  `json:"amount"`
	Price     *decimal.Decimal `json:"price"`
	Timestamp int64            `json:"timestamp"`
}

type cancelPayload struct {
	OrderID string `json:"orderId"`
	Pair    string `json:"pair"`
}

// inboundPayload covers all four event bodies; the engine only populates
// the fields relevant to each type.
type inboundPayload struct {
	OrderID         string          `json:"orderId"`
	FilledAmount    decimal.Decimal `json:"filledAmount"`
	PartialFill     decimal.Decimal `json:"partialFill"`
	RemainingAmount decimal.Decimal `json:"remainingAmount"`
	ExecutionPrice  decimal.Decimal `json:"executionPrice"`
	Reason          string          `json:"reason"`
	SequenceNumber  int64           `json:"sequenceNumber"`
}

func encodeNewOrder(o *model.Order) ([]byte, error) {
	msg := envelope{Type: "new_order"}
	data, err := json.Marshal(newOrderPayload{
		ID:        o.ID,
		UserID:    o.UserID,
		Pair:      o.Pair,
		Type:      o.Side,
		OrderType: o.Kind,
		Amount:    o.Requested,
		Price:     o.LimitPrice,
		Timestamp: o.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	msg.Data = data
	return json.Marshal(msg)
}

func encodeCancel(orderID, pair string) ([]byte, error) {
	msg := envelope{Type: "cancel_order"}
	data, err := json.Marshal(cancelPayload{OrderID: orderID, Pair: pair})
	if err != nil {
		return nil, err
	}
	msg.Data = data
	return json.Marshal(msg)
}

// decodeEvent parses one inbound frame into an EngineEvent. Transport
// delivery order is irrelevant; SequenceNumber is the ordering authority.
func decodeEvent(raw []byte, now time.Time) (model.EngineEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.EngineEvent{}, fmt.Errorf("decode engine frame: %w", err)
	}

	var p inboundPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return model.EngineEvent{}, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	if p.OrderID == "" {
		return model.EngineEvent{}, fmt.Errorf("engine %s event without orderId", env.Type)
	}

	ev := model.EngineEvent{
		OrderID:    p.OrderID,
		Price:      p.ExecutionPrice,
		Remaining:  p.RemainingAmount,
		Reason:     p.Reason,
		Seq:        p.SequenceNumber,
		ReceivedAt: now,
	}

	switch env.Type {
	case "order_filled":
		ev.Kind = model.EventFilled
		ev.FilledDelta = p.FilledAmount
	case "order_partial":
		ev.Kind = model.EventPartialFilled
		ev.FilledDelta = p.PartialFill
	case "order_cancelled":
		ev.Kind = model.EventCancelled
	case "order_rejected":
		ev.Kind = model.EventRejected
	default:
		return model.EngineEvent{}, fmt.Errorf("unknown engine message type %q", env.Type)
	}
	return ev, nil
}
