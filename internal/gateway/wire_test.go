package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpulse/exchange-core/internal/model"
)

func TestEncodeNewOrderUsesEngineFieldNames(t *testing.T) {
	price := decimal.NewFromFloat(50000)
	o := &model.Order{
		ID:         "o1",
		UserID:     "u1",
		Pair:       "BTC/USDT",
		Side:       model.SideBuy,
		Kind:       model.KindLimit,
		Requested:  decimal.NewFromFloat(0.5),
		LimitPrice: &price,
		CreatedAt:  time.UnixMilli(1700000000000).UTC(),
	}

	raw, err := encodeNewOrder(o)
	if err != nil {
		t.Fatalf("encodeNewOrder: %v", err)
	}

	var frame struct {
		Type string          `json:"type"`
		Data map[string]any  `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Type != "new_order" {
		t.Errorf("type = %q, want new_order", frame.Type)
	}
	for key, want := range map[string]any{
		"id":        "o1",
		"userId":    "u1",
		"pair":      "BTC/USDT",
		"type":      "buy",
		"orderType": "limit",
		"amount":    "0.5",
		"price":     "50000",
		"timestamp": float64(1700000000000),
	} {
		if got := frame.Data[key]; got != want {
			t.Errorf("data[%q] = %v, want %v", key, got, want)
		}
	}
}

func TestEncodeNewOrderMarketHasNullPrice(t *testing.T) {
	o := &model.Order{
		ID:        "o1",
		UserID:    "u1",
		Pair:      "BTC/USDT",
		Side:      model.SideBuy,
		Kind:      model.KindMarket,
		Requested: decimal.NewFromFloat(1),
		CreatedAt: time.Now().UTC(),
	}
	raw, err := encodeNewOrder(o)
	if err != nil {
		t.Fatal(err)
	}
	var frame struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatal(err)
	}
	if string(frame.Data["price"]) != "null" {
		t.Errorf("market order price = %s, want null", frame.Data["price"])
	}
}

func TestEncodeCancelIncludesPair(t *testing.T) {
	raw, err := encodeCancel("o1", "ETH/USDT")
	if err != nil {
		t.Fatal(err)
	}
	var frame struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != "cancel_order" {
		t.Errorf("type = %q, want cancel_order", frame.Type)
	}
	if frame.Data["orderId"] != "o1" || frame.Data["pair"] != "ETH/USDT" {
		t.Errorf("data = %+v", frame.Data)
	}
}

func TestDecodeEventKinds(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name      string
		raw       string
		wantKind  model.EventKind
		wantDelta decimal.Decimal
	}{
		{
			name:      "filled",
			raw:       `{"type":"order_filled","data":{"orderId":"o1","filledAmount":"0.5","executionPrice":"50000","sequenceNumber":3}}`,
			wantKind:  model.EventFilled,
			wantDelta: decimal.NewFromFloat(0.5),
		},
		{
			name:      "partial",
			raw:       `{"type":"order_partial","data":{"orderId":"o1","partialFill":"0.2","remainingAmount":"0.8","executionPrice":"49000","sequenceNumber":1}}`,
			wantKind:  model.EventPartialFilled,
			wantDelta: decimal.NewFromFloat(0.2),
		},
		{
			name:      "cancelled",
			raw:       `{"type":"order_cancelled","data":{"orderId":"o1","reason":"user requested","sequenceNumber":4}}`,
			wantKind:  model.EventCancelled,
			wantDelta: decimal.Zero,
		},
		{
			name:      "rejected",
			raw:       `{"type":"order_rejected","data":{"orderId":"o1","reason":"unknown pair","sequenceNumber":1}}`,
			wantKind:  model.EventRejected,
			wantDelta: decimal.Zero,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := decodeEvent([]byte(tc.raw), now)
			if err != nil {
				t.Fatalf("decodeEvent: %v", err)
			}
			if ev.Kind != tc.wantKind {
				t.Errorf("kind = %s, want %s", ev.Kind, tc.wantKind)
			}
			if !ev.FilledDelta.Equal(tc.wantDelta) {
				t.Errorf("delta = %s, want %s", ev.FilledDelta, tc.wantDelta)
			}
			if ev.OrderID != "o1" {
				t.Errorf("orderID = %s", ev.OrderID)
			}
			if !ev.ReceivedAt.Equal(now) {
				t.Errorf("receivedAt = %s", ev.ReceivedAt)
			}
		})
	}
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"type":"price_tick","data":{"orderId":"o1"}}`,
		`{"type":"order_filled","data":{"filledAmount":"1"}}`,
	} {
		if _, err := decodeEvent([]byte(raw), time.Now()); err == nil {
			t.Errorf("decodeEvent(%q) accepted, want error", raw)
		}
	}
}
