package model

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{StatusPending, StatusOpen, true},
		{StatusPending, StatusFilled, true},
		{StatusPending, StatusRejected, true},
		{StatusOpen, StatusPartiallyFilled, true},
		{StatusOpen, StatusRejected, false},
		{StatusPartiallyFilled, StatusPartiallyFilled, true},
		{StatusPartiallyFilled, StatusFilled, true},
		{StatusPartiallyFilled, StatusRejected, false},
		{StatusFilled, StatusCancelled, false},
		{StatusCancelled, StatusOpen, false},
		{StatusRejected, StatusPending, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []OrderStatus{StatusFilled, StatusCancelled, StatusRejected} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderStatus{StatusPending, StatusOpen, StatusPartiallyFilled} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestSplitPair(t *testing.T) {
	base, quote, err := SplitPair("BTC/USDT")
	if err != nil || base != "BTC" || quote != "USDT" {
		t.Errorf("SplitPair = %s, %s, %v", base, quote, err)
	}

	for _, bad := range []string{"", "BTCUSDT", "BTC/", "/USDT", "A/B/C"} {
		if _, _, err := SplitPair(bad); err == nil {
			t.Errorf("SplitPair(%q) accepted, want error", bad)
		}
	}
}

func TestRemaining(t *testing.T) {
	o := Order{
		Requested: decimal.NewFromInt(5),
		Filled:    decimal.NewFromFloat(1.5),
	}
	if !o.Remaining().Equal(decimal.NewFromFloat(3.5)) {
		t.Errorf("remaining = %s, want 3.5", o.Remaining())
	}
}
