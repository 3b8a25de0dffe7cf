package game_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coinpulse/exchange-core/internal/game"
	"github.com/coinpulse/exchange-core/internal/ledger"
	"github.com/coinpulse/exchange-core/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fixedSource returns the same draw every round, making outcomes exact.
type fixedSource struct {
	n int     // IntN result; roll becomes n+1
	f float64 // Float64 result; crash point becomes 1+f*10
}

func (s fixedSource) IntN(int) int     { return s.n }
func (s fixedSource) Float64() float64 { return s.f }

func newEngine(t *testing.T, src game.Source, funds float64) (*game.Engine, *ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	led := ledger.New(ms)
	if err := led.Credit(context.Background(), "player", "USDT", d(funds)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	return game.NewEngine(ms, led, src), led, ms
}

func TestPlayDice_Win(t *testing.T) {
	// Roll 75 against prediction 50: win, multiplier 99/50 = 1.98.
	eng, _, ms := newEngine(t, fixedSource{n: 74}, 100)

	w, newBalance, err := eng.PlayDice(context.Background(), "player", "USDT", d(10), 50)
	if err != nil {
		t.Fatalf("PlayDice: %v", err)
	}
	if w.Roll != 75 {
		t.Errorf("roll = %d, want 75", w.Roll)
	}
	if !w.Won {
		t.Error("expected a win")
	}
	if !w.Payout.Equal(d(19.8)) {
		t.Errorf("payout = %s, want 19.8", w.Payout)
	}
	// 100 − 10 bet + 19.8 payout.
	if !newBalance.Equal(d(109.8)) {
		t.Errorf("new balance = %s, want 109.8", newBalance)
	}

	wagers, err := ms.ListWagersByUser(context.Background(), "player", 10)
	if err != nil {
		t.Fatalf("ListWagersByUser: %v", err)
	}
	if len(wagers) != 1 {
		t.Fatalf("wager history = %d records, want 1", len(wagers))
	}
}

func TestPlayDice_Loss(t *testing.T) {
	// Roll 50 against prediction 50: roll must exceed prediction to win.
	eng, _, _ := newEngine(t, fixedSource{n: 49}, 100)

	w, newBalance, err := eng.PlayDice(context.Background(), "player", "USDT", d(10), 50)
	if err != nil {
		t.Fatalf("PlayDice: %v", err)
	}
	if w.Won {
		t.Error("roll equal to prediction must lose")
	}
	if !w.Payout.IsZero() {
		t.Errorf("payout = %s, want 0", w.Payout)
	}
	if !newBalance.Equal(d(90)) {
		t.Errorf("new balance = %s, want 90", newBalance)
	}
}

func TestPlayDice_InvalidPrediction(t *testing.T) {
	eng, _, _ := newEngine(t, fixedSource{}, 100)

	for _, prediction := range []int{0, -5, 100, 150} {
		_, _, err := eng.PlayDice(context.Background(), "player", "USDT", d(1), prediction)
		if !errors.Is(err, game.ErrInvalidParameter) {
			t.Errorf("prediction %d: err = %v, want ErrInvalidParameter", prediction, err)
		}
	}
}

func TestPlayDice_InvalidBet(t *testing.T) {
	eng, led, _ := newEngine(t, fixedSource{}, 100)

	for _, bet := range []decimal.Decimal{decimal.Zero, d(-1)} {
		_, _, err := eng.PlayDice(context.Background(), "player", "USDT", bet, 50)
		if !errors.Is(err, game.ErrInvalidParameter) {
			t.Errorf("bet %s: err = %v, want ErrInvalidParameter", bet, err)
		}
	}

	// Rejected wagers move no money.
	b, err := led.Balance(context.Background(), "player", "USDT")
	if err != nil {
		t.Fatal(err)
	}
	if !b.Available.Equal(d(100)) {
		t.Errorf("balance = %s, want untouched 100", b.Available)
	}
}

func TestPlayDice_InsufficientFunds(t *testing.T) {
	eng, _, _ := newEngine(t, fixedSource{n: 74}, 5)

	_, _, err := eng.PlayDice(context.Background(), "player", "USDT", d(10), 50)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestPlayCrash_Win(t *testing.T) {
	// Crash point 1 + 0.25*10 = 3.5; cash out at 2.0 wins 10*2*0.99.
	eng, _, _ := newEngine(t, fixedSource{f: 0.25}, 100)

	cashOut := d(2.0)
	w, newBalance, err := eng.PlayCrash(context.Background(), "player", "USDT", d(10), &cashOut)
	if err != nil {
		t.Fatalf("PlayCrash: %v", err)
	}
	if !w.CrashPoint.Equal(d(3.5)) {
		t.Errorf("crash point = %s, want 3.5", w.CrashPoint)
	}
	if !w.Won {
		t.Error("expected a win")
	}
	if !w.Payout.Equal(d(19.8)) {
		t.Errorf("payout = %s, want 19.8", w.Payout)
	}
	if !newBalance.Equal(d(109.8)) {
		t.Errorf("new balance = %s, want 109.8", newBalance)
	}
}

func TestPlayCrash_CashOutAboveCrashLoses(t *testing.T) {
	// Crash point 1.5; cashing out at 2.0 never happens.
	eng, _, _ := newEngine(t, fixedSource{f: 0.05}, 100)

	cashOut := d(2.0)
	w, newBalance, err := eng.PlayCrash(context.Background(), "player", "USDT", d(10), &cashOut)
	if err != nil {
		t.Fatalf("PlayCrash: %v", err)
	}
	if w.Won {
		t.Error("cash-out above crash point must lose")
	}
	if !newBalance.Equal(d(90)) {
		t.Errorf("new balance = %s, want 90", newBalance)
	}
}

func TestPlayCrash_CashOutAtCrashPointWins(t *testing.T) {
	eng, _, _ := newEngine(t, fixedSource{f: 0.1}, 100) // crash point 2.00

	cashOut := d(2.0)
	w, _, err := eng.PlayCrash(context.Background(), "player", "USDT", d(10), &cashOut)
	if err != nil {
		t.Fatalf("PlayCrash: %v", err)
	}
	if !w.Won {
		t.Error("cash-out equal to crash point must win")
	}
}

func TestPlayCrash_DrawStaysBelowEleven(t *testing.T) {
	// The largest possible draw must truncate to 10.99, never round up
	// to 11.00.
	eng, _, _ := newEngine(t, fixedSource{f: 0.9999999999999999}, 100)

	cashOut := d(2.0)
	w, _, err := eng.PlayCrash(context.Background(), "player", "USDT", d(10), &cashOut)
	if err != nil {
		t.Fatalf("PlayCrash: %v", err)
	}
	if !w.CrashPoint.Equal(d(10.99)) {
		t.Errorf("crash point = %s, want 10.99", w.CrashPoint)
	}
	if !w.CrashPoint.LessThan(d(11)) {
		t.Errorf("crash point %s outside [1, 11)", w.CrashPoint)
	}
}

func TestPlayCrash_RequiresCashOut(t *testing.T) {
	eng, _, _ := newEngine(t, fixedSource{f: 0.5}, 100)

	_, _, err := eng.PlayCrash(context.Background(), "player", "USDT", d(10), nil)
	if !errors.Is(err, game.ErrInvalidParameter) {
		t.Errorf("nil cashOutAt: err = %v, want ErrInvalidParameter", err)
	}

	low := d(1.005)
	_, _, err = eng.PlayCrash(context.Background(), "player", "USDT", d(10), &low)
	if !errors.Is(err, game.ErrInvalidParameter) {
		t.Errorf("cashOutAt below minimum: err = %v, want ErrInvalidParameter", err)
	}
}

func TestDice_WinFrequencyTracksPrediction(t *testing.T) {
	// With the real RNG, prediction 50 should win about half the time.
	eng, _, _ := newEngine(t, nil, 100000)

	const rounds = 2000
	wins := 0
	for i := 0; i < rounds; i++ {
		w, _, err := eng.PlayDice(context.Background(), "player", "USDT", d(1), 50)
		if err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		if w.Won {
			wins++
		}
	}

	ratio := float64(wins) / rounds
	if ratio < 0.44 || ratio > 0.56 {
		t.Errorf("win ratio = %.3f over %d rounds, expected near 0.50", ratio, rounds)
	}
}
