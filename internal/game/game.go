// Package game resolves probabilistic wagers (dice, crash) with a fixed
// 1% house edge and settles payouts atomically through the balance
// ledger. Resolution is a pure function of a random draw; the draw
// source is injectable so tests run deterministic rounds.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinpulse/exchange-core/internal/ledger"
	"github.com/coinpulse/exchange-core/internal/metrics"
	"github.com/coinpulse/exchange-core/internal/model"
)

// ErrInvalidParameter rejects a malformed wager before any money moves.
var ErrInvalidParameter = errors.New("invalid parameter")

// MinCashOut is the smallest accepted crash cash-out multiplier.
var MinCashOut = decimal.NewFromFloat(1.01)

var (
	payoutNumerator = decimal.NewFromInt(99) // 99 instead of 100: the 1% house edge
	crashEdge       = decimal.NewFromFloat(0.99)
)

// Source supplies random draws. The default uses math/rand/v2.
//
// The crash point is drawn uniformly from [1, 11). A production
// deployment should swap this Source for a provably-fair commit-reveal
// scheme; settlement below is independent of how the draw is produced.
type Source interface {
	// IntN returns a uniform int in [0, n).
	IntN(n int) int
	// Float64 returns a uniform float64 in [0, 1).
	Float64() float64
}

type defaultSource struct{}

func (defaultSource) IntN(n int) int   { return rand.IntN(n) }
func (defaultSource) Float64() float64 { return rand.Float64() }

// WagerStore persists resolved wager records.
type WagerStore interface {
	InsertWager(ctx context.Context, w *model.Wager) error
}

// Engine resolves wagers and settles them against the ledger.
type Engine struct {
	store  WagerStore
	ledger *ledger.Ledger
	src    Source
}

// NewEngine creates a game engine. Pass nil src for the default RNG.
func NewEngine(store WagerStore, led *ledger.Ledger, src Source) *Engine {
	if src == nil {
		src = defaultSource{}
	}
	return &Engine{store: store, ledger: led, src: src}
}

// PlayDice resolves one dice round: roll uniform in [1, 100], win iff
// roll > prediction, payout bet × 99/(100−prediction). A prediction of
// 100 makes winning impossible and is rejected, not silently accepted.
// Returns the settled wager and the user's new available balance.
func (e *Engine) PlayDice(ctx context.Context, userID, asset string, bet decimal.Decimal, prediction int) (*model.Wager, decimal.Decimal, error) {
	if bet.Sign() <= 0 {
		return nil, decimal.Zero, fmt.Errorf("betAmount must be positive: %w", ErrInvalidParameter)
	}
	if prediction < 1 || prediction >= 100 {
		return nil, decimal.Zero, fmt.Errorf("prediction must be between 1 and 99: %w", ErrInvalidParameter)
	}

	roll := e.src.IntN(100) + 1
	won := roll > prediction

	payout := decimal.Zero
	if won {
		multiplier := payoutNumerator.Div(decimal.NewFromInt(int64(100 - prediction)))
		payout = bet.Mul(multiplier)
	}

	w := &model.Wager{
		ID:         uuid.New().String(),
		UserID:     userID,
		Game:       model.GameDice,
		Asset:      asset,
		Bet:        bet,
		Prediction: prediction,
		Roll:       roll,
		Won:        won,
		Payout:     payout,
	}
	newAvailable, err := e.settle(ctx, w)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return w, newAvailable, nil
}

// PlayCrash resolves one crash round. The backend cannot observe a live
// cash-out decision, so a wager without cashOutAt can never win and is
// rejected rather than settled as a guaranteed loss. Win iff cashOutAt ≤
// crashPoint; payout bet × cashOutAt × 0.99.
func (e *Engine) PlayCrash(ctx context.Context, userID, asset string, bet decimal.Decimal, cashOutAt *decimal.Decimal) (*model.Wager, decimal.Decimal, error) {
	if bet.Sign() <= 0 {
		return nil, decimal.Zero, fmt.Errorf("betAmount must be positive: %w", ErrInvalidParameter)
	}
	if cashOutAt == nil {
		return nil, decimal.Zero, fmt.Errorf("cashOutAt is required: %w", ErrInvalidParameter)
	}
	if cashOutAt.LessThan(MinCashOut) {
		return nil, decimal.Zero, fmt.Errorf("cashOutAt must be at least %s: %w", MinCashOut, ErrInvalidParameter)
	}

	// Uniform over [1, 11); truncated so a draw near the top cannot
	// land on 11.00. See Source for the fairness caveat.
	crashPoint := decimal.NewFromFloat(1 + e.src.Float64()*10).Truncate(2)
	won := cashOutAt.LessThanOrEqual(crashPoint)

	payout := decimal.Zero
	if won {
		payout = bet.Mul(*cashOutAt).Mul(crashEdge)
	}

	w := &model.Wager{
		ID:         uuid.New().String(),
		UserID:     userID,
		Game:       model.GameCrash,
		Asset:      asset,
		Bet:        bet,
		CashOutAt:  cashOutAt,
		CrashPoint: crashPoint,
		Won:        won,
		Payout:     payout,
	}
	newAvailable, err := e.settle(ctx, w)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return w, newAvailable, nil
}

// settle moves the money and persists the wager before the caller can
// respond: read-then-reserve verifies funds, then one combined settle
// consumes the bet and credits the payout with no observable
// debited-but-uncredited state.
func (e *Engine) settle(ctx context.Context, w *model.Wager) (decimal.Decimal, error) {
	hold, err := e.ledger.Reserve(ctx, w.UserID, w.Asset, w.Bet)
	if err != nil {
		return decimal.Zero, err
	}
	if err := e.ledger.Settle(ctx, hold, w.Bet, w.Asset, w.Payout); err != nil {
		return decimal.Zero, fmt.Errorf("wager settlement: %w", err)
	}

	w.SettledAt = time.Now().UTC()
	if err := e.store.InsertWager(ctx, w); err != nil {
		// Money already moved; surface loudly rather than pretend the
		// round did not happen.
		slog.Error("settled wager not persisted", "wager", w.ID, "user", w.UserID, "err", err)
		return decimal.Zero, fmt.Errorf("persist wager: %w", err)
	}

	outcome := "lost"
	if w.Won {
		outcome = "won"
	}
	metrics.WagersResolved.WithLabelValues(string(w.Game), outcome).Inc()

	bal, err := e.ledger.Balance(ctx, w.UserID, w.Asset)
	if err != nil {
		return decimal.Zero, err
	}
	return bal.Available, nil
}
