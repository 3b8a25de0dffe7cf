// Package ledger implements the balance ledger: per-user, per-asset
// available/reserved balances with atomic reserve, release and settle
// operations. Every mutation for a given (user, asset) key is serialized
// behind a per-key lock, so concurrent callers observe a strict total
// order of effects. Locks are held only across the in-memory mutation and
// the store write-through — never across a call to the matching engine or
// a blockchain service.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinpulse/exchange-core/internal/model"
)

var (
	// ErrInsufficientFunds is returned when available balance cannot
	// cover a reserve or debit. User-correctable; surfaced verbatim.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidReservation indicates a release or settle against an
	// unknown or fully consumed reservation. This implies ledger
	// corruption and is never silently ignored.
	ErrInvalidReservation = errors.New("invalid reservation")
)

// Reservation is a ledger-tracked hold linking an order or wager to the
// reserved portion of one balance. Remaining is the amount still held.
type Reservation struct {
	ID        string
	UserID    string
	Asset     string
	Remaining decimal.Decimal
}

// Store is the durable backing for balances and reservations. Load
// methods return (nil, nil) when the row does not exist.
type Store interface {
	LoadBalance(ctx context.Context, userID, asset string) (*model.Balance, error)
	SaveBalance(ctx context.Context, b *model.Balance) error
	LoadReservation(ctx context.Context, id string) (*Reservation, error)
	SaveReservation(ctx context.Context, r *Reservation) error
	DeleteReservation(ctx context.Context, id string) error
}

// account is the in-memory authority for one (user, asset) key. Its
// mutex serializes every mutation touching that key.
type account struct {
	mu     sync.Mutex
	bal    model.Balance
	loaded bool
}

// Ledger holds per-key account state with write-through persistence.
type Ledger struct {
	store Store

	mu       sync.Mutex
	accounts map[string]*account
	holds    map[string]*Reservation
}

// New creates a ledger backed by the given store.
func New(store Store) *Ledger {
	return &Ledger{
		store:    store,
		accounts: make(map[string]*account),
		holds:    make(map[string]*Reservation),
	}
}

func acctKey(userID, asset string) string { return userID + "\x00" + asset }

// acct returns the account for a key, creating the shell if needed.
// Balance loading happens lazily under the account lock.
func (l *Ledger) acct(userID, asset string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := acctKey(userID, asset)
	a, ok := l.accounts[key]
	if !ok {
		a = &account{bal: model.Balance{
			UserID:    userID,
			Asset:     asset,
			Available: decimal.Zero,
			Reserved:  decimal.Zero,
		}}
		l.accounts[key] = a
	}
	return a
}

// ensureLoaded pulls the durable balance into memory. Caller holds a.mu.
func (l *Ledger) ensureLoaded(ctx context.Context, a *account) error {
	if a.loaded {
		return nil
	}
	stored, err := l.store.LoadBalance(ctx, a.bal.UserID, a.bal.Asset)
	if err != nil {
		return fmt.Errorf("load balance %s/%s: %w", a.bal.UserID, a.bal.Asset, err)
	}
	if stored != nil {
		a.bal = *stored
	}
	a.loaded = true
	return nil
}

// hold resolves a reservation handle, falling back to the store so that
// handles survive process restart.
func (l *Ledger) hold(ctx context.Context, id string) (*Reservation, error) {
	l.mu.Lock()
	r, ok := l.holds[id]
	l.mu.Unlock()
	if ok {
		return r, nil
	}
	stored, err := l.store.LoadReservation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load reservation %s: %w", id, err)
	}
	if stored == nil {
		return nil, fmt.Errorf("reservation %s: %w", id, ErrInvalidReservation)
	}
	l.mu.Lock()
	l.holds[id] = stored
	l.mu.Unlock()
	return stored, nil
}

func (l *Ledger) dropHold(id string) {
	l.mu.Lock()
	delete(l.holds, id)
	l.mu.Unlock()
}

// Reserve moves amount from available to reserved and returns the handle
// of the new reservation. Fails with ErrInsufficientFunds if available
// cannot cover the amount; concurrent reserves against the same key can
// never jointly overdraw it.
func (l *Ledger) Reserve(ctx context.Context, userID, asset string, amount decimal.Decimal) (string, error) {
	if amount.Sign() <= 0 {
		return "", fmt.Errorf("reserve amount must be positive, got %s", amount)
	}

	a := l.acct(userID, asset)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := l.ensureLoaded(ctx, a); err != nil {
		return "", err
	}
	if a.bal.Available.LessThan(amount) {
		return "", fmt.Errorf("reserve %s %s for %s: %w", amount, asset, userID, ErrInsufficientFunds)
	}

	r := &Reservation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Asset:     asset,
		Remaining: amount,
	}

	next := a.bal
	next.Available = next.Available.Sub(amount)
	next.Reserved = next.Reserved.Add(amount)
	if err := l.store.SaveBalance(ctx, &next); err != nil {
		return "", fmt.Errorf("persist reserve: %w", err)
	}
	if err := l.store.SaveReservation(ctx, r); err != nil {
		return "", fmt.Errorf("persist reservation: %w", err)
	}
	a.bal = next

	l.mu.Lock()
	l.holds[r.ID] = r
	l.mu.Unlock()
	return r.ID, nil
}

// Release moves amount from reserved back to available. Fails with
// ErrInvalidReservation if amount exceeds the outstanding hold.
func (l *Ledger) Release(ctx context.Context, handle string, amount decimal.Decimal) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("release amount must be non-negative, got %s", amount)
	}
	if amount.IsZero() {
		return nil
	}

	r, err := l.hold(ctx, handle)
	if err != nil {
		return err
	}

	a := l.acct(r.UserID, r.Asset)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := l.ensureLoaded(ctx, a); err != nil {
		return err
	}
	if amount.GreaterThan(r.Remaining) {
		return fmt.Errorf("release %s exceeds outstanding %s on %s: %w",
			amount, r.Remaining, handle, ErrInvalidReservation)
	}

	next := a.bal
	next.Reserved = next.Reserved.Sub(amount)
	next.Available = next.Available.Add(amount)
	remaining := r.Remaining.Sub(amount)

	if err := l.store.SaveBalance(ctx, &next); err != nil {
		return fmt.Errorf("persist release: %w", err)
	}
	if err := l.persistHold(ctx, r, remaining); err != nil {
		return err
	}
	a.bal = next
	r.Remaining = remaining
	return nil
}

// ReleaseAll releases the full outstanding amount of a reservation and
// discards the handle. No-op for an already consumed hold is not allowed;
// callers on terminal paths should check Outstanding first if unsure.
func (l *Ledger) ReleaseAll(ctx context.Context, handle string) error {
	r, err := l.hold(ctx, handle)
	if err != nil {
		return err
	}
	return l.Release(ctx, handle, r.Remaining)
}

// Settle consumes up to debit from the reservation's held amount
// (discarding it from the ledger) and credits credit to the available
// balance of creditAsset on the same user. Used for fills (debit the
// reserved notional, credit the counter-asset proceeds) and wager
// payouts. Fails with ErrInvalidReservation if the hold is already fully
// consumed; reserved can never go negative.
func (l *Ledger) Settle(ctx context.Context, handle string, debit decimal.Decimal, creditAsset string, credit decimal.Decimal) error {
	if debit.Sign() < 0 || credit.Sign() < 0 {
		return fmt.Errorf("settle amounts must be non-negative (debit %s, credit %s)", debit, credit)
	}

	r, err := l.hold(ctx, handle)
	if err != nil {
		return err
	}

	debitAcct := l.acct(r.UserID, r.Asset)
	creditAcct := l.acct(r.UserID, creditAsset)
	lockOrdered(debitAcct, creditAcct)
	defer unlockOrdered(debitAcct, creditAcct)

	// Checked under the account lock: a concurrent settle on the same
	// handle may have consumed the hold while this one queued.
	if r.Remaining.IsZero() {
		return fmt.Errorf("settle on consumed reservation %s: %w", handle, ErrInvalidReservation)
	}

	if err := l.ensureLoaded(ctx, debitAcct); err != nil {
		return err
	}
	if err := l.ensureLoaded(ctx, creditAcct); err != nil {
		return err
	}

	take := decimal.Min(debit, r.Remaining)
	remaining := r.Remaining.Sub(take)

	nextDebit := debitAcct.bal
	nextDebit.Reserved = nextDebit.Reserved.Sub(take)

	if creditAcct == debitAcct {
		nextDebit.Available = nextDebit.Available.Add(credit)
		if err := l.store.SaveBalance(ctx, &nextDebit); err != nil {
			return fmt.Errorf("persist settle: %w", err)
		}
		debitAcct.bal = nextDebit
	} else {
		nextCredit := creditAcct.bal
		nextCredit.Available = nextCredit.Available.Add(credit)
		if err := l.store.SaveBalance(ctx, &nextDebit); err != nil {
			return fmt.Errorf("persist settle debit: %w", err)
		}
		if err := l.store.SaveBalance(ctx, &nextCredit); err != nil {
			return fmt.Errorf("persist settle credit: %w", err)
		}
		debitAcct.bal = nextDebit
		creditAcct.bal = nextCredit
	}

	if err := l.persistHold(ctx, r, remaining); err != nil {
		return err
	}
	r.Remaining = remaining
	return nil
}

// Outstanding returns the amount still held by a reservation.
func (l *Ledger) Outstanding(ctx context.Context, handle string) (decimal.Decimal, error) {
	r, err := l.hold(ctx, handle)
	if err != nil {
		return decimal.Zero, err
	}
	a := l.acct(r.UserID, r.Asset)
	a.mu.Lock()
	defer a.mu.Unlock()
	return r.Remaining, nil
}

// Credit adds amount directly to available. Used by deposits.
func (l *Ledger) Credit(ctx context.Context, userID, asset string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("credit amount must be positive, got %s", amount)
	}

	a := l.acct(userID, asset)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := l.ensureLoaded(ctx, a); err != nil {
		return err
	}
	next := a.bal
	next.Available = next.Available.Add(amount)
	if err := l.store.SaveBalance(ctx, &next); err != nil {
		return fmt.Errorf("persist credit: %w", err)
	}
	a.bal = next
	return nil
}

// Debit removes amount from available. Used by withdrawals. Fails with
// ErrInsufficientFunds when available cannot cover the amount.
func (l *Ledger) Debit(ctx context.Context, userID, asset string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("debit amount must be positive, got %s", amount)
	}

	a := l.acct(userID, asset)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := l.ensureLoaded(ctx, a); err != nil {
		return err
	}
	if a.bal.Available.LessThan(amount) {
		return fmt.Errorf("debit %s %s for %s: %w", amount, asset, userID, ErrInsufficientFunds)
	}
	next := a.bal
	next.Available = next.Available.Sub(amount)
	if err := l.store.SaveBalance(ctx, &next); err != nil {
		return fmt.Errorf("persist debit: %w", err)
	}
	a.bal = next
	return nil
}

// Balance returns a strongly consistent snapshot of one (user, asset)
// balance, suitable for feeding a reserve/debit decision.
func (l *Ledger) Balance(ctx context.Context, userID, asset string) (model.Balance, error) {
	a := l.acct(userID, asset)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := l.ensureLoaded(ctx, a); err != nil {
		return model.Balance{}, err
	}
	return a.bal, nil
}

// persistHold updates or removes the durable reservation row. Caller
// holds the debit account lock.
func (l *Ledger) persistHold(ctx context.Context, r *Reservation, remaining decimal.Decimal) error {
	if remaining.IsZero() {
		if err := l.store.DeleteReservation(ctx, r.ID); err != nil {
			return fmt.Errorf("persist reservation removal: %w", err)
		}
		l.dropHold(r.ID)
		return nil
	}
	updated := *r
	updated.Remaining = remaining
	if err := l.store.SaveReservation(ctx, &updated); err != nil {
		return fmt.Errorf("persist reservation: %w", err)
	}
	return nil
}

// lockOrdered takes both account locks in a stable order so that two
// settles touching the same pair of keys cannot deadlock.
func lockOrdered(a, b *account) {
	if a == b {
		a.mu.Lock()
		return
	}
	first, second := orderAccounts(a, b)
	first.mu.Lock()
	second.mu.Lock()
}

func unlockOrdered(a, b *account) {
	if a == b {
		a.mu.Unlock()
		return
	}
	first, second := orderAccounts(a, b)
	second.mu.Unlock()
	first.mu.Unlock()
}

func orderAccounts(a, b *account) (*account, *account) {
	keys := []string{acctKey(a.bal.UserID, a.bal.Asset), acctKey(b.bal.UserID, b.bal.Asset)}
	sort.Strings(keys)
	if keys[0] == acctKey(a.bal.UserID, a.bal.Asset) {
		return a, b
	}
	return b, a
}
