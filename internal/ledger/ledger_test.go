package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coinpulse/exchange-core/internal/ledger"
	"github.com/coinpulse/exchange-core/internal/model"
	"github.com/coinpulse/exchange-core/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newLedger(t *testing.T) (*ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return ledger.New(ms), ms
}

func fund(t *testing.T, l *ledger.Ledger, userID, asset string, amount float64) {
	t.Helper()
	require.NoError(t, l.Credit(context.Background(), userID, asset, d(amount)))
}

func balance(t *testing.T, l *ledger.Ledger, userID, asset string) (available, reserved decimal.Decimal) {
	t.Helper()
	b, err := l.Balance(context.Background(), userID, asset)
	require.NoError(t, err)
	return b.Available, b.Reserved
}

func requireEq(t *testing.T, want, got decimal.Decimal) {
	t.Helper()
	require.True(t, want.Equal(got), "want %s, got %s", want, got)
}

func TestReserveMovesAvailableToReserved(t *testing.T) {
	l, _ := newLedger(t)
	fund(t, l, "alice", "USDT", 1000)

	handle, err := l.Reserve(context.Background(), "alice", "USDT", d(300))
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	avail, reserved := balance(t, l, "alice", "USDT")
	requireEq(t, d(700), avail)
	requireEq(t, d(300), reserved)
}

func TestReserveInsufficientFunds(t *testing.T) {
	l, _ := newLedger(t)
	fund(t, l, "alice", "USDT", 100)

	_, err := l.Reserve(context.Background(), "alice", "USDT", d(100.01))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	// Nothing moved.
	avail, reserved := balance(t, l, "alice", "USDT")
	requireEq(t, d(100), avail)
	requireEq(t, decimal.Zero, reserved)
}

func TestReserveUnknownUserIsEmpty(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Reserve(context.Background(), "nobody", "USDT", d(1))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestReleasePartialAndAll(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	fund(t, l, "alice", "USDT", 1000)

	handle, err := l.Reserve(ctx, "alice", "USDT", d(400))
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, handle, d(150)))
	avail, reserved := balance(t, l, "alice", "USDT")
	requireEq(t, d(750), avail)
	requireEq(t, d(250), reserved)

	require.NoError(t, l.ReleaseAll(ctx, handle))
	avail, reserved = balance(t, l, "alice", "USDT")
	requireEq(t, d(1000), avail)
	requireEq(t, decimal.Zero, reserved)

	// The handle is gone once fully released.
	_, err = l.Outstanding(ctx, handle)
	require.ErrorIs(t, err, ledger.ErrInvalidReservation)
}

func TestReleaseBeyondOutstanding(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	fund(t, l, "alice", "USDT", 1000)

	handle, err := l.Reserve(ctx, "alice", "USDT", d(100))
	require.NoError(t, err)

	err = l.Release(ctx, handle, d(100.5))
	require.ErrorIs(t, err, ledger.ErrInvalidReservation)

	// Hold untouched after the failed release.
	out, err := l.Outstanding(ctx, handle)
	require.NoError(t, err)
	requireEq(t, d(100), out)
}

func TestSettleCrossAsset(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	fund(t, l, "alice", "USDT", 1000)

	// Buy 0.01 BTC at 45000: hold 450 USDT, fill at 44000.
	handle, err := l.Reserve(ctx, "alice", "USDT", d(450))
	require.NoError(t, err)

	require.NoError(t, l.Settle(ctx, handle, d(440), "BTC", d(0.00999)))

	usdtAvail, usdtReserved := balance(t, l, "alice", "USDT")
	requireEq(t, d(550), usdtAvail)
	requireEq(t, d(10), usdtReserved) // price-improvement leftover still held

	btcAvail, btcReserved := balance(t, l, "alice", "BTC")
	requireEq(t, d(0.00999), btcAvail)
	requireEq(t, decimal.Zero, btcReserved)

	// Leftover goes back on release.
	require.NoError(t, l.ReleaseAll(ctx, handle))
	usdtAvail, usdtReserved = balance(t, l, "alice", "USDT")
	requireEq(t, d(560), usdtAvail)
	requireEq(t, decimal.Zero, usdtReserved)
}

func TestSettleSameAssetWagerRound(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	fund(t, l, "bob", "USDT", 100)

	// Losing round: bet consumed, nothing back.
	handle, err := l.Reserve(ctx, "bob", "USDT", d(10))
	require.NoError(t, err)
	require.NoError(t, l.Settle(ctx, handle, d(10), "USDT", decimal.Zero))

	avail, reserved := balance(t, l, "bob", "USDT")
	requireEq(t, d(90), avail)
	requireEq(t, decimal.Zero, reserved)

	// Winning round: bet consumed, payout credited in one settle.
	handle, err = l.Reserve(ctx, "bob", "USDT", d(10))
	require.NoError(t, err)
	require.NoError(t, l.Settle(ctx, handle, d(10), "USDT", d(19.8)))

	avail, reserved = balance(t, l, "bob", "USDT")
	requireEq(t, d(99.8), avail)
	requireEq(t, decimal.Zero, reserved)
}

func TestSettleConsumedReservation(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	fund(t, l, "alice", "USDT", 100)

	handle, err := l.Reserve(ctx, "alice", "USDT", d(50))
	require.NoError(t, err)
	require.NoError(t, l.Settle(ctx, handle, d(50), "BTC", d(0.001)))

	err = l.Settle(ctx, handle, d(1), "BTC", d(0.0001))
	require.ErrorIs(t, err, ledger.ErrInvalidReservation)
}

// slowStore stalls a single SaveBalance call so a second caller can
// queue on the account lock while the first write is still in flight.
type slowStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (s *slowStore) SaveBalance(ctx context.Context, b *model.Balance) error {
	s.mu.Lock()
	armed := s.armed
	s.armed = false
	s.mu.Unlock()
	if armed {
		close(s.entered)
		<-s.release
	}
	return s.MemoryStore.SaveBalance(ctx, b)
}

func TestConcurrentSettlesOnSameHandle(t *testing.T) {
	ctx := context.Background()
	ss := &slowStore{
		MemoryStore: store.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	l := ledger.New(ss)

	fund(t, l, "alice", "USDT", 100)
	handle, err := l.Reserve(ctx, "alice", "USDT", d(50))
	require.NoError(t, err)

	ss.mu.Lock()
	ss.armed = true
	ss.mu.Unlock()

	errs := make(chan error, 2)
	go func() {
		errs <- l.Settle(ctx, handle, d(50), "USDT", d(10))
	}()
	<-ss.entered

	// The first settle is parked inside its store write, still holding
	// the account lock. The duplicate must queue behind it and then see
	// the consumed hold, not credit a second payout.
	go func() {
		errs <- l.Settle(ctx, handle, d(50), "USDT", d(10))
	}()
	time.Sleep(50 * time.Millisecond)
	close(ss.release)

	var invalid int
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			require.ErrorIs(t, err, ledger.ErrInvalidReservation)
			invalid++
		}
	}
	require.Equal(t, 1, invalid)

	avail, reserved := balance(t, l, "alice", "USDT")
	requireEq(t, d(60), avail)
	requireEq(t, decimal.Zero, reserved)
}

func TestSettleCapsDebitAtOutstanding(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	fund(t, l, "alice", "USDT", 100)

	handle, err := l.Reserve(ctx, "alice", "USDT", d(50))
	require.NoError(t, err)

	// Debit larger than the hold consumes exactly the hold; reserved
	// can never go negative.
	require.NoError(t, l.Settle(ctx, handle, d(60), "BTC", d(0.001)))

	avail, reserved := balance(t, l, "alice", "USDT")
	requireEq(t, d(50), avail)
	requireEq(t, decimal.Zero, reserved)
}

func TestDebitCreditFlow(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	require.NoError(t, l.Credit(ctx, "carol", "ETH", d(2)))
	require.NoError(t, l.Debit(ctx, "carol", "ETH", d(0.5)))

	avail, _ := balance(t, l, "carol", "ETH")
	requireEq(t, d(1.5), avail)

	err := l.Debit(ctx, "carol", "ETH", d(10))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestReservationSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	first := ledger.New(ms)
	require.NoError(t, first.Credit(ctx, "alice", "USDT", d(100)))
	handle, err := first.Reserve(ctx, "alice", "USDT", d(40))
	require.NoError(t, err)

	// A fresh ledger over the same store resolves the handle from disk.
	second := ledger.New(ms)
	out, err := second.Outstanding(ctx, handle)
	require.NoError(t, err)
	requireEq(t, d(40), out)

	require.NoError(t, second.ReleaseAll(ctx, handle))
	b, err := second.Balance(ctx, "alice", "USDT")
	require.NoError(t, err)
	requireEq(t, d(100), b.Available)
}

func TestConcurrentReservesNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	fund(t, l, "alice", "USDT", 100)

	// 100 available, 40 + 70 cannot both succeed.
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, amount := range []decimal.Decimal{d(40), d(70)} {
		wg.Add(1)
		go func(amt decimal.Decimal) {
			defer wg.Done()
			_, err := l.Reserve(ctx, "alice", "USDT", amt)
			results <- err
		}(amount)
	}
	wg.Wait()
	close(results)

	var failed int
	for err := range results {
		if err != nil {
			require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
			failed++
		}
	}
	require.Equal(t, 1, failed, "exactly one of 40+70 against 100 must fail")

	avail, reserved := balance(t, l, "alice", "USDT")
	require.True(t, avail.Sign() >= 0, "available went negative: %s", avail)
	requireEq(t, d(100), avail.Add(reserved))
}

func TestConcurrentOperationsConserveTotal(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	fund(t, l, "alice", "USDT", 1000)

	// Reserve-then-release cycles from many goroutines must leave the
	// available+reserved total exactly where it started.
	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				handle, err := l.Reserve(ctx, "alice", "USDT", d(25))
				if err != nil {
					continue // contention exhausted available; fine
				}
				if err := l.ReleaseAll(ctx, handle); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	avail, reserved := balance(t, l, "alice", "USDT")
	requireEq(t, d(1000), avail.Add(reserved))
	requireEq(t, decimal.Zero, reserved)
}
