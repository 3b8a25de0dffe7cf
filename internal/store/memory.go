package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpulse/exchange-core/internal/ledger"
	"github.com/coinpulse/exchange-core/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	orders       map[string]*model.Order
	balances     map[string]*model.Balance // userID+"\x00"+asset
	reservations map[string]*ledger.Reservation
	wagers       []model.Wager
	lastPrices   map[string]decimal.Decimal
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:       make(map[string]*model.Order),
		balances:     make(map[string]*model.Balance),
		reservations: make(map[string]*ledger.Reservation),
		lastPrices:   make(map[string]decimal.Decimal),
	}
}

// --- Orders ---

func (s *MemoryStore) CreatePending(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("order %s: %w", o.ID, ErrDuplicateOrder)
	}
	if o.Status != model.StatusPending {
		return fmt.Errorf("order %s must be created pending, got %s", o.ID, o.Status)
	}

	// Store a copy to avoid external mutation.
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) Transition(_ context.Context, orderID string, expectedVersion int64,
	newStatus model.OrderStatus, filledDelta decimal.Decimal, seq int64) (*model.Order, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if o.Version != expectedVersion {
		return nil, fmt.Errorf("order %s at version %d, expected %d: %w",
			orderID, o.Version, expectedVersion, ErrVersionConflict)
	}
	if !model.CanTransition(o.Status, newStatus) {
		return nil, fmt.Errorf("order %s: %s -> %s: %w",
			orderID, o.Status, newStatus, ErrInvalidTransition)
	}

	o.Status = newStatus
	o.Filled = o.Filled.Add(filledDelta)
	if seq > o.LastSeq {
		o.LastSeq = seq
	}
	o.Version++
	o.UpdatedAt = time.Now().UTC()

	cp := *o
	return &cp, nil
}

func (s *MemoryStore) AggregateOpenByPairAndSide(_ context.Context, pair string, side model.Side, depth int) ([]model.BookLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sums := make(map[string]decimal.Decimal)
	prices := make(map[string]decimal.Decimal)
	for _, o := range s.orders {
		if o.Pair != pair || o.Side != side || o.Status.Terminal() || o.LimitPrice == nil {
			continue
		}
		remaining := o.Remaining()
		if remaining.Sign() <= 0 {
			continue
		}
		key := o.LimitPrice.String()
		sums[key] = sums[key].Add(remaining)
		prices[key] = *o.LimitPrice
	}

	levels := make([]model.BookLevel, 0, len(sums))
	for key, size := range sums {
		levels = append(levels, model.BookLevel{Price: prices[key], Size: size})
	}
	sort.Slice(levels, func(i, j int) bool {
		if side == model.SideBuy {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	return levels, nil
}

func (s *MemoryStore) ListPendingOlderThan(_ context.Context, cutoff time.Time) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.Status == model.StatusPending && o.CreatedAt.Before(cutoff) {
			result = append(result, *o)
		}
	}
	return result, nil
}

// --- Pair reference prices ---

func (s *MemoryStore) SetLastPrice(_ context.Context, pair string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPrices[pair] = price
	return nil
}

func (s *MemoryStore) LastPrice(_ context.Context, pair string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPrices[pair], nil
}

// --- Wagers ---

func (s *MemoryStore) InsertWager(_ context.Context, w *model.Wager) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wagers = append(s.wagers, *w)
	return nil
}

func (s *MemoryStore) ListWagersByUser(_ context.Context, userID string, limit int) ([]model.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Wager
	for i := len(s.wagers) - 1; i >= 0; i-- {
		if s.wagers[i].UserID == userID {
			result = append(result, s.wagers[i])
			if limit > 0 && len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

// --- Balances and reservations (ledger write-through) ---

func balKey(userID, asset string) string { return userID + "\x00" + asset }

func (s *MemoryStore) LoadBalance(_ context.Context, userID, asset string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[balKey(userID, asset)]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) SaveBalance(_ context.Context, b *model.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *b
	s.balances[balKey(b.UserID, b.Asset)] = &cp
	return nil
}

func (s *MemoryStore) ListBalances(_ context.Context, userID string) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Balance
	for _, b := range s.balances {
		if b.UserID == userID {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Asset < result[j].Asset })
	return result, nil
}

func (s *MemoryStore) LoadReservation(_ context.Context, id string) (*ledger.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) SaveReservation(_ context.Context, r *ledger.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.reservations[r.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteReservation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reservations, id)
	return nil
}
