package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/coinpulse/exchange-core/internal/ledger"
	"github.com/coinpulse/exchange-core/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for order reads and order-book aggregation. Writes go to the
// primary store and invalidate the cache. Ledger write-through is never
// cached — reserve/debit decisions need strong consistency.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Orders (cached by id) ---

func (s *CachedStore) CreatePending(ctx context.Context, o *model.Order) error {
	if err := s.primary.CreatePending(ctx, o); err != nil {
		return err
	}
	s.cacheOrder(ctx, o)
	s.invalidateBook(ctx, o.Pair)
	return nil
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	data, err := s.rdb.Get(ctx, orderKey(id)).Bytes()
	if err == nil {
		var c cachedOrder
		if json.Unmarshal(data, &c) == nil {
			o := c.Order
			o.Reservation = c.Reservation
			o.LastSeq = c.LastSeq
			return &o, nil
		}
	}

	o, err := s.primary.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheOrder(ctx, o)
	return o, nil
}

func (s *CachedStore) Transition(ctx context.Context, orderID string, expectedVersion int64,
	newStatus model.OrderStatus, filledDelta decimal.Decimal, seq int64) (*model.Order, error) {

	o, err := s.primary.Transition(ctx, orderID, expectedVersion, newStatus, filledDelta, seq)
	if err != nil {
		// A stale cached order would make the coordinator re-read the
		// conflicting version forever; drop it on any failed write too.
		s.rdb.Del(ctx, orderKey(orderID))
		return nil, err
	}
	s.cacheOrder(ctx, o)
	s.invalidateBook(ctx, o.Pair)
	return o, nil
}

func (s *CachedStore) AggregateOpenByPairAndSide(ctx context.Context, pair string, side model.Side, depth int) ([]model.BookLevel, error) {
	key := bookKey(pair, side, depth)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var levels []model.BookLevel
		if json.Unmarshal(data, &levels) == nil {
			return levels, nil
		}
	}

	levels, err := s.primary.AggregateOpenByPairAndSide(ctx, pair, side, depth)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(levels); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return levels, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListByUser(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	return s.primary.ListByUser(ctx, userID, limit)
}

func (s *CachedStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]model.Order, error) {
	return s.primary.ListPendingOlderThan(ctx, cutoff)
}

func (s *CachedStore) SetLastPrice(ctx context.Context, pair string, price decimal.Decimal) error {
	return s.primary.SetLastPrice(ctx, pair, price)
}

func (s *CachedStore) LastPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	return s.primary.LastPrice(ctx, pair)
}

func (s *CachedStore) InsertWager(ctx context.Context, w *model.Wager) error {
	return s.primary.InsertWager(ctx, w)
}

func (s *CachedStore) ListWagersByUser(ctx context.Context, userID string, limit int) ([]model.Wager, error) {
	return s.primary.ListWagersByUser(ctx, userID, limit)
}

func (s *CachedStore) LoadBalance(ctx context.Context, userID, asset string) (*model.Balance, error) {
	return s.primary.LoadBalance(ctx, userID, asset)
}

func (s *CachedStore) SaveBalance(ctx context.Context, b *model.Balance) error {
	return s.primary.SaveBalance(ctx, b)
}

func (s *CachedStore) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	return s.primary.ListBalances(ctx, userID)
}

func (s *CachedStore) LoadReservation(ctx context.Context, id string) (*ledger.Reservation, error) {
	return s.primary.LoadReservation(ctx, id)
}

func (s *CachedStore) SaveReservation(ctx context.Context, r *ledger.Reservation) error {
	return s.primary.SaveReservation(ctx, r)
}

func (s *CachedStore) DeleteReservation(ctx context.Context, id string) error {
	return s.primary.DeleteReservation(ctx, id)
}

// --- Cache helpers ---

// cachedOrder carries the fields model.Order hides from its public JSON
// form; losing the reservation handle or last applied sequence number in
// the cache would break settlement.
type cachedOrder struct {
	model.Order
	Reservation string `json:"reservation_id"`
	LastSeq     int64  `json:"last_seq"`
}

func (s *CachedStore) cacheOrder(ctx context.Context, o *model.Order) {
	c := cachedOrder{Order: *o, Reservation: o.Reservation, LastSeq: o.LastSeq}
	if data, err := json.Marshal(&c); err == nil {
		s.rdb.Set(ctx, orderKey(o.ID), data, s.ttl)
	}
}

func (s *CachedStore) invalidateBook(ctx context.Context, pair string) {
	keys, err := s.rdb.Keys(ctx, fmt.Sprintf("book:%s:*", pair)).Result()
	if err != nil || len(keys) == 0 {
		return
	}
	s.rdb.Del(ctx, keys...)
}

func orderKey(id string) string { return fmt.Sprintf("order:%s", id) }

func bookKey(pair string, side model.Side, depth int) string {
	return fmt.Sprintf("book:%s:%s:%d", pair, side, depth)
}
