package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coinpulse/exchange-core/internal/ledger"
	"github.com/coinpulse/exchange-core/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const orderColumns = `id, user_id, pair, side, kind,
       requested_amount::TEXT, limit_price::TEXT,
       filled_amount::TEXT, status, reservation_id, last_seq, version,
       created_at, updated_at`

func (s *PostgresStore) CreatePending(ctx context.Context, o *model.Order) error {
	var limitPrice *string
	if o.LimitPrice != nil {
		p := o.LimitPrice.String()
		limitPrice = &p
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, pair, side, kind, requested_amount, limit_price,
		                     filled_amount, status, reservation_id, last_seq, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13, $14)`,
		o.ID, o.UserID, o.Pair, o.Side, o.Kind,
		o.Requested.String(), limitPrice, o.Filled.String(),
		o.Status, o.Reservation, o.LastSeq, o.Version,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("order %s: %w", o.ID, ErrDuplicateOrder)
	}
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) Transition(ctx context.Context, orderID string, expectedVersion int64,
	newStatus model.OrderStatus, filledDelta decimal.Decimal, seq int64) (*model.Order, error) {

	current, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("order %s at version %d, expected %d: %w",
			orderID, current.Version, expectedVersion, ErrVersionConflict)
	}
	if !model.CanTransition(current.Status, newStatus) {
		return nil, fmt.Errorf("order %s: %s -> %s: %w",
			orderID, current.Status, newStatus, ErrInvalidTransition)
	}

	// The version guard in the WHERE clause makes the update atomic;
	// a concurrent writer loses and sees zero rows affected.
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $3,
		     filled_amount = filled_amount + $4::NUMERIC,
		     last_seq = GREATEST(last_seq, $5),
		     version = version + 1,
		     updated_at = $6
		 WHERE id = $1 AND version = $2`,
		orderID, expectedVersion, newStatus, filledDelta.String(), seq, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("transition order %s: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("order %s lost update race at version %d: %w",
			orderID, expectedVersion, ErrVersionConflict)
	}
	return s.GetOrder(ctx, orderID)
}

func (s *PostgresStore) AggregateOpenByPairAndSide(ctx context.Context, pair string, side model.Side, depth int) ([]model.BookLevel, error) {
	if depth <= 0 {
		depth = 20
	}
	direction := "ASC"
	if side == model.SideBuy {
		direction = "DESC"
	}
	rows, err := s.pool.Query(ctx,
		`SELECT limit_price::TEXT, SUM(requested_amount - filled_amount)::TEXT AS size
		 FROM orders
		 WHERE pair = $1 AND side = $2
		   AND status IN ('pending', 'open', 'partially_filled')
		   AND limit_price IS NOT NULL
		 GROUP BY limit_price
		 HAVING SUM(requested_amount - filled_amount) > 0
		 ORDER BY limit_price `+direction+`
		 LIMIT $3`, pair, side, depth)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var levels []model.BookLevel
	for rows.Next() {
		var priceS, sizeS string
		if err := rows.Scan(&priceS, &sizeS); err != nil {
			return nil, err
		}
		var lvl model.BookLevel
		lvl.Price, _ = decimal.NewFromString(priceS)
		lvl.Size, _ = decimal.NewFromString(sizeS)
		levels = append(levels, lvl)
	}
	return levels, rows.Err()
}

func (s *PostgresStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = 'pending' AND created_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

// --- Pair reference prices ---

func (s *PostgresStore) SetLastPrice(ctx context.Context, pair string, price decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pair_prices (pair, price, updated_at)
		 VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (pair) DO UPDATE SET price = EXCLUDED.price, updated_at = EXCLUDED.updated_at`,
		pair, price.String(), time.Now().UTC())
	return err
}

func (s *PostgresStore) LastPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	var priceS string
	err := s.pool.QueryRow(ctx,
		`SELECT price::TEXT FROM pair_prices WHERE pair = $1`, pair).Scan(&priceS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("last price %s: %w", pair, err)
	}
	price, _ := decimal.NewFromString(priceS)
	return price, nil
}

// --- Wagers ---

func (s *PostgresStore) InsertWager(ctx context.Context, w *model.Wager) error {
	var cashOut *string
	if w.CashOutAt != nil {
		c := w.CashOutAt.String()
		cashOut = &c
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wagers (id, user_id, game, asset, bet_amount, prediction, cash_out_at,
		                     roll, crash_point, won, payout, settled_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8, $9::NUMERIC, $10, $11::NUMERIC, $12)`,
		w.ID, w.UserID, w.Game, w.Asset, w.Bet.String(), w.Prediction, cashOut,
		w.Roll, w.CrashPoint.String(), w.Won, w.Payout.String(), w.SettledAt,
	)
	return err
}

func (s *PostgresStore) ListWagersByUser(ctx context.Context, userID string, limit int) ([]model.Wager, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, game, asset, bet_amount::TEXT, prediction, cash_out_at::TEXT,
		        roll, crash_point::TEXT, won, payout::TEXT, settled_at
		 FROM wagers WHERE user_id = $1 ORDER BY settled_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wagers []model.Wager
	for rows.Next() {
		var w model.Wager
		var betS, crashS, payoutS string
		var cashOutS *string
		if err := rows.Scan(&w.ID, &w.UserID, &w.Game, &w.Asset, &betS, &w.Prediction, &cashOutS,
			&w.Roll, &crashS, &w.Won, &payoutS, &w.SettledAt); err != nil {
			return nil, err
		}
		w.Bet, _ = decimal.NewFromString(betS)
		w.CrashPoint, _ = decimal.NewFromString(crashS)
		w.Payout, _ = decimal.NewFromString(payoutS)
		if cashOutS != nil {
			c, _ := decimal.NewFromString(*cashOutS)
			w.CashOutAt = &c
		}
		wagers = append(wagers, w)
	}
	return wagers, rows.Err()
}

// --- Balances and reservations (ledger write-through) ---

func (s *PostgresStore) LoadBalance(ctx context.Context, userID, asset string) (*model.Balance, error) {
	var b model.Balance
	var availS, resS string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, asset, available::TEXT, reserved::TEXT
		 FROM balances WHERE user_id = $1 AND asset = $2`, userID, asset).
		Scan(&b.UserID, &b.Asset, &availS, &resS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load balance %s/%s: %w", userID, asset, err)
	}
	b.Available, _ = decimal.NewFromString(availS)
	b.Reserved, _ = decimal.NewFromString(resS)
	return &b, nil
}

func (s *PostgresStore) SaveBalance(ctx context.Context, b *model.Balance) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO balances (user_id, asset, available, reserved)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (user_id, asset)
		 DO UPDATE SET available = EXCLUDED.available, reserved = EXCLUDED.reserved`,
		b.UserID, b.Asset, b.Available.String(), b.Reserved.String())
	return err
}

func (s *PostgresStore) ListBalances(ctx context.Context, userID string) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, asset, available::TEXT, reserved::TEXT
		 FROM balances WHERE user_id = $1 ORDER BY asset`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []model.Balance
	for rows.Next() {
		var b model.Balance
		var availS, resS string
		if err := rows.Scan(&b.UserID, &b.Asset, &availS, &resS); err != nil {
			return nil, err
		}
		b.Available, _ = decimal.NewFromString(availS)
		b.Reserved, _ = decimal.NewFromString(resS)
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *PostgresStore) LoadReservation(ctx context.Context, id string) (*ledger.Reservation, error) {
	var r ledger.Reservation
	var remS string
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, asset, remaining::TEXT
		 FROM reservations WHERE id = $1`, id).
		Scan(&r.ID, &r.UserID, &r.Asset, &remS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load reservation %s: %w", id, err)
	}
	r.Remaining, _ = decimal.NewFromString(remS)
	return &r, nil
}

func (s *PostgresStore) SaveReservation(ctx context.Context, r *ledger.Reservation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reservations (id, user_id, asset, remaining)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET remaining = EXCLUDED.remaining`,
		r.ID, r.UserID, r.Asset, r.Remaining.String())
	return err
}

func (s *PostgresStore) DeleteReservation(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM reservations WHERE id = $1`, id)
	return err
}

// --- Scan helpers ---

type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row pgxRow) (*model.Order, error) {
	var o model.Order
	var requestedS, filledS string
	var limitS *string

	if err := row.Scan(&o.ID, &o.UserID, &o.Pair, &o.Side, &o.Kind,
		&requestedS, &limitS, &filledS,
		&o.Status, &o.Reservation, &o.LastSeq, &o.Version,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Requested, _ = decimal.NewFromString(requestedS)
	o.Filled, _ = decimal.NewFromString(filledS)
	if limitS != nil {
		p, _ := decimal.NewFromString(*limitS)
		o.LimitPrice = &p
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// isUniqueViolation reports whether err is a Postgres 23505 error.
func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
