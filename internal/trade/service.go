// Package trade provides the HTTP handlers and business logic for
// placing orders, wallet operations, and the instant-resolution games.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinpulse/exchange-core/internal/chain"
	"github.com/coinpulse/exchange-core/internal/game"
	"github.com/coinpulse/exchange-core/internal/gateway"
	"github.com/coinpulse/exchange-core/internal/ledger"
	"github.com/coinpulse/exchange-core/internal/metrics"
	"github.com/coinpulse/exchange-core/internal/model"
	"github.com/coinpulse/exchange-core/internal/store"
)

// defaultBookDepth is the number of price levels returned per side.
const defaultBookDepth = 20

// EngineLink is the slice of the matching gateway the handlers need.
// Accepting an interface keeps the service testable without a live
// engine connection.
type EngineLink interface {
	Submit(ctx context.Context, o *model.Order) error
	Cancel(ctx context.Context, orderID, pair string) error
}

// Market is one tradable pair in the reference listing.
type Market struct {
	Pair       string `json:"pair"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
	Status     string `json:"status"`
}

// markets is the static reference listing served at GET /api/v1/markets.
var markets = []Market{
	{Pair: "BTC/USDT", BaseAsset: "BTC", QuoteAsset: "USDT", Status: "trading"},
	{Pair: "ETH/USDT", BaseAsset: "ETH", QuoteAsset: "USDT", Status: "trading"},
	{Pair: "SOL/USDT", BaseAsset: "SOL", QuoteAsset: "USDT", Status: "trading"},
	{Pair: "ETH/BTC", BaseAsset: "ETH", QuoteAsset: "BTC", Status: "trading"},
}

// Service handles order, wallet and game operations. Order placement
// reserves funds through the ledger before anything reaches the engine,
// so a rejected reservation never leaves partial state behind.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger
	engine EngineLink
	games  *game.Engine
	chain  chain.Service
	wsHub  *WSHub // optional WebSocket hub for client pushes
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, led *ledger.Ledger, eng EngineLink, games *game.Engine, ch chain.Service, hub *WSHub) *Service {
	return &Service{
		store:  st,
		ledger: led,
		engine: eng,
		games:  games,
		chain:  ch,
		wsHub:  hub,
	}
}

// --- Request/Response types ---

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	UserID string          `json:"user_id"`
	Pair   string          `json:"pair"` // "BTC/USDT"
	Side   string          `json:"side"` // "buy" or "sell"
	Kind   string          `json:"kind"` // "market" or "limit"
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"` // required for limit orders
}

// PlaceOrderResponse is the JSON body returned from POST /orders.
type PlaceOrderResponse struct {
	Order          *model.Order    `json:"order"`
	ReservedAsset  string          `json:"reserved_asset"`
	ReservedAmount decimal.Decimal `json:"reserved_amount"`
}

// DiceRequest is the JSON body for POST /games/dice.
type DiceRequest struct {
	UserID     string          `json:"user_id"`
	Asset      string          `json:"asset"` // defaults to USDT
	BetAmount  decimal.Decimal `json:"bet_amount"`
	Prediction int             `json:"prediction"` // win if roll > prediction
}

// CrashRequest is the JSON body for POST /games/crash.
type CrashRequest struct {
	UserID    string           `json:"user_id"`
	Asset     string           `json:"asset"`
	BetAmount decimal.Decimal  `json:"bet_amount"`
	CashOutAt *decimal.Decimal `json:"cash_out_at"`
}

// WagerResponse is the JSON body returned from game endpoints.
type WagerResponse struct {
	Wager      *model.Wager    `json:"wager"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// TransferRequest is the JSON body for deposits and withdrawals.
type TransferRequest struct {
	UserID  string          `json:"user_id"`
	Asset   string          `json:"asset"`
	Amount  decimal.Decimal `json:"amount"`
	Address string          `json:"address,omitempty"` // withdrawals only
}

// TransferResponse is the JSON body returned from wallet transfers.
type TransferResponse struct {
	TxHash     string          `json:"tx_hash"`
	Asset      string          `json:"asset"`
	Amount     decimal.Decimal `json:"amount"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// --- HTTP Handlers ---

// PlaceOrder handles POST /api/v1/orders
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	side := model.Side(req.Side)
	if side != model.SideBuy && side != model.SideSell {
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}
	kind := model.Kind(req.Kind)
	if kind != model.KindMarket && kind != model.KindLimit {
		writeError(w, "kind must be market or limit", http.StatusBadRequest)
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	base, quote, err := model.SplitPair(req.Pair)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if kind == model.KindLimit && req.Price.LessThanOrEqual(decimal.Zero) {
		writeError(w, "limit orders require a positive price", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// Work out what to reserve: sells lock the base asset; buys lock the
	// quote notional, priced by the limit or the pair's last trade.
	var reserveAsset string
	var reserveAmount decimal.Decimal
	switch {
	case side == model.SideSell:
		reserveAsset, reserveAmount = base, req.Amount
	case kind == model.KindLimit:
		reserveAsset, reserveAmount = quote, req.Amount.Mul(req.Price)
	default: // market buy
		last, err := s.store.LastPrice(ctx, req.Pair)
		if err != nil {
			writeError(w, "failed to load reference price", http.StatusInternalServerError)
			return
		}
		if last.LessThanOrEqual(decimal.Zero) {
			writeError(w, "no reference price for pair: "+req.Pair, http.StatusBadRequest)
			return
		}
		reserveAsset, reserveAmount = quote, req.Amount.Mul(last)
	}

	handle, err := s.ledger.Reserve(ctx, req.UserID, reserveAsset, reserveAmount)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, "failed to reserve funds", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	order := &model.Order{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		Pair:        req.Pair,
		Side:        side,
		Kind:        kind,
		Requested:   req.Amount,
		Filled:      decimal.Zero,
		Status:      model.StatusPending,
		Reservation: handle,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if kind == model.KindLimit {
		p := req.Price
		order.LimitPrice = &p
	}

	if err := s.store.CreatePending(ctx, order); err != nil {
		// Undo the hold; the order never existed.
		if relErr := s.ledger.ReleaseAll(ctx, handle); relErr != nil {
			slog.Error("reservation release after failed create", "order", order.ID, "err", relErr)
		}
		if errors.Is(err, store.ErrDuplicateOrder) {
			writeError(w, "duplicate order", http.StatusConflict)
			return
		}
		writeError(w, "failed to persist order", http.StatusInternalServerError)
		return
	}

	// Submission is best-effort: a pending order with its reservation
	// intact is safe, and the reconciliation pass resubmits it.
	if err := s.engine.Submit(ctx, order); err != nil {
		if !errors.Is(err, gateway.ErrEngineUnavailable) {
			slog.Error("order submission failed", "order", order.ID, "err", err)
		} else {
			slog.Warn("engine unavailable, order stays pending", "order", order.ID)
		}
	}

	metrics.OrdersPlaced.WithLabelValues(string(side), string(kind)).Inc()
	slog.Info("order placed",
		"id", order.ID,
		"user", req.UserID,
		"pair", req.Pair,
		"side", side,
		"kind", kind,
		"amount", req.Amount.String(),
	)

	writeJSON(w, http.StatusCreated, PlaceOrderResponse{
		Order:          order,
		ReservedAsset:  reserveAsset,
		ReservedAmount: reserveAmount,
	})
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
//
// Cancellation is a request, not a command: the engine may still fill
// the order. The response reports the last known state.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	ctx := r.Context()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "order not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load order", http.StatusInternalServerError)
		return
	}
	if uid := r.URL.Query().Get("user_id"); uid != "" && uid != order.UserID {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	if order.Status.Terminal() {
		writeError(w, "order already "+string(order.Status), http.StatusConflict)
		return
	}

	if err := s.engine.Cancel(ctx, order.ID, order.Pair); err != nil {
		// The engine confirms (or refuses) asynchronously anyway.
		slog.Warn("cancel not delivered", "order", order.ID, "err", err)
	}

	writeJSON(w, http.StatusAccepted, order)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "order not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load order", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListOrders handles GET /api/v1/orders?user_id=...
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	limit := queryInt(r, "limit", 100)

	orders, err := s.store.ListByUser(r.Context(), userID, limit)
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders": orders,
		"count":  len(orders),
	})
}

// GetOrderBook handles GET /api/v1/orderbook/{base}/{quote}
func (s *Service) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	pair := chi.URLParam(r, "base") + "/" + chi.URLParam(r, "quote")
	if _, _, err := model.SplitPair(pair); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	depth := queryInt(r, "depth", defaultBookDepth)
	if depth > 100 {
		depth = 100
	}

	ctx := r.Context()
	bids, err := s.store.AggregateOpenByPairAndSide(ctx, pair, model.SideBuy, depth)
	if err != nil {
		writeError(w, "failed to build order book", http.StatusInternalServerError)
		return
	}
	asks, err := s.store.AggregateOpenByPairAndSide(ctx, pair, model.SideSell, depth)
	if err != nil {
		writeError(w, "failed to build order book", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, model.OrderBook{Pair: pair, Bids: bids, Asks: asks})
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"markets": markets,
		"count":   len(markets),
	})
}

// PlayDice handles POST /api/v1/games/dice
func (s *Service) PlayDice(w http.ResponseWriter, r *http.Request) {
	var req DiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Asset == "" {
		req.Asset = "USDT"
	}

	wager, balance, err := s.games.PlayDice(r.Context(), req.UserID, req.Asset, req.BetAmount, req.Prediction)
	if err != nil {
		writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WagerResponse{Wager: wager, NewBalance: balance})
}

// PlayCrash handles POST /api/v1/games/crash
func (s *Service) PlayCrash(w http.ResponseWriter, r *http.Request) {
	var req CrashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Asset == "" {
		req.Asset = "USDT"
	}

	wager, balance, err := s.games.PlayCrash(r.Context(), req.UserID, req.Asset, req.BetAmount, req.CashOutAt)
	if err != nil {
		writeGameError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WagerResponse{Wager: wager, NewBalance: balance})
}

// GameHistory handles GET /api/v1/games/history?user_id=...
func (s *Service) GameHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	limit := queryInt(r, "limit", 50)

	wagers, err := s.store.ListWagersByUser(r.Context(), userID, limit)
	if err != nil {
		writeError(w, "failed to list wagers", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wagers": wagers,
		"count":  len(wagers),
	})
}

// GetBalances handles GET /api/v1/wallet/{userID}/balances
func (s *Service) GetBalances(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	balances, err := s.store.ListBalances(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to list balances", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"balances": balances,
	})
}

// Deposit handles POST /api/v1/wallet/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTransfer(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	txHash, err := s.chain.Deposit(ctx, req.UserID, req.Asset, req.Amount)
	if err != nil {
		writeError(w, "deposit failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	if err := s.ledger.Credit(ctx, req.UserID, req.Asset, req.Amount); err != nil {
		slog.Error("deposit credit failed after chain confirm",
			"user", req.UserID, "asset", req.Asset, "tx", txHash, "err", err)
		writeError(w, "failed to credit deposit", http.StatusInternalServerError)
		return
	}

	bal, err := s.ledger.Balance(ctx, req.UserID, req.Asset)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	slog.Info("deposit credited", "user", req.UserID, "asset", req.Asset, "amount", req.Amount.String(), "tx", txHash)
	writeJSON(w, http.StatusOK, TransferResponse{
		TxHash:     txHash,
		Asset:      req.Asset,
		Amount:     req.Amount,
		NewBalance: bal.Available,
	})
}

// Withdraw handles POST /api/v1/wallet/withdraw
//
// Funds are debited before the chain transfer and re-credited if the
// transfer fails, so the ledger never goes negative on a race.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTransfer(w, r)
	if !ok {
		return
	}
	if req.Address == "" {
		writeError(w, "address is required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	if err := s.ledger.Debit(ctx, req.UserID, req.Asset, req.Amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, "failed to debit funds", http.StatusInternalServerError)
		return
	}

	txHash, err := s.chain.Withdraw(ctx, req.UserID, req.Asset, req.Amount, req.Address)
	if err != nil {
		if credErr := s.ledger.Credit(ctx, req.UserID, req.Asset, req.Amount); credErr != nil {
			slog.Error("withdrawal refund failed",
				"user", req.UserID, "asset", req.Asset, "amount", req.Amount.String(), "err", credErr)
		}
		writeError(w, "withdrawal failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	bal, err := s.ledger.Balance(ctx, req.UserID, req.Asset)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	slog.Info("withdrawal sent", "user", req.UserID, "asset", req.Asset, "amount", req.Amount.String(), "tx", txHash)
	writeJSON(w, http.StatusOK, TransferResponse{
		TxHash:     txHash,
		Asset:      req.Asset,
		Amount:     req.Amount,
		NewBalance: bal.Available,
	})
}

// --- helpers ---

func decodeTransfer(w http.ResponseWriter, r *http.Request) (TransferRequest, bool) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return req, false
	}
	if req.Asset == "" {
		writeError(w, "asset is required", http.StatusBadRequest)
		return req, false
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// writeGameError maps game-engine errors to HTTP responses. Funds and
// parameter problems are the caller's fault; everything else is ours.
func writeGameError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, game.ErrInvalidParameter):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		writeError(w, "failed to resolve wager", http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
