package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/coinpulse/exchange-core/internal/metrics"
	"github.com/coinpulse/exchange-core/internal/model"
)

// ErrEngineUnavailable is returned when a request cannot be handed to
// the engine in time. Placement callers treat it as accepted-pending:
// the order stays Pending and the reconciliation pass retries.
var ErrEngineUnavailable = errors.New("matching engine unavailable")

// PendingSource lists orders awaiting engine acknowledgement, for the
// background resubmission pass.
type PendingSource interface {
	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]model.Order, error)
}

// Options tune gateway behavior; zero values take the defaults below.
type Options struct {
	SendTimeout       time.Duration // bound on Submit/Cancel enqueue wait
	SendQueueSize     int
	EventQueueSize    int
	MaxReconnectWait  time.Duration // backoff cap
	ReconcileInterval time.Duration // resubmission pass period
	ReconcileAge      time.Duration // Pending-order age before resubmit
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.SendTimeout <= 0 {
		out.SendTimeout = 2 * time.Second
	}
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = 256
	}
	if out.EventQueueSize <= 0 {
		out.EventQueueSize = 1024
	}
	if out.MaxReconnectWait <= 0 {
		out.MaxReconnectWait = 30 * time.Second
	}
	if out.ReconcileInterval <= 0 {
		out.ReconcileInterval = 30 * time.Second
	}
	if out.ReconcileAge <= 0 {
		out.ReconcileAge = 10 * time.Second
	}
	return out
}

// Gateway owns the single logical connection to the matching engine.
// It is an injectable dependency, not a process-wide singleton, so tests
// can run isolated instances against a fake engine.
type Gateway struct {
	url     string
	opts    Options
	pending PendingSource

	sendq  chan []byte
	events chan model.EngineEvent

	connected atomic.Bool

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a gateway for the given engine websocket URL. Run must be
// called before Submit/Cancel can succeed.
func New(url string, pending PendingSource, opts Options) *Gateway {
	o := opts.withDefaults()
	return &Gateway{
		url:     url,
		opts:    o,
		pending: pending,
		sendq:   make(chan []byte, o.SendQueueSize),
		events:  make(chan model.EngineEvent, o.EventQueueSize),
	}
}

// Events is the inbound engine event stream, in transport arrival order.
// Per-order ordering is NOT guaranteed here; consumers must order by
// sequence number.
func (g *Gateway) Events() <-chan model.EngineEvent {
	return g.events
}

// Connected reports whether the engine link is currently up.
func (g *Gateway) Connected() bool {
	return g.connected.Load()
}

// Submit hands a new order to the engine. It blocks at most SendTimeout
// waiting for queue space and returns ErrEngineUnavailable when the link
// is down or the queue stays full; the caller's order remains Pending.
func (g *Gateway) Submit(ctx context.Context, o *model.Order) error {
	payload, err := encodeNewOrder(o)
	if err != nil {
		return fmt.Errorf("encode order %s: %w", o.ID, err)
	}
	return g.enqueue(ctx, payload)
}

// Cancel requests cancellation of an order. Best-effort: the engine is
// authoritative, and a fill racing this cancel is still honored.
func (g *Gateway) Cancel(ctx context.Context, orderID, pair string) error {
	payload, err := encodeCancel(orderID, pair)
	if err != nil {
		return fmt.Errorf("encode cancel %s: %w", orderID, err)
	}
	return g.enqueue(ctx, payload)
}

func (g *Gateway) enqueue(ctx context.Context, payload []byte) error {
	if !g.connected.Load() {
		return ErrEngineUnavailable
	}
	timer := time.NewTimer(g.opts.SendTimeout)
	defer timer.Stop()
	select {
	case g.sendq <- payload:
		return nil
	case <-timer.C:
		return fmt.Errorf("send queue full: %w", ErrEngineUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run maintains the connection until ctx is cancelled: dial with capped
// exponential backoff, pump reads and writes, reconnect on loss. It also
// drives the periodic Pending-order resubmission pass.
func (g *Gateway) Run(ctx context.Context) {
	go g.reconcileLoop(ctx)

	for ctx.Err() == nil {
		conn, err := g.dial(ctx)
		if err != nil {
			// Only context cancellation stops the dial loop.
			return
		}

		g.mu.Lock()
		g.conn = conn
		g.mu.Unlock()
		g.connected.Store(true)
		slog.Info("connected to matching engine", "url", g.url)

		// Reconcile immediately: anything Pending from before the
		// outage needs another submission attempt.
		g.resubmitPending(ctx, time.Now())

		writeDone := make(chan struct{})
		go g.writePump(ctx, conn, writeDone)
		g.readPump(ctx, conn)

		g.connected.Store(false)
		conn.Close()
		<-writeDone
		if ctx.Err() != nil {
			return
		}
		metrics.EngineReconnects.Inc()
		slog.Warn("matching engine connection lost, reconnecting")
	}
}

func (g *Gateway) dial(ctx context.Context) (*websocket.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = g.opts.MaxReconnectWait
	bo.MaxElapsedTime = 0 // retry forever

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, g.url, nil)
		if err != nil {
			slog.Warn("engine dial failed", "url", g.url, "err", err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	return conn, err
}

// writePump is the single writer: it preserves submission order across
// all callers. On write failure the message is dropped — the order stays
// Pending and the reconciliation pass resubmits it.
func (g *Gateway) writePump(ctx context.Context, conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case payload := <-g.sendq:
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Warn("engine write failed", "err", err)
				conn.Close()
				return
			}
			metrics.EngineMessagesSent.Inc()
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn) {
	// ReadMessage has no context form; closing the connection is the only
	// way to unblock it on shutdown.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("engine read failed", "err", err)
			}
			return
		}

		ev, err := decodeEvent(raw, time.Now().UTC())
		if err != nil {
			slog.Error("undecodable engine message", "err", err, "raw", string(raw))
			continue
		}
		metrics.EngineEventsReceived.WithLabelValues(string(ev.Kind)).Inc()

		select {
		case g.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(g.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			g.resubmitPending(ctx, now)
		case <-ctx.Done():
			return
		}
	}
}

// resubmitPending re-sends Pending orders older than the threshold. The
// engine treats a duplicate id as a no-op, so over-submission is safe.
func (g *Gateway) resubmitPending(ctx context.Context, now time.Time) {
	if !g.connected.Load() {
		return
	}
	orders, err := g.pending.ListPendingOlderThan(ctx, now.Add(-g.opts.ReconcileAge))
	if err != nil {
		slog.Error("pending reconciliation query failed", "err", err)
		return
	}
	for i := range orders {
		o := &orders[i]
		if err := g.Submit(ctx, o); err != nil {
			slog.Warn("pending resubmit failed", "order", o.ID, "err", err)
			return
		}
		metrics.OrdersResubmitted.Inc()
		slog.Info("resubmitted pending order", "order", o.ID, "age", now.Sub(o.CreatedAt).String())
	}
}
