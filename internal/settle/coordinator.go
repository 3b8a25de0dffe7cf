// Package settle consumes matching-engine events and applies them
// against the order store and balance ledger. Events for different
// orders are processed concurrently; events for one order are applied
// strictly in sequence-number order, with a bounded reordering window
// for out-of-order transport delivery. (orderID, sequenceNumber) is the
// idempotency key: replays and stale events are no-ops.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpulse/exchange-core/internal/ledger"
	"github.com/coinpulse/exchange-core/internal/metrics"
	"github.com/coinpulse/exchange-core/internal/model"
	"github.com/coinpulse/exchange-core/internal/store"
)

// Notifier pushes applied order updates to interested clients. May be
// nil when no push channel is wired.
type Notifier interface {
	NotifyOrderUpdate(o *model.Order, ev model.EngineEvent)
}

// DeadLetter is an event the coordinator could not apply safely. Balance
// correctness beats liveness: these are parked for manual reconciliation
// rather than dropped or force-applied.
type DeadLetter struct {
	Event  model.EngineEvent
	Reason string
	At     time.Time
}

const (
	maxTransitionRetries = 5
	maxBufferedPerOrder  = 64
	maxDeadLetters       = 1024
)

// errTransient marks store failures worth retrying. Only these are
// requeued; everything else dead-letters.
var errTransient = errors.New("transient store failure")

// Options tune coordinator behavior.
type Options struct {
	// FeeRate is the taker fee charged on the credited asset of a fill
	// (0.001 = 10 bps).
	FeeRate decimal.Decimal

	// ReorderWait bounds how long an out-of-order event waits for the
	// sequence gap below it to fill before being applied anyway
	// (engine sequence numbers are monotonic, not necessarily dense).
	ReorderWait time.Duration
}

// Coordinator serializes settlement per order.
type Coordinator struct {
	store  store.Store
	ledger *ledger.Ledger
	events <-chan model.EngineEvent
	notify Notifier
	opts   Options

	mu     sync.Mutex
	queues map[string]*orderQueue
	dead   []DeadLetter

	wg sync.WaitGroup
}

// orderQueue holds events awaiting application for one order, kept
// sorted by sequence number. running marks an active drain goroutine.
type orderQueue struct {
	pending []model.EngineEvent
	running bool
	headAt  time.Time // when the current head started waiting on a gap
}

// New creates a coordinator draining events from the given stream.
func New(st store.Store, led *ledger.Ledger, events <-chan model.EngineEvent, notify Notifier, opts Options) *Coordinator {
	if opts.ReorderWait <= 0 {
		opts.ReorderWait = 500 * time.Millisecond
	}
	return &Coordinator{
		store:  st,
		ledger: led,
		events: events,
		notify: notify,
		opts:   opts,
		queues: make(map[string]*orderQueue),
	}
}

// Run consumes the event stream until ctx is cancelled, then waits for
// in-flight per-order drains to finish.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				c.wg.Wait()
				return
			}
			c.dispatch(ctx, ev)
		case <-ctx.Done():
			c.wg.Wait()
			return
		}
	}
}

// dispatch enqueues an event on its order's queue and starts a drain
// goroutine if none is active. Per-order serialization lives here.
func (c *Coordinator) dispatch(ctx context.Context, ev model.EngineEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[ev.OrderID]
	if !ok {
		q = &orderQueue{}
		c.queues[ev.OrderID] = q
	}

	if len(q.pending) >= maxBufferedPerOrder {
		c.deadLetterLocked(ev, "per-order reorder buffer overflow")
		return
	}
	q.pending = append(q.pending, ev)
	sort.Slice(q.pending, func(i, j int) bool { return q.pending[i].Seq < q.pending[j].Seq })

	if !q.running {
		q.running = true
		q.headAt = time.Time{}
		c.wg.Add(1)
		go c.drain(ctx, ev.OrderID, q)
	}
}

// drain applies an order's buffered events in sequence order. When the
// smallest buffered sequence number leaves a gap above the last applied
// one, it waits up to ReorderWait for the missing event before applying
// anyway — sequence numbers need not be dense.
func (c *Coordinator) drain(ctx context.Context, orderID string, q *orderQueue) {
	defer c.wg.Done()

	for ctx.Err() == nil {
		c.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			c.mu.Unlock()
			return
		}
		head := q.pending[0]
		c.mu.Unlock()

		lastSeq, err := c.lastAppliedSeq(ctx, head.OrderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.pop(q, head.Seq)
				c.deadLetter(head, "event for unknown order")
				continue
			}
			// Transient store failure: leave the queue intact, back off.
			slog.Warn("settlement read failed, retrying", "order", orderID, "err", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if head.Seq <= lastSeq {
			c.pop(q, head.Seq)
			slog.Info("dropping stale engine event, likely duplicate",
				"order", head.OrderID, "seq", head.Seq, "last_applied", lastSeq)
			metrics.EventsApplied.WithLabelValues("duplicate").Inc()
			continue
		}

		if head.Seq > lastSeq+1 && !c.gapExpired(q) {
			metrics.EventsApplied.WithLabelValues("buffered").Inc()
			time.Sleep(20 * time.Millisecond)
			continue
		}

		c.pop(q, head.Seq)
		start := time.Now()
		if err := c.apply(ctx, head); err != nil {
			if errors.Is(err, errTransient) {
				c.requeue(q, head)
				slog.Warn("settlement apply hit store failure, retrying",
					"order", orderID, "seq", head.Seq, "err", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			c.deadLetter(head, err.Error())
			continue
		}
		metrics.EventsApplied.WithLabelValues("applied").Inc()
		metrics.SettlementLatency.Observe(time.Since(start).Seconds())
	}
}

// requeue puts a popped event back in sorted position so the next drain
// iteration retries it.
func (c *Coordinator) requeue(q *orderQueue, ev model.EngineEvent) {
	c.mu.Lock()
	q.pending = append(q.pending, ev)
	sort.Slice(q.pending, func(i, j int) bool { return q.pending[i].Seq < q.pending[j].Seq })
	c.mu.Unlock()
}

// pop removes the buffered event with the given sequence number. The
// queue may have gained a smaller head between read and pop, so removal
// is by sequence, not by position.
func (c *Coordinator) pop(q *orderQueue, seq int64) {
	c.mu.Lock()
	for i, e := range q.pending {
		if e.Seq == seq {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.headAt = time.Time{}
	c.mu.Unlock()
}

// gapExpired starts the reorder clock for the current head on first call
// and reports whether it has waited long enough.
func (c *Coordinator) gapExpired(q *orderQueue) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q.headAt.IsZero() {
		q.headAt = time.Now()
		return false
	}
	return time.Since(q.headAt) >= c.opts.ReorderWait
}

func (c *Coordinator) lastAppliedSeq(ctx context.Context, orderID string) (int64, error) {
	o, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		return 0, err
	}
	return o.LastSeq, nil
}

// apply performs the logical settlement transaction for one event:
// order-store transition, then ledger settle/release. VersionConflict is
// retried after a re-read — the filled delta comes from the event, not
// from prior state, so retries are safe.
func (c *Coordinator) apply(ctx context.Context, ev model.EngineEvent) error {
	var updated *model.Order

	for attempt := 0; ; attempt++ {
		o, err := c.store.GetOrder(ctx, ev.OrderID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("read order: %w", err)
		}
		if err != nil {
			// A store blip, not a bad event. Retryable: nothing has
			// been applied yet.
			return fmt.Errorf("read order: %w: %w", errTransient, err)
		}

		if o.Status.Terminal() {
			slog.Info("event for terminal order ignored, likely duplicate",
				"order", o.ID, "status", o.Status, "seq", ev.Seq)
			metrics.EventsApplied.WithLabelValues("duplicate").Inc()
			return nil
		}
		if ev.Seq <= o.LastSeq {
			metrics.EventsApplied.WithLabelValues("duplicate").Inc()
			return nil
		}

		newStatus, err := nextStatus(o, ev)
		if err != nil {
			return err
		}

		updated, err = c.store.Transition(ctx, o.ID, o.Version, newStatus, ev.FilledDelta, ev.Seq)
		if errors.Is(err, store.ErrVersionConflict) {
			if attempt+1 >= maxTransitionRetries {
				return fmt.Errorf("transition retries exhausted: %w", err)
			}
			continue
		}
		if errors.Is(err, store.ErrInvalidTransition) {
			// Out-of-order-delivery bug or engine fault; escalate.
			slog.Error("invalid order transition from engine event",
				"order", o.ID, "status", o.Status, "event", ev.Kind, "seq", ev.Seq)
			return fmt.Errorf("state machine violation: %w", err)
		}
		if err != nil {
			return fmt.Errorf("transition: %w", err)
		}
		break
	}

	if err := c.settleBalances(ctx, updated, ev); err != nil {
		return err
	}

	if isFill(ev.Kind) && ev.Price.Sign() > 0 {
		if err := c.store.SetLastPrice(ctx, updated.Pair, ev.Price); err != nil {
			slog.Warn("last price update failed", "pair", updated.Pair, "err", err)
		}
	}

	if c.notify != nil {
		c.notify.NotifyOrderUpdate(updated, ev)
	}

	slog.Info("engine event settled",
		"order", updated.ID, "kind", ev.Kind, "seq", ev.Seq,
		"status", updated.Status, "filled", updated.Filled.String())
	return nil
}

// nextStatus derives the target state from current order state plus the
// event. Fill completeness is judged by amounts, not by the event name:
// an order_partial that completes the quantity still terminates the order.
func nextStatus(o *model.Order, ev model.EngineEvent) (model.OrderStatus, error) {
	switch ev.Kind {
	case model.EventFilled, model.EventPartialFilled:
		if ev.FilledDelta.Sign() <= 0 {
			return "", fmt.Errorf("fill event with non-positive delta %s", ev.FilledDelta)
		}
		if o.Filled.Add(ev.FilledDelta).GreaterThanOrEqual(o.Requested) {
			return model.StatusFilled, nil
		}
		return model.StatusPartiallyFilled, nil
	case model.EventCancelled:
		return model.StatusCancelled, nil
	case model.EventRejected:
		return model.StatusRejected, nil
	default:
		return "", fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

// settleBalances applies the ledger side of an event against the order's
// reservation. Buys hold quote and receive base; sells hold base and
// receive quote. Fill proceeds are credited net of the taker fee, charged
// on the received asset. Terminal states release whatever the hold still
// carries (price improvement leftover, or the full remainder on
// cancel/reject).
func (c *Coordinator) settleBalances(ctx context.Context, o *model.Order, ev model.EngineEvent) error {
	base, quote, err := model.SplitPair(o.Pair)
	if err != nil {
		return err
	}

	if isFill(ev.Kind) {
		if ev.Price.Sign() <= 0 {
			return fmt.Errorf("fill event without execution price")
		}
		notional := ev.FilledDelta.Mul(ev.Price)
		one := decimal.NewFromInt(1)

		var debit, credit decimal.Decimal
		var creditAsset string
		if o.Side == model.SideBuy {
			debit = notional
			creditAsset = base
			credit = ev.FilledDelta.Mul(one.Sub(c.opts.FeeRate))
		} else {
			debit = ev.FilledDelta
			creditAsset = quote
			credit = notional.Mul(one.Sub(c.opts.FeeRate))
		}

		if err := c.ledger.Settle(ctx, o.Reservation, debit, creditAsset, credit); err != nil {
			return fmt.Errorf("ledger settle: %w", err)
		}
	}

	if o.Status.Terminal() {
		outstanding, err := c.ledger.Outstanding(ctx, o.Reservation)
		if err != nil {
			if errors.Is(err, ledger.ErrInvalidReservation) {
				// Hold already fully consumed; nothing to give back.
				return nil
			}
			return fmt.Errorf("reservation lookup: %w", err)
		}
		if outstanding.Sign() > 0 {
			if err := c.ledger.ReleaseAll(ctx, o.Reservation); err != nil {
				return fmt.Errorf("ledger release: %w", err)
			}
		}
	}
	return nil
}

func isFill(k model.EventKind) bool {
	return k == model.EventFilled || k == model.EventPartialFilled
}

// deadLetter parks an event for manual reconciliation. Never drops
// silently: the order is flagged in the log at high severity.
func (c *Coordinator) deadLetter(ev model.EngineEvent, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadLetterLocked(ev, reason)
}

func (c *Coordinator) deadLetterLocked(ev model.EngineEvent, reason string) {
	if len(c.dead) < maxDeadLetters {
		c.dead = append(c.dead, DeadLetter{Event: ev, Reason: reason, At: time.Now().UTC()})
	}
	metrics.EventsApplied.WithLabelValues("dead_letter").Inc()
	metrics.DeadLetters.Set(float64(len(c.dead)))
	slog.Error("engine event dead-lettered, order flagged for manual reconciliation",
		"order", ev.OrderID, "kind", ev.Kind, "seq", ev.Seq, "reason", reason)
}

// DeadLetters returns a snapshot of parked events.
func (c *Coordinator) DeadLetters() []DeadLetter {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DeadLetter, len(c.dead))
	copy(out, c.dead)
	return out
}
