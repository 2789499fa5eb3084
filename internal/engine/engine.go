// Package engine turns incoming trade signals into venue orders. Each signal
// is claimed through the cluster-wide signal lock before execution, so in a
// multi-worker deployment exactly one worker acts on it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/amirphl/signal-relay/internal/exchange"
	"github.com/amirphl/signal-relay/internal/journal"
	"github.com/amirphl/signal-relay/internal/notifier"
	"github.com/amirphl/signal-relay/internal/signal"
	"github.com/amirphl/signal-relay/internal/trade"
)

// Ack statuses reported back on the ack channel.
const (
	AckExecuted          = "executed"
	AckInvalid           = "invalid"
	AckDuplicate         = "duplicate"
	AckSkipped           = "skipped"
	AckFailed            = "failed"
	AckInsufficientFunds = "insufficient_funds"
)

// SignalBus is the slice of the bus the engine needs.
type SignalBus interface {
	TryLock(sig signal.Signal) (bool, error)
	SendAck(signalID, status string) error
}

// Subscriber registers symbols with the market data feed.
type Subscriber interface {
	Subscribe(symbols ...string) error
}

type Config struct {
	// TradeSize is the quote-currency amount committed per trade.
	TradeSize float64

	// RiskReward scales the stop distance into the recomputed take-profit:
	// tp = fill + (fill - sl) * RiskReward.
	RiskReward float64

	// QuantityPrecision is the number of decimal places the venue accepts
	// for order sizes. Quantities are rounded down, never up.
	QuantityPrecision int

	// ReconcileInterval is how often the pending-trade sweep runs.
	ReconcileInterval time.Duration

	// PendingTTL is how long a pending trade may wait for its fill before
	// the reconciler marks it failed.
	PendingTTL time.Duration
}

type Engine struct {
	cfg      Config
	bus      SignalBus
	store    trade.Store
	exchange exchange.Exchange
	feed     Subscriber
	notifier notifier.Notifier
	journal  journal.Journaler
}

func New(cfg Config, bus SignalBus, store trade.Store, ex exchange.Exchange, feed Subscriber, n notifier.Notifier, j journal.Journaler) *Engine {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 10 * time.Minute
	}
	return &Engine{
		cfg:      cfg,
		bus:      bus,
		store:    store,
		exchange: ex,
		feed:     feed,
		notifier: n,
		journal:  j,
	}
}

// Run consumes signals until the channel closes or the context is canceled.
func (e *Engine) Run(ctx context.Context, signals <-chan signal.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			status := e.Process(ctx, sig)
			if err := e.bus.SendAck(sig.SignalID, status); err != nil {
				log.Printf("Engine | failed to ack signal %s: %v", sig.SignalID, err)
			}
		}
	}
}

// Process handles one signal end to end and returns the ack status.
func (e *Engine) Process(ctx context.Context, sig signal.Signal) string {
	if err := sig.Validate(); err != nil {
		log.Printf("Engine | rejecting signal %s: %v", sig.SignalID, err)
		return AckInvalid
	}

	locked, err := e.bus.TryLock(sig)
	if err != nil {
		log.Printf("Engine | lock check failed for signal %s: %v", sig.SignalID, err)
		return AckFailed
	}
	if !locked {
		log.Printf("Engine | signal %s already claimed by another worker", sig.SignalID)
		return AckDuplicate
	}

	return e.execute(ctx, sig)
}

func (e *Engine) execute(ctx context.Context, sig signal.Signal) string {
	// At most one active trade per symbol: skip before committing funds. The
	// partial unique index in the store is the backstop for races.
	existing, err := e.store.ActiveBySymbol(ctx, sig.Symbol)
	if err != nil {
		log.Printf("Engine | [%s %s] active check failed: %v", sig.Symbol, sig.SignalID, err)
		return AckFailed
	}
	if existing != nil {
		log.Printf("Engine | [%s %s] trade %d already active, skipping signal",
			sig.Symbol, sig.SignalID, existing.ID)
		return AckSkipped
	}

	quantity := roundDown(e.cfg.TradeSize/sig.EntryPrice, e.cfg.QuantityPrecision)
	if quantity <= 0 {
		log.Printf("Engine | [%s %s] trade size %.2f too small for entry %.8f",
			sig.Symbol, sig.SignalID, e.cfg.TradeSize, sig.EntryPrice)
		return AckFailed
	}

	order, err := e.exchange.CreateMarketBuyOrder(ctx, sig.Symbol, quantity)
	if err != nil {
		if errors.Is(err, exchange.ErrInsufficientFunds) {
			log.Printf("Engine | [%s %s] insufficient funds, skipping", sig.Symbol, sig.SignalID)
			e.notifier.SendWithRetry(ctx, fmt.Sprintf(
				"⚠️ Skipped %s signal: insufficient funds for %.2f", sig.Symbol, e.cfg.TradeSize))
			return AckInsufficientFunds
		}
		log.Printf("Engine | [%s %s] buy order failed: %v", sig.Symbol, sig.SignalID, err)
		e.notifier.SendWithRetry(ctx, fmt.Sprintf("❌ Buy order failed for %s: %v", sig.Symbol, err))
		return AckFailed
	}

	id, err := e.store.CreatePending(ctx, trade.Trade{
		SignalID:   sig.SignalID,
		Symbol:     sig.Symbol,
		EntryPrice: sig.EntryPrice,
		Quantity:   quantity,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		OrderID:    order.ID,
	})
	if err != nil {
		log.Printf("Engine | [%s %s] failed to record pending trade: %v", sig.Symbol, sig.SignalID, err)
		return AckFailed
	}
	log.Printf("Engine | [%s %s] pending trade %d created, order %s", sig.Symbol, sig.SignalID, id, order.ID)

	e.journal.LogEvent(ctx, journal.Event{
		Time:        time.Now().UTC(),
		Type:        "order_placed",
		Description: fmt.Sprintf("market buy %s qty %.8f", sig.Symbol, quantity),
		Data: map[string]any{
			"signal_id": sig.SignalID,
			"order_id":  order.ID,
			"symbol":    sig.Symbol,
		},
	})

	if err := e.ActivateOrder(ctx, order.ID, sig.Symbol, sig.StopLoss); err != nil {
		// The reconciler sweep picks the fill up later.
		log.Printf("Engine | [%s %s] inline activation deferred: %v", sig.Symbol, sig.SignalID, err)
	}
	return AckExecuted
}

// ActivateOrder checks the order's fill and, when filled, transitions its
// pending trade to active with the take-profit recomputed from the actual
// fill price. Calling it for an already activated order is a no-op.
func (e *Engine) ActivateOrder(ctx context.Context, orderID, symbol string, stopLoss float64) error {
	order, err := e.exchange.GetOrder(ctx, orderID, symbol)
	if err != nil {
		return fmt.Errorf("failed to fetch order %s: %w", orderID, err)
	}
	if order.Status != exchange.OrderStatusFilled || order.FilledQty <= 0 || order.AvgPrice <= 0 {
		return fmt.Errorf("order %s not filled yet (status %s)", orderID, order.Status)
	}

	takeProfit := order.AvgPrice + (order.AvgPrice-stopLoss)*e.cfg.RiskReward
	activated, err := e.store.Activate(ctx, orderID, order.AvgPrice, order.FilledQty, takeProfit)
	if err != nil {
		return fmt.Errorf("failed to activate trade for order %s: %w", orderID, err)
	}
	if activated == nil {
		return nil
	}

	if err := e.feed.Subscribe(symbol); err != nil {
		log.Printf("Engine | [%s] feed subscribe failed: %v", symbol, err)
	}

	log.Printf("Engine | [%s] trade %d active: entry %.8f qty %.8f sl %.8f tp %.8f",
		symbol, activated.ID, activated.EntryPrice, activated.Quantity, activated.StopLoss, activated.TakeProfit)
	e.notifier.SendWithRetry(ctx, fmt.Sprintf(
		"✅ Opened %s\nEntry: %.8f\nQty: %.8f\nSL: %.8f\nTP: %.8f",
		symbol, activated.EntryPrice, activated.Quantity, activated.StopLoss, activated.TakeProfit))

	e.journal.LogEvent(ctx, journal.Event{
		Time:        time.Now().UTC(),
		Type:        "trade_opened",
		Description: fmt.Sprintf("%s opened at %.8f", symbol, activated.EntryPrice),
		Data: map[string]any{
			"trade_id": activated.ID,
			"symbol":   symbol,
		},
	})
	return nil
}

// RunReconciler periodically sweeps pending trades whose inline activation
// was missed, activating filled ones and failing stale or canceled ones.
func (e *Engine) RunReconciler(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Reconcile(ctx); err != nil {
				log.Printf("Engine | reconcile sweep failed: %v", err)
			}
		}
	}
}

// Reconcile runs one pending-trade sweep.
func (e *Engine) Reconcile(ctx context.Context) error {
	pending, err := e.store.PendingOlderThan(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to list pending trades: %w", err)
	}

	for _, t := range pending {
		order, err := e.exchange.GetOrder(ctx, t.OrderID, t.Symbol)
		if err != nil {
			log.Printf("Engine | [%s] reconcile: order %s lookup failed: %v", t.Symbol, t.OrderID, err)
			continue
		}

		switch {
		case order.Status == exchange.OrderStatusFilled && order.FilledQty > 0:
			if err := e.ActivateOrder(ctx, t.OrderID, t.Symbol, t.StopLoss); err != nil {
				log.Printf("Engine | [%s] reconcile activation failed: %v", t.Symbol, err)
			}
		case order.Status == exchange.OrderStatusCanceled,
			time.Since(t.UpdatedAt) > e.cfg.PendingTTL:
			if err := e.store.MarkFailed(ctx, t.ID); err != nil {
				log.Printf("Engine | [%s] reconcile: failed to mark trade %d failed: %v", t.Symbol, t.ID, err)
				continue
			}
			log.Printf("Engine | [%s] trade %d marked failed (order %s, status %s)",
				t.Symbol, t.ID, t.OrderID, order.Status)
			e.notifier.SendWithRetry(ctx, fmt.Sprintf(
				"⚠️ Trade for %s failed: order %s never filled", t.Symbol, t.OrderID))
		}
	}
	return nil
}

// roundDown truncates q to the given number of decimal places.
func roundDown(q float64, precision int) float64 {
	scale := math.Pow10(precision)
	return math.Floor(q*scale) / scale
}
