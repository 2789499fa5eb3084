// Package guardian manages open positions. It consumes price ticks and
// management commands, enforces take-profit, stop-loss and trailing-stop
// rules, and drives the close procedure. All trade management runs under a
// single lock so a tick and a manual close can never race on the same trade.
package guardian

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/amirphl/signal-relay/internal/bus"
	"github.com/amirphl/signal-relay/internal/exchange"
	"github.com/amirphl/signal-relay/internal/feed"
	"github.com/amirphl/signal-relay/internal/journal"
	"github.com/amirphl/signal-relay/internal/notifier"
	"github.com/amirphl/signal-relay/internal/trade"
)

// Feed is the slice of the market data feed the guardian needs.
type Feed interface {
	Subscribe(symbols ...string) error
	Unsubscribe(symbols ...string) error
}

type Config struct {
	// TrailingEnabled turns the trailing stop on.
	TrailingEnabled bool

	// TrailingActivation is the profit ratio at which trailing arms,
	// e.g. 0.01 arms once price is 1% above entry.
	TrailingActivation float64

	// TrailingCallback is the fraction below the current price the stop is
	// trailed at, e.g. 0.005 places the stop 0.5% under the price.
	TrailingCallback float64

	// CloseRetryAlertThreshold is the failed-close count at which alerts
	// escalate to critical.
	CloseRetryAlertThreshold int
}

type Guardian struct {
	cfg      Config
	store    trade.Store
	exchange exchange.Exchange
	feed     Feed
	notifier notifier.Notifier
	journal  journal.Journaler

	// mu serializes all trade management: tick handling, manual closes and
	// the startup sync.
	mu sync.Mutex

	// lastPrice caches the latest tick per symbol for manual closes.
	lastPrice map[string]float64
}

func New(cfg Config, store trade.Store, ex exchange.Exchange, f Feed, n notifier.Notifier, j journal.Journaler) *Guardian {
	if cfg.CloseRetryAlertThreshold <= 0 {
		cfg.CloseRetryAlertThreshold = 3
	}
	return &Guardian{
		cfg:       cfg,
		store:     store,
		exchange:  ex,
		feed:      f,
		notifier:  n,
		journal:   j,
		lastPrice: make(map[string]float64),
	}
}

// SyncSubscriptions subscribes the feed to every symbol that has an active
// trade. Called at startup so trades opened in a previous run keep being
// managed.
func (g *Guardian) SyncSubscriptions(ctx context.Context) error {
	symbols, err := g.store.ActiveSymbols(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active symbols: %w", err)
	}
	if len(symbols) == 0 {
		return nil
	}
	if err := g.feed.Subscribe(symbols...); err != nil {
		return fmt.Errorf("failed to subscribe active symbols: %w", err)
	}
	log.Printf("Guardian | tracking %d active symbols", len(symbols))
	return nil
}

// Run consumes ticks and commands until the context is canceled or both
// channels are closed.
func (g *Guardian) Run(ctx context.Context, ticks <-chan feed.Tick, commands <-chan bus.Command) {
	for ticks != nil || commands != nil {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			g.HandleTick(ctx, tick)
		case cmd, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			g.handleCommand(ctx, cmd)
		}
	}
}

func (g *Guardian) handleCommand(ctx context.Context, cmd bus.Command) {
	switch cmd.Action {
	case "close":
		if err := g.ManualClose(ctx, cmd.TradeID); err != nil {
			log.Printf("Guardian | manual close of trade %d failed: %v", cmd.TradeID, err)
		}
	default:
		log.Printf("Guardian | ignoring unknown command action %q", cmd.Action)
	}
}

// HandleTick applies trade management rules for one price observation.
// The take-profit check runs before the stop-loss check, so a tick that
// somehow satisfies both closes the trade in profit.
func (g *Guardian) HandleTick(ctx context.Context, tick feed.Tick) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastPrice[tick.Symbol] = tick.Price

	t, err := g.store.ActiveBySymbol(ctx, tick.Symbol)
	if err != nil {
		log.Printf("Guardian | [%s] lookup failed: %v", tick.Symbol, err)
		return
	}
	if t == nil {
		return
	}

	price := tick.Price

	if price >= t.TakeProfit {
		g.closeTrade(ctx, t, trade.StatusClosedTP, price)
		return
	}

	if g.cfg.TrailingEnabled {
		g.manageTrailing(ctx, t, price)
	}

	if price <= t.StopLoss {
		g.closeTrade(ctx, t, trade.StatusClosedSL, price)
	}
}

// manageTrailing arms and ratchets the trailing stop. The stop only ever
// moves up; a price drop below the high-water mark leaves it where it is.
func (g *Guardian) manageTrailing(ctx context.Context, t *trade.Trade, price float64) {
	if !t.TrailingActive {
		profitRatio := (price - t.EntryPrice) / t.EntryPrice
		if profitRatio < g.cfg.TrailingActivation {
			return
		}
		t.TrailingActive = true
		t.HighestPrice = price
		log.Printf("Guardian | [%s] trailing armed at %.8f (%.2f%% above entry)",
			t.Symbol, price, profitRatio*100)
	}

	if price > t.HighestPrice {
		t.HighestPrice = price
	}

	newStop := price * (1 - g.cfg.TrailingCallback)
	if newStop > t.StopLoss {
		t.StopLoss = newStop
	}

	if err := g.store.UpdateTrailing(ctx, t.ID, t.HighestPrice, t.StopLoss, true); err != nil {
		log.Printf("Guardian | [%s] failed to persist trailing update: %v", t.Symbol, err)
	}
}

// ManualClose closes an active trade on request. Closing a trade that is
// not active is a no-op.
func (g *Guardian) ManualClose(ctx context.Context, tradeID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, err := g.store.Get(ctx, tradeID)
	if err != nil {
		return fmt.Errorf("failed to load trade %d: %w", tradeID, err)
	}
	if t == nil {
		return fmt.Errorf("trade %d not found", tradeID)
	}
	if t.Status != trade.StatusActive {
		log.Printf("Guardian | [%s] trade %d is %s, nothing to close", t.Symbol, t.ID, t.Status)
		return nil
	}

	price, ok := g.lastPrice[t.Symbol]
	if !ok {
		price = t.EntryPrice
	}
	g.closeTrade(ctx, t, trade.StatusClosedManual, price)
	return nil
}

// closeTrade runs the close procedure. Callers hold the mutex.
//
// If the base asset's free balance is gone the position was sold outside
// this process: the trade is recorded as closed_manual without placing a
// sell order. A failed sell leaves the trade active with its retry counter
// bumped; the next tick triggers another attempt.
func (g *Guardian) closeTrade(ctx context.Context, t *trade.Trade, status trade.Status, price float64) {
	balances, err := g.exchange.FetchBalances(ctx)
	if err != nil {
		log.Printf("Guardian | [%s] balance check failed, deferring close: %v", t.Symbol, err)
		return
	}

	free := balances[t.BaseAsset()].Free
	if free <= 0 {
		pnl := t.PnL(price)
		if err := g.store.Close(ctx, t.ID, trade.StatusClosedManual, price, pnl); err != nil {
			log.Printf("Guardian | [%s] failed to record external close: %v", t.Symbol, err)
			return
		}
		log.Printf("Guardian | [%s] trade %d closed manual-external, no balance to sell", t.Symbol, t.ID)
		g.notifier.SendWithRetry(ctx, fmt.Sprintf(
			"ℹ️ %s position was closed externally (manual-external). PnL: %.4f", t.Symbol, pnl))
		g.journalClose(ctx, t, trade.StatusClosedManual, price, pnl)
		g.unsubscribeIfUnused(ctx, t.Symbol)
		return
	}

	sellQty := t.Quantity
	if free < sellQty {
		sellQty = free
	}

	order, err := g.exchange.CreateMarketSellOrder(ctx, t.Symbol, sellQty)
	if err != nil {
		retries, incErr := g.store.IncrementCloseRetries(ctx, t.ID)
		if incErr != nil {
			log.Printf("Guardian | [%s] failed to bump close retries: %v", t.Symbol, incErr)
		}
		log.Printf("Guardian | [%s] sell failed (attempt %d): %v", t.Symbol, retries, err)
		severity := "⚠️"
		if retries >= g.cfg.CloseRetryAlertThreshold {
			severity = "🚨 CRITICAL"
		}
		g.notifier.SendWithRetry(ctx, fmt.Sprintf(
			"%s Failed to close %s position (attempt %d): %v", severity, t.Symbol, retries, err))
		return
	}

	closePrice := price
	if order.AvgPrice > 0 {
		closePrice = order.AvgPrice
	}
	pnl := t.PnL(closePrice)

	if err := g.store.Close(ctx, t.ID, status, closePrice, pnl); err != nil {
		log.Printf("Guardian | [%s] failed to record close: %v", t.Symbol, err)
		return
	}

	log.Printf("Guardian | [%s] trade %d closed %s at %.8f, pnl %.4f",
		t.Symbol, t.ID, status, closePrice, pnl)
	g.notifier.SendWithRetry(ctx, fmt.Sprintf(
		"%s Closed %s at %.8f\nStatus: %s\nPnL: %.4f", closeEmoji(status, pnl), t.Symbol, closePrice, status, pnl))
	g.journalClose(ctx, t, status, closePrice, pnl)
	g.unsubscribeIfUnused(ctx, t.Symbol)
}

func (g *Guardian) journalClose(ctx context.Context, t *trade.Trade, status trade.Status, closePrice, pnl float64) {
	g.journal.LogEvent(ctx, journal.Event{
		Time:        time.Now().UTC(),
		Type:        "trade_closed",
		Description: fmt.Sprintf("%s closed %s at %.8f", t.Symbol, status, closePrice),
		Data: map[string]any{
			"trade_id": t.ID,
			"symbol":   t.Symbol,
			"status":   string(status),
			"pnl":      pnl,
		},
	})
}

// unsubscribeIfUnused drops the feed subscription for a symbol unless
// another active trade still needs it.
func (g *Guardian) unsubscribeIfUnused(ctx context.Context, symbol string) {
	active, err := g.store.ActiveBySymbol(ctx, symbol)
	if err != nil {
		log.Printf("Guardian | [%s] active check failed, keeping subscription: %v", symbol, err)
		return
	}
	if active != nil {
		return
	}
	if err := g.feed.Unsubscribe(symbol); err != nil {
		log.Printf("Guardian | [%s] unsubscribe failed: %v", symbol, err)
	}
}

func closeEmoji(status trade.Status, pnl float64) string {
	switch {
	case status == trade.StatusClosedTP || pnl > 0:
		return "🎯"
	case status == trade.StatusClosedSL:
		return "🛑"
	default:
		return "ℹ️"
	}
}
