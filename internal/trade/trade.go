// Package trade
package trade

import (
	"context"
	"strings"
	"time"
)

// Status is the lifecycle state of a trade. Transitions are monotonic and
// one-directional; no terminal state is re-enterable.
type Status string

const (
	StatusPending      Status = "pending"
	StatusActive       Status = "active"
	StatusClosedTP     Status = "closed_tp"
	StatusClosedSL     Status = "closed_sl"
	StatusClosedManual Status = "closed_manual"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusClosedTP, StatusClosedSL, StatusClosedManual, StatusFailed:
		return true
	}
	return false
}

// CanTransition encodes the allowed state machine:
// pending -> active -> {closed_tp|closed_sl|closed_manual}, pending -> failed.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusFailed
	case StatusActive:
		return to == StatusClosedTP || to == StatusClosedSL || to == StatusClosedManual
	}
	return false
}

// Trade is the mutable record of one position from entry to close. Closed
// trades are retained for audit and history, never deleted.
type Trade struct {
	ID             int64
	SignalID       string
	Symbol         string
	Status         Status
	EntryPrice     float64
	Quantity       float64
	StopLoss       float64
	TakeProfit     float64
	HighestPrice   float64
	TrailingActive bool
	ClosePrice     float64
	RealizedPnL    float64
	OrderID        string
	CloseRetries   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PnL computes the realized profit for a close at the given price.
func (t Trade) PnL(closePrice float64) float64 {
	return (closePrice - t.EntryPrice) * t.Quantity
}

// BaseAsset extracts the base asset from the trade symbol,
// e.g. "BTC/USDT" -> "BTC".
func (t Trade) BaseAsset() string {
	parts := strings.Split(t.Symbol, "/")
	if len(parts) != 2 {
		parts = strings.Split(t.Symbol, "-")
		if len(parts) != 2 {
			return t.Symbol
		}
	}
	return parts[0]
}

// Store is the interface for trade persistence. It is the single source of
// truth for trade status; implementations enforce the uniqueness constraint
// on SignalID and the at-most-one-active-trade-per-symbol rule.
type Store interface {
	// CreatePending inserts a new pending trade. A duplicate SignalID is
	// rejected so a replayed signal can never produce a second row.
	CreatePending(ctx context.Context, t Trade) (int64, error)

	// Activate transitions the pending trade with the given order id to
	// active, recording fill price, quantity and the recomputed take-profit.
	// If no pending trade exists for the order id (already activated, or the
	// signal went stale) it returns (nil, nil): a no-op, not an error.
	Activate(ctx context.Context, orderID string, fillPrice, quantity, takeProfit float64) (*Trade, error)

	// Get returns the trade with the given id, or nil if absent.
	Get(ctx context.Context, id int64) (*Trade, error)

	// ActiveBySymbol returns the active trade for a symbol, or nil.
	ActiveBySymbol(ctx context.Context, symbol string) (*Trade, error)

	// ActiveSymbols returns the distinct symbols with an active trade.
	ActiveSymbols(ctx context.Context) ([]string, error)

	// UpdateTrailing persists a trailing-stop adjustment. The stop loss and
	// highest price only ever move up once trailing is active (ratchet).
	UpdateTrailing(ctx context.Context, id int64, highestPrice, stopLoss float64, trailingActive bool) error

	// Close transitions an active trade to a terminal status, recording the
	// close price and realized PnL. Closing an already-terminal trade is a
	// no-op so concurrent close paths cannot double-close.
	Close(ctx context.Context, id int64, status Status, closePrice, pnl float64) error

	// IncrementCloseRetries bumps the close-retry counter after a failed
	// sell attempt; the trade stays active.
	IncrementCloseRetries(ctx context.Context, id int64) (int, error)

	// History returns the most recent closed trades, newest first.
	History(ctx context.Context, limit int) ([]Trade, error)

	// PendingOlderThan returns pending trades last touched before the cutoff.
	// The activation reconciler sweeps these to catch fills whose inline
	// activation was missed.
	PendingOlderThan(ctx context.Context, cutoff time.Time) ([]Trade, error)

	// MarkFailed transitions a pending trade to failed.
	MarkFailed(ctx context.Context, id int64) error
}
