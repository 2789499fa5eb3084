// Package exchange
package exchange

import (
	"context"
	"errors"
	"strings"
)

// ErrInsufficientFunds is returned when the venue rejects an order because
// the account balance cannot cover it. Callers treat it as a clean rejection
// and never retry.
var ErrInsufficientFunds = errors.New("insufficient funds")

// OrderStatus is the venue-side state of an order.
type OrderStatus string

const (
	OrderStatusLive     OrderStatus = "live"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusCanceled OrderStatus = "canceled"
)

// Order is the venue's view of a placed order.
type Order struct {
	ID        string
	Symbol    string
	Side      string
	Status    OrderStatus
	FilledQty float64
	AvgPrice  float64
}

// Balance is the free and total amount of one asset.
type Balance struct {
	Free  float64
	Total float64
}

// Exchange is the venue surface the engine and guardian depend on.
type Exchange interface {
	// CreateMarketBuyOrder places a market buy for the given base quantity.
	// Returns ErrInsufficientFunds (wrapped) on balance rejection.
	CreateMarketBuyOrder(ctx context.Context, symbol string, quantity float64) (Order, error)

	// CreateMarketSellOrder places a market sell for the given base quantity.
	CreateMarketSellOrder(ctx context.Context, symbol string, quantity float64) (Order, error)

	// GetOrder fetches the current state of an order.
	GetOrder(ctx context.Context, orderID, symbol string) (Order, error)

	// FetchBalances returns the account balances keyed by asset.
	FetchBalances(ctx context.Context) (map[string]Balance, error)
}

// InstID converts an internal symbol to the venue instrument id,
// e.g. "BTC/USDT" -> "BTC-USDT".
func InstID(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
}

// SymbolFromInstID converts a venue instrument id back to the internal form.
func SymbolFromInstID(instID string) string {
	return strings.ReplaceAll(instID, "-", "/")
}
