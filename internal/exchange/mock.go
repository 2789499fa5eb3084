package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Mock is a configurable in-memory Exchange for tests.
type Mock struct {
	mu sync.Mutex

	// BuyErr and SellErr, when set, are returned by the respective order
	// methods instead of placing an order.
	BuyErr  error
	SellErr error

	// FillPrice is the price orders fill at.
	FillPrice float64

	// Balances returned by FetchBalances.
	Balances map[string]Balance

	nextOrderID int
	orders      map[string]Order

	BuyCalls  []MockOrderCall
	SellCalls []MockOrderCall
}

type MockOrderCall struct {
	Symbol   string
	Quantity float64
}

func NewMock() *Mock {
	return &Mock{
		FillPrice: 100,
		Balances:  make(map[string]Balance),
		orders:    make(map[string]Order),
	}
}

func (m *Mock) CreateMarketBuyOrder(ctx context.Context, symbol string, quantity float64) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.BuyCalls = append(m.BuyCalls, MockOrderCall{Symbol: symbol, Quantity: quantity})
	if m.BuyErr != nil {
		return Order{}, m.BuyErr
	}
	return m.fill(symbol, "buy", quantity), nil
}

func (m *Mock) CreateMarketSellOrder(ctx context.Context, symbol string, quantity float64) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SellCalls = append(m.SellCalls, MockOrderCall{Symbol: symbol, Quantity: quantity})
	if m.SellErr != nil {
		return Order{}, m.SellErr
	}
	return m.fill(symbol, "sell", quantity), nil
}

// fill records an immediately-filled order. Callers hold the mutex.
func (m *Mock) fill(symbol, side string, quantity float64) Order {
	m.nextOrderID++
	order := Order{
		ID:        "mock-order-" + strconv.Itoa(m.nextOrderID),
		Symbol:    symbol,
		Side:      side,
		Status:    OrderStatusFilled,
		FilledQty: quantity,
		AvgPrice:  m.FillPrice,
	}
	m.orders[order.ID] = order
	return order
}

func (m *Mock) GetOrder(ctx context.Context, orderID, symbol string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("order %s not found", orderID)
	}
	return order, nil
}

func (m *Mock) FetchBalances(ctx context.Context) (map[string]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Balance, len(m.Balances))
	for k, v := range m.Balances {
		out[k] = v
	}
	return out, nil
}

// SetOrderStatus overrides the venue-side state of a placed order.
func (m *Mock) SetOrderStatus(orderID string, status OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order, ok := m.orders[orderID]; ok {
		order.Status = status
		m.orders[orderID] = order
	}
}

// SetBalance sets one asset balance.
func (m *Mock) SetBalance(asset string, free, total float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Balances[asset] = Balance{Free: free, Total: total}
}
