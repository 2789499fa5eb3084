package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/signal-relay/internal/journal"
	"github.com/amirphl/signal-relay/internal/trade"
)

// MemoryStore is an in-memory Storage implementation for testing. It
// enforces the same constraints as the Postgres store: unique signal ids,
// one active trade per symbol, monotonic status transitions and the
// trailing ratchet.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	trades map[int64]*trade.Trade
	events []journal.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		trades: make(map[int64]*trade.Trade),
	}
}

func (m *MemoryStore) GetDB() *sql.DB {
	return nil
}

func (m *MemoryStore) CreatePending(ctx context.Context, t trade.Trade) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.SignalID != "" {
		for _, existing := range m.trades {
			if existing.SignalID == t.SignalID {
				return 0, fmt.Errorf("duplicate signal id %s", t.SignalID)
			}
		}
	}

	id := m.nextID
	m.nextID++

	now := time.Now().UTC()
	stored := t
	stored.ID = id
	stored.Status = trade.StatusPending
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.trades[id] = &stored
	return id, nil
}

func (m *MemoryStore) Activate(ctx context.Context, orderID string, fillPrice, quantity, takeProfit float64) (*trade.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.trades {
		if t.OrderID == orderID && t.Status == trade.StatusPending {
			for _, other := range m.trades {
				if other.Symbol == t.Symbol && other.Status == trade.StatusActive {
					return nil, fmt.Errorf("active trade already exists for %s", t.Symbol)
				}
			}
			t.Status = trade.StatusActive
			t.EntryPrice = fillPrice
			t.Quantity = quantity
			t.TakeProfit = takeProfit
			t.UpdatedAt = time.Now().UTC()
			copied := *t
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*trade.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if t, ok := m.trades[id]; ok {
		copied := *t
		return &copied, nil
	}
	return nil, nil
}

func (m *MemoryStore) ActiveBySymbol(ctx context.Context, symbol string) (*trade.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.trades {
		if t.Symbol == symbol && t.Status == trade.StatusActive {
			copied := *t
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ActiveSymbols(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var symbols []string
	for _, t := range m.trades {
		if t.Status == trade.StatusActive && !seen[t.Symbol] {
			seen[t.Symbol] = true
			symbols = append(symbols, t.Symbol)
		}
	}
	return symbols, nil
}

func (m *MemoryStore) UpdateTrailing(ctx context.Context, id int64, highestPrice, stopLoss float64, trailingActive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[id]
	if !ok || t.Status != trade.StatusActive {
		return nil
	}
	if highestPrice > t.HighestPrice {
		t.HighestPrice = highestPrice
	}
	if stopLoss > t.StopLoss {
		t.StopLoss = stopLoss
	}
	if trailingActive {
		t.TrailingActive = true
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Close(ctx context.Context, id int64, status trade.Status, closePrice, pnl float64) error {
	if !status.Terminal() {
		return fmt.Errorf("close requires a terminal status, got %s", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[id]
	if !ok || t.Status != trade.StatusActive {
		return nil
	}
	t.Status = status
	t.ClosePrice = closePrice
	t.RealizedPnL = pnl
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) IncrementCloseRetries(ctx context.Context, id int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[id]
	if !ok {
		return 0, fmt.Errorf("trade %d not found", id)
	}
	t.CloseRetries++
	t.UpdatedAt = time.Now().UTC()
	return t.CloseRetries, nil
}

func (m *MemoryStore) History(ctx context.Context, limit int) ([]trade.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var trades []trade.Trade
	for id := m.nextID - 1; id >= 1 && len(trades) < limit; id-- {
		t, ok := m.trades[id]
		if !ok || !t.Status.Terminal() {
			continue
		}
		trades = append(trades, *t)
	}
	return trades, nil
}

func (m *MemoryStore) PendingOlderThan(ctx context.Context, cutoff time.Time) ([]trade.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var trades []trade.Trade
	for id := int64(1); id < m.nextID; id++ {
		t, ok := m.trades[id]
		if ok && t.Status == trade.StatusPending && t.UpdatedAt.Before(cutoff) {
			trades = append(trades, *t)
		}
	}
	return trades, nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[id]
	if !ok || t.Status != trade.StatusPending {
		return nil
	}
	t.Status = trade.StatusFailed
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStore) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []journal.Event
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if e.Time.Before(start) || !e.Time.Before(end) {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}
