package guardian

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/signal-relay/internal/bus"
	"github.com/amirphl/signal-relay/internal/db"
	"github.com/amirphl/signal-relay/internal/exchange"
	"github.com/amirphl/signal-relay/internal/feed"
	"github.com/amirphl/signal-relay/internal/trade"
)

type fakeFeed struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
}

func (f *fakeFeed) Subscribe(symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, symbols...)
	return nil
}

func (f *fakeFeed) Unsubscribe(symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, symbols...)
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Send(ctx context.Context, message string) error {
	return n.SendWithRetry(ctx, message)
}

func (n *recordingNotifier) SendWithRetry(ctx context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

type fixture struct {
	store    *db.MemoryStore
	exchange *exchange.Mock
	feed     *fakeFeed
	notifier *recordingNotifier
	guardian *Guardian
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		store:    db.NewMemoryStore(),
		exchange: exchange.NewMock(),
		feed:     &fakeFeed{},
		notifier: &recordingNotifier{},
	}
	f.guardian = New(cfg, f.store, f.exchange, f.feed, f.notifier, f.store)
	return f
}

// openTrade creates an active trade: entry 100, qty 1, sl 90, tp 120.
func (f *fixture) openTrade(t *testing.T) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.CreatePending(ctx, trade.Trade{
		SignalID: "sig-1", Symbol: "BTC/USDT", OrderID: "order-1",
		EntryPrice: 100, StopLoss: 90,
	})
	require.NoError(t, err)
	_, err = f.store.Activate(ctx, "order-1", 100, 1, 120)
	require.NoError(t, err)
	f.exchange.SetBalance("BTC", 1, 1)
	return id
}

func tick(price float64) feed.Tick {
	return feed.Tick{Symbol: "BTC/USDT", Price: price, Timestamp: time.Now().UTC()}
}

func TestGuardian_TakeProfitCloses(t *testing.T) {
	f := newFixture(Config{})
	id := f.openTrade(t)
	ctx := context.Background()

	f.exchange.FillPrice = 120.5
	f.guardian.HandleTick(ctx, tick(120.5))

	got, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusClosedTP, got.Status)
	assert.Equal(t, 120.5, got.ClosePrice)
	assert.InDelta(t, 20.5, got.RealizedPnL, 1e-9)

	require.Len(t, f.exchange.SellCalls, 1)
	assert.Equal(t, 1.0, f.exchange.SellCalls[0].Quantity)
	assert.Equal(t, []string{"BTC/USDT"}, f.feed.unsubscribed)
	assert.Equal(t, 1, f.notifier.count())

	// A later tick through the stop is a no-op: the trade is already closed.
	f.guardian.HandleTick(ctx, tick(80))
	assert.Len(t, f.exchange.SellCalls, 1)
	got, err = f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusClosedTP, got.Status)
}

func TestGuardian_StopLossCloses(t *testing.T) {
	f := newFixture(Config{})
	id := f.openTrade(t)
	ctx := context.Background()

	f.exchange.FillPrice = 89.9
	f.guardian.HandleTick(ctx, tick(89.9))

	got, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusClosedSL, got.Status)
	assert.InDelta(t, -10.1, got.RealizedPnL, 1e-9)
}

func TestGuardian_TakeProfitWinsWhenBothSatisfied(t *testing.T) {
	f := newFixture(Config{})
	id := f.openTrade(t)
	ctx := context.Background()

	// Degenerate trade where tp is below sl: the tp check runs first.
	require.NoError(t, f.store.UpdateTrailing(ctx, id, 0, 130, false))
	f.exchange.FillPrice = 125
	f.guardian.HandleTick(ctx, tick(125))

	got, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusClosedTP, got.Status)
}

func TestGuardian_TrailingArmsAndRatchets(t *testing.T) {
	f := newFixture(Config{
		TrailingEnabled:    true,
		TrailingActivation: 0.05,
		TrailingCallback:   0.02,
	})
	id := f.openTrade(t)
	ctx := context.Background()

	// Below the activation threshold nothing changes.
	f.guardian.HandleTick(ctx, tick(103))
	got, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.TrailingActive)
	assert.Equal(t, 90.0, got.StopLoss)

	// 10% above entry: trailing arms and the stop moves to 110 * 0.98.
	f.guardian.HandleTick(ctx, tick(110))
	got, err = f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.TrailingActive)
	assert.Equal(t, 110.0, got.HighestPrice)
	assert.InDelta(t, 107.8, got.StopLoss, 1e-9)

	// A pullback that stays above the stop must not move it down.
	f.guardian.HandleTick(ctx, tick(109))
	got, err = f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 110.0, got.HighestPrice)
	assert.InDelta(t, 107.8, got.StopLoss, 1e-9)
	assert.Equal(t, trade.StatusActive, got.Status)

	// Dropping through the trailed stop closes at a profit.
	f.exchange.FillPrice = 107
	f.guardian.HandleTick(ctx, tick(107))
	got, err = f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusClosedSL, got.Status)
	assert.InDelta(t, 7.0, got.RealizedPnL, 1e-9)
}

func TestGuardian_ExternalCloseDetected(t *testing.T) {
	f := newFixture(Config{})
	id := f.openTrade(t)
	ctx := context.Background()

	// The base asset is gone: someone sold it outside this process.
	f.exchange.SetBalance("BTC", 0, 0)
	f.guardian.HandleTick(ctx, tick(89))

	got, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusClosedManual, got.Status)
	assert.Empty(t, f.exchange.SellCalls)
	assert.Equal(t, []string{"BTC/USDT"}, f.feed.unsubscribed)
	assert.Equal(t, 1, f.notifier.count())
}

func TestGuardian_SellFailureKeepsTradeActive(t *testing.T) {
	f := newFixture(Config{CloseRetryAlertThreshold: 2})
	id := f.openTrade(t)
	ctx := context.Background()

	f.exchange.SellErr = errors.New("venue unavailable")
	f.guardian.HandleTick(ctx, tick(89))

	got, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusActive, got.Status)
	assert.Equal(t, 1, got.CloseRetries)
	assert.Empty(t, f.feed.unsubscribed)
	assert.Equal(t, 1, f.notifier.count())

	// The next tick re-enters the close procedure and escalates.
	f.guardian.HandleTick(ctx, tick(88))
	got, err = f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CloseRetries)
	assert.Contains(t, f.notifier.messages[1], "CRITICAL")

	// Once the venue recovers the close goes through.
	f.exchange.SellErr = nil
	f.exchange.FillPrice = 88
	f.guardian.HandleTick(ctx, tick(88))
	got, err = f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusClosedSL, got.Status)
}

func TestGuardian_ManualClose(t *testing.T) {
	f := newFixture(Config{})
	id := f.openTrade(t)
	ctx := context.Background()

	f.guardian.HandleTick(ctx, tick(105))
	f.exchange.FillPrice = 105
	require.NoError(t, f.guardian.ManualClose(ctx, id))

	got, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusClosedManual, got.Status)
	assert.InDelta(t, 5.0, got.RealizedPnL, 1e-9)
}

func TestGuardian_ManualCloseOfClosedTradeIsNoop(t *testing.T) {
	f := newFixture(Config{})
	id := f.openTrade(t)
	ctx := context.Background()

	f.exchange.FillPrice = 121
	f.guardian.HandleTick(ctx, tick(121))
	require.Len(t, f.exchange.SellCalls, 1)

	require.NoError(t, f.guardian.ManualClose(ctx, id))
	assert.Len(t, f.exchange.SellCalls, 1)
}

func TestGuardian_ManualCloseUnknownTrade(t *testing.T) {
	f := newFixture(Config{})
	assert.Error(t, f.guardian.ManualClose(context.Background(), 999))
}

func TestGuardian_RunHandlesCommands(t *testing.T) {
	f := newFixture(Config{})
	id := f.openTrade(t)

	ticks := make(chan feed.Tick, 1)
	commands := make(chan bus.Command, 1)
	ticks <- tick(105)
	commands <- bus.Command{Action: "close", TradeID: id}
	close(ticks)
	close(commands)

	f.exchange.FillPrice = 105
	f.guardian.Run(context.Background(), ticks, commands)

	got, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusClosedManual, got.Status)
}

func TestGuardian_SyncSubscriptions(t *testing.T) {
	f := newFixture(Config{})
	f.openTrade(t)

	require.NoError(t, f.guardian.SyncSubscriptions(context.Background()))
	assert.Equal(t, []string{"BTC/USDT"}, f.feed.subscribed)
}

func TestGuardian_TickForUntrackedSymbolIgnored(t *testing.T) {
	f := newFixture(Config{})
	f.guardian.HandleTick(context.Background(), feed.Tick{Symbol: "DOGE/USDT", Price: 1})
	assert.Empty(t, f.exchange.SellCalls)
	assert.Equal(t, 0, f.notifier.count())
}
