package trade

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusActive.Terminal())
	assert.True(t, StatusClosedTP.Terminal())
	assert.True(t, StatusClosedSL.Terminal())
	assert.True(t, StatusClosedManual.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to active", StatusPending, StatusActive, true},
		{"pending to failed", StatusPending, StatusFailed, true},
		{"pending to closed_tp", StatusPending, StatusClosedTP, false},
		{"active to closed_tp", StatusActive, StatusClosedTP, true},
		{"active to closed_sl", StatusActive, StatusClosedSL, true},
		{"active to closed_manual", StatusActive, StatusClosedManual, true},
		{"active to failed", StatusActive, StatusFailed, false},
		{"active back to pending", StatusActive, StatusPending, false},
		{"terminal never re-enterable", StatusClosedTP, StatusActive, false},
		{"terminal to terminal", StatusClosedSL, StatusClosedManual, false},
		{"failed to active", StatusFailed, StatusActive, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTrade_PnL(t *testing.T) {
	tr := Trade{EntryPrice: 100, Quantity: 2}
	assert.InDelta(t, 20.0, tr.PnL(110), 1e-9)
	assert.InDelta(t, -10.0, tr.PnL(95), 1e-9)
	assert.InDelta(t, 0.0, tr.PnL(100), 1e-9)
}

func TestTrade_BaseAsset(t *testing.T) {
	assert.Equal(t, "BTC", Trade{Symbol: "BTC/USDT"}.BaseAsset())
	assert.Equal(t, "ETH", Trade{Symbol: "ETH-USDT"}.BaseAsset())
	assert.Equal(t, "WEIRD", Trade{Symbol: "WEIRD"}.BaseAsset())
}
