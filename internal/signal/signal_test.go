package signal

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_AssignsUniqueIDs(t *testing.T) {
	a := New("ABC/USDT", 10, 9, 12)
	b := New("ABC/USDT", 10, 9, 12)

	assert.NotEmpty(t, a.SignalID)
	assert.NotEmpty(t, b.SignalID)
	assert.NotEqual(t, a.SignalID, b.SignalID)
	assert.Equal(t, 1, a.Strength)
	assert.Equal(t, 1.0, a.Weight)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		signal  Signal
		wantErr bool
	}{
		{
			name:   "valid signal",
			signal: Signal{SignalID: "a1", Symbol: "ABC/USDT", EntryPrice: 10, StopLoss: 9, TakeProfit: 12},
		},
		{
			name:    "missing signal_id",
			signal:  Signal{Symbol: "ABC/USDT", EntryPrice: 10},
			wantErr: true,
		},
		{
			name:    "missing symbol",
			signal:  Signal{SignalID: "a1", EntryPrice: 10},
			wantErr: true,
		},
		{
			name:    "zero entry price",
			signal:  Signal{SignalID: "a1", Symbol: "ABC/USDT", EntryPrice: 0},
			wantErr: true,
		},
		{
			name:    "negative entry price",
			signal:  Signal{SignalID: "a1", Symbol: "ABC/USDT", EntryPrice: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.signal.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLockKey(t *testing.T) {
	s := Signal{SignalID: "a1"}
	assert.Equal(t, "signal_lock:a1", s.LockKey())
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	orig := New("ABC/USDT", 10.5, 9.25, 12.75)
	orig.Strength = 3
	orig.Weight = 1.5

	payload, err := orig.Encode()
	require.NoError(t, err)

	// Wire format must be base64-wrapped JSON.
	raw, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"signal_id"`)

	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, orig.SignalID, got.SignalID)
	assert.Equal(t, orig.Symbol, got.Symbol)
	assert.Equal(t, orig.EntryPrice, got.EntryPrice)
	assert.Equal(t, orig.StopLoss, got.StopLoss)
	assert.Equal(t, orig.TakeProfit, got.TakeProfit)
	assert.Equal(t, orig.Strength, got.Strength)
	assert.Equal(t, orig.Weight, got.Weight)
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := Decode("%%%not-base64%%%")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)

	// Valid base64 but not JSON.
	payload := base64.StdEncoding.EncodeToString([]byte("not json"))
	_, err = Decode(payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
}
