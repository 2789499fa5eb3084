// Package signal
package signal

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid marks a signal that fails validation. Invalid signals are
// discarded and logged, never retried.
var ErrInvalid = errors.New("invalid signal")

// Signal is an immutable instruction to open a position. SignalID is assigned
// exactly once by the originator at publish time and is the deduplication key
// across all worker processes.
type Signal struct {
	SignalID   string    `json:"signal_id"`
	Symbol     string    `json:"symbol"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Strength   int       `json:"strength,omitempty"`
	Weight     float64   `json:"weight,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// New builds a signal with a freshly assigned SignalID. Only the originator
// side should call this; workers receive signals with ids already set.
func New(symbol string, entryPrice, stopLoss, takeProfit float64) Signal {
	return Signal{
		SignalID:   uuid.NewString(),
		Symbol:     symbol,
		EntryPrice: entryPrice,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Strength:   1,
		Weight:     1.0,
		CreatedAt:  time.Now().UTC(),
	}
}

// Validate checks the fields every consumer depends on.
func (s Signal) Validate() error {
	if s.SignalID == "" {
		return fmt.Errorf("%w: missing signal_id", ErrInvalid)
	}
	if s.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalid)
	}
	if s.EntryPrice <= 0 {
		return fmt.Errorf("%w: entry_price must be positive, got %f", ErrInvalid, s.EntryPrice)
	}
	return nil
}

// LockKey returns the cluster-wide dedup lock key for this signal.
func (s Signal) LockKey() string {
	return "signal_lock:" + s.SignalID
}

// Encode serializes a signal for the bus. The wire format is base64-wrapped
// JSON; every publisher and subscriber sharing a channel must go through
// Encode/Decode so the fleet never mixes encodings.
func (s Signal) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal signal %s: %w", s.SignalID, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses a bus payload produced by Encode.
func Decode(payload string) (Signal, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Signal{}, fmt.Errorf("%w: payload is not base64: %v", ErrInvalid, err)
	}

	var s Signal
	if err := json.Unmarshal(raw, &s); err != nil {
		return Signal{}, fmt.Errorf("%w: payload is not valid JSON: %v", ErrInvalid, err)
	}
	return s, nil
}
