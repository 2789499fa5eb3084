// Package feed maintains a persistent websocket subscription to the venue's
// public ticker stream and emits price ticks on a channel. Delivery is
// at-most-once; a dropped connection loses the ticks published while down.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amirphl/signal-relay/internal/exchange"
)

const (
	defaultPublicWSURL = "wss://ws.okx.com:8443/ws/v5/public"

	// Fixed delay before a reconnect attempt. The public stream carries no
	// execution risk so there is no need for backoff.
	defaultReconnectDelay = 5 * time.Second

	defaultPingInterval = 20 * time.Second
)

// Tick is one price observation for a symbol.
type Tick struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// wsOp is an outbound subscribe/unsubscribe frame.
type wsOp struct {
	Op   string  `json:"op"`
	Args []wsArg `json:"args"`
}

type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// wsMessage is an inbound data frame.
type wsMessage struct {
	Event string `json:"event"`
	Arg   wsArg  `json:"arg"`
	Data  []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
		TS     string `json:"ts"`
	} `json:"data"`
}

// TickerFeed tracks a desired symbol set and keeps the venue subscription in
// sync with it across reconnects.
type TickerFeed struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration

	mu      sync.Mutex
	desired map[string]bool
	conn    *websocket.Conn

	ticks chan Tick
}

type Option func(*TickerFeed)

// WithURL overrides the websocket endpoint, used in tests.
func WithURL(u string) Option {
	return func(f *TickerFeed) { f.url = u }
}

func WithReconnectDelay(d time.Duration) Option {
	return func(f *TickerFeed) { f.reconnectDelay = d }
}

func WithPingInterval(d time.Duration) Option {
	return func(f *TickerFeed) { f.pingInterval = d }
}

func New(opts ...Option) *TickerFeed {
	f := &TickerFeed{
		url:            defaultPublicWSURL,
		reconnectDelay: defaultReconnectDelay,
		pingInterval:   defaultPingInterval,
		desired:        make(map[string]bool),
		ticks:          make(chan Tick, 256),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Ticks is the stream of price updates for subscribed symbols.
func (f *TickerFeed) Ticks() <-chan Tick {
	return f.ticks
}

// Subscribe adds symbols to the desired set and subscribes the live
// connection to the ones not already tracked. Re-subscribing an already
// tracked symbol is a no-op.
func (f *TickerFeed) Subscribe(symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var added []string
	for _, s := range symbols {
		if !f.desired[s] {
			f.desired[s] = true
			added = append(added, s)
		}
	}
	if len(added) == 0 || f.conn == nil {
		return nil
	}
	return f.sendOp("subscribe", added)
}

// Unsubscribe removes symbols from the desired set. Symbols not tracked are
// ignored.
func (f *TickerFeed) Unsubscribe(symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var removed []string
	for _, s := range symbols {
		if f.desired[s] {
			delete(f.desired, s)
			removed = append(removed, s)
		}
	}
	if len(removed) == 0 || f.conn == nil {
		return nil
	}
	return f.sendOp("unsubscribe", removed)
}

// Subscribed returns the current desired symbol set.
func (f *TickerFeed) Subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.desired))
	for s := range f.desired {
		out = append(out, s)
	}
	return out
}

// sendOp writes a subscribe/unsubscribe frame. Callers hold the mutex.
func (f *TickerFeed) sendOp(op string, symbols []string) error {
	args := make([]wsArg, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, wsArg{Channel: "tickers", InstID: exchange.InstID(s)})
	}
	if err := f.conn.WriteJSON(wsOp{Op: op, Args: args}); err != nil {
		return fmt.Errorf("failed to send %s for %v: %w", op, symbols, err)
	}
	return nil
}

// Run connects and pumps ticks until the context is canceled. Every
// reconnect re-subscribes the full desired set, so subscriptions made while
// disconnected take effect as soon as the connection is back.
func (f *TickerFeed) Run(ctx context.Context) {
	defer close(f.ticks)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := f.runOnce(ctx); err != nil {
			log.Printf("Feed | connection lost: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *TickerFeed) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", f.url, err)
	}
	defer conn.Close()
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
	}()

	f.mu.Lock()
	f.conn = conn
	desired := make([]string, 0, len(f.desired))
	for s := range f.desired {
		desired = append(desired, s)
	}
	var subErr error
	if len(desired) > 0 {
		subErr = f.sendOp("subscribe", desired)
	}
	f.mu.Unlock()
	if subErr != nil {
		return subErr
	}
	log.Printf("Feed | connected, tracking %d symbols", len(desired))

	// The venue expects a literal "ping" text frame and answers "pong".
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(f.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				f.mu.Lock()
				if f.conn != nil {
					f.conn.WriteMessage(websocket.TextMessage, []byte("ping"))
				}
				f.mu.Unlock()
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopPing:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}

		if string(raw) == "pong" {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("Feed | dropping malformed message: %v", err)
			continue
		}
		if msg.Arg.Channel != "tickers" || len(msg.Data) == 0 {
			continue
		}

		for _, d := range msg.Data {
			tick, err := parseTick(d.InstID, d.Last, d.TS)
			if err != nil {
				log.Printf("Feed | dropping tick for %s: %v", d.InstID, err)
				continue
			}
			select {
			case f.ticks <- tick:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func parseTick(instID, last, ts string) (Tick, error) {
	price, err := strconv.ParseFloat(last, 64)
	if err != nil {
		return Tick{}, fmt.Errorf("bad price %q: %w", last, err)
	}

	t := time.Now().UTC()
	if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
		t = time.UnixMilli(ms).UTC()
	}

	return Tick{
		Symbol:    exchange.SymbolFromInstID(instID),
		Price:     price,
		Timestamp: t,
	}, nil
}
