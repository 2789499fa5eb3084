package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/signal-relay/internal/db/conf"
	"github.com/amirphl/signal-relay/internal/journal"
	"github.com/amirphl/signal-relay/internal/trade"
	_ "github.com/lib/pq"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS trades (
	id BIGSERIAL PRIMARY KEY,
	signal_id TEXT UNIQUE,
	symbol TEXT NOT NULL,
	status TEXT NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
	stop_loss DOUBLE PRECISION NOT NULL DEFAULT 0,
	take_profit DOUBLE PRECISION NOT NULL DEFAULT 0,
	highest_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	trailing_active BOOLEAN NOT NULL DEFAULT FALSE,
	close_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
	order_id TEXT NOT NULL DEFAULT '',
	close_retries INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_trades_symbol_status ON trades (symbol, status);

CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_one_active_per_symbol
	ON trades (symbol) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS events (
	id BIGSERIAL PRIMARY KEY,
	time TIMESTAMPTZ NOT NULL,
	type TEXT NOT NULL,
	description TEXT NOT NULL,
	data JSONB
);

CREATE INDEX IF NOT EXISTS idx_events_type_time ON events (type, time);
`

type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	return &Default{db: c.DB}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

// EnsureSchema creates the trades and events tables if they don't exist.
func (p *Default) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	// Check if transaction exists in context
	if tx := GetTransaction(ctx); tx != nil {
		// Use existing transaction
		return fn(tx)
	}

	// Create new transaction
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Execute the function
	if fnErr := fn(tx); fnErr != nil {
		// Rollback on error
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	// Commit on success
	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

const tradeColumns = `id, signal_id, symbol, status, entry_price, quantity, stop_loss, take_profit,
	highest_price, trailing_active, close_price, realized_pnl, order_id, close_retries, created_at, updated_at`

func scanTrade(rows *sql.Rows) (trade.Trade, error) {
	var t trade.Trade
	var signalID sql.NullString
	err := rows.Scan(&t.ID, &signalID, &t.Symbol, &t.Status, &t.EntryPrice, &t.Quantity,
		&t.StopLoss, &t.TakeProfit, &t.HighestPrice, &t.TrailingActive,
		&t.ClosePrice, &t.RealizedPnL, &t.OrderID, &t.CloseRetries, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return trade.Trade{}, fmt.Errorf("failed to scan trade: %w", err)
	}
	t.SignalID = signalID.String
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

// CreatePending inserts a new pending trade. The UNIQUE constraint on
// signal_id rejects a replayed signal that already produced a row.
func (p *Default) CreatePending(ctx context.Context, t trade.Trade) (int64, error) {
	var id int64
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		signalID := sql.NullString{String: t.SignalID, Valid: t.SignalID != ""}
		return tx.QueryRowContext(ctx, `
			INSERT INTO trades (signal_id, symbol, status, entry_price, quantity, stop_loss, take_profit, highest_price, order_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`,
			signalID, t.Symbol, trade.StatusPending, t.EntryPrice, t.Quantity,
			t.StopLoss, t.TakeProfit, t.HighestPrice, t.OrderID).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert pending trade for %s: %w", t.Symbol, err)
	}
	return id, nil
}

// Activate transitions a pending trade to active. Returns (nil, nil) when no
// pending trade matches the order id: already activated or stale.
func (p *Default) Activate(ctx context.Context, orderID string, fillPrice, quantity, takeProfit float64) (*trade.Trade, error) {
	var activated *trade.Trade
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE trades
			SET status = $1, entry_price = $2, quantity = $3, take_profit = $4, updated_at = now()
			WHERE order_id = $5 AND status = $6
			RETURNING `+tradeColumns,
			trade.StatusActive, fillPrice, quantity, takeProfit, orderID, trade.StatusPending)
		if err != nil {
			return fmt.Errorf("failed to activate trade for order %s: %w", orderID, err)
		}
		defer rows.Close()

		if rows.Next() {
			t, err := scanTrade(rows)
			if err != nil {
				return err
			}
			activated = &t
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return activated, nil
}

// Get returns the trade with the given id, or nil if absent.
func (p *Default) Get(ctx context.Context, id int64) (*trade.Trade, error) {
	rows, err := p.queryWithTransaction(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade %d: %w", id, err)
	}
	defer rows.Close()

	if rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	return nil, rows.Err()
}

// ActiveBySymbol returns the active trade for a symbol, or nil.
func (p *Default) ActiveBySymbol(ctx context.Context, symbol string) (*trade.Trade, error) {
	rows, err := p.queryWithTransaction(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE symbol = $1 AND status = $2 ORDER BY id DESC LIMIT 1`,
		symbol, trade.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query active trade for %s: %w", symbol, err)
	}
	defer rows.Close()

	if rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	return nil, rows.Err()
}

// ActiveSymbols returns the distinct symbols with an active trade.
func (p *Default) ActiveSymbols(ctx context.Context) ([]string, error) {
	rows, err := p.queryWithTransaction(ctx,
		`SELECT DISTINCT symbol FROM trades WHERE status = $1`, trade.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query active symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// UpdateTrailing persists a trailing adjustment. GREATEST enforces the
// ratchet even if two processes ever race on the same row.
func (p *Default) UpdateTrailing(ctx context.Context, id int64, highestPrice, stopLoss float64, trailingActive bool) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE trades
			SET highest_price = GREATEST(highest_price, $1),
				stop_loss = GREATEST(stop_loss, $2),
				trailing_active = trailing_active OR $3,
				updated_at = now()
			WHERE id = $4 AND status = $5`,
			highestPrice, stopLoss, trailingActive, id, trade.StatusActive)
		if err != nil {
			return fmt.Errorf("failed to update trailing for trade %d: %w", id, err)
		}
		return nil
	})
}

// Close transitions an active trade to a terminal status. Already-terminal
// rows are left untouched.
func (p *Default) Close(ctx context.Context, id int64, status trade.Status, closePrice, pnl float64) error {
	if !status.Terminal() {
		return fmt.Errorf("close requires a terminal status, got %s", status)
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE trades
			SET status = $1, close_price = $2, realized_pnl = $3, updated_at = now()
			WHERE id = $4 AND status = $5`,
			status, closePrice, pnl, id, trade.StatusActive)
		if err != nil {
			return fmt.Errorf("failed to close trade %d: %w", id, err)
		}
		return nil
	})
}

// IncrementCloseRetries bumps the close-retry counter and returns the new value.
func (p *Default) IncrementCloseRetries(ctx context.Context, id int64) (int, error) {
	var retries int
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			UPDATE trades SET close_retries = close_retries + 1, updated_at = now()
			WHERE id = $1
			RETURNING close_retries`, id).Scan(&retries)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment close retries for trade %d: %w", id, err)
	}
	return retries, nil
}

// History returns the most recent closed trades, newest first.
func (p *Default) History(ctx context.Context, limit int) ([]trade.Trade, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status NOT IN ($1, $2)
		ORDER BY id DESC LIMIT $3`,
		trade.StatusPending, trade.StatusActive, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade history: %w", err)
	}
	defer rows.Close()

	var trades []trade.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// PendingOlderThan returns pending trades last touched before the cutoff,
// used by the activation reconciler.
func (p *Default) PendingOlderThan(ctx context.Context, cutoff time.Time) ([]trade.Trade, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE status = $1 AND updated_at < $2
		ORDER BY id ASC`,
		trade.StatusPending, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending trades: %w", err)
	}
	defer rows.Close()

	var trades []trade.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// MarkFailed transitions a pending trade to failed.
func (p *Default) MarkFailed(ctx context.Context, id int64) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE trades SET status = $1, updated_at = now()
			WHERE id = $2 AND status = $3`,
			trade.StatusFailed, id, trade.StatusPending)
		if err != nil {
			return fmt.Errorf("failed to mark trade %d failed: %w", id, err)
		}
		return nil
	})
}

// LogEvent journals an event.
func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (time, type, description, data) VALUES ($1, $2, $3, $4)`,
			event.Time, event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		return nil
	})
}

// GetEvents returns journaled events of a type within a time range.
func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT time, type, description, data FROM events
		WHERE type = $1 AND time >= $2 AND time < $3
		ORDER BY time ASC`,
		eventType, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var raw []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
