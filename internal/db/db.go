// Package db
package db

import (
	"database/sql"

	"github.com/amirphl/signal-relay/internal/journal"
	"github.com/amirphl/signal-relay/internal/trade"
)

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB
	trade.Store
	journal.Journaler
}
