// Package analytics implements the Analytical Store (AS): a columnar,
// embedded-OLAP destination populated by replaying the Event Log. It is
// read-only from the Trading Process after each ETL cutoff and exists for
// backtests and performance reporting, never for live decisions.
//
// Every write here is an idempotent upsert keyed on a natural identity for
// its table (order_id, fill_id, (symbol, date), date), so re-running the
// ETL over a range of the Event Log it has already processed changes
// nothing — the standard property a derived store needs to recover from a
// crash mid-run without double-counting.
package analytics

import (
	"database/sql"
	"fmt"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/quantdesk/paperfloor/internal/config"
)

// Store wraps an embedded DuckDB database holding the bars/orders/fills/
// positions/performance tables.
type Store struct {
	db *sql.DB
}

// Open creates (or attaches to) the DuckDB file at cfg.DBPath and ensures
// every table exists. Grounded on the pack's DuckDB-via-database/sql usage
// (`NimbleMarkets-dbn-go/internal/mcp_data.InitCache`): plain `sql.Open`
// with the blank-imported `duckdb-go` driver, no ORM.
func Open(cfg config.AnalyticsConfig) (*Store, error) {
	path := cfg.DBPath
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open analytical store: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			symbol TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			open DOUBLE, high DOUBLE, low DOUBLE, close DOUBLE, volume DOUBLE,
			tier TEXT NOT NULL,
			PRIMARY KEY (symbol, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			client_order_id TEXT,
			symbol TEXT,
			side TEXT,
			qty DOUBLE,
			type TEXT,
			limit_price DOUBLE,
			final_state TEXT,
			created_at TIMESTAMP,
			terminal_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS fills (
			fill_id TEXT PRIMARY KEY,
			order_id TEXT,
			qty DOUBLE,
			price DOUBLE,
			fees DOUBLE,
			ts TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			symbol TEXT NOT NULL,
			date DATE NOT NULL,
			ts TIMESTAMP,
			net_qty DOUBLE,
			avg_cost DOUBLE,
			unrealized_pnl DOUBLE,
			PRIMARY KEY (symbol, date)
		)`,
		`CREATE TABLE IF NOT EXISTS performance (
			date DATE PRIMARY KEY,
			realized_pnl DOUBLE,
			fill_count BIGINT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate analytical store: %w", err)
		}
	}
	return nil
}

// Close releases the underlying DuckDB handle.
func (s *Store) Close() error {
	return s.db.Close()
}
