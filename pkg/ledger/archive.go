package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLArchive mirrors appended events into a SQL table so aggregate
// queries do not re-scan the whole log. The JSONL file remains the
// source of truth; the archive is rebuildable and advisory.
type SQLArchive struct {
	db *sql.DB
}

// OpenSQLArchive opens (or creates) a SQLite archive at path.
func OpenSQLArchive(path string) (*SQLArchive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open archive: %w", err)
	}
	return NewSQLArchive(db)
}

// NewSQLArchive wraps an existing database handle.
func NewSQLArchive(db *sql.DB) (*SQLArchive, error) {
	a := &SQLArchive{db: db}
	if err := a.migrate(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *SQLArchive) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS ledger_events (
        event_id INTEGER PRIMARY KEY,
        principal_id TEXT NOT NULL,
        timestamp DATETIME NOT NULL,
        resource_type TEXT NOT NULL,
        quantity TEXT NOT NULL,
        cost TEXT NOT NULL,
        currency TEXT,
        charge_id TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_ledger_principal_ts
        ON ledger_events (principal_id, timestamp);`
	_, err := a.db.ExecContext(context.Background(), query)
	return err
}

// Archive inserts one event. Duplicate event IDs are ignored so log
// replays are idempotent.
func (a *SQLArchive) Archive(ev *Event) error {
	query := `
        INSERT OR IGNORE INTO ledger_events
            (event_id, principal_id, timestamp, resource_type, quantity, cost, currency, charge_id)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := a.db.ExecContext(context.Background(), query,
		ev.EventID, ev.PrincipalID, ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.ResourceType, ev.Quantity.String(), ev.Cost.String(), ev.Currency, ev.ChargeID)
	return err
}

// SumCost totals a principal's cost in the window from the archive.
func (a *SQLArchive) SumCost(ctx context.Context, principalID string, start, end time.Time) (decimal.Decimal, error) {
	query := `
        SELECT cost FROM ledger_events
        WHERE principal_id = ? AND timestamp >= ? AND timestamp <= ?`
	rows, err := a.db.QueryContext(ctx, query, principalID,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: archive query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	total := decimal.Zero
	for rows.Next() {
		var costText string
		if err := rows.Scan(&costText); err != nil {
			return decimal.Zero, err
		}
		cost, err := decimal.NewFromString(costText)
		if err != nil {
			return decimal.Zero, fmt.Errorf("ledger: archive cost %q: %w", costText, err)
		}
		total = total.Add(cost)
	}
	return total, rows.Err()
}

// Rebuild repopulates the archive from the log.
func (a *SQLArchive) Rebuild(q *Query) error {
	events, err := q.GetEvents(Filter{})
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := a.Archive(ev); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle.
func (a *SQLArchive) Close() error { return a.db.Close() }
