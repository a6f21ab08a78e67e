// Package postgres provides a PostgreSQL-backed journal store.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	w := journal.NewWriter(store, 0)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlJournalEntries = `
CREATE TABLE IF NOT EXISTS journal_entries (
    id       BIGSERIAL    PRIMARY KEY,
    kind     TEXT         NOT NULL,
    text     TEXT         NOT NULL DEFAULT '',
    source   TEXT         NOT NULL DEFAULT '',
    retries  INTEGER      NOT NULL DEFAULT 0,
    at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_journal_entries_at
    ON journal_entries (at DESC);

CREATE INDEX IF NOT EXISTS idx_journal_entries_kind
    ON journal_entries (kind);
`

// Migrate creates the journal table and its indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlJournalEntries); err != nil {
		return fmt.Errorf("migrate journal_entries: %w", err)
	}
	return nil
}
