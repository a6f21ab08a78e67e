package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/wakeloop/internal/journal"
)

var _ journal.Store = (*Store)(nil)

// Store implements journal.Store on a journal_entries table. All methods are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Append implements journal.Store.
func (s *Store) Append(ctx context.Context, e journal.Entry) error {
	const q = `
		INSERT INTO journal_entries (kind, text, source, retries, at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.pool.Exec(ctx, q, string(e.Kind), e.Text, e.Source, e.Retries, e.At); err != nil {
		return fmt.Errorf("journal postgres: append: %w", err)
	}
	return nil
}

// Recent implements journal.Store.
func (s *Store) Recent(ctx context.Context, limit int) ([]journal.Entry, error) {
	const q = `
		SELECT id, kind, text, source, retries, at
		FROM   journal_entries
		ORDER  BY at DESC, id DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("journal postgres: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (journal.Entry, error) {
		var (
			e    journal.Entry
			kind string
		)
		if err := row.Scan(&e.ID, &kind, &e.Text, &e.Source, &e.Retries, &e.At); err != nil {
			return journal.Entry{}, err
		}
		e.Kind = journal.Kind(kind)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal postgres: scan: %w", err)
	}
	return entries, nil
}

// Ping checks the database connection. Used as a readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements journal.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
