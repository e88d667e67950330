/**
 * @description
 * This file provides the PostgreSQL implementation of the ledger storage Backend. State
 * lives in a single `ledger_state` key/value table managed by the embedded migrations.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: pgxpool for connections; pgx.Tx.Begin for savepoints.
 *
 * @notes
 * - Every top-level transaction takes `pg_advisory_xact_lock` first, so ledger operations
 *   are serialized across every service instance sharing the database. The lock is
 *   released by commit or rollback.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/crowdfunding-service/internal/store/migrations"
)

// ledgerLockKey is the advisory lock id shared by every crowdfunding-service instance.
const ledgerLockKey int64 = 0x63726f7764 // "crowd"

// PostgresBackend is a Backend over a pgx connection pool.
type PostgresBackend struct {
	db *pgxpool.Pool
}

// NewPostgresBackend wraps an existing pool. Call Migrate before first use.
func NewPostgresBackend(db *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// OpenPostgres connects to databaseURL, verifies the connection and applies migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	b := NewPostgresBackend(pool)
	if err := b.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// Close releases the pool.
func (b *PostgresBackend) Close() error {
	if b != nil && b.db != nil {
		b.db.Close()
	}
	return nil
}

// Migrate applies embedded migrations at most once per file.
func (b *PostgresBackend) Migrate(ctx context.Context) error {
	files, err := loadMigrations(migrations.Postgres, "postgres")
	if err != nil {
		return err
	}
	if _, err := b.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+migrationTable+` (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		if err := b.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (b *PostgresBackend) applyMigration(ctx context.Context, file migrationFile) error {
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration transaction %s: %w", file.name, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", ledgerLockKey); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	var applied bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM "+migrationTable+" WHERE name = $1)", file.name,
	).Scan(&applied); err != nil {
		return fmt.Errorf("check migration %s: %w", file.name, err)
	}
	if applied {
		return nil
	}
	if _, err := tx.Exec(ctx, file.up); err != nil {
		return fmt.Errorf("exec migration %s: %w", file.name, err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO "+migrationTable+" (name) VALUES ($1)", file.name); err != nil {
		return fmt.Errorf("record migration %s: %w", file.name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", file.name, err)
	}
	return nil
}

// Begin opens a top-level transaction holding the ledger advisory lock.
func (b *PostgresBackend) Begin(ctx context.Context) (Txn, error) {
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin postgres transaction: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", ledgerLockKey); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("acquire ledger lock: %w", err)
	}
	return &postgresTxn{tx: tx}, nil
}

type postgresTxn struct {
	tx     pgx.Tx
	parent *postgresTxn
	child  *postgresTxn
	done   bool
}

func (t *postgresTxn) usable() error {
	if t.done {
		return ErrTxnClosed
	}
	if t.child != nil {
		return ErrNestedTxnOpen
	}
	return nil
}

func (t *postgresTxn) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := t.usable(); err != nil {
		return nil, false, err
	}
	var value []byte
	err := t.tx.QueryRow(ctx, "SELECT value FROM ledger_state WHERE key = $1", key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (t *postgresTxn) Put(ctx context.Context, key string, value []byte) error {
	if err := t.usable(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_state (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (t *postgresTxn) Delete(ctx context.Context, key string) error {
	if err := t.usable(); err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, "DELETE FROM ledger_state WHERE key = $1", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (t *postgresTxn) Scan(ctx context.Context, prefix string) ([]KV, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx,
		"SELECT key, value FROM ledger_state WHERE starts_with(key, $1::text) ORDER BY key",
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		out = append(out, kv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return out, nil
}

func (t *postgresTxn) Begin(ctx context.Context) (Txn, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("open savepoint: %w", err)
	}
	child := &postgresTxn{tx: nested, parent: t}
	t.child = child
	return child, nil
}

func (t *postgresTxn) Commit(ctx context.Context) error {
	if err := t.usable(); err != nil {
		return err
	}
	t.done = true
	if t.parent != nil {
		t.parent.child = nil
	}
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit postgres transaction: %w", err)
	}
	return nil
}

func (t *postgresTxn) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	if t.child != nil {
		_ = t.child.Rollback(ctx)
	}
	t.done = true
	if t.parent != nil {
		t.parent.child = nil
	}
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback postgres transaction: %w", err)
	}
	return nil
}
