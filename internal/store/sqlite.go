/**
 * @description
 * SQLite storage backend for single-node deployments. Records and the layout marker live
 * in one key/value table created by the embedded migrations.
 *
 * @dependencies
 * - modernc.org/sqlite: pure-Go SQLite driver registered with database/sql.
 */

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/transfa/crowdfunding-service/internal/store/migrations"
	_ "modernc.org/sqlite"
)

// SQLiteBackend persists ledger state in a single SQLite file. Nested transactions map
// to SAVEPOINTs on the one open connection.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the SQLite file at path and applies migrations.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Savepoints are connection-scoped, so every transaction must share one connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applySQLiteMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Close closes the SQLite handle.
func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Begin opens a top-level transaction.
func (b *SQLiteBackend) Begin(ctx context.Context) (Txn, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sqlite transaction: %w", err)
	}
	return &sqliteTxn{tx: tx, seq: new(int)}, nil
}

type sqliteTxn struct {
	tx        *sql.Tx
	parent    *sqliteTxn
	savepoint string // empty for the top-level transaction
	seq       *int
	child     *sqliteTxn
	done      bool
}

func (t *sqliteTxn) usable() error {
	if t.done {
		return ErrTxnClosed
	}
	if t.child != nil {
		return ErrNestedTxnOpen
	}
	return nil
}

func (t *sqliteTxn) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := t.usable(); err != nil {
		return nil, false, err
	}
	var value []byte
	err := t.tx.QueryRowContext(ctx, "SELECT value FROM ledger_state WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (t *sqliteTxn) Put(ctx context.Context, key string, value []byte) error {
	if err := t.usable(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (t *sqliteTxn) Delete(ctx context.Context, key string) error {
	if err := t.usable(); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM ledger_state WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (t *sqliteTxn) Scan(ctx context.Context, prefix string) ([]KV, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(ctx,
		"SELECT key, value FROM ledger_state WHERE substr(key, 1, length(?)) = ? ORDER BY key",
		prefix, prefix,
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

func (t *sqliteTxn) Begin(ctx context.Context) (Txn, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	*t.seq++
	name := fmt.Sprintf("sp_%d", *t.seq)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("open savepoint: %w", err)
	}
	child := &sqliteTxn{tx: t.tx, parent: t, savepoint: name, seq: t.seq}
	t.child = child
	return child, nil
}

func (t *sqliteTxn) Commit(ctx context.Context) error {
	if err := t.usable(); err != nil {
		return err
	}
	t.done = true
	if t.parent == nil {
		if err := t.tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite transaction: %w", err)
		}
		return nil
	}
	t.parent.child = nil
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (t *sqliteTxn) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	if t.child != nil {
		_ = t.child.Rollback(ctx)
	}
	t.done = true
	if t.parent == nil {
		if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return fmt.Errorf("rollback sqlite transaction: %w", err)
		}
		return nil
	}
	t.parent.child = nil
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+t.savepoint); err != nil {
		return fmt.Errorf("rollback savepoint: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.savepoint); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// applySQLiteMigrations executes embedded migrations at most once per file.
func applySQLiteMigrations(db *sql.DB) error {
	files, err := loadMigrations(migrations.SQLite, "sqlite")
	if err != nil {
		return err
	}
	createSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`, migrationTable)
	if _, err := db.Exec(createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var found int
		err := db.QueryRow("SELECT 1 FROM "+migrationTable+" WHERE name = ?", file.name).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", file.name, err)
		}

		tx, err := db.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("begin migration transaction %s: %w", file.name, err)
		}
		if _, err := tx.Exec(file.up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file.name, err)
		}
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)",
			file.name, time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file.name, err)
		}
	}
	return nil
}
