/**
 * @description
 * This file defines the transactional key/value contract every ledger storage backend
 * implements. The ledger keeps all of its state behind this contract so the same
 * accounting code runs against memory, SQLite and PostgreSQL.
 *
 * @notes
 * - A Txn may open a nested Txn. Committing the child folds its writes into the parent;
 *   rolling it back discards only the child's writes.
 * - Rollback after Commit is a no-op, so callers can always `defer tx.Rollback(ctx)`.
 * - Scan returns entries ordered by key (byte order).
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTxnClosed      = errors.New("storage transaction is already closed")
	ErrNestedTxnOpen  = errors.New("storage transaction has an open nested transaction")
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// KV is one stored entry returned by Scan.
type KV struct {
	Key   string
	Value []byte
}

// Backend opens top-level transactions.
type Backend interface {
	Begin(ctx context.Context) (Txn, error)
	Close() error
}

// Txn is a unit of atomic reads and writes.
type Txn interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string) ([]KV, error)

	// Begin opens a nested transaction (a savepoint).
	Begin(ctx context.Context) (Txn, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// OpenBackend opens the backend named by kind: "memory", "sqlite" or "postgres".
func OpenBackend(ctx context.Context, kind, sqlitePath, databaseURL string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "sqlite":
		return OpenSQLite(sqlitePath)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, databaseURL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
}
