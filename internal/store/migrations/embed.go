package migrations

import "embed"

// SQLite contains embedded SQLite migrations for ledger storage.
//
//go:embed sqlite/*.sql
var SQLite embed.FS

// Postgres contains embedded PostgreSQL migrations for ledger storage.
//
//go:embed postgres/*.sql
var Postgres embed.FS
